package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "Print the local public key, creating a key pair if needed",
		Args:  cobra.NoArgs,
		RunE:  runKeys,
	}
}

func runKeys(cmd *cobra.Command, _ []string) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}

	kp, err := e.loadKeys()
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), kp.String())
	return nil
}
