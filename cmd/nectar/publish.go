package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"connectrpc.com/connect"
	"github.com/spf13/cobra"

	"github.com/sambigeara/nectar/pkg/control"
)

const defaultRecordTTL = time.Hour

func newPublishCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Sign a blob with the running node's key and flood it to peers",
		Args:  cobra.NoArgs,
		RunE:  runPublish,
	}
	addPayloadFlags(cmd)
	return cmd
}

func newRetractCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retract",
		Short: "Remove a blob through the running node",
		Args:  cobra.NoArgs,
		RunE:  runRetract,
	}
	addPayloadFlags(cmd)
	cmd.Flags().String("from", "", "Sender public key (hex) when removing a mailbox blob addressed to us")
	return cmd
}

func addPayloadFlags(cmd *cobra.Command) {
	cmd.Flags().String("data", "", "Blob contents")
	cmd.Flags().Duration("ttl", defaultRecordTTL, "Record lifetime; part of the blob identity")
	cmd.Flags().String("to", "", "Receiver public key (hex) for a mailbox blob")
}

func runPublish(cmd *cobra.Command, _ []string) error {
	return withControl(cmd, func(ctx context.Context, c *control.Client) error {
		req, err := blobRequest(cmd)
		if err != nil {
			return err
		}
		got, err := c.Publish(ctx, req)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s seq=%d\n", got.ID, got.Sequence)
		return nil
	})
}

func runRetract(cmd *cobra.Command, _ []string) error {
	return withControl(cmd, func(ctx context.Context, c *control.Client) error {
		req, err := blobRequest(cmd)
		if err != nil {
			return err
		}
		got, err := c.Retract(ctx, req)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s seq=%d\n", got.ID, got.Sequence)
		return nil
	})
}

// withControl dials the node serving the data directory. Authoring needs the
// node: it holds the ledger and has followed the network's sequence numbers.
func withControl(cmd *cobra.Command, fn func(context.Context, *control.Client) error) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}

	err = fn(cmd.Context(), control.Dial(e.socketPath()))
	if connect.CodeOf(err) == connect.CodeUnavailable {
		return fmt.Errorf("no node is serving %s; start one with `nectar node`: %w", e.dir, err)
	}
	return err
}

func (e *env) socketPath() string {
	return filepath.Join(e.dir, control.SocketName)
}

func blobRequest(cmd *cobra.Command) (*control.BlobRequest, error) {
	data, _ := cmd.Flags().GetString("data")
	ttl, _ := cmd.Flags().GetDuration("ttl")
	to, _ := cmd.Flags().GetString("to")

	var from string
	if cmd.Flags().Lookup("from") != nil {
		from, _ = cmd.Flags().GetString("from")
	}

	if ttl < 0 {
		return nil, errors.New("--ttl cannot be negative")
	}
	req := &control.BlobRequest{Data: []byte(data), TTLMillis: ttl.Milliseconds()}

	switch {
	case to != "" && from != "":
		return nil, errors.New("--to and --from are mutually exclusive")
	case to != "":
		receiver, err := parsePub(to)
		if err != nil {
			return nil, fmt.Errorf("--to: %w", err)
		}
		req.To = receiver
	case from != "":
		sender, err := parsePub(from)
		if err != nil {
			return nil, fmt.Errorf("--from: %w", err)
		}
		req.From = sender
	}
	return req, nil
}

func parsePub(s string) (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes", ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(b), nil
}
