package main

import (
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/sambigeara/nectar/pkg/persist"
	"github.com/sambigeara/nectar/pkg/types"
)

func newLedgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Show the persisted sequence ledger",
		Args:  cobra.NoArgs,
		RunE:  runLedger,
	}
	addStorageFlags(cmd)
	return cmd
}

func runLedger(cmd *cobra.Command, _ []string) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}

	l, closeLedger, err := e.openLedger()
	if errors.Is(err, persist.ErrLocked) {
		return fmt.Errorf("%w: a node is running on %s; use `nectar records` to inspect it", err, e.dir)
	}
	if err != nil {
		return err
	}
	defer closeLedger() //nolint:errcheck

	renderLedger(cmd.OutOrStdout(), l.Snapshot())
	return nil
}

func renderLedger(w io.Writer, seqs map[types.Hash160]uint32) {
	if len(seqs) == 0 {
		fmt.Fprintln(w, "ledger is empty")
		return
	}

	ids := make([]types.Hash160, 0, len(seqs))
	for id := range seqs {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, types.Hash160.Compare)

	t := newTable("IDENTITY", "SEQUENCE")
	for _, id := range ids {
		t.Row(id.String(), strconv.FormatUint(uint64(seqs[id]), 10))
	}

	fmt.Fprintln(w, t)
	fmt.Fprintf(w, "%d identities\n", len(seqs))
}

// newTable returns a borderless table with dimmed headers.
func newTable(headers ...string) *table.Table {
	headerStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("245")).PaddingRight(2)
	dataStyle := lipgloss.NewStyle().PaddingRight(2)

	return table.New().
		Border(lipgloss.HiddenBorder()).
		BorderTop(false).
		BorderBottom(false).
		BorderLeft(false).
		BorderRight(false).
		BorderHeader(false).
		BorderColumn(false).
		Headers(headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return dataStyle
		})
}
