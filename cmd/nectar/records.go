package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/sambigeara/nectar/pkg/control"
)

func newRecordsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "records",
		Short: "List the records held by the running node",
		Args:  cobra.NoArgs,
		RunE:  runRecords,
	}
}

func runRecords(cmd *cobra.Command, _ []string) error {
	return withControl(cmd, func(ctx context.Context, c *control.Client) error {
		records, err := c.ListRecords(ctx)
		if err != nil {
			return err
		}
		renderRecords(cmd.OutOrStdout(), records, time.Now())
		return nil
	})
}

func renderRecords(w io.Writer, records []control.RecordInfo, now time.Time) {
	if len(records) == 0 {
		fmt.Fprintln(w, "no records")
		return
	}

	t := newTable("IDENTITY", "KIND", "OWNER", "SEQUENCE", "EXPIRES IN")
	for _, r := range records {
		ttl := time.Duration(r.TTLMillis) * time.Millisecond
		left := max(r.CreatedAt.Add(ttl).Sub(now), 0).Truncate(time.Second)
		t.Row(r.ID, r.Kind, shortKey(r.Owner), strconv.FormatUint(uint64(r.Sequence), 10), left.String())
	}

	fmt.Fprintln(w, t)
	fmt.Fprintf(w, "%d records\n", len(records))
}

func shortKey(hexKey string) string {
	if len(hexKey) <= 16 {
		return hexKey
	}
	return hexKey[:16]
}
