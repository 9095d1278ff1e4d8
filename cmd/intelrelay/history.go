package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"intelrelay/internal/app"
	"intelrelay/internal/storage"
	"intelrelay/internal/textutil"
)

func newHistoryCmd(cfgPath *string) *cobra.Command {
	var (
		q      storage.HistoryQuery
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recently processed posts, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			entries, err := app.History(cmd.Context(), *cfgPath, q)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}
			return writeHistory(cmd, entries, time.Now())
		},
	}
	cmd.Flags().IntVarP(&q.Limit, "limit", "n", 50, "number of entries")
	cmd.Flags().StringVar(&q.Source, "source", "", "only this source key (e.g. @bwenews or -100123)")
	cmd.Flags().StringVar(&q.Outcome, "outcome", "", "only this outcome (succeeded, skipped, failed, cancelled)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func writeHistory(cmd *cobra.Command, entries []storage.HistoryEntry, now time.Time) error {
	if len(entries) == 0 {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), "no history yet")
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tSOURCE\tMSG\tOUTCOME\tTOOK\tERROR")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\n",
			humanize.RelTime(e.At, now, "ago", "from now"),
			e.Source, e.MessageID, e.Outcome,
			(time.Duration(e.TookMS) * time.Millisecond).String(),
			textutil.Truncate(textutil.OneLine(e.Error), 80, "…"),
		)
	}
	return tw.Flush()
}
