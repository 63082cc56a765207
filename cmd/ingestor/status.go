package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ncolesummers/document-ingestor/internal/storage"
)

type statusReport struct {
	Documents int                  `json:"documents"`
	Chunks    int                  `json:"chunks"`
	Runs      []*storage.RunRecord `json:"runs"`
}

func newStatusCmd(opts *globalOptions) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show index statistics and recent runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, logger, err := loadConfig(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			b, err := openBackends(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = b.Close() }()

			var report statusReport
			if report.Documents, err = b.store.CountFingerprints(ctx); err != nil {
				return err
			}
			if report.Chunks, err = b.index.Count(ctx); err != nil {
				return err
			}
			if report.Runs, err = b.store.ListRuns(ctx, limit); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}

			fmt.Fprintf(out, "documents: %d\nchunks:    %d\n", report.Documents, report.Chunks)
			if len(report.Runs) == 0 {
				fmt.Fprintln(out, "no runs recorded")
				return nil
			}
			fmt.Fprintln(out)
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "STARTED\tSOURCE\tSTATUS\tSKIPPED\tUPSERTED\tREMOVED\tFAILED\tUPSERTS\tDELETES")
			for _, r := range report.Runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\n",
					r.StartedAt.Local().Format(time.DateTime), r.Source, r.Status,
					r.Skipped, r.Upserted, r.Removed, r.Failed, r.Upserts, r.Deletes)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of recent runs to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	return cmd
}
