package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ncolesummers/document-ingestor/internal/indexer"
	"github.com/ncolesummers/document-ingestor/internal/storage"
)

func newRunCmd(opts *globalOptions) *cobra.Command {
	var (
		force   bool
		asJSON  bool
		noSpin  bool
		workers int
		names   []string
	)

	cmd := &cobra.Command{
		Use:   "run [source...]",
		Short: "Run an incremental ingest",
		Long: `Runs one ingest per named source, given as arguments or with --source, or
for every configured source when none is named. Documents whose change signal is unchanged are skipped unless
--force is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, logger, err := loadConfig(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if workers > 0 {
				cfg.Indexer.Workers = workers
			}

			b, err := openBackends(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = b.Close() }()

			all, err := cfg.BuildSources(logger)
			if err != nil {
				return err
			}
			sources, err := selectSources(all, append(names, args...))
			if err != nil {
				return err
			}

			idx := indexer.New(b.store, b.index, b.emb, cfg.IndexerConfig(logger))
			for _, src := range sources {
				p := newProgress(cmd.ErrOrStderr(), src.Name(), !noSpin)
				summary, runErr := idx.Run(ctx, src, indexer.RunOptions{Force: force, OnOutcome: p.observe})
				p.finish()

				if summary != nil {
					if asJSON {
						if err := json.NewEncoder(cmd.OutOrStdout()).Encode(summary); err != nil {
							return err
						}
					} else {
						printSummary(cmd.OutOrStdout(), summary)
					}
				}
				if runErr != nil {
					return fmt.Errorf("ingest %s: %w", src.Name(), runErr)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&names, "source", "s", nil, "source to ingest (repeatable)")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "re-chunk every document even when unchanged")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print run summaries as JSON lines")
	cmd.Flags().BoolVar(&noSpin, "no-progress", false, "disable the progress spinner")
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "documents processed concurrently (overrides config)")
	return cmd
}

func printSummary(w io.Writer, s *indexer.Summary) {
	status := color.GreenString(s.Status)
	switch {
	case s.Status == storage.RunAborted:
		status = color.RedString(s.Status)
	case s.Status == storage.RunCancelled || s.FailedDocs > 0:
		status = color.YellowString(s.Status)
	}

	fmt.Fprintf(w, "%s %s (run %s, %s)\n", color.CyanString(s.Source), status, s.RunID, s.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "  skipped %d  upserted %d  removed %d  superseded %d  failed %d  cancelled %d\n",
		s.Skipped, s.UpsertedDocs, s.RemovedDocs, s.Superseded, s.FailedDocs, s.Cancelled)
	fmt.Fprintf(w, "  chunk upserts %d  chunk deletes %d", s.PlanOps.Upserts, s.PlanOps.Deletes)
	if s.PlanOps.Swept > 0 {
		fmt.Fprintf(w, "  swept %d", s.PlanOps.Swept)
	}
	fmt.Fprintln(w)
	for _, f := range s.Failures {
		fmt.Fprintf(w, "  %s %s [%s] %s\n", color.RedString("failed"), f.DocumentID, f.Kind, f.Message)
	}
}
