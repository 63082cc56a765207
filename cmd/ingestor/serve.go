package main

import (
	"github.com/spf13/cobra"

	"github.com/ncolesummers/document-ingestor/internal/indexer"
	"github.com/ncolesummers/document-ingestor/internal/mcp"
	"github.com/ncolesummers/document-ingestor/internal/searcher"
)

func newServeCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve ingest and search tools over MCP stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			// stdout is the MCP transport
			cfg, logger, err := loadConfig(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			b, err := openBackends(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = b.Close() }()

			sources, err := cfg.BuildSources(logger)
			if err != nil {
				return err
			}

			mcp.ServerVersion = version
			srv, err := mcp.NewServer(mcp.Deps{
				Storage:  b.store,
				Index:    b.index,
				Indexer:  indexer.New(b.store, b.index, b.emb, cfg.IndexerConfig(logger)),
				Searcher: searcher.NewSearcher(b.index, b.emb),
				Sources:  sources,
				Logger:   logger,
			})
			if err != nil {
				return err
			}

			err = srv.Serve(ctx)
			if ctx.Err() != nil {
				logger.Info("server stopped", "reason", ctx.Err())
				return nil
			}
			return err
		},
	}
}
