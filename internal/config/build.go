package config

import (
	"fmt"
	"log/slog"

	"github.com/ncolesummers/document-ingestor/internal/chunker"
	"github.com/ncolesummers/document-ingestor/internal/embedder"
	"github.com/ncolesummers/document-ingestor/internal/fetcher"
	"github.com/ncolesummers/document-ingestor/internal/indexer"
	"github.com/ncolesummers/document-ingestor/internal/retry"
)

// RetryPolicy converts the retry settings
func (r RetryConfig) RetryPolicy() retry.Config {
	return retry.Config{
		MaxAttempts: r.MaxAttempts,
		BaseDelay:   r.BaseDelay.Std(),
		MaxDelay:    r.MaxDelay.Std(),
		Multiplier:  r.Multiplier,
	}
}

// EmbedderConfig returns the settings for embedder.New
func (c *Config) EmbedderConfig() embedder.Config {
	return embedder.Config{
		Provider:  c.Embedder.Provider,
		Model:     c.Embedder.Model,
		APIKey:    c.Embedder.APIKey,
		BaseURL:   c.Embedder.BaseURL,
		Dimension: c.Embedder.Dimension,
		CacheSize: c.Embedder.CacheSize,
		Timeout:   c.Embedder.Timeout.Std(),
		Retry:     c.Indexer.Retry.RetryPolicy(),
	}
}

// IndexerConfig returns the orchestrator settings
func (c *Config) IndexerConfig(logger *slog.Logger) indexer.Config {
	return indexer.Config{
		Workers:            c.Indexer.Workers,
		EmbedBatchSize:     c.Embedder.BatchSize,
		ApplyTimeout:       c.Indexer.ApplyTimeout.Std(),
		MaxConflictRetries: c.Indexer.MaxConflictRetries,
		Retry:              c.Indexer.Retry.RetryPolicy(),
		Chunker: chunker.Config{
			MaxRunes:       c.Chunker.MaxRunes,
			OmitBreadcrumb: c.Chunker.OmitBreadcrumb,
		},
		Logger: logger,
	}
}

// BuildSources constructs every configured source
func (c *Config) BuildSources(logger *slog.Logger) ([]fetcher.Source, error) {
	sources := make([]fetcher.Source, 0, len(c.Sources))
	for _, sc := range c.Sources {
		src, err := c.buildSource(sc, logger)
		if err != nil {
			return nil, fmt.Errorf("source %q: %w", sc.Name, err)
		}
		sources = append(sources, src)
	}
	return sources, nil
}

func (c *Config) buildSource(sc SourceConfig, logger *slog.Logger) (fetcher.Source, error) {
	switch sc.Type {
	case SourceFilesystem:
		return fetcher.NewFilesystemSource(fetcher.FilesystemConfig{
			Name:       sc.Name,
			Root:       sc.Root,
			Extensions: sc.Extensions,
		})
	case SourceHTTP:
		seeds := make([]fetcher.Seed, 0, len(sc.Seeds))
		for _, u := range sc.Seeds {
			seeds = append(seeds, fetcher.Seed{URL: u})
		}
		if sc.SeedsFile != "" {
			loaded, err := fetcher.LoadSeeds(sc.SeedsFile, logger)
			if err != nil {
				return nil, err
			}
			seeds = append(seeds, loaded...)
		}
		return fetcher.NewHTTPSource(fetcher.HTTPConfig{
			Name:              sc.Name,
			Seeds:             seeds,
			MaxDepth:          sc.MaxDepth,
			RateLimit:         sc.RateLimit,
			AllowedExtensions: sc.AllowedExtensions,
			IgnorePatterns:    sc.IgnorePatterns,
			UserAgent:         sc.UserAgent,
			CacheDir:          sc.CacheDir,
			Timeout:           sc.Timeout.Std(),
			Retry:             c.Indexer.Retry.RetryPolicy(),
			Logger:            logger,
		})
	default:
		return nil, fmt.Errorf("unknown source type %q", sc.Type)
	}
}
