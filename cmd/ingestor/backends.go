package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ncolesummers/document-ingestor/internal/config"
	"github.com/ncolesummers/document-ingestor/internal/embedder"
	"github.com/ncolesummers/document-ingestor/internal/storage"
	"github.com/ncolesummers/document-ingestor/internal/vectorindex"
)

// backends holds the fingerprint store, chunk index and embedder for one
// process
type backends struct {
	store   storage.Storage
	index   vectorindex.Index
	emb     embedder.Embedder
	closers []func() error
}

func openBackends(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*backends, error) {
	emb, err := embedder.New(cfg.EmbedderConfig())
	if err != nil {
		return nil, fmt.Errorf("create embedder: %w", err)
	}
	b := &backends{emb: emb}

	if err := b.openStorage(ctx, cfg); err != nil {
		_ = b.Close()
		return nil, err
	}

	logger.Debug("backends ready",
		"driver", cfg.Storage.Driver,
		"sqlite_driver", storage.DriverName,
		"build_mode", storage.BuildMode,
		"embedder", emb.Provider(),
		"dimension", emb.Dimension())
	return b, nil
}

func (b *backends) openStorage(ctx context.Context, cfg *config.Config) error {
	switch cfg.Storage.Driver {
	case config.DriverSQLite:
		path := cfg.Storage.Path
		if path != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return fmt.Errorf("create database directory: %w", err)
			}
		}
		db, err := storage.OpenDatabase(path)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		b.closers = append(b.closers, db.Close)

		store, err := storage.NewSQLiteStorageFromDB(ctx, db)
		if err != nil {
			return err
		}
		index, err := vectorindex.NewSQLiteIndex(ctx, db)
		if err != nil {
			return err
		}
		b.store, b.index = store, index

	case config.DriverPostgres:
		store, err := storage.NewPostgresStorage(ctx, cfg.Storage.DSN)
		if err != nil {
			return err
		}
		b.closers = append(b.closers, store.Close)

		index, err := vectorindex.NewPGVectorIndex(ctx, store.Pool(), vectorindex.PGVectorConfig{
			TableName: cfg.Storage.ChunkTable,
			Dimension: b.emb.Dimension(),
		})
		if err != nil {
			return err
		}
		b.store, b.index = store, index

	case config.DriverMemory:
		b.store = storage.NewMemoryStorage()
		b.index = vectorindex.NewMemoryIndex()

	default:
		return fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
	return nil
}

// Close releases the backends in reverse order of opening
func (b *backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	b.closers = nil
	return errors.Join(errs...)
}
