package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ncolesummers/document-ingestor/pkg/types"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS fingerprints (
    document_id TEXT PRIMARY KEY,
    source TEXT NOT NULL,
    signal_kind TEXT NOT NULL,
    signal_value TEXT NOT NULL,
    manifest_version BIGINT NOT NULL CHECK (manifest_version > 0),
    manifest JSONB NOT NULL,
    last_success_at TIMESTAMPTZ NOT NULL,
    observed_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_fingerprints_source ON fingerprints(source);

CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    source TEXT NOT NULL,
    status TEXT NOT NULL,
    started_at TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ NOT NULL,
    skipped INTEGER NOT NULL DEFAULT 0,
    upserted INTEGER NOT NULL DEFAULT 0,
    removed INTEGER NOT NULL DEFAULT 0,
    failed INTEGER NOT NULL DEFAULT 0,
    superseded INTEGER NOT NULL DEFAULT 0,
    cancelled INTEGER NOT NULL DEFAULT 0,
    upserts INTEGER NOT NULL DEFAULT 0,
    deletes INTEGER NOT NULL DEFAULT 0,
    error TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
`

// PostgresStorage implements Storage on PostgreSQL through a pgx pool
type PostgresStorage struct {
	pool *pgxpool.Pool
}

var _ Storage = (*PostgresStorage)(nil)

// NewPostgresStorage connects to dsn and creates the schema if needed
func NewPostgresStorage(ctx context.Context, dsn string) (*PostgresStorage, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &PostgresStorage{pool: pool}, nil
}

// Pool exposes the connection pool for components sharing the database
func (p *PostgresStorage) Pool() *pgxpool.Pool {
	return p.pool
}

func (p *PostgresStorage) Close() error {
	p.pool.Close()
	return nil
}

func (p *PostgresStorage) Ping(ctx context.Context) error {
	return wrapErr("ping", p.pool.Ping(ctx))
}

func scanPgFingerprint(row pgx.Row) (*types.Fingerprint, error) {
	var (
		fp           types.Fingerprint
		id, kind     string
		manifestJSON []byte
	)
	if err := row.Scan(&id, &fp.Source, &kind, &fp.ChangeSignal.Value, &fp.ManifestVersion,
		&manifestJSON, &fp.LastSuccessAt, &fp.ObservedAt); err != nil {
		return nil, err
	}
	fp.DocumentID = types.DocumentID(id)
	fp.ChangeSignal.Kind = types.SignalKind(kind)
	if err := json.Unmarshal(manifestJSON, &fp.Manifest); err != nil {
		return nil, fmt.Errorf("decode manifest for %s: %w", id, err)
	}
	fp.LastSuccessAt = fp.LastSuccessAt.UTC()
	fp.ObservedAt = fp.ObservedAt.UTC()
	return &fp, nil
}

func (p *PostgresStorage) Get(ctx context.Context, id types.DocumentID) (*types.Fingerprint, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+fingerprintColumns+` FROM fingerprints WHERE document_id = $1`, string(id))
	fp, err := scanPgFingerprint(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("get fingerprint", err)
	}
	return fp, nil
}

func (p *PostgresStorage) CompareAndSet(ctx context.Context, fp *types.Fingerprint, expectedVersion int64) (int64, error) {
	manifest, err := json.Marshal(manifestOrEmpty(fp.Manifest))
	if err != nil {
		return 0, fmt.Errorf("encode manifest: %w", err)
	}
	next := expectedVersion + 1

	var query string
	if expectedVersion == 0 {
		query = `
			INSERT INTO fingerprints (` + fingerprintColumns + `)
			VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8)
			ON CONFLICT (document_id) DO NOTHING`
	} else {
		query = `
			UPDATE fingerprints
			SET source = $2, signal_kind = $3, signal_value = $4, manifest_version = $5,
			    manifest = $6::jsonb, last_success_at = $7, observed_at = $8
			WHERE document_id = $1 AND manifest_version = $9`
	}

	args := []any{string(fp.DocumentID), fp.Source, string(fp.ChangeSignal.Kind), fp.ChangeSignal.Value,
		next, string(manifest), fp.LastSuccessAt, fp.ObservedAt}
	if expectedVersion != 0 {
		args = append(args, expectedVersion)
	}

	tag, err := p.pool.Exec(ctx, query, args...)
	if err != nil {
		return 0, wrapErr("compare and set fingerprint", err)
	}
	if tag.RowsAffected() == 0 {
		return 0, ErrConflict
	}
	return next, nil
}

func (p *PostgresStorage) Delete(ctx context.Context, id types.DocumentID, expectedVersion int64) error {
	if expectedVersion == 0 {
		_, err := p.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return ErrConflict
	}

	tag, err := p.pool.Exec(ctx,
		`DELETE FROM fingerprints WHERE document_id = $1 AND manifest_version = $2`, string(id), expectedVersion)
	if err != nil {
		return wrapErr("delete fingerprint", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (p *PostgresStorage) ListAll(ctx context.Context) iter.Seq2[*types.Fingerprint, error] {
	return paginate(ctx, p.listPage)
}

func (p *PostgresStorage) listPage(ctx context.Context, after types.DocumentID, limit int) ([]*types.Fingerprint, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT `+fingerprintColumns+` FROM fingerprints WHERE document_id > $1 ORDER BY document_id LIMIT $2`,
		string(after), limit)
	if err != nil {
		return nil, wrapErr("list fingerprints", err)
	}
	defer rows.Close()

	page := make([]*types.Fingerprint, 0, limit)
	for rows.Next() {
		fp, err := scanPgFingerprint(rows)
		if err != nil {
			return nil, wrapErr("list fingerprints", err)
		}
		page = append(page, fp)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("list fingerprints", err)
	}
	return page, nil
}

func (p *PostgresStorage) CountFingerprints(ctx context.Context) (int, error) {
	var n int
	if err := p.pool.QueryRow(ctx, `SELECT COUNT(*) FROM fingerprints`).Scan(&n); err != nil {
		return 0, wrapErr("count fingerprints", err)
	}
	return n, nil
}

func (p *PostgresStorage) RecordRun(ctx context.Context, run *RunRecord) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO runs (id, source, status, started_at, finished_at, skipped, upserted, removed,
		                  failed, superseded, cancelled, upserts, deletes, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		run.ID, run.Source, run.Status, run.StartedAt, run.FinishedAt,
		run.Skipped, run.Upserted, run.Removed, run.Failed, run.Superseded, run.Cancelled,
		run.Upserts, run.Deletes, run.Error)
	return wrapErr("record run", err)
}

func (p *PostgresStorage) ListRuns(ctx context.Context, limit int) ([]*RunRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := p.pool.Query(ctx, `
		SELECT id, source, status, started_at, finished_at, skipped, upserted, removed,
		       failed, superseded, cancelled, upserts, deletes, error
		FROM runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, wrapErr("list runs", err)
	}
	defer rows.Close()

	var runs []*RunRecord
	for rows.Next() {
		var (
			r                 RunRecord
			started, finished time.Time
		)
		if err := rows.Scan(&r.ID, &r.Source, &r.Status, &started, &finished, &r.Skipped,
			&r.Upserted, &r.Removed, &r.Failed, &r.Superseded, &r.Cancelled,
			&r.Upserts, &r.Deletes, &r.Error); err != nil {
			return nil, wrapErr("list runs", err)
		}
		r.StartedAt = started.UTC()
		r.FinishedAt = finished.UTC()
		runs = append(runs, &r)
	}
	return runs, wrapErr("list runs", rows.Err())
}
