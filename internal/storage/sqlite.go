package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"

	"github.com/ncolesummers/document-ingestor/pkg/types"
)

// SQLiteStorage implements Storage on an embedded SQLite database
type SQLiteStorage struct {
	db *sql.DB
}

var _ Storage = (*SQLiteStorage)(nil)

// OpenDatabase opens a SQLite database with the pragmas the ingestor relies on.
// The vector index shares the handle when it lives in the same file.
func OpenDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dbPath)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Single writer; also keeps ":memory:" databases on one connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

// NewSQLiteStorage opens the database at dbPath and applies migrations
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := OpenDatabase(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store, err := NewSQLiteStorageFromDB(context.Background(), db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLiteStorageFromDB wraps an already opened database
func NewSQLiteStorageFromDB(ctx context.Context, db *sql.DB) (*SQLiteStorage, error) {
	if err := ApplyMigrations(ctx, db); err != nil {
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

// DB exposes the underlying handle
func (s *SQLiteStorage) DB() *sql.DB {
	return s.db
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteStorage) Ping(ctx context.Context) error {
	return wrapErr("ping", s.db.PingContext(ctx))
}

const fingerprintColumns = `document_id, source, signal_kind, signal_value, manifest_version, manifest, last_success_at, observed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFingerprint(row rowScanner) (*types.Fingerprint, error) {
	var (
		fp           types.Fingerprint
		kind         string
		manifestJSON string
		lastSuccess  int64
		observed     int64
	)
	if err := row.Scan(&fp.DocumentID, &fp.Source, &kind, &fp.ChangeSignal.Value,
		&fp.ManifestVersion, &manifestJSON, &lastSuccess, &observed); err != nil {
		return nil, err
	}
	fp.ChangeSignal.Kind = types.SignalKind(kind)
	if err := json.Unmarshal([]byte(manifestJSON), &fp.Manifest); err != nil {
		return nil, fmt.Errorf("decode manifest for %s: %w", fp.DocumentID, err)
	}
	fp.LastSuccessAt = fromNanos(lastSuccess)
	fp.ObservedAt = fromNanos(observed)
	return &fp, nil
}

func (s *SQLiteStorage) Get(ctx context.Context, id types.DocumentID) (*types.Fingerprint, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+fingerprintColumns+` FROM fingerprints WHERE document_id = ?`, id)
	fp, err := scanFingerprint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, wrapErr("get fingerprint", err)
	}
	return fp, nil
}

func (s *SQLiteStorage) CompareAndSet(ctx context.Context, fp *types.Fingerprint, expectedVersion int64) (int64, error) {
	manifest, err := json.Marshal(manifestOrEmpty(fp.Manifest))
	if err != nil {
		return 0, fmt.Errorf("encode manifest: %w", err)
	}
	next := expectedVersion + 1

	var result sql.Result
	if expectedVersion == 0 {
		result, err = s.db.ExecContext(ctx, `
			INSERT INTO fingerprints (`+fingerprintColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(document_id) DO NOTHING`,
			fp.DocumentID, fp.Source, string(fp.ChangeSignal.Kind), fp.ChangeSignal.Value,
			next, string(manifest), toNanos(fp.LastSuccessAt), toNanos(fp.ObservedAt))
	} else {
		result, err = s.db.ExecContext(ctx, `
			UPDATE fingerprints
			SET source = ?, signal_kind = ?, signal_value = ?, manifest_version = ?,
			    manifest = ?, last_success_at = ?, observed_at = ?
			WHERE document_id = ? AND manifest_version = ?`,
			fp.Source, string(fp.ChangeSignal.Kind), fp.ChangeSignal.Value, next,
			string(manifest), toNanos(fp.LastSuccessAt), toNanos(fp.ObservedAt),
			fp.DocumentID, expectedVersion)
	}
	if err != nil {
		return 0, wrapErr("compare and set fingerprint", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, wrapErr("compare and set fingerprint", err)
	}
	if n == 0 {
		return 0, ErrConflict
	}
	return next, nil
}

func (s *SQLiteStorage) Delete(ctx context.Context, id types.DocumentID, expectedVersion int64) error {
	if expectedVersion == 0 {
		_, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return ErrConflict
	}

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM fingerprints WHERE document_id = ? AND manifest_version = ?`, id, expectedVersion)
	if err != nil {
		return wrapErr("delete fingerprint", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return wrapErr("delete fingerprint", err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *SQLiteStorage) ListAll(ctx context.Context) iter.Seq2[*types.Fingerprint, error] {
	return paginate(ctx, s.listPage)
}

// listPage reads one keyset page and closes the cursor before returning,
// so callers may use the store while ranging over ListAll.
func (s *SQLiteStorage) listPage(ctx context.Context, after types.DocumentID, limit int) ([]*types.Fingerprint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+fingerprintColumns+` FROM fingerprints WHERE document_id > ? ORDER BY document_id LIMIT ?`,
		after, limit)
	if err != nil {
		return nil, wrapErr("list fingerprints", err)
	}
	defer func() { _ = rows.Close() }()

	page := make([]*types.Fingerprint, 0, limit)
	for rows.Next() {
		fp, err := scanFingerprint(rows)
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

func (s *SQLiteStorage) CountFingerprints(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM fingerprints`).Scan(&n); err != nil {
		return 0, wrapErr("count fingerprints", err)
	}
	return n, nil
}

// Run operations

func (s *SQLiteStorage) RecordRun(ctx context.Context, run *RunRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, source, status, started_at, finished_at, skipped, upserted, removed,
		                  failed, superseded, cancelled, upserts, deletes, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Source, run.Status, toNanos(run.StartedAt), toNanos(run.FinishedAt),
		run.Skipped, run.Upserted, run.Removed, run.Failed, run.Superseded, run.Cancelled,
		run.Upserts, run.Deletes, nullString(run.Error))
	return wrapErr("record run", err)
}

func (s *SQLiteStorage) ListRuns(ctx context.Context, limit int) ([]*RunRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source, status, started_at, finished_at, skipped, upserted, removed,
		       failed, superseded, cancelled, upserts, deletes, error
		FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, wrapErr("list runs", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []*RunRecord
	for rows.Next() {
		var (
			r                 RunRecord
			started, finished int64
			errText           sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Source, &r.Status, &started, &finished, &r.Skipped,
			&r.Upserted, &r.Removed, &r.Failed, &r.Superseded, &r.Cancelled,
			&r.Upserts, &r.Deletes, &errText); err != nil {
			return nil, wrapErr("list runs", err)
		}
		r.StartedAt = fromNanos(started)
		r.FinishedAt = fromNanos(finished)
		r.Error = errText.String
		runs = append(runs, &r)
	}
	return runs, wrapErr("list runs", rows.Err())
}

func manifestOrEmpty(m types.Manifest) types.Manifest {
	if m == nil {
		return types.Manifest{}
	}
	return m
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
