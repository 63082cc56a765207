package vectorindex

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ncolesummers/document-ingestor/pkg/types"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS chunks (
    chunk_id TEXT PRIMARY KEY,
    document_id TEXT NOT NULL,
    path TEXT NOT NULL,
    digest TEXT NOT NULL,
    content TEXT NOT NULL,
    metadata TEXT NOT NULL,
    vector BLOB NOT NULL,
    dimension INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id);
`

// deleteBatchSize keeps IN lists under SQLite's variable limit
const deleteBatchSize = 500

// SQLiteIndex stores vectors as little-endian float32 blobs and searches
// with a cosine scan in Go
type SQLiteIndex struct {
	db *sql.DB
}

var _ Index = (*SQLiteIndex)(nil)

// NewSQLiteIndex creates the chunks table on db if needed. The caller owns db.
func NewSQLiteIndex(ctx context.Context, db *sql.DB) (*SQLiteIndex, error) {
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("failed to create chunks table: %w", err)
	}
	return &SQLiteIndex{db: db}, nil
}

func (s *SQLiteIndex) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixNano()
	for _, p := range points {
		metadata, err := json.Marshal(p.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata for %s: %w", p.ChunkID, err)
		}

		result, err := tx.ExecContext(ctx, `
			INSERT INTO chunks (chunk_id, document_id, path, digest, content, metadata, vector, dimension, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(chunk_id) DO UPDATE SET
				path = excluded.path,
				digest = excluded.digest,
				content = excluded.content,
				metadata = excluded.metadata,
				vector = excluded.vector,
				dimension = excluded.dimension,
				updated_at = excluded.updated_at
			WHERE chunks.document_id = excluded.document_id`,
			p.ChunkID, string(p.DocumentID), p.Path, p.Digest, p.Text, string(metadata),
			serializeVector(p.Vector), len(p.Vector), now)
		if err != nil {
			return fmt.Errorf("upsert chunk %s: %w", p.ChunkID, err)
		}

		n, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("upsert chunk %s: %w", p.ChunkID, err)
		}
		if n == 0 {
			var owner string
			_ = tx.QueryRowContext(ctx, `SELECT document_id FROM chunks WHERE chunk_id = ?`, p.ChunkID).Scan(&owner)
			return ownershipError(p.ChunkID, types.DocumentID(owner), p.DocumentID)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert: %w", err)
	}
	return nil
}

func (s *SQLiteIndex) Delete(ctx context.Context, documentID types.DocumentID, chunkIDs []string) error {
	for start := 0; start < len(chunkIDs); start += deleteBatchSize {
		end := min(start+deleteBatchSize, len(chunkIDs))
		batch := chunkIDs[start:end]

		args := make([]any, 0, len(batch)+1)
		args = append(args, string(documentID))
		for _, id := range batch {
			args = append(args, id)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(batch)), ",")

		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM chunks WHERE document_id = ? AND chunk_id IN (`+placeholders+`)`, args...); err != nil {
			return fmt.Errorf("delete chunks: %w", err)
		}
	}
	return nil
}

func (s *SQLiteIndex) Search(ctx context.Context, vector []float32, limit int) ([]Hit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_id, document_id, path, digest, content, metadata, vector
		FROM chunks WHERE dimension = ?`, len(vector))
	if err != nil {
		return nil, fmt.Errorf("failed to query embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var hits []Hit
	for rows.Next() {
		p, err := scanPoint(rows)
		if err != nil {
			return nil, err
		}
		hits = append(hits, Hit{Point: p, Score: cosineSimilarity(vector, p.Vector)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return topHits(hits, limit), nil
}

func (s *SQLiteIndex) Chunks(ctx context.Context, documentID types.DocumentID) ([]Point, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT chunk_id, document_id, path, digest, content, metadata, vector
		FROM chunks WHERE document_id = ? ORDER BY path`, string(documentID))
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var points []Point
	for rows.Next() {
		p, err := scanPoint(rows)
		if err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

func (s *SQLiteIndex) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return n, nil
}

// Close is a no-op; the database handle belongs to the caller
func (s *SQLiteIndex) Close() error {
	return nil
}

func scanPoint(rows *sql.Rows) (Point, error) {
	var (
		p          Point
		documentID string
		metadata   string
		blob       []byte
	)
	if err := rows.Scan(&p.ChunkID, &documentID, &p.Path, &p.Digest, &p.Text, &metadata, &blob); err != nil {
		return Point{}, fmt.Errorf("scan chunk: %w", err)
	}
	p.DocumentID = types.DocumentID(documentID)
	p.Vector = deserializeVector(blob)
	if metadata != "" && metadata != "null" {
		if err := json.Unmarshal([]byte(metadata), &p.Metadata); err != nil {
			return Point{}, fmt.Errorf("decode metadata for %s: %w", p.ChunkID, err)
		}
	}
	return p, nil
}
