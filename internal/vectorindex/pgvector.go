package vectorindex

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/ncolesummers/document-ingestor/pkg/types"
)

var tableNamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// PGVectorConfig configures the pgvector index
type PGVectorConfig struct {
	TableName string
	Dimension int
}

// PGVectorIndex stores chunks in PostgreSQL with the pgvector extension
type PGVectorIndex struct {
	pool  *pgxpool.Pool
	table string
	dim   int
}

var _ Index = (*PGVectorIndex)(nil)

// NewPGVectorIndex prepares the extension, table and ANN index on pool.
// The caller owns pool.
func NewPGVectorIndex(ctx context.Context, pool *pgxpool.Pool, config PGVectorConfig) (*PGVectorIndex, error) {
	if config.TableName == "" {
		config.TableName = "chunks"
	}
	if !tableNamePattern.MatchString(config.TableName) {
		return nil, fmt.Errorf("invalid table name %q", config.TableName)
	}
	if config.Dimension <= 0 {
		return nil, fmt.Errorf("vector dimension must be positive, got %d", config.Dimension)
	}

	if _, err := pool.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		return nil, fmt.Errorf("failed to create vector extension: %w", err)
	}

	createTable := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			chunk_id TEXT PRIMARY KEY,
			document_id TEXT NOT NULL,
			path TEXT NOT NULL,
			digest TEXT NOT NULL,
			content TEXT NOT NULL,
			metadata JSONB,
			embedding vector(%d) NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, config.TableName, config.Dimension)
	if _, err := pool.Exec(ctx, createTable); err != nil {
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	createDocIndex := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_document_idx ON %s (document_id)`,
		config.TableName, config.TableName)
	if _, err := pool.Exec(ctx, createDocIndex); err != nil {
		return nil, fmt.Errorf("failed to create document index: %w", err)
	}

	createVectorIndex := fmt.Sprintf(`
		CREATE INDEX IF NOT EXISTS %s_embedding_idx
		ON %s
		USING ivfflat (embedding vector_cosine_ops)
		WITH (lists = 100)`, config.TableName, config.TableName)
	if _, err := pool.Exec(ctx, createVectorIndex); err != nil {
		return nil, fmt.Errorf("failed to create vector index: %w", err)
	}

	return &PGVectorIndex{pool: pool, table: config.TableName, dim: config.Dimension}, nil
}

func (p *PGVectorIndex) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// The WHERE clause turns a cross-document collision into zero affected rows
	stmt := fmt.Sprintf(`
		INSERT INTO %s (chunk_id, document_id, path, digest, content, metadata, embedding, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		ON CONFLICT (chunk_id) DO UPDATE SET
			path = EXCLUDED.path,
			digest = EXCLUDED.digest,
			content = EXCLUDED.content,
			metadata = EXCLUDED.metadata,
			embedding = EXCLUDED.embedding,
			updated_at = EXCLUDED.updated_at
		WHERE %s.document_id = EXCLUDED.document_id`, p.table, p.table)

	for _, pt := range points {
		if len(pt.Vector) != p.dim {
			return fmt.Errorf("%w: chunk %s has dimension %d, index expects %d",
				types.ErrPermanent, pt.ChunkID, len(pt.Vector), p.dim)
		}
		metadata, err := json.Marshal(pt.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata for %s: %w", pt.ChunkID, err)
		}

		tag, err := tx.Exec(ctx, stmt, pt.ChunkID, string(pt.DocumentID), pt.Path, pt.Digest,
			pt.Text, metadata, pgvector.NewVector(pt.Vector))
		if err != nil {
			return fmt.Errorf("upsert chunk %s: %w", pt.ChunkID, err)
		}
		if tag.RowsAffected() == 0 {
			var owner string
			_ = tx.QueryRow(ctx, fmt.Sprintf(`SELECT document_id FROM %s WHERE chunk_id = $1`, p.table),
				pt.ChunkID).Scan(&owner)
			return ownershipError(pt.ChunkID, types.DocumentID(owner), pt.DocumentID)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit upsert: %w", err)
	}
	return nil
}

func (p *PGVectorIndex) Delete(ctx context.Context, documentID types.DocumentID, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	_, err := p.pool.Exec(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE document_id = $1 AND chunk_id = ANY($2)`, p.table),
		string(documentID), chunkIDs)
	if err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	return nil
}

func (p *PGVectorIndex) Search(ctx context.Context, vector []float32, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 10
	}
	query := fmt.Sprintf(`
		SELECT chunk_id, document_id, path, digest, content, metadata, 1 - (embedding <=> $1) AS score
		FROM %s
		ORDER BY embedding <=> $1
		LIMIT $2`, p.table)

	rows, err := p.pool.Query(ctx, query, pgvector.NewVector(vector), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		pt, err := scanPgPoint(rows, &h.Score)
		if err != nil {
			return nil, err
		}
		h.Point = pt
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

func (p *PGVectorIndex) Chunks(ctx context.Context, documentID types.DocumentID) ([]Point, error) {
	rows, err := p.pool.Query(ctx, fmt.Sprintf(`
		SELECT chunk_id, document_id, path, digest, content, metadata
		FROM %s WHERE document_id = $1 ORDER BY path`, p.table), string(documentID))
	if err != nil {
		return nil, fmt.Errorf("list chunks: %w", err)
	}
	defer rows.Close()

	var points []Point
	for rows.Next() {
		pt, err := scanPgPoint(rows)
		if err != nil {
			return nil, err
		}
		points = append(points, pt)
	}
	return points, rows.Err()
}

func (p *PGVectorIndex) Count(ctx context.Context) (int, error) {
	var n int
	if err := p.pool.QueryRow(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, p.table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return n, nil
}

// Close is a no-op; the pool belongs to the caller
func (p *PGVectorIndex) Close() error {
	return nil
}

func scanPgPoint(rows pgx.Rows, extra ...any) (Point, error) {
	var (
		pt         Point
		documentID string
		metadata   []byte
	)
	dest := append([]any{&pt.ChunkID, &documentID, &pt.Path, &pt.Digest, &pt.Text, &metadata}, extra...)
	if err := rows.Scan(dest...); err != nil {
		return Point{}, fmt.Errorf("scan chunk: %w", err)
	}
	pt.DocumentID = types.DocumentID(documentID)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &pt.Metadata); err != nil {
			return Point{}, fmt.Errorf("decode metadata for %s: %w", pt.ChunkID, err)
		}
	}
	return pt, nil
}
