package vectorindex

import (
	"context"

	"github.com/ncolesummers/document-ingestor/pkg/types"
)

// Point is one chunk with its embedding and payload
type Point struct {
	ChunkID    string
	DocumentID types.DocumentID
	Path       string
	Digest     string
	Text       string
	Vector     []float32
	// Metadata carries source metadata such as uri, title and section
	Metadata map[string]string
}

// Hit is a search result
type Hit struct {
	Point
	Score float64
}

// Index stores chunk vectors and payloads.
//
// Upsert and Delete are idempotent: re-applying an identical upsert or
// deleting an absent id is not an error. Upsert fails with
// types.ErrInvariantViolation, writing nothing, if any chunk id is already
// owned by a different document. Delete only removes ids owned by documentID.
type Index interface {
	Upsert(ctx context.Context, points []Point) error
	Delete(ctx context.Context, documentID types.DocumentID, chunkIDs []string) error
	Search(ctx context.Context, vector []float32, limit int) ([]Hit, error)
	// Chunks returns the points stored for a document ordered by path
	Chunks(ctx context.Context, documentID types.DocumentID) ([]Point, error)
	Count(ctx context.Context) (int, error)
	Close() error
}

// ownershipError builds the error returned on a cross-document id collision
func ownershipError(chunkID string, owner, claimant types.DocumentID) error {
	return &OwnershipError{ChunkID: chunkID, Owner: owner, Claimant: claimant}
}

// OwnershipError reports a chunk id claimed by two documents
type OwnershipError struct {
	ChunkID  string
	Owner    types.DocumentID
	Claimant types.DocumentID
}

func (e *OwnershipError) Error() string {
	return "chunk " + e.ChunkID + " owned by " + string(e.Owner) + ", claimed by " + string(e.Claimant)
}

func (e *OwnershipError) Unwrap() error {
	return types.ErrInvariantViolation
}
