package storage

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/ncolesummers/document-ingestor/pkg/types"
)

var (
	// ErrNotFound is returned when a document has no fingerprint
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when the expected manifest version does not match
	ErrConflict = types.ErrConflict
	// ErrUnavailable wraps I/O failures talking to the backing store
	ErrUnavailable = types.ErrStoreUnavailable
)

// FingerprintStore persists the last applied state of every document.
// CompareAndSet and Delete are the only mutations and both use optimistic
// versioning on ManifestVersion.
type FingerprintStore interface {
	// Get returns ErrNotFound when the document has no fingerprint
	Get(ctx context.Context, id types.DocumentID) (*types.Fingerprint, error)

	// CompareAndSet stores fp if the current version equals expectedVersion.
	// An expectedVersion of 0 requires the fingerprint to be absent. On
	// success the stored version is expectedVersion+1 and is returned.
	CompareAndSet(ctx context.Context, fp *types.Fingerprint, expectedVersion int64) (int64, error)

	// Delete removes the fingerprint if its version equals expectedVersion
	Delete(ctx context.Context, id types.DocumentID, expectedVersion int64) error

	// ListAll lazily yields every fingerprint ordered by document id.
	// The sequence can be ranged over more than once.
	ListAll(ctx context.Context) iter.Seq2[*types.Fingerprint, error]
}

// RunStore persists run summaries for status reporting
type RunStore interface {
	RecordRun(ctx context.Context, run *RunRecord) error
	ListRuns(ctx context.Context, limit int) ([]*RunRecord, error)
}

// Storage is the full persistence surface used by the ingestor
type Storage interface {
	FingerprintStore
	RunStore

	// CountFingerprints returns the number of tracked documents
	CountFingerprints(ctx context.Context) (int, error)
	// Ping verifies the store is reachable
	Ping(ctx context.Context) error
	Close() error
}

// Run status values
const (
	RunCompleted = "completed"
	RunAborted   = "aborted"
	RunCancelled = "cancelled"
)

// RunRecord is the persisted summary of one ingest run
type RunRecord struct {
	ID         string
	Source     string
	Status     string
	StartedAt  time.Time
	FinishedAt time.Time
	Skipped    int
	Upserted   int
	Removed    int
	Failed     int
	Superseded int
	Cancelled  int
	Upserts    int
	Deletes    int
	Error      string
}

// listPageSize bounds how many fingerprints ListAll holds in memory at once
const listPageSize = 256

// paginate turns a keyset page loader into a lazy sequence
func paginate(ctx context.Context, load func(ctx context.Context, after types.DocumentID, limit int) ([]*types.Fingerprint, error)) iter.Seq2[*types.Fingerprint, error] {
	return func(yield func(*types.Fingerprint, error) bool) {
		var after types.DocumentID
		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			page, err := load(ctx, after, listPageSize)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, fp := range page {
				if !yield(fp, nil) {
					return
				}
			}
			if len(page) < listPageSize {
				return
			}
			after = page[len(page)-1].DocumentID
		}
	}
}

// wrapErr marks store I/O failures as unavailability, leaving context errors as is
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
