package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncolesummers/document-ingestor/pkg/types"
)

func sampleFingerprint(id string) *types.Fingerprint {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return &types.Fingerprint{
		DocumentID:   types.DocumentID(id),
		Source:       "docs",
		ChangeSignal: types.ChangeSignal{Kind: types.SignalETag, Value: `"v1"`},
		Manifest: types.Manifest{
			{ChunkID: "c1", Path: "s1/p1", Digest: "d1"},
			{ChunkID: "c2", Path: "s1/p2", Digest: "d2"},
		},
		LastSuccessAt: now,
		ObservedAt:    now,
	}
}

// runStoreContract exercises the behavior every backend must share
func runStoreContract(t *testing.T, newStore func(t *testing.T) Storage) {
	t.Run("get missing", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Get(context.Background(), "nope")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("create and read back", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		v, err := store.CompareAndSet(ctx, sampleFingerprint("doc-1"), 0)
		require.NoError(t, err)
		assert.Equal(t, int64(1), v)

		got, err := store.Get(ctx, "doc-1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.ManifestVersion)
		assert.Equal(t, "docs", got.Source)
		assert.True(t, got.ChangeSignal.Equal(types.ChangeSignal{Kind: types.SignalETag, Value: `"v1"`}))
		assert.Equal(t, sampleFingerprint("doc-1").Manifest, got.Manifest)
		assert.True(t, got.ObservedAt.Equal(sampleFingerprint("doc-1").ObservedAt))
	})

	t.Run("create twice conflicts", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		_, err := store.CompareAndSet(ctx, sampleFingerprint("doc-1"), 0)
		require.NoError(t, err)
		_, err = store.CompareAndSet(ctx, sampleFingerprint("doc-1"), 0)
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("update with stale version conflicts", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		_, err := store.CompareAndSet(ctx, sampleFingerprint("doc-1"), 0)
		require.NoError(t, err)

		next := sampleFingerprint("doc-1")
		next.ChangeSignal.Value = `"v2"`
		v, err := store.CompareAndSet(ctx, next, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(2), v)

		_, err = store.CompareAndSet(ctx, sampleFingerprint("doc-1"), 1)
		assert.ErrorIs(t, err, ErrConflict)

		got, err := store.Get(ctx, "doc-1")
		require.NoError(t, err)
		assert.Equal(t, `"v2"`, got.ChangeSignal.Value)
	})

	t.Run("update of missing conflicts", func(t *testing.T) {
		store := newStore(t)
		_, err := store.CompareAndSet(context.Background(), sampleFingerprint("doc-1"), 3)
		assert.ErrorIs(t, err, ErrConflict)
	})

	t.Run("delete guarded by version", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		_, err := store.CompareAndSet(ctx, sampleFingerprint("doc-1"), 0)
		require.NoError(t, err)

		assert.ErrorIs(t, store.Delete(ctx, "doc-1", 7), ErrConflict)
		require.NoError(t, store.Delete(ctx, "doc-1", 1))

		_, err = store.Get(ctx, "doc-1")
		assert.ErrorIs(t, err, ErrNotFound)

		assert.ErrorIs(t, store.Delete(ctx, "doc-1", 1), ErrConflict, "already deleted by someone else")
		assert.NoError(t, store.Delete(ctx, "doc-1", 0), "absent and expected absent")
	})

	t.Run("list all pages lazily", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		total := listPageSize + 7
		for i := 0; i < total; i++ {
			_, err := store.CompareAndSet(ctx, sampleFingerprint(fmt.Sprintf("doc-%04d", i)), 0)
			require.NoError(t, err)
		}

		var ids []types.DocumentID
		for fp, err := range store.ListAll(ctx) {
			require.NoError(t, err)
			ids = append(ids, fp.DocumentID)
		}
		require.Len(t, ids, total)
		assert.Equal(t, types.DocumentID("doc-0000"), ids[0])
		assert.Equal(t, types.DocumentID(fmt.Sprintf("doc-%04d", total-1)), ids[total-1])

		// restartable, and the store stays usable while iterating
		seen := 0
		for fp, err := range store.ListAll(ctx) {
			require.NoError(t, err)
			_, getErr := store.Get(ctx, fp.DocumentID)
			require.NoError(t, getErr)
			seen++
			if seen == 3 {
				break
			}
		}
		assert.Equal(t, 3, seen)

		n, err := store.CountFingerprints(ctx)
		require.NoError(t, err)
		assert.Equal(t, total, n)
	})

	t.Run("concurrent compare and set has one winner", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := store.CompareAndSet(ctx, sampleFingerprint("doc-race"), 0); err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("runs are listed newest first", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

		for i := 0; i < 3; i++ {
			require.NoError(t, store.RecordRun(ctx, &RunRecord{
				ID:         fmt.Sprintf("run-%d", i),
				Source:     "docs",
				Status:     RunCompleted,
				StartedAt:  base.Add(time.Duration(i) * time.Hour),
				FinishedAt: base.Add(time.Duration(i)*time.Hour + time.Minute),
				Upserted:   i,
			}))
		}

		runs, err := store.ListRuns(ctx, 2)
		require.NoError(t, err)
		require.Len(t, runs, 2)
		assert.Equal(t, "run-2", runs[0].ID)
		assert.Equal(t, "run-1", runs[1].ID)
		assert.Equal(t, 2, runs[0].Upserted)
	})

	t.Run("ping", func(t *testing.T) {
		store := newStore(t)
		assert.NoError(t, store.Ping(context.Background()))
	})
}

func TestMemoryStorageContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Storage {
		return NewMemoryStorage()
	})
}

func TestSQLiteStorageContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Storage {
		store := setupTestDB(t)
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}
