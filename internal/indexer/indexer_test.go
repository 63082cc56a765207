package indexer

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncolesummers/document-ingestor/internal/fetcher"
	"github.com/ncolesummers/document-ingestor/internal/storage"
	"github.com/ncolesummers/document-ingestor/internal/vectorindex"
	"github.com/ncolesummers/document-ingestor/pkg/types"
)

func TestRunLifecycle(t *testing.T) {
	h := newHarness(t)

	// Run 1: new document, every chunk embedded
	s := h.run(t, source(textDoc("doc", "v1", baseTime, "intro", "body", "outro")), RunOptions{})
	assert.Equal(t, 1, s.UpsertedDocs)
	assert.Equal(t, PlanOps{Upserts: 3}, s.PlanOps)
	assert.Equal(t, storage.RunCompleted, s.Status)
	assert.Equal(t, expected("intro", "body", "outro"), h.indexed(t, "doc"))

	fp := h.fingerprint(t, "doc")
	require.NotNil(t, fp)
	assert.Equal(t, int64(1), fp.ManifestVersion)
	assert.Equal(t, testSource, fp.Source)
	assert.Equal(t, expected("intro", "body", "outro"), manifestState(fp))

	// Run 2: one paragraph edited, only it is embedded
	h.emb.reset()
	s = h.run(t, source(textDoc("doc", "v2", baseTime.Add(time.Hour), "intro", "changed body", "outro")), RunOptions{})
	assert.Equal(t, 1, s.UpsertedDocs)
	assert.Equal(t, PlanOps{Upserts: 1}, s.PlanOps)
	assert.Equal(t, []string{"changed body"}, h.emb.embedded())
	assert.Equal(t, expected("intro", "changed body", "outro"), h.indexed(t, "doc"))
	assert.Equal(t, int64(2), h.fingerprint(t, "doc").ManifestVersion)

	// Run 3: same signal, nothing fetched into the pipeline
	h.emb.reset()
	s = h.run(t, source(textDoc("doc", "v2", baseTime.Add(2*time.Hour), "intro", "changed body", "outro")), RunOptions{})
	assert.Equal(t, 1, s.Skipped)
	assert.Equal(t, PlanOps{}, s.PlanOps)
	assert.Empty(t, h.emb.embedded())
	assert.Equal(t, int64(2), h.fingerprint(t, "doc").ManifestVersion)

	// Run 4: document gone from the source
	s = h.run(t, source(), RunOptions{})
	assert.Equal(t, 1, s.RemovedDocs)
	assert.Equal(t, PlanOps{Deletes: 3}, s.PlanOps)
	assert.Empty(t, h.indexed(t, "doc"))
	assert.Nil(t, h.fingerprint(t, "doc"))
}

func TestRunShrinkAndGrow(t *testing.T) {
	h := newHarness(t)
	h.run(t, source(textDoc("doc", "v1", baseTime, "one", "two", "three")), RunOptions{})

	s := h.run(t, source(textDoc("doc", "v2", baseTime, "one")), RunOptions{})
	assert.Equal(t, PlanOps{Deletes: 2}, s.PlanOps)
	assert.Equal(t, expected("one"), h.indexed(t, "doc"))

	s = h.run(t, source(textDoc("doc", "v3", baseTime, "one", "two")), RunOptions{})
	assert.Equal(t, PlanOps{Upserts: 1}, s.PlanOps)
	assert.Equal(t, expected("one", "two"), h.indexed(t, "doc"))
	assert.Equal(t, expected("one", "two"), manifestState(h.fingerprint(t, "doc")))
}

func TestRunIdempotent(t *testing.T) {
	h := newHarness(t)
	docs := source(
		textDoc("a", "a1", baseTime, "alpha", "beta"),
		textDoc("b", "b1", baseTime, "gamma"),
	)

	first := h.run(t, docs, RunOptions{})
	assert.Equal(t, 2, first.UpsertedDocs)
	count, err := h.index.Count(context.Background())
	require.NoError(t, err)

	second := h.run(t, docs, RunOptions{})
	assert.Equal(t, 2, second.Skipped)
	assert.Equal(t, PlanOps{}, second.PlanOps)

	again, err := h.index.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, count, again)
	assert.Equal(t, int64(1), h.fingerprint(t, "a").ManifestVersion)
}

func TestRunSignalChangedContentSame(t *testing.T) {
	h := newHarness(t)
	h.run(t, source(textDoc("doc", "v1", baseTime, "same text")), RunOptions{})

	h.emb.reset()
	s := h.run(t, source(textDoc("doc", "v2", baseTime, "same text")), RunOptions{})
	assert.Equal(t, 1, s.UpsertedDocs)
	assert.Equal(t, PlanOps{}, s.PlanOps)
	assert.Empty(t, h.emb.embedded())

	fp := h.fingerprint(t, "doc")
	assert.Equal(t, "v2", fp.ChangeSignal.Value)
	assert.Equal(t, int64(2), fp.ManifestVersion)
}

func TestRunForce(t *testing.T) {
	h := newHarness(t)
	docs := source(textDoc("doc", "v1", baseTime, "stable"))
	h.run(t, docs, RunOptions{})

	var outcomes []Outcome
	s := h.run(t, docs, RunOptions{Force: true, OnOutcome: func(o Outcome) {
		outcomes = append(outcomes, o)
	}})

	require.Len(t, outcomes, 1)
	assert.Equal(t, types.ClassChanged, outcomes[0].Classification)
	assert.Equal(t, OutcomeUpserted, outcomes[0].Kind)
	assert.Equal(t, 0, s.Skipped)
	assert.Equal(t, PlanOps{}, s.PlanOps)
}

func TestRunEmbedFailureIsolated(t *testing.T) {
	h := newHarness(t)
	h.emb.failOn = "poison"

	s := h.run(t, source(
		textDoc("good", "g1", baseTime, "fine text"),
		textDoc("bad", "b1", baseTime, "poison text"),
	), RunOptions{})

	assert.Equal(t, 1, s.UpsertedDocs)
	assert.Equal(t, 1, s.FailedDocs)
	require.Len(t, s.Failures, 1)
	assert.Equal(t, types.DocumentID("bad"), s.Failures[0].DocumentID)
	assert.Equal(t, types.FailureTransient, s.Failures[0].Kind)

	assert.Nil(t, h.fingerprint(t, "bad"))
	assert.Empty(t, h.indexed(t, "bad"))
	assert.Equal(t, expected("fine text"), h.indexed(t, "good"))

	// the failed document is retried on the next run
	h.emb.failOn = ""
	s = h.run(t, source(
		textDoc("good", "g1", baseTime, "fine text"),
		textDoc("bad", "b1", baseTime, "poison text"),
	), RunOptions{})
	assert.Equal(t, 1, s.Skipped)
	assert.Equal(t, 1, s.UpsertedDocs)
	assert.Equal(t, expected("poison text"), h.indexed(t, "bad"))
}

func TestRunUnsupportedContentType(t *testing.T) {
	h := newHarness(t)
	doc := textDoc("pdf", "p1", baseTime, "binary")
	doc.ContentType = "application/pdf"

	s := h.run(t, source(doc), RunOptions{})
	assert.Equal(t, 1, s.FailedDocs)
	require.Len(t, s.Failures, 1)
	assert.Equal(t, types.FailurePermanent, s.Failures[0].Kind)
	assert.Nil(t, h.fingerprint(t, "pdf"))
}

func TestRunFetchErrorKeepsDocument(t *testing.T) {
	h := newHarness(t)
	h.run(t, source(textDoc("doc", "v1", baseTime, "kept")), RunOptions{})

	failing := textDoc("doc", "", baseTime, "")
	failing.Err = fmt.Errorf("%w: 503 from origin", types.ErrTransient)

	s := h.run(t, source(failing), RunOptions{})
	assert.Equal(t, 1, s.FailedDocs)
	assert.Equal(t, 0, s.RemovedDocs)
	assert.Equal(t, expected("kept"), h.indexed(t, "doc"))
	assert.NotNil(t, h.fingerprint(t, "doc"))
}

func TestRunIncompleteListingSkipsRemovals(t *testing.T) {
	h := newHarness(t)
	h.run(t, source(
		textDoc("a", "a1", baseTime, "first"),
		textDoc("b", "b1", baseTime, "second"),
	), RunOptions{})

	src := source(textDoc("a", "a1", baseTime, "first"))
	src.listErr = fmt.Errorf("%w: seed unreachable", fetcher.ErrIncompleteListing)

	s := h.run(t, src, RunOptions{})
	assert.Equal(t, 0, s.RemovedDocs)
	assert.NotNil(t, h.fingerprint(t, "b"))
	assert.Equal(t, expected("second"), h.indexed(t, "b"))
}

func TestRunRemovalScopedToSource(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	other := &types.Fingerprint{
		DocumentID:   "elsewhere",
		Source:       "web",
		ChangeSignal: types.ChangeSignal{Kind: types.SignalETag, Value: "w1"},
		Manifest:     types.Manifest{{ChunkID: types.ComputeChunkID("elsewhere", "p1"), Path: "p1", Digest: "d"}},
	}
	_, err := h.store.CompareAndSet(ctx, other, 0)
	require.NoError(t, err)

	s := h.run(t, source(), RunOptions{})
	assert.Equal(t, 0, s.RemovedDocs)
	assert.NotNil(t, h.fingerprint(t, "elsewhere"))
}

func TestRunZeroChunkDocument(t *testing.T) {
	h := newHarness(t)

	var outcomes []Outcome
	s := h.run(t, source(textDoc("empty", "e1", baseTime, "   ")), RunOptions{OnOutcome: func(o Outcome) {
		outcomes = append(outcomes, o)
	}})
	assert.Equal(t, 0, s.UpsertedDocs)
	assert.Equal(t, 1, s.Skipped)
	assert.Equal(t, PlanOps{}, s.PlanOps)
	require.Len(t, outcomes, 1)
	assert.Equal(t, OutcomeSkipped, outcomes[0].Kind)
	assert.Equal(t, "empty", outcomes[0].Detail)
	assert.Nil(t, h.fingerprint(t, "empty"))

	h.run(t, source(textDoc("doc", "v1", baseTime, "one", "two")), RunOptions{})
	s = h.run(t, source(textDoc("doc", "v2", baseTime, "")), RunOptions{})
	assert.Equal(t, 1, s.UpsertedDocs)
	assert.Equal(t, 0, s.RemovedDocs)
	assert.Equal(t, PlanOps{Deletes: 2}, s.PlanOps)
	assert.Empty(t, h.indexed(t, "doc"))
	assert.Nil(t, h.fingerprint(t, "doc"))
}

func TestRunOwnershipViolation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	squatter := vectorindex.Point{
		ChunkID:    types.ComputeChunkID("doc", "p1"),
		DocumentID: "someone-else",
		Path:       "p1",
		Digest:     "x",
		Text:       "x",
		Vector:     []float32{1, 0, 0, 0},
	}
	require.NoError(t, h.index.Upsert(ctx, []vectorindex.Point{squatter}))

	s := h.run(t, source(textDoc("doc", "v1", baseTime, "mine", "also mine")), RunOptions{})
	assert.Equal(t, 1, s.FailedDocs)
	require.Len(t, s.Failures, 1)
	assert.Equal(t, types.FailureInvariant, s.Failures[0].Kind)

	assert.Nil(t, h.fingerprint(t, "doc"))
	assert.Empty(t, h.indexed(t, "doc"))
	assert.Len(t, h.indexed(t, "someone-else"), 1)
}

func TestRunStoreUnavailableAborts(t *testing.T) {
	store := &flakyStore{MemoryStorage: storage.NewMemoryStorage(), pingErr: fmt.Errorf("%w: dial tcp: refused", storage.ErrUnavailable)}
	h := newHarnessWith(t, store, vectorindex.NewMemoryIndex())

	s, err := h.idx.Run(context.Background(), source(textDoc("doc", "v1", baseTime, "text")), RunOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrStoreUnavailable)
	require.NotNil(t, s)
	assert.Equal(t, storage.RunAborted, s.Status)
	assert.Empty(t, h.emb.embedded())
}

func TestRunCrashBetweenApplyAndCommit(t *testing.T) {
	store := &flakyStore{MemoryStorage: storage.NewMemoryStorage()}
	h := newHarnessWith(t, store, vectorindex.NewMemoryIndex())

	h.run(t, source(textDoc("doc", "v1", baseTime, "one", "two", "three")), RunOptions{})

	store.setFailCAS(true)
	changed := source(textDoc("doc", "v2", baseTime, "one", "TWO"))
	s, err := h.idx.Run(context.Background(), changed, RunOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrStoreUnavailable)
	assert.Equal(t, storage.RunAborted, s.Status)

	// the index moved ahead of the fingerprint
	assert.Equal(t, expected("one", "TWO"), h.indexed(t, "doc"))
	assert.Equal(t, "v1", h.fingerprint(t, "doc").ChangeSignal.Value)

	store.setFailCAS(false)
	s = h.run(t, changed, RunOptions{})
	assert.Equal(t, 1, s.UpsertedDocs)
	assert.Equal(t, expected("one", "TWO"), h.indexed(t, "doc"))

	fp := h.fingerprint(t, "doc")
	assert.Equal(t, "v2", fp.ChangeSignal.Value)
	assert.Equal(t, expected("one", "TWO"), manifestState(fp))
}

func TestRunRemovalSweepsUncommittedChunks(t *testing.T) {
	store := &flakyStore{MemoryStorage: storage.NewMemoryStorage()}
	h := newHarnessWith(t, store, vectorindex.NewMemoryIndex())

	h.run(t, source(textDoc("doc", "v1", baseTime, "one")), RunOptions{})

	store.setFailCAS(true)
	_, err := h.idx.Run(context.Background(), source(textDoc("doc", "v2", baseTime, "one", "two")), RunOptions{})
	require.ErrorIs(t, err, types.ErrStoreUnavailable)
	assert.Equal(t, expected("one", "two"), h.indexed(t, "doc"))
	assert.Equal(t, expected("one"), manifestState(h.fingerprint(t, "doc")))

	store.setFailCAS(false)
	s := h.run(t, source(), RunOptions{})
	assert.Equal(t, 1, s.RemovedDocs)
	assert.Equal(t, PlanOps{Deletes: 1, Swept: 1}, s.PlanOps)
	assert.Nil(t, h.fingerprint(t, "doc"))
	assert.Empty(t, h.indexed(t, "doc"))
}

func TestRunPreCancelled(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s, err := h.idx.Run(ctx, source(
		textDoc("a", "a1", baseTime, "first"),
		textDoc("b", "b1", baseTime, "second"),
	), RunOptions{})

	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, s)
	assert.Equal(t, storage.RunCancelled, s.Status)
	assert.Equal(t, 2, s.Cancelled)
	assert.Empty(t, h.emb.embedded())
	assert.Nil(t, h.fingerprint(t, "a"))
}

func TestRunCancelledMidRunFinishesInFlightApply(t *testing.T) {
	h := newHarness(t)
	h.idx.cfg.Workers = 1

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var once sync.Once
	h.emb.onEmbed = func([]string) { once.Do(cancel) }

	s, err := h.idx.Run(ctx, source(
		textDoc("a", "a1", baseTime, "first"),
		textDoc("b", "b1", baseTime, "second"),
	), RunOptions{})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, storage.RunCancelled, s.Status)
	assert.Equal(t, 1, s.UpsertedDocs)
	assert.Equal(t, 1, s.Cancelled)

	assert.Equal(t, expected("first"), h.indexed(t, "a"))
	assert.NotNil(t, h.fingerprint(t, "a"))
	assert.Nil(t, h.fingerprint(t, "b"))
}

func TestRunInProgress(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.idx.lock.TryAcquire())
	assert.True(t, h.idx.Running())

	s, err := h.idx.Run(context.Background(), source(), RunOptions{})
	assert.ErrorIs(t, err, ErrRunInProgress)
	assert.Nil(t, s)

	h.idx.lock.Release()
	assert.False(t, h.idx.Running())
	h.run(t, source(), RunOptions{})
}

func TestRunRecorded(t *testing.T) {
	store := storage.NewMemoryStorage()
	h := newHarnessWith(t, store, vectorindex.NewMemoryIndex())

	s := h.run(t, source(textDoc("doc", "v1", baseTime, "text")), RunOptions{})

	runs, err := store.ListRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, s.RunID, runs[0].ID)
	assert.Equal(t, testSource, runs[0].Source)
	assert.Equal(t, storage.RunCompleted, runs[0].Status)
	assert.Equal(t, 1, runs[0].Upserted)
	assert.Equal(t, 1, runs[0].Upserts)
	assert.Empty(t, runs[0].Error)
}

func TestRunChunkMetadata(t *testing.T) {
	h := newHarness(t)
	doc := textDoc("doc", "v1", baseTime, "text")
	doc.URI = "https://example.com/doc"
	doc.Title = "Guide"
	h.run(t, source(doc), RunOptions{})

	points, err := h.index.Chunks(context.Background(), "doc")
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, "https://example.com/doc", points[0].Metadata["uri"])
	assert.Equal(t, "Guide", points[0].Metadata["title"])
	assert.Equal(t, testSource, points[0].Metadata["source"])
}

func TestRunSQLite(t *testing.T) {
	ctx := context.Background()
	store, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	defer store.Close()
	index, err := vectorindex.NewSQLiteIndex(ctx, store.DB())
	require.NoError(t, err)

	h := newHarnessWith(t, store, index)

	s := h.run(t, source(
		textDoc("a", "a1", baseTime, "alpha", "beta"),
		textDoc("b", "b1", baseTime, "gamma"),
	), RunOptions{})
	assert.Equal(t, 2, s.UpsertedDocs)

	s = h.run(t, source(textDoc("a", "a2", baseTime, "alpha", "BETA")), RunOptions{})
	assert.Equal(t, 1, s.UpsertedDocs)
	assert.Equal(t, 1, s.RemovedDocs)
	assert.Equal(t, PlanOps{Upserts: 1, Deletes: 1}, s.PlanOps)

	assert.Equal(t, expected("alpha", "BETA"), h.indexed(t, "a"))
	assert.Empty(t, h.indexed(t, "b"))
	assert.Nil(t, h.fingerprint(t, "b"))
}

// flakyStore fails selected operations of a MemoryStorage
type flakyStore struct {
	*storage.MemoryStorage

	mu       sync.Mutex
	failCAS  bool
	conflict bool
	casCalls int
	pingErr  error
}

func (f *flakyStore) setFailCAS(v bool) {
	f.mu.Lock()
	f.failCAS = v
	f.mu.Unlock()
}

func (f *flakyStore) CompareAndSet(ctx context.Context, fp *types.Fingerprint, expectedVersion int64) (int64, error) {
	f.mu.Lock()
	f.casCalls++
	failCAS, conflict := f.failCAS, f.conflict
	f.mu.Unlock()

	switch {
	case failCAS:
		return 0, fmt.Errorf("%w: connection reset", storage.ErrUnavailable)
	case conflict:
		return 0, storage.ErrConflict
	}
	return f.MemoryStorage.CompareAndSet(ctx, fp, expectedVersion)
}

func (f *flakyStore) Ping(ctx context.Context) error {
	if f.pingErr != nil {
		return f.pingErr
	}
	return f.MemoryStorage.Ping(ctx)
}
