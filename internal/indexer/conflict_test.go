package indexer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncolesummers/document-ingestor/internal/storage"
	"github.com/ncolesummers/document-ingestor/internal/vectorindex"
	"github.com/ncolesummers/document-ingestor/pkg/types"
)

var (
	contentA = []string{"a1", "a2", "a3"}
	contentB = []string{"b1", "a2"}
	contentC = []string{"c1", "c2", "c3", "c4"}
)

// gate holds a run inside its first embedding call until released
type gate struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gate) hook([]string) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
}

type runResult struct {
	summary *Summary
	err     error
}

// race starts slow, waits until it has planned and is embedding, runs fast
// to completion, then lets slow finish
func race(t *testing.T, slow, fast *Indexer, slowDoc, fastDoc *staticSource) (slowSummary, fastSummary *Summary) {
	t.Helper()

	g := newGate()
	slow.embedder.(*mockEmbedder).onEmbed = g.hook
	return raceAt(t, g, slow, fast, slowDoc, fastDoc)
}

// raceAt is race with the hold point chosen by the caller
func raceAt(t *testing.T, g *gate, slow, fast *Indexer, slowDoc, fastDoc *staticSource) (slowSummary, fastSummary *Summary) {
	t.Helper()

	done := make(chan runResult, 1)
	go func() {
		s, err := slow.Run(context.Background(), slowDoc, RunOptions{})
		done <- runResult{s, err}
	}()

	select {
	case <-g.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("slow run never reached its hold point")
	}

	fastSummary, err := fast.Run(context.Background(), fastDoc, RunOptions{})
	require.NoError(t, err)
	close(g.release)

	res := <-done
	require.NoError(t, res.err)
	return res.summary, fastSummary
}

func (h *harness) second() *Indexer {
	idx := New(h.store, h.index, newMockEmbedder(), testConfig())
	idx.now = func() time.Time { return baseTime }
	return idx
}

// secondOver builds another indexer over wrapped backends
func (h *harness) secondOver(store storage.Storage, index vectorindex.Index, now time.Time) *Indexer {
	idx := New(store, index, newMockEmbedder(), testConfig())
	idx.now = func() time.Time { return now }
	return idx
}

// gatedIndex holds the first index delete until the gate is released
type gatedIndex struct {
	vectorindex.Index
	g *gate
}

func (gi *gatedIndex) Delete(ctx context.Context, documentID types.DocumentID, chunkIDs []string) error {
	gi.g.hook(chunkIDs)
	return gi.Index.Delete(ctx, documentID, chunkIDs)
}

// gatedStore holds the first fingerprint delete until the gate is released
type gatedStore struct {
	storage.Storage
	g *gate
}

func (gs *gatedStore) Delete(ctx context.Context, id types.DocumentID, expectedVersion int64) error {
	gs.g.hook(nil)
	return gs.Storage.Delete(ctx, id, expectedVersion)
}

func seedA(t *testing.T, h *harness) {
	t.Helper()
	h.run(t, source(textDoc("doc", "a", baseTime, contentA...)), RunOptions{})
	require.Equal(t, expected(contentA...), h.indexed(t, "doc"))
}

func TestConcurrentNewerCommitSupersedesOlder(t *testing.T) {
	h := newHarness(t)
	seedA(t, h)

	older := h.second()
	newer := h.second()
	olderSummary, newerSummary := race(t, older, newer,
		source(textDoc("doc", "b", baseTime.Add(time.Minute), contentB...)),
		source(textDoc("doc", "c", baseTime.Add(2*time.Minute), contentC...)),
	)

	assert.Equal(t, 1, newerSummary.UpsertedDocs)
	assert.Equal(t, 1, olderSummary.Superseded)
	assert.Equal(t, 0, olderSummary.FailedDocs)

	fp := h.fingerprint(t, "doc")
	assert.Equal(t, "c", fp.ChangeSignal.Value)
	assert.True(t, fp.Manifest.HasInvalid(), "chunks overwritten by the older writer are invalidated")

	// a repair run restores the newer content without a signal change
	s := h.run(t, source(textDoc("doc", "c", baseTime.Add(3*time.Minute), contentC...)), RunOptions{})
	assert.Equal(t, 1, s.UpsertedDocs)
	assert.Equal(t, expected(contentC...), h.indexed(t, "doc"))

	fp = h.fingerprint(t, "doc")
	assert.False(t, fp.Manifest.HasInvalid())
	assert.Equal(t, expected(contentC...), manifestState(fp))

	s = h.run(t, source(textDoc("doc", "c", baseTime.Add(4*time.Minute), contentC...)), RunOptions{})
	assert.Equal(t, 1, s.Skipped)
}

func TestConcurrentNewerRebasesOnOlderCommit(t *testing.T) {
	h := newHarness(t)
	seedA(t, h)

	newer := h.second()
	older := h.second()
	newerSummary, olderSummary := race(t, newer, older,
		source(textDoc("doc", "c", baseTime.Add(2*time.Minute), contentC...)),
		source(textDoc("doc", "b", baseTime.Add(time.Minute), contentB...)),
	)

	assert.Equal(t, 1, olderSummary.UpsertedDocs)
	assert.Equal(t, 1, newerSummary.UpsertedDocs)
	assert.Equal(t, 0, newerSummary.Superseded)

	assert.Equal(t, expected(contentC...), h.indexed(t, "doc"))
	fp := h.fingerprint(t, "doc")
	assert.Equal(t, "c", fp.ChangeSignal.Value)
	assert.Equal(t, int64(3), fp.ManifestVersion)
	assert.Equal(t, expected(contentC...), manifestState(fp))
}

func TestConcurrentSameObservationIsRedundant(t *testing.T) {
	h := newHarness(t)
	seedA(t, h)

	first := h.second()
	var outcomes []Outcome
	doc := source(textDoc("doc", "b", baseTime.Add(time.Minute), contentB...))

	g := newGate()
	first.embedder.(*mockEmbedder).onEmbed = g.hook
	done := make(chan runResult, 1)
	go func() {
		s, err := first.Run(context.Background(), doc, RunOptions{OnOutcome: func(o Outcome) {
			outcomes = append(outcomes, o)
		}})
		done <- runResult{s, err}
	}()
	<-g.entered

	h.run(t, doc, RunOptions{})
	close(g.release)
	res := <-done
	require.NoError(t, res.err)

	require.Len(t, outcomes, 1)
	assert.Equal(t, OutcomeSkipped, outcomes[0].Kind)
	assert.Equal(t, "redundant", outcomes[0].Detail)
	assert.Equal(t, expected(contentB...), h.indexed(t, "doc"))
	assert.Equal(t, int64(2), h.fingerprint(t, "doc").ManifestVersion)
}

func TestConflictRetriesExhausted(t *testing.T) {
	store := &flakyStore{MemoryStorage: storage.NewMemoryStorage(), conflict: true}
	h := newHarnessWith(t, store, vectorindex.NewMemoryIndex())

	s := h.run(t, source(textDoc("doc", "v1", baseTime, "text")), RunOptions{})
	assert.Equal(t, 1, s.FailedDocs)
	require.Len(t, s.Failures, 1)
	assert.Equal(t, types.FailureTransient, s.Failures[0].Kind)

	store.mu.Lock()
	calls := store.casCalls
	store.mu.Unlock()
	assert.Equal(t, DefaultMaxConflictRetries+1, calls)
}

func TestConcurrentRemovalsAreRedundant(t *testing.T) {
	h := newHarness(t)
	seedA(t, h)

	g := newGate()
	slow := h.secondOver(h.store, &gatedIndex{Index: h.index, g: g}, baseTime)
	slowSummary, fastSummary := raceAt(t, g, slow, h.second(), source(), source())

	assert.Equal(t, 1, fastSummary.RemovedDocs)
	assert.Equal(t, 0, slowSummary.RemovedDocs)
	assert.Equal(t, 1, slowSummary.Skipped)
	assert.Equal(t, 0, slowSummary.FailedDocs)
	assert.Nil(t, h.fingerprint(t, "doc"))
	assert.Empty(t, h.indexed(t, "doc"))
}

func TestConcurrentRemovalSupersededByReingest(t *testing.T) {
	h := newHarness(t)
	seedA(t, h)

	g := newGate()
	removal := h.secondOver(h.store, &gatedIndex{Index: h.index, g: g}, baseTime)
	removalSummary, reingestSummary := raceAt(t, g, removal, h.second(),
		source(),
		source(textDoc("doc", "c", baseTime.Add(2*time.Minute), contentC...)),
	)

	assert.Equal(t, 1, reingestSummary.UpsertedDocs)
	assert.Equal(t, 1, removalSummary.Superseded)
	assert.Equal(t, 0, removalSummary.RemovedDocs)

	// the removal deleted the re-ingested chunks after they were written
	assert.Empty(t, h.indexed(t, "doc"))
	fp := h.fingerprint(t, "doc")
	require.NotNil(t, fp)
	assert.Equal(t, "c", fp.ChangeSignal.Value)
	assert.True(t, fp.Manifest.HasInvalid())

	s := h.run(t, source(textDoc("doc", "c", baseTime.Add(3*time.Minute), contentC...)), RunOptions{})
	assert.Equal(t, 1, s.UpsertedDocs)
	assert.Equal(t, expected(contentC...), h.indexed(t, "doc"))
	fp = h.fingerprint(t, "doc")
	assert.False(t, fp.Manifest.HasInvalid())
	assert.Equal(t, expected(contentC...), manifestState(fp))
}

func TestConcurrentRemovalRebasesOnOlderCommit(t *testing.T) {
	h := newHarness(t)
	seedA(t, h)

	g := newGate()
	removal := h.secondOver(&gatedStore{Storage: h.store, g: g}, h.index, baseTime.Add(5*time.Minute))
	removalSummary, olderSummary := raceAt(t, g, removal, h.second(),
		source(),
		source(textDoc("doc", "b", baseTime.Add(time.Minute), contentB...)),
	)

	assert.Equal(t, 1, olderSummary.UpsertedDocs)
	assert.Equal(t, 1, removalSummary.RemovedDocs)
	assert.Equal(t, 0, removalSummary.Superseded)

	// the rebased removal deleted what the older commit wrote after the
	// first apply
	assert.Empty(t, h.indexed(t, "doc"))
	assert.Nil(t, h.fingerprint(t, "doc"))
	assert.Equal(t, len(contentA)+len(contentB), removalSummary.PlanOps.Deletes)
}
