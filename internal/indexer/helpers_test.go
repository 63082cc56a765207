package indexer

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ncolesummers/document-ingestor/internal/embedder"
	"github.com/ncolesummers/document-ingestor/internal/fetcher"
	"github.com/ncolesummers/document-ingestor/internal/logging"
	"github.com/ncolesummers/document-ingestor/internal/retry"
	"github.com/ncolesummers/document-ingestor/internal/storage"
	"github.com/ncolesummers/document-ingestor/internal/vectorindex"
	"github.com/ncolesummers/document-ingestor/pkg/types"
)

const testSource = "docs"

var baseTime = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// mockEmbedder implements embedder.Embedder for testing
type mockEmbedder struct {
	mu        sync.Mutex
	calls     int
	texts     []string
	err       error
	failOn    string
	onEmbed   func(texts []string)
	dimension int
}

func newMockEmbedder() *mockEmbedder {
	return &mockEmbedder{dimension: 4}
}

func (m *mockEmbedder) GenerateEmbedding(ctx context.Context, req embedder.EmbeddingRequest) (*embedder.Embedding, error) {
	resp, err := m.GenerateBatch(ctx, embedder.BatchEmbeddingRequest{Texts: []string{req.Text}})
	if err != nil {
		return nil, err
	}
	return resp.Embeddings[0], nil
}

func (m *mockEmbedder) GenerateBatch(ctx context.Context, req embedder.BatchEmbeddingRequest) (*embedder.BatchEmbeddingResponse, error) {
	m.mu.Lock()
	hook := m.onEmbed
	m.mu.Unlock()
	if hook != nil {
		hook(req.Texts)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	for _, text := range req.Texts {
		if m.failOn != "" && strings.Contains(text, m.failOn) {
			return nil, fmt.Errorf("%w: provider rejected batch", types.ErrTransient)
		}
	}
	m.calls++
	m.texts = append(m.texts, req.Texts...)

	embeddings := make([]*embedder.Embedding, len(req.Texts))
	for i, text := range req.Texts {
		var sum float32
		for _, b := range []byte(text) {
			sum += float32(b)
		}
		embeddings[i] = &embedder.Embedding{
			Vector:    []float32{float32(len(text)), sum, 1, 0},
			Dimension: m.dimension,
			Provider:  "mock",
			Model:     "mock-v1",
		}
	}
	return &embedder.BatchEmbeddingResponse{Embeddings: embeddings, Provider: "mock", Model: "mock-v1"}, nil
}

func (m *mockEmbedder) Dimension() int   { return m.dimension }
func (m *mockEmbedder) Provider() string { return "mock" }
func (m *mockEmbedder) Model() string    { return "mock-v1" }
func (m *mockEmbedder) Close() error     { return nil }

func (m *mockEmbedder) embedded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.texts...)
}

func (m *mockEmbedder) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = 0
	m.texts = nil
}

// staticSource yields a fixed list of documents
type staticSource struct {
	name    string
	docs    []*fetcher.FetchedDocument
	listErr error
}

func (s *staticSource) Name() string { return s.name }

func (s *staticSource) Documents(ctx context.Context, _ fetcher.ValidatorLookup) iter.Seq2[*fetcher.FetchedDocument, error] {
	return func(yield func(*fetcher.FetchedDocument, error) bool) {
		for _, d := range s.docs {
			if !yield(d, nil) {
				return
			}
		}
		if s.listErr != nil {
			yield(nil, s.listErr)
		}
	}
}

func source(docs ...*fetcher.FetchedDocument) *staticSource {
	return &staticSource{name: testSource, docs: docs}
}

// textDoc builds a plain text document whose paragraphs become p1, p2, ...
func textDoc(id, signal string, observedAt time.Time, paragraphs ...string) *fetcher.FetchedDocument {
	return &fetcher.FetchedDocument{
		ID:          types.DocumentID(id),
		URI:         id,
		Source:      testSource,
		Signal:      types.ChangeSignal{Kind: types.SignalETag, Value: signal},
		Content:     []byte(strings.Join(paragraphs, "\n\n")),
		ContentType: fetcher.MediaText,
		ObservedAt:  observedAt,
	}
}

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
}

func testConfig() Config {
	return Config{
		Workers: 2,
		Retry:   fastRetry(),
		Logger:  logging.Discard(),
	}
}

type harness struct {
	idx   *Indexer
	store storage.Storage
	index vectorindex.Index
	emb   *mockEmbedder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := storage.NewMemoryStorage()
	index := vectorindex.NewMemoryIndex()
	return newHarnessWith(t, store, index)
}

func newHarnessWith(t *testing.T, store storage.Storage, index vectorindex.Index) *harness {
	t.Helper()
	emb := newMockEmbedder()
	idx := New(store, index, emb, testConfig())
	idx.now = func() time.Time { return baseTime }
	return &harness{idx: idx, store: store, index: index, emb: emb}
}

func (h *harness) run(t *testing.T, src fetcher.Source, opts RunOptions) *Summary {
	t.Helper()
	summary, err := h.idx.Run(context.Background(), src, opts)
	require.NoError(t, err)
	require.NotNil(t, summary)
	return summary
}

// indexed returns path -> digest for the chunks of a document in the index
func (h *harness) indexed(t *testing.T, id string) map[string]string {
	t.Helper()
	points, err := h.index.Chunks(context.Background(), types.DocumentID(id))
	require.NoError(t, err)
	out := make(map[string]string, len(points))
	for _, p := range points {
		out[p.Path] = p.Digest
	}
	return out
}

func (h *harness) fingerprint(t *testing.T, id string) *types.Fingerprint {
	t.Helper()
	fp, err := h.store.Get(context.Background(), types.DocumentID(id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	require.NoError(t, err)
	return fp
}

// expected returns path -> digest for plain text paragraphs
func expected(paragraphs ...string) map[string]string {
	out := make(map[string]string, len(paragraphs))
	for i, p := range paragraphs {
		out["p"+strconv.Itoa(i+1)] = types.ComputeContentDigest(p)
	}
	return out
}

func manifestState(fp *types.Fingerprint) map[string]string {
	out := make(map[string]string, len(fp.Manifest))
	for _, e := range fp.Manifest {
		out[e.Path] = e.Digest
	}
	return out
}
