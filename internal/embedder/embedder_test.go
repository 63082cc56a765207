package embedder

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ncolesummers/document-ingestor/internal/retry"
	"github.com/ncolesummers/document-ingestor/pkg/types"
)

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

// embeddingServer answers with one 2-dim vector per input, in reverse order
func embeddingServer(t *testing.T, calls *atomic.Int32, failFirst int, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		if int(n) <= failFirst {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":"nope"}`))
			return
		}

		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		type item struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		}
		data := make([]item, 0, len(req.Input))
		for i := len(req.Input) - 1; i >= 0; i-- {
			data = append(data, item{Embedding: []float32{float32(i), float32(len(req.Input[i]))}, Index: i})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"data": data, "model": req.Model})
	}))
}

func TestHTTPProvider_GenerateBatch(t *testing.T) {
	var calls atomic.Int32
	srv := embeddingServer(t, &calls, 0, 0)
	defer srv.Close()

	p, err := NewOpenAIProvider(HTTPConfig{APIKey: "test-key", BaseURL: srv.URL, Retry: fastRetry()})
	require.NoError(t, err)

	resp, err := p.GenerateBatch(context.Background(), BatchEmbeddingRequest{Texts: []string{"a", "bbb"}})
	require.NoError(t, err)
	require.Len(t, resp.Embeddings, 2)
	assert.Equal(t, []float32{0, 1}, resp.Embeddings[0].Vector)
	assert.Equal(t, []float32{1, 3}, resp.Embeddings[1].Vector)
	assert.Equal(t, ProviderOpenAI, resp.Provider)
	assert.Equal(t, DefaultOpenAIModel, resp.Model)
}

func TestHTTPProvider_RetriesTransient(t *testing.T) {
	var calls atomic.Int32
	srv := embeddingServer(t, &calls, 2, http.StatusServiceUnavailable)
	defer srv.Close()

	p, err := NewJinaProvider(HTTPConfig{APIKey: "test-key", BaseURL: srv.URL, Retry: fastRetry()})
	require.NoError(t, err)

	_, err = p.GenerateEmbedding(context.Background(), EmbeddingRequest{Text: "hello"})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPProvider_PermanentOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := embeddingServer(t, &calls, 10, http.StatusUnauthorized)
	defer srv.Close()

	p, err := NewJinaProvider(HTTPConfig{APIKey: "test-key", BaseURL: srv.URL, Retry: fastRetry()})
	require.NoError(t, err)

	_, err = p.GenerateEmbedding(context.Background(), EmbeddingRequest{Text: "hello"})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrPermanent)
	assert.ErrorIs(t, err, ErrProviderFailed)
	assert.Equal(t, types.FailurePermanent, types.ClassifyFailure(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPProvider_ExhaustedRetriesAreTransient(t *testing.T) {
	var calls atomic.Int32
	srv := embeddingServer(t, &calls, 10, http.StatusTooManyRequests)
	defer srv.Close()

	p, err := NewOpenAIProvider(HTTPConfig{APIKey: "test-key", BaseURL: srv.URL, Retry: fastRetry()})
	require.NoError(t, err)

	_, err = p.GenerateEmbedding(context.Background(), EmbeddingRequest{Text: "hello"})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrTransient)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPProvider_MissingKey(t *testing.T) {
	t.Setenv(EnvJinaAPIKey, "")
	_, err := NewJinaProvider(HTTPConfig{})
	assert.ErrorIs(t, err, ErrNoProviderEnabled)
}

func TestLocalProvider_Deterministic(t *testing.T) {
	p := NewLocalProvider(0)
	ctx := context.Background()

	a, err := p.GenerateEmbedding(ctx, EmbeddingRequest{Text: "Install the package with pip"})
	require.NoError(t, err)
	b, err := p.GenerateEmbedding(ctx, EmbeddingRequest{Text: "Install the package with pip"})
	require.NoError(t, err)

	assert.Equal(t, LocalDimension, a.Dimension)
	assert.Len(t, a.Vector, LocalDimension)
	assert.Equal(t, a.Vector, b.Vector)

	var norm float32
	for _, v := range a.Vector {
		norm += v * v
	}
	assert.InDelta(t, 1.0, norm, 1e-4)
}

func TestValidateBatchRequest(t *testing.T) {
	assert.ErrorIs(t, ValidateBatchRequest(BatchEmbeddingRequest{}), ErrInvalidInput)
	assert.ErrorIs(t, ValidateBatchRequest(BatchEmbeddingRequest{Texts: []string{"a", ""}}), ErrInvalidInput)
	assert.ErrorIs(t, ValidateBatchRequest(BatchEmbeddingRequest{Texts: make([]string, MaxBatchSize+1)}), ErrBatchTooLarge)
	assert.ErrorIs(t, ValidateRequest(EmbeddingRequest{}), ErrEmptyText)
}

type countingEmbedder struct {
	*LocalProvider
	texts atomic.Int32
	fail  error
}

func (c *countingEmbedder) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	if c.fail != nil {
		return nil, c.fail
	}
	c.texts.Add(int32(len(req.Texts)))
	return c.LocalProvider.GenerateBatch(ctx, req)
}

func TestCachedEmbedder_ForwardsOnlyMisses(t *testing.T) {
	inner := &countingEmbedder{LocalProvider: NewLocalProvider(16)}
	e := WithCache(inner, NewCache(100))
	ctx := context.Background()

	first, err := e.GenerateBatch(ctx, BatchEmbeddingRequest{Texts: []string{"alpha", "beta"}})
	require.NoError(t, err)
	assert.Equal(t, int32(2), inner.texts.Load())

	second, err := e.GenerateBatch(ctx, BatchEmbeddingRequest{Texts: []string{"beta", "gamma", "alpha"}})
	require.NoError(t, err)
	assert.Equal(t, int32(3), inner.texts.Load())

	assert.Equal(t, first.Embeddings[1].Vector, second.Embeddings[0].Vector)
	assert.Equal(t, first.Embeddings[0].Vector, second.Embeddings[2].Vector)
	assert.Equal(t, 3, e.(*CachedEmbedder).CacheSize())
}

func TestCachedEmbedder_ReturnsCopies(t *testing.T) {
	e := WithCache(NewLocalProvider(8), NewCache(10))
	ctx := context.Background()

	a, err := e.GenerateEmbedding(ctx, EmbeddingRequest{Text: "word"})
	require.NoError(t, err)
	want := append([]float32(nil), a.Vector...)

	b, err := e.GenerateEmbedding(ctx, EmbeddingRequest{Text: "word"})
	require.NoError(t, err)
	b.Vector[0] = 42

	c, err := e.GenerateEmbedding(ctx, EmbeddingRequest{Text: "word"})
	require.NoError(t, err)
	assert.Equal(t, want, c.Vector)
}

func TestCachedEmbedder_PropagatesError(t *testing.T) {
	boom := errors.New("boom")
	e := WithCache(&countingEmbedder{LocalProvider: NewLocalProvider(8), fail: boom}, NewCache(10))
	_, err := e.GenerateBatch(context.Background(), BatchEmbeddingRequest{Texts: []string{"x"}})
	assert.ErrorIs(t, err, boom)
}

func TestEmbedAll_Batches(t *testing.T) {
	inner := &countingEmbedder{LocalProvider: NewLocalProvider(8)}
	texts := make([]string, 7)
	for i := range texts {
		texts[i] = string(rune('a' + i))
	}

	vectors, err := EmbedAll(context.Background(), inner, texts, 3)
	require.NoError(t, err)
	require.Len(t, vectors, 7)
	assert.Equal(t, int32(7), inner.texts.Load())

	single, err := inner.GenerateEmbedding(context.Background(), EmbeddingRequest{Text: "e"})
	require.NoError(t, err)
	assert.Equal(t, single.Vector, vectors[4])
}

func TestEmbedAll_Empty(t *testing.T) {
	vectors, err := EmbedAll(context.Background(), NewLocalProvider(8), nil, 0)
	require.NoError(t, err)
	assert.Empty(t, vectors)
}

func TestNew(t *testing.T) {
	e, err := New(Config{Provider: "local", Dimension: 32})
	require.NoError(t, err)
	assert.Equal(t, ProviderLocal, e.Provider())
	assert.Equal(t, 32, e.Dimension())
	_, ok := e.(*CachedEmbedder)
	assert.True(t, ok)

	raw, err := New(Config{Provider: "local", CacheSize: -1})
	require.NoError(t, err)
	_, ok = raw.(*LocalProvider)
	assert.True(t, ok)

	_, err = New(Config{Provider: "bogus"})
	assert.ErrorIs(t, err, ErrUnsupportedModel)
}

func TestDetectProvider(t *testing.T) {
	t.Setenv(EnvJinaAPIKey, "")
	t.Setenv(EnvOpenAIAPIKey, "")
	assert.Equal(t, ProviderLocal, DetectProvider())

	t.Setenv(EnvOpenAIAPIKey, "k")
	assert.Equal(t, ProviderOpenAI, DetectProvider())

	t.Setenv(EnvJinaAPIKey, "k")
	assert.Equal(t, ProviderJina, DetectProvider())
}

type renamedEmbedder struct {
	*countingEmbedder
	model string
}

func (r renamedEmbedder) Model() string { return r.model }

func TestCachedEmbedder_ScopedByModel(t *testing.T) {
	cache := NewCache(10)
	inner := &countingEmbedder{LocalProvider: NewLocalProvider(8)}
	ctx := context.Background()

	_, err := WithCache(renamedEmbedder{inner, "v1"}, cache).GenerateEmbedding(ctx, EmbeddingRequest{Text: "same"})
	require.NoError(t, err)
	_, err = WithCache(renamedEmbedder{inner, "v1"}, cache).GenerateEmbedding(ctx, EmbeddingRequest{Text: "same"})
	require.NoError(t, err)
	assert.Equal(t, int32(1), inner.texts.Load())

	_, err = WithCache(renamedEmbedder{inner, "v2"}, cache).GenerateEmbedding(ctx, EmbeddingRequest{Text: "same"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), inner.texts.Load())
	assert.Equal(t, 2, cache.Len())
}
