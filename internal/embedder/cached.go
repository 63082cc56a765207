package embedder

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ncolesummers/document-ingestor/pkg/types"
)

const defaultCacheSize = 10000

// cacheKey scopes a content digest to the model that embedded it, so
// switching models never serves a vector from another space
type cacheKey struct {
	model  string
	digest string
}

// Cache is a bounded LRU of embeddings
type Cache struct {
	entries *lru.Cache[cacheKey, *Embedding]
}

// NewCache returns a cache holding at most maxLen embeddings. Non-positive
// sizes fall back to the default.
func NewCache(maxLen int) *Cache {
	if maxLen <= 0 {
		maxLen = defaultCacheSize
	}
	entries, err := lru.New[cacheKey, *Embedding](maxLen)
	if err != nil {
		entries, _ = lru.New[cacheKey, *Embedding](defaultCacheSize)
	}
	return &Cache{entries: entries}
}

func (c *Cache) lookup(k cacheKey) (*Embedding, bool) {
	emb, ok := c.entries.Get(k)
	if !ok {
		return nil, false
	}
	return emb.clone(), true
}

func (c *Cache) store(k cacheKey, emb *Embedding) {
	c.entries.Add(k, emb.clone())
}

// Len reports the number of cached embeddings
func (c *Cache) Len() int {
	return c.entries.Len()
}

// CachedEmbedder serves repeated texts from a Cache and forwards only the
// misses to the wrapped provider
type CachedEmbedder struct {
	Embedder
	cache *Cache
}

// WithCache wraps e with cache. A nil cache returns e unchanged.
func WithCache(e Embedder, cache *Cache) Embedder {
	if cache == nil {
		return e
	}
	return &CachedEmbedder{Embedder: e, cache: cache}
}

func (c *CachedEmbedder) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	return generateOne(ctx, c, req)
}

func (c *CachedEmbedder) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	if err := ValidateBatchRequest(req); err != nil {
		return nil, err
	}

	model := c.Provider() + "/" + c.Model()
	out := make([]*Embedding, len(req.Texts))
	keys := make([]cacheKey, len(req.Texts))
	var pending []int
	for i, text := range req.Texts {
		keys[i] = cacheKey{model: model, digest: types.ComputeContentDigest(text)}
		if emb, ok := c.cache.lookup(keys[i]); ok {
			out[i] = emb
			continue
		}
		pending = append(pending, i)
	}

	if len(pending) > 0 {
		texts := make([]string, len(pending))
		for j, i := range pending {
			texts[j] = req.Texts[i]
		}
		resp, err := c.Embedder.GenerateBatch(ctx, BatchEmbeddingRequest{Texts: texts})
		if err != nil {
			return nil, err
		}
		if len(resp.Embeddings) != len(texts) {
			return nil, fmt.Errorf("%w: got %d embeddings for %d texts",
				ErrProviderFailed, len(resp.Embeddings), len(texts))
		}
		for j, emb := range resp.Embeddings {
			c.cache.store(keys[pending[j]], emb)
			out[pending[j]] = emb
		}
	}

	return &BatchEmbeddingResponse{
		Embeddings: out,
		Provider:   c.Provider(),
		Model:      c.Model(),
	}, nil
}

// CacheSize returns the number of cached embeddings
func (c *CachedEmbedder) CacheSize() int {
	return c.cache.Len()
}
