package searcher

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ncolesummers/document-ingestor/internal/embedder"
	"github.com/ncolesummers/document-ingestor/internal/vectorindex"
	"github.com/ncolesummers/document-ingestor/pkg/types"
)

// ErrEmptyQuery is returned for a blank query string
var ErrEmptyQuery = errors.New("query cannot be empty")

const (
	DefaultLimit     = 10
	MaxLimit         = 100
	DefaultCacheSize = 1000
	DefaultCacheTTL  = time.Hour
)

// SearchRequest contains parameters for a search operation
type SearchRequest struct {
	Query string
	Limit int
	// Source restricts results to chunks ingested from one source
	Source   string
	MinScore float64
	UseCache bool // Whether to use query cache
	CacheTTL time.Duration
}

// Result is one ranked chunk
type Result struct {
	ChunkID    string
	DocumentID types.DocumentID
	Path       string
	URI        string
	Title      string
	Source     string
	Text       string
	Rank       int // Position in result set (1-based)
	Score      float64
}

// SearchResponse contains search results and metadata
type SearchResponse struct {
	Results      []Result
	TotalResults int
	Duration     time.Duration
	CacheHit     bool
}

// cacheEntry represents a cached search response with expiration time
type cacheEntry struct {
	response  *SearchResponse
	expiresAt time.Time
}

// Searcher answers similarity queries against the chunk index
type Searcher struct {
	index    vectorindex.Index
	embedder embedder.Embedder
	cache    *lru.Cache[[32]byte, *cacheEntry]
	cacheMu  sync.RWMutex
	now      func() time.Time
}

// NewSearcher creates a new Searcher instance
func NewSearcher(index vectorindex.Index, emb embedder.Embedder) *Searcher {
	cache, err := lru.New[[32]byte, *cacheEntry](DefaultCacheSize)
	if err != nil {
		panic(fmt.Sprintf("failed to create LRU cache: %v", err))
	}

	return &Searcher{
		index:    index,
		embedder: emb,
		cache:    cache,
		now:      time.Now,
	}
}

// Search embeds the query and returns the closest chunks
func (s *Searcher) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	startTime := s.now()

	if s.embedder == nil {
		return nil, fmt.Errorf("embedder not initialized")
	}
	if err := s.validateRequest(&req); err != nil {
		return nil, err
	}

	if req.UseCache {
		if cached := s.checkCache(req); cached != nil {
			cached.CacheHit = true
			cached.Duration = s.now().Sub(startTime)
			return cached, nil
		}
	}

	embedding, err := s.embedder.GenerateEmbedding(ctx, embedder.EmbeddingRequest{Text: req.Query})
	if err != nil {
		return nil, fmt.Errorf("failed to generate query embedding: %w", err)
	}

	// over-fetch when filtering so the limit is still reachable
	fetch := req.Limit
	if req.Source != "" || req.MinScore > 0 {
		fetch = min(req.Limit*2, MaxLimit*2)
	}
	hits, err := s.index.Search(ctx, embedding.Vector, fetch)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	results := make([]Result, 0, req.Limit)
	for _, h := range hits {
		if len(results) == req.Limit {
			break
		}
		if req.Source != "" && h.Metadata["source"] != req.Source {
			continue
		}
		if h.Score < req.MinScore {
			continue
		}
		results = append(results, Result{
			ChunkID:    h.ChunkID,
			DocumentID: h.DocumentID,
			Path:       h.Path,
			URI:        h.Metadata["uri"],
			Title:      h.Metadata["title"],
			Source:     h.Metadata["source"],
			Text:       h.Text,
			Rank:       len(results) + 1,
			Score:      h.Score,
		})
	}

	response := &SearchResponse{
		Results:      results,
		TotalResults: len(results),
		Duration:     s.now().Sub(startTime),
	}

	if req.UseCache && len(response.Results) > 0 {
		s.storeInCache(req, response)
	}
	return response, nil
}

// validateRequest ensures search request is valid
func (s *Searcher) validateRequest(req *SearchRequest) error {
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return ErrEmptyQuery
	}

	if req.Limit <= 0 {
		req.Limit = DefaultLimit
	}
	if req.Limit > MaxLimit {
		req.Limit = MaxLimit
	}
	if req.MinScore < -1 || req.MinScore > 1 {
		return fmt.Errorf("min score %.2f outside [-1, 1]", req.MinScore)
	}
	if req.CacheTTL == 0 {
		req.CacheTTL = DefaultCacheTTL
	}
	return nil
}

// checkCache returns a copy of a live cached response, or nil
func (s *Searcher) checkCache(req SearchRequest) *SearchResponse {
	hash := computeQueryHash(req)
	now := s.now()

	s.cacheMu.RLock()
	entry, found := s.cache.Get(hash)
	if !found {
		s.cacheMu.RUnlock()
		return nil
	}

	if now.After(entry.expiresAt) {
		s.cacheMu.RUnlock()

		s.cacheMu.Lock()
		s.cache.Remove(hash)
		s.cacheMu.Unlock()
		return nil
	}

	response := copySearchResponse(entry.response)
	s.cacheMu.RUnlock()
	return response
}

// storeInCache saves search results to cache
func (s *Searcher) storeInCache(req SearchRequest, response *SearchResponse) {
	entry := &cacheEntry{
		response:  copySearchResponse(response),
		expiresAt: s.now().Add(req.CacheTTL),
	}

	s.cacheMu.Lock()
	s.cache.Add(computeQueryHash(req), entry)
	s.cacheMu.Unlock()
}

// copySearchResponse creates a deep copy of a SearchResponse
func copySearchResponse(src *SearchResponse) *SearchResponse {
	if src == nil {
		return nil
	}
	dst := *src
	dst.Results = append([]Result(nil), src.Results...)
	return &dst
}

// computeQueryHash computes a unique hash for a search request
func computeQueryHash(req SearchRequest) [32]byte {
	var data strings.Builder
	data.WriteString(req.Query)
	data.WriteString("|")
	data.WriteString(strconv.Itoa(req.Limit))
	data.WriteString("|")
	data.WriteString(req.Source)
	data.WriteString("|")
	data.WriteString(strconv.FormatFloat(req.MinScore, 'f', 4, 64))
	return sha256.Sum256([]byte(data.String()))
}

// InvalidateCache drops every cached query. Called after an ingest run
// changes the index.
func (s *Searcher) InvalidateCache() {
	s.cacheMu.Lock()
	s.cache.Purge()
	s.cacheMu.Unlock()
}

// CacheLen reports the number of cached queries
func (s *Searcher) CacheLen() int {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	return s.cache.Len()
}
