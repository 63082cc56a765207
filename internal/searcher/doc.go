// Package searcher answers similarity queries over ingested chunks.
//
// A query is embedded with the same embedder used for ingestion and matched
// against the vector index by cosine similarity.
//
// # Basic Usage
//
//	s := searcher.NewSearcher(index, emb)
//
//	resp, err := s.Search(ctx, searcher.SearchRequest{
//	    Query:    "rotating api keys",
//	    Limit:    5,
//	    UseCache: true,
//	})
//
//	for _, r := range resp.Results {
//	    fmt.Printf("[%d] %s %s (score: %.2f)\n", r.Rank, r.URI, r.Path, r.Score)
//	}
//
// # Filtering
//
// Source limits results to one configured source and MinScore drops weak
// matches. Both filters run after the index search, so the searcher fetches
// twice the limit when either is set.
//
// # Query Cache
//
// Responses are cached in an LRU keyed by the SHA-256 of the normalized
// request, with a per-request TTL (default one hour). Empty responses are not
// cached. Callers that change the index should call InvalidateCache.
package searcher
