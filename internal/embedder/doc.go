// Package embedder turns chunk text into vector embeddings.
//
// Four providers are available: Jina AI and OpenAI over their HTTP APIs,
// Ollama through langchaingo, and a local feature-hashing embedder that needs
// no network access. New builds the configured provider and wraps it in an
// LRU cache keyed by the SHA-256 of the text, so unchanged chunk text that is
// re-embedded within a process hits the cache.
//
// # Basic Usage
//
//	emb, err := embedder.New(embedder.Config{Provider: "local"})
//	if err != nil {
//	    return err
//	}
//	defer emb.Close()
//
//	vectors, err := embedder.EmbedAll(ctx, emb, texts, embedder.DefaultBatchSize)
//
// EmbedAll splits texts into provider-sized batches and returns one vector per
// text in input order.
//
// # Provider Selection
//
// When Config.Provider is empty, DetectProvider picks one:
//
//  1. JINA_API_KEY set: Jina AI
//  2. OPENAI_API_KEY set: OpenAI
//  3. Otherwise: local
//
// # Error Handling
//
// HTTP providers retry network errors, 429 and 5xx responses with exponential
// backoff. Other 4xx responses fail immediately and wrap types.ErrPermanent so
// the orchestrator records the document as a permanent failure.
package embedder
