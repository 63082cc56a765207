// Package vectorindex stores chunk embeddings and payloads and serves
// similarity queries.
//
// Chunk ids are owned by exactly one document. An upsert that would move a
// chunk id to another document is rejected with types.ErrInvariantViolation
// instead of silently merging two documents' content.
//
// Backends:
//
//   - MemoryIndex: maps guarded by a mutex
//   - SQLiteIndex: little-endian float32 blobs, cosine scan in Go
//   - PGVectorIndex: pgvector column with an ivfflat cosine index
package vectorindex
