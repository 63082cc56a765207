// Package types provides the shared domain types of the document ingestor.
//
// The types describe a document's identity and its change signal. They also
// describe the persisted Fingerprint of the last applied state, the chunk
// candidates produced on each run, and the reconciliation plan that moves the
// index from one state to the next.
//
// # Identity
//
// A document is identified by a DocumentID derived from its canonical source
// location. A chunk is identified by its position inside the document:
//
//	id := types.ComputeChunkID("https://example.com/guide", "s1/p2")
//
// Identity depends on position, not content. An edited paragraph keeps its
// ChunkID and only its content digest changes. A moved paragraph surfaces as a
// delete of the old position plus an insert of the new one.
//
// # Change Signals
//
// ChangeSignal values are only comparable when they were produced the same
// way. An ETag never equals a content digest, even if the strings match:
//
//	a := types.ChangeSignal{Kind: types.SignalETag, Value: `"v1"`}
//	b := types.ChangeSignal{Kind: types.SignalDigest, Value: `"v1"`}
//	a.Equal(b) // false
//
// # Errors
//
// Errors crossing package boundaries wrap one of the sentinels in errors.go so
// that callers can classify them with errors.Is.
package types
