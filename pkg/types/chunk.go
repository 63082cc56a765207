package types

import (
	"crypto/sha256"
	"encoding/hex"
)

// ChunkCandidate is a chunk derived from the current parse of a document
type ChunkCandidate struct {
	DocumentID     DocumentID
	StructuralPath string
	Text           string
	ContentDigest  string
}

// ComputeChunkID derives a chunk identity from its owning document and
// structural path
func ComputeChunkID(docID DocumentID, path string) string {
	h := sha256.New()
	h.Write([]byte(docID))
	h.Write([]byte{0})
	h.Write([]byte(path))
	return hex.EncodeToString(h.Sum(nil))
}

// ComputeContentDigest returns the hex SHA-256 of already normalized text
func ComputeContentDigest(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
