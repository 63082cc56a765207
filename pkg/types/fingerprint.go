package types

import "time"

// ManifestEntry records one chunk applied to the index for a document
type ManifestEntry struct {
	ChunkID string `json:"chunk_id"`
	Path    string `json:"path"`
	Digest  string `json:"digest"`
}

// Invalid reports whether the entry was invalidated by conflict resolution.
// An invalid entry never matches a candidate digest, so the next run rewrites it.
func (e ManifestEntry) Invalid() bool {
	return e.Digest == ""
}

// Manifest is the ordered chunk_id -> content_digest mapping of a document
type Manifest []ManifestEntry

// Digests returns the manifest as a lookup map
func (m Manifest) Digests() map[string]string {
	out := make(map[string]string, len(m))
	for _, e := range m {
		out[e.ChunkID] = e.Digest
	}
	return out
}

// HasInvalid reports whether any entry has been invalidated
func (m Manifest) HasInvalid() bool {
	for _, e := range m {
		if e.Invalid() {
			return true
		}
	}
	return false
}

// Invalidate returns a copy of the manifest with the digests of ids cleared.
// Ids not present in the manifest are ignored.
func (m Manifest) Invalidate(ids map[string]struct{}) Manifest {
	out := make(Manifest, len(m))
	for i, e := range m {
		if _, ok := ids[e.ChunkID]; ok {
			e.Digest = ""
		}
		out[i] = e
	}
	return out
}

// Fingerprint is the persisted record of a document's last applied state
type Fingerprint struct {
	DocumentID      DocumentID
	Source          string
	ChangeSignal    ChangeSignal
	ManifestVersion int64
	Manifest        Manifest
	LastSuccessAt   time.Time
	// ObservedAt is when the source state behind ChangeSignal was observed.
	// Concurrent writers use it to decide which state is newer.
	ObservedAt time.Time
}

// Clone returns a deep copy of the fingerprint
func (f *Fingerprint) Clone() *Fingerprint {
	if f == nil {
		return nil
	}
	c := *f
	c.Manifest = append(Manifest(nil), f.Manifest...)
	return &c
}
