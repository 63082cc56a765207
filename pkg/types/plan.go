package types

// Classification is the Change Detector's verdict for one document
type Classification string

const (
	ClassNew       Classification = "new"
	ClassChanged   Classification = "changed"
	ClassUnchanged Classification = "unchanged"
	ClassRemoved   Classification = "removed"
	// ClassAbsent means the document is neither observed nor known
	ClassAbsent Classification = "absent"
)

// UpsertOp is a chunk that needs a fresh embedding and index write
type UpsertOp struct {
	ChunkID string
	Path    string
	Digest  string
	Text    string
}

// ReconciliationPlan is the minimal set of index operations for one document
type ReconciliationPlan struct {
	DocumentID  DocumentID
	Upserts     []UpsertOp
	Deletes     []string
	NewManifest Manifest
	// DeleteFingerprint is set when the document has no chunks left
	DeleteFingerprint bool
}

// IsNoop reports whether the plan touches no chunks
func (p *ReconciliationPlan) IsNoop() bool {
	return len(p.Upserts) == 0 && len(p.Deletes) == 0
}
