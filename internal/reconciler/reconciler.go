// Package reconciler computes the minimal index operations that move a
// document from its stored manifest to a new set of chunk candidates.
// It performs no I/O.
package reconciler

import (
	"fmt"

	"github.com/ncolesummers/document-ingestor/pkg/types"
)

// Plan diffs candidates against old, which may be nil for a new document.
//
// Upserts hold every candidate whose id is new or whose digest differs, in
// candidate order. Deletes hold every old id missing from the candidates, in
// old manifest order. An empty candidate set plans the removal of the
// fingerprint.
func Plan(docID types.DocumentID, old *types.Fingerprint, candidates []types.ChunkCandidate) (*types.ReconciliationPlan, error) {
	if err := Validate(docID, candidates); err != nil {
		return nil, err
	}

	var oldManifest types.Manifest
	if old != nil {
		oldManifest = old.Manifest
	}
	oldDigests := oldManifest.Digests()

	plan := &types.ReconciliationPlan{
		DocumentID:  docID,
		NewManifest: make(types.Manifest, 0, len(candidates)),
	}

	current := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		id := types.ComputeChunkID(docID, c.StructuralPath)
		current[id] = struct{}{}
		plan.NewManifest = append(plan.NewManifest, types.ManifestEntry{
			ChunkID: id,
			Path:    c.StructuralPath,
			Digest:  c.ContentDigest,
		})

		if prev, ok := oldDigests[id]; ok && prev == c.ContentDigest {
			continue
		}
		plan.Upserts = append(plan.Upserts, types.UpsertOp{
			ChunkID: id,
			Path:    c.StructuralPath,
			Digest:  c.ContentDigest,
			Text:    c.Text,
		})
	}

	seen := make(map[string]struct{}, len(oldManifest))
	for _, e := range oldManifest {
		if _, ok := current[e.ChunkID]; ok {
			continue
		}
		if _, dup := seen[e.ChunkID]; dup {
			continue
		}
		seen[e.ChunkID] = struct{}{}
		plan.Deletes = append(plan.Deletes, e.ChunkID)
	}

	if len(plan.NewManifest) == 0 {
		plan.NewManifest = nil
		plan.DeleteFingerprint = true
	}
	return plan, nil
}

// PlanRemoval deletes every chunk of a document that left its source
func PlanRemoval(old *types.Fingerprint) *types.ReconciliationPlan {
	plan := &types.ReconciliationPlan{
		DocumentID:        old.DocumentID,
		DeleteFingerprint: true,
	}
	seen := make(map[string]struct{}, len(old.Manifest))
	for _, e := range old.Manifest {
		if _, dup := seen[e.ChunkID]; dup {
			continue
		}
		seen[e.ChunkID] = struct{}{}
		plan.Deletes = append(plan.Deletes, e.ChunkID)
	}
	return plan
}

// Validate checks candidates against the chunker contract: every candidate
// belongs to docID and has a path and a digest, and no path repeats
func Validate(docID types.DocumentID, candidates []types.ChunkCandidate) error {
	paths := make(map[string]int, len(candidates))
	for i, c := range candidates {
		switch {
		case c.DocumentID != docID:
			return fmt.Errorf("%w: candidate %d belongs to %q, not %q", types.ErrMalformedCandidate, i, c.DocumentID, docID)
		case c.StructuralPath == "":
			return fmt.Errorf("%w: candidate %d has an empty path", types.ErrMalformedCandidate, i)
		case c.ContentDigest == "":
			return fmt.Errorf("%w: candidate %d (%s) has no digest", types.ErrMalformedCandidate, i, c.StructuralPath)
		}
		if prev, dup := paths[c.StructuralPath]; dup {
			return fmt.Errorf("%w: candidates %d and %d share path %s", types.ErrMalformedCandidate, prev, i, c.StructuralPath)
		}
		paths[c.StructuralPath] = i
	}
	return nil
}
