package indexer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ncolesummers/document-ingestor/internal/detector"
	"github.com/ncolesummers/document-ingestor/internal/embedder"
	"github.com/ncolesummers/document-ingestor/internal/fetcher"
	"github.com/ncolesummers/document-ingestor/internal/reconciler"
	"github.com/ncolesummers/document-ingestor/internal/retry"
	"github.com/ncolesummers/document-ingestor/internal/vectorindex"
	"github.com/ncolesummers/document-ingestor/pkg/types"
)

// docTask carries one document through apply and commit, across conflict
// retries
type docTask struct {
	id         types.DocumentID
	source     string
	signal     types.ChangeSignal
	observedAt time.Time
	removal    bool
	candidates []types.ChunkCandidate
	metadata   map[string]string

	base *types.Fingerprint
	plan *types.ReconciliationPlan

	// vectors caches embeddings by content digest so a rebase only embeds
	// text it has not seen
	vectors map[string][]float32

	// ids this task has written to or removed from the index, in order
	upserted []string
	deleted  []string
	ops      PlanOps
}

func (t *docTask) expectedVersion() int64 {
	if t.base == nil {
		return 0
	}
	return t.base.ManifestVersion
}

// processDocument runs one observed document through the pipeline
func (idx *Indexer) processDocument(ctx context.Context, r *run, doc *fetcher.FetchedDocument) Outcome {
	out := Outcome{DocumentID: doc.ID, URI: doc.URI}
	logger := r.logger.With("document", doc.ID)

	if ctx.Err() != nil {
		out.Kind = OutcomeCancelled
		return out
	}
	if doc.Err != nil {
		return idx.failed(r, out, doc.Err)
	}

	fp, err := idx.getFingerprint(ctx, doc.ID)
	if err != nil {
		return idx.storeFailure(ctx, r, out, err)
	}

	out.Classification = detector.Classify(fp, doc.Signal, true, r.opts.Force)
	if out.Classification == types.ClassUnchanged {
		logger.Debug("document unchanged", "signal", doc.Signal)
		out.Kind = OutcomeSkipped
		return out
	}

	if doc.NotModified && len(doc.Content) == 0 {
		return idx.failed(r, out, fmt.Errorf("%w: no cached content to re-chunk", types.ErrTransient))
	}
	parsed, err := idx.parsers.Parse(doc.Content, doc.ContentType)
	if err != nil {
		return idx.failed(r, out, err)
	}
	candidates, err := idx.chunker.Chunk(doc.ID, parsed)
	if err != nil {
		return idx.failed(r, out, err)
	}
	plan, err := reconciler.Plan(doc.ID, fp, candidates)
	if err != nil {
		return idx.failed(r, out, err)
	}

	title := doc.Title
	if title == "" {
		title = parsed.Title
	}
	observedAt := doc.ObservedAt
	if observedAt.IsZero() {
		observedAt = idx.now()
	}

	t := &docTask{
		id:         doc.ID,
		source:     r.source,
		signal:     doc.Signal,
		observedAt: observedAt,
		candidates: candidates,
		metadata: map[string]string{
			"uri":    doc.URI,
			"title":  title,
			"source": r.source,
		},
		base:    fp,
		plan:    plan,
		vectors: make(map[string][]float32),
	}

	logger.Debug("document planned",
		"classification", out.Classification,
		"upserts", len(plan.Upserts),
		"deletes", len(plan.Deletes),
	)

	if err := idx.embed(ctx, t); err != nil {
		if ctx.Err() != nil {
			out.Kind = OutcomeCancelled
			return out
		}
		return idx.failed(r, out, err)
	}

	out = idx.applyAndCommit(ctx, r, t, out)
	if out.Kind == OutcomeRemoved {
		// the document is present but produced no chunks
		out.Kind = OutcomeUpserted
		if fp == nil && out.Deletes == 0 && out.Swept == 0 {
			out.Kind = OutcomeSkipped
			out.Detail = "empty"
		}
	}
	return out
}

// processRemoval tombstones a document the source no longer lists
func (idx *Indexer) processRemoval(ctx context.Context, r *run, fp *types.Fingerprint) Outcome {
	out := Outcome{DocumentID: fp.DocumentID}
	if ctx.Err() != nil {
		out.Kind = OutcomeCancelled
		return out
	}

	out.Classification = detector.Classify(fp, types.ChangeSignal{}, false, false)
	t := &docTask{
		id:         fp.DocumentID,
		source:     fp.Source,
		observedAt: r.start,
		removal:    true,
		base:       fp,
		plan:       reconciler.PlanRemoval(fp),
	}
	r.logger.Debug("document removed from source", "document", fp.DocumentID, "chunks", len(t.plan.Deletes))
	return idx.applyAndCommit(ctx, r, t, out)
}

type resolution int

const (
	resolveRebase resolution = iota
	resolveRedundant
	resolveSuperseded
)

// applyAndCommit writes the plan to the index and then commits the
// fingerprint. It runs detached from run cancellation so an apply that has
// started always reaches its commit.
func (idx *Indexer) applyAndCommit(ctx context.Context, r *run, t *docTask, out Outcome) Outcome {
	applyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), idx.cfg.ApplyTimeout)
	defer cancel()

	if err := idx.apply(applyCtx, t); err != nil {
		return idx.failed(r, withOps(out, t), err)
	}
	if err := idx.sweepStrays(applyCtx, t); err != nil {
		return idx.failed(r, withOps(out, t), err)
	}

	err := idx.commit(applyCtx, t)
	for attempt := 1; err != nil; attempt++ {
		if !errors.Is(err, types.ErrConflict) {
			return idx.storeFailure(applyCtx, r, withOps(out, t), err)
		}
		if attempt > idx.cfg.MaxConflictRetries {
			return idx.failed(r, withOps(out, t), fmt.Errorf("%w: %d commit conflicts", types.ErrTransient, attempt))
		}

		winner, gerr := idx.getFingerprint(applyCtx, t.id)
		if gerr != nil {
			return idx.storeFailure(applyCtx, r, withOps(out, t), gerr)
		}

		switch idx.resolve(t, winner) {
		case resolveRedundant:
			r.logger.Debug("commit redundant", "document", t.id)
			out = withOps(out, t)
			out.Kind = OutcomeSkipped
			out.Detail = "redundant"
			return out

		case resolveSuperseded:
			r.logger.Info("document superseded by newer observation",
				"document", t.id, "winner_observed_at", winner.ObservedAt)
			if derr := idx.deleteOrphans(applyCtx, t, winner); derr != nil {
				return idx.failed(r, withOps(out, t), derr)
			}
			err = idx.invalidateTouched(applyCtx, t, winner)
			if err == nil {
				out = withOps(out, t)
				out.Kind = OutcomeSuperseded
				return out
			}

		case resolveRebase:
			r.logger.Debug("rebasing on concurrent commit", "document", t.id, "attempt", attempt)
			if rerr := idx.rebase(applyCtx, t, winner); rerr != nil {
				return idx.failed(r, withOps(out, t), rerr)
			}
			err = idx.commit(applyCtx, t)
		}
	}

	out = withOps(out, t)
	if t.plan.DeleteFingerprint {
		out.Kind = OutcomeRemoved
	} else {
		out.Kind = OutcomeUpserted
	}
	return out
}

// resolve decides how a lost commit relates to the record that won
func (idx *Indexer) resolve(t *docTask, winner *types.Fingerprint) resolution {
	switch {
	case winner == nil && t.plan.DeleteFingerprint:
		return resolveRedundant
	case winner != nil && winner.ChangeSignal.Equal(t.signal):
		return resolveRedundant
	case winner != nil && !winner.ObservedAt.Before(t.observedAt):
		return resolveSuperseded
	default:
		return resolveRebase
	}
}

// rebase re-plans the task against the winning record and applies the
// difference
func (idx *Indexer) rebase(ctx context.Context, t *docTask, winner *types.Fingerprint) error {
	t.base = winner
	if t.removal {
		t.plan = reconciler.PlanRemoval(winner)
	} else {
		plan, err := reconciler.Plan(t.id, winner, t.candidates)
		if err != nil {
			return err
		}
		t.plan = plan
		if err := idx.embed(ctx, t); err != nil {
			return err
		}
	}
	if err := idx.apply(ctx, t); err != nil {
		return err
	}
	return idx.sweepStrays(ctx, t)
}

// deleteOrphans removes chunks this task wrote that the winner does not own
func (idx *Indexer) deleteOrphans(ctx context.Context, t *docTask, winner *types.Fingerprint) error {
	owned := winner.Manifest.Digests()
	var orphans []string
	for _, id := range t.upserted {
		if _, ok := owned[id]; !ok {
			orphans = append(orphans, id)
		}
	}
	if len(orphans) == 0 {
		return nil
	}
	if err := idx.retryCall(ctx, func(ctx context.Context) error {
		return idx.index.Delete(ctx, t.id, orphans)
	}); err != nil {
		return fmt.Errorf("delete orphaned chunks: %w", err)
	}
	t.ops.Deletes += len(orphans)
	return nil
}

// sweepStrays deletes index chunks of a document whose fingerprint is about
// to be removed that the plan did not list. They are left behind by a run
// that applied new chunks and never committed. Swept ids are counted apart
// from the plan's deletes.
func (idx *Indexer) sweepStrays(ctx context.Context, t *docTask) error {
	if !t.plan.DeleteFingerprint {
		return nil
	}

	points, err := retry.Do(ctx, idx.cfg.Retry, func(ctx context.Context) ([]vectorindex.Point, error) {
		points, err := idx.index.Chunks(ctx, t.id)
		if err != nil && isFinal(err) {
			return nil, retry.Permanent(err)
		}
		return points, err
	})
	if err != nil {
		return fmt.Errorf("list chunks to sweep: %w", err)
	}

	planned := make(map[string]struct{}, len(t.plan.Deletes))
	for _, id := range t.plan.Deletes {
		planned[id] = struct{}{}
	}
	var strays []string
	for _, p := range points {
		if _, ok := planned[p.ChunkID]; !ok {
			strays = append(strays, p.ChunkID)
		}
	}
	if len(strays) == 0 {
		return nil
	}

	if err := idx.retryCall(ctx, func(ctx context.Context) error {
		return idx.index.Delete(ctx, t.id, strays)
	}); err != nil {
		return fmt.Errorf("sweep %d stray chunks: %w", len(strays), err)
	}
	t.deleted = append(t.deleted, strays...)
	t.ops.Swept += len(strays)
	return nil
}

// invalidateTouched marks the winner's entries that this task overwrote or
// deleted, so the next run rewrites them from the winner's content
func (idx *Indexer) invalidateTouched(ctx context.Context, t *docTask, winner *types.Fingerprint) error {
	owned := winner.Manifest.Digests()
	touched := make(map[string]struct{})
	for _, ids := range [][]string{t.upserted, t.deleted} {
		for _, id := range ids {
			if _, ok := owned[id]; ok {
				touched[id] = struct{}{}
			}
		}
	}
	if len(touched) == 0 {
		return nil
	}

	fp := winner.Clone()
	fp.Manifest = winner.Manifest.Invalidate(touched)
	return idx.retryCall(ctx, func(ctx context.Context) error {
		_, err := idx.store.CompareAndSet(ctx, fp, winner.ManifestVersion)
		return err
	})
}

// embed fills t.vectors for every upsert of the current plan
func (idx *Indexer) embed(ctx context.Context, t *docTask) error {
	var texts, digests []string
	pending := make(map[string]struct{})
	for _, u := range t.plan.Upserts {
		if _, ok := t.vectors[u.Digest]; ok {
			continue
		}
		if _, ok := pending[u.Digest]; ok {
			continue
		}
		pending[u.Digest] = struct{}{}
		texts = append(texts, u.Text)
		digests = append(digests, u.Digest)
	}
	if len(texts) == 0 {
		return nil
	}

	vectors, err := embedder.EmbedAll(ctx, idx.embedder, texts, idx.cfg.EmbedBatchSize)
	if err != nil {
		return fmt.Errorf("embed %d chunks: %w", len(texts), err)
	}
	for i, v := range vectors {
		t.vectors[digests[i]] = v
	}
	return nil
}

// apply issues the plan's upserts and then its deletes
func (idx *Indexer) apply(ctx context.Context, t *docTask) error {
	if n := len(t.plan.Upserts); n > 0 {
		points := make([]vectorindex.Point, 0, n)
		ids := make([]string, 0, n)
		for _, u := range t.plan.Upserts {
			vec, ok := t.vectors[u.Digest]
			if !ok {
				return fmt.Errorf("%w: no embedding for chunk %s", types.ErrTransient, u.ChunkID)
			}
			points = append(points, vectorindex.Point{
				ChunkID:    u.ChunkID,
				DocumentID: t.id,
				Path:       u.Path,
				Digest:     u.Digest,
				Text:       u.Text,
				Vector:     vec,
				Metadata:   t.metadata,
			})
			ids = append(ids, u.ChunkID)
		}
		if err := idx.retryCall(ctx, func(ctx context.Context) error {
			return idx.index.Upsert(ctx, points)
		}); err != nil {
			return fmt.Errorf("upsert %d chunks: %w", n, err)
		}
		t.upserted = append(t.upserted, ids...)
		t.ops.Upserts += n
	}

	if n := len(t.plan.Deletes); n > 0 {
		if err := idx.retryCall(ctx, func(ctx context.Context) error {
			return idx.index.Delete(ctx, t.id, t.plan.Deletes)
		}); err != nil {
			return fmt.Errorf("delete %d chunks: %w", n, err)
		}
		t.deleted = append(t.deleted, t.plan.Deletes...)
		t.ops.Deletes += n
	}
	return nil
}

// commit records the applied plan. Deleting an absent fingerprint with
// expected version 0 succeeds, which covers documents that never had chunks.
func (idx *Indexer) commit(ctx context.Context, t *docTask) error {
	expected := t.expectedVersion()
	if t.plan.DeleteFingerprint {
		return idx.retryCall(ctx, func(ctx context.Context) error {
			return idx.store.Delete(ctx, t.id, expected)
		})
	}

	fp := &types.Fingerprint{
		DocumentID:    t.id,
		Source:        t.source,
		ChangeSignal:  t.signal,
		Manifest:      t.plan.NewManifest,
		LastSuccessAt: idx.now(),
		ObservedAt:    t.observedAt,
	}
	return idx.retryCall(ctx, func(ctx context.Context) error {
		_, err := idx.store.CompareAndSet(ctx, fp, expected)
		return err
	})
}

func withOps(out Outcome, t *docTask) Outcome {
	out.Upserts = t.ops.Upserts
	out.Deletes = t.ops.Deletes
	out.Swept = t.ops.Swept
	return out
}

func (idx *Indexer) failed(r *run, out Outcome, err error) Outcome {
	out.Kind = OutcomeFailed
	out.Err = err
	out.Failure = types.ClassifyFailure(err)

	logger := r.logger.With("document", out.DocumentID, "failure", out.Failure, "error", err)
	if out.Failure == types.FailureInvariant {
		logger.Error("chunk ownership violation")
	} else {
		logger.Warn("document failed")
	}
	return out
}

// storeFailure handles a fingerprint store error. Context errors fail or
// cancel the document; anything else means the store is unavailable and
// aborts the run.
func (idx *Indexer) storeFailure(ctx context.Context, r *run, out Outcome, err error) Outcome {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		if errors.Is(ctx.Err(), context.Canceled) {
			out.Kind = OutcomeCancelled
			return out
		}
		return idx.failed(r, out, fmt.Errorf("%w: %w", types.ErrTransient, err))
	}
	out = idx.failed(r, out, err)
	out.fatal = storeUnavailable("fingerprint store", err)
	return out
}
