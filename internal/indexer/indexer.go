package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ncolesummers/document-ingestor/internal/chunker"
	"github.com/ncolesummers/document-ingestor/internal/embedder"
	"github.com/ncolesummers/document-ingestor/internal/fetcher"
	"github.com/ncolesummers/document-ingestor/internal/parser"
	"github.com/ncolesummers/document-ingestor/internal/retry"
	"github.com/ncolesummers/document-ingestor/internal/storage"
	"github.com/ncolesummers/document-ingestor/internal/vectorindex"
	"github.com/ncolesummers/document-ingestor/pkg/types"
)

// ErrRunInProgress is returned when a run is started while another one holds
// the index lock
var ErrRunInProgress = errors.New("ingest run already in progress")

const (
	DefaultApplyTimeout       = 2 * time.Minute
	DefaultMaxConflictRetries = 3

	recordRunTimeout = 5 * time.Second
)

// Config contains configuration for the indexer
type Config struct {
	Workers            int           // Concurrent documents (default: runtime.NumCPU())
	EmbedBatchSize     int           // Texts per embedding call (default: embedder.DefaultBatchSize)
	ApplyTimeout       time.Duration // Bound on apply+commit, which ignores run cancellation
	MaxConflictRetries int           // Commit conflicts tolerated per document
	Retry              retry.Config  // Backoff for store and index calls
	Chunker            chunker.Config
	Logger             *slog.Logger
}

// RunOptions tune a single run
type RunOptions struct {
	// Force re-chunks every present document even when its signal is unchanged
	Force bool
	// OnOutcome is called once per document as results arrive. Calls are
	// serialized.
	OnOutcome func(Outcome)
}

// Indexer coordinates the pipeline: detect -> parse -> chunk -> reconcile ->
// embed -> apply -> commit
type Indexer struct {
	store    storage.Storage
	index    vectorindex.Index
	embedder embedder.Embedder
	parsers  *parser.Registry
	chunker  *chunker.Chunker
	logger   *slog.Logger
	cfg      Config
	lock     IndexLock
	now      func() time.Time
}

// New creates a new Indexer instance
func New(store storage.Storage, index vectorindex.Index, emb embedder.Embedder, cfg Config) *Indexer {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.EmbedBatchSize <= 0 {
		cfg.EmbedBatchSize = embedder.DefaultBatchSize
	}
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = DefaultApplyTimeout
	}
	if cfg.MaxConflictRetries <= 0 {
		cfg.MaxConflictRetries = DefaultMaxConflictRetries
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Indexer{
		store:    store,
		index:    index,
		embedder: emb,
		parsers:  parser.NewRegistry(),
		chunker:  chunker.NewWithConfig(cfg.Chunker),
		logger:   logger.With("component", "indexer"),
		cfg:      cfg,
		now:      time.Now,
	}
}

// Running reports whether a run is in progress
func (idx *Indexer) Running() bool {
	return idx.lock.Held()
}

// run holds the state shared by the workers of one run
type run struct {
	source  string
	opts    RunOptions
	start   time.Time
	logger  *slog.Logger
	abort   context.CancelCauseFunc
	summary *Summary

	mu       sync.Mutex
	observed map[types.DocumentID]struct{}
	fatal    error
}

func (r *run) observe(id types.DocumentID) {
	r.mu.Lock()
	r.observed[id] = struct{}{}
	r.mu.Unlock()
}

func (r *run) wasObserved(id types.DocumentID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.observed[id]
	return ok
}

func (r *run) add(o Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.summary.add(o)
	if o.fatal != nil && r.fatal == nil {
		r.fatal = o.fatal
		r.abort(o.fatal)
	}
	if r.opts.OnOutcome != nil {
		r.opts.OnOutcome(o)
	}
}

func (r *run) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fatal == nil {
		r.fatal = err
		r.abort(err)
	}
}

func (r *run) fatalErr() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fatal
}

// Run performs one ingest run over src.
//
// Every yielded document is classified and, if needed, re-chunked and
// reconciled against its fingerprint. When the listing completes without
// error, fingerprints of this source that were not observed are removed.
// Per-document failures are reported in the summary; only an unreachable
// fingerprint store aborts the run. The summary is returned even when Run
// fails after the lock was acquired.
func (idx *Indexer) Run(ctx context.Context, src fetcher.Source, opts RunOptions) (*Summary, error) {
	if !idx.lock.TryAcquire() {
		return nil, ErrRunInProgress
	}
	defer idx.lock.Release()

	runCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	r := &run{
		source:   src.Name(),
		opts:     opts,
		start:    idx.now(),
		abort:    abort,
		observed: make(map[types.DocumentID]struct{}),
	}
	r.summary = &Summary{
		RunID:     uuid.NewString(),
		Source:    r.source,
		StartedAt: r.start,
	}
	r.logger = idx.logger.With("run_id", r.summary.RunID, "source", r.source)
	r.logger.Info("run started", "force", opts.Force, "workers", idx.cfg.Workers)

	if err := retry.Run(runCtx, idx.cfg.Retry, idx.store.Ping); err != nil {
		if ctx.Err() == nil {
			r.fail(storeUnavailable("ping", err))
		}
		return idx.finish(ctx, r)
	}

	g := new(errgroup.Group)
	g.SetLimit(idx.cfg.Workers)

	complete := true
	for doc, err := range src.Documents(runCtx, idx.lookupSignal) {
		if err != nil {
			complete = false
			r.logger.Warn("document listing incomplete", "error", err)
		}
		if doc == nil {
			continue
		}
		r.observe(doc.ID)
		g.Go(func() error {
			r.add(idx.processDocument(runCtx, r, doc))
			return nil
		})
	}
	_ = g.Wait()

	switch {
	case runCtx.Err() != nil:
	case !complete:
		r.logger.Warn("skipping removal detection after incomplete listing")
	default:
		idx.detectRemovals(runCtx, r, g)
	}

	return idx.finish(ctx, r)
}

// detectRemovals dispatches a removal for every fingerprint of the source
// that the listing did not observe
func (idx *Indexer) detectRemovals(ctx context.Context, r *run, g *errgroup.Group) {
	for fp, err := range idx.store.ListAll(ctx) {
		if err != nil {
			if ctx.Err() == nil {
				r.fail(storeUnavailable("list fingerprints", err))
			}
			break
		}
		if fp.Source != r.source || r.wasObserved(fp.DocumentID) {
			continue
		}
		g.Go(func() error {
			r.add(idx.processRemoval(ctx, r, fp))
			return nil
		})
	}
	_ = g.Wait()
}

func (idx *Indexer) finish(ctx context.Context, r *run) (*Summary, error) {
	finishedAt := idx.now()
	fatal := r.fatalErr()

	s := r.summary
	s.Duration = finishedAt.Sub(r.start)
	switch {
	case fatal != nil:
		s.Status = storage.RunAborted
	case ctx.Err() != nil:
		s.Status = storage.RunCancelled
	default:
		s.Status = storage.RunCompleted
	}

	runErr := fatal
	if runErr == nil {
		runErr = ctx.Err()
	}

	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordRunTimeout)
	defer cancel()
	if err := idx.store.RecordRun(recordCtx, s.runRecord(finishedAt, runErr)); err != nil {
		r.logger.Warn("failed to record run", "error", err)
	}

	r.logger.Info("run finished",
		"status", s.Status,
		"skipped", s.Skipped,
		"upserted", s.UpsertedDocs,
		"removed", s.RemovedDocs,
		"failed", s.FailedDocs,
		"superseded", s.Superseded,
		"cancelled", s.Cancelled,
		"upserts", s.PlanOps.Upserts,
		"deletes", s.PlanOps.Deletes,
		"swept", s.PlanOps.Swept,
		"duration", s.Duration,
	)

	if runErr != nil {
		return s, runErr
	}
	return s, nil
}

// lookupSignal gives sources the last committed signal for conditional fetches
func (idx *Indexer) lookupSignal(ctx context.Context, id types.DocumentID) (types.ChangeSignal, bool) {
	fp, err := idx.store.Get(ctx, id)
	if err != nil {
		return types.ChangeSignal{}, false
	}
	return fp.ChangeSignal, true
}

// getFingerprint returns nil without error when the document is unknown
func (idx *Indexer) getFingerprint(ctx context.Context, id types.DocumentID) (*types.Fingerprint, error) {
	fp, err := retry.Do(ctx, idx.cfg.Retry, func(ctx context.Context) (*types.Fingerprint, error) {
		fp, err := idx.store.Get(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, retry.Permanent(err)
		}
		return fp, err
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return fp, err
}

// retryCall retries fn with backoff unless the error cannot improve on retry
func (idx *Indexer) retryCall(ctx context.Context, fn func(ctx context.Context) error) error {
	return retry.Run(ctx, idx.cfg.Retry, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && isFinal(err) {
			return retry.Permanent(err)
		}
		return err
	})
}

func isFinal(err error) bool {
	return errors.Is(err, types.ErrConflict) ||
		errors.Is(err, types.ErrInvariantViolation) ||
		errors.Is(err, types.ErrPermanent) ||
		errors.Is(err, storage.ErrNotFound)
}

func storeUnavailable(op string, err error) error {
	if errors.Is(err, types.ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", types.ErrStoreUnavailable, op, err)
}
