// Package indexer runs incremental ingest runs over a document source.
//
// A run walks the documents a fetcher.Source yields and carries each one
// through detect, parse, chunk, reconcile, embed, apply and commit. Only
// chunks whose content digest changed are embedded and written.
//
// # Basic Usage
//
//	idx := indexer.New(store, index, emb, indexer.Config{Workers: 4})
//
//	summary, err := idx.Run(ctx, src, indexer.RunOptions{})
//	if err != nil {
//	    return err
//	}
//	fmt.Printf("upserted %d, removed %d, skipped %d\n",
//	    summary.UpsertedDocs, summary.RemovedDocs, summary.Skipped)
//
// # Commit Protocol
//
// Index writes always happen before the fingerprint commit. The commit is a
// compare-and-set on the fingerprint's manifest version, so a crash between
// apply and commit leaves the old fingerprint in place and the next run
// re-applies the same plan.
//
// When two runs race on one document the loser re-reads the winning
// fingerprint and either:
//
//   - stops, if the winner recorded the same observation
//   - yields, if the winner observed the document no earlier, after removing
//     chunks only it wrote and invalidating the winner's entries it overwrote
//   - rebases its plan on the winner and commits again
//
// Invalidated manifest entries have no digest, so the next run re-chunks the
// document even when its change signal is unchanged.
//
// # Failures
//
// A failed document is recorded in the Summary and the run continues. Only an
// unreachable fingerprint store aborts a run. Cancelling the run context
// stops new documents from starting; a document already applying to the
// index finishes its commit within Config.ApplyTimeout.
//
// # Concurrency
//
// One Indexer allows a single run at a time. Run returns ErrRunInProgress
// instead of waiting.
package indexer
