// Package storage persists document fingerprints and run summaries.
//
// A Fingerprint records the change signal and chunk manifest that were last
// applied to the vector index for a document. The store has no logic beyond
// read, compare-and-set and delete. Every mutation is guarded by the
// fingerprint's manifest version, so two runs that touch the same document
// detect each other instead of overwriting each other.
//
// # Backends
//
//   - MemoryStorage: mutex-guarded maps, for tests and one-shot runs
//   - SQLiteStorage: embedded database with semver-ordered migrations
//   - PostgresStorage: shared database through a pgx connection pool
//
// # Compare-and-set
//
//	fp, err := store.Get(ctx, id)
//	if errors.Is(err, storage.ErrNotFound) {
//	    // expected version 0 means "must not exist yet"
//	}
//	version, err := store.CompareAndSet(ctx, next, fp.ManifestVersion)
//	if errors.Is(err, storage.ErrConflict) {
//	    // another writer committed first; re-read and resolve
//	}
//
// # Build Modes
//
// The SQLite driver is chosen at compile time:
//
//	go build ./...                                  # modernc.org/sqlite, pure Go
//	CGO_ENABLED=1 go build -tags sqlite_cgo ./...   # github.com/mattn/go-sqlite3
//
// # Errors
//
// I/O failures are wrapped with ErrUnavailable. The orchestrator treats them
// as a reason to abort the whole run, because no document can be committed
// safely without the store.
package storage
