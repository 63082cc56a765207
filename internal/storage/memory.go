package storage

import (
	"context"
	"iter"
	"sort"
	"sync"

	"github.com/ncolesummers/document-ingestor/pkg/types"
)

// MemoryStorage is an in-process Storage backed by maps
type MemoryStorage struct {
	mu           sync.RWMutex
	fingerprints map[types.DocumentID]*types.Fingerprint
	runs         []*RunRecord
}

var _ Storage = (*MemoryStorage)(nil)

// NewMemoryStorage creates an empty in-memory store
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		fingerprints: make(map[types.DocumentID]*types.Fingerprint),
	}
}

func (m *MemoryStorage) Get(ctx context.Context, id types.DocumentID) (*types.Fingerprint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	fp, ok := m.fingerprints[id]
	if !ok {
		return nil, ErrNotFound
	}
	return fp.Clone(), nil
}

func (m *MemoryStorage) CompareAndSet(ctx context.Context, fp *types.Fingerprint, expectedVersion int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.fingerprints[fp.DocumentID]
	switch {
	case expectedVersion == 0 && ok:
		return 0, ErrConflict
	case expectedVersion != 0 && (!ok || current.ManifestVersion != expectedVersion):
		return 0, ErrConflict
	}

	stored := fp.Clone()
	stored.ManifestVersion = expectedVersion + 1
	m.fingerprints[fp.DocumentID] = stored
	return stored.ManifestVersion, nil
}

func (m *MemoryStorage) Delete(ctx context.Context, id types.DocumentID, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.fingerprints[id]
	if !ok {
		if expectedVersion == 0 {
			return nil
		}
		return ErrConflict
	}
	if current.ManifestVersion != expectedVersion {
		return ErrConflict
	}
	delete(m.fingerprints, id)
	return nil
}

func (m *MemoryStorage) ListAll(ctx context.Context) iter.Seq2[*types.Fingerprint, error] {
	return paginate(ctx, m.listPage)
}

func (m *MemoryStorage) listPage(ctx context.Context, after types.DocumentID, limit int) ([]*types.Fingerprint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]types.DocumentID, 0, len(m.fingerprints))
	for id := range m.fingerprints {
		if id > after {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) > limit {
		ids = ids[:limit]
	}

	page := make([]*types.Fingerprint, len(ids))
	for i, id := range ids {
		page[i] = m.fingerprints[id].Clone()
	}
	return page, nil
}

func (m *MemoryStorage) CountFingerprints(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.fingerprints), nil
}

func (m *MemoryStorage) RecordRun(ctx context.Context, run *RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := *run
	m.runs = append(m.runs, &r)
	return nil
}

func (m *MemoryStorage) ListRuns(ctx context.Context, limit int) ([]*RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*RunRecord, 0, len(m.runs))
	for i := len(m.runs) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		r := *m.runs[i]
		out = append(out, &r)
	}
	return out, nil
}

func (m *MemoryStorage) Ping(ctx context.Context) error {
	return nil
}

func (m *MemoryStorage) Close() error {
	return nil
}
