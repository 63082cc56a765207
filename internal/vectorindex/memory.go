package vectorindex

import (
	"context"
	"sort"
	"sync"

	"github.com/ncolesummers/document-ingestor/pkg/types"
)

// MemoryIndex is an in-process Index for tests and small corpora
type MemoryIndex struct {
	mu     sync.RWMutex
	points map[string]Point
}

var _ Index = (*MemoryIndex)(nil)

// NewMemoryIndex creates an empty index
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{points: make(map[string]Point)}
}

func (m *MemoryIndex) Upsert(ctx context.Context, points []Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range points {
		if existing, ok := m.points[p.ChunkID]; ok && existing.DocumentID != p.DocumentID {
			return ownershipError(p.ChunkID, existing.DocumentID, p.DocumentID)
		}
	}
	for _, p := range points {
		p.Vector = append([]float32(nil), p.Vector...)
		p.Metadata = copyMetadata(p.Metadata)
		m.points[p.ChunkID] = p
	}
	return nil
}

func (m *MemoryIndex) Delete(ctx context.Context, documentID types.DocumentID, chunkIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range chunkIDs {
		if p, ok := m.points[id]; ok && p.DocumentID == documentID {
			delete(m.points, id)
		}
	}
	return nil
}

func (m *MemoryIndex) Search(ctx context.Context, vector []float32, limit int) ([]Hit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hits := make([]Hit, 0, len(m.points))
	for _, p := range m.points {
		if len(p.Vector) != len(vector) {
			continue
		}
		hits = append(hits, Hit{Point: p, Score: cosineSimilarity(vector, p.Vector)})
	}
	return topHits(hits, limit), nil
}

func (m *MemoryIndex) Chunks(ctx context.Context, documentID types.DocumentID) ([]Point, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Point
	for _, p := range m.points {
		if p.DocumentID == documentID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (m *MemoryIndex) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.points), nil
}

func (m *MemoryIndex) Close() error {
	return nil
}
