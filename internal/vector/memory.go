package vector

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/sgd/backend/internal/core"
)

// MemoryIndex is the in-process Index used by tests and local development.
type MemoryIndex struct {
	mu          sync.RWMutex
	collections map[string]map[string]Point
}

// NewMemoryIndex creates an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{collections: make(map[string]map[string]Point)}
}

func (m *MemoryIndex) Ping(_ context.Context) error { return nil }

func (m *MemoryIndex) EnsureCollection(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[name]; !ok {
		m.collections[name] = make(map[string]Point)
	}
	return nil
}

func (m *MemoryIndex) Upsert(_ context.Context, collection string, points []Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	coll, ok := m.collections[collection]
	if !ok {
		return core.Errorf(core.KindVector, "collection %s does not exist", collection)
	}
	for _, p := range points {
		if len(p.Vector) != Dimension {
			return core.Errorf(core.KindVector, "point %s has dimension %d, want %d", p.ID, len(p.Vector), Dimension)
		}
		coll[p.ID] = p
	}
	return nil
}

func (m *MemoryIndex) Search(_ context.Context, collection string, query []float32, filter map[string]string, limit int) ([]Hit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	coll, ok := m.collections[collection]
	if !ok {
		return nil, core.Errorf(core.KindVector, "collection %s does not exist", collection)
	}

	var hits []Hit
	for _, p := range coll {
		if !payloadMatches(p.Payload, filter) {
			continue
		}
		hits = append(hits, Hit{ID: p.ID, Score: cosine(query, p.Vector), Payload: p.Payload})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Count reports the number of points in a collection. Test helper.
func (m *MemoryIndex) Count(collection string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.collections[collection])
}

func payloadMatches(payload map[string]interface{}, filter map[string]string) bool {
	for k, want := range filter {
		got, ok := payload[k].(string)
		if !ok || got != want {
			return false
		}
	}
	return true
}

func cosine(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
