package memory

import (
	"context"
	"math"
	"sync"

	"decisium-backend/application/ports"
	domainmemory "decisium-backend/domain/memory"
)

type storedFragment struct {
	fragment  domainmemory.Fragment
	embedding []float64
}

// FragmentStore is a brute-force cosine similarity index.
type FragmentStore struct {
	mu    sync.RWMutex
	items map[string]map[domainmemory.Level][]storedFragment
}

// NewFragmentStore creates an empty fragment store
func NewFragmentStore() *FragmentStore {
	return &FragmentStore{items: make(map[string]map[domainmemory.Level][]storedFragment)}
}

func (s *FragmentStore) UpsertFragment(ctx context.Context, userID string, level domainmemory.Level, f domainmemory.Fragment, embedding []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	levels, ok := s.items[userID]
	if !ok {
		levels = make(map[domainmemory.Level][]storedFragment)
		s.items[userID] = levels
	}
	for i, existing := range levels[level] {
		if f.Metadata.SourceID != "" && existing.fragment.Metadata.SourceID == f.Metadata.SourceID {
			levels[level][i] = storedFragment{fragment: f, embedding: embedding}
			return nil
		}
	}
	levels[level] = append(levels[level], storedFragment{fragment: f, embedding: embedding})
	return nil
}

func (s *FragmentStore) SearchFragments(ctx context.Context, q ports.FragmentQuery) ([]domainmemory.Fragment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domainmemory.Fragment
	for _, sf := range s.items[q.UserID][q.Level] {
		sim := cosine(q.Embedding, sf.embedding)
		if sim < q.Threshold {
			continue
		}
		f := sf.fragment
		f.Similarity = sim
		out = append(out, f)
	}
	return out, nil
}

func cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	sim := dot / (math.Sqrt(na) * math.Sqrt(nb))
	return math.Max(0, math.Min(1, sim))
}
