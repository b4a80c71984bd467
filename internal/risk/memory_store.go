package risk

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/mbd888/defirisk/internal/pagination"
)

// MemoryStore is an in-memory Store used when no database is configured.
type MemoryStore struct {
	mu          sync.RWMutex
	assessments map[string][]*Assessment // slug → newest first
}

// NewMemoryStore creates an in-memory assessment history.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assessments: make(map[string][]*Assessment),
	}
}

func (s *MemoryStore) Record(_ context.Context, a *Assessment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append(s.assessments[a.Slug], a.clone())
	slices.SortStableFunc(list, newestFirst)
	s.assessments[a.Slug] = list
	return nil
}

func (s *MemoryStore) ListBySlug(_ context.Context, slug string, before *pagination.Cursor, limit int) ([]*Assessment, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Assessment
	for _, a := range s.assessments[slug] {
		if !before.After(a.AssessedAt, a.ID) {
			continue
		}
		result = append(result, a.clone())
		if len(result) == limit {
			break
		}
	}
	return result, nil
}

func newestFirst(a, b *Assessment) int {
	if c := b.AssessedAt.Compare(a.AssessedAt); c != 0 {
		return c
	}
	return cmp.Compare(b.ID, a.ID)
}
