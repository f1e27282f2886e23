package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/example/proximity-matching/internal/models"
)

// Store persists participants across restarts and archives finished searches.
type Store interface {
	LoadParticipants(ctx context.Context) ([]models.Participant, error)
	SaveParticipant(ctx context.Context, p models.Participant) error
	DeleteParticipant(ctx context.Context, id string) error
	ArchiveSearch(ctx context.Context, r models.SearchRequest) error
	Close(ctx context.Context) error
}

type MemoryStore struct {
	mu           sync.RWMutex
	participants map[string]models.Participant
	searches     map[string]models.SearchRequest
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		participants: make(map[string]models.Participant),
		searches:     make(map[string]models.SearchRequest),
	}
}

func (m *MemoryStore) LoadParticipants(_ context.Context) ([]models.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Participant, 0, len(m.participants))
	for _, p := range m.participants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) SaveParticipant(_ context.Context, p models.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.participants[p.ID] = p
	return nil
}

func (m *MemoryStore) DeleteParticipant(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.participants, id)
	return nil
}

func (m *MemoryStore) ArchiveSearch(_ context.Context, r models.SearchRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.searches[r.ID] = r.Clone()
	return nil
}

// Search returns an archived search.
func (m *MemoryStore) Search(id string) (models.SearchRequest, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.searches[id]
	return r, ok
}

func (m *MemoryStore) Close(context.Context) error { return nil }
