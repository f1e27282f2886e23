// Package directory holds participant metadata (name, role, availability) keyed by id.
// Locations live in the geospatial index; the directory is consulted after a radius query.
package directory

import (
	"context"
	"sync"

	"github.com/example/proximity-matching/internal/models"
)

type Directory interface {
	Get(ctx context.Context, id string) (models.Participant, bool, error)
	GetMany(ctx context.Context, ids []string) (map[string]models.Participant, error)
	Put(ctx context.Context, p models.Participant) error
	Delete(ctx context.Context, id string) error
}

type Memory struct {
	mu           sync.RWMutex
	participants map[string]models.Participant
}

func NewMemory() *Memory {
	return &Memory{participants: make(map[string]models.Participant)}
}

func (m *Memory) Get(_ context.Context, id string) (models.Participant, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.participants[id]
	return p, ok, nil
}

func (m *Memory) GetMany(_ context.Context, ids []string) (map[string]models.Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]models.Participant, len(ids))
	for _, id := range ids {
		if p, ok := m.participants[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (m *Memory) Put(_ context.Context, p models.Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.participants[p.ID] = p
	return nil
}

func (m *Memory) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.participants, id)
	return nil
}
