package profile

import (
	"context"
	"sync"

	"github.com/mitchellh/copystructure"
)

// MemoryStore keeps profiles in process.
type MemoryStore struct {
	mu       sync.Mutex
	profiles map[string]*Profile
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{profiles: make(map[string]*Profile)}
}

func (m *MemoryStore) Get(_ context.Context, ownerID string) (*Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.profiles[ownerID]
	if !ok {
		return nil, nil
	}

	return copystructure.Must(copystructure.Copy(p)).(*Profile), nil
}

func (m *MemoryStore) Put(_ context.Context, ownerID string, p *Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.profiles[ownerID] = copystructure.Must(copystructure.Copy(p)).(*Profile)

	return nil
}

func (m *MemoryStore) UpdateSettings(_ context.Context, ownerID string, settings Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.profiles[ownerID]
	if !ok {
		return ErrNoProfile
	}

	p.Settings = settings

	return nil
}
