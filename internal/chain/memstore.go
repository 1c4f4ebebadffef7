package chain

import (
	"context"
	"sync"
	"time"
)

type MemStore struct {
	mu     sync.Mutex
	states map[string]*State
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{states: map[string]*State{}}
}

func (m *MemStore) Create(_ context.Context, s *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.states {
		if existing.ChainID == s.ChainID || existing.OriginAppointmentID == s.OriginAppointmentID {
			return ErrAlreadyChained
		}
	}
	now := time.Now()
	s.CreatedAt, s.UpdatedAt = now, now
	c := cloneState(s)
	m.states[s.ChainID] = &c
	return nil
}

func (m *MemStore) Get(_ context.Context, chainID string) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.states[chainID]
	if !ok {
		return nil, ErrNotFound
	}
	c := cloneState(s)
	return &c, nil
}

func (m *MemStore) Advance(_ context.Context, chainID string, from int, status Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.states[chainID]
	if !ok || s.Position != from || s.Status != StatusActive {
		return false, nil
	}
	s.Position = from + 1
	s.Status = status
	s.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemStore) SetNextJob(_ context.Context, chainID string, jobID *uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.states[chainID]
	if !ok {
		return ErrNotFound
	}
	if jobID == nil {
		s.NextJobID = nil
	} else {
		v := *jobID
		s.NextJobID = &v
	}
	s.UpdatedAt = time.Now()
	return nil
}

func (m *MemStore) Cancel(_ context.Context, chainID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.states[chainID]
	if !ok || s.Status != StatusActive {
		return false, nil
	}
	s.Status = StatusCancelled
	s.UpdatedAt = time.Now()
	return true, nil
}

func cloneState(s *State) State {
	c := *s
	if s.NextJobID != nil {
		v := *s.NextJobID
		c.NextJobID = &v
	}
	return c
}
