package warning

import (
	"context"
	"sort"
	"sync"
	"time"
)

type MemRecorder struct {
	mu     sync.Mutex
	nextID uint64
	byID   map[uint64]*Warning
}

var _ Recorder = (*MemRecorder)(nil)

func NewMemRecorder() *MemRecorder {
	return &MemRecorder{byID: map[uint64]*Warning{}}
}

func (m *MemRecorder) Record(_ context.Context, w Warning) (*Warning, bool, error) {
	if len(w.Entries) == 0 {
		return nil, false, ErrNoEntries
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.byID {
		if existing.AppointmentID == w.AppointmentID {
			c := cloneWarning(existing)
			return &c, false, nil
		}
	}
	m.nextID++
	now := time.Now()
	w.ID = m.nextID
	w.Status = StatusPending
	w.CreatedAt, w.UpdatedAt = now, now
	stored := cloneWarning(&w)
	m.byID[w.ID] = &stored
	c := cloneWarning(&w)
	return &c, true, nil
}

func (m *MemRecorder) Get(_ context.Context, id uint64) (*Warning, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := cloneWarning(w)
	return &c, nil
}

func (m *MemRecorder) List(_ context.Context, f Filter) ([]Warning, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Warning
	for _, w := range m.byID {
		if f.Status != "" && w.Status != f.Status {
			continue
		}
		if f.OwnerID != nil && w.OwnerID != *f.OwnerID {
			continue
		}
		if f.ChainID != nil && (w.ChainID == nil || *w.ChainID != *f.ChainID) {
			continue
		}
		out = append(out, cloneWarning(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if len(out) > f.limit() {
		out = out[:f.limit()]
	}
	return out, nil
}

func (m *MemRecorder) SetStatus(_ context.Context, id uint64, status Status) (*Warning, error) {
	if !validTarget(status) {
		return nil, ErrInvalidTransition
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	if w.Status != StatusPending {
		return nil, ErrInvalidTransition
	}
	w.Status = status
	w.UpdatedAt = time.Now()
	c := cloneWarning(w)
	return &c, nil
}

func cloneWarning(w *Warning) Warning {
	c := *w
	c.Entries = append(c.Entries[:0:0], w.Entries...)
	if w.ChainID != nil {
		id := *w.ChainID
		c.ChainID = &id
	}
	return c
}
