package appointment

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/lib/pq"
)

// MemRepo is an in-memory Repository.
type MemRepo struct {
	mu sync.Mutex

	nextID        uint64
	nextFundingID uint64
	appointments  map[uint64]*Appointment
	fundings      map[uint64]*Funding
	contacts      map[uint64]*Contact
}

var _ Repository = (*MemRepo)(nil)

func NewMemRepo() *MemRepo {
	return &MemRepo{
		appointments: map[uint64]*Appointment{},
		fundings:     map[uint64]*Funding{},
		contacts:     map[uint64]*Contact{},
	}
}

func (m *MemRepo) Create(_ context.Context, a *Appointment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a.ChainID != nil && m.chainInstance(*a.ChainID, a.ChainPosition) != nil {
		return ErrConflict
	}
	if a.Status == "" {
		a.Status = StatusPending
	}
	m.nextID++
	now := time.Now()
	a.ID = m.nextID
	a.CreatedAt = now
	a.UpdatedAt = now
	c := cloneAppointment(a)
	m.appointments[a.ID] = &c
	return nil
}

func (m *MemRepo) Get(_ context.Context, id uint64) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.appointments[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := cloneAppointment(a)
	return &c, nil
}

func (m *MemRepo) Reschedule(_ context.Context, id uint64, version int, startAt time.Time) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.appointments[id]
	if !ok {
		return nil, ErrNotFound
	}
	if a.Version != version {
		return nil, ErrConflict
	}
	a.StartAt = startAt
	a.Version++
	a.UpdatedAt = time.Now()
	c := cloneAppointment(a)
	return &c, nil
}

func (m *MemRepo) SetStatus(_ context.Context, id uint64, status Status) error {
	return m.update(id, func(a *Appointment) {
		a.Status = status
		a.Version++
	})
}

func (m *MemRepo) SetReminderJob(_ context.Context, id uint64, jobID *uint64) error {
	return m.update(id, func(a *Appointment) {
		a.ReminderJobID = copyUint(jobID)
	})
}

func (m *MemRepo) SetChain(_ context.Context, id uint64, chainID string, position, total int) error {
	return m.update(id, func(a *Appointment) {
		a.ChainID = &chainID
		a.ChainPosition = position
		a.ChainTotal = total
	})
}

func (m *MemRepo) RaiseCompletedLinks(_ context.Context, id uint64, k int) error {
	return m.update(id, func(a *Appointment) {
		if a.CompletedLinks < k {
			a.CompletedLinks = k
		}
	})
}

func (m *MemRepo) update(id uint64, apply func(a *Appointment)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.appointments[id]
	if !ok {
		return ErrNotFound
	}
	apply(a)
	a.UpdatedAt = time.Now()
	return nil
}

func (m *MemRepo) FindChainInstance(_ context.Context, chainID string, position int) (*Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a := m.chainInstance(chainID, position)
	if a == nil {
		return nil, nil
	}
	c := cloneAppointment(a)
	return &c, nil
}

func (m *MemRepo) chainInstance(chainID string, position int) *Appointment {
	for _, a := range m.appointments {
		if a.ChainID != nil && *a.ChainID == chainID && a.ChainPosition == position {
			return a
		}
	}
	return nil
}

func (m *MemRepo) ListChainInstances(_ context.Context, chainID string) ([]Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Appointment
	for _, a := range m.appointments {
		if a.ChainID != nil && *a.ChainID == chainID {
			out = append(out, cloneAppointment(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChainPosition < out[j].ChainPosition })
	return out, nil
}

func (m *MemRepo) ListFundings(_ context.Context, appointmentID uint64) ([]Funding, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Funding
	for _, f := range m.fundings {
		if f.AppointmentID == appointmentID {
			c := *f
			c.PackageOrderID = copyUint(f.PackageOrderID)
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out, nil
}

func (m *MemRepo) SaveFunding(_ context.Context, f *Funding) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if f.Status == "" {
		f.Status = FundingUnsettled
	}
	now := time.Now()
	f.UpdatedAt = now
	for _, existing := range m.fundings {
		if existing.AppointmentID == f.AppointmentID && existing.ParticipantID == f.ParticipantID {
			f.ID = existing.ID
			f.CreatedAt = existing.CreatedAt
			c := *f
			c.PackageOrderID = copyUint(f.PackageOrderID)
			m.fundings[f.ID] = &c
			return nil
		}
	}
	m.nextFundingID++
	f.ID = m.nextFundingID
	f.CreatedAt = now
	c := *f
	c.PackageOrderID = copyUint(f.PackageOrderID)
	m.fundings[f.ID] = &c
	return nil
}

func (m *MemRepo) GetContact(_ context.Context, id uint64) (*Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.contacts[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *c
	return &out, nil
}

func (m *MemRepo) SaveContact(_ context.Context, c *Contact) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if c.ID == 0 {
		for id := range m.contacts {
			if id > c.ID {
				c.ID = id
			}
		}
		c.ID++
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	out := *c
	m.contacts[c.ID] = &out
	return nil
}

func cloneAppointment(a *Appointment) Appointment {
	c := *a
	c.ParticipantIDs = append(pq.Int64Array(nil), a.ParticipantIDs...)
	c.ReminderJobID = copyUint(a.ReminderJobID)
	if a.ChainID != nil {
		id := *a.ChainID
		c.ChainID = &id
	}
	return c
}

func copyUint(p *uint64) *uint64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
