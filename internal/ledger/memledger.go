package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

type consumptionKey struct {
	order, appointment uint64
}

type pendingKey struct {
	appointment, participant uint64
}

// MemLedger is an in-memory Ledger with the same outcomes as Repo.
type MemLedger struct {
	mu sync.Mutex

	nextOrderID   uint64
	nextPendingID uint64
	orders        map[uint64]*PackageOrder
	consumed      map[consumptionKey]bool
	pending       map[pendingKey]*PendingOrder
}

var _ Ledger = (*MemLedger)(nil)

func NewMemLedger() *MemLedger {
	return &MemLedger{
		orders:   map[uint64]*PackageOrder{},
		consumed: map[consumptionKey]bool{},
		pending:  map[pendingKey]*PendingOrder{},
	}
}

func (m *MemLedger) TryConsumeSession(_ context.Context, orderID, appointmentID uint64) (ConsumeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return NotFound, nil
	}
	key := consumptionKey{orderID, appointmentID}
	if m.consumed[key] {
		return AlreadyConsumed, nil
	}
	if o.UsedSessions >= o.TotalSessions {
		return Insufficient, nil
	}
	o.UsedSessions++
	o.UpdatedAt = time.Now()
	m.consumed[key] = true
	return Consumed, nil
}

func (m *MemLedger) CreatePendingOrder(_ context.Context, p PendingOrder) (*PendingOrder, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := pendingKey{p.AppointmentID, p.ParticipantID}
	if existing, ok := m.pending[key]; ok {
		c := *existing
		return &c, false, nil
	}
	if p.Status == "" {
		p.Status = PendingStatusPending
	}
	m.nextPendingID++
	p.ID = m.nextPendingID
	p.CreatedAt = time.Now()
	stored := p
	m.pending[key] = &stored
	return &p, true, nil
}

func (m *MemLedger) ListPendingOrders(_ context.Context, appointmentID uint64) ([]PendingOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []PendingOrder
	for k, p := range m.pending {
		if k.appointment == appointmentID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out, nil
}

func (m *MemLedger) CreateOrder(_ context.Context, o *PackageOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextOrderID++
	o.ID = m.nextOrderID
	now := time.Now()
	o.CreatedAt, o.UpdatedAt = now, now
	c := *o
	m.orders[o.ID] = &c
	return nil
}

func (m *MemLedger) GetOrder(_ context.Context, id uint64) (*PackageOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	c := *o
	return &c, nil
}
