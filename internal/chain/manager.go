// Package chain drives repetition chains: an origin appointment repeated
// weekly or monthly for a fixed number of links, one job per link.
package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"agenda/internal/appointment"
	"agenda/internal/dbctx"
	"agenda/internal/jobs"
	"agenda/internal/ledger"
	"agenda/internal/logger"
	"agenda/internal/notify"
	"agenda/internal/warning"
)

var (
	ErrInvalidTotal    = errors.New("chain total must be at least 1")
	ErrOriginCancelled = errors.New("origin appointment is cancelled")
)

// ReminderScheduler gives newly created instances their reminder.
type ReminderScheduler interface {
	Replace(ctx context.Context, a *appointment.Appointment) (*uint64, error)
}

type Deps struct {
	States       Store
	Jobs         jobs.Store
	Appointments appointment.Repository
	Ledger       ledger.Ledger
	Warnings     warning.Recorder
	Tx           dbctx.TxRunner
	Reminders    ReminderScheduler
	Sender       *notify.Sender
	Renderer     notify.Renderer
	Log          *logger.Logger
	Location     *time.Location
	MaxAttempts  int
}

// Manager starts and cancels chains and runs their link jobs.
type Manager struct {
	states    Store
	jobs      jobs.Store
	appts     appointment.Repository
	ledger    ledger.Ledger
	warnings  warning.Recorder
	tx        dbctx.TxRunner
	reminders ReminderScheduler
	sender    *notify.Sender
	renderer  notify.Renderer
	log       *logger.Logger
	loc       *time.Location

	maxAttempts int
	now         func() time.Time
}

var _ jobs.Handler = (*Manager)(nil)

func NewManager(d Deps) *Manager {
	if d.Tx == nil {
		d.Tx = dbctx.Direct{}
	}
	if d.Log == nil {
		d.Log = logger.Nop()
	}
	if d.Location == nil {
		d.Location = time.UTC
	}
	return &Manager{
		states:      d.States,
		jobs:        d.Jobs,
		appts:       d.Appointments,
		ledger:      d.Ledger,
		warnings:    d.Warnings,
		tx:          d.Tx,
		reminders:   d.Reminders,
		sender:      d.Sender,
		renderer:    d.Renderer,
		log:         d.Log.With("component", "ChainManager"),
		loc:         d.Location,
		maxAttempts: d.MaxAttempts,
		now:         time.Now,
	}
}

// Start turns originID into the first link of a chain of total links and
// schedules that link at the origin's start.
func (m *Manager) Start(ctx context.Context, originID uint64, unit Unit, total int) (*State, error) {
	if total < 1 {
		return nil, ErrInvalidTotal
	}
	if _, err := ParseUnit(string(unit)); err != nil {
		return nil, err
	}

	var st *State
	err := m.tx.InTx(ctx, func(ctx context.Context) error {
		origin, err := m.appts.Get(ctx, originID)
		if err != nil {
			return err
		}
		if origin.Status == appointment.StatusCancelled {
			return ErrOriginCancelled
		}
		if origin.ChainID != nil {
			return ErrAlreadyChained
		}

		st = &State{
			ChainID:             uuid.NewString(),
			OriginAppointmentID: origin.ID,
			OwnerID:             origin.OwnerID,
			Unit:                unit,
			AnchorAt:            origin.StartAt,
			Total:               total,
			Status:              StatusActive,
		}
		if err := m.states.Create(ctx, st); err != nil {
			return err
		}
		if err := m.appts.SetChain(ctx, origin.ID, st.ChainID, 1, total); err != nil {
			return err
		}

		jobID, err := m.scheduleLink(ctx, st, 1)
		if err != nil {
			return err
		}
		st.NextJobID = &jobID
		return m.states.SetNextJob(ctx, st.ChainID, &jobID)
	})
	if err != nil {
		return nil, err
	}

	m.log.Info("chain started", "chain_id", st.ChainID, "origin_id", originID, "unit", unit, "total", total)
	return st, nil
}

// Cancel stops a chain. Instances already created stay; the pending link
// job is cancelled. Cancelling a finished chain is a no-op.
func (m *Manager) Cancel(ctx context.Context, chainID string) (*State, error) {
	var st *State
	err := m.tx.InTx(ctx, func(ctx context.Context) error {
		cur, err := m.states.Get(ctx, chainID)
		if err != nil {
			return err
		}
		st = cur
		ok, err := m.states.Cancel(ctx, chainID)
		if err != nil || !ok {
			return err
		}
		st.Status = StatusCancelled
		if st.NextJobID != nil {
			if _, err := m.jobs.Cancel(ctx, *st.NextJobID); err != nil {
				return fmt.Errorf("cancel link job %d: %w", *st.NextJobID, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.log.Info("chain cancelled", "chain_id", chainID, "position", st.Position)
	return st, nil
}

func (m *Manager) Get(ctx context.Context, chainID string) (*State, error) {
	return m.states.Get(ctx, chainID)
}

// Instances lists the appointments of a chain in link order, origin first.
func (m *Manager) Instances(ctx context.Context, chainID string) ([]appointment.Appointment, error) {
	return m.appts.ListChainInstances(ctx, chainID)
}

// LinkTime is when link position (1-based) of st is due.
func (m *Manager) LinkTime(st *State, position int) time.Time {
	return Advance(st.AnchorAt, st.Unit, position-1, m.loc)
}

// scheduleLink schedules the job for position unless one was already
// written under its dedup key.
func (m *Manager) scheduleLink(ctx context.Context, st *State, position int) (uint64, error) {
	key := DedupKey(st.ChainID, position)
	existing, err := m.jobs.FindByDedupKey(ctx, key)
	if err != nil {
		return 0, err
	}
	if existing != nil {
		return existing.ID, nil
	}

	at := m.LinkTime(st, position)
	if now := m.now(); at.Before(now) {
		at = now
	}
	payload, err := json.Marshal(Payload{ChainID: st.ChainID, Position: position})
	if err != nil {
		return 0, err
	}
	chainID := st.ChainID
	origin := st.OriginAppointmentID
	id, err := m.jobs.Schedule(ctx, jobs.ScheduleRequest{
		Type:          jobs.TypeRepetitionLink,
		Payload:       payload,
		RunAt:         at,
		DedupKey:      key,
		MaxAttempts:   m.maxAttempts,
		AppointmentID: &origin,
		ChainID:       &chainID,
		ChainPosition: position,
	})
	if err != nil {
		return 0, fmt.Errorf("schedule link %d: %w", position, err)
	}
	return id, nil
}
