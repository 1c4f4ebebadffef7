// Package booking is the entry point for appointment changes. It keeps the
// reminder and chain jobs in step with each change in one transaction.
package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"agenda/internal/appointment"
	"agenda/internal/chain"
	"agenda/internal/dbctx"
	"agenda/internal/logger"
	"agenda/internal/reminder"
)

var ErrInvalidInput = errors.New("invalid input")

type FundingInput struct {
	ParticipantID  uint64
	Kind           appointment.FundingKind
	PackageOrderID *uint64
	AmountCents    int64
}

type CreateInput struct {
	OwnerID         uint64
	ParticipantIDs  []uint64
	Title           string
	Notes           string
	PriceCents      int64
	StartAt         time.Time
	DurationMinutes int
	Approved        bool
	Fundings        []FundingInput
}

type Service struct {
	appts     appointment.Repository
	reminders *reminder.Scheduler
	chains    *chain.Manager
	tx        dbctx.TxRunner
	log       *logger.Logger
}

func NewService(appts appointment.Repository, reminders *reminder.Scheduler, chains *chain.Manager, tx dbctx.TxRunner, baseLog *logger.Logger) *Service {
	if tx == nil {
		tx = dbctx.Direct{}
	}
	if baseLog == nil {
		baseLog = logger.Nop()
	}
	return &Service{
		appts:     appts,
		reminders: reminders,
		chains:    chains,
		tx:        tx,
		log:       baseLog.With("component", "Booking"),
	}
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

func (in CreateInput) validate() error {
	if in.OwnerID == 0 {
		return invalid("owner_id is required")
	}
	if strings.TrimSpace(in.Title) == "" {
		return invalid("title is required")
	}
	if in.StartAt.IsZero() {
		return invalid("start_at is required")
	}
	if in.DurationMinutes <= 0 {
		return invalid("duration_minutes must be positive")
	}
	if in.PriceCents < 0 {
		return invalid("price_cents must not be negative")
	}
	participants := map[uint64]bool{}
	for _, p := range in.ParticipantIDs {
		participants[p] = true
	}
	for _, f := range in.Fundings {
		if !participants[f.ParticipantID] {
			return invalid("funding for %d who is not a participant", f.ParticipantID)
		}
		switch f.Kind {
		case appointment.FundingPackage:
			if f.PackageOrderID == nil {
				return invalid("package funding for %d needs package_order_id", f.ParticipantID)
			}
		case appointment.FundingPayPerUse:
		default:
			return invalid("unknown funding kind %q", f.Kind)
		}
	}
	return nil
}

// Create stores a new appointment with its fundings and schedules its reminder.
func (s *Service) Create(ctx context.Context, in CreateInput) (*appointment.Appointment, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	status := appointment.StatusPending
	if in.Approved {
		status = appointment.StatusApproved
	}
	participants := make(pq.Int64Array, 0, len(in.ParticipantIDs))
	for _, p := range in.ParticipantIDs {
		participants = append(participants, int64(p))
	}
	a := &appointment.Appointment{
		OwnerID:         in.OwnerID,
		ParticipantIDs:  participants,
		Title:           strings.TrimSpace(in.Title),
		Notes:           in.Notes,
		PriceCents:      in.PriceCents,
		StartAt:         in.StartAt,
		DurationMinutes: in.DurationMinutes,
		Status:          status,
	}

	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.appts.Create(ctx, a); err != nil {
			return err
		}
		for _, f := range in.Fundings {
			if err := s.appts.SaveFunding(ctx, &appointment.Funding{
				AppointmentID:  a.ID,
				ParticipantID:  f.ParticipantID,
				Kind:           f.Kind,
				PackageOrderID: f.PackageOrderID,
				AmountCents:    f.AmountCents,
			}); err != nil {
				return err
			}
		}
		_, err := s.reminders.Replace(ctx, a)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("appointment created", "appointment_id", a.ID, "reminder_job_id", a.ReminderJobID)
	return a, nil
}

// Reschedule moves an appointment when version is current and replaces its
// reminder in the same transaction.
func (s *Service) Reschedule(ctx context.Context, id uint64, version int, startAt time.Time) (*appointment.Appointment, error) {
	if startAt.IsZero() {
		return nil, invalid("start_at is required")
	}

	var out *appointment.Appointment
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		cur, err := s.appts.Get(ctx, id)
		if err != nil {
			return err
		}
		if cur.Status == appointment.StatusCancelled {
			return invalid("appointment %d is cancelled", id)
		}
		a, err := s.appts.Reschedule(ctx, id, version, startAt)
		if err != nil {
			return err
		}
		if _, err := s.reminders.Replace(ctx, a); err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("appointment rescheduled", "appointment_id", id, "version", out.Version, "reminder_job_id", out.ReminderJobID)
	return out, nil
}

// Cancel cancels an appointment and retires its reminder. Cancelling a
// chain origin also cancels the chain.
func (s *Service) Cancel(ctx context.Context, id uint64) (*appointment.Appointment, error) {
	var out *appointment.Appointment
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		a, err := s.appts.Get(ctx, id)
		if err != nil {
			return err
		}
		out = a
		if a.Status == appointment.StatusCancelled {
			return nil
		}
		if err := s.appts.SetStatus(ctx, id, appointment.StatusCancelled); err != nil {
			return err
		}
		a.Status = appointment.StatusCancelled
		if err := s.reminders.Retire(ctx, a); err != nil {
			return err
		}
		if a.ChainID != nil && a.ChainPosition == 1 {
			if _, err := s.chains.Cancel(ctx, *a.ChainID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("appointment cancelled", "appointment_id", id)
	return out, nil
}

func (s *Service) Get(ctx context.Context, id uint64) (*appointment.Appointment, error) {
	return s.appts.Get(ctx, id)
}

func (s *Service) StartChain(ctx context.Context, originID uint64, unit chain.Unit, total int) (*chain.State, error) {
	return s.chains.Start(ctx, originID, unit, total)
}

func (s *Service) CancelChain(ctx context.Context, chainID string) (*chain.State, error) {
	return s.chains.Cancel(ctx, chainID)
}

type ChainView struct {
	State     *chain.State
	Instances []appointment.Appointment
}

func (s *Service) GetChain(ctx context.Context, chainID string) (*ChainView, error) {
	st, err := s.chains.Get(ctx, chainID)
	if err != nil {
		return nil, err
	}
	instances, err := s.chains.Instances(ctx, chainID)
	if err != nil {
		return nil, err
	}
	return &ChainView{State: st, Instances: instances}, nil
}
