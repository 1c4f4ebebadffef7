package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"agenda/internal/appointment"
	"agenda/internal/jobs"
	"agenda/internal/logger"
	"agenda/internal/notify"
	"agenda/internal/warning"
)

var errChainMoved = errors.New("chain state changed during link")

type linkResult struct {
	state    *State
	instance *appointment.Appointment
	applied  bool
	created  bool
	warned   bool
}

func (m *Manager) Type() jobs.Type { return jobs.TypeRepetitionLink }

// Run executes one link. Everything it writes for the link commits together
// with the chain position; the successor job is written after that commit
// and is found again by dedup key when the job is retried.
func (m *Manager) Run(ctx context.Context, job *jobs.Job) error {
	var p Payload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return jobs.Permanent(fmt.Errorf("decode link payload: %w", err))
	}
	if p.ChainID == "" || p.Position < 1 {
		return jobs.Permanentf("invalid link payload %s", string(job.Payload))
	}
	log := m.log.With("job_id", job.ID, "chain_id", p.ChainID, "position", p.Position)

	var res *linkResult
	err := m.tx.InTx(ctx, func(ctx context.Context) error {
		r, err := m.applyLink(ctx, p)
		res = r
		return err
	})
	if err != nil {
		return err
	}

	st := res.state
	if res.applied {
		log.Info("chain link applied", "instance_id", res.instance.ID, "created", res.created, "warning", res.warned, "status", st.Status)
	} else {
		log.Info("chain link already applied or chain stopped", "chain_position", st.Position, "status", st.Status)
	}

	if st.Status == StatusActive && st.Position == p.Position && p.Position < st.Total {
		if err := m.scheduleSuccessor(ctx, log, st); err != nil {
			return err
		}
	}

	if res.applied && p.Position > 1 {
		m.notifyInstance(ctx, log, st, res.instance)
	}
	return nil
}

func (m *Manager) applyLink(ctx context.Context, p Payload) (*linkResult, error) {
	st, err := m.states.Get(ctx, p.ChainID)
	if errors.Is(err, ErrNotFound) {
		return nil, jobs.Permanent(err)
	}
	if err != nil {
		return nil, err
	}
	if st.Status != StatusActive || st.Position >= p.Position {
		return &linkResult{state: st}, nil
	}
	if st.Position != p.Position-1 || p.Position > st.Total {
		return nil, jobs.Permanentf("chain %s at position %d of %d cannot run link %d", st.ChainID, st.Position, st.Total, p.Position)
	}

	origin, err := m.appts.Get(ctx, st.OriginAppointmentID)
	if errors.Is(err, appointment.ErrNotFound) {
		return nil, jobs.Permanent(fmt.Errorf("origin %d: %w", st.OriginAppointmentID, err))
	}
	if err != nil {
		return nil, err
	}
	if origin.Status == appointment.StatusCancelled {
		if _, err := m.states.Cancel(ctx, st.ChainID); err != nil {
			return nil, err
		}
		st.Status = StatusCancelled
		return &linkResult{state: st}, nil
	}

	instance, created, err := m.instanceFor(ctx, st, origin, p.Position)
	if err != nil {
		return nil, err
	}

	entries, err := m.settleFundings(ctx, origin, instance)
	if err != nil {
		return nil, err
	}
	warned := false
	if len(entries) > 0 {
		chainID := st.ChainID
		_, warned, err = m.warnings.Record(ctx, warning.Warning{
			OwnerID:       origin.OwnerID,
			AppointmentID: instance.ID,
			ChainID:       &chainID,
			Entries:       entries,
		})
		if err != nil {
			return nil, fmt.Errorf("record warning: %w", err)
		}
	}

	if err := m.appts.RaiseCompletedLinks(ctx, origin.ID, p.Position); err != nil {
		return nil, err
	}

	status := StatusActive
	if p.Position == st.Total {
		status = StatusCompleted
	}
	ok, err := m.states.Advance(ctx, st.ChainID, p.Position-1, status)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errChainMoved
	}
	st.Position = p.Position
	st.Status = status
	if status == StatusCompleted {
		st.NextJobID = nil
		if err := m.states.SetNextJob(ctx, st.ChainID, nil); err != nil {
			return nil, err
		}
	}

	return &linkResult{state: st, instance: instance, applied: true, created: created, warned: warned}, nil
}

// instanceFor returns the appointment standing for link position. The origin
// is link 1; later links get a copy at the link's time, created once.
func (m *Manager) instanceFor(ctx context.Context, st *State, origin *appointment.Appointment, position int) (*appointment.Appointment, bool, error) {
	if position == 1 {
		return origin, false, nil
	}
	existing, err := m.appts.FindChainInstance(ctx, st.ChainID, position)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	chainID := st.ChainID
	inst := &appointment.Appointment{
		OwnerID:         origin.OwnerID,
		ParticipantIDs:  append(pq.Int64Array(nil), origin.ParticipantIDs...),
		Title:           origin.Title,
		Notes:           origin.Notes,
		PriceCents:      origin.PriceCents,
		StartAt:         m.LinkTime(st, position),
		DurationMinutes: origin.DurationMinutes,
		Status:          appointment.StatusApproved,
		ChainID:         &chainID,
		ChainPosition:   position,
		ChainTotal:      st.Total,
	}
	if err := m.appts.Create(ctx, inst); err != nil {
		return nil, false, fmt.Errorf("create instance %d: %w", position, err)
	}
	if m.reminders != nil {
		if _, err := m.reminders.Replace(ctx, inst); err != nil {
			return nil, false, err
		}
	}
	return inst, true, nil
}

func (m *Manager) scheduleSuccessor(ctx context.Context, log *logger.Logger, st *State) error {
	next := st.Position + 1
	var jobID uint64
	err := m.tx.InTx(ctx, func(ctx context.Context) error {
		id, err := m.scheduleLink(ctx, st, next)
		if err != nil {
			return err
		}
		jobID = id
		if err := m.states.SetNextJob(ctx, st.ChainID, &id); err != nil {
			return err
		}
		// a Cancel that committed meanwhile only saw the previous job
		cur, err := m.states.Get(ctx, st.ChainID)
		if err != nil {
			return err
		}
		if cur.Status == StatusCancelled {
			_, err = m.jobs.Cancel(ctx, id)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("schedule successor: %w", err)
	}
	log.Debug("chain successor scheduled", "next_position", next, "next_job_id", jobID)
	return nil
}

func (m *Manager) notifyInstance(ctx context.Context, log *logger.Logger, st *State, inst *appointment.Appointment) {
	if m.sender == nil || m.renderer == nil {
		return
	}
	results := m.sender.SendAll(ctx, notify.Batch{
		ContactIDs: inst.Recipients(),
		Resolve: func(ctx context.Context, id uint64) (notify.Recipient, error) {
			c, err := m.appts.GetContact(ctx, id)
			if err != nil {
				return notify.Recipient{}, err
			}
			return notify.Recipient{ContactID: c.ID, Name: c.Name, Address: c.Email}, nil
		},
		Build: func(r notify.Recipient) (notify.Message, error) {
			return m.renderer.Render(notify.TemplateChainInstance, notify.AppointmentData{
				RecipientName: r.Name,
				Title:         inst.Title,
				StartAt:       inst.StartAt,
				Duration:      time.Duration(inst.DurationMinutes) * time.Minute,
				Position:      inst.ChainPosition,
				Total:         st.Total,
			})
		},
	})
	for _, r := range results {
		if r.Err != nil {
			log.Warn("chain instance notification failed", "contact_id", r.ContactID, "error", r.Err)
		}
	}
	sent, failed, _ := notify.Summarize(results)
	log.Info("chain instance notified", "instance_id", inst.ID, "sent", sent, "failed", failed)
}
