// Package reminder schedules and delivers the pre-appointment notice sent to
// an appointment's owner and participants.
package reminder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"agenda/internal/appointment"
	"agenda/internal/jobs"
)

// LeadTime is how long before the start the reminder fires.
const LeadTime = 2 * time.Hour

// Priority puts reminders ahead of chain links when both are due.
const Priority = 10

type Payload struct {
	AppointmentID uint64 `json:"appointment_id"`
}

func DedupKey(appointmentID uint64) string {
	return fmt.Sprintf("appointment:%d:reminder", appointmentID)
}

// RunAt returns when the reminder for an appointment starting at start
// should fire. It fires immediately when the lead window has already begun
// and reports false when the appointment has already started.
func RunAt(start, now time.Time) (time.Time, bool) {
	if !start.After(now) {
		return time.Time{}, false
	}
	at := start.Add(-LeadTime)
	if at.Before(now) {
		return now, true
	}
	return at, true
}

// Scheduler keeps appointment.ReminderJobID pointing at the one live
// reminder job. Callers wrap it in the transaction that changes the
// appointment.
type Scheduler struct {
	jobs        jobs.Store
	appts       appointment.Repository
	maxAttempts int
	now         func() time.Time
}

func NewScheduler(store jobs.Store, appts appointment.Repository, maxAttempts int) *Scheduler {
	return &Scheduler{jobs: store, appts: appts, maxAttempts: maxAttempts, now: time.Now}
}

// Replace retires any reminder of a and schedules a fresh one for its
// current start. It returns the new job id, or nil when no reminder applies.
func (s *Scheduler) Replace(ctx context.Context, a *appointment.Appointment) (*uint64, error) {
	if err := s.retire(ctx, a); err != nil {
		return nil, err
	}

	var jobID *uint64
	if a.Status != appointment.StatusCancelled {
		if at, ok := RunAt(a.StartAt, s.now()); ok {
			id, err := s.schedule(ctx, a.ID, at)
			if err != nil {
				return nil, err
			}
			jobID = &id
		}
	}

	if err := s.appts.SetReminderJob(ctx, a.ID, jobID); err != nil {
		return nil, fmt.Errorf("store reminder job: %w", err)
	}
	a.ReminderJobID = jobID
	return jobID, nil
}

// Retire cancels the live reminder of a and clears the pointer.
func (s *Scheduler) Retire(ctx context.Context, a *appointment.Appointment) error {
	if err := s.retire(ctx, a); err != nil {
		return err
	}
	if err := s.appts.SetReminderJob(ctx, a.ID, nil); err != nil {
		return fmt.Errorf("clear reminder job: %w", err)
	}
	a.ReminderJobID = nil
	return nil
}

func (s *Scheduler) retire(ctx context.Context, a *appointment.Appointment) error {
	if a.ReminderJobID != nil {
		if _, err := s.jobs.Cancel(ctx, *a.ReminderJobID); err != nil {
			return fmt.Errorf("cancel reminder %d: %w", *a.ReminderJobID, err)
		}
	}
	// a scheduled job under the key would otherwise be returned by Schedule
	stray, err := s.jobs.FindByDedupKey(ctx, DedupKey(a.ID))
	if err != nil {
		return err
	}
	if stray != nil && stray.Status == jobs.StatusScheduled {
		if _, err := s.jobs.Cancel(ctx, stray.ID); err != nil {
			return fmt.Errorf("cancel reminder %d: %w", stray.ID, err)
		}
	}
	return nil
}

func (s *Scheduler) schedule(ctx context.Context, appointmentID uint64, at time.Time) (uint64, error) {
	payload, err := json.Marshal(Payload{AppointmentID: appointmentID})
	if err != nil {
		return 0, err
	}
	id, err := s.jobs.Schedule(ctx, jobs.ScheduleRequest{
		Type:          jobs.TypeReminder,
		Payload:       payload,
		RunAt:         at,
		DedupKey:      DedupKey(appointmentID),
		Priority:      Priority,
		MaxAttempts:   s.maxAttempts,
		AppointmentID: &appointmentID,
	})
	if err != nil {
		return 0, fmt.Errorf("schedule reminder: %w", err)
	}
	return id, nil
}

func decodePayload(job *jobs.Job) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return p, jobs.Permanent(fmt.Errorf("decode reminder payload: %w", err))
	}
	if p.AppointmentID == 0 {
		return p, jobs.Permanentf("reminder payload without appointment_id")
	}
	return p, nil
}

func loadAppointment(ctx context.Context, appts appointment.Repository, id uint64) (*appointment.Appointment, error) {
	a, err := appts.Get(ctx, id)
	if errors.Is(err, appointment.ErrNotFound) {
		return nil, jobs.Permanent(err)
	}
	if err != nil {
		return nil, jobs.Transient(err)
	}
	return a, nil
}
