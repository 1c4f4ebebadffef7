package reminder

import (
	"context"
	"time"

	"agenda/internal/appointment"
	"agenda/internal/cache"
	"agenda/internal/jobs"
	"agenda/internal/logger"
	"agenda/internal/notify"
)

type Handler struct {
	appts    appointment.Repository
	sender   *notify.Sender
	renderer notify.Renderer
	marker   cache.SentMarker
	log      *logger.Logger
}

var _ jobs.Handler = (*Handler)(nil)

func NewHandler(appts appointment.Repository, sender *notify.Sender, renderer notify.Renderer, marker cache.SentMarker, baseLog *logger.Logger) *Handler {
	if marker == nil {
		marker = cache.Noop{}
	}
	if baseLog == nil {
		baseLog = logger.Nop()
	}
	return &Handler{
		appts:    appts,
		sender:   sender,
		renderer: renderer,
		marker:   marker,
		log:      baseLog.With("component", "ReminderHandler"),
	}
}

func (h *Handler) Type() jobs.Type { return jobs.TypeReminder }

func (h *Handler) Run(ctx context.Context, job *jobs.Job) error {
	p, err := decodePayload(job)
	if err != nil {
		return err
	}
	a, err := loadAppointment(ctx, h.appts, p.AppointmentID)
	if err != nil {
		return err
	}
	log := h.log.With("job_id", job.ID, "appointment_id", a.ID)

	if a.Status == appointment.StatusCancelled {
		log.Info("appointment cancelled, reminder skipped")
		return nil
	}
	if a.ReminderJobID == nil || *a.ReminderJobID != job.ID {
		log.Info("reminder superseded, skipped")
		return nil
	}

	results := h.sender.SendAll(ctx, notify.Batch{
		ContactIDs: a.Recipients(),
		Resolve: func(ctx context.Context, id uint64) (notify.Recipient, error) {
			c, err := h.appts.GetContact(ctx, id)
			if err != nil {
				return notify.Recipient{}, err
			}
			return notify.Recipient{ContactID: c.ID, Name: c.Name, Address: c.Email}, nil
		},
		Build: func(r notify.Recipient) (notify.Message, error) {
			return h.renderer.Render(notify.TemplateReminder, notify.AppointmentData{
				RecipientName: r.Name,
				Title:         a.Title,
				StartAt:       a.StartAt,
				Duration:      time.Duration(a.DurationMinutes) * time.Minute,
			})
		},
		Skip: func(ctx context.Context, r notify.Recipient) bool {
			seen, err := h.marker.WasSent(ctx, job.ID, r.ContactID)
			if err != nil {
				log.Warn("sent marker lookup failed", "contact_id", r.ContactID, "error", err)
				return false
			}
			return seen
		},
		OnSent: func(ctx context.Context, r notify.Recipient, messageID string) {
			if err := h.marker.MarkSent(ctx, job.ID, r.ContactID, messageID); err != nil {
				log.Warn("sent marker write failed", "contact_id", r.ContactID, "error", err)
			}
		},
	})

	for _, r := range results {
		if r.Err != nil {
			log.Warn("reminder delivery failed", "contact_id", r.ContactID, "error", r.Err)
		}
	}
	sent, failed, skipped := notify.Summarize(results)
	log.Info("reminder delivered", "sent", sent, "failed", failed, "skipped", skipped)
	return nil
}
