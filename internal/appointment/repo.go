package appointment

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"agenda/internal/dbctx"
)

var (
	ErrNotFound = errors.New("appointment not found")
	// ErrConflict reports a stale version or a duplicate chain instance.
	ErrConflict = errors.New("appointment conflict")
)

// Repository is the appointment directory used by the booking service and
// the job handlers. Implementations join a transaction carried in ctx.
type Repository interface {
	Create(ctx context.Context, a *Appointment) error
	Get(ctx context.Context, id uint64) (*Appointment, error)
	// Reschedule moves StartAt when version still matches, bumping it.
	Reschedule(ctx context.Context, id uint64, version int, startAt time.Time) (*Appointment, error)
	SetStatus(ctx context.Context, id uint64, status Status) error
	SetReminderJob(ctx context.Context, id uint64, jobID *uint64) error
	SetChain(ctx context.Context, id uint64, chainID string, position, total int) error
	// RaiseCompletedLinks sets CompletedLinks to k only if that raises it.
	RaiseCompletedLinks(ctx context.Context, id uint64, k int) error
	// FindChainInstance returns the instance at position, or nil.
	FindChainInstance(ctx context.Context, chainID string, position int) (*Appointment, error)
	ListChainInstances(ctx context.Context, chainID string) ([]Appointment, error)

	ListFundings(ctx context.Context, appointmentID uint64) ([]Funding, error)
	// SaveFunding upserts on (appointment, participant).
	SaveFunding(ctx context.Context, f *Funding) error

	GetContact(ctx context.Context, id uint64) (*Contact, error)
	SaveContact(ctx context.Context, c *Contact) error
}

type Repo struct {
	DB *gorm.DB
}

var _ Repository = (*Repo)(nil)

func (r *Repo) conn(ctx context.Context) *gorm.DB {
	return dbctx.Conn(ctx, r.DB)
}

func (r *Repo) Create(ctx context.Context, a *Appointment) error {
	if a.Status == "" {
		a.Status = StatusPending
	}
	err := r.conn(ctx).Create(a).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrConflict
	}
	return err
}

func (r *Repo) Get(ctx context.Context, id uint64) (*Appointment, error) {
	var a Appointment
	if err := r.conn(ctx).Where("id = ?", id).First(&a).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

func (r *Repo) Reschedule(ctx context.Context, id uint64, version int, startAt time.Time) (*Appointment, error) {
	res := r.conn(ctx).Model(&Appointment{}).
		Where("id = ? AND version = ?", id, version).
		Updates(map[string]any{
			"start_at":   startAt,
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrConflict
	}
	return r.Get(ctx, id)
}

func (r *Repo) SetStatus(ctx context.Context, id uint64, status Status) error {
	return r.update(ctx, id, map[string]any{
		"status":  status,
		"version": gorm.Expr("version + 1"),
	})
}

func (r *Repo) SetReminderJob(ctx context.Context, id uint64, jobID *uint64) error {
	return r.update(ctx, id, map[string]any{"reminder_job_id": jobID})
}

func (r *Repo) SetChain(ctx context.Context, id uint64, chainID string, position, total int) error {
	return r.update(ctx, id, map[string]any{
		"chain_id":       chainID,
		"chain_position": position,
		"chain_total":    total,
	})
}

func (r *Repo) RaiseCompletedLinks(ctx context.Context, id uint64, k int) error {
	res := r.conn(ctx).Model(&Appointment{}).
		Where("id = ? AND completed_links < ?", id, k).
		Updates(map[string]any{"completed_links": k, "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		_, err := r.Get(ctx, id)
		return err
	}
	return nil
}

func (r *Repo) update(ctx context.Context, id uint64, updates map[string]any) error {
	updates["updated_at"] = time.Now()
	res := r.conn(ctx).Model(&Appointment{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repo) FindChainInstance(ctx context.Context, chainID string, position int) (*Appointment, error) {
	var out []Appointment
	err := r.conn(ctx).
		Where("chain_id = ? AND chain_position = ?", chainID, position).
		Limit(1).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return &out[0], nil
}

func (r *Repo) ListChainInstances(ctx context.Context, chainID string) ([]Appointment, error) {
	var out []Appointment
	err := r.conn(ctx).
		Where("chain_id = ?", chainID).
		Order("chain_position asc").
		Find(&out).Error
	return out, err
}

func (r *Repo) ListFundings(ctx context.Context, appointmentID uint64) ([]Funding, error) {
	var out []Funding
	err := r.conn(ctx).
		Where("appointment_id = ?", appointmentID).
		Order("participant_id asc").
		Find(&out).Error
	return out, err
}

func (r *Repo) SaveFunding(ctx context.Context, f *Funding) error {
	if f.Status == "" {
		f.Status = FundingUnsettled
	}
	f.UpdatedAt = time.Now()
	return r.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "appointment_id"}, {Name: "participant_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"kind", "package_order_id", "amount_cents", "status", "updated_at"}),
	}).Create(f).Error
}

func (r *Repo) GetContact(ctx context.Context, id uint64) (*Contact, error) {
	var c Contact
	if err := r.conn(ctx).Where("id = ?", id).First(&c).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (r *Repo) SaveContact(ctx context.Context, c *Contact) error {
	return r.conn(ctx).Save(c).Error
}
