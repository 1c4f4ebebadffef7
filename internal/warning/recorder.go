package warning

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"agenda/internal/dbctx"
)

var (
	ErrNotFound          = errors.New("warning not found")
	ErrInvalidTransition = errors.New("warning already settled")
	ErrNoEntries         = errors.New("warning has no entries")
)

// Recorder is the append-only anomaly log. Warnings are never deleted and
// their entries never change; only the operator moves Status.
type Recorder interface {
	// Record stores w unless a warning for its appointment exists. It
	// reports whether a new warning was written.
	Record(ctx context.Context, w Warning) (*Warning, bool, error)
	Get(ctx context.Context, id uint64) (*Warning, error)
	List(ctx context.Context, f Filter) ([]Warning, error)
	// SetStatus moves a pending warning to resolved or dismissed.
	SetStatus(ctx context.Context, id uint64, status Status) (*Warning, error)
}

func validTarget(s Status) bool {
	return s == StatusResolved || s == StatusDismissed
}

type Repo struct {
	DB *gorm.DB
}

var _ Recorder = (*Repo)(nil)

func (r *Repo) conn(ctx context.Context) *gorm.DB {
	return dbctx.Conn(ctx, r.DB)
}

func (r *Repo) Record(ctx context.Context, w Warning) (*Warning, bool, error) {
	if len(w.Entries) == 0 {
		return nil, false, ErrNoEntries
	}
	w.ID = 0
	w.Status = StatusPending
	res := r.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "appointment_id"}},
		DoNothing: true,
	}).Create(&w)
	if res.Error != nil {
		return nil, false, res.Error
	}
	created := res.RowsAffected == 1

	var stored Warning
	if err := r.conn(ctx).Where("appointment_id = ?", w.AppointmentID).First(&stored).Error; err != nil {
		return nil, false, err
	}
	return &stored, created, nil
}

func (r *Repo) Get(ctx context.Context, id uint64) (*Warning, error) {
	var w Warning
	if err := r.conn(ctx).Where("id = ?", id).First(&w).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &w, nil
}

func (r *Repo) List(ctx context.Context, f Filter) ([]Warning, error) {
	q := r.conn(ctx).Model(&Warning{})
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	if f.OwnerID != nil {
		q = q.Where("owner_id = ?", *f.OwnerID)
	}
	if f.ChainID != nil {
		q = q.Where("chain_id = ?", *f.ChainID)
	}
	var out []Warning
	err := q.Order("id desc").Limit(f.limit()).Find(&out).Error
	return out, err
}

func (r *Repo) SetStatus(ctx context.Context, id uint64, status Status) (*Warning, error) {
	if !validTarget(status) {
		return nil, ErrInvalidTransition
	}
	res := r.conn(ctx).Model(&Warning{}).
		Where("id = ? AND status = ?", id, StatusPending).
		Updates(map[string]any{"status": status, "updated_at": time.Now()})
	if res.Error != nil {
		return nil, res.Error
	}
	w, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if res.RowsAffected == 0 {
		return nil, ErrInvalidTransition
	}
	return w, nil
}
