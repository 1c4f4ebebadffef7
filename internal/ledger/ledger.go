package ledger

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"agenda/internal/dbctx"
)

var ErrOrderNotFound = errors.New("package order not found")

// Ledger holds session counters and pending orders. The error returns are
// reserved for store I/O; business outcomes are values.
type Ledger interface {
	// TryConsumeSession uses one session of orderID for appointmentID. A
	// repeat call for the same pair reports AlreadyConsumed.
	TryConsumeSession(ctx context.Context, orderID, appointmentID uint64) (ConsumeResult, error)
	// CreatePendingOrder inserts p unless one exists for its (appointment,
	// participant); the stored order is returned either way.
	CreatePendingOrder(ctx context.Context, p PendingOrder) (*PendingOrder, bool, error)
	ListPendingOrders(ctx context.Context, appointmentID uint64) ([]PendingOrder, error)

	CreateOrder(ctx context.Context, o *PackageOrder) error
	GetOrder(ctx context.Context, id uint64) (*PackageOrder, error)
}

type Repo struct {
	DB *gorm.DB
}

var _ Ledger = (*Repo)(nil)

func (r *Repo) conn(ctx context.Context) *gorm.DB {
	return dbctx.Conn(ctx, r.DB)
}

var errRaceConsumed = errors.New("consumption recorded concurrently")

func (r *Repo) TryConsumeSession(ctx context.Context, orderID, appointmentID uint64) (ConsumeResult, error) {
	result := NotFound

	// nested Transaction uses a savepoint when ctx already carries a tx
	err := r.conn(ctx).Transaction(func(tx *gorm.DB) error {
		var seen int64
		if err := tx.Model(&SessionConsumption{}).
			Where("order_id = ? AND appointment_id = ?", orderID, appointmentID).
			Count(&seen).Error; err != nil {
			return err
		}
		if seen > 0 {
			result = AlreadyConsumed
			return nil
		}

		res := tx.Exec(`
update package_orders
set used_sessions = used_sessions + 1, updated_at = ?
where id = ? and used_sessions < total_sessions`, time.Now(), orderID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var n int64
			if err := tx.Model(&PackageOrder{}).Where("id = ?", orderID).Count(&n).Error; err != nil {
				return err
			}
			if n == 0 {
				result = NotFound
			} else {
				result = Insufficient
			}
			return nil
		}

		err := tx.Create(&SessionConsumption{OrderID: orderID, AppointmentID: appointmentID}).Error
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			// undo the increment
			return errRaceConsumed
		}
		if err != nil {
			return err
		}
		result = Consumed
		return nil
	})
	if errors.Is(err, errRaceConsumed) {
		return AlreadyConsumed, nil
	}
	if err != nil {
		return "", err
	}
	return result, nil
}

func (r *Repo) CreatePendingOrder(ctx context.Context, p PendingOrder) (*PendingOrder, bool, error) {
	if p.Status == "" {
		p.Status = PendingStatusPending
	}
	res := r.conn(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "appointment_id"}, {Name: "participant_id"}},
		DoNothing: true,
	}).Create(&p)
	if res.Error != nil {
		return nil, false, res.Error
	}
	created := res.RowsAffected == 1

	var stored PendingOrder
	err := r.conn(ctx).
		Where("appointment_id = ? AND participant_id = ?", p.AppointmentID, p.ParticipantID).
		First(&stored).Error
	if err != nil {
		return nil, false, err
	}
	return &stored, created, nil
}

func (r *Repo) ListPendingOrders(ctx context.Context, appointmentID uint64) ([]PendingOrder, error) {
	var out []PendingOrder
	err := r.conn(ctx).Where("appointment_id = ?", appointmentID).Order("participant_id asc").Find(&out).Error
	return out, err
}

func (r *Repo) CreateOrder(ctx context.Context, o *PackageOrder) error {
	return r.conn(ctx).Create(o).Error
}

func (r *Repo) GetOrder(ctx context.Context, id uint64) (*PackageOrder, error) {
	var o PackageOrder
	if err := r.conn(ctx).Where("id = ?", id).First(&o).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &o, nil
}
