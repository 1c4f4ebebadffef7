package chain

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"agenda/internal/dbctx"
)

var (
	ErrNotFound       = errors.New("chain not found")
	ErrAlreadyChained = errors.New("appointment already starts a chain")
)

type Store interface {
	Create(ctx context.Context, s *State) error
	Get(ctx context.Context, chainID string) (*State, error)
	// Advance moves Position from -> from+1 while the chain is active and
	// reports whether it won.
	Advance(ctx context.Context, chainID string, from int, status Status) (bool, error)
	SetNextJob(ctx context.Context, chainID string, jobID *uint64) error
	// Cancel flips an active chain to cancelled and reports whether it did.
	Cancel(ctx context.Context, chainID string) (bool, error)
}

type Repo struct {
	DB *gorm.DB
}

var _ Store = (*Repo)(nil)

func (r *Repo) conn(ctx context.Context) *gorm.DB {
	return dbctx.Conn(ctx, r.DB)
}

func (r *Repo) Create(ctx context.Context, s *State) error {
	err := r.conn(ctx).Create(s).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrAlreadyChained
	}
	return err
}

func (r *Repo) Get(ctx context.Context, chainID string) (*State, error) {
	var s State
	if err := r.conn(ctx).Where("chain_id = ?", chainID).First(&s).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (r *Repo) Advance(ctx context.Context, chainID string, from int, status Status) (bool, error) {
	res := r.conn(ctx).Model(&State{}).
		Where("chain_id = ? AND position = ? AND status = ?", chainID, from, StatusActive).
		Updates(map[string]any{
			"position":   from + 1,
			"status":     status,
			"updated_at": time.Now(),
		})
	return res.RowsAffected == 1, res.Error
}

func (r *Repo) SetNextJob(ctx context.Context, chainID string, jobID *uint64) error {
	res := r.conn(ctx).Model(&State{}).
		Where("chain_id = ?", chainID).
		Updates(map[string]any{"next_job_id": jobID, "updated_at": time.Now()})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repo) Cancel(ctx context.Context, chainID string) (bool, error) {
	res := r.conn(ctx).Model(&State{}).
		Where("chain_id = ? AND status = ?", chainID, StatusActive).
		Updates(map[string]any{"status": StatusCancelled, "updated_at": time.Now()})
	return res.RowsAffected == 1, res.Error
}
