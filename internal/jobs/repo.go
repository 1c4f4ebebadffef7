package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"agenda/internal/dbctx"
)

// Repo is the Postgres-backed Store.
type Repo struct {
	DB *gorm.DB
}

var _ Store = (*Repo)(nil)

func (r *Repo) conn(ctx context.Context) *gorm.DB {
	return dbctx.Conn(ctx, r.DB)
}

func (r *Repo) Schedule(ctx context.Context, req ScheduleRequest) (uint64, error) {
	if req.DedupKey != "" {
		if id, ok, err := r.liveByDedupKey(ctx, req.DedupKey); err != nil || ok {
			return id, err
		}
	}

	j := newJob(req, time.Now())
	err := r.conn(ctx).Create(&j).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) && req.DedupKey != "" {
		// lost the insert race on uq_jobs_live_dedup
		id, ok, lerr := r.liveByDedupKey(ctx, req.DedupKey)
		if lerr != nil {
			return 0, lerr
		}
		if ok {
			return id, nil
		}
	}
	if err != nil {
		return 0, err
	}
	return j.ID, nil
}

func (r *Repo) liveByDedupKey(ctx context.Context, key string) (uint64, bool, error) {
	var ids []uint64
	err := r.conn(ctx).Model(&Job{}).
		Where("dedup_key = ? AND status = ?", key, StatusScheduled).
		Limit(1).
		Pluck("id", &ids).Error
	if err != nil || len(ids) == 0 {
		return 0, false, err
	}
	return ids[0], true, nil
}

func (r *Repo) Cancel(ctx context.Context, id uint64) (bool, error) {
	res := r.conn(ctx).Exec(`
update jobs
set status='cancelled', lock_token=null, updated_at=?
where id=? and status='scheduled'`, time.Now(), id)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *Repo) ListPending(ctx context.Context, f Filter) ([]Job, error) {
	q := r.conn(ctx).Model(&Job{}).Where("status IN ?", statusStrings(f.statuses()))
	if f.Type != "" {
		q = q.Where("type = ?", string(f.Type))
	}
	if f.AppointmentID != nil {
		q = q.Where("appointment_id = ?", *f.AppointmentID)
	}
	if f.ChainID != nil {
		q = q.Where("chain_id = ?", *f.ChainID)
	}

	var out []Job
	if err := q.Order("run_at asc, id asc").Limit(f.limit()).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Repo) Get(ctx context.Context, id uint64) (*Job, error) {
	var j Job
	if err := r.conn(ctx).Where("id = ?", id).First(&j).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &j, nil
}

func (r *Repo) FindByDedupKey(ctx context.Context, key string) (*Job, error) {
	var out []Job
	if err := r.conn(ctx).Where("dedup_key = ?", key).Order("id desc").Limit(1).Find(&out).Error; err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return &out[0], nil
}

// Claim one due job atomically using SKIP LOCKED.
// Works on Postgres.
func (r *Repo) Claim(ctx context.Context, req ClaimRequest) (*Job, error) {
	if len(req.Types) == 0 {
		return nil, nil
	}
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}
	token := uuid.NewString()

	var job Job
	err := r.conn(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := reapExpired(tx, now); err != nil {
			return err
		}

		// FOR UPDATE SKIP LOCKED ensures no double-claim
		q := tx.Raw(`
with cte as (
  select id
  from jobs
  where type in ?
    and attempts < max_attempts
    and ((status='scheduled' and run_at <= ?)
      or (status='locked' and lease_expires_at < ?))
  order by priority desc, run_at asc, id asc
  for update skip locked
  limit 1
)
update jobs
set status='locked',
    lock_token=?,
    locked_by=?,
    locked_at=?,
    lease_expires_at=?,
    attempts=attempts+1,
    updated_at=?
where id in (select id from cte)
returning *;
`, typeStrings(req.Types), now, now, token, req.Owner, now, now.Add(req.Lease), now)

		return q.Scan(&job).Error
	})
	if err != nil {
		return nil, err
	}
	if job.ID == 0 {
		return nil, nil
	}
	return &job, nil
}

func (r *Repo) Heartbeat(ctx context.Context, id uint64, token string, leaseUntil time.Time) error {
	return r.locked(ctx, id, token, map[string]any{
		"lease_expires_at": leaseUntil,
	})
}

func (r *Repo) Complete(ctx context.Context, id uint64, token string) error {
	return r.locked(ctx, id, token, map[string]any{
		"status":           StatusDone,
		"lock_token":       nil,
		"lease_expires_at": nil,
	})
}

func (r *Repo) Retry(ctx context.Context, id uint64, token string, runAt time.Time, errMsg string) error {
	return r.locked(ctx, id, token, map[string]any{
		"status":           StatusScheduled,
		"run_at":           runAt,
		"lock_token":       nil,
		"locked_by":        nil,
		"locked_at":        nil,
		"lease_expires_at": nil,
		"last_error":       errMsg,
	})
}

func (r *Repo) Fail(ctx context.Context, id uint64, token string, errMsg string) error {
	return r.locked(ctx, id, token, map[string]any{
		"status":           StatusFailed,
		"lock_token":       nil,
		"lease_expires_at": nil,
		"last_error":       errMsg,
	})
}

// locked applies updates only while the caller still holds the lease.
func (r *Repo) locked(ctx context.Context, id uint64, token string, updates map[string]any) error {
	updates["updated_at"] = time.Now()
	res := r.conn(ctx).Model(&Job{}).
		Where("id = ? AND lock_token = ? AND status = ?", id, token, StatusLocked).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (r *Repo) ReapExpired(ctx context.Context, now time.Time) (int64, error) {
	return reapExpired(r.conn(ctx), now)
}

func reapExpired(tx *gorm.DB, now time.Time) (int64, error) {
	res := tx.Exec(`
update jobs
set status='failed', lock_token=null, last_error='lease expired after max attempts', updated_at=?
where status='locked' and lease_expires_at < ? and attempts >= max_attempts`, now, now)
	return res.RowsAffected, res.Error
}

func (r *Repo) PruneTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.conn(ctx).Exec(`
delete from jobs
where status in ('done','failed','cancelled') and updated_at < ?`, cutoff)
	return res.RowsAffected, res.Error
}

func newJob(req ScheduleRequest, now time.Time) Job {
	payload := req.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	j := Job{
		Type:          req.Type,
		Payload:       payload,
		RunAt:         req.RunAt,
		Status:        StatusScheduled,
		Priority:      req.Priority,
		MaxAttempts:   maxAttempts,
		AppointmentID: req.AppointmentID,
		ChainID:       req.ChainID,
		ChainPosition: req.ChainPosition,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if req.DedupKey != "" {
		j.DedupKey = strPtr(req.DedupKey)
	}
	return j
}

func typeStrings(ts []Type) []string {
	out := make([]string, 0, len(ts))
	for _, t := range ts {
		out = append(out, string(t))
	}
	return out
}

func statusStrings(ss []Status) []string {
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		out = append(out, string(s))
	}
	return out
}
