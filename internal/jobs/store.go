package jobs

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("job not found")
	ErrLeaseLost = errors.New("job lease lost")
)

// Store is the durable job repository. Implementations join a transaction
// carried in ctx (see dbctx) when one is present.
type Store interface {
	// Schedule inserts a job. When DedupKey is set and a scheduled job with
	// the same key exists, its id is returned and nothing is inserted.
	Schedule(ctx context.Context, req ScheduleRequest) (uint64, error)
	// Cancel flips a scheduled job to cancelled. It reports false when the
	// job is locked or already terminal.
	Cancel(ctx context.Context, id uint64) (bool, error)
	ListPending(ctx context.Context, f Filter) ([]Job, error)
	Get(ctx context.Context, id uint64) (*Job, error)
	// FindByDedupKey returns the newest job with key in any status, or nil.
	FindByDedupKey(ctx context.Context, key string) (*Job, error)

	// Claim leases one due job among req.Types ordered by priority desc,
	// run_at asc. Expired leases are reclaimable. Returns nil when idle.
	Claim(ctx context.Context, req ClaimRequest) (*Job, error)
	Heartbeat(ctx context.Context, id uint64, token string, leaseUntil time.Time) error
	Complete(ctx context.Context, id uint64, token string) error
	Retry(ctx context.Context, id uint64, token string, runAt time.Time, errMsg string) error
	Fail(ctx context.Context, id uint64, token string, errMsg string) error

	// ReapExpired fails locked jobs whose lease expired with no attempts left.
	ReapExpired(ctx context.Context, now time.Time) (int64, error)
	// PruneTerminal deletes terminal jobs last updated before cutoff.
	PruneTerminal(ctx context.Context, cutoff time.Time) (int64, error)
}

func strPtr(s string) *string { return &s }
