package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory Store with the same contract as Repo. A single
// mutex serializes every operation, which stands in for row locks.
type MemStore struct {
	mu     sync.Mutex
	nextID uint64
	jobs   map[uint64]*Job
	now    func() time.Time
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{jobs: map[uint64]*Job{}, now: time.Now}
}

// WithClock overrides the clock used for created/updated timestamps.
func (s *MemStore) WithClock(now func() time.Time) *MemStore {
	s.now = now
	return s
}

func (s *MemStore) Schedule(_ context.Context, req ScheduleRequest) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.DedupKey != "" {
		for _, j := range s.jobs {
			if j.Status == StatusScheduled && j.DedupKey != nil && *j.DedupKey == req.DedupKey {
				return j.ID, nil
			}
		}
	}

	s.nextID++
	j := newJob(req, s.now())
	j.ID = s.nextID
	s.jobs[j.ID] = &j
	return j.ID, nil
}

func (s *MemStore) Cancel(_ context.Context, id uint64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok || j.Status != StatusScheduled {
		return false, nil
	}
	j.Status = StatusCancelled
	j.UpdatedAt = s.now()
	return true, nil
}

func (s *MemStore) ListPending(_ context.Context, f Filter) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := map[Status]bool{}
	for _, st := range f.statuses() {
		want[st] = true
	}

	var out []Job
	for _, j := range s.jobs {
		if !want[j.Status] {
			continue
		}
		if f.Type != "" && j.Type != f.Type {
			continue
		}
		if f.AppointmentID != nil && (j.AppointmentID == nil || *j.AppointmentID != *f.AppointmentID) {
			continue
		}
		if f.ChainID != nil && (j.ChainID == nil || *j.ChainID != *f.ChainID) {
			continue
		}
		out = append(out, cloneJob(j))
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].RunAt.Equal(out[b].RunAt) {
			return out[a].RunAt.Before(out[b].RunAt)
		}
		return out[a].ID < out[b].ID
	})
	if len(out) > f.limit() {
		out = out[:f.limit()]
	}
	return out, nil
}

func (s *MemStore) Get(_ context.Context, id uint64) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := cloneJob(j)
	return &c, nil
}

func (s *MemStore) FindByDedupKey(_ context.Context, key string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *Job
	for _, j := range s.jobs {
		if j.DedupKey == nil || *j.DedupKey != key {
			continue
		}
		if best == nil || j.ID > best.ID {
			best = j
		}
	}
	if best == nil {
		return nil, nil
	}
	c := cloneJob(best)
	return &c, nil
}

func (s *MemStore) Claim(_ context.Context, req ClaimRequest) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := req.Now
	if now.IsZero() {
		now = s.now()
	}
	s.reapLocked(now)

	types := map[Type]bool{}
	for _, t := range req.Types {
		types[t] = true
	}

	var pick *Job
	for _, j := range s.jobs {
		if !types[j.Type] || j.Attempts >= j.MaxAttempts || !claimable(j, now) {
			continue
		}
		if pick == nil || claimsBefore(j, pick) {
			pick = j
		}
	}
	if pick == nil {
		return nil, nil
	}

	lease := now.Add(req.Lease)
	pick.Status = StatusLocked
	pick.LockToken = strPtr(uuid.NewString())
	pick.LockedBy = strPtr(req.Owner)
	pick.LockedAt = &now
	pick.LeaseExpiresAt = &lease
	pick.Attempts++
	pick.UpdatedAt = now

	c := cloneJob(pick)
	return &c, nil
}

func claimable(j *Job, now time.Time) bool {
	switch j.Status {
	case StatusScheduled:
		return !j.RunAt.After(now)
	case StatusLocked:
		return j.LeaseExpiresAt != nil && j.LeaseExpiresAt.Before(now)
	default:
		return false
	}
}

func claimsBefore(a, b *Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.RunAt.Equal(b.RunAt) {
		return a.RunAt.Before(b.RunAt)
	}
	return a.ID < b.ID
}

func (s *MemStore) Heartbeat(_ context.Context, id uint64, token string, leaseUntil time.Time) error {
	return s.locked(id, token, func(j *Job) {
		j.LeaseExpiresAt = &leaseUntil
	})
}

func (s *MemStore) Complete(_ context.Context, id uint64, token string) error {
	return s.locked(id, token, func(j *Job) {
		j.Status = StatusDone
		j.LockToken = nil
		j.LeaseExpiresAt = nil
	})
}

func (s *MemStore) Retry(_ context.Context, id uint64, token string, runAt time.Time, errMsg string) error {
	return s.locked(id, token, func(j *Job) {
		j.Status = StatusScheduled
		j.RunAt = runAt
		j.LockToken = nil
		j.LockedBy = nil
		j.LockedAt = nil
		j.LeaseExpiresAt = nil
		j.LastError = strPtr(errMsg)
	})
}

func (s *MemStore) Fail(_ context.Context, id uint64, token string, errMsg string) error {
	return s.locked(id, token, func(j *Job) {
		j.Status = StatusFailed
		j.LockToken = nil
		j.LeaseExpiresAt = nil
		j.LastError = strPtr(errMsg)
	})
}

func (s *MemStore) locked(id uint64, token string, apply func(j *Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok || j.Status != StatusLocked || j.LockToken == nil || *j.LockToken != token {
		return ErrLeaseLost
	}
	apply(j)
	j.UpdatedAt = s.now()
	return nil
}

func (s *MemStore) ReapExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reapLocked(now), nil
}

func (s *MemStore) reapLocked(now time.Time) int64 {
	var n int64
	for _, j := range s.jobs {
		if j.Status == StatusLocked && j.LeaseExpiresAt != nil && j.LeaseExpiresAt.Before(now) && j.Attempts >= j.MaxAttempts {
			j.Status = StatusFailed
			j.LockToken = nil
			j.LastError = strPtr("lease expired after max attempts")
			j.UpdatedAt = now
			n++
		}
	}
	return n
}

func (s *MemStore) PruneTerminal(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, j := range s.jobs {
		if j.Status.Terminal() && j.UpdatedAt.Before(cutoff) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func cloneJob(j *Job) Job {
	c := *j
	c.Payload = append([]byte(nil), j.Payload...)
	return c
}
