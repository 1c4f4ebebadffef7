package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type funcHandler struct {
	typ Type
	fn  func(ctx context.Context, job *Job) error
}

func (h funcHandler) Type() Type                              { return h.typ }
func (h funcHandler) Run(ctx context.Context, job *Job) error { return h.fn(ctx, job) }

func newTestDispatcher(t *testing.T, store Store, now time.Time, handlers ...Handler) *Dispatcher {
	t.Helper()
	reg := NewRegistry()
	for _, h := range handlers {
		require.NoError(t, reg.Register(h, 1))
	}
	d, err := NewDispatcher(store, reg, nil, DispatcherConfig{
		Lease:     time.Minute,
		RetryBase: 2 * time.Second,
		RetryMax:  time.Minute,
		Now:       func() time.Time { return now },
	})
	require.NoError(t, err)
	return d
}

func TestNewDispatcher_InvalidArgs(t *testing.T) {
	_, err := NewDispatcher(nil, NewRegistry(), nil, DispatcherConfig{})
	assert.Error(t, err)
	_, err = NewDispatcher(NewMemStore(), nil, nil, DispatcherConfig{})
	assert.Error(t, err)
}

func TestRegistry_RejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	h := funcHandler{typ: TypeReminder, fn: func(context.Context, *Job) error { return nil }}
	require.NoError(t, reg.Register(h, 2))
	assert.Error(t, reg.Register(h, 2))
	assert.Error(t, reg.Register(nil, 1))
	assert.Error(t, reg.Register(funcHandler{}, 1))
}

func TestDispatcher_Outcomes(t *testing.T) {
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	ctx := context.Background()

	cases := []struct {
		name        string
		maxAttempts int
		err         error
		panics      bool
		wantStatus  Status
		wantRunAt   time.Time
	}{
		{name: "success", wantStatus: StatusDone},
		{name: "transient is retried with backoff", err: Transient(errors.New("db blip")), wantStatus: StatusScheduled, wantRunAt: now.Add(2 * time.Second)},
		{name: "unclassified counts as transient", err: errors.New("timeout"), wantStatus: StatusScheduled, wantRunAt: now.Add(2 * time.Second)},
		{name: "transient on last attempt fails", maxAttempts: 1, err: Transient(errors.New("db blip")), wantStatus: StatusFailed},
		{name: "permanent fails immediately", err: Permanentf("appointment %d missing", 9), wantStatus: StatusFailed},
		{name: "panic fails", panics: true, wantStatus: StatusFailed},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := NewMemStore()
			h := funcHandler{typ: TypeReminder, fn: func(context.Context, *Job) error {
				if tc.panics {
					panic("boom")
				}
				return tc.err
			}}
			d := newTestDispatcher(t, store, now, h)

			id, err := store.Schedule(ctx, ScheduleRequest{Type: TypeReminder, RunAt: now, MaxAttempts: tc.maxAttempts})
			require.NoError(t, err)

			ran, err := d.RunOnce(ctx, "w1")
			require.NoError(t, err)
			require.True(t, ran)

			got, err := store.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, tc.wantStatus, got.Status)
			if !tc.wantRunAt.IsZero() {
				assert.True(t, tc.wantRunAt.Equal(got.RunAt), "run_at=%s", got.RunAt)
			}
			if tc.wantStatus == StatusFailed {
				require.NotNil(t, got.LastError)
			}
			assert.Equal(t, 0, d.registry.InFlight(TypeReminder))
		})
	}
}

func TestDispatcher_RetryExhaustion(t *testing.T) {
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	ctx := context.Background()
	store := NewMemStore()

	var calls atomic.Int32
	h := funcHandler{typ: TypeReminder, fn: func(context.Context, *Job) error {
		calls.Add(1)
		return Transient(errors.New("still down"))
	}}

	clock := now
	reg := NewRegistry()
	require.NoError(t, reg.Register(h, 1))
	d, err := NewDispatcher(store, reg, nil, DispatcherConfig{
		Lease: time.Minute, RetryBase: time.Second, RetryMax: time.Minute,
		Now: func() time.Time { return clock },
	})
	require.NoError(t, err)

	id, _ := store.Schedule(ctx, ScheduleRequest{Type: TypeReminder, RunAt: now, MaxAttempts: 3})
	for i := 0; i < 5; i++ {
		_, err := d.RunOnce(ctx, "w1")
		require.NoError(t, err)
		clock = clock.Add(time.Hour)
	}

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.EqualValues(t, 3, calls.Load())
}

func TestDispatcher_PerTypeConcurrency(t *testing.T) {
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	ctx := context.Background()
	store := NewMemStore()

	entered := make(chan struct{})
	release := make(chan struct{})
	reminder := funcHandler{typ: TypeReminder, fn: func(context.Context, *Job) error {
		entered <- struct{}{}
		<-release
		return nil
	}}
	var chainRuns atomic.Int32
	chain := funcHandler{typ: TypeRepetitionLink, fn: func(context.Context, *Job) error {
		chainRuns.Add(1)
		return nil
	}}
	d := newTestDispatcher(t, store, now, reminder, chain)

	_, _ = store.Schedule(ctx, ScheduleRequest{Type: TypeReminder, RunAt: now, Priority: 10})
	_, _ = store.Schedule(ctx, ScheduleRequest{Type: TypeReminder, RunAt: now, Priority: 10})
	_, _ = store.Schedule(ctx, ScheduleRequest{Type: TypeRepetitionLink, RunAt: now})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = d.RunOnce(ctx, "w1")
	}()
	<-entered

	// reminder slot is busy, so the lower priority chain job still runs
	ran, err := d.RunOnce(ctx, "w2")
	require.NoError(t, err)
	assert.True(t, ran)
	assert.EqualValues(t, 1, chainRuns.Load())

	ran, err = d.RunOnce(ctx, "w2")
	require.NoError(t, err)
	assert.False(t, ran)

	close(release)
	<-done

	go func() { <-entered }()
	ran, err = d.RunOnce(ctx, "w2")
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestDispatcher_ManyWorkersRunEachJobOnce(t *testing.T) {
	ctx := context.Background()
	store := NewMemStore()

	var mu sync.Mutex
	runs := map[uint64]int{}
	var total atomic.Int32
	h := funcHandler{typ: TypeReminder, fn: func(_ context.Context, job *Job) error {
		mu.Lock()
		runs[job.ID]++
		mu.Unlock()
		total.Add(1)
		return nil
	}}

	reg := NewRegistry()
	require.NoError(t, reg.Register(h, 8))
	d, err := NewDispatcher(store, reg, nil, DispatcherConfig{Workers: 8, PollInterval: 5 * time.Millisecond, Lease: time.Minute})
	require.NoError(t, err)

	const n = 50
	for i := 0; i < n; i++ {
		_, err := store.Schedule(ctx, ScheduleRequest{Type: TypeReminder, RunAt: time.Now().Add(-time.Second)})
		require.NoError(t, err)
	}

	require.True(t, d.Start())
	assert.False(t, d.Start())
	require.Eventually(t, func() bool { return total.Load() >= n }, 3*time.Second, 5*time.Millisecond)
	require.True(t, d.Stop())
	assert.False(t, d.Stop())
	assert.False(t, d.IsRunning())

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, runs, n)
	for id, c := range runs {
		assert.Equal(t, 1, c, "job %d ran %d times", id, c)
	}

	pending, err := store.ListPending(ctx, Filter{})
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDispatcher_LeaseLostDropsOutcome(t *testing.T) {
	now := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	ctx := context.Background()
	store := NewMemStore()

	h := funcHandler{typ: TypeReminder, fn: func(ctx context.Context, job *Job) error {
		// another worker reclaims after the lease expired
		other, err := store.Claim(ctx, ClaimRequest{Types: []Type{TypeReminder}, Owner: "w2", Lease: time.Minute, Now: now.Add(2 * time.Minute)})
		require.NoError(t, err)
		require.NotNil(t, other)
		return nil
	}}
	d := newTestDispatcher(t, store, now, h)

	id, _ := store.Schedule(ctx, ScheduleRequest{Type: TypeReminder, RunAt: now})
	ran, err := d.RunOnce(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ran)

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusLocked, got.Status)
	assert.Equal(t, "w2", *got.LockedBy)
}

func TestBackoff(t *testing.T) {
	base := 2 * time.Second
	max := 10 * time.Minute
	assert.Equal(t, 2*time.Second, Backoff(1, base, max))
	assert.Equal(t, 4*time.Second, Backoff(2, base, max))
	assert.Equal(t, 16*time.Second, Backoff(4, base, max))
	assert.Equal(t, max, Backoff(30, base, max))
	assert.Equal(t, 2*time.Second, Backoff(0, base, max))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ClassPermanent, Classify(Permanent(errors.New("x"))))
	assert.Equal(t, ClassPermanent, Classify(errors.Join(errors.New("ctx"), Permanentf("gone"))))
	assert.Equal(t, ClassTransient, Classify(Transient(errors.New("x"))))
	assert.Equal(t, ClassTransient, Classify(errors.New("x")))
	assert.Nil(t, Permanent(nil))
	assert.Nil(t, Transient(nil))
}
