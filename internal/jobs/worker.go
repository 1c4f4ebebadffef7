package jobs

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"agenda/internal/logger"
)

type DispatcherConfig struct {
	// Name prefixes worker ids recorded in locked_by.
	Name         string
	Workers      int
	PollInterval time.Duration
	Lease        time.Duration
	RetryBase    time.Duration
	RetryMax     time.Duration
	// HandlerTimeout bounds one handler run. Zero means Lease.
	HandlerTimeout time.Duration
	Now            func() time.Time
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.Name == "" {
		c.Name = "worker"
	}
	if c.Workers < 1 {
		c.Workers = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 800 * time.Millisecond
	}
	if c.Lease <= 0 {
		c.Lease = 5 * time.Minute
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.RetryMax < c.RetryBase {
		c.RetryMax = 600 * time.Second
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = c.Lease
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Dispatcher polls the store with a pool of workers and runs claimed jobs
// through the registry.
type Dispatcher struct {
	store    Store
	registry *Registry
	log      *logger.Logger
	cfg      DispatcherConfig

	running atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewDispatcher(store Store, registry *Registry, baseLog *logger.Logger, cfg DispatcherConfig) (*Dispatcher, error) {
	if store == nil {
		return nil, errors.New("store must not be nil")
	}
	if registry == nil {
		return nil, errors.New("registry must not be nil")
	}
	if baseLog == nil {
		baseLog = logger.Nop()
	}
	return &Dispatcher{
		store:    store,
		registry: registry,
		log:      baseLog.With("component", "Dispatcher"),
		cfg:      cfg.withDefaults(),
	}, nil
}

func (d *Dispatcher) Start() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running.Load() {
		return false
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.running.Store(true)

	d.log.Info("dispatcher started", "workers", d.cfg.Workers, "poll", d.cfg.PollInterval.String())
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.runLoop(ctx, fmt.Sprintf("%s-%d", d.cfg.Name, i+1))
	}
	return true
}

// Stop cancels polling and waits for in-flight handlers to return.
func (d *Dispatcher) Stop() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running.Load() {
		return false
	}

	d.cancel()
	d.wg.Wait()
	d.running.Store(false)

	d.log.Info("dispatcher stopped")
	return true
}

func (d *Dispatcher) IsRunning() bool {
	return d.running.Load()
}

func (d *Dispatcher) runLoop(ctx context.Context, workerID string) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// drain everything due before waiting for the next tick
			for ctx.Err() == nil {
				ran, err := d.RunOnce(ctx, workerID)
				if err != nil {
					d.log.Warn("claim failed", "worker_id", workerID, "error", err)
					break
				}
				if !ran {
					break
				}
			}
		}
	}
}

// RunOnce claims at most one due job and runs it to completion. It reports
// whether a job was claimed.
func (d *Dispatcher) RunOnce(ctx context.Context, workerID string) (bool, error) {
	types := d.registry.acquireFree()
	if len(types) == 0 {
		return false, nil
	}

	job, err := d.store.Claim(ctx, ClaimRequest{
		Types: types,
		Owner: workerID,
		Lease: d.cfg.Lease,
		Now:   d.cfg.Now(),
	})
	for _, t := range types {
		if job == nil || t != job.Type {
			d.registry.release(t)
		}
	}
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	defer d.registry.release(job.Type)

	d.run(ctx, workerID, job)
	return true, nil
}

func (d *Dispatcher) run(ctx context.Context, workerID string, job *Job) {
	log := d.log.With("worker_id", workerID, "job_id", job.ID, "job_type", job.Type, "attempt", job.Attempts)
	token := ""
	if job.LockToken != nil {
		token = *job.LockToken
	}

	h, ok := d.registry.Get(job.Type)
	if !ok {
		d.finish(ctx, log, job, token, Permanent(&missingHandlerError{Type: job.Type}))
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, d.cfg.HandlerTimeout)
	stopHeartbeat := d.heartbeat(runCtx, log, job.ID, token)

	start := time.Now()
	runErr := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("job handler panic", "panic", r)
				err = Permanent(&panicError{Val: r})
			}
		}()
		return h.Run(runCtx, job)
	}()
	stopHeartbeat()
	cancel()

	log.Debug("job handler returned", "duration_ms", time.Since(start).Milliseconds(), "error", runErr)
	d.finish(ctx, log, job, token, runErr)
}

// heartbeat extends the lease every third of its length until stopped.
func (d *Dispatcher) heartbeat(ctx context.Context, log *logger.Logger, id uint64, token string) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(d.cfg.Lease / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := d.store.Heartbeat(ctx, id, token, d.cfg.Now().Add(d.cfg.Lease))
				if errors.Is(err, ErrLeaseLost) {
					log.Warn("lease lost while running")
					return
				}
				if err != nil {
					log.Warn("heartbeat failed", "error", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (d *Dispatcher) finish(ctx context.Context, log *logger.Logger, job *Job, token string, runErr error) {
	// use a detached context so a stopping dispatcher still records the outcome
	ctx = context.WithoutCancel(ctx)

	var err error
	switch {
	case runErr == nil:
		err = d.store.Complete(ctx, job.ID, token)
	case Classify(runErr) == ClassPermanent:
		log.Error("job failed permanently", "error", runErr)
		err = d.store.Fail(ctx, job.ID, token, runErr.Error())
	case job.Attempts >= job.MaxAttempts:
		log.Error("job failed after max attempts", "error", runErr, "max_attempts", job.MaxAttempts)
		err = d.store.Fail(ctx, job.ID, token, runErr.Error())
	default:
		next := d.cfg.Now().Add(Backoff(job.Attempts, d.cfg.RetryBase, d.cfg.RetryMax))
		log.Warn("job retry scheduled", "error", runErr, "run_at", next)
		err = d.store.Retry(ctx, job.ID, token, next, runErr.Error())
	}

	if errors.Is(err, ErrLeaseLost) {
		log.Warn("job outcome dropped, lease was reclaimed")
		return
	}
	if err != nil {
		log.Error("recording job outcome failed", "error", err)
	}
}

// Backoff returns base*2^(attempts-1) capped at max.
func Backoff(attempts int, base, max time.Duration) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	sec := math.Min(base.Seconds()*math.Pow(2, float64(attempts-1)), max.Seconds())
	return time.Duration(sec * float64(time.Second))
}
