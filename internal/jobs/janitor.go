package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"agenda/internal/logger"
)

// Janitor periodically fails leases that expired with no attempts left and
// prunes terminal jobs older than the retention window.
type Janitor struct {
	store     Store
	log       *logger.Logger
	retention time.Duration
	now       func() time.Time

	c *cron.Cron
}

func NewJanitor(store Store, baseLog *logger.Logger, spec string, retention time.Duration, loc *time.Location) (*Janitor, error) {
	if loc == nil {
		loc = time.UTC
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	j := &Janitor{
		store:     store,
		log:       baseLog.With("component", "JobJanitor"),
		retention: retention,
		now:       time.Now,
		c:         cron.New(cron.WithParser(parser), cron.WithLocation(loc)),
	}
	if _, err := j.c.AddFunc(spec, func() { j.Sweep(context.Background()) }); err != nil {
		return nil, fmt.Errorf("invalid janitor spec %q: %w", spec, err)
	}
	return j, nil
}

func (j *Janitor) Start() { j.c.Start() }

// Stop waits for a running sweep to finish.
func (j *Janitor) Stop() { <-j.c.Stop().Done() }

func (j *Janitor) Sweep(ctx context.Context) {
	now := j.now()

	reaped, err := j.store.ReapExpired(ctx, now)
	if err != nil {
		j.log.Warn("reap expired leases failed", "error", err)
	}

	var pruned int64
	if j.retention > 0 {
		pruned, err = j.store.PruneTerminal(ctx, now.Add(-j.retention))
		if err != nil {
			j.log.Warn("prune terminal jobs failed", "error", err)
		}
	}

	if reaped > 0 || pruned > 0 {
		j.log.Info("janitor sweep", "reaped", reaped, "pruned", pruned)
	}
}
