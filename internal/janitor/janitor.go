// Package janitor reaps stale environments and keeps the binary cache
// within its size budget on a cron schedule. Environments are meant to be
// short-lived; the janitor covers clients that never call cleanup.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/jaribu/internal/binary"
	"github.com/jkaninda/jaribu/internal/config"
	"github.com/jkaninda/jaribu/internal/environment"
)

// Janitor periodically destroys environments past their TTL and evicts
// cache entries over budget.
type Janitor struct {
	provisioner *environment.Provisioner
	cache       *binary.Cache
	cfg         *config.JanitorConfig
	maxBytes    int64
	logger      *slog.Logger
	schedule    cron.Schedule
}

// New creates a janitor from the configured cron expression. cache may be
// nil to skip cache eviction.
func New(prov *environment.Provisioner, cache *binary.Cache, cfg *config.JanitorConfig, maxCacheBytes int64, logger *slog.Logger) (*Janitor, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(cfg.CronSchedule())
	if err != nil {
		return nil, fmt.Errorf("parsing janitor schedule %q: %w", cfg.CronSchedule(), err)
	}
	return &Janitor{
		provisioner: prov,
		cache:       cache,
		cfg:         cfg,
		maxBytes:    maxCacheBytes,
		logger:      logger,
		schedule:    schedule,
	}, nil
}

// Start begins the janitor loop. Returns a cancel function.
func (j *Janitor) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		j.logger.Info("janitor started",
			slog.String("schedule", j.cfg.CronSchedule()),
			slog.String("environment_ttl", j.cfg.EnvironmentTTL().String()),
		)

		for {
			next := j.schedule.Next(time.Now())
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				j.logger.Info("janitor stopped")
				return
			case <-timer.C:
				j.Sweep()
			}
		}
	}()

	return cancel
}

// Sweep runs one reaping pass: stale environments first, then cache
// eviction so freshly unreferenced binaries are eligible.
func (j *Janitor) Sweep() {
	reaped := j.provisioner.DestroyStale(j.cfg.EnvironmentTTL())
	if reaped > 0 {
		j.logger.Info("reaped stale environments", slog.Int("count", reaped))
	}

	if j.cache == nil {
		return
	}
	if err := j.cache.EvictIfOverBudget(j.maxBytes); err != nil {
		j.logger.Error("cache eviction failed", slog.String("error", err.Error()))
	}
}
