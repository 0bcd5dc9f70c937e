package swaps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/promptsettle/internal/metrics"
	"github.com/mbd888/promptsettle/internal/pagination"
)

const (
	sweepBatchSize   = 500
	sweepConcurrency = 8
	sweepLockKey     = "settle:lock:swap-sweep"
	sweepLockTTL     = 5 * time.Minute
)

// SweepResult counts what one sweep did.
type SweepResult struct {
	Checked int `json:"checked"`
	Expired int `json:"expired"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// Sweeper expires requested swaps that were never answered.
type Sweeper struct {
	service   *Service
	store     Store
	logger    *slog.Logger
	batchSize int
}

// NewSweeper creates an expiry sweeper.
func NewSweeper(service *Service, store Store, logger *slog.Logger) *Sweeper {
	return &Sweeper{service: service, store: store, logger: logger, batchSize: sweepBatchSize}
}

// Sweep expires every requested swap created before now - maxAgeDays, paging
// through them oldest first. Each swap goes through the expire guard on its
// own: one that was accepted in the meantime is skipped, and a failure on one
// does not stop the rest.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time, maxAgeDays int) (SweepResult, error) {
	if maxAgeDays < 0 {
		return SweepResult{}, fmt.Errorf("%w: maxAgeDays must not be negative", ErrInvalidSwap)
	}
	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	cutoff := now.AddDate(0, 0, -maxAgeDays)
	var checked int
	var expired, skipped, failed atomic.Int64
	var after *pagination.Cursor
	for {
		stale, err := s.store.ListStale(ctx, StatusRequested, cutoff, after, s.batchSize)
		if err != nil {
			return SweepResult{}, fmt.Errorf("list stale swaps: %w", err)
		}
		checked += len(stale)

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(sweepConcurrency)
		for _, sw := range stale {
			g.Go(func() error {
				_, err := s.service.Expire(gctx, sw.ID)
				switch {
				case err == nil:
					expired.Add(1)
				case errors.Is(err, ErrIllegalTransition):
					skipped.Add(1)
					s.logger.Debug("swap no longer expirable", "swap_id", sw.ID, "reason", err)
				default:
					failed.Add(1)
					s.logger.Warn("failed to expire swap", "swap_id", sw.ID, "error", err)
				}
				// Per-swap errors never cancel the batch.
				return nil
			})
		}
		_ = g.Wait()

		if len(stale) < s.batchSize || ctx.Err() != nil {
			break
		}
		last := stale[len(stale)-1]
		after = &pagination.Cursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}

	res := SweepResult{
		Checked: checked,
		Expired: int(expired.Load()),
		Skipped: int(skipped.Load()),
		Failed:  int(failed.Load()),
	}
	metrics.SweepExpiredTotal.Add(float64(res.Expired))
	s.logger.Info("swap sweep finished",
		"cutoff", cutoff,
		"checked", res.Checked,
		"expired", res.Expired,
		"skipped", res.Skipped,
		"failed", res.Failed,
	)
	return res, nil
}

// Locker serializes sweeps across instances.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

// Timer runs the sweeper on a cron schedule.
type Timer struct {
	sweeper    *Sweeper
	locker     Locker
	schedule   string
	maxAgeDays int
	logger     *slog.Logger
	cron       *cron.Cron
	running    atomic.Bool
	now        func() time.Time
}

// NewTimer creates a sweep timer. locker may be nil for single-instance
// deployments.
func NewTimer(sweeper *Sweeper, locker Locker, schedule string, maxAgeDays int, logger *slog.Logger) *Timer {
	return &Timer{
		sweeper:    sweeper,
		locker:     locker,
		schedule:   schedule,
		maxAgeDays: maxAgeDays,
		logger:     logger,
		now:        time.Now,
	}
}

// Running reports whether the schedule is active.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start registers the schedule and blocks until ctx is done.
func (t *Timer) Start(ctx context.Context) error {
	t.cron = cron.New()
	if _, err := t.cron.AddFunc(t.schedule, func() { t.safeRun(ctx) }); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", t.schedule, err)
	}
	t.cron.Start()
	t.running.Store(true)
	t.logger.Info("swap sweep timer started", "schedule", t.schedule, "max_age_days", t.maxAgeDays)

	<-ctx.Done()
	stopped := t.cron.Stop()
	<-stopped.Done()
	t.running.Store(false)
	return nil
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in swap sweep", "panic", fmt.Sprint(r))
		}
	}()
	t.RunOnce(ctx)
}

// RunOnce sweeps now if this instance can take the lock.
func (t *Timer) RunOnce(ctx context.Context) {
	if t.locker != nil {
		token, ok, err := t.locker.TryLock(ctx, sweepLockKey, sweepLockTTL)
		if err != nil {
			t.logger.Warn("sweep lock unavailable", "error", err)
			return
		}
		if !ok {
			t.logger.Debug("sweep already running elsewhere")
			return
		}
		defer func() {
			if err := t.locker.Release(context.WithoutCancel(ctx), sweepLockKey, token); err != nil {
				t.logger.Warn("failed to release sweep lock", "error", err)
			}
		}()
	}

	if _, err := t.sweeper.Sweep(ctx, t.now(), t.maxAgeDays); err != nil {
		t.logger.Warn("swap sweep failed", "error", err)
	}
}
