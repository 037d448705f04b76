// Package aggregate builds the daily, weekly and monthly metric tiers.
// Daily reads raw events; weekly and monthly read only lower-tier rows, so
// a query over N days resolves through materialized tiers, never a raw scan.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	corerrors "github.com/atelierhq/pulse/internal/core/errors"
	"github.com/atelierhq/pulse/internal/core/metrics"
	"github.com/atelierhq/pulse/internal/core/storage"
	"github.com/atelierhq/pulse/internal/faststore"
)

const lockKeyPrefix = "lock:"

// Invalidator is the cache hook fired when a period's rows change.
type Invalidator interface {
	// InvalidateTier drops every cached response for one tier.
	InvalidateTier(ctx context.Context, tier metrics.Tier) (int, error)
}

// Engine runs the aggregation jobs. Cross-instance coordination goes through
// fast-store period locks, so concurrent schedulers (or a scheduler racing an
// admin backfill) never double-run a period; thanks to upsert-overwrite a
// lost race is harmless anyway.
type Engine struct {
	events    storage.EventStore
	metrics   storage.MetricStore
	jobLogs   storage.JobLogStore
	locks     faststore.Store
	cache     Invalidator // optional
	batchSize int
	lockTTL   time.Duration

	// now is injectable for tests.
	now func() time.Time
}

// NewEngine creates the aggregation engine. cache may be nil.
func NewEngine(events storage.EventStore, metricStore storage.MetricStore, jobLogs storage.JobLogStore, locks faststore.Store, cache Invalidator, batchSize int, lockTTL time.Duration) *Engine {
	if events == nil {
		panic("aggregate: event store is required")
	}
	if metricStore == nil {
		panic("aggregate: metric store is required")
	}
	if jobLogs == nil {
		panic("aggregate: job log store is required")
	}
	if locks == nil {
		panic("aggregate: lock store is required")
	}
	if batchSize <= 0 {
		panic("aggregate: batch size must be > 0")
	}
	return &Engine{
		events:    events,
		metrics:   metricStore,
		jobLogs:   jobLogs,
		locks:     locks,
		cache:     cache,
		batchSize: batchSize,
		lockTTL:   lockTTL,
		now:       time.Now,
	}
}

// Result summarizes one job run.
type Result struct {
	// Skipped is true when another instance held the period lock.
	Skipped      bool
	Rows         int
	FailedGroups []string
}

// runPeriod wraps one job execution with the period lock and the job log
// lifecycle. build does the tier-specific work and reports rows written plus
// any failed dimension groups.
func (e *Engine) runPeriod(ctx context.Context, jobType storage.JobType, periodStart, periodEnd time.Time, build func(ctx context.Context) (int, []string, error)) (Result, error) {
	lockKey := fmt.Sprintf("%s%s:%s", lockKeyPrefix, jobType, periodStart.Format("2006-01-02"))
	if err := e.acquireLock(ctx, jobType, lockKey); err != nil {
		if errors.Is(err, corerrors.ErrLockHeld) {
			slog.Info("[Aggregate] Period lock held elsewhere, skipping",
				"job_type", jobType,
				"period_start", periodStart.Format("2006-01-02"))
			return Result{Skipped: true}, nil
		}
		return Result{}, err
	}
	defer func() {
		if delErr := e.locks.Del(context.WithoutCancel(ctx), lockKey); delErr != nil {
			// TTL expiry releases the lock eventually.
			slog.Warn("[Aggregate] Failed to release period lock", "lock", lockKey, "error", delErr)
		}
	}()

	jobID, err := e.jobLogs.StartJobLog(ctx, jobType, periodStart, periodEnd)
	if err != nil {
		return Result{}, fmt.Errorf("start %s job log: %w", jobType, err)
	}

	rows, failedGroups, buildErr := build(ctx)

	status := storage.JobCompleted
	var errorsCount int64
	switch {
	case buildErr != nil:
		status = storage.JobFailed
		errorsCount = int64(len(failedGroups)) + 1
	case len(failedGroups) > 0:
		status = storage.JobPartial
		errorsCount = int64(len(failedGroups))
	}

	if finErr := e.jobLogs.FinishJobLog(context.WithoutCancel(ctx), jobID, status, int64(rows), errorsCount, failedGroups); finErr != nil {
		slog.Error("[Aggregate] Failed to finalize job log",
			"job_id", jobID,
			"status", status,
			"error", finErr)
	}

	if buildErr != nil {
		return Result{Rows: rows, FailedGroups: failedGroups}, buildErr
	}

	e.invalidate(ctx, tierFor(jobType))

	slog.Info("[Aggregate] Period complete",
		"job_type", jobType,
		"period_start", periodStart.Format("2006-01-02"),
		"rows", rows,
		"status", status)
	return Result{Rows: rows, FailedGroups: failedGroups}, nil
}

// acquireLock takes the fast-store period lock. Returns ErrLockHeld when
// another run owns it.
func (e *Engine) acquireLock(ctx context.Context, jobType storage.JobType, lockKey string) error {
	acquired, err := e.locks.SetNX(ctx, lockKey, "1", e.lockTTL)
	if err != nil {
		return fmt.Errorf("acquire %s lock: %w", jobType, err)
	}
	if !acquired {
		return corerrors.ErrLockHeld
	}
	return nil
}

func (e *Engine) invalidate(ctx context.Context, tier metrics.Tier) {
	if e.cache == nil {
		return
	}
	removed, err := e.cache.InvalidateTier(ctx, tier)
	if err != nil {
		// Stale entries age out on their TTL.
		slog.Warn("[Aggregate] Cache invalidation failed", "tier", tier, "error", err)
		return
	}
	if removed > 0 {
		slog.Debug("[Aggregate] Invalidated cached responses", "tier", tier, "removed", removed)
	}
}

func tierFor(jobType storage.JobType) metrics.Tier {
	switch jobType {
	case storage.JobWeekly:
		return metrics.TierWeekly
	case storage.JobMonthly:
		return metrics.TierMonthly
	default:
		return metrics.TierDaily
	}
}

// Period boundary helpers. All periods are UTC.

// DayStart truncates t to midnight UTC.
func DayStart(t time.Time) time.Time {
	year, month, day := t.UTC().Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// WeekStart returns the Monday midnight UTC opening t's week.
func WeekStart(t time.Time) time.Time {
	day := DayStart(t)
	offset := (int(day.Weekday()) + 6) % 7 // Monday = 0
	return day.AddDate(0, 0, -offset)
}

// MonthStart returns the first of t's month, midnight UTC.
func MonthStart(t time.Time) time.Time {
	year, month, _ := t.UTC().Date()
	return time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
}
