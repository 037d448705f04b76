package aggregate

import (
	"context"
	"log/slog"
	"time"
)

// Scheduler triggers aggregation for the most recently closed period of each
// tier on independent intervals. Triggering an already-aggregated period is
// cheap and harmless (upsert-overwrite), so intervals err on the frequent
// side rather than risk a stale tier.
type Scheduler struct {
	engine          *Engine
	dailyInterval   time.Duration
	weeklyInterval  time.Duration
	monthlyInterval time.Duration

	// now is injectable for tests.
	now func() time.Time
}

// NewScheduler creates the built-in scheduler. Deployments with an external
// job runner disable it and drive the admin backfill endpoint instead.
func NewScheduler(engine *Engine, dailyInterval, weeklyInterval, monthlyInterval time.Duration) *Scheduler {
	if engine == nil {
		panic("aggregate: engine is required")
	}
	return &Scheduler{
		engine:          engine,
		dailyInterval:   dailyInterval,
		weeklyInterval:  weeklyInterval,
		monthlyInterval: monthlyInterval,
		now:             time.Now,
	}
}

// Start runs the tier tickers until the context is cancelled. A job in
// flight when cancellation arrives finishes its current dimension group and
// finalizes its log. Blocks; run in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	slog.Info("[Aggregate] Scheduler started",
		"daily_interval", s.dailyInterval,
		"weekly_interval", s.weeklyInterval,
		"monthly_interval", s.monthlyInterval)

	daily := time.NewTicker(s.dailyInterval)
	weekly := time.NewTicker(s.weeklyInterval)
	monthly := time.NewTicker(s.monthlyInterval)
	defer daily.Stop()
	defer weekly.Stop()
	defer monthly.Stop()

	// Catch up on startup: a restart should not wait a full interval to
	// aggregate periods that closed while the process was down.
	s.tickDaily(ctx)
	s.tickWeekly(ctx)
	s.tickMonthly(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("[Aggregate] Scheduler stopped")
			return
		case <-daily.C:
			s.tickDaily(ctx)
		case <-weekly.C:
			s.tickWeekly(ctx)
		case <-monthly.C:
			s.tickMonthly(ctx)
		}
	}
}

// tickDaily aggregates yesterday, the most recent closed day.
func (s *Scheduler) tickDaily(ctx context.Context) {
	day := DayStart(s.now()).AddDate(0, 0, -1)
	if _, err := s.engine.RunDaily(ctx, day); err != nil {
		slog.Error("[Aggregate] Scheduled daily run failed",
			"date", day.Format("2006-01-02"),
			"error", err)
	}
}

// tickWeekly aggregates the most recent fully closed Monday-start week.
func (s *Scheduler) tickWeekly(ctx context.Context) {
	week := WeekStart(s.now()).AddDate(0, 0, -7)
	if _, err := s.engine.RunWeekly(ctx, week); err != nil {
		slog.Error("[Aggregate] Scheduled weekly run failed",
			"week_start", week.Format("2006-01-02"),
			"error", err)
	}
}

// tickMonthly aggregates the most recent fully closed calendar month.
func (s *Scheduler) tickMonthly(ctx context.Context) {
	month := MonthStart(s.now()).AddDate(0, -1, 0)
	if _, err := s.engine.RunMonthly(ctx, month); err != nil {
		slog.Error("[Aggregate] Scheduled monthly run failed",
			"month_start", month.Format("2006-01"),
			"error", err)
	}
}
