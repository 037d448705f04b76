package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atelierhq/pulse/internal/core/dimension"
	"github.com/atelierhq/pulse/internal/core/metrics"
	"github.com/atelierhq/pulse/internal/core/storage"
)

// RunWeekly rolls one completed Monday-start week of daily rows up into
// WeeklyMetric rows. Growth is week-over-week on views, nil when the prior
// week has no traffic for the group.
func (e *Engine) RunWeekly(ctx context.Context, weekStart time.Time) (Result, error) {
	start := WeekStart(weekStart)
	end := start.AddDate(0, 0, 7)

	return e.runPeriod(ctx, storage.JobWeekly, start, end, func(ctx context.Context) (int, []string, error) {
		current, err := sumDailies(ctx, e.metrics, start, end)
		if err != nil {
			return 0, nil, fmt.Errorf("read week dailies: %w", err)
		}
		previous, err := sumDailies(ctx, e.metrics, start.AddDate(0, 0, -7), start)
		if err != nil {
			return 0, nil, fmt.Errorf("read prior week dailies: %w", err)
		}

		now := e.now().UTC()
		var written int
		var failedGroups []string
		for key, totals := range current {
			row := metrics.WeeklyMetric{
				WeekStart: start,
				Dimension: key,
				Totals:    totals,
				GrowthPct: growthAgainst(previous, key, totals),
				UpdatedAt: now,
			}

			if err := e.metrics.UpsertWeekly(ctx, []metrics.WeeklyMetric{row}); err != nil {
				slog.Error("[Aggregate] Weekly upsert failed for group",
					"week_start", start.Format("2006-01-02"),
					"dimension", key.Encode(),
					"error", err)
				failedGroups = append(failedGroups, key.Encode())
				continue
			}
			written++
		}
		return written, failedGroups, nil
	})
}

// sumDailies reads every dimension's daily rows in [from, to) and sums them
// per dimension key.
func sumDailies(ctx context.Context, store storage.MetricStore, from, to time.Time) (map[dimension.Key]metrics.Totals, error) {
	rows, err := store.DailyInRange(ctx, from, to)
	if err != nil {
		return nil, err
	}

	sums := make(map[dimension.Key]metrics.Totals, len(rows))
	for _, row := range rows {
		t := sums[row.Dimension]
		t.Add(row.Totals)
		sums[row.Dimension] = t
	}
	return sums, nil
}

// growthAgainst computes the period-over-period view growth for one group.
func growthAgainst(previous map[dimension.Key]metrics.Totals, key dimension.Key, current metrics.Totals) *decimal.Decimal {
	prev, ok := previous[key]
	if !ok {
		return nil
	}
	return metrics.GrowthPercent(
		decimal.NewFromInt(prev.Views),
		decimal.NewFromInt(current.Views),
	)
}
