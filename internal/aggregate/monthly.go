package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/atelierhq/pulse/internal/core/dimension"
	"github.com/atelierhq/pulse/internal/core/metrics"
	"github.com/atelierhq/pulse/internal/core/storage"
)

// RunMonthly rolls one completed calendar month of daily rows up into
// MonthlyMetric rows, embedding a per-week breakdown. Weeks straddling the
// month boundary contribute only their in-month days to the breakdown.
func (e *Engine) RunMonthly(ctx context.Context, monthStart time.Time) (Result, error) {
	start := MonthStart(monthStart)
	end := start.AddDate(0, 1, 0)

	return e.runPeriod(ctx, storage.JobMonthly, start, end, func(ctx context.Context) (int, []string, error) {
		dailies, err := e.metrics.DailyInRange(ctx, start, end)
		if err != nil {
			return 0, nil, fmt.Errorf("read month dailies: %w", err)
		}

		totals := make(map[dimension.Key]metrics.Totals)
		weeks := make(map[dimension.Key]map[time.Time]*metrics.WeekSummary)
		for _, row := range dailies {
			t := totals[row.Dimension]
			t.Add(row.Totals)
			totals[row.Dimension] = t

			ws := WeekStart(row.Date)
			byWeek, ok := weeks[row.Dimension]
			if !ok {
				byWeek = make(map[time.Time]*metrics.WeekSummary)
				weeks[row.Dimension] = byWeek
			}
			summary, ok := byWeek[ws]
			if !ok {
				summary = &metrics.WeekSummary{WeekStart: ws}
				byWeek[ws] = summary
			}
			summary.Views += row.Views
			summary.Clicks += row.Clicks
			summary.Conversions += row.Conversions
			summary.Revenue = summary.Revenue.Add(row.Revenue)
		}

		previous, err := sumDailies(ctx, e.metrics, start.AddDate(0, -1, 0), start)
		if err != nil {
			return 0, nil, fmt.Errorf("read prior month dailies: %w", err)
		}
		yearAgo, err := sumDailies(ctx, e.metrics, start.AddDate(-1, 0, 0), start.AddDate(-1, 1, 0))
		if err != nil {
			return 0, nil, fmt.Errorf("read prior year dailies: %w", err)
		}

		now := e.now().UTC()
		var written int
		var failedGroups []string
		for key, t := range totals {
			row := metrics.MonthlyMetric{
				MonthStart:   start,
				Dimension:    key,
				Totals:       t,
				Weeks:        sortedWeeks(weeks[key]),
				MoMGrowthPct: growthAgainst(previous, key, t),
				YoYGrowthPct: growthAgainst(yearAgo, key, t),
				UpdatedAt:    now,
			}

			if err := e.metrics.UpsertMonthly(ctx, []metrics.MonthlyMetric{row}); err != nil {
				slog.Error("[Aggregate] Monthly upsert failed for group",
					"month_start", start.Format("2006-01"),
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

// sortedWeeks orders a dimension's weekly breakdown chronologically so
// re-runs serialize identical JSON.
func sortedWeeks(byWeek map[time.Time]*metrics.WeekSummary) []metrics.WeekSummary {
	if len(byWeek) == 0 {
		return nil
	}
	out := make([]metrics.WeekSummary, 0, len(byWeek))
	for _, s := range byWeek {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WeekStart.Before(out[j].WeekStart) })
	return out
}
