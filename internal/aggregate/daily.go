package aggregate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	v1 "github.com/atelierhq/pulse/internal/api/v1"
	"github.com/atelierhq/pulse/internal/core/dimension"
	"github.com/atelierhq/pulse/internal/core/metrics"
	"github.com/atelierhq/pulse/internal/core/storage"
)

// dayGroup accumulates one dimension group's measures while scanning a day.
type dayGroup struct {
	totals metrics.Totals
	actors map[string]struct{}
}

// RunDaily aggregates one UTC day of raw events into DailyMetric rows: one
// row per distinct dimension key plus the platform-wide row. Re-running a day
// with unchanged input overwrites rows with identical values.
func (e *Engine) RunDaily(ctx context.Context, day time.Time) (Result, error) {
	dayStart := DayStart(day)
	dayEnd := dayStart.AddDate(0, 0, 1)

	return e.runPeriod(ctx, storage.JobDaily, dayStart, dayEnd, func(ctx context.Context) (int, []string, error) {
		groups, err := e.scanDay(ctx, dayStart, dayEnd)
		if err != nil {
			return 0, nil, err
		}

		now := e.now().UTC()
		var written int
		var failedGroups []string
		for key, g := range groups {
			g.totals.Visitors = int64(len(g.actors))
			row := metrics.DailyMetric{
				Date:      dayStart,
				Dimension: key,
				Totals:    g.totals,
				UpdatedAt: now,
			}

			// One row per upsert keeps group failures isolated: a bad row
			// never aborts the rest of the day.
			if err := e.metrics.UpsertDaily(ctx, []metrics.DailyMetric{row}); err != nil {
				slog.Error("[Aggregate] Daily upsert failed for group",
					"date", dayStart.Format("2006-01-02"),
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

// scanDay pages the day's non-duplicate events and accumulates per-dimension
// groups. Every event also feeds the platform-wide row.
func (e *Engine) scanDay(ctx context.Context, dayStart, dayEnd time.Time) (map[dimension.Key]*dayGroup, error) {
	groups := make(map[dimension.Key]*dayGroup)
	get := func(key dimension.Key) *dayGroup {
		g, ok := groups[key]
		if !ok {
			g = &dayGroup{actors: make(map[string]struct{})}
			groups[key] = g
		}
		return g
	}

	var cursor int64
	for {
		events, err := e.events.EventsInRange(ctx, dayStart, dayEnd, cursor, e.batchSize)
		if err != nil {
			return nil, fmt.Errorf("scan events for %s: %w", dayStart.Format("2006-01-02"), err)
		}
		if len(events) == 0 {
			break
		}

		for _, evt := range events {
			key := dimension.Key{
				ProjectID: evt.Entity.ProjectID,
				AssetID:   evt.Entity.AssetID,
				PostID:    evt.Entity.PostID,
				LicenseID: evt.Entity.LicenseID,
			}
			accumulate(get(key), evt)
			if !key.IsPlatform() {
				accumulate(get(dimension.Platform), evt)
			}
		}

		cursor = events[len(events)-1].IngestSeq
		if len(events) < e.batchSize {
			break
		}
	}

	return groups, nil
}

// accumulate folds one event into a group.
func accumulate(g *dayGroup, evt *v1.RawEvent) {
	switch evt.Type {
	case v1.TypePageView:
		g.totals.Views++
	case v1.TypeClick:
		g.totals.Clicks++
	case v1.TypeConversion:
		g.totals.Conversions++
		g.totals.Revenue = g.totals.Revenue.Add(evt.Props.RevenueOrZero())
	case v1.TypeSessionPing:
		g.totals.EngagementMs += evt.Props.EngagementMsOrZero()
	}

	if evt.ActorID != "" {
		g.actors[evt.ActorID] = struct{}{}
	}
}
