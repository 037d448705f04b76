// Package metrics defines the aggregated row types shared by the aggregation
// engine, the durable store adapters and the query API.
package metrics

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/atelierhq/pulse/internal/core/dimension"
)

// Tier is one granularity level of aggregation.
type Tier string

const (
	TierDaily   Tier = "daily"
	TierWeekly  Tier = "weekly"
	TierMonthly Tier = "monthly"
)

// Totals is the measure set every tier carries.
type Totals struct {
	Views        int64           `json:"views"`
	Clicks       int64           `json:"clicks"`
	Conversions  int64           `json:"conversions"`
	Revenue      decimal.Decimal `json:"revenue"`
	Visitors     int64           `json:"visitors"`
	EngagementMs int64           `json:"engagement_ms"`
}

// Add accumulates other into t. Visitors is a distinct-actor estimate, so
// summing across days over-counts returning visitors; acceptable for the
// weekly/monthly rollup (documented estimate, not an exact distinct count).
func (t *Totals) Add(other Totals) {
	t.Views += other.Views
	t.Clicks += other.Clicks
	t.Conversions += other.Conversions
	t.Revenue = t.Revenue.Add(other.Revenue)
	t.Visitors += other.Visitors
	t.EngagementMs += other.EngagementMs
}

// DailyMetric is one dimension group's totals for one UTC day.
// Unique per (Date, Dimension); written only by the daily job's
// upsert-overwrite, which makes re-runs idempotent.
type DailyMetric struct {
	Date      time.Time // midnight UTC
	Dimension dimension.Key
	Totals
	UpdatedAt time.Time
}

// WeeklyMetric is one dimension group's totals for one Monday-start week,
// built only from DailyMetric rows.
type WeeklyMetric struct {
	WeekStart time.Time // Monday midnight UTC
	Dimension dimension.Key
	Totals
	// GrowthPct is week-over-week growth in percent; nil when the previous
	// week's total is zero (growth undefined, never infinite).
	GrowthPct *decimal.Decimal
	UpdatedAt time.Time
}

// WeekSummary is one week's slice inside a MonthlyMetric breakdown.
// Weeks overlapping a month boundary contribute only their in-month days.
type WeekSummary struct {
	WeekStart   time.Time       `json:"week_start"`
	Views       int64           `json:"views"`
	Clicks      int64           `json:"clicks"`
	Conversions int64           `json:"conversions"`
	Revenue     decimal.Decimal `json:"revenue"`
}

// MonthlyMetric is one dimension group's totals for one calendar month,
// built only from DailyMetric rows.
type MonthlyMetric struct {
	MonthStart time.Time // first of month, midnight UTC
	Dimension  dimension.Key
	Totals
	Weeks []WeekSummary
	// MoMGrowthPct is month-over-month growth; nil when undefined.
	MoMGrowthPct *decimal.Decimal
	// YoYGrowthPct is year-over-year growth against the same month last
	// year; nil when no prior-year row exists or its total is zero.
	YoYGrowthPct *decimal.Decimal
	UpdatedAt    time.Time
}

// GrowthPercent computes (current - previous) / previous as a percentage.
// Returns nil when previous is zero: growth is undefined, not infinite.
func GrowthPercent(previous, current decimal.Decimal) *decimal.Decimal {
	if previous.IsZero() {
		return nil
	}
	growth := current.Sub(previous).
		Div(previous).
		Mul(decimal.NewFromInt(100)).
		Round(4)
	return &growth
}
