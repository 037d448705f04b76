package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/atelierhq/pulse/internal/core/dimension"
	corerrors "github.com/atelierhq/pulse/internal/core/errors"
	"github.com/atelierhq/pulse/internal/core/metrics"
)

// MetricsAdapter implements storage.MetricStore using PostgreSQL.
// Every upsert overwrites the full measure set, which is what makes
// aggregation re-runs and backfills idempotent.
type MetricsAdapter struct {
	db *sql.DB
}

// NewMetricsAdapter creates a MetricsAdapter sharing the given connection.
func NewMetricsAdapter(db *sql.DB) *MetricsAdapter {
	return &MetricsAdapter{db: db}
}

// UpsertDaily writes all daily rows in one transaction.
func (a *MetricsAdapter) UpsertDaily(ctx context.Context, rows []metrics.DailyMetric) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return corerrors.Transient("durable", "begin daily upsert tx", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, queryUpsertDaily)
	if err != nil {
		return corerrors.Transient("durable", "prepare daily upsert", err)
	}
	defer stmt.Close()

	for _, m := range rows {
		project, asset, post, license := dimensionArgs(m.Dimension)
		if _, err := stmt.ExecContext(ctx,
			dateArg(m.Date), project, asset, post, license,
			m.Views, m.Clicks, m.Conversions, m.Revenue.String(),
			m.Visitors, m.EngagementMs, m.UpdatedAt,
		); err != nil {
			return corerrors.Transient("durable", fmt.Sprintf("upsert daily %s/%s", m.Date.Format("2006-01-02"), m.Dimension.Encode()), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return corerrors.Transient("durable", "commit daily upsert", err)
	}

	slog.Debug("[Postgres] Upserted daily metrics", "rows", len(rows))
	return nil
}

// UpsertWeekly writes all weekly rows in one transaction.
func (a *MetricsAdapter) UpsertWeekly(ctx context.Context, rows []metrics.WeeklyMetric) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return corerrors.Transient("durable", "begin weekly upsert tx", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, queryUpsertWeekly)
	if err != nil {
		return corerrors.Transient("durable", "prepare weekly upsert", err)
	}
	defer stmt.Close()

	for _, m := range rows {
		project, asset, post, license := dimensionArgs(m.Dimension)
		if _, err := stmt.ExecContext(ctx,
			dateArg(m.WeekStart), project, asset, post, license,
			m.Views, m.Clicks, m.Conversions, m.Revenue.String(),
			m.Visitors, m.EngagementMs,
			nullDecimalArg(m.GrowthPct), m.UpdatedAt,
		); err != nil {
			return corerrors.Transient("durable", fmt.Sprintf("upsert weekly %s/%s", m.WeekStart.Format("2006-01-02"), m.Dimension.Encode()), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return corerrors.Transient("durable", "commit weekly upsert", err)
	}

	slog.Debug("[Postgres] Upserted weekly metrics", "rows", len(rows))
	return nil
}

// UpsertMonthly writes all monthly rows in one transaction, embedding the
// weekly breakdown as JSON.
func (a *MetricsAdapter) UpsertMonthly(ctx context.Context, rows []metrics.MonthlyMetric) error {
	if len(rows) == 0 {
		return nil
	}

	tx, err := a.db.BeginTx(ctx, nil)
	if err != nil {
		return corerrors.Transient("durable", "begin monthly upsert tx", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, queryUpsertMonthly)
	if err != nil {
		return corerrors.Transient("durable", "prepare monthly upsert", err)
	}
	defer stmt.Close()

	for _, m := range rows {
		weeksJSON, err := json.Marshal(m.Weeks)
		if err != nil {
			return fmt.Errorf("marshal weekly breakdown for %s: %w", m.Dimension.Encode(), err)
		}

		project, asset, post, license := dimensionArgs(m.Dimension)
		if _, err := stmt.ExecContext(ctx,
			dateArg(m.MonthStart), project, asset, post, license,
			m.Views, m.Clicks, m.Conversions, m.Revenue.String(),
			m.Visitors, m.EngagementMs, weeksJSON,
			nullDecimalArg(m.MoMGrowthPct), nullDecimalArg(m.YoYGrowthPct),
			m.UpdatedAt,
		); err != nil {
			return corerrors.Transient("durable", fmt.Sprintf("upsert monthly %s/%s", m.MonthStart.Format("2006-01"), m.Dimension.Encode()), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return corerrors.Transient("durable", "commit monthly upsert", err)
	}

	slog.Debug("[Postgres] Upserted monthly metrics", "rows", len(rows))
	return nil
}

// QueryDaily returns one dimension's rows with date in [from, to).
func (a *MetricsAdapter) QueryDaily(ctx context.Context, dim dimension.Key, from, to time.Time) ([]metrics.DailyMetric, error) {
	project, asset, post, license := dimensionArgs(dim)
	rows, err := a.db.QueryContext(ctx, queryDailyByDimension,
		project, asset, post, license, dateArg(from), dateArg(to))
	if err != nil {
		return nil, corerrors.Transient("durable", "query daily metrics", err)
	}
	defer rows.Close()

	var out []metrics.DailyMetric
	for rows.Next() {
		m, err := scanDailyRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, corerrors.Transient("durable", "iterate daily metrics", err)
	}
	return out, nil
}

// DailyInRange returns every dimension's rows with date in [from, to).
func (a *MetricsAdapter) DailyInRange(ctx context.Context, from, to time.Time) ([]metrics.DailyMetric, error) {
	rows, err := a.db.QueryContext(ctx, queryDailyInRange, dateArg(from), dateArg(to))
	if err != nil {
		return nil, corerrors.Transient("durable", "query daily range", err)
	}
	defer rows.Close()

	var out []metrics.DailyMetric
	for rows.Next() {
		m, err := scanDailyRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, corerrors.Transient("durable", "iterate daily range", err)
	}
	return out, nil
}

// QueryWeekly returns one dimension's rows with week_start in [from, to).
func (a *MetricsAdapter) QueryWeekly(ctx context.Context, dim dimension.Key, from, to time.Time) ([]metrics.WeeklyMetric, error) {
	project, asset, post, license := dimensionArgs(dim)
	rows, err := a.db.QueryContext(ctx, queryWeeklyByDimension,
		project, asset, post, license, dateArg(from), dateArg(to))
	if err != nil {
		return nil, corerrors.Transient("durable", "query weekly metrics", err)
	}
	defer rows.Close()

	var out []metrics.WeeklyMetric
	for rows.Next() {
		m, err := scanWeeklyRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, corerrors.Transient("durable", "iterate weekly metrics", err)
	}
	return out, nil
}

// QueryMonthly returns one dimension's rows with month_start in [from, to).
func (a *MetricsAdapter) QueryMonthly(ctx context.Context, dim dimension.Key, from, to time.Time) ([]metrics.MonthlyMetric, error) {
	project, asset, post, license := dimensionArgs(dim)
	rows, err := a.db.QueryContext(ctx, queryMonthlyByDimension,
		project, asset, post, license, dateArg(from), dateArg(to))
	if err != nil {
		return nil, corerrors.Transient("durable", "query monthly metrics", err)
	}
	defer rows.Close()

	var out []metrics.MonthlyMetric
	for rows.Next() {
		m, err := scanMonthlyRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, corerrors.Transient("durable", "iterate monthly metrics", err)
	}
	return out, nil
}
