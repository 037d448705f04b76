package postgres

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	v1 "github.com/atelierhq/pulse/internal/api/v1"
	"github.com/atelierhq/pulse/internal/core/dimension"
	"github.com/atelierhq/pulse/internal/core/metrics"
)

// marshalProps flattens the typed props union into the JSON object stored in
// the props column. Nil-safe: an empty payload stores SQL NULL.
func marshalProps(e *v1.RawEvent) ([]byte, error) {
	propsJSON, err := json.Marshal(e.Props)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal props: %w", err)
	}
	if string(propsJSON) == "{}" {
		return nil, nil
	}
	return propsJSON, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

// scanEventRow scans one raw_events row (left-joined with attribution) into a
// RawEvent. Props are re-dispatched through the typed union using the row's
// event type. Compatible with both sql.Row and sql.Rows.
func scanEventRow(row scanner) (*v1.RawEvent, error) {
	var (
		evt       v1.RawEvent
		propsJSON []byte

		device, browser, osName           sql.NullString
		refHost, refKind                  sql.NullString
		utmSource, utmMedium, utmCampaign sql.NullString
		enrichedAt                        sql.NullTime
	)

	err := row.Scan(
		&evt.ID,
		&evt.Type,
		&evt.ActorID,
		&evt.SessionID,
		&evt.Entity.ProjectID,
		&evt.Entity.AssetID,
		&evt.Entity.PostID,
		&evt.Entity.LicenseID,
		&evt.OccurredAt,
		&evt.IngestedAt,
		&evt.Fingerprint,
		&evt.Duplicate,
		&propsJSON,
		&evt.IngestSeq,
		&device,
		&browser,
		&osName,
		&refHost,
		&refKind,
		&utmSource,
		&utmMedium,
		&utmCampaign,
		&enrichedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan event row: %w", err)
	}

	if len(propsJSON) > 0 {
		props, err := v1.DecodeProps(evt.Type, propsJSON)
		if err != nil {
			return nil, fmt.Errorf("failed to decode stored props: %w", err)
		}
		evt.Props = props
	}

	if enrichedAt.Valid {
		evt.Attribution = &v1.Attribution{
			EventID:      evt.ID,
			Device:       device.String,
			Browser:      browser.String,
			OS:           osName.String,
			ReferrerHost: refHost.String,
			ReferrerKind: refKind.String,
			UTMSource:    utmSource.String,
			UTMMedium:    utmMedium.String,
			UTMCampaign:  utmCampaign.String,
			EnrichedAt:   enrichedAt.Time,
		}
	}

	return &evt, nil
}

// scanDailyRow scans one daily_metrics row.
func scanDailyRow(row scanner) (metrics.DailyMetric, error) {
	var (
		m          metrics.DailyMetric
		revenueStr string
	)

	err := row.Scan(
		&m.Date,
		&m.Dimension.ProjectID,
		&m.Dimension.AssetID,
		&m.Dimension.PostID,
		&m.Dimension.LicenseID,
		&m.Views,
		&m.Clicks,
		&m.Conversions,
		&revenueStr,
		&m.Visitors,
		&m.EngagementMs,
		&m.UpdatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("failed to scan daily metric row: %w", err)
	}

	revenue, err := decimal.NewFromString(revenueStr)
	if err != nil {
		return m, fmt.Errorf("failed to parse revenue %q: %w", revenueStr, err)
	}
	m.Revenue = revenue
	return m, nil
}

// scanWeeklyRow scans one weekly_metrics row; growth_pct is nullable.
func scanWeeklyRow(row scanner) (metrics.WeeklyMetric, error) {
	var (
		m          metrics.WeeklyMetric
		revenueStr string
		growthStr  sql.NullString
	)

	err := row.Scan(
		&m.WeekStart,
		&m.Dimension.ProjectID,
		&m.Dimension.AssetID,
		&m.Dimension.PostID,
		&m.Dimension.LicenseID,
		&m.Views,
		&m.Clicks,
		&m.Conversions,
		&revenueStr,
		&m.Visitors,
		&m.EngagementMs,
		&growthStr,
		&m.UpdatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("failed to scan weekly metric row: %w", err)
	}

	revenue, err := decimal.NewFromString(revenueStr)
	if err != nil {
		return m, fmt.Errorf("failed to parse revenue %q: %w", revenueStr, err)
	}
	m.Revenue = revenue

	m.GrowthPct, err = parseNullDecimal(growthStr)
	if err != nil {
		return m, err
	}
	return m, nil
}

// scanMonthlyRow scans one monthly_metrics row, including the embedded
// weekly breakdown JSON.
func scanMonthlyRow(row scanner) (metrics.MonthlyMetric, error) {
	var (
		m          metrics.MonthlyMetric
		revenueStr string
		weeksJSON  []byte
		momStr     sql.NullString
		yoyStr     sql.NullString
	)

	err := row.Scan(
		&m.MonthStart,
		&m.Dimension.ProjectID,
		&m.Dimension.AssetID,
		&m.Dimension.PostID,
		&m.Dimension.LicenseID,
		&m.Views,
		&m.Clicks,
		&m.Conversions,
		&revenueStr,
		&m.Visitors,
		&m.EngagementMs,
		&weeksJSON,
		&momStr,
		&yoyStr,
		&m.UpdatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("failed to scan monthly metric row: %w", err)
	}

	revenue, err := decimal.NewFromString(revenueStr)
	if err != nil {
		return m, fmt.Errorf("failed to parse revenue %q: %w", revenueStr, err)
	}
	m.Revenue = revenue

	if len(weeksJSON) > 0 {
		if err := json.Unmarshal(weeksJSON, &m.Weeks); err != nil {
			return m, fmt.Errorf("failed to unmarshal weekly breakdown: %w", err)
		}
	}

	if m.MoMGrowthPct, err = parseNullDecimal(momStr); err != nil {
		return m, err
	}
	if m.YoYGrowthPct, err = parseNullDecimal(yoyStr); err != nil {
		return m, err
	}
	return m, nil
}

func parseNullDecimal(s sql.NullString) (*decimal.Decimal, error) {
	if !s.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(s.String)
	if err != nil {
		return nil, fmt.Errorf("failed to parse decimal %q: %w", s.String, err)
	}
	return &d, nil
}

// nullDecimalArg converts an optional decimal into its SQL argument.
func nullDecimalArg(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return d.String()
}

// dimensionArgs expands a dimension key into its four column arguments.
func dimensionArgs(k dimension.Key) (string, string, string, string) {
	return k.ProjectID, k.AssetID, k.PostID, k.LicenseID
}

// dateArg normalizes a period boundary to midnight UTC for DATE columns.
func dateArg(t time.Time) time.Time {
	year, month, day := t.UTC().Date()
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}
