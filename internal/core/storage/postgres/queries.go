package postgres

// SQL for the pipeline's durable tables. Upserts carry the idempotency
// contract: aggregation re-runs overwrite rows rather than accumulate.

const (
	// queryInsertEvent inserts one raw event.
	// ON CONFLICT DO NOTHING returns no rows (sql.ErrNoRows) when the client
	// retried with the same ID; RETURNING feeds ingest_seq cursor tracking.
	queryInsertEvent = `
		INSERT INTO raw_events (
			id, type, actor_id, session_id,
			project_id, asset_id, post_id, license_id,
			occurred_at, ingested_at, fingerprint, props
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING
		RETURNING ingest_seq
	`

	// queryGetEvent fetches one event with its attribution, when present.
	queryGetEvent = `
		SELECT
			e.id, e.type, e.actor_id, e.session_id,
			e.project_id, e.asset_id, e.post_id, e.license_id,
			e.occurred_at, e.ingested_at, e.fingerprint, e.duplicate,
			e.props, e.ingest_seq,
			a.device, a.browser, a.os, a.referrer_host, a.referrer_kind,
			a.utm_source, a.utm_medium, a.utm_campaign, a.enriched_at
		FROM raw_events e
		LEFT JOIN event_attributions a ON a.event_id = e.id
		WHERE e.id = $1
	`

	// queryEventsInRange pages non-duplicate events by occurred_at window in
	// strict ingest_seq order. Cursor pagination prevents batch boundary
	// loss when a day spans multiple pages.
	queryEventsInRange = `
		SELECT
			e.id, e.type, e.actor_id, e.session_id,
			e.project_id, e.asset_id, e.post_id, e.license_id,
			e.occurred_at, e.ingested_at, e.fingerprint, e.duplicate,
			e.props, e.ingest_seq,
			a.device, a.browser, a.os, a.referrer_host, a.referrer_kind,
			a.utm_source, a.utm_medium, a.utm_campaign, a.enriched_at
		FROM raw_events e
		LEFT JOIN event_attributions a ON a.event_id = e.id
		WHERE e.occurred_at >= $1
		  AND e.occurred_at < $2
		  AND e.ingest_seq > $3
		  AND e.duplicate = FALSE
		ORDER BY e.ingest_seq ASC
		LIMIT $4
	`

	// querySweepDuplicates flags every row that shares a fingerprint with an
	// earlier row, keeping the earliest. The ingestion window only selects
	// candidate fingerprints; ranking runs over all rows carrying one, so a
	// retry arriving long after its original still ranks behind it. The
	// fingerprint already encodes occurred_at truncated to one second, so
	// partitioning by fingerprint IS the 1-second identity window.
	// duplicate = FALSE in the outer WHERE makes re-runs no-ops.
	querySweepDuplicates = `
		UPDATE raw_events
		SET duplicate = TRUE
		WHERE id IN (
			SELECT id FROM (
				SELECT id,
					ROW_NUMBER() OVER (
						PARTITION BY fingerprint
						ORDER BY occurred_at ASC, ingest_seq ASC
					) AS rank
				FROM raw_events
				WHERE fingerprint IN (
					SELECT fingerprint FROM raw_events
					WHERE ingested_at >= $1 AND ingested_at < $2
				)
			) ranked
			WHERE ranked.rank > 1
		)
		AND duplicate = FALSE
	`

	// queryCountLiveEvents backs the realtime reconciler's durable truth for
	// the ingest counter.
	queryCountLiveEvents = `
		SELECT COUNT(*) FROM raw_events WHERE duplicate = FALSE
	`

	querySaveAttribution = `
		INSERT INTO event_attributions (
			event_id, device, browser, os,
			referrer_host, referrer_kind,
			utm_source, utm_medium, utm_campaign, enriched_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (event_id) DO UPDATE SET
			device        = EXCLUDED.device,
			browser       = EXCLUDED.browser,
			os            = EXCLUDED.os,
			referrer_host = EXCLUDED.referrer_host,
			referrer_kind = EXCLUDED.referrer_kind,
			utm_source    = EXCLUDED.utm_source,
			utm_medium    = EXCLUDED.utm_medium,
			utm_campaign  = EXCLUDED.utm_campaign,
			enriched_at   = EXCLUDED.enriched_at
	`

	// queryUpsertDaily overwrites the full measure set. Re-running a day
	// with unchanged input produces byte-identical rows.
	queryUpsertDaily = `
		INSERT INTO daily_metrics (
			metric_date, project_id, asset_id, post_id, license_id,
			views, clicks, conversions, revenue, visitors, engagement_ms, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (metric_date, project_id, asset_id, post_id, license_id)
		DO UPDATE SET
			views         = EXCLUDED.views,
			clicks        = EXCLUDED.clicks,
			conversions   = EXCLUDED.conversions,
			revenue       = EXCLUDED.revenue,
			visitors      = EXCLUDED.visitors,
			engagement_ms = EXCLUDED.engagement_ms,
			updated_at    = EXCLUDED.updated_at
	`

	queryUpsertWeekly = `
		INSERT INTO weekly_metrics (
			week_start, project_id, asset_id, post_id, license_id,
			views, clicks, conversions, revenue, visitors, engagement_ms,
			growth_pct, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (week_start, project_id, asset_id, post_id, license_id)
		DO UPDATE SET
			views         = EXCLUDED.views,
			clicks        = EXCLUDED.clicks,
			conversions   = EXCLUDED.conversions,
			revenue       = EXCLUDED.revenue,
			visitors      = EXCLUDED.visitors,
			engagement_ms = EXCLUDED.engagement_ms,
			growth_pct    = EXCLUDED.growth_pct,
			updated_at    = EXCLUDED.updated_at
	`

	queryUpsertMonthly = `
		INSERT INTO monthly_metrics (
			month_start, project_id, asset_id, post_id, license_id,
			views, clicks, conversions, revenue, visitors, engagement_ms,
			weeks, mom_growth_pct, yoy_growth_pct, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (month_start, project_id, asset_id, post_id, license_id)
		DO UPDATE SET
			views          = EXCLUDED.views,
			clicks         = EXCLUDED.clicks,
			conversions    = EXCLUDED.conversions,
			revenue        = EXCLUDED.revenue,
			visitors       = EXCLUDED.visitors,
			engagement_ms  = EXCLUDED.engagement_ms,
			weeks          = EXCLUDED.weeks,
			mom_growth_pct = EXCLUDED.mom_growth_pct,
			yoy_growth_pct = EXCLUDED.yoy_growth_pct,
			updated_at     = EXCLUDED.updated_at
	`

	queryDailyByDimension = `
		SELECT
			metric_date, project_id, asset_id, post_id, license_id,
			views, clicks, conversions, revenue, visitors, engagement_ms, updated_at
		FROM daily_metrics
		WHERE project_id = $1 AND asset_id = $2 AND post_id = $3 AND license_id = $4
		  AND metric_date >= $5 AND metric_date < $6
		ORDER BY metric_date ASC
	`

	queryDailyInRange = `
		SELECT
			metric_date, project_id, asset_id, post_id, license_id,
			views, clicks, conversions, revenue, visitors, engagement_ms, updated_at
		FROM daily_metrics
		WHERE metric_date >= $1 AND metric_date < $2
		ORDER BY metric_date ASC
	`

	queryWeeklyByDimension = `
		SELECT
			week_start, project_id, asset_id, post_id, license_id,
			views, clicks, conversions, revenue, visitors, engagement_ms,
			growth_pct, updated_at
		FROM weekly_metrics
		WHERE project_id = $1 AND asset_id = $2 AND post_id = $3 AND license_id = $4
		  AND week_start >= $5 AND week_start < $6
		ORDER BY week_start ASC
	`

	queryMonthlyByDimension = `
		SELECT
			month_start, project_id, asset_id, post_id, license_id,
			views, clicks, conversions, revenue, visitors, engagement_ms,
			weeks, mom_growth_pct, yoy_growth_pct, updated_at
		FROM monthly_metrics
		WHERE project_id = $1 AND asset_id = $2 AND post_id = $3 AND license_id = $4
		  AND month_start >= $5 AND month_start < $6
		ORDER BY month_start ASC
	`

	queryStartJobLog = `
		INSERT INTO aggregation_job_logs (
			job_type, period_start, period_end, started_at, status,
			records_processed, errors_count
		)
		VALUES ($1, $2, $3, $4, 'RUNNING', 0, 0)
		RETURNING id
	`

	// queryFinishJobLog finalizes exactly one RUNNING row. The status guard
	// enforces append-only semantics: a finalized log is never rewritten.
	queryFinishJobLog = `
		UPDATE aggregation_job_logs
		SET status = $2,
			completed_at = $3,
			records_processed = $4,
			errors_count = $5,
			failed_groups = $6
		WHERE id = $1 AND status = 'RUNNING'
	`

	queryListJobLogs = `
		SELECT
			id, job_type, period_start, period_end, started_at, completed_at,
			status, records_processed, errors_count, failed_groups
		FROM aggregation_job_logs
		WHERE ($1 = '' OR job_type = $1)
		  AND ($2 = '' OR status = $2)
		  AND started_at >= $3
		ORDER BY started_at DESC
		LIMIT $4
	`

	queryInsertDeadLetter = `
		INSERT INTO dead_letter_batches (payload, reason, event_count, created_at)
		VALUES ($1, $2, $3, $4)
	`

	queryUpsertCheckpoint = `
		INSERT INTO realtime_checkpoints (key, kind, payload, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE SET
			kind       = EXCLUDED.kind,
			payload    = EXCLUDED.payload,
			updated_at = EXCLUDED.updated_at
	`

	queryGetCheckpoint = `
		SELECT key, kind, payload, updated_at
		FROM realtime_checkpoints
		WHERE key = $1
	`

	queryListCheckpoints = `
		SELECT key, kind, payload, updated_at
		FROM realtime_checkpoints
		ORDER BY key ASC
	`

	queryDeleteCheckpoint = `DELETE FROM realtime_checkpoints WHERE key = $1`
)
