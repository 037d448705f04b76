package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	v1 "github.com/atelierhq/pulse/internal/api/v1"
	corerrors "github.com/atelierhq/pulse/internal/core/errors"
	"github.com/atelierhq/pulse/internal/core/storage"
)

// OpsAdapter implements storage.JobLogStore, storage.DeadLetterStore and
// storage.CheckpointStore, sharing the event adapter's connection.
type OpsAdapter struct {
	db *sql.DB
}

// NewOpsAdapter creates an OpsAdapter sharing the given connection.
func NewOpsAdapter(db *sql.DB) *OpsAdapter {
	return &OpsAdapter{db: db}
}

// StartJobLog appends a RUNNING row and returns its ID.
func (a *OpsAdapter) StartJobLog(ctx context.Context, jobType storage.JobType, periodStart, periodEnd time.Time) (int64, error) {
	var id int64
	err := a.db.QueryRowContext(ctx, queryStartJobLog,
		string(jobType), dateArg(periodStart), dateArg(periodEnd), time.Now().UTC(),
	).Scan(&id)
	if err != nil {
		return 0, corerrors.Transient("durable", "start job log", err)
	}

	slog.Info("[Postgres] Started aggregation job log",
		"job_id", id,
		"job_type", jobType,
		"period_start", periodStart.Format("2006-01-02"),
		"period_end", periodEnd.Format("2006-01-02"))
	return id, nil
}

// FinishJobLog finalizes a RUNNING row. Finalizing an already-completed row
// is an error: job logs are append-only.
func (a *OpsAdapter) FinishJobLog(ctx context.Context, id int64, status storage.JobStatus, recordsProcessed, errorsCount int64, failedGroups []string) error {
	var groupsJSON interface{}
	if len(failedGroups) > 0 {
		b, err := json.Marshal(failedGroups)
		if err != nil {
			return fmt.Errorf("marshal failed groups: %w", err)
		}
		groupsJSON = b
	}

	result, err := a.db.ExecContext(ctx, queryFinishJobLog,
		id, string(status), time.Now().UTC(), recordsProcessed, errorsCount, groupsJSON)
	if err != nil {
		return corerrors.Transient("durable", "finish job log", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish job log: rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("job log %d is not RUNNING, refusing to rewrite a finalized log", id)
	}

	slog.Info("[Postgres] Finalized aggregation job log",
		"job_id", id,
		"status", status,
		"records_processed", recordsProcessed,
		"errors_count", errorsCount)
	return nil
}

// ListJobLogs returns job executions matching the filter, newest first.
func (a *OpsAdapter) ListJobLogs(ctx context.Context, filter storage.JobLogFilter) ([]storage.JobLog, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	rows, err := a.db.QueryContext(ctx, queryListJobLogs,
		string(filter.JobType), string(filter.Status), filter.Since, limit)
	if err != nil {
		return nil, corerrors.Transient("durable", "list job logs", err)
	}
	defer rows.Close()

	var logs []storage.JobLog
	for rows.Next() {
		var (
			l           storage.JobLog
			completedAt sql.NullTime
			groupsJSON  []byte
		)
		if err := rows.Scan(
			&l.ID, &l.JobType, &l.PeriodStart, &l.PeriodEnd,
			&l.StartedAt, &completedAt, &l.Status,
			&l.RecordsProcessed, &l.ErrorsCount, &groupsJSON,
		); err != nil {
			return nil, fmt.Errorf("failed to scan job log row: %w", err)
		}
		if completedAt.Valid {
			l.CompletedAt = &completedAt.Time
		}
		if len(groupsJSON) > 0 {
			if err := json.Unmarshal(groupsJSON, &l.FailedGroups); err != nil {
				return nil, fmt.Errorf("failed to unmarshal failed groups: %w", err)
			}
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, corerrors.Transient("durable", "iterate job logs", err)
	}
	return logs, nil
}

// SaveDeadLetterBatch preserves a batch that exhausted its flush retries so
// operators can replay it after the outage.
func (a *OpsAdapter) SaveDeadLetterBatch(ctx context.Context, events []*v1.RawEvent, reason string) error {
	payload, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("marshal dead letter batch: %w", err)
	}

	_, err = a.db.ExecContext(ctx, queryInsertDeadLetter,
		payload, reason, len(events), time.Now().UTC())
	if err != nil {
		return corerrors.Transient("durable", "save dead letter batch", err)
	}

	slog.Warn("[Postgres] Saved dead letter batch",
		"event_count", len(events),
		"reason", reason)
	return nil
}

// UpsertCheckpoint persists one realtime metric value.
func (a *OpsAdapter) UpsertCheckpoint(ctx context.Context, cp storage.RealtimeCheckpoint) error {
	_, err := a.db.ExecContext(ctx, queryUpsertCheckpoint,
		cp.Key, cp.Kind, cp.Payload, cp.UpdatedAt)
	if err != nil {
		return corerrors.Transient("durable", "upsert checkpoint", err)
	}
	return nil
}

// GetCheckpoint fetches one checkpoint by key.
func (a *OpsAdapter) GetCheckpoint(ctx context.Context, key string) (storage.RealtimeCheckpoint, error) {
	var cp storage.RealtimeCheckpoint
	err := a.db.QueryRowContext(ctx, queryGetCheckpoint, key).
		Scan(&cp.Key, &cp.Kind, &cp.Payload, &cp.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return cp, corerrors.ErrNotFound
	}
	if err != nil {
		return cp, corerrors.Transient("durable", "get checkpoint", err)
	}
	return cp, nil
}

// ListCheckpoints returns every persisted realtime checkpoint.
func (a *OpsAdapter) ListCheckpoints(ctx context.Context) ([]storage.RealtimeCheckpoint, error) {
	rows, err := a.db.QueryContext(ctx, queryListCheckpoints)
	if err != nil {
		return nil, corerrors.Transient("durable", "list checkpoints", err)
	}
	defer rows.Close()

	var cps []storage.RealtimeCheckpoint
	for rows.Next() {
		var cp storage.RealtimeCheckpoint
		if err := rows.Scan(&cp.Key, &cp.Kind, &cp.Payload, &cp.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint row: %w", err)
		}
		cps = append(cps, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, corerrors.Transient("durable", "iterate checkpoints", err)
	}
	return cps, nil
}

// DeleteCheckpoint removes a checkpoint whose metric was retired.
func (a *OpsAdapter) DeleteCheckpoint(ctx context.Context, key string) error {
	_, err := a.db.ExecContext(ctx, queryDeleteCheckpoint, key)
	if err != nil {
		return corerrors.Transient("durable", "delete checkpoint", err)
	}
	return nil
}
