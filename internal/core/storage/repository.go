package storage

import (
	"context"
	"time"

	v1 "github.com/atelierhq/pulse/internal/api/v1"
	"github.com/atelierhq/pulse/internal/core/dimension"
	"github.com/atelierhq/pulse/internal/core/metrics"
)

// EventStore defines the durable interface for raw events.
type EventStore interface {
	// InsertBatch persists a batch of events in one transaction and returns
	// the number actually inserted. Events whose ID already exists are
	// skipped (client idempotency retries); IngestSeq is populated on every
	// inserted event.
	InsertBatch(ctx context.Context, events []*v1.RawEvent) (int, error)

	// GetEvent fetches one event by ID, attribution included when present.
	// Returns core errors.ErrNotFound when no row exists.
	GetEvent(ctx context.Context, id string) (*v1.RawEvent, error)

	// EventsInRange pages non-duplicate events whose occurred_at falls in
	// [start, end), in strict ingest_seq order after the cursor.
	// cursor=0 means "from the beginning".
	EventsInRange(ctx context.Context, start, end time.Time, cursor int64, limit int) ([]*v1.RawEvent, error)

	// SweepDuplicates flags, in place, every event that shares a fingerprint
	// with an earlier event among rows ingested in [since, until). The
	// earliest row per fingerprint is kept unflagged. Idempotent: re-running
	// over a processed window affects zero rows. Returns rows flagged.
	SweepDuplicates(ctx context.Context, since, until time.Time) (int64, error)

	// SaveAttribution upserts the enrichment-derived attribution sub-record.
	SaveAttribution(ctx context.Context, attr *v1.Attribution) error
}

// MetricStore defines the durable interface for aggregated metric rows.
// Upserts overwrite the full row, which is the idempotency contract of
// every aggregation tier.
type MetricStore interface {
	UpsertDaily(ctx context.Context, rows []metrics.DailyMetric) error
	UpsertWeekly(ctx context.Context, rows []metrics.WeeklyMetric) error
	UpsertMonthly(ctx context.Context, rows []metrics.MonthlyMetric) error

	// QueryDaily returns rows for one dimension key with date in [from, to).
	QueryDaily(ctx context.Context, dim dimension.Key, from, to time.Time) ([]metrics.DailyMetric, error)

	// DailyInRange returns rows for ALL dimension keys with date in
	// [from, to). The weekly and monthly jobs read through this.
	DailyInRange(ctx context.Context, from, to time.Time) ([]metrics.DailyMetric, error)

	QueryWeekly(ctx context.Context, dim dimension.Key, from, to time.Time) ([]metrics.WeeklyMetric, error)
	QueryMonthly(ctx context.Context, dim dimension.Key, from, to time.Time) ([]metrics.MonthlyMetric, error)
}

// Aggregation job log rows. Append-only: a row is finalized exactly once and
// never mutated after completed_at is set.
type (
	JobType   string
	JobStatus string
)

const (
	JobDaily   JobType = "daily"
	JobWeekly  JobType = "weekly"
	JobMonthly JobType = "monthly"

	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
	JobPartial   JobStatus = "PARTIAL"
)

// JobLog is one aggregation job execution.
type JobLog struct {
	ID               int64      `json:"id"`
	JobType          JobType    `json:"job_type"`
	PeriodStart      time.Time  `json:"period_start"`
	PeriodEnd        time.Time  `json:"period_end"`
	StartedAt        time.Time  `json:"started_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	Status           JobStatus  `json:"status"`
	RecordsProcessed int64      `json:"records_processed"`
	ErrorsCount      int64      `json:"errors_count"`
	FailedGroups     []string   `json:"failed_groups,omitempty"`
}

// JobLogFilter narrows ListJobLogs. Zero values mean "any".
type JobLogFilter struct {
	JobType JobType
	Status  JobStatus
	Since   time.Time
	Limit   int
}

// JobLogStore records aggregation job executions.
type JobLogStore interface {
	// StartJobLog appends a RUNNING row and returns its ID.
	StartJobLog(ctx context.Context, jobType JobType, periodStart, periodEnd time.Time) (int64, error)

	// FinishJobLog finalizes a row. A second finalize of the same ID is an
	// error: completed logs are immutable.
	FinishJobLog(ctx context.Context, id int64, status JobStatus, recordsProcessed, errorsCount int64, failedGroups []string) error

	ListJobLogs(ctx context.Context, filter JobLogFilter) ([]JobLog, error)
}

// DeadLetterStore is the overflow path for ingestion batches that exhausted
// their flush retries. Rows are kept for manual replay.
type DeadLetterStore interface {
	SaveDeadLetterBatch(ctx context.Context, events []*v1.RawEvent, reason string) error
}

// RealtimeCheckpoint is one realtime metric value persisted for crash
// recovery and drift reconciliation.
type RealtimeCheckpoint struct {
	Key       string
	Kind      string
	Payload   string // kind-specific serialized value
	UpdatedAt time.Time
}

// CheckpointStore persists realtime metric checkpoints.
type CheckpointStore interface {
	UpsertCheckpoint(ctx context.Context, cp RealtimeCheckpoint) error
	// GetCheckpoint returns core errors.ErrNotFound for unknown keys.
	GetCheckpoint(ctx context.Context, key string) (RealtimeCheckpoint, error)
	ListCheckpoints(ctx context.Context) ([]RealtimeCheckpoint, error)
	DeleteCheckpoint(ctx context.Context, key string) error
}
