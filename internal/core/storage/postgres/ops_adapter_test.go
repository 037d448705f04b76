package postgres

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	v1 "github.com/atelierhq/pulse/internal/api/v1"
	corerrors "github.com/atelierhq/pulse/internal/core/errors"
	"github.com/atelierhq/pulse/internal/core/storage"
)

func newMockOpsAdapter(t *testing.T) (*OpsAdapter, sqlmock.Sqlmock, func()) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	return NewOpsAdapter(db), mock, func() { db.Close() }
}

func TestOpsAdapter_JobLogLifecycle(t *testing.T) {
	adapter, mock, cleanup := newMockOpsAdapter(t)
	defer cleanup()

	periodStart := time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC)
	periodEnd := periodStart.Add(24 * time.Hour)

	mock.ExpectQuery(regexp.QuoteMeta(queryStartJobLog)).
		WithArgs("daily", periodStart, periodEnd, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(9)))

	id, err := adapter.StartJobLog(context.Background(), storage.JobDaily, periodStart, periodEnd)
	require.NoError(t, err)
	require.Equal(t, int64(9), id)

	mock.ExpectExec(regexp.QuoteMeta(queryFinishJobLog)).
		WithArgs(int64(9), "COMPLETED", sqlmock.AnyArg(), int64(1200), int64(0), nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = adapter.FinishJobLog(context.Background(), 9, storage.JobCompleted, 1200, 0, nil)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOpsAdapter_FinishJobLog_AlreadyFinalized(t *testing.T) {
	adapter, mock, cleanup := newMockOpsAdapter(t)
	defer cleanup()

	// The status guard matches zero rows once the log is finalized.
	mock.ExpectExec(regexp.QuoteMeta(queryFinishJobLog)).
		WithArgs(int64(9), "FAILED", sqlmock.AnyArg(), int64(0), int64(1), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := adapter.FinishJobLog(context.Background(), 9, storage.JobFailed, 0, 1, []string{"project=p1"})
	require.Error(t, err)
	require.ErrorContains(t, err, "not RUNNING")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOpsAdapter_ListJobLogs(t *testing.T) {
	adapter, mock, cleanup := newMockOpsAdapter(t)
	defer cleanup()

	started := time.Date(2026, 8, 30, 1, 0, 0, 0, time.UTC)
	completed := started.Add(2 * time.Minute)

	mock.ExpectQuery(regexp.QuoteMeta(queryListJobLogs)).
		WithArgs("daily", "", time.Time{}, 100).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "job_type", "period_start", "period_end", "started_at",
			"completed_at", "status", "records_processed", "errors_count", "failed_groups",
		}).
			AddRow(int64(2), "daily", started.Add(-25*time.Hour), started.Add(-time.Hour),
				started, completed, "PARTIAL", int64(900), int64(1), []byte(`["project=p2"]`)).
			AddRow(int64(1), "daily", started.Add(-49*time.Hour), started.Add(-25*time.Hour),
				started.Add(-24*time.Hour), nil, "RUNNING", int64(0), int64(0), nil),
		).RowsWillBeClosed()

	logs, err := adapter.ListJobLogs(context.Background(), storage.JobLogFilter{JobType: storage.JobDaily})
	require.NoError(t, err)
	require.Len(t, logs, 2)
	require.Equal(t, storage.JobPartial, logs[0].Status)
	require.Equal(t, []string{"project=p2"}, logs[0].FailedGroups)
	require.NotNil(t, logs[0].CompletedAt)
	require.Nil(t, logs[1].CompletedAt)
	require.Empty(t, logs[1].FailedGroups)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOpsAdapter_SaveDeadLetterBatch(t *testing.T) {
	adapter, mock, cleanup := newMockOpsAdapter(t)
	defer cleanup()

	events := []*v1.RawEvent{
		{ID: "evt-1", Type: v1.TypePageView, OccurredAt: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)},
		{ID: "evt-2", Type: v1.TypeClick, OccurredAt: time.Date(2026, 8, 30, 12, 0, 1, 0, time.UTC)},
	}

	mock.ExpectExec(regexp.QuoteMeta(queryInsertDeadLetter)).
		WithArgs(sqlmock.AnyArg(), "durable store unavailable after 3 retries", 2, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := adapter.SaveDeadLetterBatch(context.Background(), events, "durable store unavailable after 3 retries")
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOpsAdapter_Checkpoints(t *testing.T) {
	adapter, mock, cleanup := newMockOpsAdapter(t)
	defer cleanup()

	updatedAt := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	cp := storage.RealtimeCheckpoint{
		Key:       "metric:events_ingested_total",
		Kind:      "counter",
		Payload:   "48210",
		UpdatedAt: updatedAt,
	}

	mock.ExpectExec(regexp.QuoteMeta(queryUpsertCheckpoint)).
		WithArgs(cp.Key, cp.Kind, cp.Payload, cp.UpdatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, adapter.UpsertCheckpoint(context.Background(), cp))

	mock.ExpectQuery(regexp.QuoteMeta(queryGetCheckpoint)).
		WithArgs(cp.Key).
		WillReturnRows(sqlmock.NewRows([]string{"key", "kind", "payload", "updated_at"}).
			AddRow(cp.Key, cp.Kind, cp.Payload, cp.UpdatedAt))

	got, err := adapter.GetCheckpoint(context.Background(), cp.Key)
	require.NoError(t, err)
	require.Equal(t, cp, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOpsAdapter_GetCheckpoint_NotFound(t *testing.T) {
	adapter, mock, cleanup := newMockOpsAdapter(t)
	defer cleanup()

	mock.ExpectQuery(regexp.QuoteMeta(queryGetCheckpoint)).
		WithArgs("metric:unknown").
		WillReturnRows(sqlmock.NewRows([]string{"key", "kind", "payload", "updated_at"}))

	_, err := adapter.GetCheckpoint(context.Background(), "metric:unknown")
	require.ErrorIs(t, err, corerrors.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
