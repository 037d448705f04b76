package query

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/atelierhq/pulse/internal/aggregate"
	"github.com/atelierhq/pulse/internal/core/dimension"
	httperr "github.com/atelierhq/pulse/internal/core/errors"
	"github.com/atelierhq/pulse/internal/core/metrics"
	"github.com/atelierhq/pulse/internal/core/storage"
	"github.com/atelierhq/pulse/internal/realtime"
)

type fakeReader struct {
	daily   []metrics.DailyMetric
	weekly  []metrics.WeeklyMetric
	monthly []metrics.MonthlyMetric

	dailyErr   error
	weeklyErr  error
	monthlyErr error

	weeklyFrom, weeklyTo time.Time
}

func (f *fakeReader) Daily(ctx context.Context, dim dimension.Key, from, to time.Time) ([]metrics.DailyMetric, error) {
	return f.daily, f.dailyErr
}

func (f *fakeReader) Weekly(ctx context.Context, dim dimension.Key, from, to time.Time) ([]metrics.WeeklyMetric, error) {
	f.weeklyFrom, f.weeklyTo = from, to
	return f.weekly, f.weeklyErr
}

func (f *fakeReader) Monthly(ctx context.Context, dim dimension.Key, from, to time.Time) ([]metrics.MonthlyMetric, error) {
	return f.monthly, f.monthlyErr
}

type fakeCacheAdmin struct {
	removed int
	pattern string
}

func (f *fakeCacheAdmin) Invalidate(ctx context.Context, pattern string) (int, error) {
	f.pattern = pattern
	return f.removed, nil
}

func (f *fakeCacheAdmin) Stats() (uint64, uint64) { return 10, 3 }

type fakeRealtime struct {
	value     realtime.Value
	readErr   error
	corrected int
	target    string
}

func (f *fakeRealtime) Read(ctx context.Context, key string) (realtime.Value, error) {
	return f.value, f.readErr
}

func (f *fakeRealtime) Reconcile(ctx context.Context, target string) (int, error) {
	f.target = target
	return f.corrected, nil
}

type fakeBackfiller struct {
	summary    aggregate.BackfillSummary
	err        error
	from, to   time.Time
	invocation int
}

func (f *fakeBackfiller) Backfill(ctx context.Context, from, to time.Time) (aggregate.BackfillSummary, error) {
	f.invocation++
	f.from, f.to = from, to
	return f.summary, f.err
}

type fakeFlusher struct {
	err    error
	called bool
}

func (f *fakeFlusher) ForceFlush(ctx context.Context) error {
	f.called = true
	return f.err
}

type fakeJobLogs struct {
	logs   []storage.JobLog
	filter storage.JobLogFilter
}

func (f *fakeJobLogs) StartJobLog(ctx context.Context, jobType storage.JobType, periodStart, periodEnd time.Time) (int64, error) {
	return 0, nil
}

func (f *fakeJobLogs) FinishJobLog(ctx context.Context, id int64, status storage.JobStatus, recordsProcessed, errorsCount int64, failedGroups []string) error {
	return nil
}

func (f *fakeJobLogs) ListJobLogs(ctx context.Context, filter storage.JobLogFilter) ([]storage.JobLog, error) {
	f.filter = filter
	return f.logs, nil
}

type queryFixture struct {
	router     *gin.Engine
	reader     *fakeReader
	cache      *fakeCacheAdmin
	realtime   *fakeRealtime
	backfiller *fakeBackfiller
	flusher    *fakeFlusher
	jobLogs    *fakeJobLogs
}

func newQueryFixture(t *testing.T) *queryFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	f := &queryFixture{
		reader:     &fakeReader{},
		cache:      &fakeCacheAdmin{},
		realtime:   &fakeRealtime{},
		backfiller: &fakeBackfiller{},
		flusher:    &fakeFlusher{},
		jobLogs:    &fakeJobLogs{},
		router:     gin.New(),
	}
	svc := NewService(f.reader, f.cache, f.realtime, f.backfiller, f.flusher, f.jobLogs)
	svc.RegisterRoutes(f.router)
	return f
}

func (f *queryFixture) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestDailyHandler_ReturnsRows(t *testing.T) {
	f := newQueryFixture(t)
	f.reader.daily = []metrics.DailyMetric{{
		Date:      time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC),
		Dimension: dimension.Key{PostID: "post-123"},
		Totals:    metrics.Totals{Views: 5},
	}}

	w := f.do(http.MethodGet, "/v1/metrics/daily?post_id=post-123&from=2026-08-10&to=2026-08-11", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Tier string            `json:"tier"`
		Rows []json.RawMessage `json:"rows"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "daily", resp.Tier)
	require.Len(t, resp.Rows, 1)
}

func TestDailyHandler_DegradesToWeeklyTier(t *testing.T) {
	f := newQueryFixture(t)
	f.reader.dailyErr = fmt.Errorf("durable store down")
	f.reader.weekly = []metrics.WeeklyMetric{{
		WeekStart: time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC),
		Totals:    metrics.Totals{Views: 30},
	}}

	w := f.do(http.MethodGet, "/v1/metrics/daily?from=2026-08-12&to=2026-08-14", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Tier     string `json:"tier"`
		Degraded bool   `json:"degraded"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, "weekly", resp.Tier)
	require.True(t, resp.Degraded)

	// The weekly read covers the whole weeks containing the daily range.
	require.Equal(t, time.Date(2026, 8, 10, 0, 0, 0, 0, time.UTC), f.reader.weeklyFrom)
	require.Equal(t, time.Date(2026, 8, 17, 0, 0, 0, 0, time.UTC), f.reader.weeklyTo)
}

func TestDailyHandler_BothTiersDownIs503(t *testing.T) {
	f := newQueryFixture(t)
	f.reader.dailyErr = fmt.Errorf("durable store down")
	f.reader.weeklyErr = fmt.Errorf("durable store down")

	w := f.do(http.MethodGet, "/v1/metrics/daily?from=2026-08-12&to=2026-08-14", "")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp httperr.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, httperr.HttpStoreUnavailable, resp.ErrorType)
}

func TestMetricHandlers_RejectBadRanges(t *testing.T) {
	f := newQueryFixture(t)

	cases := []string{
		"/v1/metrics/daily?to=2026-08-14",                   // missing from
		"/v1/metrics/weekly?from=2026-08-14",                // missing to
		"/v1/metrics/monthly?from=not-a-date&to=2026-08-14", // unparseable
		"/v1/metrics/daily?from=2026-08-14&to=2026-08-14",   // empty range
		"/v1/metrics/daily?from=2026-08-15&to=2026-08-14",   // inverted
	}
	for _, path := range cases {
		w := f.do(http.MethodGet, path, "")
		require.Equal(t, http.StatusBadRequest, w.Code, path)

		var resp httperr.ErrorResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Equal(t, httperr.HttpBadRangeError, resp.ErrorType, path)
	}
}

func TestRealtimeHandler(t *testing.T) {
	f := newQueryFixture(t)
	f.realtime.value = realtime.Value{Key: "events_ingested", Kind: realtime.KindCounter, Counter: 42}

	w := f.do(http.MethodGet, "/v1/metrics/realtime/events_ingested", "")
	require.Equal(t, http.StatusOK, w.Code)

	var v realtime.Value
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	require.Equal(t, int64(42), v.Counter)
}

func TestRealtimeHandler_UnknownKeyIs404(t *testing.T) {
	f := newQueryFixture(t)
	f.realtime.readErr = httperr.ErrNotFound

	w := f.do(http.MethodGet, "/v1/metrics/realtime/nope", "")
	require.Equal(t, http.StatusNotFound, w.Code)

	var resp httperr.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, httperr.HttpUnknownMetricError, resp.ErrorType)
}

func TestBackfillHandler(t *testing.T) {
	f := newQueryFixture(t)
	f.backfiller.summary = aggregate.BackfillSummary{Days: 14, Weeks: 2, Months: 1}

	w := f.do(http.MethodPost, "/v1/admin/backfill", `{"from":"2026-08-03","to":"2026-08-16"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var summary aggregate.BackfillSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	require.Equal(t, 14, summary.Days)
	require.Equal(t, time.Date(2026, 8, 3, 0, 0, 0, 0, time.UTC), f.backfiller.from)
}

func TestBackfillHandler_RejectsInvertedRange(t *testing.T) {
	f := newQueryFixture(t)

	w := f.do(http.MethodPost, "/v1/admin/backfill", `{"from":"2026-08-16","to":"2026-08-03"}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	require.Equal(t, 0, f.backfiller.invocation)
}

func TestBackfillHandler_ErrorsSurfaceWithSummary(t *testing.T) {
	f := newQueryFixture(t)
	f.backfiller.summary = aggregate.BackfillSummary{Days: 3}
	f.backfiller.err = fmt.Errorf("2 errors occurred")

	w := f.do(http.MethodPost, "/v1/admin/backfill", `{"from":"2026-08-03","to":"2026-08-06"}`)
	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.Contains(t, w.Body.String(), "2 errors occurred")
}

func TestFlushHandler(t *testing.T) {
	f := newQueryFixture(t)

	w := f.do(http.MethodPost, "/v1/admin/flush", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.True(t, f.flusher.called)
}

func TestInvalidateCacheHandler(t *testing.T) {
	f := newQueryFixture(t)
	f.cache.removed = 4

	w := f.do(http.MethodPost, "/v1/admin/cache/invalidate", `{"pattern":"daily:*"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "daily:*", f.cache.pattern)

	var resp struct {
		Removed int    `json:"removed"`
		Hits    uint64 `json:"hits"`
		Misses  uint64 `json:"misses"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 4, resp.Removed)
	require.Equal(t, uint64(10), resp.Hits)
}

func TestJobLogsHandler_FilterPassthrough(t *testing.T) {
	f := newQueryFixture(t)
	f.jobLogs.logs = []storage.JobLog{{ID: 1, JobType: storage.JobDaily, Status: storage.JobCompleted}}

	w := f.do(http.MethodGet, "/v1/admin/job-logs?job_type=daily&status=COMPLETED", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, storage.JobDaily, f.jobLogs.filter.JobType)
	require.Equal(t, storage.JobCompleted, f.jobLogs.filter.Status)
}

func TestJobLogsHandler_UnknownJobTypeIs400(t *testing.T) {
	f := newQueryFixture(t)

	w := f.do(http.MethodGet, "/v1/admin/job-logs?job_type=hourly", "")
	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp httperr.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, httperr.HttpUnknownJobTypeError, resp.ErrorType)
}

func TestReconcileHandler_DefaultsToAllKeys(t *testing.T) {
	f := newQueryFixture(t)
	f.realtime.corrected = 2

	w := f.do(http.MethodPost, "/v1/admin/reconcile", `{}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "*", f.realtime.target)
	require.Contains(t, w.Body.String(), `"corrected":2`)
}
