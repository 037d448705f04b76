package query

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/atelierhq/pulse/internal/core/dimension"
	httperr "github.com/atelierhq/pulse/internal/core/errors"
	"github.com/atelierhq/pulse/internal/core/metrics"
	"github.com/atelierhq/pulse/internal/core/storage"
)

const dateLayout = "2006-01-02"

// metricRange is the parsed common query shape of the tier endpoints.
type metricRange struct {
	dim  dimension.Key
	from time.Time
	to   time.Time
}

// parseMetricRange reads the dimension and date-range query parameters.
// from is inclusive, to exclusive, both midnight UTC.
func parseMetricRange(c *gin.Context) (metricRange, bool) {
	var r metricRange
	r.dim = dimension.Key{
		ProjectID: c.Query("project_id"),
		AssetID:   c.Query("asset_id"),
		PostID:    c.Query("post_id"),
		LicenseID: c.Query("license_id"),
	}

	var err error
	r.from, err = time.ParseInLocation(dateLayout, c.Query("from"), time.UTC)
	if err != nil {
		badRange(c, "from must be a YYYY-MM-DD date")
		return r, false
	}
	r.to, err = time.ParseInLocation(dateLayout, c.Query("to"), time.UTC)
	if err != nil {
		badRange(c, "to must be a YYYY-MM-DD date")
		return r, false
	}
	if !r.from.Before(r.to) {
		badRange(c, "from must be before to")
		return r, false
	}
	return r, true
}

func badRange(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
		ErrorType: httperr.HttpBadRangeError,
		Message:   message,
	})
}

// DailyHandler handles GET /v1/metrics/daily. When the durable store cannot
// answer, the response degrades to the weekly tier if the weekly rows are
// still cached.
func (s *Service) DailyHandler(c *gin.Context) {
	r, ok := parseMetricRange(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	rows, err := s.reader.Daily(ctx, r.dim, r.from, r.to)
	if err == nil {
		c.JSON(http.StatusOK, gin.H{"tier": metrics.TierDaily, "rows": rows})
		return
	}
	slog.Warn("[Query] Daily read failed, trying the weekly tier",
		"dimension", r.dim.Encode(), "error", err)

	weekly, wErr := s.reader.Weekly(ctx, r.dim, weekSpanStart(r.from), weekSpanEnd(r.to))
	if wErr != nil {
		storeUnavailable(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tier": metrics.TierWeekly, "degraded": true, "rows": weekly})
}

// WeeklyHandler handles GET /v1/metrics/weekly, degrading to the monthly
// tier when the durable store cannot answer.
func (s *Service) WeeklyHandler(c *gin.Context) {
	r, ok := parseMetricRange(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	rows, err := s.reader.Weekly(ctx, r.dim, r.from, r.to)
	if err == nil {
		c.JSON(http.StatusOK, gin.H{"tier": metrics.TierWeekly, "rows": rows})
		return
	}
	slog.Warn("[Query] Weekly read failed, trying the monthly tier",
		"dimension", r.dim.Encode(), "error", err)

	monthly, mErr := s.reader.Monthly(ctx, r.dim, monthSpanStart(r.from), monthSpanEnd(r.to))
	if mErr != nil {
		storeUnavailable(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tier": metrics.TierMonthly, "degraded": true, "rows": monthly})
}

// MonthlyHandler handles GET /v1/metrics/monthly. There is no coarser tier
// to degrade to.
func (s *Service) MonthlyHandler(c *gin.Context) {
	r, ok := parseMetricRange(c)
	if !ok {
		return
	}

	rows, err := s.reader.Monthly(c.Request.Context(), r.dim, r.from, r.to)
	if err != nil {
		storeUnavailable(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tier": metrics.TierMonthly, "rows": rows})
}

// RealtimeHandler handles GET /v1/metrics/realtime/:key.
func (s *Service) RealtimeHandler(c *gin.Context) {
	key := c.Param("key")

	value, err := s.realtime.Read(c.Request.Context(), key)
	if errors.Is(err, httperr.ErrNotFound) {
		c.JSON(http.StatusNotFound, httperr.ErrorResponse{
			ErrorType: httperr.HttpUnknownMetricError,
			Message:   "unknown realtime metric " + key,
		})
		return
	}
	if err != nil {
		storeUnavailable(c, err)
		return
	}
	c.JSON(http.StatusOK, value)
}

// backfillRequest is the POST /v1/admin/backfill body.
type backfillRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// BackfillHandler handles POST /v1/admin/backfill. The run is synchronous;
// callers size their ranges accordingly.
func (s *Service) BackfillHandler(c *gin.Context) {
	var req backfillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
			ErrorType: httperr.HttpInvalidJsonError,
			Message:   "Invalid JSON body",
		})
		return
	}

	from, err := time.ParseInLocation(dateLayout, req.From, time.UTC)
	if err != nil {
		badRange(c, "from must be a YYYY-MM-DD date")
		return
	}
	to, err := time.ParseInLocation(dateLayout, req.To, time.UTC)
	if err != nil {
		badRange(c, "to must be a YYYY-MM-DD date")
		return
	}
	if to.Before(from) {
		badRange(c, "from must not be after to")
		return
	}

	summary, err := s.backfill.Backfill(c.Request.Context(), from, to)
	if err != nil {
		slog.Error("[Query] Backfill finished with errors", "from", req.From, "to", req.To, "error", err)
		c.JSON(http.StatusInternalServerError, httperr.ErrorResponse{
			ErrorType: httperr.HttpInternalError,
			Message:   "backfill finished with errors",
			Details:   gin.H{"summary": summary, "error": err.Error()},
		})
		return
	}
	c.JSON(http.StatusOK, summary)
}

// FlushHandler handles POST /v1/admin/flush: force-drain the ingestion
// buffer and wait for the write to land.
func (s *Service) FlushHandler(c *gin.Context) {
	if err := s.flusher.ForceFlush(c.Request.Context()); err != nil {
		storeUnavailable(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "flushed"})
}

// invalidateRequest is the POST /v1/admin/cache/invalidate body.
type invalidateRequest struct {
	Pattern string `json:"pattern"`
}

// InvalidateCacheHandler handles POST /v1/admin/cache/invalidate.
func (s *Service) InvalidateCacheHandler(c *gin.Context) {
	var req invalidateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
			ErrorType: httperr.HttpInvalidJsonError,
			Message:   "Invalid JSON body",
		})
		return
	}

	removed, err := s.cache.Invalidate(c.Request.Context(), req.Pattern)
	if err != nil {
		storeUnavailable(c, err)
		return
	}
	hits, misses := s.cache.Stats()
	c.JSON(http.StatusOK, gin.H{"removed": removed, "hits": hits, "misses": misses})
}

// JobLogsHandler handles GET /v1/admin/job-logs.
func (s *Service) JobLogsHandler(c *gin.Context) {
	filter := storage.JobLogFilter{
		Status: storage.JobStatus(c.Query("status")),
	}
	if jt := c.Query("job_type"); jt != "" {
		switch storage.JobType(jt) {
		case storage.JobDaily, storage.JobWeekly, storage.JobMonthly:
			filter.JobType = storage.JobType(jt)
		default:
			c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
				ErrorType: httperr.HttpUnknownJobTypeError,
				Message:   "job_type must be daily, weekly or monthly",
			})
			return
		}
	}

	logs, err := s.jobLogs.ListJobLogs(c.Request.Context(), filter)
	if err != nil {
		storeUnavailable(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job_logs": logs})
}

// reconcileRequest is the POST /v1/admin/reconcile body. An empty key means
// every known metric.
type reconcileRequest struct {
	Key string `json:"key"`
}

// ReconcileHandler handles POST /v1/admin/reconcile.
func (s *Service) ReconcileHandler(c *gin.Context) {
	var req reconcileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, httperr.ErrorResponse{
			ErrorType: httperr.HttpInvalidJsonError,
			Message:   "Invalid JSON body",
		})
		return
	}
	if req.Key == "" {
		req.Key = "*"
	}

	corrected, err := s.realtime.Reconcile(c.Request.Context(), req.Key)
	if errors.Is(err, httperr.ErrNotFound) {
		c.JSON(http.StatusNotFound, httperr.ErrorResponse{
			ErrorType: httperr.HttpUnknownMetricError,
			Message:   "unknown realtime metric " + req.Key,
		})
		return
	}
	if err != nil {
		storeUnavailable(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"corrected": corrected})
}

func storeUnavailable(c *gin.Context, err error) {
	slog.Error("[Query] Store unavailable", "error", err)
	c.JSON(http.StatusServiceUnavailable, httperr.ErrorResponse{
		ErrorType: httperr.HttpStoreUnavailable,
		Message:   "metric store unavailable",
	})
}

// Week and month spans covering a daily range, used when a read degrades to
// a coarser tier.
func weekSpanStart(from time.Time) time.Time { return weekStart(from) }

func weekSpanEnd(to time.Time) time.Time {
	ws := weekStart(to.AddDate(0, 0, -1))
	return ws.AddDate(0, 0, 7)
}

func weekStart(t time.Time) time.Time {
	year, month, day := t.UTC().Date()
	d := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	offset := (int(d.Weekday()) + 6) % 7
	return d.AddDate(0, 0, -offset)
}

func monthSpanStart(from time.Time) time.Time {
	year, month, _ := from.UTC().Date()
	return time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
}

func monthSpanEnd(to time.Time) time.Time {
	last := to.AddDate(0, 0, -1)
	year, month, _ := last.UTC().Date()
	return time.Date(year, month, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}
