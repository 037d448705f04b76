// Package query exposes the read side of the pipeline: cached metric tiers,
// realtime values and the admin operations.
package query

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/atelierhq/pulse/internal/aggregate"
	"github.com/atelierhq/pulse/internal/core/dimension"
	"github.com/atelierhq/pulse/internal/core/metrics"
	"github.com/atelierhq/pulse/internal/core/storage"
	"github.com/atelierhq/pulse/internal/realtime"
)

// MetricReader resolves aggregated rows, normally through the cache layer.
type MetricReader interface {
	Daily(ctx context.Context, dim dimension.Key, from, to time.Time) ([]metrics.DailyMetric, error)
	Weekly(ctx context.Context, dim dimension.Key, from, to time.Time) ([]metrics.WeeklyMetric, error)
	Monthly(ctx context.Context, dim dimension.Key, from, to time.Time) ([]metrics.MonthlyMetric, error)
}

// CacheAdmin is the slice of the cache layer the admin endpoints need.
type CacheAdmin interface {
	Invalidate(ctx context.Context, pattern string) (int, error)
	Stats() (hits, misses uint64)
}

// RealtimeReader resolves realtime values and drives reconciliation.
type RealtimeReader interface {
	Read(ctx context.Context, key string) (realtime.Value, error)
	Reconcile(ctx context.Context, target string) (int, error)
}

// Backfiller re-aggregates a date range on demand.
type Backfiller interface {
	Backfill(ctx context.Context, from, to time.Time) (aggregate.BackfillSummary, error)
}

// Flusher forces the ingestion buffer to drain, for admin and tests.
type Flusher interface {
	ForceFlush(ctx context.Context) error
}

// Service wires the read and admin endpoints.
type Service struct {
	reader   MetricReader
	cache    CacheAdmin
	realtime RealtimeReader
	backfill Backfiller
	flusher  Flusher
	jobLogs  storage.JobLogStore
}

// NewService creates the query service. cache, realtime, backfill and flusher
// may be nil when the deployment runs without the corresponding subsystem;
// their endpoints then answer 404.
func NewService(reader MetricReader, cache CacheAdmin, rt RealtimeReader, backfill Backfiller, flusher Flusher, jobLogs storage.JobLogStore) *Service {
	if reader == nil {
		panic("query: metric reader is required")
	}
	return &Service{
		reader:   reader,
		cache:    cache,
		realtime: rt,
		backfill: backfill,
		flusher:  flusher,
		jobLogs:  jobLogs,
	}
}

// RegisterRoutes mounts the read and admin endpoints.
func (s *Service) RegisterRoutes(router gin.IRouter) {
	router.GET("/v1/metrics/daily", s.DailyHandler)
	router.GET("/v1/metrics/weekly", s.WeeklyHandler)
	router.GET("/v1/metrics/monthly", s.MonthlyHandler)

	if s.realtime != nil {
		router.GET("/v1/metrics/realtime/:key", s.RealtimeHandler)
		router.POST("/v1/admin/reconcile", s.ReconcileHandler)
	}
	if s.backfill != nil {
		router.POST("/v1/admin/backfill", s.BackfillHandler)
	}
	if s.flusher != nil {
		router.POST("/v1/admin/flush", s.FlushHandler)
	}
	if s.cache != nil {
		router.POST("/v1/admin/cache/invalidate", s.InvalidateCacheHandler)
	}
	if s.jobLogs != nil {
		router.GET("/v1/admin/job-logs", s.JobLogsHandler)
	}
}
