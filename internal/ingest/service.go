package ingest

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/atelierhq/pulse/internal/dedup"
)

// Service is the HTTP intake for events. It validates envelopes, rejects
// fast-path duplicates and hands accepted events to the buffer.
type Service struct {
	buffer           *Buffer
	dedup            *dedup.Engine
	maxBodySizeBytes int
	maxFutureSkew    time.Duration
	retentionFloor   time.Duration

	// now is injectable for tests.
	now func() time.Time
}

func NewService(buffer *Buffer, dedupEngine *dedup.Engine, maxBodySizeMB int, maxFutureSkew, retentionFloor time.Duration) *Service {
	if buffer == nil {
		panic("ingest: buffer must not be nil")
	}
	if dedupEngine == nil {
		panic("ingest: dedup engine must not be nil")
	}
	if maxBodySizeMB <= 0 {
		maxBodySizeMB = 1
	}
	return &Service{
		buffer:           buffer,
		dedup:            dedupEngine,
		maxBodySizeBytes: maxBodySizeMB * 1024 * 1024,
		maxFutureSkew:    maxFutureSkew,
		retentionFloor:   retentionFloor,
		now:              time.Now,
	}
}

// RegisterRoutes registers the ingestion service routes.
func (s *Service) RegisterRoutes(r gin.IRouter) {
	r.POST("/v1/events", s.IngestHandler)
	r.POST("/v1/events/batch", s.BatchIngestHandler)
}
