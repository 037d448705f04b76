package aggregate

import (
	"context"
	"fmt"
	"sync"
	"time"

	v1 "github.com/atelierhq/pulse/internal/api/v1"
	"github.com/atelierhq/pulse/internal/core/dimension"
	corerrors "github.com/atelierhq/pulse/internal/core/errors"
	"github.com/atelierhq/pulse/internal/core/metrics"
	"github.com/atelierhq/pulse/internal/core/storage"
)

// memEvents is an in-memory EventStore over a fixed event slice.
type memEvents struct {
	events []*v1.RawEvent
}

func (s *memEvents) InsertBatch(ctx context.Context, events []*v1.RawEvent) (int, error) {
	for i, evt := range events {
		evt.IngestSeq = int64(len(s.events) + i + 1)
	}
	s.events = append(s.events, events...)
	return len(events), nil
}

func (s *memEvents) GetEvent(ctx context.Context, id string) (*v1.RawEvent, error) {
	for _, evt := range s.events {
		if evt.ID == id {
			return evt, nil
		}
	}
	return nil, corerrors.ErrNotFound
}

func (s *memEvents) EventsInRange(ctx context.Context, start, end time.Time, cursor int64, limit int) ([]*v1.RawEvent, error) {
	var out []*v1.RawEvent
	for _, evt := range s.events {
		if evt.Duplicate || evt.IngestSeq <= cursor {
			continue
		}
		if evt.OccurredAt.Before(start) || !evt.OccurredAt.Before(end) {
			continue
		}
		out = append(out, evt)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *memEvents) SweepDuplicates(ctx context.Context, since, until time.Time) (int64, error) {
	return 0, nil
}

func (s *memEvents) SaveAttribution(ctx context.Context, attr *v1.Attribution) error {
	return nil
}

// memMetrics is an in-memory MetricStore keyed the same way the durable
// tables are. failDimension makes upserts for one group fail, to exercise
// partial-run handling.
type memMetrics struct {
	mu            sync.Mutex
	daily         map[string]metrics.DailyMetric
	weekly        map[string]metrics.WeeklyMetric
	monthly       map[string]metrics.MonthlyMetric
	failDimension string
}

func newMemMetrics() *memMetrics {
	return &memMetrics{
		daily:   make(map[string]metrics.DailyMetric),
		weekly:  make(map[string]metrics.WeeklyMetric),
		monthly: make(map[string]metrics.MonthlyMetric),
	}
}

func metricKey(period time.Time, dim dimension.Key) string {
	return period.Format("2006-01-02") + "|" + dim.Encode()
}

func (s *memMetrics) UpsertDaily(ctx context.Context, rows []metrics.DailyMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rows {
		if s.failDimension != "" && row.Dimension.Encode() == s.failDimension {
			return fmt.Errorf("injected upsert failure for %s", s.failDimension)
		}
		s.daily[metricKey(row.Date, row.Dimension)] = row
	}
	return nil
}

func (s *memMetrics) UpsertWeekly(ctx context.Context, rows []metrics.WeeklyMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rows {
		s.weekly[metricKey(row.WeekStart, row.Dimension)] = row
	}
	return nil
}

func (s *memMetrics) UpsertMonthly(ctx context.Context, rows []metrics.MonthlyMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range rows {
		s.monthly[metricKey(row.MonthStart, row.Dimension)] = row
	}
	return nil
}

func (s *memMetrics) QueryDaily(ctx context.Context, dim dimension.Key, from, to time.Time) ([]metrics.DailyMetric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []metrics.DailyMetric
	for _, row := range s.daily {
		if row.Dimension == dim && !row.Date.Before(from) && row.Date.Before(to) {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *memMetrics) DailyInRange(ctx context.Context, from, to time.Time) ([]metrics.DailyMetric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []metrics.DailyMetric
	for _, row := range s.daily {
		if !row.Date.Before(from) && row.Date.Before(to) {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *memMetrics) QueryWeekly(ctx context.Context, dim dimension.Key, from, to time.Time) ([]metrics.WeeklyMetric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []metrics.WeeklyMetric
	for _, row := range s.weekly {
		if row.Dimension == dim && !row.WeekStart.Before(from) && row.WeekStart.Before(to) {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *memMetrics) QueryMonthly(ctx context.Context, dim dimension.Key, from, to time.Time) ([]metrics.MonthlyMetric, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []metrics.MonthlyMetric
	for _, row := range s.monthly {
		if row.Dimension == dim && !row.MonthStart.Before(from) && row.MonthStart.Before(to) {
			out = append(out, row)
		}
	}
	return out, nil
}

// memJobLogs records job log lifecycle calls.
type memJobLogs struct {
	mu     sync.Mutex
	nextID int64
	logs   map[int64]*storage.JobLog
}

func newMemJobLogs() *memJobLogs {
	return &memJobLogs{logs: make(map[int64]*storage.JobLog)}
}

func (s *memJobLogs) StartJobLog(ctx context.Context, jobType storage.JobType, periodStart, periodEnd time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.logs[s.nextID] = &storage.JobLog{
		ID:          s.nextID,
		JobType:     jobType,
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
		StartedAt:   time.Now().UTC(),
		Status:      storage.JobRunning,
	}
	return s.nextID, nil
}

func (s *memJobLogs) FinishJobLog(ctx context.Context, id int64, status storage.JobStatus, recordsProcessed, errorsCount int64, failedGroups []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.logs[id]
	if !ok || l.Status != storage.JobRunning {
		return fmt.Errorf("job log %d is not RUNNING", id)
	}
	now := time.Now().UTC()
	l.Status = status
	l.CompletedAt = &now
	l.RecordsProcessed = recordsProcessed
	l.ErrorsCount = errorsCount
	l.FailedGroups = failedGroups
	return nil
}

func (s *memJobLogs) ListJobLogs(ctx context.Context, filter storage.JobLogFilter) ([]storage.JobLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.JobLog
	for _, l := range s.logs {
		out = append(out, *l)
	}
	return out, nil
}

func (s *memJobLogs) last() *storage.JobLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logs[s.nextID]
}
