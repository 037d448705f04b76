package enrich

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	v1 "github.com/atelierhq/pulse/internal/api/v1"
	"github.com/atelierhq/pulse/internal/core/storage"
)

// PoolConfig tunes the enrichment worker pool.
type PoolConfig struct {
	Workers      int
	QueueSize    int
	MaxRetries   int
	RetryBackoff time.Duration
}

// Pool enriches persisted events in the background. Enrichment failures never
// affect the write path: a failed item is retried a bounded number of times
// and then logged and skipped; its event stays queryable without attribution.
type Pool struct {
	events     storage.EventStore
	classifier *Classifier
	cfg        PoolConfig

	queue chan *v1.RawEvent

	// now is injectable for tests.
	now func() time.Time
}

// NewPool creates the enrichment pool. Call Run to start the workers.
func NewPool(events storage.EventStore, classifier *Classifier, cfg PoolConfig) *Pool {
	if events == nil {
		panic("enrich: event store is required")
	}
	if classifier == nil {
		panic("enrich: classifier is required")
	}
	if cfg.Workers <= 0 {
		panic("enrich: worker count must be > 0")
	}
	if cfg.QueueSize <= 0 {
		panic("enrich: queue size must be > 0")
	}
	return &Pool{
		events:     events,
		classifier: classifier,
		cfg:        cfg,
		queue:      make(chan *v1.RawEvent, cfg.QueueSize),
		now:        time.Now,
	}
}

// EnqueueBatch hands persisted events to the pool without blocking the caller.
// When the queue is full the overflow is dropped; those events remain durable
// and queryable, just without attribution until a future re-enrichment pass.
func (p *Pool) EnqueueBatch(events []*v1.RawEvent) {
	dropped := 0
	for _, evt := range events {
		select {
		case p.queue <- evt:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		slog.Warn("[Enrich] Queue full, dropped events from enrichment",
			"dropped", dropped,
			"queue_size", p.cfg.QueueSize)
	}
}

// Backlog reports the number of queued, unprocessed events.
func (p *Pool) Backlog() int {
	return len(p.queue)
}

// Run starts the worker goroutines and blocks until the context is cancelled
// and the workers have drained their current items.
func (p *Pool) Run(ctx context.Context) {
	slog.Info("[Enrich] Worker pool started",
		"workers", p.cfg.Workers,
		"queue_size", p.cfg.QueueSize)

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case evt := <-p.queue:
					p.process(ctx, evt)
				}
			}
		})
	}
	g.Wait() //nolint:errcheck // workers only return on cancellation

	slog.Info("[Enrich] Worker pool stopped")
}

// process enriches one event with bounded retries. Failures are isolated to
// the item.
func (p *Pool) process(ctx context.Context, evt *v1.RawEvent) {
	attr := p.classifier.Attribution(evt, p.now().UTC())

	backoff := p.cfg.RetryBackoff
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		err := p.events.SaveAttribution(ctx, attr)
		if err == nil {
			evt.Attribution = attr
			return
		}

		slog.Warn("[Enrich] Attribution save failed",
			"event_id", evt.ID,
			"attempt", attempt+1,
			"error", err)
	}

	slog.Error("[Enrich] Giving up on event after exhausting retries",
		"event_id", evt.ID,
		"max_retries", p.cfg.MaxRetries)
}
