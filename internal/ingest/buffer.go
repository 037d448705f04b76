// Package ingest implements the write path: HTTP intake, duplicate rejection
// and the micro-batching buffer in front of the durable store.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	v1 "github.com/atelierhq/pulse/internal/api/v1"
	corerrors "github.com/atelierhq/pulse/internal/core/errors"
	"github.com/atelierhq/pulse/internal/core/storage"
)

// BufferConfig tunes the micro-batching buffer.
type BufferConfig struct {
	// BatchSize triggers a flush when the pending batch reaches it.
	BatchSize int
	// BatchTimeout triggers a flush when the oldest pending event has waited
	// this long, bounding ingestion-to-durability latency under light load.
	BatchTimeout time.Duration
	// MaxRetries bounds flush attempts before the batch goes to the dead
	// letter table.
	MaxRetries int
	// RetryBackoff is the base backoff between flush attempts, doubled per
	// attempt.
	RetryBackoff time.Duration
}

// Buffer accumulates accepted events and writes them to the durable store in
// batches, flushing on size or timeout, whichever comes first. Events in the
// buffer are acknowledged to clients but not yet durable; a crash loses at
// most one batch window of events.
type Buffer struct {
	events      storage.EventStore
	deadLetters storage.DeadLetterStore
	cfg         BufferConfig

	// onInserted receives the rows each flush actually inserted, feeding the
	// enrichment queue and realtime counters. Optional.
	onInserted func([]*v1.RawEvent)

	in      chan *v1.RawEvent
	flushes chan chan struct{}
	done    chan struct{}
}

// NewBuffer creates the ingestion buffer. Call Run to start it.
func NewBuffer(events storage.EventStore, deadLetters storage.DeadLetterStore, cfg BufferConfig, onInserted func([]*v1.RawEvent)) *Buffer {
	if events == nil {
		panic("ingest: event store is required")
	}
	if deadLetters == nil {
		panic("ingest: dead letter store is required")
	}
	if cfg.BatchSize <= 0 {
		panic("ingest: batch size must be > 0")
	}
	if cfg.BatchTimeout <= 0 {
		panic("ingest: batch timeout must be > 0")
	}
	return &Buffer{
		events:      events,
		deadLetters: deadLetters,
		cfg:         cfg,
		onInserted:  onInserted,
		in:          make(chan *v1.RawEvent, cfg.BatchSize*2),
		flushes:     make(chan chan struct{}),
		done:        make(chan struct{}),
	}
}

// Add hands an accepted event to the buffer. Blocks only when the buffer's
// intake channel is full (durable store falling behind), propagating
// backpressure to the HTTP layer.
func (b *Buffer) Add(ctx context.Context, evt *v1.RawEvent) error {
	select {
	case b.in <- evt:
		return nil
	case <-b.done:
		return fmt.Errorf("ingest buffer is shut down")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ForceFlush flushes the pending batch immediately and waits for the flush to
// finish. Admin endpoint hook.
func (b *Buffer) ForceFlush(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case b.flushes <- ack:
	case <-b.done:
		return fmt.Errorf("ingest buffer is shut down")
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run owns the batching loop until the context is cancelled, then drains and
// flushes whatever is pending. Blocks; run in a goroutine.
func (b *Buffer) Run(ctx context.Context) {
	slog.Info("[Ingest] Buffer started",
		"batch_size", b.cfg.BatchSize,
		"batch_timeout", b.cfg.BatchTimeout)

	ticker := time.NewTicker(b.cfg.BatchTimeout)
	defer ticker.Stop()

	batch := make([]*v1.RawEvent, 0, b.cfg.BatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		b.flush(batch)
		batch = make([]*v1.RawEvent, 0, b.cfg.BatchSize)
		ticker.Reset(b.cfg.BatchTimeout)
	}

	for {
		select {
		case <-ctx.Done():
			close(b.done)
			// Drain events accepted before shutdown began.
			for {
				select {
				case evt := <-b.in:
					batch = append(batch, evt)
				default:
					flush()
					slog.Info("[Ingest] Buffer stopped")
					return
				}
			}

		case evt := <-b.in:
			batch = append(batch, evt)
			if len(batch) >= b.cfg.BatchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case ack := <-b.flushes:
			flush()
			close(ack)
		}
	}
}

// notifyInserted feeds the callback with the rows the store actually wrote.
// Conflict-skipped idempotency retries never get an ingest seq and must not
// reach the enrichment queue or the ingest counters a second time.
func (b *Buffer) notifyInserted(batch []*v1.RawEvent, inserted int) {
	if b.onInserted == nil || inserted == 0 {
		return
	}
	persisted := batch
	if inserted != len(batch) {
		persisted = make([]*v1.RawEvent, 0, inserted)
		for _, evt := range batch {
			if evt.IngestSeq > 0 {
				persisted = append(persisted, evt)
			}
		}
	}
	b.onInserted(persisted)
}

// flush writes one batch with bounded retries. A batch that exhausts its
// retries goes to the dead letter table for manual replay; it is never
// silently dropped.
func (b *Buffer) flush(batch []*v1.RawEvent) {
	// Shutdown flushes run after the root context is cancelled, so the flush
	// carries its own deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var lastErr error
	attempts := 0
	backoff := b.cfg.RetryBackoff
	for attempt := 0; attempt <= b.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
		attempts = attempt + 1

		inserted, err := b.events.InsertBatch(ctx, batch)
		if err == nil {
			slog.Debug("[Ingest] Flushed batch",
				"batch_size", len(batch),
				"inserted", inserted,
				"attempts", attempts)
			b.notifyInserted(batch, inserted)
			return
		}
		lastErr = err
		slog.Warn("[Ingest] Batch flush failed",
			"batch_size", len(batch),
			"attempt", attempts,
			"error", err)
		if !corerrors.IsTransient(err) {
			// Only store unavailability is worth retrying.
			break
		}
	}

	reason := fmt.Sprintf("flush failed after %d attempts: %v", attempts, lastErr)
	if err := b.deadLetters.SaveDeadLetterBatch(ctx, batch, reason); err != nil {
		// Both stores down. The batch is lost; say so loudly.
		slog.Error("[Ingest] Dead letter write failed, batch lost",
			"batch_size", len(batch),
			"error", err)
		return
	}
	slog.Error("[Ingest] Batch dead-lettered after exhausting retries",
		"batch_size", len(batch),
		"reason", reason)
}
