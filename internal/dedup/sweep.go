package dedup

import (
	"context"
	"log/slog"
	"time"

	"github.com/atelierhq/pulse/internal/core/storage"
)

// Sweeper periodically re-checks recently ingested rows in the durable store
// and flags duplicates the fast path missed (fast-store outages, TTL expiry
// between retries). The sweep keeps the earliest event per fingerprint.
type Sweeper struct {
	events   storage.EventStore
	interval time.Duration
	window   time.Duration

	// now is injectable for tests.
	now func() time.Time
}

// NewSweeper creates the durable sweep job. window must cover at least one
// interval so consecutive sweeps overlap rather than leave gaps.
func NewSweeper(events storage.EventStore, interval, window time.Duration) *Sweeper {
	if events == nil {
		panic("dedup: event store is required")
	}
	if window < interval {
		panic("dedup: sweep window must cover at least one interval")
	}
	return &Sweeper{
		events:   events,
		interval: interval,
		window:   window,
		now:      time.Now,
	}
}

// Run executes the sweep on its interval until the context is cancelled.
// Blocks; run in a goroutine.
func (s *Sweeper) Run(ctx context.Context) {
	slog.Info("[Dedup] Sweep started",
		"interval", s.interval,
		"window", s.window)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("[Dedup] Sweep stopped")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs a single sweep over the trailing window. Safe to call
// concurrently with the interval loop (used by the admin trigger); the
// underlying update is idempotent.
func (s *Sweeper) SweepOnce(ctx context.Context) {
	until := s.now().UTC()
	since := until.Add(-s.window)

	flagged, err := s.events.SweepDuplicates(ctx, since, until)
	if err != nil {
		slog.Error("[Dedup] Sweep failed",
			"window_start", since,
			"window_end", until,
			"error", err)
		return
	}

	if flagged > 0 {
		slog.Info("[Dedup] Sweep flagged duplicates the fast path missed",
			"flagged", flagged,
			"window_start", since,
			"window_end", until)
	}
}
