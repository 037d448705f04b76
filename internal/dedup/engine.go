// Package dedup implements the two-layer duplicate defense: a fast-store
// fingerprint check on the ingestion path, and a durable sweep that catches
// whatever the fast path missed.
package dedup

import (
	"context"
	"log/slog"
	"sync"
	"time"

	v1 "github.com/atelierhq/pulse/internal/api/v1"
	"github.com/atelierhq/pulse/internal/core/fingerprint"
	"github.com/atelierhq/pulse/internal/faststore"
)

const fingerprintKeyPrefix = "fingerprint:"

// Health classifies the recent duplicate rate.
type Health string

const (
	HealthOK       Health = "ok"
	HealthWarn     Health = "warn"
	HealthCritical Health = "critical"
)

// rateBuckets is how many one-minute buckets the rolling rate covers.
const rateBuckets = 5

// Engine is the ingestion-path duplicate check. Marking and checking is one
// atomic SetNX so concurrent submissions of the same fingerprint resolve to
// exactly one accept.
type Engine struct {
	store        faststore.Store
	ttl          time.Duration
	warnRate     float64
	criticalRate float64

	mu      sync.Mutex
	buckets [rateBuckets]rateBucket

	// now is injectable for tests.
	now func() time.Time
}

type rateBucket struct {
	minute     int64
	checked    int64
	duplicates int64
}

// NewEngine creates the dedup engine. warnRate and criticalRate are duplicate
// percentages of recently checked events.
func NewEngine(store faststore.Store, ttl time.Duration, warnRate, criticalRate float64) *Engine {
	if store == nil {
		panic("dedup: store is required")
	}
	return &Engine{
		store:        store,
		ttl:          ttl,
		warnRate:     warnRate,
		criticalRate: criticalRate,
		now:          time.Now,
	}
}

// CheckAndMark computes the event's fingerprint and claims it in the fast
// store. Returns true when another event already claimed the fingerprint
// inside the TTL window.
//
// Fast-store failures fail open: the event is accepted and the durable sweep
// catches any duplicate that slips through.
func (e *Engine) CheckAndMark(ctx context.Context, evt *v1.RawEvent) bool {
	evt.Fingerprint = fingerprint.For(evt)

	claimed, err := e.store.SetNX(ctx, fingerprintKeyPrefix+evt.Fingerprint, evt.ID, e.ttl)
	if err != nil {
		slog.Warn("[Dedup] Fast store check failed, accepting event",
			"event_id", evt.ID,
			"error", err)
		e.record(false)
		return false
	}

	duplicate := !claimed
	e.record(duplicate)
	if duplicate {
		slog.Debug("[Dedup] Rejected duplicate event",
			"event_id", evt.ID,
			"fingerprint", evt.Fingerprint)
	}
	return duplicate
}

// record updates the rolling per-minute rate buckets.
func (e *Engine) record(duplicate bool) {
	minute := e.now().Unix() / 60
	idx := int(minute % rateBuckets)

	e.mu.Lock()
	defer e.mu.Unlock()

	b := &e.buckets[idx]
	if b.minute != minute {
		*b = rateBucket{minute: minute}
	}
	b.checked++
	if duplicate {
		b.duplicates++
	}
}

// Rate returns the duplicate percentage over the rolling window.
func (e *Engine) Rate() float64 {
	minute := e.now().Unix() / 60

	e.mu.Lock()
	defer e.mu.Unlock()

	var checked, duplicates int64
	for _, b := range e.buckets {
		if minute-b.minute < rateBuckets {
			checked += b.checked
			duplicates += b.duplicates
		}
	}
	if checked == 0 {
		return 0
	}
	return float64(duplicates) / float64(checked) * 100
}

// Status classifies the current duplicate rate against the configured
// thresholds. A spiking rate usually means a misbehaving client retry loop.
func (e *Engine) Status() (Health, float64) {
	rate := e.Rate()
	switch {
	case rate >= e.criticalRate:
		return HealthCritical, rate
	case rate >= e.warnRate:
		return HealthWarn, rate
	default:
		return HealthOK, rate
	}
}
