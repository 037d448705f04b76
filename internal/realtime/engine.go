// Package realtime maintains low-latency operational metrics on the fast
// store, with periodic durable checkpoints and drift reconciliation. These
// values answer "what is happening right now" and tolerate small loss; the
// aggregated tiers remain the system of record.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/atelierhq/pulse/internal/core/storage"
	"github.com/atelierhq/pulse/internal/faststore"
)

const metricKeyPrefix = "metric:"

// Kind selects the update semantics of a realtime metric.
type Kind string

const (
	KindCounter   Kind = "counter"
	KindGauge     Kind = "gauge"
	KindHistogram Kind = "histogram"
	KindRate      Kind = "rate"
)

// SourceFunc recomputes a metric's true serialized payload from a durable
// source, used by the reconciler in preference to the last checkpoint.
type SourceFunc func(ctx context.Context) (string, error)

// Engine is the realtime metrics facade. All operations are safe for
// concurrent use.
type Engine struct {
	store       faststore.Store
	checkpoints storage.CheckpointStore

	rateWindow   time.Duration
	maxSamples   int
	rateMemberID atomic.Int64

	mu      sync.RWMutex
	kinds   map[string]Kind
	sources map[string]SourceFunc

	// now is injectable for tests.
	now func() time.Time
}

// NewEngine creates the realtime engine.
func NewEngine(store faststore.Store, checkpoints storage.CheckpointStore, rateWindow time.Duration, maxSamples int) *Engine {
	if store == nil {
		panic("realtime: fast store is required")
	}
	if checkpoints == nil {
		panic("realtime: checkpoint store is required")
	}
	if rateWindow <= 0 {
		panic("realtime: rate window must be > 0")
	}
	if maxSamples <= 0 {
		panic("realtime: max samples must be > 0")
	}
	return &Engine{
		store:       store,
		checkpoints: checkpoints,
		rateWindow:  rateWindow,
		maxSamples:  maxSamples,
		kinds:       make(map[string]Kind),
		sources:     make(map[string]SourceFunc),
		now:         time.Now,
	}
}

// RegisterSource attaches a durable truth source for one key. The reconciler
// prefers it over the checkpoint when correcting drift.
func (e *Engine) RegisterSource(key string, fn SourceFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sources[key] = fn
}

func (e *Engine) register(key string, kind Kind) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.kinds[key]; ok && existing != kind {
		return fmt.Errorf("metric %q is a %s, not a %s", key, existing, kind)
	}
	e.kinds[key] = kind
	return nil
}

func (e *Engine) kindOf(key string) (Kind, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	kind, ok := e.kinds[key]
	return kind, ok
}

// IncrCounter adds delta to a counter and returns the new value.
func (e *Engine) IncrCounter(ctx context.Context, key string, delta int64) (int64, error) {
	if err := e.register(key, KindCounter); err != nil {
		return 0, err
	}
	return e.store.IncrBy(ctx, metricKeyPrefix+key, delta)
}

// SetGauge overwrites a gauge with a point-in-time value.
func (e *Engine) SetGauge(ctx context.Context, key string, value float64) error {
	if err := e.register(key, KindGauge); err != nil {
		return err
	}
	return e.store.Set(ctx, metricKeyPrefix+key, strconv.FormatFloat(value, 'f', -1, 64), 0)
}

// ObserveHistogram appends one sample to a capped sample buffer. When the
// buffer is full the oldest samples fall off.
func (e *Engine) ObserveHistogram(ctx context.Context, key string, value float64) error {
	if err := e.register(key, KindHistogram); err != nil {
		return err
	}
	fk := metricKeyPrefix + key
	if err := e.store.RPush(ctx, fk, strconv.FormatFloat(value, 'f', -1, 64)); err != nil {
		return err
	}
	return e.store.LTrim(ctx, fk, int64(-e.maxSamples), -1)
}

// MarkRate records one occurrence on a sliding-window rate metric and prunes
// entries older than the window.
func (e *Engine) MarkRate(ctx context.Context, key string) error {
	if err := e.register(key, KindRate); err != nil {
		return err
	}
	fk := metricKeyPrefix + key
	now := e.now()
	member := strconv.FormatInt(now.UnixNano(), 10) + "-" + strconv.FormatInt(e.rateMemberID.Add(1), 10)
	if err := e.store.ZAdd(ctx, fk, float64(now.UnixMilli()), member); err != nil {
		return err
	}
	cutoff := float64(now.Add(-e.rateWindow).UnixMilli())
	return e.store.ZRemRangeByScore(ctx, fk, 0, cutoff)
}

// HistogramSummary is the percentile view of a histogram's sample buffer.
type HistogramSummary struct {
	Count int64   `json:"count"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
}

// Value is a kind-tagged realtime metric reading.
type Value struct {
	Key  string `json:"key"`
	Kind Kind   `json:"kind"`

	Counter   int64             `json:"counter,omitempty"`
	Gauge     float64           `json:"gauge,omitempty"`
	Histogram *HistogramSummary `json:"histogram,omitempty"`

	// RatePerWindow counts occurrences inside the sliding window.
	RatePerWindow int64   `json:"rate_per_window,omitempty"`
	WindowSeconds float64 `json:"window_seconds,omitempty"`
}

// Read resolves one metric: fast store first, durable checkpoint when the
// fast store has no value, zero default when neither does.
func (e *Engine) Read(ctx context.Context, key string) (Value, error) {
	kind, ok := e.kindOf(key)
	if !ok {
		// Key unseen by this process; the checkpoint row knows the kind.
		cp, err := e.checkpoints.GetCheckpoint(ctx, key)
		if err != nil {
			return Value{}, err
		}
		kind = Kind(cp.Kind)
		if regErr := e.register(key, kind); regErr != nil {
			return Value{}, regErr
		}
	}

	switch kind {
	case KindCounter:
		return e.readCounter(ctx, key)
	case KindGauge:
		return e.readGauge(ctx, key)
	case KindHistogram:
		return e.readHistogram(ctx, key)
	case KindRate:
		return e.readRate(ctx, key)
	default:
		return Value{}, fmt.Errorf("unknown metric kind %q", kind)
	}
}

func (e *Engine) readCounter(ctx context.Context, key string) (Value, error) {
	v := Value{Key: key, Kind: KindCounter}
	raw, err := e.fastThenCheckpoint(ctx, key)
	if err != nil {
		return v, err
	}
	if raw == "" {
		return v, nil
	}
	v.Counter, err = strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return v, fmt.Errorf("counter %q holds non-integer %q", key, raw)
	}
	return v, nil
}

func (e *Engine) readGauge(ctx context.Context, key string) (Value, error) {
	v := Value{Key: key, Kind: KindGauge}
	raw, err := e.fastThenCheckpoint(ctx, key)
	if err != nil {
		return v, err
	}
	if raw == "" {
		return v, nil
	}
	v.Gauge, err = strconv.ParseFloat(raw, 64)
	if err != nil {
		return v, fmt.Errorf("gauge %q holds non-numeric %q", key, raw)
	}
	return v, nil
}

func (e *Engine) readHistogram(ctx context.Context, key string) (Value, error) {
	v := Value{Key: key, Kind: KindHistogram}
	raw, err := e.store.LRange(ctx, metricKeyPrefix+key, 0, -1)
	if err != nil {
		return v, err
	}
	samples := make([]float64, 0, len(raw))
	for _, s := range raw {
		f, parseErr := strconv.ParseFloat(s, 64)
		if parseErr != nil {
			continue
		}
		samples = append(samples, f)
	}
	if len(samples) == 0 {
		if cp, cpErr := e.checkpoints.GetCheckpoint(ctx, key); cpErr == nil {
			samples = decodeHistogramPayload(cp.Payload)
		}
	}
	v.Histogram = summarize(samples)
	return v, nil
}

func (e *Engine) readRate(ctx context.Context, key string) (Value, error) {
	v := Value{Key: key, Kind: KindRate, WindowSeconds: e.rateWindow.Seconds()}
	fk := metricKeyPrefix + key
	now := e.now()
	cutoff := float64(now.Add(-e.rateWindow).UnixMilli())
	if err := e.store.ZRemRangeByScore(ctx, fk, 0, cutoff); err != nil {
		return v, err
	}
	count, err := e.store.ZCount(ctx, fk, cutoff, float64(now.UnixMilli()))
	if err != nil {
		return v, err
	}
	v.RatePerWindow = count
	return v, nil
}

// fastThenCheckpoint reads a scalar value, falling back to the checkpoint
// payload. Empty string means "no value anywhere", which reads as zero.
func (e *Engine) fastThenCheckpoint(ctx context.Context, key string) (string, error) {
	raw, err := e.store.Get(ctx, metricKeyPrefix+key)
	if err == nil {
		return raw, nil
	}
	cp, cpErr := e.checkpoints.GetCheckpoint(ctx, key)
	if cpErr != nil {
		slog.Debug("[Realtime] No fast-store value and no checkpoint, defaulting to zero", "key", key)
		return "", nil
	}
	return cp.Payload, nil
}

// summarize computes the percentile view. Percentiles use the nearest-rank
// method on the sorted sample buffer.
func summarize(samples []float64) *HistogramSummary {
	s := &HistogramSummary{Count: int64(len(samples))}
	if len(samples) == 0 {
		return s
	}

	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)

	var sum float64
	for _, f := range sorted {
		sum += f
	}
	s.Min = sorted[0]
	s.Max = sorted[len(sorted)-1]
	s.Avg = sum / float64(len(sorted))
	s.P50 = percentile(sorted, 50)
	s.P95 = percentile(sorted, 95)
	s.P99 = percentile(sorted, 99)
	return s
}

func percentile(sorted []float64, p float64) float64 {
	rank := int(p/100*float64(len(sorted))+0.5) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}

func decodeHistogramPayload(payload string) []float64 {
	var samples []float64
	if err := json.Unmarshal([]byte(payload), &samples); err != nil {
		return nil
	}
	return samples
}
