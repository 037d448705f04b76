package realtime

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	corerrors "github.com/atelierhq/pulse/internal/core/errors"
)

// Reconcile corrects fast-store drift for one key, or for every known key
// when target is "*". Truth per key comes from a registered durable source
// when one exists; a key without a source only has its checkpoint, which is
// a snapshot of the fast store itself, so the checkpoint restores a missing
// value but never overwrites a live one. Rate metrics are swept of expired
// entries rather than value-corrected. Returns the number of keys corrected.
func (e *Engine) Reconcile(ctx context.Context, target string) (int, error) {
	keys, err := e.reconcileTargets(ctx, target)
	if err != nil {
		return 0, err
	}

	var corrected int
	var lastErr error
	for key, kind := range keys {
		if err := ctx.Err(); err != nil {
			return corrected, err
		}
		changed, err := e.reconcileKey(ctx, key, kind)
		if err != nil {
			slog.Warn("[Realtime] Reconcile failed for key", "key", key, "error", err)
			lastErr = err
			continue
		}
		if changed {
			corrected++
		}
	}

	if corrected > 0 {
		slog.Info("[Realtime] Reconcile corrected drift", "target", target, "corrected", corrected)
	}
	return corrected, lastErr
}

// reconcileTargets resolves the key set: the in-process registry merged with
// every checkpointed key, so keys written by a previous process generation
// are still reconciled.
func (e *Engine) reconcileTargets(ctx context.Context, target string) (map[string]Kind, error) {
	if target != "*" {
		kind, ok := e.kindOf(target)
		if !ok {
			cp, err := e.checkpoints.GetCheckpoint(ctx, target)
			if err != nil {
				return nil, err
			}
			kind = Kind(cp.Kind)
		}
		return map[string]Kind{target: kind}, nil
	}

	keys := make(map[string]Kind)
	e.mu.RLock()
	for key, kind := range e.kinds {
		keys[key] = kind
	}
	e.mu.RUnlock()

	checkpoints, err := e.checkpoints.ListCheckpoints(ctx)
	if err != nil {
		return nil, err
	}
	for _, cp := range checkpoints {
		if _, ok := keys[cp.Key]; !ok {
			keys[cp.Key] = Kind(cp.Kind)
		}
	}
	return keys, nil
}

func (e *Engine) reconcileKey(ctx context.Context, key string, kind Kind) (bool, error) {
	switch kind {
	case KindCounter, KindGauge:
		truth, fromSource, ok, err := e.truthFor(ctx, key)
		if err != nil || !ok {
			return false, err
		}
		if !fromSource {
			// Checkpoint-only truth: it lags the live value by up to one
			// flush interval, so it may only fill in a lost key.
			return e.store.SetNX(ctx, metricKeyPrefix+key, truth, 0)
		}
		current, err := e.store.Get(ctx, metricKeyPrefix+key)
		if err != nil && !errors.Is(err, corerrors.ErrNotFound) {
			return false, err
		}
		if current == truth {
			return false, nil
		}
		if err := e.store.Set(ctx, metricKeyPrefix+key, truth, 0); err != nil {
			return false, err
		}
		return true, nil

	case KindHistogram:
		// Sample buffers drift only by loss; refill an empty buffer from
		// truth, never rewrite a live one.
		existing, err := e.store.LRange(ctx, metricKeyPrefix+key, 0, 0)
		if err != nil {
			return false, err
		}
		if len(existing) > 0 {
			return false, nil
		}
		truth, _, ok, err := e.truthFor(ctx, key)
		if err != nil || !ok {
			return false, err
		}
		samples := decodeHistogramPayload(truth)
		if len(samples) == 0 {
			return false, nil
		}
		for _, f := range samples {
			if err := e.store.RPush(ctx, metricKeyPrefix+key, strconv.FormatFloat(f, 'f', -1, 64)); err != nil {
				return false, err
			}
		}
		return true, nil

	case KindRate:
		cutoff := float64(e.now().Add(-e.rateWindow).UnixMilli())
		return false, e.store.ZRemRangeByScore(ctx, metricKeyPrefix+key, 0, cutoff)
	}
	return false, nil
}

// truthFor resolves a key's authoritative serialized value. fromSource
// distinguishes a registered durable source from the checkpoint fallback.
func (e *Engine) truthFor(ctx context.Context, key string) (truth string, fromSource, ok bool, err error) {
	e.mu.RLock()
	source := e.sources[key]
	e.mu.RUnlock()

	if source != nil {
		truth, err = source(ctx)
		if err != nil {
			return "", false, false, err
		}
		return truth, true, true, nil
	}

	cp, err := e.checkpoints.GetCheckpoint(ctx, key)
	if errors.Is(err, corerrors.ErrNotFound) {
		return "", false, false, nil
	}
	if err != nil {
		return "", false, false, err
	}
	return cp.Payload, false, true, nil
}

// RunReconcileLoop reconciles every key on a fixed cadence until the context
// is cancelled. Blocks; run in a goroutine.
func (e *Engine) RunReconcileLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("[Realtime] Reconcile loop started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("[Realtime] Reconcile loop stopped")
			return
		case <-ticker.C:
			if _, err := e.Reconcile(ctx, "*"); err != nil {
				slog.Warn("[Realtime] Scheduled reconcile had errors", "error", err)
			}
		}
	}
}
