package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"time"

	corerrors "github.com/atelierhq/pulse/internal/core/errors"
	"github.com/atelierhq/pulse/internal/core/storage"
)

// Flush persists a durable checkpoint for every metric this process has
// touched. Failures are per-key: one bad key never blocks the rest.
func (e *Engine) Flush(ctx context.Context) error {
	e.mu.RLock()
	kinds := make(map[string]Kind, len(e.kinds))
	for key, kind := range e.kinds {
		kinds[key] = kind
	}
	e.mu.RUnlock()

	var lastErr error
	var written int
	for key, kind := range kinds {
		payload, ok, err := e.payloadFor(ctx, key, kind)
		if err != nil {
			slog.Warn("[Realtime] Checkpoint read failed", "key", key, "error", err)
			lastErr = err
			continue
		}
		if !ok {
			continue
		}

		cp := storage.RealtimeCheckpoint{
			Key:       key,
			Kind:      string(kind),
			Payload:   payload,
			UpdatedAt: e.now().UTC(),
		}
		if err := e.checkpoints.UpsertCheckpoint(ctx, cp); err != nil {
			slog.Warn("[Realtime] Checkpoint write failed", "key", key, "error", err)
			lastErr = err
			continue
		}
		written++
	}

	if written > 0 {
		slog.Debug("[Realtime] Checkpoint flushed", "keys", written)
	}
	return lastErr
}

// payloadFor serializes one metric's current fast-store value. ok is false
// when the fast store holds nothing worth persisting.
func (e *Engine) payloadFor(ctx context.Context, key string, kind Kind) (string, bool, error) {
	fk := metricKeyPrefix + key
	switch kind {
	case KindCounter, KindGauge:
		raw, err := e.store.Get(ctx, fk)
		if errors.Is(err, corerrors.ErrNotFound) {
			return "", false, nil
		}
		if err != nil {
			return "", false, err
		}
		return raw, true, nil

	case KindHistogram:
		raw, err := e.store.LRange(ctx, fk, 0, -1)
		if err != nil {
			return "", false, err
		}
		if len(raw) == 0 {
			return "", false, nil
		}
		samples := make([]float64, 0, len(raw))
		for _, s := range raw {
			if f, parseErr := strconv.ParseFloat(s, 64); parseErr == nil {
				samples = append(samples, f)
			}
		}
		encoded, err := json.Marshal(samples)
		if err != nil {
			return "", false, err
		}
		return string(encoded), true, nil

	case KindRate:
		// Window entries are ephemeral; checkpoint the in-window count so
		// dashboards survive a restart with a plausible reading.
		now := e.now()
		count, err := e.store.ZCount(ctx, fk,
			float64(now.Add(-e.rateWindow).UnixMilli()),
			float64(now.UnixMilli()))
		if err != nil {
			return "", false, err
		}
		return strconv.FormatInt(count, 10), true, nil
	}
	return "", false, nil
}

// Restore seeds the fast store from the latest checkpoints after a cold
// start. Live fast-store values always win; restore never overwrites.
func (e *Engine) Restore(ctx context.Context) error {
	checkpoints, err := e.checkpoints.ListCheckpoints(ctx)
	if err != nil {
		return err
	}

	var restored int
	for _, cp := range checkpoints {
		kind := Kind(cp.Kind)
		if err := e.register(cp.Key, kind); err != nil {
			slog.Warn("[Realtime] Skipping checkpoint with conflicting kind", "key", cp.Key, "error", err)
			continue
		}

		fk := metricKeyPrefix + cp.Key
		switch kind {
		case KindCounter, KindGauge:
			set, err := e.store.SetNX(ctx, fk, cp.Payload, 0)
			if err != nil {
				slog.Warn("[Realtime] Restore failed", "key", cp.Key, "error", err)
				continue
			}
			if set {
				restored++
			}

		case KindHistogram:
			existing, err := e.store.LRange(ctx, fk, 0, 0)
			if err != nil || len(existing) > 0 {
				continue
			}
			samples := decodeHistogramPayload(cp.Payload)
			for _, f := range samples {
				if err := e.store.RPush(ctx, fk, strconv.FormatFloat(f, 'f', -1, 64)); err != nil {
					break
				}
			}
			if len(samples) > 0 {
				restored++
			}

		case KindRate:
			// Individual window entries are gone; the metric refills within
			// one window of live traffic.
		}
	}

	slog.Info("[Realtime] Restore complete", "checkpoints", len(checkpoints), "restored", restored)
	return nil
}

// RunCheckpointLoop flushes on a fixed cadence until the context is
// cancelled, then takes one final checkpoint so a clean shutdown loses
// nothing. Blocks; run in a goroutine.
func (e *Engine) RunCheckpointLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("[Realtime] Checkpoint loop started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			if err := e.Flush(context.WithoutCancel(ctx)); err != nil {
				slog.Error("[Realtime] Final checkpoint flush failed", "error", err)
			}
			slog.Info("[Realtime] Checkpoint loop stopped")
			return
		case <-ticker.C:
			if err := e.Flush(ctx); err != nil {
				slog.Warn("[Realtime] Checkpoint flush had errors", "error", err)
			}
		}
	}
}
