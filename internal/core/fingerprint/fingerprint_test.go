package fingerprint

import (
	"testing"
	"time"

	v1 "github.com/atelierhq/pulse/internal/api/v1"
	"github.com/stretchr/testify/require"
)

func baseEvent(occurredAt time.Time) *v1.RawEvent {
	return &v1.RawEvent{
		ID:         "evt-1",
		Type:       v1.TypePageView,
		ActorID:    "user-1",
		SessionID:  "sess-1",
		Entity:     v1.EntityRefs{PostID: "post-123"},
		OccurredAt: occurredAt,
	}
}

func TestFor_Deterministic(t *testing.T) {
	at := time.Date(2026, 8, 14, 10, 30, 0, 0, time.UTC)

	a := baseEvent(at)
	b := baseEvent(at)
	b.ID = "evt-2" // retries regenerate IDs; identity must not change

	require.Equal(t, For(a), For(b))
	require.Len(t, For(a), 32)
}

func TestFor_SubSecondRounding(t *testing.T) {
	at := time.Date(2026, 8, 14, 10, 30, 0, 0, time.UTC)

	same := For(baseEvent(at.Add(400 * time.Millisecond)))
	require.Equal(t, For(baseEvent(at)), same)

	nextSecond := For(baseEvent(at.Add(1200 * time.Millisecond)))
	require.NotEqual(t, For(baseEvent(at)), nextSecond)
}

func TestFor_IdentityFieldsMatter(t *testing.T) {
	at := time.Date(2026, 8, 14, 10, 30, 0, 0, time.UTC)
	base := For(baseEvent(at))

	otherActor := baseEvent(at)
	otherActor.ActorID = "user-2"
	require.NotEqual(t, base, For(otherActor))

	otherEntity := baseEvent(at)
	otherEntity.Entity.PostID = "post-999"
	require.NotEqual(t, base, For(otherEntity))

	otherType := baseEvent(at)
	otherType.Type = v1.TypeClick
	require.NotEqual(t, base, For(otherType))
}
