package v1

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	corerrors "github.com/atelierhq/pulse/internal/core/errors"
)

func TestRawEvent_Validate(t *testing.T) {
	now := time.Date(2026, 8, 14, 10, 30, 0, 0, time.UTC)

	tests := []struct {
		name    string
		event   RawEvent
		wantErr string
	}{
		{
			name: "valid event with all fields",
			event: RawEvent{
				ID:         "evt-123",
				Type:       TypePageView,
				ActorID:    "user-1",
				SessionID:  "sess-1",
				Entity:     EntityRefs{PostID: "post-123"},
				OccurredAt: now,
			},
		},
		{
			name: "missing id is allowed (server assigns)",
			event: RawEvent{
				Type:       TypeClick,
				OccurredAt: now,
			},
		},
		{
			name:    "missing type",
			event:   RawEvent{OccurredAt: now},
			wantErr: "type is required",
		},
		{
			name:    "unknown type",
			event:   RawEvent{Type: "cart.abandoned", OccurredAt: now},
			wantErr: "unknown event type",
		},
		{
			name:    "missing occurred_at",
			event:   RawEvent{Type: TypePageView},
			wantErr: "occurred_at is required",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.event.Validate()
			if tc.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tc.wantErr)
			require.True(t, corerrors.IsValidation(err))
		})
	}
}

func TestRawEvent_UnmarshalJSON_TypedProps(t *testing.T) {
	payload := `{
		"id": "evt-1",
		"type": "page_view",
		"actor_id": "user-1",
		"session_id": "sess-9",
		"entity": {"post_id": "post-123"},
		"occurred_at": "2026-08-14T10:30:00Z",
		"props": {
			"path": "/blog/hello",
			"referrer": "https://www.google.com/search?q=hello",
			"user_agent": "Mozilla/5.0",
			"utm_source": "newsletter",
			"experiment": "variant-b"
		}
	}`

	var evt RawEvent
	require.NoError(t, json.Unmarshal([]byte(payload), &evt))

	require.Equal(t, TypePageView, evt.Type)
	require.Equal(t, "post-123", evt.Entity.PostID)
	require.NotNil(t, evt.Props.PageView)
	require.Equal(t, "/blog/hello", evt.Props.PageView.Path)
	require.Equal(t, "newsletter", evt.Props.PageView.UTMSource)

	// Unknown keys survive in the fallback bucket.
	require.Equal(t, map[string]interface{}{"experiment": "variant-b"}, evt.Props.Extra)
}

func TestRawEvent_UnmarshalJSON_ConversionRevenue(t *testing.T) {
	payload := `{
		"type": "conversion",
		"occurred_at": "2026-08-14T10:30:00Z",
		"props": {"kind": "license_purchase", "revenue": "49.90"}
	}`

	var evt RawEvent
	require.NoError(t, json.Unmarshal([]byte(payload), &evt))

	require.NotNil(t, evt.Props.Conversion)
	require.True(t, evt.Props.Conversion.Revenue.Equal(decimal.RequireFromString("49.90")))
	require.True(t, evt.Props.RevenueOrZero().Equal(decimal.RequireFromString("49.90")))
}

func TestProps_MarshalRoundTrip(t *testing.T) {
	props, err := DecodeProps(TypePageView, json.RawMessage(`{"path":"/p","custom":1}`))
	require.NoError(t, err)

	out, err := json.Marshal(props)
	require.NoError(t, err)

	var merged map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &merged))
	require.Equal(t, "/p", merged["path"])
	require.Equal(t, float64(1), merged["custom"])
}

func TestDecodeProps_Errors(t *testing.T) {
	_, err := DecodeProps(TypePageView, json.RawMessage(`[1,2,3]`))
	require.ErrorContains(t, err, "props must be a JSON object")

	// Empty payload is fine for every type.
	props, err := DecodeProps(TypeClick, nil)
	require.NoError(t, err)
	require.Nil(t, props.Click)
}

func TestEntityRefs_Empty(t *testing.T) {
	require.True(t, EntityRefs{}.Empty())
	require.False(t, EntityRefs{AssetID: "a1"}.Empty())
}
