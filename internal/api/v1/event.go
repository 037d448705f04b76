package v1

import (
	"encoding/json"
	"fmt"
	"time"

	corerrors "github.com/atelierhq/pulse/internal/core/errors"
)

// Known event types. The props payload of each type is validated against its
// typed schema in props.go; unknown keys land in the Extra fallback bucket.
const (
	TypePageView    = "page_view"
	TypeClick       = "click"
	TypeConversion  = "conversion"
	TypeSessionPing = "session_ping"
)

// KnownType reports whether t is an event type this pipeline aggregates.
func KnownType(t string) bool {
	switch t {
	case TypePageView, TypeClick, TypeConversion, TypeSessionPing:
		return true
	}
	return false
}

// EntityRefs scopes an event to the content entities it touched.
// All fields are optional; a fully-empty tuple is a platform-wide event.
type EntityRefs struct {
	ProjectID string `json:"project_id,omitempty"`
	AssetID   string `json:"asset_id,omitempty"`
	PostID    string `json:"post_id,omitempty"`
	LicenseID string `json:"license_id,omitempty"`
}

// Empty reports whether no entity reference is set.
func (r EntityRefs) Empty() bool {
	return r.ProjectID == "" && r.AssetID == "" && r.PostID == "" && r.LicenseID == ""
}

// RawEvent is the atomic unit of the pipeline.
// It separates the "Envelope" (system attributes) from the "Letter" (Props).
// Once durably written an event is immutable except for the enrichment-attached
// Attribution sub-record and the Duplicate flag set by the dedup sweep.
type RawEvent struct {
	// --- System Attributes (The Envelope) ---

	// ID is the unique identifier. Clients may provide one for idempotency;
	// the ingestion buffer assigns a UUID when it is empty.
	ID string `json:"id"`

	// Type is the domain event name, one of the Type* constants.
	Type string `json:"type"`

	// ActorID identifies the (already authorized) actor, when known.
	ActorID string `json:"actor_id,omitempty"`

	// SessionID groups events from one browsing session, when known.
	SessionID string `json:"session_id,omitempty"`

	// Entity scopes the event to content entities.
	Entity EntityRefs `json:"entity,omitempty"`

	// OccurredAt is when the event happened in the real world (client clock).
	OccurredAt time.Time `json:"occurred_at"`

	// IngestedAt is when the pipeline received the event (server clock).
	IngestedAt time.Time `json:"ingested_at"`

	// Fingerprint is the dedup hash, derived at ingestion. Not client-settable.
	Fingerprint string `json:"-"`

	// IngestSeq is a monotonic sequence number assigned by the database
	// (BIGSERIAL). Provides strict total ordering for cursor pagination.
	IngestSeq int64 `json:"-"`

	// Duplicate is set in place by the dedup sweep. Flagged rows are retained
	// for auditability and excluded from aggregation.
	Duplicate bool `json:"-"`

	// --- User Payload (The Letter) ---

	// Props is the typed payload for the event type.
	Props Props `json:"props"`

	// Attribution is populated asynchronously by the enrichment pool.
	// Nil until enrichment completes; a missing Attribution never blocks
	// aggregation.
	Attribution *Attribution `json:"attribution,omitempty"`
}

// rawEventAlias defers props decoding until the event type is known.
type rawEventAlias struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	ActorID    string          `json:"actor_id"`
	SessionID  string          `json:"session_id"`
	Entity     EntityRefs      `json:"entity"`
	OccurredAt time.Time       `json:"occurred_at"`
	IngestedAt time.Time       `json:"ingested_at"`
	Props      json.RawMessage `json:"props"`
}

// UnmarshalJSON decodes the envelope first, then dispatches the props payload
// to the typed schema for the declared event type.
func (e *RawEvent) UnmarshalJSON(data []byte) error {
	var alias rawEventAlias
	if err := json.Unmarshal(data, &alias); err != nil {
		return err
	}

	props, err := DecodeProps(alias.Type, alias.Props)
	if err != nil {
		return fmt.Errorf("decode props for type %q: %w", alias.Type, err)
	}

	e.ID = alias.ID
	e.Type = alias.Type
	e.ActorID = alias.ActorID
	e.SessionID = alias.SessionID
	e.Entity = alias.Entity
	e.OccurredAt = alias.OccurredAt
	e.IngestedAt = alias.IngestedAt
	e.Props = props
	return nil
}

// Validate ensures the event has all required envelope attributes, reporting
// failures as ValidationErrors for the caller's reject-never-retry policy.
// Timestamp plausibility (skew, retention floor) is checked by the ingestion
// service against its configuration, not here.
func (e *RawEvent) Validate() error {
	if e.Type == "" {
		return corerrors.NewValidationError("type is required")
	}

	if !KnownType(e.Type) {
		return corerrors.NewValidationError("unknown event type %q", e.Type)
	}

	if e.OccurredAt.IsZero() {
		return corerrors.NewValidationError("occurred_at is required")
	}

	return nil
}

// Attribution is the derived sub-record attached 1:1 to a RawEvent by the
// enrichment worker pool.
type Attribution struct {
	EventID      string    `json:"event_id"`
	Device       string    `json:"device"`
	Browser      string    `json:"browser"`
	OS           string    `json:"os"`
	ReferrerHost string    `json:"referrer_host,omitempty"`
	ReferrerKind string    `json:"referrer_kind"`
	UTMSource    string    `json:"utm_source,omitempty"`
	UTMMedium    string    `json:"utm_medium,omitempty"`
	UTMCampaign  string    `json:"utm_campaign,omitempty"`
	EnrichedAt   time.Time `json:"enriched_at"`
}
