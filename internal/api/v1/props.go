package v1

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// PageViewProps is the typed payload for page_view events.
type PageViewProps struct {
	Path        string `json:"path"`
	Referrer    string `json:"referrer,omitempty"`
	UserAgent   string `json:"user_agent,omitempty"`
	UTMSource   string `json:"utm_source,omitempty"`
	UTMMedium   string `json:"utm_medium,omitempty"`
	UTMCampaign string `json:"utm_campaign,omitempty"`
}

// ClickProps is the typed payload for click events.
type ClickProps struct {
	Path   string `json:"path,omitempty"`
	Target string `json:"target"`
}

// ConversionProps is the typed payload for conversion events.
// Revenue uses decimal to keep money math exact through aggregation.
type ConversionProps struct {
	Kind    string          `json:"kind,omitempty"`
	Revenue decimal.Decimal `json:"revenue"`
}

// SessionPingProps is the typed payload for session_ping events.
type SessionPingProps struct {
	EngagementMs int64 `json:"engagement_ms"`
}

// Props is a tagged union over the known event-type schemas. Exactly one of
// the typed pointers is set for a known event type; fields the schema does
// not know about are preserved in Extra so forward-compatible payloads
// survive the round trip through durable storage.
type Props struct {
	PageView    *PageViewProps
	Click       *ClickProps
	Conversion  *ConversionProps
	SessionPing *SessionPingProps

	// Extra holds payload keys outside the typed schema.
	Extra map[string]interface{}
}

// typedKeys lists the schema-owned keys per event type, used to split a raw
// payload into the typed part and the Extra bucket.
var typedKeys = map[string][]string{
	TypePageView:    {"path", "referrer", "user_agent", "utm_source", "utm_medium", "utm_campaign"},
	TypeClick:       {"path", "target"},
	TypeConversion:  {"kind", "revenue"},
	TypeSessionPing: {"engagement_ms"},
}

// DecodeProps parses a raw props payload for the given event type.
// Unknown event types keep the whole payload in Extra.
func DecodeProps(eventType string, raw json.RawMessage) (Props, error) {
	var p Props
	if len(raw) == 0 || string(raw) == "null" {
		return p, nil
	}

	leftover := make(map[string]interface{})
	if err := json.Unmarshal(raw, &leftover); err != nil {
		return p, fmt.Errorf("props must be a JSON object: %w", err)
	}

	var typed interface{}
	switch eventType {
	case TypePageView:
		p.PageView = &PageViewProps{}
		typed = p.PageView
	case TypeClick:
		p.Click = &ClickProps{}
		typed = p.Click
	case TypeConversion:
		p.Conversion = &ConversionProps{}
		typed = p.Conversion
	case TypeSessionPing:
		p.SessionPing = &SessionPingProps{}
		typed = p.SessionPing
	default:
		// Unknown type: nothing typed to extract.
		if len(leftover) > 0 {
			p.Extra = leftover
		}
		return p, nil
	}

	if err := json.Unmarshal(raw, typed); err != nil {
		return Props{}, fmt.Errorf("invalid %s props: %w", eventType, err)
	}

	for _, key := range typedKeys[eventType] {
		delete(leftover, key)
	}
	if len(leftover) > 0 {
		p.Extra = leftover
	}
	return p, nil
}

// MarshalJSON flattens the typed part and the Extra bucket back into a single
// JSON object, matching the wire shape the event arrived with.
func (p Props) MarshalJSON() ([]byte, error) {
	merged := make(map[string]interface{}, len(p.Extra)+6)

	var typed interface{}
	switch {
	case p.PageView != nil:
		typed = p.PageView
	case p.Click != nil:
		typed = p.Click
	case p.Conversion != nil:
		typed = p.Conversion
	case p.SessionPing != nil:
		typed = p.SessionPing
	}

	if typed != nil {
		typedJSON, err := json.Marshal(typed)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(typedJSON, &merged); err != nil {
			return nil, err
		}
	}

	// Extra never clobbers schema-owned keys.
	for key, value := range p.Extra {
		if _, owned := merged[key]; !owned {
			merged[key] = value
		}
	}

	return json.Marshal(merged)
}

// UnmarshalJSON exists so Props survives a direct decode (e.g. reading the
// props column back from storage) without the envelope dispatch. The payload
// lands in Extra; storage adapters re-dispatch via DecodeProps using the
// row's event type.
func (p *Props) UnmarshalJSON(data []byte) error {
	var leftover map[string]interface{}
	if err := json.Unmarshal(data, &leftover); err != nil {
		return err
	}
	*p = Props{}
	if len(leftover) > 0 {
		p.Extra = leftover
	}
	return nil
}

// RevenueOrZero returns the conversion revenue, or zero for non-conversion events.
func (p Props) RevenueOrZero() decimal.Decimal {
	if p.Conversion == nil {
		return decimal.Zero
	}
	return p.Conversion.Revenue
}

// EngagementMsOrZero returns the session engagement duration, or zero.
func (p Props) EngagementMsOrZero() int64 {
	if p.SessionPing == nil {
		return 0
	}
	return p.SessionPing.EngagementMs
}
