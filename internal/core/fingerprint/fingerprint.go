package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	v1 "github.com/atelierhq/pulse/internal/api/v1"
)

// Window is the identity resolution window: two events whose identity fields
// match and whose occurred_at timestamps fall in the same second are the same
// logical event.
const Window = time.Second

// For derives the deduplication fingerprint for an event.
// Deterministic over (type, actor, session, entity refs, occurred_at rounded
// down to one second). The event ID is deliberately excluded: client retries
// regenerate IDs, the identity fields do not change.
func For(e *v1.RawEvent) string {
	var b strings.Builder
	b.WriteString(e.Type)
	b.WriteByte('|')
	b.WriteString(e.ActorID)
	b.WriteByte('|')
	b.WriteString(e.SessionID)
	b.WriteByte('|')
	b.WriteString(e.Entity.ProjectID)
	b.WriteByte('|')
	b.WriteString(e.Entity.AssetID)
	b.WriteByte('|')
	b.WriteString(e.Entity.PostID)
	b.WriteByte('|')
	b.WriteString(e.Entity.LicenseID)
	b.WriteByte('|')
	b.WriteString(strconv.FormatInt(e.OccurredAt.Truncate(Window).Unix(), 10))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:16])
}
