package dimension

import "strings"

// Key is the tuple of optional entity references a metric row is scoped to.
// The zero value is the platform-wide aggregate. Comparable, so it can be
// used directly as a map key during grouping.
type Key struct {
	ProjectID string
	AssetID   string
	PostID    string
	LicenseID string
}

// Platform is the empty tuple representing the platform-wide aggregate row.
var Platform = Key{}

// IsPlatform reports whether the key is the platform-wide aggregate.
func (k Key) IsPlatform() bool {
	return k == Platform
}

// Encode renders the key as a stable token, used in cache keys and logs.
// Field order is fixed; the platform-wide key encodes as "platform".
// Example: "project=p1;post=post-123"
func (k Key) Encode() string {
	if k.IsPlatform() {
		return "platform"
	}

	parts := make([]string, 0, 4)
	if k.ProjectID != "" {
		parts = append(parts, "project="+k.ProjectID)
	}
	if k.AssetID != "" {
		parts = append(parts, "asset="+k.AssetID)
	}
	if k.PostID != "" {
		parts = append(parts, "post="+k.PostID)
	}
	if k.LicenseID != "" {
		parts = append(parts, "license="+k.LicenseID)
	}
	return strings.Join(parts, ";")
}

// Decode parses a token produced by Encode. Unknown segments are ignored so
// older cache keys stay parseable after a field is added.
func Decode(token string) Key {
	if token == "" || token == "platform" {
		return Platform
	}

	var k Key
	for _, part := range strings.Split(token, ";") {
		name, value, found := strings.Cut(part, "=")
		if !found {
			continue
		}
		switch name {
		case "project":
			k.ProjectID = value
		case "asset":
			k.AssetID = value
		case "post":
			k.PostID = value
		case "license":
			k.LicenseID = value
		}
	}
	return k
}
