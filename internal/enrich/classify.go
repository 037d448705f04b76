// Package enrich derives attribution records (device, browser, OS, referrer
// classification, campaign tags) from raw events, asynchronously to the write
// path.
package enrich

import (
	"net/url"
	"strings"
	"time"

	v1 "github.com/atelierhq/pulse/internal/api/v1"
)

// Referrer kinds.
const (
	ReferrerDirect   = "direct"
	ReferrerInternal = "internal"
	ReferrerSearch   = "search"
	ReferrerSocial   = "social"
	ReferrerExternal = "external"
)

const unknown = "unknown"

var searchHosts = []string{
	"google.", "bing.com", "duckduckgo.com", "search.yahoo.", "baidu.com",
	"yandex.", "ecosia.org",
}

var socialHosts = []string{
	"facebook.com", "fb.com", "twitter.com", "x.com", "t.co",
	"instagram.com", "linkedin.com", "reddit.com", "pinterest.",
	"tiktok.com", "youtube.com", "news.ycombinator.com",
}

// Classifier derives attribution fields from event payloads.
// internalHosts lists the product's own hostnames so self-referrals are not
// counted as external traffic.
type Classifier struct {
	internalHosts map[string]bool
}

func NewClassifier(internalHosts []string) *Classifier {
	hosts := make(map[string]bool, len(internalHosts))
	for _, h := range internalHosts {
		hosts[strings.ToLower(h)] = true
	}
	return &Classifier{internalHosts: hosts}
}

// Attribution builds the derived record for one event. Events without a
// user agent or referrer still get a record, with unknown/direct fields, so
// downstream queries never need to distinguish "not enriched" from "nothing
// to derive".
func (c *Classifier) Attribution(evt *v1.RawEvent, now time.Time) *v1.Attribution {
	attr := &v1.Attribution{
		EventID:      evt.ID,
		Device:       unknown,
		Browser:      unknown,
		OS:           unknown,
		ReferrerKind: ReferrerDirect,
		EnrichedAt:   now,
	}

	if pv := evt.Props.PageView; pv != nil {
		attr.Device, attr.Browser, attr.OS = classifyUserAgent(pv.UserAgent)
		attr.ReferrerHost, attr.ReferrerKind = c.classifyReferrer(pv.Referrer)
		attr.UTMSource = pv.UTMSource
		attr.UTMMedium = pv.UTMMedium
		attr.UTMCampaign = pv.UTMCampaign
	}

	return attr
}

// classifyUserAgent is a heuristic parse, deliberately coarse: the aggregate
// dimensions only need device class and major browser/OS family.
func classifyUserAgent(ua string) (device, browser, osName string) {
	device, browser, osName = unknown, unknown, unknown
	if ua == "" {
		return
	}
	lower := strings.ToLower(ua)

	switch {
	case strings.Contains(lower, "ipad") || strings.Contains(lower, "tablet"):
		device = "tablet"
	case strings.Contains(lower, "mobi") || strings.Contains(lower, "iphone") || strings.Contains(lower, "android"):
		device = "mobile"
	case strings.Contains(lower, "bot") || strings.Contains(lower, "crawler") || strings.Contains(lower, "spider"):
		device = "bot"
	default:
		device = "desktop"
	}

	switch {
	case strings.Contains(lower, "edg/") || strings.Contains(lower, "edge/"):
		browser = "edge"
	case strings.Contains(lower, "opr/") || strings.Contains(lower, "opera"):
		browser = "opera"
	case strings.Contains(lower, "firefox/"):
		browser = "firefox"
	case strings.Contains(lower, "chrome/") || strings.Contains(lower, "crios/"):
		browser = "chrome"
	case strings.Contains(lower, "safari/"):
		browser = "safari"
	}

	switch {
	case strings.Contains(lower, "windows"):
		osName = "windows"
	case strings.Contains(lower, "iphone") || strings.Contains(lower, "ipad") || strings.Contains(lower, "ios"):
		osName = "ios"
	case strings.Contains(lower, "mac os") || strings.Contains(lower, "macintosh"):
		osName = "macos"
	case strings.Contains(lower, "android"):
		osName = "android"
	case strings.Contains(lower, "linux"):
		osName = "linux"
	}

	return
}

// classifyReferrer extracts the referrer host and buckets it.
func (c *Classifier) classifyReferrer(referrer string) (host, kind string) {
	if referrer == "" {
		return "", ReferrerDirect
	}

	u, err := url.Parse(referrer)
	if err != nil || u.Hostname() == "" {
		// Unparseable referrers are still external traffic.
		return "", ReferrerExternal
	}
	host = strings.ToLower(u.Hostname())

	if c.internalHosts[host] {
		return host, ReferrerInternal
	}
	for _, s := range searchHosts {
		if strings.Contains(host, s) {
			return host, ReferrerSearch
		}
	}
	for _, s := range socialHosts {
		if host == s || strings.HasSuffix(host, "."+s) || strings.Contains(host, s) {
			return host, ReferrerSocial
		}
	}
	return host, ReferrerExternal
}
