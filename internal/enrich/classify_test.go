package enrich

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	v1 "github.com/atelierhq/pulse/internal/api/v1"
)

func TestClassifyUserAgent(t *testing.T) {
	tests := []struct {
		name    string
		ua      string
		device  string
		browser string
		os      string
	}{
		{
			name:    "desktop chrome on macos",
			ua:      "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36",
			device:  "desktop",
			browser: "chrome",
			os:      "macos",
		},
		{
			name:    "iphone safari",
			ua:      "Mozilla/5.0 (iPhone; CPU iPhone OS 17_5 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Mobile/15E148 Safari/604.1",
			device:  "mobile",
			browser: "safari",
			os:      "ios",
		},
		{
			name:    "android firefox",
			ua:      "Mozilla/5.0 (Android 14; Mobile; rv:127.0) Gecko/127.0 Firefox/127.0",
			device:  "mobile",
			browser: "firefox",
			os:      "android",
		},
		{
			name:    "windows edge",
			ua:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36 Edg/126.0.0.0",
			device:  "desktop",
			browser: "edge",
			os:      "windows",
		},
		{
			name:    "crawler",
			ua:      "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)",
			device:  "bot",
			browser: "unknown",
			os:      "unknown",
		},
		{
			name:    "empty",
			ua:      "",
			device:  "unknown",
			browser: "unknown",
			os:      "unknown",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			device, browser, osName := classifyUserAgent(tc.ua)
			require.Equal(t, tc.device, device)
			require.Equal(t, tc.browser, browser)
			require.Equal(t, tc.os, osName)
		})
	}
}

func TestClassifyReferrer(t *testing.T) {
	c := NewClassifier([]string{"app.example.com"})

	tests := []struct {
		name     string
		referrer string
		host     string
		kind     string
	}{
		{"empty is direct", "", "", ReferrerDirect},
		{"own host is internal", "https://app.example.com/dashboard", "app.example.com", ReferrerInternal},
		{"google is search", "https://www.google.com/search?q=pulse", "www.google.com", ReferrerSearch},
		{"twitter is social", "https://t.co/abc123", "t.co", ReferrerSocial},
		{"hn is social", "https://news.ycombinator.com/item?id=1", "news.ycombinator.com", ReferrerSocial},
		{"other site is external", "https://blog.partner.io/post", "blog.partner.io", ReferrerExternal},
		{"garbage is external", "::::not a url", "", ReferrerExternal},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			host, kind := c.classifyReferrer(tc.referrer)
			require.Equal(t, tc.host, host)
			require.Equal(t, tc.kind, kind)
		})
	}
}

func TestClassifier_Attribution(t *testing.T) {
	c := NewClassifier(nil)
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	evt := &v1.RawEvent{
		ID:   "evt-1",
		Type: v1.TypePageView,
		Props: v1.Props{PageView: &v1.PageViewProps{
			Path:        "/pricing",
			Referrer:    "https://www.google.com/search",
			UserAgent:   "Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/126.0.0.0 Safari/537.36",
			UTMSource:   "newsletter",
			UTMMedium:   "email",
			UTMCampaign: "launch",
		}},
	}

	attr := c.Attribution(evt, now)
	require.Equal(t, "evt-1", attr.EventID)
	require.Equal(t, "desktop", attr.Device)
	require.Equal(t, "windows", attr.OS)
	require.Equal(t, ReferrerSearch, attr.ReferrerKind)
	require.Equal(t, "newsletter", attr.UTMSource)
	require.Equal(t, "email", attr.UTMMedium)
	require.Equal(t, "launch", attr.UTMCampaign)
	require.Equal(t, now, attr.EnrichedAt)
}

func TestClassifier_AttributionNonPageView(t *testing.T) {
	c := NewClassifier(nil)
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	evt := &v1.RawEvent{
		ID:    "evt-2",
		Type:  v1.TypeClick,
		Props: v1.Props{Click: &v1.ClickProps{Target: "cta"}},
	}

	attr := c.Attribution(evt, now)
	require.Equal(t, "unknown", attr.Device)
	require.Equal(t, ReferrerDirect, attr.ReferrerKind)
	require.Empty(t, attr.ReferrerHost)
}
