// internal/intercept/request.go
package intercept

import (
	"net/url"
	"strings"
)

// Request describes one resource request as reported by the embedding browser.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	// HasUserGesture is set for navigations the user started, which the browser fetches itself.
	HasUserGesture bool
	// IsMainFrame is set for top-level document loads.
	IsMainFrame bool
}

// method returns the upper-cased method, defaulting to GET.
func (r Request) method() string {
	m := strings.ToUpper(strings.TrimSpace(r.Method))
	if m == "" {
		return "GET"
	}
	return m
}

// target parses the request URL and reports whether its scheme is interceptable.
func (r Request) target() (*url.URL, bool) {
	raw := strings.TrimSpace(r.URL)
	if raw == "" {
		return nil, false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return nil, false
	}
	switch strings.ToLower(strings.TrimSpace(u.Scheme)) {
	case "http", "https":
		return u, true
	default:
		return nil, false
	}
}
