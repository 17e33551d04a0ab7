// internal/intercept/headers.go
package intercept

import (
	"net/http"
	"strings"
)

const (
	allowHeadersKey = "access-control-allow-headers"
	setCookieKey    = "set-cookie"
)

// ExportHeaders flattens h into the map handed to the browser. Names are trimmed
// and lower-cased, and repeated fields are joined with ", ". Set-Cookie cannot be
// joined, since Expires dates contain commas, so only its last value is kept. For OPTIONS
// responses the correlation header is added to access-control-allow-headers so
// the preflight admits it on the follow-up request.
func ExportHeaders(h http.Header, method, correlationHeader string) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" || len(values) == 0 {
			continue
		}
		if key == setCookieKey {
			out[key] = values[len(values)-1]
			continue
		}
		joined := strings.Join(values, ", ")
		if prev, ok := out[key]; ok {
			joined = prev + ", " + joined
		}
		out[key] = joined
	}

	if strings.EqualFold(strings.TrimSpace(method), http.MethodOptions) {
		out[allowHeadersKey] = MergeAllowHeaders(out[allowHeadersKey], correlationHeader)
	}
	return out
}

// MergeAllowHeaders splits a comma-separated header list, drops empty and
// repeated entries, appends extra and re-joins with ", ". Entries are lower-cased.
func MergeAllowHeaders(value, extra string) string {
	seen := make(map[string]struct{})
	var names []string
	add := func(name string) {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			return
		}
		if _, dup := seen[name]; dup {
			return
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}

	for _, name := range strings.Split(value, ",") {
		add(name)
	}
	add(extra)
	return strings.Join(names, ", ")
}
