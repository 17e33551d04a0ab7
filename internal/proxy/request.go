// internal/proxy/request.go
package proxy

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/xkilldash9x/interceptor/internal/intercept"
)

// maxRecordedBody bounds request bodies copied into the payload registry.
const maxRecordedBody = 32 << 20

// hopHeaders are connection-scoped and never forwarded (RFC 7230 6.1).
var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Proxy-Connection":    {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Content-Length":      {},
}

// toInterceptRequest converts a proxied request into the shape the browser callback
// reports. A non-empty body is parked in the payload registry under a fresh id carried
// by the correlation header, the way the page recorder does it. The returned restore
// function puts the body back for requests the interceptor declines.
func (p *Proxy) toInterceptRequest(r *http.Request) (intercept.Request, func(), error) {
	req := intercept.Request{
		Method:         r.Method,
		URL:            r.URL.String(),
		Headers:        flattenHeaders(r.Header),
		IsMainFrame:    strings.EqualFold(r.Header.Get("Sec-Fetch-Dest"), "document"),
		HasUserGesture: r.Header.Get("Sec-Fetch-User") == "?1",
	}

	body, err := readBody(r)
	if err != nil {
		return req, nil, err
	}

	var id string
	if len(body) > 0 && p.payloads != nil {
		id = p.payloads.Record(string(body))
		req.Headers[p.interceptor.CorrelationHeader()] = id
	}

	restore := func() {
		if id != "" {
			p.payloads.Consume(id)
		}
		if body != nil {
			r.Body = io.NopCloser(bytes.NewReader(body))
			r.ContentLength = int64(len(body))
		}
	}
	return req, restore, nil
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRecordedBody+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxRecordedBody {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxRecordedBody)
	}
	return body, nil
}

// flattenHeaders joins repeated header values and drops hop-by-hop headers.
func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		if _, hop := hopHeaders[http.CanonicalHeaderKey(name)]; hop || len(values) == 0 {
			continue
		}
		sep := ", "
		if strings.EqualFold(name, "Cookie") {
			sep = "; "
		}
		out[name] = strings.Join(values, sep)
	}
	return out
}

// toHTTPResponse renders a settled DeferredResponse as the proxy's reply to r.
func toHTTPResponse(r *http.Request, d *intercept.DeferredResponse) *http.Response {
	code := d.StatusCode()
	reason := d.ReasonPhrase()
	if reason == "" {
		reason = http.StatusText(code)
	}

	header := make(http.Header)
	for name, value := range d.Headers() {
		if _, hop := hopHeaders[http.CanonicalHeaderKey(name)]; hop {
			continue
		}
		header.Set(name, value)
	}
	if header.Get("Content-Type") == "" && d.MimeType() != "" {
		header.Set("Content-Type", d.MimeType()+"; charset="+d.Encoding())
	}

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", code, reason),
		StatusCode:    code,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          d.Body(),
		ContentLength: -1,
		Request:       r,
	}
}
