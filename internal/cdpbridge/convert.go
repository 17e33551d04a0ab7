// internal/cdpbridge/convert.go
package cdpbridge

import (
	"bytes"
	"encoding/base64"
	"io"
	"net/http"
	"sort"
	"strings"

	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"

	"github.com/xkilldash9x/interceptor/internal/intercept"
)

// toInterceptRequest converts a paused request. The returned body is the decoded
// post data; ok is false when the request has a body that was not inlined in the event.
func toInterceptRequest(e *fetch.EventRequestPaused) (req intercept.Request, body []byte, ok bool) {
	if e == nil || e.Request == nil {
		return intercept.Request{}, nil, false
	}
	r := e.Request
	req = intercept.Request{
		Method:      r.Method,
		URL:         r.URL,
		Headers:     flattenHeaders(r.Headers),
		IsMainFrame: e.ResourceType == network.ResourceTypeDocument,
	}
	if !r.HasPostData {
		return req, nil, true
	}
	if len(r.PostDataEntries) == 0 {
		return req, nil, false
	}
	return req, decodePostData(r.PostDataEntries), true
}

// decodePostData joins the base64 entries. An entry that is not valid base64 is used as is.
func decodePostData(entries []*network.PostDataEntry) []byte {
	var buf bytes.Buffer
	for _, entry := range entries {
		if entry == nil {
			continue
		}
		decoded, err := base64.StdEncoding.DecodeString(entry.Bytes)
		if err != nil {
			buf.WriteString(entry.Bytes)
			continue
		}
		buf.Write(decoded)
	}
	return buf.Bytes()
}

// flattenHeaders converts CDP headers, which join repeated values with newlines.
func flattenHeaders(headers network.Headers) map[string]string {
	out := make(map[string]string, len(headers))
	for name, value := range headers {
		s, ok := value.(string)
		if !ok {
			continue
		}
		sep := ", "
		if strings.EqualFold(name, "Cookie") {
			sep = "; "
		}
		out[name] = strings.Join(strings.Split(s, "\n"), sep)
	}
	return out
}

// fulfillParams reads the settled response into a Fetch.fulfillRequest call. On a
// body read error the headers and whatever was read are still returned.
func fulfillParams(id fetch.RequestID, d *intercept.DeferredResponse) (*fetch.FulfillRequestParams, error) {
	code := d.StatusCode()
	reason := d.ReasonPhrase()
	if reason == "" {
		reason = http.StatusText(code)
	}

	body := d.Body()
	raw, readErr := io.ReadAll(body)
	_ = body.Close()

	params := fetch.FulfillRequest(id, int64(code)).
		WithResponseHeaders(headerEntries(d)).
		WithBody(base64.StdEncoding.EncodeToString(raw))
	if reason != "" {
		params = params.WithResponsePhrase(reason)
	}
	return params, readErr
}

// headerEntries renders the exported headers sorted by name, adding a content type
// derived from the sniffed mime type when none was sent.
func headerEntries(d *intercept.DeferredResponse) []*fetch.HeaderEntry {
	headers := d.Headers()
	if headers == nil {
		headers = make(map[string]string)
	}
	if _, ok := headers["content-type"]; !ok && d.MimeType() != "" {
		headers["content-type"] = d.MimeType() + "; charset=" + d.Encoding()
	}
	delete(headers, "content-length")
	delete(headers, "transfer-encoding")

	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)

	entries := make([]*fetch.HeaderEntry, 0, len(names))
	for _, name := range names {
		entries = append(entries, &fetch.HeaderEntry{Name: name, Value: headers[name]})
	}
	return entries
}
