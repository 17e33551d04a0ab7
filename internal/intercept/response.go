// internal/intercept/response.go
package intercept

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/xkilldash9x/interceptor/internal/network"
	"github.com/xkilldash9x/interceptor/internal/rewrite"
	"github.com/xkilldash9x/interceptor/internal/scripts"
)

// DefaultEncoding is reported when a response declares no charset.
const DefaultEncoding = "utf-8"

// ErrAwaitTimeout marks a response that did not complete within the await timeout.
var ErrAwaitTimeout = errors.New("timed out waiting for response")

// State is the lifecycle of a DeferredResponse.
type State int32

const (
	StatePending State = iota
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "State(" + strconv.Itoa(int(s)) + ")"
	}
}

// exported is the settled view of a response. It is written once, before done
// closes. A nil body is prepared from wire on first use.
type exported struct {
	status   int
	reason   string
	headers  map[string]string
	mimeType string
	encoding string
	body     io.ReadCloser
	wire     *http.Response
	err      error
}

// DeferredResponse is a response whose accessors block until the underlying call
// settles. The wait happens once; later accessors return immediately.
// A call settles when its headers arrive. A failed call settles as an empty 200
// response.
type DeferredResponse struct {
	method            string
	url               *url.URL
	mainFrame         bool
	allFrames         bool
	correlationHeader string
	scripts           []scripts.UserScript
	rewriter          *rewrite.Rewriter
	timeout           time.Duration
	cancel            context.CancelFunc
	logger            *zap.Logger

	done    chan struct{}
	settle  sync.Once
	gate    sync.Once
	prepare sync.Once

	state  State
	result exported
}

func newDeferredResponse(in *Interceptor, req Request, u *url.URL, method string, cancel context.CancelFunc) *DeferredResponse {
	if cancel == nil {
		cancel = func() {}
	}
	return &DeferredResponse{
		method:            method,
		url:               u,
		mainFrame:         req.IsMainFrame,
		allFrames:         in.opts.InjectAllFrames,
		correlationHeader: in.opts.CorrelationHeader,
		scripts:           in.scripts.Snapshot(),
		rewriter:          in.rewriter,
		timeout:           in.opts.AwaitTimeout,
		cancel:            cancel,
		logger:            in.logger.With(zap.String("method", method), zap.String("url", u.String())),
		done:              make(chan struct{}),
	}
}

// settleWith records the outcome and opens the gate. It reports false when the
// response had already settled.
func (d *DeferredResponse) settleWith(state State, res exported) bool {
	settled := false
	d.settle.Do(func() {
		d.state = state
		d.result = res
		settled = true
		close(d.done)
	})
	return settled
}

// completeEmpty settles the response with the synthetic empty 200.
func (d *DeferredResponse) completeEmpty() {
	d.settleWith(StateCompleted, emptyResult(nil))
}

func (d *DeferredResponse) fail(err error) {
	if d.settleWith(StateFailed, emptyResult(err)) {
		d.logger.Warn("Intercepted call failed, serving empty response.", zap.Error(err))
		d.cancel()
	}
}

func emptyResult(err error) exported {
	return exported{
		status:   http.StatusOK,
		headers:  map[string]string{},
		encoding: DefaultEncoding,
		body:     http.NoBody,
		err:      err,
	}
}

// onResponse is the dispatcher callback. It settles on headers alone; the body
// is left on the wire until an accessor needs it.
func (d *DeferredResponse) onResponse(resp *http.Response, err error) {
	if err != nil {
		d.fail(err)
		return
	}
	if !d.settleWith(StateCompleted, d.exportHead(resp)) {
		// Timed out before the headers arrived.
		_ = resp.Body.Close()
	}
}

// exportHead converts the status line and headers of resp into their
// browser-facing form. Bodies that can be decided without reading are attached
// here; the rest are prepared by prepareBody.
func (d *DeferredResponse) exportHead(resp *http.Response) exported {
	res := exported{
		status:   resp.StatusCode,
		reason:   reasonPhrase(resp),
		headers:  ExportHeaders(resp.Header, d.method, d.correlationHeader),
		encoding: DefaultEncoding,
		wire:     resp,
	}

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	declared := err == nil
	if declared {
		res.mimeType = mediaType
		if cs := strings.ToLower(strings.TrimSpace(params["charset"])); cs != "" {
			res.encoding = cs
		}
	}

	switch {
	case network.Bodyless(resp), stillEncoded(resp):
		res.body = d.stream(resp, resp.Body)
	case d.mainFrame:
		markRewritten(&res)
	case declared && !rewrite.MayContainMarkup(mediaType):
		res.body = d.stream(resp, resp.Body)
	}
	return res
}

// stillEncoded reports whether resp kept a content coding the client could not decode.
func stillEncoded(resp *http.Response) bool {
	for _, v := range resp.Header.Values("Content-Encoding") {
		if !strings.EqualFold(strings.TrimSpace(v), "identity") {
			return true
		}
	}
	return false
}

// markRewritten adjusts res for a body that is re-serialized as UTF-8 markup.
func markRewritten(res *exported) {
	if res.mimeType == "" {
		res.mimeType = "text/html"
	}
	res.encoding = rewrite.OutputCharset
	if ct, ok := res.headers["content-type"]; ok {
		if mt, params, err := mime.ParseMediaType(ct); err == nil {
			params["charset"] = rewrite.OutputCharset
			res.headers["content-type"] = mime.FormatMediaType(mt, params)
		}
	}
	delete(res.headers, "content-length")
}

func (d *DeferredResponse) stream(resp *http.Response, r io.Reader) io.ReadCloser {
	return &streamBody{Reader: r, wire: resp.Body, release: d.cancel}
}

// view waits for the response and prepares its body once.
func (d *DeferredResponse) view() *exported {
	d.await()
	d.prepare.Do(d.prepareBody)
	return &d.result
}

// prepareBody sniffs and, for main frames and markup, buffers and rewrites the
// body. Anything else streams through the sniff buffer.
func (d *DeferredResponse) prepareBody() {
	res := &d.result
	if res.body != nil {
		return
	}
	resp := res.wire
	br := rewrite.NewSniffReader(resp.Body)

	if !d.mainFrame {
		prefix := rewrite.Peek(br)
		if res.mimeType == "" && len(prefix) > 0 {
			res.mimeType, _, _ = mime.ParseMediaType(mimetype.Detect(prefix).String())
		}
		if !rewrite.LooksLikeMarkup(prefix) {
			res.body = d.stream(resp, br)
			return
		}
		markRewritten(res)
	}
	res.body = io.NopCloser(bytes.NewReader(d.rewriteBody(resp, br)))
}

// rewriteBody reads the document and returns it rewritten. Read and parse
// failures serve whatever bytes were received.
func (d *DeferredResponse) rewriteBody(resp *http.Response, r io.Reader) []byte {
	raw, err := io.ReadAll(r)
	_ = resp.Body.Close()
	d.cancel()
	if err != nil {
		d.logger.Warn("Document body read failed, serving received bytes.", zap.Error(err), zap.Int("bytes", len(raw)))
		return raw
	}

	base := d.url
	if resp.Request != nil && resp.Request.URL != nil {
		// Redirects move the document base.
		base = resp.Request.URL
	}
	out, err := d.rewriter.Rewrite(rewrite.Input{
		Body:        raw,
		ContentType: resp.Header.Get("Content-Type"),
		Base:        base,
		MainFrame:   d.mainFrame,
		AllFrames:   d.allFrames,
		Scripts:     d.scripts,
	})
	if err != nil {
		d.logger.Warn("Document rewrite failed, serving raw body.", zap.Error(err))
		return raw
	}

	if d.mainFrame {
		d.logger.Info("Intercepting main frame.")
	} else {
		d.logger.Info("Intercepting sniffed html.")
	}
	return out
}

func reasonPhrase(resp *http.Response) string {
	reason := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if reason == "" {
		reason = http.StatusText(resp.StatusCode)
	}
	return reason
}

// await blocks until the response settles or the await timeout passes.
func (d *DeferredResponse) await() {
	d.gate.Do(func() {
		if d.timeout <= 0 {
			<-d.done
			return
		}
		timer := time.NewTimer(d.timeout)
		defer timer.Stop()
		select {
		case <-d.done:
		case <-timer.C:
			d.fail(fmt.Errorf("%w after %s", ErrAwaitTimeout, d.timeout))
		}
	})
}

// StatusCode returns the HTTP status, 200 for failed calls.
func (d *DeferredResponse) StatusCode() int {
	d.await()
	return d.result.status
}

// ReasonPhrase returns the status text, empty for failed calls.
func (d *DeferredResponse) ReasonPhrase() string {
	d.await()
	return d.result.reason
}

// Headers returns a copy of the exported response headers. For bodies that may
// be markup this waits for the sniff window.
func (d *DeferredResponse) Headers() map[string]string {
	return maps.Clone(d.view().headers)
}

// MimeType returns the media type without parameters.
func (d *DeferredResponse) MimeType() string {
	return d.view().mimeType
}

// Encoding returns the lower-cased charset of Body, defaulting to utf-8.
func (d *DeferredResponse) Encoding() string {
	return d.view().encoding
}

// Body returns the response body. Every call returns the same stream.
func (d *DeferredResponse) Body() io.ReadCloser {
	return d.view().body
}

// State returns the settled state.
func (d *DeferredResponse) State() State {
	d.await()
	return d.state
}

// Err returns the failure behind a StateFailed response.
func (d *DeferredResponse) Err() error {
	d.await()
	return d.result.err
}

// Close releases the body of a response the caller decided not to read. A body
// that was never prepared is closed without being read.
func (d *DeferredResponse) Close() error {
	d.await()
	var err error
	closed := false
	d.prepare.Do(func() {
		if d.result.body != nil {
			return
		}
		closed = true
		d.result.body = http.NoBody
		err = d.result.wire.Body.Close()
		d.cancel()
	})
	if closed {
		return err
	}
	return d.result.body.Close()
}

// streamBody reads through the sniff buffer and releases the call's context on close.
type streamBody struct {
	io.Reader
	wire    io.Closer
	release context.CancelFunc
	once    sync.Once
}

func (b *streamBody) Close() error {
	err := b.wire.Close()
	b.once.Do(b.release)
	return err
}
