// internal/intercept/interceptor.go
package intercept

import (
	"context"
	"mime"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/interceptor/internal/config"
	"github.com/xkilldash9x/interceptor/internal/network"
	"github.com/xkilldash9x/interceptor/internal/payload"
	"github.com/xkilldash9x/interceptor/internal/rewrite"
	"github.com/xkilldash9x/interceptor/internal/scripts"
)

const (
	// DefaultCorrelationHeader carries the payload registry id of a request body.
	DefaultCorrelationHeader = "x-cense-request-id"
	// DefaultBlankURL is the placeholder page served without touching the network.
	DefaultBlankURL = "https://localhost/blank"
	// DefaultAwaitTimeout bounds how long an accessor waits for a call to settle.
	DefaultAwaitTimeout = 120 * time.Second

	// DefaultBodyContentType is used for outgoing bodies without a parseable Content-Type.
	DefaultBodyContentType = "application/json; charset=UTF-8"
	emptyJSONBody          = "{}"
)

// Options tunes an Interceptor.
type Options struct {
	CorrelationHeader string
	BlankURL          string
	// AwaitTimeout moves a call that has not settled to the failed state. Zero waits forever.
	AwaitTimeout time.Duration
	// InjectAllFrames ignores UserScript.MainFrameOnly when rewriting sub-frame documents.
	InjectAllFrames bool
}

// OptionsFromConfig maps the intercept configuration section onto Options.
func OptionsFromConfig(cfg config.InterceptConfig) Options {
	return Options{
		CorrelationHeader: cfg.CorrelationHeader,
		BlankURL:          cfg.BlankURL,
		AwaitTimeout:      cfg.AwaitTimeout,
		InjectAllFrames:   cfg.InjectAllFrames,
	}
}

// Interceptor re-issues browser resource requests on its own HTTP stack and hands
// back deferred responses.
type Interceptor struct {
	dispatcher *network.Dispatcher
	payloads   *payload.Registry
	scripts    *scripts.Set
	rewriter   *rewrite.Rewriter
	opts       Options
	logger     *zap.Logger
}

// New creates an Interceptor. The dispatcher's client is expected to carry the
// shared cookie store as its jar.
func New(dispatcher *network.Dispatcher, payloads *payload.Registry, set *scripts.Set, rw *rewrite.Rewriter, opts Options, logger *zap.Logger) *Interceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.CorrelationHeader == "" {
		opts.CorrelationHeader = DefaultCorrelationHeader
	}
	opts.CorrelationHeader = strings.ToLower(strings.TrimSpace(opts.CorrelationHeader))
	if opts.BlankURL == "" {
		opts.BlankURL = DefaultBlankURL
	}
	if set == nil {
		set = scripts.NewSet()
	}
	if rw == nil {
		rw = rewrite.New(logger)
	}
	return &Interceptor{
		dispatcher: dispatcher,
		payloads:   payloads,
		scripts:    set,
		rewriter:   rw,
		opts:       opts,
		logger:     logger.Named("interceptor"),
	}
}

// CorrelationHeader returns the lower-cased name of the correlation header.
func (in *Interceptor) CorrelationHeader() string {
	return in.opts.CorrelationHeader
}

// Intercept decides whether req is handled by the pipeline. When it is, the call
// is dispatched and a DeferredResponse returned; false leaves the request to the
// browser. Requests without a URL, started by a user gesture, or using a scheme
// other than http and https are not handled. ctx bounds the outgoing call.
func (in *Interceptor) Intercept(ctx context.Context, req Request) (*DeferredResponse, bool) {
	if req.HasUserGesture {
		return nil, false
	}
	u, ok := req.target()
	if !ok {
		return nil, false
	}
	method := req.method()

	if strings.EqualFold(u.String(), in.opts.BlankURL) {
		d := newDeferredResponse(in, req, u, method, nil)
		d.completeEmpty()
		return d, true
	}

	contentType := DefaultBodyContentType
	var body *string
	header := make(http.Header, len(req.Headers))
	for name, value := range req.Headers {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "content-type":
			if mt, params, err := mime.ParseMediaType(value); err == nil {
				contentType = mime.FormatMediaType(mt, params)
			}
			header.Add(name, value)
		case in.opts.CorrelationHeader:
			if b, found := in.resolvePayload(value); found {
				body = &b
			}
		default:
			header.Add(name, value)
		}
	}

	if method == http.MethodPost && body == nil {
		empty := emptyJSONBody
		body = &empty
	}

	callCtx, cancel := context.WithCancel(ctx)
	var reader *strings.Reader
	if body != nil {
		reader = strings.NewReader(*body)
	}
	httpReq, err := newOutgoingRequest(callCtx, method, u.String(), reader)
	d := newDeferredResponse(in, req, u, method, cancel)
	if err != nil {
		d.fail(err)
		return d, true
	}
	httpReq.Header = header
	if body != nil {
		httpReq.Header.Set("Content-Type", contentType)
	}

	in.logger.Debug("Intercepting request.",
		zap.String("method", method),
		zap.String("url", u.String()),
		zap.Bool("main_frame", req.IsMainFrame),
		zap.Bool("has_body", body != nil))

	in.dispatcher.Enqueue(httpReq, d.onResponse)
	return d, true
}

// resolvePayload consumes the body recorded under the correlation id.
func (in *Interceptor) resolvePayload(id string) (string, bool) {
	if in.payloads == nil {
		return "", false
	}
	id = strings.ToLower(strings.TrimSpace(id))
	body, ok := in.payloads.Consume(id)
	if !ok {
		in.logger.Debug("No recorded payload for correlation id.", zap.String("id", id))
	}
	return body, ok
}

// newOutgoingRequest builds the request, leaving the body nil rather than a typed
// nil reader when there is nothing to send.
func newOutgoingRequest(ctx context.Context, method, target string, body *strings.Reader) (*http.Request, error) {
	if body == nil {
		return http.NewRequestWithContext(ctx, method, target, nil)
	}
	return http.NewRequestWithContext(ctx, method, target, body)
}
