// internal/cdpbridge/bridge.go
package cdpbridge

import (
	"context"
	"sync"

	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/interceptor/internal/intercept"
	"github.com/xkilldash9x/interceptor/internal/payload"
)

// Bridge serves a Chrome tab's paused requests from the interception pipeline.
type Bridge struct {
	interceptor *intercept.Interceptor
	payloads    *payload.Registry
	logger      *zap.Logger

	wg sync.WaitGroup
}

// New creates a Bridge.
func New(in *intercept.Interceptor, payloads *payload.Registry, logger *zap.Logger) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		interceptor: in,
		payloads:    payloads,
		logger:      logger.Named("cdpbridge"),
	}
}

// Attach enables request interception on the chromedp target carried by ctx.
// Paused requests are served until ctx is done.
func (b *Bridge) Attach(ctx context.Context) error {
	chromedp.ListenTarget(ctx, func(ev interface{}) {
		if e, ok := ev.(*fetch.EventRequestPaused); ok {
			// Actions cannot run on the listener goroutine.
			b.wg.Add(1)
			go b.handle(ctx, e)
		}
	})

	patterns := []*fetch.RequestPattern{{URLPattern: "*", RequestStage: fetch.RequestStageRequest}}
	if err := chromedp.Run(ctx, fetch.Enable().WithPatterns(patterns)); err != nil {
		return err
	}
	b.logger.Debug("Fetch interception enabled.")
	return nil
}

// Wait blocks until every paused request seen so far has been answered.
func (b *Bridge) Wait() {
	b.wg.Wait()
}

func (b *Bridge) handle(ctx context.Context, e *fetch.EventRequestPaused) {
	defer b.wg.Done()

	req, ok := b.convert(e)
	if !ok {
		b.continueRequest(ctx, e)
		return
	}

	d, handled := b.interceptor.Intercept(ctx, req)
	if !handled {
		b.discardPayload(req)
		b.continueRequest(ctx, e)
		return
	}

	params, err := fulfillParams(e.RequestID, d)
	if err != nil {
		b.logger.Warn("Failed to read intercepted response.", zap.String("url", req.URL), zap.Error(err))
	}
	if err := chromedp.Run(ctx, params); err != nil {
		b.logger.Warn("Failed to fulfill paused request.", zap.String("url", req.URL), zap.Error(err))
	}
}

// convert maps a paused request onto the pipeline's request shape, parking any
// body in the payload registry. It reports false when the body is not available.
func (b *Bridge) convert(e *fetch.EventRequestPaused) (intercept.Request, bool) {
	req, body, ok := toInterceptRequest(e)
	if !ok {
		b.logger.Debug("Request body not inlined, leaving request to the browser.", zap.String("request_id", string(e.RequestID)))
		return req, false
	}
	if len(body) > 0 && b.payloads != nil {
		req.Headers[b.interceptor.CorrelationHeader()] = b.payloads.Record(string(body))
	}
	return req, true
}

func (b *Bridge) discardPayload(req intercept.Request) {
	if b.payloads == nil {
		return
	}
	if id, ok := req.Headers[b.interceptor.CorrelationHeader()]; ok {
		b.payloads.Consume(id)
	}
}

func (b *Bridge) continueRequest(ctx context.Context, e *fetch.EventRequestPaused) {
	if err := chromedp.Run(ctx, fetch.ContinueRequest(e.RequestID)); err != nil {
		b.logger.Warn("Failed to continue paused request.", zap.String("request_id", string(e.RequestID)), zap.Error(err))
	}
}
