// File: internal/network/dispatcher.go
package network

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrDispatcherClosed is delivered to callbacks enqueued after Close.
var ErrDispatcherClosed = errors.New("dispatcher is closed")

// Callback receives the outcome of an enqueued call exactly once.
// Exactly one of resp and err is non-nil.
type Callback func(resp *http.Response, err error)

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	// MaxRequestsPerHost caps concurrent in-flight calls to one host.
	MaxRequestsPerHost int
	// RateLimit is the per-host request rate in requests/second. Zero means unlimited.
	RateLimit float64
}

// hostState tracks the admission controls for one host.
type hostState struct {
	sem     *semaphore.Weighted
	limiter *rate.Limiter

	mu       sync.Mutex
	inFlight int
}

// Dispatcher runs HTTP calls asynchronously on a shared client, admitting at
// most MaxRequestsPerHost concurrent calls per host. Calls queue in goroutines
// while waiting for a slot.
type Dispatcher struct {
	client *http.Client
	cfg    DispatcherConfig
	logger *zap.Logger

	mu     sync.Mutex
	hosts  map[string]*hostState
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher creates a Dispatcher issuing calls through client.
func NewDispatcher(client *http.Client, cfg DispatcherConfig, logger *zap.Logger) *Dispatcher {
	if client == nil {
		client = NewClient(nil)
	}
	if cfg.MaxRequestsPerHost <= 0 {
		cfg.MaxRequestsPerHost = DefaultMaxRequestsPerHost
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		client: client,
		cfg:    cfg,
		logger: logger.Named("dispatcher"),
		hosts:  make(map[string]*hostState),
	}
}

// Client returns the underlying HTTP client.
func (d *Dispatcher) Client() *http.Client {
	return d.client
}

// Enqueue dispatches req in the background and invokes cb with the result.
// The response body belongs to the callback.
func (d *Dispatcher) Enqueue(req *http.Request, cb Callback) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		cb(nil, ErrDispatcherClosed)
		return
	}
	hs := d.hostLocked(hostKey(req))
	d.wg.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.wg.Done()
		resp, err := d.execute(req.Context(), hs, req)
		cb(resp, err)
	}()
}

// Do dispatches req and waits for the result under the same per-host admission rules.
func (d *Dispatcher) Do(req *http.Request) (*http.Response, error) {
	type result struct {
		resp *http.Response
		err  error
	}
	ch := make(chan result, 1)
	d.Enqueue(req, func(resp *http.Response, err error) { ch <- result{resp, err} })
	r := <-ch
	return r.resp, r.err
}

func (d *Dispatcher) execute(ctx context.Context, hs *hostState, req *http.Request) (*http.Response, error) {
	if err := hs.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for host slot: %w", err)
	}
	defer hs.sem.Release(1)

	if hs.limiter != nil {
		if err := hs.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for rate limiter: %w", err)
		}
	}

	hs.mu.Lock()
	hs.inFlight++
	hs.mu.Unlock()
	defer func() {
		hs.mu.Lock()
		hs.inFlight--
		hs.mu.Unlock()
	}()

	// The slot is held until headers arrive; body streaming happens outside the cap.
	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Debug("Call failed.", zap.String("method", req.Method), zap.String("url", req.URL.String()), zap.Error(err))
		return nil, err
	}
	return resp, nil
}

// InFlight returns the number of calls currently executing against host.
func (d *Dispatcher) InFlight(host string) int {
	d.mu.Lock()
	hs, ok := d.hosts[strings.ToLower(host)]
	d.mu.Unlock()
	if !ok {
		return 0
	}
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.inFlight
}

// Close rejects new calls and waits for every enqueued call to deliver its callback.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.wg.Wait()
	d.client.CloseIdleConnections()
}

func (d *Dispatcher) hostLocked(host string) *hostState {
	hs, ok := d.hosts[host]
	if ok {
		return hs
	}
	hs = &hostState{sem: semaphore.NewWeighted(int64(d.cfg.MaxRequestsPerHost))}
	if d.cfg.RateLimit > 0 {
		hs.limiter = rate.NewLimiter(rate.Limit(d.cfg.RateLimit), 1)
	}
	d.hosts[host] = hs
	return hs
}

func hostKey(req *http.Request) string {
	if req.URL == nil {
		return ""
	}
	return strings.ToLower(req.URL.Hostname())
}
