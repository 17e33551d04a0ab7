// File: internal/network/dispatcher_test.go
package network

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestDispatcher_PerHostCapNeverExceeded(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	const limit = 3
	const calls = 12

	var current, peak int32
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&current, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&current, -1)
		_, _ = io.WriteString(w, "ok")
	}))
	defer server.Close()

	d := NewDispatcher(nil, DispatcherConfig{MaxRequestsPerHost: limit}, zaptest.NewLogger(t))
	defer d.Close()

	u, err := url.Parse(server.URL)
	require.NoError(t, err)

	var wg sync.WaitGroup
	var succeeded int32
	for i := 0; i < calls; i++ {
		wg.Add(1)
		req, err := http.NewRequest(http.MethodGet, server.URL, nil)
		require.NoError(t, err)
		d.Enqueue(req, func(resp *http.Response, err error) {
			defer wg.Done()
			if assert.NoError(t, err) {
				_, _ = io.Copy(io.Discard, resp.Body)
				_ = resp.Body.Close()
				atomic.AddInt32(&succeeded, 1)
			}
		})
	}

	assert.Eventually(t, func() bool {
		return d.InFlight(u.Hostname()) == limit
	}, 5*time.Second, 10*time.Millisecond, "the cap should fill")
	close(release)
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(limit))
	assert.EqualValues(t, calls, atomic.LoadInt32(&succeeded))
	assert.Zero(t, d.InFlight(u.Hostname()))
}

func TestDispatcher_HostsAreIndependent(t *testing.T) {
	d := NewDispatcher(nil, DispatcherConfig{MaxRequestsPerHost: 1}, nil)
	defer d.Close()

	block := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer slow.Close()
	defer close(block)

	fast := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "fast")
	}))
	defer fast.Close()

	slowReq, _ := http.NewRequest(http.MethodGet, slow.URL, nil)
	d.Enqueue(slowReq, func(resp *http.Response, err error) {
		if resp != nil {
			_ = resp.Body.Close()
		}
	})

	// Both test servers listen on 127.0.0.1, so the second host is addressed by name.
	fastURL, _ := url.Parse(fast.URL)
	fastURL.Host = "localhost:" + fastURL.Port()
	fastReq, _ := http.NewRequest(http.MethodGet, fastURL.String(), nil)

	resp, err := d.Do(fastReq)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "fast", string(body))
}

func TestDispatcher_ConnectionFailureReachesCallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	target := server.URL
	server.Close()

	d := NewDispatcher(nil, DispatcherConfig{}, nil)
	defer d.Close()

	req, _ := http.NewRequest(http.MethodGet, target, nil)
	resp, err := d.Do(req)
	assert.Nil(t, resp)
	assert.Error(t, err)
}

func TestDispatcher_CancelledWhileQueued(t *testing.T) {
	block := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer server.Close()

	d := NewDispatcher(nil, DispatcherConfig{MaxRequestsPerHost: 1}, nil)
	defer d.Close()
	defer close(block)

	first, _ := http.NewRequest(http.MethodGet, server.URL, nil)
	d.Enqueue(first, func(resp *http.Response, err error) {
		if resp != nil {
			_ = resp.Body.Close()
		}
	})

	u, _ := url.Parse(server.URL)
	require.Eventually(t, func() bool { return d.InFlight(u.Hostname()) == 1 }, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	queued, _ := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
	_, err := d.Do(queued)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "waiting for host slot")
}

func TestDispatcher_RateLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	}))
	defer server.Close()

	d := NewDispatcher(nil, DispatcherConfig{RateLimit: 20}, nil)
	defer d.Close()

	start := time.Now()
	for i := 0; i < 4; i++ {
		req, _ := http.NewRequest(http.MethodGet, server.URL, nil)
		resp, err := d.Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()
	}
	// Burst of one: three waits of 50ms each.
	assert.GreaterOrEqual(t, time.Since(start), 140*time.Millisecond)
}

func TestDispatcher_Closed(t *testing.T) {
	d := NewDispatcher(nil, DispatcherConfig{}, nil)
	d.Close()

	req, _ := http.NewRequest(http.MethodGet, "http://example.invalid/", nil)
	called := 0
	d.Enqueue(req, func(resp *http.Response, err error) {
		called++
		assert.Nil(t, resp)
		assert.ErrorIs(t, err, ErrDispatcherClosed)
	})
	assert.Equal(t, 1, called)
}

func TestNewDispatcher_Defaults(t *testing.T) {
	d := NewDispatcher(nil, DispatcherConfig{}, nil)
	defer d.Close()

	assert.Equal(t, DefaultMaxRequestsPerHost, d.cfg.MaxRequestsPerHost)
	assert.NotNil(t, d.Client())
	assert.Zero(t, d.InFlight("unknown.example"))
}
