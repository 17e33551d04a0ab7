// File: cmd/pipeline.go
package cmd

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/interceptor/internal/channel"
	"github.com/xkilldash9x/interceptor/internal/config"
	"github.com/xkilldash9x/interceptor/internal/cookies"
	"github.com/xkilldash9x/interceptor/internal/intercept"
	"github.com/xkilldash9x/interceptor/internal/network"
	"github.com/xkilldash9x/interceptor/internal/payload"
	"github.com/xkilldash9x/interceptor/internal/rewrite"
	"github.com/xkilldash9x/interceptor/internal/scripts"
)

// pipeline holds the shared state behind every host front.
type pipeline struct {
	cookies     *cookies.Store
	payloads    *payload.Registry
	scripts     *scripts.Set
	clientCfg   *network.ClientConfig
	dispatcher  *network.Dispatcher
	interceptor *intercept.Interceptor
	router      *channel.Router

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// newPipeline wires the interception components from cfg. Background work is
// bound to ctx; Shutdown releases it.
func newPipeline(ctx context.Context, cfg config.Interface, logger *zap.Logger) (*pipeline, error) {
	netCfg := cfg.Network()
	icfg := cfg.Intercept()

	store := cookies.NewStore(logger)

	clientCfg := network.NewClientConfig()
	clientCfg.RequestTimeout = netCfg.Timeout
	clientCfg.InsecureSkipVerify = netCfg.IgnoreTLSErrors
	clientCfg.UserAgent = netCfg.UserAgent
	clientCfg.CookieJar = store
	clientCfg.Logger = logger
	if netCfg.UpstreamProxy != "" {
		proxyURL, err := url.Parse(netCfg.UpstreamProxy)
		if err != nil || proxyURL.Host == "" {
			return nil, fmt.Errorf("invalid upstream proxy %q", netCfg.UpstreamProxy)
		}
		clientCfg.ProxyURL = proxyURL
	}
	if netCfg.IgnoreTLSErrors {
		logger.Warn("TLS certificate verification is disabled for re-issued requests.")
	}

	set := scripts.NewSet()
	if icfg.InjectRecorder {
		set.Add(scripts.RecorderScript(icfg.RecorderBridge, strings.ToLower(icfg.CorrelationHeader)))
	}
	for _, path := range icfg.ScriptFiles {
		s, err := scripts.LoadFile(path)
		if err != nil {
			return nil, err
		}
		set.Add(s)
	}

	dispatcher := network.NewDispatcher(network.NewClient(clientCfg), network.DispatcherConfig{
		MaxRequestsPerHost: netCfg.MaxRequestsPerHost,
		RateLimit:          netCfg.RateLimit,
	}, logger)

	payloadCfg := cfg.Payload()
	payloads := payload.NewRegistry(payloadCfg.TTL, logger)

	in := intercept.New(dispatcher, payloads, set, rewrite.New(logger), intercept.OptionsFromConfig(icfg), logger)

	runCtx, cancel := context.WithCancel(ctx)
	p := &pipeline{
		cookies:     store,
		payloads:    payloads,
		scripts:     set,
		clientCfg:   clientCfg,
		dispatcher:  dispatcher,
		interceptor: in,
		router:      channel.NewRouter(store, set, payloads, logger),
		cancel:      cancel,
	}

	if payloadCfg.TTL > 0 {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			payloads.Run(runCtx, payloadCfg.SweepInterval)
		}()
	}

	logger.Debug("Pipeline initialized.",
		zap.Int("scripts", set.Len()),
		zap.Int("max_requests_per_host", netCfg.MaxRequestsPerHost),
		zap.Duration("payload_ttl", payloadCfg.TTL))
	return p, nil
}

// Shutdown stops background work and waits for in-flight calls.
func (p *pipeline) Shutdown() {
	p.cancel()
	p.wg.Wait()
	p.dispatcher.Close()
}
