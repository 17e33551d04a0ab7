// internal/proxy/proxy.go
package proxy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elazarl/goproxy"
	"go.uber.org/zap"

	"github.com/xkilldash9x/interceptor/internal/channel"
	"github.com/xkilldash9x/interceptor/internal/intercept"
	"github.com/xkilldash9x/interceptor/internal/network"
	"github.com/xkilldash9x/interceptor/internal/payload"
)

// DefaultControlHost is the virtual host that exposes the channel methods through the proxy.
const DefaultControlHost = "interceptor.local"

// Config configures the interception proxy.
type Config struct {
	// ControlHost receives channel calls as POST /<method>.
	ControlHost string
	// CACert and CAKey are PEM-encoded. When both are set HTTPS is intercepted;
	// otherwise CONNECT requests are tunneled untouched.
	CACert []byte
	CAKey  []byte
	// Upstream configures the connections for traffic the pipeline does not handle.
	Upstream *network.ClientConfig
}

// Proxy is a forward proxy that feeds every request through the interception
// pipeline, the way an embedding browser would through its request callback.
type Proxy struct {
	proxy       *goproxy.ProxyHttpServer
	interceptor *intercept.Interceptor
	payloads    *payload.Registry
	router      *channel.Router
	controlHost string
	mitm        *goproxy.ConnectAction
	logger      *zap.Logger

	serverMutex sync.Mutex
	server      *http.Server
}

// New creates a Proxy. Requests the interceptor declines are forwarded by goproxy
// itself over a transport built from cfg.Upstream.
func New(cfg Config, in *intercept.Interceptor, payloads *payload.Registry, router *channel.Router, logger *zap.Logger) (*Proxy, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	log := logger.Named("proxy")

	upstream := cfg.Upstream
	if upstream == nil {
		upstream = network.NewClientConfig()
	}
	if upstream.Logger == nil {
		upstream.Logger = log
	}

	gp := goproxy.NewProxyHttpServer()
	gp.Tr = network.NewHTTPTransport(upstream)

	dialerConfig := upstream.DialerConfig.Clone()
	dialerConfig.TLSConfig = nil
	if upstream.ProxyURL != nil {
		gp.ConnectDial = gp.NewConnectDialToProxy(upstream.ProxyURL.String())
		log.Info("Configured upstream proxy chaining.", zap.String("upstream_proxy", upstream.ProxyURL.String()))
	} else {
		gp.ConnectDial = func(netw, addr string) (net.Conn, error) {
			return network.DialTCPContext(context.Background(), netw, addr, dialerConfig)
		}
	}

	p := &Proxy{
		proxy:       gp,
		interceptor: in,
		payloads:    payloads,
		router:      router,
		controlHost: strings.ToLower(cfg.ControlHost),
		logger:      log,
	}
	if p.controlHost == "" {
		p.controlHost = DefaultControlHost
	}

	if len(cfg.CACert) > 0 && len(cfg.CAKey) > 0 {
		action, err := mitmAction(cfg.CACert, cfg.CAKey)
		if err != nil {
			return nil, fmt.Errorf("failed to configure MITM: %w", err)
		}
		p.mitm = action
		log.Info("MITM capabilities initialized.")
	} else {
		log.Warn("CA certificate or key missing, MITM disabled. HTTPS is tunneled without interception.")
	}

	p.setupHandlers()
	return p, nil
}

// MITMEnabled reports whether HTTPS traffic is decrypted and intercepted.
func (p *Proxy) MITMEnabled() bool {
	return p.mitm != nil
}

// Handler returns the proxy as an http.Handler.
func (p *Proxy) Handler() http.Handler {
	return p.proxy
}

func (p *Proxy) setupHandlers() {
	p.proxy.OnRequest().HandleConnect(goproxy.FuncHttpsHandler(func(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
		if p.mitm != nil {
			return p.mitm, host
		}
		return goproxy.OkConnect, host
	}))

	p.proxy.OnRequest().DoFunc(p.handleRequest)
	p.proxy.OnResponse().DoFunc(p.handleResponse)
}

// handleRequest routes control calls to the channel and everything else through the interceptor.
func (p *Proxy) handleRequest(r *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	if p.isControl(r) {
		return r, p.handleControl(r)
	}

	req, restore, err := p.toInterceptRequest(r)
	if err != nil {
		p.logger.Warn("Failed to read proxied request body.", zap.String("url", getRequestURL(ctx)), zap.Error(err))
		return r, goproxy.NewResponse(r, goproxy.ContentTypeText, http.StatusBadGateway, "Proxy error: failed to read request body")
	}

	d, ok := p.interceptor.Intercept(r.Context(), req)
	if !ok {
		restore()
		return r, nil
	}
	return r, toHTTPResponse(r, d)
}

// handleResponse maps upstream failures of requests forwarded without interception.
func (p *Proxy) handleResponse(r *http.Response, ctx *goproxy.ProxyCtx) *http.Response {
	if r != nil {
		return r
	}

	errorMsg := "unknown error"
	if ctx.Error != nil {
		errorMsg = ctx.Error.Error()
	}
	p.logger.Warn("Proxy received nil response from upstream", zap.String("url", getRequestURL(ctx)), zap.String("error", errorMsg))

	if ctx.Req == nil {
		return &http.Response{
			StatusCode: http.StatusBadGateway,
			ProtoMajor: 1,
			ProtoMinor: 1,
			Header:     make(http.Header),
			Body:       http.NoBody,
		}
	}

	statusCode := http.StatusBadGateway
	var netErr net.Error
	if errors.As(ctx.Error, &netErr) && netErr.Timeout() {
		statusCode = http.StatusGatewayTimeout
	}
	return goproxy.NewResponse(ctx.Req, goproxy.ContentTypeText, statusCode, fmt.Sprintf("Proxy error: upstream connection failed: %s", errorMsg))
}

// ListenAndServe serves the proxy on addr until ctx is cancelled.
func (p *Proxy) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return p.Serve(ctx, ln)
}

// Serve accepts proxy connections on ln until ctx is cancelled.
func (p *Proxy) Serve(ctx context.Context, ln net.Listener) error {
	p.serverMutex.Lock()
	if p.server != nil {
		p.serverMutex.Unlock()
		_ = ln.Close()
		return errors.New("proxy is already serving")
	}
	server := &http.Server{
		Handler:           p.proxy,
		ReadHeaderTimeout: 30 * time.Second,
		ErrorLog:          zap.NewStdLog(p.logger),
	}
	p.server = server
	p.serverMutex.Unlock()

	errCh := make(chan error, 1)
	go func() {
		p.logger.Info("Proxy listening.", zap.String("addr", ln.Addr().String()), zap.Bool("mitm", p.MITMEnabled()))
		errCh <- server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			p.logger.Warn("Proxy shutdown did not complete cleanly.", zap.Error(err))
		}
		<-errCh
		return nil
	}
}

// mitmAction builds the CONNECT action that terminates TLS with certificates signed by the CA.
func mitmAction(caCert, caKey []byte) (*goproxy.ConnectAction, error) {
	ca, err := tls.X509KeyPair(caCert, caKey)
	if err != nil {
		return nil, fmt.Errorf("invalid CA certificate/key pair: %w", err)
	}
	if len(ca.Certificate) == 0 {
		return nil, errors.New("CA certificate chain is empty")
	}
	if ca.Leaf, err = x509.ParseCertificate(ca.Certificate[0]); err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate leaf: %w", err)
	}
	if !ca.Leaf.IsCA {
		return nil, errors.New("certificate is not a CA")
	}

	base := goproxy.TLSConfigFromCA(&ca)
	hardened := func(host string, ctx *goproxy.ProxyCtx) (*tls.Config, error) {
		cfg, err := base(host, ctx)
		if err != nil {
			return nil, err
		}
		if cfg.MinVersion < tls.VersionTLS12 {
			cfg.MinVersion = tls.VersionTLS12
		}
		return cfg, nil
	}
	return &goproxy.ConnectAction{Action: goproxy.ConnectMitm, TLSConfig: hardened}, nil
}

func getRequestURL(ctx *goproxy.ProxyCtx) string {
	if ctx != nil && ctx.Req != nil && ctx.Req.URL != nil {
		return ctx.Req.URL.String()
	}
	return "unknown"
}
