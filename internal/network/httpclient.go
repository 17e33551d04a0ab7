// File: internal/network/httpclient.go
package network

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
)

// Defaults for the independent HTTP stack that re-issues intercepted requests.
const (
	DefaultDialTimeout           = 15 * time.Second
	DefaultKeepAliveInterval     = 30 * time.Second
	DefaultTLSHandshakeTimeout   = 10 * time.Second
	DefaultResponseHeaderTimeout = 30 * time.Second
	DefaultRequestTimeout        = 120 * time.Second

	DefaultMaxIdleConns        = 200
	DefaultMaxIdleConnsPerHost = 10
	DefaultIdleConnTimeout     = 90 * time.Second

	// HTTP/2 connections idle for DefaultH2ReadIdleTimeout are health-checked
	// with a ping that must answer within DefaultH2PingTimeout.
	DefaultH2ReadIdleTimeout = 30 * time.Second
	DefaultH2PingTimeout     = 15 * time.Second

	// DefaultMaxRequestsPerHost caps concurrent in-flight calls to one host.
	DefaultMaxRequestsPerHost = 20
	// MaxRedirects matches the follow-up limit of mobile browser stacks.
	MaxRedirects = 20
)

// SecureMinTLSVersion defines the lowest TLS version considered secure by default.
const SecureMinTLSVersion = tls.VersionTLS12

// ErrTooManyRedirects is returned when a redirect chain exceeds MaxRedirects.
var ErrTooManyRedirects = errors.New("stopped after too many redirects")

// ClientConfig holds the configuration for the pipeline's HTTP client.
type ClientConfig struct {
	InsecureSkipVerify bool
	TLSConfig          *tls.Config

	// RequestTimeout bounds a whole call, body included. Zero disables it.
	RequestTimeout time.Duration

	DialerConfig *DialerConfig

	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration

	// ProxyURL forwards all traffic through an upstream HTTP(S) proxy.
	ProxyURL *url.URL

	// CookieJar receives Set-Cookie headers and supplies Cookie headers,
	// redirect hops included.
	CookieJar http.CookieJar

	// UserAgent replaces an empty User-Agent header on outgoing requests.
	UserAgent string

	Logger *zap.Logger
}

// NewClientConfig creates a configuration with browser-like defaults and no cookie jar.
func NewClientConfig() *ClientConfig {
	return &ClientConfig{
		DialerConfig:        NewDialerConfig(),
		RequestTimeout:      DefaultRequestTimeout,
		MaxIdleConns:        DefaultMaxIdleConns,
		MaxIdleConnsPerHost: DefaultMaxIdleConnsPerHost,
		IdleConnTimeout:     DefaultIdleConnTimeout,
		Logger:              zap.NewNop(),
	}
}

// NewHTTPTransport creates and configures the base http.Transport.
func NewHTTPTransport(config *ClientConfig) *http.Transport {
	if config == nil {
		config = NewClientConfig()
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.DialerConfig == nil {
		config.DialerConfig = NewDialerConfig()
	}

	tlsConfig := configureTLS(config)

	// The transport performs the TLS handshake itself, so the dialer must not.
	dialerConfig := config.DialerConfig.Clone()
	dialerConfig.TLSConfig = nil

	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			return DialTCPContext(ctx, network, addr, dialerConfig)
		},
		TLSClientConfig:       tlsConfig,
		TLSHandshakeTimeout:   DefaultTLSHandshakeTimeout,
		MaxIdleConns:          config.MaxIdleConns,
		MaxIdleConnsPerHost:   config.MaxIdleConnsPerHost,
		IdleConnTimeout:       config.IdleConnTimeout,
		ResponseHeaderTimeout: DefaultResponseHeaderTimeout,
		// CompressionMiddleware owns Accept-Encoding and decoding.
		DisableCompression: true,
		ForceAttemptHTTP2:  true,
	}

	if config.ProxyURL != nil {
		transport.Proxy = http.ProxyURL(config.ProxyURL)
	}

	// ConfigureTransports modifies the transport in place to add HTTP/2 support.
	h2, err := http2.ConfigureTransports(transport)
	if err != nil {
		config.Logger.Warn("Failed to configure HTTP/2 transport, falling back to HTTP/1.1", zap.Error(err))
		return transport
	}
	h2.ReadIdleTimeout = DefaultH2ReadIdleTimeout
	h2.PingTimeout = DefaultH2PingTimeout

	return transport
}

// NewClient creates the http.Client used to re-issue intercepted requests.
// Redirects are followed across http and https, up to MaxRedirects.
func NewClient(config *ClientConfig) *http.Client {
	if config == nil {
		config = NewClientConfig()
	}
	var rt http.RoundTripper = NewCompressionMiddleware(NewHTTPTransport(config))
	if config.UserAgent != "" {
		rt = &userAgentTransport{next: rt, userAgent: config.UserAgent}
	}

	return &http.Client{
		Transport: rt,
		Timeout:   config.RequestTimeout,
		Jar:       config.CookieJar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= MaxRedirects {
				return fmt.Errorf("%w (%d)", ErrTooManyRedirects, len(via))
			}
			return nil
		},
	}
}

type userAgentTransport struct {
	next      http.RoundTripper
	userAgent string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") != "" {
		return t.next.RoundTrip(req)
	}
	// RoundTrippers must not mutate the caller's request.
	clone := req.Clone(req.Context())
	clone.Header.Set("User-Agent", t.userAgent)
	return t.next.RoundTrip(clone)
}

// configureTLS merges secure defaults into the configured TLS settings.
func configureTLS(config *ClientConfig) *tls.Config {
	var tlsConfig *tls.Config
	switch {
	case config.TLSConfig != nil:
		tlsConfig = config.TLSConfig.Clone()
	case config.DialerConfig != nil && config.DialerConfig.TLSConfig != nil:
		tlsConfig = config.DialerConfig.TLSConfig.Clone()
	default:
		tlsConfig = NewDialerConfig().TLSConfig.Clone()
	}

	defaults := NewDialerConfig().TLSConfig
	if len(tlsConfig.CipherSuites) == 0 {
		tlsConfig.CipherSuites = defaults.CipherSuites
	}
	if len(tlsConfig.CurvePreferences) == 0 {
		tlsConfig.CurvePreferences = defaults.CurvePreferences
	}
	if tlsConfig.ClientSessionCache == nil {
		tlsConfig.ClientSessionCache = defaults.ClientSessionCache
	}
	if len(tlsConfig.NextProtos) == 0 {
		// "h2" must precede "http/1.1" to prefer HTTP/2.
		tlsConfig.NextProtos = []string{"h2", "http/1.1"}
	}

	if tlsConfig.MinVersion == 0 {
		tlsConfig.MinVersion = SecureMinTLSVersion
	}
	if tlsConfig.MinVersion < SecureMinTLSVersion {
		config.Logger.Warn("Minimum TLS version is set below TLS 1.2.",
			zap.Uint16("configured_version", tlsConfig.MinVersion))
	}

	tlsConfig.InsecureSkipVerify = config.InsecureSkipVerify
	return tlsConfig
}
