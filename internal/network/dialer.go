// File: internal/network/dialer.go
package network

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"
)

// DialerConfig holds configuration for the low-level TCP dialer and the TLS
// defaults used by the transport.
type DialerConfig struct {
	Timeout   time.Duration
	KeepAlive time.Duration
	TLSConfig *tls.Config
	// NoDelay controls TCP_NODELAY. Page loads are dominated by small request/response pairs.
	NoDelay  bool
	Resolver *net.Resolver
}

// Clone returns a deep copy of the DialerConfig.
func (c *DialerConfig) Clone() *DialerConfig {
	if c == nil {
		return NewDialerConfig()
	}
	clone := *c
	if c.TLSConfig != nil {
		clone.TLSConfig = c.TLSConfig.Clone()
	}
	return &clone
}

// NewDialerConfig creates a default, secure configuration.
func NewDialerConfig() *DialerConfig {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
		CipherSuites: []uint16{
			tls.TLS_AES_128_GCM_SHA256,
			tls.TLS_CHACHA20_POLY1305_SHA256,
			tls.TLS_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		},
		ClientSessionCache: tls.NewLRUClientSessionCache(512),
	}

	return &DialerConfig{
		Timeout:   DefaultDialTimeout,
		KeepAlive: DefaultKeepAliveInterval,
		TLSConfig: tlsConfig,
		NoDelay:   true,
		Resolver:  net.DefaultResolver,
	}
}

// DialTCPContext establishes a direct TCP connection. Suitable for http.Transport.DialContext;
// upstream proxies are handled by the transport itself.
func DialTCPContext(ctx context.Context, network, address string, config *DialerConfig) (net.Conn, error) {
	if config == nil {
		config = NewDialerConfig()
	}

	dialer := &net.Dialer{
		Timeout:   config.Timeout,
		KeepAlive: config.KeepAlive,
		// Happy Eyeballs (RFC 8305).
		FallbackDelay: 300 * time.Millisecond,
		Resolver:      config.Resolver,
	}

	rawConn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("tcp dial failed: %w", err)
	}

	if tcpConn, ok := rawConn.(*net.TCPConn); ok {
		if err := configureTCP(tcpConn, config); err != nil {
			_ = tcpConn.Close()
			return nil, err
		}
	}
	return rawConn, nil
}

func configureTCP(conn *net.TCPConn, config *DialerConfig) error {
	// Keep-alive is best effort; some platforms reject it.
	_ = conn.SetKeepAlive(true)
	if config.KeepAlive > 0 {
		_ = conn.SetKeepAlivePeriod(config.KeepAlive)
	}

	if err := conn.SetNoDelay(config.NoDelay); err != nil {
		return fmt.Errorf("failed to set TCP NoDelay: %w", err)
	}
	return nil
}
