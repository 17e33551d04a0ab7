// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for every environment variable override (e.g. INTERCEPTOR_LOGGER_LEVEL).
const EnvPrefix = "INTERCEPTOR"

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Network() NetworkConfig
	Intercept() InterceptConfig
	Payload() PayloadConfig
	Proxy() ProxyConfig
	CDP() CDPConfig

	SetNetworkIgnoreTLSErrors(bool)
	SetProxyListenAddr(string)
	SetCDPRemoteURL(string)
}

// Config holds the entire application configuration.
// Fields are exported for viper's mapstructure decoding; consumers go through the getters.
type Config struct {
	LoggerCfg    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	NetworkCfg   NetworkConfig   `mapstructure:"network" yaml:"network"`
	InterceptCfg InterceptConfig `mapstructure:"intercept" yaml:"intercept"`
	PayloadCfg   PayloadConfig   `mapstructure:"payload" yaml:"payload"`
	ProxyCfg     ProxyConfig     `mapstructure:"proxy" yaml:"proxy"`
	CDPCfg       CDPConfig       `mapstructure:"cdp" yaml:"cdp"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig       { return c.LoggerCfg }
func (c *Config) Network() NetworkConfig     { return c.NetworkCfg }
func (c *Config) Intercept() InterceptConfig { return c.InterceptCfg }
func (c *Config) Payload() PayloadConfig     { return c.PayloadCfg }
func (c *Config) Proxy() ProxyConfig         { return c.ProxyCfg }
func (c *Config) CDP() CDPConfig             { return c.CDPCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetNetworkIgnoreTLSErrors(b bool) { c.NetworkCfg.IgnoreTLSErrors = b }
func (c *Config) SetProxyListenAddr(addr string)   { c.ProxyCfg.ListenAddr = addr }
func (c *Config) SetCDPRemoteURL(u string)         { c.CDPCfg.RemoteURL = u }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// NetworkConfig tunes the independent HTTP stack that re-issues intercepted requests.
type NetworkConfig struct {
	Timeout            time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxRequestsPerHost int           `mapstructure:"max_requests_per_host" yaml:"max_requests_per_host"`
	// RateLimit is the per-host request rate in requests/second. Zero means unlimited.
	RateLimit       float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
	UpstreamProxy   string  `mapstructure:"upstream_proxy" yaml:"upstream_proxy"`
	IgnoreTLSErrors bool    `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	UserAgent       string  `mapstructure:"user_agent" yaml:"user_agent"`
}

// InterceptConfig controls the interception pipeline itself.
type InterceptConfig struct {
	CorrelationHeader string        `mapstructure:"correlation_header" yaml:"correlation_header"`
	BlankURL          string        `mapstructure:"blank_url" yaml:"blank_url"`
	AwaitTimeout      time.Duration `mapstructure:"await_timeout" yaml:"await_timeout"`
	RecorderBridge    string        `mapstructure:"recorder_bridge" yaml:"recorder_bridge"`
	InjectRecorder    bool          `mapstructure:"inject_recorder" yaml:"inject_recorder"`
	// InjectAllFrames injects main-frame-only scripts into sub-frame documents too.
	InjectAllFrames bool `mapstructure:"inject_all_frames" yaml:"inject_all_frames"`
	// ScriptFiles are paths to user scripts injected into every intercepted document.
	ScriptFiles []string `mapstructure:"script_files" yaml:"script_files"`
}

// PayloadConfig controls eviction of recorded request bodies.
type PayloadConfig struct {
	TTL           time.Duration `mapstructure:"ttl" yaml:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

// ProxyConfig defines the interception proxy front.
type ProxyConfig struct {
	ListenAddr  string `mapstructure:"listen_addr" yaml:"listen_addr"`
	ControlHost string `mapstructure:"control_host" yaml:"control_host"`
	CACert      string `mapstructure:"ca_cert" yaml:"ca_cert"`
	CAKey       string `mapstructure:"ca_key" yaml:"ca_key"`
}

// CDPConfig defines the DevTools front.
type CDPConfig struct {
	// RemoteURL is the DevTools websocket URL of an already running browser.
	// When empty, a local headless browser is allocated.
	RemoteURL string `mapstructure:"remote_url" yaml:"remote_url"`
	Headless  bool   `mapstructure:"headless" yaml:"headless"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "interceptor")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Network --
	v.SetDefault("network.timeout", "120s")
	v.SetDefault("network.max_requests_per_host", 20)
	v.SetDefault("network.rate_limit", 0.0)
	v.SetDefault("network.ignore_tls_errors", false)
	v.SetDefault("network.user_agent", "")

	// -- Intercept --
	v.SetDefault("intercept.correlation_header", "x-cense-request-id")
	v.SetDefault("intercept.blank_url", "https://localhost/blank")
	v.SetDefault("intercept.await_timeout", "120s")
	v.SetDefault("intercept.recorder_bridge", "recorder")
	v.SetDefault("intercept.inject_recorder", true)
	v.SetDefault("intercept.inject_all_frames", false)

	// -- Payload --
	v.SetDefault("payload.ttl", "0s")
	v.SetDefault("payload.sweep_interval", "1m")

	// -- Proxy --
	v.SetDefault("proxy.listen_addr", "127.0.0.1:8080")
	v.SetDefault("proxy.control_host", "interceptor.local")

	// -- CDP --
	v.SetDefault("cdp.headless", true)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// expandPaths resolves a leading "~" in every file path setting.
func (c *Config) expandPaths() error {
	paths := []*string{&c.LoggerCfg.LogFile, &c.ProxyCfg.CACert, &c.ProxyCfg.CAKey}
	for _, p := range paths {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	for i, p := range c.InterceptCfg.ScriptFiles {
		expanded, err := homedir.Expand(p)
		if err != nil {
			return fmt.Errorf("failed to expand script path %q: %w", p, err)
		}
		c.InterceptCfg.ScriptFiles[i] = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.NetworkCfg.MaxRequestsPerHost <= 0 {
		return fmt.Errorf("network.max_requests_per_host must be a positive integer")
	}
	if c.NetworkCfg.RateLimit < 0 {
		return fmt.Errorf("network.rate_limit must not be negative")
	}
	if c.NetworkCfg.Timeout < 0 {
		return fmt.Errorf("network.timeout must not be negative")
	}
	if err := c.InterceptCfg.Validate(); err != nil {
		return fmt.Errorf("intercept configuration invalid: %w", err)
	}
	if err := c.PayloadCfg.Validate(); err != nil {
		return fmt.Errorf("payload configuration invalid: %w", err)
	}
	if (c.ProxyCfg.CACert == "") != (c.ProxyCfg.CAKey == "") {
		return fmt.Errorf("proxy.ca_cert and proxy.ca_key must be set together")
	}
	return nil
}

// Validate checks the intercept settings.
func (i *InterceptConfig) Validate() error {
	if strings.TrimSpace(i.CorrelationHeader) == "" {
		return fmt.Errorf("correlation_header is required")
	}
	if strings.ContainsAny(i.CorrelationHeader, " \t\r\n:,") {
		return fmt.Errorf("correlation_header %q is not a valid header name", i.CorrelationHeader)
	}
	if i.AwaitTimeout < 0 {
		return fmt.Errorf("await_timeout must not be negative")
	}
	if i.InjectRecorder && strings.TrimSpace(i.RecorderBridge) == "" {
		return fmt.Errorf("recorder_bridge is required when inject_recorder is enabled")
	}
	return nil
}

// Validate checks the payload eviction settings.
func (p *PayloadConfig) Validate() error {
	if p.TTL < 0 {
		return fmt.Errorf("ttl must not be negative")
	}
	if p.TTL > 0 && p.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be a positive duration when ttl is set")
	}
	return nil
}
