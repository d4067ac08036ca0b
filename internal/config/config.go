// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Network() NetworkConfig
	Fetch() FetchConfig
	Relays() map[string]RelayConfig
	Chains() map[string][]string
	Auth() map[string]map[string]string
	Runtime() RuntimeConfig
	Sampler() SamplerConfig
	Catalog() CatalogConfig
	Store() StoreConfig
	Metrics() MetricsConfig

	// Runtime Setters
	SetRuntimeEnabled(bool)
	SetRuntimeHeadless(bool)

	// Fetch Setters
	SetFetchAttemptTimeout(d time.Duration)

	// Store Setters
	SetStoreURL(url string)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg  LoggerConfig                 `mapstructure:"logger" yaml:"logger"`
	NetworkCfg NetworkConfig                `mapstructure:"network" yaml:"network"`
	FetchCfg   FetchConfig                  `mapstructure:"fetch" yaml:"fetch"`
	RelaysCfg  map[string]RelayConfig       `mapstructure:"relays" yaml:"relays"`
	ChainsCfg  map[string][]string          `mapstructure:"chains" yaml:"chains"`
	AuthCfg    map[string]map[string]string `mapstructure:"auth" yaml:"-"`
	RuntimeCfg RuntimeConfig                `mapstructure:"runtime" yaml:"runtime"`
	SamplerCfg SamplerConfig                `mapstructure:"sampler" yaml:"sampler"`
	CatalogCfg CatalogConfig                `mapstructure:"catalog" yaml:"catalog"`
	StoreCfg   StoreConfig                  `mapstructure:"store" yaml:"store"`
	MetricsCfg MetricsConfig                `mapstructure:"metrics" yaml:"metrics"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig               { return c.LoggerCfg }
func (c *Config) Network() NetworkConfig             { return c.NetworkCfg }
func (c *Config) Fetch() FetchConfig                 { return c.FetchCfg }
func (c *Config) Relays() map[string]RelayConfig     { return c.RelaysCfg }
func (c *Config) Chains() map[string][]string        { return c.ChainsCfg }
func (c *Config) Auth() map[string]map[string]string { return c.AuthCfg }
func (c *Config) Runtime() RuntimeConfig             { return c.RuntimeCfg }
func (c *Config) Sampler() SamplerConfig             { return c.SamplerCfg }
func (c *Config) Catalog() CatalogConfig             { return c.CatalogCfg }
func (c *Config) Store() StoreConfig                 { return c.StoreCfg }
func (c *Config) Metrics() MetricsConfig             { return c.MetricsCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetRuntimeEnabled(b bool)  { c.RuntimeCfg.Enabled = b }
func (c *Config) SetRuntimeHeadless(b bool) { c.RuntimeCfg.Headless = b }
func (c *Config) SetFetchAttemptTimeout(d time.Duration) {
	c.FetchCfg.AttemptTimeout = d
}
func (c *Config) SetStoreURL(url string) { c.StoreCfg.URL = url }

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

// NetworkConfig tunes the shared HTTP client used by every non-runtime transport.
type NetworkConfig struct {
	Timeout               time.Duration `mapstructure:"timeout" yaml:"timeout"`
	DialTimeout           time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	TLSHandshakeTimeout   time.Duration `mapstructure:"tls_handshake_timeout" yaml:"tls_handshake_timeout"`
	ResponseHeaderTimeout time.Duration `mapstructure:"response_header_timeout" yaml:"response_header_timeout"`
	MaxIdleConns          int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	MaxIdleConnsPerHost   int           `mapstructure:"max_idle_conns_per_host" yaml:"max_idle_conns_per_host"`
	IgnoreTLSErrors       bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	ForceHTTP2            bool          `mapstructure:"force_http2" yaml:"force_http2"`
	UserAgent             string        `mapstructure:"user_agent" yaml:"user_agent"`
}

// FetchConfig configures the resilient fetcher.
type FetchConfig struct {
	// AttemptTimeout bounds a single transport attempt, including the body read.
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout" yaml:"attempt_timeout"`
	MaxBodyBytes   int64         `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
}

// RelayConfig describes a URL-rewriting relay. The template must contain a
// {url} placeholder, which receives the query-escaped target URL.
type RelayConfig struct {
	URLTemplate string  `mapstructure:"url_template" yaml:"url_template"`
	RateLimit   float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
}

// RuntimeConfig configures the sandboxed runtime transport.
type RuntimeConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	ScriptURL    string        `mapstructure:"script_url" yaml:"script_url"`
	HostPage     string        `mapstructure:"host_page" yaml:"host_page"`
	InitTimeout  time.Duration `mapstructure:"init_timeout" yaml:"init_timeout"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	SettleDelay  time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout" yaml:"fetch_timeout"`
	Headless     bool          `mapstructure:"headless" yaml:"headless"`
	Args         []string      `mapstructure:"args" yaml:"args"`
}

// SamplerConfig configures random sampling.
type SamplerConfig struct {
	MaxWalkDepth    int `mapstructure:"max_walk_depth" yaml:"max_walk_depth"`
	DefaultPageSize int `mapstructure:"default_page_size" yaml:"default_page_size"`
}

// CatalogConfig points at the static card catalog.
type CatalogConfig struct {
	BaseURL   string `mapstructure:"base_url" yaml:"base_url"`
	CacheSize int    `mapstructure:"cache_size" yaml:"cache_size"`
}

// StoreConfig holds the database connection details. An empty URL disables persistence.
type StoreConfig struct {
	URL               string `mapstructure:"url" yaml:"url"`
	MaxRecentlyViewed int    `mapstructure:"max_recently_viewed" yaml:"max_recently_viewed"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Namespace string `mapstructure:"namespace" yaml:"namespace"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
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
	v.SetDefault("logger.service_name", "cardscout")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)

	// -- Network --
	v.SetDefault("network.timeout", "60s")
	v.SetDefault("network.dial_timeout", "5s")
	v.SetDefault("network.tls_handshake_timeout", "5s")
	v.SetDefault("network.response_header_timeout", "15s")
	v.SetDefault("network.max_idle_conns", 64)
	v.SetDefault("network.max_idle_conns_per_host", 8)
	v.SetDefault("network.ignore_tls_errors", false)
	v.SetDefault("network.force_http2", true)
	v.SetDefault("network.user_agent", "cardscout/1.0")

	// -- Fetch --
	v.SetDefault("fetch.attempt_timeout", "15s")
	v.SetDefault("fetch.max_body_bytes", 32<<20)

	// -- Relays --
	v.SetDefault("relays.corsproxy_io.url_template", "https://corsproxy.io/?url={url}")
	v.SetDefault("relays.corsproxy_io.rate_limit", 0)
	v.SetDefault("relays.cors_lol.url_template", "https://api.cors.lol/?url={url}")
	v.SetDefault("relays.cors_lol.rate_limit", 0)

	// -- Runtime --
	v.SetDefault("runtime.enabled", true)
	v.SetDefault("runtime.script_url", "https://js.puter.com/v2/")
	v.SetDefault("runtime.host_page", "about:blank")
	v.SetDefault("runtime.init_timeout", "30s")
	v.SetDefault("runtime.poll_interval", "50ms")
	v.SetDefault("runtime.settle_delay", "100ms")
	v.SetDefault("runtime.fetch_timeout", "15s")
	v.SetDefault("runtime.headless", true)

	// -- Sampler --
	v.SetDefault("sampler.max_walk_depth", 5)
	v.SetDefault("sampler.default_page_size", 48)

	// -- Catalog --
	v.SetDefault("catalog.base_url", "https://raw.githubusercontent.com/mia13165/updated_cards/refs/heads/main")
	v.SetDefault("catalog.cache_size", 128)

	// -- Store --
	v.SetDefault("store.url", "")
	v.SetDefault("store.max_recently_viewed", 10)

	// -- Metrics --
	v.SetDefault("metrics.namespace", "cardscout")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	_ = v.BindEnv("store.url", "CARDSCOUT_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.LoggerCfg.LogFile != "" {
		expanded, err := homedir.Expand(cfg.LoggerCfg.LogFile)
		if err != nil {
			return nil, fmt.Errorf("failed to expand logger.log_file: %w", err)
		}
		cfg.LoggerCfg.LogFile = expanded
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.FetchCfg.AttemptTimeout <= 0 {
		return fmt.Errorf("fetch.attempt_timeout must be a positive duration")
	}
	if c.FetchCfg.MaxBodyBytes <= 0 {
		return fmt.Errorf("fetch.max_body_bytes must be a positive integer")
	}
	for name, relay := range c.RelaysCfg {
		if err := relay.Validate(); err != nil {
			return fmt.Errorf("relays.%s invalid: %w", name, err)
		}
	}
	for service, chain := range c.ChainsCfg {
		if len(chain) == 0 {
			return fmt.Errorf("chains.%s must list at least one strategy", service)
		}
	}
	if err := c.RuntimeCfg.Validate(); err != nil {
		return fmt.Errorf("runtime configuration invalid: %w", err)
	}
	if c.SamplerCfg.MaxWalkDepth < 0 {
		return fmt.Errorf("sampler.max_walk_depth must not be negative")
	}
	if c.SamplerCfg.DefaultPageSize <= 0 {
		return fmt.Errorf("sampler.default_page_size must be a positive integer")
	}
	if c.StoreCfg.MaxRecentlyViewed <= 0 {
		return fmt.Errorf("store.max_recently_viewed must be a positive integer")
	}
	return nil
}

// Validate checks a relay definition.
func (r *RelayConfig) Validate() error {
	if !strings.Contains(r.URLTemplate, "{url}") {
		return fmt.Errorf("url_template must contain a {url} placeholder")
	}
	if r.RateLimit < 0 {
		return fmt.Errorf("rate_limit must not be negative")
	}
	return nil
}

// Validate checks the runtime settings.
func (r *RuntimeConfig) Validate() error {
	if !r.Enabled {
		return nil
	}
	if r.ScriptURL == "" {
		return fmt.Errorf("script_url is required when the runtime is enabled")
	}
	if r.InitTimeout <= 0 || r.PollInterval <= 0 || r.FetchTimeout <= 0 {
		return fmt.Errorf("init_timeout, poll_interval and fetch_timeout must be positive durations")
	}
	return nil
}
