// Package config provides configuration management with hot-reload support.
// It uses fsnotify to watch for file changes and atomic pointer swaps for zero-downtime updates.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete gateway configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Upstream    UpstreamConfig    `yaml:"upstream"`
	Keys        []KeyConfig       `yaml:"keys"`
	KeyPool     KeyPoolConfig     `yaml:"key_pool"`
	Proxy       ProxyConfig       `yaml:"proxy"`
	Routing     RoutingConfig     `yaml:"routing"`
	Budget      BudgetConfig      `yaml:"budget"`
	Costs       CostsConfig       `yaml:"costs"`
	PricingFile string            `yaml:"pricing_file"`
	Traces      TracesConfig      `yaml:"traces"`
	Events      EventsConfig      `yaml:"events"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	CORS        CORSConfig        `yaml:"cors"`
	Redis       RedisConfig       `yaml:"redis"`
	Secrets     SecretsConfig     `yaml:"secrets"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Tracing     TracingConfig     `yaml:"tracing"`
	OTelLogs    OTelSignalConfig  `yaml:"otel_logs"`
	OTelMetrics OTelMetricsConfig `yaml:"otel_metrics"`
	Export      ExportConfig      `yaml:"export"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// UpstreamConfig describes the z.ai Anthropic-compatible endpoint.
type UpstreamConfig struct {
	BaseURL        string        `yaml:"base_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxConcurrent  int           `yaml:"max_concurrent"`
	ModelsCacheTTL time.Duration `yaml:"models_cache_ttl"`
}

// KeyConfig defines a single upstream credential. Credential accepts a
// literal value, env://NAME, or vault://mount/path#field.
type KeyConfig struct {
	ID             string `yaml:"id"`
	Credential     string `yaml:"credential"`
	Weight         int    `yaml:"weight"`
	MaxConcurrency int    `yaml:"max_concurrency"`
}

// KeyPoolConfig contains credential pool tuning.
type KeyPoolConfig struct {
	MaxConcurrencyPerKey int                `yaml:"max_concurrency_per_key"`
	QueueSize            int                `yaml:"queue_size"`
	QueueTimeout         time.Duration      `yaml:"queue_timeout"`
	Circuit              CircuitConfig      `yaml:"circuit"`
	SlowKey              SlowKeyConfig      `yaml:"slow_key"`
	PoolCooldown         PoolCooldownConfig `yaml:"pool_cooldown"`
	Prober               ProberConfig       `yaml:"prober"`
	PersistPath          string             `yaml:"persist_path"`
}

// CircuitConfig tunes the per-credential circuit breaker.
type CircuitConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	FailureWindow    time.Duration `yaml:"failure_window"`
	OpenDuration     time.Duration `yaml:"open_duration"`
}

// SlowKeyConfig tunes slow-credential detection.
type SlowKeyConfig struct {
	LatencyThreshold time.Duration `yaml:"latency_threshold"`
	MedianMultiplier float64       `yaml:"median_multiplier"`
}

// PoolCooldownConfig tunes the pool-wide 429 counter.
type PoolCooldownConfig struct {
	Base           time.Duration `yaml:"base"`
	Cap            time.Duration `yaml:"cap"`
	Decay          time.Duration `yaml:"decay"`
	SleepThreshold time.Duration `yaml:"sleep_threshold"`
	RetryJitter    time.Duration `yaml:"retry_jitter"`
	MaxCooldown    time.Duration `yaml:"max_cooldown"`
}

// ProberConfig tunes the optional background credential prober.
type ProberConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// ProxyConfig contains the retry loop and admission settings.
type ProxyConfig struct {
	MaxRetries          int                 `yaml:"max_retries"`
	MaxTotalConcurrency int                 `yaml:"max_total_concurrency"`
	Backoff             BackoffConfig       `yaml:"backoff"`
	AdmissionHold       AdmissionHoldConfig `yaml:"admission_hold"`
	HangupThreshold     int                 `yaml:"hangup_threshold"`
}

// BackoffConfig tunes sleep between retry attempts.
type BackoffConfig struct {
	Base       time.Duration `yaml:"base"`
	Multiplier float64       `yaml:"multiplier"`
	Max        time.Duration `yaml:"max"`
	Jitter     time.Duration `yaml:"jitter"`
}

// AdmissionHoldConfig tunes tier-aware admission holds.
type AdmissionHoldConfig struct {
	Enabled            bool          `yaml:"enabled"`
	Tiers              []string      `yaml:"tiers"`
	MaxHold            time.Duration `yaml:"max_hold"`
	MaxConcurrentHolds int           `yaml:"max_concurrent_holds"`
	Jitter             time.Duration `yaml:"jitter"`
	MinCooldownToHold  time.Duration `yaml:"min_cooldown_to_hold"`
}

// RoutingConfig bootstraps the model router. The full routing document
// (tiers, rules, classifier, overrides) lives at ConfigPath and is editable
// at runtime through the /model-routing endpoints.
type RoutingConfig struct {
	Enabled      bool           `yaml:"enabled"`
	ConfigPath   string         `yaml:"config_path"`
	DefaultModel string         `yaml:"default_model"`
	LogDecisions bool           `yaml:"log_decisions"`
	Failover     FailoverConfig `yaml:"failover"`
}

// FailoverConfig bounds the 429 give-up cascade.
type FailoverConfig struct {
	Max429AttemptsPerRequest   int           `yaml:"max_429_attempts_per_request"`
	Max429RetryWindow          time.Duration `yaml:"max_429_retry_window"`
	MaxModelSwitchesPerRequest int           `yaml:"max_model_switches_per_request"`
}

// BudgetConfig contains spend limits for the cost tracker.
type BudgetConfig struct {
	Daily           float64   `yaml:"daily"`
	Monthly         float64   `yaml:"monthly"`
	AlertThresholds []float64 `yaml:"alert_thresholds"`
}

// CostsConfig contains cost tracker persistence settings.
type CostsConfig struct {
	PersistPath       string        `yaml:"persist_path"`
	SaveDebounce      time.Duration `yaml:"save_debounce"`
	SlowSaveThreshold time.Duration `yaml:"slow_save_threshold"`
}

// TracesConfig contains trace store settings.
type TracesConfig struct {
	Capacity      int `yaml:"capacity"`
	PreviewMaxLen int `yaml:"preview_max_len"`
}

// EventsConfig contains SSE broker settings.
type EventsConfig struct {
	PoolStatusInterval time.Duration `yaml:"pool_status_interval"`
	ClientBuffer       int           `yaml:"client_buffer"`
}

// RateLimitConfig defines the inbound requests-per-second guard.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// CORSConfig contains CORS settings for the dashboard.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AdminOrigins   []string `yaml:"admin_origins"`
}

// RedisConfig selects the optional redis router stats store.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SecretsConfig contains the vault:// resolver settings.
type SecretsConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`
	Vault    VaultConfig   `yaml:"vault"`
}

// VaultConfig contains HashiCorp Vault client settings. Token auth when
// Token is set; approle or cert login otherwise.
type VaultConfig struct {
	Address    string `yaml:"address"`
	Token      string `yaml:"token"`
	AuthMethod string `yaml:"auth_method"`
	RoleID     string `yaml:"role_id"`
	SecretID   string `yaml:"secret_id"`
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`  // debug, info, warn, error
	Format     string `yaml:"format"` // json, text
	FilePath   string `yaml:"file_path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
	RingSize   int    `yaml:"ring_size"`
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig contains OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Endpoint     string  `yaml:"endpoint"`      // OTLP endpoint (e.g., "localhost:4317")
	ExporterType string  `yaml:"exporter_type"` // grpc, http
	ServiceName  string  `yaml:"service_name"`
	SampleRate   float64 `yaml:"sample_rate"` // 0.0 to 1.0
	Insecure     bool    `yaml:"insecure"`
}

// OTelSignalConfig contains settings for an optional OTLP signal bridge.
type OTelSignalConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Endpoint     string `yaml:"endpoint"`
	ExporterType string `yaml:"exporter_type"`
	Insecure     bool   `yaml:"insecure"`
}

// OTelMetricsConfig contains the OTLP metric push settings.
type OTelMetricsConfig struct {
	OTelSignalConfig `yaml:",inline"`
	ExportInterval   time.Duration `yaml:"export_interval"`
}

// ExportConfig contains optional usage sinks.
type ExportConfig struct {
	S3      S3ExportConfig      `yaml:"s3"`
	Webhook WebhookExportConfig `yaml:"webhook"`
}

// S3ExportConfig contains the S3 usage exporter settings.
type S3ExportConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Bucket        string        `yaml:"bucket"`
	Region        string        `yaml:"region"`
	AccessKeyID   string        `yaml:"access_key_id"`
	SecretKey     string        `yaml:"secret_key"`
	Endpoint      string        `yaml:"endpoint"`
	PathPrefix    string        `yaml:"path_prefix"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BatchSize     int           `yaml:"batch_size"`
	Compression   bool          `yaml:"compression"`
}

// WebhookExportConfig contains the budget alert webhook settings.
type WebhookExportConfig struct {
	Enabled bool              `yaml:"enabled"`
	URL     string            `yaml:"url"`
	Timeout time.Duration     `yaml:"timeout"`
	Headers map[string]string `yaml:"headers"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0, // streaming responses must not be cut off
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Upstream: UpstreamConfig{
			BaseURL:        "https://api.z.ai/api/anthropic",
			RequestTimeout: 120 * time.Second,
			MaxConcurrent:  64,
			ModelsCacheTTL: 5 * time.Minute,
		},
		KeyPool: KeyPoolConfig{
			MaxConcurrencyPerKey: 8,
			QueueSize:            100,
			QueueTimeout:         10 * time.Second,
			Circuit: CircuitConfig{
				FailureThreshold: 5,
				FailureWindow:    60 * time.Second,
				OpenDuration:     30 * time.Second,
			},
			SlowKey: SlowKeyConfig{
				LatencyThreshold: 30 * time.Second,
				MedianMultiplier: 2.5,
			},
			PoolCooldown: PoolCooldownConfig{
				Base:           time.Second,
				Cap:            60 * time.Second,
				Decay:          60 * time.Second,
				SleepThreshold: 2 * time.Second,
				RetryJitter:    250 * time.Millisecond,
				MaxCooldown:    120 * time.Second,
			},
			Prober: ProberConfig{
				Enabled:  false,
				Interval: 60 * time.Second,
			},
			PersistPath: "data/keypool.json",
		},
		Proxy: ProxyConfig{
			MaxRetries:          3,
			MaxTotalConcurrency: 0, // unlimited
			Backoff: BackoffConfig{
				Base:       500 * time.Millisecond,
				Multiplier: 2.0,
				Max:        10 * time.Second,
				Jitter:     250 * time.Millisecond,
			},
			AdmissionHold: AdmissionHoldConfig{
				Enabled:            false,
				Tiers:              []string{"heavy"},
				MaxHold:            10 * time.Second,
				MaxConcurrentHolds: 10,
				Jitter:             500 * time.Millisecond,
				MinCooldownToHold:  time.Second,
			},
			HangupThreshold: 3,
		},
		Routing: RoutingConfig{
			Enabled:      true,
			ConfigPath:   "data/model-routing.json",
			DefaultModel: "glm-4.7",
			LogDecisions: false,
			Failover: FailoverConfig{
				Max429AttemptsPerRequest:   3,
				Max429RetryWindow:          30 * time.Second,
				MaxModelSwitchesPerRequest: 3,
			},
		},
		Budget: BudgetConfig{
			AlertThresholds: []float64{0.5, 0.8, 0.95, 1.0},
		},
		Costs: CostsConfig{
			PersistPath:       "data/costs.json",
			SaveDebounce:      5 * time.Second,
			SlowSaveThreshold: time.Second,
		},
		Traces: TracesConfig{
			Capacity:      1000,
			PreviewMaxLen: 2048,
		},
		Events: EventsConfig{
			PoolStatusInterval: 3 * time.Second,
			ClientBuffer:       64,
		},
		RateLimit: RateLimitConfig{
			Enabled:           false,
			RequestsPerSecond: 50,
			Burst:             100,
		},
		CORS: CORSConfig{
			Enabled:        true,
			AllowedOrigins: []string{"*"},
		},
		Secrets: SecretsConfig{
			CacheTTL: 5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 28,
			RingSize:   500,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Endpoint:     "localhost:4317",
			ExporterType: "grpc",
			ServiceName:  "zgate",
			SampleRate:   1.0,
			Insecure:     true,
		},
		OTelLogs: OTelSignalConfig{
			Enabled:      false,
			Endpoint:     "localhost:4317",
			ExporterType: "grpc",
			Insecure:     true,
		},
		OTelMetrics: OTelMetricsConfig{
			OTelSignalConfig: OTelSignalConfig{
				Enabled:      false,
				Endpoint:     "localhost:4317",
				ExporterType: "grpc",
				Insecure:     true,
			},
			ExportInterval: 60 * time.Second,
		},
		Export: ExportConfig{
			S3: S3ExportConfig{
				FlushInterval: 10 * time.Second,
				BatchSize:     100,
				Compression:   true,
			},
			Webhook: WebhookExportConfig{
				Timeout: 10 * time.Second,
			},
		},
	}
}

// LoadFromFile reads and parses a YAML configuration file.
// Environment variables in the format ${VAR_NAME} are expanded.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// applyDefaults fills per-entry fields that inherit section-level settings.
func (c *Config) applyDefaults() {
	for i := range c.Keys {
		if c.Keys[i].MaxConcurrency == 0 {
			c.Keys[i].MaxConcurrency = c.KeyPool.MaxConcurrencyPerKey
		}
		if c.Keys[i].Weight == 0 {
			c.Keys[i].Weight = 1
		}
	}
	if len(c.Budget.AlertThresholds) == 0 {
		c.Budget.AlertThresholds = []float64{0.5, 0.8, 0.95, 1.0}
	}
}

var validTiers = map[string]bool{
	"heavy":  true,
	"medium": true,
	"light":  true,
	"free":   true,
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	if c.Upstream.RequestTimeout <= 0 {
		return fmt.Errorf("upstream.request_timeout must be positive")
	}
	if c.Upstream.MaxConcurrent <= 0 {
		return fmt.Errorf("upstream.max_concurrent must be positive")
	}

	if len(c.Keys) == 0 {
		return fmt.Errorf("at least one key must be configured")
	}
	seen := make(map[string]bool, len(c.Keys))
	for i, k := range c.Keys {
		if k.ID == "" {
			return fmt.Errorf("keys[%d]: id is required", i)
		}
		if seen[k.ID] {
			return fmt.Errorf("keys[%d] %q: duplicate id", i, k.ID)
		}
		seen[k.ID] = true
		if k.Credential == "" {
			return fmt.Errorf("keys[%d] %q: credential is required", i, k.ID)
		}
		if k.MaxConcurrency < 0 {
			return fmt.Errorf("keys[%d] %q: max_concurrency cannot be negative", i, k.ID)
		}
		if k.Weight < 0 {
			return fmt.Errorf("keys[%d] %q: weight cannot be negative", i, k.ID)
		}
	}

	if c.KeyPool.QueueSize < 0 {
		return fmt.Errorf("key_pool.queue_size cannot be negative")
	}
	if c.KeyPool.Circuit.FailureThreshold <= 0 {
		return fmt.Errorf("key_pool.circuit.failure_threshold must be positive")
	}
	if c.KeyPool.PoolCooldown.Base <= 0 {
		return fmt.Errorf("key_pool.pool_cooldown.base must be positive")
	}
	if c.KeyPool.PoolCooldown.Cap < c.KeyPool.PoolCooldown.Base {
		return fmt.Errorf("key_pool.pool_cooldown.cap must be >= base")
	}

	if c.Proxy.MaxRetries < 0 {
		return fmt.Errorf("proxy.max_retries cannot be negative")
	}
	if c.Proxy.MaxTotalConcurrency < 0 {
		return fmt.Errorf("proxy.max_total_concurrency cannot be negative")
	}
	if c.Proxy.Backoff.Multiplier < 1 {
		return fmt.Errorf("proxy.backoff.multiplier must be >= 1")
	}
	for _, tier := range c.Proxy.AdmissionHold.Tiers {
		if !validTiers[tier] {
			return fmt.Errorf("proxy.admission_hold: unknown tier %q", tier)
		}
	}

	if c.Routing.Enabled && c.Routing.DefaultModel == "" {
		return fmt.Errorf("routing.default_model is required when routing is enabled")
	}
	if c.Routing.Failover.Max429AttemptsPerRequest <= 0 {
		return fmt.Errorf("routing.failover.max_429_attempts_per_request must be positive")
	}

	if c.Budget.Daily < 0 || c.Budget.Monthly < 0 {
		return fmt.Errorf("budget limits cannot be negative")
	}
	for _, th := range c.Budget.AlertThresholds {
		if th <= 0 || th > 1 {
			return fmt.Errorf("budget.alert_thresholds: %v out of (0,1]", th)
		}
	}

	if c.Traces.Capacity <= 0 {
		return fmt.Errorf("traces.capacity must be positive")
	}

	if c.RateLimit.Enabled && c.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("rate_limit.requests_per_second must be positive when enabled")
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}

	if c.Tracing.Enabled {
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be in [0,1]")
		}
		if c.Tracing.ExporterType != "grpc" && c.Tracing.ExporterType != "http" {
			return fmt.Errorf("tracing.exporter_type must be grpc or http")
		}
	}

	if c.Export.S3.Enabled && c.Export.S3.Bucket == "" {
		return fmt.Errorf("export.s3.bucket is required when s3 export is enabled")
	}
	if c.Export.Webhook.Enabled && c.Export.Webhook.URL == "" {
		return fmt.Errorf("export.webhook.url is required when webhook export is enabled")
	}

	return nil
}
