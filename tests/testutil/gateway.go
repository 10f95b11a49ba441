package testutil

import (
	"context"
	"fmt"
	"io"
	"net/http/httptest"
	"time"

	"github.com/zgate-dev/zgate/internal/app"
	"github.com/zgate-dev/zgate/internal/config"
)

// Gateway is an assembled gateway served over a loopback listener.
// Persistence is disabled and retry pacing is shrunk so suites stay
// fast; options adjust the configuration before assembly.
type Gateway struct {
	app    *app.App
	server *httptest.Server
	cfg    *config.Config
}

// GatewayOption adjusts the gateway configuration before assembly.
type GatewayOption func(*config.Config)

// WithUpstream points the gateway at a mock upstream.
func WithUpstream(url string) GatewayOption {
	return func(cfg *config.Config) {
		cfg.Upstream.BaseURL = url
	}
}

// WithKeys replaces the credential pool. IDs are assigned key-1..key-n.
func WithKeys(credentials ...string) GatewayOption {
	return func(cfg *config.Config) {
		keys := make([]config.KeyConfig, 0, len(credentials))
		for i, cred := range credentials {
			keys = append(keys, config.KeyConfig{
				ID:         fmt.Sprintf("key-%d", i+1),
				Credential: cred,
			})
		}
		cfg.Keys = keys
	}
}

// WithFailover sets the 429 give-up bounds.
func WithFailover(maxAttempts, maxSwitches int, window time.Duration) GatewayOption {
	return func(cfg *config.Config) {
		cfg.Routing.Failover.Max429AttemptsPerRequest = maxAttempts
		cfg.Routing.Failover.MaxModelSwitchesPerRequest = maxSwitches
		cfg.Routing.Failover.Max429RetryWindow = window
	}
}

// WithRoutingDisabled turns model routing off; inbound model names pass
// through unchanged.
func WithRoutingDisabled() GatewayOption {
	return func(cfg *config.Config) {
		cfg.Routing.Enabled = false
	}
}

// WithDailyBudget sets the daily budget and its alert thresholds.
func WithDailyBudget(limit float64, thresholds ...float64) GatewayOption {
	return func(cfg *config.Config) {
		cfg.Budget.Daily = limit
		if len(thresholds) > 0 {
			cfg.Budget.AlertThresholds = thresholds
		}
	}
}

// WithAlertWebhook posts budget alerts to the given URL.
func WithAlertWebhook(url string) GatewayOption {
	return func(cfg *config.Config) {
		cfg.Export.Webhook.Enabled = true
		cfg.Export.Webhook.URL = url
		cfg.Export.Webhook.Timeout = 5 * time.Second
	}
}

// WithConfig applies an arbitrary configuration mutation.
func WithConfig(mutate func(*config.Config)) GatewayOption {
	return func(cfg *config.Config) {
		mutate(cfg)
	}
}

// NewGateway assembles a gateway and serves it on a loopback listener.
// The returned gateway is already accepting requests.
func NewGateway(opts ...GatewayOption) (*Gateway, error) {
	cfg := config.DefaultConfig()
	cfg.Server.Port = 0
	cfg.Keys = []config.KeyConfig{{ID: "key-1", Credential: "sk-e2e-credential-1"}}

	// No files under the test process, no slow production pacing.
	cfg.KeyPool.PersistPath = ""
	cfg.Costs.PersistPath = ""
	cfg.Routing.ConfigPath = ""
	cfg.KeyPool.QueueTimeout = 2 * time.Second
	cfg.KeyPool.PoolCooldown = config.PoolCooldownConfig{
		Base:           50 * time.Millisecond,
		Cap:            500 * time.Millisecond,
		Decay:          500 * time.Millisecond,
		SleepThreshold: 100 * time.Millisecond,
		RetryJitter:    time.Millisecond,
		MaxCooldown:    time.Second,
	}
	cfg.Proxy.Backoff = config.BackoffConfig{
		Base:       10 * time.Millisecond,
		Multiplier: 2.0,
		Max:        100 * time.Millisecond,
		Jitter:     time.Millisecond,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	a, err := app.New(context.Background(), cfg, app.Options{LogOutput: io.Discard})
	if err != nil {
		return nil, fmt.Errorf("assemble gateway: %w", err)
	}

	return &Gateway{
		app:    a,
		server: httptest.NewServer(a.Handler()),
		cfg:    cfg,
	}, nil
}

// URL returns the gateway's base URL.
func (g *Gateway) URL() string {
	return g.server.URL
}

// Client returns a test client bound to the gateway.
func (g *Gateway) Client() *TestClient {
	return NewTestClient(g.server.URL)
}

// Config returns the configuration the gateway was assembled from.
func (g *Gateway) Config() *config.Config {
	return g.cfg
}

// Stop closes the listener and shuts the gateway down.
func (g *Gateway) Stop() {
	g.server.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = g.app.Shutdown(ctx) //nolint:errcheck // test teardown
}
