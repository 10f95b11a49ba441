// Package app assembles the gateway: it constructs and owns every
// subsystem (observability, secrets, the credential pool, the model
// router, cost tracking, the proxy pipeline and the admin API) and runs
// the Start/Shutdown lifecycle around one HTTP server.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zgate-dev/zgate/internal/api"
	"github.com/zgate-dev/zgate/internal/config"
	"github.com/zgate-dev/zgate/internal/costs"
	"github.com/zgate-dev/zgate/internal/events"
	"github.com/zgate-dev/zgate/internal/keypool"
	"github.com/zgate-dev/zgate/internal/metrics"
	"github.com/zgate-dev/zgate/internal/observability"
	"github.com/zgate-dev/zgate/internal/pricing"
	"github.com/zgate-dev/zgate/internal/proxy"
	"github.com/zgate-dev/zgate/internal/router"
	"github.com/zgate-dev/zgate/internal/secret"
	"github.com/zgate-dev/zgate/internal/secret/vault"
	"github.com/zgate-dev/zgate/internal/tracestore"
)

// ErrBind marks a failure to claim the listen address, so the host can
// exit with a distinct code.
var ErrBind = errors.New("bind failed")

const (
	defaultServiceName   = "zgate"
	poolAutosaveInterval = time.Minute
	probeBodyLimit       = 4096
)

// Options tunes construction beyond the configuration file.
type Options struct {
	// Manager enables hot reload; the app takes ownership and starts
	// the file watch on Start.
	Manager *config.Manager

	// LogOutput overrides the log destination (tests). Nil means stdout.
	LogOutput io.Writer
}

// App owns the assembled gateway.
type App struct {
	cfg    *config.Config
	logger *observability.Logger
	level  *slog.LevelVar

	manager   *config.Manager
	secrets   *secret.Resolver
	pool      *keypool.Pool
	prober    *keypool.Prober
	router    *router.Router
	redis     *redis.Client
	collector *metrics.Collector
	tracker   *costs.Tracker
	traces    *tracestore.Store
	broker    *events.Broker
	publisher *events.PoolStatusPublisher
	sinks     *observability.SinkSet
	webhook   *observability.AlertWebhook

	tracing     *observability.TracerProvider
	otelLogs    *observability.OTelLogsProvider
	otelMetrics *observability.OTelMetricsProvider

	proxy    *proxy.Handler
	api      *api.Server
	server   *http.Server
	listener net.Listener

	bgCtx  context.Context
	cancel context.CancelFunc
}

// New builds the full gateway from configuration. ctx bounds
// construction-time dials (OTLP exporters, Vault auth); the app runs its
// background loops on its own context until Shutdown.
func New(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	bgCtx, cancel := context.WithCancel(context.Background())
	a := &App{
		cfg:     cfg,
		manager: opts.Manager,
		bgCtx:   bgCtx,
		cancel:  cancel,
	}

	if err := a.build(ctx, opts); err != nil {
		cancel()
		a.closeConstructed()
		return nil, err
	}

	if a.manager != nil {
		a.manager.OnChange(a.applyConfig)
	}
	return a, nil
}

func (a *App) build(ctx context.Context, opts Options) error {
	cfg := a.cfg

	redactor := observability.NewRedactor()
	if cfg.Traces.PreviewMaxLen > 0 {
		redactor.SetPreviewLimit(cfg.Traces.PreviewMaxLen)
	}

	ring := observability.NewRingHandler(cfg.Logging.RingSize, slog.LevelDebug)

	a.level = new(slog.LevelVar)
	a.level.Set(parseLevel(cfg.Logging.Level))

	a.logger = observability.NewLogger(observability.LoggerConfig{
		Level:      a.level,
		Output:     opts.LogOutput,
		JSONFormat: cfg.Logging.Format != "text",
		FilePath:   cfg.Logging.FilePath,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
		Ring:       ring,
	}, redactor)

	otelLogs, err := observability.InitOTelLogs(ctx, observability.OTelLogsConfig{
		Enabled:      cfg.OTelLogs.Enabled,
		Endpoint:     cfg.OTelLogs.Endpoint,
		ExporterType: observability.ExporterType(cfg.OTelLogs.ExporterType),
		ServiceName:  serviceName(cfg),
		Insecure:     cfg.OTelLogs.Insecure,
	})
	if err != nil {
		return fmt.Errorf("otel logs: %w", err)
	}
	a.otelLogs = otelLogs
	if otelLogs != nil {
		bridged := observability.NewMultiHandler(
			a.logger.Slog().Handler(),
			observability.NewOTelLogHandler(otelLogs, parseLevel(cfg.Logging.Level)),
		)
		a.logger = observability.NewLoggerWithHandler(bridged, redactor)
	}
	log := a.logger.Slog()

	a.tracing, err = observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:      cfg.Tracing.Enabled,
		Endpoint:     cfg.Tracing.Endpoint,
		ExporterType: observability.ExporterType(cfg.Tracing.ExporterType),
		ServiceName:  serviceName(cfg),
		SampleRate:   cfg.Tracing.SampleRate,
		Insecure:     cfg.Tracing.Insecure,
	})
	if err != nil {
		return fmt.Errorf("otel tracing: %w", err)
	}

	a.secrets = secret.NewResolver()
	a.secrets.Register("env", secret.NewEnvProvider())
	if cfg.Secrets.Vault.Address != "" {
		vp, verr := vault.New(vault.Config{
			Address:    cfg.Secrets.Vault.Address,
			Token:      cfg.Secrets.Vault.Token,
			AuthMethod: cfg.Secrets.Vault.AuthMethod,
			RoleID:     cfg.Secrets.Vault.RoleID,
			SecretID:   cfg.Secrets.Vault.SecretID,
			CACert:     cfg.Secrets.Vault.CACert,
			ClientCert: cfg.Secrets.Vault.ClientCert,
			ClientKey:  cfg.Secrets.Vault.ClientKey,
		}, log)
		if verr != nil {
			return fmt.Errorf("vault provider: %w", verr)
		}
		a.secrets.Register("vault", secret.NewCachedProvider(vp, cfg.Secrets.CacheTTL))
	}

	specs := make([]keypool.KeySpec, 0, len(cfg.Keys))
	for _, k := range cfg.Keys {
		credential, rerr := a.secrets.Resolve(ctx, k.Credential)
		if rerr != nil {
			return fmt.Errorf("resolve credential for key %q: %w", k.ID, rerr)
		}
		specs = append(specs, keypool.KeySpec{
			ID:             k.ID,
			Credential:     credential,
			Weight:         k.Weight,
			MaxConcurrency: k.MaxConcurrency,
		})
	}

	a.pool, err = keypool.New(keypool.Config{
		MaxConcurrencyPerKey: cfg.KeyPool.MaxConcurrencyPerKey,
		QueueSize:            cfg.KeyPool.QueueSize,
		QueueTimeout:         cfg.KeyPool.QueueTimeout,
		Circuit: keypool.BreakerConfig{
			FailureThreshold: cfg.KeyPool.Circuit.FailureThreshold,
			FailureWindow:    cfg.KeyPool.Circuit.FailureWindow,
			OpenDuration:     cfg.KeyPool.Circuit.OpenDuration,
		},
		SlowKeyLatencyThreshold: cfg.KeyPool.SlowKey.LatencyThreshold,
		SlowKeyMedianMultiplier: cfg.KeyPool.SlowKey.MedianMultiplier,
		CooldownBase:            cfg.KeyPool.PoolCooldown.Base,
		CooldownCap:             cfg.KeyPool.PoolCooldown.Cap,
		CooldownDecay:           cfg.KeyPool.PoolCooldown.Decay,
		CooldownMax:             cfg.KeyPool.PoolCooldown.MaxCooldown,
		PersistPath:             cfg.KeyPool.PersistPath,
	}, specs, log)
	if err != nil {
		return fmt.Errorf("key pool: %w", err)
	}

	if cfg.KeyPool.Prober.Enabled {
		a.prober = keypool.NewProber(keypool.ProberConfig{
			Enabled:  true,
			Interval: cfg.KeyPool.Prober.Interval,
		}, a.pool, upstreamProbe(cfg.Upstream.BaseURL), log)
	}

	var stats router.StatsStore
	if cfg.Redis.Enabled {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		stats = router.NewRedisStatsStore(a.redis)
	}

	catalog := router.NewCatalog()
	bootstrap := router.DefaultDocument(cfg.Routing.DefaultModel)
	bootstrap.Enabled = cfg.Routing.Enabled
	bootstrap.LogDecisions = cfg.Routing.LogDecisions
	docPath := cfg.Routing.ConfigPath
	if !cfg.Routing.Enabled {
		// A disabled router still serves the admin surface; the
		// persisted document is skipped so a stale enabled one cannot
		// revive routing behind the config's back.
		docPath = ""
	}
	a.router, err = router.New(router.Config{
		DocumentPath: docPath,
		Bootstrap:    &bootstrap,
	}, catalog, stats, log)
	if err != nil {
		return fmt.Errorf("model router: %w", err)
	}

	a.collector = metrics.NewCollector()
	a.traces = tracestore.NewStore(cfg.Traces.Capacity)
	a.broker = events.NewBroker(events.Config{BufferSize: cfg.Events.ClientBuffer}, redactor, log)
	a.publisher = events.NewPoolStatusPublisher(a.broker, a.router, cfg.Events.PoolStatusInterval, log)

	var table []pricing.ModelPricing
	if cfg.PricingFile != "" {
		table, err = pricing.LoadFile(cfg.PricingFile)
		if err != nil {
			return fmt.Errorf("pricing file: %w", err)
		}
	}

	if cfg.Export.Webhook.Enabled {
		a.webhook, err = observability.NewAlertWebhook(observability.WebhookConfig{
			URL:     cfg.Export.Webhook.URL,
			Timeout: cfg.Export.Webhook.Timeout,
			Headers: cfg.Export.Webhook.Headers,
		}, a.logger)
		if err != nil {
			return fmt.Errorf("alert webhook: %w", err)
		}
	}

	a.tracker = costs.New(costs.Config{
		PersistPath:       cfg.Costs.PersistPath,
		SaveDebounce:      cfg.Costs.SaveDebounce,
		SlowSaveThreshold: cfg.Costs.SlowSaveThreshold,
		Budget: costs.Budget{
			Daily:           cfg.Budget.Daily,
			Monthly:         cfg.Budget.Monthly,
			AlertThresholds: cfg.Budget.AlertThresholds,
		},
	}, pricing.NewCalculator(table), a.dispatchAlert, log)

	a.sinks = observability.NewSinkSet(a.logger)
	if cfg.Export.S3.Enabled {
		exporter, serr := observability.NewS3Exporter(observability.S3ExportConfig{
			BucketName:    cfg.Export.S3.Bucket,
			Region:        cfg.Export.S3.Region,
			AccessKeyID:   cfg.Export.S3.AccessKeyID,
			SecretKey:     cfg.Export.S3.SecretKey,
			Endpoint:      cfg.Export.S3.Endpoint,
			PathPrefix:    cfg.Export.S3.PathPrefix,
			FlushInterval: cfg.Export.S3.FlushInterval,
			BatchSize:     cfg.Export.S3.BatchSize,
			Compression:   cfg.Export.S3.Compression,
		}, a.logger)
		if serr != nil {
			return fmt.Errorf("s3 exporter: %w", serr)
		}
		a.sinks.Register(exporter)
	}

	a.otelMetrics, err = observability.InitOTelMetrics(ctx, observability.OTelMetricsConfig{
		Enabled:        cfg.OTelMetrics.Enabled,
		Endpoint:       cfg.OTelMetrics.Endpoint,
		ExporterType:   observability.ExporterType(cfg.OTelMetrics.ExporterType),
		ServiceName:    serviceName(cfg),
		Insecure:       cfg.OTelMetrics.Insecure,
		ExportInterval: cfg.OTelMetrics.ExportInterval,
	})
	if err != nil {
		return fmt.Errorf("otel metrics: %w", err)
	}
	if a.otelMetrics != nil {
		if oerr := a.otelMetrics.RegisterPoolObserver(a.poolGauges); oerr != nil {
			log.Warn("pool gauge observer registration failed", "error", oerr)
		}
	}

	a.proxy = proxy.NewHandler(proxy.Config{
		Proxy:        cfg.Proxy,
		Upstream:     cfg.Upstream,
		PoolCooldown: cfg.KeyPool.PoolCooldown,
		Failover:     cfg.Routing.Failover,
	}, proxy.Deps{
		Pool:      a.pool,
		Router:    a.router,
		Collector: a.collector,
		Tracker:   a.tracker,
		Traces:    a.traces,
		Broker:    a.broker,
		Sinks:     a.sinks,
		Tracer:    a.tracing.Tracer(),
		Logger:    log,
	})

	models := api.NewModelCatalog(cfg.Upstream.BaseURL, cfg.Upstream.ModelsCacheTTL, a.pool, catalog, log)

	a.api = api.NewServer(cfg, api.Deps{
		Proxy:     a.proxy,
		Gate:      a.proxy.Gate(),
		Pool:      a.pool,
		Router:    a.router,
		Collector: a.collector,
		Costs:     a.tracker,
		Traces:    a.traces,
		Broker:    a.broker,
		Ring:      ring,
		Catalog:   models,
		Logger:    log,
	})

	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      a.api.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	return nil
}

// Start claims the listen address, begins serving and launches the
// background loops. A failure to bind is returned wrapped in ErrBind;
// errors after that surface through the logs.
func (a *App) Start() error {
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBind, err)
	}
	a.listener = ln
	a.logger.Info("gateway listening",
		"addr", ln.Addr().String(),
		"keys", a.pool.Len(),
		"routing", a.router.Enabled(),
	)

	if a.manager != nil {
		if werr := a.manager.Watch(a.bgCtx); werr != nil {
			a.logger.Warn("config hot reload unavailable", "error", werr)
		}
	}
	a.pool.StartAutosave(a.bgCtx, poolAutosaveInterval)
	a.prober.Start(a.bgCtx)
	if a.publisher != nil {
		a.publisher.Start()
	}

	go func() {
		if serr := a.server.Serve(ln); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			a.logger.Error("http server failed", "error", serr)
		}
	}()
	return nil
}

// Shutdown drains the server within ctx, then flushes and releases every
// subsystem. Safe to call once after a successful Start.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	err := a.server.Shutdown(ctx)
	if err != nil {
		a.logger.Error("http server shutdown failed", "error", err)
	}

	if a.publisher != nil {
		a.publisher.Stop()
	}
	a.broker.Close()
	a.tracker.Flush()
	if perr := a.pool.Persist(); perr != nil {
		a.logger.Warn("key pool persist failed", "error", perr)
	}

	a.cancel()
	a.closeConstructed()

	if serr := a.sinks.Shutdown(ctx); serr != nil {
		a.logger.Warn("usage sink shutdown failed", "error", serr)
	}
	a.shutdownTelemetry(ctx)

	a.logger.Info("shutdown complete")
	return err
}

// Handler exposes the composed HTTP surface for in-process tests.
func (a *App) Handler() http.Handler {
	return a.api.Handler()
}

// Addr returns the bound listen address once Start succeeded, else the
// configured one.
func (a *App) Addr() string {
	if a.listener != nil {
		return a.listener.Addr().String()
	}
	return a.server.Addr
}

// Logger exposes the app logger so the host can install it as default.
func (a *App) Logger() *observability.Logger {
	return a.logger
}

// closeConstructed releases handles that are safe to close more than
// once. It also runs on a failed New so partial builds do not leak.
func (a *App) closeConstructed() {
	if a.manager != nil {
		_ = a.manager.Close()
	}
	if a.secrets != nil {
		_ = a.secrets.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
}

func (a *App) shutdownTelemetry(ctx context.Context) {
	if a.otelMetrics != nil {
		if err := a.otelMetrics.Shutdown(ctx); err != nil {
			a.logger.Warn("otel metrics shutdown failed", "error", err)
		}
	}
	if a.otelLogs != nil {
		if err := a.otelLogs.Shutdown(ctx); err != nil {
			a.logger.Warn("otel logs shutdown failed", "error", err)
		}
	}
	if a.tracing != nil {
		if err := a.tracing.Shutdown(ctx); err != nil {
			a.logger.Warn("otel tracing shutdown failed", "error", err)
		}
	}
}

// applyConfig re-applies the live-reloadable sections after the manager
// swapped in a validated configuration.
func (a *App) applyConfig(next *config.Config) {
	newLevel := parseLevel(next.Logging.Level)
	if a.level.Level() != newLevel {
		a.logger.Info("log level changed", "level", newLevel.String())
		a.level.Set(newLevel)
	}

	a.tracker.SetBudget(costs.Budget{
		Daily:           next.Budget.Daily,
		Monthly:         next.Budget.Monthly,
		AlertThresholds: next.Budget.AlertThresholds,
	})

	if next.Routing.Enabled {
		doc := a.router.Document()
		changed := false
		if next.Routing.DefaultModel != "" && doc.DefaultModel != next.Routing.DefaultModel {
			doc.DefaultModel = next.Routing.DefaultModel
			changed = true
		}
		if doc.LogDecisions != next.Routing.LogDecisions {
			doc.LogDecisions = next.Routing.LogDecisions
			changed = true
		}
		if changed {
			if _, err := a.router.UpdateDocument(doc); err != nil {
				a.logger.Warn("routing section reload rejected", "error", err)
			}
		}
	}

	a.logger.Info("configuration reloaded")
}

// dispatchAlert forwards budget alerts to the webhook. The tracker logs
// and counts alerts itself.
func (a *App) dispatchAlert(alert costs.Alert) {
	if a.webhook == nil {
		return
	}
	event := observability.BudgetAlertEvent{
		Event:     alert.Type,
		Scope:     alert.Period,
		Period:    alert.Period,
		Threshold: alert.Threshold,
		SpendUSD:  alert.CurrentCost,
		BudgetUSD: alert.BudgetLimit,
		FiredAt:   alert.Timestamp,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = a.webhook.NotifyBudgetAlert(ctx, event)
	}()
}

// poolGauges snapshots circuit states for the OTLP pool observer.
func (a *App) poolGauges() observability.PoolGauges {
	var g observability.PoolGauges
	for _, k := range a.pool.Snapshot().Keys {
		switch k.State {
		case keypool.StateOpen.String():
			g.Open++
		case keypool.StateHalfOpen.String():
			g.HalfOpen++
		default:
			g.Closed++
		}
	}
	return g
}

// upstreamProbe issues the cheapest authenticated upstream call and
// reports whether the credential was accepted. A 429 still proves the
// credential works, so it does not count as a failure.
func upstreamProbe(baseURL string) keypool.ProbeFunc {
	client := &http.Client{Timeout: 15 * time.Second}
	url := strings.TrimSuffix(baseURL, "/") + "/v1/models"
	return func(ctx context.Context, credential string) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+credential)
		req.Header.Set("X-Api-Key", credential)
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, probeBodyLimit))
		switch {
		case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
			return fmt.Errorf("credential rejected: status %d", resp.StatusCode)
		case resp.StatusCode >= http.StatusInternalServerError:
			return fmt.Errorf("upstream unhealthy: status %d", resp.StatusCode)
		}
		return nil
	}
}

func serviceName(cfg *config.Config) string {
	if cfg.Tracing.ServiceName != "" {
		return cfg.Tracing.ServiceName
	}
	return defaultServiceName
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
