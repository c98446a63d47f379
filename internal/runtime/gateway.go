// Package runtime wires the gateway's components together and manages their
// lifecycle.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/tjfontaine/erp-mcp-gateway/internal/adapters/audit/logsink"
	"github.com/tjfontaine/erp-mcp-gateway/internal/adapters/audit/storesink"
	"github.com/tjfontaine/erp-mcp-gateway/internal/adapters/auth/apikey"
	"github.com/tjfontaine/erp-mcp-gateway/internal/adapters/auth/jwt"
	"github.com/tjfontaine/erp-mcp-gateway/internal/adapters/authz/roles"
	"github.com/tjfontaine/erp-mcp-gateway/internal/adapters/events/direct"
	idemmemory "github.com/tjfontaine/erp-mcp-gateway/internal/adapters/idempotency/memory"
	"github.com/tjfontaine/erp-mcp-gateway/internal/adapters/idempotency/redisstore"
	"github.com/tjfontaine/erp-mcp-gateway/internal/adapters/idempotency/sqlstore"
	"github.com/tjfontaine/erp-mcp-gateway/internal/adapters/policy/basic"
	"github.com/tjfontaine/erp-mcp-gateway/internal/adapters/policy/redisbucket"
	"github.com/tjfontaine/erp-mcp-gateway/internal/adapters/policy/tokenbucket"
	"github.com/tjfontaine/erp-mcp-gateway/internal/adapters/storage/sqlite"
	"github.com/tjfontaine/erp-mcp-gateway/internal/circuit"
	"github.com/tjfontaine/erp-mcp-gateway/internal/connector"
	"github.com/tjfontaine/erp-mcp-gateway/internal/connector/aif"
	"github.com/tjfontaine/erp-mcp-gateway/internal/connector/stub"
	"github.com/tjfontaine/erp-mcp-gateway/internal/connector/wcf"
	"github.com/tjfontaine/erp-mcp-gateway/internal/core/domain"
	"github.com/tjfontaine/erp-mcp-gateway/internal/core/ports"
	"github.com/tjfontaine/erp-mcp-gateway/internal/erp"
	"github.com/tjfontaine/erp-mcp-gateway/internal/healing"
	"github.com/tjfontaine/erp-mcp-gateway/internal/idempotency"
	"github.com/tjfontaine/erp-mcp-gateway/internal/mcp"
	"github.com/tjfontaine/erp-mcp-gateway/internal/pipeline"
	"github.com/tjfontaine/erp-mcp-gateway/internal/pkg/config"
	"github.com/tjfontaine/erp-mcp-gateway/internal/pkg/predicate"
	"github.com/tjfontaine/erp-mcp-gateway/internal/server"
	"github.com/tjfontaine/erp-mcp-gateway/internal/storage/memory"
	"github.com/tjfontaine/erp-mcp-gateway/internal/storage/sqldb"
	"github.com/tjfontaine/erp-mcp-gateway/internal/telemetry"
	"github.com/tjfontaine/erp-mcp-gateway/internal/tools"
	"github.com/tjfontaine/erp-mcp-gateway/internal/webhook"
)

// ServiceName identifies the gateway in traces and the MCP handshake.
const ServiceName = "erp-mcp-gateway"

// Version is overridden at build time with -ldflags.
var Version = "dev"

// Gateway owns every long-lived component. Each is built once in New and
// handed to its consumers by reference.
type Gateway struct {
	// Dependencies (injected via options or built from config)
	source    ports.ConfigProvider
	cfg       *config.Config
	logger    *slog.Logger
	auth      ports.AuthProvider
	storage   ports.StorageProvider
	policy    ports.QualityPolicy
	idem      ports.IdempotencyStore
	primary   connector.Transport
	alternate connector.Transport

	registry   *prometheus.Registry
	metrics    *telemetry.Metrics
	events     *direct.Publisher
	engine     *webhook.Engine
	webhooks   *webhook.Service
	adapter    *connector.Adapter
	pools      *healing.PoolMonitor
	health     *healing.Monitor
	executor   *pipeline.Executor
	dispatcher *mcp.Dispatcher
	server     *server.Server

	background []func(ctx context.Context)
	closers    []func() error

	startOnce sync.Once
	closeOnce sync.Once
}

// New builds a Gateway. Configuration comes from WithConfig, WithFileConfig
// or, failing both, config.Load.
func New(opts ...Option) (*Gateway, error) {
	g := &Gateway{logger: slog.Default()}
	for _, opt := range opts {
		if err := opt(g); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}

	if err := g.loadConfig(); err != nil {
		return nil, err
	}
	if err := g.build(); err != nil {
		g.Close()
		return nil, err
	}
	return g, nil
}

func (g *Gateway) loadConfig() error {
	if g.cfg != nil {
		return nil
	}
	var err error
	if g.source != nil {
		g.cfg, err = g.source.Load(context.Background())
	} else {
		g.cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	return nil
}

func (g *Gateway) build() error {
	cfg := g.cfg

	g.registry = prometheus.NewRegistry()
	g.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	g.metrics = telemetry.NewMetrics(g.registry)

	if err := g.initStorage(); err != nil {
		return err
	}

	filters := predicate.New()

	g.events = direct.NewPublisher(g.logger)

	g.engine = webhook.NewEngine(g.storage, webhook.Config{
		Concurrency:         cfg.Webhooks.Concurrency,
		Timeout:             cfg.Webhooks.Timeout,
		AllowPrivateTargets: cfg.Webhooks.AllowPrivateTargets,
	},
		webhook.WithEngineLogger(g.logger),
		webhook.WithFilters(filters),
		webhook.WithOutcomeHook(g.metrics.DeliveryFinished),
	)
	g.events.SubscribeAll("webhooks", g.engine.HandleEvent)

	g.webhooks = webhook.NewService(g.storage, filters, domain.RetryPolicy{
		MaxRetries:  cfg.Webhooks.DefaultMaxRetries,
		Backoff:     cfg.Webhooks.DefaultBackoff,
		Exponential: cfg.Webhooks.DefaultExponential,
	},
		webhook.WithRetryCanceller(g.engine),
		webhook.WithMaxRetries(cfg.Webhooks.MaxRetries),
		webhook.WithServiceLogger(g.logger),
	)

	if err := g.initConnector(); err != nil {
		return err
	}

	breakers := g.adapter.Breakers()
	sources := make([]healing.BreakerSource, len(breakers))
	for i, b := range breakers {
		sources[i] = b
	}
	g.health = healing.NewMonitor(sources, cfg.Healing.Interval,
		healing.WithPools(g.pools),
		healing.WithRetryStats(g.engine),
		healing.WithLogger(g.logger),
		healing.WithRecoveryHook(g.onRecovery),
	)
	g.background = append(g.background, g.health.Run, g.pools.Run)

	guard, err := g.initIdempotency()
	if err != nil {
		return err
	}
	if err := g.initRateLimit(); err != nil {
		return err
	}
	if err := g.initAuth(); err != nil {
		return err
	}

	registry := tools.NewRegistry(filters)
	erpTools := tools.NewERP(erp.NewClient(g.adapter), guard,
		tools.WithEventPublisher(g.events),
		tools.WithLogger(g.logger),
	)
	if err := erpTools.Register(registry); err != nil {
		return fmt.Errorf("register tools: %w", err)
	}

	execOpts := []pipeline.Option{
		pipeline.WithRateLimiter(g.policy),
		pipeline.WithAuthorizer(roles.New()),
		pipeline.WithAuditSink(storesink.Multi{logsink.New(g.logger), storesink.New(g.storage)}),
		pipeline.WithAnonymousRoles(cfg.Auth.AnonymousRoles...),
		pipeline.WithLogger(g.logger),
		pipeline.WithObserver(g.metrics.ObserveTool),
		pipeline.WithRateLimitHook(server.RecordRateLimit),
		pipeline.WithConfig(pipeline.Config{
			MaxPayloadBytes:  cfg.Audit.MaxPayloadBytes,
			BatchConcurrency: cfg.Batch.MaxConcurrency,
			MaxBatchCalls:    cfg.Batch.MaxCalls,
		}),
	}
	if g.auth != nil {
		execOpts = append(execOpts, pipeline.WithAuthProvider(g.auth))
	}
	g.executor = pipeline.NewExecutor(registry, execOpts...)
	if err := pipeline.RegisterBatch(g.executor); err != nil {
		return fmt.Errorf("register batch tool: %w", err)
	}

	g.dispatcher = mcp.NewDispatcher(g.executor,
		mcp.WithLogger(g.logger),
		mcp.WithServerInfo(ServiceName, Version),
	)

	g.server = server.New(server.Config{
		Port:           cfg.Server.Port,
		RequestTimeout: cfg.Server.RequestTimeout,
		CORSOrigins:    cfg.Server.CORSOrigins,
	}, server.Deps{
		Pipeline:   g.executor,
		Dispatcher: g.dispatcher,
		Health:     g.health,
		Webhooks:   g.webhooks,
		Auth:       g.auth,
		Metrics:    g.registry,
	}, g.logger)

	g.logger.Info("gateway initialized",
		slog.Int("tools", registry.Len()),
		slog.String("erp_backend", cfg.ERP.Backend),
		slog.String("transport_mode", cfg.ERP.Transport),
		slog.String("storage", cfg.Storage.Driver),
		slog.String("auth", cfg.Auth.Mode))
	return nil
}

func (g *Gateway) initStorage() error {
	if g.storage == nil {
		switch g.cfg.Storage.Driver {
		case "memory":
			g.storage = memory.New()
		case "", "sqlite":
			store, err := sqlite.NewProvider(g.cfg.Storage.DSN)
			if err != nil {
				return fmt.Errorf("create sqlite storage: %w", err)
			}
			g.storage = store
		case "postgres":
			store, err := sqldb.New(sqldb.Config{Driver: "postgres", DSN: g.cfg.Storage.DSN})
			if err != nil {
				return fmt.Errorf("create postgres storage: %w", err)
			}
			g.storage = store
		default:
			return fmt.Errorf("unknown storage driver %q", g.cfg.Storage.Driver)
		}
	}
	g.closers = append(g.closers, g.storage.Close)
	return nil
}

func (g *Gateway) initConnector() error {
	cfg := g.cfg
	g.pools = healing.NewPoolMonitor(cfg.Healing.PoolFailureThreshold, cfg.Healing.PoolRecoveryInterval,
		healing.WithPoolLogger(g.logger))

	if g.primary == nil {
		switch cfg.ERP.Backend {
		case "", "stub":
			g.primary = stub.New()
		case "live":
			g.primary = aif.New(aif.Config{URL: cfg.ERP.AIF.URL, Timeout: cfg.ERP.AIF.Timeout})
			if cfg.ERP.WCF.Addr != "" {
				alt := wcf.New(wcf.Config{
					Addr:        cfg.ERP.WCF.Addr,
					PoolSize:    cfg.ERP.WCF.PoolSize,
					DialTimeout: cfg.ERP.WCF.DialTimeout,
				}, wcf.WithPoolReporter(g.pools))
				g.pools.Register(alt.PoolName(), alt.Probe)
				g.closers = append(g.closers, alt.Close)
				g.alternate = alt
			}
		default:
			return fmt.Errorf("unknown erp backend %q", cfg.ERP.Backend)
		}
	}

	mode, err := connector.ParseMode(cfg.ERP.Transport)
	if err != nil {
		return err
	}
	g.adapter = connector.NewAdapter(g.primary, g.alternate, mode, circuit.Config{
		FailureThreshold: cfg.ERP.Breaker.FailureThreshold,
		OpenDuration:     cfg.ERP.Breaker.OpenDuration,
		CallTimeout:      cfg.ERP.Breaker.CallTimeout,
	},
		connector.WithLogger(g.logger),
		connector.WithBreakerOptions(circuit.WithStateChange(g.metrics.BreakerStateChanged)),
		connector.WithFallbackHook(g.metrics.Fallback),
	)
	return nil
}

// onRecovery counts the recovery and, once the primary transport's breaker
// closes again, routes traffic back to it.
func (g *Gateway) onRecovery(ev healing.RecoveryEvent) {
	g.metrics.Recovered(ev)
	if ev.Kind == healing.RecoveryBreaker && ev.Name == g.primary.Name() && g.adapter.PrefersAlternate() {
		g.adapter.ResetPreference()
		g.logger.Info("primary transport recovered, preference reset", slog.String("transport", ev.Name))
	}
}

func (g *Gateway) redisClient(rc config.RedisConfig) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
	g.closers = append(g.closers, client.Close)
	return client
}

func (g *Gateway) initIdempotency() (*idempotency.Guard, error) {
	cfg := g.cfg.Idempotency
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if g.idem == nil {
		switch cfg.Backend {
		case "", "memory":
			store := idemmemory.New()
			g.background = append(g.background, func(ctx context.Context) {
				store.Run(ctx, interval, g.logger)
			})
			g.idem = store
		case "redis":
			g.idem = redisstore.New(g.redisClient(cfg.Redis), "erpgw:idem:")
		case "sql":
			store := sqlstore.New(g.storage)
			g.background = append(g.background, func(ctx context.Context) {
				g.sweep(ctx, interval, store)
			})
			g.idem = store
		default:
			return nil, fmt.Errorf("unknown idempotency backend %q", cfg.Backend)
		}
	}
	return idempotency.NewGuard(g.idem, cfg.TTL, g.logger,
		idempotency.WithExecutionTimeout(cfg.ExecutionTimeout)), nil
}

func (g *Gateway) sweep(ctx context.Context, interval time.Duration, store *sqlstore.Store) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.Sweep(ctx)
			if err != nil {
				g.logger.Warn("idempotency sweep failed", slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				g.logger.Debug("expired idempotency records purged", slog.Int64("count", n))
			}
		}
	}
}

func (g *Gateway) initRateLimit() error {
	if g.policy != nil {
		return nil
	}
	cfg := g.cfg.RateLimit
	if !cfg.Enabled {
		g.logger.Info("rate limiting disabled")
		g.policy = basic.NewPolicy()
		return nil
	}

	var err error
	switch cfg.Backend {
	case "", "memory":
		g.policy, err = tokenbucket.NewPolicy(tokenbucket.Config{
			Capacity:      cfg.Capacity,
			Interval:      cfg.Interval,
			MaxIdentities: cfg.MaxIdentities,
		})
	case "redis":
		g.policy, err = redisbucket.NewPolicy(g.redisClient(cfg.Redis), redisbucket.Config{
			Capacity: cfg.Capacity,
			Interval: cfg.Interval,
		})
	default:
		err = fmt.Errorf("unknown rate limit backend %q", cfg.Backend)
	}
	if err != nil {
		return fmt.Errorf("create rate limiter: %w", err)
	}
	return nil
}

func (g *Gateway) initAuth() error {
	if g.auth != nil {
		return nil
	}
	switch g.cfg.Auth.Mode {
	case "", "none":
		g.logger.Info("no auth provider configured, every caller is anonymous")
	case "apikey":
		g.auth = apikey.NewProvider(g.cfg.Auth.APIKeys)
	case "jwt":
		p, err := jwt.NewProvider(g.cfg.Auth.JWT)
		if err != nil {
			return fmt.Errorf("create jwt auth provider: %w", err)
		}
		g.auth = p
	default:
		return fmt.Errorf("unknown auth mode %q", g.cfg.Auth.Mode)
	}
	return nil
}

// Config returns the configuration the gateway was built from.
func (g *Gateway) Config() *config.Config { return g.cfg }

// Executor returns the tool execution pipeline.
func (g *Gateway) Executor() *pipeline.Executor { return g.executor }

// Dispatcher returns the MCP protocol dispatcher.
func (g *Gateway) Dispatcher() *mcp.Dispatcher { return g.dispatcher }

// Health returns the self-healing monitor.
func (g *Gateway) Health() *healing.Monitor { return g.health }

// Webhooks returns the subscription service.
func (g *Gateway) Webhooks() *webhook.Service { return g.webhooks }

// Events returns the event bus.
func (g *Gateway) Events() ports.EventPublisher { return g.events }

// Gatherer returns the metrics registry.
func (g *Gateway) Gatherer() prometheus.Gatherer { return g.registry }

// start launches monitors and the config watcher. It runs once.
func (g *Gateway) start(ctx context.Context) {
	g.startOnce.Do(func() {
		for _, fn := range g.background {
			go fn(ctx)
		}
		g.watchConfig(ctx)
	})
}

// watchConfig reloads API keys when the config file changes. Other settings
// need a restart.
func (g *Gateway) watchConfig(ctx context.Context) {
	if g.source == nil {
		return
	}
	reloader, ok := g.auth.(interface{ ReloadFromConfig(*config.Config) error })
	if !ok {
		return
	}
	err := g.source.Watch(ctx, func(cfg *config.Config) {
		if err := reloader.ReloadFromConfig(cfg); err != nil {
			g.logger.Error("failed to reload auth provider", slog.String("error", err.Error()))
			return
		}
		g.logger.Info("api keys reloaded", slog.Int("keys", len(cfg.Auth.APIKeys)))
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		g.logger.Error("config watch failed", slog.String("error", err.Error()))
	}
}

// Run serves HTTP until ctx is cancelled.
func (g *Gateway) Run(ctx context.Context) error {
	g.start(ctx)
	return g.server.Serve(ctx)
}

// ServeStdio serves the line-oriented MCP stream on r and w until r is
// exhausted or ctx is cancelled. Calls authenticate with auth.stdio_token.
func (g *Gateway) ServeStdio(ctx context.Context, r io.Reader, w io.Writer) error {
	g.start(ctx)
	stream := mcp.NewStreamServer(g.dispatcher, g.cfg.Auth.StdioToken, g.logger)
	return stream.Serve(ctx, r, w)
}

// Close drains event handlers, stops webhook retries and releases storage,
// transports and clients.
func (g *Gateway) Close() error {
	var errs []error
	g.closeOnce.Do(func() {
		// Handlers still running may hand deliveries to the engine.
		if g.events != nil {
			if err := g.events.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if g.engine != nil {
			if err := g.engine.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		for i := len(g.closers) - 1; i >= 0; i-- {
			if err := g.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}
		if g.source != nil {
			if err := g.source.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		g.logger.Info("gateway shutdown complete")
	})
	return errors.Join(errs...)
}
