// Package app wires application dependencies.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trafficgate/internal/trafficgate/config"
	"trafficgate/internal/trafficgate/core"
	"trafficgate/internal/trafficgate/observability"
	"trafficgate/internal/trafficgate/probe"
	"trafficgate/internal/trafficgate/store/inmemory"
	httptransport "trafficgate/internal/trafficgate/transport/http"
)

// Application holds core components for the service.
type Application struct {
	Config     *config.Config
	Quota      *core.QuotaLedger
	Registry   *core.ServiceRegistry
	Router     *core.Router
	Breakers   *core.BreakerRegistry
	Tracker    *core.HealthTracker
	HealthLoop *core.HealthCheckLoop
	Pipeline   *core.AdmissionPipeline
	Sink       *core.AsyncSink

	ready         atomic.Bool
	httpTransport *httptransport.HTTPTransport
	grpcProber    *probe.GRPCProber
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	drainTimeout  time.Duration
	logger        observability.Logger
}

// NewApplication validates configuration and prepares the application.
func NewApplication(cfg *config.Config) (*Application, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if cfg.HTTPListenAddr == "" {
		return nil, errors.New("http listen address is required")
	}
	if cfg.EnableAuth && cfg.AdminToken == "" {
		return nil, errors.New("admin token is required")
	}
	if cfg.HTTPReadTimeout < 0 || cfg.HTTPWriteTimeout < 0 || cfg.HTTPIdleTimeout < 0 {
		return nil, errors.New("http timeouts must be positive")
	}
	if cfg.HealthCheckInterval < 0 {
		return nil, errors.New("health check interval must be positive")
	}
	if cfg.CallTimeout < 0 {
		return nil, errors.New("call timeout must be positive")
	}
	if cfg.DrainTimeout < 0 {
		return nil, errors.New("drain timeout must be positive")
	}
	if cfg.HTTPReadTimeout == 0 {
		cfg.HTTPReadTimeout = 5 * time.Second
	}
	if cfg.HTTPWriteTimeout == 0 {
		cfg.HTTPWriteTimeout = 15 * time.Second
	}
	if cfg.HTTPIdleTimeout == 0 {
		cfg.HTTPIdleTimeout = 60 * time.Second
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = 10 * time.Second
	}
	if cfg.HealthCheckTimeout == 0 {
		cfg.HealthCheckTimeout = 2 * time.Second
	}
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = 5 * time.Second
	}
	if cfg.EventBufferSize <= 0 {
		cfg.EventBufferSize = 1024
	}
	if cfg.MetricsNamespace == "" {
		cfg.MetricsNamespace = "trafficgate"
	}
	if cfg.Strategy == "" {
		cfg.Strategy = string(core.StrategyRoundRobin)
	}

	defaultStrategy, err := core.ParseStrategy(cfg.Strategy)
	if err != nil {
		return nil, err
	}

	if cfg.Logger == nil {
		zl, err := observability.NewZapLogger()
		if err != nil {
			return nil, err
		}
		cfg.Logger = zl
	}

	var metricsHandler http.Handler
	if cfg.Metrics == nil {
		prom := observability.NewPromMetrics(cfg.MetricsNamespace)
		cfg.Metrics = prom
		metricsHandler = promhttp.HandlerFor(prom.Registry(), promhttp.HandlerOpts{})
	} else if prom, ok := cfg.Metrics.(*observability.PromMetrics); ok {
		metricsHandler = promhttp.HandlerFor(prom.Registry(), promhttp.HandlerOpts{})
	}

	var sink *core.AsyncSink
	if cfg.Sink == nil {
		sink = core.NewLoggingSink(cfg.Logger, cfg.Metrics, cfg.EventBufferSize)
		cfg.Sink = sink
	}

	if cfg.Store == nil {
		cfg.Store = inmemory.NewInMemoryCounters()
	}
	var grpcProber *probe.GRPCProber
	if cfg.Prober == nil {
		// Instances declare their scheme; probe each over its own protocol.
		grpcProber = probe.NewGRPCProber(cfg.HealthCheckTimeout, "")
		cfg.Prober = probe.NewSchemeProber(probe.NewHTTPProber(cfg.HealthCheckTimeout, ""), grpcProber)
	}
	if cfg.Invoker == nil {
		cfg.Invoker = httptransport.NewHTTPInvoker(nil)
	}
	if cfg.Fallback == nil {
		cfg.Fallback = core.StaticFallback{}
	}

	table, err := tierTable(cfg.Tiers)
	if err != nil {
		return nil, err
	}

	quota := core.NewQuotaLedger(cfg.Store, core.NewLocalLedger(0), table, cfg.Logger, cfg.Metrics)
	registry := core.NewServiceRegistry()
	router := core.NewRouter(registry, defaultStrategy, cfg.Metrics, cfg.Sink)
	breakers := core.NewBreakerRegistry(cfg.Breaker.BreakerOptions(), cfg.Metrics, cfg.Sink)
	tracker := core.NewHealthTracker(registry, cfg.Metrics)
	healthLoop := core.NewHealthCheckLoop(registry, tracker, cfg.Prober, cfg.HealthCheckInterval, cfg.HealthCheckTimeout, cfg.Logger, cfg.Metrics)
	pipeline := core.NewAdmissionPipeline(quota, router, breakers, tracker, cfg.Invoker, cfg.Fallback, cfg.Sink, cfg.Logger, cfg.Metrics, cfg.CallTimeout)

	if err := registerClusters(cfg, registry, router); err != nil {
		return nil, err
	}

	app := &Application{
		Config:       cfg,
		Quota:        quota,
		Registry:     registry,
		Router:       router,
		Breakers:     breakers,
		Tracker:      tracker,
		HealthLoop:   healthLoop,
		Pipeline:     pipeline,
		Sink:         sink,
		grpcProber:   grpcProber,
		drainTimeout: cfg.DrainTimeout,
		logger:       cfg.Logger,
	}

	transport := httptransport.NewHTTPTransport(cfg.HTTPListenAddr, app.Ready)
	if err := transport.ServeAdmission(pipeline); err != nil {
		return nil, err
	}
	if err := transport.ServeOperator(quota, registry, router, breakers, tracker, healthLoop); err != nil {
		return nil, err
	}
	transport.Configure(httptransport.HTTPTransportConfig{
		ReadTimeout:    cfg.HTTPReadTimeout,
		WriteTimeout:   cfg.HTTPWriteTimeout,
		IdleTimeout:    cfg.HTTPIdleTimeout,
		MaxBodyBytes:   cfg.MaxBodyBytes,
		EnableAuth:     cfg.EnableAuth,
		AdminToken:     cfg.AdminToken,
		Logger:         cfg.Logger,
		MetricsHandler: metricsHandler,
	})
	app.httpTransport = transport

	return app, nil
}

// Start begins background work for the application.
func (app *Application) Start(ctx context.Context) error {
	if app == nil {
		return errors.New("application is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	app.cancel = cancel

	if app.Sink != nil {
		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			_ = app.Sink.Start(ctx)
		}()
	}
	if app.HealthLoop != nil {
		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			_ = app.HealthLoop.Start(ctx)
		}()
	}
	if app.httpTransport != nil {
		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			_ = app.httpTransport.Start()
		}()
	}

	app.ready.Store(true)
	if app.logger != nil && app.Config != nil {
		app.logger.Info("application started", map[string]any{
			"http_addr": app.Config.HTTPListenAddr,
			"strategy":  app.Config.Strategy,
			"clusters":  len(app.Config.Clusters),
		})
	}
	return nil
}

// Shutdown stops background work, draining in-flight requests first.
func (app *Application) Shutdown(ctx context.Context) error {
	if app == nil {
		return errors.New("application is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	app.ready.Store(false)
	if app.logger != nil {
		app.logger.Info("application shutdown", map[string]any{
			"drain_timeout": app.drainTimeout.String(),
		})
	}

	var drainErr error
	if app.Pipeline != nil {
		drainErr = app.Pipeline.InFlight().Drain(ctx, app.drainTimeout)
	}

	if app.httpTransport != nil {
		_ = app.httpTransport.Shutdown(ctx)
	}
	if app.grpcProber != nil {
		_ = app.grpcProber.Close()
	}
	if app.cancel != nil {
		app.cancel()
	}

	done := make(chan struct{})
	go func() {
		app.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return drainErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready reports whether the application has completed startup.
func (app *Application) Ready() bool {
	if app == nil {
		return false
	}
	return app.ready.Load()
}

func tierTable(overrides []config.TierConfig) (map[core.Tier]core.TierLimits, error) {
	table := core.DefaultTierTable()
	for _, tc := range overrides {
		tier, err := core.ParseTier(tc.Name)
		if err != nil {
			return nil, err
		}
		limits, ok := table[tier]
		if !ok {
			return nil, fmt.Errorf("app: unknown tier %q", tc.Name)
		}
		if tc.DisplayName != "" {
			limits.DisplayName = tc.DisplayName
		}
		if tc.RequestsPerMinute > 0 {
			limits.RequestsPerMinute = tc.RequestsPerMinute
		}
		if tc.BurstCapacity > 0 {
			limits.BurstCapacity = tc.BurstCapacity
		}
		if tc.DailyQuota > 0 {
			limits.DailyQuota = tc.DailyQuota
		}
		if tc.MonthlyQuota > 0 {
			limits.MonthlyQuota = tc.MonthlyQuota
		}
		table[tier] = limits
	}
	return table, nil
}

func registerClusters(cfg *config.Config, registry *core.ServiceRegistry, router *core.Router) error {
	for _, cc := range cfg.Clusters {
		if cc.Name == "" {
			return errors.New("app: cluster name is required")
		}
		for _, ic := range cc.Instances {
			if ic.Host == "" || ic.Port <= 0 {
				return fmt.Errorf("app: cluster %q has an instance without host/port", cc.Name)
			}
			instance := core.NewServiceInstance(ic.ID, ic.Host, ic.Port, ic.Scheme, ic.Weight, ic.Priority, ic.Metadata)
			if err := registry.Register(cc.Name, instance); err != nil {
				return err
			}
		}
		if cc.Strategy != "" {
			strategy, err := core.ParseStrategy(cc.Strategy)
			if err != nil {
				return err
			}
			if err := router.SetClusterStrategy(cc.Name, strategy); err != nil {
				return err
			}
		}
	}
	return nil
}
