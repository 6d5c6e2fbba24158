// Package httptransport serves the admission and operator APIs over HTTP.
package httptransport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"trafficgate/internal/trafficgate/core"
	"trafficgate/internal/trafficgate/observability"
)

// HTTPTransport serves the admission data plane and the operator API.
type HTTPTransport struct {
	addr     string
	srv      *http.Server
	appReady func() bool

	pipeline   *core.AdmissionPipeline
	quota      *core.QuotaLedger
	registry   *core.ServiceRegistry
	router     *core.Router
	breakers   *core.BreakerRegistry
	tracker    *core.HealthTracker
	healthLoop *core.HealthCheckLoop

	mux            http.Handler
	metricsHandler http.Handler
	mu             sync.Mutex

	readTimeout  time.Duration
	writeTimeout time.Duration
	idleTimeout  time.Duration
	maxBodyBytes int64
	enableAuth   bool
	adminToken   string
	logger       observability.Logger
}

// HTTPTransportConfig configures the HTTP transport.
type HTTPTransportConfig struct {
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	MaxBodyBytes   int64
	EnableAuth     bool
	AdminToken     string
	Logger         observability.Logger
	MetricsHandler http.Handler
}

// NewHTTPTransport constructs a transport bound to an address.
func NewHTTPTransport(addr string, ready func() bool) *HTTPTransport {
	if addr == "" {
		addr = ":8080"
	}
	if ready == nil {
		ready = func() bool { return false }
	}
	return &HTTPTransport{addr: addr, appReady: ready}
}

// ServeAdmission registers the admission pipeline.
func (t *HTTPTransport) ServeAdmission(pipeline *core.AdmissionPipeline) error {
	if pipeline == nil {
		return errors.New("admission pipeline is required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pipeline = pipeline
	return nil
}

// ServeOperator registers the components backing the operator API. The
// health loop is optional; without it the config endpoint only updates
// breaker thresholds.
func (t *HTTPTransport) ServeOperator(quota *core.QuotaLedger, registry *core.ServiceRegistry, router *core.Router, breakers *core.BreakerRegistry, tracker *core.HealthTracker, healthLoop *core.HealthCheckLoop) error {
	if quota == nil || registry == nil || router == nil || breakers == nil || tracker == nil {
		return errors.New("all operator components are required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.quota = quota
	t.registry = registry
	t.router = router
	t.breakers = breakers
	t.tracker = tracker
	t.healthLoop = healthLoop
	return nil
}

// Configure applies transport configuration values.
func (t *HTTPTransport) Configure(cfg HTTPTransportConfig) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.readTimeout = cfg.ReadTimeout
	t.writeTimeout = cfg.WriteTimeout
	t.idleTimeout = cfg.IdleTimeout
	if cfg.MaxBodyBytes > 0 {
		t.maxBodyBytes = cfg.MaxBodyBytes
	}
	t.enableAuth = cfg.EnableAuth
	t.adminToken = cfg.AdminToken
	t.logger = cfg.Logger
	t.metricsHandler = cfg.MetricsHandler
}

// Start begins serving HTTP requests. It blocks until the server stops.
func (t *HTTPTransport) Start() error {
	if t == nil {
		return errors.New("http transport is nil")
	}
	handler, err := t.handler()
	if err != nil {
		return err
	}
	t.mu.Lock()
	if t.srv == nil {
		t.srv = &http.Server{
			Addr:         t.addr,
			Handler:      handler,
			ReadTimeout:  t.readTimeout,
			WriteTimeout: t.writeTimeout,
			IdleTimeout:  t.idleTimeout,
		}
	}
	srv := t.srv
	t.mu.Unlock()

	listener, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the HTTP server.
func (t *HTTPTransport) Shutdown(ctx context.Context) error {
	if t == nil {
		return errors.New("http transport is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	t.mu.Lock()
	srv := t.srv
	t.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// Handler returns the HTTP handler for testing.
func (t *HTTPTransport) Handler() (http.Handler, error) {
	return t.handler()
}

func (t *HTTPTransport) handler() (http.Handler, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mux != nil {
		return t.mux, nil
	}
	if t.pipeline == nil || t.quota == nil || t.registry == nil {
		return nil, errors.New("services must be registered before starting")
	}
	mux := http.NewServeMux()
	t.registerRoutes(mux)
	t.mux = mux
	return mux, nil
}
