package core_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"trafficgate/internal/trafficgate/core"
	"trafficgate/internal/trafficgate/observability"
	"trafficgate/internal/trafficgate/store/inmemory"
)

type scriptedInvoker struct {
	fail      map[string]bool
	statusFor map[string]int
	delay     time.Duration
	callsByID map[string]int
}

func newScriptedInvoker() *scriptedInvoker {
	return &scriptedInvoker{
		fail:      map[string]bool{},
		statusFor: map[string]int{},
		callsByID: map[string]int{},
	}
}

func (s *scriptedInvoker) Invoke(ctx context.Context, instance *core.ServiceInstance, _ *core.AdmitRequest) (*core.AdmitResponse, error) {
	s.callsByID[instance.ID]++
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.fail[instance.ID] {
		return nil, errors.New("connection refused")
	}
	status := s.statusFor[instance.ID]
	if status == 0 {
		status = http.StatusOK
	}
	return &core.AdmitResponse{
		StatusCode: status,
		Header:     map[string]string{"Content-Type": "application/json"},
		Body:       []byte(`{"ok":true}`),
	}, nil
}

type pipelineFixture struct {
	pipeline *core.AdmissionPipeline
	quota    *core.QuotaLedger
	registry *core.ServiceRegistry
	breakers *core.BreakerRegistry
	invoker  *scriptedInvoker
	metrics  *observability.InMemoryMetrics
}

func newPipelineFixture(t *testing.T, instanceIDs ...string) *pipelineFixture {
	t.Helper()
	store := inmemory.NewInMemoryCounters()
	metrics := observability.NewInMemoryMetrics()
	quota := core.NewQuotaLedger(store, nil, nil, nil, metrics)
	registry := core.NewServiceRegistry()
	for _, id := range instanceIDs {
		addInstance(t, registry, "api", id, 1, 0)
	}
	router := core.NewRouter(registry, core.StrategyRoundRobin, metrics, nil)
	breakers := core.NewBreakerRegistry(core.NormalizeBreakerOptions(core.BreakerOptions{
		ConsecutiveFailures: 5,
		SlidingWindowSize:   10,
		MinimumCalls:        5,
	}), metrics, nil)
	tracker := core.NewHealthTracker(registry, metrics)
	invoker := newScriptedInvoker()
	pipeline := core.NewAdmissionPipeline(quota, router, breakers, tracker, invoker, core.StaticFallback{}, nil, nil, metrics, time.Second)
	return &pipelineFixture{
		pipeline: pipeline,
		quota:    quota,
		registry: registry,
		breakers: breakers,
		invoker:  invoker,
		metrics:  metrics,
	}
}

func admitReq(user string) *core.AdmitRequest {
	return &core.AdmitRequest{
		UserID:   user,
		Cluster:  "api",
		Endpoint: "/items",
		Method:   http.MethodGet,
	}
}

func assertNoLeakedConnections(t *testing.T, registry *core.ServiceRegistry) {
	t.Helper()
	for _, instance := range registry.AllInstances() {
		if got := instance.ActiveConnections(); got != 0 {
			t.Fatalf("instance %s leaked %d connections", instance.ID, got)
		}
	}
}

func TestPipeline_SuccessfulAdmission(t *testing.T) {
	t.Parallel()

	fx := newPipelineFixture(t, "inst-1")
	resp := fx.pipeline.Handle(context.Background(), admitReq("u1"))

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Instance != "inst-1" {
		t.Fatalf("expected instance attribution, got %q", resp.Instance)
	}
	if resp.RateLimit == nil || !resp.RateLimit.Allowed() {
		t.Fatalf("expected rate limit result attached")
	}
	assertNoLeakedConnections(t, fx.registry)
}

func TestPipeline_RetriesOnceOnAlternateInstance(t *testing.T) {
	t.Parallel()

	fx := newPipelineFixture(t, "bad", "good")
	fx.invoker.fail["bad"] = true

	resp := fx.pipeline.Handle(context.Background(), admitReq("u2"))

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected retry to succeed, got %d", resp.StatusCode)
	}
	if resp.Instance != "good" {
		t.Fatalf("expected alternate instance, got %q", resp.Instance)
	}
	if fx.invoker.callsByID["bad"] != 1 {
		t.Fatalf("expected exactly one attempt on the failed instance, got %d", fx.invoker.callsByID["bad"])
	}
	assertNoLeakedConnections(t, fx.registry)
}

func TestPipeline_FallbackAfterRetryExhausted(t *testing.T) {
	t.Parallel()

	fx := newPipelineFixture(t, "bad-1", "bad-2")
	fx.invoker.fail["bad-1"] = true
	fx.invoker.fail["bad-2"] = true

	resp := fx.pipeline.Handle(context.Background(), admitReq("u3"))

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 fallback, got %d", resp.StatusCode)
	}
	if !resp.Fallback {
		t.Fatalf("expected fallback flag")
	}
	if resp.ErrorCode != core.CodeDownstreamFailure {
		t.Fatalf("expected downstream failure code, got %v", resp.ErrorCode)
	}
	if resp.Header["Retry-After"] == "" {
		t.Fatalf("expected Retry-After on fallback response")
	}
	total := fx.invoker.callsByID["bad-1"] + fx.invoker.callsByID["bad-2"]
	if total != 2 {
		t.Fatalf("expected exactly two attempts, got %d", total)
	}
	assertNoLeakedConnections(t, fx.registry)
}

func TestPipeline_CircuitOpenShortCircuits(t *testing.T) {
	t.Parallel()

	fx := newPipelineFixture(t, "only")
	if err := fx.breakers.Force("api/only", core.StateOpen); err != nil {
		t.Fatalf("force failed: %v", err)
	}

	resp := fx.pipeline.Handle(context.Background(), admitReq("u4"))

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 for open circuit, got %d", resp.StatusCode)
	}
	if resp.ErrorCode != core.CodeCircuitOpen {
		t.Fatalf("expected circuit open code, got %v", resp.ErrorCode)
	}
	if fx.invoker.callsByID["only"] != 0 {
		t.Fatalf("expected no downstream call through an open circuit")
	}
	assertNoLeakedConnections(t, fx.registry)
}

func TestPipeline_QuotaDenialIsTerminal(t *testing.T) {
	t.Parallel()

	fx := newPipelineFixture(t, "inst-1")
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		fx.pipeline.Handle(ctx, admitReq("u5"))
	}
	resp := fx.pipeline.Handle(ctx, admitReq("u5"))

	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
	if resp.ErrorCode != core.CodeQuotaExceeded {
		t.Fatalf("expected quota exceeded code, got %v", resp.ErrorCode)
	}
	if resp.Header["Retry-After"] == "" {
		t.Fatalf("expected Retry-After header")
	}
	if resp.Header["X-RateLimit-Remaining"] != "0" {
		t.Fatalf("expected zero remaining, got %q", resp.Header["X-RateLimit-Remaining"])
	}
	if fx.invoker.callsByID["inst-1"] != 10 {
		t.Fatalf("expected denial to skip routing, got %d calls", fx.invoker.callsByID["inst-1"])
	}
	assertNoLeakedConnections(t, fx.registry)
}

func TestPipeline_RejectsInvalidRequest(t *testing.T) {
	t.Parallel()

	fx := newPipelineFixture(t, "inst-1")

	resp := fx.pipeline.Handle(context.Background(), &core.AdmitRequest{UserID: "u6", Endpoint: "/x"})
	if resp.StatusCode != http.StatusBadRequest || resp.ErrorCode != core.CodeInvalidInput {
		t.Fatalf("expected 400 invalid input, got %d %v", resp.StatusCode, resp.ErrorCode)
	}
}

func TestPipeline_TimeoutCountsAsFailure(t *testing.T) {
	t.Parallel()

	fx := newPipelineFixture(t, "slow")
	fx.invoker.delay = 5 * time.Second

	resp := fx.pipeline.Handle(context.Background(), admitReq("u7"))

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 after timeout, got %d", resp.StatusCode)
	}
	instance, err := fx.registry.Get("api", "slow")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if instance.FailureCount() == 0 {
		t.Fatalf("expected timeout recorded as failure")
	}
	assertNoLeakedConnections(t, fx.registry)
}

type panickingInvoker struct{}

func (panickingInvoker) Invoke(context.Context, *core.ServiceInstance, *core.AdmitRequest) (*core.AdmitResponse, error) {
	panic("downstream client blew up")
}

func TestPipeline_PanickingInvokerReleasesConnection(t *testing.T) {
	t.Parallel()

	store := inmemory.NewInMemoryCounters()
	quota := core.NewQuotaLedger(store, nil, nil, nil, nil)
	registry := core.NewServiceRegistry()
	addInstance(t, registry, "api", "inst-1", 1, 0)
	router := core.NewRouter(registry, core.StrategyRoundRobin, nil, nil)
	breakers := core.NewBreakerRegistry(core.NormalizeBreakerOptions(core.BreakerOptions{}), nil, nil)
	tracker := core.NewHealthTracker(registry, nil)
	pipeline := core.NewAdmissionPipeline(quota, router, breakers, tracker, panickingInvoker{}, core.StaticFallback{}, nil, nil, nil, time.Second)

	func() {
		defer func() {
			if recover() == nil {
				t.Fatalf("expected the invoker panic to propagate")
			}
		}()
		pipeline.Handle(context.Background(), admitReq("u9"))
	}()

	assertNoLeakedConnections(t, registry)
}

func TestPipeline_ServerErrorTripsBreaker(t *testing.T) {
	t.Parallel()

	fx := newPipelineFixture(t, "flaky")
	fx.invoker.statusFor["flaky"] = http.StatusInternalServerError

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		fx.pipeline.Handle(ctx, admitReq("u8"))
	}

	status, err := fx.breakers.Status("api/flaky")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if status.State != core.StateOpen {
		t.Fatalf("expected breaker OPEN after repeated 5xx, got %v", status.State)
	}
	assertNoLeakedConnections(t, fx.registry)
}
