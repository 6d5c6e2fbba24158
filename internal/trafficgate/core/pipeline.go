// Package core provides the admission pipeline.
package core

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"trafficgate/internal/trafficgate/observability"
)

// Invoker executes the downstream call against a selected instance. The
// pipeline never streams bytes itself; the invoker owns the wire protocol.
type Invoker interface {
	Invoke(ctx context.Context, instance *ServiceInstance, req *AdmitRequest) (*AdmitResponse, error)
}

// FallbackResponder supplies a canned degraded-mode response for a service.
type FallbackResponder interface {
	Respond(service string) *AdmitResponse
}

// StaticFallback returns the same degraded response for every service.
type StaticFallback struct {
	RetryAfter time.Duration
}

// Respond builds the canned response.
func (s StaticFallback) Respond(service string) *AdmitResponse {
	retry := s.RetryAfter
	if retry <= 0 {
		retry = 30 * time.Second
	}
	return &AdmitResponse{
		StatusCode: http.StatusServiceUnavailable,
		Header: map[string]string{
			"Content-Type": "application/json",
			"Retry-After":  RetryAfterSeconds(retry),
		},
		Body:     []byte(`{"error":"service temporarily unavailable","service":"` + service + `"}`),
		Fallback: true,
	}
}

// AdmissionPipeline orchestrates quota, routing, breaker, and execution for
// each inbound request.
type AdmissionPipeline struct {
	quota    *QuotaLedger
	router   *Router
	breakers *BreakerRegistry
	tracker  *HealthTracker
	invoker  Invoker
	fallback FallbackResponder
	sink     EventSink
	logger   observability.Logger
	metrics  observability.Metrics
	inflight *InFlight

	callTimeout time.Duration
}

// NewAdmissionPipeline constructs the pipeline.
func NewAdmissionPipeline(quota *QuotaLedger, router *Router, breakers *BreakerRegistry, tracker *HealthTracker, invoker Invoker, fallback FallbackResponder, sink EventSink, logger observability.Logger, metrics observability.Metrics, callTimeout time.Duration) *AdmissionPipeline {
	if fallback == nil {
		fallback = StaticFallback{}
	}
	if logger == nil {
		logger = observability.NopLogger{}
	}
	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}
	return &AdmissionPipeline{
		quota:       quota,
		router:      router,
		breakers:    breakers,
		tracker:     tracker,
		invoker:     invoker,
		fallback:    fallback,
		sink:        sink,
		logger:      logger,
		metrics:     metrics,
		inflight:    NewInFlight(),
		callTimeout: callTimeout,
	}
}

// InFlight exposes the drain tracker for shutdown.
func (p *AdmissionPipeline) InFlight() *InFlight {
	if p == nil {
		return nil
	}
	return p.inflight
}

// Handle runs one request through quota, routing, breaker, and execution.
// Every anticipated condition maps to a response; nothing surfaces as a bare
// internal error.
func (p *AdmissionPipeline) Handle(ctx context.Context, req *AdmitRequest) *AdmitResponse {
	if p == nil || req == nil || req.Cluster == "" || req.Endpoint == "" || req.Identity() == "" {
		return &AdmitResponse{StatusCode: http.StatusBadRequest, ErrorCode: CodeInvalidInput}
	}
	if !p.inflight.Begin() {
		return &AdmitResponse{StatusCode: http.StatusServiceUnavailable, ErrorCode: CodeNoInstanceAvailable}
	}
	defer p.inflight.End()

	start := time.Now()
	defer func() {
		if p.metrics != nil {
			p.metrics.ObserveLatency("admit", time.Since(start))
		}
	}()

	quotaResult, err := p.quota.CheckAndConsume(ctx, req.Identity(), req.Endpoint, req.Method)
	if err != nil {
		return &AdmitResponse{StatusCode: http.StatusBadRequest, ErrorCode: CodeOf(err)}
	}
	if !quotaResult.Allowed() {
		p.emitAdmission(req, "quota_denied", "")
		return quotaDeniedResponse(quotaResult)
	}

	resp, failedInstance := p.attempt(ctx, req, nil)
	if resp != nil {
		p.emitAdmission(req, outcomeLabel(resp), resp.Instance)
		resp.RateLimit = quotaResult
		return resp
	}

	// One retry against a different instance; the failed one is excluded.
	resp, _ = p.attempt(ctx, req, []string{failedInstance})
	if resp == nil {
		resp = p.fallback.Respond(req.Cluster)
		resp.ErrorCode = CodeDownstreamFailure
		p.logger.Warn("request failed after retry", map[string]any{
			"cluster":  req.Cluster,
			"endpoint": req.Endpoint,
		})
	}
	p.emitAdmission(req, outcomeLabel(resp), resp.Instance)
	resp.RateLimit = quotaResult
	return resp
}

// attempt routes and executes once. A nil response with a non-empty instance
// ID signals a retryable downstream failure; terminal conditions return a
// response directly.
func (p *AdmissionPipeline) attempt(ctx context.Context, req *AdmitRequest, exclude []string) (*AdmitResponse, string) {
	decision, err := p.router.Select(req.Cluster, exclude...)
	if err != nil {
		p.logger.Error("no instance available", map[string]any{
			"cluster": req.Cluster,
		})
		return &AdmitResponse{StatusCode: http.StatusServiceUnavailable, ErrorCode: CodeNoInstanceAvailable}, ""
	}
	instance := decision.Instance
	breakerName := breakerNameFor(req.Cluster, instance.ID)

	permit, err := p.breakers.TryAcquire(breakerName)
	if err != nil {
		// The breaker doing its job is not an application error.
		resp := p.fallback.Respond(req.Cluster)
		resp.ErrorCode = CodeCircuitOpen
		resp.Instance = instance.ID
		return resp, ""
	}

	callStart := time.Now()
	resp, callErr := p.invoke(ctx, instance, req)
	latency := time.Since(callStart)

	success := callErr == nil && resp != nil && resp.StatusCode < http.StatusInternalServerError
	p.breakers.Record(breakerName, permit, success, latency)
	if success {
		p.tracker.RecordRequest(instance, latency)
		if p.metrics != nil {
			p.metrics.ObserveLatency("downstream", latency)
		}
		resp.Instance = instance.ID
		resp.Fallback = decision.IsFallback
		return resp, ""
	}
	p.tracker.RecordFailure(instance)
	return nil, instance.ID
}

// invoke executes the downstream call with the connection count and the
// timeout context released by defer, so a panicking invoker cannot leak
// either.
func (p *AdmissionPipeline) invoke(ctx context.Context, instance *ServiceInstance, req *AdmitRequest) (*AdmitResponse, error) {
	instance.IncConnections()
	defer instance.DecConnections()

	callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()

	return p.invoker.Invoke(callCtx, instance, req)
}

func (p *AdmissionPipeline) emitAdmission(req *AdmitRequest, outcome, instance string) {
	if p.metrics != nil {
		p.metrics.IncAdmission(outcome, req.Cluster)
	}
	if p.sink != nil {
		p.sink.Emit(Event{
			Type: EventAdmission,
			Fields: map[string]string{
				"cluster":  req.Cluster,
				"endpoint": req.Endpoint,
				"identity": req.Identity(),
				"outcome":  outcome,
				"instance": instance,
			},
		})
	}
}

func quotaDeniedResponse(result *RateLimitResult) *AdmitResponse {
	header := map[string]string{
		"Content-Type":          "application/json",
		"Retry-After":           RetryAfterSeconds(result.RetryAfter),
		"X-RateLimit-Limit":     formatInt(result.Limit),
		"X-RateLimit-Remaining": formatInt(result.Remaining),
	}
	return &AdmitResponse{
		StatusCode: http.StatusTooManyRequests,
		Header:     header,
		Body:       []byte(`{"error":"rate limit exceeded"}`),
		RateLimit:  result,
		ErrorCode:  CodeQuotaExceeded,
	}
}

func outcomeLabel(resp *AdmitResponse) string {
	if resp == nil {
		return "failed"
	}
	switch resp.ErrorCode {
	case CodeCircuitOpen:
		return "circuit_open"
	case CodeNoInstanceAvailable:
		return "no_instance"
	case CodeDownstreamFailure:
		return "failed"
	case CodeQuotaExceeded:
		return "quota_denied"
	default:
		return "admitted"
	}
}

func breakerNameFor(cluster, instanceID string) string {
	return cluster + "/" + instanceID
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}
