// Package observability defines logging and metrics interfaces.
package observability

import "time"

// Logger provides structured logging hooks.
type Logger interface {
	Info(msg string, fields map[string]any)
	Warn(msg string, fields map[string]any)
	Error(msg string, fields map[string]any)
}

// Metrics records service measurements.
type Metrics interface {
	IncQuotaDecision(result string, tier string)
	IncAdmission(outcome string, cluster string)
	ObserveLatency(op string, d time.Duration)
	IncBreakerTransition(name string, from string, to string)
	IncRouteFallback(cluster string)
	IncStoreError(op string)
	IncProbe(result string)
	IncEventDropped()
	SetInstanceHealthy(instance string, healthy bool)
}

// NopLogger discards all log output.
type NopLogger struct{}

// Info discards the message.
func (NopLogger) Info(string, map[string]any) {}

// Warn discards the message.
func (NopLogger) Warn(string, map[string]any) {}

// Error discards the message.
func (NopLogger) Error(string, map[string]any) {}
