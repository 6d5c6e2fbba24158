// Package config provides configuration for the application wiring.
package config

import (
	"time"

	"trafficgate/internal/trafficgate/core"
	"trafficgate/internal/trafficgate/observability"
)

// BreakerConfig carries circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold     int     `yaml:"failureThreshold"`
	SlidingWindowSize    int     `yaml:"slidingWindowSize"`
	MinimumNumberOfCalls int     `yaml:"minimumNumberOfCalls"`
	FailureRateThreshold float64 `yaml:"failureRateThreshold"`
	TimeoutSeconds       int     `yaml:"timeoutSeconds"`
	HalfOpenMaxCalls     int     `yaml:"halfOpenMaxCalls"`
}

// InstanceConfig describes a statically registered instance.
type InstanceConfig struct {
	ID       string            `yaml:"id"`
	Host     string            `yaml:"host"`
	Port     int               `yaml:"port"`
	Scheme   string            `yaml:"scheme"`
	Weight   int               `yaml:"weight"`
	Priority int               `yaml:"priority"`
	Metadata map[string]string `yaml:"metadata"`
}

// ClusterConfig describes a cluster and its strategy override.
type ClusterConfig struct {
	Name      string           `yaml:"name"`
	Strategy  string           `yaml:"strategy"`
	Instances []InstanceConfig `yaml:"instances"`
}

// TierConfig overrides one tier's limits.
type TierConfig struct {
	Name              string `yaml:"name"`
	DisplayName       string `yaml:"displayName"`
	RequestsPerMinute int64  `yaml:"requestsPerMinute"`
	BurstCapacity     int64  `yaml:"burstCapacity"`
	DailyQuota        int64  `yaml:"dailyQuota"`
	MonthlyQuota      int64  `yaml:"monthlyQuota"`
}

// Config captures dependency and runtime settings.
type Config struct {
	HTTPListenAddr   string
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	MaxBodyBytes     int64

	Strategy            string
	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration
	CallTimeout         time.Duration
	DrainTimeout        time.Duration

	Breaker  BreakerConfig
	Clusters []ClusterConfig
	Tiers    []TierConfig

	EventBufferSize  int
	MetricsNamespace string

	EnableAuth bool
	AdminToken string

	// Injected dependencies; nil values are defaulted by the app.
	Store    core.CounterStore
	Prober   core.Prober
	Invoker  core.Invoker
	Fallback core.FallbackResponder
	Sink     core.EventSink
	Logger   observability.Logger
	Metrics  observability.Metrics
}

// BreakerOptions converts the config block to core options.
func (c BreakerConfig) BreakerOptions() core.BreakerOptions {
	return core.NormalizeBreakerOptions(core.BreakerOptions{
		SlidingWindowSize:    c.SlidingWindowSize,
		MinimumCalls:         c.MinimumNumberOfCalls,
		FailureRateThreshold: c.FailureRateThreshold,
		ConsecutiveFailures:  c.FailureThreshold,
		OpenTimeout:          time.Duration(c.TimeoutSeconds) * time.Second,
		HalfOpenMaxCalls:     c.HalfOpenMaxCalls,
	})
}
