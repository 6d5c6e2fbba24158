package app_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trafficgate/internal/trafficgate/app"
	"trafficgate/internal/trafficgate/config"
	"trafficgate/internal/trafficgate/core"
	"trafficgate/internal/trafficgate/observability"
	"trafficgate/internal/trafficgate/probe"
)

func baseConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.HTTPListenAddr = "127.0.0.1:0"
	cfg.Metrics = observability.NewInMemoryMetrics()
	cfg.Logger = observability.NopLogger{}
	return cfg
}

func TestNewApplication_Validation(t *testing.T) {
	t.Parallel()

	_, err := app.NewApplication(nil)
	assert.Error(t, err)

	cfg := baseConfig()
	cfg.HTTPListenAddr = ""
	_, err = app.NewApplication(cfg)
	assert.Error(t, err)

	cfg = baseConfig()
	cfg.EnableAuth = true
	_, err = app.NewApplication(cfg)
	assert.Error(t, err, "auth without a token must be rejected")

	cfg = baseConfig()
	cfg.Strategy = "bogus"
	_, err = app.NewApplication(cfg)
	assert.Error(t, err)

	cfg = baseConfig()
	cfg.Tiers = []config.TierConfig{{Name: "GOLD"}}
	_, err = app.NewApplication(cfg)
	assert.Error(t, err, "unknown tier names must be rejected")
}

func TestNewApplication_WiresClustersFromConfig(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.Clusters = []config.ClusterConfig{
		{
			Name:     "payments",
			Strategy: "priority",
			Instances: []config.InstanceConfig{
				{ID: "pay-1", Host: "10.0.0.5", Port: 8443, Scheme: "https", Weight: 3, Priority: 1},
				{ID: "pay-2", Host: "10.0.0.6", Port: 8443, Scheme: "https", Weight: 1, Priority: 2},
			},
		},
	}
	cfg.Tiers = []config.TierConfig{{Name: "FREE", RequestsPerMinute: 20, BurstCapacity: 20}}

	application, err := app.NewApplication(cfg)
	require.NoError(t, err)

	instances := application.Registry.Instances("payments")
	require.Len(t, instances, 2)
	assert.Equal(t, "pay-1", instances[0].ID)
	assert.Equal(t, "https://10.0.0.5:8443", instances[0].Address())
	assert.Equal(t, core.StrategyPriority, application.Router.StrategyFor("payments"))
}

func TestApplication_StartAndShutdown(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.DrainTimeout = time.Second

	application, err := app.NewApplication(cfg)
	require.NoError(t, err)
	assert.False(t, application.Ready())

	require.NoError(t, application.Start(context.Background()))
	assert.True(t, application.Ready())

	// Give the listener goroutine a moment before requesting shutdown.
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, application.Shutdown(ctx))
	assert.False(t, application.Ready())
}

func TestApplication_DefaultsDependencies(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	application, err := app.NewApplication(cfg)
	require.NoError(t, err)

	assert.NotNil(t, cfg.Store)
	assert.NotNil(t, cfg.Prober)
	// The default prober must pick the probe protocol per instance scheme.
	assert.IsType(t, &probe.SchemeProber{}, cfg.Prober)
	assert.NotNil(t, cfg.Invoker)
	assert.NotNil(t, cfg.Fallback)
	assert.NotNil(t, cfg.Sink)
	assert.NotNil(t, cfg.Logger)
	assert.NotNil(t, application.Pipeline)
	assert.NotNil(t, application.HealthLoop)
}
