// Package config provides configuration loading.
package config

import (
	"errors"
	"flag"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadOptions controls config loading.
type LoadOptions struct {
	ConfigPath string
	Args       []string
	Environ    []string
}

// LoadConfig loads configuration from defaults, file, env, and flags, in
// ascending precedence.
func LoadConfig(opts LoadOptions) (*Config, error) {
	args := opts.Args
	if args == nil {
		args = os.Args[1:]
	}
	environ := opts.Environ
	if environ == nil {
		environ = os.Environ()
	}

	flagOverrides, err := parseFlagOverrides(args)
	if err != nil {
		return nil, err
	}

	configPath := opts.ConfigPath
	if flagOverrides.ConfigPath != nil {
		configPath = *flagOverrides.ConfigPath
	}

	cfg := DefaultConfig()
	if configPath != "" {
		if err := applyConfigFile(cfg, configPath); err != nil {
			return nil, err
		}
	}
	if err := applyEnvOverrides(cfg, environ); err != nil {
		return nil, err
	}
	applyFlagOverrides(cfg, flagOverrides)
	return cfg, nil
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		HTTPListenAddr:   ":8080",
		HTTPReadTimeout:  5 * time.Second,
		HTTPWriteTimeout: 15 * time.Second,
		HTTPIdleTimeout:  60 * time.Second,

		Strategy:            "round-robin",
		HealthCheckInterval: 10 * time.Second,
		HealthCheckTimeout:  2 * time.Second,
		CallTimeout:         10 * time.Second,
		DrainTimeout:        5 * time.Second,

		Breaker: BreakerConfig{
			SlidingWindowSize:    10,
			MinimumNumberOfCalls: 10,
			FailureRateThreshold: 0.5,
			TimeoutSeconds:       30,
			HalfOpenMaxCalls:     3,
		},

		EventBufferSize:  1024,
		MetricsNamespace: "trafficgate",
	}
}

type configFile struct {
	HTTPListenAddr *string `yaml:"httpListenAddr"`

	Strategy            *string        `yaml:"strategy"`
	HealthCheckInterval *durationValue `yaml:"healthCheckInterval"`
	HealthCheckTimeout  *durationValue `yaml:"healthCheckTimeout"`
	CallTimeout         *durationValue `yaml:"callTimeout"`
	DrainTimeout        *durationValue `yaml:"drainTimeout"`

	Breaker  *BreakerConfig  `yaml:"breaker"`
	Clusters []ClusterConfig `yaml:"clusters"`
	Tiers    []TierConfig    `yaml:"tiers"`

	EventBufferSize  *int    `yaml:"eventBufferSize"`
	MetricsNamespace *string `yaml:"metricsNamespace"`

	EnableAuth *bool   `yaml:"enableAuth"`
	AdminToken *string `yaml:"adminToken"`
}

type durationValue time.Duration

// UnmarshalYAML accepts either a duration string or integer milliseconds.
func (d *durationValue) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err == nil {
		parsed, perr := time.ParseDuration(raw)
		if perr != nil {
			return perr
		}
		*d = durationValue(parsed)
		return nil
	}
	var millis int64
	if err := node.Decode(&millis); err != nil {
		return errors.New("invalid duration value")
	}
	*d = durationValue(time.Duration(millis) * time.Millisecond)
	return nil
}

func applyConfigFile(cfg *Config, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		return err
	}
	var overrides configFile
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return err
	}

	if overrides.HTTPListenAddr != nil {
		cfg.HTTPListenAddr = *overrides.HTTPListenAddr
	}
	if overrides.Strategy != nil {
		cfg.Strategy = *overrides.Strategy
	}
	if overrides.HealthCheckInterval != nil {
		cfg.HealthCheckInterval = time.Duration(*overrides.HealthCheckInterval)
	}
	if overrides.HealthCheckTimeout != nil {
		cfg.HealthCheckTimeout = time.Duration(*overrides.HealthCheckTimeout)
	}
	if overrides.CallTimeout != nil {
		cfg.CallTimeout = time.Duration(*overrides.CallTimeout)
	}
	if overrides.DrainTimeout != nil {
		cfg.DrainTimeout = time.Duration(*overrides.DrainTimeout)
	}
	if overrides.Breaker != nil {
		cfg.Breaker = *overrides.Breaker
	}
	if overrides.Clusters != nil {
		cfg.Clusters = overrides.Clusters
	}
	if overrides.Tiers != nil {
		cfg.Tiers = overrides.Tiers
	}
	if overrides.EventBufferSize != nil {
		cfg.EventBufferSize = *overrides.EventBufferSize
	}
	if overrides.MetricsNamespace != nil {
		cfg.MetricsNamespace = *overrides.MetricsNamespace
	}
	if overrides.EnableAuth != nil {
		cfg.EnableAuth = *overrides.EnableAuth
	}
	if overrides.AdminToken != nil {
		cfg.AdminToken = *overrides.AdminToken
	}
	return nil
}

type flagOverrides struct {
	ConfigPath          *string
	HTTPListenAddr      *string
	Strategy            *string
	HealthCheckInterval *time.Duration
	HealthCheckTimeout  *time.Duration
	CallTimeout         *time.Duration
	EnableAuth          *bool
	AdminToken          *string
}

func parseFlagOverrides(args []string) (flagOverrides, error) {
	fs := flag.NewFlagSet("trafficgate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "config file path")
	httpAddr := fs.String("http_addr", "", "http listen address")
	strategy := fs.String("strategy", "", "default load balancing strategy")
	healthInterval := fs.Duration("health_interval", 0, "health check interval")
	healthTimeout := fs.Duration("health_timeout", 0, "health check timeout")
	callTimeout := fs.Duration("call_timeout", 0, "downstream call timeout")
	enableAuth := fs.Bool("enable_auth", false, "enable admin auth")
	adminToken := fs.String("admin_token", "", "admin token")

	if err := fs.Parse(args); err != nil {
		return flagOverrides{}, err
	}

	overrides := flagOverrides{}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "config":
			overrides.ConfigPath = configPath
		case "http_addr":
			overrides.HTTPListenAddr = httpAddr
		case "strategy":
			overrides.Strategy = strategy
		case "health_interval":
			overrides.HealthCheckInterval = healthInterval
		case "health_timeout":
			overrides.HealthCheckTimeout = healthTimeout
		case "call_timeout":
			overrides.CallTimeout = callTimeout
		case "enable_auth":
			overrides.EnableAuth = enableAuth
		case "admin_token":
			overrides.AdminToken = adminToken
		}
	})
	return overrides, nil
}

func applyFlagOverrides(cfg *Config, overrides flagOverrides) {
	if overrides.HTTPListenAddr != nil {
		cfg.HTTPListenAddr = *overrides.HTTPListenAddr
	}
	if overrides.Strategy != nil {
		cfg.Strategy = *overrides.Strategy
	}
	if overrides.HealthCheckInterval != nil {
		cfg.HealthCheckInterval = *overrides.HealthCheckInterval
	}
	if overrides.HealthCheckTimeout != nil {
		cfg.HealthCheckTimeout = *overrides.HealthCheckTimeout
	}
	if overrides.CallTimeout != nil {
		cfg.CallTimeout = *overrides.CallTimeout
	}
	if overrides.EnableAuth != nil {
		cfg.EnableAuth = *overrides.EnableAuth
	}
	if overrides.AdminToken != nil {
		cfg.AdminToken = *overrides.AdminToken
	}
}
