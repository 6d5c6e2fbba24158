package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const envPrefix = "TRAFFICGATE_"

// applyEnvOverrides applies TRAFFICGATE_* environment variables on top of cfg.
func applyEnvOverrides(cfg *Config, environ []string) error {
	env := envMap(environ)

	if v, ok := env["HTTP_ADDR"]; ok {
		cfg.HTTPListenAddr = v
	}
	if v, ok := env["STRATEGY"]; ok {
		cfg.Strategy = v
	}
	if v, ok := env["HEALTH_INTERVAL"]; ok {
		d, err := parseDurationEnv("HEALTH_INTERVAL", v)
		if err != nil {
			return err
		}
		cfg.HealthCheckInterval = d
	}
	if v, ok := env["HEALTH_TIMEOUT"]; ok {
		d, err := parseDurationEnv("HEALTH_TIMEOUT", v)
		if err != nil {
			return err
		}
		cfg.HealthCheckTimeout = d
	}
	if v, ok := env["CALL_TIMEOUT"]; ok {
		d, err := parseDurationEnv("CALL_TIMEOUT", v)
		if err != nil {
			return err
		}
		cfg.CallTimeout = d
	}
	if v, ok := env["DRAIN_TIMEOUT"]; ok {
		d, err := parseDurationEnv("DRAIN_TIMEOUT", v)
		if err != nil {
			return err
		}
		cfg.DrainTimeout = d
	}
	if v, ok := env["EVENT_BUFFER_SIZE"]; ok {
		n, err := parseIntEnv("EVENT_BUFFER_SIZE", v)
		if err != nil {
			return err
		}
		cfg.EventBufferSize = n
	}
	if v, ok := env["METRICS_NAMESPACE"]; ok {
		cfg.MetricsNamespace = v
	}
	if v, ok := env["ENABLE_AUTH"]; ok {
		b, err := parseBoolEnv("ENABLE_AUTH", v)
		if err != nil {
			return err
		}
		cfg.EnableAuth = b
	}
	if v, ok := env["ADMIN_TOKEN"]; ok {
		cfg.AdminToken = v
	}

	if v, ok := env["BREAKER_WINDOW"]; ok {
		n, err := parseIntEnv("BREAKER_WINDOW", v)
		if err != nil {
			return err
		}
		cfg.Breaker.SlidingWindowSize = n
	}
	if v, ok := env["BREAKER_MIN_CALLS"]; ok {
		n, err := parseIntEnv("BREAKER_MIN_CALLS", v)
		if err != nil {
			return err
		}
		cfg.Breaker.MinimumNumberOfCalls = n
	}
	if v, ok := env["BREAKER_FAILURE_RATE"]; ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: invalid %sBREAKER_FAILURE_RATE %q", envPrefix, v)
		}
		cfg.Breaker.FailureRateThreshold = f
	}
	if v, ok := env["BREAKER_TIMEOUT_SECONDS"]; ok {
		n, err := parseIntEnv("BREAKER_TIMEOUT_SECONDS", v)
		if err != nil {
			return err
		}
		cfg.Breaker.TimeoutSeconds = n
	}
	return nil
}

// envMap collects prefixed variables keyed by their unprefixed names.
func envMap(environ []string) map[string]string {
	out := make(map[string]string)
	for _, entry := range environ {
		if !strings.HasPrefix(entry, envPrefix) {
			continue
		}
		rest := strings.TrimPrefix(entry, envPrefix)
		idx := strings.IndexByte(rest, '=')
		if idx < 0 {
			continue
		}
		out[rest[:idx]] = rest[idx+1:]
	}
	return out
}

func parseIntEnv(name, value string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s%s %q", envPrefix, name, value)
	}
	return n, nil
}

func parseBoolEnv(name, value string) (bool, error) {
	b, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return false, fmt.Errorf("config: invalid %s%s %q", envPrefix, name, value)
	}
	return b, nil
}

func parseDurationEnv(name, value string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s%s %q", envPrefix, name, value)
	}
	return d, nil
}
