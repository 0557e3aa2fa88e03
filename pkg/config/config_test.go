package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

const validConfig = `
proxy:
  listen_address: "127.0.0.1:8080"
strategy: weighted_round_robin
backends:
  - id: 1
    name: backend-1
    address: "127.0.0.1:9001"
    weight: 5
  - id: 2
    address: "127.0.0.1:9002"
health:
  interval_ms: 5000
  timeout_ms: 1000
metrics:
  interval_ms: 5000
  timeout_ms: 1000
`

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	if cfg.Strategy != StrategyWeightedRoundRobin {
		t.Errorf("Expected weighted_round_robin, got %s", cfg.Strategy)
	}
	if len(cfg.Backends) != 2 {
		t.Fatalf("Expected 2 backends, got %d", len(cfg.Backends))
	}
	if cfg.Backends[0].Weight != 5 {
		t.Errorf("Expected weight 5, got %d", cfg.Backends[0].Weight)
	}
	// Unset weight defaults to 1.
	if cfg.Backends[1].Weight != 1 {
		t.Errorf("Expected default weight 1, got %d", cfg.Backends[1].Weight)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
backends:
  - id: 1
    address: "127.0.0.1:9001"
`))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Strategy != StrategyRoundRobin {
		t.Errorf("Expected default strategy round_robin, got %s", cfg.Strategy)
	}
	if cfg.Proxy.ListenAddress == "" {
		t.Error("Expected default listen address")
	}
	if cfg.Runtime.DrainTimeoutMillis <= 0 {
		t.Error("Expected default drain timeout")
	}
	if cfg.Health.IntervalMS <= 0 || cfg.Health.TimeoutMS <= 0 {
		t.Error("Expected default health settings")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Defaults should validate: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "backends: ["))
	var cfgErr *Error
	if !errors.As(err, &cfgErr) {
		t.Errorf("Expected a config error, got %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"duplicate id", func(c *Config) {
			c.Backends = append(c.Backends, BackendConfig{ID: 1, Address: "127.0.0.1:9009", Weight: 1})
		}},
		{"unknown strategy", func(c *Config) { c.Strategy = "best_effort" }},
		{"no backends", func(c *Config) { c.Backends = nil }},
		{"bad backend address", func(c *Config) { c.Backends[0].Address = "not-an-address" }},
		{"bad backend port", func(c *Config) { c.Backends[0].Address = "127.0.0.1:99999" }},
		{"bad listen address", func(c *Config) { c.Proxy.ListenAddress = "9001" }},
		{"negative max connections", func(c *Config) { c.Proxy.MaxConnections = -1 }},
		{"non-positive health interval", func(c *Config) { c.Health.IntervalMS = -5 }},
		{"non-positive drain timeout", func(c *Config) { c.Runtime.DrainTimeoutMillis = -1 }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, validConfig))
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			tc.mutate(cfg)

			err = cfg.Validate()
			var cfgErr *Error
			if !errors.As(err, &cfgErr) {
				t.Errorf("Expected a config error, got %v", err)
			}
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.HealthInterval().Milliseconds() != int64(cfg.Health.IntervalMS) {
		t.Errorf("HealthInterval mismatch: %v vs %d", cfg.HealthInterval(), cfg.Health.IntervalMS)
	}
	if cfg.DrainTimeout().Milliseconds() != int64(cfg.Runtime.DrainTimeoutMillis) {
		t.Errorf("DrainTimeout mismatch: %v vs %d", cfg.DrainTimeout(), cfg.Runtime.DrainTimeoutMillis)
	}
}
