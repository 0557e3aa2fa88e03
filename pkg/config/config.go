package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Strategy tags accepted by the "strategy" field.
const (
	StrategyRoundRobin          = "round_robin"
	StrategyLeastConnections    = "least_connections"
	StrategyWeightedRoundRobin  = "weighted_round_robin"
	StrategyFastestResponseTime = "fastest_response_time"
	StrategyAdaptive            = "adaptive"
)

// Config is one immutable configuration snapshot. Snapshots are replaced
// atomically during migration; nothing mutates a snapshot after Load.
type Config struct {
	// Runtime caps and timeouts
	Runtime RuntimeConfig `yaml:"runtime"`

	// Proxy listener settings
	Proxy ProxyConfig `yaml:"proxy"`

	// Strategy selects the load balancing algorithm
	Strategy string `yaml:"strategy"`

	// Backends configuration
	Backends []BackendConfig `yaml:"backends"`

	// Health check configuration
	Health HealthConfig `yaml:"health"`

	// Metrics aggregation configuration
	Metrics MetricsConfig `yaml:"metrics"`

	// Admin surface configuration (optional)
	Admin *AdminConfig `yaml:"admin,omitempty"`

	// Tracing configuration (optional)
	Tracing *TracingConfig `yaml:"tracing,omitempty"`

	// Logging configuration (optional)
	Logging *LoggingConfig `yaml:"logging,omitempty"`
}

// RuntimeConfig carries process-wide caps and timeouts
type RuntimeConfig struct {
	// MetricsCap sizes the broadcast bus buffers
	MetricsCap int `yaml:"metrics_cap"`

	// HealthCap sizes the backend failure channel
	HealthCap int `yaml:"health_cap"`

	// DrainTimeoutMillis bounds how long a draining backend may hold
	// on to in-flight connections
	DrainTimeoutMillis int `yaml:"drain_timeout_millis"`

	// BackgroundTimeoutMillis bounds background task shutdown
	BackgroundTimeoutMillis int `yaml:"background_timeout_millis"`

	// AcceptTimeoutMillis bounds a single accept wait
	AcceptTimeoutMillis int `yaml:"accept_timeout_millis"`

	// ConfigWatchIntervalMillis is the config file poll interval
	ConfigWatchIntervalMillis int `yaml:"config_watch_interval_millis"`
}

// ProxyConfig carries the listener settings
type ProxyConfig struct {
	// ListenAddress in "ip:port" form
	ListenAddress string `yaml:"listen_address"`

	// MaxConnections caps concurrent proxied connections (0 = unlimited)
	MaxConnections int `yaml:"max_connections,omitempty"`
}

// BackendConfig is the immutable metadata of one backend
type BackendConfig struct {
	// ID is the 8-bit backend identifier, unique within a snapshot
	ID uint8 `yaml:"id"`

	// Name is a human-readable label for logging
	Name string `yaml:"name,omitempty"`

	// Address of the backend (host:port)
	Address string `yaml:"address"`

	// Weight for weighted round-robin (default: 1)
	Weight int `yaml:"weight,omitempty"`
}

// HealthConfig carries active health check settings
type HealthConfig struct {
	IntervalMS int `yaml:"interval_ms"`
	TimeoutMS  int `yaml:"timeout_ms"`
}

// MetricsConfig carries metrics aggregation settings
type MetricsConfig struct {
	IntervalMS int `yaml:"interval_ms"`
	TimeoutMS  int `yaml:"timeout_ms"`
}

// AdminConfig carries the admin HTTP server settings
type AdminConfig struct {
	// Listen address for the admin endpoint (e.g., ":9090")
	Listen string `yaml:"listen"`
}

// TracingConfig carries distributed tracing settings
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name"`
	Endpoint    string  `yaml:"endpoint"`
	SampleRate  float64 `yaml:"sample_rate"`
}

// LoggingConfig carries logging settings
type LoggingConfig struct {
	// Level: "debug", "info", "warn", "error"
	Level string `yaml:"level"`
}

// Load reads and parses a configuration snapshot from a YAML file.
// The result has defaults applied but is not yet validated.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &Error{Field: "yaml", Reason: err.Error()}
	}

	cfg.setDefaults()

	return &cfg, nil
}

// setDefaults sets default values for optional configuration
func (c *Config) setDefaults() {
	if c.Runtime.MetricsCap == 0 {
		c.Runtime.MetricsCap = 64
	}
	if c.Runtime.HealthCap == 0 {
		c.Runtime.HealthCap = 64
	}
	if c.Runtime.DrainTimeoutMillis == 0 {
		c.Runtime.DrainTimeoutMillis = 30_000
	}
	if c.Runtime.BackgroundTimeoutMillis == 0 {
		c.Runtime.BackgroundTimeoutMillis = 5_000
	}
	if c.Runtime.AcceptTimeoutMillis == 0 {
		c.Runtime.AcceptTimeoutMillis = 1_000
	}
	if c.Runtime.ConfigWatchIntervalMillis == 0 {
		c.Runtime.ConfigWatchIntervalMillis = 2_000
	}

	if c.Proxy.ListenAddress == "" {
		c.Proxy.ListenAddress = "0.0.0.0:8080"
	}

	if c.Strategy == "" {
		c.Strategy = StrategyRoundRobin
	}

	for i := range c.Backends {
		if c.Backends[i].Weight == 0 {
			c.Backends[i].Weight = 1
		}
	}

	if c.Health.IntervalMS == 0 {
		c.Health.IntervalMS = 10_000
	}
	if c.Health.TimeoutMS == 0 {
		c.Health.TimeoutMS = 3_000
	}

	if c.Metrics.IntervalMS == 0 {
		c.Metrics.IntervalMS = 5_000
	}
	if c.Metrics.TimeoutMS == 0 {
		c.Metrics.TimeoutMS = 3_000
	}

	if c.Logging != nil && c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks the snapshot for internal consistency. A snapshot that
// fails validation must never reach migration.
func (c *Config) Validate() error {
	if err := validateAddress("proxy.listen_address", c.Proxy.ListenAddress); err != nil {
		return err
	}
	if c.Proxy.MaxConnections < 0 {
		return &Error{Field: "proxy.max_connections", Reason: "must not be negative"}
	}

	switch c.Strategy {
	case StrategyRoundRobin, StrategyLeastConnections, StrategyWeightedRoundRobin,
		StrategyFastestResponseTime, StrategyAdaptive:
	default:
		return &Error{Field: "strategy", Reason: fmt.Sprintf("unknown strategy %q", c.Strategy)}
	}

	if len(c.Backends) == 0 {
		return &Error{Field: "backends", Reason: "at least one backend is required"}
	}
	seen := make(map[uint8]bool, len(c.Backends))
	for i, b := range c.Backends {
		field := fmt.Sprintf("backends[%d]", i)
		if seen[b.ID] {
			return &Error{Field: field + ".id", Reason: fmt.Sprintf("duplicate backend id %d", b.ID)}
		}
		seen[b.ID] = true
		if err := validateAddress(field+".address", b.Address); err != nil {
			return err
		}
		if b.Weight < 0 || b.Weight > 255 {
			return &Error{Field: field + ".weight", Reason: "must be in 1..255"}
		}
	}

	for field, v := range map[string]int{
		"runtime.drain_timeout_millis":         c.Runtime.DrainTimeoutMillis,
		"runtime.background_timeout_millis":    c.Runtime.BackgroundTimeoutMillis,
		"runtime.accept_timeout_millis":        c.Runtime.AcceptTimeoutMillis,
		"runtime.config_watch_interval_millis": c.Runtime.ConfigWatchIntervalMillis,
		"health.interval_ms":                   c.Health.IntervalMS,
		"health.timeout_ms":                    c.Health.TimeoutMS,
		"metrics.interval_ms":                  c.Metrics.IntervalMS,
		"metrics.timeout_ms":                   c.Metrics.TimeoutMS,
	} {
		if v <= 0 {
			return &Error{Field: field, Reason: "must be positive"}
		}
	}

	return nil
}

func validateAddress(field, addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return &Error{Field: field, Reason: fmt.Sprintf("unparseable address %q", addr)}
	}
	if host == "" {
		return &Error{Field: field, Reason: "host must not be empty"}
	}
	// Port 0 is allowed: it asks the kernel for an ephemeral port.
	p, err := strconv.Atoi(port)
	if err != nil || p < 0 || p > 65535 {
		return &Error{Field: field, Reason: fmt.Sprintf("invalid port %q", port)}
	}
	return nil
}

// DrainTimeout returns the drain deadline as a duration
func (c *Config) DrainTimeout() time.Duration {
	return time.Duration(c.Runtime.DrainTimeoutMillis) * time.Millisecond
}

// BackgroundTimeout returns the background shutdown grace as a duration
func (c *Config) BackgroundTimeout() time.Duration {
	return time.Duration(c.Runtime.BackgroundTimeoutMillis) * time.Millisecond
}

// AcceptTimeout returns the accept wait bound as a duration
func (c *Config) AcceptTimeout() time.Duration {
	return time.Duration(c.Runtime.AcceptTimeoutMillis) * time.Millisecond
}

// ConfigWatchInterval returns the config poll interval as a duration
func (c *Config) ConfigWatchInterval() time.Duration {
	return time.Duration(c.Runtime.ConfigWatchIntervalMillis) * time.Millisecond
}

// HealthInterval returns the health probe interval as a duration
func (c *Config) HealthInterval() time.Duration {
	return time.Duration(c.Health.IntervalMS) * time.Millisecond
}

// HealthTimeout returns the probe (and backend dial) timeout as a duration
func (c *Config) HealthTimeout() time.Duration {
	return time.Duration(c.Health.TimeoutMS) * time.Millisecond
}

// MetricsInterval returns the aggregation interval as a duration
func (c *Config) MetricsInterval() time.Duration {
	return time.Duration(c.Metrics.IntervalMS) * time.Millisecond
}
