// Package config loads and validates the voicecore configuration file.
//
// The file is strict YAML: unknown keys are rejected so typos fail at
// load time instead of silently falling back to defaults. Every section
// is optional; omitted sections take the package defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opd-ai/voicecore/endpoint"
	"github.com/opd-ai/voicecore/media"
	"github.com/opd-ai/voicecore/pool"
	"github.com/opd-ai/voicecore/quality"
	"github.com/opd-ai/voicecore/recovery"
)

// Backend configures the control-plane API.
type Backend struct {
	// BaseURL is the REST API root, e.g. https://api.example.com.
	BaseURL string `yaml:"base_url"`
	// AuthToken is the bearer token for the API.
	AuthToken string `yaml:"auth_token"`
}

// EndpointEntry is one media endpoint in the failover set.
type EndpointEntry struct {
	ID       string `yaml:"id"`
	URL      string `yaml:"url"`
	Priority int    `yaml:"priority"`
}

// Health configures endpoint health checking.
type Health struct {
	CheckInterval   time.Duration `yaml:"check_interval"`
	ProbeTimeout    time.Duration `yaml:"probe_timeout"`
	DegradedLatency time.Duration `yaml:"degraded_latency"`
	OfflineLatency  time.Duration `yaml:"offline_latency"`
	ProbeRetries    int           `yaml:"probe_retries"`
}

// Pool configures the connection pool.
type Pool struct {
	MaxConnections int           `yaml:"max_connections"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	ShareResources *bool         `yaml:"share_resources"`
}

// Recovery configures reconnection backoff.
type Recovery struct {
	MaxRetries     int           `yaml:"max_retries"`
	BaseDelay      time.Duration `yaml:"base_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	Multiplier     float64       `yaml:"multiplier"`
	JitterMax      time.Duration `yaml:"jitter_max"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

// Media configures the stream resource tracker.
type Media struct {
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	InactivityTimeout  time.Duration `yaml:"inactivity_timeout"`
	MaxHandles         int           `yaml:"max_handles"`
	MemoryCeilingBytes uint64        `yaml:"memory_ceiling_bytes"`
}

// Snapshot configures persisted session state.
type Snapshot struct {
	// Path is the encrypted snapshot file. Empty disables persistence.
	Path string `yaml:"path"`
	// Passphrase keys the snapshot encryption.
	Passphrase string        `yaml:"passphrase"`
	Interval   time.Duration `yaml:"interval"`
}

// Config is the root configuration.
type Config struct {
	Backend   Backend         `yaml:"backend"`
	Endpoints []EndpointEntry `yaml:"endpoints"`
	Health    Health          `yaml:"health"`
	Pool      Pool            `yaml:"pool"`
	Recovery  Recovery        `yaml:"recovery"`
	Media     Media           `yaml:"media"`
	Snapshot  Snapshot        `yaml:"snapshot"`
}

// Load reads and validates the configuration at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks the configuration, collecting every problem rather
// than stopping at the first.
func (c *Config) Validate() error {
	var errs []error

	if c.Backend.BaseURL == "" {
		errs = append(errs, errors.New("backend.base_url is required"))
	}
	if len(c.Endpoints) == 0 {
		errs = append(errs, errors.New("at least one endpoint is required"))
	}
	seen := make(map[string]bool, len(c.Endpoints))
	for i, ep := range c.Endpoints {
		if ep.ID == "" {
			errs = append(errs, fmt.Errorf("endpoints[%d].id is required", i))
		}
		if ep.URL == "" {
			errs = append(errs, fmt.Errorf("endpoints[%d].url is required", i))
		}
		if seen[ep.ID] {
			errs = append(errs, fmt.Errorf("duplicate endpoint id %q", ep.ID))
		}
		seen[ep.ID] = true
	}
	if c.Pool.MaxConnections < 0 {
		errs = append(errs, errors.New("pool.max_connections must not be negative"))
	}
	if c.Recovery.MaxRetries < 0 {
		errs = append(errs, errors.New("recovery.max_retries must not be negative"))
	}
	if c.Recovery.Multiplier != 0 && c.Recovery.Multiplier < 1 {
		errs = append(errs, errors.New("recovery.multiplier must be at least 1"))
	}
	if c.Snapshot.Path != "" && c.Snapshot.Passphrase == "" {
		errs = append(errs, errors.New("snapshot.passphrase is required when snapshot.path is set"))
	}

	return errors.Join(errs...)
}

// EndpointList converts the endpoint entries to registry endpoints.
func (c *Config) EndpointList() []endpoint.Endpoint {
	out := make([]endpoint.Endpoint, 0, len(c.Endpoints))
	for _, ep := range c.Endpoints {
		out = append(out, endpoint.Endpoint{ID: ep.ID, URL: ep.URL, Priority: ep.Priority})
	}
	return out
}

// HealthConfig converts the health section, defaulting omitted fields.
func (c *Config) HealthConfig() endpoint.Config {
	cfg := endpoint.DefaultConfig()
	if c.Health.CheckInterval > 0 {
		cfg.CheckInterval = c.Health.CheckInterval
	}
	if c.Health.ProbeTimeout > 0 {
		cfg.ProbeTimeout = c.Health.ProbeTimeout
	}
	if c.Health.DegradedLatency > 0 {
		cfg.DegradedLatency = c.Health.DegradedLatency
	}
	if c.Health.OfflineLatency > 0 {
		cfg.OfflineLatency = c.Health.OfflineLatency
	}
	if c.Health.ProbeRetries > 0 {
		cfg.ProbeRetries = c.Health.ProbeRetries
	}
	return cfg
}

// PoolConfig converts the pool section, defaulting omitted fields.
func (c *Config) PoolConfig() pool.Config {
	cfg := pool.DefaultConfig()
	if c.Pool.MaxConnections > 0 {
		cfg.MaxConnections = c.Pool.MaxConnections
	}
	if c.Pool.IdleTimeout > 0 {
		cfg.IdleTimeout = c.Pool.IdleTimeout
	}
	if c.Pool.SweepInterval > 0 {
		cfg.SweepInterval = c.Pool.SweepInterval
	}
	if c.Pool.ShareResources != nil {
		cfg.ShareResources = *c.Pool.ShareResources
	}
	return cfg
}

// RecoveryConfig converts the recovery section, defaulting omitted
// fields.
func (c *Config) RecoveryConfig() recovery.Config {
	cfg := recovery.DefaultConfig()
	if c.Recovery.MaxRetries > 0 {
		cfg.MaxRetries = c.Recovery.MaxRetries
	}
	if c.Recovery.BaseDelay > 0 {
		cfg.BaseDelay = c.Recovery.BaseDelay
	}
	if c.Recovery.MaxDelay > 0 {
		cfg.MaxDelay = c.Recovery.MaxDelay
	}
	if c.Recovery.Multiplier > 0 {
		cfg.Multiplier = c.Recovery.Multiplier
	}
	if c.Recovery.JitterMax > 0 {
		cfg.JitterMax = c.Recovery.JitterMax
	}
	if c.Recovery.AttemptTimeout > 0 {
		cfg.AttemptTimeout = c.Recovery.AttemptTimeout
	}
	return cfg
}

// MediaConfig converts the media section, defaulting omitted fields.
func (c *Config) MediaConfig() media.Config {
	cfg := media.DefaultConfig()
	if c.Media.SweepInterval > 0 {
		cfg.SweepInterval = c.Media.SweepInterval
	}
	if c.Media.InactivityTimeout > 0 {
		cfg.InactivityTimeout = c.Media.InactivityTimeout
	}
	if c.Media.MaxHandles > 0 {
		cfg.MaxHandles = c.Media.MaxHandles
	}
	if c.Media.MemoryCeilingBytes > 0 {
		cfg.MemoryCeilingBytes = c.Media.MemoryCeilingBytes
	}
	return cfg
}

// AdapterConfig returns the adaptation defaults. Tuning tier thresholds
// from configuration is deliberately not exposed.
func (c *Config) AdapterConfig() quality.AdapterConfig {
	return quality.DefaultAdapterConfig()
}
