// Package config loads and validates the daemon configuration from YAML.
// Every knob has a default; an empty file is a valid configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openherd/openherd/pkg/engine"
	"github.com/openherd/openherd/pkg/telemetry"
)

// Duration wraps time.Duration so YAML values like "30s" parse.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// StoreConfig selects and tunes the persistence backend.
type StoreConfig struct {
	// Backend is "sqlite" or "memory".
	Backend string `yaml:"backend" validate:"oneof=sqlite memory"`

	// Path is the database file for the sqlite backend.
	Path string `yaml:"path" validate:"required_if=Backend sqlite"`
}

// DispatcherConfig tunes the worker pool.
type DispatcherConfig struct {
	Workers                int      `yaml:"workers" validate:"min=1,max=256"`
	PollInterval           Duration `yaml:"poll_interval"`
	ClaimBatch             int      `yaml:"claim_batch" validate:"min=1"`
	DefaultTimeout         Duration `yaml:"default_timeout"`
	SuspendTimeout         Duration `yaml:"suspend_timeout"`
	LifecycleSweepInterval Duration `yaml:"lifecycle_sweep_interval"`
}

// Engine converts to the engine's dispatcher tuning.
func (c DispatcherConfig) Engine() engine.DispatcherConfig {
	return engine.DispatcherConfig{
		Workers:                c.Workers,
		PollInterval:           c.PollInterval.Std(),
		ClaimBatch:             c.ClaimBatch,
		DefaultTimeout:         c.DefaultTimeout.Std(),
		SuspendTimeout:         c.SuspendTimeout.Std(),
		LifecycleSweepInterval: c.LifecycleSweepInterval.Std(),
	}
}

// LockConfig tunes advisory locking and the stale-lock reaper.
type LockConfig struct {
	TTL            Duration `yaml:"ttl"`
	MaxRetries     int      `yaml:"max_retries" validate:"min=1"`
	InitialBackoff Duration `yaml:"initial_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff"`
	ReapInterval   Duration `yaml:"reap_interval"`
	MaxRestarts    int      `yaml:"max_restarts" validate:"min=0"`
}

// Engine converts to the engine's lock manager tuning.
func (c LockConfig) Engine() engine.LockManagerConfig {
	return engine.LockManagerConfig{
		TTL:            c.TTL.Std(),
		MaxRetries:     c.MaxRetries,
		InitialBackoff: c.InitialBackoff.Std(),
		MaxBackoff:     c.MaxBackoff.Std(),
		ReapInterval:   c.ReapInterval.Std(),
		MaxRestarts:    c.MaxRestarts,
	}
}

// PolicyConfig points at policy definitions and the admission module.
type PolicyConfig struct {
	// Dir is a directory of YAML policy definitions synced into the
	// store at startup and watched for changes. Empty disables loading.
	Dir string `yaml:"dir"`

	// AdmissionPath is a Rego module screening inbound requests. Empty
	// admits everything.
	AdmissionPath string `yaml:"admission_path"`
}

// HealthConfig tunes the failure monitor.
type HealthConfig struct {
	Enabled       bool     `yaml:"enabled"`
	SweepInterval Duration `yaml:"sweep_interval"`

	// FailuresBeforeRecovery is how many consecutive failed polls trigger
	// a recovery.
	FailuresBeforeRecovery int `yaml:"failures_before_recovery"`

	// ProbeUser/ProbeKeyPath enable the SSH reachability probe.
	ProbeUser    string   `yaml:"probe_user"`
	ProbeKeyPath string   `yaml:"probe_key_path"`
	ProbeTimeout Duration `yaml:"probe_timeout"`
}

// Config is the full daemon configuration.
type Config struct {
	Store      StoreConfig       `yaml:"store"`
	Dispatcher DispatcherConfig  `yaml:"dispatcher"`
	Locks      LockConfig        `yaml:"locks"`
	Policy     PolicyConfig      `yaml:"policy"`
	Health     HealthConfig      `yaml:"health"`
	Telemetry  *telemetry.Config `yaml:"telemetry"`
}

// Default returns the configuration an empty file resolves to.
func Default() *Config {
	dc := engine.DefaultDispatcherConfig()
	lc := engine.DefaultLockManagerConfig()
	return &Config{
		Store: StoreConfig{Backend: "sqlite", Path: "herd.db"},
		Dispatcher: DispatcherConfig{
			Workers:                dc.Workers,
			PollInterval:           Duration(dc.PollInterval),
			ClaimBatch:             dc.ClaimBatch,
			DefaultTimeout:         Duration(dc.DefaultTimeout),
			SuspendTimeout:         Duration(dc.SuspendTimeout),
			LifecycleSweepInterval: Duration(dc.LifecycleSweepInterval),
		},
		Locks: LockConfig{
			TTL:            Duration(lc.TTL),
			MaxRetries:     lc.MaxRetries,
			InitialBackoff: Duration(lc.InitialBackoff),
			MaxBackoff:     Duration(lc.MaxBackoff),
			ReapInterval:   Duration(lc.ReapInterval),
			MaxRestarts:    lc.MaxRestarts,
		},
		Health: HealthConfig{
			Enabled:                true,
			SweepInterval:          Duration(15 * time.Second),
			FailuresBeforeRecovery: 1,
			ProbeTimeout:           Duration(5 * time.Second),
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks field constraints and the telemetry subtree.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	if c.Telemetry != nil {
		if err := c.Telemetry.Validate(); err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
	}
	return nil
}
