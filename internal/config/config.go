// Package config holds the orchestrator configuration: YAML file with
// defaults, environment overrides, and duration accessors.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds all sysforge configuration.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	Preflight PreflightConfig `yaml:"preflight"`
	Healing   HealingConfig   `yaml:"healing"`
	Stream    StreamConfig    `yaml:"stream"`
	Harness   HarnessConfig   `yaml:"harness"`
	Journal   JournalConfig   `yaml:"journal"`
	Watch     WatchConfig     `yaml:"watch"`
}

// LoggingConfig configures the zap logger built by the driver.
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `yaml:"json"`
}

// PreflightConfig configures the dependency checker.
type PreflightConfig struct {
	ProbeTimeout string `yaml:"probe_timeout"`
	Parallelism  int    `yaml:"parallelism" validate:"min=1"`
}

// HealingConfig bounds the healing coordinator. MaxAttempts is deliberately
// a configuration parameter, not a constant; blueprints may override it per
// run via config.healing.max_attempts.
type HealingConfig struct {
	MaxAttempts int    `yaml:"max_attempts" validate:"min=1"`
	Backoff     string `yaml:"backoff"`
}

// StreamConfig configures stream defaults and limits.
type StreamConfig struct {
	DefaultBuffer int `yaml:"default_buffer" validate:"min=1"`
	MaxBuffer     int `yaml:"max_buffer" validate:"min=1"`
	CompressAbove int `yaml:"compress_above" validate:"min=0"`
}

// HarnessConfig configures runtime supervision.
type HarnessConfig struct {
	StartTimeout           string `yaml:"start_timeout"`
	StopTimeout            string `yaml:"stop_timeout"`
	ForceGrace             string `yaml:"force_grace"`
	HealthInterval         string `yaml:"health_interval"`
	MaxStreamsPerComponent int    `yaml:"max_streams_per_component" validate:"min=1"`
}

// JournalConfig configures the optional sqlite run journal.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// WatchConfig configures the blueprint file watcher.
type WatchConfig struct {
	Debounce string `yaml:"debounce"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level: "info",
			JSON:  true,
		},
		Preflight: PreflightConfig{
			ProbeTimeout: "5s",
			Parallelism:  4,
		},
		Healing: HealingConfig{
			MaxAttempts: 3,
			Backoff:     "500ms",
		},
		Stream: StreamConfig{
			DefaultBuffer: 16,
			MaxBuffer:     1024,
			CompressAbove: 4096,
		},
		Harness: HarnessConfig{
			StartTimeout:           "30s",
			StopTimeout:            "10s",
			ForceGrace:             "2s",
			HealthInterval:         "5s",
			MaxStreamsPerComponent: 32,
		},
		Journal: JournalConfig{
			Enabled: false,
			Path:    "sysforge.db",
		},
		Watch: WatchConfig{
			Debounce: "500ms",
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults; a present file is unmarshalled over them. Environment overrides
// are applied last.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides applies SYSFORGE_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if level := os.Getenv("SYSFORGE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if timeout := os.Getenv("SYSFORGE_PROBE_TIMEOUT"); timeout != "" {
		c.Preflight.ProbeTimeout = timeout
	}
	if attempts := os.Getenv("SYSFORGE_HEALING_MAX_ATTEMPTS"); attempts != "" {
		if n, err := strconv.Atoi(attempts); err == nil && n > 0 {
			c.Healing.MaxAttempts = n
		}
	}
	if path := os.Getenv("SYSFORGE_JOURNAL_PATH"); path != "" {
		c.Journal.Path = path
	}
	if enabled := os.Getenv("SYSFORGE_JOURNAL_ENABLED"); enabled != "" {
		if b, err := strconv.ParseBool(enabled); err == nil {
			c.Journal.Enabled = b
		}
	}
}

var configValidate = validator.New()

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := configValidate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Stream.DefaultBuffer > c.Stream.MaxBuffer {
		return fmt.Errorf("stream default_buffer %d exceeds max_buffer %d",
			c.Stream.DefaultBuffer, c.Stream.MaxBuffer)
	}
	for name, value := range map[string]string{
		"preflight.probe_timeout": c.Preflight.ProbeTimeout,
		"healing.backoff":         c.Healing.Backoff,
		"harness.start_timeout":   c.Harness.StartTimeout,
		"harness.stop_timeout":    c.Harness.StopTimeout,
		"harness.force_grace":     c.Harness.ForceGrace,
		"harness.health_interval": c.Harness.HealthInterval,
		"watch.debounce":          c.Watch.Debounce,
	} {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration for %s: %q", name, value)
		}
	}
	return nil
}

// GetProbeTimeout returns the preflight probe timeout as a duration.
func (c *Config) GetProbeTimeout() time.Duration {
	d, err := time.ParseDuration(c.Preflight.ProbeTimeout)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// GetHealingBackoff returns the delay between healing attempts.
func (c *Config) GetHealingBackoff() time.Duration {
	d, err := time.ParseDuration(c.Healing.Backoff)
	if err != nil {
		return 500 * time.Millisecond
	}
	return d
}

// GetStartTimeout returns the harness startup timeout as a duration.
func (c *Config) GetStartTimeout() time.Duration {
	d, err := time.ParseDuration(c.Harness.StartTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetStopTimeout returns the graceful shutdown timeout as a duration.
func (c *Config) GetStopTimeout() time.Duration {
	d, err := time.ParseDuration(c.Harness.StopTimeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// GetForceGrace returns the wait after force-release before components are
// declared stuck.
func (c *Config) GetForceGrace() time.Duration {
	d, err := time.ParseDuration(c.Harness.ForceGrace)
	if err != nil {
		return 2 * time.Second
	}
	return d
}

// GetHealthInterval returns the health monitor sampling interval.
func (c *Config) GetHealthInterval() time.Duration {
	d, err := time.ParseDuration(c.Harness.HealthInterval)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// GetWatchDebounce returns the watcher debounce window.
func (c *Config) GetWatchDebounce() time.Duration {
	d, err := time.ParseDuration(c.Watch.Debounce)
	if err != nil {
		return 500 * time.Millisecond
	}
	return d
}
