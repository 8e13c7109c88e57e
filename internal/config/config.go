// Package config provides configuration loading, validation, and hot-reload
// for scrop-capture.
//
// Configuration file: /etc/scrop/config.yaml (default)
// Schema version: 1
//
// Hot-reload:
//   - The daemon listens for SIGHUP.
//   - On SIGHUP: re-read and re-validate config.yaml and log the result.
//   - A successfully reloaded config is not applied to the running logger,
//     controller, or metrics listener; every setting takes effect only when
//     the process restarts.
//   - If the new config is invalid, an error is logged. The daemon does
//     NOT crash on invalid hot-reload config.
//
// Validation:
//   - All required fields must be present.
//   - Numeric ranges enforced (queue sizes, horizons, flush intervals).
//   - Invalid config on startup: the daemon refuses to start (fatal error).
//   - Invalid config on hot-reload: logged, old config retained.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime are injected by the Makefile via -ldflags.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for scrop-capture.
// All fields have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// Capture configures interface attachment and the reader->correlator
	// transport.
	Capture CaptureConfig `yaml:"capture"`

	// Correlator configures the timing-wheel matching horizon.
	Correlator CorrelatorConfig `yaml:"correlator"`

	// Batch configures the output batcher and epoch offset cache.
	Batch BatchConfig `yaml:"batch"`

	// Observability configures metrics and logging.
	Observability ObservabilityConfig `yaml:"observability"`
}

// CaptureConfig holds per-interface attachment and transport parameters.
type CaptureConfig struct {
	// MonitoredInterfaces is the set of interface names attached on
	// startup (restart required to change). Additional interfaces can
	// be attached at runtime through the control interface without
	// touching this list.
	MonitoredInterfaces []string `yaml:"monitored_interfaces"`

	// AutoAttach attaches every interface in MonitoredInterfaces during
	// startup. When false, interfaces must be attached explicitly
	// through the control interface after the daemon is already running.
	// Default: true.
	AutoAttach bool `yaml:"auto_attach"`

	// TransportQueueSize is validated (>= 64) but not read by the
	// ring-buffer reader, whose channel to the correlator always has
	// transport.ChannelCapacity (4096) slots. Default: 4096.
	TransportQueueSize int `yaml:"transport_queue_size"`
}

// CorrelatorConfig holds the timing-wheel matching parameters.
type CorrelatorConfig struct {
	// HorizonMS is validated (>= 1, and >= ExpiryTickMS) but not read by
	// the correlator, which drains unmatched XDP events after the fixed
	// correlator.CorrelationTimeoutMS (50 ms). Default: 50.
	HorizonMS int `yaml:"horizon_ms"`

	// ExpiryTickMS is the interval at which the wheel is swept for
	// expired entries. Default: 10.
	ExpiryTickMS int `yaml:"expiry_tick_ms"`
}

// BatchConfig holds the output batcher's flush triggers and the epoch
// offset cache refresh period.
type BatchConfig struct {
	// MaxSize is the batch size that triggers an immediate flush.
	// Default: 256.
	MaxSize int `yaml:"max_size"`

	// FlushIntervalMS is the maximum time a non-empty batch waits
	// before flushing even if MaxSize has not been reached. Default: 100.
	FlushIntervalMS int `yaml:"flush_interval_ms"`

	// EpochOffsetRefreshSeconds is how often the realtime-minus-monotonic
	// offset cache is recomputed. Default: 30.
	EpochOffsetRefreshSeconds int `yaml:"epoch_offset_refresh_seconds"`

	// SubscriberBufferSize is the per-subscriber buffered channel depth
	// on the broadcast bus. A subscriber that falls this far behind is
	// marked lagged and has buffered envelopes dropped rather than
	// blocking the batcher. Default: 8.
	SubscriberBufferSize int `yaml:"subscriber_buffer_size"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Default: 127.0.0.1:9091.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	// Default: info.
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	// Default: json.
	LogFormat string `yaml:"log_format"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	return Config{
		SchemaVersion: "1",
		Capture: CaptureConfig{
			MonitoredInterfaces: nil,
			AutoAttach:          true,
			TransportQueueSize:  4096,
		},
		Correlator: CorrelatorConfig{
			HorizonMS:    50,
			ExpiryTickMS: 10,
		},
		Batch: BatchConfig{
			MaxSize:                   256,
			FlushIntervalMS:           100,
			EpochOffsetRefreshSeconds: 30,
			SubscriberBufferSize:      8,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
// Returns an error if the file cannot be read, parsed, or validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness.
// Returns a descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.Capture.TransportQueueSize < 64 {
		errs = append(errs, fmt.Sprintf("capture.transport_queue_size must be >= 64, got %d", cfg.Capture.TransportQueueSize))
	}
	if cfg.Capture.AutoAttach && len(cfg.Capture.MonitoredInterfaces) == 0 {
		errs = append(errs, "capture.monitored_interfaces must be non-empty when capture.auto_attach is true")
	}
	if cfg.Correlator.HorizonMS < 1 {
		errs = append(errs, fmt.Sprintf("correlator.horizon_ms must be >= 1, got %d", cfg.Correlator.HorizonMS))
	}
	if cfg.Correlator.ExpiryTickMS < 1 || cfg.Correlator.ExpiryTickMS > cfg.Correlator.HorizonMS {
		errs = append(errs, fmt.Sprintf(
			"correlator.expiry_tick_ms must be in [1, horizon_ms], got %d (horizon_ms=%d)",
			cfg.Correlator.ExpiryTickMS, cfg.Correlator.HorizonMS))
	}
	if cfg.Batch.MaxSize < 1 {
		errs = append(errs, fmt.Sprintf("batch.max_size must be >= 1, got %d", cfg.Batch.MaxSize))
	}
	if cfg.Batch.FlushIntervalMS < 1 {
		errs = append(errs, fmt.Sprintf("batch.flush_interval_ms must be >= 1, got %d", cfg.Batch.FlushIntervalMS))
	}
	if cfg.Batch.EpochOffsetRefreshSeconds < 1 {
		errs = append(errs, fmt.Sprintf("batch.epoch_offset_refresh_seconds must be >= 1, got %d", cfg.Batch.EpochOffsetRefreshSeconds))
	}
	if cfg.Batch.SubscriberBufferSize < 1 {
		errs = append(errs, fmt.Sprintf("batch.subscriber_buffer_size must be >= 1, got %d", cfg.Batch.SubscriberBufferSize))
	}
	if cfg.Observability.MetricsAddr == "" {
		errs = append(errs, "observability.metrics_addr must not be empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

// CorrelatorHorizon returns the correlation horizon as a time.Duration.
func (c Config) CorrelatorHorizon() time.Duration {
	return time.Duration(c.Correlator.HorizonMS) * time.Millisecond
}

// CorrelatorExpiryTick returns the expiry sweep interval as a time.Duration.
func (c Config) CorrelatorExpiryTick() time.Duration {
	return time.Duration(c.Correlator.ExpiryTickMS) * time.Millisecond
}

// BatchFlushInterval returns the batch flush interval as a time.Duration.
func (c Config) BatchFlushInterval() time.Duration {
	return time.Duration(c.Batch.FlushIntervalMS) * time.Millisecond
}

// EpochOffsetRefresh returns the epoch offset cache refresh period.
func (c Config) EpochOffsetRefresh() time.Duration {
	return time.Duration(c.Batch.EpochOffsetRefreshSeconds) * time.Second
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
