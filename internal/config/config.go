// Package config loads the small set of runtime tunables the coordination
// kernel reads at startup and may hot-reload without a restart.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config mirrors the tunables table: every field has a spec-mandated
// default applied by Defaults/Load when the YAML file omits it.
type Config struct {
	DBPath string `yaml:"db_path"`
	Listen string `yaml:"listen"`

	HeartbeatIntervalMs int `yaml:"heartbeat_interval_ms"`
	AcceptanceTimeoutMs int `yaml:"acceptance_timeout_ms"`

	StuckSweepIntervalMs int `yaml:"stuck_sweep_interval_ms"`
	StuckThresholdMs     int `yaml:"stuck_threshold_ms"`

	TTLSweepIntervalMs int `yaml:"ttl_sweep_interval_ms"`
	TaskTTLMs          int `yaml:"task_ttl_ms"`

	FallbackWaitMs int `yaml:"fallback_wait_ms"`

	ViolationThreshold int `yaml:"violation_threshold"`
	ViolationWindowMs  int `yaml:"violation_window_ms"`

	BackoffLadderMs []int `yaml:"backoff_ladder_ms"`

	OverdueSweepIntervalMs int `yaml:"overdue_sweep_interval_ms"`

	LogLevel string `yaml:"log_level"`
	Quiet    bool   `yaml:"quiet"`

	OTelEnabled    bool    `yaml:"otel_enabled"`
	OTelExporter   string  `yaml:"otel_exporter"` // "otlp-http" | "stdout" | "none"
	OTelSampleRate float64 `yaml:"otel_sample_rate"`
}

// Defaults returns the table 6 defaults (plus the ambient additions this
// repo needs to start up standalone).
func Defaults() Config {
	return Config{
		DBPath: "agentcom.db",
		Listen: ":8787",

		HeartbeatIntervalMs: 30_000,
		AcceptanceTimeoutMs: 60_000,

		StuckSweepIntervalMs: 30_000,
		StuckThresholdMs:     300_000,

		TTLSweepIntervalMs: 60_000,
		TaskTTLMs:          600_000,

		FallbackWaitMs: 5_000,

		ViolationThreshold: 10,
		ViolationWindowMs:  60_000,

		BackoffLadderMs: []int{30_000, 60_000, 300_000},

		OverdueSweepIntervalMs: 30_000,

		LogLevel: "info",
		Quiet:    false,

		OTelEnabled:    false,
		OTelExporter:   "none",
		OTelSampleRate: 0.1,
	}
}

// Load reads path, applying Defaults() first so a partial YAML file is valid.
// A missing file is not an error: Defaults() alone is returned.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}
