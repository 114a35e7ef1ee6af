// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"fmt"
	"os"
	"time"

	"github.com/AleutianAI/blimpeval/cmd/blimpeval/internal/evaluator"
	"github.com/AleutianAI/blimpeval/cmd/blimpeval/internal/journal"
	"github.com/AleutianAI/blimpeval/cmd/blimpeval/internal/retry"
	"github.com/AleutianAI/blimpeval/cmd/blimpeval/internal/sink"
	"github.com/AleutianAI/blimpeval/cmd/blimpeval/internal/telemetry"
	"github.com/AleutianAI/blimpeval/pkg/logging"
)

// BlimpevalConfig is the optional YAML configuration. Every section has a
// usable default; the file only needs the keys it changes.
type BlimpevalConfig struct {
	// Bridge: how to start the evaluator bridge process
	Bridge BridgeConfig `yaml:"bridge"`

	// Retry: backoff schedule for failed evaluations
	Retry RetryConfig `yaml:"retry"`

	// Analysis: surprisal analysis settings
	Analysis AnalysisConfig `yaml:"analysis"`

	Logging   LoggingConfig   `yaml:"logging"`
	Journal   JournalConfig   `yaml:"journal"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Sinks: optional best-effort result exporters
	Sinks SinksConfig `yaml:"sinks"`
}

type BridgeConfig struct {
	Command []string          `yaml:"command" validate:"min=1,dive,required"` // e.g. ["python", "-m", "blimpeval_bridge"]
	Env     map[string]string `yaml:"env,omitempty"`
}

type RetryConfig struct {
	InitialDelay int    `yaml:"initial_delay" validate:"gt=0"`
	Ceiling      int    `yaml:"ceiling" validate:"gtefield=InitialDelay"`
	Unit         string `yaml:"unit" validate:"duration"` // e.g. "1s"
}

type AnalysisConfig struct {
	BatchSize int `yaml:"batch_size" validate:"gt=0"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn warning error"`
	LogDir string `yaml:"log_dir,omitempty"`
	JSON   bool   `yaml:"json"`
}

type JournalConfig struct {
	Enabled bool `yaml:"enabled"`

	// Dir defaults to <model>/.blimpeval/journal.
	Dir string `yaml:"dir,omitempty"`
}

type TelemetryConfig struct {
	TraceExporter  string `yaml:"trace_exporter" validate:"oneof=none otlp stdout console"`
	MetricExporter string `yaml:"metric_exporter" validate:"oneof=none prometheus stdout console"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	MetricsAddr    string `yaml:"metrics_addr,omitempty"`
}

type SinksConfig struct {
	Influx InfluxConfig `yaml:"influx"`
	GCS    GCSConfig    `yaml:"gcs"`
}

type InfluxConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url" validate:"required_if=Enabled true"`

	// TokenEnv names the environment variable holding the API token.
	TokenEnv    string `yaml:"token_env"`
	Org         string `yaml:"org" validate:"required_if=Enabled true"`
	Bucket      string `yaml:"bucket" validate:"required_if=Enabled true"`
	Measurement string `yaml:"measurement"`
}

type GCSConfig struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket" validate:"required_if=Enabled true"`
	Prefix          string `yaml:"prefix,omitempty"`
	CredentialsFile string `yaml:"credentials_file,omitempty"`
}

// DefaultConfig returns the configuration used when no file is given.
// Telemetry defaults honour the OTEL_* environment variables.
func DefaultConfig() BlimpevalConfig {
	otel := telemetry.DefaultConfig()
	return BlimpevalConfig{
		Bridge: BridgeConfig{
			Command: append([]string(nil), evaluator.DefaultBridgeCommand...),
		},
		Retry: RetryConfig{
			InitialDelay: 1,
			Ceiling:      64,
			Unit:         "1s",
		},
		Analysis: AnalysisConfig{
			BatchSize: evaluator.DefaultAnalysisBatchSize,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Journal: JournalConfig{
			Enabled: true,
		},
		Telemetry: TelemetryConfig{
			TraceExporter:  otel.TraceExporter,
			MetricExporter: otel.MetricExporter,
			OTLPEndpoint:   otel.OTLPEndpoint,
			OTLPInsecure:   otel.OTLPInsecure,
		},
		Sinks: SinksConfig{
			Influx: InfluxConfig{
				URL:         "http://localhost:8086",
				TokenEnv:    "INFLUXDB_TOKEN",
				Org:         "blimpeval",
				Bucket:      "babylm",
				Measurement: "task_accuracy",
			},
		},
	}
}

// Policy converts the retry section.
func (c RetryConfig) Policy() (retry.Policy, error) {
	unit, err := time.ParseDuration(c.Unit)
	if err != nil {
		return retry.Policy{}, fmt.Errorf("retry.unit: %w", err)
	}
	p := retry.Policy{InitialDelay: c.InitialDelay, Ceiling: c.Ceiling, Unit: unit}
	return p, p.Validate()
}

// Logger converts the logging section. levelOverride, when non-empty,
// replaces the configured level (the --log-level flag).
func (c LoggingConfig) Logger(levelOverride string) (logging.Config, error) {
	level := c.Level
	if levelOverride != "" {
		level = levelOverride
	}
	parsed, err := logging.ParseLevel(level)
	if err != nil {
		return logging.Config{}, err
	}
	return logging.Config{
		Level:   parsed,
		LogDir:  c.LogDir,
		Service: "blimpeval",
		JSON:    c.JSON,
	}, nil
}

// Path returns the journal base directory for modelPath.
func (c JournalConfig) Path(modelPath string) string {
	if c.Dir != "" {
		return c.Dir
	}
	return journal.DefaultDir(modelPath)
}

// Provider converts the telemetry section.
func (c TelemetryConfig) Provider(version string) telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = version
	cfg.TraceExporter = c.TraceExporter
	cfg.MetricExporter = c.MetricExporter
	cfg.OTLPEndpoint = c.OTLPEndpoint
	cfg.OTLPInsecure = c.OTLPInsecure
	cfg.MetricsAddr = c.MetricsAddr
	return cfg
}

// Sink converts the influx section, reading the token from TokenEnv.
func (c InfluxConfig) Sink() sink.InfluxConfig {
	var token string
	if c.TokenEnv != "" {
		token = os.Getenv(c.TokenEnv)
	}
	return sink.InfluxConfig{
		URL:         c.URL,
		Token:       token,
		Org:         c.Org,
		Bucket:      c.Bucket,
		Measurement: c.Measurement,
	}
}

// Sink converts the gcs section.
func (c GCSConfig) Sink() sink.GCSConfig {
	return sink.GCSConfig{
		Bucket:          c.Bucket,
		Prefix:          c.Prefix,
		CredentialsFile: c.CredentialsFile,
	}
}
