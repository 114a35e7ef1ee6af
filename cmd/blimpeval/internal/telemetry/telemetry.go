// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry sets up OpenTelemetry tracing and metrics for a worker.
//
// Both signals are off by default. A worker run emits one span per run and
// one child span per task; metrics count tasks, failed attempts, backoff, and
// sink failures. Exporters:
//
//	traces:  none | otlp | stdout
//	metrics: none | prometheus | stdout
//
// "console" is accepted as an alias for stdout, matching the OTEL_*_EXPORTER
// convention. Telemetry is best-effort: unsupported environment values fall
// back to none, and a metrics listener that cannot bind is skipped.
//
// The stdout exporters write to stderr unless Config.Output is set, because
// stdout carries the score report.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Exporter names.
const (
	ExporterNone       = "none"
	ExporterOTLP       = "otlp"
	ExporterStdout     = "stdout"
	ExporterPrometheus = "prometheus"

	// ExporterConsole is the OTel spelling of ExporterStdout.
	ExporterConsole = "console"

	envTracesExporter  = "OTEL_TRACES_EXPORTER"
	envMetricsExporter = "OTEL_METRICS_EXPORTER"
)

var (
	traceExporters = map[string]string{
		ExporterNone:    ExporterNone,
		ExporterOTLP:    ExporterOTLP,
		ExporterStdout:  ExporterStdout,
		ExporterConsole: ExporterStdout,
	}
	metricExporters = map[string]string{
		ExporterNone:       ExporterNone,
		ExporterPrometheus: ExporterPrometheus,
		ExporterStdout:     ExporterStdout,
		ExporterConsole:    ExporterStdout,
	}
)

var (
	// ErrNilContext is returned when Init is called with a nil context.
	ErrNilContext = errors.New("telemetry: nil context")

	// ErrUnknownExporter is returned for an unsupported exporter name.
	ErrUnknownExporter = errors.New("telemetry: unknown exporter")
)

// Config configures telemetry.
type Config struct {
	// ServiceName is the service.name resource attribute.
	ServiceName string

	// ServiceVersion is the service.version resource attribute.
	ServiceVersion string

	// TraceExporter is none, otlp, or stdout.
	TraceExporter string

	// MetricExporter is none, prometheus, or stdout.
	MetricExporter string

	// OTLPEndpoint is the collector gRPC endpoint (host:port).
	OTLPEndpoint string

	// OTLPInsecure disables TLS for the OTLP exporter.
	OTLPInsecure bool

	// MetricsAddr, when set with the prometheus exporter, serves /metrics
	// on this address for the lifetime of the run.
	MetricsAddr string

	// Output receives stdout-exporter output. Default: os.Stderr.
	Output io.Writer

	// Logger receives warnings about skipped telemetry. Default: discard.
	Logger *slog.Logger
}

// DefaultConfig returns a configuration with both signals disabled.
// OTEL_TRACES_EXPORTER and OTEL_METRICS_EXPORTER override the defaults;
// values this package cannot export to resolve to none (see UnsupportedEnv).
func DefaultConfig() Config {
	traces, _ := ResolveTraceExporter(os.Getenv(envTracesExporter))
	metrics, _ := ResolveMetricExporter(os.Getenv(envMetricsExporter))
	return Config{
		ServiceName:    "blimpeval",
		ServiceVersion: "dev",
		TraceExporter:  traces,
		MetricExporter: metrics,
		OTLPEndpoint:   getEnvOr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTLPInsecure:   true,
	}
}

// ResolveTraceExporter maps an exporter name, or an OTEL_TRACES_EXPORTER
// comma list, to a supported trace exporter. The first supported entry wins.
// An empty name is none. ok is false when nothing in name is supported, in
// which case the result is none.
func ResolveTraceExporter(name string) (string, bool) {
	return resolveExporter(name, traceExporters)
}

// ResolveMetricExporter is ResolveTraceExporter for metric exporters.
func ResolveMetricExporter(name string) (string, bool) {
	return resolveExporter(name, metricExporters)
}

func resolveExporter(name string, supported map[string]string) (string, bool) {
	if strings.TrimSpace(name) == "" {
		return ExporterNone, true
	}
	for _, part := range strings.Split(name, ",") {
		if resolved, ok := supported[strings.ToLower(strings.TrimSpace(part))]; ok {
			return resolved, true
		}
	}
	return ExporterNone, false
}

// UnsupportedEnv describes OTEL_*_EXPORTER values that DefaultConfig
// replaced with none, one message per variable.
func UnsupportedEnv() []string {
	var notes []string
	if v := os.Getenv(envTracesExporter); v != "" {
		if _, ok := ResolveTraceExporter(v); !ok {
			notes = append(notes, fmt.Sprintf("%s=%q has no supported trace exporter; traces disabled", envTracesExporter, v))
		}
	}
	if v := os.Getenv(envMetricsExporter); v != "" {
		if _, ok := ResolveMetricExporter(v); !ok {
			notes = append(notes, fmt.Sprintf("%s=%q has no supported metric exporter; metrics disabled", envMetricsExporter, v))
		}
	}
	return notes
}

func getEnvOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Provider owns the tracer and meter providers for one process.
type Provider struct {
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	handler        http.Handler
	server         *http.Server
	shutdownFuncs  []func(context.Context) error
}

// Init creates the configured providers.
//
// Description:
//
//	Builds a TracerProvider and MeterProvider for the selected exporters.
//	"none" uses no-op providers. The prometheus exporter uses a dedicated
//	registry so repeated Init calls (tests, launch) never collide.
//
// Inputs:
//
//	ctx - Used for exporter construction. Must not be nil.
//	cfg - Exporter selection.
//
// Outputs:
//
//	*Provider - Call Shutdown to flush exporters.
//	error - ErrUnknownExporter, or an exporter construction error. A
//	        MetricsAddr that cannot be bound is logged and skipped.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if traces, ok := ResolveTraceExporter(cfg.TraceExporter); ok {
		cfg.TraceExporter = traces
	}
	if metrics, ok := ResolveMetricExporter(cfg.MetricExporter); ok {
		cfg.MetricExporter = metrics
	}

	p := &Provider{
		tracerProvider: tracenoop.NewTracerProvider(),
		meterProvider:  metricnoop.NewMeterProvider(),
	}

	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	if cfg.TraceExporter != "" && cfg.TraceExporter != ExporterNone {
		tp, err := initTracer(ctx, cfg, res)
		if err != nil {
			return nil, fmt.Errorf("init tracer: %w", err)
		}
		p.tracerProvider = tp
		p.shutdownFuncs = append(p.shutdownFuncs, tp.Shutdown)
	}

	if cfg.MetricExporter != "" && cfg.MetricExporter != ExporterNone {
		mp, handler, err := initMeter(cfg, res)
		if err != nil {
			_ = p.Shutdown(ctx)
			return nil, fmt.Errorf("init meter: %w", err)
		}
		p.meterProvider = mp
		p.handler = handler
		p.shutdownFuncs = append(p.shutdownFuncs, mp.Shutdown)
	}

	if cfg.MetricsAddr != "" && p.handler != nil {
		if err := p.serve(cfg.MetricsAddr); err != nil {
			cfg.Logger.Warn("metrics endpoint disabled", "addr", cfg.MetricsAddr, "error", err)
		}
	}
	return p, nil
}

func initTracer(ctx context.Context, cfg Config, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	var exporter sdktrace.SpanExporter
	var err error

	switch cfg.TraceExporter {
	case ExporterOTLP:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	case ExporterStdout:
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(cfg.Output), stdouttrace.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.TraceExporter)
	}
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	), nil
}

func initMeter(cfg Config, res *resource.Resource) (*sdkmetric.MeterProvider, http.Handler, error) {
	switch cfg.MetricExporter {
	case ExporterPrometheus:
		registry := prometheus.NewRegistry()
		exporter, err := promexporter.New(promexporter.WithRegisterer(registry))
		if err != nil {
			return nil, nil, fmt.Errorf("create prometheus exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		)
		return mp, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), nil

	case ExporterStdout:
		exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(cfg.Output), stdoutmetric.WithPrettyPrint())
		if err != nil {
			return nil, nil, fmt.Errorf("create stdout metric exporter: %w", err)
		}
		mp := sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		)
		return mp, nil, nil

	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.MetricExporter)
	}
}

func (p *Provider) serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen for metrics on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", p.handler)
	p.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() { _ = p.server.Serve(ln) }()
	p.shutdownFuncs = append(p.shutdownFuncs, p.server.Shutdown)
	return nil
}

// Tracer returns a named tracer.
func (p *Provider) Tracer(name string) trace.Tracer {
	return p.tracerProvider.Tracer(name)
}

// Meter returns a named meter.
func (p *Provider) Meter(name string) metric.Meter {
	return p.meterProvider.Meter(name)
}

// MetricsHandler returns the Prometheus scrape handler, or nil when the
// prometheus exporter is not in use.
func (p *Provider) MetricsHandler() http.Handler {
	return p.handler
}

// Shutdown flushes and stops all exporters, in reverse start order.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(p.shutdownFuncs) - 1; i >= 0; i-- {
		if err := p.shutdownFuncs[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	p.shutdownFuncs = nil
	return errors.Join(errs...)
}
