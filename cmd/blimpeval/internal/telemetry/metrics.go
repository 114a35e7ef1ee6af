// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Task outcome attribute values.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Metrics holds the worker's instruments. All names use the "blimpeval_" prefix.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// TasksTotal counts finished tasks by group and status.
	TasksTotal metric.Int64Counter

	// TaskDuration records wall time per task, including backoff, in seconds.
	TaskDuration metric.Float64Histogram

	// TaskAccuracy records per-task accuracy in [0, 1].
	TaskAccuracy metric.Float64Histogram

	// FailedAttemptsTotal counts evaluator calls that returned an error.
	FailedAttemptsTotal metric.Int64Counter

	// BackoffSeconds accumulates backoff delays scheduled after failures.
	BackoffSeconds metric.Float64Counter

	// SinkErrorsTotal counts best-effort export failures by sink.
	SinkErrorsTotal metric.Int64Counter

	// AnalysisDuration records the surprisal analysis wall time in seconds.
	AnalysisDuration metric.Float64Histogram
}

// NewMetrics registers all instruments with meter.
//
// Example:
//
//	provider, _ := telemetry.Init(ctx, cfg)
//	metrics, err := telemetry.NewMetrics(provider.Meter("blimpeval"))
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TasksTotal, err = meter.Int64Counter(
		"blimpeval_tasks_total",
		metric.WithDescription("Finished benchmark tasks"),
		metric.WithUnit("{task}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create tasks_total: %w", err)
	}

	m.TaskDuration, err = meter.Float64Histogram(
		"blimpeval_task_duration_seconds",
		metric.WithDescription("Task wall time including backoff"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create task_duration_seconds: %w", err)
	}

	m.TaskAccuracy, err = meter.Float64Histogram(
		"blimpeval_task_accuracy",
		metric.WithDescription("Per-task accuracy"),
		metric.WithUnit("1"),
		metric.WithExplicitBucketBoundaries(0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1),
	)
	if err != nil {
		return nil, fmt.Errorf("create task_accuracy: %w", err)
	}

	m.FailedAttemptsTotal, err = meter.Int64Counter(
		"blimpeval_failed_attempts_total",
		metric.WithDescription("Evaluator calls that returned an error"),
		metric.WithUnit("{attempt}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create failed_attempts_total: %w", err)
	}

	m.BackoffSeconds, err = meter.Float64Counter(
		"blimpeval_backoff_seconds",
		metric.WithDescription("Backoff scheduled after failed attempts"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create backoff_seconds: %w", err)
	}

	m.SinkErrorsTotal, err = meter.Int64Counter(
		"blimpeval_sink_errors_total",
		metric.WithDescription("Result export failures"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create sink_errors_total: %w", err)
	}

	m.AnalysisDuration, err = meter.Float64Histogram(
		"blimpeval_analysis_duration_seconds",
		metric.WithDescription("Surprisal analysis wall time"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create analysis_duration_seconds: %w", err)
	}

	return m, nil
}

// RecordTask records a finished task. accuracy is ignored for failed tasks.
func (m *Metrics) RecordTask(ctx context.Context, group, status string, elapsed time.Duration, accuracy float64) {
	attrs := metric.WithAttributes(
		attribute.String("group", group),
		attribute.String("status", status),
	)
	m.TasksTotal.Add(ctx, 1, attrs)
	m.TaskDuration.Record(ctx, elapsed.Seconds(), attrs)
	if status == StatusSucceeded {
		m.TaskAccuracy.Record(ctx, accuracy, metric.WithAttributes(attribute.String("group", group)))
	}
}

// RecordFailedAttempt records one evaluator error and the delay scheduled after it.
func (m *Metrics) RecordFailedAttempt(ctx context.Context, delay time.Duration) {
	m.FailedAttemptsTotal.Add(ctx, 1)
	m.BackoffSeconds.Add(ctx, delay.Seconds())
}

// RecordSinkError records a failed export.
func (m *Metrics) RecordSinkError(ctx context.Context, sink string) {
	m.SinkErrorsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("sink", sink)))
}

// RecordAnalysis records the analysis wall time.
func (m *Metrics) RecordAnalysis(ctx context.Context, elapsed time.Duration, status string) {
	m.AnalysisDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("status", status)))
}
