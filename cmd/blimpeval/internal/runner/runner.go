// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package runner drives one worker through its share of the benchmark.
//
// A run selects the task list, keeps this worker's share, loads the model
// once, then evaluates tasks strictly one at a time:
//
//	PrepareTask -> retry(Evaluate) -> Record -> Persist -> journal/sinks/metrics
//
// A fatal error stops the loop. Tasks already persisted stay on disk.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"

	"github.com/AleutianAI/blimpeval/cmd/blimpeval/internal/catalogue"
	"github.com/AleutianAI/blimpeval/cmd/blimpeval/internal/evaluator"
	"github.com/AleutianAI/blimpeval/cmd/blimpeval/internal/journal"
	"github.com/AleutianAI/blimpeval/cmd/blimpeval/internal/partition"
	"github.com/AleutianAI/blimpeval/cmd/blimpeval/internal/report"
	"github.com/AleutianAI/blimpeval/cmd/blimpeval/internal/retry"
	"github.com/AleutianAI/blimpeval/cmd/blimpeval/internal/sink"
	"github.com/AleutianAI/blimpeval/cmd/blimpeval/internal/store"
	"github.com/AleutianAI/blimpeval/cmd/blimpeval/internal/telemetry"
	"github.com/AleutianAI/blimpeval/pkg/logging"
)

// ErrMissingDependency is returned by New when a required collaborator is nil.
var ErrMissingDependency = errors.New("runner: missing dependency")

// TaskError attaches the task title to a fatal error.
type TaskError struct {
	Task string
	Err  error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("task %s: %v", e.Task, e.Err)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// Dependencies are the runner's collaborators. Loader, Store and Reporter
// are required; Analyzer is required when Options.RunAnalysis is set.
// Everything else has a no-op default.
type Dependencies struct {
	Registry *catalogue.Registry
	Loader   evaluator.Loader
	Analyzer evaluator.Analyzer
	Store    *store.Store
	Reporter *report.Reporter

	// Policy is the backoff schedule. Zero value means retry.DefaultPolicy().
	Policy  retry.Policy
	Sleeper retry.Sleeper

	Journal *journal.Journal
	Sinks   *sink.Fanout
	Metrics *telemetry.Metrics
	Tracer  trace.Tracer
	Logger  *logging.Logger

	// Now is the clock. Default: time.Now.
	Now func() time.Time
}

// Summary describes a finished run.
type Summary struct {
	Assignment partition.Assignment
	Scores     []report.Score
	Analysis   []string
	Elapsed    time.Duration
}

// Runner executes one worker's assignment. Not safe for concurrent Runs.
type Runner struct {
	opts   Options
	deps   Dependencies
	exec   *retry.Executor
	logger *logging.Logger
}

// New validates opts and wires deps.
//
// # Description
//
// All configuration problems surface here, before anything is loaded or
// evaluated.
//
// # Outputs
//
//   - *Runner: Ready to Run
//   - error: *util.ConfigurationError for bad options, ErrMissingDependency
//     for a nil required collaborator, or a retry policy error
func New(opts Options, deps Dependencies) (*Runner, error) {
	if deps.Registry == nil {
		deps.Registry = catalogue.Builtin()
	}
	if err := opts.Validate(deps.Registry); err != nil {
		return nil, err
	}

	switch {
	case deps.Loader == nil:
		return nil, fmt.Errorf("%w: loader", ErrMissingDependency)
	case deps.Store == nil:
		return nil, fmt.Errorf("%w: store", ErrMissingDependency)
	case deps.Reporter == nil:
		return nil, fmt.Errorf("%w: reporter", ErrMissingDependency)
	case opts.RunAnalysis && deps.Analyzer == nil:
		return nil, fmt.Errorf("%w: analyzer", ErrMissingDependency)
	}

	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Tracer == nil {
		deps.Tracer = tracenoop.NewTracerProvider().Tracer("blimpeval")
	}
	if deps.Metrics == nil {
		m, err := telemetry.NewMetrics(metricnoop.NewMeterProvider().Meter("blimpeval"))
		if err != nil {
			return nil, err
		}
		deps.Metrics = m
	}
	if deps.Sinks == nil {
		deps.Sinks = sink.NewFanout(deps.Logger, nil)
	}
	if deps.Policy == (retry.Policy{}) {
		deps.Policy = retry.DefaultPolicy()
	}

	r := &Runner{
		opts: opts,
		deps: deps,
		logger: deps.Logger.With(
			"run_id", opts.RunID,
			"worker", opts.WorkerIndex,
			"world_size", opts.WorkerCount,
		),
	}

	exec, err := retry.NewExecutor(deps.Policy,
		retry.WithLogger(r.logger),
		retry.WithSleeper(deps.Sleeper),
		retry.WithObserver(r.observeFailure),
	)
	if err != nil {
		return nil, err
	}
	r.exec = exec
	return r, nil
}

// Options returns the validated options.
func (r *Runner) Options() Options {
	return r.opts
}

// Plan returns this worker's share without running anything.
func (r *Runner) Plan() (partition.Assignment, error) {
	tasks, err := r.deps.Registry.Select(r.opts.Selector)
	if err != nil {
		return partition.Assignment{}, err
	}
	return partition.Plan(tasks, r.opts.WorkerIndex, r.opts.WorkerCount, r.opts.DryRun)
}

// Run evaluates the assignment, prints the summary, and runs the analysis
// when requested.
//
// # Outputs
//
//   - *Summary: Non-nil on success
//   - error: *TaskError wrapping *retry.ExhaustedError or *store.StorageError,
//     a model load error, an analysis error, or a context error
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	started := r.deps.Now()

	plan, err := r.Plan()
	if err != nil {
		return nil, err
	}

	ctx, span := r.deps.Tracer.Start(ctx, "blimpeval.run", trace.WithAttributes(
		attribute.String("run.id", r.opts.RunID),
		attribute.String("run.tasks", r.opts.Selector),
		attribute.Int("run.worker", r.opts.WorkerIndex),
		attribute.Int("run.world_size", r.opts.WorkerCount),
		attribute.Int("run.assigned", len(plan.Tasks)),
	))
	defer span.End()

	record := journal.Run{
		RunID:     r.opts.RunID,
		Worker:    r.opts.WorkerIndex,
		WorldSize: r.opts.WorkerCount,
		Selector:  r.opts.Selector,
		Tasks:     titles(plan.Tasks),
		DryRun:    r.opts.DryRun,
		Status:    journal.StatusRunning,
		Started:   started,
	}
	r.journal("run", func(j *journal.Journal) error { return j.RecordRun(record) })

	r.logger.Info("worker assignment",
		"tasks", r.opts.Selector,
		"assigned", len(plan.Tasks),
		"total", plan.Total,
		"dry_run", plan.DryRun,
		"max_attempts", r.deps.Policy.MaxAttempts(),
	)

	summary, err := r.execute(ctx, plan)

	record.Finished = r.deps.Now()
	record.Status = journal.StatusSucceeded
	if err != nil {
		record.Status = journal.StatusFailed
		record.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Error("run failed", "error", err)
	}
	r.journal("run", func(j *journal.Journal) error { return j.RecordRun(record) })

	if err != nil {
		return nil, err
	}
	summary.Elapsed = record.Finished.Sub(started)
	r.logger.Info("run completed", "completed", len(summary.Scores), "elapsed", summary.Elapsed.String())
	return summary, nil
}

func (r *Runner) execute(ctx context.Context, plan partition.Assignment) (*Summary, error) {
	spec := evaluator.ModelSpec{
		Path:            r.opts.ModelPath,
		Backend:         r.opts.Backend,
		Device:          r.opts.Device,
		TrustRemoteCode: r.opts.TrustRemoteCode,
	}
	model, err := r.deps.Loader.Load(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("load model %s: %w", r.opts.ModelPath, err)
	}
	defer func() {
		if cerr := model.Close(); cerr != nil {
			r.logger.Warn("closing model failed", "error", cerr)
		}
	}()

	for _, task := range plan.Tasks {
		if err := r.runTask(ctx, model, task); err != nil {
			return nil, &TaskError{Task: task.Title, Err: err}
		}
	}

	r.deps.Reporter.Summary()

	summary := &Summary{Assignment: plan, Scores: r.deps.Reporter.Ordered()}
	if !r.opts.RunAnalysis {
		return summary, nil
	}
	if r.opts.WorkerIndex != 0 {
		r.logger.Info("surprisal analysis runs on worker 0 only; skipping")
		r.deps.Reporter.Note(AnalysisSkippedNote)
		return summary, nil
	}

	paths, err := r.analyze(ctx, model)
	if err != nil {
		return nil, err
	}
	summary.Analysis = paths
	return summary, nil
}

// AnalysisSkippedNote is printed by workers other than 0 when --run-aoa is set.
// aoa_prediction/ is shared by every worker, so only one of them writes it.
const AnalysisSkippedNote = "Surprisal analysis skipped: it runs on worker 0 only."

// runTask is one iteration of the task loop.
func (r *Runner) runTask(ctx context.Context, model evaluator.Model, task catalogue.Task) error {
	ctx, span := r.deps.Tracer.Start(ctx, "blimpeval.task", trace.WithAttributes(
		attribute.String("task.title", task.Title),
		attribute.String("task.group", task.Group),
	))
	defer span.End()

	started := r.deps.Now()
	fail := func(err error) error {
		r.deps.Metrics.RecordTask(ctx, task.Group, telemetry.StatusFailed, r.deps.Now().Sub(started), 0)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	predictions, err := r.deps.Store.PrepareTask(task.Title)
	if err != nil {
		return fail(err)
	}

	req := evaluator.TaskRequest{
		Locator:         task.Locator,
		Title:           task.Title,
		NumFewshot:      r.opts.NumFewshot,
		Seed:            r.opts.Seed,
		PredictionsPath: predictions,
	}
	outcome, err := r.exec.Run(ctx, task.Title, func(ctx context.Context) (float64, error) {
		return model.Evaluate(ctx, req)
	})
	if err != nil {
		return fail(err)
	}

	r.deps.Reporter.Record(task.Title, outcome.Value)

	resultPath, err := r.deps.Store.Persist(task.Title, outcome.Value)
	if err != nil {
		return fail(err)
	}

	finished := r.deps.Now()
	elapsed := finished.Sub(started)
	r.deps.Metrics.RecordTask(ctx, task.Group, telemetry.StatusSucceeded, elapsed, outcome.Value)
	span.SetAttributes(
		attribute.Float64("task.accuracy", outcome.Value),
		attribute.Int("task.attempts", outcome.Attempts),
	)
	r.logger.Info("task completed",
		"task", task.Title,
		"group", task.Group,
		"accuracy", outcome.Value,
		"attempts", outcome.Attempts,
		"elapsed", elapsed.String(),
	)

	r.journal("completion", func(j *journal.Journal) error {
		return j.RecordCompletion(journal.Completion{
			RunID:    r.opts.RunID,
			Task:     task.Title,
			Worker:   r.opts.WorkerIndex,
			Accuracy: outcome.Value,
			Attempts: outcome.Attempts,
			At:       finished,
		})
	})

	_ = r.deps.Sinks.Publish(ctx, sink.Result{
		RunID:           r.opts.RunID,
		Worker:          r.opts.WorkerIndex,
		WorldSize:       r.opts.WorkerCount,
		ModelPath:       r.opts.ModelPath,
		Backend:         string(r.opts.Backend),
		Task:            task.Title,
		Group:           task.Group,
		Locator:         task.Locator,
		Accuracy:        outcome.Value,
		Attempts:        outcome.Attempts,
		Duration:        elapsed,
		At:              finished,
		ResultPath:      resultPath,
		PredictionsPath: predictions,
	})
	return nil
}

func (r *Runner) analyze(ctx context.Context, model evaluator.Model) ([]string, error) {
	ctx, span := r.deps.Tracer.Start(ctx, "blimpeval.aoa")
	defer span.End()

	started := r.deps.Now()
	r.logger.Info("running surprisal analysis", "batch_size", r.opts.AnalysisBatchSize)

	res, err := r.deps.Analyzer.Analyze(ctx, model, evaluator.AnalysisRequest{
		Backend:   r.opts.Backend,
		BatchSize: r.opts.AnalysisBatchSize,
	})
	if err == nil && res == nil {
		err = errors.New("analyzer returned no result")
	}
	if err == nil {
		var paths []string
		paths, err = r.deps.Store.WriteAnalysis(res.AverageSurprisals, res.MeanAbsoluteDeviation)
		if err == nil {
			r.deps.Metrics.RecordAnalysis(ctx, r.deps.Now().Sub(started), telemetry.StatusSucceeded)
			r.logger.Info("surprisal analysis written", "paths", paths)
			_ = r.deps.Sinks.PublishArtifacts(ctx, paths)
			return paths, nil
		}
	}

	r.deps.Metrics.RecordAnalysis(ctx, r.deps.Now().Sub(started), telemetry.StatusFailed)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return nil, fmt.Errorf("surprisal analysis: %w", err)
}

// observeFailure feeds every failed attempt to metrics and the journal.
func (r *Runner) observeFailure(task string, attempt int, delay time.Duration, err error) {
	r.deps.Metrics.RecordFailedAttempt(context.Background(), delay)
	r.journal("attempt", func(j *journal.Journal) error {
		return j.RecordAttempt(journal.Attempt{
			RunID:   r.opts.RunID,
			Task:    task,
			Attempt: attempt,
			Delay:   delay,
			Error:   err.Error(),
			At:      r.deps.Now(),
		})
	})
}

// journal writes are best-effort: the result documents are the durable record.
func (r *Runner) journal(kind string, write func(*journal.Journal) error) {
	if r.deps.Journal == nil {
		return
	}
	if err := write(r.deps.Journal); err != nil {
		r.logger.Warn("journal write failed", "record", kind, "error", err)
	}
}

func titles(tasks []catalogue.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.Title
	}
	return out
}
