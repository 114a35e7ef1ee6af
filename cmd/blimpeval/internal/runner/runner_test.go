// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/AleutianAI/blimpeval/cmd/blimpeval/internal/catalogue"
	"github.com/AleutianAI/blimpeval/cmd/blimpeval/internal/evaluator"
	"github.com/AleutianAI/blimpeval/cmd/blimpeval/internal/journal"
	"github.com/AleutianAI/blimpeval/cmd/blimpeval/internal/report"
	"github.com/AleutianAI/blimpeval/cmd/blimpeval/internal/retry"
	"github.com/AleutianAI/blimpeval/cmd/blimpeval/internal/sink"
	"github.com/AleutianAI/blimpeval/cmd/blimpeval/internal/store"
	"github.com/AleutianAI/blimpeval/cmd/blimpeval/internal/telemetry"
	"github.com/AleutianAI/blimpeval/cmd/blimpeval/internal/util"
)

// =============================================================================
// Fakes
// =============================================================================

type fakeModel struct {
	mu sync.Mutex

	accuracy float64

	// failures is the number of leading failures per title; -1 fails forever.
	failures map[string]int
	calls    []evaluator.TaskRequest
	closed   bool
}

func (m *fakeModel) Evaluate(_ context.Context, req evaluator.TaskRequest) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, req)
	if _, err := os.Stat(filepath.Dir(req.PredictionsPath)); err != nil {
		return 0, errors.New("predictions directory missing")
	}
	if n, ok := m.failures[req.Title]; ok && n != 0 {
		if n > 0 {
			m.failures[req.Title] = n - 1
		}
		return 0, errors.New("CUDA out of memory")
	}
	return m.accuracy, nil
}

func (m *fakeModel) Close() error {
	m.closed = true
	return nil
}

func (m *fakeModel) titles() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.calls))
	for i, c := range m.calls {
		out[i] = c.Title
	}
	return out
}

type fakeLoader struct {
	model *fakeModel
	err   error
	specs []evaluator.ModelSpec
}

func (l *fakeLoader) Load(_ context.Context, spec evaluator.ModelSpec) (evaluator.Model, error) {
	l.specs = append(l.specs, spec)
	if l.err != nil {
		return nil, l.err
	}
	return l.model, nil
}

type fakeAnalyzer struct {
	err   error
	calls []evaluator.AnalysisRequest
}

func (a *fakeAnalyzer) Analyze(_ context.Context, _ evaluator.Model, req evaluator.AnalysisRequest) (*evaluator.AnalysisResult, error) {
	a.calls = append(a.calls, req)
	if a.err != nil {
		return nil, a.err
	}
	return &evaluator.AnalysisResult{
		AverageSurprisals:     json.RawMessage(`{"the": 1.5}`),
		MeanAbsoluteDeviation: json.RawMessage(`{"mad": 0.25}`),
	}, nil
}

type recordingSleeper struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

type captureSink struct {
	results   []sink.Result
	artifacts []string
}

func (c *captureSink) Name() string { return "capture" }

func (c *captureSink) Publish(_ context.Context, r sink.Result) error {
	c.results = append(c.results, r)
	return nil
}

func (c *captureSink) PublishArtifacts(_ context.Context, paths []string) error {
	c.artifacts = append(c.artifacts, paths...)
	return nil
}

func (c *captureSink) Close() error { return nil }

// =============================================================================
// Harness
// =============================================================================

type harness struct {
	root     string
	out      *bytes.Buffer
	model    *fakeModel
	loader   *fakeLoader
	analyzer *fakeAnalyzer
	sleeper  *recordingSleeper
	store    *store.Store
	deps     Dependencies
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	st, err := store.New(root)
	require.NoError(t, err)

	h := &harness{
		root:     root,
		out:      &bytes.Buffer{},
		model:    &fakeModel{accuracy: 0.75, failures: map[string]int{}},
		analyzer: &fakeAnalyzer{},
		sleeper:  &recordingSleeper{},
		store:    st,
	}
	h.loader = &fakeLoader{model: h.model}
	h.deps = Dependencies{
		Loader:   h.loader,
		Analyzer: h.analyzer,
		Store:    st,
		Reporter: report.New(h.out),
		Sleeper:  h.sleeper.Sleep,
	}
	return h
}

func (h *harness) options(selector string) Options {
	opts := DefaultOptions()
	opts.ModelPath = h.root
	opts.Backend = evaluator.BackendCausal
	opts.Selector = selector
	opts.RunID = "test-run"
	return opts
}

func resultFiles(t *testing.T, root string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(root, store.ZeroShotDir, "*", store.ResultFile))
	require.NoError(t, err)
	return matches
}

// =============================================================================
// Options Tests
// =============================================================================

func TestOptions_Validate(t *testing.T) {
	base := DefaultOptions()
	base.ModelPath = "/models/m"
	base.Backend = evaluator.BackendCausal

	tests := []struct {
		name     string
		mutate   func(*Options)
		field    string
		sentinel error
	}{
		{"valid", func(*Options) {}, "", nil},
		{"index equals count", func(o *Options) { o.WorkerIndex, o.WorkerCount = 2, 2 }, "process_index", util.ErrWorkerRange},
		{"negative index", func(o *Options) { o.WorkerIndex = -1 }, "process_index", util.ErrWorkerRange},
		{"zero count", func(o *Options) { o.WorkerIndex, o.WorkerCount = -1, 0 }, "process_index", util.ErrWorkerRange},
		{"negative fewshot", func(o *Options) { o.NumFewshot = -1 }, "num_fewshot", util.ErrInvalidOption},
		{"missing model path", func(o *Options) { o.ModelPath = "" }, "model_path", util.ErrInvalidOption},
		{"zero batch size", func(o *Options) { o.AnalysisBatchSize = 0 }, "batch_size", util.ErrInvalidOption},
		{"unknown selector", func(o *Options) { o.Selector = "glue" }, "tasks", util.ErrUnknownSelector},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := base
			tt.mutate(&opts)
			err := opts.Validate(catalogue.Builtin())
			if tt.sentinel == nil {
				assert.NoError(t, err)
				return
			}
			var cfgErr *util.ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
			assert.ErrorIs(t, err, tt.sentinel)
		})
	}
}

func TestNew_ConfigurationErrorBeforeLoad(t *testing.T) {
	h := newHarness(t)
	opts := h.options(catalogue.SelectAll)
	opts.WorkerIndex, opts.WorkerCount = 3, 2

	_, err := New(opts, h.deps)
	assert.True(t, util.IsConfigurationError(err))
	assert.Empty(t, h.loader.specs)
	assert.Empty(t, h.model.calls)
}

func TestNew_MissingDependencies(t *testing.T) {
	h := newHarness(t)
	opts := h.options(catalogue.GroupBlimp)

	tests := []struct {
		name   string
		mutate func(*Dependencies, *Options)
	}{
		{"loader", func(d *Dependencies, _ *Options) { d.Loader = nil }},
		{"store", func(d *Dependencies, _ *Options) { d.Store = nil }},
		{"reporter", func(d *Dependencies, _ *Options) { d.Reporter = nil }},
		{"analyzer", func(d *Dependencies, o *Options) { d.Analyzer = nil; o.RunAnalysis = true }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps, o := h.deps, opts
			tt.mutate(&deps, &o)
			_, err := New(o, deps)
			assert.ErrorIs(t, err, ErrMissingDependency)
		})
	}
}

// =============================================================================
// Run Tests
// =============================================================================

func TestRun_BlimpEndToEnd(t *testing.T) {
	h := newHarness(t)
	r, err := New(h.options(catalogue.GroupBlimp), h.deps)
	require.NoError(t, err)

	summary, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Len(t, resultFiles(t, h.root), 12)
	assert.Len(t, summary.Scores, 12)
	assert.Equal(t, 12, summary.Assignment.Total)
	assert.True(t, h.model.closed)

	data, err := os.ReadFile(filepath.Join(h.root, "zeroshot", "anaphor_agreement", "eval_results.json"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"eval_accuracy": 0.75}`, string(data))

	out := h.out.String()
	assert.Contains(t, out, "anaphor_agreement:\t75.00%\n")
	assert.Contains(t, out, "\nScores:\n")
	assert.Equal(t, 24, strings.Count(out, "\t75.00%"), "each task printed on record and in the summary")

	require.Len(t, h.loader.specs, 1, "model loaded once")
	assert.Equal(t, evaluator.ModelSpec{Path: h.root, Backend: evaluator.BackendCausal, Device: "cuda"}, h.loader.specs[0])

	first := h.model.calls[0]
	assert.Equal(t, "blimp_from_file:filter-data/blimp_filtered/anaphor_agreement.json", first.Locator)
	assert.Equal(t, evaluator.DefaultSeed, first.Seed)
	assert.Empty(t, first.Template)
	assert.Equal(t, h.store.PredictionsPath("anaphor_agreement"), first.PredictionsPath)
}

func TestRun_DryRunEvaluatesOneTask(t *testing.T) {
	h := newHarness(t)
	opts := h.options(catalogue.SelectAll)
	opts.DryRun = true

	r, err := New(opts, h.deps)
	require.NoError(t, err)
	_, err = r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"anaphor_agreement"}, h.model.titles())
	assert.Len(t, resultFiles(t, h.root), 1)
}

func TestRun_WorkersPartitionTheList(t *testing.T) {
	var all []string
	for idx := 0; idx < 3; idx++ {
		h := newHarness(t)
		opts := h.options(catalogue.GroupSupplement)
		opts.WorkerIndex, opts.WorkerCount = idx, 3

		r, err := New(opts, h.deps)
		require.NoError(t, err)
		_, err = r.Run(context.Background())
		require.NoError(t, err)
		all = append(all, h.model.titles()...)
	}
	assert.ElementsMatch(t, []string{
		"hypernym", "qa_congruence_easy", "qa_congruence_tricky", "subject_aux_inversion", "turn_taking",
	}, all)
}

func TestRun_RetriesThenSucceeds(t *testing.T) {
	h := newHarness(t)
	h.model.failures["binding"] = 2

	j, err := journal.Open(journal.InMemoryConfig())
	require.NoError(t, err)
	defer j.Close()
	h.deps.Journal = j

	r, err := New(h.options(catalogue.GroupBlimp), h.deps)
	require.NoError(t, err)
	_, err = r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, h.sleeper.delays)

	attempts, err := j.Attempts("binding")
	require.NoError(t, err)
	assert.Len(t, attempts, 2)

	completions, err := j.Completions()
	require.NoError(t, err)
	assert.Len(t, completions, 12)
	assert.Equal(t, 3, completions["binding"].Attempts)

	runs, err := j.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, journal.StatusSucceeded, runs[0].Status)
}

func TestRun_ExhaustionAbortsAndKeepsEarlierResults(t *testing.T) {
	h := newHarness(t)
	h.model.failures["binding"] = -1

	j, err := journal.Open(journal.InMemoryConfig())
	require.NoError(t, err)
	defer j.Close()
	h.deps.Journal = j

	r, err := New(h.options(catalogue.GroupBlimp), h.deps)
	require.NoError(t, err)
	_, err = r.Run(context.Background())
	require.Error(t, err)

	var taskErr *TaskError
	require.ErrorAs(t, err, &taskErr)
	assert.Equal(t, "binding", taskErr.Task)
	assert.True(t, retry.IsExhausted(err))
	assert.Contains(t, err.Error(), "binding")

	// anaphor_agreement and argument_structure finished before binding.
	assert.Len(t, resultFiles(t, h.root), 2)
	assert.NotContains(t, h.model.titles(), "control_raising")
	assert.Len(t, h.sleeper.delays, 7)
	assert.NotContains(t, h.out.String(), "Scores:")

	runs, err := j.Runs()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, journal.StatusFailed, runs[0].Status)
}

func TestRun_StorageErrorIsNotRetried(t *testing.T) {
	h := newHarness(t)
	blocker := filepath.Join(h.root, store.ZeroShotDir, "argument_structure")
	require.NoError(t, os.MkdirAll(filepath.Dir(blocker), 0o755))
	require.NoError(t, os.WriteFile(blocker, []byte("not a directory"), 0o644))

	r, err := New(h.options(catalogue.GroupBlimp), h.deps)
	require.NoError(t, err)
	_, err = r.Run(context.Background())

	assert.True(t, store.IsStorageError(err))
	var taskErr *TaskError
	require.ErrorAs(t, err, &taskErr)
	assert.Equal(t, "argument_structure", taskErr.Task)
	assert.Equal(t, []string{"anaphor_agreement"}, h.model.titles())
	assert.Empty(t, h.sleeper.delays)
}

func TestRun_LoadFailure(t *testing.T) {
	h := newHarness(t)
	h.loader.err = errors.New("no such model")

	r, err := New(h.options(catalogue.GroupBlimp), h.deps)
	require.NoError(t, err)
	_, err = r.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load model")
	assert.Empty(t, resultFiles(t, h.root))
}

func TestRun_ContextCancelled(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r, err := New(h.options(catalogue.GroupBlimp), h.deps)
	require.NoError(t, err)
	_, err = r.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, h.model.calls)
}

func TestRun_Analysis(t *testing.T) {
	t.Run("worker 0 writes both documents", func(t *testing.T) {
		h := newHarness(t)
		capture := &captureSink{}
		h.deps.Sinks = sink.NewFanout(nil, nil, capture)
		opts := h.options(catalogue.GroupSupplement)
		opts.RunAnalysis = true

		r, err := New(opts, h.deps)
		require.NoError(t, err)
		summary, err := r.Run(context.Background())
		require.NoError(t, err)

		require.Len(t, h.analyzer.calls, 1)
		assert.Equal(t, evaluator.AnalysisRequest{Backend: evaluator.BackendCausal, BatchSize: 32}, h.analyzer.calls[0])
		assert.Len(t, summary.Analysis, 2)
		assert.Equal(t, summary.Analysis, capture.artifacts)

		surprisals, deviation := h.store.AnalysisPaths()
		assert.FileExists(t, surprisals)
		assert.FileExists(t, deviation)
		assert.NotContains(t, h.out.String(), AnalysisSkippedNote)
	})

	t.Run("other workers skip", func(t *testing.T) {
		h := newHarness(t)
		opts := h.options(catalogue.GroupSupplement)
		opts.RunAnalysis = true
		opts.WorkerIndex, opts.WorkerCount = 1, 2

		r, err := New(opts, h.deps)
		require.NoError(t, err)
		summary, err := r.Run(context.Background())
		require.NoError(t, err)
		assert.Empty(t, h.analyzer.calls)
		assert.Empty(t, summary.Analysis)
		assert.True(t, strings.HasSuffix(h.out.String(), AnalysisSkippedNote+"\n"), h.out.String())
	})

	t.Run("failure is fatal after the summary", func(t *testing.T) {
		h := newHarness(t)
		h.analyzer.err = errors.New("tokenizer mismatch")
		opts := h.options(catalogue.GroupSupplement)
		opts.RunAnalysis = true

		r, err := New(opts, h.deps)
		require.NoError(t, err)
		_, err = r.Run(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "surprisal analysis")
		assert.Contains(t, h.out.String(), "Scores:")
		assert.Len(t, resultFiles(t, h.root), 5)
	})
}

func TestRun_SinksReceiveEveryTask(t *testing.T) {
	h := newHarness(t)
	capture := &captureSink{}
	h.deps.Sinks = sink.NewFanout(nil, nil, capture)

	opts := h.options(catalogue.GroupSupplement)
	r, err := New(opts, h.deps)
	require.NoError(t, err)
	_, err = r.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, capture.results, 5)
	first := capture.results[0]
	assert.Equal(t, "hypernym", first.Task)
	assert.Equal(t, catalogue.GroupSupplement, first.Group)
	assert.Equal(t, "test-run", first.RunID)
	assert.Equal(t, h.store.ResultPath("hypernym"), first.ResultPath)
	assert.InDelta(t, 0.75, first.Accuracy, 1e-9)
	assert.Equal(t, 1, first.Attempts)
}

func TestRun_Metrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	m, err := telemetry.NewMetrics(mp.Meter("test"))
	require.NoError(t, err)

	h := newHarness(t)
	h.model.failures["hypernym"] = 1
	h.deps.Metrics = m

	r, err := New(h.options(catalogue.GroupSupplement), h.deps)
	require.NoError(t, err)
	_, err = r.Run(context.Background())
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	values := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, metric := range sm.Metrics {
			if sum, ok := metric.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					values[metric.Name] += dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(5), values["blimpeval_tasks_total"])
	assert.Equal(t, int64(1), values["blimpeval_failed_attempts_total"])
}
