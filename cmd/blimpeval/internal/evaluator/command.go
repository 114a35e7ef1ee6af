// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package evaluator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/blimpeval/pkg/logging"
)

// DefaultBridgeCommand is the bridge argv used when none is configured.
// The loader appends the "serve" subcommand.
var DefaultBridgeCommand = []string{"python", "-m", "blimpeval_bridge"}

var (
	// ErrBridgeProtocol is returned for malformed or out-of-sequence bridge output.
	ErrBridgeProtocol = errors.New("bridge protocol error")

	// ErrAccuracyRange is returned when the bridge reports accuracy outside [0, 1].
	ErrAccuracyRange = errors.New("accuracy out of range")

	// ErrModelClosed is returned by calls on a closed model.
	ErrModelClosed = errors.New("model closed")

	// ErrForeignModel is returned when CommandAnalyzer gets a model it did not load.
	ErrForeignModel = errors.New("model was not loaded by the bridge")
)

// BridgeError is a failure the bridge reported in a well-formed response.
type BridgeError struct {
	Op      string
	Message string
}

func (e *BridgeError) Error() string {
	return fmt.Sprintf("bridge %s failed: %s", e.Op, e.Message)
}

// =============================================================================
// Loader
// =============================================================================

// CommandLoader starts the bridge process and loads the model in it.
//
// # Description
//
// One bridge process serves the whole run: the model and tokenizer are loaded
// once, then every task and the optional analysis go through the same
// process. If the process dies the next call restarts it and reloads the
// model, so a crash counts as one failed attempt for the retry executor.
//
// # Example
//
//	loader := evaluator.NewCommandLoader(nil, nil, logger)
//	model, err := loader.Load(ctx, evaluator.ModelSpec{Path: "/models/babyllama", Backend: evaluator.BackendCausal, Device: "cuda"})
//	defer model.Close()
type CommandLoader struct {
	command []string
	env     map[string]string
	logger  *logging.Logger
}

// NewCommandLoader creates a loader.
//
// # Inputs
//
//   - command: Bridge argv without the "serve" subcommand; empty uses DefaultBridgeCommand
//   - env: Extra environment variables for the bridge process (may be nil)
//   - logger: Logger for protocol debug output (nil discards)
func NewCommandLoader(command []string, env map[string]string, logger *logging.Logger) *CommandLoader {
	if len(command) == 0 {
		command = DefaultBridgeCommand
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &CommandLoader{
		command: append([]string(nil), command...),
		env:     env,
		logger:  logger,
	}
}

// Load starts the bridge and loads spec into it.
//
// # Outputs
//
//   - Model: A *CommandModel; the caller must Close it
//   - error: *util.CommandError if the process failed, *BridgeError if loading failed
func (l *CommandLoader) Load(ctx context.Context, spec ModelSpec) (Model, error) {
	m := &CommandModel{
		argv:   l.command,
		env:    l.environ(),
		spec:   spec,
		logger: l.logger.With("bridge", strings.Join(l.command, " ")),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.ensure(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (l *CommandLoader) environ() []string {
	env := os.Environ()
	keys := make([]string, 0, len(l.env))
	for k := range l.env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+l.env[k])
	}
	return env
}

// =============================================================================
// Model
// =============================================================================

// CommandModel is a model loaded inside a bridge process.
//
// Calls are serialized; the bridge handles one request at a time.
type CommandModel struct {
	argv   []string
	env    []string
	spec   ModelSpec
	logger *logging.Logger

	mu     sync.Mutex
	proc   *bridgeProcess
	nextID int64
	starts int
	closed bool
}

// Spec returns the loaded model's spec.
func (m *CommandModel) Spec() ModelSpec {
	return m.spec
}

// Restarts returns how many times the bridge was restarted after dying.
func (m *CommandModel) Restarts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.starts == 0 {
		return 0
	}
	return m.starts - 1
}

// Evaluate scores one task.
//
// # Outputs
//
//   - float64: Accuracy in [0, 1]
//   - error: *util.CommandError, *BridgeError, ErrBridgeProtocol, ErrAccuracyRange, or a context error
func (m *CommandModel) Evaluate(ctx context.Context, req TaskRequest) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensure(ctx); err != nil {
		return 0, err
	}
	resp, err := m.call(ctx, bridgeRequest{
		Op: opEvaluate,
		Task: &taskPayload{
			Task:            req.Locator,
			Title:           req.Title,
			Template:        req.Template,
			NumFewshot:      req.NumFewshot,
			Seed:            req.Seed,
			PredictionsPath: req.PredictionsPath,
		},
	})
	if err != nil {
		return 0, err
	}
	if resp.Accuracy == nil {
		return 0, fmt.Errorf("%w: evaluate response for %s has no acc", ErrBridgeProtocol, req.Title)
	}
	acc := *resp.Accuracy
	if math.IsNaN(acc) || acc < 0 || acc > 1 {
		return 0, fmt.Errorf("%w: %s reported %v", ErrAccuracyRange, req.Title, acc)
	}
	return acc, nil
}

// Analyze runs the surprisal analysis in the bridge.
func (m *CommandModel) Analyze(ctx context.Context, req AnalysisRequest) (*AnalysisResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensure(ctx); err != nil {
		return nil, err
	}
	resp, err := m.call(ctx, bridgeRequest{
		Op:       opAnalyze,
		Analysis: &analysisPayload{Backend: string(req.Backend), BatchSize: req.BatchSize},
	})
	if err != nil {
		return nil, err
	}
	if len(resp.AverageSurprisals) == 0 || len(resp.MeanAbsoluteDeviation) == 0 {
		return nil, fmt.Errorf("%w: aoa response is missing a document", ErrBridgeProtocol)
	}
	return &AnalysisResult{
		AverageSurprisals:     resp.AverageSurprisals,
		MeanAbsoluteDeviation: resp.MeanAbsoluteDeviation,
	}, nil
}

// Close asks the bridge to exit and waits for it. Safe to call more than once.
func (m *CommandModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	if m.proc == nil {
		return nil
	}
	p := m.proc
	m.proc = nil
	m.nextID++
	return p.shutdown(m.nextID, closeGrace)
}

// ensure starts the bridge and loads the model if no live process exists.
// Caller holds mu.
func (m *CommandModel) ensure(ctx context.Context) error {
	if m.closed {
		return ErrModelClosed
	}
	if m.proc != nil && m.proc.alive() {
		return nil
	}
	m.discard()
	if m.starts > 0 {
		m.logger.Warn("restarting bridge", "restarts", m.starts)
	}

	p, err := startBridge(m.argv, m.env)
	if err != nil {
		return err
	}
	m.proc = p
	m.starts++

	_, err = m.call(ctx, bridgeRequest{
		Op: opLoad,
		Model: &modelPayload{
			ModelPath:       m.spec.Path,
			Backend:         string(m.spec.Backend),
			Device:          m.spec.Device,
			TrustRemoteCode: m.spec.TrustRemoteCode,
		},
	})
	if err != nil {
		m.discard()
		return fmt.Errorf("load model %s: %w", m.spec.Path, err)
	}
	m.logger.Debug("model loaded", "model_path", m.spec.Path, "backend", m.spec.Backend)
	return nil
}

// call performs one request on the live process. A transport failure leaves
// the process in an unknown state, so it is discarded. Caller holds mu.
func (m *CommandModel) call(ctx context.Context, req bridgeRequest) (*bridgeResponse, error) {
	m.nextID++
	req.ID = m.nextID

	start := time.Now()
	resp, err := m.proc.roundTrip(ctx, req)
	if err != nil {
		m.discard()
		return nil, err
	}
	m.logger.Debug("bridge call", "op", req.Op, "id", req.ID, "ok", resp.OK, "duration", time.Since(start).String())
	if !resp.OK {
		return nil, &BridgeError{Op: req.Op, Message: resp.Error}
	}
	return resp, nil
}

func (m *CommandModel) discard() {
	if m.proc != nil {
		m.proc.kill()
		m.proc = nil
	}
}

// =============================================================================
// Analyzer
// =============================================================================

// CommandAnalyzer runs the analysis in the bridge that loaded the model.
type CommandAnalyzer struct{}

// NewCommandAnalyzer creates an analyzer.
func NewCommandAnalyzer() *CommandAnalyzer {
	return &CommandAnalyzer{}
}

// Analyze requires a model produced by CommandLoader.
func (a *CommandAnalyzer) Analyze(ctx context.Context, model Model, req AnalysisRequest) (*AnalysisResult, error) {
	cm, ok := model.(*CommandModel)
	if !ok {
		return nil, fmt.Errorf("%w: got %T", ErrForeignModel, model)
	}
	return cm.Analyze(ctx, req)
}

var (
	_ Loader   = (*CommandLoader)(nil)
	_ Model    = (*CommandModel)(nil)
	_ Analyzer = (*CommandAnalyzer)(nil)
)
