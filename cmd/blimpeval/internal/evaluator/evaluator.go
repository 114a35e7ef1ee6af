// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package evaluator defines the boundary to the model-scoring collaborator.
//
// The harness never computes accuracy itself. A Loader turns a model path and
// backend into a Model once per run; the Model scores one task per Evaluate
// call; an Analyzer runs the optional age-of-acquisition surprisal analysis
// against the same loaded Model.
//
// The production implementation (CommandLoader, CommandAnalyzer) drives a
// long-running bridge process over line-delimited JSON.
package evaluator

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/AleutianAI/blimpeval/cmd/blimpeval/internal/util"
)

const (
	// DefaultSeed is the fixed evaluation seed passed with every task.
	DefaultSeed = 12

	// DefaultAnalysisBatchSize is the batch size for the surprisal analysis.
	DefaultAnalysisBatchSize = 32
)

// =============================================================================
// Architectures
// =============================================================================

// Backend identifies the evaluator's model wrapper.
type Backend string

const (
	// BackendCausal scores decoder-only models.
	BackendCausal Backend = "hf-causal"

	// BackendMasked scores encoder-only models.
	BackendMasked Backend = "hf-mlm"

	// BackendSeq2Seq scores encoder-decoder models.
	BackendSeq2Seq Backend = "hf-seq2seq"
)

// architectures maps every accepted spelling to its backend.
var architectures = []struct {
	spelling string
	backend  Backend
}{
	{"decoder only", BackendCausal},
	{"decoder", BackendCausal},
	{"encoder only", BackendMasked},
	{"encoder", BackendMasked},
	{"encoder-decoder", BackendSeq2Seq},
}

// Architectures returns the accepted architecture spellings.
func Architectures() []string {
	out := make([]string, len(architectures))
	for i, a := range architectures {
		out[i] = a.spelling
	}
	return out
}

// ParseArchitecture maps a model architecture spelling to its backend.
//
// # Description
//
// Two spellings are accepted for decoder-only and encoder-only models, one for
// encoder-decoder. Matching is exact after trimming surrounding whitespace.
//
// # Outputs
//
//   - Backend: hf-causal, hf-mlm, or hf-seq2seq
//   - error: *util.ConfigurationError wrapping util.ErrUnknownArchitecture
func ParseArchitecture(s string) (Backend, error) {
	trimmed := strings.TrimSpace(s)
	for _, a := range architectures {
		if a.spelling == trimmed {
			return a.backend, nil
		}
	}
	return "", util.NewConfigurationError("model_type", s, util.ErrUnknownArchitecture,
		"expected one of "+strings.Join(quoteAll(Architectures()), ", "))
}

func quoteAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = "'" + s + "'"
	}
	return out
}

// =============================================================================
// Requests
// =============================================================================

// ModelSpec identifies the model to load.
type ModelSpec struct {
	// Path is the model directory (also the result root).
	Path string

	// Backend selects the evaluator's model wrapper.
	Backend Backend

	// Device is the accelerator identifier, e.g. "cuda" or "cpu".
	Device string

	// TrustRemoteCode allows the model's own loading code to run.
	TrustRemoteCode bool
}

// TaskRequest asks the evaluator to score one task.
type TaskRequest struct {
	// Locator is the fully-qualified task locator.
	Locator string

	// Title is the task title, for logging on the collaborator side.
	Title string

	// Template is the prompt template; always empty for this benchmark.
	Template string

	// NumFewshot is the few-shot example count.
	NumFewshot int

	// Seed is the evaluation seed.
	Seed int

	// PredictionsPath is where the evaluator writes raw per-item predictions.
	// Its directory exists before Evaluate is called.
	PredictionsPath string
}

// AnalysisRequest configures the surprisal analysis.
type AnalysisRequest struct {
	Backend   Backend
	BatchSize int
}

// AnalysisResult carries the two analysis documents, persisted verbatim.
type AnalysisResult struct {
	// AverageSurprisals is the average surprisal per word document.
	AverageSurprisals json.RawMessage

	// MeanAbsoluteDeviation is the mean absolute deviation document.
	MeanAbsoluteDeviation json.RawMessage
}

// =============================================================================
// Collaborators
// =============================================================================

// Loader loads a model and tokenizer once per run.
type Loader interface {
	Load(ctx context.Context, spec ModelSpec) (Model, error)
}

// Model scores tasks against a loaded model.
//
// Evaluate returns accuracy in [0, 1]. Any error is treated as transient by
// the caller and retried with backoff.
type Model interface {
	Evaluate(ctx context.Context, req TaskRequest) (float64, error)
	Close() error
}

// Analyzer runs the age-of-acquisition surprisal analysis.
type Analyzer interface {
	Analyze(ctx context.Context, model Model, req AnalysisRequest) (*AnalysisResult, error)
}
