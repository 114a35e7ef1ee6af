// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package store persists per-task results under the model directory.
//
// Layout, rooted at the model path:
//
//	zeroshot/<title>/predictions.txt        written by the evaluator
//	zeroshot/<title>/eval_results.json      {"eval_accuracy": <float>}
//	aoa_prediction/extracted_average_surprisals.json
//	aoa_prediction/mean_absolute_deviation_results.json
//
// Every document is fully encoded in memory and then written through a temp
// file and rename, so a reader never observes a partial file and re-running a
// task replaces the previous document.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	// ZeroShotDir is the per-task results directory under the root.
	ZeroShotDir = "zeroshot"

	// AnalysisDir holds the two analysis documents.
	AnalysisDir = "aoa_prediction"

	// PredictionsFile is the evaluator's raw per-item output.
	PredictionsFile = "predictions.txt"

	// ResultFile is the accuracy document.
	ResultFile = "eval_results.json"

	// SurprisalsFile is the average-surprisal-per-word analysis document.
	SurprisalsFile = "extracted_average_surprisals.json"

	// DeviationFile is the mean-absolute-deviation analysis document.
	DeviationFile = "mean_absolute_deviation_results.json"

	dirPerm  = 0o755
	filePerm = 0o644
)

// ErrInvalidTitle is returned for titles that would escape the task directory.
var ErrInvalidTitle = errors.New("invalid task title")

// StorageError is a filesystem failure while preparing or writing results.
// It is fatal for the run and never retried.
type StorageError struct {
	// Op is the failed operation ("mkdir", "write", "rename", "read", ...).
	Op string

	// Path is the file or directory involved.
	Path string

	// Err is the underlying cause.
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// IsStorageError reports whether err carries a *StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// Result is the on-disk accuracy document.
type Result struct {
	EvalAccuracy float64 `json:"eval_accuracy"`
}

// Store writes results beneath a root directory. It holds no mutable state
// and is safe for concurrent use on distinct titles.
type Store struct {
	root string
}

// New creates a Store rooted at root (normally the model path).
// The root is not created until something is written.
func New(root string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, &StorageError{Op: "open", Path: root, Err: errors.New("empty root")}
	}
	return &Store{root: filepath.Clean(root)}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string {
	return s.root
}

// TaskDir returns <root>/zeroshot/<title>.
func (s *Store) TaskDir(title string) string {
	return filepath.Join(s.root, ZeroShotDir, title)
}

// PredictionsPath returns <root>/zeroshot/<title>/predictions.txt.
func (s *Store) PredictionsPath(title string) string {
	return filepath.Join(s.TaskDir(title), PredictionsFile)
}

// ResultPath returns <root>/zeroshot/<title>/eval_results.json.
func (s *Store) ResultPath(title string) string {
	return filepath.Join(s.TaskDir(title), ResultFile)
}

// AnalysisPaths returns the surprisal and deviation document paths.
func (s *Store) AnalysisPaths() (surprisals, deviation string) {
	dir := filepath.Join(s.root, AnalysisDir)
	return filepath.Join(dir, SurprisalsFile), filepath.Join(dir, DeviationFile)
}

// PrepareTask creates the task directory and returns the predictions path.
//
// # Description
//
// Must be called before the evaluator runs: the evaluator writes its raw
// predictions into this directory but does not create it.
//
// # Outputs
//
//   - string: Path the evaluator should write predictions to
//   - error: *StorageError
func (s *Store) PrepareTask(title string) (string, error) {
	if err := checkTitle(title); err != nil {
		return "", err
	}
	dir := s.TaskDir(title)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return "", &StorageError{Op: "mkdir", Path: dir, Err: err}
	}
	return s.PredictionsPath(title), nil
}

// Persist writes {"eval_accuracy": accuracy} for title, replacing any prior document.
//
// # Outputs
//
//   - string: Path of the written document
//   - error: *StorageError
func (s *Store) Persist(title string, accuracy float64) (string, error) {
	if err := checkTitle(title); err != nil {
		return "", err
	}
	path := s.ResultPath(title)
	data, err := json.Marshal(Result{EvalAccuracy: accuracy})
	if err != nil {
		return "", &StorageError{Op: "encode", Path: path, Err: err}
	}
	if err := writeAtomic(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// Load reads the accuracy recorded for title.
//
// A missing document is a *StorageError wrapping fs.ErrNotExist.
func (s *Store) Load(title string) (float64, error) {
	if err := checkTitle(title); err != nil {
		return 0, err
	}
	path := s.ResultPath(title)
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, &StorageError{Op: "read", Path: path, Err: err}
	}
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return 0, &StorageError{Op: "decode", Path: path, Err: err}
	}
	return r.EvalAccuracy, nil
}

// Completed scans zeroshot/ and returns every title with a result document.
//
// Task directories without eval_results.json (prepared, never finished) are
// skipped. A missing zeroshot/ directory yields an empty map.
func (s *Store) Completed() (map[string]float64, error) {
	base := filepath.Join(s.root, ZeroShotDir)
	entries, err := os.ReadDir(base)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]float64{}, nil
	}
	if err != nil {
		return nil, &StorageError{Op: "readdir", Path: base, Err: err}
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	done := make(map[string]float64, len(names))
	for _, title := range names {
		acc, err := s.Load(title)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		done[title] = acc
	}
	return done, nil
}

// WriteAnalysis persists the two analysis documents verbatim (re-indented).
//
// # Inputs
//
//   - surprisals: Average surprisal per word document
//   - deviation: Mean absolute deviation document
//
// # Outputs
//
//   - []string: Written paths, surprisals first
//   - error: *StorageError; invalid JSON is reported with Op "encode"
func (s *Store) WriteAnalysis(surprisals, deviation json.RawMessage) ([]string, error) {
	surprisalsPath, deviationPath := s.AnalysisPaths()
	docs := []struct {
		path string
		data json.RawMessage
	}{
		{surprisalsPath, surprisals},
		{deviationPath, deviation},
	}

	written := make([]string, 0, len(docs))
	for _, doc := range docs {
		data, err := indent(doc.data)
		if err != nil {
			return written, &StorageError{Op: "encode", Path: doc.path, Err: err}
		}
		if err := writeAtomic(doc.path, data); err != nil {
			return written, err
		}
		written = append(written, doc.path)
	}
	return written, nil
}

func indent(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return nil, errors.New("empty document")
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return nil, err
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// checkTitle rejects titles that are not a single path element.
func checkTitle(title string) error {
	if title == "" || title == "." || title == ".." ||
		strings.ContainsAny(title, `/\`) || strings.ContainsRune(title, 0) {
		return &StorageError{Op: "validate", Path: title, Err: ErrInvalidTitle}
	}
	return nil
}

// writeAtomic writes data to path via a temp file in the same directory.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return &StorageError{Op: "mkdir", Path: dir, Err: err}
	}

	tempFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return &StorageError{Op: "create", Path: path, Err: err}
	}
	tempPath := tempFile.Name()

	success := false
	defer func() {
		if !success {
			_ = os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		return &StorageError{Op: "write", Path: path, Err: err}
	}
	if err := tempFile.Sync(); err != nil {
		_ = tempFile.Close()
		return &StorageError{Op: "sync", Path: path, Err: err}
	}
	if err := tempFile.Close(); err != nil {
		return &StorageError{Op: "close", Path: path, Err: err}
	}
	if err := os.Chmod(tempPath, filePerm); err != nil {
		return &StorageError{Op: "chmod", Path: path, Err: err}
	}
	if err := os.Rename(tempPath, path); err != nil {
		return &StorageError{Op: "rename", Path: path, Err: err}
	}

	success = true
	return nil
}
