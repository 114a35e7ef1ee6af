// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sink exports task results beyond the local result store.
//
// Sinks are best-effort. The documents under zeroshot/ are the durable
// record; a sink that fails is logged and counted, never fatal.
package sink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/blimpeval/pkg/logging"
)

// Result is one persisted task, as seen by exporters.
type Result struct {
	RunID     string
	Worker    int
	WorldSize int
	ModelPath string
	Backend   string

	Task    string
	Group   string
	Locator string

	Accuracy float64
	Attempts int
	Duration time.Duration
	At       time.Time

	// ResultPath is the local eval_results.json.
	ResultPath string

	// PredictionsPath is the local predictions.txt; it may not exist.
	PredictionsPath string
}

// Sink receives every persisted task result.
type Sink interface {
	Name() string
	Publish(ctx context.Context, r Result) error
	Close() error
}

// ArtifactSink is implemented by sinks that also mirror run-level files,
// such as the analysis documents.
type ArtifactSink interface {
	PublishArtifacts(ctx context.Context, paths []string) error
}

// ErrorHandler is called for every failed sink operation.
type ErrorHandler func(sink string, err error)

// Fanout publishes to several sinks and absorbs their failures.
type Fanout struct {
	sinks   []Sink
	logger  *logging.Logger
	onError ErrorHandler
}

// NewFanout creates a Fanout. logger and onError may be nil.
func NewFanout(logger *logging.Logger, onError ErrorHandler, sinks ...Sink) *Fanout {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Fanout{sinks: sinks, logger: logger, onError: onError}
}

// Len returns the number of sinks.
func (f *Fanout) Len() int {
	return len(f.sinks)
}

// Names returns the sink names in publish order.
func (f *Fanout) Names() []string {
	names := make([]string, len(f.sinks))
	for i, s := range f.sinks {
		names[i] = s.Name()
	}
	return names
}

// Publish sends r to every sink. Failures are logged at Warn and reported
// to the error handler; the joined error is returned for inspection only.
func (f *Fanout) Publish(ctx context.Context, r Result) error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Publish(ctx, r); err != nil {
			errs = append(errs, f.fail(s.Name(), "task", r.Task, err))
		}
	}
	return errors.Join(errs...)
}

// PublishArtifacts mirrors run-level files to every ArtifactSink.
func (f *Fanout) PublishArtifacts(ctx context.Context, paths []string) error {
	var errs []error
	for _, s := range f.sinks {
		as, ok := s.(ArtifactSink)
		if !ok {
			continue
		}
		if err := as.PublishArtifacts(ctx, paths); err != nil {
			errs = append(errs, f.fail(s.Name(), "artifacts", fmt.Sprint(len(paths)), err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink and returns the joined errors.
func (f *Fanout) Close() error {
	var errs []error
	for _, s := range f.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (f *Fanout) fail(name, key, value string, err error) error {
	f.logger.Warn("result export failed", "sink", name, key, value, "error", err)
	if f.onError != nil {
		f.onError(name, err)
	}
	return fmt.Errorf("%s: %w", name, err)
}
