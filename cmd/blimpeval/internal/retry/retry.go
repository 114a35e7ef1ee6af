// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retry wraps a single task evaluation with bounded exponential backoff.
//
// Every evaluator error is treated as transient. Colocated workers read the
// same benchmark files and the evaluator gives no reliable way to tell a
// contended file from any other failure, so the only stop condition is the
// backoff ceiling.
//
// With the default policy a failing task is invoked 8 times, sleeping
// 1, 2, 4, 8, 16, 32 and 64 seconds in between, and then the run aborts with
// an *ExhaustedError.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/blimpeval/pkg/logging"
)

// =============================================================================
// Policy
// =============================================================================

// Policy configures the backoff schedule.
type Policy struct {
	// InitialDelay is the first delay, in units. Default: 1
	InitialDelay int

	// Ceiling is the largest delay that is still slept. A failure whose
	// pending delay exceeds Ceiling aborts the task. Default: 64
	Ceiling int

	// Unit is the duration of one delay unit. Default: 1s
	Unit time.Duration
}

// DefaultPolicy returns the 1..64 second schedule.
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay: 1,
		Ceiling:      64,
		Unit:         time.Second,
	}
}

// ErrInvalidPolicy is returned by Validate for unusable schedules.
var ErrInvalidPolicy = errors.New("invalid retry policy")

// Validate checks that the policy terminates.
func (p Policy) Validate() error {
	if p.InitialDelay < 1 {
		return fmt.Errorf("%w: initial delay %d must be at least 1", ErrInvalidPolicy, p.InitialDelay)
	}
	if p.Ceiling < p.InitialDelay {
		return fmt.Errorf("%w: ceiling %d is below initial delay %d", ErrInvalidPolicy, p.Ceiling, p.InitialDelay)
	}
	if p.Unit <= 0 {
		return fmt.Errorf("%w: unit %s must be positive", ErrInvalidPolicy, p.Unit)
	}
	return nil
}

// Schedule returns the delays, in units, that are slept before giving up.
//
//	DefaultPolicy().Schedule() // [1 2 4 8 16 32 64]
func (p Policy) Schedule() []int {
	var delays []int
	for d := p.InitialDelay; d <= p.Ceiling; d *= 2 {
		delays = append(delays, d)
	}
	return delays
}

// MaxAttempts is the number of evaluator calls made for a task that never succeeds.
func (p Policy) MaxAttempts() int {
	return len(p.Schedule()) + 1
}

// =============================================================================
// Errors
// =============================================================================

// TransientError is one failed evaluator call.
type TransientError struct {
	// Task is the task title.
	Task string

	// Attempt is the 1-based call number.
	Attempt int

	// Err is the evaluator's error.
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("evaluate %s (attempt %d): %v", e.Task, e.Attempt, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

// ExhaustedError means a task kept failing past the backoff ceiling.
//
// It is fatal for the whole run: later tasks in the assignment are not attempted.
type ExhaustedError struct {
	// Task is the task title.
	Task string

	// Attempts is the number of evaluator calls made.
	Attempts int

	// LastDelay is the pending delay, in units, that crossed the ceiling.
	LastDelay int

	// Err is the last *TransientError.
	Err error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry exhausted for %s after %d attempts (next delay %d > ceiling): %v",
		e.Task, e.Attempts, e.LastDelay, e.Err)
}

func (e *ExhaustedError) Unwrap() error {
	return e.Err
}

// IsExhausted reports whether err carries an *ExhaustedError.
func IsExhausted(err error) bool {
	var exhausted *ExhaustedError
	return errors.As(err, &exhausted)
}

// =============================================================================
// Executor
// =============================================================================

// Sleeper suspends the caller for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Observer is told about every failed attempt. Used for metrics and the journal.
type Observer func(task string, attempt int, delay time.Duration, err error)

// Call evaluates one task and returns its accuracy.
type Call func(ctx context.Context) (float64, error)

// Outcome summarizes a successful Run.
type Outcome struct {
	// Value is the accuracy returned by the successful call.
	Value float64

	// Attempts is the number of calls made, including the successful one.
	Attempts int

	// Waited is the total backoff slept.
	Waited time.Duration
}

// Executor runs calls under a Policy. Safe for sequential reuse across tasks;
// RetryState lives on the stack of Run, not in the Executor.
type Executor struct {
	policy   Policy
	sleep    Sleeper
	logger   *logging.Logger
	observer Observer
}

// Option configures an Executor.
type Option func(*Executor)

// WithSleeper replaces the real-time sleeper. Tests use this to record delays.
func WithSleeper(s Sleeper) Option {
	return func(e *Executor) {
		if s != nil {
			e.sleep = s
		}
	}
}

// WithLogger sets the logger used for the per-failure Warn entries.
func WithLogger(l *logging.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithObserver registers a callback invoked after every failed attempt.
func WithObserver(o Observer) Option {
	return func(e *Executor) {
		e.observer = o
	}
}

// NewExecutor creates an Executor.
//
// # Inputs
//
//   - policy: Backoff schedule; must pass Validate
//   - opts: Optional sleeper, logger, and observer
//
// # Outputs
//
//   - *Executor: Ready to use
//   - error: Wrapping ErrInvalidPolicy if the policy is unusable
func NewExecutor(policy Policy, opts ...Option) (*Executor, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	e := &Executor{
		policy: policy,
		sleep:  SleepContext,
		logger: logging.Discard(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Policy returns the executor's schedule.
func (e *Executor) Policy() Policy {
	return e.policy
}

// Run invokes call until it succeeds or the backoff ceiling is crossed.
//
// # Description
//
// The delay starts at Policy.InitialDelay. After each failure the task,
// attempt, error, and pending delay are logged at Warn. If the pending delay
// exceeds Policy.Ceiling the run is over; otherwise the executor sleeps the
// delay, doubles it, and calls again.
//
// Context cancellation is not retried: a cancelled context before a call or
// during a sleep is returned as-is (wrapped with the task title).
//
// # Inputs
//
//   - ctx: Cancellation for the whole run
//   - task: Task title used in logs and errors
//   - call: The evaluation
//
// # Outputs
//
//   - Outcome: Accuracy and attempt statistics on success
//   - error: *ExhaustedError wrapping the last *TransientError, or a context error
func (e *Executor) Run(ctx context.Context, task string, call Call) (Outcome, error) {
	var out Outcome
	delay := e.policy.InitialDelay

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return out, fmt.Errorf("evaluate %s: %w", task, err)
		}

		out.Attempts = attempt
		value, err := call(ctx)
		if err == nil {
			out.Value = value
			return out, nil
		}

		// Cancellation surfacing through the evaluator is not a transient failure.
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return out, fmt.Errorf("evaluate %s: %w", task, err)
		}

		wait := time.Duration(delay) * e.policy.Unit
		e.logger.Warn("task evaluation failed",
			"task", task,
			"attempt", attempt,
			"error", err,
			"delay", delay,
			"delay_duration", wait.String(),
		)
		if e.observer != nil {
			e.observer(task, attempt, wait, err)
		}

		transient := &TransientError{Task: task, Attempt: attempt, Err: err}
		if delay > e.policy.Ceiling {
			return out, &ExhaustedError{
				Task:      task,
				Attempts:  attempt,
				LastDelay: delay,
				Err:       transient,
			}
		}

		if err := e.sleep(ctx, wait); err != nil {
			return out, fmt.Errorf("evaluate %s: backoff interrupted: %w", task, err)
		}
		out.Waited += wait
		delay *= 2
	}
}

// SleepContext blocks for d or until ctx is done, whichever comes first.
func SleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
