// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package util

import (
	"errors"
	"fmt"
	"strings"
)

// =============================================================================
// Sentinel Errors
// =============================================================================

var (
	// ErrUnknownSelector is returned when a task-group selector is not registered.
	ErrUnknownSelector = errors.New("unknown task group")

	// ErrWorkerRange is returned when the worker index does not fit the worker count.
	ErrWorkerRange = errors.New("worker index out of range")

	// ErrDuplicateTask is returned when a task file appears more than once in the catalogue.
	ErrDuplicateTask = errors.New("duplicate task file")

	// ErrUnknownArchitecture is returned for an unsupported model architecture spelling.
	ErrUnknownArchitecture = errors.New("unknown model architecture")

	// ErrInvalidOption is returned when a run option fails validation.
	ErrInvalidOption = errors.New("invalid option")
)

// =============================================================================
// Configuration Error Type
// =============================================================================

// ConfigurationError reports a run that cannot start because of its inputs.
//
// # Description
//
// Raised for an unrecognized task-group selector, a worker index that does not
// fit the worker count, an unknown model architecture, or any other invalid
// option. Configuration errors are never retried: the run aborts before any
// task is attempted.
//
// # Thread Safety
//
// ConfigurationError is immutable after creation and safe for concurrent reads.
//
// # Example
//
//	err := NewConfigurationError("tasks", "glue", ErrUnknownSelector, "expected one of blimp, supplement, sling, all")
//	fmt.Println(err) // configuration error: tasks="glue": unknown task group (expected one of ...)
//
//	var cfgErr *ConfigurationError
//	if errors.As(err, &cfgErr) {
//	    fmt.Println(cfgErr.Field) // "tasks"
//	}
type ConfigurationError struct {
	// Field names the offending input (flag, config key, or registry entry).
	Field string

	// Value is the rejected value, rendered as text.
	Value string

	// Reason is an optional human-readable hint.
	Reason string

	// Err is the sentinel describing the failure class.
	Err error
}

// Error returns a formatted error message.
func (e *ConfigurationError) Error() string {
	var b strings.Builder
	b.WriteString("configuration error: ")
	fmt.Fprintf(&b, "%s=%q", e.Field, e.Value)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, " (%s)", e.Reason)
	}
	return b.String()
}

// Unwrap returns the sentinel so errors.Is works through the chain.
func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

// NewConfigurationError creates a ConfigurationError.
//
// # Inputs
//
//   - field: The offending input name
//   - value: The rejected value
//   - sentinel: Failure class (one of the Err* variables, may be nil)
//   - reason: Optional hint shown in parentheses
//
// # Outputs
//
//   - *ConfigurationError: New error
func NewConfigurationError(field, value string, sentinel error, reason string) *ConfigurationError {
	return &ConfigurationError{
		Field:  field,
		Value:  value,
		Reason: reason,
		Err:    sentinel,
	}
}

// IsConfigurationError reports whether err carries a ConfigurationError.
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}

// =============================================================================
// Command Error Type
// =============================================================================

// CommandError wraps a command execution failure with stderr context.
//
// # Description
//
// Provides rich error context for bridge subprocess failures, including the
// command that failed, exit code, and stderr output. Implements the error
// interface and supports unwrapping via errors.Is/As.
//
// # Thread Safety
//
// CommandError is immutable after creation and safe for concurrent reads.
//
// # Example
//
//	err := NewCommandError("python -m blimpeval_bridge serve", 1, "CUDA out of memory", originalErr)
//	fmt.Println(err.Error()) // "python -m blimpeval_bridge serve (exit 1): CUDA out of memory"
//
// # Limitations
//
//   - Stderr is stored as a single string, not streaming
type CommandError struct {
	// Command is the command that was executed.
	Command string

	// ExitCode is the process exit code (-1 if unknown or still running).
	ExitCode int

	// Stderr contains the standard error output (trimmed).
	Stderr string

	// Wrapped is the underlying error (may be nil).
	Wrapped error
}

// Error returns a formatted error message.
//
// Stderr takes priority over the wrapped error in the message format. Only
// its last line appears, which for a Python bridge is the exception; use
// ExtractStderr for the full tail.
func (e *CommandError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s (exit %d): %s", e.Command, e.ExitCode, lastLine(e.Stderr))
	}
	if e.Wrapped != nil {
		return fmt.Sprintf("%s (exit %d): %v", e.Command, e.ExitCode, e.Wrapped)
	}
	return fmt.Sprintf("%s (exit %d)", e.Command, e.ExitCode)
}

// Unwrap returns the underlying error.
func (e *CommandError) Unwrap() error {
	return e.Wrapped
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[i+1:])
	}
	return s
}

// HasStderr returns true if stderr output is available.
func (e *CommandError) HasStderr() bool {
	return e.Stderr != ""
}

// Compile-time interface satisfaction checks
var (
	_ error = (*CommandError)(nil)
	_ error = (*ConfigurationError)(nil)
)

// NewCommandError creates a CommandError with full context.
//
// # Description
//
// Stderr is trimmed of leading/trailing whitespace to normalize output
// from the bridge process.
//
// # Inputs
//
//   - cmd: The command that was executed
//   - exitCode: Process exit code (-1 if unknown)
//   - stderr: Standard error output (will be trimmed)
//   - wrapped: Underlying error (may be nil)
//
// # Outputs
//
//   - *CommandError: New error with full context
func NewCommandError(cmd string, exitCode int, stderr string, wrapped error) *CommandError {
	return &CommandError{
		Command:  cmd,
		ExitCode: exitCode,
		Stderr:   strings.TrimSpace(stderr),
		Wrapped:  wrapped,
	}
}

// ExtractStderr walks the error chain and returns the first non-empty stderr.
//
// Returns an empty string when no CommandError with stderr is found.
func ExtractStderr(err error) string {
	for err != nil {
		var cmdErr *CommandError
		if errors.As(err, &cmdErr) {
			if cmdErr.HasStderr() {
				return cmdErr.Stderr
			}
			err = cmdErr.Wrapped
			continue
		}
		return ""
	}
	return ""
}
