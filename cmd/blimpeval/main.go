// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command blimpeval scores a language model on the BLiMP, supplement and
// SLING minimal-pair benchmarks, optionally split across several workers.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/AleutianAI/blimpeval/cmd/blimpeval/internal/retry"
	"github.com/AleutianAI/blimpeval/cmd/blimpeval/internal/store"
	"github.com/AleutianAI/blimpeval/cmd/blimpeval/internal/util"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

// execute runs the CLI and returns the process exit code.
func execute(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		reportError(stderr, err)
		return 1
	}
	return 0
}

// Hints printed under the error line, by failure class.
const (
	hintConfiguration = "Hint: check the flags, RANK/WORLD_SIZE and --config; no task was evaluated."
	hintExhausted     = "Hint: the evaluator kept failing past the retry ceiling; results of earlier tasks are on disk."
	hintStorage       = "Hint: results could not be written; check permissions and free space under the model directory."
)

// reportError prints err, a hint for the failure classes the CLI knows, and
// the bridge's stderr tail when a bridge process failed.
func reportError(w io.Writer, err error) {
	fmt.Fprintf(w, "Error: %v\n", err)

	switch {
	case util.IsConfigurationError(err):
		fmt.Fprintln(w, hintConfiguration)
	case retry.IsExhausted(err):
		fmt.Fprintln(w, hintExhausted)
	case store.IsStorageError(err):
		fmt.Fprintln(w, hintStorage)
	}

	if tail := util.ExtractStderr(err); tail != "" {
		fmt.Fprintln(w, "Bridge stderr:")
		for _, line := range strings.Split(tail, "\n") {
			fmt.Fprintf(w, "  %s\n", line)
		}
	}
}
