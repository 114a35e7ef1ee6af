// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/blimpeval/cmd/blimpeval/internal/util"
)

// workerCommand returns the argv prefix that starts a worker. Tests replace it.
var workerCommand = func() ([]string, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate blimpeval executable: %w", err)
	}
	return []string{exe}, nil
}

func newLaunchCmd(g *globalFlags, stdout, stderr io.Writer) *cobra.Command {
	f := &runFlags{}
	var workers int

	cmd := &cobra.Command{
		Use:   "launch <model_path> <model_type>",
		Short: "Run every worker locally, one process each",
		Long: "Start --workers local \"run\" processes, one per process index, and wait for all of them.\n" +
			"Output lines are prefixed with [worker i].\n\nUsage: blimpeval launch " + modelArgsUsage(),
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if workers < 1 {
				return util.NewConfigurationError("workers", strconv.Itoa(workers), util.ErrWorkerRange,
					"at least one worker is required")
			}
			return launchWorkers(cmd.Context(), workerArgs(g, f, args[0], args[1]), workers, stdout, stderr)
		},
	}
	addTaskFlags(cmd, f)
	addModelFlags(cmd, f)
	cmd.Flags().IntVarP(&workers, "workers", "w", 1, "Number of worker processes")
	return cmd
}

// workerArgs renders the run invocation shared by every worker.
func workerArgs(g *globalFlags, f *runFlags, modelPath, modelType string) []string {
	args := []string{"run", modelPath, modelType,
		"--tasks", f.tasks,
		"--device", f.device,
		"--num-fewshot", strconv.Itoa(f.numFewshot),
	}
	if f.runAoA {
		args = append(args, "--run-aoa")
	}
	if f.trustRemoteCode {
		args = append(args, "--trust-remote-code")
	}
	if f.dryRun {
		args = append(args, "--dry-run")
	}
	if g.configPath != "" {
		args = append(args, "--config", g.configPath)
	}
	if g.logLevel != "" {
		args = append(args, "--log-level", g.logLevel)
	}
	return args
}

// launchWorkers runs count workers concurrently.
//
// Description:
//
//	Each worker gets --process-index i --world-size count. A failing worker
//	does not stop its siblings: their shares are independent, and results
//	already written stay valid. ctx cancellation kills every worker.
//
// Outputs:
//
//	error - The first worker failure, as "worker i: <*util.CommandError>".
func launchWorkers(ctx context.Context, args []string, count int, stdout, stderr io.Writer) error {
	prefix, err := workerCommand()
	if err != nil {
		return err
	}

	var outMu, errMu sync.Mutex
	var g errgroup.Group
	for i := 0; i < count; i++ {
		argv := append(append([]string(nil), prefix...), args...)
		argv = append(argv, "--process-index", strconv.Itoa(i), "--world-size", strconv.Itoa(count))
		tag := fmt.Sprintf("[worker %d] ", i)

		g.Go(func() error {
			out := newPrefixWriter(stdout, &outMu, tag)
			errOut := newPrefixWriter(stderr, &errMu, tag)

			cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
			cmd.Stdout = out
			cmd.Stderr = errOut
			runErr := cmd.Run()
			out.Flush()
			errOut.Flush()

			if runErr == nil {
				return nil
			}
			exitCode := -1
			var exitErr *exec.ExitError
			if errors.As(runErr, &exitErr) {
				exitCode = exitErr.ExitCode()
			}
			return fmt.Errorf("worker %d: %w", i, util.NewCommandError("blimpeval run", exitCode, "", runErr))
		})
	}
	return g.Wait()
}

// prefixWriter prefixes every complete line with a tag. Writers sharing mu
// never interleave within a line.
type prefixWriter struct {
	out    io.Writer
	mu     *sync.Mutex
	prefix []byte
	buf    []byte
}

func newPrefixWriter(out io.Writer, mu *sync.Mutex, prefix string) *prefixWriter {
	return &prefixWriter{out: out, mu: mu, prefix: []byte(prefix)}
}

func (w *prefixWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		if err := w.emit(w.buf[:i+1]); err != nil {
			return len(p), err
		}
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// Flush writes a trailing partial line, terminated with a newline.
func (w *prefixWriter) Flush() {
	if len(w.buf) == 0 {
		return
	}
	line := append(w.buf, '\n')
	w.buf = nil
	_ = w.emit(line)
}

func (w *prefixWriter) emit(line []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.out.Write(w.prefix); err != nil {
		return err
	}
	_, err := w.out.Write(line)
	return err
}
