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
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/blimpeval/cmd/blimpeval/internal/catalogue"
	"github.com/AleutianAI/blimpeval/cmd/blimpeval/internal/evaluator"
)

// --- Flag Values ---

// globalFlags are shared by every command.
type globalFlags struct {
	configPath string
	logLevel   string
}

// runFlags configure one worker (run) or every worker (launch).
type runFlags struct {
	tasks           string
	runAoA          bool
	trustRemoteCode bool
	device          string
	processIndex    int
	worldSize       int
	dryRun          bool
	numFewshot      int
}

// newRootCmd builds the command tree. Output goes to stdout/stderr so tests
// can capture it.
func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	g := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "blimpeval",
		Short: "Evaluate language models on BLiMP-style minimal-pair benchmarks",
		Long: `blimpeval scores a model on the blimp, supplement and sling task groups,
writing one eval_results.json per task under <model_path>/zeroshot/.

Tasks can be split across workers with --process-index/--world-size
(or RANK/WORLD_SIZE), or launched locally with "blimpeval launch".`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	rootCmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "Optional YAML config file")
	rootCmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")

	rootCmd.AddCommand(
		newRunCmd(g, stdout, stderr),
		newLaunchCmd(g, stdout, stderr),
		newTasksCmd(stdout),
		newStatusCmd(g, stdout),
		newConfigCmd(g, stdout),
	)
	return rootCmd
}

// addTaskFlags registers the flags shared by run, launch and tasks.
func addTaskFlags(cmd *cobra.Command, f *runFlags) {
	cmd.Flags().StringVarP(&f.tasks, "tasks", "t", catalogue.SelectAll,
		"Task group: "+strings.Join(catalogue.Builtin().Selectors(), ", "))
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "Evaluate at most one task")
}

// addModelFlags registers the flags that reach the evaluator.
func addModelFlags(cmd *cobra.Command, f *runFlags) {
	cmd.Flags().BoolVarP(&f.runAoA, "run-aoa", "a", false, "Run the age-of-acquisition surprisal analysis")
	cmd.Flags().BoolVarP(&f.trustRemoteCode, "trust-remote-code", "r", false, "Trust code shipped with the model")
	cmd.Flags().StringVar(&f.device, "device", "cuda", "Device identifier passed to the evaluator")
	cmd.Flags().IntVarP(&f.numFewshot, "num-fewshot", "n", 0, "Number of few-shot examples")
}

// addWorkerFlags registers the worker identity flags.
func addWorkerFlags(cmd *cobra.Command, f *runFlags) {
	cmd.Flags().IntVar(&f.processIndex, "process-index", 0, "Zero-based worker index (default $RANK or 0)")
	cmd.Flags().IntVar(&f.worldSize, "world-size", 1, "Total number of workers (default $WORLD_SIZE or 1)")
}

func modelArgsUsage() string {
	return "<model_path> <model_type>\n\nmodel_type is one of: " + strings.Join(evaluator.Architectures(), ", ")
}
