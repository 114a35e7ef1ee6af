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
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/blimpeval/cmd/blimpeval/config"
	"github.com/AleutianAI/blimpeval/cmd/blimpeval/internal/catalogue"
	"github.com/AleutianAI/blimpeval/cmd/blimpeval/internal/journal"
	"github.com/AleutianAI/blimpeval/cmd/blimpeval/internal/partition"
	"github.com/AleutianAI/blimpeval/cmd/blimpeval/internal/report"
	"github.com/AleutianAI/blimpeval/cmd/blimpeval/internal/store"
)

// --- tasks ---

func newTasksCmd(stdout io.Writer) *cobra.Command {
	f := &runFlags{}
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Print a worker's task assignment without running anything",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			index, count, err := workerIdentity(cmd, f)
			if err != nil {
				return err
			}
			all, err := catalogue.Builtin().Select(f.tasks)
			if err != nil {
				return err
			}
			plan, err := partition.Plan(all, index, count, f.dryRun)
			if err != nil {
				return err
			}
			printAssignment(stdout, plan)
			return nil
		},
	}
	addTaskFlags(cmd, f)
	addWorkerFlags(cmd, f)
	return cmd
}

func printAssignment(w io.Writer, plan partition.Assignment) {
	fmt.Fprintf(w, "worker %d of %d: %d of %d tasks", plan.WorkerIndex, plan.WorkerCount, len(plan.Tasks), plan.Total)
	if plan.DryRun {
		fmt.Fprint(w, " (dry run)")
	}
	fmt.Fprintln(w)
	for _, t := range plan.Tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\n", t.Title, t.Group, t.Locator)
	}
}

// --- status ---

func newStatusCmd(g *globalFlags, stdout io.Writer) *cobra.Command {
	var tasks string
	cmd := &cobra.Command{
		Use:   "status <model_path>",
		Short: "Show which tasks have results and what the worker journals recorded",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(g.configPath)
			if err != nil {
				return err
			}
			return showStatus(stdout, args[0], tasks, cfg.Journal.Path(args[0]))
		},
	}
	cmd.Flags().StringVarP(&tasks, "tasks", "t", catalogue.SelectAll, "Task group to report on")
	return cmd
}

// showStatus prints one line per selected task, then one line per worker journal.
func showStatus(w io.Writer, modelPath, selector, journalDir string) error {
	selected, err := catalogue.Builtin().Select(selector)
	if err != nil {
		return err
	}
	st, err := store.New(modelPath)
	if err != nil {
		return err
	}
	done, err := st.Completed()
	if err != nil {
		return err
	}

	completed := 0
	for _, t := range selected {
		acc, ok := done[t.Title]
		if !ok {
			fmt.Fprintf(w, "%s:\tmissing\n", t.Title)
			continue
		}
		completed++
		fmt.Fprintln(w, report.FormatScore(t.Title, acc))
	}
	fmt.Fprintf(w, "\nCompleted %d/%d\n", completed, len(selected))

	dirs, err := journal.WorkerDirs(journalDir)
	if err != nil {
		return err
	}
	for _, dir := range dirs {
		printJournal(w, dir)
	}
	return nil
}

func printJournal(w io.Writer, dir string) {
	name := filepath.Base(dir)
	j, err := journal.Open(journal.Config{Path: dir, ReadOnly: true})
	if err != nil {
		fmt.Fprintf(w, "%s: unavailable (%v)\n", name, err)
		return
	}
	defer j.Close()

	runs, err := j.Runs()
	if err != nil || len(runs) == 0 {
		fmt.Fprintf(w, "%s: no runs recorded\n", name)
		return
	}
	last := runs[len(runs)-1]
	attempts, _ := j.Attempts("")
	completions, _ := j.Completions()

	fmt.Fprintf(w, "%s: run %s %s, started %s, %d/%d tasks done, %d failed attempts",
		name, last.RunID, last.Status, last.Started.Format(time.RFC3339),
		countRun(completions, last.RunID), len(last.Tasks), countAttempts(attempts, last.RunID))
	if last.Error != "" {
		fmt.Fprintf(w, ": %s", last.Error)
	}
	fmt.Fprintln(w)
}

func countRun(completions map[string]journal.Completion, runID string) int {
	n := 0
	for _, c := range completions {
		if c.RunID == runID {
			n++
		}
	}
	return n
}

func countAttempts(attempts []journal.Attempt, runID string) int {
	n := 0
	for _, a := range attempts {
		if a.RunID == runID {
			n++
		}
	}
	return n
}
