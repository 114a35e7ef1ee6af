// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package partition splits the task list across cooperating worker processes.
//
// # Overview
//
// Workers never talk to each other. Each one derives its share from the same
// inputs: the full task list, its own index, and the total worker count. An
// element at zero-based position p belongs to worker p mod count, so the
// shares are disjoint and together cover the list exactly once.
//
// # Example
//
//	tasks, _ := catalogue.Builtin().Select("all")
//	plan, err := partition.Plan(tasks, 1, 4, false)
//	// plan.Tasks holds positions 1, 5, 9, ...
//
// # Thread Safety
//
// All functions are pure and safe for concurrent use.
package partition

import (
	"strconv"

	"github.com/AleutianAI/blimpeval/cmd/blimpeval/internal/catalogue"
	"github.com/AleutianAI/blimpeval/cmd/blimpeval/internal/util"
)

// Assignment is the ordered share of the task list owned by one worker.
type Assignment struct {
	// WorkerIndex is the zero-based index of the owning worker.
	WorkerIndex int

	// WorkerCount is the total number of workers.
	WorkerCount int

	// Total is the length of the full task list before partitioning.
	Total int

	// DryRun reports whether the share was truncated for a smoke test.
	DryRun bool

	// Tasks is the worker's share in full-list order.
	Tasks []catalogue.Task
}

// Assign selects every element whose position p satisfies p % workerCount == workerIndex.
//
// # Description
//
// Deterministic and stable: the same inputs always produce the same
// subsequence, in the same relative order. With workerCount == 1 the whole
// list is returned.
//
// # Inputs
//
//   - items: The full ordered list
//   - workerIndex: Zero-based worker index, must satisfy 0 <= workerIndex < workerCount
//   - workerCount: Total number of workers, must be >= 1
//
// # Outputs
//
//   - []T: The worker's share (a new slice; items is not modified)
//   - error: *util.ConfigurationError wrapping util.ErrWorkerRange on bad indices
func Assign[T any](items []T, workerIndex, workerCount int) ([]T, error) {
	if err := CheckWorker(workerIndex, workerCount); err != nil {
		return nil, err
	}

	share := make([]T, 0, len(items)/workerCount+1)
	for pos, item := range items {
		if pos%workerCount == workerIndex {
			share = append(share, item)
		}
	}
	return share, nil
}

// Truncate keeps at most one element when dryRun is set.
//
// Applied after Assign, so in a dry run each worker with a non-empty share
// evaluates exactly its first task.
func Truncate[T any](items []T, dryRun bool) []T {
	if dryRun && len(items) > 1 {
		return items[:1]
	}
	return items
}

// CheckWorker validates a worker index against a worker count.
func CheckWorker(workerIndex, workerCount int) error {
	if workerCount < 1 {
		return util.NewConfigurationError("world_size", strconv.Itoa(workerCount), util.ErrWorkerRange,
			"worker count must be at least 1")
	}
	if workerIndex < 0 || workerIndex >= workerCount {
		return util.NewConfigurationError("process_index", strconv.Itoa(workerIndex), util.ErrWorkerRange,
			"must satisfy 0 <= process_index < world_size ("+strconv.Itoa(workerCount)+")")
	}
	return nil
}

// Plan partitions tasks for one worker and applies dry-run truncation.
//
// Outputs:
//   - Assignment: The worker's share with its provenance.
//   - error: *util.ConfigurationError on bad worker indices.
func Plan(tasks []catalogue.Task, workerIndex, workerCount int, dryRun bool) (Assignment, error) {
	share, err := Assign(tasks, workerIndex, workerCount)
	if err != nil {
		return Assignment{}, err
	}
	return Assignment{
		WorkerIndex: workerIndex,
		WorkerCount: workerCount,
		Total:       len(tasks),
		DryRun:      dryRun,
		Tasks:       Truncate(share, dryRun),
	}, nil
}
