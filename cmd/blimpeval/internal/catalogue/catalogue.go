// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package catalogue holds the fixed registry of benchmark task groups.
//
// A task group is a named, ordered list of benchmark files that share a
// source directory and a file-format suffix. The registry is built once at
// startup and is read-only afterwards; accessors return copies.
//
// Every file maps to a [Task] by a pure derivation:
//
//	title   = file with the group's format suffix removed
//	locator = "blimp_from_file:filter-data/<group subdirectory>/<file>"
//
// Thread Safety: Registry is immutable after construction and safe for
// concurrent use.
package catalogue

import (
	"fmt"
	"path"
	"strings"

	"github.com/AleutianAI/blimpeval/cmd/blimpeval/internal/util"
)

const (
	// SelectAll selects every registered group in declaration order.
	SelectAll = "all"

	// RoutingPrefix tags a locator as a file-backed minimal-pair task.
	RoutingPrefix = "blimp_from_file"

	// SourceRoot is the directory holding the filtered benchmark files.
	SourceRoot = "filter-data"
)

// GroupDefinition declares one task group for NewRegistry.
type GroupDefinition struct {
	// Name is the selector users pass with --tasks.
	Name string

	// Subdirectory is the directory under SourceRoot holding the files.
	Subdirectory string

	// Suffix is the format suffix stripped to obtain task titles.
	Suffix string

	// Files lists the task files in evaluation order.
	Files []string
}

// Group is a read-only view of a registered task group.
type Group struct {
	name   string
	subdir string
	suffix string
	files  []string
}

// Name returns the group selector.
func (g Group) Name() string { return g.name }

// Subdirectory returns the group's directory under SourceRoot.
func (g Group) Subdirectory() string { return g.subdir }

// Suffix returns the file-format suffix of the group's files.
func (g Group) Suffix() string { return g.suffix }

// Len returns the number of tasks in the group.
func (g Group) Len() int { return len(g.files) }

// Files returns a copy of the group's task files in declaration order.
func (g Group) Files() []string {
	out := make([]string, len(g.files))
	copy(out, g.files)
	return out
}

// Task describes one benchmark file selected for execution.
//
// Task values are immutable once derived.
type Task struct {
	// File is the raw task-file identifier, e.g. "anaphor_agreement.json".
	File string

	// Group is the name of the owning group.
	Group string

	// Title is File without its format suffix. Used as the reporting and storage key.
	Title string

	// Locator is the fully-qualified identifier passed to the evaluator.
	Locator string
}

// Registry maps group names to ordered task files.
type Registry struct {
	groups []Group
	byName map[string]int
	owner  map[string]int
}

// NewRegistry builds an immutable registry from group definitions.
//
// Description:
//
//	Groups keep their declaration order, which fixes the order of the
//	"all" selection and therefore the worker partition. Group names must be
//	unique and must not collide with SelectAll. File identifiers must be
//	unique across the whole registry.
//
// Inputs:
//   - defs: Group definitions in evaluation order.
//
// Outputs:
//   - *Registry: The registry. Never nil on success.
//   - error: *util.ConfigurationError on an invalid definition.
func NewRegistry(defs ...GroupDefinition) (*Registry, error) {
	r := &Registry{
		groups: make([]Group, 0, len(defs)),
		byName: make(map[string]int, len(defs)),
		owner:  make(map[string]int),
	}

	for _, def := range defs {
		if def.Name == "" || def.Name == SelectAll {
			return nil, util.NewConfigurationError("group", def.Name, util.ErrInvalidOption, "group name must be non-empty and not \"all\"")
		}
		if _, exists := r.byName[def.Name]; exists {
			return nil, util.NewConfigurationError("group", def.Name, util.ErrInvalidOption, "group declared twice")
		}

		idx := len(r.groups)
		files := make([]string, 0, len(def.Files))
		for _, file := range def.Files {
			if prev, taken := r.owner[file]; taken {
				owner := def.Name
				if prev != idx {
					owner = r.groups[prev].name
				}
				return nil, util.NewConfigurationError("task", file, util.ErrDuplicateTask,
					fmt.Sprintf("already declared in group %q", owner))
			}
			r.owner[file] = idx
			files = append(files, file)
		}

		r.byName[def.Name] = idx
		r.groups = append(r.groups, Group{
			name:   def.Name,
			subdir: def.Subdirectory,
			suffix: def.Suffix,
			files:  files,
		})
	}

	return r, nil
}

// Groups returns the registered group names in declaration order.
func (r *Registry) Groups() []string {
	names := make([]string, len(r.groups))
	for i, g := range r.groups {
		names[i] = g.name
	}
	return names
}

// Selectors returns every accepted --tasks value: the group names followed by SelectAll.
func (r *Registry) Selectors() []string {
	return append(r.Groups(), SelectAll)
}

// Group looks up a group by name.
func (r *Registry) Group(name string) (Group, bool) {
	idx, ok := r.byName[name]
	if !ok {
		return Group{}, false
	}
	return r.groups[idx], true
}

// Select returns the tasks named by a selector in registry order.
//
// Inputs:
//   - selector: A group name or SelectAll.
//
// Outputs:
//   - []Task: The selected tasks. Never empty for a valid selector with files.
//   - error: *util.ConfigurationError wrapping util.ErrUnknownSelector if the
//     selector is not registered.
func (r *Registry) Select(selector string) ([]Task, error) {
	if selector == SelectAll {
		var tasks []Task
		for _, g := range r.groups {
			tasks = append(tasks, g.tasks()...)
		}
		return tasks, nil
	}

	g, ok := r.Group(selector)
	if !ok {
		return nil, util.NewConfigurationError("tasks", selector, util.ErrUnknownSelector,
			"expected one of "+strings.Join(r.Selectors(), ", "))
	}
	return g.tasks(), nil
}

func (g Group) tasks() []Task {
	tasks := make([]Task, len(g.files))
	for i, file := range g.files {
		tasks[i] = g.describe(file)
	}
	return tasks
}

func (g Group) describe(file string) Task {
	return Task{
		File:    file,
		Group:   g.name,
		Title:   Title(file, g.suffix),
		Locator: Locator(g.subdir, file),
	}
}

// Title strips the format suffix from a task file.
//
//	Title("anaphor_agreement.json", ".json")        // "anaphor_agreement"
//	Title("alternative_haishi_ma.jsonl", ".jsonl")  // "alternative_haishi_ma"
func Title(file, suffix string) string {
	return strings.TrimSuffix(file, suffix)
}

// Locator builds the evaluator locator for a file in a group subdirectory.
func Locator(subdir, file string) string {
	return RoutingPrefix + ":" + path.Join(SourceRoot, subdir, file)
}
