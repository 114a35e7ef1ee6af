// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package catalogue

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/blimpeval/cmd/blimpeval/internal/util"
)

func TestTitle(t *testing.T) {
	tests := []struct {
		file   string
		suffix string
		want   string
	}{
		{"anaphor_agreement.json", ".json", "anaphor_agreement"},
		{"alternative_haishi_ma.jsonl", ".jsonl", "alternative_haishi_ma"},
		{"turn_taking.json", ".json", "turn_taking"},
		{"no_suffix", ".json", "no_suffix"},
	}

	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			assert.Equal(t, tt.want, Title(tt.file, tt.suffix))
		})
	}
}

func TestLocator(t *testing.T) {
	assert.Equal(t,
		"blimp_from_file:filter-data/blimp_filtered/binding.json",
		Locator("blimp_filtered", "binding.json"))
	assert.Equal(t,
		"blimp_from_file:filter-data/supplement_filtered/polarity_any.jsonl",
		Locator("supplement_filtered", "polarity_any.jsonl"))
}

func TestBuiltin_GroupSizes(t *testing.T) {
	reg := Builtin()

	assert.Equal(t, []string{GroupBlimp, GroupSupplement, GroupSling}, reg.Groups())
	assert.Equal(t, []string{GroupBlimp, GroupSupplement, GroupSling, SelectAll}, reg.Selectors())

	sizes := map[string]int{GroupBlimp: 12, GroupSupplement: 5, GroupSling: 40}
	for name, want := range sizes {
		g, ok := reg.Group(name)
		require.True(t, ok, name)
		assert.Equal(t, want, g.Len(), name)
	}
}

func TestBuiltin_SelectAllIsConcatenationInOrder(t *testing.T) {
	reg := Builtin()

	all, err := reg.Select(SelectAll)
	require.NoError(t, err)

	var want []Task
	for _, name := range reg.Groups() {
		tasks, err := reg.Select(name)
		require.NoError(t, err)
		want = append(want, tasks...)
	}
	assert.Equal(t, want, all)
	assert.Len(t, all, 57)
	assert.Equal(t, "anaphor_agreement", all[0].Title)
	assert.Equal(t, "hypernym", all[12].Title)
	assert.Equal(t, "alternative_haishi_ma", all[17].Title)
}

func TestBuiltin_TitlesAndLocatorsPerGroup(t *testing.T) {
	reg := Builtin()

	blimp, err := reg.Select(GroupBlimp)
	require.NoError(t, err)
	assert.Equal(t, Task{
		File:    "anaphor_agreement.json",
		Group:   GroupBlimp,
		Title:   "anaphor_agreement",
		Locator: "blimp_from_file:filter-data/blimp_filtered/anaphor_agreement.json",
	}, blimp[0])

	supplement, err := reg.Select(GroupSupplement)
	require.NoError(t, err)
	assert.Equal(t, "blimp_from_file:filter-data/supplement_filtered/hypernym.json", supplement[0].Locator)

	sling, err := reg.Select(GroupSling)
	require.NoError(t, err)
	assert.Equal(t, "alternative_haishi_ma", sling[0].Title)
	assert.Equal(t, "blimp_from_file:filter-data/supplement_filtered/alternative_haishi_ma.jsonl", sling[0].Locator)

	for _, task := range sling {
		assert.False(t, strings.HasSuffix(task.Title, ".jsonl"), task.Title)
		assert.False(t, strings.Contains(task.Title, "."), task.Title)
	}
}

func TestBuiltin_UniqueTitles(t *testing.T) {
	all, err := Builtin().Select(SelectAll)
	require.NoError(t, err)

	seen := make(map[string]bool, len(all))
	for _, task := range all {
		assert.False(t, seen[task.Title], "duplicate title %s", task.Title)
		assert.NotEqual(t, "filenames", task.Title)
		seen[task.Title] = true
	}
}

func TestSelect_UnknownSelector(t *testing.T) {
	_, err := Builtin().Select("glue")
	require.Error(t, err)

	var cfgErr *util.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "tasks", cfgErr.Field)
	assert.Equal(t, "glue", cfgErr.Value)
	assert.ErrorIs(t, err, util.ErrUnknownSelector)
	assert.Contains(t, err.Error(), "blimp, supplement, sling, all")
}

func TestNewRegistry_Validation(t *testing.T) {
	tests := []struct {
		name    string
		defs    []GroupDefinition
		wantErr error
	}{
		{
			name: "duplicate across groups",
			defs: []GroupDefinition{
				{Name: "a", Suffix: ".json", Files: []string{"x.json"}},
				{Name: "b", Suffix: ".json", Files: []string{"x.json"}},
			},
			wantErr: util.ErrDuplicateTask,
		},
		{
			name: "duplicate within group",
			defs: []GroupDefinition{
				{Name: "a", Suffix: ".json", Files: []string{"x.json", "x.json"}},
			},
			wantErr: util.ErrDuplicateTask,
		},
		{
			name:    "reserved name",
			defs:    []GroupDefinition{{Name: SelectAll}},
			wantErr: util.ErrInvalidOption,
		},
		{
			name:    "group declared twice",
			defs:    []GroupDefinition{{Name: "a"}, {Name: "a"}},
			wantErr: util.ErrInvalidOption,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reg, err := NewRegistry(tt.defs...)
			assert.Nil(t, reg)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestGroup_FilesReturnsCopy(t *testing.T) {
	g, ok := Builtin().Group(GroupBlimp)
	require.True(t, ok)

	files := g.Files()
	files[0] = "mutated.json"

	again, _ := Builtin().Group(GroupBlimp)
	assert.Equal(t, "anaphor_agreement.json", again.Files()[0])
}
