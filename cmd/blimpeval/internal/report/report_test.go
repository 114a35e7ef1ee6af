// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package report

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatScore(t *testing.T) {
	tests := []struct {
		title string
		acc   float64
		want  string
	}{
		{"binding", 0.75, "binding:\t75.00%"},
		{"ellipsis", 1, "ellipsis:\t100.00%"},
		{"quantifiers", 0, "quantifiers:\t0.00%"},
		{"island_effects", 0.123456, "island_effects:\t12.35%"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatScore(tt.title, tt.acc))
	}
}

func TestReporter_RecordPrintsImmediately(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf)

	r.Record("binding", 0.75)
	assert.Equal(t, "binding:\t75.00%\n", buf.String())

	r.Record("ellipsis", 0.5)
	assert.Equal(t, "binding:\t75.00%\nellipsis:\t50.00%\n", buf.String())
}

func TestReporter_SummaryInCompletionOrder(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf)

	r.Record("zeta", 0.1)
	r.Record("alpha", 0.2)
	buf.Reset()

	r.Summary()
	assert.Equal(t, "\nScores:\nzeta:\t10.00%\nalpha:\t20.00%\n", buf.String())
}

func TestReporter_RerecordKeepsPosition(t *testing.T) {
	r := New(&bytes.Buffer{})

	r.Record("a", 0.1)
	r.Record("b", 0.2)
	r.Record("a", 0.9)

	assert.Equal(t, 2, r.Len())
	assert.Equal(t, []Score{{"a", 0.9}, {"b", 0.2}}, r.Ordered())
	assert.Equal(t, map[string]float64{"a": 0.9, "b": 0.2}, r.Scores())
}

func TestReporter_EmptySummary(t *testing.T) {
	var buf bytes.Buffer
	New(&buf).Summary()
	assert.Equal(t, "\nScores:\n", buf.String())
}

func TestReporter_ScoresIsCopy(t *testing.T) {
	r := New(&bytes.Buffer{})
	r.Record("a", 0.5)

	m := r.Scores()
	m["a"] = 0

	assert.Equal(t, 0.5, r.Scores()["a"])
}

func TestReporter_Note(t *testing.T) {
	var buf bytes.Buffer
	r := New(&buf)
	r.Record("binding", 0.5)
	r.Note("analysis skipped")

	assert.Equal(t, "binding:\t50.00%\nanalysis skipped\n", buf.String())
	assert.Equal(t, 1, r.Len())
}
