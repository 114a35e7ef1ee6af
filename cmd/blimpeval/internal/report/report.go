// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package report accumulates task scores and prints them.
package report

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

// =============================================================================
// Styles
// =============================================================================

var (
	colorTealBright = lipgloss.Color("#2CD7C7")
	colorSlate      = lipgloss.Color("#2C4A54")

	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(colorTealBright)
	mutedStyle  = lipgloss.NewStyle().Foreground(colorSlate)
)

// FormatScore renders one score line: "<title>:\t<pct with 2 decimals>%".
//
//	FormatScore("binding", 0.75) // "binding:\t75.00%"
func FormatScore(title string, accuracy float64) string {
	return fmt.Sprintf("%s:\t%.2f%%", title, accuracy*100)
}

// Score is one recorded task.
type Score struct {
	Title    string
	Accuracy float64
}

// =============================================================================
// Reporter
// =============================================================================

// Reporter is the run's score accumulator.
//
// # Description
//
// Owned by the runner and passed explicitly. Record prints each score as it
// arrives; Summary prints the whole map again in completion order. Only the
// "Scores:" header is styled, and only when the output is a terminal, so
// score lines stay byte-stable for scripts that parse them.
//
// # Thread Safety
//
// Safe for concurrent use.
type Reporter struct {
	mu     sync.Mutex
	out    io.Writer
	styled bool
	order  []string
	scores map[string]float64
}

// New creates a Reporter writing to out. A nil out writes to os.Stdout.
func New(out io.Writer) *Reporter {
	if out == nil {
		out = os.Stdout
	}
	return &Reporter{
		out:    out,
		styled: isTerminal(out),
		scores: make(map[string]float64),
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Record stores a task's accuracy and prints its score line.
//
// Recording the same title twice keeps its original position and the latest value.
func (r *Reporter) Record(title string, accuracy float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, seen := r.scores[title]; !seen {
		r.order = append(r.order, title)
	}
	r.scores[title] = accuracy
	fmt.Fprintln(r.out, FormatScore(title, accuracy))
}

// Len returns the number of recorded tasks.
func (r *Reporter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// Scores returns a copy of the recorded map.
func (r *Reporter) Scores() map[string]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]float64, len(r.scores))
	for k, v := range r.scores {
		out[k] = v
	}
	return out
}

// Ordered returns the recorded scores in completion order.
func (r *Reporter) Ordered() []Score {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Score, len(r.order))
	for i, title := range r.order {
		out[i] = Score{Title: title, Accuracy: r.scores[title]}
	}
	return out
}

// Note prints a plain informational line between score lines.
func (r *Reporter) Note(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.out, msg)
}

// Summary prints a blank line, "Scores:", and every score in completion order.
func (r *Reporter) Summary() {
	ordered := r.Ordered()

	r.mu.Lock()
	defer r.mu.Unlock()

	header := "Scores:"
	if r.styled {
		header = headerStyle.Render(header)
	}
	fmt.Fprintln(r.out)
	fmt.Fprintln(r.out, header)
	for _, s := range ordered {
		fmt.Fprintln(r.out, FormatScore(s.Title, s.Accuracy))
	}
	if r.styled && len(ordered) == 0 {
		fmt.Fprintln(r.out, mutedStyle.Render("(no tasks completed)"))
	}
}
