// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package journal keeps a per-worker record of runs, failed attempts, and
// completions in BadgerDB.
//
// The result documents under zeroshot/ stay the source of truth for scores.
// The journal adds what those documents cannot: which worker produced a
// result, how many attempts it took, and the errors seen along the way. The
// status command reads it back.
//
// Each worker owns its own database directory, so workers never contend for
// Badger's directory lock:
//
//	<model>/.blimpeval/journal/worker-0
//	<model>/.blimpeval/journal/worker-1
//
// Key layout:
//
//	run/<run_id>                       Run
//	attempt/<task>/<unix_nanos>        Attempt
//	done/<task>                        Completion (latest wins)
package journal

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const (
	prefixRun     = "run/"
	prefixAttempt = "attempt/"
	prefixDone    = "done/"

	workerDirPrefix = "worker-"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// ErrClosed is returned by operations on a closed journal.
var ErrClosed = errors.New("journal closed")

// =============================================================================
// Records
// =============================================================================

// Run describes one worker invocation.
type Run struct {
	RunID     string    `json:"run_id"`
	Worker    int       `json:"worker"`
	WorldSize int       `json:"world_size"`
	Selector  string    `json:"selector"`
	Tasks     []string  `json:"tasks"`
	DryRun    bool      `json:"dry_run"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	Started   time.Time `json:"started"`
	Finished  time.Time `json:"finished,omitempty"`
}

// Attempt is one failed evaluator call.
type Attempt struct {
	RunID   string        `json:"run_id"`
	Task    string        `json:"task"`
	Attempt int           `json:"attempt"`
	Delay   time.Duration `json:"delay"`
	Error   string        `json:"error"`
	At      time.Time     `json:"at"`
}

// Completion is a persisted task result.
type Completion struct {
	RunID    string    `json:"run_id"`
	Task     string    `json:"task"`
	Worker   int       `json:"worker"`
	Accuracy float64   `json:"accuracy"`
	Attempts int       `json:"attempts"`
	At       time.Time `json:"at"`
}

// =============================================================================
// Configuration
// =============================================================================

// Config holds configuration for a journal database.
type Config struct {
	// Path is the database directory. Ignored when InMemory is true.
	Path string

	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool

	// SyncWrites fsyncs every write. Default: true.
	SyncWrites bool

	// ReadOnly opens an existing journal for inspection.
	ReadOnly bool

	// Logger receives Badger's internal messages. Nil silences them.
	Logger *slog.Logger
}

// DefaultConfig returns a durable on-disk configuration for path.
func DefaultConfig(path string) Config {
	return Config{Path: path, SyncWrites: true}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// DefaultDir returns <model>/.blimpeval/journal.
func DefaultDir(modelPath string) string {
	return filepath.Join(modelPath, ".blimpeval", "journal")
}

// WorkerDir returns the database directory for one worker under base.
func WorkerDir(base string, worker int) string {
	return filepath.Join(base, workerDirPrefix+strconv.Itoa(worker))
}

// WorkerDirs lists existing worker databases under base, ordered by index.
// A missing base yields no directories and no error.
func WorkerDirs(base string) ([]string, error) {
	entries, err := os.ReadDir(base)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list journals in %s: %w", base, err)
	}

	type indexed struct {
		idx  int
		path string
	}
	var found []indexed
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), workerDirPrefix) {
			continue
		}
		idx, err := strconv.Atoi(strings.TrimPrefix(e.Name(), workerDirPrefix))
		if err != nil {
			continue
		}
		found = append(found, indexed{idx, filepath.Join(base, e.Name())})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].idx < found[j].idx })

	dirs := make([]string, len(found))
	for i, f := range found {
		dirs[i] = f.path
	}
	return dirs, nil
}

// badgerLogger adapts slog.Logger to Badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// =============================================================================
// Journal
// =============================================================================

// Journal is a worker's attempt and completion log.
//
// Thread Safety: safe for concurrent use.
type Journal struct {
	db *badger.DB
}

// Open opens or creates a journal.
//
// Description:
//
//	Opens a Badger database at cfg.Path (created if needed unless ReadOnly),
//	or in memory. Badger's own logging is routed through cfg.Logger at Debug
//	for info messages.
//
// Outputs:
//
//	*Journal - Caller must Close it.
//	error - Non-nil if the path is missing or Badger cannot open it
//	        (for example, another process holds the directory lock).
func Open(cfg Config) (*Journal, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("journal path is required")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if !cfg.ReadOnly {
			if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
				return nil, fmt.Errorf("create journal directory %s: %w", cfg.Path, err)
			}
		}
		opts = badger.DefaultOptions(cfg.Path).WithReadOnly(cfg.ReadOnly)
	}

	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", cfg.Path, err)
	}
	return &Journal{db: db}, nil
}

// Close flushes and closes the database. Safe to call more than once.
func (j *Journal) Close() error {
	if j == nil || j.db == nil || j.db.IsClosed() {
		return nil
	}
	return j.db.Close()
}

// RecordRun stores or replaces a run record.
func (j *Journal) RecordRun(run Run) error {
	if run.RunID == "" {
		return errors.New("run id is required")
	}
	return j.put(prefixRun+run.RunID, run)
}

// RecordAttempt appends a failed attempt.
func (j *Journal) RecordAttempt(a Attempt) error {
	if a.At.IsZero() {
		a.At = time.Now()
	}
	key := fmt.Sprintf("%s%s/%020d", prefixAttempt, a.Task, a.At.UnixNano())
	return j.put(key, a)
}

// RecordCompletion stores the latest completion for a task.
func (j *Journal) RecordCompletion(c Completion) error {
	if c.At.IsZero() {
		c.At = time.Now()
	}
	return j.put(prefixDone+c.Task, c)
}

// Runs returns all run records ordered by start time.
func (j *Journal) Runs() ([]Run, error) {
	var runs []Run
	err := scan(j, prefixRun, func(r Run) { runs = append(runs, r) })
	sort.SliceStable(runs, func(a, b int) bool { return runs[a].Started.Before(runs[b].Started) })
	return runs, err
}

// Attempts returns failed attempts for task, or for every task when task is
// empty, ordered by At. Keys group attempts by task, so the merged view is
// sorted after the scan.
func (j *Journal) Attempts(task string) ([]Attempt, error) {
	prefix := prefixAttempt
	if task != "" {
		prefix += task + "/"
	}
	var attempts []Attempt
	err := scan(j, prefix, func(a Attempt) { attempts = append(attempts, a) })
	sort.SliceStable(attempts, func(a, b int) bool { return attempts[a].At.Before(attempts[b].At) })
	return attempts, err
}

// Completions returns the latest completion per task.
func (j *Journal) Completions() (map[string]Completion, error) {
	done := make(map[string]Completion)
	err := scan(j, prefixDone, func(c Completion) { done[c.Task] = c })
	return done, err
}

func (j *Journal) put(key string, v any) error {
	if j.db.IsClosed() {
		return ErrClosed
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := j.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	}); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

// scan decodes every value under prefix in key order.
func scan[T any](j *Journal, prefix string, fn func(T)) error {
	if j.db.IsClosed() {
		return ErrClosed
	}
	return j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var v T
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &v)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", item.Key(), err)
			}
			fn(v)
		}
		return nil
	})
}
