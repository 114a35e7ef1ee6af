// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package bridgetest is a scripted stand-in for the evaluation bridge.
//
// Tests re-execute their own binary as the bridge. In TestMain:
//
//	func TestMain(m *testing.M) {
//	    bridgetest.RunIfHelper()
//	    os.Exit(m.Run())
//	}
//
// and point the loader at it:
//
//	loader := evaluator.NewCommandLoader(bridgetest.Command(), bridgetest.Env(b), nil)
package bridgetest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// EnvBehavior carries the JSON-encoded Behavior to the helper process.
const EnvBehavior = "BLIMPEVAL_BRIDGETEST_BEHAVIOR"

// Behavior scripts the fake bridge.
type Behavior struct {
	// Accuracy is returned for every task not in Accuracies.
	Accuracy float64 `json:"accuracy"`

	// Accuracies overrides Accuracy per task title.
	Accuracies map[string]float64 `json:"accuracies,omitempty"`

	// FailEvaluations makes the first N evaluate calls of each process
	// answer ok:false.
	FailEvaluations int `json:"fail_evaluations,omitempty"`

	// FailTitles makes every evaluate call for these titles answer ok:false.
	FailTitles []string `json:"fail_titles,omitempty"`

	// StartupError makes the process print this to stderr and exit 1
	// before reading any request.
	StartupError string `json:"startup_error,omitempty"`

	// LoadError makes the load op fail with this message.
	LoadError string `json:"load_error,omitempty"`

	// CrashOnceMarker makes the first evaluate call exit with code 3 and a
	// stderr message, unless the marker file exists. The marker is created
	// before exiting, so only one process in a test crashes.
	CrashOnceMarker string `json:"crash_once_marker,omitempty"`

	// HangOnEvaluate blocks evaluate calls until stdin closes.
	HangOnEvaluate bool `json:"hang_on_evaluate,omitempty"`

	// WritePredictions writes one line to predictions_path per evaluate call.
	WritePredictions bool `json:"write_predictions,omitempty"`

	// CallLog appends every received op name to this file.
	CallLog string `json:"call_log,omitempty"`

	// Surprisals and Deviation are returned by the aoa op.
	Surprisals json.RawMessage `json:"surprisals,omitempty"`
	Deviation  json.RawMessage `json:"deviation,omitempty"`
}

// Command returns the argv that re-executes the current test binary.
func Command() []string {
	return []string{os.Args[0]}
}

// Env returns the environment that turns the test binary into a bridge.
func Env(b Behavior) map[string]string {
	data, err := json.Marshal(b)
	if err != nil {
		panic(fmt.Sprintf("bridgetest: encode behavior: %v", err))
	}
	return map[string]string{EnvBehavior: string(data)}
}

// RunIfHelper serves the bridge protocol and exits when EnvBehavior is set.
func RunIfHelper() {
	raw, ok := os.LookupEnv(EnvBehavior)
	if !ok {
		return
	}
	var b Behavior
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		fmt.Fprintf(os.Stderr, "bridgetest: bad behavior: %v\n", err)
		os.Exit(2)
	}
	os.Exit(Serve(os.Stdin, os.Stdout, os.Stderr, b))
}

type request struct {
	ID    int64  `json:"id"`
	Op    string `json:"op"`
	Model *struct {
		ModelPath string `json:"model_path"`
		Backend   string `json:"backend"`
	} `json:"model"`
	Task *struct {
		Task            string `json:"task"`
		Title           string `json:"title"`
		Seed            int    `json:"seed"`
		PredictionsPath string `json:"predictions_path"`
	} `json:"task"`
	Analysis *struct {
		Backend   string `json:"backend"`
		BatchSize int    `json:"batch_size"`
	} `json:"analysis"`
}

type response struct {
	ID                    int64           `json:"id"`
	OK                    bool            `json:"ok"`
	Error                 string          `json:"error,omitempty"`
	Accuracy              *float64        `json:"acc,omitempty"`
	AverageSurprisals     json.RawMessage `json:"average_surprisals,omitempty"`
	MeanAbsoluteDeviation json.RawMessage `json:"mean_absolute_deviation,omitempty"`
}

// Serve runs the protocol until stdin closes or a shutdown op arrives and
// returns the process exit code.
func Serve(in io.Reader, out, errOut io.Writer, b Behavior) int {
	if b.StartupError != "" {
		fmt.Fprintln(errOut, b.StartupError)
		return 1
	}
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64<<10), 16<<20)
	enc := json.NewEncoder(out)

	evaluations := 0
	loaded := false
	for scanner.Scan() {
		var req request
		if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
			fmt.Fprintf(errOut, "bridgetest: bad request: %v\n", err)
			return 2
		}
		logCall(b.CallLog, req.Op)

		resp := response{ID: req.ID, OK: true}
		switch req.Op {
		case "load":
			if b.LoadError != "" {
				resp.OK, resp.Error = false, b.LoadError
				break
			}
			loaded = true

		case "evaluate":
			if !loaded || req.Task == nil {
				resp.OK, resp.Error = false, "evaluate before load"
				break
			}
			evaluations++
			if b.CrashOnceMarker != "" {
				if _, err := os.Stat(b.CrashOnceMarker); os.IsNotExist(err) {
					_ = os.WriteFile(b.CrashOnceMarker, nil, 0o644)
					fmt.Fprintln(errOut, "RuntimeError: CUDA error: device-side assert triggered")
					return 3
				}
			}
			if b.HangOnEvaluate {
				_, _ = io.Copy(io.Discard, in)
				return 0
			}
			if evaluations <= b.FailEvaluations || contains(b.FailTitles, req.Task.Title) {
				resp.OK, resp.Error = false, "OSError: [Errno 11] Resource temporarily unavailable: "+req.Task.Task
				break
			}
			acc := b.Accuracy
			if v, ok := b.Accuracies[req.Task.Title]; ok {
				acc = v
			}
			if b.WritePredictions && req.Task.PredictionsPath != "" {
				if err := os.MkdirAll(filepath.Dir(req.Task.PredictionsPath), 0o755); err == nil {
					_ = os.WriteFile(req.Task.PredictionsPath, []byte(req.Task.Title+"\n"), 0o644)
				}
			}
			resp.Accuracy = &acc

		case "aoa":
			if !loaded {
				resp.OK, resp.Error = false, "aoa before load"
				break
			}
			resp.AverageSurprisals = orDefault(b.Surprisals, `{"the":1.5}`)
			resp.MeanAbsoluteDeviation = orDefault(b.Deviation, `{"mad":0.25}`)

		case "shutdown":
			_ = enc.Encode(resp)
			return 0

		default:
			resp.OK, resp.Error = false, "unknown op "+req.Op
		}

		if err := enc.Encode(resp); err != nil {
			return 2
		}
	}
	return 0
}

func logCall(path, op string) {
	if path == "" {
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = fmt.Fprintln(f, op)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func orDefault(raw json.RawMessage, def string) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(def)
	}
	return raw
}
