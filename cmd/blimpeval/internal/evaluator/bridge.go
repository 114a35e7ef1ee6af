// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package evaluator

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/blimpeval/cmd/blimpeval/internal/util"
)

// =============================================================================
// Wire Protocol
// =============================================================================
//
// The bridge reads one JSON request per line on stdin and writes one JSON
// response per line on stdout, echoing the request id. Diagnostics go to
// stderr. Ops:
//
//	{"id":1,"op":"load","model":{"model_path":..,"backend":..,"device":..,"trust_remote_code":..}}
//	{"id":2,"op":"evaluate","task":{"task":..,"title":..,"template":"","num_fewshot":0,"seed":12,"predictions_path":..}}
//	{"id":3,"op":"aoa","analysis":{"backend":..,"batch_size":32}}
//	{"id":4,"op":"shutdown"}
//
// Responses: {"id":n,"ok":true,...} or {"id":n,"ok":false,"error":"..."}.
// evaluate adds "acc"; aoa adds "average_surprisals" and "mean_absolute_deviation".

const (
	opLoad     = "load"
	opEvaluate = "evaluate"
	opAnalyze  = "aoa"
	opShutdown = "shutdown"

	bridgeServeArg   = "serve"
	stderrTailBytes  = 16 << 10
	maxResponseBytes = 64 << 20
	closeGrace       = 5 * time.Second
	killGrace        = 2 * time.Second
)

type modelPayload struct {
	ModelPath       string `json:"model_path"`
	Backend         string `json:"backend"`
	Device          string `json:"device"`
	TrustRemoteCode bool   `json:"trust_remote_code"`
}

type taskPayload struct {
	Task            string `json:"task"`
	Title           string `json:"title"`
	Template        string `json:"template"`
	NumFewshot      int    `json:"num_fewshot"`
	Seed            int    `json:"seed"`
	PredictionsPath string `json:"predictions_path"`
}

type analysisPayload struct {
	Backend   string `json:"backend"`
	BatchSize int    `json:"batch_size"`
}

type bridgeRequest struct {
	ID       int64            `json:"id"`
	Op       string           `json:"op"`
	Model    *modelPayload    `json:"model,omitempty"`
	Task     *taskPayload     `json:"task,omitempty"`
	Analysis *analysisPayload `json:"analysis,omitempty"`
}

type bridgeResponse struct {
	ID                    int64           `json:"id"`
	OK                    bool            `json:"ok"`
	Error                 string          `json:"error,omitempty"`
	Accuracy              *float64        `json:"acc,omitempty"`
	AverageSurprisals     json.RawMessage `json:"average_surprisals,omitempty"`
	MeanAbsoluteDeviation json.RawMessage `json:"mean_absolute_deviation,omitempty"`
}

// =============================================================================
// Process
// =============================================================================

// bridgeProcess owns one running bridge. Not safe for concurrent roundTrips;
// CommandModel serializes them.
type bridgeProcess struct {
	command string
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stderr  *tailBuffer

	lines    chan []byte
	stop     chan struct{}
	stopOnce sync.Once

	// done is closed after cmd.Wait returns; waitErr and scanErr are
	// readable after that.
	done    chan struct{}
	waitErr error
	scanErr error
}

func startBridge(argv, env []string) (*bridgeProcess, error) {
	if len(argv) == 0 {
		return nil, util.NewCommandError("", -1, "", errors.New("empty bridge command"))
	}
	args := append(append([]string(nil), argv[1:]...), bridgeServeArg)
	display := strings.Join(append(append([]string(nil), argv...), bridgeServeArg), " ")

	cmd := exec.Command(argv[0], args...)
	cmd.Env = env
	cmd.WaitDelay = killGrace

	p := &bridgeProcess{
		command: display,
		cmd:     cmd,
		stderr:  newTailBuffer(stderrTailBytes),
		lines:   make(chan []byte, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	cmd.Stderr = p.stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, util.NewCommandError(display, -1, "", fmt.Errorf("stdin pipe: %w", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, util.NewCommandError(display, -1, "", fmt.Errorf("stdout pipe: %w", err))
	}
	if err := cmd.Start(); err != nil {
		return nil, util.NewCommandError(display, -1, "", fmt.Errorf("start: %w", err))
	}
	p.stdin = stdin

	go p.readLoop(stdout)
	return p, nil
}

// readLoop forwards stdout lines until EOF, then reaps the process.
func (p *bridgeProcess) readLoop(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64<<10), maxResponseBytes)

	stopped := false
scan:
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		select {
		case p.lines <- append([]byte(nil), line...):
		case <-p.stop:
			stopped = true
			break scan
		}
	}
	if !stopped {
		if err := scanner.Err(); err != nil {
			p.scanErr = err
			_ = p.cmd.Process.Kill()
		}
	}
	// Drain so the process never blocks on a full pipe while exiting.
	_, _ = io.Copy(io.Discard, stdout)

	close(p.lines)
	p.waitErr = p.cmd.Wait()
	close(p.done)
}

func (p *bridgeProcess) alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// roundTrip sends req and waits for its response, the process exit, or ctx.
func (p *bridgeProcess) roundTrip(ctx context.Context, req bridgeRequest) (*bridgeResponse, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: encode %s request: %v", ErrBridgeProtocol, req.Op, err)
	}
	data = append(data, '\n')

	if _, err := p.stdin.Write(data); err != nil {
		return nil, p.failure(fmt.Errorf("write %s request: %w", req.Op, err))
	}

	select {
	case <-ctx.Done():
		p.kill()
		return nil, ctx.Err()
	case line, ok := <-p.lines:
		if !ok {
			return nil, p.failure(nil)
		}
		var resp bridgeResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			return nil, fmt.Errorf("%w: decode %s response: %v", ErrBridgeProtocol, req.Op, err)
		}
		if resp.ID != req.ID {
			return nil, fmt.Errorf("%w: response id %d for request %d", ErrBridgeProtocol, resp.ID, req.ID)
		}
		return &resp, nil
	}
}

// failure waits briefly for the process to exit and describes why it did.
func (p *bridgeProcess) failure(cause error) error {
	timer := time.NewTimer(closeGrace)
	defer timer.Stop()
	select {
	case <-p.done:
	case <-timer.C:
		p.kill()
	}
	if p.alive() {
		if cause == nil {
			cause = errors.New("bridge stopped responding")
		}
		return util.NewCommandError(p.command, -1, p.stderr.String(), cause)
	}

	exitCode := 0
	var exitErr *exec.ExitError
	if errors.As(p.waitErr, &exitErr) {
		exitCode = exitErr.ExitCode()
	} else if p.waitErr != nil {
		exitCode = -1
	}

	wrapped := cause
	if p.scanErr != nil {
		wrapped = fmt.Errorf("read response: %w", p.scanErr)
	}
	if wrapped == nil {
		wrapped = p.waitErr
	}
	if wrapped == nil {
		wrapped = errors.New("bridge exited before responding")
	}
	return util.NewCommandError(p.command, exitCode, p.stderr.String(), wrapped)
}

// kill terminates the process and waits for it to be reaped.
func (p *bridgeProcess) kill() {
	p.stopOnce.Do(func() { close(p.stop) })
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	timer := time.NewTimer(killGrace * 2)
	defer timer.Stop()
	select {
	case <-p.done:
	case <-timer.C:
	}
}

// shutdown asks the bridge to exit, then kills it after grace.
func (p *bridgeProcess) shutdown(id int64, grace time.Duration) error {
	if !p.alive() {
		return nil
	}
	data, _ := json.Marshal(bridgeRequest{ID: id, Op: opShutdown})
	_, _ = p.stdin.Write(append(data, '\n'))
	_ = p.stdin.Close()

	// Any late response line is irrelevant now.
	p.stopOnce.Do(func() { close(p.stop) })

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-p.done:
	case <-timer.C:
		p.kill()
		return util.NewCommandError(p.command, -1, p.stderr.String(),
			fmt.Errorf("bridge did not exit within %s", grace))
	}

	var exitErr *exec.ExitError
	if errors.As(p.waitErr, &exitErr) {
		return util.NewCommandError(p.command, exitErr.ExitCode(), p.stderr.String(), p.waitErr)
	}
	return nil
}

// =============================================================================
// Stderr Tail
// =============================================================================

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, b...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append([]byte(nil), t.buf[over:]...)
	}
	return len(b), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
