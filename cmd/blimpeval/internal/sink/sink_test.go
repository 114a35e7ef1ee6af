// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sink

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/blimpeval/pkg/logging"
)

type fakeSink struct {
	name      string
	err       error
	published []Result
	artifacts [][]string
	closed    bool
}

func (f *fakeSink) Name() string { return f.name }

func (f *fakeSink) Publish(_ context.Context, r Result) error {
	f.published = append(f.published, r)
	return f.err
}

func (f *fakeSink) Close() error {
	f.closed = true
	return nil
}

type artifactFake struct {
	fakeSink
}

func (f *artifactFake) PublishArtifacts(_ context.Context, paths []string) error {
	f.artifacts = append(f.artifacts, paths)
	return f.err
}

// =============================================================================
// Fanout Tests
// =============================================================================

func TestFanout_PublishesToAll(t *testing.T) {
	a := &fakeSink{name: "a"}
	b := &fakeSink{name: "b"}
	f := NewFanout(nil, nil, a, b)

	require.NoError(t, f.Publish(context.Background(), Result{Task: "binding"}))
	assert.Len(t, a.published, 1)
	assert.Len(t, b.published, 1)
	assert.Equal(t, []string{"a", "b"}, f.Names())
	assert.Equal(t, 2, f.Len())
}

func TestFanout_FailureIsAbsorbed(t *testing.T) {
	var logs bytes.Buffer
	logger := logging.New(logging.Config{Level: logging.LevelWarn, JSON: true, Output: &logs})

	var failed []string
	boom := errors.New("connection refused")
	bad := &fakeSink{name: "influxdb", err: boom}
	good := &fakeSink{name: "gcs"}
	f := NewFanout(logger, func(name string, _ error) { failed = append(failed, name) }, bad, good)

	err := f.Publish(context.Background(), Result{Task: "binding"})
	assert.ErrorIs(t, err, boom)
	assert.Len(t, good.published, 1, "later sinks still run")
	assert.Equal(t, []string{"influxdb"}, failed)
	assert.Contains(t, logs.String(), "result export failed")
	assert.Contains(t, logs.String(), `"sink":"influxdb"`)
}

func TestFanout_ArtifactsOnlyToArtifactSinks(t *testing.T) {
	plain := &fakeSink{name: "plain"}
	mirror := &artifactFake{fakeSink{name: "mirror"}}
	f := NewFanout(nil, nil, plain, mirror)

	require.NoError(t, f.PublishArtifacts(context.Background(), []string{"x.json", "y.json"}))
	require.Len(t, mirror.artifacts, 1)
	assert.Equal(t, []string{"x.json", "y.json"}, mirror.artifacts[0])
}

func TestFanout_Close(t *testing.T) {
	a := &fakeSink{name: "a"}
	b := &fakeSink{name: "b"}
	require.NoError(t, NewFanout(nil, nil, a, b).Close())
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}

func TestFanout_Empty(t *testing.T) {
	f := NewFanout(nil, nil)
	assert.NoError(t, f.Publish(context.Background(), Result{}))
	assert.NoError(t, f.PublishArtifacts(context.Background(), nil))
	assert.NoError(t, f.Close())
}

// =============================================================================
// InfluxDB Tests
// =============================================================================

type influxServer struct {
	mu     sync.Mutex
	bodies []string
	query  []string
	status int
}

func (s *influxServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/api/v2/write" {
		http.NotFound(w, r)
		return
	}
	body, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	s.bodies = append(s.bodies, string(body))
	s.query = append(s.query, r.URL.RawQuery)
	status := s.status
	s.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"code":"invalid","message":"bad point"}`))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func TestNewInflux_Validation(t *testing.T) {
	tests := []struct {
		name string
		cfg  InfluxConfig
	}{
		{"missing url", InfluxConfig{Org: "o", Bucket: "b"}},
		{"missing org", InfluxConfig{URL: "http://x", Bucket: "b"}},
		{"missing bucket", InfluxConfig{URL: "http://x", Org: "o"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewInflux(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestInflux_Publish(t *testing.T) {
	srv := &influxServer{}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	s, err := NewInflux(InfluxConfig{URL: ts.URL, Token: "tok", Org: "aleutian", Bucket: "evals"})
	require.NoError(t, err)
	defer s.Close()

	err = s.Publish(context.Background(), Result{
		RunID:     "run-1",
		Worker:    1,
		ModelPath: "/models/babylm-small",
		Backend:   "hf-causal",
		Task:      "anaphor_gender_agreement",
		Group:     "blimp",
		Accuracy:  0.75,
		Attempts:  2,
		Duration:  1500 * time.Millisecond,
		At:        time.Unix(1700000000, 0),
	})
	require.NoError(t, err)

	srv.mu.Lock()
	defer srv.mu.Unlock()
	require.Len(t, srv.bodies, 1)
	line := srv.bodies[0]
	assert.True(t, strings.HasPrefix(line, "task_accuracy,"), line)
	assert.Contains(t, line, "task=anaphor_gender_agreement")
	assert.Contains(t, line, "group=blimp")
	assert.Contains(t, line, "model=babylm-small")
	assert.Contains(t, line, "worker=1")
	assert.Contains(t, line, "accuracy=0.75")
	assert.Contains(t, line, "attempts=2i")
	assert.Contains(t, srv.query[0], "org=aleutian")
	assert.Contains(t, srv.query[0], "bucket=evals")
}

func TestInflux_PublishError(t *testing.T) {
	srv := &influxServer{status: http.StatusBadRequest}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	s, err := NewInflux(InfluxConfig{URL: ts.URL, Org: "o", Bucket: "b", Measurement: "acc"})
	require.NoError(t, err)
	defer s.Close()

	err = s.Publish(context.Background(), Result{Task: "t", Accuracy: 0.5})
	assert.Error(t, err)
}

// =============================================================================
// GCS Tests
// =============================================================================

type recordedObject struct {
	contentType string
	data        string
}

type fakeBucket struct {
	objects map[string]recordedObject
	err     error
}

func (b *fakeBucket) WriteObject(_ context.Context, name, contentType string, r io.Reader) error {
	if b.err != nil {
		return b.err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if b.objects == nil {
		b.objects = make(map[string]recordedObject)
	}
	b.objects[name] = recordedObject{contentType: contentType, data: string(data)}
	return nil
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestGCS_Publish(t *testing.T) {
	model := filepath.Join(t.TempDir(), "babylm-small")
	resultPath := filepath.Join(model, "zeroshot", "binding", "eval_results.json")
	predPath := filepath.Join(model, "zeroshot", "binding", "predictions.txt")
	writeFile(t, resultPath, `{"eval_accuracy": 0.75}`)
	writeFile(t, predPath, "0\n1\n")

	bucket := &fakeBucket{}
	g := newGCS(bucket, "evals", "/runs/", model)

	err := g.Publish(context.Background(), Result{ResultPath: resultPath, PredictionsPath: predPath})
	require.NoError(t, err)

	obj, ok := bucket.objects["runs/babylm-small/zeroshot/binding/eval_results.json"]
	require.True(t, ok, "objects: %v", bucket.objects)
	assert.Equal(t, "application/json", obj.contentType)
	assert.Equal(t, `{"eval_accuracy": 0.75}`, obj.data)

	pred, ok := bucket.objects["runs/babylm-small/zeroshot/binding/predictions.txt"]
	require.True(t, ok)
	assert.Equal(t, "text/plain", pred.contentType)
}

func TestGCS_PublishWithoutPredictions(t *testing.T) {
	model := t.TempDir()
	resultPath := filepath.Join(model, "zeroshot", "binding", "eval_results.json")
	writeFile(t, resultPath, `{}`)

	bucket := &fakeBucket{}
	g := newGCS(bucket, "evals", "", model)

	err := g.Publish(context.Background(), Result{
		ResultPath:      resultPath,
		PredictionsPath: filepath.Join(model, "zeroshot", "binding", "predictions.txt"),
	})
	require.NoError(t, err)
	assert.Len(t, bucket.objects, 1)
}

func TestGCS_PublishArtifacts(t *testing.T) {
	model := t.TempDir()
	a := filepath.Join(model, "zeroshot", "aoa", "average_surprisals.json")
	b := filepath.Join(model, "zeroshot", "aoa", "mean_absolute_deviation.json")
	writeFile(t, a, `{}`)
	writeFile(t, b, `{}`)

	bucket := &fakeBucket{}
	g := newGCS(bucket, "evals", "p", model)
	require.NoError(t, g.PublishArtifacts(context.Background(), []string{a, b}))
	assert.Len(t, bucket.objects, 2)
}

func TestGCS_Errors(t *testing.T) {
	model := t.TempDir()

	t.Run("outside model dir", func(t *testing.T) {
		g := newGCS(&fakeBucket{}, "evals", "", model)
		_, err := g.ObjectName(filepath.Join(filepath.Dir(model), "elsewhere.json"))
		assert.Error(t, err)
	})

	t.Run("missing result file", func(t *testing.T) {
		g := newGCS(&fakeBucket{}, "evals", "", model)
		err := g.Publish(context.Background(), Result{ResultPath: filepath.Join(model, "nope.json")})
		assert.Error(t, err)
	})

	t.Run("upload failure", func(t *testing.T) {
		path := filepath.Join(model, "zeroshot", "t", "eval_results.json")
		writeFile(t, path, `{}`)
		g := newGCS(&fakeBucket{err: errors.New("403 forbidden")}, "evals", "", model)
		err := g.Publish(context.Background(), Result{ResultPath: path})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "gs://evals/")
	})
}

func TestNewGCS_Validation(t *testing.T) {
	_, err := NewGCS(context.Background(), GCSConfig{}, t.TempDir())
	assert.Error(t, err)

	_, err = NewGCS(context.Background(), GCSConfig{Bucket: "b", CredentialsFile: "/does/not/exist.json"}, t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "service account key not found")
}

func TestGCS_CloseWithoutClient(t *testing.T) {
	assert.NoError(t, newGCS(&fakeBucket{}, "b", "", t.TempDir()).Close())
}
