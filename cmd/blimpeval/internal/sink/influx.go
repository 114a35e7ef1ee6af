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
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// InfluxConfig configures the InfluxDB sink.
type InfluxConfig struct {
	URL         string
	Token       string
	Org         string
	Bucket      string
	Measurement string

	// Timeout bounds each write request. Default: 10s.
	Timeout time.Duration
}

// Influx writes one point per task accuracy.
//
// Point layout:
//
//	<measurement>,task=..,group=..,run_id=..,model=..,backend=..,worker=.. accuracy=..,attempts=..i,duration_seconds=..
type Influx struct {
	client      influxdb2.Client
	writeAPI    api.WriteAPIBlocking
	measurement string
}

// NewInflux creates the sink. No connection is made until the first write.
func NewInflux(cfg InfluxConfig) (*Influx, error) {
	if cfg.URL == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, errors.New("influxdb sink requires url, org and bucket")
	}
	if cfg.Measurement == "" {
		cfg.Measurement = "task_accuracy"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	opts := influxdb2.DefaultOptions().SetHTTPRequestTimeout(uint(timeout / time.Second))
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opts)
	return &Influx{
		client:      client,
		writeAPI:    client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		measurement: cfg.Measurement,
	}, nil
}

// Name returns "influxdb".
func (s *Influx) Name() string {
	return "influxdb"
}

// Publish writes the task's point.
func (s *Influx) Publish(ctx context.Context, r Result) error {
	at := r.At
	if at.IsZero() {
		at = time.Now()
	}
	p := influxdb2.NewPointWithMeasurement(s.measurement).
		AddTag("task", r.Task).
		AddTag("group", r.Group).
		AddTag("run_id", r.RunID).
		AddTag("model", filepath.Base(r.ModelPath)).
		AddTag("backend", r.Backend).
		AddTag("worker", strconv.Itoa(r.Worker)).
		AddField("accuracy", r.Accuracy).
		AddField("attempts", r.Attempts).
		AddField("duration_seconds", r.Duration.Seconds()).
		SetTime(at)

	return s.writeAPI.WritePoint(ctx, p)
}

// Close releases the client's idle connections.
func (s *Influx) Close() error {
	s.client.Close()
	return nil
}
