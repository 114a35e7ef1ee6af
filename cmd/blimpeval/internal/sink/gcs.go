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
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSConfig configures the bucket mirror.
type GCSConfig struct {
	Bucket string

	// Prefix is prepended to every object name.
	Prefix string

	// CredentialsFile is a service account key. Empty uses application
	// default credentials.
	CredentialsFile string
}

// objectWriter uploads one object. The production implementation wraps a
// bucket handle; tests substitute a recorder.
type objectWriter interface {
	WriteObject(ctx context.Context, name, contentType string, r io.Reader) error
}

type bucketWriter struct {
	bucket *storage.BucketHandle
}

func (b bucketWriter) WriteObject(ctx context.Context, name, contentType string, r io.Reader) error {
	writer := b.bucket.Object(name).NewWriter(ctx)
	writer.ContentType = contentType
	writer.CacheControl = "no-cache, no-store, must-revalidate"

	if _, err := io.Copy(writer, r); err != nil {
		_ = writer.Close()
		return fmt.Errorf("copy to gs object %s: %w", name, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close gs writer for %s: %w", name, err)
	}
	return nil
}

// GCS mirrors result documents to a Cloud Storage bucket, keeping their
// layout relative to the model directory:
//
//	gs://<bucket>/<prefix>/<model>/zeroshot/<title>/eval_results.json
type GCS struct {
	client *storage.Client
	writer objectWriter
	bucket string
	prefix string
	root   string
}

// NewGCS creates the mirror for results rooted at modelPath.
func NewGCS(ctx context.Context, cfg GCSConfig, modelPath string) (*GCS, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("gcs sink requires a bucket")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		if _, err := os.Stat(cfg.CredentialsFile); os.IsNotExist(err) {
			return nil, fmt.Errorf("service account key not found at path: %s", cfg.CredentialsFile)
		}
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create GCS storage client: %w", err)
	}

	g := newGCS(bucketWriter{bucket: client.Bucket(cfg.Bucket)}, cfg.Bucket, cfg.Prefix, modelPath)
	g.client = client
	return g, nil
}

func newGCS(w objectWriter, bucket, prefix, root string) *GCS {
	return &GCS{
		writer: w,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		root:   filepath.Clean(root),
	}
}

// Name returns "gcs".
func (g *GCS) Name() string {
	return "gcs"
}

// Publish uploads eval_results.json and, if present, predictions.txt.
func (g *GCS) Publish(ctx context.Context, r Result) error {
	if err := g.upload(ctx, r.ResultPath, "application/json"); err != nil {
		return err
	}
	if r.PredictionsPath == "" {
		return nil
	}
	if _, err := os.Stat(r.PredictionsPath); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return g.upload(ctx, r.PredictionsPath, "text/plain")
}

// PublishArtifacts uploads run-level documents.
func (g *GCS) PublishArtifacts(ctx context.Context, paths []string) error {
	for _, p := range paths {
		if err := g.upload(ctx, p, "application/json"); err != nil {
			return err
		}
	}
	return nil
}

// ObjectName maps a local file under the model directory to its object name.
func (g *GCS) ObjectName(localPath string) (string, error) {
	rel, err := filepath.Rel(g.root, filepath.Clean(localPath))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside %s", localPath, g.root)
	}
	return path.Join(g.prefix, filepath.Base(g.root), filepath.ToSlash(rel)), nil
}

func (g *GCS) upload(ctx context.Context, localPath, contentType string) error {
	name, err := g.ObjectName(localPath)
	if err != nil {
		return err
	}
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	if err := g.writer.WriteObject(ctx, name, contentType, f); err != nil {
		return fmt.Errorf("upload gs://%s/%s: %w", g.bucket, name, err)
	}
	return nil
}

// Close closes the storage client.
func (g *GCS) Close() error {
	if g.client == nil {
		return nil
	}
	return g.client.Close()
}

var (
	_ Sink         = (*GCS)(nil)
	_ ArtifactSink = (*GCS)(nil)
	_ Sink         = (*Influx)(nil)
)
