// Copyright 2025 The Trawl Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logpipe

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	trawllog "github.com/trawlhq/trawl/internal/log"
)

// Uploader stores one archive object.
type Uploader interface {
	Upload(ctx context.Context, key string, body io.Reader, contentType string) error
}

// S3Config locates the archive bucket. Endpoint and ForcePathStyle
// exist for MinIO-style deployments.
type S3Config struct {
	Bucket         string
	Region         string
	Endpoint       string
	ForcePathStyle bool
}

// S3Uploader writes archives to an S3-compatible bucket.
type S3Uploader struct {
	client *s3.Client
	bucket string
}

// NewS3Uploader builds a client from the default AWS credential chain.
func NewS3Uploader(ctx context.Context, cfg S3Config) (*S3Uploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("archive bucket required")
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	return &S3Uploader{client: client, bucket: cfg.Bucket}, nil
}

// Upload puts one object.
func (u *S3Uploader) Upload(ctx context.Context, key string, body io.Reader, contentType string) error {
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(u.bucket),
		Key:         aws.String(key),
		Body:        body,
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("putting %s: %w", key, err)
	}
	return nil
}

// Archiver compresses finished WAL files and ships them to object
// storage so local disk can be reclaimed.
type Archiver struct {
	uploader Uploader
	prefix   string
	logger   *slog.Logger
}

// NewArchiver wraps an uploader with a key prefix.
func NewArchiver(uploader Uploader, prefix string, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		uploader: uploader,
		prefix:   strings.Trim(prefix, "/"),
		logger:   trawllog.WithComponent(logger, "log_archive"),
	}
}

// ArchiveRun gzips every stream file under walDir and uploads each as
// <prefix>/<run_id>/<stream>.log.gz. The WAL files stay on disk; the
// caller removes them after a successful archive.
func (a *Archiver) ArchiveRun(ctx context.Context, runID, walDir string) error {
	entries, err := os.ReadDir(walDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // nothing ever logged
		}
		return fmt.Errorf("reading wal dir: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		src := filepath.Join(walDir, e.Name())
		key := path.Join(a.prefix, runID, e.Name()+".gz")
		if err := a.uploadGzipped(ctx, key, src); err != nil {
			return err
		}
		a.logger.Info("wal archived",
			slog.String(trawllog.RunIDKey, runID),
			slog.String("key", key))
	}
	return nil
}

func (a *Archiver) uploadGzipped(ctx context.Context, key, src string) error {
	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening %s: %w", src, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if _, err := io.Copy(gz, f); err != nil {
		return fmt.Errorf("compressing %s: %w", src, err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("finishing gzip for %s: %w", src, err)
	}

	return a.uploader.Upload(ctx, key, bytes.NewReader(buf.Bytes()), "application/gzip")
}
