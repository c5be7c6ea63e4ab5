// Package archive exports failed tasks before they are purged, either to a
// local directory or to an S3 bucket.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"async-notify/internal/config"
	"async-notify/internal/models"
)

// Uploader stores one object and returns where it went.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// New picks the S3 uploader when a bucket is configured, the local one otherwise.
func New(ctx context.Context, cfg config.ArchiveConfig) (Uploader, error) {
	if cfg.S3Bucket != "" {
		return NewS3Uploader(ctx, cfg)
	}
	dir := cfg.Dir
	if dir == "" {
		dir = "./archive"
	}
	return &LocalUploader{BaseDir: dir}, nil
}

type LocalUploader struct {
	BaseDir string
}

func (l *LocalUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.BaseDir, sanitizeKey(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type S3Uploader struct {
	client *s3.Client
	bucket string
}

// NewS3Uploader loads the default AWS credential chain. A custom endpoint
// (MinIO, LocalStack) may be set with path-style addressing.
func NewS3Uploader(ctx context.Context, cfg config.ArchiveConfig) (*S3Uploader, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.S3Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3PathStyle
	})
	return &S3Uploader{client: client, bucket: cfg.S3Bucket}, nil
}

func (s *S3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	key = sanitizeKey(key)
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// Document is the archived form of a batch of failed tasks.
type Document struct {
	Category   string        `json:"category"`
	ExportedAt time.Time     `json:"exported_at"`
	Count      int           `json:"count"`
	Tasks      []models.Task `json:"tasks"`
}

// Exporter writes failed tasks as one JSON document per call.
type Exporter struct {
	uploader Uploader
	now      func() time.Time
}

func NewExporter(u Uploader) *Exporter {
	return &Exporter{uploader: u, now: time.Now}
}

func (e *Exporter) WithClock(now func() time.Time) *Exporter {
	e.now = now
	return e
}

// Export uploads tasks under failed/<category>/<timestamp>.json and returns
// the location. Nothing is written for an empty batch.
func (e *Exporter) Export(ctx context.Context, category string, tasks []models.Task) (string, error) {
	if len(tasks) == 0 {
		return "", nil
	}
	at := e.now().UTC()
	body, err := json.MarshalIndent(Document{
		Category:   category,
		ExportedAt: at,
		Count:      len(tasks),
		Tasks:      tasks,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode archive: %w", err)
	}
	key := fmt.Sprintf("failed/%s/%s.json", category, at.Format("20060102T150405Z"))
	location, err := e.uploader.Upload(ctx, key, body, "application/json")
	if err != nil {
		return "", fmt.Errorf("archive %s: %w", category, err)
	}
	return location, nil
}

func sanitizeKey(key string) string {
	key = filepath.ToSlash(filepath.Clean(key))
	key = strings.TrimPrefix(key, "/")
	for strings.HasPrefix(key, "../") {
		key = strings.TrimPrefix(key, "../")
	}
	return strings.TrimPrefix(key, "./")
}
