package audit

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	gcs "cloud.google.com/go/storage"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Sink writes a finished bundle somewhere durable and returns its
// location (a path or object URL).
type Sink interface {
	Put(ctx context.Context, name string, data []byte) (string, error)
}

// NewSink picks a sink from the configured destinations. The bucket
// URL wins over the directory; s3:// and gs:// schemes choose the
// client. Both empty returns (nil, nil): export stays unconfigured.
func NewSink(ctx context.Context, dir, bucketURL string) (Sink, error) {
	switch {
	case strings.HasPrefix(bucketURL, "s3://"):
		bucket, prefix := splitBucketURL(bucketURL, "s3://")
		return NewS3Sink(ctx, bucket, prefix)
	case strings.HasPrefix(bucketURL, "gs://"):
		bucket, prefix := splitBucketURL(bucketURL, "gs://")
		return NewGCSSink(ctx, bucket, prefix)
	case bucketURL != "":
		return nil, fmt.Errorf("audit: unsupported bucket scheme in %q (want s3:// or gs://)", bucketURL)
	case dir != "":
		return &DirSink{Dir: dir}, nil
	}
	return nil, nil
}

func splitBucketURL(u, scheme string) (bucket, prefix string) {
	rest := strings.TrimPrefix(u, scheme)
	bucket, prefix, _ = strings.Cut(rest, "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return bucket, prefix
}

// DirSink writes bundles to a local directory.
type DirSink struct {
	Dir string
}

func (d *DirSink) Put(_ context.Context, name string, data []byte) (string, error) {
	if err := os.MkdirAll(d.Dir, 0o755); err != nil {
		return "", fmt.Errorf("audit: create export dir: %w", err)
	}
	path := filepath.Join(d.Dir, name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", fmt.Errorf("audit: write bundle: %w", err)
	}
	return path, nil
}

// S3Sink writes bundles to an S3 bucket.
type S3Sink struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Sink builds a sink from the ambient AWS credential chain.
func NewS3Sink(ctx context.Context, bucket, prefix string) (*S3Sink, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: load AWS config: %w", err)
	}
	return &S3Sink{client: s3.NewFromConfig(cfg), bucket: bucket, prefix: prefix}, nil
}

func (s *S3Sink) Put(ctx context.Context, name string, data []byte) (string, error) {
	key := s.prefix + name
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/zip"),
	})
	if err != nil {
		return "", fmt.Errorf("audit: s3 put failed: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}

// GCSSink writes bundles to a Google Cloud Storage bucket.
type GCSSink struct {
	client *gcs.Client
	bucket string
	prefix string
}

// NewGCSSink builds a sink using application default credentials.
func NewGCSSink(ctx context.Context, bucket, prefix string) (*GCSSink, error) {
	client, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit: create GCS client: %w", err)
	}
	return &GCSSink{client: client, bucket: bucket, prefix: prefix}, nil
}

func (g *GCSSink) Put(ctx context.Context, name string, data []byte) (string, error) {
	key := g.prefix + name
	w := g.client.Bucket(g.bucket).Object(key).NewWriter(ctx)
	w.ContentType = "application/zip"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("audit: gcs write failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("audit: gcs close failed: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", g.bucket, key), nil
}
