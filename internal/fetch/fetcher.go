// Package fetch materializes an uploaded file for extraction from its
// storage location, either a local path or an s3:// object.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"document-ingestion-queue/internal/config"
)

// Fetcher resolves a storage location to a local path the extraction client
// can read. Cleanup must always be called; it is a no-op for local files.
type Fetcher interface {
	Fetch(ctx context.Context, location string) (path string, cleanup func(), err error)
}

// New builds a fetcher that routes s3:// locations to S3 (when a bucket is
// configured) and everything else to the local storage directory.
func New(ctx context.Context, cfg config.Config) (Fetcher, error) {
	local := &localFetcher{baseDir: cfg.StorageDir}
	if cfg.S3Bucket == "" {
		return &router{local: local}, nil
	}
	client, err := newS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &router{local: local, s3: &s3Fetcher{client: client}}, nil
}

type router struct {
	local *localFetcher
	s3    *s3Fetcher
}

func (r *router) Fetch(ctx context.Context, location string) (string, func(), error) {
	if strings.HasPrefix(location, "s3://") {
		if r.s3 == nil {
			return "", nil, errors.New("s3 location given but S3_BUCKET is not configured")
		}
		return r.s3.Fetch(ctx, location)
	}
	return r.local.Fetch(ctx, location)
}

type localFetcher struct {
	baseDir string
}

func (l *localFetcher) Fetch(_ context.Context, location string) (string, func(), error) {
	path := location
	if !filepath.IsAbs(path) {
		path = filepath.Join(l.baseDir, path)
	}
	if _, err := os.Stat(path); err != nil {
		return "", nil, fmt.Errorf("local file %s: %w", location, err)
	}
	return path, func() {}, nil
}

type s3Fetcher struct {
	client *s3.Client
}

func (f *s3Fetcher) Fetch(ctx context.Context, location string) (string, func(), error) {
	bucket, key, err := splitS3Location(location)
	if err != nil {
		return "", nil, err
	}

	obj, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", nil, fmt.Errorf("get object %s: %w", location, err)
	}
	defer obj.Body.Close()

	tmp, err := os.CreateTemp("", "docq-*"+filepath.Ext(key))
	if err != nil {
		return "", nil, fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(tmp, obj.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", nil, fmt.Errorf("download %s: %w", location, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", nil, err
	}
	path := tmp.Name()
	return path, func() { os.Remove(path) }, nil
}

func splitS3Location(location string) (bucket, key string, err error) {
	trimmed := strings.TrimPrefix(location, "s3://")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed s3 location %q", location)
	}
	return parts[0], parts[1], nil
}

func newS3Client(ctx context.Context, cfg config.Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.S3Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3Endpoint)
		}
		o.UsePathStyle = cfg.S3PathStyle
	}), nil
}
