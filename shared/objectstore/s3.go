package objectstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// API is the subset of the S3 client used here.
type API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Client moves objects between a bucket and the local filesystem.
type Client struct {
	api    API
	logger *slog.Logger
}

// New builds an S3 backed client. A non-empty endpoint switches to path-style
// addressing for S3 compatible stores.
func New(cfg aws.Config, endpoint string, logger *slog.Logger) *Client {
	api := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return NewWithAPI(api, logger)
}

// NewWithAPI wraps an existing API implementation.
func NewWithAPI(api API, logger *slog.Logger) *Client {
	return &Client{api: api, logger: logger}
}

// Download writes bucket/key to localPath, creating parent directories.
func (c *Client) Download(ctx context.Context, bucket, key, localPath string) error {
	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to get object %s/%s: %w", bucket, key, err)
	}
	defer out.Body.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", localPath, err)
	}

	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", localPath, err)
	}

	n, err := io.Copy(f, out.Body)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to write object %s/%s to %s: %w", bucket, key, localPath, err)
	}

	c.logger.Debug("Object downloaded",
		slog.String("bucket", bucket),
		slog.String("key", key),
		slog.Int64("bytes", n),
	)
	return nil
}

// Upload stores localPath as bucket/key.
func (c *Client) Upload(ctx context.Context, localPath, bucket, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", localPath, err)
	}

	if _, err := c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          f,
		ContentLength: aws.Int64(info.Size()),
	}); err != nil {
		return fmt.Errorf("failed to put object %s/%s: %w", bucket, key, err)
	}

	c.logger.Debug("Object uploaded",
		slog.String("bucket", bucket),
		slog.String("key", key),
		slog.Int64("bytes", info.Size()),
	)
	return nil
}
