package s3

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/zeitwork/amibuild/internal/builder/types"
)

// API is the subset of the S3 client the manifest store uses
type API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Client stores build manifests in an S3 bucket
type Client struct {
	client API
	bucket string
	prefix string
	logger *slog.Logger
}

var _ types.ManifestStore = (*Client)(nil)

// Config holds S3 configuration
type Config struct {
	Endpoint        string // Optional, for S3 compatible stores
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string // Optional prefix for all keys
}

// NewClient creates a new S3 client
func NewClient(ctx context.Context, cfg *Config, logger *slog.Logger) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			"",
		)))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS config: %w", err)
	}

	s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true // Required for MinIO and custom S3 endpoints
		}
	})

	return NewClientWithAPI(s3Client, cfg.Bucket, cfg.Prefix, logger), nil
}

// NewClientWithAPI creates a manifest store over an existing client
func NewClientWithAPI(api API, bucket, prefix string, logger *slog.Logger) *Client {
	return &Client{
		client: api,
		bucket: bucket,
		prefix: prefix,
		logger: logger,
	}
}

// buildKey builds the full S3 key with optional prefix
func (c *Client) buildKey(key string) string {
	if c.prefix != "" {
		return fmt.Sprintf("%s/%s", strings.TrimSuffix(c.prefix, "/"), strings.TrimPrefix(key, "/"))
	}
	return key
}

// ManifestKey returns the object key of a build's manifest
func (c *Client) ManifestKey(buildID string) string {
	return c.buildKey(fmt.Sprintf("builds/%s/manifest.json", buildID))
}

// PutManifest uploads the result of a build as JSON
func (c *Client) PutManifest(ctx context.Context, result *types.BuildResult) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}

	key := c.ManifestKey(result.BuildID)
	metadata := map[string]string{
		"build-id":    result.BuildID,
		"upload-time": time.Now().Format(time.RFC3339),
	}
	if result.Image != nil {
		metadata["image-id"] = result.Image.ID
	}

	_, err = c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String("application/json"),
		ContentLength: aws.Int64(int64(len(data))),
		Metadata:      metadata,
	})
	if err != nil {
		return fmt.Errorf("failed to upload manifest: %w", err)
	}

	c.logger.Info("Uploaded build manifest to S3", "bucket", c.bucket, "key", key)
	return nil
}
