// Package s3 archives events evicted from the hot buffer to object
// storage.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Config holds S3 connection settings.
type Config struct {
	Region string `yaml:"region"`
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`

	// Endpoint overrides the AWS endpoint for S3-compatible storage.
	Endpoint string `yaml:"endpoint,omitempty"`

	// Static credentials; IAM is used when unset.
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`

	// UsePathStyle forces path-style addressing (MinIO, LocalStack).
	UsePathStyle bool `yaml:"use_path_style"`

	RetryMaxAttempts int           `yaml:"retry_max_attempts"`
	Timeout          time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the default archive settings.
func DefaultConfig() Config {
	return Config{
		Region:           "us-east-1",
		Bucket:           "sentinel-archive",
		Prefix:           "events/",
		RetryMaxAttempts: 3,
		Timeout:          5 * time.Minute,
	}
}

// Validate checks required fields.
func (c Config) Validate() error {
	if c.Region == "" {
		return errors.New("s3: region is required")
	}
	if c.Bucket == "" {
		return errors.New("s3: bucket is required")
	}
	return nil
}

// Client is a thin S3 wrapper for archive uploads and retrieval.
type Client struct {
	client *s3.Client
	config Config

	bytesUploaded   atomic.Int64
	objectsUploaded atomic.Int64
	uploadErrors    atomic.Int64
}

// NewClient creates an S3 client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	if cfg.RetryMaxAttempts > 0 {
		opts = append(opts, config.WithRetryMaxAttempts(cfg.RetryMaxAttempts))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: load aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	c := &Client{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		config: cfg,
	}

	slog.Info("s3 archive client initialized",
		"bucket", cfg.Bucket,
		"region", cfg.Region,
		"prefix", cfg.Prefix,
	)
	return c, nil
}

// Put uploads an object under the configured prefix.
func (c *Client) Put(ctx context.Context, key, contentType string, body io.Reader) error {
	fullKey := c.config.Prefix + key

	data, err := io.ReadAll(body)
	if err != nil {
		c.uploadErrors.Add(1)
		return fmt.Errorf("s3: read upload body: %w", err)
	}

	_, err = c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(c.config.Bucket),
		Key:          aws.String(fullKey),
		Body:         bytes.NewReader(data),
		ContentType:  aws.String(contentType),
		StorageClass: types.StorageClassIntelligentTiering,
	})
	if err != nil {
		c.uploadErrors.Add(1)
		return fmt.Errorf("s3: put %s: %w", fullKey, err)
	}

	c.bytesUploaded.Add(int64(len(data)))
	c.objectsUploaded.Add(1)
	slog.Debug("archived object", "key", fullKey, "size", len(data))
	return nil
}

// Get retrieves an archived object.
func (c *Client) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	fullKey := c.config.Prefix + key
	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.config.Bucket),
		Key:    aws.String(fullKey),
	})
	if err != nil {
		return nil, fmt.Errorf("s3: get %s: %w", fullKey, err)
	}
	return out.Body, nil
}

// List returns archived object keys under the prefix, without the
// configured prefix stripped.
func (c *Client) List(ctx context.Context, prefix string) ([]string, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(c.config.Bucket),
		Prefix: aws.String(c.config.Prefix + prefix),
	}

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(c.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3: list objects: %w", err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

// HealthCheck verifies bucket reachability.
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(c.config.Bucket),
	})
	return err
}

// Metrics holds upload counters.
type Metrics struct {
	BytesUploaded   int64 `json:"bytes_uploaded"`
	ObjectsUploaded int64 `json:"objects_uploaded"`
	UploadErrors    int64 `json:"upload_errors"`
}

// GetMetrics returns current counters.
func (c *Client) GetMetrics() Metrics {
	return Metrics{
		BytesUploaded:   c.bytesUploaded.Load(),
		ObjectsUploaded: c.objectsUploaded.Load(),
		UploadErrors:    c.uploadErrors.Load(),
	}
}
