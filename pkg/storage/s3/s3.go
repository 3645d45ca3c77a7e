// Package s3 implements the raw object store over Amazon S3 or any
// S3-compatible backend (MinIO, Ceph RGW, R2).
//
// The hub keeps three key families in one bucket:
//   - lfs/{oid[:2]}/{oid[2:4]}/{oid}: content-addressed LFS blobs
//   - staging/{vos_repo}/{branch}/{sha256}: inline commit payloads awaiting
//     a versioned-store commit
//   - the LakeFS storage namespace (managed by the versioned store itself)
//
// Two clients are held: one against the internal endpoint for server-side
// calls, one against the public endpoint for presigning, so download and
// upload URLs work from outside the deployment network.
package s3

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ErrObjectNotFound indicates the requested object does not exist.
var ErrObjectNotFound = errors.New("object not found")

// Client wraps the AWS SDK client with hub-specific operations and retries.
type Client struct {
	api       *s3.Client
	presigner *s3.PresignClient

	bucket        string
	presignExpiry time.Duration
	retry         retryConfig
}

// retryConfig holds retry settings for S3 operations.
type retryConfig struct {
	maxRetries        uint          // Maximum number of retry attempts (default: 3)
	initialBackoff    time.Duration // Initial backoff duration (default: 100ms)
	maxBackoff        time.Duration // Maximum backoff duration (default: 2s)
	backoffMultiplier float64       // Backoff multiplier (default: 2.0)
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// CompletedPart identifies one uploaded part of a multipart upload.
type CompletedPart struct {
	PartNumber int32  `json:"partNumber"`
	ETag       string `json:"etag"`
}

// newAWSClient creates an S3 client from configuration parameters.
func newAWSClient(
	ctx context.Context,
	endpoint,
	region,
	accessKeyID,
	secretAccessKey string,
	forcePathStyle bool,
) (*s3.Client, error) {
	// Build AWS config with credentials
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			accessKeyID,
			secretAccessKey,
			"", // session token (empty for static credentials)
		)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Create S3 client with options
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = &endpoint
		}
		o.UsePathStyle = forcePathStyle
	})

	return client, nil
}

// New creates a raw object store client and verifies bucket access.
// The bucket must already exist.
//
// Mode "local" presigns against cfg.PublicEndpoint; "remote" presigns
// against the internal endpoint.
func New(ctx context.Context, cfg Config, mode string) (*Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	api, err := newAWSClient(ctx, cfg.Endpoint, cfg.Region, cfg.AccessKey, cfg.SecretKey, cfg.ForcePathStyle)
	if err != nil {
		return nil, err
	}

	signEndpoint := cfg.Endpoint
	if mode == "local" && cfg.PublicEndpoint != "" {
		signEndpoint = cfg.PublicEndpoint
	}
	sign := api
	if signEndpoint != cfg.Endpoint {
		sign, err = newAWSClient(ctx, signEndpoint, cfg.Region, cfg.AccessKey, cfg.SecretKey, cfg.ForcePathStyle)
		if err != nil {
			return nil, err
		}
	}

	if _, err := api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)}); err != nil {
		return nil, fmt.Errorf("failed to access bucket %q: %w", cfg.Bucket, err)
	}

	return &Client{
		api:           api,
		presigner:     s3.NewPresignClient(sign),
		bucket:        cfg.Bucket,
		presignExpiry: cfg.PresignExpiry,
		retry: retryConfig{
			maxRetries:        cfg.MaxRetries,
			initialBackoff:    cfg.InitialBackoff,
			maxBackoff:        cfg.MaxBackoff,
			backoffMultiplier: cfg.BackoffMultiplier,
		},
	}, nil
}

// Bucket returns the bucket every hub object lives in.
func (c *Client) Bucket() string {
	return c.bucket
}

// PresignExpiry returns the configured presigned URL lifetime.
func (c *Client) PresignExpiry() time.Duration {
	return c.presignExpiry
}

// URI returns the s3:// address of a key in the hub bucket.
func (c *Client) URI(key string) string {
	return fmt.Sprintf("s3://%s/%s", c.bucket, key)
}

// Healthcheck verifies the bucket is still reachable.
func (c *Client) Healthcheck(ctx context.Context) error {
	_, err := c.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.bucket)})
	return err
}

// ParseURI splits an s3://bucket/key address into bucket and key.
func ParseURI(uri string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an s3 URI: %q", uri)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("malformed s3 URI: %q", uri)
	}
	return bucket, key, nil
}
