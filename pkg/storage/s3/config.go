package s3

import (
	"fmt"
	"time"
)

// Config contains raw object store configuration.
type Config struct {
	// Endpoint is the S3 API endpoint the server talks to.
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint" json:"endpoint"`

	// PublicEndpoint is the endpoint presigned URLs are built against when
	// the deployment mode is "local". Empty means same as Endpoint.
	PublicEndpoint string `mapstructure:"public_endpoint" yaml:"public_endpoint,omitempty" json:"public_endpoint,omitempty"`

	// Region is the S3 region. MinIO and most compatible stores accept any value.
	Region string `mapstructure:"region" yaml:"region" json:"region"`

	// Bucket holds every object this hub stores: lfs/, staging/, and the
	// LakeFS-managed namespace.
	Bucket string `mapstructure:"bucket" yaml:"bucket" json:"bucket"`

	AccessKey string `mapstructure:"access_key" yaml:"access_key,omitempty" json:"access_key,omitempty"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key,omitempty" json:"secret_key,omitempty"`

	// ForcePathStyle addresses objects as endpoint/bucket/key instead of
	// virtual-hosted style. Required for MinIO.
	ForcePathStyle bool `mapstructure:"force_path_style" yaml:"force_path_style" json:"force_path_style"`

	// PresignExpiry is the lifetime of presigned URLs.
	PresignExpiry time.Duration `mapstructure:"presign_expiry" yaml:"presign_expiry" json:"presign_expiry"`

	// MaxRetries is the maximum number of retry attempts for transient errors.
	MaxRetries uint `mapstructure:"max_retries" yaml:"max_retries" json:"max_retries"`

	// InitialBackoff is the initial backoff duration before the first retry.
	InitialBackoff time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff" json:"initial_backoff"`

	// MaxBackoff is the maximum backoff duration between retries.
	MaxBackoff time.Duration `mapstructure:"max_backoff" yaml:"max_backoff" json:"max_backoff"`

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64 `mapstructure:"backoff_multiplier" yaml:"backoff_multiplier" json:"backoff_multiplier"`
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.Region == "" {
		c.Region = "us-east-1"
	}
	if c.PublicEndpoint == "" {
		c.PublicEndpoint = c.Endpoint
	}
	if c.PresignExpiry == 0 {
		c.PresignExpiry = 15 * time.Minute
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = 2 * time.Second
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = 2.0
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if c.Bucket == "" {
		return fmt.Errorf("bucket is required")
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		return fmt.Errorf("access_key and secret_key are required")
	}
	return nil
}
