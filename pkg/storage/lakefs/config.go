package lakefs

import (
	"fmt"
	"strings"
	"time"
)

// Config contains versioned object store configuration.
type Config struct {
	// Endpoint is the LakeFS-compatible API base URL, e.g. "http://lakefs:8000".
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint" json:"endpoint"`

	AccessKey string `mapstructure:"access_key" yaml:"access_key,omitempty" json:"access_key,omitempty"`
	SecretKey string `mapstructure:"secret_key" yaml:"secret_key,omitempty" json:"secret_key,omitempty"`

	// RepoNamespace is the storage namespace prefix for created repositories,
	// e.g. "s3://hub/lakefs". Each repo gets "{prefix}/{vos_name}".
	RepoNamespace string `mapstructure:"repo_namespace" yaml:"repo_namespace" json:"repo_namespace"`

	// Timeout is the per-request timeout.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`

	// MaxRetries is the maximum number of retry attempts for transient
	// errors on read operations. Mutations are never retried.
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
	c.Endpoint = strings.TrimRight(c.Endpoint, "/")
	c.RepoNamespace = strings.TrimRight(c.RepoNamespace, "/")
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
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
	if c.AccessKey == "" || c.SecretKey == "" {
		return fmt.Errorf("access_key and secret_key are required")
	}
	if c.RepoNamespace == "" {
		return fmt.Errorf("repo_namespace is required")
	}
	return nil
}
