package api

import (
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/kohakuhub/kohakuhub/internal/bytesize"
)

// APIConfig configures the hub HTTP server.
//
// All hub traffic goes through this one listener: the HuggingFace-compatible
// API, the LFS batch endpoint, resolve redirects, and (when enabled) the
// Prometheus metrics endpoint.
type APIConfig struct {
	// Host is the address the server binds to.
	// Default: 0.0.0.0
	Host string `mapstructure:"host" yaml:"host" json:"host"`

	// Port is the HTTP port for the API endpoints.
	// Default: 28080
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port" json:"port"`

	// ReadTimeout is the maximum duration for reading the entire request,
	// including the body. Commit payloads carry inline file content, so this
	// is much longer than a typical JSON API would use.
	// Default: 5m
	ReadTimeout time.Duration `mapstructure:"read_timeout" yaml:"read_timeout" json:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out writes of the
	// response. Downloads are served as redirects to presigned URLs, so
	// responses stay small; this bounds slow readers.
	// Default: 5m
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" json:"write_timeout"`

	// IdleTimeout is the maximum amount of time to wait for the next request
	// when keep-alives are enabled.
	// Default: 2m
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout" json:"idle_timeout"`

	// MaxCommitBytes caps the size of a commit request body. Inline file
	// content is base64-encoded NDJSON, so the cap bounds memory per commit.
	// Default: 1GiB
	MaxCommitBytes bytesize.ByteSize `mapstructure:"max_commit_bytes" yaml:"max_commit_bytes" json:"max_commit_bytes"`
}

// Addr returns the host:port the server listens on.
func (c *APIConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ApplyDefaults fills in zero values with sensible defaults.
func (c *APIConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port <= 0 {
		c.Port = 28080
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 5 * time.Minute
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Minute
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 2 * time.Minute
	}
	if c.MaxCommitBytes == 0 {
		c.MaxCommitBytes = bytesize.GiB
	}
}

// Validate checks the configuration for invalid values.
func (c *APIConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("api port must be between 1 and 65535, got %d", c.Port)
	}
	if c.MaxCommitBytes == 0 {
		return fmt.Errorf("api max_commit_bytes must be positive")
	}
	return nil
}
