package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kohakuhub/kohakuhub/internal/bytesize"
)

// Default values applied by ApplyDefaults.
const (
	// DefaultLFSThreshold is the size above which uploads must use the LFS
	// protocol unless a repository overrides it.
	DefaultLFSThreshold = 10 * bytesize.MiB

	// DefaultSessionExpiresDays is the browser session lifetime.
	DefaultSessionExpiresDays = 30

	// DefaultFallbackCacheTTLSeconds is the probe-cache entry lifetime.
	DefaultFallbackCacheTTLSeconds = 300

	// DefaultFallbackCacheMaxEntries bounds the probe cache.
	DefaultFallbackCacheMaxEntries = 10000

	// DefaultFallbackTimeoutSeconds is the per-request upstream timeout.
	DefaultFallbackTimeoutSeconds = 30
)

// GetDefaultConfig returns a configuration with all defaults applied,
// suitable for `kohakuhub init` and for tests.
func GetDefaultConfig() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults sets default values for any unspecified configuration fields.
//
// This function is called after loading configuration from file and environment
// variables to fill in any missing values with sensible defaults.
//
// Default Strategy:
//   - Zero values (0, "", false, nil) are replaced with defaults
//   - Explicit values are preserved
func ApplyDefaults(cfg *Config) {
	applyAppDefaults(cfg)
	applyLoggingDefaults(&cfg.Logging)
	applyTelemetryDefaults(&cfg.Telemetry)
	cfg.Database.ApplyDefaults()
	cfg.API.ApplyDefaults()
	cfg.S3.ApplyDefaults()
	cfg.LakeFS.ApplyDefaults()
	applySessionDefaults(&cfg.Session)
	applyLFSDefaults(&cfg.LFS)
	applyFallbackDefaults(&cfg.Fallback)
	applySMTPDefaults(&cfg.SMTP)
}

// applyAppDefaults sets top-level application defaults.
func applyAppDefaults(cfg *Config) {
	if cfg.Mode == "" {
		cfg.Mode = "local"
	}
	cfg.Mode = strings.ToLower(cfg.Mode)

	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:28080"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	if cfg.SiteName == "" {
		cfg.SiteName = "KohakuHub"
	}
	if cfg.Workers == 0 {
		cfg.Workers = 1
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
}

// applyLoggingDefaults sets logging defaults and normalizes values.
func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	// Normalize log level to uppercase for consistent internal representation
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyTelemetryDefaults sets OpenTelemetry defaults.
func applyTelemetryDefaults(cfg *TelemetryConfig) {
	// Enabled defaults to false (opt-in for telemetry)

	// Default endpoint is localhost:4317 (standard OTLP gRPC port)
	if cfg.Endpoint == "" {
		cfg.Endpoint = "localhost:4317"
	}

	// Default sample rate is 1.0 (sample all traces)
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 1.0
	}

	applyProfilingDefaults(&cfg.Profiling)
}

// applyProfilingDefaults sets Pyroscope profiling defaults.
func applyProfilingDefaults(cfg *ProfilingConfig) {
	// Default endpoint is localhost:4040 (standard Pyroscope port)
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:4040"
	}

	if len(cfg.ProfileTypes) == 0 {
		cfg.ProfileTypes = []string{
			"cpu",
			"alloc_objects",
			"alloc_space",
			"inuse_objects",
			"inuse_space",
			"goroutines",
		}
	}
}

// applySessionDefaults sets session cookie defaults.
func applySessionDefaults(cfg *SessionConfig) {
	if cfg.ExpiresDays == 0 {
		cfg.ExpiresDays = DefaultSessionExpiresDays
	}
}

// applyLFSDefaults sets LFS threshold defaults.
func applyLFSDefaults(cfg *LFSConfig) {
	if cfg.ThresholdBytes == 0 {
		cfg.ThresholdBytes = DefaultLFSThreshold
	}
	// KeepVersions defaults to 0 (keep everything)
}

// applyFallbackDefaults sets fallback proxy defaults.
func applyFallbackDefaults(cfg *FallbackConfig) {
	if cfg.CacheTTLSeconds == 0 {
		cfg.CacheTTLSeconds = DefaultFallbackCacheTTLSeconds
	}
	if cfg.CacheMaxEntries == 0 {
		cfg.CacheMaxEntries = DefaultFallbackCacheMaxEntries
	}
	if cfg.TimeoutSeconds == 0 {
		cfg.TimeoutSeconds = DefaultFallbackTimeoutSeconds
	}
	if cfg.CachePath == "" {
		cfg.CachePath = filepath.Join(getDataDir(), "fallback-cache")
	}
}

// applySMTPDefaults sets SMTP defaults.
func applySMTPDefaults(cfg *SMTPConfig) {
	if cfg.Host != "" && cfg.Port == 0 {
		cfg.Port = 587
	}
}

// getDataDir returns the directory for mutable state (caches, sqlite file),
// following XDG conventions with a fallback to ~/.local/share.
func getDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "kohakuhub")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "share", "kohakuhub")
}
