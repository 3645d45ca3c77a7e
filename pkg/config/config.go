package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/kohakuhub/kohakuhub/internal/bytesize"
	"github.com/kohakuhub/kohakuhub/pkg/api"
	"github.com/kohakuhub/kohakuhub/pkg/hub/store"
	"github.com/kohakuhub/kohakuhub/pkg/storage/lakefs"
	"github.com/kohakuhub/kohakuhub/pkg/storage/s3"
)

// Config represents the KohakuHub configuration.
//
// This structure captures the static configuration of the hub server:
//   - Deployment mode, public base URL, and site branding
//   - Logging, telemetry, and metrics
//   - Metadata database (SQLite or PostgreSQL)
//   - Raw object store (S3) and versioned object store (LakeFS-compatible)
//   - Sessions, admin API, quotas, LFS thresholds, fallback sources, SMTP
//
// Configuration sources (in order of precedence):
//  1. Environment variables (KOHAKU_HUB_*)
//  2. Configuration file (YAML)
//  3. Default values (lowest priority)
type Config struct {
	// Mode selects how download URLs are presigned.
	//
	// "local" presigns against the public S3 endpoint (clients cannot reach
	// the internal one), "remote" presigns against the internal endpoint.
	Mode string `mapstructure:"mode" validate:"omitempty,oneof=local remote" yaml:"mode" json:"mode"`

	// BaseURL is the externally visible URL of this hub, used when building
	// commit URLs, LFS action hrefs, and xet CAS endpoints.
	BaseURL string `mapstructure:"base_url" yaml:"base_url" json:"base_url"`

	// SiteName is reported by /api/version and whoami-v2.
	SiteName string `mapstructure:"site_name" yaml:"site_name" json:"site_name"`

	// Workers is the number of serving processes the deployment runs.
	// Values above 1 require the postgres backend so commit locks are
	// coordinated through the database.
	Workers int `mapstructure:"workers" yaml:"workers" json:"workers"`

	// ShutdownTimeout is the maximum time to wait for graceful shutdown.
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" json:"shutdown_timeout"`

	// Logging controls log output behavior.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging" json:"logging"`

	// Telemetry controls OpenTelemetry distributed tracing and profiling.
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry" json:"telemetry"`

	// Metrics contains Prometheus metrics configuration.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics" json:"metrics"`

	// API contains HTTP server configuration.
	API api.APIConfig `mapstructure:"api" yaml:"api" json:"api"`

	// Database configures the metadata database (SQLite or PostgreSQL)
	// plus the symmetric key used to encrypt stored upstream tokens.
	Database DatabaseConfig `mapstructure:"database" yaml:"database" json:"database"`

	// S3 configures the raw object store holding LFS blobs and staged files.
	S3 s3.Config `mapstructure:"s3" yaml:"s3" json:"s3"`

	// LakeFS configures the versioned object store.
	LakeFS lakefs.Config `mapstructure:"lakefs" yaml:"lakefs" json:"lakefs"`

	// Session configures browser session cookies.
	Session SessionConfig `mapstructure:"session" yaml:"session" json:"session"`

	// Admin configures the administrative API.
	Admin AdminConfig `mapstructure:"admin" yaml:"admin" json:"admin"`

	// Quota configures default storage quotas applied to new accounts.
	Quota QuotaConfig `mapstructure:"quota" yaml:"quota" json:"quota"`

	// LFS configures large-file storage thresholds and retention.
	LFS LFSConfig `mapstructure:"lfs" yaml:"lfs" json:"lfs"`

	// Fallback configures upstream hub mirroring for repos not hosted here.
	Fallback FallbackConfig `mapstructure:"fallback" yaml:"fallback" json:"fallback"`

	// SMTP configures outbound mail. When Host is empty, verification links
	// are printed to stdout instead of mailed.
	SMTP SMTPConfig `mapstructure:"smtp" yaml:"smtp" json:"smtp"`
}

// DatabaseConfig wraps the store configuration with the token encryption key.
type DatabaseConfig struct {
	store.Config `mapstructure:",squash" yaml:",inline"`

	// Key is a hex-encoded 32-byte secret used to derive the Fernet key
	// that encrypts stored upstream tokens. Required when fallback sources
	// or per-user external tokens are used.
	Key string `mapstructure:"key" yaml:"key,omitempty" json:"key,omitempty"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive).
	Level string `mapstructure:"level" validate:"omitempty,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level" json:"level"`

	// Format specifies the log output format: "text" or "json".
	Format string `mapstructure:"format" validate:"omitempty,oneof=text json" yaml:"format" json:"format"`

	// Output specifies where logs are written: "stdout", "stderr", or a file path.
	Output string `mapstructure:"output" yaml:"output" json:"output"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	// Enabled turns distributed tracing on.
	Enabled bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`

	// Endpoint is the OTLP gRPC endpoint (host:port).
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint" json:"endpoint"`

	// Insecure disables TLS on the exporter connection.
	Insecure bool `mapstructure:"insecure" yaml:"insecure" json:"insecure"`

	// SampleRate is the trace sampling ratio in [0.0, 1.0].
	SampleRate float64 `mapstructure:"sample_rate" validate:"gte=0,lte=1" yaml:"sample_rate" json:"sample_rate"`

	// Profiling controls Pyroscope continuous profiling.
	Profiling ProfilingConfig `mapstructure:"profiling" yaml:"profiling" json:"profiling"`
}

// ProfilingConfig controls Pyroscope continuous profiling.
type ProfilingConfig struct {
	// Enabled turns continuous profiling on.
	Enabled bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`

	// Endpoint is the Pyroscope server address.
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint" json:"endpoint"`

	// ProfileTypes selects which profiles to collect.
	ProfileTypes []string `mapstructure:"profile_types" yaml:"profile_types" json:"profile_types"`
}

// MetricsConfig contains Prometheus metrics configuration. Metrics are
// served by the main API listener under /metrics when enabled.
type MetricsConfig struct {
	// Enabled turns the /metrics endpoint on.
	Enabled bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
}

// SessionConfig configures browser session cookies.
type SessionConfig struct {
	// Secret is mixed into session secrets at creation; it must stay stable
	// across restarts so existing cookies keep verifying.
	Secret string `mapstructure:"secret" yaml:"secret,omitempty" json:"secret,omitempty"`

	// ExpiresDays is the session lifetime in days.
	ExpiresDays int `mapstructure:"expires_days" validate:"omitempty,gt=0" yaml:"expires_days" json:"expires_days"`

	// CookieSecure marks the session cookie Secure (HTTPS-only deployments).
	CookieSecure bool `mapstructure:"cookie_secure" yaml:"cookie_secure" json:"cookie_secure"`
}

// AdminConfig configures the administrative API.
type AdminConfig struct {
	// Enabled turns the /api/admin surface on. When false every admin
	// endpoint answers 503.
	Enabled bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`

	// SecretToken is compared (constant-time) against the X-Admin-Token header.
	SecretToken string `mapstructure:"secret_token" yaml:"secret_token,omitempty" json:"secret_token,omitempty"`
}

// QuotaConfig holds default storage quotas for new accounts.
// Zero means unlimited.
type QuotaConfig struct {
	DefaultUserPrivateBytes bytesize.ByteSize `mapstructure:"default_user_private_bytes" yaml:"default_user_private_bytes" json:"default_user_private_bytes"`
	DefaultUserPublicBytes  bytesize.ByteSize `mapstructure:"default_user_public_bytes" yaml:"default_user_public_bytes" json:"default_user_public_bytes"`
	DefaultOrgPrivateBytes  bytesize.ByteSize `mapstructure:"default_org_private_bytes" yaml:"default_org_private_bytes" json:"default_org_private_bytes"`
	DefaultOrgPublicBytes   bytesize.ByteSize `mapstructure:"default_org_public_bytes" yaml:"default_org_public_bytes" json:"default_org_public_bytes"`
}

// LFSConfig configures large-file storage behavior.
type LFSConfig struct {
	// ThresholdBytes is the server-wide size above which uploads must use
	// the LFS protocol. Repositories can override it per-repo.
	ThresholdBytes bytesize.ByteSize `mapstructure:"threshold_bytes" yaml:"threshold_bytes" json:"threshold_bytes"`

	// KeepVersions is how many historical LFS versions per path are retained
	// before the reaper may delete unreferenced blobs. Zero keeps everything.
	KeepVersions int `mapstructure:"keep_versions" yaml:"keep_versions" json:"keep_versions"`
}

// FallbackConfig configures proxying of unknown repos to upstream hubs.
type FallbackConfig struct {
	// Enabled turns the fallback proxy on.
	Enabled bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`

	// Sources is a JSON list of upstream sources, e.g.
	// [{"name":"hf","url":"https://huggingface.co","source_type":"huggingface","priority":0}].
	// DB-managed sources are merged with these.
	Sources string `mapstructure:"sources" yaml:"sources,omitempty" json:"sources,omitempty"`

	// CacheTTLSeconds is how long probe results (positive and negative) are cached.
	CacheTTLSeconds int `mapstructure:"cache_ttl_seconds" validate:"omitempty,gt=0" yaml:"cache_ttl_seconds" json:"cache_ttl_seconds"`

	// CacheMaxEntries bounds the probe cache size.
	CacheMaxEntries int `mapstructure:"cache_max_entries" validate:"omitempty,gt=0" yaml:"cache_max_entries" json:"cache_max_entries"`

	// TimeoutSeconds is the per-request timeout against upstream hubs.
	TimeoutSeconds int `mapstructure:"timeout_seconds" validate:"omitempty,gt=0" yaml:"timeout_seconds" json:"timeout_seconds"`

	// CachePath is the on-disk location of the probe cache. Empty means a
	// directory under the user data dir; ":memory:" keeps it in memory only.
	CachePath string `mapstructure:"cache_path" yaml:"cache_path,omitempty" json:"cache_path,omitempty"`
}

// SMTPConfig configures outbound mail for email verification.
type SMTPConfig struct {
	Host     string `mapstructure:"host" yaml:"host,omitempty" json:"host,omitempty"`
	Port     int    `mapstructure:"port" yaml:"port,omitempty" json:"port,omitempty"`
	Username string `mapstructure:"username" yaml:"username,omitempty" json:"username,omitempty"`
	Password string `mapstructure:"password" yaml:"password,omitempty" json:"password,omitempty"`
	From     string `mapstructure:"from" yaml:"from,omitempty" json:"from,omitempty"`
}

// Load loads configuration from file, environment, and defaults.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (KOHAKU_HUB_*)
//  2. Configuration file
//  3. Default values
//
// Parameters:
//   - configPath: Path to config file (empty string uses default location)
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: Configuration loading or validation error
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setupViper(v, configPath)

	// Read configuration file if it exists. A missing file is fine: the hub
	// is commonly configured through environment variables alone.
	if err := readConfigFile(v); err != nil {
		return nil, err
	}

	// Unmarshal into config struct with custom decode hooks
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Apply defaults for any missing values
	ApplyDefaults(&cfg)

	// Validate configuration
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// MustLoad loads configuration with helpful error messages when an explicit
// config file is requested but missing.
func MustLoad(configPath string) (*Config, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("configuration file not found: %s\n\n"+
				"Please create the configuration file:\n"+
				"  kohakuhub init --config %s",
				configPath, configPath)
		}
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to the specified file path.
// The configuration is saved in YAML format using proper yaml tags.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Config files carry secrets (session secret, S3 keys), so restrict
	// permissions to the owner.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// setupViper configures viper with environment variables and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// Environment variables use the KOHAKU_HUB_ prefix and underscores.
	// Example: KOHAKU_HUB_S3_ENDPOINT=http://minio:9000
	v.SetEnvPrefix("KOHAKU_HUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only resolves keys viper already knows about, so bind the
	// whole key set explicitly; env-only deployments carry no config file.
	bindEnvKeys(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		configDir := getConfigDir()
		v.AddConfigPath(configDir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// bindEnvKeys registers every configuration key so environment variables are
// honored even without a config file, and wires the documented aliases that
// do not follow the section_field convention.
func bindEnvKeys(v *viper.Viper) {
	keys := []string{
		"mode", "base_url", "site_name", "workers", "shutdown_timeout",
		"logging.level", "logging.format", "logging.output",
		"telemetry.enabled", "telemetry.endpoint", "telemetry.insecure", "telemetry.sample_rate",
		"telemetry.profiling.enabled", "telemetry.profiling.endpoint",
		"metrics.enabled",
		"api.host", "api.port", "api.read_timeout", "api.write_timeout",
		"api.idle_timeout", "api.max_commit_bytes",
		"database.url", "database.key", "database.max_open_conns", "database.max_idle_conns",
		"s3.endpoint", "s3.public_endpoint", "s3.region", "s3.bucket",
		"s3.access_key", "s3.secret_key", "s3.force_path_style", "s3.presign_expiry",
		"lakefs.endpoint", "lakefs.access_key", "lakefs.secret_key", "lakefs.repo_namespace",
		"session.secret", "session.expires_days", "session.cookie_secure",
		"admin.enabled", "admin.secret_token",
		"quota.default_user_private_bytes", "quota.default_user_public_bytes",
		"quota.default_org_private_bytes", "quota.default_org_public_bytes",
		"lfs.threshold_bytes", "lfs.keep_versions",
		"fallback.enabled", "fallback.sources", "fallback.cache_ttl_seconds",
		"fallback.cache_max_entries", "fallback.timeout_seconds", "fallback.cache_path",
		"smtp.host", "smtp.port", "smtp.username", "smtp.password", "smtp.from",
	}
	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	// KOHAKU_HUB_DB_BACKEND is the documented name for the backend selector.
	_ = v.BindEnv("database.backend", "KOHAKU_HUB_DB_BACKEND", "KOHAKU_HUB_DATABASE_BACKEND")
}

// readConfigFile reads the configuration file if it exists.
// A missing config file is not an error; the hub falls back to environment
// variables and defaults.
func readConfigFile(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// configDecodeHooks returns a combined decode hook for all custom types.
// This includes ByteSize and time.Duration parsing.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

// byteSizeDecodeHook returns a mapstructure decode hook that converts strings
// and integers to bytesize.ByteSize values ("512MB", "1GiB", 1048576).
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if t != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}

		switch f.Kind() {
		case reflect.String:
			return bytesize.ParseByteSize(data.(string))
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return bytesize.ByteSize(reflect.ValueOf(data).Int()), nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return bytesize.ByteSize(reflect.ValueOf(data).Uint()), nil
		case reflect.Float32, reflect.Float64:
			return bytesize.ByteSize(reflect.ValueOf(data).Float()), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook returns a mapstructure decode hook that converts strings
// to time.Duration values ("30s", "5m", "1h30m").
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch f.Kind() {
		case reflect.String:
			return time.ParseDuration(data.(string))
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return time.Duration(reflect.ValueOf(data).Int()), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the directory where the config file lives, following
// XDG conventions with a fallback to ~/.config.
func getConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "kohakuhub")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "kohakuhub")
}

// GetDefaultConfigPath returns the default config file location.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists reports whether a config file exists at the default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory.
func GetConfigDir() string {
	return getConfigDir()
}
