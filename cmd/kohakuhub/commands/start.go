package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kohakuhub/kohakuhub/internal/logger"
	"github.com/kohakuhub/kohakuhub/internal/telemetry"
	"github.com/kohakuhub/kohakuhub/pkg/api"
	"github.com/kohakuhub/kohakuhub/pkg/api/handlers"
	"github.com/kohakuhub/kohakuhub/pkg/auth"
	"github.com/kohakuhub/kohakuhub/pkg/config"
	"github.com/kohakuhub/kohakuhub/pkg/fallback"
	"github.com/kohakuhub/kohakuhub/pkg/hub/commits"
	"github.com/kohakuhub/kohakuhub/pkg/hub/lock"
	"github.com/kohakuhub/kohakuhub/pkg/hub/quota"
	"github.com/kohakuhub/kohakuhub/pkg/hub/repos"
	"github.com/kohakuhub/kohakuhub/pkg/hub/resolve"
	"github.com/kohakuhub/kohakuhub/pkg/hub/stats"
	"github.com/kohakuhub/kohakuhub/pkg/hub/store"
	"github.com/kohakuhub/kohakuhub/pkg/hub/tasks"
	"github.com/kohakuhub/kohakuhub/pkg/hub/ttlcache"
	"github.com/kohakuhub/kohakuhub/pkg/lfs"
	"github.com/kohakuhub/kohakuhub/pkg/mail"
	"github.com/kohakuhub/kohakuhub/pkg/metrics"
	"github.com/kohakuhub/kohakuhub/pkg/seal"
	"github.com/kohakuhub/kohakuhub/pkg/storage/lakefs"
	"github.com/kohakuhub/kohakuhub/pkg/storage/s3"
)

// sessionDedupTTL is how long a download session counts as "seen". Daily
// stats dedup per UTC day, so one day plus slack covers the window.
const sessionDedupTTL = 26 * time.Hour

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the KohakuHub server",
	Long: `Start the KohakuHub server with the specified configuration.

The server runs in the foreground; run it under a process supervisor for
daemon deployments. Use --config to specify a custom configuration file,
or it will use the default location at $XDG_CONFIG_HOME/kohakuhub/config.yaml.

Examples:
  # Start with default config location
  kohakuhub start

  # Start with custom config file
  kohakuhub start --config /etc/kohakuhub/config.yaml

  # Start with environment variable overrides
  KOHAKU_HUB_LOGGING_LEVEL=DEBUG kohakuhub start`,
	RunE: runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	// Initialize the structured logger
	if err := InitLogger(cfg); err != nil {
		return err
	}

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize OpenTelemetry (if enabled)
	telemetryCfg := telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "kohakuhub",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	}
	telemetryShutdown, err := telemetry.Init(ctx, telemetryCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := telemetryShutdown(ctx); err != nil {
			logger.Error("telemetry shutdown error", "error", err)
		}
	}()

	// Initialize Pyroscope profiling (if enabled)
	profilingCfg := telemetry.ProfilingConfig{
		Enabled:        cfg.Telemetry.Profiling.Enabled,
		ServiceName:    "kohakuhub",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Profiling.Endpoint,
		ProfileTypes:   cfg.Telemetry.Profiling.ProfileTypes,
	}
	profilingShutdown, err := telemetry.InitProfiling(profilingCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize profiling: %w", err)
	}
	defer func() {
		if err := profilingShutdown(); err != nil {
			logger.Error("profiling shutdown error", "error", err)
		}
	}()

	logger.Info("KohakuHub starting", "version", Version, "mode", cfg.Mode)
	logger.Info("Log level", "level", cfg.Logging.Level, "format", cfg.Logging.Format)
	logger.Info("Configuration loaded", "source", getConfigSource(GetConfigFile()))

	// Metadata store
	st, err := store.New(&cfg.Database.Config)
	if err != nil {
		return fmt.Errorf("failed to initialize metadata store: %w", err)
	}
	defer func() { _ = st.Close() }()
	logger.Info("Metadata store ready", "backend", st.Backend())

	// Raw object store
	ros, err := s3.New(ctx, cfg.S3, cfg.Mode)
	if err != nil {
		return fmt.Errorf("failed to initialize object store: %w", err)
	}
	logger.Info("Object store ready", "endpoint", cfg.S3.Endpoint, "bucket", cfg.S3.Bucket)

	// Versioned object store
	vos, err := lakefs.New(cfg.LakeFS)
	if err != nil {
		return fmt.Errorf("failed to initialize versioned store: %w", err)
	}
	logger.Info("Versioned store ready", "endpoint", cfg.LakeFS.Endpoint)

	// Metrics (if enabled)
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		logger.Info("Metrics enabled", "path", "/metrics")
	} else {
		logger.Info("Metrics collection disabled")
	}

	// Token sealing for stored upstream credentials
	var sealer *seal.Sealer
	if cfg.Database.Key != "" {
		sealer, err = seal.New(cfg.Database.Key)
		if err != nil {
			return fmt.Errorf("failed to initialize token sealing: %w", err)
		}
	} else {
		logger.Warn("database.key not set; stored upstream tokens are disabled")
	}

	// Session dedup cache for download stats. In-memory: losing it on
	// restart only means a session may count twice in one day.
	dedupCache, err := ttlcache.Open(ttlcache.Config{
		Path:       ":memory:",
		TTL:        sessionDedupTTL,
		MaxEntries: 100_000,
	})
	if err != nil {
		return fmt.Errorf("failed to open session cache: %w", err)
	}
	defer func() { _ = dedupCache.Close() }()

	// Commit locks. Multi-worker deployments coordinate through postgres
	// advisory locks; a single worker keeps them in process memory.
	var locker lock.Locker
	if cfg.Workers > 1 {
		pgLocker, err := lock.NewPGLocker(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("failed to initialize commit locks: %w", err)
		}
		defer pgLocker.Close()
		locker = pgLocker
		logger.Info("Commit locks using postgres advisory locks", "workers", cfg.Workers)
	} else {
		locker = lock.NewMemoryLocker()
	}

	// Hub services
	authSvc := auth.NewService(st, cfg.Session.ExpiresDays, cfg.Session.CookieSecure)
	acct := quota.New(st)
	lfsEngine := lfs.New(st, ros, cfg.BaseURL, int64(cfg.LFS.ThresholdBytes))
	commitEngine := commits.New(st, vos, ros, lfsEngine, acct, locker)
	reposSvc := repos.New(st, vos, acct, commitEngine)
	statsSvc := stats.New(st, dedupCache)

	var xet *resolve.XetSigner
	if len(cfg.Session.Secret) >= 32 {
		xet, err = resolve.NewXetSigner(cfg.Session.Secret, cfg.SiteName)
		if err != nil {
			return fmt.Errorf("failed to initialize xet token signer: %w", err)
		}
	} else {
		logger.Warn("session.secret too short for xet read tokens; endpoint disabled")
	}
	resolveEngine := resolve.New(st, vos, ros, xet)

	// Fallback proxy (if enabled)
	var proxy *fallback.Proxy
	var probeCache *ttlcache.Cache
	if cfg.Fallback.Enabled {
		probeCache, err = ttlcache.Open(ttlcache.Config{
			Path:       fallbackCachePath(cfg.Fallback.CachePath),
			TTL:        time.Duration(cfg.Fallback.CacheTTLSeconds) * time.Second,
			MaxEntries: cfg.Fallback.CacheMaxEntries,
		})
		if err != nil {
			return fmt.Errorf("failed to open fallback cache: %w", err)
		}
		defer func() { _ = probeCache.Close() }()

		proxy, err = fallback.New(st, sealer, probeCache, fallback.Config{
			SourcesJSON: cfg.Fallback.Sources,
			Timeout:     time.Duration(cfg.Fallback.TimeoutSeconds) * time.Second,
		})
		if err != nil {
			return fmt.Errorf("failed to initialize fallback proxy: %w", err)
		}
		logger.Info("Fallback proxy enabled",
			"cache_ttl_seconds", cfg.Fallback.CacheTTLSeconds,
			"timeout_seconds", cfg.Fallback.TimeoutSeconds)
	} else {
		logger.Info("Fallback proxy disabled")
	}

	// Outbound mail
	var sender mail.Sender
	if cfg.SMTP.Host != "" {
		sender = mail.NewSMTP(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password, cfg.SMTP.From)
		logger.Info("Mail delivery via SMTP", "host", cfg.SMTP.Host, "port", cfg.SMTP.Port)
	} else {
		sender = mail.NewStdout(os.Stdout)
		logger.Info("SMTP not configured; verification links print to stdout")
	}

	// Background maintenance jobs
	runner := tasks.New(st, ros, lfsEngine, commitEngine, acct, statsSvc, m, tasks.Options{
		LFSKeepVersions: cfg.LFS.KeepVersions,
	})
	runner.Start(ctx)
	defer runner.Stop(cfg.ShutdownTimeout)

	// HTTP surface
	router := api.NewRouter(api.Deps{
		Store:          st,
		Auth:           authSvc,
		Repos:          reposSvc,
		Commits:        commitEngine,
		Resolve:        resolveEngine,
		LFS:            lfsEngine,
		Fallback:       proxy,
		Stats:          statsSvc,
		Quota:          acct,
		Mail:           sender,
		Metrics:        m,
		VOS:            vos,
		ROS:            ros,
		BaseURL:        cfg.BaseURL,
		SiteName:       cfg.SiteName,
		Version:        Version,
		MaxCommitBytes: int64(cfg.API.MaxCommitBytes),
		AccountDefaults: handlers.AccountDefaults{
			UserPrivateQuotaBytes: int64(cfg.Quota.DefaultUserPrivateBytes),
			UserPublicQuotaBytes:  int64(cfg.Quota.DefaultUserPublicBytes),
			OrgPrivateQuotaBytes:  int64(cfg.Quota.DefaultOrgPrivateBytes),
			OrgPublicQuotaBytes:   int64(cfg.Quota.DefaultOrgPublicBytes),
		},
		AdminEnabled: cfg.Admin.Enabled,
		AdminToken:   cfg.Admin.SecretToken,
	})
	server := api.NewServer(cfg.API, router)

	// Start server in background
	serverDone := make(chan error, 1)
	go func() {
		serverDone <- server.Start(ctx)
	}()

	// Wait for interrupt signal or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("Server is running. Press Ctrl+C to stop.", "base_url", cfg.BaseURL, "port", server.Port())

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("Shutdown signal received, initiating graceful shutdown")
		cancel()

		if err := <-serverDone; err != nil {
			logger.Error("Server shutdown error", "error", err)
			return err
		}
		logger.Info("Server stopped gracefully")

	case err := <-serverDone:
		signal.Stop(sigChan)
		if err != nil {
			logger.Error("Server error", "error", err)
			return err
		}
		logger.Info("Server stopped")
	}

	return nil
}

// fallbackCachePath resolves the probe cache location. An explicit path
// (including ":memory:") wins; otherwise the cache lives under the XDG
// state directory so probe verdicts survive restarts.
func fallbackCachePath(configured string) string {
	if configured != "" {
		return configured
	}
	stateDir := os.Getenv("XDG_STATE_HOME")
	if stateDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ":memory:"
		}
		stateDir = filepath.Join(homeDir, ".local", "state")
	}
	return filepath.Join(stateDir, "kohakuhub", "fallback-cache")
}
