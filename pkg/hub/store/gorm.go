// Package store implements the metadata store over GORM. It supports SQLite
// (single-node, default) and PostgreSQL (multi-worker) behind one codebase
// and exposes typed accessors per entity; no SQL leaks past this package
// except the admin read-only console.
package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/kohakuhub/kohakuhub/pkg/hub/models"
)

// Backend defines the supported database backends.
type Backend string

const (
	// BackendSQLite uses SQLite (single-node, default).
	BackendSQLite Backend = "sqlite"

	// BackendPostgres uses PostgreSQL (multi-worker capable).
	BackendPostgres Backend = "postgres"
)

// Config contains database configuration.
type Config struct {
	// Backend selects sqlite or postgres.
	Backend Backend `mapstructure:"backend" json:"backend" validate:"omitempty,oneof=sqlite postgres"`

	// URL is the SQLite file path or the PostgreSQL DSN, depending on Backend.
	URL string `mapstructure:"url" json:"url"`

	MaxOpenConns int `mapstructure:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns int `mapstructure:"max_idle_conns" json:"max_idle_conns"`
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.Backend == "" {
		c.Backend = BackendSQLite
	}
	if c.Backend == BackendSQLite && c.URL == "" {
		dataDir := os.Getenv("XDG_DATA_HOME")
		if dataDir == "" {
			homeDir, _ := os.UserHomeDir()
			dataDir = filepath.Join(homeDir, ".local", "share")
		}
		c.URL = filepath.Join(dataDir, "kohakuhub", "hub.db")
	}
	if c.Backend == BackendPostgres {
		if c.MaxOpenConns == 0 {
			c.MaxOpenConns = 25
		}
		if c.MaxIdleConns == 0 {
			c.MaxIdleConns = 5
		}
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendSQLite:
		if c.URL == "" {
			return fmt.Errorf("sqlite path is required")
		}
	case BackendPostgres:
		if c.URL == "" {
			return fmt.Errorf("postgres DSN is required")
		}
	default:
		return fmt.Errorf("unsupported database backend: %s", c.Backend)
	}
	return nil
}

// Store implements the metadata store using GORM.
type Store struct {
	db     *gorm.DB
	config *Config
}

// New creates a metadata store based on the configuration. The schema is
// created via GORM AutoMigrate.
func New(config *Config) (*Store, error) {
	if config == nil {
		config = &Config{}
	}

	config.ApplyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database configuration: %w", err)
	}

	var dialector gorm.Dialector
	switch config.Backend {
	case BackendSQLite:
		// Ensure parent directory exists for SQLite
		if err := os.MkdirAll(filepath.Dir(config.URL), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		// SQLite pragmas for better concurrent access:
		// - journal_mode(WAL): Write-Ahead Logging for concurrent readers/single writer
		// - busy_timeout(5000): Wait up to 5 seconds when database is locked
		dsn := config.URL + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
		dialector = sqlite.Open(dsn)

	case BackendPostgres:
		dialector = postgres.Open(config.URL)

	default:
		return nil, fmt.Errorf("unsupported database backend: %s", config.Backend)
	}

	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent), // Suppress GORM logs by default
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if config.Backend == BackendPostgres {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get underlying database: %w", err)
		}
		sqlDB.SetMaxOpenConns(config.MaxOpenConns)
		sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	}

	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		return nil, fmt.Errorf("failed to run database migration: %w", err)
	}

	return &Store{db: db, config: config}, nil
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// DB returns the underlying GORM database connection.
// This is useful for advanced queries or testing.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Backend returns the configured backend.
func (s *Store) Backend() Backend {
	if s.config == nil {
		return BackendSQLite
	}
	return s.config.Backend
}

// WithTransaction runs fn inside a transaction; the passed store is bound to
// that transaction so any accessor called on it participates in the tx.
func (s *Store) WithTransaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx, config: s.config})
	})
}

// isUniqueConstraintError checks if the error is a unique constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	// SQLite or PostgreSQL unique constraint errors
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "duplicate key value violates unique constraint")
}

// convertNotFoundError converts gorm.ErrRecordNotFound to the appropriate domain error.
func convertNotFoundError(err error, notFoundErr error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return notFoundErr
	}
	return err
}
