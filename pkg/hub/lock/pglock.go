package lock

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kohakuhub/kohakuhub/internal/logger"
)

// PGLocker implements Locker with PostgreSQL session advisory locks. Each
// Acquire pins one pooled connection for the duration of the critical
// section; the lock is scoped to that session, so a crashed worker releases
// its locks when the server notices the dead connection.
type PGLocker struct {
	pool *pgxpool.Pool
}

// NewPGLocker connects a small dedicated pool for advisory locking. The pool
// is separate from the GORM pool on purpose: advisory locks bind to the
// session, and GORM recycles connections underneath transactions.
func NewPGLocker(ctx context.Context, dsn string) (*PGLocker, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres DSN: %w", err)
	}
	cfg.MaxConns = 8

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connecting lock pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging lock pool: %w", err)
	}
	return &PGLocker{pool: pool}, nil
}

// Acquire implements Locker.
func (l *PGLocker) Acquire(ctx context.Context, repoID int64, branch string) (func(), error) {
	key := Key(repoID, branch)

	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring lock connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", key); err != nil {
		conn.Release()
		return nil, fmt.Errorf("acquiring advisory lock: %w", err)
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			// Use a fresh context: the lock must be released even when the
			// request context is already cancelled.
			if _, err := conn.Exec(context.Background(), "SELECT pg_advisory_unlock($1)", key); err != nil {
				logger.Error("Failed to release advisory lock, closing connection", "key", key, "error", err)
				// Killing the session releases the lock server-side.
				conn.Hijack().Close(context.Background())
				return
			}
			conn.Release()
		})
	}
	return release, nil
}

// Close shuts down the lock pool.
func (l *PGLocker) Close() {
	l.pool.Close()
}
