// Package ttlcache provides a small expiring key-value cache backed by
// BadgerDB. The hub uses it for fallback probe results and download
// session dedup, both of which need TTL semantics and survive restarts
// when a disk path is configured.
package ttlcache

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/kohakuhub/kohakuhub/internal/logger"
)

// Config controls cache behavior.
type Config struct {
	// Path is the on-disk location of the Badger database. Empty or
	// ":memory:" opens an in-memory database.
	Path string

	// TTL is the default lifetime applied by Set. Zero means entries
	// never expire. Expiry has whole-second resolution; see SetTTL.
	TTL time.Duration

	// MaxEntries bounds the live key count. Once the bound is reached
	// new Set calls are dropped until expiry frees space. Zero means
	// unbounded.
	MaxEntries int
}

// Cache is a TTL key-value store. All methods are safe for concurrent use.
type Cache struct {
	db         *badger.DB
	ttl        time.Duration
	maxEntries int64

	// approx tracks the live key count. It is refreshed by the janitor
	// and bumped optimistically on insert, so it can overshoot between
	// sweeps but never lets the cache grow unbounded.
	approx atomic.Int64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Open opens (or creates) the cache at cfg.Path.
func Open(cfg Config) (*Cache, error) {
	var opts badger.Options
	if cfg.Path == "" || cfg.Path == ":memory:" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts.Logger = badgerLogger{}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	ttl := cfg.TTL
	if ttl > 0 && ttl < time.Second {
		ttl = time.Second
	}
	c := &Cache{
		db:         db,
		ttl:        ttl,
		maxEntries: int64(cfg.MaxEntries),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	if n, err := c.countLive(); err == nil {
		c.approx.Store(n)
	}
	go c.janitor()
	return c, nil
}

// Get returns the value stored under key. The second return value reports
// whether the key was present and unexpired.
func (c *Cache) Get(key string) ([]byte, bool, error) {
	var value []byte
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache get: %w", err)
	}
	return value, true, nil
}

// Set stores value under key with the default TTL. When the cache is at
// its entry bound the write is silently dropped; callers treat the cache
// as best-effort.
func (c *Cache) Set(key string, value []byte) error {
	return c.SetTTL(key, value, c.ttl)
}

// SetTTL stores value under key with an explicit lifetime. Badger keeps
// expiry timestamps with whole-second resolution, so lifetimes shorter
// than a second are rounded up to one second rather than truncated to an
// already-expired entry.
func (c *Cache) SetTTL(key string, value []byte, ttl time.Duration) error {
	if c.maxEntries > 0 && c.approx.Load() >= c.maxEntries {
		return nil
	}
	if ttl > 0 && ttl < time.Second {
		ttl = time.Second
	}
	err := c.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), value)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	c.approx.Add(1)
	return nil
}

// Add stores value under key only when the key is absent or expired. It
// reports whether the write happened, which makes it usable as a TTL-based
// dedup primitive.
func (c *Cache) Add(key string, value []byte) (bool, error) {
	if c.maxEntries > 0 && c.approx.Load() >= c.maxEntries {
		// At capacity every Add claims to be first. Overcounting beats
		// dropping real events silently.
		return true, nil
	}
	added := false
	err := c.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if err == nil {
			return nil
		}
		if err != badger.ErrKeyNotFound {
			return err
		}
		entry := badger.NewEntry([]byte(key), value)
		if c.ttl > 0 {
			entry = entry.WithTTL(c.ttl)
		}
		if err := txn.SetEntry(entry); err != nil {
			return err
		}
		added = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("cache add: %w", err)
	}
	if added {
		c.approx.Add(1)
	}
	return added, nil
}

// Delete removes key. Deleting an absent key is not an error.
func (c *Cache) Delete(key string) error {
	err := c.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("cache delete: %w", err)
	}
	return nil
}

// DeletePrefix removes every key with the given prefix and returns how
// many were removed.
func (c *Cache) DeletePrefix(prefix string) (int, error) {
	deleted := 0
	err := c.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			if err := txn.Delete(key); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("cache delete prefix: %w", err)
	}
	c.approx.Add(int64(-deleted))
	return deleted, nil
}

// Len counts live (unexpired) entries.
func (c *Cache) Len() (int, error) {
	n, err := c.countLive()
	return int(n), err
}

// Close stops the janitor and closes the underlying database.
func (c *Cache) Close() error {
	c.stopOnce.Do(func() {
		close(c.stop)
		<-c.done
	})
	return c.db.Close()
}

func (c *Cache) countLive() (int64, error) {
	var n int64
	err := c.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("cache count: %w", err)
	}
	return n, nil
}

// janitor periodically refreshes the live count (Badger drops expired
// keys lazily) and runs value log GC for on-disk databases.
func (c *Cache) janitor() {
	defer close(c.done)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if n, err := c.countLive(); err == nil {
				c.approx.Store(n)
			}
			if !c.db.Opts().InMemory {
				// Returns ErrNoRewrite when there is nothing to collect.
				_ = c.db.RunValueLogGC(0.5)
			}
		}
	}
}

// badgerLogger routes Badger's internal logging through the hub logger.
// Badger's info output is noisy, so it is demoted to debug.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...any) {
	logger.Error(fmt.Sprintf("badger: "+format, args...))
}

func (badgerLogger) Warningf(format string, args ...any) {
	logger.Warn(fmt.Sprintf("badger: "+format, args...))
}

func (badgerLogger) Infof(format string, args ...any) {
	logger.Debug(fmt.Sprintf("badger: "+format, args...))
}

func (badgerLogger) Debugf(format string, args ...any) {
	logger.Debug(fmt.Sprintf("badger: "+format, args...))
}
