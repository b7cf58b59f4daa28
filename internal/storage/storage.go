// Package storage provides a SQLite-backed TTL cache for power and analytics results.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rewired-gh/govpower/internal/logger"
	_ "modernc.org/sqlite"
)

// Cache wraps a SQLite database holding expiring key/value entries.
type Cache struct {
	db         *sql.DB
	maxEntries int
	now        func() time.Time

	// writes counts Set calls since the last cap enforcement
	mu     sync.Mutex
	writes int
}

// capCheckEvery bounds how often the entry cap is enforced.
const capCheckEvery = 64

// New opens or creates the SQLite database at dbPath.
// An empty dbPath defaults to $TMPDIR/govpower/cache.db.
func New(maxEntries int, dbPath string) (*Cache, error) {
	if dbPath == "" {
		dbPath = filepath.Join(os.TempDir(), "govpower", "cache.db")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single writer; WAL allows concurrent readers
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}
	c := &Cache{db: db, maxEntries: maxEntries, now: time.Now}
	if err := c.createTables(); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return c, nil
}

// Close closes the underlying database connection.
func (c *Cache) Close() error {
	return c.db.Close()
}

func (c *Cache) createTables() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cache_entries (
			key        TEXT PRIMARY KEY,
			value      BLOB NOT NULL,
			expires_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cache_expires_at ON cache_entries(expires_at)`,
	}
	for _, stmt := range stmts {
		if _, err := c.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// expires_at of 0 marks an entry that never expires.
func (c *Cache) expiry(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return c.now().Add(ttl).UnixNano()
}

// Get returns the value for key if present and unexpired. Read errors are
// logged and reported as a miss.
func (c *Cache) Get(key string) ([]byte, bool) {
	var value []byte
	var expiresAt int64
	err := c.db.QueryRow(`SELECT value, expires_at FROM cache_entries WHERE key = ?`, key).Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, false
	}
	if err != nil {
		logger.Warn("Cache read failed for %s: %v", key, err)
		return nil, false
	}
	if expiresAt != 0 && c.now().UnixNano() >= expiresAt {
		c.Delete(key)
		return nil, false
	}
	return value, true
}

// Set stores value under key. A non-positive ttl never expires.
func (c *Cache) Set(key string, value []byte, ttl time.Duration) {
	_, err := c.db.Exec(`
		INSERT INTO cache_entries (key, value, expires_at, updated_at)
		VALUES (?,?,?,?)
		ON CONFLICT(key) DO UPDATE SET
			value=excluded.value, expires_at=excluded.expires_at, updated_at=excluded.updated_at`,
		key, value, c.expiry(ttl), c.now().UnixNano(),
	)
	if err != nil {
		logger.Warn("Cache write failed for %s: %v", key, err)
		return
	}

	c.mu.Lock()
	c.writes++
	due := c.writes >= capCheckEvery
	if due {
		c.writes = 0
	}
	c.mu.Unlock()
	if due {
		if err := c.EnforceCap(); err != nil {
			logger.Warn("%v", err)
		}
	}
}

func (c *Cache) Delete(key string) {
	if _, err := c.db.Exec(`DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
		logger.Warn("Cache delete failed for %s: %v", key, err)
	}
}

// DeletePrefix removes every key starting with prefix, whichever process wrote it.
func (c *Cache) DeletePrefix(prefix string) int {
	res, err := c.db.Exec(`DELETE FROM cache_entries WHERE substr(key, 1, ?) = ?`, len(prefix), prefix)
	if err != nil {
		logger.Warn("Cache prefix delete failed for %s: %v", prefix, err)
		return 0
	}
	n, _ := res.RowsAffected()
	return int(n)
}

// PurgeExpired removes every expired entry.
func (c *Cache) PurgeExpired() (int64, error) {
	res, err := c.db.Exec(`DELETE FROM cache_entries WHERE expires_at != 0 AND expires_at <= ?`, c.now().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// EnforceCap keeps at most maxEntries entries, evicting the least recently written first.
func (c *Cache) EnforceCap() error {
	if c.maxEntries <= 0 {
		return nil
	}
	_, err := c.db.Exec(`
		DELETE FROM cache_entries WHERE key NOT IN (
			SELECT key FROM cache_entries ORDER BY updated_at DESC LIMIT ?
		)`, c.maxEntries)
	if err != nil {
		return fmt.Errorf("failed to enforce cache cap: %w", err)
	}
	return nil
}

// Sweep purges expired entries and enforces the cap, logging failures.
func (c *Cache) Sweep() int {
	n, err := c.PurgeExpired()
	if err != nil {
		logger.Warn("%v", err)
	}
	if err := c.EnforceCap(); err != nil {
		logger.Warn("%v", err)
	}
	return int(n)
}

// Len returns the number of stored entries, expired or not.
func (c *Cache) Len() (int, error) {
	var n int
	if err := c.db.QueryRow(`SELECT COUNT(*) FROM cache_entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count entries: %w", err)
	}
	return n, nil
}
