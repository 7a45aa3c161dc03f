// Package cache provides a SQLite-backed byte cache for fetched images,
// keyed by URL hash. It sits in front of the fetcher so repeated references
// to the same image skip the network.
package cache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteCache implements fetcher.Cache using SQLite.
type SQLiteCache struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteCache opens (or creates) the cache database at dbPath.
func NewSQLiteCache(dbPath string, logger *slog.Logger) (*SQLiteCache, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create cache directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open cache database: %w", err)
	}

	// Single connection: SQLite handles one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	c := &SQLiteCache{db: db, logger: logger}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache migration failed: %w", err)
	}
	return c, nil
}

func (c *SQLiteCache) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS image_cache (
		url_hash    TEXT PRIMARY KEY,
		url         TEXT NOT NULL,
		mime        TEXT NOT NULL,
		data        BLOB NOT NULL,
		size_bytes  INTEGER NOT NULL,
		fetched_at  DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_image_cache_time ON image_cache(fetched_at);
	`
	_, err := c.db.Exec(schema)
	return err
}

// Get returns the cached bytes and mime type for url, if present.
func (c *SQLiteCache) Get(ctx context.Context, url string) ([]byte, string, bool) {
	var data []byte
	var mime string
	err := c.db.QueryRowContext(ctx,
		`SELECT data, mime FROM image_cache WHERE url_hash = ?`, hashURL(url),
	).Scan(&data, &mime)
	if err == sql.ErrNoRows {
		return nil, "", false
	}
	if err != nil {
		c.logger.Warn("image cache read failed", "err", err)
		return nil, "", false
	}
	return data, mime, true
}

// Put stores a fetched image, replacing any previous entry for the URL.
func (c *SQLiteCache) Put(ctx context.Context, url string, data []byte, mime string) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO image_cache (url_hash, url, mime, data, size_bytes, fetched_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		hashURL(url), url, mime, data, len(data), time.Now(),
	)
	return err
}

// Prune deletes entries older than the retention window and returns how
// many were removed.
func (c *SQLiteCache) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention)
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM image_cache WHERE fetched_at < ?`, cutoff,
	)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		c.logger.Info("image cache pruned", "removed", n)
	}
	return n, nil
}

// Len returns the number of cached images.
func (c *SQLiteCache) Len(ctx context.Context) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM image_cache`).Scan(&n)
	return n, err
}

// Close closes the underlying database.
func (c *SQLiteCache) Close() error {
	return c.db.Close()
}

func hashURL(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}
