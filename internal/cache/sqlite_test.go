package cache

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func testCacheLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func newTestCache(t *testing.T) *SQLiteCache {
	t.Helper()
	c, err := NewSQLiteCache(filepath.Join(t.TempDir(), "cache.db"), testCacheLogger())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCache_PutGet(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	payload := []byte{0x89, 'P', 'N', 'G'}
	if err := c.Put(ctx, "http://h/a.png", payload, "image/png"); err != nil {
		t.Fatal(err)
	}

	data, mime, ok := c.Get(ctx, "http://h/a.png")
	if !ok {
		t.Fatal("expected cache hit")
	}
	if mime != "image/png" {
		t.Errorf("expected image/png, got %s", mime)
	}
	if string(data) != string(payload) {
		t.Errorf("bytes corrupted: %v", data)
	}
}

func TestCache_Miss(t *testing.T) {
	c := newTestCache(t)
	if _, _, ok := c.Get(context.Background(), "http://h/missing.png"); ok {
		t.Error("expected miss for unknown url")
	}
}

func TestCache_Replace(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	c.Put(ctx, "http://h/a.png", []byte("v1"), "image/png")
	c.Put(ctx, "http://h/a.png", []byte("v2"), "image/jpeg")

	data, mime, ok := c.Get(ctx, "http://h/a.png")
	if !ok || string(data) != "v2" || mime != "image/jpeg" {
		t.Errorf("expected replaced entry, got %q %q ok=%v", data, mime, ok)
	}

	n, err := c.Len(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 entry after replace, got %d", n)
	}
}

func TestCache_Prune(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	c.Put(ctx, "http://h/old.png", []byte("old"), "image/png")
	// Backdate the entry past the retention window.
	if _, err := c.db.Exec(`UPDATE image_cache SET fetched_at = ?`, time.Now().Add(-48*time.Hour)); err != nil {
		t.Fatal(err)
	}
	c.Put(ctx, "http://h/new.png", []byte("new"), "image/png")

	removed, err := c.Prune(ctx, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if removed != 1 {
		t.Errorf("expected 1 pruned entry, got %d", removed)
	}
	if _, _, ok := c.Get(ctx, "http://h/new.png"); !ok {
		t.Error("recent entry must survive pruning")
	}
}
