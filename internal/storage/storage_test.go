package storage

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rewired-gh/govpower/internal/memo"
)

func newTestCache(t *testing.T, maxEntries int) (*Cache, *time.Time) {
	t.Helper()
	c, err := New(maxEntries, ":memory:")
	if err != nil {
		t.Fatalf("failed to create test cache: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	now := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestCache_SetAndGet(t *testing.T) {
	c, _ := newTestCache(t, 100)

	c.Set("power:0xabc", []byte(`"1000"`), time.Minute)
	got, ok := c.Get("power:0xabc")
	if !ok {
		t.Fatal("expected hit")
	}
	if string(got) != `"1000"` {
		t.Errorf("Get() = %s, want \"1000\"", got)
	}

	c.Set("power:0xabc", []byte(`"2000"`), time.Minute)
	got, _ = c.Get("power:0xabc")
	if string(got) != `"2000"` {
		t.Errorf("Get() after overwrite = %s", got)
	}
}

func TestCache_Miss(t *testing.T) {
	c, _ := newTestCache(t, 100)
	if _, ok := c.Get("nonexistent"); ok {
		t.Error("expected miss for unknown key")
	}
}

func TestCache_Expiry(t *testing.T) {
	c, now := newTestCache(t, 100)

	c.Set("short", []byte("1"), time.Minute)
	c.Set("forever", []byte("2"), 0)

	*now = now.Add(2 * time.Minute)
	if _, ok := c.Get("short"); ok {
		t.Error("expected expired entry to miss")
	}
	if _, ok := c.Get("forever"); !ok {
		t.Error("entry without ttl should not expire")
	}
}

func TestCache_Delete(t *testing.T) {
	c, _ := newTestCache(t, 100)
	c.Set("k", []byte("v"), time.Hour)
	c.Delete("k")
	c.Delete("k")
	if _, ok := c.Get("k"); ok {
		t.Error("expected deleted entry to miss")
	}
}

func TestCache_PurgeExpired(t *testing.T) {
	c, now := newTestCache(t, 100)
	c.Set("a", []byte("1"), time.Minute)
	c.Set("b", []byte("2"), time.Minute)
	c.Set("c", []byte("3"), time.Hour)
	c.Set("d", []byte("4"), 0)

	*now = now.Add(10 * time.Minute)
	n, err := c.PurgeExpired()
	if err != nil {
		t.Fatalf("PurgeExpired: %v", err)
	}
	if n != 2 {
		t.Errorf("PurgeExpired() = %d, want 2", n)
	}
	if got, _ := c.Len(); got != 2 {
		t.Errorf("Len() = %d, want 2", got)
	}
}

func TestCache_EnforceCap(t *testing.T) {
	c, now := newTestCache(t, 3)
	for i := 0; i < 5; i++ {
		*now = now.Add(time.Second)
		c.Set(fmt.Sprintf("k%d", i), []byte("v"), time.Hour)
	}
	if err := c.EnforceCap(); err != nil {
		t.Fatalf("EnforceCap: %v", err)
	}

	if got, _ := c.Len(); got != 3 {
		t.Errorf("Len() = %d, want 3", got)
	}
	for _, k := range []string{"k0", "k1"} {
		if _, ok := c.Get(k); ok {
			t.Errorf("%s should have been evicted", k)
		}
	}
	if _, ok := c.Get("k4"); !ok {
		t.Error("newest entry should be kept")
	}
}

func TestCache_CapEnforcedOnWrite(t *testing.T) {
	c, now := newTestCache(t, 10)
	for i := 0; i < capCheckEvery; i++ {
		*now = now.Add(time.Millisecond)
		c.Set(fmt.Sprintf("k%d", i), []byte("v"), 0)
	}
	if got, _ := c.Len(); got != 10 {
		t.Errorf("Len() = %d, want 10 after periodic enforcement", got)
	}
}

func TestCache_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	c, err := New(100, path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	c.Set("snapshot:latest", []byte(`{"id":"x"}`), 0)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := New(100, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if v, ok := reopened.Get("snapshot:latest"); !ok || string(v) != `{"id":"x"}` {
		t.Errorf("Get() after reopen = %s, %v", v, ok)
	}
}

func TestCache_DeletePrefix(t *testing.T) {
	c, _ := newTestCache(t, 100)
	c.Set("addr:0xaa|power:0xaa", []byte("1"), time.Minute)
	c.Set("addr:0xaa|predict:0xaa:30", []byte("2"), time.Minute)
	c.Set("addr:0xaab|power:0xaab", []byte("3"), time.Minute)
	c.Set("snapshot|concentration:1", []byte("4"), time.Minute)

	if n := c.DeletePrefix("addr:0xaa|"); n != 2 {
		t.Errorf("DeletePrefix() = %d, want 2", n)
	}
	if _, ok := c.Get("addr:0xaab|power:0xaab"); !ok {
		t.Error("key with a longer scope must survive")
	}
	if n, _ := c.Len(); n != 2 {
		t.Errorf("Len() = %d, want 2", n)
	}
}

func TestCache_InvalidateScopeAfterReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cache.db")

	c, err := New(100, dbPath)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	g := memo.NewGroup(c, nil)
	g.Store("addr:0xAA", "predict:0xAA:30", []int{1, 2, 3}, time.Hour)
	g.Store("addr:0xBB", "predict:0xBB:30", []int{4}, time.Hour)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := New(100, dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })
	g2 := memo.NewGroup(reopened, nil)

	if n := g2.InvalidateScope("addr:0xAA"); n != 1 {
		t.Errorf("InvalidateScope() = %d, want 1", n)
	}
	var v []int
	if g2.Lookup("addr:0xAA", "predict:0xAA:30", &v) {
		t.Errorf("entry from the previous run still served: %v", v)
	}
	if !g2.Lookup("addr:0xBB", "predict:0xBB:30", &v) || len(v) != 1 {
		t.Errorf("unrelated scope lost its entry: %v", v)
	}
}
