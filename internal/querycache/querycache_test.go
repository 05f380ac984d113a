package querycache_test

import (
	"testing"

	"github.com/jordigilh/memvid-export-api/internal/querycache"
)

func TestGetSetRoundTrip(t *testing.T) {
	c := querycache.New(2)
	key := querycache.Key("/exports/a.capsule", "symbol_lookup", `{"name":"foo"}`)

	if _, ok := c.Get(key); ok {
		t.Fatal("expected miss on empty cache")
	}

	c.Set(key, "result")
	v, ok := c.Get(key)
	if !ok || v != "result" {
		t.Fatalf("Get = %v, %v; want 'result', true", v, ok)
	}
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	c := querycache.New(2)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3) // evicts "a"

	if _, ok := c.Get("a"); ok {
		t.Error("expected 'a' to be evicted")
	}
	if _, ok := c.Get("b"); !ok {
		t.Error("expected 'b' to survive")
	}
	if _, ok := c.Get("c"); !ok {
		t.Error("expected 'c' to survive")
	}
}

func TestGetPromotesToMostRecentlyUsed(t *testing.T) {
	c := querycache.New(2)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Get("a") // promote a
	c.Set("c", 3) // should now evict b, not a

	if _, ok := c.Get("b"); ok {
		t.Error("expected 'b' to be evicted after 'a' was promoted")
	}
	if _, ok := c.Get("a"); !ok {
		t.Error("expected 'a' to survive after being promoted")
	}
}

func TestSetRefreshesExistingKey(t *testing.T) {
	c := querycache.New(2)
	c.Set("a", 1)
	c.Set("a", 2)

	v, ok := c.Get("a")
	if !ok || v != 2 {
		t.Fatalf("Get = %v, %v; want 2, true", v, ok)
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
}

func TestPurgeClearsAll(t *testing.T) {
	c := querycache.New(4)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Purge()

	if c.Len() != 0 {
		t.Errorf("Len = %d, want 0 after Purge", c.Len())
	}
	if _, ok := c.Get("a"); ok {
		t.Error("expected 'a' gone after Purge")
	}
}

func TestNewFloorsCapacityAtOne(t *testing.T) {
	c := querycache.New(0)
	c.Set("a", 1)
	c.Set("b", 2)
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1 for zero-valued capacity", c.Len())
	}
}

func TestKeyFormat(t *testing.T) {
	got := querycache.Key("/exports/a.capsule", "text_search", `{"q":"foo"}`)
	want := `/exports/a.capsule|text_search|{"q":"foo"}`
	if got != want {
		t.Errorf("Key = %q, want %q", got, want)
	}
}
