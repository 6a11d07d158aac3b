package vocab

import (
	"fmt"
	"testing"
	"time"
)

// TestCache_PutGet checks the basic round trip and hit/miss accounting.
func TestCache_PutGet(t *testing.T) {
	c := NewCache[string](10, time.Minute)

	if _, ok := c.Get("pog"); ok {
		t.Fatal("empty cache should miss")
	}

	c.Put("pog", "hype emote")
	got, ok := c.Get("pog")
	if !ok {
		t.Fatal("expected hit after Put")
	}
	if got != "hype emote" {
		t.Errorf("got = %q, want %q", got, "hype emote")
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 {
		t.Errorf("stats = %+v, want 1 hit / 1 miss", stats)
	}
}

// TestCache_UpdateRefreshes checks that Put on an existing key replaces the
// value instead of growing the cache.
func TestCache_UpdateRefreshes(t *testing.T) {
	c := NewCache[string](10, time.Minute)
	c.Put("kappa", "old")
	c.Put("kappa", "new")

	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
	if got, _ := c.Get("kappa"); got != "new" {
		t.Errorf("got = %q, want %q", got, "new")
	}
}

// TestCache_EvictsLRU checks capacity eviction order.
func TestCache_EvictsLRU(t *testing.T) {
	c := NewCache[int](3, time.Minute)
	for i := 0; i < 3; i++ {
		c.Put(fmt.Sprintf("k%d", i), i)
	}

	// Touch k0 so k1 becomes the oldest.
	if _, ok := c.Get("k0"); !ok {
		t.Fatal("k0 should be present")
	}

	c.Put("k3", 3)
	if c.Len() != 3 {
		t.Fatalf("Len = %d, want 3", c.Len())
	}
	if _, ok := c.Get("k1"); ok {
		t.Error("k1 should have been evicted as least recently used")
	}
	if _, ok := c.Get("k0"); !ok {
		t.Error("k0 should have survived")
	}
	if _, ok := c.Get("k3"); !ok {
		t.Error("k3 should be present")
	}
}

// TestCache_ExpiryOnLookup checks that expired entries die on Get.
func TestCache_ExpiryOnLookup(t *testing.T) {
	c := NewCache[string](10, 100*time.Millisecond)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return base }

	c.Put("brb", "be right back")

	c.now = func() time.Time { return base.Add(99 * time.Millisecond) }
	if _, ok := c.Get("brb"); !ok {
		t.Fatal("entry should still be live just before the TTL")
	}

	c.now = func() time.Time { return base.Add(101 * time.Millisecond) }
	if _, ok := c.Get("brb"); ok {
		t.Fatal("entry should have expired")
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d, want 0 after expiry removal", c.Len())
	}
}

// TestCache_NegativeCaching stores an empty value as a real entry.
func TestCache_NegativeCaching(t *testing.T) {
	c := NewCache[[]string](10, time.Minute)
	c.Put("notaterm", nil)

	got, ok := c.Get("notaterm")
	if !ok {
		t.Fatal("negative entry should hit")
	}
	if got != nil {
		t.Errorf("got = %v, want nil", got)
	}
}

// TestCache_DefaultsOnBadArgs checks constructor fallbacks.
func TestCache_DefaultsOnBadArgs(t *testing.T) {
	c := NewCache[string](0, 0)
	if c.capacity != 1000 {
		t.Errorf("capacity = %d, want 1000", c.capacity)
	}
	if c.ttl != 5*time.Minute {
		t.Errorf("ttl = %v, want 5m", c.ttl)
	}
}
