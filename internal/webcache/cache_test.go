package webcache

import (
	"fmt"
	"testing"
	"time"
)

func TestCacheSetGet(t *testing.T) {
	c := New()
	c.Set("search|go concurrency|5", "results", time.Second)
	v, ok := c.Get("search|go concurrency|5")
	if !ok {
		t.Fatalf("Get() miss, want hit")
	}
	if v != "results" {
		t.Fatalf("Get() = %v, want %q", v, "results")
	}
}

func TestCacheExpiry(t *testing.T) {
	c := New()
	base := time.Now()
	now := base
	c.now = func() time.Time { return now }

	c.Set("k", "v", 1000*time.Millisecond)
	if _, ok := c.Get("k"); !ok {
		t.Fatalf("Get() before expiry should hit")
	}

	now = base.Add(1001 * time.Millisecond)
	if _, ok := c.Get("k"); ok {
		t.Fatalf("Get() after ttl should miss")
	}
	// Lazy eviction removed the entry.
	if got := c.Len(); got != 0 {
		t.Fatalf("Len() = %d, want 0", got)
	}
}

func TestCacheExpiryAtExactBoundary(t *testing.T) {
	c := New()
	base := time.Now()
	now := base
	c.now = func() time.Time { return now }

	c.Set("k", "v", 1000*time.Millisecond)
	now = base.Add(999 * time.Millisecond)
	if _, ok := c.Get("k"); !ok {
		t.Fatalf("Get() just before ttl should hit")
	}
	now = base.Add(1000 * time.Millisecond)
	if _, ok := c.Get("k"); ok {
		t.Fatalf("Get() at exactly ttl elapsed should miss")
	}

	// A non-positive ttl is never observable, not even at the set instant.
	c.Set("z", "v", 0)
	if _, ok := c.Get("z"); ok {
		t.Fatalf("Get() of zero-ttl entry should miss")
	}
}

func TestCacheLastWriteWins(t *testing.T) {
	c := New()
	c.Set("k", "first", time.Minute)
	c.Set("k", "second", time.Minute)
	v, ok := c.Get("k")
	if !ok || v != "second" {
		t.Fatalf("Get() = %v,%v, want second,true", v, ok)
	}
}

func TestCacheSweepOverCapacity(t *testing.T) {
	c := New()
	c.maxEntries = 8
	base := time.Now()
	now := base
	c.now = func() time.Time { return now }

	for i := 0; i < 8; i++ {
		c.Set(fmt.Sprintf("old-%d", i), i, 10*time.Millisecond)
	}
	now = base.Add(20 * time.Millisecond)
	c.Set("fresh", "v", time.Minute)

	if _, ok := c.Get("fresh"); !ok {
		t.Fatalf("fresh entry evicted by sweep")
	}
	if got := c.Len(); got != 1 {
		t.Fatalf("Len() = %d, want 1 (expired entries swept)", got)
	}
}

func TestCacheConcurrentAccess(t *testing.T) {
	c := New()
	done := make(chan struct{})
	for g := 0; g < 8; g++ {
		go func(g int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k-%d", i%16)
				c.Set(key, g, time.Minute)
				c.Get(key)
			}
		}(g)
	}
	for g := 0; g < 8; g++ {
		<-done
	}
}
