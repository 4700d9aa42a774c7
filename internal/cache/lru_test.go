package cache

import (
	"testing"
	"time"
)

func TestSetAndGet(t *testing.T) {
	c := New(Options{Capacity: 100})
	if !c.Set("a", "va", 10) {
		t.Fatal("Set rejected an entry within capacity")
	}
	v, ok := c.Get("a")
	if !ok || v.(string) != "va" {
		t.Fatalf("Get(a) = %v, %v; want va, true", v, ok)
	}
	if got := c.TotalSize(); got != 10 {
		t.Errorf("TotalSize() = %d, want 10", got)
	}
}

func TestRejectOversize(t *testing.T) {
	c := New(Options{Capacity: 100})
	c.Set("a", "va", 60)
	c.Set("b", "vb", 30)

	if c.Set("huge", "x", 101) {
		t.Fatal("Set accepted an entry larger than capacity")
	}
	if got := c.Len(); got != 2 {
		t.Errorf("rejected Set mutated the cache: Len() = %d, want 2", got)
	}
	if got := c.TotalSize(); got != 90 {
		t.Errorf("rejected Set mutated total size: %d, want 90", got)
	}
}

func TestCapacityNeverExceeded(t *testing.T) {
	const capacity = 1024
	c := New(Options{Capacity: capacity})
	sizes := []int64{100, 400, 300, 512, 900, 50, 1024, 700}
	for i, size := range sizes {
		c.Set(string(rune('a'+i)), i, size)
		if got := c.TotalSize(); got > capacity {
			t.Fatalf("after insert %d: TotalSize() = %d exceeds capacity %d", i, got, capacity)
		}
	}
}

func TestEvictionOrderLRU(t *testing.T) {
	var evicted []string
	c := New(Options{Capacity: 300, OnEvict: func(key string, _ any, _ int64, reason Reason) {
		if reason == ReasonCapacity {
			evicted = append(evicted, key)
		}
	}})
	c.Set("a", 1, 100)
	c.Set("b", 2, 100)
	c.Set("c", 3, 100)

	// Touch a so b becomes the least recently used.
	if _, ok := c.Get("a"); !ok {
		t.Fatal("Get(a) missing")
	}

	c.Set("d", 4, 100)
	if len(evicted) != 1 || evicted[0] != "b" {
		t.Errorf("evicted = %v, want [b]", evicted)
	}
}

func TestHasDoesNotRefreshRecency(t *testing.T) {
	var evicted []string
	c := New(Options{Capacity: 1024, OnEvict: func(key string, _ any, _ int64, _ Reason) {
		evicted = append(evicted, key)
	}})
	c.Set("A", 1, 100)
	c.Set("B", 2, 100)
	c.Set("C", 3, 100)

	if !c.Has("A") {
		t.Fatal("Has(A) = false")
	}

	c.Set("D", 4, 900)
	found := false
	for _, k := range evicted {
		if k == "A" {
			found = true
		}
	}
	if !found {
		t.Errorf("A survived eviction after Has; evicted = %v", evicted)
	}
}

func TestEvictionCallbackOncePerKey(t *testing.T) {
	counts := map[string]int{}
	c := New(Options{Capacity: 200, OnEvict: func(key string, _ any, _ int64, _ Reason) {
		counts[key]++
	}})
	c.Set("a", 1, 100)
	c.Set("b", 2, 100)
	c.Set("c", 3, 200) // evicts both a and b

	if counts["a"] != 1 || counts["b"] != 1 {
		t.Errorf("eviction callback counts = %v, want exactly 1 for a and b", counts)
	}
}

func TestDeleteDoesNotFireCallback(t *testing.T) {
	fired := 0
	c := New(Options{Capacity: 100, OnEvict: func(string, any, int64, Reason) { fired++ }})
	c.Set("a", 1, 10)
	if !c.Delete("a") {
		t.Fatal("Delete(a) = false")
	}
	if fired != 0 {
		t.Errorf("Delete fired the eviction callback %d times", fired)
	}
	if c.Delete("a") {
		t.Error("second Delete(a) = true")
	}
}

func TestReplaceExistingKey(t *testing.T) {
	c := New(Options{Capacity: 100})
	c.Set("a", "v1", 40)
	c.Set("a", "v2", 60)
	if got := c.TotalSize(); got != 60 {
		t.Errorf("TotalSize after replace = %d, want 60", got)
	}
	v, _ := c.Get("a")
	if v.(string) != "v2" {
		t.Errorf("Get(a) = %v, want v2", v)
	}
}

func TestTTLLazyExpiry(t *testing.T) {
	c := New(Options{Capacity: 100, TTL: 50 * time.Millisecond})
	base := time.Now()
	c.now = func() time.Time { return base }
	c.Set("a", 1, 10)

	c.now = func() time.Time { return base.Add(40 * time.Millisecond) }
	if !c.Has("a") {
		t.Fatal("entry expired before TTL")
	}

	c.now = func() time.Time { return base.Add(60 * time.Millisecond) }
	if c.Has("a") {
		t.Fatal("Has returned true past TTL")
	}
	if _, ok := c.Get("a"); ok {
		t.Fatal("Get returned entry past TTL")
	}
	if got := c.Len(); got != 0 {
		t.Errorf("expired entry not removed: Len() = %d", got)
	}
}

func TestCleanupExpired(t *testing.T) {
	expiredReasons := 0
	c := New(Options{Capacity: 100, TTL: 50 * time.Millisecond, OnEvict: func(_ string, _ any, _ int64, reason Reason) {
		if reason == ReasonExpired {
			expiredReasons++
		}
	}})
	base := time.Now()
	c.now = func() time.Time { return base }
	c.Set("a", 1, 10)
	c.Set("b", 2, 10)

	c.now = func() time.Time { return base.Add(30 * time.Millisecond) }
	c.Set("c", 3, 10)

	c.now = func() time.Time { return base.Add(60 * time.Millisecond) }
	if got := c.CleanupExpired(); got != 2 {
		t.Errorf("CleanupExpired() = %d, want 2", got)
	}
	if expiredReasons != 2 {
		t.Errorf("expired callbacks = %d, want 2", expiredReasons)
	}
	if !c.Has("c") {
		t.Error("unexpired entry was swept")
	}
}

func TestClearFiresCallbackForAll(t *testing.T) {
	var cleared []string
	c := New(Options{Capacity: 100, OnEvict: func(key string, _ any, _ int64, reason Reason) {
		if reason == ReasonCleared {
			cleared = append(cleared, key)
		}
	}})
	c.Set("a", 1, 10)
	c.Set("b", 2, 10)
	c.Clear()
	if len(cleared) != 2 {
		t.Errorf("Clear fired callback for %d entries, want 2", len(cleared))
	}
	if c.Len() != 0 || c.TotalSize() != 0 {
		t.Error("cache not empty after Clear")
	}
}

func TestDisposeRejectsFurtherSets(t *testing.T) {
	c := New(Options{Capacity: 100})
	c.Set("a", 1, 10)
	c.Dispose()
	c.Dispose() // idempotent
	if !c.Disposed() {
		t.Fatal("Disposed() = false after Dispose")
	}
	if c.Set("b", 2, 10) {
		t.Error("Set accepted on a disposed cache")
	}
}
