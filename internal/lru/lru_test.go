package lru

import (
	"slices"
	"sync"
	"testing"
)

func TestCache(t *testing.T) {
	t.Run("eviction order", func(t *testing.T) {
		c := New[string, int](2)
		c.Put("a", 1)
		c.Put("b", 2)
		if _, ok := c.Get("a"); !ok {
			t.Fatal("Get(a) missing")
		}
		if evicted := c.Put("c", 3); !evicted {
			t.Error("Put(c) did not evict")
		}
		if c.Contains("b") {
			t.Error("b should have been evicted")
		}
		if got, want := c.Keys(), []string{"a", "c"}; !slices.Equal(got, want) {
			t.Errorf("Keys() = %v, want %v", got, want)
		}
	})

	t.Run("peek keeps recency", func(t *testing.T) {
		c := New[string, int](2)
		c.Put("a", 1)
		c.Put("b", 2)
		if v, ok := c.Peek("a"); !ok || v != 1 {
			t.Fatalf("Peek(a) = %d, %v", v, ok)
		}
		c.Put("c", 3)
		if c.Contains("a") {
			t.Error("a should have been evicted after Peek")
		}
	})

	t.Run("pop", func(t *testing.T) {
		c := New[string, int](3)
		c.Put("a", 1)
		v, ok := c.Pop("a")
		if !ok || v != 1 {
			t.Fatalf("Pop(a) = %d, %v", v, ok)
		}
		if _, ok := c.Pop("a"); ok {
			t.Error("second Pop(a) succeeded")
		}
		if c.Len() != 0 {
			t.Errorf("Len() = %d, want 0", c.Len())
		}
		if s := c.Stats(); s.Evictions != 0 {
			t.Errorf("Evictions = %d, want 0", s.Evictions)
		}
	})

	t.Run("replace", func(t *testing.T) {
		c := New[string, int](2)
		c.Put("a", 1)
		c.Put("a", 2)
		if v, _ := c.Get("a"); v != 2 {
			t.Errorf("Get(a) = %d, want 2", v)
		}
		if c.Len() != 1 {
			t.Errorf("Len() = %d, want 1", c.Len())
		}
	})

	t.Run("stats", func(t *testing.T) {
		c := New[int, int](1)
		c.Put(1, 1)
		c.Get(1)
		c.Get(2)
		c.Put(2, 2)
		want := Stats{Hits: 1, Misses: 1, Evictions: 1}
		if got := c.Stats(); got != want {
			t.Errorf("Stats() = %+v, want %+v", got, want)
		}
	})

	t.Run("purge", func(t *testing.T) {
		c := New[int, int](4)
		c.Put(1, 1)
		c.Put(2, 2)
		if got := c.Purge(); len(got) != 2 {
			t.Errorf("Purge() returned %d values, want 2", len(got))
		}
		if c.Len() != 0 {
			t.Errorf("Len() = %d, want 0", c.Len())
		}
	})

	t.Run("peek or put", func(t *testing.T) {
		c := New[int, string](2)
		if v, loaded := c.PeekOrPut(1, "a"); loaded || v != "a" {
			t.Errorf("PeekOrPut(1, a) = %q, %v", v, loaded)
		}
		if v, loaded := c.PeekOrPut(1, "b"); !loaded || v != "a" {
			t.Errorf("PeekOrPut(1, b) = %q, %v, want a, true", v, loaded)
		}
		if c.Len() != 1 {
			t.Errorf("Len() = %d, want 1", c.Len())
		}
	})

	t.Run("invalid capacity", func(t *testing.T) {
		defer func() {
			if recover() == nil {
				t.Error("New(0) did not panic")
			}
		}()
		New[int, int](0)
	})
}

func TestCacheConcurrent(t *testing.T) {
	c := New[int, int](16)
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 200 {
				k := (i*200 + j) % 40
				c.Put(k, j)
				c.Get(k)
				if j%7 == 0 {
					c.Pop(k)
				}
			}
		}()
	}
	wg.Wait()
	if c.Len() > 16 {
		t.Errorf("Len() = %d, exceeds capacity", c.Len())
	}
}
