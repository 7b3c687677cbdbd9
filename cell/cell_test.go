package cell

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCellGetBeforeInit(t *testing.T) {
	var c Cell[int]
	if _, ok := c.Get(); ok {
		t.Fatalf("expected uninitialized cell to report ok=false")
	}
}

func TestCellGetOrInitRunsOnce(t *testing.T) {
	var c Cell[string]
	var calls int64
	v := c.GetOrInit(func() string {
		atomic.AddInt64(&calls, 1)
		return "a"
	})
	if v != "a" {
		t.Fatalf("got %q want %q", v, "a")
	}
	v = c.GetOrInit(func() string {
		atomic.AddInt64(&calls, 1)
		return "b"
	})
	if v != "a" {
		t.Fatalf("second GetOrInit should observe the first value, got %q", v)
	}
	if n := atomic.LoadInt64(&calls); n != 1 {
		t.Fatalf("factory called %d times, want 1", n)
	}
	val, ok := c.Get()
	if !ok || val != "a" {
		t.Fatalf("Get() = %q, %v; want %q, true", val, ok, "a")
	}
}

// TestCellConcurrentContenders asserts that N goroutines racing on
// GetOrInit for the same cell all observe the same value and that the
// factory runs exactly once, matching spec scenario S5's per-key
// contention property.
func TestCellConcurrentContenders(t *testing.T) {
	var c Cell[int]
	var calls int64
	const n = 100
	results := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.GetOrInit(func() int {
				atomic.AddInt64(&calls, 1)
				time.Sleep(time.Millisecond)
				return 42
			})
		}(i)
	}
	wg.Wait()
	if n := atomic.LoadInt64(&calls); n != 1 {
		t.Fatalf("factory called %d times, want 1", n)
	}
	for _, r := range results {
		if r != 42 {
			t.Fatalf("got %d, want 42", r)
		}
	}
}

// TestCellPanicLetsANewInitializerTry exercises the documented behavior
// for an aborted initialization: the panic propagates to whichever
// goroutine was running the factory, and the cell remains uninitialized
// so a later caller can retry.
func TestCellPanicLetsANewInitializerTry(t *testing.T) {
	var c Cell[int]

	func() {
		defer func() {
			if recover() == nil {
				t.Fatalf("expected GetOrInit to propagate the factory panic")
			}
		}()
		c.GetOrInit(func() int {
			panic("boom")
		})
	}()

	if _, ok := c.Get(); ok {
		t.Fatalf("cell should remain uninitialized after a panicking factory")
	}

	v := c.GetOrInit(func() int { return 7 })
	if v != 7 {
		t.Fatalf("got %d, want 7", v)
	}
}
