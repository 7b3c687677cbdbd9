// Package cell provides Cell, a write-once container that runs its
// initializer exactly once across any number of racing callers, without
// holding a lock while that initializer runs.
//
// It plays the same role for a single key that ckmap.Map plays for a
// whole map: ckmap reserves the slot (get_or_insert), and Cell arbitrates
// who actually computes the value that goes in it. The locking shape is
// borrowed from watcher2.Value's mutex+condition-variable pattern, and
// the accumulate-then-release idea - callers that arrive while someone
// else is already computing just wait for that computation rather than
// starting their own - is the same one batch.Caller uses to coalesce
// concurrent calls into one.
package cell

import "sync"

// Cell holds at most one value of type V, computed by at most one
// factory call across all contenders. The zero Cell is ready to use.
type Cell[V any] struct {
	mu           sync.Mutex
	cond         sync.Cond
	initialized  bool
	initializing bool
	value        V
}

// Get returns the cell's value and reports whether it has been
// initialized. It never blocks.
func (c *Cell[V]) Get() (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		var zero V
		return zero, false
	}
	return c.value, true
}

// GetOrInit runs factory exactly once across all callers and returns its
// result. Callers that lose the race block until the winner publishes a
// value, without any lock held while factory runs. If factory panics, the
// cell remains uninitialized, the panic propagates to the caller that was
// running it, and every other waiter wakes up to race again to become the
// new initializer - matching the "a later caller will re-attempt" option
// the engine documents for aborted initialization.
func (c *Cell[V]) GetOrInit(factory func() V) V {
	c.mu.Lock()
	if c.cond.L == nil {
		c.cond.L = &c.mu
	}
	for {
		if c.initialized {
			v := c.value
			c.mu.Unlock()
			return v
		}
		if !c.initializing {
			break
		}
		c.cond.Wait()
	}
	c.initializing = true
	c.mu.Unlock()

	var result V
	committed := false
	defer func() {
		c.mu.Lock()
		c.initializing = false
		if committed {
			c.value = result
			c.initialized = true
		}
		c.mu.Unlock()
		c.cond.Broadcast()
	}()

	result = factory()
	committed = true
	return result
}
