// Package qgraph implements a concurrent, incremental, demand-driven
// query engine: a memoizing dependency-tracking evaluator in the same
// family as the query systems underneath modern compilers and language
// servers.
//
// A client implements Resolver and passes it to New to obtain the first
// Iteration. Calling (*Iteration).Query(k) memoizes the result of
// resolving k and records every sub-key the resolver queries along the
// way. When the client's underlying state changes, (*Iteration).Increment
// produces the next Iteration, which reuses as much of the previous
// iteration's work as it can prove is still valid and recomputes the
// rest.
//
// There is no eviction: memory grows with the distinct key set observed
// across the lifetime of the most recent Iteration and whatever
// Iteration chain it still holds a previous reference to. Long-lived
// callers should drop references to old Iterations once they no longer
// need to compare against them. Cyclic dependencies (a resolver that
// queries, transitively, the key it's resolving) are undefined behavior:
// nothing here detects them, and Cell.GetOrInit deadlocks on one: the
// goroutine resolving the key waits on the very cell it is initializing.
// A panicking resolver
// behaves as cell.Cell documents: the panic propagates to whichever
// goroutine was resolving the key, the node is never published, and a
// later caller re-attempts.
package qgraph

import (
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/rogpeppe/qgraph/cell"
	"github.com/rogpeppe/qgraph/ckmap"
)

// Node is the frozen outcome of resolving one key within one Iteration.
// A Node is never mutated after it is published.
type Node[K comparable, R any] struct {
	// Result is the resolver's output for this key in this iteration.
	Result R

	// Changed reports whether Result differs from the corresponding
	// node's result in the previous iteration. A node with no
	// counterpart in the previous iteration is never Changed.
	Changed bool

	// EdgesFrom is the set of keys the resolver queried while computing
	// Result, de-duplicated. It is empty for a "root" node: one whose
	// resolver queried no sub-keys.
	EdgesFrom map[K]struct{}
}

type iterationMap[K comparable, R any] = ckmap.Map[K, *cell.Cell[*Node[K, R]]]

// Iteration is one generation of the engine. It is immutable by
// identity: Query never changes which keys an Iteration can report
// results for relative to its own current map, and Increment never
// mutates an existing Iteration - it only builds a new one next to it.
type Iteration[K comparable, R any] struct {
	current  *iterationMap[K, R]
	previous *iterationMap[K, R]
	resolver Resolver[K, R]
	equal    func(a, b R) bool
}

// New returns a new Iteration with empty current and previous maps, using
// equal to decide whether two results are the same result (Node.Changed
// soundness depends entirely on this function being consistent with the
// resolver's own notion of equality). Most callers with a comparable R
// should use NewComparable instead.
func New[K comparable, R any](resolver Resolver[K, R], equal func(a, b R) bool) *Iteration[K, R] {
	if resolver == nil {
		panic("qgraph: nil resolver")
	}
	if equal == nil {
		panic("qgraph: nil equal function")
	}
	return &Iteration[K, R]{
		current:  ckmap.New[K, *cell.Cell[*Node[K, R]]](),
		previous: ckmap.New[K, *cell.Cell[*Node[K, R]]](),
		resolver: resolver,
		equal:    equal,
	}
}

// NewComparable is like New for the common case where R's == operator
// already means "same result".
func NewComparable[K comparable, R comparable](resolver Resolver[K, R]) *Iteration[K, R] {
	return New[K, R](resolver, func(a, b R) bool { return a == b })
}

// Query resolves k within this iteration, memoizing the result so that
// concurrent or repeated calls for the same k invoke the resolver at
// most once. It never invokes the resolver for a key whose previous-
// iteration node can be proven unchanged (see Increment).
func (it *Iteration[K, R]) Query(k K) R {
	return it.queryNode(k).Result
}

// Increment produces the next Iteration: its previous map is this
// iteration's current map (shared by reference, read-only from the new
// iteration's perspective), and its current map starts empty. This
// iteration remains fully valid and queryable; Increment never blocks on
// or otherwise disturbs resolutions already in flight on it.
func (it *Iteration[K, R]) Increment(resolver Resolver[K, R]) *Iteration[K, R] {
	if resolver == nil {
		panic("qgraph: nil resolver")
	}
	return &Iteration[K, R]{
		current:  ckmap.New[K, *cell.Cell[*Node[K, R]]](),
		previous: it.current.CloneHandle(),
		resolver: resolver,
		equal:    it.equal,
	}
}

// Snapshot returns the Node already memoized for k in this iteration,
// without triggering resolution. It reports false if k has not been
// queried (successfully) in this iteration yet. Unlike Query, Snapshot
// never blocks: it is meant for introspection (see the graphviz
// subpackage) of work already done, not for driving more of it.
func (it *Iteration[K, R]) Snapshot(k K) (Node[K, R], bool) {
	c, ok := it.current.Get(k)
	if !ok {
		return Node[K, R]{}, false
	}
	n, ok := c.Get()
	if !ok {
		return Node[K, R]{}, false
	}
	return *n, true
}

// queryNode is Query's internal counterpart: it returns the whole frozen
// Node rather than just its Result, which Context.Query and the
// parent-validation logic in resolve both need.
func (it *Iteration[K, R]) queryNode(k K) *Node[K, R] {
	c := it.current.GetOrInsert(k, func() *cell.Cell[*Node[K, R]] {
		return &cell.Cell[*Node[K, R]]{}
	})
	return c.GetOrInit(func() *Node[K, R] {
		return it.resolve(k)
	})
}

// resolve implements the five-case validation table: A (no previous
// node), B (previous node present but still uninitialized), C (previous
// root node, always revalidated), D (previous node whose parents are all
// unchanged: reused without invoking the resolver), and E (previous node
// with a changed parent: recomputed).
func (it *Iteration[K, R]) resolve(k K) *Node[K, R] {
	prevCell, hasPrevCell := it.previous.Get(k)
	if !hasPrevCell {
		// Case A: nothing to validate against. New, not changed.
		node := it.computeFresh(k)
		node.Changed = false
		return node
	}

	prevNode, prevReady := prevCell.Get()
	if !prevReady {
		// Case B: the previous iteration is still computing this key
		// (or never will). Compute from scratch, then see if the
		// previous value showed up in the meantime.
		node := it.computeFresh(k)
		if prevNode, ok := prevCell.Get(); ok {
			node.Changed = !it.equal(node.Result, prevNode.Result)
		} else {
			node.Changed = true
		}
		return node
	}

	if len(prevNode.EdgesFrom) == 0 {
		// Case C: a root node's output depends only on state the
		// engine can't observe, so it is always revalidated.
		node := it.computeFresh(k)
		node.Changed = !it.equal(node.Result, prevNode.Result)
		return node
	}

	if !it.anyParentChanged(prevNode.EdgesFrom) {
		// Case D: every dependency is known-unchanged. Reuse.
		return &Node[K, R]{
			Result:    prevNode.Result,
			Changed:   false,
			EdgesFrom: prevNode.EdgesFrom,
		}
	}

	// Case E: at least one dependency changed.
	node := it.computeFresh(k)
	node.Changed = !it.equal(node.Result, prevNode.Result)
	return node
}

// computeFresh runs the resolver for k through a fresh Context and
// returns the resulting Node with Changed left at its zero value; every
// call site sets Changed according to its own case in the table above.
func (it *Iteration[K, R]) computeFresh(k K) *Node[K, R] {
	ctx := newContext(it)
	result := it.resolver.Resolve(k, ctx)
	return &Node[K, R]{
		Result:    result,
		EdgesFrom: ctx.edges(),
	}
}

// anyParentChanged asks, for each key in edges, whether its node in this
// iteration is Changed. Each parent is itself validated at most once per
// iteration (queryNode memoizes through the same cell-insert path Query
// uses), so fanning the checks out in parallel costs nothing extra even
// though many callers may ask about overlapping parent sets. Checks run
// concurrently, per spec; a check that starts after any parent has been
// found to have changed returns without querying its parent, and parents
// already in flight are left to finish since their result is memoized
// and useful regardless.
func (it *Iteration[K, R]) anyParentChanged(edges map[K]struct{}) bool {
	var g errgroup.Group
	g.SetLimit(max(1, runtime.GOMAXPROCS(0)*4))
	var found atomic.Bool
	for k := range edges {
		g.Go(func() error {
			if found.Load() {
				return nil
			}
			if it.queryNode(k).Changed {
				found.Store(true)
			}
			return nil
		})
	}
	g.Wait()
	return found.Load()
}

// Resolver is the client-supplied computation from key to result. A
// Resolver is invoked from arbitrary goroutines and must be safe to call
// concurrently: it is shared by reference across every resolution in an
// Iteration.
type Resolver[K comparable, R any] interface {
	Resolve(k K, ctx *Context[K, R]) R
}

// ResolverFunc adapts a plain function to Resolver, mirroring the
// standard library's http.HandlerFunc pattern for the common case of a
// resolver with no extra state to hang methods off of.
type ResolverFunc[K comparable, R any] func(k K, ctx *Context[K, R]) R

func (f ResolverFunc[K, R]) Resolve(k K, ctx *Context[K, R]) R { return f(k, ctx) }

// Context is created fresh for each resolver invocation and records the
// set of keys that invocation queries. It is safe for concurrent use: a
// resolver implemented with data-parallel sub-queries may call Query from
// multiple goroutines at once.
type Context[K comparable, R any] struct {
	it *Iteration[K, R]

	mu      sync.Mutex
	edgeSet map[K]struct{}
}

func newContext[K comparable, R any](it *Iteration[K, R]) *Context[K, R] {
	return &Context[K, R]{it: it, edgeSet: make(map[K]struct{})}
}

// Query resolves k on the owning iteration and records k as an edge of
// the node currently being computed.
func (ctx *Context[K, R]) Query(k K) R {
	node := ctx.it.queryNode(k)
	ctx.mu.Lock()
	ctx.edgeSet[k] = struct{}{}
	ctx.mu.Unlock()
	return node.Result
}

// edges returns the accumulated edge set. Called once, after the
// resolver invocation that owns ctx has returned.
func (ctx *Context[K, R]) edges() map[K]struct{} {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	return ctx.edgeSet
}
