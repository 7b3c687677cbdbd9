// Command qgraphdemo is a direct port of the contention scenario the
// engine was originally prototyped against: a hundred goroutines racing
// to resolve the same fresh key through one Iteration. It exists to
// demonstrate, by inspection of its (deliberately single-line) resolver
// output, that the resolver runs exactly once no matter how many
// goroutines arrive concurrently.
package main

import (
	"fmt"
	"sync"

	"github.com/rogpeppe/qgraph/qgraph"
)

type query struct {
	kind string
}

func foo() query { return query{kind: "Foo"} }

type result struct {
	kind string
	s    string
}

type state struct{}

func (state) Resolve(q query, ctx *qgraph.Context[query, result]) result {
	fmt.Println("Resolving.")
	switch q.kind {
	case "Foo":
		return result{kind: "Foo", s: "Foo"}
	default:
		panic("qgraphdemo: unknown query")
	}
}

func main() {
	g := qgraph.NewComparable[query, result](state{})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.Query(foo())
		}()
	}
	wg.Wait()

	// The nodes are stored behind a cell, so that no lock is held on the
	// map while resolving the value inside get-or-insert. The graph keeps
	// a current map of nodes and a previous map of nodes. Querying does
	// get-or-insert on the current map, then get-or-init on the cell
	// returned. Initializing the cell checks the previous map's value
	// with a non-blocking get: if it isn't ready, the query is resolved
	// from scratch; if it is ready, it is validated recursively through
	// its edges. When a value was resolved from scratch, the previous
	// map is checked again afterward: if something showed up in the
	// meantime, the new and old values are compared to see if anything
	// actually changed; if still nothing is there, changed is set to
	// true, since there is no way to know whether the value is the same.
}
