// Package graphviz renders an Iteration's already-memoized dependency
// graph as a Mermaid flowchart, for debugging what was and wasn't
// revalidated after an increment. It never triggers resolution: it only
// walks the edges recorded by queries that have already completed.
package graphviz

import (
	"fmt"

	"github.com/rogpeppe/qgraph/graph"
	"github.com/rogpeppe/qgraph/mermaid"
	"github.com/rogpeppe/qgraph/qgraph"
)

type edge[K comparable] struct{ from, to K }

// depGraph adapts an Iteration's already-computed nodes to
// mermaid.GraphInterface, restricted to whatever is reachable from the
// given roots.
type depGraph[K comparable, R any] struct {
	it    *qgraph.Iteration[K, R]
	text  func(K) string
	nodes []K
}

// Mermaid renders, in Mermaid flowchart syntax ("graph TD"), every node
// reachable from roots that has already been resolved within it. text
// supplies the label for each key; it must be injective over the nodes
// being rendered. A node whose result changed relative to the previous
// iteration is styled distinctly.
func Mermaid[K comparable, R any](it *qgraph.Iteration[K, R], roots []K, text func(K) string) ([]byte, error) {
	g := &depGraph[K, R]{it: it, text: text, nodes: collect(it, roots)}
	return mermaid.NewGraph[K, edge[K]](g).MarshalMermaid()
}

func collect[K comparable, R any](it *qgraph.Iteration[K, R], roots []K) []K {
	seen := make(map[K]bool)
	var order []K
	var visit func(K)
	visit = func(k K) {
		if seen[k] {
			return
		}
		seen[k] = true
		node, ok := it.Snapshot(k)
		if !ok {
			return
		}
		order = append(order, k)
		for child := range node.EdgesFrom {
			visit(child)
		}
	}
	for _, r := range roots {
		visit(r)
	}
	return order
}

func (g *depGraph[K, R]) AllNodes() []K { return g.nodes }

func (g *depGraph[K, R]) NodeInfo(k K) mermaid.NodeInfo {
	style := ""
	if node, ok := g.it.Snapshot(k); ok && node.Changed {
		style = "fill:#f96"
	}
	return mermaid.NodeInfo{
		ID:    fmt.Sprintf("n%d", indexOf(g.nodes, k)),
		Text:  g.text(k),
		Style: style,
	}
}

func (g *depGraph[K, R]) EdgesFrom(k K) ([]edge[K], bool) {
	node, ok := g.it.Snapshot(k)
	if !ok {
		return nil, false
	}
	edges := make([]edge[K], 0, len(node.EdgesFrom))
	for child := range node.EdgesFrom {
		edges = append(edges, edge[K]{from: k, to: child})
	}
	return edges, true
}

func (g *depGraph[K, R]) Nodes(e edge[K]) (from, to K) { return e.from, e.to }

func (g *depGraph[K, R]) CmpNode(a, b K) int {
	ta, tb := g.text(a), g.text(b)
	switch {
	case ta < tb:
		return -1
	case ta > tb:
		return 1
	default:
		return 0
	}
}

func indexOf[K comparable](nodes []K, k K) int {
	for i, n := range nodes {
		if n == k {
			return i
		}
	}
	return -1
}
