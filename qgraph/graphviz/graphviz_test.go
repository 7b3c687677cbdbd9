package graphviz

import (
	"strings"
	"testing"

	"github.com/rogpeppe/qgraph/qgraph"
)

type stringResolver map[string][]string

func (r stringResolver) Resolve(k string, ctx *qgraph.Context[string, string]) string {
	for _, dep := range r[k] {
		ctx.Query(dep)
	}
	return k + "-result"
}

func TestMermaidRendersReachableNodes(t *testing.T) {
	r := stringResolver{
		"foo": {"bar"},
		"bar": {"baz", "qux"},
	}
	it := qgraph.NewComparable[string, string](r)
	it.Query("foo")

	out, err := Mermaid(it, []string{"foo"}, func(k string) string { return k })
	if err != nil {
		t.Fatalf("Mermaid: %v", err)
	}
	s := string(out)
	if !strings.HasPrefix(s, "graph TD\n") {
		t.Fatalf("missing mermaid header: %s", s)
	}
	for _, want := range []string{"foo", "bar", "baz", "qux"} {
		if !strings.Contains(s, want) {
			t.Fatalf("diagram missing node %q:\n%s", want, s)
		}
	}
}

func TestMermaidSkipsUnresolvedNodes(t *testing.T) {
	r := stringResolver{"foo": {"bar"}}
	it := qgraph.NewComparable[string, string](r)
	// Never queried, so nothing is memoized and the diagram is empty.
	out, err := Mermaid(it, []string{"foo"}, func(k string) string { return k })
	if err != nil {
		t.Fatalf("Mermaid: %v", err)
	}
	if string(out) != "graph TD\n" {
		t.Fatalf("expected an empty diagram, got:\n%s", out)
	}
}
