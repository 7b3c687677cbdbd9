// Command compiler is a port of the incremental-compiler front end the
// engine's query/result shapes were originally demonstrated against: a
// document store backing three queries (the set of known documents, the
// syntax tree for one document, and the semantic model built from every
// document's syntax tree) where the semantic model's sub-queries fan out
// concurrently.
package main

import (
	"context"
	"fmt"
	"hash/maphash"
	"sort"
	"sync"

	"github.com/google/go-cmp/cmp"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"

	"github.com/rogpeppe/qgraph/anyunique"
	"github.com/rogpeppe/qgraph/batch"
	"github.com/rogpeppe/qgraph/qgraph"
	"github.com/rogpeppe/qgraph/qgraph/graphviz"
)

type stringHasher struct{}

func (stringHasher) Hash(h *maphash.Hash, s string) { maphash.WriteString(h, s) }
func (stringHasher) Equal(a, b string) bool         { return a == b }

// content canonicalizes syntax-tree text: re-parsing the same content
// (across documents, or across increments) yields the same backing
// string instead of a fresh allocation.
var content = anyunique.New[string](stringHasher{})

// contentMu serializes calls to content.Make, which is not safe for
// concurrent use, across concurrently resolving syntax-tree queries.
var contentMu sync.Mutex

// Document is one source file tracked by the compiler state.
type Document struct {
	Path    string
	Content string
}

// SyntaxTree is the (trivially "parsed") representation of a Document.
type SyntaxTree struct {
	Content string
}

// Query is the closed set of questions CompilerState knows how to
// answer, modeled as a sealed interface the way qgraph's Resolver
// expects a comparable key: every implementation below is a small
// comparable struct, so Query itself satisfies comparable at runtime.
type Query interface {
	isQuery()
}

type AllDocumentsQuery struct{}

func (AllDocumentsQuery) isQuery() {}

type SyntaxTreeQuery struct{ Path string }

func (SyntaxTreeQuery) isQuery() {}

type SemanticModelQuery struct{}

func (SemanticModelQuery) isQuery() {}

// QueryResult is the closed set of answers, one variant per Query
// variant above.
type QueryResult interface {
	isQueryResult()
}

type AllDocumentsResult struct{ Paths []string }

func (AllDocumentsResult) isQueryResult() {}

type SyntaxTreeResult struct{ Tree SyntaxTree }

func (SyntaxTreeResult) isQueryResult() {}

type SemanticModelResult struct{ Trees []SyntaxTree }

func (SemanticModelResult) isQueryResult() {}

func resultsEqual(a, b QueryResult) bool {
	return cmp.Equal(a, b)
}

// CompilerState is one immutable snapshot of the documents known to the
// compiler. It implements qgraph.Resolver directly, the same way the
// original example's CompilerState implements its resolve trait: a
// resolver is just a value with read access to some state.
type CompilerState struct {
	documents *xsync.MapOf[string, Document]
	// loader coalesces syntax-tree parses that land concurrently (the
	// semantic model's fan-out below) into batches, the way a real
	// front end might coalesce concurrent disk reads.
	loader *batch.Caller[string, Document]
}

func NewCompilerState() *CompilerState {
	s := &CompilerState{documents: xsync.NewMapOf[string, Document]()}
	s.loader = batch.NewCaller[string, Document](4, 0)
	return s
}

func (s *CompilerState) AddDocument(doc Document) {
	s.documents.Store(doc.Path, doc)
}

func (s *CompilerState) loadBatch(paths ...string) ([]Document, error) {
	docs := make([]Document, len(paths))
	for i, path := range paths {
		doc, ok := s.documents.Load(path)
		if !ok {
			return nil, fmt.Errorf("compiler: unknown document %q", path)
		}
		docs[i] = doc
	}
	return docs, nil
}

func (s *CompilerState) Resolve(q Query, ctx *qgraph.Context[Query, QueryResult]) QueryResult {
	switch q := q.(type) {
	case AllDocumentsQuery:
		var paths []string
		s.documents.Range(func(path string, _ Document) bool {
			paths = append(paths, path)
			return true
		})
		sort.Strings(paths)
		return AllDocumentsResult{Paths: paths}

	case SyntaxTreeQuery:
		doc, err := s.loader.Do(q.Path, s.loadBatch)
		if err != nil {
			panic(err)
		}
		contentMu.Lock()
		text := content.Make(doc.Content).Value()
		contentMu.Unlock()
		return SyntaxTreeResult{Tree: SyntaxTree{Content: text}}

	case SemanticModelQuery:
		all := ctx.Query(AllDocumentsQuery{}).(AllDocumentsResult)
		trees := make([]SyntaxTree, len(all.Paths))
		g, gctx := errgroup.WithContext(context.Background())
		for i, path := range all.Paths {
			i, path := i, path
			g.Go(func() error {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				tree := ctx.Query(SyntaxTreeQuery{Path: path}).(SyntaxTreeResult)
				trees[i] = tree.Tree
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			panic(err)
		}
		return SemanticModelResult{Trees: trees}

	default:
		panic(fmt.Sprintf("compiler: unknown query %T", q))
	}
}

func main() {
	state := NewCompilerState()
	state.AddDocument(Document{Path: "index.html", Content: "<h1></h1>"})

	g0 := qgraph.New[Query, QueryResult](state, resultsEqual)

	model := g0.Query(SemanticModelQuery{}).(SemanticModelResult)
	fmt.Printf("%#v\n", model)

	state2 := NewCompilerState()
	state2.AddDocument(Document{Path: "index.html", Content: "<h1>Hello, world!</h1>"})

	g1 := g0.Increment(state2)

	model2 := g1.Query(SemanticModelQuery{}).(SemanticModelResult)
	fmt.Printf("%#v\n", model2)

	diagram, err := graphviz.Mermaid(g1, []Query{SemanticModelQuery{}}, queryText)
	if err != nil {
		panic(err)
	}
	fmt.Println(string(diagram))
}

func queryText(q Query) string {
	switch q := q.(type) {
	case AllDocumentsQuery:
		return "AllDocuments"
	case SyntaxTreeQuery:
		return "SyntaxTree(" + q.Path + ")"
	case SemanticModelQuery:
		return "SemanticModel"
	default:
		return fmt.Sprintf("%v", q)
	}
}
