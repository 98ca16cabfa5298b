// Package graph is a small in-memory property graph used by the reference
// server. Vertices and edges are kept in B-trees ordered by id, so scans are
// deterministic, and every vertex holds its incident edges for traversal.
package graph

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/tidwall/btree"

	"github.com/sanonone/graphwire/pkg/traversal"
	"github.com/sanonone/graphwire/pkg/wire"
)

var (
	ErrDuplicateID   = errors.New("graph: element id already exists")
	ErrUnsupportedID = errors.New("graph: unsupported id type")
	ErrNotFound      = errors.New("graph: element not found")
	// ErrCommit wraps the error of a commit callback passed to Evaluate.
	ErrCommit = errors.New("graph: commit failed")
)

// Ids of different types never collide: int32(1), int64(1) and "1" are three
// distinct ids.
const (
	kindInt32 uint8 = iota + 1
	kindInt64
	kindString
	kindUUID
)

type key struct {
	kind uint8
	num  int64
	str  string
}

func (a key) less(b key) bool {
	if a.kind != b.kind {
		return a.kind < b.kind
	}
	if a.num != b.num {
		return a.num < b.num
	}
	return a.str < b.str
}

func keyOf(id any) (key, error) {
	switch v := id.(type) {
	case int32:
		return key{kind: kindInt32, num: int64(v)}, nil
	case int64:
		return key{kind: kindInt64, num: v}, nil
	case string:
		return key{kind: kindString, str: v}, nil
	case uuid.UUID:
		return key{kind: kindUUID, str: v.String()}, nil
	}
	return key{}, fmt.Errorf("%w: %T", ErrUnsupportedID, id)
}

// property is one named property. Vertex properties may hold several values;
// edge properties hold exactly one.
type property struct {
	name   string
	values []any
}

type properties []property

func (ps properties) get(name string) ([]any, bool) {
	for _, p := range ps {
		if p.name == name {
			return p.values, true
		}
	}
	return nil, false
}

func (ps properties) clone() properties {
	out := make(properties, len(ps))
	for i, p := range ps {
		out[i] = property{name: p.name, values: append([]any(nil), p.values...)}
	}
	return out
}

func (ps *properties) set(name string, card traversal.Cardinality, value any) {
	for i, p := range *ps {
		if p.name != name {
			continue
		}
		switch card {
		case traversal.List:
			(*ps)[i].values = append(p.values, value)
		case traversal.Set:
			for _, v := range p.values {
				if v == value {
					return
				}
			}
			(*ps)[i].values = append(p.values, value)
		default:
			(*ps)[i].values = []any{value}
		}
		return
	}
	*ps = append(*ps, property{name: name, values: []any{value}})
}

// Vertex is a labeled node.
type Vertex struct {
	ID    any
	Label string

	key   key
	props properties
	out   []*Edge
	in    []*Edge
}

// Edge is a directed, labeled relationship.
type Edge struct {
	ID    any
	Label string
	Out   *Vertex
	In    *Vertex

	key   key
	props properties
}

// Property returns the values stored under name.
func (v *Vertex) Property(name string) ([]any, bool) { return v.props.get(name) }

// Property returns the value stored under name.
func (e *Edge) Property(name string) (any, bool) {
	vals, ok := e.props.get(name)
	if !ok || len(vals) == 0 {
		return nil, false
	}
	return vals[0], true
}

// Ref returns the wire representation of v.
func (v *Vertex) Ref() wire.Vertex { return wire.Vertex{ID: v.ID, Label: v.Label} }

// Ref returns the wire representation of e.
func (e *Edge) Ref() wire.Edge {
	return wire.Edge{ID: e.ID, Label: e.Label, OutV: e.Out.ID, InV: e.In.ID}
}

// Graph is safe for concurrent use. Evaluate runs a whole traversal under one
// lock, so each traversal sees and produces a consistent graph.
type Graph struct {
	mu       sync.RWMutex
	vertices *btree.BTreeG[*Vertex]
	edges    *btree.BTreeG[*Edge]
	nextID   int64
}

// New creates an empty graph.
func New() *Graph {
	return &Graph{
		vertices: btree.NewBTreeG[*Vertex](func(a, b *Vertex) bool { return a.key.less(b.key) }),
		edges:    btree.NewBTreeG[*Edge](func(a, b *Edge) bool { return a.key.less(b.key) }),
	}
}

// Counts returns the number of vertices and edges.
func (g *Graph) Counts() (vertices, edges int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.vertices.Len(), g.edges.Len()
}

// Evaluate runs expr against the graph and returns its results in wire form.
//
// A traversal that mutates the graph is applied atomically: if any step
// fails, every change it made is undone. For such traversals commit, when
// not nil, runs under the write lock after evaluation succeeds, so commits
// happen in the same order as the changes they record. A commit error also
// undoes the changes and is returned wrapped in ErrCommit.
func (g *Graph) Evaluate(expr *traversal.Expression, commit func() error) ([]any, error) {
	if !expr.Mutates() {
		g.mu.RLock()
		defer g.mu.RUnlock()
		return g.evaluate(expr, nil)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	u := &undoLog{}
	nextID := g.nextID
	results, err := g.evaluate(expr, u)
	if err == nil && commit != nil {
		if cerr := commit(); cerr != nil {
			err = fmt.Errorf("%w: %w", ErrCommit, cerr)
		}
	}
	if err != nil {
		u.rollback()
		g.nextID = nextID
		return nil, err
	}
	return results, nil
}

func (g *Graph) evaluate(expr *traversal.Expression, u *undoLog) ([]any, error) {
	ev := &evaluator{g: g, undo: u}
	out, err := ev.run(expr, nil)
	if err != nil {
		return nil, err
	}
	results := make([]any, len(out))
	for i, t := range out {
		results[i] = toWire(t.obj)
	}
	return results, nil
}

// undoLog records how to reverse each change made by one traversal.
type undoLog struct {
	steps []func()
}

func (u *undoLog) push(fn func()) {
	if u != nil {
		u.steps = append(u.steps, fn)
	}
}

func (u *undoLog) rollback() {
	for i := len(u.steps) - 1; i >= 0; i-- {
		u.steps[i]()
	}
	u.steps = nil
}

// generateID returns the next free int64 id.
func (g *Graph) generateID(exists func(key) bool) int64 {
	for {
		g.nextID++
		if !exists(key{kind: kindInt64, num: g.nextID}) {
			return g.nextID
		}
	}
}

func (g *Graph) vertex(id any) (*Vertex, bool) {
	k, err := keyOf(id)
	if err != nil {
		return nil, false
	}
	return g.vertices.Get(&Vertex{key: k})
}

func (g *Graph) edge(id any) (*Edge, bool) {
	k, err := keyOf(id)
	if err != nil {
		return nil, false
	}
	return g.edges.Get(&Edge{key: k})
}

func (g *Graph) hasVertex(k key) bool {
	_, ok := g.vertices.Get(&Vertex{key: k})
	return ok
}

func (g *Graph) hasEdge(k key) bool {
	_, ok := g.edges.Get(&Edge{key: k})
	return ok
}

func (g *Graph) addVertex(u *undoLog, label string) *Vertex {
	id := g.generateID(g.hasVertex)
	v := &Vertex{ID: id, Label: label, key: key{kind: kindInt64, num: id}}
	g.vertices.Set(v)
	u.push(func() { g.vertices.Delete(v) })
	return v
}

func (g *Graph) addEdge(u *undoLog, label string, out, in *Vertex) *Edge {
	id := g.generateID(g.hasEdge)
	e := &Edge{ID: id, Label: label, Out: out, In: in, key: key{kind: kindInt64, num: id}}
	g.edges.Set(e)
	out.out = append(out.out, e)
	in.in = append(in.in, e)
	u.push(func() {
		g.edges.Delete(e)
		out.out = without(out.out, e)
		in.in = without(in.in, e)
	})
	return e
}

// setVertexID re-keys a vertex, as done by property(T.id, x).
func (g *Graph) setVertexID(u *undoLog, v *Vertex, id any) error {
	k, err := keyOf(id)
	if err != nil {
		return err
	}
	if k == v.key {
		return nil
	}
	if g.hasVertex(k) {
		return fmt.Errorf("%w: vertex %v", ErrDuplicateID, id)
	}
	oldID, oldKey := v.ID, v.key
	g.vertices.Delete(v)
	v.ID, v.key = id, k
	g.vertices.Set(v)
	u.push(func() {
		g.vertices.Delete(v)
		v.ID, v.key = oldID, oldKey
		g.vertices.Set(v)
	})
	return nil
}

func (g *Graph) setEdgeID(u *undoLog, e *Edge, id any) error {
	k, err := keyOf(id)
	if err != nil {
		return err
	}
	if k == e.key {
		return nil
	}
	if g.hasEdge(k) {
		return fmt.Errorf("%w: edge %v", ErrDuplicateID, id)
	}
	oldID, oldKey := e.ID, e.key
	g.edges.Delete(e)
	e.ID, e.key = id, k
	g.edges.Set(e)
	u.push(func() {
		g.edges.Delete(e)
		e.ID, e.key = oldID, oldKey
		g.edges.Set(e)
	})
	return nil
}

// setProperty updates one property of an element's property list.
func (g *Graph) setProperty(u *undoLog, ps *properties, name string, card traversal.Cardinality, value any) {
	old := ps.clone()
	ps.set(name, card, value)
	u.push(func() { *ps = old })
}

func (g *Graph) dropVertex(u *undoLog, v *Vertex) {
	if _, ok := g.vertices.Delete(v); !ok {
		return
	}
	u.push(func() { g.vertices.Set(v) })
	for _, e := range append(append([]*Edge(nil), v.out...), v.in...) {
		g.dropEdge(u, e)
	}
}

func (g *Graph) dropEdge(u *undoLog, e *Edge) {
	if _, ok := g.edges.Delete(e); !ok {
		return
	}
	outs, ins := e.Out.out, e.In.in
	e.Out.out = without(outs, e)
	e.In.in = without(ins, e)
	u.push(func() {
		g.edges.Set(e)
		e.Out.out, e.In.in = outs, ins
	})
}

// without returns a copy of edges minus e. It never writes to the backing
// array of edges, which an undo step may still hold.
func without(edges []*Edge, e *Edge) []*Edge {
	out := make([]*Edge, 0, len(edges))
	for _, x := range edges {
		if x != e {
			out = append(out, x)
		}
	}
	return out
}

func (g *Graph) scanVertices(fn func(*Vertex) bool) { g.vertices.Scan(fn) }
func (g *Graph) scanEdges(fn func(*Edge) bool)      { g.edges.Scan(fn) }
