// Package traversal provides the fluent builder used to compose graph
// traversals.
//
// A Traversal is append-only: every step method returns a new Traversal and
// leaves the receiver untouched, so a partially built traversal can be reused
// as a prefix for several queries.
//
//	g := traversal.NewSource(client)
//	titles, err := g.V("p1").Out("watched").Values("title").ToList(ctx)
//
// Anonymous sub-traversals (for By, From, To and friends) are started from
// package anon.
package traversal

import (
	"context"
	"errors"
)

// ErrNoResult is returned by Next when the traversal produced nothing.
var ErrNoResult = errors.New("traversal produced no result")

// ErrUnbound is returned by terminal steps on a traversal that has no Submitter,
// such as an anonymous one.
var ErrUnbound = errors.New("traversal is not bound to a remote connection")

// Submitter sends an expression to the endpoint and waits for every result.
type Submitter interface {
	Submit(ctx context.Context, expr *Expression) ([]any, error)
}

// Source spawns traversals bound to a Submitter. It is the "g" of a query.
type Source struct {
	sub Submitter
}

// NewSource binds a traversal source to sub.
func NewSource(sub Submitter) *Source {
	return &Source{sub: sub}
}

func (g *Source) start() *Traversal { return &Traversal{sub: g.sub} }

// AddV starts a traversal that creates a vertex.
func (g *Source) AddV(label string) *Traversal { return g.start().AddV(label) }

// AddE starts a traversal that creates an edge.
func (g *Source) AddE(label string) *Traversal { return g.start().AddE(label) }

// V starts a traversal over vertices, optionally restricted to ids.
func (g *Source) V(ids ...any) *Traversal { return g.start().V(ids...) }

// E starts a traversal over edges, optionally restricted to ids.
func (g *Source) E(ids ...any) *Traversal { return g.start().E(ids...) }

// Inject starts a traversal from literal values.
func (g *Source) Inject(values ...any) *Traversal { return g.start().add("inject", values...) }

// Traversal is an immutable, append-only step sequence.
type Traversal struct {
	steps []Step
	sub   Submitter
}

// Anonymous returns an empty traversal not bound to any Submitter.
func Anonymous() *Traversal { return &Traversal{} }

func (t *Traversal) add(name string, args ...any) *Traversal {
	vals := make([]Value, len(args))
	for i, a := range args {
		vals[i] = ValueOf(a)
	}
	return t.addValues(name, vals)
}

func (t *Traversal) addValues(name string, vals []Value) *Traversal {
	steps := make([]Step, len(t.steps), len(t.steps)+1)
	copy(steps, t.steps)
	steps = append(steps, Step{Name: name, Args: vals})
	return &Traversal{steps: steps, sub: t.sub}
}

// refs converts plain strings to alias references; anything else is kept as is.
func refs(args []any) []Value {
	vals := make([]Value, len(args))
	for i, a := range args {
		if s, ok := a.(string); ok {
			vals[i] = AliasRef(s)
			continue
		}
		vals[i] = ValueOf(a)
	}
	return vals
}

func (t *Traversal) AddV(label string) *Traversal { return t.add("addV", label) }
func (t *Traversal) AddE(label string) *Traversal { return t.add("addE", label) }
func (t *Traversal) V(ids ...any) *Traversal      { return t.add("V", ids...) }
func (t *Traversal) E(ids ...any) *Traversal      { return t.add("E", ids...) }

// Property sets a property: Property(key, value) or
// Property(cardinality, key, value). key may be the ID token to assign the
// element id.
func (t *Traversal) Property(args ...any) *Traversal { return t.add("property", args...) }

// From sets the edge source. ref is a step label defined by As or an
// anonymous traversal selecting the vertex.
func (t *Traversal) From(ref any) *Traversal { return t.addValues("from", refs([]any{ref})) }

// To sets the edge target, see From.
func (t *Traversal) To(ref any) *Traversal { return t.addValues("to", refs([]any{ref})) }

func (t *Traversal) Has(key string, value any) *Traversal { return t.add("has", key, value) }
func (t *Traversal) HasLabel(labels ...any) *Traversal    { return t.add("hasLabel", labels...) }
func (t *Traversal) HasID(ids ...any) *Traversal          { return t.add("hasId", ids...) }

// Project emits one map per traverser keyed by keys; each key is filled by the
// matching By modulator, in order.
func (t *Traversal) Project(keys ...any) *Traversal { return t.add("project", keys...) }

// By modulates the previous step with a property key, a token or an
// anonymous traversal.
func (t *Traversal) By(arg any) *Traversal { return t.add("by", arg) }

func (t *Traversal) Limit(n int64) *Traversal         { return t.add("limit", n) }
func (t *Traversal) Out(labels ...any) *Traversal     { return t.add("out", labels...) }
func (t *Traversal) In(labels ...any) *Traversal      { return t.add("in", labels...) }
func (t *Traversal) OutE(labels ...any) *Traversal    { return t.add("outE", labels...) }
func (t *Traversal) InE(labels ...any) *Traversal     { return t.add("inE", labels...) }
func (t *Traversal) OutV() *Traversal                 { return t.add("outV") }
func (t *Traversal) InV() *Traversal                  { return t.add("inV") }
func (t *Traversal) Values(keys ...any) *Traversal    { return t.add("values", keys...) }
func (t *Traversal) As(alias string) *Traversal       { return t.add("as", alias) }
func (t *Traversal) Select(aliases ...any) *Traversal { return t.addValues("select", refs(aliases)) }
func (t *Traversal) Fold() *Traversal                 { return t.add("fold") }
func (t *Traversal) Count() *Traversal                { return t.add("count") }
func (t *Traversal) ID() *Traversal                   { return t.add("id") }
func (t *Traversal) Label() *Traversal                { return t.add("label") }
func (t *Traversal) Dedup() *Traversal                { return t.add("dedup") }
func (t *Traversal) Drop() *Traversal                 { return t.add("drop") }

// ValueMap emits the property map of each element. A leading bool argument
// asks for the id and label tokens to be included; the remaining arguments
// restrict the property keys.
func (t *Traversal) ValueMap(args ...any) *Traversal { return t.add("valueMap", args...) }

// Bytecode returns the expression built so far.
func (t *Traversal) Bytecode() *Expression {
	steps := make([]Step, len(t.steps))
	copy(steps, t.steps)
	return &Expression{Steps: steps}
}

func (t *Traversal) String() string { return t.Bytecode().String() }

// ToList submits the traversal and collects every result, across all
// streamed frames, in arrival order.
func (t *Traversal) ToList(ctx context.Context) ([]any, error) {
	if t.sub == nil {
		return nil, ErrUnbound
	}
	return t.sub.Submit(ctx, t.Bytecode())
}

// Next submits the traversal and returns its first result.
func (t *Traversal) Next(ctx context.Context) (any, error) {
	results, err := t.ToList(ctx)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, ErrNoResult
	}
	return results[0], nil
}

// Iterate submits the traversal for its side effects and discards results.
func (t *Traversal) Iterate(ctx context.Context) error {
	_, err := t.ToList(ctx)
	return err
}
