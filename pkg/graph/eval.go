package graph

import (
	"fmt"

	"github.com/sanonone/graphwire/pkg/traversal"
	"github.com/sanonone/graphwire/pkg/wire"
)

// traverser is one object flowing through the steps, plus the labels
// recorded along its path by as().
type traverser struct {
	obj    any
	labels map[string]any
}

func (t traverser) with(obj any) traverser { return traverser{obj: obj, labels: t.labels} }

func (t traverser) label(name string) traverser {
	labels := make(map[string]any, len(t.labels)+1)
	for k, v := range t.labels {
		labels[k] = v
	}
	labels[name] = t.obj
	return traverser{obj: t.obj, labels: labels}
}

type evaluator struct {
	g *Graph
	// undo is nil for read-only traversals.
	undo *undoLog
}

// run evaluates expr once per seed traverser. A nil seed starts from a single
// empty traverser, which is what start steps such as V() and addV() expect.
func (ev *evaluator) run(expr *traversal.Expression, seed []traverser) ([]traverser, error) {
	cur := seed
	if cur == nil {
		cur = []traverser{{}}
	}
	steps := expr.Steps
	for i := 0; i < len(steps); i++ {
		step := steps[i]
		var err error
		switch step.Name {
		case "V":
			cur, err = ev.vertices(cur, step.Args)
		case "E":
			cur, err = ev.edges(cur, step.Args)
		case "addV":
			cur, err = ev.addV(cur, step.Args)
		case "addE":
			var mods []traversal.Step
			mods, i = modulators(steps, i, "from", "to")
			cur, err = ev.addE(cur, step.Args, mods)
		case "property":
			cur, err = ev.property(cur, step.Args)
		case "has":
			cur, err = ev.has(cur, step.Args)
		case "hasLabel":
			cur, err = filterArgs(cur, step.Args, func(t traverser, want any) bool {
				l, ok := labelOf(t.obj)
				return ok && l == want
			})
		case "hasId":
			cur, err = filterArgs(cur, step.Args, func(t traverser, want any) bool {
				id, ok := idOf(t.obj)
				return ok && sameID(id, want)
			})
		case "project":
			var mods []traversal.Step
			mods, i = modulators(steps, i, "by")
			cur, err = ev.project(cur, step.Args, mods)
		case "limit":
			cur, err = limit(cur, step.Args)
		case "out", "in", "outE", "inE":
			cur, err = adjacent(cur, step.Name, step.Args)
		case "outV", "inV":
			cur, err = endpoints(cur, step.Name)
		case "values":
			cur, err = values(cur, step.Args)
		case "valueMap":
			cur, err = valueMaps(cur, step.Args)
		case "as":
			cur, err = labelAll(cur, step.Args)
		case "select":
			cur, err = selectLabels(cur, step.Args)
		case "fold":
			list := make([]any, len(cur))
			for j, t := range cur {
				list[j] = t.obj
			}
			cur = []traverser{{obj: list}}
		case "count":
			cur = []traverser{{obj: int64(len(cur))}}
		case "id":
			cur, err = mapElements(cur, "id", idOf)
		case "label":
			cur, err = mapElements(cur, "label", func(obj any) (any, bool) {
				l, ok := labelOf(obj)
				return l, ok
			})
		case "dedup":
			cur = dedup(cur)
		case "drop":
			cur, err = ev.drop(cur)
		case "inject":
			cur = inject(cur, step.Args)
		case "by", "from", "to":
			err = fmt.Errorf("%s() must follow the step it modulates", step.Name)
		default:
			err = fmt.Errorf("unsupported step %q", step.Name)
		}
		if err != nil {
			return nil, fmt.Errorf("step %d (%s): %w", i, step.Name, err)
		}
	}
	return cur, nil
}

// modulators collects the steps named in names that directly follow steps[i]
// and returns them with the index of the last one consumed.
func modulators(steps []traversal.Step, i int, names ...string) ([]traversal.Step, int) {
	var mods []traversal.Step
	for i+1 < len(steps) && contains(names, steps[i+1].Name) {
		i++
		mods = append(mods, steps[i])
	}
	return mods, i
}

func contains(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// sub evaluates a nested traversal seeded with t.
func (ev *evaluator) sub(t traverser, expr *traversal.Expression) ([]traverser, error) {
	return ev.run(expr, []traverser{t})
}

func (ev *evaluator) vertices(cur []traverser, args []traversal.Value) ([]traverser, error) {
	var next []traverser
	for _, t := range cur {
		if len(args) == 0 {
			ev.g.scanVertices(func(v *Vertex) bool {
				next = append(next, t.with(v))
				return true
			})
			continue
		}
		for _, arg := range args {
			if v, ok := ev.g.vertex(arg.Interface()); ok {
				next = append(next, t.with(v))
			}
		}
	}
	return next, nil
}

func (ev *evaluator) edges(cur []traverser, args []traversal.Value) ([]traverser, error) {
	var next []traverser
	for _, t := range cur {
		if len(args) == 0 {
			ev.g.scanEdges(func(e *Edge) bool {
				next = append(next, t.with(e))
				return true
			})
			continue
		}
		for _, arg := range args {
			if e, ok := ev.g.edge(arg.Interface()); ok {
				next = append(next, t.with(e))
			}
		}
	}
	return next, nil
}

func (ev *evaluator) addV(cur []traverser, args []traversal.Value) ([]traverser, error) {
	label := "vertex"
	if len(args) > 0 {
		if args[0].Kind != traversal.KindString {
			return nil, fmt.Errorf("label must be a string, got %s", args[0].Kind)
		}
		label = args[0].Str
	}
	next := make([]traverser, 0, len(cur))
	for _, t := range cur {
		next = append(next, t.with(ev.g.addVertex(ev.undo, label)))
	}
	return next, nil
}

func (ev *evaluator) addE(cur []traverser, args []traversal.Value, mods []traversal.Step) ([]traverser, error) {
	if len(args) != 1 || args[0].Kind != traversal.KindString {
		return nil, fmt.Errorf("expected a single string label")
	}
	label := args[0].Str

	next := make([]traverser, 0, len(cur))
	for _, t := range cur {
		from, _ := t.obj.(*Vertex)
		to, _ := t.obj.(*Vertex)
		for _, m := range mods {
			if len(m.Args) != 1 {
				return nil, fmt.Errorf("%s() takes exactly one argument", m.Name)
			}
			v, err := ev.endpoint(t, m.Args[0])
			if err != nil {
				return nil, fmt.Errorf("%s(): %w", m.Name, err)
			}
			if m.Name == "from" {
				from = v
			} else {
				to = v
			}
		}
		if from == nil || to == nil {
			return nil, fmt.Errorf("edge %q needs both endpoints", label)
		}
		next = append(next, t.with(ev.g.addEdge(ev.undo, label, from, to)))
	}
	return next, nil
}

func (ev *evaluator) endpoint(t traverser, arg traversal.Value) (*Vertex, error) {
	var obj any
	switch arg.Kind {
	case traversal.KindAlias, traversal.KindString:
		labeled, ok := t.labels[arg.Str]
		if !ok {
			return nil, fmt.Errorf("no step labeled %q on this path", arg.Str)
		}
		obj = labeled
	case traversal.KindTraversal:
		res, err := ev.sub(t, arg.Traversal)
		if err != nil {
			return nil, err
		}
		if len(res) == 0 {
			return nil, fmt.Errorf("%s matched no vertex", arg.Traversal)
		}
		obj = res[0].obj
	default:
		v, ok := ev.g.vertex(arg.Interface())
		if !ok {
			return nil, fmt.Errorf("vertex %v: %w", arg.Interface(), ErrNotFound)
		}
		obj = v
	}
	v, ok := obj.(*Vertex)
	if !ok {
		return nil, fmt.Errorf("expected a vertex, got %T", obj)
	}
	return v, nil
}

func (ev *evaluator) property(cur []traverser, args []traversal.Value) ([]traverser, error) {
	card := traversal.Single
	explicit := false
	if len(args) > 0 && args[0].Kind == traversal.KindCardinality {
		card, explicit = traversal.Cardinality(args[0].Int), true
		args = args[1:]
	}
	if len(args) != 2 {
		return nil, fmt.Errorf("expected a key and a value, got %d arguments", len(args))
	}
	keyArg, valArg := args[0], args[1]

	for _, t := range cur {
		value, err := ev.propertyValue(t, valArg)
		if err != nil {
			return nil, err
		}
		switch keyArg.Kind {
		case traversal.KindToken:
			if traversal.Token(keyArg.Int) != traversal.ID {
				return nil, fmt.Errorf("only T.id can be set, not %s", traversal.Token(keyArg.Int))
			}
			switch el := t.obj.(type) {
			case *Vertex:
				err = ev.g.setVertexID(ev.undo, el, value)
			case *Edge:
				err = ev.g.setEdgeID(ev.undo, el, value)
			default:
				err = fmt.Errorf("expected an element, got %T", t.obj)
			}
			if err != nil {
				return nil, err
			}
		case traversal.KindString:
			switch el := t.obj.(type) {
			case *Vertex:
				ev.g.setProperty(ev.undo, &el.props, keyArg.Str, card, value)
			case *Edge:
				if explicit && card != traversal.Single {
					return nil, fmt.Errorf("edge properties are single valued")
				}
				ev.g.setProperty(ev.undo, &el.props, keyArg.Str, traversal.Single, value)
			default:
				return nil, fmt.Errorf("expected an element, got %T", t.obj)
			}
		default:
			return nil, fmt.Errorf("property key must be a string or T.id, got %s", keyArg.Kind)
		}
	}
	return cur, nil
}

func (ev *evaluator) propertyValue(t traverser, arg traversal.Value) (any, error) {
	switch arg.Kind {
	case traversal.KindString, traversal.KindInt32, traversal.KindInt64,
		traversal.KindFloat32, traversal.KindFloat64, traversal.KindBool, traversal.KindUUID:
		return arg.Interface(), nil
	case traversal.KindTraversal:
		res, err := ev.sub(t, arg.Traversal)
		if err != nil {
			return nil, err
		}
		if len(res) == 0 {
			return nil, fmt.Errorf("%s produced no value", arg.Traversal)
		}
		return ev.propertyValue(t, traversal.ValueOf(res[0].obj))
	}
	return nil, fmt.Errorf("%s is not a property value", arg.Kind)
}

func (ev *evaluator) has(cur []traverser, args []traversal.Value) ([]traverser, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("expected a key and a value, got %d arguments", len(args))
	}
	keyArg, want := args[0], args[1].Interface()
	if args[1].Kind == traversal.KindTraversal || args[1].Kind == traversal.KindUnsupported {
		return nil, fmt.Errorf("predicates are not supported")
	}

	var next []traverser
	for _, t := range cur {
		var match bool
		switch keyArg.Kind {
		case traversal.KindToken:
			switch traversal.Token(keyArg.Int) {
			case traversal.ID:
				id, ok := idOf(t.obj)
				match = ok && sameID(id, want)
			case traversal.Label:
				l, ok := labelOf(t.obj)
				match = ok && l == want
			}
		case traversal.KindString:
			for _, v := range propertyValues(t.obj, keyArg.Str) {
				if v == want {
					match = true
					break
				}
			}
		default:
			return nil, fmt.Errorf("key must be a string or a token, got %s", keyArg.Kind)
		}
		if match {
			next = append(next, t)
		}
	}
	return next, nil
}

func filterArgs(cur []traverser, args []traversal.Value, match func(traverser, any) bool) ([]traverser, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("expected at least one argument")
	}
	var next []traverser
	for _, t := range cur {
		for _, arg := range args {
			if match(t, arg.Interface()) {
				next = append(next, t)
				break
			}
		}
	}
	return next, nil
}

func (ev *evaluator) project(cur []traverser, args []traversal.Value, bys []traversal.Step) ([]traverser, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("expected at least one key")
	}
	keys := make([]string, len(args))
	for i, a := range args {
		if a.Kind != traversal.KindString {
			return nil, fmt.Errorf("project keys must be strings, got %s", a.Kind)
		}
		keys[i] = a.Str
	}
	if len(bys) > len(keys) {
		return nil, fmt.Errorf("%d by() modulators for %d keys", len(bys), len(keys))
	}

	next := make([]traverser, 0, len(cur))
	for _, t := range cur {
		m := &wire.Map{}
		for i, k := range keys {
			v := t.obj
			if i < len(bys) {
				var err error
				if v, err = ev.by(t, bys[i].Args); err != nil {
					return nil, fmt.Errorf("by(%s): %w", k, err)
				}
			}
			m.Put(k, toWire(v))
		}
		next = append(next, t.with(m))
	}
	return next, nil
}

// by resolves one modulator against t: identity, a property key, a token or
// a nested traversal whose first result is taken.
func (ev *evaluator) by(t traverser, args []traversal.Value) (any, error) {
	if len(args) == 0 {
		return t.obj, nil
	}
	if len(args) > 1 {
		return nil, fmt.Errorf("expected at most one argument")
	}
	arg := args[0]
	switch arg.Kind {
	case traversal.KindString:
		vals := propertyValues(t.obj, arg.Str)
		if len(vals) == 0 {
			return nil, fmt.Errorf("%s has no property %q", describe(t.obj), arg.Str)
		}
		return vals[0], nil
	case traversal.KindToken:
		var v any
		var ok bool
		if traversal.Token(arg.Int) == traversal.ID {
			v, ok = idOf(t.obj)
		} else {
			v, ok = labelOf(t.obj)
		}
		if !ok {
			return nil, fmt.Errorf("%s has no %s", describe(t.obj), traversal.Token(arg.Int))
		}
		return v, nil
	case traversal.KindTraversal:
		res, err := ev.sub(t, arg.Traversal)
		if err != nil {
			return nil, err
		}
		if len(res) == 0 {
			return nil, fmt.Errorf("%s produced no result", arg.Traversal)
		}
		return res[0].obj, nil
	}
	return nil, fmt.Errorf("unsupported argument %s", arg.Kind)
}

func limit(cur []traverser, args []traversal.Value) ([]traverser, error) {
	if len(args) != 1 || (args[0].Kind != traversal.KindInt64 && args[0].Kind != traversal.KindInt32) {
		return nil, fmt.Errorf("expected one integer")
	}
	n := args[0].Int
	if n < 0 {
		return nil, fmt.Errorf("negative limit %d", n)
	}
	if int64(len(cur)) > n {
		cur = cur[:n]
	}
	return cur, nil
}

func labelSet(args []traversal.Value) (map[string]bool, error) {
	if len(args) == 0 {
		return nil, nil
	}
	set := make(map[string]bool, len(args))
	for _, a := range args {
		if a.Kind != traversal.KindString {
			return nil, fmt.Errorf("edge labels must be strings, got %s", a.Kind)
		}
		set[a.Str] = true
	}
	return set, nil
}

func adjacent(cur []traverser, dir string, args []traversal.Value) ([]traverser, error) {
	labels, err := labelSet(args)
	if err != nil {
		return nil, err
	}
	var next []traverser
	for _, t := range cur {
		v, ok := t.obj.(*Vertex)
		if !ok {
			return nil, fmt.Errorf("expected a vertex, got %s", describe(t.obj))
		}
		incident := v.out
		if dir == "in" || dir == "inE" {
			incident = v.in
		}
		for _, e := range incident {
			if labels != nil && !labels[e.Label] {
				continue
			}
			switch dir {
			case "out":
				next = append(next, t.with(e.In))
			case "in":
				next = append(next, t.with(e.Out))
			default:
				next = append(next, t.with(e))
			}
		}
	}
	return next, nil
}

func endpoints(cur []traverser, dir string) ([]traverser, error) {
	next := make([]traverser, 0, len(cur))
	for _, t := range cur {
		e, ok := t.obj.(*Edge)
		if !ok {
			return nil, fmt.Errorf("expected an edge, got %s", describe(t.obj))
		}
		if dir == "outV" {
			next = append(next, t.with(e.Out))
		} else {
			next = append(next, t.with(e.In))
		}
	}
	return next, nil
}

func stringArgs(args []traversal.Value) ([]string, error) {
	out := make([]string, len(args))
	for i, a := range args {
		if a.Kind != traversal.KindString {
			return nil, fmt.Errorf("property keys must be strings, got %s", a.Kind)
		}
		out[i] = a.Str
	}
	return out, nil
}

// propertyKeys returns keys, or every property name of obj in insertion order.
func propertyKeys(obj any, keys []string) []string {
	if len(keys) > 0 {
		return keys
	}
	var ps properties
	switch el := obj.(type) {
	case *Vertex:
		ps = el.props
	case *Edge:
		ps = el.props
	case *wire.Map:
		var names []string
		for _, k := range el.Keys() {
			if s, ok := k.(string); ok {
				names = append(names, s)
			}
		}
		return names
	}
	names := make([]string, len(ps))
	for i, p := range ps {
		names[i] = p.name
	}
	return names
}

func propertyValues(obj any, name string) []any {
	switch el := obj.(type) {
	case *Vertex:
		vals, _ := el.props.get(name)
		return vals
	case *Edge:
		vals, _ := el.props.get(name)
		return vals
	case *wire.Map:
		if v, ok := el.Get(name); ok {
			if list, ok := v.([]any); ok {
				return list
			}
			return []any{v}
		}
	}
	return nil
}

func values(cur []traverser, args []traversal.Value) ([]traverser, error) {
	keys, err := stringArgs(args)
	if err != nil {
		return nil, err
	}
	var next []traverser
	for _, t := range cur {
		for _, k := range propertyKeys(t.obj, keys) {
			for _, v := range propertyValues(t.obj, k) {
				next = append(next, t.with(v))
			}
		}
	}
	return next, nil
}

func valueMaps(cur []traverser, args []traversal.Value) ([]traverser, error) {
	tokens := false
	if len(args) > 0 && args[0].Kind == traversal.KindBool {
		tokens = args[0].Bool
		args = args[1:]
	}
	keys, err := stringArgs(args)
	if err != nil {
		return nil, err
	}

	next := make([]traverser, 0, len(cur))
	for _, t := range cur {
		m := &wire.Map{}
		switch el := t.obj.(type) {
		case *Vertex:
			if tokens {
				m.Put(traversal.ID, el.ID)
				m.Put(traversal.Label, el.Label)
			}
			for _, k := range propertyKeys(el, keys) {
				if vals, ok := el.props.get(k); ok {
					m.Put(k, append([]any(nil), vals...))
				}
			}
		case *Edge:
			if tokens {
				m.Put(traversal.ID, el.ID)
				m.Put(traversal.Label, el.Label)
			}
			for _, k := range propertyKeys(el, keys) {
				if v, ok := el.Property(k); ok {
					m.Put(k, v)
				}
			}
		default:
			return nil, fmt.Errorf("expected an element, got %s", describe(t.obj))
		}
		next = append(next, t.with(m))
	}
	return next, nil
}

func labelAll(cur []traverser, args []traversal.Value) ([]traverser, error) {
	names, err := stringArgs(args)
	if err != nil || len(names) == 0 {
		return nil, fmt.Errorf("expected step labels")
	}
	next := make([]traverser, len(cur))
	for i, t := range cur {
		for _, n := range names {
			t = t.label(n)
		}
		next[i] = t
	}
	return next, nil
}

func selectLabels(cur []traverser, args []traversal.Value) ([]traverser, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("expected at least one label")
	}
	names := make([]string, len(args))
	for i, a := range args {
		if a.Kind != traversal.KindAlias && a.Kind != traversal.KindString {
			return nil, fmt.Errorf("select takes step labels, got %s", a.Kind)
		}
		names[i] = a.Str
	}

	var next []traverser
	for _, t := range cur {
		if len(names) == 1 {
			if v, ok := t.labels[names[0]]; ok {
				next = append(next, t.with(v))
			}
			continue
		}
		m := &wire.Map{}
		complete := true
		for _, n := range names {
			v, ok := t.labels[n]
			if !ok {
				complete = false
				break
			}
			m.Put(n, toWire(v))
		}
		if complete {
			next = append(next, t.with(m))
		}
	}
	return next, nil
}

func mapElements(cur []traverser, what string, fn func(any) (any, bool)) ([]traverser, error) {
	next := make([]traverser, 0, len(cur))
	for _, t := range cur {
		v, ok := fn(t.obj)
		if !ok {
			return nil, fmt.Errorf("%s has no %s", describe(t.obj), what)
		}
		next = append(next, t.with(v))
	}
	return next, nil
}

func dedup(cur []traverser) []traverser {
	seen := make(map[any]bool, len(cur))
	next := cur[:0:0]
	for _, t := range cur {
		k := dedupKey(t.obj)
		if seen[k] {
			continue
		}
		seen[k] = true
		next = append(next, t)
	}
	return next
}

func dedupKey(obj any) any {
	switch v := obj.(type) {
	case []any:
		return fmt.Sprintf("list:%v", toWire(v))
	case *wire.Map:
		return fmt.Sprintf("map:%v", v.Entries)
	}
	return obj
}

func (ev *evaluator) drop(cur []traverser) ([]traverser, error) {
	for _, t := range cur {
		switch el := t.obj.(type) {
		case *Vertex:
			ev.g.dropVertex(ev.undo, el)
		case *Edge:
			ev.g.dropEdge(ev.undo, el)
		default:
			return nil, fmt.Errorf("expected an element, got %s", describe(t.obj))
		}
	}
	return nil, nil
}

func inject(cur []traverser, args []traversal.Value) []traverser {
	var next []traverser
	for _, t := range cur {
		for _, a := range args {
			next = append(next, t.with(a.Interface()))
		}
	}
	return next
}

func idOf(obj any) (any, bool) {
	switch el := obj.(type) {
	case *Vertex:
		return el.ID, true
	case *Edge:
		return el.ID, true
	}
	return nil, false
}

func labelOf(obj any) (any, bool) {
	switch el := obj.(type) {
	case *Vertex:
		return el.Label, true
	case *Edge:
		return el.Label, true
	}
	return nil, false
}

func sameID(a, b any) bool {
	ka, err := keyOf(a)
	if err != nil {
		return false
	}
	kb, err := keyOf(b)
	return err == nil && ka == kb
}

func describe(obj any) string {
	switch el := obj.(type) {
	case *Vertex:
		return fmt.Sprintf("vertex %v", el.ID)
	case *Edge:
		return fmt.Sprintf("edge %v", el.ID)
	case nil:
		return "the start of the traversal"
	}
	return fmt.Sprintf("%T", obj)
}

// toWire converts evaluator objects into values the wire codec can encode.
func toWire(obj any) any {
	switch v := obj.(type) {
	case *Vertex:
		return v.Ref()
	case *Edge:
		return v.Ref()
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = toWire(item)
		}
		return out
	case *wire.Map:
		out := &wire.Map{Entries: make([]wire.Entry, len(v.Entries))}
		for i, e := range v.Entries {
			out.Entries[i] = wire.Entry{Key: e.Key, Value: toWire(e.Value)}
		}
		return out
	}
	return obj
}
