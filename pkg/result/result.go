// Package result turns raw traversal results into caller-facing shapes.
//
// Project maps the ordered maps produced by project(...).by(...) into Records
// that keep the requested key order. ValueMaps splits valueMap results into
// the reserved element keys (id, label) and the user properties, so a user
// property literally named "id" never collides with the element id.
package result

import (
	"fmt"

	"github.com/sanonone/graphwire/pkg/traversal"
	"github.com/sanonone/graphwire/pkg/wire"
)

// Record is one projected row. Values are in the order of the requested keys.
type Record struct {
	keys   []string
	values []any
}

// Keys returns the projection keys in request order.
func (r Record) Keys() []string { return r.keys }

// Values returns the values in key order.
func (r Record) Values() []any { return r.values }

// Get returns the value for key.
func (r Record) Get(key string) (any, bool) {
	for i, k := range r.keys {
		if k == key {
			return r.values[i], true
		}
	}
	return nil, false
}

// List returns the value for key as a sequence. A folded fan-out is returned
// as is, a missing key or nil value as an empty sequence, and a scalar as a
// sequence of one.
func (r Record) List(key string) []any {
	v, ok := r.Get(key)
	if !ok || v == nil {
		return []any{}
	}
	if list, ok := v.([]any); ok {
		return list
	}
	return []any{v}
}

// Project maps project(...).by(...) result items into records ordered by keys.
//
// Keys absent from an item project to nil. A fan-out folded into a single
// value keeps its full multiplicity and an empty fold stays an empty
// sequence. Zero items yield an empty, non-nil slice.
func Project(items []any, keys ...string) ([]Record, error) {
	records := make([]Record, 0, len(items))
	for i, item := range items {
		m, ok := item.(*wire.Map)
		if !ok {
			return nil, fmt.Errorf("result %d: expected a map, got %T", i, item)
		}
		rec := Record{keys: keys, values: make([]any, len(keys))}
		for j, k := range keys {
			rec.values[j], _ = m.Get(k)
		}
		records = append(records, rec)
	}
	return records, nil
}

// Reserved holds the distinguished element keys of a valueMap(true) result.
type Reserved struct {
	ID       any
	Label    string
	HasID    bool
	HasLabel bool
}

// ValueMap is one valueMap result.
type ValueMap struct {
	Reserved Reserved
	// Keys lists the user property keys in result order.
	Keys []string
	// Properties maps each key to a []any of its values, or to the single
	// value when Options.Single was requested.
	Properties map[string]any
}

// Values returns every value of property key.
func (v ValueMap) Values(key string) []any {
	switch x := v.Properties[key].(type) {
	case nil:
		return []any{}
	case []any:
		return x
	default:
		return []any{x}
	}
}

// First returns the first value of property key.
func (v ValueMap) First(key string) (any, bool) {
	vals := v.Values(key)
	if len(vals) == 0 {
		return nil, false
	}
	return vals[0], true
}

// Options tune ValueMaps.
type Options struct {
	// Single flattens every property to its only value. A property holding
	// more than one value is an error.
	Single bool
}

// ValueMaps converts valueMap result items.
func ValueMaps(items []any, opts Options) ([]ValueMap, error) {
	out := make([]ValueMap, 0, len(items))
	for i, item := range items {
		m, ok := item.(*wire.Map)
		if !ok {
			return nil, fmt.Errorf("result %d: expected a map, got %T", i, item)
		}
		vm, err := toValueMap(m, opts)
		if err != nil {
			return nil, fmt.Errorf("result %d: %w", i, err)
		}
		out = append(out, vm)
	}
	return out, nil
}

func toValueMap(m *wire.Map, opts Options) (ValueMap, error) {
	vm := ValueMap{Properties: make(map[string]any, m.Len())}
	for _, e := range m.Entries {
		switch k := e.Key.(type) {
		case traversal.Token:
			switch k {
			case traversal.ID:
				vm.Reserved.ID, vm.Reserved.HasID = e.Value, true
			case traversal.Label:
				label, ok := e.Value.(string)
				if !ok {
					return vm, fmt.Errorf("label is %T, not a string", e.Value)
				}
				vm.Reserved.Label, vm.Reserved.HasLabel = label, true
			default:
				return vm, fmt.Errorf("unknown reserved key %v", k)
			}
		case string:
			vals, ok := e.Value.([]any)
			if !ok {
				vals = []any{e.Value}
			}
			if !opts.Single {
				vm.Properties[k] = vals
			} else {
				switch len(vals) {
				case 0:
					vm.Properties[k] = nil
				case 1:
					vm.Properties[k] = vals[0]
				default:
					return vm, fmt.Errorf("property %q has %d values, single cardinality requested", k, len(vals))
				}
			}
			vm.Keys = append(vm.Keys, k)
		default:
			return vm, fmt.Errorf("unexpected key type %T", e.Key)
		}
	}
	return vm, nil
}
