package traversal

import (
	"strings"

	"github.com/sanonone/graphwire/pkg/errs"
)

// Step is one operation within a traversal.
type Step struct {
	Name string
	Args []Value
}

// Expression is the immutable step sequence produced by a Traversal.
// It is what the wire encoder serializes and what the server evaluates.
type Expression struct {
	Steps []Step
}

// Resolve validates every alias reference and returns, per reference in
// encounter order (depth first), the index of the step its label points to.
//
// An alias is defined by an "as" step and labels the step right before it.
// Anonymous sub-traversals see the labels defined by their parent up to the
// step that embeds them. A reference to a label not yet defined fails with
// errs.UnresolvedAlias.
func (e *Expression) Resolve() ([]int, error) {
	var out []int
	if err := e.resolve(map[string]int{}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Expression) resolve(scope map[string]int, out *[]int) error {
	if e == nil {
		return nil
	}
	defined := make(map[string]int, len(scope))
	for k, v := range scope {
		defined[k] = v
	}
	for i, step := range e.Steps {
		for _, arg := range step.Args {
			switch arg.Kind {
			case KindAlias:
				idx, ok := defined[arg.Str]
				if !ok {
					return errs.Newf(errs.UnresolvedAlias, "step %d (%s) references %q before it is defined", i, step.Name, arg.Str)
				}
				*out = append(*out, idx)
			case KindTraversal:
				if err := arg.Traversal.resolve(defined, out); err != nil {
					return err
				}
			}
		}
		if step.Name == "as" {
			for _, arg := range step.Args {
				if arg.Kind == KindString {
					defined[arg.Str] = i - 1
				}
			}
		}
	}
	return nil
}

// Aliases returns the step index each label in e points to.
func (e *Expression) Aliases() map[string]int {
	out := make(map[string]int)
	for i, step := range e.Steps {
		if step.Name != "as" {
			continue
		}
		for _, arg := range step.Args {
			if arg.Kind == KindString {
				out[arg.Str] = i - 1
			}
		}
	}
	return out
}

// Mutates reports whether evaluating e can change the graph.
func (e *Expression) Mutates() bool {
	if e == nil {
		return false
	}
	for _, step := range e.Steps {
		switch step.Name {
		case "addV", "addE", "property", "drop":
			return true
		}
		for _, arg := range step.Args {
			if arg.Kind == KindTraversal && arg.Traversal.Mutates() {
				return true
			}
		}
	}
	return false
}

// String renders e in the familiar dotted form, for logs.
func (e *Expression) String() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	for i, step := range e.Steps {
		if i > 0 {
			b.WriteByte('.')
		}
		b.WriteString(step.Name)
		b.WriteByte('(')
		for j, arg := range step.Args {
			if j > 0 {
				b.WriteString(", ")
			}
			b.WriteString(arg.String())
		}
		b.WriteByte(')')
	}
	return b.String()
}
