package graph

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/sanonone/graphwire/pkg/traversal"
	"github.com/sanonone/graphwire/pkg/traversal/anon"
	"github.com/sanonone/graphwire/pkg/wire"
)

var g = traversal.NewSource(nil)

func eval(t *testing.T, gr *Graph, tr *traversal.Traversal) []any {
	t.Helper()
	out, err := gr.Evaluate(tr.Bytecode(), nil)
	if err != nil {
		t.Fatalf("Evaluate(%s) error = %v", tr, err)
	}
	return out
}

// seed builds two people who watched one movie.
func seed(t *testing.T) *Graph {
	t.Helper()
	gr := New()
	eval(t, gr, g.AddV("person").Property(traversal.ID, "p1").Property("email", "a@b.com"))
	eval(t, gr, g.AddV("person").Property(traversal.ID, "p2").Property("email", "c@d.com"))
	eval(t, gr, g.AddV("movie").Property(traversal.ID, "m1").Property(traversal.Single, "title", "X"))
	eval(t, gr, g.AddE("watched").From(anon.V("p1")).To(anon.V("m1")))
	eval(t, gr, g.AddE("watched").From(anon.V("p2")).To(anon.V("m1")))
	return gr
}

func TestWatchedTitles(t *testing.T) {
	gr := seed(t)
	got := eval(t, gr, g.V("p1").Out("watched").Values("title"))
	if want := []any{"X"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	got = eval(t, gr, g.V("m1").In("watched").ID())
	if want := []any{"p1", "p2"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("in(watched).id() = %v, want %v", got, want)
	}
}

func TestEvaluate(t *testing.T) {
	gr := seed(t)
	testCases := []struct {
		name string
		tr   *traversal.Traversal
		want []any
	}{
		{"count vertices", g.V().Count(), []any{int64(3)}},
		{"has label", g.V().HasLabel("movie").ID(), []any{"m1"}},
		{"has property", g.V().Has("email", "c@d.com").ID(), []any{"p2"}},
		{"has id", g.V().HasID("p2", "m1").Label(), []any{"movie", "person"}},
		{"limit", g.V().HasLabel("person").Limit(1).ID(), []any{"p1"}},
		{"dedup", g.V().Out("watched").Dedup().ID(), []any{"m1"}},
		{"edges", g.V("p1").OutE("watched").InV().ID(), []any{"m1"}},
		{"in edges", g.V("m1").InE().OutV().Values("email"), []any{"a@b.com", "c@d.com"}},
		{"fold empty", g.V("nobody").Fold(), []any{[]any{}}},
		{"inject", g.Inject("a", int32(2)), []any{"a", int32(2)}},
		{"select", g.V("p1").As("p").Out("watched").As("m").Select("p").ID(), []any{"p1"}},
		{"project zero items", g.V().HasLabel("nothing").Project("id", "title").By("id").By("title"), nil},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := eval(t, gr, tc.tr)
			if len(got) == 0 && len(tc.want) == 0 {
				return
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("%s = %#v, want %#v", tc.tr, got, tc.want)
			}
		})
	}
}

func TestProjectWithFoldedValueMap(t *testing.T) {
	gr := seed(t)
	got := eval(t, gr, g.V("p1").
		Project("personid", "movies").
		By("email").
		By(anon.Out("watched").ValueMap("title").Fold()))
	if len(got) != 1 {
		t.Fatalf("got %d results", len(got))
	}
	m := got[0].(*wire.Map)
	if v, _ := m.Get("personid"); v != "a@b.com" {
		t.Errorf("personid = %v", v)
	}
	movies, _ := m.Get("movies")
	list := movies.([]any)
	if len(list) != 1 {
		t.Fatalf("movies = %v", movies)
	}
	title, _ := list[0].(*wire.Map).Get("title")
	if !reflect.DeepEqual(title, []any{"X"}) {
		t.Errorf("title = %#v", title)
	}
}

func TestValueMapWithTokens(t *testing.T) {
	gr := seed(t)
	got := eval(t, gr, g.V().HasLabel("movie").ValueMap(true).Limit(10))
	m := got[0].(*wire.Map)
	want := []any{traversal.ID, traversal.Label, "title"}
	if !reflect.DeepEqual(m.Keys(), want) {
		t.Fatalf("keys = %v, want %v", m.Keys(), want)
	}
	if id, _ := m.Get(traversal.ID); id != "m1" {
		t.Errorf("T.id = %v", id)
	}
}

func TestAddWithAliases(t *testing.T) {
	gr := New()
	pid, mid := uuid.New(), uuid.New()
	got := eval(t, gr, g.
		AddV("person").Property(traversal.ID, pid).As("user").
		AddV("movie").Property(traversal.ID, mid).As("movie").
		AddE("watched").From("user").To("movie"))
	e, ok := got[0].(wire.Edge)
	if !ok {
		t.Fatalf("got %T, want an edge", got[0])
	}
	if e.OutV != pid || e.InV != mid || e.Label != "watched" {
		t.Errorf("edge = %+v", e)
	}
	if v, edges := gr.Counts(); v != 2 || edges != 1 {
		t.Errorf("counts = %d vertices, %d edges", v, edges)
	}
}

func TestIDTypesAreDistinct(t *testing.T) {
	gr := New()
	eval(t, gr, g.AddV("n").Property(traversal.ID, int32(1)))
	eval(t, gr, g.AddV("n").Property(traversal.ID, "1"))
	if got := eval(t, gr, g.V(int32(1)).ID()); !reflect.DeepEqual(got, []any{int32(1)}) {
		t.Fatalf("int32 lookup = %#v", got)
	}
	if got := eval(t, gr, g.V(int64(1)).ID()); len(got) != 0 {
		t.Fatalf("int64 lookup matched %#v", got)
	}
}

func TestPropertyCardinality(t *testing.T) {
	gr := New()
	eval(t, gr, g.AddV("n").Property(traversal.ID, "x").
		Property(traversal.List, "tag", "a").
		Property(traversal.List, "tag", "b").
		Property(traversal.Set, "tag", "a").
		Property("name", "old").
		Property("name", "new"))

	if got := eval(t, gr, g.V("x").Values("tag")); !reflect.DeepEqual(got, []any{"a", "b"}) {
		t.Errorf("tags = %v", got)
	}
	if got := eval(t, gr, g.V("x").Values("name")); !reflect.DeepEqual(got, []any{"new"}) {
		t.Errorf("name = %v", got)
	}
}

func TestDrop(t *testing.T) {
	gr := seed(t)
	eval(t, gr, g.V("m1").Drop())
	if v, e := gr.Counts(); v != 2 || e != 0 {
		t.Fatalf("after drop: %d vertices, %d edges", v, e)
	}
	if got := eval(t, gr, g.V("p1").Out()); len(got) != 0 {
		t.Fatalf("dangling adjacency: %v", got)
	}
}

func TestEvaluateErrors(t *testing.T) {
	gr := seed(t)
	testCases := []struct {
		name    string
		expr    *traversal.Expression
		wantErr string
	}{
		{"unknown step", &traversal.Expression{Steps: []traversal.Step{{Name: "shortestPath"}}}, "unsupported step"},
		{"dangling by", g.V().By("x").Bytecode(), "must follow"},
		{"duplicate id", g.AddV("person").Property(traversal.ID, "p1").Bytecode(), "already exists"},
		{"missing endpoint", g.AddE("watched").From(anon.V("nobody")).To(anon.V("m1")).Bytecode(), "matched no vertex"},
		{"missing by property", g.V("m1").Project("email").By("email").Bytecode(), "no property"},
		{"out from a value", g.Inject("x").Out().Bytecode(), "expected a vertex"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := gr.Evaluate(tc.expr, nil)
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("Evaluate() error = %v, want %q", err, tc.wantErr)
			}
		})
	}

	_, err := gr.Evaluate(g.AddV("x").Property(traversal.ID, 1.5).Bytecode(), nil)
	if !errors.Is(err, ErrUnsupportedID) {
		t.Fatalf("float id: %v", err)
	}
}

func TestFailedTraversalLeavesGraphUnchanged(t *testing.T) {
	gr := seed(t)

	_, err := gr.Evaluate(g.AddV("person").Property(traversal.ID, "p1").Bytecode(), nil)
	if !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("duplicate id: %v", err)
	}
	if v, e := gr.Counts(); v != 3 || e != 2 {
		t.Fatalf("after duplicate id: %d vertices, %d edges", v, e)
	}

	// Re-key, update, connect, then fail on a dangling modulator.
	failing := g.V("p2").
		Property("email", "changed@d.com").
		Property(traversal.List, "email", "extra@d.com").
		Property(traversal.ID, "p9").
		AddE("knows").To(anon.V("p1")).
		OutV().Out("watched").Drop().
		By("x")
	if _, err := gr.Evaluate(failing.Bytecode(), nil); err == nil {
		t.Fatal("expected an error")
	}

	if v, e := gr.Counts(); v != 3 || e != 2 {
		t.Fatalf("after rollback: %d vertices, %d edges", v, e)
	}
	if got := eval(t, gr, g.V("p2").Values("email")); !reflect.DeepEqual(got, []any{"c@d.com"}) {
		t.Errorf("p2 email = %v", got)
	}
	if got := eval(t, gr, g.V("p9")); len(got) != 0 {
		t.Errorf("re-keyed vertex survived: %v", got)
	}
	if got := eval(t, gr, g.V("m1").In("watched").ID()); !reflect.DeepEqual(got, []any{"p1", "p2"}) {
		t.Errorf("m1 in(watched) = %v", got)
	}
	if got := eval(t, gr, g.V("p2").Out("watched").Values("title")); !reflect.DeepEqual(got, []any{"X"}) {
		t.Errorf("p2 out(watched) = %v", got)
	}
	if got := eval(t, gr, g.V("p1").In()); len(got) != 0 {
		t.Errorf("rolled back edge still reachable: %v", got)
	}
}

func TestFailedTraversalDoesNotConsumeIDs(t *testing.T) {
	gr := New()
	first := eval(t, gr, g.AddV("n").ID())
	if _, err := gr.Evaluate(g.AddV("n").AddV("n").By("x").Bytecode(), nil); err == nil {
		t.Fatal("expected an error")
	}
	second := eval(t, gr, g.AddV("n").ID())
	if first[0].(int64)+1 != second[0].(int64) {
		t.Fatalf("ids %v then %v", first, second)
	}
}

func TestEvaluateCommit(t *testing.T) {
	gr := seed(t)
	calls := 0
	commit := func() error { calls++; return nil }

	if _, err := gr.Evaluate(g.V().Count().Bytecode(), commit); err != nil || calls != 0 {
		t.Fatalf("read traversal: err=%v commits=%d", err, calls)
	}
	if _, err := gr.Evaluate(g.AddV("n").By("x").Bytecode(), commit); err == nil || calls != 0 {
		t.Fatalf("failed write: err=%v commits=%d", err, calls)
	}
	if _, err := gr.Evaluate(g.AddV("n").Bytecode(), commit); err != nil || calls != 1 {
		t.Fatalf("write: err=%v commits=%d", err, calls)
	}

	boom := errors.New("disk full")
	_, err := gr.Evaluate(g.AddV("n").Property(traversal.ID, "n2").Bytecode(), func() error { return boom })
	if !errors.Is(err, ErrCommit) || !errors.Is(err, boom) {
		t.Fatalf("commit error = %v", err)
	}
	if got := eval(t, gr, g.V("n2")); len(got) != 0 {
		t.Fatalf("write kept after failed commit: %v", got)
	}
	if v, _ := gr.Counts(); v != 4 {
		t.Fatalf("%d vertices, want 4", v)
	}
}
