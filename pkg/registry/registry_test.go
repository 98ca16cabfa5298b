package registry

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sanonone/graphwire/pkg/errs"
	"github.com/sanonone/graphwire/pkg/wire"
)

func frame(id uuid.UUID, more bool, items ...any) *wire.Response {
	code := wire.StatusSuccess
	if more {
		code = wire.StatusPartialContent
	}
	return &wire.Response{ID: id, Status: wire.Status{Code: code}, Result: items, More: more}
}

func TestResolveConcatenatesFramesInOrder(t *testing.T) {
	r := New()
	id := uuid.New()
	p, err := r.Register(id, time.Time{})
	if err != nil {
		t.Fatal(err)
	}

	frames := []*wire.Response{
		frame(id, true, "a", "b"),
		frame(id, true),
		frame(id, true, "c"),
		frame(id, false, "d"),
	}
	for i, f := range frames {
		if err := r.Resolve(id, f); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
	}

	select {
	case <-p.Done():
	default:
		t.Fatal("terminal frame did not complete the request")
	}
	got, err := p.Result()
	if err != nil {
		t.Fatal(err)
	}
	if want := []any{"a", "b", "c", "d"}; !reflect.DeepEqual(got, want) {
		t.Errorf("results = %v, want %v", got, want)
	}
	if p.Frames() != 4 {
		t.Errorf("frames = %d, want 4", p.Frames())
	}
	if r.Len() != 0 {
		t.Errorf("registry still holds %d entries", r.Len())
	}
}

func TestResolveEmptyResultIsNotNil(t *testing.T) {
	r := New()
	id := uuid.New()
	p, _ := r.Register(id, time.Time{})
	if err := r.Resolve(id, &wire.Response{ID: id, Status: wire.Status{Code: wire.StatusNoContent}}); err != nil {
		t.Fatal(err)
	}
	got, err := p.Result()
	if err != nil || got == nil || len(got) != 0 {
		t.Fatalf("Result() = %#v, %v; want empty slice", got, err)
	}
}

func TestResolveServerError(t *testing.T) {
	r := New()
	id := uuid.New()
	p, _ := r.Register(id, time.Time{})
	_ = r.Resolve(id, frame(id, true, "partial"))
	err := r.Resolve(id, &wire.Response{ID: id, Status: wire.Status{Code: wire.StatusScriptEvaluationError, Message: "boom"}})
	if err != nil {
		t.Fatal(err)
	}
	_, err = p.Result()
	var se *errs.ServerError
	if !errors.As(err, &se) || se.Code != wire.StatusScriptEvaluationError {
		t.Fatalf("expected server error 597, got %v", err)
	}
	if errors.Is(err, errs.Timeout) {
		t.Fatal("a server error must not look like a timeout")
	}
}

func TestDoubleResolution(t *testing.T) {
	r := New()
	id := uuid.New()
	if _, err := r.Register(id, time.Time{}); err != nil {
		t.Fatal(err)
	}
	if err := r.Resolve(id, frame(id, false, 1)); err != nil {
		t.Fatal(err)
	}
	err := r.Resolve(id, frame(id, false, 2))
	if !errors.Is(err, errs.InternalProtocol) {
		t.Fatalf("second resolution: got %v, want %s", err, errs.InternalProtocol)
	}
}

func TestDuplicateRegistration(t *testing.T) {
	r := New()
	id := uuid.New()
	if _, err := r.Register(id, time.Time{}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Register(id, time.Time{}); !errors.Is(err, errs.DuplicateCorrelation) {
		t.Fatalf("got %v, want %s", err, errs.DuplicateCorrelation)
	}
}

func TestExpire(t *testing.T) {
	r := New()
	base := time.Now()
	deadline := base.Add(time.Second)

	late, _ := r.Register(uuid.New(), deadline)
	forever, _ := r.Register(uuid.New(), time.Time{})
	later, _ := r.Register(uuid.New(), deadline.Add(time.Hour))

	if n := r.Expire(deadline.Add(-time.Nanosecond)); n != 0 {
		t.Fatalf("expired %d before the deadline", n)
	}
	if n := r.Expire(deadline); n != 1 {
		t.Fatalf("expired %d at the deadline, want 1", n)
	}
	if _, err := late.Result(); !errors.Is(err, errs.Timeout) {
		t.Fatalf("got %v, want %s", err, errs.Timeout)
	}
	// Subsequent scans are no-ops for the expired entry.
	if n := r.Expire(deadline.Add(time.Minute)); n != 0 {
		t.Fatalf("second scan expired %d", n)
	}
	if r.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", r.Len())
	}
	select {
	case <-forever.Done():
		t.Fatal("entry without deadline completed")
	case <-later.Done():
		t.Fatal("entry with later deadline completed")
	default:
	}
}

func TestFailAllAndSeal(t *testing.T) {
	r := New()
	var ps []*Pending
	for i := 0; i < 3; i++ {
		p, err := r.Register(uuid.New(), time.Time{})
		if err != nil {
			t.Fatal(err)
		}
		ps = append(ps, p)
	}

	closed := errs.New(errs.ConnectionClosed, "connection lost")
	refused := errs.New(errs.NotConnected, "reconnecting")
	if n := r.Seal(closed, refused); n != 3 {
		t.Fatalf("Seal failed %d requests, want 3", n)
	}
	for i, p := range ps {
		if _, err := p.Result(); !errors.Is(err, errs.ConnectionClosed) {
			t.Errorf("request %d: got %v", i, err)
		}
	}
	if _, err := r.Register(uuid.New(), time.Time{}); !errors.Is(err, errs.NotConnected) {
		t.Fatalf("sealed registry accepted a request: %v", err)
	}
	r.Unseal()
	if _, err := r.Register(uuid.New(), time.Time{}); err != nil {
		t.Fatalf("unsealed registry refused: %v", err)
	}
	if n := r.FailAll(closed); n != 1 {
		t.Fatalf("FailAll = %d, want 1", n)
	}
}

func TestCancelAndWait(t *testing.T) {
	r := New()
	id := uuid.New()
	p, _ := r.Register(id, time.Time{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := p.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait() = %v", err)
	}
	if !r.Cancel(id) {
		t.Fatal("Cancel() returned false for a pending request")
	}
	if r.Cancel(id) {
		t.Fatal("Cancel() returned true twice")
	}
	if err := r.Resolve(id, frame(id, false)); !errors.Is(err, errs.InternalProtocol) {
		t.Fatalf("late response after cancel: %v", err)
	}
}

func TestConcurrentResolution(t *testing.T) {
	r := New()
	const n = 64
	ids := make([]uuid.UUID, n)
	ps := make([]*Pending, n)
	for i := range ids {
		ids[i] = uuid.New()
		ps[i], _ = r.Register(ids[i], time.Time{})
	}

	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = r.Resolve(ids[i], frame(ids[i], false, i))
		}(i)
	}
	wg.Wait()

	for i, p := range ps {
		got, err := p.Wait(context.Background())
		if err != nil || len(got) != 1 || got[0] != i {
			t.Errorf("request %d: %v, %v", i, got, err)
		}
	}
}
