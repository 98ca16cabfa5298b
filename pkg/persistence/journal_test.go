package persistence

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sanonone/graphwire/pkg/traversal"
	"github.com/sanonone/graphwire/pkg/wire"
)

func request(label string) *wire.Request {
	expr := traversal.NewSource(nil).AddV(label).Property("name", label).Bytecode()
	return &wire.Request{ID: uuid.New(), Op: wire.OpBytecode, Processor: wire.DefaultProcessor, Expression: expr}
}

func TestAppendAndReplay(t *testing.T) {
	testCases := []struct {
		name string
		opts Options
	}{
		{"sync every append", Options{}},
		{"background sync", Options{SyncInterval: 10 * time.Millisecond}},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "graph.journal")
			j, err := Open(path, tc.opts)
			if err != nil {
				t.Fatal(err)
			}
			want := []*wire.Request{request("a"), request("b"), request("c")}
			for _, req := range want {
				if err := j.Append(req); err != nil {
					t.Fatal(err)
				}
			}
			if j.Entries() != 3 {
				t.Errorf("Entries() = %d", j.Entries())
			}
			if err := j.Close(); err != nil {
				t.Fatal(err)
			}

			var got []*wire.Request
			n, err := Replay(path, func(r *wire.Request) error {
				got = append(got, r)
				return nil
			})
			if err != nil || n != 3 {
				t.Fatalf("Replay() = %d, %v", n, err)
			}
			for i := range want {
				if got[i].ID != want[i].ID || got[i].Expression.String() != want[i].Expression.String() {
					t.Errorf("entry %d = %s, want %s", i, got[i].Expression, want[i].Expression)
				}
			}
		})
	}
}

func TestReplayMissingFile(t *testing.T) {
	n, err := Replay(filepath.Join(t.TempDir(), "absent"), func(*wire.Request) error { return nil })
	if err != nil || n != 0 {
		t.Fatalf("Replay() = %d, %v", n, err)
	}
}

func TestReplayTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.journal")
	j, err := Open(path, Options{})
	if err != nil {
		t.Fatal(err)
	}
	_ = j.Append(request("a"))
	_ = j.Append(request("b"))
	_ = j.Close()

	data, _ := os.ReadFile(path)
	if err := os.WriteFile(path, data[:len(data)-3], 0o644); err != nil {
		t.Fatal(err)
	}
	n, err := Replay(path, func(*wire.Request) error { return nil })
	if err != nil || n != 1 {
		t.Fatalf("Replay() = %d, %v; want 1 entry and no error", n, err)
	}

	// Appends after a torn tail must follow the last whole entry.
	j, err = Open(path, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if err := j.Append(request("c")); err != nil {
		t.Fatal(err)
	}
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}

	var labels []string
	n, err = Replay(path, func(req *wire.Request) error {
		labels = append(labels, req.Expression.Steps[0].Args[0].Str)
		return nil
	})
	if err != nil || n != 2 {
		t.Fatalf("Replay() after append = %d, %v; want 2 entries", n, err)
	}
	if want := []string{"a", "c"}; !reflect.DeepEqual(labels, want) {
		t.Fatalf("replayed %v, want %v", labels, want)
	}
}

func TestReplayCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.journal")
	j, _ := Open(path, Options{})
	_ = j.Append(request("a"))
	_ = j.Append(request("b"))
	_ = j.Close()

	data, _ := os.ReadFile(path)
	data[wire.HeaderSize+2] ^= 0xFF
	_ = os.WriteFile(path, data, 0o644)

	n, err := Replay(path, func(*wire.Request) error { return nil })
	if !errors.Is(err, wire.ErrChecksumMismatch) || n != 0 {
		t.Fatalf("Replay() = %d, %v; want checksum mismatch", n, err)
	}
}

func TestReplayStopsOnApplyError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.journal")
	j, _ := Open(path, Options{})
	_ = j.Append(request("a"))
	_ = j.Append(request("b"))
	_ = j.Close()

	boom := errors.New("boom")
	n, err := Replay(path, func(*wire.Request) error { return boom })
	if !errors.Is(err, boom) || n != 0 {
		t.Fatalf("Replay() = %d, %v", n, err)
	}
}
