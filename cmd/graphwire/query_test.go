package main

import (
	"reflect"
	"testing"

	"github.com/google/uuid"
)

func TestParseID(t *testing.T) {
	id := uuid.New()
	testCases := []struct {
		arg  string
		want any
	}{
		{"42", int64(42)},
		{"-7", int64(-7)},
		{id.String(), id},
		{"p1", "p1"},
		{"12ab", "12ab"},
		{"99999999999999999999", "99999999999999999999"},
	}
	for _, tc := range testCases {
		if got := parseID(tc.arg); !reflect.DeepEqual(got, tc.want) {
			t.Errorf("parseID(%q) = %#v, want %#v", tc.arg, got, tc.want)
		}
	}
}
