package geometry

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestStoreAddPolygonAndResolve(t *testing.T) {
	s := &Store{}
	idx := s.AddPolygon([][][3]float64{
		{{0, 0, 10}, {1, 0, 10}, {1, 1, 10}, {0, 1, 10}},
		{{0.25, 0.25, 10}, {0.25, 0.75, 10}, {0.75, 0.75, 10}},
	})
	if idx != 0 {
		t.Fatalf("first polygon index = %d, want 0", idx)
	}
	if len(s.Vertices) != 7 {
		t.Fatalf("vertex count = %d, want 7", len(s.Vertices))
	}

	polys, err := s.Range(Entry{Type: Solid, Pos: 0, Len: 1})
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	rings, err := s.Resolve(polys[0])
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := [][][2]float64{
		{{0, 0}, {1, 0}, {1, 1}, {0, 1}},
		{{0.25, 0.25}, {0.25, 0.75}, {0.75, 0.75}},
	}
	if diff := cmp.Diff(want, rings); diff != "" {
		t.Errorf("Resolve mismatch (-want+got):\n%s", diff)
	}
}

func TestStoreRangeOutOfBounds(t *testing.T) {
	s := &Store{}
	s.AddPolygon([][][3]float64{{{0, 0, 0}, {1, 0, 0}, {1, 1, 0}}})
	if _, err := s.Range(Entry{Pos: 0, Len: 2}); err == nil {
		t.Error("expected error for range past the end")
	}
}

func TestTypeIsPolygonal(t *testing.T) {
	tests := []struct {
		typ  Type
		want bool
	}{
		{Solid, true},
		{Surface, true},
		{Triangle, true},
		{Curve, false},
		{Point, false},
	}
	for _, tt := range tests {
		t.Run(tt.typ.String(), func(t *testing.T) {
			if got := tt.typ.IsPolygonal(); got != tt.want {
				t.Errorf("IsPolygonal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPropertiesSnapshotIsDeep(t *testing.T) {
	e := &Entity{Properties: map[string]any{
		"name":  "tower",
		"attrs": map[string]any{"height": 42.0},
		"tags":  []any{"a", "b"},
	}}
	snap := e.PropertiesSnapshot()
	snap["attrs"].(map[string]any)["height"] = 1.0
	snap["tags"].([]any)[0] = "z"

	if got := e.Properties["attrs"].(map[string]any)["height"]; got != 42.0 {
		t.Errorf("original nested map mutated: height = %v", got)
	}
	if got := e.Properties["tags"].([]any)[0]; got != "a" {
		t.Errorf("original slice mutated: tags[0] = %v", got)
	}
}
