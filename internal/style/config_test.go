package style

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const rules = `
filter:
  require_any: [function, height]
  include:
    function: ["31001_1000", "31001_2000"]
  exclude:
    roof_type: ["1000"]
attributes:
  drop: [gml_parent_id]
  rename:
    measuredHeight: height
`

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(rules), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	want := &Config{
		Filter: FilterConfig{
			RequireAny: []string{"function", "height"},
			Include:    map[string][]string{"function": {"31001_1000", "31001_2000"}},
			Exclude:    map[string][]string{"roof_type": {"1000"}},
		},
		Attributes: AttributeConfig{
			Drop:   []string{"gml_parent_id"},
			Rename: map[string]string{"measuredHeight": "height"},
		},
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	if _, err := ParseConfig([]byte("filter: [")); err == nil {
		t.Error("expected error for invalid YAML")
	}
	if _, err := ParseConfig([]byte("attributes:\n  rename:\n    a: \"\"\n")); err == nil {
		t.Error("expected error for empty rename target")
	}
}

func TestFilterMatch(t *testing.T) {
	cfg, err := ParseConfig([]byte(rules))
	if err != nil {
		t.Fatal(err)
	}
	f := NewFilter(&cfg.Filter)

	tests := []struct {
		name  string
		props map[string]any
		want  bool
	}{
		{"included function", map[string]any{"function": "31001_1000"}, true},
		{"other function", map[string]any{"function": "51009_1610"}, false},
		{"missing required", map[string]any{"name": "Rathaus"}, false},
		{"null required", map[string]any{"function": nil}, false},
		{"excluded roof", map[string]any{"function": "31001_2000", "roof_type": 1000.0}, false},
		{"other roof", map[string]any{"function": "31001_2000", "roof_type": "3100"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := f.Match(tt.props); got != tt.want {
				t.Errorf("Match(%v) = %v, want %v", tt.props, got, tt.want)
			}
		})
	}
}

func TestFilterWildcard(t *testing.T) {
	f := NewFilter(&FilterConfig{
		Include: map[string][]string{"height": {"*"}},
		Exclude: map[string][]string{"demolished": nil},
	})
	if !f.Match(map[string]any{"height": map[string]any{"value": 3.0}}) {
		t.Error("wildcard should match any value")
	}
	if f.Match(map[string]any{"height": 3.0, "demolished": false}) {
		t.Error("exclude without values should match any value")
	}
}

func TestEmptyFilter(t *testing.T) {
	f := NewFilter(nil)
	if f.HasFilter() {
		t.Error("nil config should not filter")
	}
	if !f.Match(map[string]any{}) {
		t.Error("empty filter should match everything")
	}
	if !NewFilter(&FilterConfig{RequireAny: []string{"a"}}).HasFilter() {
		t.Error("require_any should enable filtering")
	}
}

func TestValueString(t *testing.T) {
	tests := []struct {
		in   any
		want string
		ok   bool
	}{
		{"a", "a", true},
		{21.5, "21.5", true},
		{2.0, "2", true},
		{int64(-3), "-3", true},
		{int32(7), "7", true},
		{true, "true", true},
		{[]any{1.0}, "", false},
	}
	for _, tt := range tests {
		got, ok := ValueString(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ValueString(%v) = %q, %v, want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
