package flex

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	lua "github.com/yuin/gopher-lua"
)

func TestNewRuntime(t *testing.T) {
	runtime := NewRuntime()
	defer runtime.Close()

	if runtime.L == nil {
		t.Fatal("Lua state should not be nil")
	}
	module, ok := runtime.L.GetGlobal("citytiles").(*lua.LTable)
	if !ok {
		t.Fatal("citytiles module should be registered")
	}
	if v := module.RawGetString("version").String(); v != Version {
		t.Errorf("version = %q, want %q", v, Version)
	}
	if module.RawGetString("transforms").Type() != lua.LTTable {
		t.Error("citytiles.transforms should be registered")
	}
}

func TestRuntimeMissingCallback(t *testing.T) {
	runtime := NewRuntime()
	defer runtime.Close()

	err := runtime.LoadString(`local x = 1`)
	if err == nil || !strings.Contains(err.Error(), ProcessFunction) {
		t.Errorf("expected missing callback error, got %v", err)
	}
}

func TestRuntimeSyntaxError(t *testing.T) {
	runtime := NewRuntime()
	defer runtime.Close()

	if err := runtime.LoadString(`function (`); err == nil {
		t.Error("expected syntax error")
	}
}

func TestRuntimeProcess(t *testing.T) {
	runtime := NewRuntime()
	defer runtime.Close()

	code := `
		function citytiles.process_feature(id, attrs)
			if attrs["function"] == "51009_1610" then
				return nil
			end
			return {
				id = id,
				height = parse_height(attrs.measuredHeight),
				name = get_name(attrs),
				storeys = attrs.storeys,
				parts = attrs.parts,
				address = attrs.address,
			}
		end
	`
	if err := runtime.LoadString(code); err != nil {
		t.Fatalf("Lua execution failed: %v", err)
	}

	got, keep, err := runtime.Process("DEBY_1", map[string]any{
		"measuredHeight": "21,5 m",
		"gml_name":       " Rotes Rathaus ",
		"storeys":        int64(4),
		"parts":          []any{"a", "b"},
		"address":        map[string]any{"street": "Rathausstr.", "number": 15.0},
	})
	if err != nil || !keep {
		t.Fatalf("Process = %v, %v", keep, err)
	}

	want := map[string]any{
		"id":      "DEBY_1",
		"height":  21.5,
		"name":    "Rotes Rathaus",
		"storeys": 4.0,
		"parts":   []any{"a", "b"},
		"address": map[string]any{"street": "Rathausstr.", "number": 15.0},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("attributes mismatch (-want +got):\n%s", diff)
	}

	got, keep, err = runtime.Process("DEBY_2", map[string]any{"function": "51009_1610"})
	if err != nil {
		t.Fatal(err)
	}
	if keep || got != nil {
		t.Errorf("object should be dropped, got %v", got)
	}
}

func TestRuntimeProcessKeepsModifiedInput(t *testing.T) {
	runtime := NewRuntime()
	defer runtime.Close()

	code := `
		function process_feature(id, attrs)
			attrs.lod = nil
			attrs.source = "lua"
			return attrs.keep ~= false
		end
	`
	if err := runtime.LoadString(code); err != nil {
		t.Fatal(err)
	}

	got, keep, err := runtime.Process("a", map[string]any{"lod": 2.0, "height": 3.0})
	if err != nil || !keep {
		t.Fatalf("Process = %v, %v", keep, err)
	}
	want := map[string]any{"height": 3.0, "source": "lua"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("attributes mismatch (-want +got):\n%s", diff)
	}

	if _, keep, _ := runtime.Process("b", map[string]any{"keep": false}); keep {
		t.Error("false should drop the object")
	}

	if _, keep, err := runtime.Process("c", nil); err != nil || !keep {
		t.Errorf("nil attributes: keep = %v, err = %v", keep, err)
	}
}

func TestRuntimeProcessErrors(t *testing.T) {
	runtime := NewRuntime()
	defer runtime.Close()

	code := `
		function process_feature(id, attrs)
			if id == "boom" then
				error("bad object")
			end
			return 42
		end
	`
	if err := runtime.LoadString(code); err != nil {
		t.Fatal(err)
	}

	if _, _, err := runtime.Process("boom", nil); err == nil || !strings.Contains(err.Error(), "bad object") {
		t.Errorf("expected Lua error, got %v", err)
	}
	if _, _, err := runtime.Process("x", nil); err == nil {
		t.Error("expected error for a number return value")
	}
}

func TestRuntimeLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "style.lua")
	code := `function process_feature(id, attrs) return true end`
	if err := os.WriteFile(path, []byte(code), 0644); err != nil {
		t.Fatal(err)
	}

	runtime := NewRuntime()
	defer runtime.Close()
	if err := runtime.LoadFile(path); err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if err := runtime.LoadFile(filepath.Join(t.TempDir(), "missing.lua")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestFromLuaTables(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	if err := L.DoString(`
		list = {"a", "b"}
		sparse = {[1] = "a", [3] = "c"}
		mixed = {"a", key = "v"}
		empty = {}
	`); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		want any
	}{
		{"list", []any{"a", "b"}},
		{"sparse", map[string]any{}},
		{"mixed", map[string]any{"key": "v"}},
		{"empty", map[string]any{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := fromLua(L.GetGlobal(tt.name))
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("fromLua(%s) mismatch (-want +got):\n%s", tt.name, diff)
			}
		})
	}
}
