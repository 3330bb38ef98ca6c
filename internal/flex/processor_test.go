package flex

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

const heightScript = `
local counter = 0

function citytiles.process_feature(id, attrs)
	counter = counter + 1
	local h = parse_height(attrs.measuredHeight or "")
	if not h then
		return nil
	end
	return { height = h, seen = counter }
end
`

func TestCompileFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "height.lua")
	if err := os.WriteFile(path, []byte(heightScript), 0644); err != nil {
		t.Fatal(err)
	}

	script, err := CompileFile(path)
	if err != nil {
		t.Fatalf("CompileFile failed: %v", err)
	}
	if script.Name() != "height.lua" {
		t.Errorf("name = %q, want height.lua", script.Name())
	}

	if _, err := CompileFile(filepath.Join(t.TempDir(), "missing.lua")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestCompileErrors(t *testing.T) {
	if _, err := Compile("bad.lua", []byte("function (")); err == nil {
		t.Error("expected parse error")
	}
	if _, err := Compile("empty.lua", []byte("local x = 1")); err == nil {
		t.Error("expected error for a script without process_feature")
	}
	if _, err := Compile("fails.lua", []byte(`error("broken")`)); err == nil {
		t.Error("expected error for a failing script")
	}
}

func TestProcessorPerWorkerState(t *testing.T) {
	script, err := Compile("height.lua", []byte(heightScript))
	if err != nil {
		t.Fatal(err)
	}
	factory := script.Factory()

	a, err := factory()
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := factory()
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	for i := 0; i < 3; i++ {
		if _, _, err := a.Process("x", map[string]any{"measuredHeight": "10"}); err != nil {
			t.Fatal(err)
		}
	}
	got, keep, err := b.Process("y", map[string]any{"measuredHeight": "12,5 m"})
	if err != nil || !keep {
		t.Fatalf("Process = %v, %v", keep, err)
	}
	// Each interpreter has its own globals
	want := map[string]any{"height": 12.5, "seen": 1.0}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("attributes mismatch (-want +got):\n%s", diff)
	}

	if _, keep, _ := b.Process("z", map[string]any{}); keep {
		t.Error("object without height should be dropped")
	}
}

func TestProcessorConcurrentWorkers(t *testing.T) {
	script, err := Compile("height.lua", []byte(heightScript))
	if err != nil {
		t.Fatal(err)
	}

	const workers = 4
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := script.NewProcessor()
			if err != nil {
				errs <- err
				return
			}
			defer p.Close()
			for i := 0; i < 100; i++ {
				if _, _, err := p.Process("id", map[string]any{"measuredHeight": 3.0}); err != nil {
					errs <- err
					return
				}
			}
			if p.processed != 100 {
				t.Errorf("processed = %d, want 100", p.processed)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	if n := script.runtimes.Load(); n != 0 {
		t.Errorf("open interpreters = %d, want 0", n)
	}
}

func TestProcessorCloseTwice(t *testing.T) {
	script, err := Compile("height.lua", []byte(heightScript))
	if err != nil {
		t.Fatal(err)
	}
	p, err := script.NewProcessor()
	if err != nil {
		t.Fatal(err)
	}
	p.Close()
	p.Close()
	if n := script.runtimes.Load(); n != 0 {
		t.Errorf("open interpreters = %d, want 0", n)
	}
}
