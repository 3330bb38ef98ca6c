package flex

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
	"go.uber.org/zap"

	"github.com/wegman-software/citytiles-go/internal/logger"
	"github.com/wegman-software/citytiles-go/internal/pipeline"
)

var _ pipeline.PropertyProcessor = (*Processor)(nil)

// Script is a compiled Lua script. Each slicing worker runs it in its
// own interpreter.
type Script struct {
	name  string
	proto *lua.FunctionProto

	runtimes atomic.Int64
}

// CompileFile reads and compiles a Lua script
func CompileFile(path string) (*Script, error) {
	code, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read Lua file: %w", err)
	}
	return Compile(filepath.Base(path), code)
}

// Compile parses and compiles Lua code
func Compile(name string, code []byte) (*Script, error) {
	chunk, err := parse.Parse(bytes.NewReader(code), name)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", name, err)
	}
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return nil, fmt.Errorf("failed to compile %s: %w", name, err)
	}

	// Fail early when the callback is missing
	r := NewRuntime()
	defer r.Close()
	if err := r.LoadProto(proto); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	return &Script{name: name, proto: proto}, nil
}

// Name returns the script file name
func (s *Script) Name() string {
	return s.name
}

// Factory returns a pipeline.ProcessorFactory creating one interpreter per call
func (s *Script) Factory() pipeline.ProcessorFactory {
	return func() (pipeline.PropertyProcessor, error) {
		return s.NewProcessor()
	}
}

// NewProcessor starts an interpreter running the script
func (s *Script) NewProcessor() (*Processor, error) {
	r := NewRuntime()
	if err := r.LoadProto(s.proto); err != nil {
		r.Close()
		return nil, fmt.Errorf("%s: %w", s.name, err)
	}
	s.runtimes.Add(1)
	return &Processor{runtime: r, script: s}, nil
}

// Processor runs process_feature for the objects of one slicing worker
type Processor struct {
	runtime *Runtime
	script  *Script

	processed int64
	dropped   int64
	failed    int64
}

// Process implements pipeline.PropertyProcessor
func (p *Processor) Process(id string, props map[string]any) (map[string]any, bool, error) {
	p.processed++
	out, keep, err := p.runtime.Process(id, props)
	switch {
	case err != nil:
		p.failed++
	case !keep:
		p.dropped++
	}
	return out, keep, err
}

// Close releases the interpreter
func (p *Processor) Close() {
	if p.runtime == nil {
		return
	}
	p.runtime.Close()
	p.runtime = nil

	logger.Component("lua").Debug("Lua worker finished",
		zap.String("script", p.script.name),
		zap.Int64("processed", p.processed),
		zap.Int64("dropped", p.dropped),
		zap.Int64("failed", p.failed),
		zap.Int64("remaining", p.script.runtimes.Add(-1)))
}
