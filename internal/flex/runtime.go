package flex

import (
	"fmt"
	"math"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"

	"github.com/wegman-software/citytiles-go/internal/logger"
)

// ProcessFunction is the callback a script must define, either as a
// global or on the citytiles table:
//
//	function citytiles.process_feature(id, attrs)
//	    attrs.height = parse_height(attrs.measuredHeight)
//	    return attrs
//	end
//
// Returning a table replaces the attributes, true keeps the (possibly
// modified) input table, nil or false drops the object.
const ProcessFunction = "process_feature"

// Version is exposed to scripts as citytiles.version
const Version = "1.0.0"

// Runtime manages one Lua interpreter and its process callback.
// A Runtime must only be used by one goroutine.
type Runtime struct {
	L              *lua.LState
	processFeature lua.LValue
	log            *zap.Logger
}

// NewRuntime creates a new Lua runtime with the citytiles API
func NewRuntime() *Runtime {
	L := lua.NewState(lua.Options{
		SkipOpenLibs: false,
	})

	r := &Runtime{
		L:   L,
		log: logger.Component("lua"),
	}
	r.registerAPI()
	return r
}

// Close releases Lua resources
func (r *Runtime) Close() {
	r.L.Close()
}

// registerAPI registers the citytiles Lua module
func (r *Runtime) registerAPI() {
	module := r.L.NewTable()
	module.RawSetString("version", lua.LString(Version))
	r.L.SetGlobal("citytiles", module)

	RegisterTransforms(r.L, module)

	r.L.SetGlobal("print", r.L.NewFunction(r.luaPrint))
}

// LoadFile loads and executes a Lua script
func (r *Runtime) LoadFile(path string) error {
	if err := r.L.DoFile(path); err != nil {
		return fmt.Errorf("failed to load Lua file: %w", err)
	}
	return r.extractCallback()
}

// LoadString loads and executes Lua code from a string
func (r *Runtime) LoadString(code string) error {
	if err := r.L.DoString(code); err != nil {
		return fmt.Errorf("failed to load Lua code: %w", err)
	}
	return r.extractCallback()
}

// LoadProto executes a precompiled script
func (r *Runtime) LoadProto(proto *lua.FunctionProto) error {
	r.L.Push(r.L.NewFunctionFromProto(proto))
	if err := r.L.PCall(0, lua.MultRet, nil); err != nil {
		return fmt.Errorf("failed to run Lua script: %w", err)
	}
	return r.extractCallback()
}

// extractCallback finds process_feature on the citytiles table or as a global
func (r *Runtime) extractCallback() error {
	if module, ok := r.L.GetGlobal("citytiles").(*lua.LTable); ok {
		if fn := module.RawGetString(ProcessFunction); fn.Type() == lua.LTFunction {
			r.processFeature = fn
			return nil
		}
	}
	if fn := r.L.GetGlobal(ProcessFunction); fn.Type() == lua.LTFunction {
		r.processFeature = fn
		return nil
	}
	return fmt.Errorf("script does not define %s", ProcessFunction)
}

// Process calls process_feature for one object
func (r *Runtime) Process(id string, props map[string]any) (map[string]any, bool, error) {
	if props == nil {
		props = map[string]any{}
	}
	attrs := toLua(r.L, props).(*lua.LTable)

	if err := r.L.CallByParam(lua.P{
		Fn:      r.processFeature,
		NRet:    1,
		Protect: true,
	}, lua.LString(id), attrs); err != nil {
		return nil, false, fmt.Errorf("lua callback error: %w", err)
	}
	ret := r.L.Get(-1)
	r.L.Pop(1)

	switch v := ret.(type) {
	case *lua.LTable:
		return tableToMap(v), true, nil
	case lua.LBool:
		if !bool(v) {
			return nil, false, nil
		}
		return tableToMap(attrs), true, nil
	case *lua.LNilType:
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("%s returned %s, expected table, boolean or nil", ProcessFunction, ret.Type())
	}
}

// toLua converts a Go attribute value to a Lua value
func toLua(L *lua.LState, v any) lua.LValue {
	switch x := v.(type) {
	case nil:
		return lua.LNil
	case string:
		return lua.LString(x)
	case bool:
		return lua.LBool(x)
	case float64:
		return lua.LNumber(x)
	case float32:
		return lua.LNumber(x)
	case int:
		return lua.LNumber(x)
	case int32:
		return lua.LNumber(x)
	case int64:
		return lua.LNumber(x)
	case map[string]any:
		tbl := L.CreateTable(0, len(x))
		for k, val := range x {
			tbl.RawSetString(k, toLua(L, val))
		}
		return tbl
	case []any:
		tbl := L.CreateTable(len(x), 0)
		for _, val := range x {
			tbl.Append(toLua(L, val))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprint(x))
	}
}

// fromLua converts a Lua value back to an attribute value. Tables with
// only the keys 1..n become lists, other tables become objects.
func fromLua(v lua.LValue) any {
	switch x := v.(type) {
	case lua.LString:
		return string(x)
	case lua.LNumber:
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
		return f
	case lua.LBool:
		return bool(x)
	case *lua.LTable:
		if n := x.MaxN(); n > 0 && n == x.Len() && isArray(x, n) {
			list := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				list = append(list, fromLua(x.RawGetInt(i)))
			}
			return list
		}
		return tableToMap(x)
	default:
		return nil
	}
}

func isArray(tbl *lua.LTable, n int) bool {
	count := 0
	tbl.ForEach(func(_, _ lua.LValue) { count++ })
	return count == n
}

// tableToMap converts a Lua table to attributes, skipping non-string keys and nil values
func tableToMap(tbl *lua.LTable) map[string]any {
	result := make(map[string]any)
	tbl.ForEach(func(key, value lua.LValue) {
		keyStr, ok := key.(lua.LString)
		if !ok {
			return
		}
		if v := fromLua(value); v != nil {
			result[string(keyStr)] = v
		}
	})
	return result
}

// luaPrint logs script output at info level
func (r *Runtime) luaPrint(L *lua.LState) int {
	n := L.GetTop()
	parts := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	r.log.Info(strings.Join(parts, "\t"))
	return 0
}
