package flex

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	lua "github.com/yuin/gopher-lua"
)

// Attribute helper functions for Lua scripts

var (
	whitespaceRegex = regexp.MustCompile(`\s+`)
	// A leading number with an optional unit, "12.5 m" or "12,5m"
	measureRegex = regexp.MustCompile(`^\s*(-?\d+(?:[.,]\d+)?)\s*([a-zA-Z]*)\s*$`)
)

// DefaultNameKeys are tried in order by get_name without explicit keys
var DefaultNameKeys = []string{"name", "gml_name", "name:en"}

// RegisterTransforms registers the helper functions as citytiles.transforms
// and the most common ones as globals
func RegisterTransforms(L *lua.LState, module *lua.LTable) {
	transforms := L.NewTable()

	// String transforms
	L.SetField(transforms, "trim", L.NewFunction(luaTrim))
	L.SetField(transforms, "lower", L.NewFunction(luaLower))
	L.SetField(transforms, "upper", L.NewFunction(luaUpper))
	L.SetField(transforms, "clean_spaces", L.NewFunction(luaCleanSpaces))
	L.SetField(transforms, "truncate", L.NewFunction(luaTruncate))
	L.SetField(transforms, "clean_key", L.NewFunction(luaCleanKey))

	// Type parsing
	L.SetField(transforms, "parse_int", L.NewFunction(luaParseInt))
	L.SetField(transforms, "parse_real", L.NewFunction(luaParseReal))
	L.SetField(transforms, "parse_bool", L.NewFunction(luaParseBool))
	L.SetField(transforms, "parse_height", L.NewFunction(luaParseHeight))

	// Attribute tables
	L.SetField(transforms, "get_name", L.NewFunction(luaGetName))
	L.SetField(transforms, "to_json", L.NewFunction(luaToJSON))
	L.SetField(transforms, "filter_attributes", L.NewFunction(luaFilterAttributes))

	L.SetField(module, "transforms", transforms)

	L.SetGlobal("trim", L.NewFunction(luaTrim))
	L.SetGlobal("parse_real", L.NewFunction(luaParseReal))
	L.SetGlobal("parse_height", L.NewFunction(luaParseHeight))
	L.SetGlobal("get_name", L.NewFunction(luaGetName))
}

func luaTrim(L *lua.LState) int {
	L.Push(lua.LString(strings.TrimSpace(L.CheckString(1))))
	return 1
}

func luaLower(L *lua.LState) int {
	L.Push(lua.LString(strings.ToLower(L.CheckString(1))))
	return 1
}

func luaUpper(L *lua.LState) int {
	L.Push(lua.LString(strings.ToUpper(L.CheckString(1))))
	return 1
}

// luaCleanSpaces normalizes whitespace (collapse multiple spaces, trim)
func luaCleanSpaces(L *lua.LState) int {
	s := L.CheckString(1)
	cleaned := whitespaceRegex.ReplaceAllString(s, " ")
	L.Push(lua.LString(strings.TrimSpace(cleaned)))
	return 1
}

// luaTruncate truncates a string to a maximum number of characters
func luaTruncate(L *lua.LState) int {
	s := L.CheckString(1)
	maxLen := L.CheckInt(2)

	runes := []rune(s)
	if maxLen < 0 || len(runes) <= maxLen {
		L.Push(lua.LString(s))
	} else {
		L.Push(lua.LString(string(runes[:maxLen])))
	}
	return 1
}

func luaCleanKey(L *lua.LState) int {
	L.Push(lua.LString(CleanAttributeKey(L.CheckString(1))))
	return 1
}

// luaParseInt parses a string to an integer with an optional default
func luaParseInt(L *lua.LState) int {
	s := strings.TrimSpace(L.CheckString(1))
	defaultVal := lua.LValue(lua.LNil)
	if L.GetTop() >= 2 {
		defaultVal = lua.LNumber(L.CheckInt64(2))
	}

	if val, err := strconv.ParseInt(s, 10, 64); err == nil {
		L.Push(lua.LNumber(val))
	} else if fval, err := strconv.ParseFloat(s, 64); err == nil {
		L.Push(lua.LNumber(int64(fval)))
	} else {
		L.Push(defaultVal)
	}
	return 1
}

// luaParseReal parses a string to a number with an optional default
func luaParseReal(L *lua.LState) int {
	s := strings.TrimSpace(L.CheckString(1))
	defaultVal := lua.LValue(lua.LNil)
	if L.GetTop() >= 2 {
		defaultVal = L.CheckNumber(2)
	}

	if val, err := strconv.ParseFloat(s, 64); err == nil {
		L.Push(lua.LNumber(val))
	} else {
		L.Push(defaultVal)
	}
	return 1
}

// luaParseBool parses various boolean representations
func luaParseBool(L *lua.LState) int {
	s := strings.ToLower(strings.TrimSpace(L.CheckString(1)))
	switch s {
	case "yes", "true", "1", "on":
		L.Push(lua.LTrue)
	default:
		L.Push(lua.LFalse)
	}
	return 1
}

// luaParseHeight parses a height in meters. Accepts plain numbers and
// strings with a decimal comma or a unit of m, cm, ft.
// Returns nil when the value cannot be parsed.
func luaParseHeight(L *lua.LState) int {
	v := L.CheckAny(1)
	if n, ok := v.(lua.LNumber); ok {
		L.Push(n)
		return 1
	}
	h, ok := ParseHeight(lua.LVAsString(v))
	if !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LNumber(h))
	return 1
}

// ParseHeight parses a height string such as "12.5", "12,5 m" or "30ft" into meters
func ParseHeight(s string) (float64, bool) {
	m := measureRegex.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.Replace(m[1], ",", ".", 1), 64)
	if err != nil {
		return 0, false
	}
	switch strings.ToLower(m[2]) {
	case "", "m":
		return v, true
	case "cm":
		return v / 100, true
	case "ft":
		return v * 0.3048, true
	default:
		return 0, false
	}
}

// luaGetName returns the first non-empty name attribute.
// Usage: get_name(attrs) or get_name(attrs, "name:de", "name")
func luaGetName(L *lua.LState) int {
	attrs := L.CheckTable(1)

	keys := DefaultNameKeys
	if L.GetTop() >= 2 {
		keys = nil
		for i := 2; i <= L.GetTop(); i++ {
			keys = append(keys, L.CheckString(i))
		}
	}

	for _, key := range keys {
		if name := attrs.RawGetString(key); name != lua.LNil {
			if s := strings.TrimSpace(lua.LVAsString(name)); s != "" {
				L.Push(lua.LString(s))
				return 1
			}
		}
	}

	L.Push(lua.LNil)
	return 1
}

// luaToJSON converts a table to a JSON string
func luaToJSON(L *lua.LState) int {
	tbl := L.CheckTable(1)
	jsonBytes, err := json.Marshal(fromLua(tbl))
	if err != nil {
		L.Push(lua.LString("{}"))
	} else {
		L.Push(lua.LString(string(jsonBytes)))
	}
	return 1
}

// luaFilterAttributes keeps only the listed keys.
// Usage: filter_attributes(attrs, {"name", "height"})
func luaFilterAttributes(L *lua.LState) int {
	attrs := L.CheckTable(1)
	keepKeys := L.CheckTable(2)

	keep := make(map[string]bool)
	keepKeys.ForEach(func(_, v lua.LValue) {
		if s := lua.LVAsString(v); s != "" {
			keep[s] = true
		}
	})

	result := L.NewTable()
	attrs.ForEach(func(k, v lua.LValue) {
		if key := lua.LVAsString(k); keep[key] {
			result.RawSetString(key, v)
		}
	})

	L.Push(result)
	return 1
}

// CleanAttributeKey removes characters not suitable for attribute names
func CleanAttributeKey(key string) string {
	var result strings.Builder
	for _, r := range key {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' {
			result.WriteRune(r)
		} else if r == ':' || r == '-' || r == '.' {
			result.WriteRune('_')
		}
	}
	return result.String()
}
