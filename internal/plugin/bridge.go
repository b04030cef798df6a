package plugin

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// toLua converts a Go value to a Lua value in the given state.
func toLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		table := L.NewTable()
		for i, item := range val {
			table.RawSetInt(i+1, toLua(L, item))
		}
		return table
	case []string:
		table := L.NewTable()
		for i, item := range val {
			table.RawSetInt(i+1, lua.LString(item))
		}
		return table
	case map[string]any:
		table := L.NewTable()
		for k, item := range val {
			table.RawSetString(k, toLua(L, item))
		}
		return table
	case map[string]string:
		table := L.NewTable()
		for k, item := range val {
			table.RawSetString(k, lua.LString(item))
		}
		return table
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

// toGo converts a Lua value to a Go value.
func toGo(lv lua.LValue) any {
	return toGoVisited(lv, make(map[*lua.LTable]bool))
}

// toGoVisited converts a Lua value tracking visited tables to break cycles.
func toGoVisited(lv lua.LValue, visited map[*lua.LTable]bool) any {
	switch v := lv.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		f := float64(v)
		if f == float64(int64(f)) {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(v)
	case *lua.LTable:
		if visited[v] {
			return nil
		}
		visited[v] = true
		return tableToGo(v, visited)
	default:
		return nil
	}
}

// tableToGo converts a Lua table to a Go slice when it is a contiguous
// 1-based array, a map otherwise.
func tableToGo(t *lua.LTable, visited map[*lua.LTable]bool) any {
	isArray := true
	maxN := 0
	count := 0
	t.ForEach(func(k, _ lua.LValue) {
		count++
		kn, ok := k.(lua.LNumber)
		if !ok || float64(kn) != float64(int(kn)) || int(kn) < 1 {
			isArray = false
			return
		}
		if int(kn) > maxN {
			maxN = int(kn)
		}
	})

	if isArray && maxN > 0 && count == maxN {
		arr := make([]any, maxN)
		for i := 1; i <= maxN; i++ {
			arr[i-1] = toGoVisited(t.RawGetInt(i), visited)
		}
		return arr
	}

	m := make(map[string]any)
	t.ForEach(func(k, v lua.LValue) {
		m[k.String()] = toGoVisited(v, visited)
	})
	return m
}
