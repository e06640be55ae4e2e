package loader

import (
	"math"
	"reflect"
	"sort"

	"github.com/Shopify/go-lua"
)

func pushValue(state *lua.State, value any) {
	switch v := value.(type) {
	case nil:
		state.PushNil()
	case *invocation:
		pushContext(state, v)
	case bool:
		state.PushBoolean(v)
	case string:
		state.PushString(v)
	case int:
		state.PushInteger(v)
	case int64:
		state.PushInteger(int(v))
	case float64:
		state.PushNumber(v)
	case []any:
		state.NewTable()
		for i, item := range v {
			pushValue(state, item)
			state.RawSetInt(-2, i+1)
		}
	case map[string]any:
		state.NewTable()
		for key, item := range v {
			pushValue(state, item)
			state.SetField(-2, key)
		}
	default:
		pushReflect(state, reflect.ValueOf(value))
	}
}

func pushReflect(state *lua.State, rv reflect.Value) {
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		state.PushInteger(int(rv.Int()))
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		state.PushInteger(int(rv.Uint()))
	case reflect.Float32, reflect.Float64:
		state.PushNumber(rv.Float())
	case reflect.String:
		state.PushString(rv.String())
	case reflect.Bool:
		state.PushBoolean(rv.Bool())
	case reflect.Slice, reflect.Array:
		state.NewTable()
		for i := 0; i < rv.Len(); i++ {
			pushValue(state, rv.Index(i).Interface())
			state.RawSetInt(-2, i+1)
		}
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			state.PushUserData(rv.Interface())
			return
		}
		state.NewTable()
		keys := rv.MapKeys()
		sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
		for _, key := range keys {
			pushValue(state, rv.MapIndex(key).Interface())
			state.SetField(-2, key.String())
		}
	case reflect.Invalid:
		state.PushNil()
	default:
		state.PushUserData(rv.Interface())
	}
}

func toValue(state *lua.State, index int) any {
	switch state.TypeOf(index) {
	case lua.TypeString:
		value, _ := state.ToString(index)
		return value
	case lua.TypeNumber:
		value, _ := state.ToNumber(index)
		return normalizeNumber(value)
	case lua.TypeBoolean:
		return state.ToBoolean(index)
	case lua.TypeTable:
		return tableToValue(state, index)
	case lua.TypeUserData:
		return state.ToUserData(index)
	default:
		return nil
	}
}

// tableToValue returns a []any for sequences and a map[string]any otherwise.
func tableToValue(state *lua.State, index int) any {
	index = state.AbsIndex(index)
	isArray := true
	maxIndex := 0
	count := 0
	state.PushNil()
	for state.Next(index) {
		if isArray {
			if state.TypeOf(-2) != lua.TypeNumber {
				isArray = false
			} else if idx, ok := state.ToInteger(-2); ok && idx > 0 {
				count++
				if idx > maxIndex {
					maxIndex = idx
				}
			} else {
				isArray = false
			}
		}
		state.Pop(1)
	}

	if isArray && count > 0 && maxIndex == count {
		result := make([]any, 0, maxIndex)
		for i := 1; i <= maxIndex; i++ {
			state.RawGetInt(index, i)
			result = append(result, toValue(state, -1))
			state.Pop(1)
		}
		return result
	}

	output := map[string]any{}
	state.PushNil()
	for state.Next(index) {
		if state.TypeOf(-2) == lua.TypeString {
			key, _ := state.ToString(-2)
			output[key] = toValue(state, -1)
		}
		state.Pop(1)
	}
	return output
}

func normalizeNumber(value float64) any {
	if math.Mod(value, 1) == 0 && math.Abs(value) < math.MaxInt32 {
		return int(value)
	}
	return value
}
