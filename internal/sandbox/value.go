package sandbox

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/Shopify/go-lua"
)

const (
	// maxExactInt is the largest integer a Lua number represents exactly.
	maxExactInt = 1 << 53

	// maxValueDepth bounds table nesting in both directions of the bridge.
	maxValueDepth = 200

	// Integer-keyed tables up to this length become arrays even when sparse.
	sparseSafeLen = 10
)

// luaToGo converts the value at index. Tables with keys 1..n become []any,
// holes included, unless they are excessively sparse; any other table becomes
// map[string]any with numeric keys formatted as strings. An empty table is an
// empty map. Functions and userdata convert to nil.
func luaToGo(state *lua.State, index int) (any, error) {
	r := luaReader{state: state, path: map[any]struct{}{}}
	return r.read(index, 1)
}

type luaReader struct {
	state *lua.State
	// path holds the tables being converted, to reject cycles.
	path map[any]struct{}
}

func (r *luaReader) read(index, depth int) (any, error) {
	switch r.state.TypeOf(index) {
	case lua.TypeString:
		value, _ := r.state.ToString(index)
		return value, nil
	case lua.TypeNumber:
		value, _ := r.state.ToNumber(index)
		return normalizeNumber(value), nil
	case lua.TypeBoolean:
		return r.state.ToBoolean(index), nil
	case lua.TypeTable:
		return r.table(index, depth)
	default:
		return nil, nil
	}
}

func (r *luaReader) table(index, depth int) (any, error) {
	if depth > maxValueDepth {
		return nil, fmt.Errorf("%w: tables nested deeper than %d", ErrInvalidValue, maxValueDepth)
	}
	// Next pushes a key and a value; one more slot covers the nested call.
	if !r.state.CheckStack(3) {
		return nil, fmt.Errorf("%w: lua stack exhausted", ErrInvalidValue)
	}
	index = r.state.AbsIndex(index)
	id := r.state.ToValue(index)
	if _, ok := r.path[id]; ok {
		return nil, fmt.Errorf("%w: table contains itself", ErrInvalidValue)
	}
	r.path[id] = struct{}{}
	defer delete(r.path, id)

	ints := map[int]any{}
	strs := map[string]any{}
	maxIndex := 0
	r.state.PushNil()
	for r.state.Next(index) {
		value, err := r.read(-1, depth+1)
		if err != nil {
			r.state.Pop(2)
			return nil, err
		}
		switch r.state.TypeOf(-2) {
		case lua.TypeString:
			key, _ := r.state.ToString(-2)
			strs[key] = value
		case lua.TypeNumber:
			n, _ := r.state.ToNumber(-2)
			if n >= 1 && n <= maxExactInt && math.Mod(n, 1) == 0 {
				i := int(n)
				ints[i] = value
				maxIndex = max(maxIndex, i)
			} else {
				strs[strconv.FormatFloat(n, 'g', -1, 64)] = value
			}
		default:
			key := lua.TypeNameOf(r.state, -2)
			r.state.Pop(2)
			return nil, fmt.Errorf("%w: %s table key", ErrInvalidValue, key)
		}
		r.state.Pop(1)
	}

	if len(strs) == 0 && len(ints) > 0 && (maxIndex <= sparseSafeLen || maxIndex <= 2*len(ints)) {
		result := make([]any, maxIndex)
		for i, value := range ints {
			result[i-1] = value
		}
		return result, nil
	}
	for i, value := range ints {
		strs[strconv.Itoa(i)] = value
	}
	return strs, nil
}

func normalizeNumber(value float64) any {
	if math.Mod(value, 1) == 0 && math.Abs(value) <= maxExactInt {
		return int64(value)
	}
	return value
}

// pushValue converts a decoded JSON-style value onto the Lua stack.
// On error the stack is restored to its height before the call.
func pushValue(state *lua.State, value any) error {
	top := state.Top()
	if err := pushAt(state, value, 1); err != nil {
		state.SetTop(top)
		return err
	}
	return nil
}

func pushAt(state *lua.State, value any, depth int) error {
	switch v := value.(type) {
	case nil:
		state.PushNil()
	case bool:
		state.PushBoolean(v)
	case string:
		state.PushString(v)
	case int:
		state.PushInteger(v)
	case int64:
		state.PushNumber(float64(v))
	case float64:
		state.PushNumber(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			state.PushNumber(f)
		} else {
			state.PushString(v.String())
		}
	case []any:
		if err := reserveTable(state, depth); err != nil {
			return err
		}
		state.CreateTable(len(v), 0)
		for i, item := range v {
			if err := pushAt(state, item, depth+1); err != nil {
				return err
			}
			state.RawSetInt(-2, i+1)
		}
	case map[string]any:
		if err := reserveTable(state, depth); err != nil {
			return err
		}
		state.CreateTable(0, len(v))
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if err := pushAt(state, v[k], depth+1); err != nil {
				return err
			}
			state.SetField(-2, k)
		}
	default:
		state.PushString(fmt.Sprint(v))
	}
	return nil
}

func reserveTable(state *lua.State, depth int) error {
	if depth > maxValueDepth {
		return fmt.Errorf("%w: request nested deeper than %d", ErrInvalidValue, maxValueDepth)
	}
	if !state.CheckStack(2) {
		return fmt.Errorf("%w: lua stack exhausted", ErrInvalidValue)
	}
	return nil
}

// eventFromValue accepts {type=..., attributes=...} where attributes is either
// an array of {key=, value=, index=} or a string-keyed table (emitted sorted by key).
func eventFromValue(value any) (Event, error) {
	fields, ok := value.(map[string]any)
	if !ok {
		return Event{}, fmt.Errorf("%w: expected table", ErrInvalidEvent)
	}
	typ, _ := fields["type"].(string)
	evt := Event{Type: typ}

	switch attrs := fields["attributes"].(type) {
	case nil:
	case []any:
		for i, raw := range attrs {
			entry, ok := raw.(map[string]any)
			if !ok {
				return Event{}, fmt.Errorf("%w: attribute %d is not a table", ErrInvalidEvent, i+1)
			}
			key := scalarString(entry["key"])
			if key == "" {
				return Event{}, fmt.Errorf("%w: attribute %d missing key", ErrInvalidEvent, i+1)
			}
			index, _ := entry["index"].(bool)
			evt.Attributes = append(evt.Attributes, Attribute{
				Key:   key,
				Value: scalarString(entry["value"]),
				Index: index,
			})
		}
	case map[string]any:
		keys := make([]string, 0, len(attrs))
		for k := range attrs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			evt.Attributes = append(evt.Attributes, Attribute{Key: k, Value: scalarString(attrs[k])})
		}
	default:
		return Event{}, fmt.Errorf("%w: attributes must be a table", ErrInvalidEvent)
	}
	return evt, nil
}

func scalarString(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(raw)
	}
}
