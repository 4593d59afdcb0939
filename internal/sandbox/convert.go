package sandbox

import (
	"fmt"

	"go.starlark.net/starlark"
)

// toStarlark converts a JSON-shaped Go value into a Starlark value. Only
// primitives, lists and string-keyed maps exist on the wire, so this is
// total over everything the link admits.
func toStarlark(v any) (starlark.Value, error) {
	switch typed := v.(type) {
	case nil:
		return starlark.None, nil
	case bool:
		return starlark.Bool(typed), nil
	case int:
		return starlark.MakeInt(typed), nil
	case int64:
		return starlark.MakeInt64(typed), nil
	case float64:
		// JSON numbers arrive as float64; keep integral values as ints so
		// plugin arithmetic behaves predictably.
		if typed == float64(int64(typed)) {
			return starlark.MakeInt64(int64(typed)), nil
		}
		return starlark.Float(typed), nil
	case string:
		return starlark.String(typed), nil
	case []any:
		items := make([]starlark.Value, len(typed))
		for i, item := range typed {
			converted, err := toStarlark(item)
			if err != nil {
				return nil, err
			}
			items[i] = converted
		}
		return starlark.NewList(items), nil
	case map[string]any:
		dict := starlark.NewDict(len(typed))
		for key, value := range typed {
			converted, err := toStarlark(value)
			if err != nil {
				return nil, err
			}
			if err := dict.SetKey(starlark.String(key), converted); err != nil {
				return nil, err
			}
		}
		return dict, nil
	default:
		return nil, fmt.Errorf("cannot pass %T into the sandbox", v)
	}
}

// fromStarlark converts a Starlark value back into a JSON-shaped Go value.
// Anything outside the serializable subset is rejected at the boundary.
func fromStarlark(v starlark.Value) (any, error) {
	switch typed := v.(type) {
	case starlark.NoneType:
		return nil, nil
	case starlark.Bool:
		return bool(typed), nil
	case starlark.Int:
		if i, ok := typed.Int64(); ok {
			return i, nil
		}
		return nil, fmt.Errorf("integer out of range")
	case starlark.Float:
		return float64(typed), nil
	case starlark.String:
		return string(typed), nil
	case *starlark.List:
		return fromStarlarkSequence(typed.Len(), typed.Index)
	case starlark.Tuple:
		return fromStarlarkSequence(typed.Len(), typed.Index)
	case *starlark.Dict:
		out := make(map[string]any, typed.Len())
		for _, key := range typed.Keys() {
			str, ok := key.(starlark.String)
			if !ok {
				return nil, fmt.Errorf("dict key %s is not a string", key.Type())
			}
			value, _, err := typed.Get(key)
			if err != nil {
				return nil, err
			}
			converted, err := fromStarlark(value)
			if err != nil {
				return nil, err
			}
			out[string(str)] = converted
		}
		return out, nil
	default:
		return nil, fmt.Errorf("cannot return %s across the sandbox boundary", v.Type())
	}
}

func fromStarlarkSequence(n int, index func(int) starlark.Value) ([]any, error) {
	out := make([]any, n)
	for i := 0; i < n; i++ {
		converted, err := fromStarlark(index(i))
		if err != nil {
			return nil, err
		}
		out[i] = converted
	}
	return out, nil
}
