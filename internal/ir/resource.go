package ir

import "fmt"

// Definition is the user-authored desired state of one resource.
// It is treated as immutable by every component that receives it.
type Definition map[string]any

// String returns the value at key formatted as a string, or "" when absent.
func (d Definition) String(key string) string {
	v, ok := d[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// Clone returns a deep copy of the definition.
func (d Definition) Clone() Definition {
	if d == nil {
		return nil
	}
	return Definition(CloneMap(d))
}

// CloneMap deep-copies a JSON-shaped map.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return val
	}
}
