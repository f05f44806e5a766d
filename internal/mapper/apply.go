package mapper

import (
	"fmt"
	"sort"

	"github.com/picklr-io/reconcilr/internal/ir"
)

// Phase selects create-only behavior such as default injection.
type Phase int

const (
	PhaseCreate Phase = iota
	PhaseUpdate
)

// Map decodes flattened lists in def, applies the schema, and on create
// injects the mapping's static defaults.
func Map(def ir.Definition, m Mapping, phase Phase) (map[string]any, error) {
	decoded, err := DecodeArrays(def)
	if err != nil {
		return nil, err
	}

	payload := Apply(decoded, m.Schema)
	if phase == PhaseCreate {
		for k, v := range m.Defaults {
			if _, ok := payload[k]; !ok {
				payload[k] = cloneAny(v)
			}
		}
	}
	return payload, nil
}

// Apply maps obj through schema. Only keys declared in the schema and
// present in obj are carried; everything else is silently dropped.
// Apply never fails: values whose shape does not match their node are
// copied under their source key.
func Apply(obj map[string]any, schema Schema) map[string]any {
	out := make(map[string]any)
	for _, key := range sortedKeys(schema) {
		v, ok := obj[key]
		if !ok {
			continue
		}

		switch n := schema[key].(type) {
		case nil:
			continue
		case Rename:
			if val, keep := n.apply(v); keep {
				out[n.Key] = val
			}
		case Nested:
			applyNested(out, key, v, n)
		case Wrap:
			applyWrap(out, v, n)
		default:
			panic(fmt.Sprintf("mapper: unknown node type %T", n))
		}
	}
	return out
}

func (r Rename) apply(v any) (any, bool) {
	if r.Transform&EmptyAsAbsent != 0 && isEmpty(v) {
		return nil, false
	}
	if r.Transform&ScalarToList != 0 {
		if _, isList := v.([]any); !isList && v != nil {
			return []any{cloneAny(v)}, true
		}
	}
	return cloneAny(v), true
}

func applyNested(out map[string]any, key string, v any, n Nested) {
	switch val := v.(type) {
	case map[string]any:
		for k, mapped := range Apply(val, n.Schema) {
			out[k] = mapped
		}
	case []any:
		out[key] = mapList(val, n.Schema)
	case nil:
	default:
		out[key] = val
	}
}

func applyWrap(out map[string]any, v any, n Wrap) {
	switch val := v.(type) {
	case map[string]any:
		if n.Fields == nil {
			out[n.Key] = cloneAny(val)
			return
		}
		out[n.Key] = Apply(val, n.Fields)
	case []any:
		list := mapList(val, n.Fields)
		if n.ItemsKey != "" {
			out[n.Key] = map[string]any{n.ItemsKey: list}
			return
		}
		out[n.Key] = list
	case nil:
	default:
		out[n.Key] = val
	}
}

func mapList(list []any, schema Schema) []any {
	out := make([]any, len(list))
	for i, elem := range list {
		if m, ok := elem.(map[string]any); ok && schema != nil {
			out[i] = Apply(m, schema)
			continue
		}
		out[i] = cloneAny(elem)
	}
	return out
}

// isEmpty reports a nil value or an empty list or object. Empty strings
// are values.
func isEmpty(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case []any:
		return len(val) == 0
	case map[string]any:
		return len(val) == 0
	}
	return false
}

func cloneAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return ir.CloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = cloneAny(e)
		}
		return out
	}
	return v
}

func sortedKeys(s Schema) []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
