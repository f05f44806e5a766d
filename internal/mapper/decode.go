package mapper

import (
	"sort"
	"strconv"
	"strings"

	"github.com/picklr-io/reconcilr/internal/fault"
)

// IndexSeparator separates a base key from its list index in flattened
// definitions, e.g. "tag!0".
const IndexSeparator = "!"

// MaxIndex bounds list indices accepted by DecodeArrays.
const MaxIndex = 4096

type indexedValue struct {
	key   string
	base  string
	index int
	value any
}

// DecodeArrays rebuilds lists from sibling keys sharing the base!index
// convention. Nested objects are decoded first; list values pass through
// untouched. Sparse indices are kept in place and leave nil holes.
//
// A suffix that is not a non-negative integer, or a base key that already
// holds a non-list value, is rejected with a configuration error.
func DecodeArrays(obj map[string]any) (map[string]any, error) {
	if obj == nil {
		return nil, nil
	}

	out := make(map[string]any, len(obj))
	var pending []indexedValue

	for k, v := range obj {
		val := v
		if m, ok := v.(map[string]any); ok {
			decoded, err := DecodeArrays(m)
			if err != nil {
				return nil, err
			}
			val = decoded
		}

		base, suffix, found := strings.Cut(k, IndexSeparator)
		if !found {
			out[k] = val
			continue
		}

		idx, err := strconv.Atoi(suffix)
		if err != nil || idx < 0 {
			return nil, fault.Configurationf("invalid list index %q in key %q", suffix, k)
		}
		if idx > MaxIndex {
			return nil, fault.Configurationf("list index %d in key %q exceeds %d", idx, k, MaxIndex)
		}
		if base == "" {
			return nil, fault.Configurationf("missing base name in key %q", k)
		}
		pending = append(pending, indexedValue{key: k, base: base, index: idx, value: val})
	}

	sort.Slice(pending, func(i, j int) bool {
		if pending[i].base != pending[j].base {
			return pending[i].base < pending[j].base
		}
		return pending[i].index < pending[j].index
	})

	for _, p := range pending {
		var list []any
		if existing, ok := out[p.base]; ok && existing != nil {
			current, isList := existing.([]any)
			if !isList {
				return nil, fault.Configurationf("key %q conflicts with non-list value at %q", p.key, p.base)
			}
			list = append([]any(nil), current...)
		}
		for len(list) <= p.index {
			list = append(list, nil)
		}
		list[p.index] = p.value
		out[p.base] = list
	}

	return out, nil
}
