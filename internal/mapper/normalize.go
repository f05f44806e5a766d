package mapper

// Normalize is the inverse of Apply: it reads a provider-keyed payload and
// rebuilds the definition-keyed view declared by schema. Provider fields the
// schema does not mention are dropped.
func Normalize(payload map[string]any, schema Schema) map[string]any {
	out := make(map[string]any)
	if payload == nil {
		return out
	}

	for _, key := range sortedKeys(schema) {
		switch n := schema[key].(type) {
		case Rename:
			if v, ok := payload[n.Key]; ok {
				out[key] = cloneAny(v)
			}
		case Nested:
			// Apply keeps a list value under its definition key.
			if list, isList := payload[key].([]any); isList {
				out[key] = normalizeValue(list, n.Schema)
				continue
			}
			if sub := Normalize(payload, n.Schema); len(sub) > 0 {
				out[key] = sub
			}
		case Wrap:
			v, ok := payload[n.Key]
			if !ok {
				continue
			}
			if n.ItemsKey != "" {
				if m, isMap := v.(map[string]any); isMap {
					v = m[n.ItemsKey]
				}
			}
			out[key] = normalizeValue(v, n.Fields)
		}
	}
	return out
}

func normalizeValue(v any, fields Schema) any {
	switch val := v.(type) {
	case map[string]any:
		if fields == nil {
			return cloneAny(val)
		}
		return Normalize(val, fields)
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = normalizeValue(elem, fields)
		}
		return out
	}
	return v
}
