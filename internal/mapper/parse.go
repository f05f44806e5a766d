package mapper

import (
	"fmt"
	"strings"
)

// ParseSchema builds a Schema from its declarative form as found in config
// files:
//
//	name: Name                       rename
//	tags: Tags,list,omitempty        rename with transforms
//	settings: {size: Size}           nested, merged into the parent
//	labels: {newKey: Labels}         wrap, value copied as-is
//	rules: {newKey: Rules, itemsKey: Rule, fields: {port: Port}}
func ParseSchema(raw map[string]any) (Schema, error) {
	schema := make(Schema, len(raw))
	for src, v := range raw {
		node, err := parseNode(v)
		if err != nil {
			return nil, fmt.Errorf("schema key %q: %w", src, err)
		}
		schema[src] = node
	}
	return schema, nil
}

func parseNode(v any) (Node, error) {
	switch val := v.(type) {
	case string:
		return parseRename(val)
	case map[string]any:
		newKey, hasNewKey := val["newKey"]
		if !hasNewKey {
			child, err := ParseSchema(val)
			if err != nil {
				return nil, err
			}
			return Merge(child), nil
		}
		key, ok := newKey.(string)
		if !ok || key == "" {
			return nil, fmt.Errorf("newKey must be a non-empty string")
		}
		w := Wrap{Key: key}
		if items, ok := val["itemsKey"].(string); ok {
			w.ItemsKey = items
		}
		if fields, ok := val["fields"]; ok {
			fm, ok := fields.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("fields must be an object")
			}
			child, err := ParseSchema(fm)
			if err != nil {
				return nil, err
			}
			w.Fields = child
		}
		return w, nil
	default:
		return nil, fmt.Errorf("unsupported schema node %T", v)
	}
}

func parseRename(spec string) (Rename, error) {
	parts := strings.Split(spec, ",")
	r := Rename{Key: strings.TrimSpace(parts[0])}
	if r.Key == "" {
		return r, fmt.Errorf("empty target key")
	}
	for _, opt := range parts[1:] {
		switch strings.TrimSpace(opt) {
		case "list":
			r = r.AsList()
		case "omitempty":
			r = r.OmitEmpty()
		default:
			return r, fmt.Errorf("unknown rename option %q", opt)
		}
	}
	return r, nil
}
