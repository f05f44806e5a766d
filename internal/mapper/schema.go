// Package mapper turns a user-authored definition into the nested payload a
// provider expects, and normalizes provider responses back into definition
// keys.
//
// A Schema maps definition keys to one of three node kinds:
//
//	Rename  copy the value under a new key, with optional transforms
//	Nested  map an object with a child schema and merge the result into the parent
//	Wrap    map an object (or each element of a list) with a child schema and place
//	        it under a new key
//
// Keys present in a definition but absent from the schema are dropped.
package mapper

// Node is one entry of a Schema. The set of implementations is closed.
type Node interface {
	node()
}

// Transform modifies a value copied by a Rename node.
type Transform uint8

const (
	// ScalarToList wraps a non-list value into a single-element list.
	ScalarToList Transform = 1 << iota

	// EmptyAsAbsent drops nil values and empty lists and objects so the
	// provider sees the field as absent rather than empty. An empty string
	// is kept; it may clear a field on update.
	EmptyAsAbsent
)

// Rename copies a value under Key.
type Rename struct {
	Key       string
	Transform Transform
}

// Nested maps an object value with Schema and merges the result into the
// enclosing payload.
type Nested struct {
	Schema Schema
}

// Wrap maps an object value with Fields and places it under Key. List values
// map element by element; when ItemsKey is set the mapped list is wrapped as
// {ItemsKey: list} under Key.
type Wrap struct {
	Key      string
	Fields   Schema
	ItemsKey string
}

func (Rename) node() {}
func (Nested) node() {}
func (Wrap) node()   {}

// Schema maps definition keys to nodes.
type Schema map[string]Node

// Mapping is the full per-adapter mapping policy.
type Mapping struct {
	Schema Schema

	// Defaults are provider-keyed values injected on create when the mapped
	// payload does not already carry them. They are never applied on update.
	Defaults map[string]any
}

// To returns a plain rename node.
func To(key string) Rename {
	return Rename{Key: key}
}

// AsList returns r with ScalarToList set.
func (r Rename) AsList() Rename {
	r.Transform |= ScalarToList
	return r
}

// OmitEmpty returns r with EmptyAsAbsent set.
func (r Rename) OmitEmpty() Rename {
	r.Transform |= EmptyAsAbsent
	return r
}

// Merge returns a nested node.
func Merge(s Schema) Nested {
	return Nested{Schema: s}
}

// WrapIn returns a wrap node placing the mapped value under key.
func WrapIn(key string, fields Schema) Wrap {
	return Wrap{Key: key, Fields: fields}
}

// Items returns w wrapping list values as {itemsKey: list}.
func (w Wrap) Items(itemsKey string) Wrap {
	w.ItemsKey = itemsKey
	return w
}
