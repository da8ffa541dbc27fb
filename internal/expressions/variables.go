package expressions

import (
	"encoding/json"
	"slices"
)

// Variables is the per-run key/value store consulted by interpolation and
// conditions. Keys keep insertion order. Not safe for concurrent use: a
// chain run owns its store exclusively and steps run sequentially.
type Variables struct {
	keys   []string
	values map[string]any
}

// NewVariables creates a store seeded from initial. Seed keys are ordered
// lexically so that runs from the same definition are reproducible.
func NewVariables(initial map[string]any) *Variables {
	v := &Variables{values: make(map[string]any, len(initial))}
	keys := make([]string, 0, len(initial))
	for k := range initial {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		v.Set(k, deepCopy(initial[k]))
	}
	return v
}

// Set stores value under key, overwriting any previous value.
func (v *Variables) Set(key string, value any) {
	if _, ok := v.values[key]; !ok {
		v.keys = append(v.keys, key)
	}
	v.values[key] = value
}

// Get returns the value under key.
func (v *Variables) Get(key string) (any, bool) {
	val, ok := v.values[key]
	return val, ok
}

// Has reports whether key is set.
func (v *Variables) Has(key string) bool {
	_, ok := v.values[key]
	return ok
}

// Delete removes key. Missing keys are ignored.
func (v *Variables) Delete(key string) {
	if _, ok := v.values[key]; !ok {
		return
	}
	delete(v.values, key)
	v.keys = slices.DeleteFunc(v.keys, func(k string) bool { return k == key })
}

// Keys returns the keys in insertion order.
func (v *Variables) Keys() []string {
	return slices.Clone(v.keys)
}

// Len returns the number of keys.
func (v *Variables) Len() int {
	return len(v.keys)
}

// Snapshot returns a deep copy of the current values, safe to hand to
// tools and conditions.
func (v *Variables) Snapshot() map[string]any {
	out := make(map[string]any, len(v.values))
	for k, val := range v.values {
		out[k] = deepCopy(val)
	}
	return out
}

// Clone returns an independent store with the same keys and order.
func (v *Variables) Clone() *Variables {
	cp := &Variables{
		keys:   slices.Clone(v.keys),
		values: make(map[string]any, len(v.values)),
	}
	for k, val := range v.values {
		cp.values[k] = deepCopy(val)
	}
	return cp
}

// Interpolate substitutes {{name}} placeholders in value using this store.
func (v *Variables) Interpolate(value any) any {
	return Interpolate(value, v.lookup)
}

// lookup resolves a placeholder identifier: direct key first, then a
// dotted path into nested maps and slices.
func (v *Variables) lookup(name string) (any, bool) {
	if val, ok := v.values[name]; ok {
		return val, true
	}
	return resolvePath(v.values, name)
}

// MarshalJSON encodes the store as a plain object.
func (v *Variables) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.values)
}

// deepCopy copies the JSON-shaped containers; other values are returned as-is.
func deepCopy(val any) any {
	switch t := val.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = deepCopy(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopy(e)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(t))
		for k, e := range t {
			out[k] = e
		}
		return out
	case []string:
		return slices.Clone(t)
	default:
		return val
	}
}
