package memory

import (
	"encoding/json"
	"sort"
)

// Attributes is a typed key-value container attached to a record.
//
// Values are whatever JSON can carry: strings, numbers, booleans, nested
// maps and slices. No schema is enforced. Attributes is not safe for
// concurrent use; the coordinator serializes access.
type Attributes struct {
	values map[string]any
}

// NewAttributes creates a container seeded with a copy of values.
func NewAttributes(values map[string]any) *Attributes {
	a := &Attributes{values: make(map[string]any, len(values))}
	for k, v := range values {
		a.values[k] = v
	}
	return a
}

// Get returns the value stored under key.
func (a *Attributes) Get(key string) (any, bool) {
	if a == nil {
		return nil, false
	}
	v, ok := a.values[key]
	return v, ok
}

// Set stores value under key, replacing any previous value.
func (a *Attributes) Set(key string, value any) {
	if a.values == nil {
		a.values = make(map[string]any)
	}
	a.values[key] = value
}

// Delete removes key. Missing keys are ignored.
func (a *Attributes) Delete(key string) {
	delete(a.values, key)
}

// Has reports whether key is present.
func (a *Attributes) Has(key string) bool {
	_, ok := a.Get(key)
	return ok
}

// Len returns the number of keys.
func (a *Attributes) Len() int {
	if a == nil {
		return 0
	}
	return len(a.values)
}

// Keys returns the keys in lexical order.
func (a *Attributes) Keys() []string {
	if a == nil {
		return nil
	}
	keys := make([]string, 0, len(a.values))
	for k := range a.values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// GetString returns the value under key if it is a string.
func (a *Attributes) GetString(key string) (string, bool) {
	v, ok := a.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// GetFloat returns the value under key as a float64. Integer values and
// json.Number are converted.
func (a *Attributes) GetFloat(key string) (float64, bool) {
	v, ok := a.Get(key)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// GetBool returns the value under key if it is a bool.
func (a *Attributes) GetBool(key string) (bool, bool) {
	v, ok := a.Get(key)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// Merge copies every entry of other into a, overwriting existing keys.
func (a *Attributes) Merge(other map[string]any) {
	for k, v := range other {
		a.Set(k, v)
	}
}

// Clone returns a shallow copy.
func (a *Attributes) Clone() *Attributes {
	if a == nil {
		return NewAttributes(nil)
	}
	return NewAttributes(a.values)
}

// Map returns a shallow copy of the underlying values.
func (a *Attributes) Map() map[string]any {
	out := make(map[string]any, a.Len())
	if a == nil {
		return out
	}
	for k, v := range a.values {
		out[k] = v
	}
	return out
}

// MarshalJSON implements json.Marshaler.
func (a *Attributes) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.Map())
}

// UnmarshalJSON implements json.Unmarshaler.
func (a *Attributes) UnmarshalJSON(data []byte) error {
	values := make(map[string]any)
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	a.values = values
	return nil
}
