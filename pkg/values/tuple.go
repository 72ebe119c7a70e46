package values

import "strings"

// Tuple is an ordered list of values, used as a composite index key.
type Tuple []Value

// NewTuple normalizes each element into a Tuple.
func NewTuple(vs ...Value) Tuple {
	t := make(Tuple, len(vs))
	for i, v := range vs {
		t[i] = Normalize(v)
	}
	return t
}

// Compare orders tuples element by element, shorter tuples first on a tie.
func (t Tuple) Compare(other Tuple) int {
	for i := 0; i < len(t) && i < len(other); i++ {
		if c := Compare(t[i], other[i]); c != 0 {
			return c
		}
	}
	return cmpInt(len(t), len(other))
}

// Key returns a canonical map key for the tuple.
func (t Tuple) Key() string {
	parts := make([]string, len(t))
	for i, v := range t {
		parts[i] = Key(v)
	}
	return strings.Join(parts, "|")
}

// HasStringPrefix reports whether the first element is a string starting
// with prefix.
func (t Tuple) HasStringPrefix(prefix string) bool {
	if len(t) == 0 {
		return false
	}
	s, ok := t[0].(string)
	return ok && strings.HasPrefix(s, prefix)
}
