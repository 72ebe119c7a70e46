// Package values provides the opaque property value model shared by the
// transaction state engine, the storage layer and the Bolt transport.
//
// A Value is any of: nil, bool, int64, float64, string, []Value or
// map[string]Value. Other Go integer and float types are accepted at the
// edges and normalized with Normalize.
//
// NoValue is distinct from nil. It is the sentinel returned when a property
// is absent, or when a pending transaction removed it even though a committed
// value still exists in the store.
//
// Example:
//
//	v := values.Normalize(42)        // int64(42)
//	values.Equal(v, 42.0)            // true, numbers compare numerically
//	values.Compare("a", "b")         // -1
//	values.IsNoValue(values.NoValue) // true
package values

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Value is a property value. See the package documentation for the allowed
// dynamic types.
type Value = any

type noValue struct{}

func (noValue) String() string { return "NO_VALUE" }

// NoValue marks an absent property.
var NoValue Value = noValue{}

// IsNoValue reports whether v is the NoValue sentinel.
func IsNoValue(v Value) bool {
	_, ok := v.(noValue)
	return ok
}

// Normalize converts the integer and float variants produced by decoders and
// Go callers into int64 and float64, recursively for lists and maps.
func Normalize(v Value) Value {
	switch val := v.(type) {
	case int:
		return int64(val)
	case int8:
		return int64(val)
	case int16:
		return int64(val)
	case int32:
		return int64(val)
	case uint:
		return int64(val)
	case uint8:
		return int64(val)
	case uint16:
		return int64(val)
	case uint32:
		return int64(val)
	case uint64:
		return int64(val)
	case float32:
		return float64(val)
	case []string:
		out := make([]Value, len(val))
		for i, s := range val {
			out[i] = s
		}
		return out
	case []any:
		out := make([]Value, len(val))
		for i, item := range val {
			out[i] = Normalize(item)
		}
		return out
	case map[string]any:
		out := make(map[string]Value, len(val))
		for k, item := range val {
			out[k] = Normalize(item)
		}
		return out
	default:
		return v
	}
}

// type rank used for cross-type ordering
func rank(v Value) int {
	switch v.(type) {
	case nil:
		return 0
	case noValue:
		return 0
	case bool:
		return 1
	case int64, float64:
		return 2
	case string:
		return 3
	case []Value:
		return 4
	case map[string]Value:
		return 5
	default:
		return 6
	}
}

// Compare orders two values. Values of different kinds order by kind
// (null, bool, number, string, list, map); integers and floats compare
// numerically with each other.
func Compare(a, b Value) int {
	a, b = Normalize(a), Normalize(b)
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return cmpInt(ra, rb)
	}
	switch x := a.(type) {
	case nil, noValue:
		return 0
	case bool:
		y := b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		default:
			return 1
		}
	case int64:
		if y, ok := b.(int64); ok {
			return cmpInt64(x, y)
		}
		return cmpFloat(float64(x), b.(float64))
	case float64:
		if y, ok := b.(int64); ok {
			return cmpFloat(x, float64(y))
		}
		return cmpFloat(x, b.(float64))
	case string:
		return strings.Compare(x, b.(string))
	case []Value:
		y := b.([]Value)
		for i := 0; i < len(x) && i < len(y); i++ {
			if c := Compare(x[i], y[i]); c != 0 {
				return c
			}
		}
		return cmpInt(len(x), len(y))
	case map[string]Value:
		return strings.Compare(Key(x), Key(b))
	default:
		return strings.Compare(fmt.Sprintf("%v", a), fmt.Sprintf("%v", b))
	}
}

// Equal reports whether a and b represent the same value.
func Equal(a, b Value) bool {
	if IsNoValue(a) || IsNoValue(b) {
		return IsNoValue(a) && IsNoValue(b)
	}
	return Compare(a, b) == 0
}

// Key returns a canonical string for v, usable as a map key. Equal values
// produce equal keys; integral floats share the key of the matching integer.
func Key(v Value) string {
	var sb strings.Builder
	writeKey(&sb, Normalize(v))
	return sb.String()
}

func writeKey(sb *strings.Builder, v Value) {
	switch x := v.(type) {
	case nil:
		sb.WriteString("n")
	case noValue:
		sb.WriteString("x")
	case bool:
		if x {
			sb.WriteString("t")
		} else {
			sb.WriteString("f")
		}
	case int64:
		fmt.Fprintf(sb, "i%d", x)
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
			fmt.Fprintf(sb, "i%d", int64(x))
		} else {
			fmt.Fprintf(sb, "d%v", x)
		}
	case string:
		fmt.Fprintf(sb, "s%d:%s", len(x), x)
	case []Value:
		sb.WriteString("[")
		for _, item := range x {
			writeKey(sb, item)
			sb.WriteString(",")
		}
		sb.WriteString("]")
	case map[string]Value:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString("{")
		for _, k := range keys {
			fmt.Fprintf(sb, "%d:%s=", len(k), k)
			writeKey(sb, x[k])
			sb.WriteString(",")
		}
		sb.WriteString("}")
	default:
		fmt.Fprintf(sb, "?%v", x)
	}
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpFloat(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// SameKind reports whether a and b order within the same kind, so that a
// range over numbers never matches strings and vice versa.
func SameKind(a, b Value) bool {
	return rank(Normalize(a)) == rank(Normalize(b))
}
