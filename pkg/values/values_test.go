package values

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, int64(5), Normalize(5))
	assert.Equal(t, int64(5), Normalize(int32(5)))
	assert.Equal(t, float64(1.5), Normalize(float32(1.5)))
	assert.Equal(t, []Value{"a", "b"}, Normalize([]string{"a", "b"}))
	assert.Equal(t, map[string]Value{"n": int64(1)}, Normalize(map[string]any{"n": 1}))
}

func TestCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b Value
		want int
	}{
		{"ints", int64(1), int64(2), -1},
		{"int vs float", 2, 1.5, 1},
		{"equal numeric", 3, 3.0, 0},
		{"strings", "b", "a", 1},
		{"null before bool", nil, false, -1},
		{"bool before number", true, 0, -1},
		{"number before string", 99, "0", -1},
		{"lists", []Value{int64(1), int64(2)}, []Value{int64(1), int64(3)}, -1},
		{"shorter list first", []Value{int64(1)}, []Value{int64(1), int64(0)}, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Compare(tt.a, tt.b))
		})
	}
}

func TestEqualAndNoValue(t *testing.T) {
	assert.True(t, Equal(1, 1.0))
	assert.False(t, Equal(nil, NoValue))
	assert.True(t, Equal(NoValue, NoValue))
	assert.True(t, IsNoValue(NoValue))
	assert.False(t, IsNoValue(nil))
}

func TestKey(t *testing.T) {
	assert.Equal(t, Key(int64(2)), Key(2.0))
	assert.NotEqual(t, Key("1"), Key(1))
	assert.Equal(t,
		Key(map[string]any{"a": 1, "b": "x"}),
		Key(map[string]any{"b": "x", "a": int64(1)}))
}

func TestTuple(t *testing.T) {
	a := NewTuple("alice", 30)
	b := NewTuple("alice", 31)
	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, 0, a.Compare(NewTuple("alice", int64(30))))
	assert.Equal(t, a.Key(), NewTuple("alice", 30.0).Key())
	assert.True(t, a.HasStringPrefix("ali"))
	assert.False(t, NewTuple(1).HasStringPrefix("1"))
}
