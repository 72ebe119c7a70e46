package diffset

import (
	"math/rand"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiffSet_AddRemoveCollapse(t *testing.T) {
	t.Run("remove after add cancels", func(t *testing.T) {
		d := New[int64]()
		assert.True(t, d.Add(1))
		assert.True(t, d.Remove(1))
		assert.False(t, d.IsAdded(1))
		assert.False(t, d.IsRemoved(1))
		assert.True(t, d.IsEmpty())
	})

	t.Run("add after remove cancels", func(t *testing.T) {
		d := New[int64]()
		assert.False(t, d.Remove(2))
		assert.True(t, d.IsRemoved(2))
		assert.False(t, d.Add(2))
		assert.False(t, d.IsTouched(2))
	})

	t.Run("unremove", func(t *testing.T) {
		d := New[string]()
		d.Remove("a")
		assert.True(t, d.UnRemove("a"))
		assert.False(t, d.UnRemove("a"))
		assert.True(t, d.IsEmpty())
	})
}

func TestDiffSet_NeverInBothSets(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	d := New[int]()
	for i := 0; i < 5000; i++ {
		x := rng.Intn(20)
		switch rng.Intn(3) {
		case 0:
			d.Add(x)
		case 1:
			d.Remove(x)
		case 2:
			d.UnRemove(x)
		}
		for _, a := range d.Added() {
			require.False(t, d.IsRemoved(a), "element %d in both sets after op %d", a, i)
		}
	}
}

func TestDiffSet_Apply(t *testing.T) {
	d := New[int64]()
	d.Add(10)
	d.Add(2)
	d.Remove(3)

	source := slices.Values([]int64{1, 2, 3, 4})
	got := slices.Collect(d.Apply(source))
	assert.ElementsMatch(t, []int64{1, 2, 4, 10}, got)

	// restartable because the source is
	again := slices.Collect(d.Apply(source))
	assert.ElementsMatch(t, got, again)

	assert.ElementsMatch(t, []int64{10}, slices.Collect(New[int64]().Apply(slices.Values([]int64{10}))))
	assert.Equal(t, 5, d.ApplyCount(4))
}

func TestDiffSet_ApplyStopsEarly(t *testing.T) {
	d := New[int]()
	d.Add(9)
	count := 0
	for range d.Apply(slices.Values([]int{1, 2, 3})) {
		count++
		if count == 2 {
			break
		}
	}
	assert.Equal(t, 2, count)
}

func TestDiffSet_FilterAddedAndClone(t *testing.T) {
	d := New[int]()
	for i := 0; i < 6; i++ {
		d.Add(i)
	}
	d.Remove(100)

	even := d.FilterAdded(func(x int) bool { return x%2 == 0 })
	assert.ElementsMatch(t, []int{0, 2, 4}, even.Added())
	assert.ElementsMatch(t, []int{100}, even.Removed())

	c := d.Clone()
	c.Remove(0)
	assert.True(t, d.IsAdded(0))
	assert.False(t, c.IsAdded(0))
	assert.Equal(t, 5, d.Delta())
}

func TestRemovalsCounting(t *testing.T) {
	d := NewRemovalsCounting[int64]()
	d.Add(1)
	d.Remove(1)
	d.Remove(2)

	assert.False(t, d.IsAdded(1))
	assert.False(t, d.IsRemoved(1))
	assert.True(t, d.WasRemoved(1))
	assert.True(t, d.WasCreatedAndDeleted(1))
	assert.True(t, d.WasRemoved(2))
	assert.False(t, d.WasCreatedAndDeleted(2))
	assert.False(t, d.WasRemoved(3))
	assert.Equal(t, []int64{1}, d.CreatedAndDeleted())
}
