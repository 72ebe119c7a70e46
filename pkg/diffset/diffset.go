// Package diffset provides the added/removed set used to describe pending,
// uncommitted changes against a committed collection.
//
// A DiffSet holds two disjoint sets. Adding an element that is marked
// removed cancels the removal; removing an element that was added in the
// same diff cancels the addition. An element is therefore never in both
// sets at once.
//
// Example:
//
//	d := diffset.New[int64]()
//	d.Add(1)
//	d.Remove(2)
//	committed := slices.Values([]int64{2, 3})
//	for id := range d.Apply(committed) {
//		fmt.Println(id) // 3, then 1
//	}
//
// DiffSets are not safe for concurrent use. Each one is owned by a single
// transaction.
package diffset

import "iter"

// DiffSet is a pair of disjoint added and removed sets over T.
type DiffSet[T comparable] struct {
	added   map[T]struct{}
	removed map[T]struct{}
}

// New returns an empty DiffSet.
func New[T comparable]() *DiffSet[T] {
	return &DiffSet[T]{}
}

// Add marks x as added. If x was marked removed the removal is cancelled
// instead and false is returned.
func (d *DiffSet[T]) Add(x T) bool {
	if _, ok := d.removed[x]; ok {
		delete(d.removed, x)
		return false
	}
	if d.added == nil {
		d.added = make(map[T]struct{})
	}
	d.added[x] = struct{}{}
	return true
}

// Remove marks x as removed. If x was added in this diff the addition is
// cancelled instead and true is returned.
func (d *DiffSet[T]) Remove(x T) bool {
	if _, ok := d.added[x]; ok {
		delete(d.added, x)
		return true
	}
	if d.removed == nil {
		d.removed = make(map[T]struct{})
	}
	d.removed[x] = struct{}{}
	return false
}

// UnRemove reverses a removal of x. It reports whether x had been removed.
func (d *DiffSet[T]) UnRemove(x T) bool {
	if _, ok := d.removed[x]; ok {
		delete(d.removed, x)
		return true
	}
	return false
}

// IsAdded reports whether x is in the added set.
func (d *DiffSet[T]) IsAdded(x T) bool {
	_, ok := d.added[x]
	return ok
}

// IsRemoved reports whether x is in the removed set.
func (d *DiffSet[T]) IsRemoved(x T) bool {
	_, ok := d.removed[x]
	return ok
}

// IsTouched reports whether x is in either set.
func (d *DiffSet[T]) IsTouched(x T) bool {
	return d.IsAdded(x) || d.IsRemoved(x)
}

// IsEmpty reports whether both sets are empty.
func (d *DiffSet[T]) IsEmpty() bool {
	return len(d.added) == 0 && len(d.removed) == 0
}

// Added returns a snapshot of the added elements in no particular order.
func (d *DiffSet[T]) Added() []T {
	out := make([]T, 0, len(d.added))
	for x := range d.added {
		out = append(out, x)
	}
	return out
}

// Removed returns a snapshot of the removed elements in no particular order.
func (d *DiffSet[T]) Removed() []T {
	out := make([]T, 0, len(d.removed))
	for x := range d.removed {
		out = append(out, x)
	}
	return out
}

// AddedLen returns the number of added elements.
func (d *DiffSet[T]) AddedLen() int { return len(d.added) }

// RemovedLen returns the number of removed elements.
func (d *DiffSet[T]) RemovedLen() int { return len(d.removed) }

// Delta is the net change in size this diff applies to a collection.
func (d *DiffSet[T]) Delta() int {
	return len(d.added) - len(d.removed)
}

// FilterAdded returns a new DiffSet whose added set holds only the elements
// accepted by keep. The removed set is copied unchanged.
func (d *DiffSet[T]) FilterAdded(keep func(T) bool) *DiffSet[T] {
	out := New[T]()
	for x := range d.added {
		if keep(x) {
			out.Add(x)
		}
	}
	for x := range d.removed {
		out.Remove(x)
	}
	return out
}

// Clone returns an independent copy.
func (d *DiffSet[T]) Clone() *DiffSet[T] {
	out := New[T]()
	for x := range d.added {
		out.Add(x)
	}
	for x := range d.removed {
		out.Remove(x)
	}
	return out
}

// Apply overlays the diff on source: source elements that are removed are
// skipped, and added elements are yielded after the source is exhausted.
// Source elements that are also in the added set are only yielded once.
// The returned sequence can be ranged over again only if source can.
func (d *DiffSet[T]) Apply(source iter.Seq[T]) iter.Seq[T] {
	return func(yield func(T) bool) {
		if source != nil {
			for x := range source {
				if d.IsRemoved(x) || d.IsAdded(x) {
					continue
				}
				if !yield(x) {
					return
				}
			}
		}
		for x := range d.added {
			if !yield(x) {
				return
			}
		}
	}
}

// ApplyCount adjusts a committed count by the net delta.
func (d *DiffSet[T]) ApplyCount(committed int) int {
	return committed + d.Delta()
}

// Clear empties both sets.
func (d *DiffSet[T]) Clear() {
	d.added = nil
	d.removed = nil
}
