package txstate

import (
	"github.com/google/btree"

	"github.com/orneryd/nornicbolt/pkg/diffset"
	"github.com/orneryd/nornicbolt/pkg/values"
)

// indexEntry is the pending diff of one value tuple in one index.
type indexEntry struct {
	tuple values.Tuple
	ids   *diffset.DiffSet[int64]
}

func lessEntry(a, b *indexEntry) bool {
	return a.tuple.Compare(b.tuple) < 0
}

// indexUpdates keeps the entries of one index ordered by tuple so that
// seeks, range seeks and prefix seeks only visit matching entries.
type indexUpdates struct {
	tree *btree.BTreeG[*indexEntry]
}

const indexTreeDegree = 16

func newIndexUpdates() *indexUpdates {
	return &indexUpdates{tree: btree.NewG(indexTreeDegree, lessEntry)}
}

func (u *indexUpdates) entry(t values.Tuple) *diffset.DiffSet[int64] {
	probe := &indexEntry{tuple: t}
	if e, ok := u.tree.Get(probe); ok {
		return e.ids
	}
	probe.ids = diffset.New[int64]()
	u.tree.ReplaceOrInsert(probe)
	return probe.ids
}

func (u *indexUpdates) seek(t values.Tuple) *diffset.DiffSet[int64] {
	if e, ok := u.tree.Get(&indexEntry{tuple: t}); ok {
		return e.ids
	}
	return nil
}

// Bound is one end of a range seek. A nil *Bound is unbounded.
type Bound struct {
	Value     values.Value
	Inclusive bool
}

func (u *indexUpdates) rangeSeek(lower, upper *Bound) []*diffset.DiffSet[int64] {
	var kind values.Value
	switch {
	case lower != nil:
		kind = lower.Value
	case upper != nil:
		kind = upper.Value
	}
	var out []*diffset.DiffSet[int64]
	visit := func(e *indexEntry) bool {
		v := e.tuple[0]
		if kind != nil && !values.SameKind(v, kind) {
			return true
		}
		if lower != nil {
			c := values.Compare(v, lower.Value)
			if c < 0 || (c == 0 && !lower.Inclusive) {
				return true
			}
		}
		if upper != nil {
			c := values.Compare(v, upper.Value)
			if c > 0 || (c == 0 && !upper.Inclusive) {
				return false
			}
		}
		out = append(out, e.ids)
		return true
	}
	if lower != nil {
		u.tree.AscendGreaterOrEqual(&indexEntry{tuple: values.Tuple{lower.Value}}, visit)
	} else {
		u.tree.Ascend(visit)
	}
	return out
}

func (u *indexUpdates) prefixSeek(prefix string) []*diffset.DiffSet[int64] {
	var out []*diffset.DiffSet[int64]
	u.tree.AscendGreaterOrEqual(&indexEntry{tuple: values.Tuple{prefix}}, func(e *indexEntry) bool {
		if !e.tuple.HasStringPrefix(prefix) {
			return false
		}
		out = append(out, e.ids)
		return true
	})
	return out
}

func (u *indexUpdates) all() []*diffset.DiffSet[int64] {
	out := make([]*diffset.DiffSet[int64], 0, u.tree.Len())
	u.tree.Ascend(func(e *indexEntry) bool {
		out = append(out, e.ids)
		return true
	})
	return out
}

func (u *indexUpdates) each(fn func(values.Tuple, *diffset.DiffSet[int64])) {
	u.tree.Ascend(func(e *indexEntry) bool {
		fn(e.tuple, e.ids)
		return true
	})
}

func (u *indexUpdates) clone() *indexUpdates {
	out := newIndexUpdates()
	u.each(func(t values.Tuple, ids *diffset.DiffSet[int64]) {
		out.tree.ReplaceOrInsert(&indexEntry{tuple: t, ids: ids.Clone()})
	})
	return out
}

// union combines per-value diffs into one. An id that gains any value is
// added; an id that only loses values is removed.
func union(diffs []*diffset.DiffSet[int64]) *diffset.DiffSet[int64] {
	out := diffset.New[int64]()
	for _, d := range diffs {
		for _, id := range d.Added() {
			out.Add(id)
		}
	}
	for _, d := range diffs {
		for _, id := range d.Removed() {
			if !out.IsAdded(id) {
				out.Remove(id)
			}
		}
	}
	return out
}
