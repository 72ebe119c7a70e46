package txstate

import (
	"iter"
	"slices"
	"strings"

	"github.com/orneryd/nornicbolt/pkg/values"
)

// The Augment* functions overlay pending changes on committed reads. None of
// them modifies its committed argument.

// AugmentNodesGetAll overlays created and deleted nodes on all committed nodes.
func (t *TxState) AugmentNodesGetAll(committed iter.Seq[int64]) iter.Seq[int64] {
	return t.nodes.Apply(committed)
}

// AugmentRelationshipsGetAll overlays created and deleted relationships.
func (t *TxState) AugmentRelationshipsGetAll(committed iter.Seq[int64]) iter.Seq[int64] {
	return t.relationships.Apply(committed)
}

// AugmentLabelScan overlays label changes on a committed label scan and
// hides deleted nodes.
func (t *TxState) AugmentLabelScan(label string, committed iter.Seq[int64]) iter.Seq[int64] {
	return t.withoutDeletedNodes(t.NodesWithLabelChanged(label).Apply(committed))
}

// AugmentRelationshipTypeScan overlays relationship changes of one type.
func (t *TxState) AugmentRelationshipTypeScan(relType string, committed iter.Seq[int64]) iter.Seq[int64] {
	d, ok := t.typeRels[relType]
	if !ok {
		d = emptyIDs
	}
	return t.withoutDeletedRels(d.Apply(committed))
}

// AugmentNodeLabels returns the labels of node id after pending changes.
func (t *TxState) AugmentNodeLabels(id int64, committed []string) []string {
	if s, ok := t.nodeStates[id]; ok {
		return s.AugmentLabels(committed)
	}
	return slices.Sorted(slices.Values(committed))
}

// NodeHasLabel reports whether node id has label after pending changes.
func (t *TxState) NodeHasLabel(id int64, label string, committed bool) bool {
	if s, ok := t.nodeStates[id]; ok {
		if s.labels.IsAdded(label) {
			return true
		}
		if s.labels.IsRemoved(label) {
			return false
		}
	}
	return committed
}

// AugmentNodeProperties returns the properties of node id after pending
// changes.
func (t *TxState) AugmentNodeProperties(id int64, committed map[string]values.Value) map[string]values.Value {
	if s, ok := t.nodeStates[id]; ok {
		return s.AugmentProperties(committed)
	}
	return cloneProps(committed)
}

// AugmentNodeProperty returns the value of one node property after pending
// changes, values.NoValue if it is absent or removed.
func (t *TxState) AugmentNodeProperty(id int64, key string, committed values.Value) values.Value {
	if s, ok := t.nodeStates[id]; ok {
		if v, touched := s.PropertyValue(key); touched {
			return v
		}
	}
	if committed == nil {
		return values.NoValue
	}
	return committed
}

// AugmentRelationshipProperties returns the properties of relationship id
// after pending changes.
func (t *TxState) AugmentRelationshipProperties(id int64, committed map[string]values.Value) map[string]values.Value {
	if s, ok := t.relStates[id]; ok {
		return s.AugmentProperties(committed)
	}
	return cloneProps(committed)
}

// AugmentDegree combines the committed degree of node id with the pending
// relationship changes for dir and relType (empty means any type).
func (t *TxState) AugmentDegree(id int64, dir Direction, relType string, committed int) int {
	if s, ok := t.nodeStates[id]; ok {
		return s.AugmentDegree(dir, relType, committed)
	}
	return committed
}

// AugmentNodeRelationships overlays relationship changes on the committed
// relationships of node id.
func (t *TxState) AugmentNodeRelationships(id int64, dir Direction, relType string, committed iter.Seq[int64]) iter.Seq[int64] {
	if s, ok := t.nodeStates[id]; ok {
		return t.withoutDeletedRels(s.AugmentRelationships(dir, relType, committed))
	}
	return t.withoutDeletedRels(committed)
}

// AugmentPropertyLookup overlays pending changes on the committed nodes
// whose key equals value.
func (t *TxState) AugmentPropertyLookup(key string, value values.Value, committed iter.Seq[int64]) iter.Seq[int64] {
	return t.withoutDeletedNodes(t.nodeProps.Lookup(key, value).Apply(committed))
}

// AugmentRelationshipPropertyLookup is AugmentPropertyLookup for relationships.
func (t *TxState) AugmentRelationshipPropertyLookup(key string, value values.Value, committed iter.Seq[int64]) iter.Seq[int64] {
	return t.withoutDeletedRels(t.relProps.Lookup(key, value).Apply(committed))
}

// AugmentIndexSeek overlays pending index entries on a committed seek.
func (t *TxState) AugmentIndexSeek(d IndexDescriptor, tuple values.Tuple, committed iter.Seq[int64]) iter.Seq[int64] {
	return t.withoutDeletedNodes(t.IndexUpdatesForSeek(d, tuple).Apply(committed))
}

// AugmentIndexScan overlays pending index entries on a committed scan.
func (t *TxState) AugmentIndexScan(d IndexDescriptor, committed iter.Seq[int64]) iter.Seq[int64] {
	return t.withoutDeletedNodes(t.IndexUpdatesForScan(d).Apply(committed))
}

// AugmentIndexRangeSeek overlays pending index entries on a committed range seek.
func (t *TxState) AugmentIndexRangeSeek(d IndexDescriptor, lower, upper *Bound, committed iter.Seq[int64]) iter.Seq[int64] {
	return t.withoutDeletedNodes(t.IndexUpdatesForRangeSeek(d, lower, upper).Apply(committed))
}

// AugmentIndexPrefixSeek overlays pending index entries on a committed
// string prefix seek.
func (t *TxState) AugmentIndexPrefixSeek(d IndexDescriptor, prefix string, committed iter.Seq[int64]) iter.Seq[int64] {
	return t.withoutDeletedNodes(t.IndexUpdatesForPrefix(d, prefix).Apply(committed))
}

// AugmentIndexes overlays pending index changes on the committed indexes.
func (t *TxState) AugmentIndexes(committed []IndexDescriptor) []IndexDescriptor {
	return SortedIndexes(t.indexChanges.Apply(slices.Values(committed)))
}

// AugmentConstraints overlays pending constraint changes.
func (t *TxState) AugmentConstraints(committed []ConstraintDescriptor) []ConstraintDescriptor {
	return SortedConstraints(t.constraintChanges.Apply(slices.Values(committed)))
}

func (t *TxState) withoutDeletedNodes(seq iter.Seq[int64]) iter.Seq[int64] {
	return filterSeq(seq, func(id int64) bool { return !t.nodes.WasRemoved(id) })
}

func (t *TxState) withoutDeletedRels(seq iter.Seq[int64]) iter.Seq[int64] {
	return filterSeq(seq, func(id int64) bool { return !t.relationships.WasRemoved(id) })
}

func filterSeq(seq iter.Seq[int64], keep func(int64) bool) iter.Seq[int64] {
	return func(yield func(int64) bool) {
		if seq == nil {
			return
		}
		for id := range seq {
			if keep(id) && !yield(id) {
				return
			}
		}
	}
}

func cloneProps(in map[string]values.Value) map[string]values.Value {
	out := make(map[string]values.Value, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// SortedIndexes collects seq ordered by label then property key.
func SortedIndexes(seq iter.Seq[IndexDescriptor]) []IndexDescriptor {
	out := slices.Collect(seq)
	slices.SortFunc(out, func(a, b IndexDescriptor) int {
		return strings.Compare(a.Label+"\x00"+a.PropertyKey, b.Label+"\x00"+b.PropertyKey)
	})
	return out
}

// SortedConstraints collects seq in a stable display order.
func SortedConstraints(seq iter.Seq[ConstraintDescriptor]) []ConstraintDescriptor {
	out := slices.Collect(seq)
	slices.SortFunc(out, func(a, b ConstraintDescriptor) int {
		return strings.Compare(a.String(), b.String())
	})
	return out
}
