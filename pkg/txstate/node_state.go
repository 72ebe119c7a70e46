package txstate

import (
	"iter"
	"slices"

	"github.com/orneryd/nornicbolt/pkg/diffset"
)

// NodeState holds the pending changes of one node: properties, labels and
// the relationships added to or removed from it.
type NodeState struct {
	EntityState
	labels      *diffset.DiffSet[string]
	relsAdded   RelationshipChangesForNode
	relsRemoved RelationshipChangesForNode
}

func newNodeState(id int64) *NodeState {
	return &NodeState{EntityState: newEntityState(id), labels: diffset.New[string]()}
}

// LabelDiff returns the pending label changes.
func (n *NodeState) LabelDiff() *diffset.DiffSet[string] { return n.labels }

// AddRelationship records a relationship added to this node. Loop
// relationships are recorded once, in the loop partition.
func (n *NodeState) AddRelationship(id int64, relType string, dir Direction, loop bool) {
	n.relsAdded.add(id, relType, partitionOf(dir, loop))
}

// RemoveRelationship records the removal of a relationship. Removing one
// that was added in this transaction drops it from the added partition
// rather than recording a removal.
func (n *NodeState) RemoveRelationship(id int64, relType string, dir Direction, loop bool) {
	p := partitionOf(dir, loop)
	if n.relsAdded.remove(id, relType, p) {
		return
	}
	n.relsRemoved.add(id, relType, p)
}

// AddedRelationships returns the added relationship changes.
func (n *NodeState) AddedRelationships() *RelationshipChangesForNode { return &n.relsAdded }

// RemovedRelationships returns the removed relationship changes.
func (n *NodeState) RemovedRelationships() *RelationshipChangesForNode { return &n.relsRemoved }

// HasAddedRelationships reports whether any relationship was added.
func (n *NodeState) HasAddedRelationships() bool { return !n.relsAdded.IsEmpty() }

// AugmentDegree combines a committed degree with the pending additions and
// removals for direction and type. It has no side effects.
func (n *NodeState) AugmentDegree(dir Direction, relType string, committed int) int {
	return committed + n.relsAdded.Count(dir, relType) - n.relsRemoved.Count(dir, relType)
}

// AugmentRelationships filters removed relationships out of committed and
// appends the added ones.
func (n *NodeState) AugmentRelationships(dir Direction, relType string, committed iter.Seq[int64]) iter.Seq[int64] {
	added := n.relsAdded.IDs(dir, relType)
	return func(yield func(int64) bool) {
		if committed != nil {
			for id := range committed {
				if n.relsRemoved.contains(id) || slices.Contains(added, id) {
					continue
				}
				if !yield(id) {
					return
				}
			}
		}
		for _, id := range added {
			if !yield(id) {
				return
			}
		}
	}
}

// AugmentLabels applies the label diff to committed labels and returns
// them sorted.
func (n *NodeState) AugmentLabels(committed []string) []string {
	return slices.Sorted(n.labels.Apply(slices.Values(committed)))
}

func (n *NodeState) hasChanges() bool {
	return n.HasPropertyChanges() || !n.labels.IsEmpty() || !n.relsAdded.IsEmpty() || !n.relsRemoved.IsEmpty()
}

func (n *NodeState) clone() *NodeState {
	return &NodeState{
		EntityState: n.cloneProperties(),
		labels:      n.labels.Clone(),
		relsAdded:   n.relsAdded.clone(),
		relsRemoved: n.relsRemoved.clone(),
	}
}

func partitionOf(dir Direction, loop bool) partition {
	switch {
	case loop:
		return partLoop
	case dir == Incoming:
		return partIncoming
	default:
		return partOutgoing
	}
}
