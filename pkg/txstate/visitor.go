package txstate

import (
	"maps"
	"slices"

	"github.com/pkg/errors"

	"github.com/orneryd/nornicbolt/pkg/values"
)

// Visitor receives the changes of a TxState in commit order.
type Visitor interface {
	VisitCreatedNode(id int64) error
	VisitCreatedRelationship(meta RelationshipMeta) error
	VisitDeletedRelationship(meta RelationshipMeta) error
	VisitDeletedNode(id int64) error
	VisitNodePropertyChanges(id int64, added, changed map[string]values.Value, removed []string) error
	VisitRelationshipPropertyChanges(id int64, added, changed map[string]values.Value, removed []string) error
	VisitNodeLabelChanges(id int64, added, removed []string) error
	VisitAddedIndex(d IndexDescriptor) error
	VisitRemovedIndex(d IndexDescriptor) error
	VisitAddedConstraint(c ConstraintDescriptor) error
	VisitRemovedConstraint(c ConstraintDescriptor) error
}

// Accept walks the state in this order: created nodes, created
// relationships, deleted relationships, deleted nodes, node property and
// label changes, relationship property changes, index changes, constraint
// changes. Ids are visited in ascending order. The first error stops the
// walk and is returned.
func (t *TxState) Accept(v Visitor) error {
	for _, id := range sortedIDs(t.nodes.Added()) {
		if err := v.VisitCreatedNode(id); err != nil {
			return err
		}
	}
	for _, id := range sortedIDs(t.relationships.Added()) {
		meta, _ := t.RelationshipMeta(id)
		if err := v.VisitCreatedRelationship(meta); err != nil {
			return err
		}
	}
	for _, id := range sortedIDs(t.relationships.Removed()) {
		if err := v.VisitDeletedRelationship(t.deletedRels[id]); err != nil {
			return err
		}
	}
	for _, id := range sortedIDs(t.nodes.Removed()) {
		if err := t.checkNoAddedRelationships(id); err != nil {
			return err
		}
		if err := v.VisitDeletedNode(id); err != nil {
			return err
		}
	}

	for _, id := range slices.Sorted(maps.Keys(t.nodeStates)) {
		if t.nodes.WasRemoved(id) {
			continue
		}
		s := t.nodeStates[id]
		if s.HasPropertyChanges() {
			if err := v.VisitNodePropertyChanges(id, s.AddedProperties(), s.ChangedProperties(), s.RemovedProperties()); err != nil {
				return err
			}
		}
		if !s.labels.IsEmpty() {
			added := slices.Sorted(slices.Values(s.labels.Added()))
			removed := slices.Sorted(slices.Values(s.labels.Removed()))
			if err := v.VisitNodeLabelChanges(id, added, removed); err != nil {
				return err
			}
		}
	}
	for _, id := range slices.Sorted(maps.Keys(t.relStates)) {
		s := t.relStates[id]
		if !s.HasPropertyChanges() {
			continue
		}
		if err := v.VisitRelationshipPropertyChanges(id, s.AddedProperties(), s.ChangedProperties(), s.RemovedProperties()); err != nil {
			return err
		}
	}

	for _, d := range SortedIndexes(slices.Values(t.indexChanges.Added())) {
		if err := v.VisitAddedIndex(d); err != nil {
			return err
		}
	}
	for _, d := range SortedIndexes(slices.Values(t.indexChanges.Removed())) {
		if err := v.VisitRemovedIndex(d); err != nil {
			return err
		}
	}
	for _, c := range SortedConstraints(slices.Values(t.constraintChanges.Added())) {
		if err := v.VisitAddedConstraint(c); err != nil {
			return err
		}
	}
	for _, c := range SortedConstraints(slices.Values(t.constraintChanges.Removed())) {
		if err := v.VisitRemovedConstraint(c); err != nil {
			return err
		}
	}
	return nil
}

func (t *TxState) checkNoAddedRelationships(node int64) error {
	for _, id := range t.relationships.Added() {
		meta, ok := t.RelationshipMeta(id)
		if ok && (meta.Start == node || meta.End == node) {
			return errors.Wrapf(ErrDeletedNodeStillHasRelationships, "node %d, relationship %d", node, id)
		}
	}
	return nil
}

func sortedIDs(ids []int64) []int64 {
	slices.Sort(ids)
	return ids
}
