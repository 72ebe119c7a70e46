package storage

import (
	"maps"
	"slices"

	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/orneryd/nornicbolt/pkg/txstate"
	"github.com/orneryd/nornicbolt/pkg/values"
)

// recordWriter is the primitive read/write surface a store exposes to the
// shared command applier. Writes must be visible to later reads through the
// same writer. The store makes the whole sequence atomic.
type recordWriter interface {
	node(id int64) (*NodeRecord, error)
	relationship(id int64) (*RelationshipRecord, error)
	putNode(n *NodeRecord) error
	deleteNode(id int64) error
	putRelationship(r *RelationshipRecord) error
	deleteRelationship(r *RelationshipRecord) error

	setLabel(label string, node int64, present bool) error
	nodesWithLabel(label string) ([]int64, error)
	relationshipsOf(node int64) ([]int64, error)

	setIndexEntry(d txstate.IndexDescriptor, value values.Value, node int64, present bool) error
	indexSeek(d txstate.IndexDescriptor, value values.Value) ([]int64, error)
	dropIndexEntries(d txstate.IndexDescriptor) error

	indexes() ([]txstate.IndexDescriptor, error)
	setIndex(d txstate.IndexDescriptor, present bool) error
	constraints() ([]txstate.ConstraintDescriptor, error)
	setConstraint(c txstate.ConstraintDescriptor, present bool) error
}

// applier applies commands through a recordWriter, keeping label and index
// entries in step with node records.
type applier struct {
	w       recordWriter
	indexes map[txstate.IndexDescriptor]struct{}
	unique  map[txstate.IndexDescriptor]struct{}
	exists  map[txstate.IndexDescriptor]struct{}
	touched map[int64]struct{}
}

func newApplier(w recordWriter) (*applier, error) {
	a := &applier{
		w:       w,
		indexes: make(map[txstate.IndexDescriptor]struct{}),
		unique:  make(map[txstate.IndexDescriptor]struct{}),
		exists:  make(map[txstate.IndexDescriptor]struct{}),
		touched: make(map[int64]struct{}),
	}
	idx, err := w.indexes()
	if err != nil {
		return nil, err
	}
	for _, d := range idx {
		a.indexes[d] = struct{}{}
	}
	cons, err := w.constraints()
	if err != nil {
		return nil, err
	}
	for _, c := range cons {
		a.constrained(c)[c.Index()] = struct{}{}
	}
	return a, nil
}

func (a *applier) constrained(c txstate.ConstraintDescriptor) map[txstate.IndexDescriptor]struct{} {
	if c.Kind == txstate.UniqueConstraint {
		return a.unique
	}
	return a.exists
}

// applyCommands runs cmds in order and then checks the constraints for
// every node touched.
func applyCommands(w recordWriter, cmds []Command) error {
	a, err := newApplier(w)
	if err != nil {
		return err
	}
	for i, cmd := range cmds {
		if err := a.apply(cmd); err != nil {
			return errors.Wrapf(err, "command %d (%T)", i, cmd)
		}
	}
	return a.checkConstraints()
}

func (a *applier) apply(cmd Command) error {
	switch c := cmd.(type) {
	case CreateNode:
		if _, err := a.w.node(c.ID); err == nil {
			return errors.Wrapf(ErrAlreadyExists, "node %d", c.ID)
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		a.touched[c.ID] = struct{}{}
		return a.w.putNode(&NodeRecord{ID: c.ID, Properties: map[string]values.Value{}})

	case DeleteNode:
		n, err := a.w.node(c.ID)
		if err != nil {
			return errors.Wrapf(err, "node %d", c.ID)
		}
		attached, err := a.w.relationshipsOf(c.ID)
		if err != nil {
			return err
		}
		if len(attached) > 0 {
			return errors.Wrapf(ErrNodeHasRelationships, "node %d has %d", c.ID, len(attached))
		}
		if err := a.reindex(n, nil); err != nil {
			return err
		}
		for _, l := range n.Labels {
			if err := a.w.setLabel(l, c.ID, false); err != nil {
				return err
			}
		}
		delete(a.touched, c.ID)
		return a.w.deleteNode(c.ID)

	case SetNodeProperty:
		return a.updateNode(c.ID, func(n *NodeRecord) {
			n.Properties[c.Key] = values.Normalize(c.Value)
		})

	case RemoveNodeProperty:
		return a.updateNode(c.ID, func(n *NodeRecord) {
			delete(n.Properties, c.Key)
		})

	case AddLabel:
		if err := a.updateNode(c.ID, func(n *NodeRecord) {
			if i, found := slices.BinarySearch(n.Labels, c.Label); !found {
				n.Labels = slices.Insert(n.Labels, i, c.Label)
			}
		}); err != nil {
			return err
		}
		return a.w.setLabel(c.Label, c.ID, true)

	case RemoveLabel:
		if err := a.updateNode(c.ID, func(n *NodeRecord) {
			if i, found := slices.BinarySearch(n.Labels, c.Label); found {
				n.Labels = slices.Delete(n.Labels, i, i+1)
			}
		}); err != nil {
			return err
		}
		return a.w.setLabel(c.Label, c.ID, false)

	case CreateRelationship:
		for _, end := range []int64{c.Start, c.End} {
			if _, err := a.w.node(end); err != nil {
				if errors.Is(err, ErrNotFound) {
					return errors.Wrapf(ErrInvalidRelationship, "relationship %d, node %d", c.ID, end)
				}
				return err
			}
		}
		if _, err := a.w.relationship(c.ID); err == nil {
			return errors.Wrapf(ErrAlreadyExists, "relationship %d", c.ID)
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		return a.w.putRelationship(&RelationshipRecord{
			ID: c.ID, Type: c.Type, Start: c.Start, End: c.End,
			Properties: map[string]values.Value{},
		})

	case DeleteRelationship:
		r, err := a.w.relationship(c.ID)
		if err != nil {
			return errors.Wrapf(err, "relationship %d", c.ID)
		}
		return a.w.deleteRelationship(r)

	case SetRelationshipProperty:
		return a.updateRelationship(c.ID, func(r *RelationshipRecord) {
			r.Properties[c.Key] = values.Normalize(c.Value)
		})

	case RemoveRelationshipProperty:
		return a.updateRelationship(c.ID, func(r *RelationshipRecord) {
			delete(r.Properties, c.Key)
		})

	case CreateIndex:
		return a.createIndex(c.Index)

	case DropIndex:
		if _, ok := a.indexes[c.Index]; !ok {
			return errors.Wrapf(ErrNotFound, "index %s", c.Index)
		}
		delete(a.indexes, c.Index)
		if err := a.w.dropIndexEntries(c.Index); err != nil {
			return err
		}
		return a.w.setIndex(c.Index, false)

	case CreateConstraint:
		return a.createConstraint(c.Constraint)

	case DropConstraint:
		delete(a.constrained(c.Constraint), c.Constraint.Index())
		return a.w.setConstraint(c.Constraint, false)
	}
	return errors.Wrapf(ErrUnknownCommand, "%T", cmd)
}

func (a *applier) updateNode(id int64, fn func(*NodeRecord)) error {
	before, err := a.w.node(id)
	if err != nil {
		return errors.Wrapf(err, "node %d", id)
	}
	after := before.clone()
	fn(after)
	if err := a.reindex(before, after); err != nil {
		return err
	}
	a.touched[id] = struct{}{}
	return a.w.putNode(after)
}

func (a *applier) updateRelationship(id int64, fn func(*RelationshipRecord)) error {
	r, err := a.w.relationship(id)
	if err != nil {
		return errors.Wrapf(err, "relationship %d", id)
	}
	r = r.clone()
	fn(r)
	return a.w.putRelationship(r)
}

// indexValue returns the value n contributes to index d, if any.
func indexValue(n *NodeRecord, d txstate.IndexDescriptor) (values.Value, bool) {
	if n == nil || !n.HasLabel(d.Label) {
		return nil, false
	}
	v, ok := n.Properties[d.PropertyKey]
	if !ok || v == nil {
		return nil, false
	}
	return v, true
}

// reindex moves the index entries of a node from its before record to its
// after record. Either may be nil.
func (a *applier) reindex(before, after *NodeRecord) error {
	id := int64(0)
	if before != nil {
		id = before.ID
	} else if after != nil {
		id = after.ID
	}
	for d := range a.indexes {
		old, hadOld := indexValue(before, d)
		cur, hasCur := indexValue(after, d)
		if hadOld && hasCur && values.Equal(old, cur) {
			continue
		}
		if hadOld {
			if err := a.w.setIndexEntry(d, old, id, false); err != nil {
				return err
			}
		}
		if hasCur {
			if err := a.w.setIndexEntry(d, cur, id, true); err != nil {
				return err
			}
		}
	}
	return nil
}

// createIndex registers d and indexes the nodes already carrying its label.
// Creating an existing index is a no-op so that a unique constraint can be
// added over an index created earlier.
func (a *applier) createIndex(d txstate.IndexDescriptor) error {
	if _, ok := a.indexes[d]; ok {
		return nil
	}
	a.indexes[d] = struct{}{}
	if err := a.w.setIndex(d, true); err != nil {
		return err
	}
	ids, err := a.w.nodesWithLabel(d.Label)
	if err != nil {
		return err
	}
	for _, id := range ids {
		n, err := a.w.node(id)
		if err != nil {
			return err
		}
		if v, ok := indexValue(n, d); ok {
			if err := a.w.setIndexEntry(d, v, id, true); err != nil {
				return err
			}
		}
	}
	return nil
}

// createConstraint registers c, creating its backing index when missing,
// and validates the data already committed.
func (a *applier) createConstraint(c txstate.ConstraintDescriptor) error {
	existing, err := a.w.constraints()
	if err != nil {
		return err
	}
	if slices.Contains(existing, c) {
		return errors.Wrapf(ErrConstraintAlreadyExists, "%s", c)
	}
	if err := a.w.setConstraint(c, true); err != nil {
		return err
	}
	d := c.Index()
	if c.Kind == txstate.UniqueConstraint {
		if _, ok := a.indexes[d]; !ok {
			if err := a.createIndex(d); err != nil {
				return err
			}
		}
	}
	a.constrained(c)[d] = struct{}{}
	ids, err := a.w.nodesWithLabel(d.Label)
	if err != nil {
		return err
	}
	for _, id := range ids {
		a.touched[id] = struct{}{}
	}
	return nil
}

// checkConstraints verifies every touched node against the unique and
// exists constraints.
func (a *applier) checkConstraints() error {
	if len(a.unique) == 0 && len(a.exists) == 0 {
		return nil
	}
	for _, id := range slices.Sorted(maps.Keys(a.touched)) {
		n, err := a.w.node(id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		for d := range a.exists {
			if !n.HasLabel(d.Label) {
				continue
			}
			if _, ok := indexValue(n, d); !ok {
				return errors.Wrapf(ErrConstraintViolation, "node %d with label %s must have property %s",
					id, d.Label, d.PropertyKey)
			}
		}
		for d := range a.unique {
			v, ok := indexValue(n, d)
			if !ok {
				continue
			}
			ids, err := a.w.indexSeek(d, v)
			if err != nil {
				return err
			}
			if len(ids) > 1 {
				return errors.Wrapf(ErrConstraintViolation,
					"nodes %v share %s = %v under a unique constraint", ids, d, v)
			}
		}
	}
	return nil
}

func sortedKeys(m map[string]values.Value) []string {
	return slices.Sorted(maps.Keys(m))
}

// observeIDs advances the id counters past every id created by cmds, so ids
// chosen by a caller never collide with later allocations.
func observeIDs(cmds []Command, nextNode, nextRel *atomic.Int64) {
	for _, cmd := range cmds {
		switch c := cmd.(type) {
		case CreateNode:
			advancePast(nextNode, c.ID)
		case CreateRelationship:
			advancePast(nextRel, c.ID)
		}
	}
}

func advancePast(counter *atomic.Int64, id int64) {
	for {
		cur := counter.Load()
		if cur > id || counter.CompareAndSwap(cur, id+1) {
			return
		}
	}
}
