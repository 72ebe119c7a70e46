// Package txstate tracks the uncommitted graph mutations of one transaction.
//
// A TxState records created and deleted nodes and relationships, property
// and label changes, schema changes and pending index entries. The query
// layer reads committed data from the store and passes it through the
// Augment* functions, which overlay the pending changes without modifying
// the committed results. At commit time the kernel visits the state with
// Accept and turns it into store commands.
//
// Example:
//
//	tx := txstate.New()
//	tx.NodeDoCreate(7)
//	tx.NodeDoAddLabel("Person", 7)
//	tx.NodeDoAddProperty(7, "name", "alice")
//
//	ids := tx.AugmentLabelScan("Person", storeIDs) // includes 7
//	props := tx.AugmentNodeProperties(7, nil)      // {"name": "alice"}
//
// A TxState has a single writer, the goroutine running its transaction, and
// no internal locking.
//
// The TransactionStateContainer (Container) optionally splits the state into
// a stable layer and a current layer. The CombinedTxState view reads through
// both, routes data writes to the current layer and rejects schema writes.
package txstate

import (
	"maps"
	"slices"

	"github.com/pkg/errors"

	"github.com/orneryd/nornicbolt/pkg/diffset"
	"github.com/orneryd/nornicbolt/pkg/values"
)

var (
	// ErrUnsupportedOperation is returned by views that cannot take the
	// requested write, such as schema changes on a CombinedTxState.
	ErrUnsupportedOperation = errors.New("operation not supported on this transaction state view")

	// ErrCombineWithoutSplit is returned by Container.Combine when the
	// container was never split.
	ErrCombineWithoutSplit = errors.New("cannot combine transaction state that was never split")

	// ErrAlreadySplit is returned by Container.Split on a split container.
	ErrAlreadySplit = errors.New("transaction state is already split")

	// ErrDeletedNodeStillHasRelationships is returned by Accept when a node
	// deleted in the transaction is still the endpoint of a relationship
	// created in the same transaction.
	ErrDeletedNodeStillHasRelationships = errors.New("node deleted in this transaction still has relationships")
)

// TxState is the authoritative, single-layer transaction state.
type TxState struct {
	nodes         *diffset.RemovalsCounting[int64]
	relationships *diffset.RemovalsCounting[int64]

	nodeStates map[int64]*NodeState
	relStates  map[int64]*RelationshipState

	// metadata of relationships deleted in this transaction
	deletedRels map[int64]RelationshipMeta

	labelNodes map[string]*diffset.DiffSet[int64]
	typeRels   map[string]*diffset.DiffSet[int64]

	nodeProps *PropertyChangeIndex
	relProps  *PropertyChangeIndex

	indexChanges      *diffset.DiffSet[IndexDescriptor]
	constraintChanges *diffset.DiffSet[ConstraintDescriptor]
	indexUpdates      map[IndexDescriptor]*indexUpdates

	hasChanges     bool
	hasDataChanges bool
}

// New returns an empty TxState.
func New() *TxState {
	return &TxState{
		nodes:             diffset.NewRemovalsCounting[int64](),
		relationships:     diffset.NewRemovalsCounting[int64](),
		nodeStates:        make(map[int64]*NodeState),
		relStates:         make(map[int64]*RelationshipState),
		deletedRels:       make(map[int64]RelationshipMeta),
		labelNodes:        make(map[string]*diffset.DiffSet[int64]),
		typeRels:          make(map[string]*diffset.DiffSet[int64]),
		nodeProps:         NewPropertyChangeIndex(),
		relProps:          NewPropertyChangeIndex(),
		indexChanges:      diffset.New[IndexDescriptor](),
		constraintChanges: diffset.New[ConstraintDescriptor](),
		indexUpdates:      make(map[IndexDescriptor]*indexUpdates),
	}
}

func (t *TxState) changed() {
	t.hasChanges = true
}

func (t *TxState) dataChanged() {
	t.hasChanges = true
	t.hasDataChanges = true
}

// HasChanges reports whether anything, data or schema, was changed.
func (t *TxState) HasChanges() bool { return t.hasChanges }

// HasDataChanges reports whether any data (non-schema) change was made.
func (t *TxState) HasDataChanges() bool { return t.hasDataChanges }

func (t *TxState) nodeState(id int64) *NodeState {
	s := t.nodeStates[id]
	if s == nil {
		s = newNodeState(id)
		t.nodeStates[id] = s
	}
	return s
}

func (t *TxState) relState(id int64) *RelationshipState {
	s := t.relStates[id]
	if s == nil {
		s = newRelationshipState(id)
		t.relStates[id] = s
	}
	return s
}

func (t *TxState) labelDiff(label string) *diffset.DiffSet[int64] {
	d := t.labelNodes[label]
	if d == nil {
		d = diffset.New[int64]()
		t.labelNodes[label] = d
	}
	return d
}

func (t *TxState) typeDiff(relType string) *diffset.DiffSet[int64] {
	d := t.typeRels[relType]
	if d == nil {
		d = diffset.New[int64]()
		t.typeRels[relType] = d
	}
	return d
}

// NodeState returns the pending state of a node, or nil if untouched.
func (t *TxState) NodeState(id int64) *NodeState { return t.nodeStates[id] }

// RelationshipState returns the pending state of a relationship, or nil.
func (t *TxState) RelationshipState(id int64) *RelationshipState { return t.relStates[id] }

// ---------------------------------------------------------------------------
// Nodes and relationships
// ---------------------------------------------------------------------------

// NodeDoCreate records the creation of node id.
func (t *TxState) NodeDoCreate(id int64) {
	t.nodes.Add(id)
	t.dataChanged()
}

// NodeDoDelete records the deletion of node id and drops its pending state.
func (t *TxState) NodeDoDelete(id int64) {
	t.nodes.Remove(id)
	if s, ok := t.nodeStates[id]; ok {
		for _, label := range s.labels.Added() {
			t.labelDiff(label).Remove(id)
		}
		delete(t.nodeStates, id)
	}
	t.dataChanged()
}

// RelationshipDoCreate records the creation of a relationship and routes it
// to both endpoints. A loop is routed once to its single node.
func (t *TxState) RelationshipDoCreate(id int64, relType string, start, end int64) {
	t.relationships.Add(id)
	meta := RelationshipMeta{ID: id, Type: relType, Start: start, End: end}
	t.relState(id).setMeta(meta)
	t.routeAdd(meta)
	t.typeDiff(relType).Add(id)
	t.dataChanged()
}

func (t *TxState) routeAdd(meta RelationshipMeta) {
	if meta.IsLoop() {
		t.nodeState(meta.Start).AddRelationship(meta.ID, meta.Type, Both, true)
		return
	}
	t.nodeState(meta.Start).AddRelationship(meta.ID, meta.Type, Outgoing, false)
	t.nodeState(meta.End).AddRelationship(meta.ID, meta.Type, Incoming, false)
}

// RelationshipDoDelete records the deletion of a relationship.
func (t *TxState) RelationshipDoDelete(id int64, relType string, start, end int64) {
	meta := RelationshipMeta{ID: id, Type: relType, Start: start, End: end}
	if !t.relationships.Remove(id) {
		t.deletedRels[id] = meta
	}
	if meta.IsLoop() {
		t.nodeState(start).RemoveRelationship(id, relType, Both, true)
	} else {
		t.nodeState(start).RemoveRelationship(id, relType, Outgoing, false)
		t.nodeState(end).RemoveRelationship(id, relType, Incoming, false)
	}
	t.typeDiff(relType).Remove(id)
	delete(t.relStates, id)
	t.dataChanged()
}

// RelationshipDoDeleteAddedInThisTx deletes a relationship created in this
// transaction using the metadata recorded at creation.
func (t *TxState) RelationshipDoDeleteAddedInThisTx(id int64) bool {
	s, ok := t.relStates[id]
	if !ok {
		return false
	}
	meta, ok := s.Meta()
	if !ok {
		return false
	}
	t.RelationshipDoDelete(id, meta.Type, meta.Start, meta.End)
	return true
}

// NodeIsAddedInThisTx reports whether node id was created here.
func (t *TxState) NodeIsAddedInThisTx(id int64) bool { return t.nodes.IsAdded(id) }

// NodeIsDeletedInThisTx reports whether node id was deleted here, including
// nodes that were created and deleted in this transaction.
func (t *TxState) NodeIsDeletedInThisTx(id int64) bool { return t.nodes.WasRemoved(id) }

// NodeWasCreatedAndDeleted reports whether node id was both created and
// deleted in this transaction.
func (t *TxState) NodeWasCreatedAndDeleted(id int64) bool { return t.nodes.WasCreatedAndDeleted(id) }

// RelationshipIsAddedInThisTx reports whether relationship id was created here.
func (t *TxState) RelationshipIsAddedInThisTx(id int64) bool { return t.relationships.IsAdded(id) }

// RelationshipIsDeletedInThisTx reports whether relationship id was deleted here.
func (t *TxState) RelationshipIsDeletedInThisTx(id int64) bool {
	return t.relationships.WasRemoved(id)
}

// RelationshipMeta returns the shape of a relationship created or deleted
// in this transaction.
func (t *TxState) RelationshipMeta(id int64) (RelationshipMeta, bool) {
	if s, ok := t.relStates[id]; ok {
		if m, ok := s.Meta(); ok {
			return m, true
		}
	}
	m, ok := t.deletedRels[id]
	return m, ok
}

// AddedAndRemovedNodes exposes the node existence diff.
func (t *TxState) AddedAndRemovedNodes() *diffset.RemovalsCounting[int64] { return t.nodes }

// AddedAndRemovedRelationships exposes the relationship existence diff.
func (t *TxState) AddedAndRemovedRelationships() *diffset.RemovalsCounting[int64] {
	return t.relationships
}

// ---------------------------------------------------------------------------
// Properties and labels
// ---------------------------------------------------------------------------

// NodeDoAddProperty records a new property on a node.
func (t *TxState) NodeDoAddProperty(id int64, key string, value values.Value) {
	t.nodeState(id).AddProperty(key, value)
	t.nodeProps.Added(id, key, value)
	t.dataChanged()
}

// NodeDoChangeProperty records a changed property on a node.
func (t *TxState) NodeDoChangeProperty(id int64, key string, replaced, value values.Value) {
	t.nodeState(id).ChangeProperty(key, value)
	t.nodeProps.Changed(id, key, replaced, value)
	t.dataChanged()
}

// NodeDoRemoveProperty records the removal of a node property.
func (t *TxState) NodeDoRemoveProperty(id int64, key string, removed values.Value) {
	t.nodeState(id).RemoveProperty(key)
	t.nodeProps.Removed(id, key, removed)
	t.dataChanged()
}

// RelationshipDoAddProperty records a new property on a relationship.
func (t *TxState) RelationshipDoAddProperty(id int64, key string, value values.Value) {
	t.relState(id).AddProperty(key, value)
	t.relProps.Added(id, key, value)
	t.dataChanged()
}

// RelationshipDoChangeProperty records a changed relationship property.
func (t *TxState) RelationshipDoChangeProperty(id int64, key string, replaced, value values.Value) {
	t.relState(id).ChangeProperty(key, value)
	t.relProps.Changed(id, key, replaced, value)
	t.dataChanged()
}

// RelationshipDoRemoveProperty records the removal of a relationship property.
func (t *TxState) RelationshipDoRemoveProperty(id int64, key string, removed values.Value) {
	t.relState(id).RemoveProperty(key)
	t.relProps.Removed(id, key, removed)
	t.dataChanged()
}

// NodeDoAddLabel adds label to node id.
func (t *TxState) NodeDoAddLabel(label string, id int64) {
	t.labelDiff(label).Add(id)
	t.nodeState(id).labels.Add(label)
	t.dataChanged()
}

// NodeDoRemoveLabel removes label from node id.
func (t *TxState) NodeDoRemoveLabel(label string, id int64) {
	t.labelDiff(label).Remove(id)
	t.nodeState(id).labels.Remove(label)
	t.dataChanged()
}

// NodesWithLabelChanged returns the pending membership changes of label.
func (t *TxState) NodesWithLabelChanged(label string) *diffset.DiffSet[int64] {
	if d, ok := t.labelNodes[label]; ok {
		return d
	}
	return emptyIDs
}

// ---------------------------------------------------------------------------
// Schema and index updates
// ---------------------------------------------------------------------------

// IndexRuleDoAdd records the creation of an index.
func (t *TxState) IndexRuleDoAdd(d IndexDescriptor) error {
	t.indexChanges.Add(d)
	t.changed()
	return nil
}

// IndexDoDrop records dropping an index.
func (t *TxState) IndexDoDrop(d IndexDescriptor) error {
	t.indexChanges.Remove(d)
	delete(t.indexUpdates, d)
	t.changed()
	return nil
}

// IndexDoUnRemove reverses a drop of d.
func (t *TxState) IndexDoUnRemove(d IndexDescriptor) error {
	if t.indexChanges.UnRemove(d) {
		t.changed()
	}
	return nil
}

// ConstraintDoAdd records a new constraint. A uniqueness constraint also
// adds its backing index.
func (t *TxState) ConstraintDoAdd(c ConstraintDescriptor) error {
	t.constraintChanges.Add(c)
	if c.Kind == UniqueConstraint {
		t.indexChanges.Add(c.Index())
	}
	t.changed()
	return nil
}

// ConstraintDoDrop records dropping a constraint and its backing index.
func (t *TxState) ConstraintDoDrop(c ConstraintDescriptor) error {
	t.constraintChanges.Remove(c)
	if c.Kind == UniqueConstraint {
		t.indexChanges.Remove(c.Index())
	}
	t.changed()
	return nil
}

// ConstraintDoUnRemove reverses a drop of c.
func (t *TxState) ConstraintDoUnRemove(c ConstraintDescriptor) error {
	if t.constraintChanges.UnRemove(c) {
		t.changed()
	}
	return nil
}

// IndexChanges exposes the pending index diff.
func (t *TxState) IndexChanges() *diffset.DiffSet[IndexDescriptor] { return t.indexChanges }

// ConstraintChanges exposes the pending constraint diff.
func (t *TxState) ConstraintChanges() *diffset.DiffSet[ConstraintDescriptor] {
	return t.constraintChanges
}

// IndexDoUpdateEntry moves node id from the before tuple to the after tuple
// in index d. A nil tuple means the node had, or now has, no entry.
func (t *TxState) IndexDoUpdateEntry(d IndexDescriptor, id int64, before, after values.Tuple) {
	u := t.indexUpdates[d]
	if u == nil {
		u = newIndexUpdates()
		t.indexUpdates[d] = u
	}
	if before != nil {
		u.entry(before).Remove(id)
	}
	if after != nil {
		u.entry(after).Add(id)
	}
	t.dataChanged()
}

// IndexUpdatesForScan returns the pending changes of the whole index.
func (t *TxState) IndexUpdatesForScan(d IndexDescriptor) *diffset.DiffSet[int64] {
	u := t.indexUpdates[d]
	if u == nil {
		return diffset.New[int64]()
	}
	return union(u.all())
}

// IndexUpdatesForSeek returns the pending changes for an exact tuple.
func (t *TxState) IndexUpdatesForSeek(d IndexDescriptor, tuple values.Tuple) *diffset.DiffSet[int64] {
	if u := t.indexUpdates[d]; u != nil {
		if ids := u.seek(tuple); ids != nil {
			return ids.Clone()
		}
	}
	return diffset.New[int64]()
}

// IndexUpdatesForRangeSeek returns the pending changes for values between
// lower and upper. Only values of the same kind as the bounds match.
func (t *TxState) IndexUpdatesForRangeSeek(d IndexDescriptor, lower, upper *Bound) *diffset.DiffSet[int64] {
	u := t.indexUpdates[d]
	if u == nil {
		return diffset.New[int64]()
	}
	return union(u.rangeSeek(lower, upper))
}

// IndexUpdatesForPrefix returns the pending changes for string values
// starting with prefix.
func (t *TxState) IndexUpdatesForPrefix(d IndexDescriptor, prefix string) *diffset.DiffSet[int64] {
	u := t.indexUpdates[d]
	if u == nil {
		return diffset.New[int64]()
	}
	return union(u.prefixSeek(prefix))
}

// ---------------------------------------------------------------------------
// Copying
// ---------------------------------------------------------------------------

// Clone returns a deep copy.
func (t *TxState) Clone() *TxState {
	out := New()
	for _, id := range t.nodes.Added() {
		out.nodes.Add(id)
	}
	for _, id := range t.nodes.CreatedAndDeleted() {
		out.nodes.Add(id)
		out.nodes.Remove(id)
	}
	for _, id := range t.nodes.Removed() {
		out.nodes.Remove(id)
	}
	for _, id := range t.relationships.Added() {
		out.relationships.Add(id)
	}
	for _, id := range t.relationships.CreatedAndDeleted() {
		out.relationships.Add(id)
		out.relationships.Remove(id)
	}
	for _, id := range t.relationships.Removed() {
		out.relationships.Remove(id)
	}
	for id, s := range t.nodeStates {
		out.nodeStates[id] = s.clone()
	}
	for id, s := range t.relStates {
		out.relStates[id] = s.clone()
	}
	out.deletedRels = maps.Clone(t.deletedRels)
	for l, d := range t.labelNodes {
		out.labelNodes[l] = d.Clone()
	}
	for ty, d := range t.typeRels {
		out.typeRels[ty] = d.Clone()
	}
	out.nodeProps = t.nodeProps.clone()
	out.relProps = t.relProps.clone()
	out.indexChanges = t.indexChanges.Clone()
	out.constraintChanges = t.constraintChanges.Clone()
	for d, u := range t.indexUpdates {
		out.indexUpdates[d] = u.clone()
	}
	out.hasChanges = t.hasChanges
	out.hasDataChanges = t.hasDataChanges
	return out
}

// ModifiedNodes returns the ids of nodes with pending state, sorted.
func (t *TxState) ModifiedNodes() []int64 {
	return slices.Sorted(maps.Keys(t.nodeStates))
}

// ModifiedRelationships returns the ids of relationships with pending
// state, sorted.
func (t *TxState) ModifiedRelationships() []int64 {
	return slices.Sorted(maps.Keys(t.relStates))
}
