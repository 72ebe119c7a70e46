package txstate

import (
	"iter"

	"github.com/pkg/errors"

	"github.com/orneryd/nornicbolt/pkg/values"
)

// CombinedTxState is a read-through view over a stable layer and a current
// layer. Committed reads pass through the stable layer first and then the
// current one. Data writes go to the current layer. Schema writes are
// rejected with ErrUnsupportedOperation; they are only legal on a
// single-layer TxState.
type CombinedTxState struct {
	stable  *TxState
	current *TxState
}

// NewCombined returns a view over stable and current.
func NewCombined(stable, current *TxState) *CombinedTxState {
	return &CombinedTxState{stable: stable, current: current}
}

// Stable returns the stable layer.
func (c *CombinedTxState) Stable() *TxState { return c.stable }

// Current returns the current layer.
func (c *CombinedTxState) Current() *TxState { return c.current }

func (c *CombinedTxState) HasChanges() bool {
	return c.stable.HasChanges() || c.current.HasChanges()
}

func (c *CombinedTxState) HasDataChanges() bool {
	return c.stable.HasDataChanges() || c.current.HasDataChanges()
}

func (c *CombinedTxState) NodeIsAddedInThisTx(id int64) bool {
	return c.current.NodeIsAddedInThisTx(id) ||
		(c.stable.NodeIsAddedInThisTx(id) && !c.current.NodeIsDeletedInThisTx(id))
}

func (c *CombinedTxState) NodeIsDeletedInThisTx(id int64) bool {
	return c.current.NodeIsDeletedInThisTx(id) || c.stable.NodeIsDeletedInThisTx(id)
}

func (c *CombinedTxState) RelationshipIsAddedInThisTx(id int64) bool {
	return c.current.RelationshipIsAddedInThisTx(id) ||
		(c.stable.RelationshipIsAddedInThisTx(id) && !c.current.RelationshipIsDeletedInThisTx(id))
}

func (c *CombinedTxState) RelationshipIsDeletedInThisTx(id int64) bool {
	return c.current.RelationshipIsDeletedInThisTx(id) || c.stable.RelationshipIsDeletedInThisTx(id)
}

func (c *CombinedTxState) RelationshipMeta(id int64) (RelationshipMeta, bool) {
	if m, ok := c.current.RelationshipMeta(id); ok {
		return m, true
	}
	return c.stable.RelationshipMeta(id)
}

func (c *CombinedTxState) AugmentNodesGetAll(committed iter.Seq[int64]) iter.Seq[int64] {
	return c.current.AugmentNodesGetAll(c.stable.AugmentNodesGetAll(committed))
}

func (c *CombinedTxState) AugmentRelationshipsGetAll(committed iter.Seq[int64]) iter.Seq[int64] {
	return c.current.AugmentRelationshipsGetAll(c.stable.AugmentRelationshipsGetAll(committed))
}

func (c *CombinedTxState) AugmentLabelScan(label string, committed iter.Seq[int64]) iter.Seq[int64] {
	return c.current.AugmentLabelScan(label, c.stable.AugmentLabelScan(label, committed))
}

func (c *CombinedTxState) AugmentRelationshipTypeScan(relType string, committed iter.Seq[int64]) iter.Seq[int64] {
	return c.current.AugmentRelationshipTypeScan(relType, c.stable.AugmentRelationshipTypeScan(relType, committed))
}

func (c *CombinedTxState) AugmentNodeLabels(id int64, committed []string) []string {
	return c.current.AugmentNodeLabels(id, c.stable.AugmentNodeLabels(id, committed))
}

func (c *CombinedTxState) NodeHasLabel(id int64, label string, committed bool) bool {
	return c.current.NodeHasLabel(id, label, c.stable.NodeHasLabel(id, label, committed))
}

func (c *CombinedTxState) AugmentNodeProperties(id int64, committed map[string]values.Value) map[string]values.Value {
	return c.current.AugmentNodeProperties(id, c.stable.AugmentNodeProperties(id, committed))
}

func (c *CombinedTxState) AugmentNodeProperty(id int64, key string, committed values.Value) values.Value {
	return c.current.AugmentNodeProperty(id, key, c.stable.AugmentNodeProperty(id, key, committed))
}

func (c *CombinedTxState) AugmentRelationshipProperties(id int64, committed map[string]values.Value) map[string]values.Value {
	return c.current.AugmentRelationshipProperties(id, c.stable.AugmentRelationshipProperties(id, committed))
}

func (c *CombinedTxState) AugmentDegree(id int64, dir Direction, relType string, committed int) int {
	return c.current.AugmentDegree(id, dir, relType, c.stable.AugmentDegree(id, dir, relType, committed))
}

func (c *CombinedTxState) AugmentNodeRelationships(id int64, dir Direction, relType string, committed iter.Seq[int64]) iter.Seq[int64] {
	return c.current.AugmentNodeRelationships(id, dir, relType, c.stable.AugmentNodeRelationships(id, dir, relType, committed))
}

func (c *CombinedTxState) AugmentPropertyLookup(key string, value values.Value, committed iter.Seq[int64]) iter.Seq[int64] {
	return c.current.AugmentPropertyLookup(key, value, c.stable.AugmentPropertyLookup(key, value, committed))
}

func (c *CombinedTxState) AugmentIndexSeek(d IndexDescriptor, tuple values.Tuple, committed iter.Seq[int64]) iter.Seq[int64] {
	return c.current.AugmentIndexSeek(d, tuple, c.stable.AugmentIndexSeek(d, tuple, committed))
}

func (c *CombinedTxState) AugmentIndexScan(d IndexDescriptor, committed iter.Seq[int64]) iter.Seq[int64] {
	return c.current.AugmentIndexScan(d, c.stable.AugmentIndexScan(d, committed))
}

func (c *CombinedTxState) AugmentIndexRangeSeek(d IndexDescriptor, lower, upper *Bound, committed iter.Seq[int64]) iter.Seq[int64] {
	return c.current.AugmentIndexRangeSeek(d, lower, upper, c.stable.AugmentIndexRangeSeek(d, lower, upper, committed))
}

func (c *CombinedTxState) AugmentIndexPrefixSeek(d IndexDescriptor, prefix string, committed iter.Seq[int64]) iter.Seq[int64] {
	return c.current.AugmentIndexPrefixSeek(d, prefix, c.stable.AugmentIndexPrefixSeek(d, prefix, committed))
}

func (c *CombinedTxState) AugmentIndexes(committed []IndexDescriptor) []IndexDescriptor {
	return c.current.AugmentIndexes(c.stable.AugmentIndexes(committed))
}

func (c *CombinedTxState) AugmentConstraints(committed []ConstraintDescriptor) []ConstraintDescriptor {
	return c.current.AugmentConstraints(c.stable.AugmentConstraints(committed))
}

// Data writes go to the current layer.

func (c *CombinedTxState) NodeDoCreate(id int64) { c.current.NodeDoCreate(id) }
func (c *CombinedTxState) NodeDoDelete(id int64) { c.current.NodeDoDelete(id) }

func (c *CombinedTxState) RelationshipDoCreate(id int64, relType string, start, end int64) {
	c.current.RelationshipDoCreate(id, relType, start, end)
}

func (c *CombinedTxState) RelationshipDoDelete(id int64, relType string, start, end int64) {
	c.current.RelationshipDoDelete(id, relType, start, end)
}

func (c *CombinedTxState) NodeDoAddProperty(id int64, key string, value values.Value) {
	c.current.NodeDoAddProperty(id, key, value)
}

func (c *CombinedTxState) NodeDoChangeProperty(id int64, key string, replaced, value values.Value) {
	c.current.NodeDoChangeProperty(id, key, replaced, value)
}

func (c *CombinedTxState) NodeDoRemoveProperty(id int64, key string, removed values.Value) {
	c.current.NodeDoRemoveProperty(id, key, removed)
}

func (c *CombinedTxState) RelationshipDoAddProperty(id int64, key string, value values.Value) {
	c.current.RelationshipDoAddProperty(id, key, value)
}

func (c *CombinedTxState) RelationshipDoChangeProperty(id int64, key string, replaced, value values.Value) {
	c.current.RelationshipDoChangeProperty(id, key, replaced, value)
}

func (c *CombinedTxState) RelationshipDoRemoveProperty(id int64, key string, removed values.Value) {
	c.current.RelationshipDoRemoveProperty(id, key, removed)
}

func (c *CombinedTxState) NodeDoAddLabel(label string, id int64) {
	c.current.NodeDoAddLabel(label, id)
}

func (c *CombinedTxState) NodeDoRemoveLabel(label string, id int64) {
	c.current.NodeDoRemoveLabel(label, id)
}

func (c *CombinedTxState) IndexDoUpdateEntry(d IndexDescriptor, id int64, before, after values.Tuple) {
	c.current.IndexDoUpdateEntry(d, id, before, after)
}

// Schema writes are rejected.

func (c *CombinedTxState) IndexRuleDoAdd(d IndexDescriptor) error {
	return errors.Wrapf(ErrUnsupportedOperation, "add index %s", d)
}

func (c *CombinedTxState) IndexDoDrop(d IndexDescriptor) error {
	return errors.Wrapf(ErrUnsupportedOperation, "drop index %s", d)
}

func (c *CombinedTxState) IndexDoUnRemove(d IndexDescriptor) error {
	return errors.Wrapf(ErrUnsupportedOperation, "unremove index %s", d)
}

func (c *CombinedTxState) ConstraintDoAdd(cd ConstraintDescriptor) error {
	return errors.Wrapf(ErrUnsupportedOperation, "add %s", cd)
}

func (c *CombinedTxState) ConstraintDoDrop(cd ConstraintDescriptor) error {
	return errors.Wrapf(ErrUnsupportedOperation, "drop %s", cd)
}

func (c *CombinedTxState) ConstraintDoUnRemove(cd ConstraintDescriptor) error {
	return errors.Wrapf(ErrUnsupportedOperation, "unremove %s", cd)
}
