package txstate

import (
	"iter"

	"github.com/orneryd/nornicbolt/pkg/values"
)

// ReadableState is the read side shared by TxState and CombinedTxState.
type ReadableState interface {
	HasChanges() bool
	HasDataChanges() bool

	NodeIsAddedInThisTx(id int64) bool
	NodeIsDeletedInThisTx(id int64) bool
	RelationshipIsAddedInThisTx(id int64) bool
	RelationshipIsDeletedInThisTx(id int64) bool
	RelationshipMeta(id int64) (RelationshipMeta, bool)

	AugmentNodesGetAll(committed iter.Seq[int64]) iter.Seq[int64]
	AugmentRelationshipsGetAll(committed iter.Seq[int64]) iter.Seq[int64]
	AugmentLabelScan(label string, committed iter.Seq[int64]) iter.Seq[int64]
	AugmentRelationshipTypeScan(relType string, committed iter.Seq[int64]) iter.Seq[int64]
	AugmentNodeLabels(id int64, committed []string) []string
	NodeHasLabel(id int64, label string, committed bool) bool
	AugmentNodeProperties(id int64, committed map[string]values.Value) map[string]values.Value
	AugmentNodeProperty(id int64, key string, committed values.Value) values.Value
	AugmentRelationshipProperties(id int64, committed map[string]values.Value) map[string]values.Value
	AugmentDegree(id int64, dir Direction, relType string, committed int) int
	AugmentNodeRelationships(id int64, dir Direction, relType string, committed iter.Seq[int64]) iter.Seq[int64]
	AugmentPropertyLookup(key string, value values.Value, committed iter.Seq[int64]) iter.Seq[int64]
	AugmentIndexSeek(d IndexDescriptor, tuple values.Tuple, committed iter.Seq[int64]) iter.Seq[int64]
	AugmentIndexScan(d IndexDescriptor, committed iter.Seq[int64]) iter.Seq[int64]
	AugmentIndexRangeSeek(d IndexDescriptor, lower, upper *Bound, committed iter.Seq[int64]) iter.Seq[int64]
	AugmentIndexPrefixSeek(d IndexDescriptor, prefix string, committed iter.Seq[int64]) iter.Seq[int64]
	AugmentIndexes(committed []IndexDescriptor) []IndexDescriptor
	AugmentConstraints(committed []ConstraintDescriptor) []ConstraintDescriptor
}

// State is a readable and writable transaction state.
type State interface {
	ReadableState

	NodeDoCreate(id int64)
	NodeDoDelete(id int64)
	RelationshipDoCreate(id int64, relType string, start, end int64)
	RelationshipDoDelete(id int64, relType string, start, end int64)
	NodeDoAddProperty(id int64, key string, value values.Value)
	NodeDoChangeProperty(id int64, key string, replaced, value values.Value)
	NodeDoRemoveProperty(id int64, key string, removed values.Value)
	RelationshipDoAddProperty(id int64, key string, value values.Value)
	RelationshipDoChangeProperty(id int64, key string, replaced, value values.Value)
	RelationshipDoRemoveProperty(id int64, key string, removed values.Value)
	NodeDoAddLabel(label string, id int64)
	NodeDoRemoveLabel(label string, id int64)
	IndexDoUpdateEntry(d IndexDescriptor, id int64, before, after values.Tuple)

	IndexRuleDoAdd(d IndexDescriptor) error
	IndexDoDrop(d IndexDescriptor) error
	IndexDoUnRemove(d IndexDescriptor) error
	ConstraintDoAdd(c ConstraintDescriptor) error
	ConstraintDoDrop(c ConstraintDescriptor) error
	ConstraintDoUnRemove(c ConstraintDescriptor) error
}

var (
	_ State = (*TxState)(nil)
	_ State = (*CombinedTxState)(nil)
)
