package txstate

import (
	"iter"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/nornicbolt/pkg/values"
)

func collect(seq iter.Seq[int64]) []int64 {
	out := slices.Collect(seq)
	slices.Sort(out)
	return out
}

func TestTxState_NodeLifecycle(t *testing.T) {
	tx := New()
	assert.False(t, tx.HasChanges())

	tx.NodeDoCreate(10)
	tx.NodeDoDelete(1)

	assert.True(t, tx.NodeIsAddedInThisTx(10))
	assert.True(t, tx.NodeIsDeletedInThisTx(1))
	assert.False(t, tx.NodeIsAddedInThisTx(1))
	assert.False(t, tx.NodeIsDeletedInThisTx(10))
	assert.True(t, tx.HasDataChanges())

	got := collect(tx.AugmentNodesGetAll(slices.Values([]int64{1, 2, 3})))
	assert.Equal(t, []int64{2, 3, 10}, got)
}

func TestTxState_CreatedThenDeleted(t *testing.T) {
	tx := New()
	tx.NodeDoCreate(5)
	tx.NodeDoAddLabel("Person", 5)
	tx.NodeDoDelete(5)

	assert.False(t, tx.NodeIsAddedInThisTx(5))
	assert.True(t, tx.NodeIsDeletedInThisTx(5), "created-then-deleted ids stay hidden")
	assert.True(t, tx.NodeWasCreatedAndDeleted(5))
	assert.Empty(t, tx.AddedAndRemovedNodes().Removed(), "id must not be recorded as a committed deletion")
	assert.Empty(t, collect(tx.AugmentLabelScan("Person", nil)))
	assert.Nil(t, tx.NodeState(5))
}

func TestTxState_Relationships(t *testing.T) {
	tx := New()
	tx.RelationshipDoCreate(100, "KNOWS", 1, 2)
	tx.RelationshipDoCreate(101, "LIKES", 1, 3)
	tx.RelationshipDoCreate(102, "SELF", 1, 1)

	t.Run("degree augmentation", func(t *testing.T) {
		assert.Equal(t, 5, tx.AugmentDegree(1, Outgoing, "", 2)) // 2 committed + 2 out + 1 loop
		assert.Equal(t, 1, tx.AugmentDegree(1, Incoming, "", 0)) // loop only
		assert.Equal(t, 3, tx.AugmentDegree(1, Both, "", 0))     // loop counted once
		assert.Equal(t, 1, tx.AugmentDegree(1, Outgoing, "KNOWS", 0))
		assert.Equal(t, 1, tx.AugmentDegree(2, Incoming, "KNOWS", 0))
		assert.Equal(t, 0, tx.AugmentDegree(2, Outgoing, "", 0))
		assert.Equal(t, 7, tx.AugmentDegree(9, Both, "", 7), "untouched node keeps committed degree")
		// reads have no side effects
		assert.Equal(t, 5, tx.AugmentDegree(1, Outgoing, "", 2))
	})

	t.Run("delete added relationship collapses", func(t *testing.T) {
		require.True(t, tx.RelationshipDoDeleteAddedInThisTx(101))
		assert.False(t, tx.RelationshipIsAddedInThisTx(101))
		assert.True(t, tx.RelationshipIsDeletedInThisTx(101))
		assert.Equal(t, 0, tx.AugmentDegree(1, Outgoing, "LIKES", 0))
		assert.Equal(t, 0, tx.AugmentDegree(3, Incoming, "", 0))
		assert.Empty(t, tx.NodeState(1).RemovedRelationships().IDs(Both, ""))
	})

	t.Run("delete committed relationship", func(t *testing.T) {
		tx.RelationshipDoDelete(50, "KNOWS", 2, 1)
		assert.True(t, tx.RelationshipIsDeletedInThisTx(50))
		assert.Equal(t, 0, tx.AugmentDegree(2, Outgoing, "", 1))
		got := collect(tx.AugmentNodeRelationships(1, Incoming, "", slices.Values([]int64{50, 51})))
		assert.Equal(t, []int64{51, 102}, got)
		meta, ok := tx.RelationshipMeta(50)
		require.True(t, ok)
		assert.Equal(t, RelationshipMeta{ID: 50, Type: "KNOWS", Start: 2, End: 1}, meta)
	})

	t.Run("type scan", func(t *testing.T) {
		got := collect(tx.AugmentRelationshipTypeScan("KNOWS", slices.Values([]int64{50, 60})))
		assert.Equal(t, []int64{60, 100}, got)
	})
}

func TestTxState_LabelsAndProperties(t *testing.T) {
	tx := New()
	tx.NodeDoAddLabel("Person", 1)
	tx.NodeDoRemoveLabel("Robot", 1)
	tx.NodeDoChangeProperty(1, "name", "bob", "alice")
	tx.NodeDoAddProperty(2, "name", "alice")
	tx.NodeDoRemoveProperty(3, "name", "alice")

	assert.Equal(t, []string{"Person"}, tx.AugmentNodeLabels(1, []string{"Robot"}))
	assert.True(t, tx.NodeHasLabel(1, "Person", false))
	assert.False(t, tx.NodeHasLabel(1, "Robot", true))
	assert.True(t, tx.NodeHasLabel(9, "Robot", true))

	assert.Equal(t, "alice", tx.AugmentNodeProperty(1, "name", "bob"))
	assert.True(t, values.IsNoValue(tx.AugmentNodeProperty(3, "name", "alice")))
	assert.True(t, values.IsNoValue(tx.AugmentNodeProperty(4, "name", nil)))

	// committed nodes with name=alice: 3 and 4; name=bob: 1
	alice := collect(tx.AugmentPropertyLookup("name", "alice", slices.Values([]int64{3, 4})))
	assert.Equal(t, []int64{1, 2, 4}, alice)
	bob := collect(tx.AugmentPropertyLookup("name", "bob", slices.Values([]int64{1})))
	assert.Empty(t, bob)

	tx.NodeDoDelete(4)
	alice = collect(tx.AugmentPropertyLookup("name", "alice", slices.Values([]int64{3, 4})))
	assert.Equal(t, []int64{1, 2}, alice)
}

func TestTxState_IndexUpdates(t *testing.T) {
	idx := IndexDescriptor{Label: "Person", PropertyKey: "age"}
	tx := New()
	tx.IndexDoUpdateEntry(idx, 1, nil, values.NewTuple(30))
	tx.IndexDoUpdateEntry(idx, 2, nil, values.NewTuple(40))
	tx.IndexDoUpdateEntry(idx, 3, values.NewTuple(50), values.NewTuple(35))
	tx.IndexDoUpdateEntry(idx, 4, values.NewTuple(60), nil)
	tx.IndexDoUpdateEntry(idx, 5, nil, values.NewTuple("thirty"))

	t.Run("seek", func(t *testing.T) {
		assert.Equal(t, []int64{1}, collect(tx.AugmentIndexSeek(idx, values.NewTuple(30), nil)))
		assert.Equal(t, []int64{7}, collect(tx.AugmentIndexSeek(idx, values.NewTuple(50), slices.Values([]int64{3, 7}))))
		assert.Empty(t, collect(tx.AugmentIndexSeek(idx, values.NewTuple(99), nil)))
	})

	t.Run("range", func(t *testing.T) {
		lower := &Bound{Value: int64(30), Inclusive: false}
		upper := &Bound{Value: int64(40), Inclusive: true}
		assert.Equal(t, []int64{2, 3}, collect(tx.AugmentIndexRangeSeek(idx, lower, upper, nil)))

		all := collect(tx.AugmentIndexRangeSeek(idx, &Bound{Value: int64(0), Inclusive: true}, nil, nil))
		assert.Equal(t, []int64{1, 2, 3}, all, "strings never match a numeric range")
	})

	t.Run("prefix", func(t *testing.T) {
		assert.Equal(t, []int64{5}, collect(tx.AugmentIndexPrefixSeek(idx, "thir", nil)))
		assert.Empty(t, collect(tx.AugmentIndexPrefixSeek(idx, "x", nil)))
	})

	t.Run("scan", func(t *testing.T) {
		got := collect(tx.AugmentIndexScan(idx, slices.Values([]int64{3, 4, 8})))
		assert.Equal(t, []int64{1, 2, 3, 5, 8}, got)
	})
}

func TestTxState_Schema(t *testing.T) {
	tx := New()
	a := IndexDescriptor{Label: "A", PropertyKey: "x"}
	b := IndexDescriptor{Label: "B", PropertyKey: "y"}
	require.NoError(t, tx.IndexRuleDoAdd(a))
	require.NoError(t, tx.IndexDoDrop(b))
	assert.True(t, tx.HasChanges())
	assert.False(t, tx.HasDataChanges())

	assert.Equal(t, []IndexDescriptor{a}, tx.AugmentIndexes([]IndexDescriptor{b}))
	require.NoError(t, tx.IndexDoUnRemove(b))
	assert.Equal(t, []IndexDescriptor{a, b}, tx.AugmentIndexes([]IndexDescriptor{b}))

	u := ConstraintDescriptor{Label: "C", PropertyKey: "id", Kind: UniqueConstraint}
	require.NoError(t, tx.ConstraintDoAdd(u))
	assert.True(t, tx.IndexChanges().IsAdded(u.Index()))
	assert.Equal(t, []ConstraintDescriptor{u}, tx.AugmentConstraints(nil))
}

type recordingVisitor struct {
	events []string
	fail   string
}

func (r *recordingVisitor) rec(ev string) error {
	r.events = append(r.events, ev)
	if ev == r.fail {
		return assert.AnError
	}
	return nil
}

func (r *recordingVisitor) VisitCreatedNode(id int64) error { return r.rec("createNode") }
func (r *recordingVisitor) VisitCreatedRelationship(m RelationshipMeta) error {
	return r.rec("createRel")
}
func (r *recordingVisitor) VisitDeletedRelationship(m RelationshipMeta) error {
	return r.rec("deleteRel")
}
func (r *recordingVisitor) VisitDeletedNode(id int64) error { return r.rec("deleteNode") }
func (r *recordingVisitor) VisitNodePropertyChanges(id int64, added, changed map[string]values.Value, removed []string) error {
	return r.rec("nodeProps")
}
func (r *recordingVisitor) VisitRelationshipPropertyChanges(id int64, added, changed map[string]values.Value, removed []string) error {
	return r.rec("relProps")
}
func (r *recordingVisitor) VisitNodeLabelChanges(id int64, added, removed []string) error {
	return r.rec("labels")
}
func (r *recordingVisitor) VisitAddedIndex(d IndexDescriptor) error   { return r.rec("addIndex") }
func (r *recordingVisitor) VisitRemovedIndex(d IndexDescriptor) error { return r.rec("dropIndex") }
func (r *recordingVisitor) VisitAddedConstraint(c ConstraintDescriptor) error {
	return r.rec("addConstraint")
}
func (r *recordingVisitor) VisitRemovedConstraint(c ConstraintDescriptor) error {
	return r.rec("dropConstraint")
}

func TestTxState_AcceptOrder(t *testing.T) {
	tx := New()
	require.NoError(t, tx.IndexRuleDoAdd(IndexDescriptor{Label: "L", PropertyKey: "k"}))
	tx.NodeDoDelete(9)
	tx.RelationshipDoDelete(70, "T", 8, 7)
	tx.RelationshipDoCreate(71, "T", 1, 2)
	tx.RelationshipDoAddProperty(71, "w", 1)
	tx.NodeDoCreate(1)
	tx.NodeDoAddLabel("L", 1)
	tx.NodeDoAddProperty(1, "k", "v")

	v := &recordingVisitor{}
	require.NoError(t, tx.Accept(v))
	assert.Equal(t, []string{
		"createNode", "createRel", "deleteRel", "deleteNode",
		"nodeProps", "labels", "relProps", "addIndex",
	}, v.events)

	stop := &recordingVisitor{fail: "createRel"}
	assert.ErrorIs(t, tx.Accept(stop), assert.AnError)
	assert.Equal(t, []string{"createNode", "createRel"}, stop.events)
}

func TestTxState_AcceptRejectsDeletedNodeWithNewRelationship(t *testing.T) {
	tx := New()
	tx.RelationshipDoCreate(1, "T", 5, 6)
	tx.NodeDoDelete(5)

	err := tx.Accept(&recordingVisitor{})
	assert.ErrorIs(t, err, ErrDeletedNodeStillHasRelationships)
}
