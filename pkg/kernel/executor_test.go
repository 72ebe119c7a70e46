package kernel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/nornicbolt/pkg/auth"
	"github.com/orneryd/nornicbolt/pkg/storage"
	"github.com/orneryd/nornicbolt/pkg/txstate"
	"github.com/orneryd/nornicbolt/pkg/values"
)

func begin(t *testing.T, k *Kernel) *Transaction {
	t.Helper()
	tx, err := k.BeginTransaction(auth.FullAccess())
	require.NoError(t, err)
	tx.Bind()
	t.Cleanup(func() { _ = tx.Close() })
	return tx
}

// nodeIDs returns the ids of the node column of r.
func nodeIDs(r *Result) []int64 {
	ids := []int64{}
	for _, rec := range records(r) {
		ids = append(ids, rec[0].(Node).ID)
	}
	return ids
}

func TestExecute_Return(t *testing.T) {
	k := newTestKernel(t)
	tx := begin(t, k)

	r := exec(t, k, tx, "RETURN $x AS x, 'a', 1.5", map[string]any{"x": 7})
	assert.Equal(t, []string{"x", "'a'", "1.5"}, r.Fields())
	assert.Equal(t, [][]values.Value{{int64(7), "a", 1.5}}, records(r))
	assert.Equal(t, "r", r.Kind())
	assert.False(t, r.Stats().ContainsUpdates())

	_, err := k.Execute(context.Background(), tx, "RETURN $missing", nil)
	assert.ErrorIs(t, err, ErrParameterMissing)
	_, err = k.Execute(context.Background(), tx, "MATCH NODE 'a'", nil)
	assert.ErrorIs(t, err, ErrTypeMismatch)
	_, err = k.Execute(context.Background(), tx, "CREATE NODE SET tags = $m", map[string]any{"m": map[string]any{"a": 1}})
	assert.ErrorIs(t, err, ErrTypeMismatch)
	_, err = k.Execute(context.Background(), tx, "USING PERIODIC COMMIT CREATE NODES 1", nil)
	assert.ErrorIs(t, err, ErrPeriodicCommitInTx)
}

func TestExecute_ReadYourWrites(t *testing.T) {
	k := newTestKernel(t)
	tx := begin(t, k)

	exec(t, k, tx, "CREATE NODE :Person SET name = 'alice'", nil)
	assert.Equal(t, []int64{0}, nodeIDs(exec(t, k, tx, "MATCH NODES :Person", nil)))

	r := exec(t, k, tx, "SET NODE 0 age = 42", nil)
	n := records(r)[0][0].(Node)
	assert.Equal(t, map[string]values.Value{"name": "alice", "age": int64(42)}, n.Properties)

	r = exec(t, k, tx, "REMOVE NODE 0 name", nil)
	assert.Equal(t, map[string]values.Value{"age": int64(42)}, records(r)[0][0].(Node).Properties)

	exec(t, k, tx, "UNLABEL NODE 0 :Person", nil)
	assert.Empty(t, nodeIDs(exec(t, k, tx, "MATCH NODES :Person", nil)))
	require.NoError(t, tx.Close())

	tx = begin(t, k)
	assert.Empty(t, records(exec(t, k, tx, "MATCH NODE 0", nil)))
}

func TestExecute_OverlaysCommittedData(t *testing.T) {
	k := newTestKernel(t)
	autoCommit(t, k, "CREATE NODE :Person SET name = 'alice'", nil)
	autoCommit(t, k, "CREATE NODE :Person SET name = 'bob'", nil)

	tx := begin(t, k)
	exec(t, k, tx, "LABEL NODE 0 :Admin", nil)
	exec(t, k, tx, "SET NODE 1 name = 'robert'", nil)

	r := exec(t, k, tx, "MATCH NODE 0", nil)
	assert.Equal(t, []string{"Admin", "Person"}, records(r)[0][0].(Node).Labels)
	assert.Equal(t, []int64{1}, nodeIDs(exec(t, k, tx, "MATCH NODES :Person WHERE name = 'robert'", nil)))
	assert.Empty(t, nodeIDs(exec(t, k, tx, "MATCH NODES :Person WHERE name = 'bob'", nil)))

	exec(t, k, tx, "DELETE NODE 0", nil)
	assert.Equal(t, []int64{1}, nodeIDs(exec(t, k, tx, "MATCH NODES :Person", nil)))

	// the store is untouched until commit
	n, err := k.Store().Node(1)
	require.NoError(t, err)
	assert.Equal(t, "bob", n.Properties["name"])

	tx.Success()
	require.NoError(t, tx.Close())
	_, err = k.Store().Node(0)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	n, err = k.Store().Node(1)
	require.NoError(t, err)
	assert.Equal(t, "robert", n.Properties["name"])
}

func TestExecute_IndexSeekSeesPendingChanges(t *testing.T) {
	k := newTestKernel(t)
	autoCommit(t, k, "CREATE INDEX ON :Person(name)", nil)
	autoCommit(t, k, "CREATE NODE :Person SET name = 'alice'", nil)
	autoCommit(t, k, "CREATE NODE :Person SET name = 'bob'", nil)

	tx := begin(t, k)
	seek := func(name string) []int64 {
		return nodeIDs(exec(t, k, tx, "MATCH NODES :Person WHERE name = $name", map[string]any{"name": name}))
	}
	assert.Equal(t, []int64{0}, seek("alice"))

	exec(t, k, tx, "SET NODE 0 name = 'carol'", nil)
	assert.Empty(t, seek("alice"))
	assert.Equal(t, []int64{0}, seek("carol"))

	exec(t, k, tx, "CREATE NODE :Person SET name = 'alice'", nil)
	assert.Equal(t, []int64{2}, seek("alice"))
	exec(t, k, tx, "UNLABEL NODE 2 :Person", nil)
	assert.Empty(t, seek("alice"))

	exec(t, k, tx, "DELETE NODE 1", nil)
	assert.Empty(t, seek("bob"))

	tx.Success()
	require.NoError(t, tx.Close())

	tx = begin(t, k)
	assert.Equal(t, []int64{0}, seek("carol"))
	assert.Empty(t, seek("bob"))
}

func TestExecute_Relationships(t *testing.T) {
	k := newTestKernel(t)
	tx := begin(t, k)
	exec(t, k, tx, "CREATE NODE", nil)
	exec(t, k, tx, "CREATE NODE", nil)

	r := exec(t, k, tx, "CREATE REL 0 :KNOWS 1 SET since = 2020, note = null", nil)
	assert.Equal(t, [][]values.Value{{Relationship{
		ID: 0, Type: "KNOWS", Start: 0, End: 1,
		Properties: map[string]values.Value{"since": int64(2020)},
	}}}, records(r))
	assert.Equal(t, QueryStats{RelationshipsCreated: 1, PropertiesSet: 1}, r.Stats())

	degree := func(q string) int64 {
		return records(exec(t, k, tx, q, nil))[0][0].(int64)
	}
	assert.Equal(t, int64(1), degree("DEGREE 0 OUTGOING"))
	assert.Equal(t, int64(0), degree("DEGREE 1 OUTGOING"))
	assert.Equal(t, int64(1), degree("DEGREE 1 INCOMING :KNOWS"))
	assert.Equal(t, int64(0), degree("DEGREE 1 :LIKES"))

	_, err := k.Execute(context.Background(), tx, "DELETE NODE 0", nil)
	assert.ErrorIs(t, err, ErrNodeHasRelationships)
	_, err = k.Execute(context.Background(), tx, "CREATE REL 0 :KNOWS 7", nil)
	assert.ErrorIs(t, err, ErrEntityNotFound)

	tx.Success()
	require.NoError(t, tx.Close())

	tx = begin(t, k)
	assert.Equal(t, int64(1), degree("DEGREE 0"))
	exec(t, k, tx, "DELETE REL 0", nil)
	assert.Equal(t, int64(0), degree("DEGREE 0"))
	assert.Empty(t, records(exec(t, k, tx, "MATCH REL 0", nil)))
	exec(t, k, tx, "DELETE NODE 0", nil)
	tx.Success()
	require.NoError(t, tx.Close())

	_, err = k.Store().Relationship(0)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestExecute_Schema(t *testing.T) {
	k := newTestKernel(t)
	r := autoCommit(t, k, "CREATE CONSTRAINT ON :Person(name) IS UNIQUE", nil)
	assert.Equal(t, "s", r.Kind())
	assert.Equal(t, QueryStats{ConstraintsAdded: 1}, r.Stats())

	idx, err := k.Store().Indexes()
	require.NoError(t, err)
	assert.Equal(t, []txstate.IndexDescriptor{{Label: "Person", PropertyKey: "name"}}, idx)

	// creating an existing index changes nothing
	r = autoCommit(t, k, "CREATE INDEX ON :Person(name)", nil)
	assert.False(t, r.Stats().ContainsUpdates())

	tx := begin(t, k)
	_, err = k.Execute(context.Background(), tx, "DROP INDEX ON :Person(age)", nil)
	assert.ErrorIs(t, err, ErrNoSuchIndex)
	_, err = k.Execute(context.Background(), tx, "DROP CONSTRAINT ON :Person(name) IS NOT NULL", nil)
	assert.ErrorIs(t, err, ErrNoSuchConstraint)

	exec(t, k, tx, "CREATE NODE :Person", nil)
	_, err = k.Execute(context.Background(), tx, "CREATE INDEX ON :Person(age)", nil)
	assert.ErrorIs(t, err, ErrSchemaAndDataMix)
}

func TestExecute_UniqueConstraintFailsCommit(t *testing.T) {
	k := newTestKernel(t)
	autoCommit(t, k, "CREATE CONSTRAINT ON :Person(name) IS UNIQUE", nil)
	autoCommit(t, k, "CREATE NODE :Person SET name = 'alice'", nil)
	last := k.LastClosedTransactionID()

	tx, err := k.BeginTransaction(auth.FullAccess())
	require.NoError(t, err)
	tx.Bind()
	exec(t, k, tx, "CREATE NODE :Person SET name = 'alice'", nil)
	tx.Success()
	assert.ErrorIs(t, tx.Close(), storage.ErrConstraintViolation)
	assert.Equal(t, last, k.LastClosedTransactionID())
}

func TestExecutePeriodicCommit(t *testing.T) {
	k := newTestKernel(t)
	ctx := context.Background()

	r, err := k.ExecutePeriodicCommit(ctx, auth.FullAccess(), "USING PERIODIC COMMIT 3 CREATE NODES 10 :Item", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"created"}, r.Fields())
	assert.Equal(t, [][]values.Value{{int64(10)}}, records(r))
	assert.Equal(t, 10, r.Stats().NodesCreated)
	assert.Equal(t, int64(1), k.LastClosedTransactionID())

	ids, err := k.Store().NodesWithLabel("Item")
	require.NoError(t, err)
	assert.Len(t, ids, 10)

	_, err = k.ExecutePeriodicCommit(ctx, auth.FullAccess(), "USING PERIODIC COMMIT CREATE INDEX ON :Item(x)", nil)
	assert.ErrorIs(t, err, txstate.ErrUnsupportedOperation)

	_, err = k.ExecutePeriodicCommit(ctx, auth.FullAccess(), "CREATE NODES 1", nil)
	assert.ErrorIs(t, err, ErrSyntax)
	assert.Equal(t, int64(1), k.LastClosedTransactionID())
}

func TestExecute_ReusesParsedStatements(t *testing.T) {
	k := newTestKernel(t)
	tx := begin(t, k)

	r := exec(t, k, tx, "RETURN $x AS x", map[string]any{"x": 1})
	assert.Equal(t, [][]values.Value{{int64(1)}}, records(r))
	r = exec(t, k, tx, "RETURN $x AS x", map[string]any{"x": 2})
	assert.Equal(t, [][]values.Value{{int64(2)}}, records(r))

	stats := k.StatementCacheStats()
	assert.Equal(t, 1, stats.Size)
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)

	_, err := k.Execute(context.Background(), tx, "RETURN", nil)
	assert.ErrorIs(t, err, ErrSyntax)
	assert.Equal(t, 1, k.StatementCacheStats().Size)
}

func TestExecute_StatementCacheDisabled(t *testing.T) {
	k := newTestKernel(t, func(o *Options) { o.StatementCacheSize = -1 })
	tx := begin(t, k)
	exec(t, k, tx, "RETURN 1", nil)
	exec(t, k, tx, "RETURN 1", nil)
	assert.Zero(t, k.StatementCacheStats().Hits)
}
