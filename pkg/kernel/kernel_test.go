package kernel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/orneryd/nornicbolt/pkg/auth"
	"github.com/orneryd/nornicbolt/pkg/storage"
	"github.com/orneryd/nornicbolt/pkg/values"
)

// countingStore counts LastClosedTransactionID calls.
type countingStore struct {
	storage.Store
	calls atomic.Int64
}

func (c *countingStore) LastClosedTransactionID() int64 {
	c.calls.Inc()
	return c.Store.LastClosedTransactionID()
}

func newTestKernel(t *testing.T, mutate ...func(*Options)) *Kernel {
	t.Helper()
	opts := Options{PollInterval: time.Millisecond}
	for _, m := range mutate {
		m(&opts)
	}
	store := storage.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	return New(store, opts)
}

func exec(t *testing.T, k *Kernel, tx *Transaction, query string, params map[string]any) *Result {
	t.Helper()
	r, err := k.Execute(context.Background(), tx, query, params)
	require.NoError(t, err, query)
	return r
}

// autoCommit runs query in its own committed transaction.
func autoCommit(t *testing.T, k *Kernel, query string, params map[string]any) *Result {
	t.Helper()
	tx, err := k.BeginTransaction(auth.FullAccess())
	require.NoError(t, err)
	tx.Bind()
	r := exec(t, k, tx, query, params)
	tx.Success()
	require.NoError(t, tx.Close())
	return r
}

func records(r *Result) [][]values.Value {
	var out [][]values.Value
	for {
		rec, ok := r.Next()
		if !ok {
			return out
		}
		out = append(out, rec)
	}
}

func TestAwaitUpToDate_ReturnsWithoutPolling(t *testing.T) {
	store := &countingStore{Store: storage.NewMemoryStore()}
	require.NoError(t, store.Apply(1, []storage.Command{storage.CreateNode{ID: 0}}))
	k := New(store, Options{PollInterval: time.Millisecond})
	store.calls.Store(0)

	require.NoError(t, k.AwaitUpToDate(context.Background(), 1, time.Second))
	assert.Equal(t, int64(1), store.calls.Load())
}

func TestAwaitUpToDate_Timeout(t *testing.T) {
	k := newTestKernel(t)
	err := k.AwaitUpToDate(context.Background(), 5, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrBookmarkTimeout)
}

func TestAwaitUpToDate_Unavailable(t *testing.T) {
	k := newTestKernel(t)
	k.Shutdown("stopping")
	err := k.AwaitUpToDate(context.Background(), 5, time.Second)
	assert.ErrorIs(t, err, ErrDatabaseUnavailable)

	_, err = k.BeginTransaction(auth.FullAccess())
	assert.ErrorIs(t, err, ErrDatabaseUnavailable)
}

func TestAwaitUpToDate_Canceled(t *testing.T) {
	k := newTestKernel(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := k.AwaitUpToDate(ctx, 5, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAwaitUpToDate_ReachedWhileWaiting(t *testing.T) {
	k := newTestKernel(t)
	go func() {
		time.Sleep(10 * time.Millisecond)
		tx, err := k.BeginTransaction(auth.FullAccess())
		if err != nil {
			return
		}
		tx.Bind()
		if _, err := k.Execute(context.Background(), tx, "CREATE NODE", nil); err == nil {
			tx.Success()
		}
		_ = tx.Close()
	}()
	require.NoError(t, k.AwaitUpToDate(context.Background(), 1, 5*time.Second))
	assert.Equal(t, int64(1), k.NewestEncounteredTxID())
}

func TestTransaction_Commit(t *testing.T) {
	k := newTestKernel(t)
	tx, err := k.BeginTransaction(auth.FullAccess())
	require.NoError(t, err)
	tx.Bind()

	r := exec(t, k, tx, "CREATE NODE :Person SET name = 'alice'", nil)
	assert.Equal(t, []string{"node"}, r.Fields())
	assert.Equal(t, [][]values.Value{{Node{ID: 0, Labels: []string{"Person"}, Properties: map[string]values.Value{"name": "alice"}}}}, records(r))
	assert.Equal(t, QueryStats{NodesCreated: 1, LabelsAdded: 1, PropertiesSet: 1}, r.Stats())
	assert.Equal(t, "rw", r.Kind())

	tx.Unbind()
	tx.Success()
	require.NoError(t, tx.Close())
	assert.False(t, tx.IsOpen())
	assert.Equal(t, int64(1), tx.CommittedID())
	assert.Equal(t, int64(1), k.LastClosedTransactionID())
	assert.NoError(t, tx.Close())

	_, err = k.Execute(context.Background(), tx, "RETURN 1", nil)
	assert.ErrorIs(t, err, ErrTransactionClosed)

	n, err := k.Store().Node(0)
	require.NoError(t, err)
	assert.Equal(t, "alice", n.Properties["name"])
}

func TestTransaction_Rollback(t *testing.T) {
	k := newTestKernel(t)
	tx, err := k.BeginTransaction(auth.FullAccess())
	require.NoError(t, err)
	tx.Bind()
	exec(t, k, tx, "CREATE NODE", nil)
	require.NoError(t, tx.Close())

	assert.Equal(t, int64(0), k.LastClosedTransactionID())
	_, err = k.Store().Node(0)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	tx, err = k.BeginTransaction(auth.FullAccess())
	require.NoError(t, err)
	tx.Bind()
	exec(t, k, tx, "CREATE NODE", nil)
	tx.Success()
	tx.Failure()
	require.NoError(t, tx.Close())
	assert.Equal(t, int64(0), k.LastClosedTransactionID())
}

func TestTransaction_ReadOnlyCommitKeepsTransactionID(t *testing.T) {
	k := newTestKernel(t)
	autoCommit(t, k, "RETURN 1", nil)
	assert.Equal(t, int64(0), k.LastClosedTransactionID())
}

func TestTransaction_NotBound(t *testing.T) {
	k := newTestKernel(t)
	tx, err := k.BeginTransaction(auth.FullAccess())
	require.NoError(t, err)
	defer tx.Close()

	_, err = k.Execute(context.Background(), tx, "RETURN 1", nil)
	assert.ErrorIs(t, err, ErrTransactionNotBound)
	tx.Bind()
	assert.True(t, tx.IsBound())
	exec(t, k, tx, "RETURN 1", nil)
}

func TestTransaction_MarkForTermination(t *testing.T) {
	k := newTestKernel(t)
	tx, err := k.BeginTransaction(auth.FullAccess())
	require.NoError(t, err)
	tx.Bind()
	exec(t, k, tx, "CREATE NODE", nil)

	tx.MarkForTermination(ErrTransactionKilled)
	tx.MarkForTermination(ErrTransactionTimedOut)
	assert.ErrorIs(t, tx.ReasonIfTerminated(), ErrTransactionKilled)

	_, err = k.Execute(context.Background(), tx, "RETURN 1", nil)
	assert.ErrorIs(t, err, ErrTransactionTerminated)

	tx.Success()
	assert.ErrorIs(t, tx.Close(), ErrTransactionTerminated)
	assert.Equal(t, int64(0), k.LastClosedTransactionID())
}

func TestTransaction_Timeout(t *testing.T) {
	k := newTestKernel(t, func(o *Options) { o.TransactionTimeout = 10 * time.Millisecond })
	tx, err := k.BeginTransaction(auth.FullAccess())
	require.NoError(t, err)
	defer tx.Close()

	assert.Eventually(t, func() bool { return tx.ReasonIfTerminated() != nil }, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, tx.ReasonIfTerminated(), ErrTransactionTimedOut)
}

func TestTransaction_AuthorizationExpiry(t *testing.T) {
	k := newTestKernel(t)

	expired := &auth.LoginContext{Username: "bob", Roles: []auth.Role{auth.RoleAdmin}, Expires: time.Now().Add(-time.Minute)}
	_, err := k.BeginTransaction(expired)
	assert.ErrorIs(t, err, auth.ErrAuthorizationExpired)

	_, err = k.BeginTransaction(nil)
	assert.ErrorIs(t, err, auth.ErrForbidden)

	soon := &auth.LoginContext{Username: "bob", Roles: []auth.Role{auth.RoleAdmin}, Expires: time.Now().Add(30 * time.Millisecond)}
	tx, err := k.BeginTransaction(soon)
	require.NoError(t, err)
	defer tx.Close()
	tx.Bind()
	exec(t, k, tx, "RETURN 1", nil)

	time.Sleep(40 * time.Millisecond)
	_, err = k.Execute(context.Background(), tx, "RETURN 1", nil)
	assert.ErrorIs(t, err, auth.ErrAuthorizationExpired)
}

func TestTransaction_Permissions(t *testing.T) {
	k := newTestKernel(t)
	tests := []struct {
		role    auth.Role
		query   string
		allowed bool
	}{
		{auth.RoleViewer, "RETURN 1", true},
		{auth.RoleViewer, "MATCH NODES :Person", true},
		{auth.RoleViewer, "CREATE NODE", false},
		{auth.RoleEditor, "CREATE NODE", true},
		{auth.RoleEditor, "CREATE INDEX ON :Person(name)", false},
		{auth.RoleAdmin, "CREATE INDEX ON :Person(name)", true},
	}
	for _, tt := range tests {
		t.Run(string(tt.role)+" "+tt.query, func(t *testing.T) {
			tx, err := k.BeginTransaction(&auth.LoginContext{Username: "u", Roles: []auth.Role{tt.role}})
			require.NoError(t, err)
			defer tx.Close()
			tx.Bind()
			_, err = k.Execute(context.Background(), tx, tt.query, nil)
			if tt.allowed {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, auth.ErrForbidden)
			}
		})
	}
}

func TestAvailabilityGuard(t *testing.T) {
	g := NewAvailabilityGuard()
	assert.True(t, g.IsAvailable())
	assert.NoError(t, g.Require())

	g.Shutdown("maintenance")
	assert.False(t, g.IsAvailable())
	err := g.Require()
	assert.ErrorIs(t, err, ErrDatabaseUnavailable)
	assert.Contains(t, err.Error(), "maintenance")
}
