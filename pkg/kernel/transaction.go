package kernel

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/orneryd/nornicbolt/pkg/auth"
	"github.com/orneryd/nornicbolt/pkg/storage"
	"github.com/orneryd/nornicbolt/pkg/txstate"
)

// Transaction is a kernel transaction. It is driven by one worker at a
// time; MarkForTermination may be called from any goroutine.
//
// The outcome is decided on Close: the transaction commits if Success was
// called, Failure was not, and it was not terminated. Otherwise it rolls
// back.
type Transaction struct {
	kernel    *Kernel
	seq       int64
	login     *auth.LoginContext
	container *txstate.Container
	started   time.Time
	timer     *time.Timer

	success bool
	failure bool

	// set by the first statement that writes data or schema
	dataWrites   bool
	schemaWrites bool

	committedID int64

	closed     atomic.Bool
	bound      atomic.Bool
	terminated atomic.Error
}

func newTransaction(k *Kernel, seq int64, login *auth.LoginContext) *Transaction {
	return &Transaction{
		kernel:    k,
		seq:       seq,
		login:     login,
		container: txstate.NewContainer(),
		started:   time.Now(),
	}
}

// Login returns the security context the transaction runs under.
func (t *Transaction) Login() *auth.LoginContext { return t.login }

// Success marks the transaction for commit on Close.
func (t *Transaction) Success() { t.success = true }

// Failure marks the transaction for rollback on Close. It wins over Success.
func (t *Transaction) Failure() { t.failure = true }

// IsOpen reports whether Close has not been called.
func (t *Transaction) IsOpen() bool { return !t.closed.Load() }

// Bind attaches the transaction to the calling worker. Statements can only
// run in a bound transaction.
func (t *Transaction) Bind() { t.bound.Store(true) }

// Unbind detaches the transaction from the calling worker.
func (t *Transaction) Unbind() { t.bound.Store(false) }

// IsBound reports whether the transaction is attached to a worker.
func (t *Transaction) IsBound() bool { return t.bound.Load() }

// MarkForTermination asks the transaction to stop. The next statement
// fails and Close rolls back. The first reason sticks.
func (t *Transaction) MarkForTermination(reason error) {
	if reason == nil {
		reason = ErrTransactionKilled
	}
	if t.terminated.CompareAndSwap(nil, reason) {
		t.kernel.log.Debug("transaction marked for termination",
			zap.Int64("seq", t.seq), zap.Error(reason))
	}
}

// ReasonIfTerminated returns the termination reason, or nil.
func (t *Transaction) ReasonIfTerminated() error {
	return t.terminated.Load()
}

// TxState returns the container holding the pending changes.
func (t *Transaction) TxState() *txstate.Container { return t.container }

// CommittedID returns the transaction id the store assigned on commit, or
// zero.
func (t *Transaction) CommittedID() int64 { return t.committedID }

// state is the layer statements read and write. It changes when the
// container is split or combined.
func (t *Transaction) state() txstate.State { return t.container.Global() }

// checkUsable is run before every statement.
func (t *Transaction) checkUsable() error {
	if t.closed.Load() {
		return ErrTransactionClosed
	}
	if !t.bound.Load() {
		return ErrTransactionNotBound
	}
	if reason := t.terminated.Load(); reason != nil {
		return errors.Wrap(ErrTransactionTerminated, reason.Error())
	}
	return t.login.Check()
}

// Close commits or rolls back the transaction. A second Close does nothing.
func (t *Transaction) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.bound.Store(false)

	if reason := t.terminated.Load(); reason != nil {
		t.rollback()
		if t.success && !t.failure {
			return errors.Wrap(ErrTransactionTerminated, reason.Error())
		}
		return nil
	}
	if !t.success || t.failure {
		t.rollback()
		return nil
	}
	if err := t.commit(); err != nil {
		t.kernel.metrics.TransactionClosed("failed")
		t.container.Clear()
		return err
	}
	t.kernel.metrics.TransactionClosed("committed")
	return nil
}

func (t *Transaction) rollback() {
	t.container.Clear()
	t.kernel.metrics.TransactionClosed("rolled_back")
}

func (t *Transaction) commit() error {
	if !t.container.HasChanges() {
		return nil
	}
	state, err := t.container.Single()
	if err != nil {
		return err
	}
	cc := storage.NewCommandCreator(t.kernel.store, state)
	if err := state.Accept(cc); err != nil {
		return errors.Wrap(err, "prepare commit")
	}
	id, err := t.kernel.commit(t, cc.Commands())
	if err != nil {
		return errors.Wrap(err, "commit")
	}
	t.committedID = id
	t.container.Clear()
	return nil
}
