// Package kernel runs transactions over a storage.Store.
//
// A Transaction collects its changes in a txstate.Container. Statements
// executed in the transaction read committed data from the store and
// overlay the pending changes through the txstate Augment functions. On
// Close a successful transaction is turned into store commands by
// storage.CommandCreator and applied under the next transaction id; any
// other transaction is rolled back by dropping its state.
//
// Example:
//
//	k := kernel.New(store, kernel.Options{Logger: logger})
//
//	tx, err := k.BeginTransaction(login)
//	if err != nil {
//		return err
//	}
//	tx.Bind()
//	result, err := k.Execute(ctx, tx, "CREATE NODE :Person SET name = $name", params)
//	tx.Unbind()
//	if err != nil {
//		tx.Failure()
//	} else {
//		tx.Success()
//	}
//	err = tx.Close()
//
// Bookmarks: AwaitUpToDate blocks until the store has closed a given
// transaction id, polling LastClosedTransactionID.
package kernel

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/orneryd/nornicbolt/pkg/auth"
	"github.com/orneryd/nornicbolt/pkg/cache"
	"github.com/orneryd/nornicbolt/pkg/metrics"
	"github.com/orneryd/nornicbolt/pkg/storage"
)

// DefaultPollInterval is the bookmark polling interval used when Options
// leaves it unset.
const DefaultPollInterval = 10 * time.Millisecond

// Options configures a Kernel. The zero value is usable.
type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics

	// PollInterval between LastClosedTransactionID checks in AwaitUpToDate.
	PollInterval time.Duration

	// TransactionTimeout marks transactions for termination once they have
	// been open this long. Zero disables the timeout.
	TransactionTimeout time.Duration

	// StatementCacheSize bounds the parsed statement cache. Zero uses
	// cache.DefaultSize and a negative size disables the cache.
	StatementCacheSize int
}

// Kernel owns the store and hands out transactions.
type Kernel struct {
	store   storage.Store
	guard   *AvailabilityGuard
	log     *zap.Logger
	metrics *metrics.Metrics

	pollInterval time.Duration
	txTimeout    time.Duration
	statements   *cache.LRU[Statement]

	// commits are serialized so transaction ids are handed out in order
	commitMu sync.Mutex
	newestTx atomic.Int64
	txSeq    atomic.Int64
}

// New returns a kernel over store.
func New(store storage.Store, opts Options) *Kernel {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	poll := opts.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	k := &Kernel{
		store:        store,
		guard:        NewAvailabilityGuard(),
		log:          log.Named("kernel"),
		metrics:      opts.Metrics,
		pollInterval: poll,
		txTimeout:    opts.TransactionTimeout,
	}
	if opts.StatementCacheSize >= 0 {
		k.statements = cache.New[Statement](opts.StatementCacheSize, 0)
	}
	k.newestTx.Store(store.LastClosedTransactionID())
	return k
}

// Store returns the underlying store.
func (k *Kernel) Store() storage.Store { return k.store }

// Guard returns the availability guard.
func (k *Kernel) Guard() *AvailabilityGuard { return k.guard }

// LastClosedTransactionID returns the id of the last transaction applied
// to the store.
func (k *Kernel) LastClosedTransactionID() int64 {
	return k.store.LastClosedTransactionID()
}

// NewestEncounteredTxID returns the highest transaction id this kernel has
// committed or observed in the store.
func (k *Kernel) NewestEncounteredTxID() int64 {
	last := k.store.LastClosedTransactionID()
	if n := k.newestTx.Load(); n > last {
		return n
	}
	return last
}

// Shutdown makes the kernel unavailable. Waiting bookmark requests fail
// with ErrDatabaseUnavailable.
func (k *Kernel) Shutdown(reason string) {
	k.guard.Shutdown(reason)
	k.log.Info("kernel shut down", zap.String("reason", reason))
}

// BeginTransaction opens a transaction for login.
func (k *Kernel) BeginTransaction(login *auth.LoginContext) (*Transaction, error) {
	if err := k.guard.Require(); err != nil {
		return nil, err
	}
	if login == nil {
		return nil, errors.Wrap(auth.ErrForbidden, "no login context")
	}
	if err := login.Check(); err != nil {
		return nil, err
	}
	tx := newTransaction(k, k.txSeq.Inc(), login)
	if k.txTimeout > 0 {
		tx.timer = time.AfterFunc(k.txTimeout, func() {
			tx.MarkForTermination(ErrTransactionTimedOut)
		})
	}
	return tx, nil
}

// AwaitUpToDate blocks until the store has closed transaction txID. It
// returns at once, without polling, when that is already the case.
// Otherwise it polls every poll interval and fails with ErrBookmarkTimeout
// after timeout, or ErrDatabaseUnavailable once the guard shuts down.
func (k *Kernel) AwaitUpToDate(ctx context.Context, txID int64, timeout time.Duration) error {
	if k.store.LastClosedTransactionID() >= txID {
		return nil
	}

	start := time.Now()
	defer func() { k.metrics.BookmarkWaited(time.Since(start)) }()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(k.pollInterval)
	defer ticker.Stop()

	for {
		if err := k.guard.Require(); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return errors.Wrapf(ctx.Err(), "waiting for transaction %d", txID)
		case <-deadline.C:
			last := k.store.LastClosedTransactionID()
			k.log.Warn("bookmark wait timed out",
				zap.Int64("awaited", txID),
				zap.Int64("last_closed", last),
				zap.Duration("timeout", timeout))
			return errors.Wrapf(ErrBookmarkTimeout, "awaited transaction %d, last closed is %d", txID, last)
		case <-ticker.C:
			if k.store.LastClosedTransactionID() >= txID {
				k.log.Debug("bookmark reached", zap.Int64("awaited", txID), zap.Duration("waited", time.Since(start)))
				return nil
			}
		}
	}
}

// commit applies the commands of tx under the next transaction id.
func (k *Kernel) commit(tx *Transaction, cmds []storage.Command) (int64, error) {
	k.commitMu.Lock()
	defer k.commitMu.Unlock()

	if err := k.guard.Require(); err != nil {
		return 0, err
	}
	start := time.Now()
	txID := k.store.LastClosedTransactionID() + 1
	if err := k.store.Apply(txID, cmds); err != nil {
		return 0, err
	}
	k.newestTx.Store(txID)
	k.metrics.Committed(txID, time.Since(start))
	k.log.Debug("transaction committed",
		zap.Int64("tx", txID),
		zap.Int64("seq", tx.seq),
		zap.String("user", tx.login.Username),
		zap.Int("commands", len(cmds)))
	return txID, nil
}
