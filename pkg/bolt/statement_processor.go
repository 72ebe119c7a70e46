package bolt

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/orneryd/nornicbolt/pkg/auth"
	"github.com/orneryd/nornicbolt/pkg/kernel"
	"github.com/orneryd/nornicbolt/pkg/logging"
)

// StatementMetadata describes a result produced by RUN.
type StatementMetadata struct {
	Fields []string
}

// StatementProcessor runs statements for one connection.
type StatementProcessor interface {
	Run(statement string, params map[string]any) (StatementMetadata, error)
	// StreamResult hands the pending result to consume and returns the
	// metadata for the closing SUCCESS.
	StreamResult(consume func(*kernel.Result) error) (map[string]any, error)
	Reset() error
	// Abandon drops the pending result after a failure that did not come
	// from the processor. An auto-commit transaction is rolled back; an
	// explicit one stays open but can no longer commit.
	Abandon() error
	MarkCurrentTransactionForTermination()
	ValidateTransaction() error
	HasTransaction() bool
}

// nullProcessor is in place until INIT succeeds.
type nullProcessor struct{}

func (nullProcessor) Run(string, map[string]any) (StatementMetadata, error) {
	return StatementMetadata{}, errors.New("unable to run statements before INIT")
}

func (nullProcessor) StreamResult(func(*kernel.Result) error) (map[string]any, error) {
	return nil, errors.New("unable to stream results before INIT")
}

func (nullProcessor) Reset() error                          { return nil }
func (nullProcessor) Abandon() error                        { return nil }
func (nullProcessor) MarkCurrentTransactionForTermination() {}
func (nullProcessor) ValidateTransaction() error            { return nil }
func (nullProcessor) HasTransaction() bool                  { return false }

// TransactionSPI is the database side of a TransactionStateMachine.
// *kernel.Kernel implements it.
type TransactionSPI interface {
	BeginTransaction(login *auth.LoginContext) (*kernel.Transaction, error)
	Execute(ctx context.Context, tx *kernel.Transaction, query string, params map[string]any) (*kernel.Result, error)
	ExecutePeriodicCommit(ctx context.Context, login *auth.LoginContext, query string, params map[string]any) (*kernel.Result, error)
	AwaitUpToDate(ctx context.Context, txID int64, timeout time.Duration) error
	NewestEncounteredTxID() int64
}

// TxMode is the transaction mode of a TransactionStateMachine.
type TxMode int

const (
	// AutoCommit wraps every statement in its own transaction, committed
	// once the result has been streamed.
	AutoCommit TxMode = iota
	// ExplicitTransaction runs statements in the transaction opened by
	// BEGIN until COMMIT or ROLLBACK.
	ExplicitTransaction
)

func (m TxMode) String() string {
	if m == ExplicitTransaction {
		return "EXPLICIT_TRANSACTION"
	}
	return "AUTO_COMMIT"
}

// TransactionStateMachine is the StatementProcessor of an authenticated
// connection.
//
// The statements BEGIN, COMMIT and ROLLBACK (any case, optional trailing
// semicolon) open and close an explicit transaction. BEGIN waits for the
// transaction named by a "bookmark" or "bookmarks" parameter to become
// visible. Every other statement runs in the explicit transaction or, in
// AUTO_COMMIT mode, in a transaction of its own that commits after its
// result is streamed; the SUCCESS of that stream carries a bookmark.
type TransactionStateMachine struct {
	spi             TransactionSPI
	login           *auth.LoginContext
	ctx             context.Context
	bookmarkTimeout time.Duration
	log             *zap.Logger
	procedures      *Procedures

	mode     TxMode
	result   *kernel.Result
	txFailed bool
	bookmark string

	// mu guards tx, which is read by MarkCurrentTransactionForTermination
	// from the reading goroutine.
	mu sync.Mutex
	tx *kernel.Transaction
}

// NewTransactionStateMachine returns a processor in AUTO_COMMIT mode.
// ctx bounds bookmark waits.
func NewTransactionStateMachine(ctx context.Context, spi TransactionSPI, login *auth.LoginContext, bookmarkTimeout time.Duration, logger *zap.Logger) *TransactionStateMachine {
	return &TransactionStateMachine{
		spi:             spi,
		login:           login,
		ctx:             ctx,
		bookmarkTimeout: bookmarkTimeout,
		log:             logging.OrNop(logger),
	}
}

// WithProcedures lets the processor run the dbms.security procedures.
func (t *TransactionStateMachine) WithProcedures(p *Procedures) *TransactionStateMachine {
	t.procedures = p
	return t
}

// Mode returns the current transaction mode.
func (t *TransactionStateMachine) Mode() TxMode { return t.mode }

func (t *TransactionStateMachine) currentTx() *kernel.Transaction {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tx
}

func (t *TransactionStateMachine) setTx(tx *kernel.Transaction) {
	t.mu.Lock()
	t.tx = tx
	t.mu.Unlock()
}

// HasTransaction reports whether a kernel transaction is open.
func (t *TransactionStateMachine) HasTransaction() bool {
	return t.currentTx() != nil
}

type control int

const (
	notControl control = iota
	controlBegin
	controlCommit
	controlRollback
)

func parseControl(statement string) control {
	s := strings.TrimSpace(statement)
	s = strings.TrimSpace(strings.TrimSuffix(s, ";"))
	switch strings.ToUpper(s) {
	case "BEGIN":
		return controlBegin
	case "COMMIT":
		return controlCommit
	case "ROLLBACK":
		return controlRollback
	}
	return notControl
}

// Run executes statement, or handles it as BEGIN, COMMIT or ROLLBACK.
func (t *TransactionStateMachine) Run(statement string, params map[string]any) (StatementMetadata, error) {
	t.bookmark = ""
	if t.mode == ExplicitTransaction {
		return t.runExplicit(statement, params)
	}
	return t.runAutoCommit(statement, params)
}

func (t *TransactionStateMachine) runAutoCommit(statement string, params map[string]any) (StatementMetadata, error) {
	// a transaction left over from an abandoned stream is never reused
	if t.currentTx() != nil {
		if err := t.closeTx(false); err != nil {
			t.log.Warn("rollback of abandoned auto-commit transaction", zap.Error(err))
		}
	}
	if t.result != nil {
		t.result.Close()
		t.result = nil
	}
	switch parseControl(statement) {
	case controlBegin:
		if err := t.awaitBookmark(params); err != nil {
			return StatementMetadata{}, err
		}
		tx, err := t.spi.BeginTransaction(t.login)
		if err != nil {
			return StatementMetadata{}, err
		}
		t.setTx(tx)
		t.txFailed = false
		t.mode = ExplicitTransaction
		t.result = kernel.NewResult(nil, nil, "")
		return StatementMetadata{}, nil
	case controlCommit:
		return StatementMetadata{}, ErrNoTransactionToCommit
	case controlRollback:
		t.result = kernel.NewResult(nil, nil, "")
		return StatementMetadata{}, nil
	}

	if name, arg, ok := t.procedureCall(statement); ok {
		return t.callProcedure(name, arg, params)
	}

	if kernel.IsPeriodicCommit(statement) {
		// periodic commit manages its own transactions; the wrapper only
		// carries the result to the stream
		result, err := t.spi.ExecutePeriodicCommit(t.ctx, t.login, statement, params)
		if err != nil {
			return StatementMetadata{}, err
		}
		tx, err := t.spi.BeginTransaction(t.login)
		if err != nil {
			return StatementMetadata{}, err
		}
		t.setTx(tx)
		t.result = result
		return StatementMetadata{Fields: result.Fields()}, nil
	}

	tx, err := t.spi.BeginTransaction(t.login)
	if err != nil {
		return StatementMetadata{}, err
	}
	t.setTx(tx)
	tx.Bind()
	result, err := t.spi.Execute(t.ctx, tx, statement, params)
	tx.Unbind()
	if err != nil {
		if closeErr := t.closeTx(false); closeErr != nil {
			t.log.Warn("rollback after failed statement", zap.Error(closeErr))
		}
		return StatementMetadata{}, err
	}
	t.result = result
	return StatementMetadata{Fields: result.Fields()}, nil
}

func (t *TransactionStateMachine) runExplicit(statement string, params map[string]any) (StatementMetadata, error) {
	switch parseControl(statement) {
	case controlBegin:
		return StatementMetadata{}, ErrNestedTransaction
	case controlCommit:
		if t.txFailed {
			if err := t.closeTx(false); err != nil {
				t.log.Warn("rollback of failed transaction", zap.Error(err))
			}
			return StatementMetadata{}, ErrTransactionMarkedFailed
		}
		if err := t.closeTx(true); err != nil {
			return StatementMetadata{}, err
		}
		t.bookmark = FormatBookmark(t.spi.NewestEncounteredTxID())
		t.result = kernel.NewResult(nil, nil, "")
		return StatementMetadata{}, nil
	case controlRollback:
		if err := t.closeTx(false); err != nil {
			return StatementMetadata{}, err
		}
		t.result = kernel.NewResult(nil, nil, "")
		return StatementMetadata{}, nil
	}

	if name, arg, ok := t.procedureCall(statement); ok {
		return t.callProcedure(name, arg, params)
	}

	tx := t.currentTx()
	tx.Bind()
	result, err := t.spi.Execute(t.ctx, tx, statement, params)
	tx.Unbind()
	if err != nil {
		t.txFailed = true
		return StatementMetadata{}, err
	}
	t.result = result
	return StatementMetadata{Fields: result.Fields()}, nil
}

func (t *TransactionStateMachine) procedureCall(statement string) (name, arg string, ok bool) {
	if t.procedures == nil {
		return "", "", false
	}
	return parseProcedureCall(statement)
}

// callProcedure runs a procedure outside the open transaction, if any.
func (t *TransactionStateMachine) callProcedure(name, arg string, params map[string]any) (StatementMetadata, error) {
	result, err := t.procedures.Call(t.login, name, arg, params)
	if err != nil {
		return StatementMetadata{}, err
	}
	t.result = result
	return StatementMetadata{Fields: result.Fields()}, nil
}

// StreamResult hands the pending result to consume. In AUTO_COMMIT mode the
// statement's transaction is then committed, or rolled back if consume
// failed.
func (t *TransactionStateMachine) StreamResult(consume func(*kernel.Result) error) (map[string]any, error) {
	result := t.result
	if result == nil {
		return nil, ErrNoResult
	}
	t.result = nil
	if err := t.login.Check(); err != nil {
		result.Close()
		return nil, err
	}

	tx := t.currentTx()
	if tx != nil {
		tx.Bind()
		defer tx.Unbind()
	}

	start := time.Now()
	err := consume(result)
	result.Close()

	meta := map[string]any{"result_consumed_after": time.Since(start).Milliseconds()}
	if kind := result.Kind(); kind != "" {
		meta["type"] = kind
	}
	if stats := result.Stats(); stats.ContainsUpdates() {
		meta["stats"] = stats.Map()
	}

	switch {
	case t.mode == AutoCommit && tx != nil:
		if closeErr := t.closeTx(err == nil); err == nil {
			err = closeErr
		}
		if err == nil {
			t.bookmark = FormatBookmark(t.spi.NewestEncounteredTxID())
		}
	case err != nil:
		t.txFailed = true
	}
	if err != nil {
		t.bookmark = ""
		return nil, err
	}
	if t.bookmark != "" {
		meta["bookmark"] = t.bookmark
		t.bookmark = ""
	}
	return meta, nil
}

// Reset drops the pending result and rolls back any open transaction.
func (t *TransactionStateMachine) Reset() error {
	if t.result != nil {
		t.result.Close()
		t.result = nil
	}
	t.bookmark = ""
	return t.closeTx(false)
}

// Abandon implements StatementProcessor.
func (t *TransactionStateMachine) Abandon() error {
	if t.mode == AutoCommit {
		return t.Reset()
	}
	if t.result != nil {
		t.result.Close()
		t.result = nil
		t.txFailed = true
	}
	t.bookmark = ""
	return nil
}

// MarkCurrentTransactionForTermination is safe to call from any goroutine.
func (t *TransactionStateMachine) MarkCurrentTransactionForTermination() {
	if tx := t.currentTx(); tx != nil {
		tx.MarkForTermination(ErrTransactionInterrupted)
	}
}

// ValidateTransaction rolls back the open transaction if it has been
// marked for termination and returns the termination reason.
func (t *TransactionStateMachine) ValidateTransaction() error {
	tx := t.currentTx()
	if tx == nil {
		return nil
	}
	reason := tx.ReasonIfTerminated()
	if reason == nil {
		return nil
	}
	if err := t.Reset(); err != nil {
		t.log.Warn("rollback of terminated transaction", zap.Error(err))
	}
	return errors.Wrap(reason, "transaction terminated")
}

// closeTx ends the open transaction, committing it if commit is set, and
// returns to AUTO_COMMIT.
func (t *TransactionStateMachine) closeTx(commit bool) error {
	tx := t.currentTx()
	t.setTx(nil)
	t.mode = AutoCommit
	t.txFailed = false
	if tx == nil {
		return nil
	}
	if commit {
		tx.Success()
	} else {
		tx.Failure()
	}
	return tx.Close()
}

func (t *TransactionStateMachine) awaitBookmark(params map[string]any) error {
	txID, ok, err := BookmarkFromParams(params)
	if err != nil || !ok {
		return err
	}
	return t.spi.AwaitUpToDate(t.ctx, txID, t.bookmarkTimeout)
}
