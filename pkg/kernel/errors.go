package kernel

import "github.com/pkg/errors"

// Transaction errors
var (
	ErrTransactionClosed     = errors.New("transaction is closed")
	ErrTransactionNotBound   = errors.New("transaction is not bound to the executing worker")
	ErrTransactionTerminated = errors.New("transaction has been terminated")
	ErrTransactionTimedOut   = errors.New("transaction timed out")
	ErrTransactionKilled     = errors.New("transaction was killed by an administrator")
	ErrSchemaAndDataMix      = errors.New("cannot mix schema and data updates in one transaction")
	ErrPeriodicCommitInTx    = errors.New("executing queries that use periodic commit in an open transaction is not possible")
)

// Availability errors
var (
	ErrBookmarkTimeout     = errors.New("timed out waiting for transaction visibility")
	ErrDatabaseUnavailable = errors.New("database is unavailable")
)

// Statement errors
var (
	ErrSyntax               = errors.New("invalid statement syntax")
	ErrParameterMissing     = errors.New("expected parameter")
	ErrTypeMismatch         = errors.New("type mismatch")
	ErrEntityNotFound       = errors.New("entity not found")
	ErrNodeHasRelationships = errors.New("node still has relationships")
	ErrNoSuchIndex          = errors.New("no such index")
	ErrNoSuchConstraint     = errors.New("no such constraint")
)
