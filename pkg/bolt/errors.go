package bolt

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/orneryd/nornicbolt/pkg/auth"
	"github.com/orneryd/nornicbolt/pkg/kernel"
	"github.com/orneryd/nornicbolt/pkg/storage"
	"github.com/orneryd/nornicbolt/pkg/txstate"
)

// Statement processor errors
var (
	ErrNestedTransaction       = errors.New("Nested transactions are not supported.")
	ErrNoTransactionToCommit   = errors.New("No current transaction to commit.")
	ErrTransactionMarkedFailed = errors.New("transaction was marked as failed by an earlier statement and has been rolled back")
	ErrInvalidBookmark         = errors.New("invalid bookmark")
	ErrNoResult                = errors.New("no result available to stream")
	ErrTransactionInterrupted  = errors.New("transaction was interrupted by the client")
	ErrProcedureNotFound       = errors.New("there is no procedure with that name")
	ErrInvalidArgument         = errors.New("invalid procedure argument")
)

// Transport and scheduling errors
var (
	ErrInvalidWatermarks = errors.New("invalid watermarks: require 0 <= low < high")
	ErrMachineClosed     = errors.New("connection is closed")
	ErrInvalidHandshake  = errors.New("invalid bolt handshake")
	ErrUnknownMessage    = errors.New("unknown message signature")
	ErrServerClosed      = errors.New("bolt server closed")
)

// Neo4jError is an error as reported to a client: a status, a message and
// the underlying cause. A fatal error closes the connection after it is
// sent.
type Neo4jError struct {
	Status  Status
	Message string
	Cause   error
	Fatal   bool
}

func (e *Neo4jError) Error() string {
	return fmt.Sprintf("%s: %s", e.Status.Code, e.Message)
}

// Unwrap returns the cause.
func (e *Neo4jError) Unwrap() error { return e.Cause }

// NewError builds a non-fatal error with the given status.
func NewError(status Status, message string) *Neo4jError {
	return &Neo4jError{Status: status, Message: message}
}

// NewFatalError builds a fatal error with the given status.
func NewFatalError(status Status, message string) *Neo4jError {
	return &Neo4jError{Status: status, Message: message, Fatal: true}
}

// ErrorFrom classifies err. Errors already carrying a status keep it;
// unrecognised errors become Neo.DatabaseError.General.UnknownError.
func ErrorFrom(err error) *Neo4jError {
	var ne *Neo4jError
	if errors.As(err, &ne) {
		return ne
	}
	return &Neo4jError{Status: statusOf(err), Message: err.Error(), Cause: err}
}

// FatalFrom is ErrorFrom with the fatal flag set.
func FatalFrom(err error) *Neo4jError {
	ne := *ErrorFrom(err)
	ne.Fatal = true
	return &ne
}

var statusTable = []struct {
	target error
	status Status
}{
	{auth.ErrAuthorizationExpired, StatusAuthorizationExpired},
	{auth.ErrInvalidCredentials, StatusUnauthorized},
	{auth.ErrUnsupportedScheme, StatusUnauthorized},
	{auth.ErrAccountDisabled, StatusUnauthorized},
	{auth.ErrAccountLocked, StatusAuthenticationRateLimit},
	{auth.ErrForbidden, StatusForbidden},
	{auth.ErrUserNotFound, StatusInvalidArguments},

	{kernel.ErrTransactionTerminated, StatusTerminated},
	{kernel.ErrTransactionTimedOut, StatusTransactionTimedOut},
	{kernel.ErrTransactionKilled, StatusTerminated},
	{kernel.ErrBookmarkTimeout, StatusBookmarkTimeout},
	{kernel.ErrDatabaseUnavailable, StatusDatabaseUnavailable},
	{kernel.ErrSchemaAndDataMix, StatusForbiddenDueToTxType},
	{kernel.ErrPeriodicCommitInTx, StatusSemanticError},
	{kernel.ErrSyntax, StatusSyntaxError},
	{kernel.ErrParameterMissing, StatusParameterMissing},
	{kernel.ErrTypeMismatch, StatusTypeError},
	{kernel.ErrEntityNotFound, StatusEntityNotFound},
	{kernel.ErrNodeHasRelationships, StatusConstraintValidation},
	{kernel.ErrNoSuchIndex, StatusIndexNotFound},
	{kernel.ErrNoSuchConstraint, StatusConstraintNotFound},

	{storage.ErrConstraintViolation, StatusConstraintValidation},
	{storage.ErrNodeHasRelationships, StatusConstraintValidation},
	{storage.ErrNotFound, StatusEntityNotFound},
	{txstate.ErrDeletedNodeStillHasRelationships, StatusConstraintValidation},
	{txstate.ErrUnsupportedOperation, StatusSemanticError},

	{ErrNestedTransaction, StatusSemanticError},
	{ErrNoTransactionToCommit, StatusSemanticError},
	{ErrTransactionMarkedFailed, StatusTransactionMarkedAsFailed},
	{ErrInvalidBookmark, StatusInvalidBookmark},
	{ErrTransactionInterrupted, StatusTerminated},
	{ErrProcedureNotFound, StatusProcedureNotFound},
	{ErrInvalidArgument, StatusInvalidArguments},
	{ErrUnknownMessage, StatusRequestInvalid},
}

func statusOf(err error) Status {
	for _, e := range statusTable {
		if errors.Is(err, e.target) {
			return e.status
		}
	}
	return StatusUnknownError
}

// ConnectionFatality is returned by Machine.Process when the connection
// must be closed. The failure, if any, has already been handed to the
// response handler.
type ConnectionFatality struct {
	Message string
	// AuthFatality is set for authentication and authorization expiry
	// failures.
	AuthFatality bool
	// ProtocolBreach is set when a message arrived in a state that does not
	// accept it.
	ProtocolBreach bool
}

func (f *ConnectionFatality) Error() string {
	switch {
	case f.AuthFatality:
		return "bolt authentication fatality: " + f.Message
	case f.ProtocolBreach:
		return "bolt protocol breach: " + f.Message
	}
	return "bolt connection fatality: " + f.Message
}

// IsFatal reports whether err is a ConnectionFatality.
func IsFatal(err error) bool {
	var f *ConnectionFatality
	return errors.As(err, &f)
}
