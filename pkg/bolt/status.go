package bolt

import "strings"

// Classification groups status codes by who is expected to act on them.
type Classification int

const (
	// ClientError is caused by the request and will fail again if retried
	// unchanged.
	ClientError Classification = iota
	// ClientNotification is informational and does not fail the request.
	ClientNotification
	// TransientError may succeed if the request is retried.
	TransientError
	// DatabaseError is a failure inside the server.
	DatabaseError
)

func (c Classification) String() string {
	switch c {
	case ClientError:
		return "ClientError"
	case ClientNotification:
		return "ClientNotification"
	case TransientError:
		return "TransientError"
	case DatabaseError:
		return "DatabaseError"
	}
	return "Unknown"
}

// RollbackTransaction reports whether errors of this classification roll
// back the transaction they occur in.
func (c Classification) RollbackTransaction() bool {
	return c != ClientNotification
}

// Status is a Neo4j status code such as
// Neo.ClientError.Statement.SyntaxError.
type Status struct {
	Code           string
	Classification Classification
}

func newStatus(c Classification, category, title string) Status {
	return Status{
		Code:           strings.Join([]string{"Neo", c.String(), category, title}, "."),
		Classification: c,
	}
}

func (s Status) String() string { return s.Code }

// Status codes reported to clients.
var (
	StatusRequestInvalid       = newStatus(ClientError, "Request", "Invalid")
	StatusRequestInvalidFormat = newStatus(ClientError, "Request", "InvalidFormat")
	StatusInvalidArguments     = newStatus(ClientError, "General", "InvalidArguments")
	StatusProcedureNotFound    = newStatus(ClientError, "Procedure", "ProcedureNotFound")

	StatusUnauthorized              = newStatus(ClientError, "Security", "Unauthorized")
	StatusAuthenticationRateLimit   = newStatus(ClientError, "Security", "AuthenticationRateLimit")
	StatusAuthorizationExpired      = newStatus(ClientError, "Security", "AuthorizationExpired")
	StatusForbidden                 = newStatus(ClientError, "Security", "Forbidden")
	StatusCredentialsExpired        = newStatus(ClientError, "Security", "CredentialsExpired")
	StatusSyntaxError               = newStatus(ClientError, "Statement", "SyntaxError")
	StatusSemanticError             = newStatus(ClientError, "Statement", "SemanticError")
	StatusParameterMissing          = newStatus(ClientError, "Statement", "ParameterMissing")
	StatusTypeError                 = newStatus(ClientError, "Statement", "TypeError")
	StatusEntityNotFound            = newStatus(ClientError, "Statement", "EntityNotFound")
	StatusConstraintValidation      = newStatus(ClientError, "Schema", "ConstraintValidationFailed")
	StatusIndexNotFound             = newStatus(ClientError, "Schema", "IndexNotFound")
	StatusConstraintNotFound        = newStatus(ClientError, "Schema", "ConstraintNotFound")
	StatusForbiddenDueToTxType      = newStatus(ClientError, "Transaction", "ForbiddenDueToTransactionType")
	StatusTransactionMarkedAsFailed = newStatus(ClientError, "Transaction", "TransactionMarkedAsFailed")
	StatusTransactionTimedOut       = newStatus(ClientError, "Transaction", "TransactionTimedOut")
	StatusInvalidBookmark           = newStatus(ClientError, "Transaction", "InvalidBookmark")

	StatusTerminated          = newStatus(TransientError, "Transaction", "Terminated")
	StatusBookmarkTimeout     = newStatus(TransientError, "Transaction", "BookmarkTimeout")
	StatusDatabaseUnavailable = newStatus(TransientError, "General", "DatabaseUnavailable")

	StatusUnknownError = newStatus(DatabaseError, "General", "UnknownError")
)
