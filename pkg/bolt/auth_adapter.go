package bolt

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/orneryd/nornicbolt/pkg/audit"
	"github.com/orneryd/nornicbolt/pkg/auth"
	"github.com/orneryd/nornicbolt/pkg/logging"
)

// Authenticator validates the auth token of an INIT message.
type Authenticator interface {
	Authenticate(token map[string]any) (*auth.AuthenticationResult, error)
}

// AuthenticatorAdapter lets a Bolt connection authenticate against the
// shared auth.Authenticator.
//
// Tokens have the form {scheme, principal, credentials}. A token that also
// carries "new_credentials" changes the password after a successful login,
// which is how a client clears expired credentials:
//
//	{"scheme": "basic", "principal": "neo4j", "credentials": "neo4j",
//	 "new_credentials": "s3cret-pass"}
//
// A nil authenticator accepts every token with full access.
type AuthenticatorAdapter struct {
	auth  *auth.Authenticator
	log   *zap.Logger
	audit *audit.Logger
}

// NewAuthenticatorAdapter wraps authenticator.
func NewAuthenticatorAdapter(authenticator *auth.Authenticator, logger *zap.Logger) *AuthenticatorAdapter {
	return &AuthenticatorAdapter{auth: authenticator, log: logging.OrNop(logger).Named("bolt-auth")}
}

// WithAudit records every attempt in the audit trail a.
func (a *AuthenticatorAdapter) WithAudit(l *audit.Logger) *AuthenticatorAdapter {
	a.audit = l
	return a
}

func (a *AuthenticatorAdapter) record(eventType audit.EventType, user string, success bool, reason string) {
	if err := a.audit.LogAuth(eventType, user, "", success, reason); err != nil {
		a.log.Warn("audit write failed", zap.Error(err))
	}
}

// Authenticate implements Authenticator.
func (a *AuthenticatorAdapter) Authenticate(token map[string]any) (*auth.AuthenticationResult, error) {
	if a.auth == nil {
		return &auth.AuthenticationResult{LoginContext: auth.FullAccess()}, nil
	}
	for _, key := range []string{"scheme", "principal", "credentials", "new_credentials"} {
		if v, ok := token[key]; ok && v != nil {
			if _, isString := v.(string); !isString {
				return nil, errors.Wrapf(auth.ErrInvalidCredentials, "auth token field %q must be a string", key)
			}
		}
	}

	principal, _ := token["principal"].(string)
	result, err := a.auth.Authenticate(token)
	if err != nil {
		a.log.Info("bolt authentication failed", zap.String("user", principal), zap.Error(err))
		a.record(audit.EventLoginFailed, principal, false, err.Error())
		return nil, err
	}
	a.record(audit.EventLogin, result.LoginContext.Username, true, "")

	newCredentials, _ := token["new_credentials"].(string)
	if newCredentials == "" {
		if result.CredentialsExpired {
			a.record(audit.EventCredentialsExpired, principal, true, "")
		}
		return result, nil
	}
	credentials, _ := token["credentials"].(string)
	if err := a.auth.ChangePassword(principal, credentials, newCredentials); err != nil {
		a.record(audit.EventPasswordChange, principal, false, err.Error())
		return nil, errors.Wrap(err, "change credentials")
	}
	result.CredentialsExpired = false
	a.record(audit.EventPasswordChange, principal, true, "")
	a.log.Info("credentials changed at login", zap.String("user", principal))
	return result, nil
}
