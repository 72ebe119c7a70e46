// Package auth provides user authentication for Bolt sessions.
//
// Users are held in memory with bcrypt password hashes. A successful
// Authenticate returns a LoginContext bound to the user's roles; when a
// session TTL is configured the context expires, after which Check returns
// ErrAuthorizationExpired and the Bolt layer terminates the connection.
//
// Architecture:
//   - Neo4j style auth tokens: {scheme, principal, credentials}
//   - Schemes "basic" and, when allowed, "none" (anonymous, read only)
//   - Roles: admin, editor, viewer
//   - Account lockout after repeated failed logins
//   - Credentials can be flagged as expired to force a password change
//
// Example Usage:
//
//	authenticator, err := auth.NewAuthenticator(auth.DefaultAuthConfig(), logger)
//	if err != nil {
//		return err
//	}
//	authenticator.CreateUser("neo4j", "changeme123", []auth.Role{auth.RoleAdmin})
//
//	result, err := authenticator.Authenticate(map[string]any{
//		"scheme":      "basic",
//		"principal":   "neo4j",
//		"credentials": "changeme123",
//	})
//	if err != nil {
//		return err // ErrInvalidCredentials, ErrAccountLocked, ...
//	}
//	result.LoginContext.Check() // nil until the session TTL elapses
package auth

import (
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// Errors for authentication operations.
var (
	ErrUserNotFound         = errors.New("user not found")
	ErrUserExists           = errors.New("user already exists")
	ErrInvalidCredentials   = errors.New("the client is unauthorized due to authentication failure")
	ErrAccountLocked        = errors.New("account locked due to failed login attempts")
	ErrAccountDisabled      = errors.New("account disabled")
	ErrPasswordTooShort     = errors.New("password does not meet minimum length requirement")
	ErrUnsupportedScheme    = errors.New("unsupported authentication scheme")
	ErrAuthorizationExpired = errors.New("authorization info expired")
	ErrForbidden            = errors.New("permission denied")
)

// Role represents a user role with associated permissions.
type Role string

// Predefined roles following Neo4j conventions.
const (
	RoleAdmin  Role = "admin"  // Full access including schema changes
	RoleEditor Role = "editor" // Read/write data
	RoleViewer Role = "viewer" // Read only
)

// Permission is a coarse access right checked by the kernel.
type Permission string

const (
	PermRead   Permission = "read"
	PermWrite  Permission = "write"
	PermSchema Permission = "schema"
	PermAdmin  Permission = "admin"
)

// RolePermissions maps roles to their permissions.
var RolePermissions = map[Role][]Permission{
	RoleAdmin:  {PermRead, PermWrite, PermSchema, PermAdmin},
	RoleEditor: {PermRead, PermWrite},
	RoleViewer: {PermRead},
}

// ValidRole reports whether r is one of the predefined roles.
func ValidRole(r Role) bool {
	_, ok := RolePermissions[r]
	return ok
}

// User is a stored account. PasswordHash never leaves the package.
type User struct {
	Username           string
	PasswordHash       string
	Roles              []Role
	CreatedAt          time.Time
	LastLogin          time.Time
	FailedLogins       int
	LockedUntil        time.Time
	Disabled           bool
	CredentialsExpired bool
}

// HasRole checks if the user has a specific role.
func (u *User) HasRole(role Role) bool {
	return slices.Contains(u.Roles, role)
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	// Enabled turns authentication on. When off every token is accepted
	// and receives an admin context.
	Enabled bool

	// AllowAnonymous accepts the "none" scheme with a viewer context.
	AllowAnonymous bool

	// Password policy
	MinPasswordLength int
	BcryptCost        int

	// Lockout settings
	MaxFailedLogins int
	LockoutDuration time.Duration

	// SessionTTL bounds how long a LoginContext stays valid. Zero means
	// it never expires.
	SessionTTL time.Duration
}

// DefaultAuthConfig returns default authentication configuration.
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		Enabled:           true,
		MinPasswordLength: 8,
		BcryptCost:        bcrypt.DefaultCost,
		MaxFailedLogins:   5,
		LockoutDuration:   15 * time.Minute,
	}
}

// LoginContext is the security context of an authenticated session.
type LoginContext struct {
	Username string
	Roles    []Role
	// Expires is the instant the context stops being valid. Zero never
	// expires.
	Expires time.Time

	now func() time.Time
}

// FullAccess is the context handed out when authentication is disabled.
func FullAccess() *LoginContext {
	return &LoginContext{Username: "", Roles: []Role{RoleAdmin}}
}

// Check returns ErrAuthorizationExpired once the context has expired.
func (l *LoginContext) Check() error {
	if l.Expires.IsZero() {
		return nil
	}
	now := time.Now
	if l.now != nil {
		now = l.now
	}
	if !now().Before(l.Expires) {
		return errors.Wrapf(ErrAuthorizationExpired, "session of %q expired at %s",
			l.Username, l.Expires.Format(time.RFC3339))
	}
	return nil
}

// Allows reports whether any role of the context grants perm.
func (l *LoginContext) Allows(perm Permission) bool {
	for _, r := range l.Roles {
		if slices.Contains(RolePermissions[r], perm) {
			return true
		}
	}
	return false
}

// AuthenticationResult is returned by a successful Authenticate.
type AuthenticationResult struct {
	LoginContext       *LoginContext
	CredentialsExpired bool
}

// Authenticator manages users and authentication.
//
// Thread Safety:
//
//	All methods are thread-safe for concurrent use.
type Authenticator struct {
	mu     sync.RWMutex
	users  map[string]*User // keyed by username
	config AuthConfig
	log    *zap.Logger
	now    func() time.Time
}

// NewAuthenticator returns an Authenticator with no users. Zero policy
// values fall back to the defaults.
func NewAuthenticator(config AuthConfig, logger *zap.Logger) (*Authenticator, error) {
	defaults := DefaultAuthConfig()
	if config.BcryptCost == 0 {
		config.BcryptCost = defaults.BcryptCost
	}
	if config.BcryptCost < bcrypt.MinCost || config.BcryptCost > bcrypt.MaxCost {
		return nil, errors.Errorf("bcrypt cost %d out of range [%d, %d]", config.BcryptCost, bcrypt.MinCost, bcrypt.MaxCost)
	}
	if config.MinPasswordLength == 0 {
		config.MinPasswordLength = defaults.MinPasswordLength
	}
	if config.MaxFailedLogins == 0 {
		config.MaxFailedLogins = defaults.MaxFailedLogins
	}
	if config.LockoutDuration == 0 {
		config.LockoutDuration = defaults.LockoutDuration
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authenticator{
		users:  make(map[string]*User),
		config: config,
		log:    logger.Named("auth"),
		now:    time.Now,
	}, nil
}

// IsEnabled reports whether credentials are checked.
func (a *Authenticator) IsEnabled() bool { return a.config.Enabled }

// CreateUser creates a user. With no roles the user is a viewer.
func (a *Authenticator) CreateUser(username, password string, roles []Role) (*User, error) {
	if len(password) < a.config.MinPasswordLength {
		return nil, errors.Wrapf(ErrPasswordTooShort, "minimum %d characters required", a.config.MinPasswordLength)
	}
	for _, r := range roles {
		if !ValidRole(r) {
			return nil, errors.Errorf("invalid role %q", r)
		}
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), a.config.BcryptCost)
	if err != nil {
		return nil, errors.Wrap(err, "hash password")
	}
	if len(roles) == 0 {
		roles = []Role{RoleViewer}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.users[username]; exists {
		return nil, ErrUserExists
	}
	user := &User{
		Username:     username,
		PasswordHash: string(hash),
		Roles:        slices.Clone(roles),
		CreatedAt:    a.now(),
	}
	a.users[username] = user
	a.log.Info("user created", zap.String("user", username), zap.Any("roles", roles))
	return copyUserSafe(user), nil
}

// Authenticate validates an auth token of the form
// {scheme, principal, credentials}.
func (a *Authenticator) Authenticate(token map[string]any) (*AuthenticationResult, error) {
	if !a.config.Enabled {
		return &AuthenticationResult{LoginContext: FullAccess()}, nil
	}

	scheme, _ := token["scheme"].(string)
	switch scheme {
	case "none", "":
		if !a.config.AllowAnonymous {
			return nil, errors.Wrap(ErrInvalidCredentials, "anonymous authentication not allowed")
		}
		return &AuthenticationResult{LoginContext: a.newContext("anonymous", []Role{RoleViewer})}, nil
	case "basic":
	default:
		return nil, errors.Wrapf(ErrUnsupportedScheme, "%q", scheme)
	}

	principal, _ := token["principal"].(string)
	credentials, _ := token["credentials"].(string)

	a.mu.Lock()
	defer a.mu.Unlock()

	user, exists := a.users[principal]
	if !exists {
		a.log.Warn("login failed", zap.String("user", principal), zap.String("reason", "unknown user"))
		return nil, ErrInvalidCredentials
	}
	if user.Disabled {
		a.log.Warn("login failed", zap.String("user", principal), zap.String("reason", "disabled"))
		return nil, ErrAccountDisabled
	}
	now := a.now()
	if now.Before(user.LockedUntil) {
		a.log.Warn("login failed", zap.String("user", principal), zap.String("reason", "locked"))
		return nil, ErrAccountLocked
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(credentials)); err != nil {
		user.FailedLogins++
		if user.FailedLogins >= a.config.MaxFailedLogins {
			user.LockedUntil = now.Add(a.config.LockoutDuration)
			user.FailedLogins = 0
			a.log.Warn("account locked", zap.String("user", principal), zap.Time("until", user.LockedUntil))
			return nil, ErrAccountLocked
		}
		a.log.Warn("login failed", zap.String("user", principal), zap.Int("failed_logins", user.FailedLogins))
		return nil, ErrInvalidCredentials
	}

	user.FailedLogins = 0
	user.LastLogin = now
	a.log.Debug("login", zap.String("user", principal))
	return &AuthenticationResult{
		LoginContext:       a.newContext(user.Username, user.Roles),
		CredentialsExpired: user.CredentialsExpired,
	}, nil
}

func (a *Authenticator) newContext(username string, roles []Role) *LoginContext {
	lc := &LoginContext{Username: username, Roles: slices.Clone(roles), now: a.now}
	if a.config.SessionTTL > 0 {
		lc.Expires = a.now().Add(a.config.SessionTTL)
	}
	return lc
}

// ChangePassword replaces the password after checking the old one and
// clears an expired-credentials flag.
func (a *Authenticator) ChangePassword(username, oldPassword, newPassword string) error {
	if len(newPassword) < a.config.MinPasswordLength {
		return errors.Wrapf(ErrPasswordTooShort, "minimum %d characters required", a.config.MinPasswordLength)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	user, ok := a.users[username]
	if !ok {
		return ErrUserNotFound
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(oldPassword)); err != nil {
		return ErrInvalidCredentials
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), a.config.BcryptCost)
	if err != nil {
		return errors.Wrap(err, "hash password")
	}
	user.PasswordHash = string(hash)
	user.CredentialsExpired = false
	return nil
}

// ExpireCredentials flags the user's password as expired. Later logins
// succeed but report CredentialsExpired.
func (a *Authenticator) ExpireCredentials(username string) error {
	return a.update(username, func(u *User) { u.CredentialsExpired = true })
}

// DisableUser blocks all logins of the user.
func (a *Authenticator) DisableUser(username string) error {
	return a.update(username, func(u *User) { u.Disabled = true })
}

// EnableUser reverses DisableUser.
func (a *Authenticator) EnableUser(username string) error {
	return a.update(username, func(u *User) { u.Disabled = false })
}

// UnlockUser clears a lockout.
func (a *Authenticator) UnlockUser(username string) error {
	return a.update(username, func(u *User) {
		u.LockedUntil = time.Time{}
		u.FailedLogins = 0
	})
}

func (a *Authenticator) update(username string, fn func(*User)) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	user, ok := a.users[username]
	if !ok {
		return ErrUserNotFound
	}
	fn(user)
	return nil
}

// DeleteUser removes a user.
func (a *Authenticator) DeleteUser(username string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.users[username]; !ok {
		return ErrUserNotFound
	}
	delete(a.users, username)
	return nil
}

// GetUser returns a copy of the user without its password hash.
func (a *Authenticator) GetUser(username string) (*User, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	user, ok := a.users[username]
	if !ok {
		return nil, ErrUserNotFound
	}
	return copyUserSafe(user), nil
}

// ListUsers returns the usernames in order.
func (a *Authenticator) ListUsers() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return slices.Sorted(maps.Keys(a.users))
}

func copyUserSafe(u *User) *User {
	out := *u
	out.PasswordHash = ""
	out.Roles = slices.Clone(u.Roles)
	return &out
}
