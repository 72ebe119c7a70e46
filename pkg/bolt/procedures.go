package bolt

import (
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/orneryd/nornicbolt/pkg/auth"
	"github.com/orneryd/nornicbolt/pkg/kernel"
	"github.com/orneryd/nornicbolt/pkg/values"
)

// UserAdmin manages the accounts an Authenticator checks.
// *auth.Authenticator implements it.
type UserAdmin interface {
	ListUsers() []string
	GetUser(username string) (*auth.User, error)
	DisableUser(username string) error
	EnableUser(username string) error
	UnlockUser(username string) error
	DeleteUser(username string) error
}

// Procedures runs the user management procedures of the dbms.security
// namespace:
//
//	CALL dbms.security.listUsers()
//	CALL dbms.security.suspendUser('alice')
//	CALL dbms.security.activateUser($username)
//	CALL dbms.security.deleteUser('alice')
//
// They run outside any transaction and need the admin permission.
// Suspending or deleting a user also terminates that user's connections.
type Procedures struct {
	users     UserAdmin
	terminate func(owner string) int
}

// NewProcedures returns procedures backed by users. terminate, if set, is
// called with the username of a suspended or deleted account.
func NewProcedures(users UserAdmin, terminate func(owner string) int) *Procedures {
	return &Procedures{users: users, terminate: terminate}
}

var procedureCall = regexp.MustCompile(`(?is)^\s*CALL\s+(dbms\.security\.[A-Za-z]+)\s*\(\s*(.*?)\s*\)\s*;?\s*$`)

// parseProcedureCall splits a CALL of a dbms.security procedure into its
// name and raw argument text.
func parseProcedureCall(statement string) (name, arg string, ok bool) {
	m := procedureCall.FindStringSubmatch(statement)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// Call runs the named procedure for login.
func (p *Procedures) Call(login *auth.LoginContext, name, arg string, params map[string]any) (*kernel.Result, error) {
	if !login.Allows(auth.PermAdmin) {
		return nil, errors.Wrapf(auth.ErrForbidden, "%s requires the admin role", name)
	}

	switch name {
	case "dbms.security.listUsers":
		if arg != "" {
			return nil, errors.Wrap(ErrInvalidArgument, "listUsers takes no arguments")
		}
		return p.listUsers()
	case "dbms.security.suspendUser", "dbms.security.deleteUser":
		username, err := procedureArg(arg, params)
		if err != nil {
			return nil, err
		}
		if username == login.Username {
			return nil, errors.Wrapf(auth.ErrForbidden, "%s cannot be applied to the current user", name)
		}
		if name == "dbms.security.suspendUser" {
			err = p.users.DisableUser(username)
		} else {
			err = p.users.DeleteUser(username)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "%s(%q)", name, username)
		}
		if p.terminate != nil {
			p.terminate(username)
		}
		return kernel.NewResult(nil, nil, "w"), nil
	case "dbms.security.activateUser":
		username, err := procedureArg(arg, params)
		if err != nil {
			return nil, err
		}
		if err := p.users.EnableUser(username); err != nil {
			return nil, errors.Wrapf(err, "%s(%q)", name, username)
		}
		if err := p.users.UnlockUser(username); err != nil {
			return nil, errors.Wrapf(err, "%s(%q)", name, username)
		}
		return kernel.NewResult(nil, nil, "w"), nil
	}
	return nil, errors.Wrapf(ErrProcedureNotFound, "%s", name)
}

func (p *Procedures) listUsers() (*kernel.Result, error) {
	var records [][]values.Value
	for _, name := range p.users.ListUsers() {
		user, err := p.users.GetUser(name)
		if errors.Is(err, auth.ErrUserNotFound) {
			// deleted since ListUsers
			continue
		}
		if err != nil {
			return nil, err
		}
		roles := make([]values.Value, len(user.Roles))
		for i, r := range user.Roles {
			roles[i] = string(r)
		}
		flags := []values.Value{}
		if user.Disabled {
			flags = append(flags, "is_suspended")
		}
		if user.LockedUntil.After(time.Now()) {
			flags = append(flags, "is_locked")
		}
		if user.CredentialsExpired {
			flags = append(flags, "password_change_required")
		}
		records = append(records, []values.Value{user.Username, roles, flags})
	}
	return kernel.NewResult([]string{"username", "roles", "flags"}, records, "r"), nil
}

// procedureArg resolves a single string argument: a quoted literal or a
// $parameter.
func procedureArg(raw string, params map[string]any) (string, error) {
	switch {
	case strings.HasPrefix(raw, "$"):
		v, ok := params[raw[1:]].(string)
		if !ok {
			return "", errors.Wrapf(ErrInvalidArgument, "parameter %s must be a string", raw)
		}
		return v, nil
	case len(raw) >= 2 && (raw[0] == '\'' || raw[0] == '"') && raw[len(raw)-1] == raw[0]:
		return raw[1 : len(raw)-1], nil
	}
	return "", errors.Wrapf(ErrInvalidArgument, "expected a quoted username or parameter, got %q", raw)
}
