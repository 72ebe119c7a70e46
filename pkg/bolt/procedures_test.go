package bolt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/nornicbolt/pkg/auth"
	"github.com/orneryd/nornicbolt/pkg/values"
)

func newUserAdminEnv(t *testing.T) (*testEnv, *auth.Authenticator) {
	t.Helper()
	a := newTestAuthenticator(t)
	env := newTestEnv(t, func(c *SPIConfig) {
		c.Authenticator = NewAuthenticatorAdapter(a, nil)
		c.Users = a
	})
	return env, a
}

func loggedIn(t *testing.T, env *testEnv, principal, credentials string) *Machine {
	t.Helper()
	m := env.machine()
	h := mustProcess(t, m, InitMessage{UserAgent: "test/1.0", AuthToken: basicToken(principal, credentials)})
	require.Equal(t, "SUCCESS", h.outcome())
	return m
}

// call runs statement and pulls its records.
func call(t *testing.T, m *Machine, statement string, params map[string]any) (*recordingHandler, *recordingHandler) {
	t.Helper()
	if params == nil {
		params = map[string]any{}
	}
	ran := mustProcess(t, m, RunMessage{Statement: statement, Params: params})
	pulled := mustProcess(t, m, PullAllMessage{})
	return ran, pulled
}

func TestParseProcedureCall(t *testing.T) {
	tests := []struct {
		statement string
		name, arg string
		ok        bool
	}{
		{"CALL dbms.security.listUsers()", "dbms.security.listUsers", "", true},
		{"  call dbms.security.suspendUser( 'bob' ) ; ", "dbms.security.suspendUser", "'bob'", true},
		{"CALL dbms.security.deleteUser($name)", "dbms.security.deleteUser", "$name", true},
		{"CALL db.labels()", "", "", false},
		{"RETURN 1", "", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.statement, func(t *testing.T) {
			name, arg, ok := parseProcedureCall(tt.statement)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.name, name)
			assert.Equal(t, tt.arg, arg)
		})
	}
}

func TestProcedures_ListSuspendActivate(t *testing.T) {
	env, a := newUserAdminEnv(t)
	admin := loggedIn(t, env, "admin", "admin-password")
	viewer := loggedIn(t, env, "viewer", "viewer-password")

	ran, pulled := call(t, admin, "CALL dbms.security.listUsers()", nil)
	assert.Equal(t, []string{"username", "roles", "flags"}, ran.meta["fields"])
	require.Len(t, pulled.records, 2)
	assert.Equal(t, []values.Value{"viewer", []values.Value{"viewer"}, []values.Value{}}, pulled.records[1])

	_, pulled = call(t, admin, "CALL dbms.security.suspendUser($name)", map[string]any{"name": "viewer"})
	assert.Equal(t, "SUCCESS", pulled.outcome())
	assert.True(t, viewer.WillTerminate())
	_, err := a.Authenticate(basicToken("viewer", "viewer-password"))
	assert.ErrorIs(t, err, auth.ErrAccountDisabled)

	_, pulled = call(t, admin, "CALL dbms.security.listUsers()", nil)
	assert.Equal(t, []values.Value{"is_suspended"}, pulled.records[1][2])

	_, pulled = call(t, admin, "CALL dbms.security.activateUser('viewer')", nil)
	assert.Equal(t, "SUCCESS", pulled.outcome())
	_, err = a.Authenticate(basicToken("viewer", "viewer-password"))
	assert.NoError(t, err)
	assert.False(t, admin.WillTerminate())
}

func TestProcedures_DeleteUser(t *testing.T) {
	env, a := newUserAdminEnv(t)
	admin := loggedIn(t, env, "admin", "admin-password")
	viewer := loggedIn(t, env, "viewer", "viewer-password")

	_, pulled := call(t, admin, "CALL dbms.security.deleteUser('viewer')", nil)
	assert.Equal(t, "SUCCESS", pulled.outcome())
	assert.True(t, viewer.WillTerminate())
	assert.Equal(t, []string{"admin"}, a.ListUsers())
}

func TestProcedures_Errors(t *testing.T) {
	tests := []struct {
		name      string
		principal string
		password  string
		statement string
		params    map[string]any
		want      Status
	}{
		{"viewer is forbidden", "viewer", "viewer-password", "CALL dbms.security.listUsers()", nil, StatusForbidden},
		{"unknown procedure", "admin", "admin-password", "CALL dbms.security.changeUserPassword('viewer')", nil, StatusProcedureNotFound},
		{"unknown user", "admin", "admin-password", "CALL dbms.security.suspendUser('ghost')", nil, StatusInvalidArguments},
		{"suspend self", "admin", "admin-password", "CALL dbms.security.suspendUser('admin')", nil, StatusForbidden},
		{"unquoted argument", "admin", "admin-password", "CALL dbms.security.deleteUser(viewer)", nil, StatusInvalidArguments},
		{"non-string parameter", "admin", "admin-password", "CALL dbms.security.deleteUser($name)", map[string]any{"name": int64(1)}, StatusInvalidArguments},
		{"listUsers with argument", "admin", "admin-password", "CALL dbms.security.listUsers('x')", nil, StatusInvalidArguments},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, _ := newUserAdminEnv(t)
			m := loggedIn(t, env, tt.principal, tt.password)
			params := tt.params
			if params == nil {
				params = map[string]any{}
			}
			h := mustProcess(t, m, RunMessage{Statement: tt.statement, Params: params})
			require.NotNil(t, h.failure)
			assert.Equal(t, tt.want, h.failure.Status)
			assert.Equal(t, Failed, m.State())
		})
	}
}

func TestProcedures_DisabledWithoutUserAdmin(t *testing.T) {
	env := newTestEnv(t)
	m := env.machine()
	mustProcess(t, m, initMsg())
	h := mustProcess(t, m, run("CALL dbms.security.listUsers()"))
	require.NotNil(t, h.failure)
	assert.Equal(t, StatusSyntaxError, h.failure.Status)
}
