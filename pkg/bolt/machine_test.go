package bolt

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/nornicbolt/pkg/audit"
	"github.com/orneryd/nornicbolt/pkg/auth"
	"github.com/orneryd/nornicbolt/pkg/kernel"
	"github.com/orneryd/nornicbolt/pkg/storage"
	"github.com/orneryd/nornicbolt/pkg/values"
)

// recordingHandler captures the single response to one request.
type recordingHandler struct {
	meta     map[string]any
	records  [][]values.Value
	failure  *Neo4jError
	ignored  bool
	finishes int
}

func (h *recordingHandler) OnMetadata(key string, value any) {
	if h.meta == nil {
		h.meta = map[string]any{}
	}
	h.meta[key] = value
}

func (h *recordingHandler) OnRecords(r *kernel.Result, pull bool) error {
	defer r.Close()
	if !pull {
		return nil
	}
	for {
		rec, ok := r.Next()
		if !ok {
			return nil
		}
		h.records = append(h.records, rec)
	}
}

func (h *recordingHandler) MarkFailed(err *Neo4jError) { h.failure = err }
func (h *recordingHandler) MarkIgnored()               { h.ignored = true }
func (h *recordingHandler) OnFinish()                  { h.finishes++ }

func (h *recordingHandler) outcome() string {
	switch {
	case h.failure != nil:
		return "FAILURE"
	case h.ignored:
		return "IGNORED"
	}
	return "SUCCESS"
}

// staticAuthenticator hands out the same result to every token.
type staticAuthenticator struct {
	result *auth.AuthenticationResult
	err    error
}

func (a staticAuthenticator) Authenticate(map[string]any) (*auth.AuthenticationResult, error) {
	return a.result, a.err
}

type testEnv struct {
	kernel *kernel.Kernel
	spi    *DefaultSPI
}

func newTestEnv(t *testing.T, mutate ...func(*SPIConfig)) *testEnv {
	t.Helper()
	store := storage.NewMemoryStore()
	t.Cleanup(func() { _ = store.Close() })
	k := kernel.New(store, kernel.Options{PollInterval: time.Millisecond})
	cfg := SPIConfig{Transactions: k, BookmarkTimeout: 50 * time.Millisecond}
	for _, m := range mutate {
		m(&cfg)
	}
	return &testEnv{kernel: k, spi: NewSPI(context.Background(), cfg)}
}

func (e *testEnv) machine() *Machine {
	m := NewMachine(e.spi, nil, nil)
	e.spi.Track(m)
	return m
}

func process(t *testing.T, m *Machine, msg Message) (*recordingHandler, error) {
	t.Helper()
	h := &recordingHandler{}
	err := m.Process(msg, h)
	require.Equal(t, 1, h.finishes, "%s must be answered exactly once", msg)
	return h, err
}

func mustProcess(t *testing.T, m *Machine, msg Message) *recordingHandler {
	t.Helper()
	h, err := process(t, m, msg)
	require.NoError(t, err)
	return h
}

func initMsg() InitMessage {
	return InitMessage{UserAgent: "test/1.0", AuthToken: map[string]any{"scheme": "basic", "principal": "neo4j", "credentials": "password"}}
}

func run(statement string) RunMessage {
	return RunMessage{Statement: statement, Params: map[string]any{}}
}

func TestInit_Success(t *testing.T) {
	env := newTestEnv(t)
	m := env.machine()
	assert.Equal(t, Connected, m.State())

	h := mustProcess(t, m, initMsg())
	assert.Equal(t, "SUCCESS", h.outcome())
	assert.Equal(t, DefaultVersion, h.meta["server"])
	assert.Equal(t, Ready, m.State())
	assert.Equal(t, "neo4j", m.Owner())
	assert.Equal(t, map[string]int{"test/1.0": 1}, env.spi.Clients())
}

func TestInit_AuthenticationFailureIsFatal(t *testing.T) {
	env := newTestEnv(t, func(c *SPIConfig) {
		c.Authenticator = staticAuthenticator{err: auth.ErrInvalidCredentials}
	})
	m := env.machine()

	h, err := process(t, m, initMsg())
	var fatality *ConnectionFatality
	require.ErrorAs(t, err, &fatality)
	assert.True(t, fatality.AuthFatality)
	require.NotNil(t, h.failure)
	assert.Equal(t, StatusUnauthorized, h.failure.Status)
	assert.True(t, h.failure.Fatal)
}

func TestInit_CredentialsExpiredMetadata(t *testing.T) {
	env := newTestEnv(t, func(c *SPIConfig) {
		c.Authenticator = staticAuthenticator{result: &auth.AuthenticationResult{
			LoginContext:       auth.FullAccess(),
			CredentialsExpired: true,
		}}
	})
	h := mustProcess(t, env.machine(), initMsg())
	assert.Equal(t, true, h.meta["credentials_expired"])
}

func TestRunPullAll_StreamsRecords(t *testing.T) {
	env := newTestEnv(t)
	m := env.machine()
	mustProcess(t, m, initMsg())

	h := mustProcess(t, m, RunMessage{Statement: "RETURN $x AS x", Params: map[string]any{"x": 42}})
	assert.Equal(t, []string{"x"}, h.meta["fields"])
	assert.Contains(t, h.meta, "result_available_after")
	assert.Equal(t, Streaming, m.State())

	h = mustProcess(t, m, PullAllMessage{})
	assert.Equal(t, [][]values.Value{{int64(42)}}, h.records)
	assert.Equal(t, "r", h.meta["type"])
	assert.Equal(t, FormatBookmark(0), h.meta["bookmark"])
	assert.Equal(t, Ready, m.State())
	assert.False(t, m.HasTransaction())
}

func TestDiscardAll_DropsRecords(t *testing.T) {
	env := newTestEnv(t)
	m := env.machine()
	mustProcess(t, m, initMsg())
	mustProcess(t, m, run("CREATE NODE :Person"))

	h := mustProcess(t, m, DiscardAllMessage{})
	assert.Empty(t, h.records)
	assert.Equal(t, map[string]any{"nodes-created": int64(1), "labels-added": int64(1)}, h.meta["stats"])
	assert.Equal(t, FormatBookmark(1), h.meta["bookmark"])
	assert.Equal(t, int64(1), env.kernel.LastClosedTransactionID())
}

func TestRunFailure_ThenAckFailure(t *testing.T) {
	env := newTestEnv(t)
	m := env.machine()
	mustProcess(t, m, initMsg())

	h := mustProcess(t, m, run("THIS IS NOT A STATEMENT"))
	require.NotNil(t, h.failure)
	assert.Equal(t, StatusSyntaxError, h.failure.Status)
	assert.Equal(t, Failed, m.State())

	assert.Equal(t, "IGNORED", mustProcess(t, m, PullAllMessage{}).outcome())
	assert.Equal(t, "IGNORED", mustProcess(t, m, run("RETURN 1")).outcome())
	assert.Equal(t, Failed, m.State())

	assert.Equal(t, "SUCCESS", mustProcess(t, m, AckFailureMessage{}).outcome())
	assert.Equal(t, Ready, m.State())
	assert.Equal(t, "SUCCESS", mustProcess(t, m, run("RETURN 1")).outcome())
}

// machineIn drives a fresh machine into state.
func machineIn(t *testing.T, env *testEnv, state State) *Machine {
	t.Helper()
	m := env.machine()
	if state == Connected {
		return m
	}
	mustProcess(t, m, initMsg())
	switch state {
	case Streaming:
		mustProcess(t, m, run("RETURN 1"))
	case Failed:
		mustProcess(t, m, run("NOPE"))
	case Interrupted:
		m.Interrupt()
		m.Interrupt()
		h := mustProcess(t, m, ResetMessage{})
		require.Equal(t, "IGNORED", h.outcome())
	}
	require.Equal(t, state, m.State())
	return m
}

func TestProcess_EveryMessageInEveryStateGetsOneResponse(t *testing.T) {
	messages := []Message{initMsg(), AckFailureMessage{}, ResetMessage{}, run("RETURN 1"), DiscardAllMessage{}, PullAllMessage{}}
	// expected outcome per message, in the order above; "BREACH" is a
	// fatal FAILURE
	expected := map[State][]string{
		Connected:   {"SUCCESS", "BREACH", "BREACH", "BREACH", "BREACH", "BREACH"},
		Ready:       {"BREACH", "BREACH", "SUCCESS", "SUCCESS", "BREACH", "BREACH"},
		Streaming:   {"BREACH", "BREACH", "SUCCESS", "BREACH", "SUCCESS", "SUCCESS"},
		Failed:      {"BREACH", "SUCCESS", "SUCCESS", "IGNORED", "IGNORED", "IGNORED"},
		Interrupted: {"BREACH", "IGNORED", "SUCCESS", "IGNORED", "IGNORED", "IGNORED"},
	}

	for state := Connected; state < numStates; state++ {
		for i, msg := range messages {
			want := expected[state][i]
			t.Run(state.String()+"/"+msg.String(), func(t *testing.T) {
				env := newTestEnv(t)
				m := machineIn(t, env, state)

				h, err := process(t, m, msg)
				if want == "BREACH" {
					var fatality *ConnectionFatality
					require.ErrorAs(t, err, &fatality)
					assert.True(t, fatality.ProtocolBreach)
					require.NotNil(t, h.failure)
					assert.Equal(t, StatusRequestInvalid, h.failure.Status)
					assert.Equal(t, state, m.State())
					return
				}
				require.NoError(t, err)
				assert.Equal(t, want, h.outcome())
			})
		}
	}
}

func TestReset_RollsBackExplicitTransaction(t *testing.T) {
	env := newTestEnv(t)
	m := env.machine()
	mustProcess(t, m, initMsg())
	mustProcess(t, m, run("BEGIN"))
	mustProcess(t, m, PullAllMessage{})
	mustProcess(t, m, run("CREATE NODE"))
	mustProcess(t, m, PullAllMessage{})
	require.True(t, m.HasTransaction())

	m.Interrupt()
	h := mustProcess(t, m, ResetMessage{})
	assert.Equal(t, "SUCCESS", h.outcome())
	assert.Equal(t, Ready, m.State())
	assert.False(t, m.HasTransaction())
	assert.Equal(t, int64(0), env.kernel.LastClosedTransactionID())
}

func TestReset_ClearsStreamingResult(t *testing.T) {
	env := newTestEnv(t)
	m := machineIn(t, env, Streaming)
	mustProcess(t, m, ResetMessage{})
	assert.Equal(t, Ready, m.State())
	assert.False(t, m.HasTransaction())
}

func TestInterrupt_EachNeedsItsOwnReset(t *testing.T) {
	env := newTestEnv(t)
	m := env.machine()
	mustProcess(t, m, initMsg())

	m.Interrupt()
	m.Interrupt()
	assert.Equal(t, 2, m.ConnectionState().Interrupts())

	assert.Equal(t, "IGNORED", mustProcess(t, m, run("RETURN 1")).outcome())
	assert.Equal(t, Interrupted, m.State())

	assert.Equal(t, "IGNORED", mustProcess(t, m, ResetMessage{}).outcome())
	assert.Equal(t, Interrupted, m.State())
	assert.Equal(t, 1, m.ConnectionState().Interrupts())

	assert.Equal(t, "IGNORED", mustProcess(t, m, run("RETURN 1")).outcome())
	assert.Equal(t, Interrupted, m.State())

	assert.Equal(t, "SUCCESS", mustProcess(t, m, ResetMessage{}).outcome())
	assert.Equal(t, Ready, m.State())
	assert.Equal(t, 0, m.ConnectionState().Interrupts())

	assert.Equal(t, "SUCCESS", mustProcess(t, m, run("RETURN 1")).outcome())
	assert.Equal(t, Streaming, m.State())
	h := mustProcess(t, m, PullAllMessage{})
	assert.Equal(t, "SUCCESS", h.outcome())
	assert.Len(t, h.records, 1)
}

func TestInterrupt_TerminatesRunningTransaction(t *testing.T) {
	env := newTestEnv(t)
	m := env.machine()
	mustProcess(t, m, initMsg())
	mustProcess(t, m, run("BEGIN"))
	mustProcess(t, m, PullAllMessage{})

	tx := m.StatementProcessor().(*TransactionStateMachine).currentTx()
	require.NotNil(t, tx)
	m.Interrupt()
	assert.ErrorIs(t, tx.ReasonIfTerminated(), ErrTransactionInterrupted)

	mustProcess(t, m, ResetMessage{})
	assert.False(t, tx.IsOpen())
}

func TestMarkFailed_DeliveredWithNextResponse(t *testing.T) {
	env := newTestEnv(t)
	m := env.machine()
	mustProcess(t, m, initMsg())

	m.MarkFailed(NewError(StatusRequestInvalidFormat, "bad message"))
	assert.Equal(t, Failed, m.State())
	require.NotNil(t, m.ConnectionState().PendingError())

	h := mustProcess(t, m, run("RETURN 1"))
	require.NotNil(t, h.failure)
	assert.Equal(t, "bad message", h.failure.Message)
	assert.Nil(t, m.ConnectionState().PendingError())
	assert.Equal(t, Failed, m.State())

	assert.Equal(t, "SUCCESS", mustProcess(t, m, AckFailureMessage{}).outcome())
	assert.Equal(t, Ready, m.State())
}

func TestMarkFailed_SecondErrorBecomesIgnore(t *testing.T) {
	env := newTestEnv(t)
	m := env.machine()
	mustProcess(t, m, initMsg())

	m.MarkFailed(NewError(StatusRequestInvalidFormat, "first"))
	m.MarkFailed(NewError(StatusRequestInvalidFormat, "second"))
	assert.Equal(t, "first", m.ConnectionState().PendingError().Message)
	assert.True(t, m.ConnectionState().HasPendingIgnore())

	h := mustProcess(t, m, PullAllMessage{})
	require.NotNil(t, h.failure)
	assert.Equal(t, "first", h.failure.Message)
	assert.False(t, m.ConnectionState().HasPendingIgnore())

	assert.Equal(t, "IGNORED", mustProcess(t, m, PullAllMessage{}).outcome())
}

func TestResetClearsPendingError(t *testing.T) {
	env := newTestEnv(t)
	m := env.machine()
	mustProcess(t, m, initMsg())
	m.MarkFailed(NewError(StatusRequestInvalidFormat, "bad message"))

	assert.Equal(t, "SUCCESS", mustProcess(t, m, ResetMessage{}).outcome())
	assert.Nil(t, m.ConnectionState().PendingError())
	assert.Equal(t, Ready, m.State())
}

func TestAuthorizationExpiry_IsFatal(t *testing.T) {
	expired := &auth.LoginContext{Username: "neo4j", Roles: []auth.Role{auth.RoleAdmin}, Expires: time.Now().Add(-time.Minute)}
	env := newTestEnv(t, func(c *SPIConfig) {
		c.Authenticator = staticAuthenticator{result: &auth.AuthenticationResult{LoginContext: expired}}
	})
	m := env.machine()
	mustProcess(t, m, initMsg())

	h, err := process(t, m, run("RETURN 1"))
	var fatality *ConnectionFatality
	require.ErrorAs(t, err, &fatality)
	assert.True(t, fatality.AuthFatality)
	require.NotNil(t, h.failure)
	assert.Equal(t, StatusAuthorizationExpired, h.failure.Status)
	assert.True(t, h.failure.Fatal)
}

func TestTerminate_ClosesOnNextRequest(t *testing.T) {
	env := newTestEnv(t)
	m := env.machine()
	mustProcess(t, m, initMsg())

	m.Terminate()
	assert.True(t, m.WillTerminate())

	err := m.Process(run("RETURN 1"), &recordingHandler{})
	assert.True(t, IsFatal(err))
	assert.True(t, m.IsClosed())

	err = m.Process(run("RETURN 1"), &recordingHandler{})
	assert.True(t, IsFatal(err))
}

func TestTerminateAll_ByOwner(t *testing.T) {
	var trail bytes.Buffer
	env := newTestEnv(t, func(c *SPIConfig) { c.Audit = audit.NewLoggerWithWriter(&trail) })
	alice := env.machine()
	mustProcess(t, alice, InitMessage{UserAgent: "a", AuthToken: map[string]any{"principal": "alice"}})
	bob := env.machine()
	mustProcess(t, bob, InitMessage{UserAgent: "b", AuthToken: map[string]any{"principal": "bob"}})

	assert.Equal(t, 1, env.spi.TerminateAll("alice"))
	assert.True(t, alice.WillTerminate())
	assert.False(t, bob.WillTerminate())
	assert.Equal(t, 1, env.spi.TerminateAll(""))

	events, err := audit.ReadEvents(&trail, audit.Query{Types: []audit.EventType{audit.EventTerminate}})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "alice", events[0].Username)
	assert.Equal(t, "1", events[0].Metadata["connections"])
}

func TestValidateTransaction_RollsBackTerminatedTransaction(t *testing.T) {
	env := newTestEnv(t)
	m := env.machine()
	mustProcess(t, m, initMsg())
	mustProcess(t, m, run("BEGIN"))
	mustProcess(t, m, PullAllMessage{})
	require.NoError(t, m.ValidateTransaction())

	tx := m.StatementProcessor().(*TransactionStateMachine).currentTx()
	tx.MarkForTermination(kernel.ErrTransactionTimedOut)

	err := m.ValidateTransaction()
	assert.ErrorIs(t, err, kernel.ErrTransactionTimedOut)
	assert.False(t, m.HasTransaction())
	assert.Equal(t, Failed, m.State())

	h := mustProcess(t, m, run("RETURN 1"))
	require.NotNil(t, h.failure)
	assert.Equal(t, StatusTransactionTimedOut, h.failure.Status)
}

func TestClose_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	closes := 0
	m := NewMachine(env.spi, func() { closes++ }, nil)
	mustProcess(t, m, initMsg())
	mustProcess(t, m, run("BEGIN"))
	mustProcess(t, m, PullAllMessage{})

	m.Close()
	m.Close()
	assert.Equal(t, 1, closes)
	assert.True(t, m.IsClosed())
	assert.False(t, m.HasTransaction())

	err := m.Process(run("RETURN 1"), &recordingHandler{})
	assert.True(t, IsFatal(err))
}

func TestExternalError(t *testing.T) {
	env := newTestEnv(t)
	m := env.machine()
	mustProcess(t, m, initMsg())

	h := &recordingHandler{}
	require.NoError(t, m.ExternalError(NewError(StatusRequestInvalidFormat, "garbled"), h))
	assert.Equal(t, 1, h.finishes)
	assert.Equal(t, "garbled", h.failure.Message)
	assert.Equal(t, Failed, m.State())

	h = &recordingHandler{}
	err := m.ExternalError(NewFatalError(StatusRequestInvalid, "unknown"), h)
	assert.True(t, IsFatal(err))
}

func TestExternalError_RollsBackAutoCommitStream(t *testing.T) {
	env := newTestEnv(t)
	m := env.machine()
	mustProcess(t, m, initMsg())
	mustProcess(t, m, run("CREATE NODE :Person"))
	require.Equal(t, Streaming, m.State())
	tx := m.StatementProcessor().(*TransactionStateMachine).currentTx()
	require.NotNil(t, tx)

	h := &recordingHandler{}
	require.NoError(t, m.ExternalError(NewError(StatusRequestInvalidFormat, "garbled"), h))
	assert.Equal(t, "FAILURE", h.outcome())
	assert.Equal(t, Failed, m.State())
	assert.False(t, tx.IsOpen())
	assert.False(t, m.HasTransaction())

	assert.Equal(t, "SUCCESS", mustProcess(t, m, AckFailureMessage{}).outcome())
	assert.Equal(t, Ready, m.State())
	assert.False(t, m.HasTransaction())

	mustProcess(t, m, run("MATCH NODES :Person"))
	h = mustProcess(t, m, PullAllMessage{})
	assert.Equal(t, "SUCCESS", h.outcome())
	assert.Empty(t, h.records)
	assert.False(t, m.HasTransaction())
}
