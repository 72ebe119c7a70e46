package bolt

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/orneryd/nornicbolt/pkg/auth"
	"github.com/orneryd/nornicbolt/pkg/kernel"
)

// State is a Bolt v1 connection state.
type State int

const (
	// Connected is the state after the handshake; only INIT is accepted.
	Connected State = iota
	// Ready accepts RUN.
	Ready
	// Streaming holds a result that must be pulled or discarded.
	Streaming
	// Failed ignores requests until ACK_FAILURE or RESET.
	Failed
	// Interrupted ignores requests until every owed RESET has arrived.
	Interrupted

	numStates
)

func (s State) String() string {
	switch s {
	case Connected:
		return "CONNECTED"
	case Ready:
		return "READY"
	case Streaming:
		return "STREAMING"
	case Failed:
		return "FAILED"
	case Interrupted:
		return "INTERRUPTED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type kind int

const (
	kindInit kind = iota
	kindAckFailure
	kindReset
	kindRun
	kindDiscardAll
	kindPullAll
	kindInterrupt

	numKinds
)

// interruptMessage is applied before a request while RESETs are owed.
type interruptMessage struct{}

func (interruptMessage) Signature() byte { return 0 }
func (interruptMessage) String() string  { return "INTERRUPT" }

func kindOf(msg Message) (kind, bool) {
	switch msg.(type) {
	case InitMessage:
		return kindInit, true
	case AckFailureMessage:
		return kindAckFailure, true
	case ResetMessage:
		return kindReset, true
	case RunMessage:
		return kindRun, true
	case DiscardAllMessage:
		return kindDiscardAll, true
	case PullAllMessage:
		return kindPullAll, true
	case interruptMessage:
		return kindInterrupt, true
	}
	return 0, false
}

// transition handles one message in one state and returns the next state.
// A non-nil error is always a *ConnectionFatality.
type transition func(m *Machine, msg Message) (State, error)

// transitions is indexed by state and message kind. A nil entry means the
// message is not allowed in that state.
var transitions = [numStates][numKinds]transition{
	Connected: {
		kindInit: connectedInit,
	},
	Ready: {
		kindRun:       readyRun,
		kindReset:     resetMachine,
		kindInterrupt: toInterrupted,
	},
	Streaming: {
		kindPullAll:    streamingPullAll,
		kindDiscardAll: streamingDiscardAll,
		kindReset:      resetMachine,
		kindInterrupt:  toInterrupted,
	},
	Failed: {
		kindAckFailure: failedAckFailure,
		kindReset:      resetMachine,
		kindInterrupt:  toInterrupted,
		kindRun:        ignore,
		kindPullAll:    ignore,
		kindDiscardAll: ignore,
	},
	Interrupted: {
		kindInterrupt:  toInterrupted,
		kindReset:      interruptedReset,
		kindAckFailure: ignore,
		kindRun:        ignore,
		kindPullAll:    ignore,
		kindDiscardAll: ignore,
	},
}

func connectedInit(m *Machine, msg Message) (State, error) {
	req := msg.(InitMessage)
	result, err := m.spi.Authenticate(req.AuthToken)
	if err != nil {
		m.fail(FatalFrom(err))
		return m.state, &ConnectionFatality{Message: err.Error(), AuthFatality: isAuthError(err)}
	}

	m.ctx.setProcessor(m.spi.NewStatementProcessor(result.LoginContext))
	if result.CredentialsExpired {
		m.ctx.onMetadata("credentials_expired", true)
	}
	m.ctx.onMetadata("server", m.spi.Version())
	m.spi.RegisterClient(req.UserAgent)
	if principal, ok := req.AuthToken["principal"].(string); ok {
		m.ctx.setOwner(principal)
	}
	return Ready, nil
}

func readyRun(m *Machine, msg Message) (State, error) {
	run := msg.(RunMessage)
	start := time.Now()
	meta, err := m.ctx.getProcessor().Run(run.Statement, run.Params)
	if err != nil {
		return m.failRequest(err)
	}
	fields := meta.Fields
	if fields == nil {
		fields = []string{}
	}
	m.ctx.onMetadata("fields", fields)
	m.ctx.onMetadata("result_available_after", time.Since(start).Milliseconds())
	return Streaming, nil
}

func streamingPullAll(m *Machine, _ Message) (State, error) {
	return stream(m, true)
}

func streamingDiscardAll(m *Machine, _ Message) (State, error) {
	return stream(m, false)
}

func stream(m *Machine, pull bool) (State, error) {
	meta, err := m.ctx.getProcessor().StreamResult(func(r *kernel.Result) error {
		return m.ctx.onRecords(r, pull)
	})
	if err != nil {
		return m.failRequest(err)
	}
	for k, v := range meta {
		m.ctx.onMetadata(k, v)
	}
	return Ready, nil
}

func toInterrupted(*Machine, Message) (State, error) {
	return Interrupted, nil
}

// resetMachine rolls back any open transaction. A failed rollback leaves
// the machine FAILED.
func resetMachine(m *Machine, _ Message) (State, error) {
	m.ctx.resetPending()
	if err := m.ctx.getProcessor().Reset(); err != nil {
		m.fail(ErrorFrom(errors.Wrap(err, "reset")))
		return Failed, nil
	}
	return Ready, nil
}

func failedAckFailure(m *Machine, _ Message) (State, error) {
	m.ctx.resetPending()
	return Ready, nil
}

func ignore(m *Machine, _ Message) (State, error) {
	m.ctx.markIgnored()
	return m.state, nil
}

// interruptedReset only resets once the last owed RESET arrives.
func interruptedReset(m *Machine, msg Message) (State, error) {
	if m.ctx.interrupts.Dec() > 0 {
		m.ctx.resetPending()
		m.ctx.markIgnored()
		return Interrupted, nil
	}
	return resetMachine(m, msg)
}

func isAuthError(err error) bool {
	for _, target := range []error{
		auth.ErrInvalidCredentials,
		auth.ErrUnsupportedScheme,
		auth.ErrAccountLocked,
		auth.ErrAccountDisabled,
		auth.ErrAuthorizationExpired,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
