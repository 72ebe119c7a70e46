package bolt

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/orneryd/nornicbolt/pkg/logging"
)

// Machine is the Bolt v1 protocol state machine of one connection.
//
// Requests are handed to Process one at a time by the connection's worker.
// Every request produces exactly one response through its ResponseHandler:
// SUCCESS with metadata, FAILURE or IGNORED. Interrupt and Terminate may be
// called from other goroutines.
//
// States:
//
//	CONNECTED --INIT--> READY --RUN--> STREAMING --PULL_ALL/DISCARD_ALL--> READY
//	READY/STREAMING --error--> FAILED --ACK_FAILURE/RESET--> READY
//	READY/STREAMING/FAILED --interrupt--> INTERRUPTED --last owed RESET--> READY
//
// A message that is not allowed in the current state gets a FAILURE and
// Process returns a *ConnectionFatality; the transport then closes the
// connection.
type Machine struct {
	id      string
	spi     SPI
	ctx     *ConnectionState
	state   State
	log     *zap.Logger
	onClose func()
}

// NewMachine returns a machine in the CONNECTED state. onClose, if set, is
// called once when the machine is closed.
func NewMachine(spi SPI, onClose func(), logger *zap.Logger) *Machine {
	id := uuid.NewString()
	return &Machine{
		id:      id,
		spi:     spi,
		ctx:     newConnectionState(),
		state:   Connected,
		log:     logging.OrNop(logger).With(zap.String("connection", id)),
		onClose: onClose,
	}
}

// ID is unique per machine.
func (m *Machine) ID() string { return m.id }

// State returns the current protocol state.
func (m *Machine) State() State { return m.state }

// ConnectionState exposes the pending error and interrupt bookkeeping.
func (m *Machine) ConnectionState() *ConnectionState { return m.ctx }

// StatementProcessor returns the processor created by INIT.
func (m *Machine) StatementProcessor() StatementProcessor { return m.ctx.getProcessor() }

// Owner is the principal given at INIT.
func (m *Machine) Owner() string { return m.ctx.getOwner() }

// HasTransaction reports whether an explicit or auto-commit transaction is
// open.
func (m *Machine) HasTransaction() bool { return m.ctx.getProcessor().HasTransaction() }

// IsClosed reports whether Close has been called.
func (m *Machine) IsClosed() bool { return m.ctx.closed.Load() }

// Process handles one request and answers it through h.
func (m *Machine) Process(msg Message, h ResponseHandler) error {
	if m.ctx.closed.Load() {
		return &ConnectionFatality{Message: ErrMachineClosed.Error()}
	}
	if m.ctx.terminated.Load() {
		m.Close()
		return &ConnectionFatality{Message: "connection terminated"}
	}

	m.ctx.bind(h)
	defer m.ctx.unbind()

	if m.ctx.interrupts.Load() > 0 {
		if err := m.apply(interruptMessage{}); err != nil {
			return err
		}
	}

	switch msg.(type) {
	case AckFailureMessage, ResetMessage:
		// handled by the transition
	default:
		if m.ctx.hasPending() {
			m.ctx.deliverPending()
		}
	}
	return m.apply(msg)
}

func (m *Machine) apply(msg Message) error {
	k, ok := kindOf(msg)
	var t transition
	if ok {
		t = transitions[m.state][k]
	}
	if t == nil {
		text := fmt.Sprintf("%s cannot be handled by a session in the %s state.", msg, m.state)
		m.log.Warn("protocol breach", zap.String("message", msg.String()), zap.Stringer("state", m.state))
		m.fail(NewFatalError(StatusRequestInvalid, text))
		return &ConnectionFatality{Message: text, ProtocolBreach: true}
	}

	next, err := t(m, msg)
	if next != m.state {
		m.log.Debug("state transition",
			zap.String("message", msg.String()),
			zap.Stringer("from", m.state),
			zap.Stringer("to", next))
	}
	m.state = next
	return err
}

// failRequest reports err for the current request. Authorization expiry
// is fatal; anything else moves the machine to FAILED.
func (m *Machine) failRequest(err error) (State, error) {
	if isAuthError(err) {
		m.fail(FatalFrom(err))
		return m.state, &ConnectionFatality{Message: err.Error(), AuthFatality: true}
	}
	m.fail(ErrorFrom(err))
	return Failed, nil
}

func (m *Machine) fail(err *Neo4jError) {
	m.spi.ReportError(err)
	m.ctx.markFailed(err)
}

// MarkFailed moves the machine to FAILED. With no request in flight the
// error is reported with the response to the next request. A pending
// auto-commit result is dropped and its transaction rolled back.
func (m *Machine) MarkFailed(err *Neo4jError) {
	if rerr := m.ctx.getProcessor().Abandon(); rerr != nil {
		m.log.Warn("rollback after failure", zap.Error(rerr))
	}
	m.fail(err)
	m.state = Failed
}

// ExternalError answers a request that could not be decoded with err and
// moves the machine to FAILED.
func (m *Machine) ExternalError(err *Neo4jError, h ResponseHandler) error {
	if m.ctx.closed.Load() {
		return &ConnectionFatality{Message: ErrMachineClosed.Error()}
	}
	m.ctx.bind(h)
	defer m.ctx.unbind()
	m.ctx.deliverPending()
	m.MarkFailed(err)
	if err.Fatal {
		return &ConnectionFatality{Message: err.Message}
	}
	return nil
}

// Interrupt marks the running transaction for termination and makes the
// machine ignore every request until a matching RESET is processed. Each
// call must be matched by its own RESET.
func (m *Machine) Interrupt() {
	m.ctx.interrupts.Inc()
	m.ctx.getProcessor().MarkCurrentTransactionForTermination()
}

// Terminate asks the machine to close itself before the next request. The
// running transaction is marked for termination.
func (m *Machine) Terminate() {
	m.ctx.terminated.Store(true)
	m.ctx.getProcessor().MarkCurrentTransactionForTermination()
	m.spi.OnTerminate(m)
}

// WillTerminate reports whether Terminate was called.
func (m *Machine) WillTerminate() bool { return m.ctx.terminated.Load() }

// ValidateTransaction rolls back a transaction that was terminated while
// the connection was idle. The reason is reported with the next response
// unless a RESET is already on its way.
func (m *Machine) ValidateTransaction() error {
	err := m.ctx.getProcessor().ValidateTransaction()
	if err != nil && m.ctx.interrupts.Load() == 0 {
		m.MarkFailed(ErrorFrom(err))
	}
	return err
}

// Close releases the connection and rolls back any open transaction. It
// may be called more than once; later calls only repeat the rollback.
func (m *Machine) Close() {
	if m.ctx.closed.CompareAndSwap(false, true) {
		if m.onClose != nil {
			m.onClose()
		}
		m.spi.OnTerminate(m)
		m.log.Debug("machine closed", zap.Stringer("state", m.state))
	}
	if err := m.ctx.getProcessor().Reset(); err != nil {
		m.log.Warn("rollback on close failed", zap.Error(err))
	}
}
