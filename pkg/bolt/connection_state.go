package bolt

import (
	"sync"

	"go.uber.org/atomic"

	"github.com/orneryd/nornicbolt/pkg/kernel"
)

// ResponseHandler receives the response to one request. Exactly one of
// MarkFailed, MarkIgnored or neither (meaning success) takes effect, then
// OnFinish writes the response.
type ResponseHandler interface {
	OnMetadata(key string, value any)
	// OnRecords consumes result; records are sent only when pull is set.
	OnRecords(result *kernel.Result, pull bool) error
	MarkFailed(err *Neo4jError)
	MarkIgnored()
	OnFinish()
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailed
	outcomeIgnored
)

// ConnectionState is the mutable state of one connection. It is owned by
// the worker running the connection's jobs; only the interrupt counter and
// the terminated flag are touched from other goroutines.
type ConnectionState struct {
	handler ResponseHandler
	outcome outcome

	pendingError  *Neo4jError
	pendingIgnore bool

	// interrupts counts RESETs seen by the reader but not yet processed.
	interrupts atomic.Int32
	terminated atomic.Bool
	closed     atomic.Bool

	mu        sync.Mutex
	processor StatementProcessor
	owner     string
}

func newConnectionState() *ConnectionState {
	return &ConnectionState{processor: nullProcessor{}}
}

// The processor and owner are locked because Interrupt and Terminate reach
// them from other goroutines.
func (c *ConnectionState) getProcessor() StatementProcessor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.processor
}

func (c *ConnectionState) setProcessor(p StatementProcessor) {
	c.mu.Lock()
	c.processor = p
	c.mu.Unlock()
}

func (c *ConnectionState) getOwner() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owner
}

func (c *ConnectionState) setOwner(owner string) {
	c.mu.Lock()
	c.owner = owner
	c.mu.Unlock()
}

func (c *ConnectionState) bind(h ResponseHandler) {
	c.handler = h
	c.outcome = outcomeSuccess
}

func (c *ConnectionState) unbind() {
	if c.handler != nil {
		c.handler.OnFinish()
	}
	c.handler = nil
}

// markFailed hands err to the bound handler. Without a handler the error is
// kept until the next request; a second error while one is pending turns
// into an ignore so the first cause is the one reported.
func (c *ConnectionState) markFailed(err *Neo4jError) {
	if c.handler == nil {
		if c.pendingError != nil {
			c.pendingIgnore = true
			return
		}
		c.pendingError = err
		return
	}
	if c.outcome != outcomeSuccess {
		return
	}
	c.outcome = outcomeFailed
	c.handler.MarkFailed(err)
}

func (c *ConnectionState) markIgnored() {
	if c.handler == nil {
		c.pendingIgnore = true
		return
	}
	if c.outcome != outcomeSuccess {
		return
	}
	c.outcome = outcomeIgnored
	c.handler.MarkIgnored()
}

func (c *ConnectionState) onMetadata(key string, value any) {
	if c.handler != nil && c.outcome == outcomeSuccess {
		c.handler.OnMetadata(key, value)
	}
}

func (c *ConnectionState) onRecords(result *kernel.Result, pull bool) error {
	if c.handler == nil {
		result.Close()
		return nil
	}
	return c.handler.OnRecords(result, pull)
}

// deliverPending reports a failure or ignore recorded while no request was
// in flight.
func (c *ConnectionState) deliverPending() {
	err, ignore := c.pendingError, c.pendingIgnore
	c.resetPending()
	switch {
	case err != nil:
		c.markFailed(err)
	case ignore:
		c.markIgnored()
	}
}

func (c *ConnectionState) hasPending() bool {
	return c.pendingError != nil || c.pendingIgnore
}

func (c *ConnectionState) resetPending() {
	c.pendingError = nil
	c.pendingIgnore = false
}

// PendingError returns the failure waiting for the next request.
func (c *ConnectionState) PendingError() *Neo4jError { return c.pendingError }

// HasPendingIgnore reports whether the next request will be ignored.
func (c *ConnectionState) HasPendingIgnore() bool { return c.pendingIgnore }

// Interrupts returns the number of RESETs still owed.
func (c *ConnectionState) Interrupts() int { return int(c.interrupts.Load()) }
