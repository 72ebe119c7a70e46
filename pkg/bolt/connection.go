package bolt

import (
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/orneryd/nornicbolt/pkg/logging"
	"github.com/orneryd/nornicbolt/pkg/metrics"
)

// Job is one request bound for a connection's machine.
type Job func(m *Machine) error

// Scheduler runs connections that have queued jobs.
type Scheduler interface {
	Schedule(c *Connection)
}

// Connection queues the jobs of one client between the reading goroutine
// and the worker that runs them. Jobs run in the order they were queued,
// one batch at a time.
type Connection struct {
	machine   *Machine
	channel   Channel
	limiter   *ReadLimiter
	scheduler Scheduler
	closer    func()
	log       *zap.Logger
	metrics   *metrics.Metrics

	mu    sync.Mutex
	queue []Job

	stopping atomic.Bool
	closed   atomic.Bool
}

// ConnectionOptions are the collaborators of a Connection. Only Machine is
// required.
type ConnectionOptions struct {
	Machine   *Machine
	Channel   Channel
	Limiter   *ReadLimiter
	Scheduler Scheduler
	// Closer releases the network side once the machine is closed.
	Closer  func()
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// NewConnection returns a connection with an empty queue.
func NewConnection(opts ConnectionOptions) *Connection {
	ch := opts.Channel
	if ch == nil {
		ch = newReadGate()
	}
	return &Connection{
		machine:   opts.Machine,
		channel:   ch,
		limiter:   opts.Limiter,
		scheduler: opts.Scheduler,
		closer:    opts.Closer,
		log:       logging.OrNop(opts.Logger).With(zap.String("connection", opts.Machine.ID())),
		metrics:   opts.Metrics,
	}
}

// ID is the machine's id.
func (c *Connection) ID() string { return c.machine.ID() }

// Machine returns the connection's state machine.
func (c *Connection) Machine() *Machine { return c.machine }

// Enqueue adds job to the queue and asks the scheduler to run the
// connection. It never waits for the worker.
func (c *Connection) Enqueue(job Job) {
	if c.closed.Load() {
		return
	}
	// the limiter hooks run under mu so a drain cannot slip between the
	// depth check and the auto-read toggle
	c.mu.Lock()
	c.queue = append(c.queue, job)
	if c.limiter != nil {
		c.limiter.EnqueueHook(c.channel, len(c.queue))
	}
	c.mu.Unlock()

	c.metrics.JobsQueued(1)
	if c.scheduler != nil {
		c.scheduler.Schedule(c)
	}
}

// HasPendingJobs reports whether jobs are waiting.
func (c *Connection) HasPendingJobs() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue) > 0
}

// ProcessNextBatch runs up to max queued jobs. A transaction terminated
// while the connection was idle is rolled back first. It returns false once
// the connection is closed.
func (c *Connection) ProcessNextBatch(max int) bool {
	if c.closed.Load() {
		return false
	}
	if err := c.machine.ValidateTransaction(); err != nil {
		c.log.Debug("terminated transaction rolled back", zap.Error(err))
	}

	c.mu.Lock()
	n := len(c.queue)
	if max > 0 && n > max {
		n = max
	}
	batch := c.queue[:n:n]
	c.queue = c.queue[n:]
	if n > 0 && c.limiter != nil {
		c.limiter.DrainHook(c.channel, len(c.queue))
	}
	c.mu.Unlock()

	if n > 0 {
		c.metrics.JobsQueued(-n)
	}

	for _, job := range batch {
		if err := job(c.machine); err != nil {
			if IsFatal(err) {
				c.log.Info("closing connection", zap.Error(err))
				c.close()
				return false
			}
			c.log.Warn("job failed", zap.Error(err))
		}
		if c.machine.IsClosed() {
			c.close()
			return false
		}
	}
	return true
}

// Interrupt is called by the reading goroutine when a RESET arrives, before
// the RESET itself is queued.
func (c *Connection) Interrupt() {
	c.machine.Interrupt()
}

// Stop closes the connection once the jobs already queued have run. The
// open transaction is marked for termination so they finish quickly.
func (c *Connection) Stop() {
	if !c.stopping.CompareAndSwap(false, true) {
		return
	}
	c.machine.Terminate()
	if c.scheduler == nil {
		c.close()
		return
	}
	c.Enqueue(func(m *Machine) error {
		m.Close()
		return nil
	})
}

// IsClosed reports whether the machine has been closed.
func (c *Connection) IsClosed() bool { return c.closed.Load() }

func (c *Connection) close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.machine.Close()

	c.mu.Lock()
	dropped := len(c.queue)
	c.queue = nil
	c.mu.Unlock()
	if dropped > 0 {
		c.metrics.JobsQueued(-dropped)
	}
	// release a reader blocked on the read gate
	c.channel.SetAutoRead(true)
	if c.closer != nil {
		c.closer()
	}
}
