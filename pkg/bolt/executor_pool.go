package bolt

import (
	"sync"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/orneryd/nornicbolt/pkg/logging"
)

// DefaultMaxBatchSize is the number of jobs a worker runs for one
// connection before moving on to the next.
const DefaultMaxBatchSize = 100

// ExecutorPool runs connection batches on a fixed number of workers. A
// connection is never on the run queue twice and never run by two workers
// at once, so its jobs keep their order.
type ExecutorPool struct {
	maxBatch int
	log      *zap.Logger

	mu        sync.Mutex
	cond      *sync.Cond
	runQueue  []*Connection
	scheduled map[*Connection]struct{}
	closed    bool

	wg      sync.WaitGroup
	batches atomic.Int64
}

// NewExecutorPool starts workers goroutines.
func NewExecutorPool(workers, maxBatch int, logger *zap.Logger) *ExecutorPool {
	if workers <= 0 {
		workers = 1
	}
	if maxBatch <= 0 {
		maxBatch = DefaultMaxBatchSize
	}
	p := &ExecutorPool{
		maxBatch:  maxBatch,
		log:       logging.OrNop(logger).Named("executor"),
		scheduled: make(map[*Connection]struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// Schedule puts c on the run queue unless it is already queued or running.
func (p *ExecutorPool) Schedule(c *Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed && !c.stopping.Load() {
		return
	}
	if _, ok := p.scheduled[c]; ok {
		return
	}
	p.scheduled[c] = struct{}{}
	p.runQueue = append(p.runQueue, c)
	p.cond.Signal()
}

// Batches returns the number of batches run so far.
func (p *ExecutorPool) Batches() int64 { return p.batches.Load() }

func (p *ExecutorPool) next() *Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.runQueue) == 0 {
		if p.closed {
			return nil
		}
		p.cond.Wait()
	}
	c := p.runQueue[0]
	p.runQueue[0] = nil
	p.runQueue = p.runQueue[1:]
	return c
}

func (p *ExecutorPool) worker() {
	defer p.wg.Done()
	for {
		c := p.next()
		if c == nil {
			return
		}
		p.run(c)
	}
}

func (p *ExecutorPool) run(c *Connection) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("panic in connection worker", zap.String("connection", c.ID()), zap.Any("panic", r))
			c.close()
			p.mu.Lock()
			delete(p.scheduled, c)
			p.mu.Unlock()
		}
	}()

	alive := c.ProcessNextBatch(p.maxBatch)
	p.batches.Inc()

	p.mu.Lock()
	defer p.mu.Unlock()
	if alive && c.HasPendingJobs() {
		p.runQueue = append(p.runQueue, c)
		p.cond.Signal()
		return
	}
	delete(p.scheduled, c)
}

// Close stops accepting new connections, lets the workers finish what is
// queued and waits for them.
func (p *ExecutorPool) Close() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	p.wg.Wait()
}
