package bolt

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConnection(t *testing.T, opts ConnectionOptions) *Connection {
	t.Helper()
	if opts.Machine == nil {
		opts.Machine = newTestEnv(t).machine()
	}
	return NewConnection(opts)
}

// processJob queues msg and records its response in h.
func processJob(msg Message, h *recordingHandler) Job {
	return func(m *Machine) error { return m.Process(msg, h) }
}

func TestConnection_RunsJobsInOrder(t *testing.T) {
	c := newTestConnection(t, ConnectionOptions{})
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		c.Enqueue(func(*Machine) error {
			order = append(order, i)
			return nil
		})
	}
	assert.True(t, c.HasPendingJobs())

	assert.True(t, c.ProcessNextBatch(3))
	assert.Equal(t, []int{0, 1, 2}, order)
	assert.True(t, c.HasPendingJobs())

	assert.True(t, c.ProcessNextBatch(3))
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
	assert.False(t, c.HasPendingJobs())
}

func TestConnection_BackPressure(t *testing.T) {
	limiter, err := NewReadLimiter(1, 3, nil)
	require.NoError(t, err)
	ch := newFakeChannel()
	c := newTestConnection(t, ConnectionOptions{Channel: ch, Limiter: limiter})

	for i := 0; i < 6; i++ {
		c.Enqueue(func(*Machine) error { return nil })
	}
	assert.Equal(t, []bool{false}, ch.toggles)

	c.ProcessNextBatch(4)
	assert.Equal(t, []bool{false}, ch.toggles)
	c.ProcessNextBatch(1)
	assert.Equal(t, []bool{false, true}, ch.toggles)
}

// stallingChannel blocks the first AutoRead call after arm until release
// is closed.
type stallingChannel struct {
	mu       sync.Mutex
	autoRead bool
	armed    bool
	entered  chan struct{}
	release  chan struct{}
}

func newStallingChannel() *stallingChannel {
	return &stallingChannel{autoRead: true, entered: make(chan struct{}), release: make(chan struct{})}
}

func (c *stallingChannel) arm() {
	c.mu.Lock()
	c.armed = true
	c.mu.Unlock()
}

func (c *stallingChannel) AutoRead() bool {
	c.mu.Lock()
	stall := c.armed
	c.armed = false
	c.mu.Unlock()
	if stall {
		close(c.entered)
		<-c.release
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.autoRead
}

func (c *stallingChannel) SetAutoRead(enabled bool) {
	c.mu.Lock()
	c.autoRead = enabled
	c.mu.Unlock()
}

func TestConnection_DrainDuringEnqueueResumesReading(t *testing.T) {
	limiter, err := NewReadLimiter(0, 1, nil)
	require.NoError(t, err)
	ch := newStallingChannel()
	c := newTestConnection(t, ConnectionOptions{Channel: ch, Limiter: limiter})

	c.Enqueue(func(*Machine) error { return nil })
	ch.arm()

	enqueued := make(chan struct{})
	go func() {
		c.Enqueue(func(*Machine) error { return nil })
		close(enqueued)
	}()
	<-ch.entered

	drained := make(chan struct{})
	go func() {
		c.ProcessNextBatch(0)
		close(drained)
	}()
	time.Sleep(10 * time.Millisecond)
	close(ch.release)

	for _, done := range []chan struct{}{enqueued, drained} {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("connection did not make progress")
		}
	}
	assert.False(t, c.HasPendingJobs())
	assert.True(t, ch.AutoRead(), "reading must resume once the queue is drained")
}

func TestConnection_FatalJobClosesConnection(t *testing.T) {
	closed := 0
	c := newTestConnection(t, ConnectionOptions{Closer: func() { closed++ }})

	first := &recordingHandler{}
	c.Enqueue(processJob(AckFailureMessage{}, first))
	c.Enqueue(processJob(initMsg(), &recordingHandler{}))

	assert.False(t, c.ProcessNextBatch(10))
	assert.True(t, c.IsClosed())
	assert.True(t, c.Machine().IsClosed())
	assert.Equal(t, 1, closed)
	assert.False(t, c.HasPendingJobs())
	require.NotNil(t, first.failure)

	c.Enqueue(func(*Machine) error { return nil })
	assert.False(t, c.HasPendingJobs())
	assert.False(t, c.ProcessNextBatch(10))
}

func TestConnection_ValidatesTransactionBeforeBatch(t *testing.T) {
	c := newTestConnection(t, ConnectionOptions{})
	m := c.Machine()
	mustProcess(t, m, initMsg())
	mustProcess(t, m, run("BEGIN"))
	mustProcess(t, m, PullAllMessage{})

	m.StatementProcessor().MarkCurrentTransactionForTermination()
	h := &recordingHandler{}
	c.Enqueue(processJob(run("RETURN 1"), h))
	assert.True(t, c.ProcessNextBatch(10))

	require.NotNil(t, h.failure)
	assert.Equal(t, StatusTerminated, h.failure.Status)
	assert.False(t, m.HasTransaction())
}

func TestConnection_InterruptBeforeQueuedReset(t *testing.T) {
	c := newTestConnection(t, ConnectionOptions{})
	c.Enqueue(processJob(initMsg(), &recordingHandler{}))
	require.True(t, c.ProcessNextBatch(10))

	queued := &recordingHandler{}
	reset := &recordingHandler{}
	c.Enqueue(processJob(run("RETURN 1"), queued))
	c.Interrupt()
	c.Enqueue(processJob(ResetMessage{}, reset))
	require.True(t, c.ProcessNextBatch(10))

	assert.Equal(t, "IGNORED", queued.outcome())
	assert.Equal(t, "SUCCESS", reset.outcome())
	assert.Equal(t, Ready, c.Machine().State())
}

func TestConnection_StopWithoutScheduler(t *testing.T) {
	closed := 0
	c := newTestConnection(t, ConnectionOptions{Closer: func() { closed++ }})
	c.Stop()
	c.Stop()
	assert.True(t, c.IsClosed())
	assert.Equal(t, 1, closed)
}

func TestExecutorPool_RunsEveryConnection(t *testing.T) {
	pool := NewExecutorPool(4, 2, nil)
	env := newTestEnv(t)

	const conns, jobs = 8, 25
	var mu sync.Mutex
	seen := make(map[int][]int)
	var wg sync.WaitGroup
	wg.Add(conns * jobs)

	for i := 0; i < conns; i++ {
		c := NewConnection(ConnectionOptions{Machine: env.machine(), Scheduler: pool})
		for j := 0; j < jobs; j++ {
			i, j := i, j
			c.Enqueue(func(*Machine) error {
				mu.Lock()
				seen[i] = append(seen[i], j)
				mu.Unlock()
				wg.Done()
				return nil
			})
		}
	}

	waitOrFail(t, &wg)
	pool.Close()

	for i := 0; i < conns; i++ {
		require.Len(t, seen[i], jobs)
		for j := 0; j < jobs; j++ {
			assert.Equal(t, j, seen[i][j], "connection %d ran jobs out of order", i)
		}
	}
	assert.Greater(t, pool.Batches(), int64(0))
}

func TestExecutorPool_NeverRunsConnectionTwiceAtOnce(t *testing.T) {
	pool := NewExecutorPool(4, 1, nil)
	defer pool.Close()
	c := newTestConnection(t, ConnectionOptions{Scheduler: pool})

	var running, overlaps int
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(20)
	for i := 0; i < 20; i++ {
		c.Enqueue(func(*Machine) error {
			mu.Lock()
			running++
			if running > 1 {
				overlaps++
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			running--
			mu.Unlock()
			wg.Done()
			return nil
		})
	}
	waitOrFail(t, &wg)
	assert.Zero(t, overlaps)
}

func TestExecutorPool_StopClosesAfterQueuedJobs(t *testing.T) {
	pool := NewExecutorPool(2, 10, nil)
	closed := make(chan struct{})
	c := newTestConnection(t, ConnectionOptions{Scheduler: pool, Closer: func() { close(closed) }})

	h := &recordingHandler{}
	c.Enqueue(processJob(initMsg(), h))
	c.Stop()

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("connection was not closed")
	}
	pool.Close()
	assert.True(t, c.Machine().IsClosed())
}

func waitOrFail(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for jobs")
	}
}
