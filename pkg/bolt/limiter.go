package bolt

import (
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/orneryd/nornicbolt/pkg/logging"
	"github.com/orneryd/nornicbolt/pkg/metrics"
)

// Channel is the network side of a connection whose reads can be paused.
type Channel interface {
	SetAutoRead(enabled bool)
	AutoRead() bool
}

// ReadLimiter pauses reading from a connection while its job queue is deeper
// than the high watermark and resumes once it has drained to the low
// watermark.
type ReadLimiter struct {
	low, high int
	log       *zap.Logger
	metrics   *metrics.Metrics
}

// NewReadLimiter returns ErrInvalidWatermarks unless 0 <= low < high.
func NewReadLimiter(low, high int, logger *zap.Logger) (*ReadLimiter, error) {
	if low < 0 || high <= 0 || low >= high {
		return nil, errors.Wrapf(ErrInvalidWatermarks, "low=%d high=%d", low, high)
	}
	return &ReadLimiter{low: low, high: high, log: logging.OrNop(logger)}, nil
}

// WithMetrics counts auto-read toggles in m.
func (l *ReadLimiter) WithMetrics(m *metrics.Metrics) *ReadLimiter {
	l.metrics = m
	return l
}

// LowWatermark returns the queue depth at which reading resumes.
func (l *ReadLimiter) LowWatermark() int { return l.low }

// HighWatermark returns the queue depth above which reading stops.
func (l *ReadLimiter) HighWatermark() int { return l.high }

// EnqueueHook is called after a job was queued; queueSize includes it.
func (l *ReadLimiter) EnqueueHook(ch Channel, queueSize int) {
	if queueSize > l.high && ch.AutoRead() {
		l.log.Debug("queue above high watermark, disabling auto-read",
			zap.Int("queue_size", queueSize), zap.Int("high", l.high))
		ch.SetAutoRead(false)
		l.metrics.AutoReadToggled(false)
	}
}

// DrainHook is called after jobs were taken off the queue.
func (l *ReadLimiter) DrainHook(ch Channel, queueSize int) {
	if queueSize <= l.low && !ch.AutoRead() {
		l.log.Debug("queue at low watermark, enabling auto-read",
			zap.Int("queue_size", queueSize), zap.Int("low", l.low))
		ch.SetAutoRead(true)
		l.metrics.AutoReadToggled(true)
	}
}

// readGate is the Channel of a server connection. While auto-read is off
// the reading goroutine blocks in wait.
type readGate struct {
	enabled atomic.Bool
	signal  chan struct{}
}

func newReadGate() *readGate {
	g := &readGate{signal: make(chan struct{}, 1)}
	g.enabled.Store(true)
	return g
}

func (g *readGate) SetAutoRead(enabled bool) {
	g.enabled.Store(enabled)
	if enabled {
		select {
		case g.signal <- struct{}{}:
		default:
		}
	}
}

func (g *readGate) AutoRead() bool { return g.enabled.Load() }

// wait blocks until auto-read is enabled or done is closed.
func (g *readGate) wait(done <-chan struct{}) bool {
	for !g.enabled.Load() {
		select {
		case <-g.signal:
		case <-done:
			return false
		}
	}
	return true
}
