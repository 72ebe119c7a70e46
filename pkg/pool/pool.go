// Package pool recycles the buffers used to encode outgoing Bolt messages.
//
// A result stream encodes one RECORD per row; pooling the encode buffer and
// the field slice keeps a large PULL_ALL from allocating per row.
//
// Usage:
//
//	buf := pool.GetBuffer()
//	defer pool.PutBuffer(buf)
//	buf.B = packstream.AppendStructure(buf.B, s)
package pool

import (
	"sync"

	"go.uber.org/atomic"
)

// Config configures pooling.
type Config struct {
	// Enabled controls whether pooling is active
	Enabled bool

	// MaxBufferSize is the largest buffer capacity returned to the pool.
	// Bigger buffers are dropped so one huge record does not pin memory.
	MaxBufferSize int

	// MaxSliceSize is the largest field slice capacity returned to the pool.
	MaxSliceSize int
}

// DefaultConfig returns the configuration in effect at startup.
func DefaultConfig() Config {
	return Config{Enabled: true, MaxBufferSize: 1 << 20, MaxSliceSize: 1024}
}

var (
	cfgMu   sync.RWMutex
	current = DefaultConfig()
	enabled = atomic.NewBool(true)
)

// Configure replaces the pool configuration. Buffers already handed out are
// unaffected.
func Configure(c Config) {
	cfgMu.Lock()
	current = c
	cfgMu.Unlock()
	enabled.Store(c.Enabled)
}

// IsEnabled reports whether pooling is active.
func IsEnabled() bool { return enabled.Load() }

func config() Config {
	cfgMu.RLock()
	defer cfgMu.RUnlock()
	return current
}

// Buffer is a reusable byte slice.
type Buffer struct {
	B []byte
}

var bufferPool = sync.Pool{
	New: func() any { return &Buffer{B: make([]byte, 0, 1024)} },
}

// GetBuffer returns an empty buffer.
func GetBuffer() *Buffer {
	if !IsEnabled() {
		return &Buffer{B: make([]byte, 0, 1024)}
	}
	b := bufferPool.Get().(*Buffer)
	b.B = b.B[:0]
	return b
}

// PutBuffer returns b to the pool. b must not be used afterwards.
func PutBuffer(b *Buffer) {
	if b == nil || !IsEnabled() || cap(b.B) > config().MaxBufferSize {
		return
	}
	bufferPool.Put(b)
}

type fieldSlice struct {
	s []any
}

var fieldPool = sync.Pool{
	New: func() any { return &fieldSlice{s: make([]any, 0, 16)} },
}

// GetFields returns a slice of n nil values.
func GetFields(n int) []any {
	if !IsEnabled() {
		return make([]any, n)
	}
	f := fieldPool.Get().(*fieldSlice)
	if cap(f.s) < n {
		f.s = make([]any, n)
	}
	return f.s[:n]
}

// PutFields clears s and returns it to the pool.
func PutFields(s []any) {
	if s == nil || !IsEnabled() || cap(s) > config().MaxSliceSize {
		return
	}
	clear(s)
	fieldPool.Put(&fieldSlice{s: s[:0]})
}
