package bolt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeChannel counts auto-read changes.
type fakeChannel struct {
	autoRead bool
	toggles  []bool
}

func newFakeChannel() *fakeChannel { return &fakeChannel{autoRead: true} }

func (c *fakeChannel) SetAutoRead(enabled bool) {
	c.autoRead = enabled
	c.toggles = append(c.toggles, enabled)
}

func (c *fakeChannel) AutoRead() bool { return c.autoRead }

func TestNewReadLimiter_InvalidWatermarks(t *testing.T) {
	tests := []struct {
		name      string
		low, high int
	}{
		{"negative low", -1, 5},
		{"zero high", 0, 0},
		{"low equals high", 5, 5},
		{"low above high", 10, 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewReadLimiter(tt.low, tt.high, nil)
			assert.ErrorIs(t, err, ErrInvalidWatermarks)
		})
	}

	l, err := NewReadLimiter(0, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, l.LowWatermark())
	assert.Equal(t, 1, l.HighWatermark())
}

func TestReadLimiter_TogglesOnce(t *testing.T) {
	l, err := NewReadLimiter(2, 5, nil)
	require.NoError(t, err)
	ch := newFakeChannel()

	for size := 1; size <= 5; size++ {
		l.EnqueueHook(ch, size)
	}
	assert.Empty(t, ch.toggles, "at the high watermark reading continues")

	for size := 6; size <= 10; size++ {
		l.EnqueueHook(ch, size)
	}
	assert.Equal(t, []bool{false}, ch.toggles)
	assert.False(t, ch.AutoRead())

	for size := 9; size >= 3; size-- {
		l.DrainHook(ch, size)
	}
	assert.Equal(t, []bool{false}, ch.toggles, "still above the low watermark")

	l.DrainHook(ch, 2)
	l.DrainHook(ch, 1)
	l.DrainHook(ch, 0)
	assert.Equal(t, []bool{false, true}, ch.toggles)
	assert.True(t, ch.AutoRead())
}

func TestReadGate(t *testing.T) {
	g := newReadGate()
	done := make(chan struct{})
	assert.True(t, g.wait(done))

	g.SetAutoRead(false)
	resumed := make(chan bool)
	go func() { resumed <- g.wait(done) }()
	g.SetAutoRead(true)
	assert.True(t, <-resumed)

	g.SetAutoRead(false)
	go func() { resumed <- g.wait(done) }()
	close(done)
	assert.False(t, <-resumed)
}
