package kernel

import (
	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// AvailabilityGuard reports whether the database accepts work. It starts
// available; Shutdown makes it unavailable for good.
type AvailabilityGuard struct {
	unavailable atomic.Bool
	reason      atomic.String
}

// NewAvailabilityGuard returns an available guard.
func NewAvailabilityGuard() *AvailabilityGuard {
	return &AvailabilityGuard{}
}

// IsAvailable reports whether the database accepts work.
func (g *AvailabilityGuard) IsAvailable() bool {
	return !g.unavailable.Load()
}

// Require returns ErrDatabaseUnavailable, annotated with the shutdown
// reason, once the guard is unavailable.
func (g *AvailabilityGuard) Require() error {
	if g.unavailable.Load() {
		return errors.Wrap(ErrDatabaseUnavailable, g.reason.Load())
	}
	return nil
}

// Shutdown marks the database unavailable.
func (g *AvailabilityGuard) Shutdown(reason string) {
	g.reason.Store(reason)
	g.unavailable.Store(true)
}
