package txstate

// Container owns the transaction state of one transaction. It starts as a
// single lazily created TxState. Split wraps that state as the stable layer
// under a fresh current layer; Combine merges the current layer back and
// returns to a single layer.
type Container struct {
	global   *TxState
	combined *CombinedTxState
}

// NewContainer returns an empty container.
func NewContainer() *Container {
	return &Container{}
}

// Global returns the state to read and write: the combined view while
// split, otherwise the single TxState, created on first use.
func (c *Container) Global() State {
	if c.combined != nil {
		return c.combined
	}
	if c.global == nil {
		c.global = New()
	}
	return c.global
}

// Single returns the single-layer TxState. It combines a split container
// first.
func (c *Container) Single() (*TxState, error) {
	if c.combined != nil {
		if err := c.Combine(); err != nil {
			return nil, err
		}
	}
	if c.global == nil {
		c.global = New()
	}
	return c.global, nil
}

// IsSplit reports whether the container is in two-layer mode.
func (c *Container) IsSplit() bool { return c.combined != nil }

// Split moves the current state into the stable layer and starts a fresh
// current layer.
func (c *Container) Split() error {
	if c.combined != nil {
		return ErrAlreadySplit
	}
	if c.global == nil {
		c.global = New()
	}
	c.combined = NewCombined(c.global, New())
	c.global = nil
	return nil
}

// Combine merges the current layer into the stable layer and collapses the
// container back to a single TxState. Calling it on a container that was
// never split is a programming error and returns ErrCombineWithoutSplit.
func (c *Container) Combine() error {
	if c.combined == nil {
		return ErrCombineWithoutSplit
	}
	c.global = Merge(c.combined.stable, c.combined.current)
	c.combined = nil
	return nil
}

// HasChanges reports whether the state has any change.
func (c *Container) HasChanges() bool {
	if c.combined != nil {
		return c.combined.HasChanges()
	}
	return c.global != nil && c.global.HasChanges()
}

// HasDataChanges reports whether the state has any data change.
func (c *Container) HasDataChanges() bool {
	if c.combined != nil {
		return c.combined.HasDataChanges()
	}
	return c.global != nil && c.global.HasDataChanges()
}

// Clear discards all state.
func (c *Container) Clear() {
	c.global = nil
	c.combined = nil
}
