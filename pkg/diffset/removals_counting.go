package diffset

// RemovalsCounting is a DiffSet that also remembers elements that were
// added and then removed within the same diff. Those elements are in
// neither set, but WasRemoved still reports them so that callers can hide
// an id that was created and deleted in one transaction.
type RemovalsCounting[T comparable] struct {
	DiffSet[T]
	removedFromAdded map[T]struct{}
}

// NewRemovalsCounting returns an empty RemovalsCounting diff.
func NewRemovalsCounting[T comparable]() *RemovalsCounting[T] {
	return &RemovalsCounting[T]{}
}

// Remove behaves like DiffSet.Remove and records cancelled additions.
func (d *RemovalsCounting[T]) Remove(x T) bool {
	if d.DiffSet.Remove(x) {
		if d.removedFromAdded == nil {
			d.removedFromAdded = make(map[T]struct{})
		}
		d.removedFromAdded[x] = struct{}{}
		return true
	}
	return false
}

// WasRemoved reports whether x is removed, or was added and then removed.
func (d *RemovalsCounting[T]) WasRemoved(x T) bool {
	if _, ok := d.removedFromAdded[x]; ok {
		return true
	}
	return d.IsRemoved(x)
}

// WasCreatedAndDeleted reports whether x was added and then removed.
func (d *RemovalsCounting[T]) WasCreatedAndDeleted(x T) bool {
	_, ok := d.removedFromAdded[x]
	return ok
}

// CreatedAndDeleted returns a snapshot of the cancelled additions.
func (d *RemovalsCounting[T]) CreatedAndDeleted() []T {
	out := make([]T, 0, len(d.removedFromAdded))
	for x := range d.removedFromAdded {
		out = append(out, x)
	}
	return out
}
