package txstate

import (
	"maps"
	"slices"

	"github.com/orneryd/nornicbolt/pkg/values"
)

// EntityState holds the pending property changes of one node or relationship.
//
// A property key is in at most one of added, changed or removed at a time:
//
//	add then remove     -> nothing (the add is cancelled)
//	remove then add     -> changed
//	add then change     -> added, with the new value
//	change then remove  -> removed
//
// An add that follows a cancelled add is also classified as a change, so
// add(k,v1), remove(k), add(k,v2) nets out as changed(k,v2).
type EntityState struct {
	id        int64
	added     map[string]values.Value
	changed   map[string]values.Value
	removed   map[string]struct{}
	cancelled map[string]struct{}
}

func newEntityState(id int64) EntityState {
	return EntityState{id: id}
}

// ID returns the entity id.
func (e *EntityState) ID() int64 { return e.id }

// AddProperty records a property that did not exist before.
func (e *EntityState) AddProperty(key string, value values.Value) {
	value = values.Normalize(value)
	if _, ok := e.removed[key]; ok {
		e.ChangeProperty(key, value)
		return
	}
	if _, ok := e.cancelled[key]; ok {
		delete(e.cancelled, key)
		e.ChangeProperty(key, value)
		return
	}
	if _, ok := e.changed[key]; ok {
		e.changed[key] = value
		return
	}
	if e.added == nil {
		e.added = make(map[string]values.Value)
	}
	e.added[key] = value
}

// ChangeProperty records a new value for an existing property.
func (e *EntityState) ChangeProperty(key string, value values.Value) {
	value = values.Normalize(value)
	if _, ok := e.added[key]; ok {
		e.added[key] = value
		return
	}
	if e.changed == nil {
		e.changed = make(map[string]values.Value)
	}
	e.changed[key] = value
	delete(e.removed, key)
}

// RemoveProperty records the removal of a property.
func (e *EntityState) RemoveProperty(key string) {
	if _, ok := e.added[key]; ok {
		delete(e.added, key)
		if e.cancelled == nil {
			e.cancelled = make(map[string]struct{})
		}
		e.cancelled[key] = struct{}{}
		return
	}
	delete(e.changed, key)
	if e.removed == nil {
		e.removed = make(map[string]struct{})
	}
	e.removed[key] = struct{}{}
}

// PropertyValue returns the pending value of key. The second result is
// false if the key is untouched by this transaction and the committed value
// applies. A removed key yields values.NoValue.
func (e *EntityState) PropertyValue(key string) (values.Value, bool) {
	if v, ok := e.added[key]; ok {
		return v, true
	}
	if v, ok := e.changed[key]; ok {
		return v, true
	}
	if _, ok := e.removed[key]; ok {
		return values.NoValue, true
	}
	return nil, false
}

// IsPropertyAdded reports whether key is classified as added.
func (e *EntityState) IsPropertyAdded(key string) bool {
	_, ok := e.added[key]
	return ok
}

// IsPropertyChanged reports whether key is classified as changed.
func (e *EntityState) IsPropertyChanged(key string) bool {
	_, ok := e.changed[key]
	return ok
}

// IsPropertyRemoved reports whether key is classified as removed.
func (e *EntityState) IsPropertyRemoved(key string) bool {
	_, ok := e.removed[key]
	return ok
}

// AddedProperties returns a copy of the added properties.
func (e *EntityState) AddedProperties() map[string]values.Value {
	return maps.Clone(e.added)
}

// ChangedProperties returns a copy of the changed properties.
func (e *EntityState) ChangedProperties() map[string]values.Value {
	return maps.Clone(e.changed)
}

// RemovedProperties returns the removed keys, sorted.
func (e *EntityState) RemovedProperties() []string {
	return slices.Sorted(maps.Keys(e.removed))
}

// HasPropertyChanges reports whether any property is pending.
func (e *EntityState) HasPropertyChanges() bool {
	return len(e.added) > 0 || len(e.changed) > 0 || len(e.removed) > 0
}

// AugmentProperties returns committed overlaid with the pending changes.
// The committed map is not modified.
func (e *EntityState) AugmentProperties(committed map[string]values.Value) map[string]values.Value {
	out := make(map[string]values.Value, len(committed)+len(e.added))
	for k, v := range committed {
		if _, ok := e.removed[k]; ok {
			continue
		}
		out[k] = v
	}
	for k, v := range e.changed {
		out[k] = v
	}
	for k, v := range e.added {
		out[k] = v
	}
	return out
}

func (e *EntityState) clearProperties() {
	e.added, e.changed, e.removed, e.cancelled = nil, nil, nil, nil
}

func (e *EntityState) cloneProperties() EntityState {
	return EntityState{
		id:        e.id,
		added:     maps.Clone(e.added),
		changed:   maps.Clone(e.changed),
		removed:   maps.Clone(e.removed),
		cancelled: maps.Clone(e.cancelled),
	}
}
