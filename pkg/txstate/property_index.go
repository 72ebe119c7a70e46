package txstate

import (
	"github.com/orneryd/nornicbolt/pkg/diffset"
	"github.com/orneryd/nornicbolt/pkg/values"
)

// PropertyChangeIndex maps (property key, value) to the entities whose
// pending changes make them gain or lose that value. A lookup only touches
// the entities changed for that pair.
type PropertyChangeIndex struct {
	byKey map[string]map[string]*valueChange
}

type valueChange struct {
	value values.Value
	ids   *diffset.DiffSet[int64]
}

// NewPropertyChangeIndex returns an empty index.
func NewPropertyChangeIndex() *PropertyChangeIndex {
	return &PropertyChangeIndex{}
}

func (p *PropertyChangeIndex) entry(key string, value values.Value) *diffset.DiffSet[int64] {
	if p.byKey == nil {
		p.byKey = make(map[string]map[string]*valueChange)
	}
	byValue := p.byKey[key]
	if byValue == nil {
		byValue = make(map[string]*valueChange)
		p.byKey[key] = byValue
	}
	vk := values.Key(value)
	vc := byValue[vk]
	if vc == nil {
		vc = &valueChange{value: values.Normalize(value), ids: diffset.New[int64]()}
		byValue[vk] = vc
	}
	return vc.ids
}

// Added records that id now has key=value.
func (p *PropertyChangeIndex) Added(id int64, key string, value values.Value) {
	p.entry(key, value).Add(id)
}

// Changed records that id moved from before to after for key.
func (p *PropertyChangeIndex) Changed(id int64, key string, before, after values.Value) {
	if before != nil && !values.IsNoValue(before) {
		p.entry(key, before).Remove(id)
	}
	p.entry(key, after).Add(id)
}

// Removed records that id no longer has key=before.
func (p *PropertyChangeIndex) Removed(id int64, key string, before values.Value) {
	if before == nil || values.IsNoValue(before) {
		return
	}
	p.entry(key, before).Remove(id)
}

// Lookup returns the pending changes for key=value. The result is never nil
// and must not be modified.
func (p *PropertyChangeIndex) Lookup(key string, value values.Value) *diffset.DiffSet[int64] {
	if vc, ok := p.byKey[key][values.Key(value)]; ok {
		return vc.ids
	}
	return emptyIDs
}

// IsEmpty reports whether no change is indexed.
func (p *PropertyChangeIndex) IsEmpty() bool {
	for _, byValue := range p.byKey {
		for _, vc := range byValue {
			if !vc.ids.IsEmpty() {
				return false
			}
		}
	}
	return true
}

// Each calls fn for every (key, value, diff) entry.
func (p *PropertyChangeIndex) Each(fn func(key string, value values.Value, ids *diffset.DiffSet[int64])) {
	for key, byValue := range p.byKey {
		for _, vc := range byValue {
			fn(key, vc.value, vc.ids)
		}
	}
}

// Merge folds other into p.
func (p *PropertyChangeIndex) Merge(other *PropertyChangeIndex) {
	other.Each(func(key string, value values.Value, ids *diffset.DiffSet[int64]) {
		target := p.entry(key, value)
		for _, id := range ids.Added() {
			target.Add(id)
		}
		for _, id := range ids.Removed() {
			target.Remove(id)
		}
	})
}

func (p *PropertyChangeIndex) clone() *PropertyChangeIndex {
	out := NewPropertyChangeIndex()
	out.Merge(p)
	return out
}

var emptyIDs = diffset.New[int64]()
