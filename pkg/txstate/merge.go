package txstate

import (
	"maps"
	"slices"

	"github.com/orneryd/nornicbolt/pkg/diffset"
	"github.com/orneryd/nornicbolt/pkg/values"
)

// Merge returns a new TxState equal to stable with the data changes of
// delta applied on top. Neither argument is modified. Schema changes in
// delta are ignored; a delta layer never carries them.
//
// Every property change is folded: added, changed and removed keys alike.
func Merge(stable, delta *TxState) *TxState {
	out := stable.Clone()

	for _, id := range sortedIDs(delta.nodes.Added()) {
		out.NodeDoCreate(id)
	}
	for _, id := range sortedIDs(delta.relationships.Added()) {
		meta, _ := delta.RelationshipMeta(id)
		out.RelationshipDoCreate(meta.ID, meta.Type, meta.Start, meta.End)
	}

	for _, id := range slices.Sorted(maps.Keys(delta.nodeStates)) {
		if delta.nodes.WasRemoved(id) {
			continue
		}
		s := delta.nodeStates[id]
		for _, label := range s.labels.Added() {
			out.NodeDoAddLabel(label, id)
		}
		for _, label := range s.labels.Removed() {
			out.NodeDoRemoveLabel(label, id)
		}
		foldProperties(&out.nodeState(id).EntityState, &s.EntityState)
	}
	for _, id := range slices.Sorted(maps.Keys(delta.relStates)) {
		s := delta.relStates[id]
		if !s.HasPropertyChanges() {
			continue
		}
		foldProperties(&out.relState(id).EntityState, &s.EntityState)
	}
	out.nodeProps.Merge(delta.nodeProps)
	out.relProps.Merge(delta.relProps)

	for d, u := range delta.indexUpdates {
		u.each(func(t values.Tuple, ids *diffset.DiffSet[int64]) {
			for _, id := range ids.Removed() {
				out.IndexDoUpdateEntry(d, id, t, nil)
			}
			for _, id := range ids.Added() {
				out.IndexDoUpdateEntry(d, id, nil, t)
			}
		})
	}

	for _, id := range sortedIDs(delta.relationships.Removed()) {
		meta := delta.deletedRels[id]
		out.RelationshipDoDelete(id, meta.Type, meta.Start, meta.End)
	}
	for _, id := range sortedIDs(delta.nodes.Removed()) {
		out.NodeDoDelete(id)
	}

	if delta.hasDataChanges {
		out.dataChanged()
	}
	return out
}

// foldProperties applies the net property changes of src to dst using the
// EntityState transition rules.
func foldProperties(dst, src *EntityState) {
	for _, k := range slices.Sorted(maps.Keys(src.removed)) {
		dst.RemoveProperty(k)
	}
	for _, k := range slices.Sorted(maps.Keys(src.changed)) {
		dst.ChangeProperty(k, src.changed[k])
	}
	for _, k := range slices.Sorted(maps.Keys(src.added)) {
		dst.AddProperty(k, src.added[k])
	}
}
