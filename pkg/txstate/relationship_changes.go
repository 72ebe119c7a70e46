package txstate

import (
	"maps"
	"slices"
)

// Direction selects relationships relative to a node.
type Direction uint8

const (
	// Outgoing relationships start at the node.
	Outgoing Direction = iota
	// Incoming relationships end at the node.
	Incoming
	// Both selects every relationship of the node.
	Both
)

func (d Direction) String() string {
	switch d {
	case Outgoing:
		return "OUTGOING"
	case Incoming:
		return "INCOMING"
	default:
		return "BOTH"
	}
}

// ParseDirection parses OUTGOING, INCOMING or BOTH.
func ParseDirection(s string) (Direction, bool) {
	switch s {
	case "OUTGOING", "outgoing", "OUT", "out":
		return Outgoing, true
	case "INCOMING", "incoming", "IN", "in":
		return Incoming, true
	case "BOTH", "both", "":
		return Both, true
	}
	return Both, false
}

type partition uint8

const (
	partOutgoing partition = iota
	partIncoming
	partLoop
)

// RelationshipChangesForNode holds relationship ids touching one node,
// partitioned into outgoing, incoming and loop sets, each keyed by type.
// A node keeps one instance for added and one for removed relationships.
type RelationshipChangesForNode struct {
	parts [3]map[string]map[int64]struct{}
}

func (r *RelationshipChangesForNode) add(id int64, relType string, p partition) {
	if r.parts[p] == nil {
		r.parts[p] = make(map[string]map[int64]struct{})
	}
	ids := r.parts[p][relType]
	if ids == nil {
		ids = make(map[int64]struct{})
		r.parts[p][relType] = ids
	}
	ids[id] = struct{}{}
}

func (r *RelationshipChangesForNode) remove(id int64, relType string, p partition) bool {
	ids := r.parts[p][relType]
	if _, ok := ids[id]; !ok {
		return false
	}
	delete(ids, id)
	if len(ids) == 0 {
		delete(r.parts[p], relType)
	}
	return true
}

func (r *RelationshipChangesForNode) contains(id int64) bool {
	for _, byType := range r.parts {
		for _, ids := range byType {
			if _, ok := ids[id]; ok {
				return true
			}
		}
	}
	return false
}

func partitionsFor(dir Direction) []partition {
	switch dir {
	case Outgoing:
		return []partition{partOutgoing, partLoop}
	case Incoming:
		return []partition{partIncoming, partLoop}
	default:
		return []partition{partOutgoing, partIncoming, partLoop}
	}
}

// Count returns the number of relationships in direction dir, restricted to
// relType unless it is empty. Loops count in every direction.
func (r *RelationshipChangesForNode) Count(dir Direction, relType string) int {
	n := 0
	for _, p := range partitionsFor(dir) {
		if relType == "" {
			for _, ids := range r.parts[p] {
				n += len(ids)
			}
			continue
		}
		n += len(r.parts[p][relType])
	}
	return n
}

// IDs returns the relationship ids in direction dir, sorted.
func (r *RelationshipChangesForNode) IDs(dir Direction, relType string) []int64 {
	var out []int64
	for _, p := range partitionsFor(dir) {
		for t, ids := range r.parts[p] {
			if relType != "" && t != relType {
				continue
			}
			for id := range ids {
				out = append(out, id)
			}
		}
	}
	slices.Sort(out)
	return out
}

// Types returns the relationship types present, sorted.
func (r *RelationshipChangesForNode) Types() []string {
	set := make(map[string]struct{})
	for _, byType := range r.parts {
		for t := range byType {
			set[t] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(set))
}

// IsEmpty reports whether no relationship is recorded.
func (r *RelationshipChangesForNode) IsEmpty() bool {
	for _, byType := range r.parts {
		if len(byType) > 0 {
			return false
		}
	}
	return true
}

func (r *RelationshipChangesForNode) clone() RelationshipChangesForNode {
	var out RelationshipChangesForNode
	for p, byType := range r.parts {
		if byType == nil {
			continue
		}
		out.parts[p] = make(map[string]map[int64]struct{}, len(byType))
		for t, ids := range byType {
			out.parts[p][t] = maps.Clone(ids)
		}
	}
	return out
}
