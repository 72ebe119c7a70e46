package txstate

// RelationshipMeta is the immutable shape of a relationship.
type RelationshipMeta struct {
	ID    int64
	Type  string
	Start int64
	End   int64
}

// IsLoop reports whether the relationship starts and ends at the same node.
func (m RelationshipMeta) IsLoop() bool { return m.Start == m.End }

// Other returns the node at the opposite end from node.
func (m RelationshipMeta) Other(node int64) int64 {
	if m.Start == node {
		return m.End
	}
	return m.Start
}

// RelationshipState holds the pending property changes of a relationship.
// Meta is set once, when the relationship is created in this transaction,
// and is the zero value for committed relationships.
type RelationshipState struct {
	EntityState
	meta    RelationshipMeta
	hasMeta bool
}

func newRelationshipState(id int64) *RelationshipState {
	return &RelationshipState{EntityState: newEntityState(id)}
}

// Meta returns the relationship shape if it was created in this transaction.
func (r *RelationshipState) Meta() (RelationshipMeta, bool) {
	return r.meta, r.hasMeta
}

func (r *RelationshipState) setMeta(m RelationshipMeta) {
	if r.hasMeta {
		return
	}
	r.meta = m
	r.hasMeta = true
}

func (r *RelationshipState) clone() *RelationshipState {
	return &RelationshipState{EntityState: r.cloneProperties(), meta: r.meta, hasMeta: r.hasMeta}
}
