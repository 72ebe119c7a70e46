package storage

import (
	"maps"
	"slices"
	"sync"

	"go.uber.org/atomic"

	"github.com/orneryd/nornicbolt/pkg/txstate"
	"github.com/orneryd/nornicbolt/pkg/values"
)

// MemoryStore is a thread-safe in-memory Store.
//
// Reads take the read lock and return copies. Apply takes the write lock and
// records an undo action for every primitive write, so a failing command
// list leaves the store exactly as it was.
//
// Example:
//
//	store := storage.NewMemoryStore()
//	a, b := store.NextNodeID(), store.NextNodeID()
//	r := store.NextRelationshipID()
//	err := store.Apply(1, []storage.Command{
//		storage.CreateNode{ID: a},
//		storage.CreateNode{ID: b},
//		storage.CreateRelationship{ID: r, Type: "KNOWS", Start: a, End: b},
//	})
//	n, _ := store.Degree(a, txstate.Outgoing, "") // 1
type MemoryStore struct {
	mu    sync.RWMutex
	nodes map[int64]*NodeRecord
	rels  map[int64]*RelationshipRecord

	// Indexes for efficient lookups
	labels       map[string]map[int64]struct{}
	adjacency    map[int64]map[int64]struct{}
	indexEntries map[txstate.IndexDescriptor]map[string]map[int64]struct{}

	indexes     map[txstate.IndexDescriptor]struct{}
	constraints map[txstate.ConstraintDescriptor]struct{}

	lastTx   atomic.Int64
	nextNode atomic.Int64
	nextRel  atomic.Int64
	closed   bool
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		nodes:        make(map[int64]*NodeRecord),
		rels:         make(map[int64]*RelationshipRecord),
		labels:       make(map[string]map[int64]struct{}),
		adjacency:    make(map[int64]map[int64]struct{}),
		indexEntries: make(map[txstate.IndexDescriptor]map[string]map[int64]struct{}),
		indexes:      make(map[txstate.IndexDescriptor]struct{}),
		constraints:  make(map[txstate.ConstraintDescriptor]struct{}),
	}
}

// Node returns a copy of node id, or ErrNotFound.
func (m *MemoryStore) Node(id int64) (*NodeRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	n, ok := m.nodes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return n.clone(), nil
}

// Relationship returns a copy of relationship id, or ErrNotFound.
func (m *MemoryStore) Relationship(id int64) (*RelationshipRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	r, ok := m.rels[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.clone(), nil
}

func (m *MemoryStore) NodeIDs() ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	return slices.Sorted(maps.Keys(m.nodes)), nil
}

func (m *MemoryStore) RelationshipIDs() ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	return slices.Sorted(maps.Keys(m.rels)), nil
}

func (m *MemoryStore) NodesWithLabel(label string) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	return slices.Sorted(maps.Keys(m.labels[label])), nil
}

// RelationshipsOf returns the relationships of node in direction dir. A
// loop is returned once.
func (m *MemoryStore) RelationshipsOf(node int64, dir txstate.Direction, relType string) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []int64
	for id := range m.adjacency[node] {
		if m.rels[id].Matches(node, dir, relType) {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (m *MemoryStore) Degree(node int64, dir txstate.Direction, relType string) (int, error) {
	ids, err := m.RelationshipsOf(node, dir, relType)
	return len(ids), err
}

// IndexSeek returns the nodes whose indexed property equals value. It
// returns ErrNotFound if the index does not exist.
func (m *MemoryStore) IndexSeek(d txstate.IndexDescriptor, value values.Value) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	if _, ok := m.indexes[d]; !ok {
		return nil, ErrNotFound
	}
	return slices.Sorted(maps.Keys(m.indexEntries[d][values.Key(value)])), nil
}

func (m *MemoryStore) Indexes() ([]txstate.IndexDescriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return txstate.SortedIndexes(maps.Keys(m.indexes)), nil
}

func (m *MemoryStore) Constraints() ([]txstate.ConstraintDescriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return txstate.SortedConstraints(maps.Keys(m.constraints)), nil
}

// Apply applies cmds atomically and advances the last closed transaction id
// to txID.
func (m *MemoryStore) Apply(txID int64, cmds []Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if txID <= m.lastTx.Load() {
		return ErrStaleTransactionID
	}

	tx := &memTxn{m: m}
	if err := applyCommands(tx, cmds); err != nil {
		tx.rollback()
		return err
	}
	observeIDs(cmds, &m.nextNode, &m.nextRel)
	m.lastTx.Store(txID)
	return nil
}

func (m *MemoryStore) LastClosedTransactionID() int64 { return m.lastTx.Load() }

func (m *MemoryStore) NextNodeID() int64 { return m.nextNode.Inc() - 1 }

func (m *MemoryStore) NextRelationshipID() int64 { return m.nextRel.Inc() - 1 }

// Close releases the store. Later calls return ErrClosed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// memTxn is the recordWriter used by Apply. It runs under the store's write
// lock and keeps an undo log.
type memTxn struct {
	m    *MemoryStore
	undo []func()
}

func (t *memTxn) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTxn) node(id int64) (*NodeRecord, error) {
	if n, ok := t.m.nodes[id]; ok {
		return n, nil
	}
	return nil, ErrNotFound
}

func (t *memTxn) relationship(id int64) (*RelationshipRecord, error) {
	if r, ok := t.m.rels[id]; ok {
		return r, nil
	}
	return nil, ErrNotFound
}

func (t *memTxn) putNode(n *NodeRecord) error {
	old, had := t.m.nodes[n.ID]
	t.m.nodes[n.ID] = n
	t.undo = append(t.undo, func() {
		if had {
			t.m.nodes[n.ID] = old
		} else {
			delete(t.m.nodes, n.ID)
		}
	})
	return nil
}

func (t *memTxn) deleteNode(id int64) error {
	old, had := t.m.nodes[id]
	if !had {
		return nil
	}
	delete(t.m.nodes, id)
	t.undo = append(t.undo, func() { t.m.nodes[id] = old })
	return nil
}

func (t *memTxn) putRelationship(r *RelationshipRecord) error {
	old, had := t.m.rels[r.ID]
	t.m.rels[r.ID] = r
	if !had {
		setMember(t.m.adjacency, r.Start, r.ID, true)
		setMember(t.m.adjacency, r.End, r.ID, true)
	}
	t.undo = append(t.undo, func() {
		if had {
			t.m.rels[r.ID] = old
			return
		}
		delete(t.m.rels, r.ID)
		setMember(t.m.adjacency, r.Start, r.ID, false)
		setMember(t.m.adjacency, r.End, r.ID, false)
	})
	return nil
}

func (t *memTxn) deleteRelationship(r *RelationshipRecord) error {
	old, had := t.m.rels[r.ID]
	if !had {
		return nil
	}
	delete(t.m.rels, r.ID)
	setMember(t.m.adjacency, old.Start, r.ID, false)
	setMember(t.m.adjacency, old.End, r.ID, false)
	t.undo = append(t.undo, func() {
		t.m.rels[r.ID] = old
		setMember(t.m.adjacency, old.Start, r.ID, true)
		setMember(t.m.adjacency, old.End, r.ID, true)
	})
	return nil
}

func (t *memTxn) setLabel(label string, node int64, present bool) error {
	if setMember(t.m.labels, label, node, present) {
		t.undo = append(t.undo, func() { setMember(t.m.labels, label, node, !present) })
	}
	return nil
}

func (t *memTxn) nodesWithLabel(label string) ([]int64, error) {
	return slices.Sorted(maps.Keys(t.m.labels[label])), nil
}

func (t *memTxn) relationshipsOf(node int64) ([]int64, error) {
	return slices.Sorted(maps.Keys(t.m.adjacency[node])), nil
}

func (t *memTxn) setIndexEntry(d txstate.IndexDescriptor, value values.Value, node int64, present bool) error {
	key := values.Key(value)
	set := func(p bool) bool {
		entries := t.m.indexEntries[d]
		if entries == nil {
			entries = make(map[string]map[int64]struct{})
			t.m.indexEntries[d] = entries
		}
		return setMember(entries, key, node, p)
	}
	if set(present) {
		t.undo = append(t.undo, func() { set(!present) })
	}
	return nil
}

func (t *memTxn) indexSeek(d txstate.IndexDescriptor, value values.Value) ([]int64, error) {
	return slices.Sorted(maps.Keys(t.m.indexEntries[d][values.Key(value)])), nil
}

func (t *memTxn) dropIndexEntries(d txstate.IndexDescriptor) error {
	old, had := t.m.indexEntries[d]
	if !had {
		return nil
	}
	delete(t.m.indexEntries, d)
	t.undo = append(t.undo, func() { t.m.indexEntries[d] = old })
	return nil
}

func (t *memTxn) indexes() ([]txstate.IndexDescriptor, error) {
	return txstate.SortedIndexes(maps.Keys(t.m.indexes)), nil
}

func (t *memTxn) setIndex(d txstate.IndexDescriptor, present bool) error {
	t.undo = append(t.undo, toggle(t.m.indexes, d, present))
	return nil
}

func (t *memTxn) constraints() ([]txstate.ConstraintDescriptor, error) {
	return txstate.SortedConstraints(maps.Keys(t.m.constraints)), nil
}

func (t *memTxn) setConstraint(c txstate.ConstraintDescriptor, present bool) error {
	t.undo = append(t.undo, toggle(t.m.constraints, c, present))
	return nil
}

// setMember adds or removes id from m[k], dropping empty sets. It reports
// whether anything changed.
func setMember[K comparable](m map[K]map[int64]struct{}, k K, id int64, present bool) bool {
	ids := m[k]
	if _, has := ids[id]; has == present {
		return false
	}
	if present {
		if ids == nil {
			ids = make(map[int64]struct{})
			m[k] = ids
		}
		ids[id] = struct{}{}
		return true
	}
	delete(ids, id)
	if len(ids) == 0 {
		delete(m, k)
	}
	return true
}

// toggle sets the membership of k in m and returns the action undoing it.
func toggle[K comparable](m map[K]struct{}, k K, present bool) func() {
	_, had := m[k]
	if present {
		m[k] = struct{}{}
	} else {
		delete(m, k)
	}
	return func() {
		if had {
			m[k] = struct{}{}
		} else {
			delete(m, k)
		}
	}
}
