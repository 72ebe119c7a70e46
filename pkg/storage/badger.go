package storage

import (
	"encoding/binary"
	"slices"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/ristretto/v2"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/orneryd/nornicbolt/pkg/txstate"
	"github.com/orneryd/nornicbolt/pkg/values"
)

// Key prefixes for BadgerDB storage organization
const (
	prefixNode          = byte(0x01) // node id -> record
	prefixRelationship  = byte(0x02) // relationship id -> record
	prefixLabelIndex    = byte(0x03) // label 0x00 node id -> empty
	prefixOutgoingIndex = byte(0x04) // start node id, relationship id -> empty
	prefixIncomingIndex = byte(0x05) // end node id, relationship id -> empty
	prefixIndexEntry    = byte(0x06) // label 0x00 key 0x00 len value node id -> empty
	prefixIndexRule     = byte(0x07) // label 0x00 key -> schema
	prefixConstraint    = byte(0x08) // label 0x00 key 0x00 kind -> schema
	prefixMeta          = byte(0x09) // name -> uint64
)

var (
	metaLastTx   = []byte{prefixMeta, 't'}
	metaNextNode = []byte{prefixMeta, 'n'}
	metaNextRel  = []byte{prefixMeta, 'r'}
)

// BadgerStore is a Store on BadgerDB.
//
// Key Structure:
//   - Nodes: 0x01 + id -> packstream node
//   - Relationships: 0x02 + id -> packstream relationship
//   - Label Index: 0x03 + label + 0x00 + node id -> empty
//   - Outgoing Index: 0x04 + node id + relationship id -> empty
//   - Incoming Index: 0x05 + node id + relationship id -> empty
//   - Property Index: 0x06 + label + 0x00 + key + 0x00 + len + value + node id -> empty
//   - Schema: 0x07 indexes, 0x08 constraints
//   - Counters: 0x09
//
// Ids are 8 byte big-endian so prefix scans return them in order.
//
// Node and relationship reads go through a ristretto cache. Apply holds the
// write lock and evicts every record it touched once the badger transaction
// has committed.
//
// Example:
//
//	store, err := storage.NewBadgerStore(storage.BadgerOptions{DataDir: "./data"})
//	if err != nil {
//		return err
//	}
//	defer store.Close()
type BadgerStore struct {
	db     *badger.DB
	log    *zap.Logger
	mu     sync.RWMutex
	closed bool

	nodeCache *ristretto.Cache[int64, *NodeRecord]
	relCache  *ristretto.Cache[int64, *RelationshipRecord]

	lastTx   atomic.Int64
	nextNode atomic.Int64
	nextRel  atomic.Int64
}

var _ Store = (*BadgerStore)(nil)

// BadgerOptions configures the BadgerDB store.
type BadgerOptions struct {
	// DataDir is the directory for storing data files.
	// Required unless InMemory is set.
	DataDir string

	// InMemory runs BadgerDB in memory-only mode.
	// Useful for testing. Data is not persisted.
	InMemory bool

	// SyncWrites forces fsync after each write.
	SyncWrites bool

	// CacheSize is the number of node and relationship records kept in
	// the read cache. Zero disables the cache.
	CacheSize int64

	// Logger receives store and BadgerDB messages. Nil discards them.
	Logger *zap.Logger
}

// NewBadgerStore opens or creates a store.
func NewBadgerStore(opts BadgerOptions) (*BadgerStore, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	badgerOpts := badger.DefaultOptions(opts.DataDir).
		WithInMemory(opts.InMemory).
		WithSyncWrites(opts.SyncWrites).
		WithLogger(badgerLogger{log.Sugar()}).
		WithMemTableSize(16 << 20).
		WithValueLogFileSize(64 << 20).
		WithNumMemtables(2).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithBlockCacheSize(32 << 20).
		WithIndexCacheSize(16 << 20)
	if opts.InMemory {
		badgerOpts.Dir, badgerOpts.ValueDir = "", ""
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, errors.Wrap(err, "open badger")
	}

	s := &BadgerStore{db: db, log: log}
	if opts.CacheSize > 0 {
		if s.nodeCache, err = newRecordCache[*NodeRecord](opts.CacheSize); err == nil {
			s.relCache, err = newRecordCache[*RelationshipRecord](opts.CacheSize)
		}
		if err != nil {
			db.Close()
			return nil, errors.Wrap(err, "create record cache")
		}
	}

	if err := s.loadCounters(); err != nil {
		s.Close()
		return nil, err
	}
	log.Info("badger store opened",
		zap.String("dir", opts.DataDir),
		zap.Bool("in_memory", opts.InMemory),
		zap.Int64("last_tx", s.lastTx.Load()),
		zap.Int64("next_node", s.nextNode.Load()),
	)
	return s, nil
}

func newRecordCache[V any](size int64) (*ristretto.Cache[int64, V], error) {
	return ristretto.NewCache(&ristretto.Config[int64, V]{
		NumCounters: size * 10,
		MaxCost:     size,
		BufferItems: 64,
	})
}

func (s *BadgerStore) loadCounters() error {
	return s.db.View(func(txn *badger.Txn) error {
		for _, c := range []struct {
			key     []byte
			counter *atomic.Int64
		}{
			{metaLastTx, &s.lastTx},
			{metaNextNode, &s.nextNode},
			{metaNextRel, &s.nextRel},
		} {
			item, err := txn.Get(c.key)
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return errors.Wrap(err, "load counters")
			}
			if err := item.Value(func(val []byte) error {
				c.counter.Store(int64(binary.BigEndian.Uint64(val)))
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// ============================================================================
// Key encoding helpers
// ============================================================================

func appendID(key []byte, id int64) []byte {
	return binary.BigEndian.AppendUint64(key, uint64(id))
}

func idSuffix(key []byte) int64 {
	return int64(binary.BigEndian.Uint64(key[len(key)-8:]))
}

func nodeKey(id int64) []byte {
	return appendID([]byte{prefixNode}, id)
}

func relationshipKey(id int64) []byte {
	return appendID([]byte{prefixRelationship}, id)
}

func labelIndexPrefix(label string) []byte {
	key := make([]byte, 0, 2+len(label)+8)
	key = append(key, prefixLabelIndex)
	key = append(key, label...)
	return append(key, 0x00)
}

func labelIndexKey(label string, node int64) []byte {
	return appendID(labelIndexPrefix(label), node)
}

func adjacencyPrefix(prefix byte, node int64) []byte {
	return appendID([]byte{prefix}, node)
}

func adjacencyKey(prefix byte, node, rel int64) []byte {
	return appendID(adjacencyPrefix(prefix, node), rel)
}

func schemaPrefix(prefix byte, label, key string) []byte {
	out := make([]byte, 0, 3+len(label)+len(key))
	out = append(out, prefix)
	out = append(out, label...)
	out = append(out, 0x00)
	return append(out, key...)
}

func indexPrefix(d txstate.IndexDescriptor) []byte {
	return append(schemaPrefix(prefixIndexEntry, d.Label, d.PropertyKey), 0x00)
}

func indexValuePrefix(d txstate.IndexDescriptor, value values.Value) []byte {
	vk := values.Key(value)
	key := binary.BigEndian.AppendUint32(indexPrefix(d), uint32(len(vk)))
	return append(key, vk...)
}

func constraintKey(c txstate.ConstraintDescriptor) []byte {
	return append(schemaPrefix(prefixConstraint, c.Label, c.PropertyKey), 0x00, byte(c.Kind))
}

// ============================================================================
// Reads
// ============================================================================

func (s *BadgerStore) view(fn func(txn *badger.Txn) error) error {
	if s.closed {
		return ErrClosed
	}
	return s.db.View(fn)
}

// Node returns a copy of node id, or ErrNotFound.
func (s *BadgerStore) Node(id int64) (*NodeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.nodeCache != nil {
		if n, ok := s.nodeCache.Get(id); ok {
			return n.clone(), nil
		}
	}
	var n *NodeRecord
	err := s.view(func(txn *badger.Txn) (err error) {
		n, err = (&badgerTxn{txn: txn}).node(id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if s.nodeCache != nil {
		s.nodeCache.Set(id, n, 1)
	}
	return n.clone(), nil
}

// Relationship returns a copy of relationship id, or ErrNotFound.
func (s *BadgerStore) Relationship(id int64) (*RelationshipRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.relCache != nil {
		if r, ok := s.relCache.Get(id); ok {
			return r.clone(), nil
		}
	}
	var r *RelationshipRecord
	err := s.view(func(txn *badger.Txn) (err error) {
		r, err = (&badgerTxn{txn: txn}).relationship(id)
		return err
	})
	if err != nil {
		return nil, err
	}
	if s.relCache != nil {
		s.relCache.Set(id, r, 1)
	}
	return r.clone(), nil
}

func (s *BadgerStore) scanIDs(prefix []byte) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []int64
	err := s.view(func(txn *badger.Txn) (err error) {
		ids, err = collectIDs(txn, prefix)
		return err
	})
	return ids, err
}

func (s *BadgerStore) NodeIDs() ([]int64, error) {
	return s.scanIDs([]byte{prefixNode})
}

func (s *BadgerStore) RelationshipIDs() ([]int64, error) {
	return s.scanIDs([]byte{prefixRelationship})
}

func (s *BadgerStore) NodesWithLabel(label string) ([]int64, error) {
	return s.scanIDs(labelIndexPrefix(label))
}

// RelationshipsOf returns the relationships of node in direction dir. A
// loop is returned once.
func (s *BadgerStore) RelationshipsOf(node int64, dir txstate.Direction, relType string) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []int64
	err := s.view(func(txn *badger.Txn) error {
		var ids []int64
		if dir != txstate.Incoming {
			outgoing, err := collectIDs(txn, adjacencyPrefix(prefixOutgoingIndex, node))
			if err != nil {
				return err
			}
			ids = append(ids, outgoing...)
		}
		if dir != txstate.Outgoing {
			in, err := collectIDs(txn, adjacencyPrefix(prefixIncomingIndex, node))
			if err != nil {
				return err
			}
			ids = append(ids, in...)
		}
		slices.Sort(ids)
		ids = slices.Compact(ids)
		if relType == "" {
			out = ids
			return nil
		}
		bt := &badgerTxn{txn: txn}
		for _, id := range ids {
			r, err := bt.relationship(id)
			if err != nil {
				return err
			}
			if r.Type == relType {
				out = append(out, id)
			}
		}
		return nil
	})
	return out, err
}

func (s *BadgerStore) Degree(node int64, dir txstate.Direction, relType string) (int, error) {
	ids, err := s.RelationshipsOf(node, dir, relType)
	return len(ids), err
}

// IndexSeek returns the nodes whose indexed property equals value. It
// returns ErrNotFound if the index does not exist.
func (s *BadgerStore) IndexSeek(d txstate.IndexDescriptor, value values.Value) ([]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []int64
	err := s.view(func(txn *badger.Txn) error {
		if _, err := txn.Get(schemaPrefix(prefixIndexRule, d.Label, d.PropertyKey)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return errors.Wrapf(ErrNotFound, "index %s", d)
			}
			return err
		}
		var err error
		ids, err = collectIDs(txn, indexValuePrefix(d, value))
		return err
	})
	return ids, err
}

func (s *BadgerStore) Indexes() ([]txstate.IndexDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []txstate.IndexDescriptor
	err := s.view(func(txn *badger.Txn) (err error) {
		out, err = (&badgerTxn{txn: txn}).indexes()
		return err
	})
	return out, err
}

func (s *BadgerStore) Constraints() ([]txstate.ConstraintDescriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []txstate.ConstraintDescriptor
	err := s.view(func(txn *badger.Txn) (err error) {
		out, err = (&badgerTxn{txn: txn}).constraints()
		return err
	})
	return out, err
}

// ============================================================================
// Writes
// ============================================================================

// Apply applies cmds in one badger transaction and advances the last closed
// transaction id to txID.
func (s *BadgerStore) Apply(txID int64, cmds []Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if txID <= s.lastTx.Load() {
		return ErrStaleTransactionID
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		if err := applyCommands(&badgerTxn{txn: txn}, cmds); err != nil {
			return err
		}
		observeIDs(cmds, &s.nextNode, &s.nextRel)
		for _, m := range []struct {
			key []byte
			val int64
		}{
			{metaLastTx, txID},
			{metaNextNode, s.nextNode.Load()},
			{metaNextRel, s.nextRel.Load()},
		} {
			if err := txn.Set(m.key, binary.BigEndian.AppendUint64(nil, uint64(m.val))); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.log.Debug("apply failed", zap.Int64("tx", txID), zap.Int("commands", len(cmds)), zap.Error(err))
		return err
	}
	s.evict(cmds)
	s.lastTx.Store(txID)
	return nil
}

// evict drops every record named by cmds from the read cache.
func (s *BadgerStore) evict(cmds []Command) {
	if s.nodeCache == nil {
		return
	}
	for _, cmd := range cmds {
		switch c := cmd.(type) {
		case CreateNode:
			s.nodeCache.Del(c.ID)
		case DeleteNode:
			s.nodeCache.Del(c.ID)
		case SetNodeProperty:
			s.nodeCache.Del(c.ID)
		case RemoveNodeProperty:
			s.nodeCache.Del(c.ID)
		case AddLabel:
			s.nodeCache.Del(c.ID)
		case RemoveLabel:
			s.nodeCache.Del(c.ID)
		case CreateRelationship:
			s.relCache.Del(c.ID)
		case DeleteRelationship:
			s.relCache.Del(c.ID)
		case SetRelationshipProperty:
			s.relCache.Del(c.ID)
		case RemoveRelationshipProperty:
			s.relCache.Del(c.ID)
		}
	}
}

func (s *BadgerStore) LastClosedTransactionID() int64 { return s.lastTx.Load() }

func (s *BadgerStore) NextNodeID() int64 { return s.nextNode.Inc() - 1 }

func (s *BadgerStore) NextRelationshipID() int64 { return s.nextRel.Inc() - 1 }

// Close closes the caches and the database.
func (s *BadgerStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.nodeCache != nil {
		s.nodeCache.Close()
		s.relCache.Close()
	}
	return s.db.Close()
}

// ============================================================================
// recordWriter over a badger transaction
// ============================================================================

type badgerTxn struct {
	txn *badger.Txn
}

func (t *badgerTxn) get(key []byte, decode func([]byte) error) error {
	item, err := t.txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(decode)
}

func (t *badgerTxn) node(id int64) (n *NodeRecord, err error) {
	err = t.get(nodeKey(id), func(val []byte) (err error) {
		n, err = decodeNode(val)
		return err
	})
	return n, err
}

func (t *badgerTxn) relationship(id int64) (r *RelationshipRecord, err error) {
	err = t.get(relationshipKey(id), func(val []byte) (err error) {
		r, err = decodeRelationship(val)
		return err
	})
	return r, err
}

func (t *badgerTxn) putNode(n *NodeRecord) error {
	return t.txn.Set(nodeKey(n.ID), encodeNode(n))
}

func (t *badgerTxn) deleteNode(id int64) error {
	return t.txn.Delete(nodeKey(id))
}

func (t *badgerTxn) putRelationship(r *RelationshipRecord) error {
	if err := t.txn.Set(relationshipKey(r.ID), encodeRelationship(r)); err != nil {
		return err
	}
	if err := t.txn.Set(adjacencyKey(prefixOutgoingIndex, r.Start, r.ID), nil); err != nil {
		return err
	}
	return t.txn.Set(adjacencyKey(prefixIncomingIndex, r.End, r.ID), nil)
}

func (t *badgerTxn) deleteRelationship(r *RelationshipRecord) error {
	for _, key := range [][]byte{
		relationshipKey(r.ID),
		adjacencyKey(prefixOutgoingIndex, r.Start, r.ID),
		adjacencyKey(prefixIncomingIndex, r.End, r.ID),
	} {
		if err := t.txn.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

func (t *badgerTxn) set(key []byte, present bool) error {
	if present {
		return t.txn.Set(key, nil)
	}
	return t.txn.Delete(key)
}

func (t *badgerTxn) setLabel(label string, node int64, present bool) error {
	return t.set(labelIndexKey(label, node), present)
}

func (t *badgerTxn) nodesWithLabel(label string) ([]int64, error) {
	return collectIDs(t.txn, labelIndexPrefix(label))
}

func (t *badgerTxn) relationshipsOf(node int64) ([]int64, error) {
	out, err := collectIDs(t.txn, adjacencyPrefix(prefixOutgoingIndex, node))
	if err != nil {
		return nil, err
	}
	in, err := collectIDs(t.txn, adjacencyPrefix(prefixIncomingIndex, node))
	if err != nil {
		return nil, err
	}
	ids := append(out, in...)
	slices.Sort(ids)
	return slices.Compact(ids), nil
}

func (t *badgerTxn) setIndexEntry(d txstate.IndexDescriptor, value values.Value, node int64, present bool) error {
	return t.set(appendID(indexValuePrefix(d, value), node), present)
}

func (t *badgerTxn) indexSeek(d txstate.IndexDescriptor, value values.Value) ([]int64, error) {
	return collectIDs(t.txn, indexValuePrefix(d, value))
}

func (t *badgerTxn) dropIndexEntries(d txstate.IndexDescriptor) error {
	keys, err := collectKeys(t.txn, indexPrefix(d))
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := t.txn.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

func (t *badgerTxn) indexes() ([]txstate.IndexDescriptor, error) {
	vals, err := collectValues(t.txn, []byte{prefixIndexRule})
	if err != nil {
		return nil, err
	}
	out := make([]txstate.IndexDescriptor, 0, len(vals))
	for _, val := range vals {
		label, key, _, err := decodeSchema(val)
		if err != nil {
			return nil, err
		}
		out = append(out, txstate.IndexDescriptor{Label: label, PropertyKey: key})
	}
	return txstate.SortedIndexes(slices.Values(out)), nil
}

func (t *badgerTxn) setIndex(d txstate.IndexDescriptor, present bool) error {
	key := schemaPrefix(prefixIndexRule, d.Label, d.PropertyKey)
	if !present {
		return t.txn.Delete(key)
	}
	return t.txn.Set(key, encodeSchema(d.Label, d.PropertyKey, 0))
}

func (t *badgerTxn) constraints() ([]txstate.ConstraintDescriptor, error) {
	vals, err := collectValues(t.txn, []byte{prefixConstraint})
	if err != nil {
		return nil, err
	}
	out := make([]txstate.ConstraintDescriptor, 0, len(vals))
	for _, val := range vals {
		label, key, kind, err := decodeSchema(val)
		if err != nil {
			return nil, err
		}
		out = append(out, txstate.ConstraintDescriptor{Label: label, PropertyKey: key, Kind: kind})
	}
	return txstate.SortedConstraints(slices.Values(out)), nil
}

func (t *badgerTxn) setConstraint(c txstate.ConstraintDescriptor, present bool) error {
	if !present {
		return t.txn.Delete(constraintKey(c))
	}
	return t.txn.Set(constraintKey(c), encodeSchema(c.Label, c.PropertyKey, c.Kind))
}

// Prefix scans. Each closes its iterator before returning, since a
// read-write transaction allows only one open iterator.

func collectKeys(txn *badger.Txn, prefix []byte) ([][]byte, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys, nil
}

func collectIDs(txn *badger.Txn, prefix []byte) ([]int64, error) {
	keys, err := collectKeys(txn, prefix)
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(keys))
	for _, key := range keys {
		if len(key) < len(prefix)+8 {
			return nil, errors.Wrapf(errCorruptRecord, "short key %x", key)
		}
		ids = append(ids, idSuffix(key))
	}
	return ids, nil
}

func collectValues(txn *badger.Txn, prefix []byte) ([][]byte, error) {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var vals [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		val, err := it.Item().ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		vals = append(vals, val)
	}
	return vals, nil
}

// badgerLogger routes BadgerDB messages to zap.
type badgerLogger struct {
	*zap.SugaredLogger
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.Warnf(format, args...)
}
