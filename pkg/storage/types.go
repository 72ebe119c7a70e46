// Package storage provides the committed graph stores behind the kernel.
//
// A Store exposes two things to the rest of the system: reads of the
// current committed state (records, label scans, adjacency, index seeks,
// schema) and Apply, which applies the command list produced from one
// transaction's state atomically and advances the last closed transaction
// id.
//
// Implementations:
//   - MemoryStore: maps guarded by a RWMutex, for tests and ephemeral servers
//   - BadgerStore: BadgerDB on disk (or in memory) with a ristretto record cache
//
// Example Usage:
//
//	store := storage.NewMemoryStore()
//	defer store.Close()
//
//	id := store.NextNodeID()
//	err := store.Apply(1, []storage.Command{
//		storage.CreateNode{ID: id},
//		storage.AddLabel{ID: id, Label: "Person"},
//		storage.SetNodeProperty{ID: id, Key: "name", Value: "alice"},
//	})
//
//	n, _ := store.Node(id)          // labels [Person], properties {name: alice}
//	store.LastClosedTransactionID() // 1
//
// Commands are produced from a txstate.TxState by CommandCreator.
package storage

import (
	"slices"

	"github.com/pkg/errors"

	"github.com/orneryd/nornicbolt/pkg/txstate"
	"github.com/orneryd/nornicbolt/pkg/values"
)

// Common errors
var (
	ErrNotFound                = errors.New("not found")
	ErrAlreadyExists           = errors.New("already exists")
	ErrClosed                  = errors.New("storage closed")
	ErrInvalidRelationship     = errors.New("invalid relationship: start or end node not found")
	ErrNodeHasRelationships    = errors.New("node still has relationships")
	ErrConstraintViolation     = errors.New("constraint violation")
	ErrStaleTransactionID      = errors.New("transaction id is not newer than the last closed transaction")
	ErrUnknownCommand          = errors.New("unknown command")
	ErrConstraintAlreadyExists = errors.New("constraint already exists")
)

// NodeRecord is the committed form of a node. Labels are kept sorted.
type NodeRecord struct {
	ID         int64
	Labels     []string
	Properties map[string]values.Value
}

// HasLabel reports whether the node carries label.
func (n *NodeRecord) HasLabel(label string) bool {
	_, ok := slices.BinarySearch(n.Labels, label)
	return ok
}

func (n *NodeRecord) clone() *NodeRecord {
	out := &NodeRecord{
		ID:         n.ID,
		Labels:     slices.Clone(n.Labels),
		Properties: make(map[string]values.Value, len(n.Properties)),
	}
	for k, v := range n.Properties {
		out.Properties[k] = v
	}
	return out
}

// RelationshipRecord is the committed form of a relationship.
type RelationshipRecord struct {
	ID         int64
	Type       string
	Start      int64
	End        int64
	Properties map[string]values.Value
}

// Meta returns the shape of the relationship.
func (r *RelationshipRecord) Meta() txstate.RelationshipMeta {
	return txstate.RelationshipMeta{ID: r.ID, Type: r.Type, Start: r.Start, End: r.End}
}

// Matches reports whether the relationship is selected from node in
// direction dir and of relType (empty matches any type). A loop matches
// every direction.
func (r *RelationshipRecord) Matches(node int64, dir txstate.Direction, relType string) bool {
	if relType != "" && r.Type != relType {
		return false
	}
	switch dir {
	case txstate.Outgoing:
		return r.Start == node
	case txstate.Incoming:
		return r.End == node
	default:
		return r.Start == node || r.End == node
	}
}

func (r *RelationshipRecord) clone() *RelationshipRecord {
	out := *r
	out.Properties = make(map[string]values.Value, len(r.Properties))
	for k, v := range r.Properties {
		out.Properties[k] = v
	}
	return &out
}

// Store is the committed graph.
//
// All read methods return copies; callers may modify them. Apply is atomic:
// either every command is applied and the last closed transaction id moves
// to txID, or the store is unchanged.
type Store interface {
	// Records
	Node(id int64) (*NodeRecord, error)
	Relationship(id int64) (*RelationshipRecord, error)

	// Scans, each sorted by id
	NodeIDs() ([]int64, error)
	RelationshipIDs() ([]int64, error)
	NodesWithLabel(label string) ([]int64, error)
	RelationshipsOf(node int64, dir txstate.Direction, relType string) ([]int64, error)
	Degree(node int64, dir txstate.Direction, relType string) (int, error)

	// Schema
	IndexSeek(d txstate.IndexDescriptor, value values.Value) ([]int64, error)
	Indexes() ([]txstate.IndexDescriptor, error)
	Constraints() ([]txstate.ConstraintDescriptor, error)

	// Writes
	Apply(txID int64, cmds []Command) error
	LastClosedTransactionID() int64
	NextNodeID() int64
	NextRelationshipID() int64

	Close() error
}
