package storage

import (
	"github.com/pkg/errors"

	"github.com/orneryd/nornicbolt/pkg/txstate"
	"github.com/orneryd/nornicbolt/pkg/values"
)

// CommandCreator turns a transaction state into the command list for
// Store.Apply. It implements txstate.Visitor.
//
//	cc := storage.NewCommandCreator(store, tx)
//	if err := tx.Accept(cc); err != nil {
//		return err
//	}
//	err := store.Apply(txID, cc.Commands())
type CommandCreator struct {
	store Store
	tx    *txstate.TxState
	cmds  []Command
}

var _ txstate.Visitor = (*CommandCreator)(nil)

// NewCommandCreator returns a creator for tx over store.
func NewCommandCreator(store Store, tx *txstate.TxState) *CommandCreator {
	return &CommandCreator{store: store, tx: tx}
}

// Commands returns the commands collected so far.
func (c *CommandCreator) Commands() []Command { return c.cmds }

func (c *CommandCreator) add(cmd Command) error {
	c.cmds = append(c.cmds, cmd)
	return nil
}

func (c *CommandCreator) VisitCreatedNode(id int64) error {
	return c.add(CreateNode{ID: id})
}

func (c *CommandCreator) VisitCreatedRelationship(m txstate.RelationshipMeta) error {
	return c.add(CreateRelationship{ID: m.ID, Type: m.Type, Start: m.Start, End: m.End})
}

func (c *CommandCreator) VisitDeletedRelationship(m txstate.RelationshipMeta) error {
	return c.add(DeleteRelationship{ID: m.ID})
}

// VisitDeletedNode fails if the node still has a committed relationship
// that this transaction does not delete.
func (c *CommandCreator) VisitDeletedNode(id int64) error {
	rels, err := c.store.RelationshipsOf(id, txstate.Both, "")
	if err != nil && !errors.Is(err, ErrNotFound) {
		return errors.Wrapf(err, "relationships of node %d", id)
	}
	for _, rel := range rels {
		if !c.tx.RelationshipIsDeletedInThisTx(rel) {
			return errors.Wrapf(txstate.ErrDeletedNodeStillHasRelationships, "node %d, relationship %d", id, rel)
		}
	}
	return c.add(DeleteNode{ID: id})
}

func (c *CommandCreator) VisitNodePropertyChanges(id int64, added, changed map[string]values.Value, removed []string) error {
	for _, k := range sortedKeys(added) {
		c.cmds = append(c.cmds, SetNodeProperty{ID: id, Key: k, Value: added[k]})
	}
	for _, k := range sortedKeys(changed) {
		c.cmds = append(c.cmds, SetNodeProperty{ID: id, Key: k, Value: changed[k]})
	}
	for _, k := range removed {
		c.cmds = append(c.cmds, RemoveNodeProperty{ID: id, Key: k})
	}
	return nil
}

func (c *CommandCreator) VisitRelationshipPropertyChanges(id int64, added, changed map[string]values.Value, removed []string) error {
	for _, k := range sortedKeys(added) {
		c.cmds = append(c.cmds, SetRelationshipProperty{ID: id, Key: k, Value: added[k]})
	}
	for _, k := range sortedKeys(changed) {
		c.cmds = append(c.cmds, SetRelationshipProperty{ID: id, Key: k, Value: changed[k]})
	}
	for _, k := range removed {
		c.cmds = append(c.cmds, RemoveRelationshipProperty{ID: id, Key: k})
	}
	return nil
}

func (c *CommandCreator) VisitNodeLabelChanges(id int64, added, removed []string) error {
	for _, l := range added {
		c.cmds = append(c.cmds, AddLabel{ID: id, Label: l})
	}
	for _, l := range removed {
		c.cmds = append(c.cmds, RemoveLabel{ID: id, Label: l})
	}
	return nil
}

func (c *CommandCreator) VisitAddedIndex(d txstate.IndexDescriptor) error {
	return c.add(CreateIndex{Index: d})
}

func (c *CommandCreator) VisitRemovedIndex(d txstate.IndexDescriptor) error {
	return c.add(DropIndex{Index: d})
}

func (c *CommandCreator) VisitAddedConstraint(cd txstate.ConstraintDescriptor) error {
	return c.add(CreateConstraint{Constraint: cd})
}

func (c *CommandCreator) VisitRemovedConstraint(cd txstate.ConstraintDescriptor) error {
	return c.add(DropConstraint{Constraint: cd})
}
