package storage

import (
	"github.com/orneryd/nornicbolt/pkg/txstate"
	"github.com/orneryd/nornicbolt/pkg/values"
)

// Command is one committed change. The set of commands is closed; Apply
// rejects anything else with ErrUnknownCommand.
type Command interface {
	command()
}

type CreateNode struct{ ID int64 }

type DeleteNode struct{ ID int64 }

type SetNodeProperty struct {
	ID    int64
	Key   string
	Value values.Value
}

type RemoveNodeProperty struct {
	ID  int64
	Key string
}

type AddLabel struct {
	ID    int64
	Label string
}

type RemoveLabel struct {
	ID    int64
	Label string
}

type CreateRelationship struct {
	ID    int64
	Type  string
	Start int64
	End   int64
}

type DeleteRelationship struct{ ID int64 }

type SetRelationshipProperty struct {
	ID    int64
	Key   string
	Value values.Value
}

type RemoveRelationshipProperty struct {
	ID  int64
	Key string
}

type CreateIndex struct{ Index txstate.IndexDescriptor }

type DropIndex struct{ Index txstate.IndexDescriptor }

type CreateConstraint struct{ Constraint txstate.ConstraintDescriptor }

type DropConstraint struct{ Constraint txstate.ConstraintDescriptor }

func (CreateNode) command()                 {}
func (DeleteNode) command()                 {}
func (SetNodeProperty) command()            {}
func (RemoveNodeProperty) command()         {}
func (AddLabel) command()                   {}
func (RemoveLabel) command()                {}
func (CreateRelationship) command()         {}
func (DeleteRelationship) command()         {}
func (SetRelationshipProperty) command()    {}
func (RemoveRelationshipProperty) command() {}
func (CreateIndex) command()                {}
func (DropIndex) command()                  {}
func (CreateConstraint) command()           {}
func (DropConstraint) command()             {}
