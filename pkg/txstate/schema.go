package txstate

import "fmt"

// IndexDescriptor identifies a label/property index.
type IndexDescriptor struct {
	Label       string
	PropertyKey string
}

func (d IndexDescriptor) String() string {
	return fmt.Sprintf(":%s(%s)", d.Label, d.PropertyKey)
}

// ConstraintKind enumerates supported constraint types.
type ConstraintKind uint8

const (
	// UniqueConstraint requires distinct values per label and key.
	UniqueConstraint ConstraintKind = iota + 1
	// ExistsConstraint requires the key to be present on every labelled node.
	ExistsConstraint
)

func (k ConstraintKind) String() string {
	switch k {
	case UniqueConstraint:
		return "UNIQUE"
	case ExistsConstraint:
		return "EXISTS"
	}
	return "UNKNOWN"
}

// ConstraintDescriptor identifies a constraint.
type ConstraintDescriptor struct {
	Label       string
	PropertyKey string
	Kind        ConstraintKind
}

// Index returns the index backing a uniqueness constraint.
func (c ConstraintDescriptor) Index() IndexDescriptor {
	return IndexDescriptor{Label: c.Label, PropertyKey: c.PropertyKey}
}

func (c ConstraintDescriptor) String() string {
	return fmt.Sprintf("CONSTRAINT ON :%s(%s) %s", c.Label, c.PropertyKey, c.Kind)
}
