package storage

import (
	"github.com/pkg/errors"

	"github.com/orneryd/nornicbolt/pkg/packstream"
	"github.com/orneryd/nornicbolt/pkg/txstate"
	"github.com/orneryd/nornicbolt/pkg/values"
)

// Records are stored as packstream structures using the Bolt graph tags, so
// integers and floats keep their kind across a round trip.
const (
	nodeTag         byte = 0x4E
	relationshipTag byte = 0x52
	schemaTag       byte = 0x53
)

var errCorruptRecord = errors.New("corrupt record")

func encodeNode(n *NodeRecord) []byte {
	labels := make([]any, len(n.Labels))
	for i, l := range n.Labels {
		labels[i] = l
	}
	return packstream.AppendStructure(nil, packstream.Structure{
		Tag:    nodeTag,
		Fields: []any{n.ID, labels, map[string]any(n.Properties)},
	})
}

func decodeNode(data []byte) (*NodeRecord, error) {
	fields, err := decodeStructure(data, nodeTag, 3)
	if err != nil {
		return nil, err
	}
	id, ok := fields[0].(int64)
	if !ok {
		return nil, errors.Wrap(errCorruptRecord, "node id")
	}
	labels, err := stringList(fields[1])
	if err != nil {
		return nil, err
	}
	props, err := propertyMap(fields[2])
	if err != nil {
		return nil, err
	}
	return &NodeRecord{ID: id, Labels: labels, Properties: props}, nil
}

func encodeRelationship(r *RelationshipRecord) []byte {
	return packstream.AppendStructure(nil, packstream.Structure{
		Tag:    relationshipTag,
		Fields: []any{r.ID, r.Start, r.End, r.Type, map[string]any(r.Properties)},
	})
}

func decodeRelationship(data []byte) (*RelationshipRecord, error) {
	fields, err := decodeStructure(data, relationshipTag, 5)
	if err != nil {
		return nil, err
	}
	id, ok1 := fields[0].(int64)
	start, ok2 := fields[1].(int64)
	end, ok3 := fields[2].(int64)
	relType, ok4 := fields[3].(string)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return nil, errors.Wrap(errCorruptRecord, "relationship header")
	}
	props, err := propertyMap(fields[4])
	if err != nil {
		return nil, err
	}
	return &RelationshipRecord{ID: id, Type: relType, Start: start, End: end, Properties: props}, nil
}

// encodeSchema stores an index or constraint descriptor. Kind is 0 for an
// index.
func encodeSchema(label, key string, kind txstate.ConstraintKind) []byte {
	return packstream.AppendStructure(nil, packstream.Structure{
		Tag:    schemaTag,
		Fields: []any{label, key, int64(kind)},
	})
}

func decodeSchema(data []byte) (string, string, txstate.ConstraintKind, error) {
	fields, err := decodeStructure(data, schemaTag, 3)
	if err != nil {
		return "", "", 0, err
	}
	label, ok1 := fields[0].(string)
	key, ok2 := fields[1].(string)
	kind, ok3 := fields[2].(int64)
	if !ok1 || !ok2 || !ok3 {
		return "", "", 0, errors.Wrap(errCorruptRecord, "schema")
	}
	return label, key, txstate.ConstraintKind(kind), nil
}

func decodeStructure(data []byte, tag byte, fields int) ([]any, error) {
	v, err := packstream.Unmarshal(data)
	if err != nil {
		return nil, errors.Wrap(err, "decode record")
	}
	s, ok := v.(packstream.Structure)
	if !ok || s.Tag != tag || len(s.Fields) != fields {
		return nil, errors.Wrapf(errCorruptRecord, "expected structure 0x%02X with %d fields", tag, fields)
	}
	return s.Fields, nil
}

func stringList(v any) ([]string, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, errors.Wrap(errCorruptRecord, "labels")
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, errors.Wrap(errCorruptRecord, "label")
		}
		out = append(out, s)
	}
	return out, nil
}

func propertyMap(v any) (map[string]values.Value, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, errors.Wrap(errCorruptRecord, "properties")
	}
	return m, nil
}
