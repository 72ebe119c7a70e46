package kernel

import (
	"time"

	"github.com/orneryd/nornicbolt/pkg/values"
)

// Node is a node as seen by a statement, pending changes included.
type Node struct {
	ID         int64
	Labels     []string
	Properties map[string]values.Value
}

// Relationship is a relationship as seen by a statement.
type Relationship struct {
	ID         int64
	Type       string
	Start      int64
	End        int64
	Properties map[string]values.Value
}

// QueryStats counts the updates made by one statement.
type QueryStats struct {
	NodesCreated         int
	NodesDeleted         int
	RelationshipsCreated int
	RelationshipsDeleted int
	PropertiesSet        int
	LabelsAdded          int
	LabelsRemoved        int
	IndexesAdded         int
	IndexesRemoved       int
	ConstraintsAdded     int
	ConstraintsRemoved   int
}

// ContainsUpdates reports whether any counter is non-zero.
func (s QueryStats) ContainsUpdates() bool {
	return s != QueryStats{}
}

// Map returns the non-zero counters under their Bolt metadata names.
func (s QueryStats) Map() map[string]any {
	out := map[string]any{}
	put := func(key string, n int) {
		if n != 0 {
			out[key] = int64(n)
		}
	}
	put("nodes-created", s.NodesCreated)
	put("nodes-deleted", s.NodesDeleted)
	put("relationships-created", s.RelationshipsCreated)
	put("relationships-deleted", s.RelationshipsDeleted)
	put("properties-set", s.PropertiesSet)
	put("labels-added", s.LabelsAdded)
	put("labels-removed", s.LabelsRemoved)
	put("indexes-added", s.IndexesAdded)
	put("indexes-removed", s.IndexesRemoved)
	put("constraints-added", s.ConstraintsAdded)
	put("constraints-removed", s.ConstraintsRemoved)
	return out
}

// Result is the outcome of a statement: column names, the records in
// order and the update counters. Records are read with Next.
type Result struct {
	fields         []string
	records        [][]values.Value
	pos            int
	kind           string
	stats          QueryStats
	availableAfter time.Duration
}

// NewResult builds a result from materialized records.
func NewResult(fields []string, records [][]values.Value, kind string) *Result {
	return &Result{fields: fields, records: records, kind: kind}
}

// Fields returns the column names.
func (r *Result) Fields() []string { return r.fields }

// Next returns the next record.
func (r *Result) Next() ([]values.Value, bool) {
	if r.pos >= len(r.records) {
		return nil, false
	}
	rec := r.records[r.pos]
	r.pos++
	return rec, true
}

// Close drops the remaining records.
func (r *Result) Close() {
	r.pos = len(r.records)
	r.records = nil
}

// Kind is the Bolt query type: "r", "w", "rw" or "s".
func (r *Result) Kind() string { return r.kind }

// Stats returns the update counters.
func (r *Result) Stats() QueryStats { return r.stats }

// AvailableAfter is the time the statement took to produce its result.
func (r *Result) AvailableAfter() time.Duration { return r.availableAfter }
