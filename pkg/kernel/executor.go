package kernel

import (
	"context"
	"iter"
	"slices"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/orneryd/nornicbolt/pkg/auth"
	"github.com/orneryd/nornicbolt/pkg/cache"
	"github.com/orneryd/nornicbolt/pkg/storage"
	"github.com/orneryd/nornicbolt/pkg/txstate"
	"github.com/orneryd/nornicbolt/pkg/values"
)

// Execute parses query and runs it in tx, which must be open and bound.
// Periodic commit queries are rejected; they run through
// ExecutePeriodicCommit in a transaction of their own.
func (k *Kernel) Execute(ctx context.Context, tx *Transaction, query string, params map[string]any) (*Result, error) {
	if err := tx.checkUsable(); err != nil {
		return nil, err
	}
	stmt, err := k.parse(query)
	if err != nil {
		return nil, err
	}
	if _, ok := stmt.(*PeriodicCommitStatement); ok {
		return nil, ErrPeriodicCommitInTx
	}
	return k.run(ctx, tx, stmt, params, 0)
}

// ExecutePeriodicCommit runs a USING PERIODIC COMMIT query in a new
// transaction for login. The transaction state is split; every batch of
// created entities the current layer is combined into the stable layer.
// The transaction commits when the statement completes.
func (k *Kernel) ExecutePeriodicCommit(ctx context.Context, login *auth.LoginContext, query string, params map[string]any) (*Result, error) {
	stmt, err := k.parse(query)
	if err != nil {
		return nil, err
	}
	pc, ok := stmt.(*PeriodicCommitStatement)
	if !ok {
		return nil, errors.Wrap(ErrSyntax, "not a periodic commit query")
	}
	tx, err := k.BeginTransaction(login)
	if err != nil {
		return nil, err
	}
	tx.Bind()
	result, err := k.runPeriodic(ctx, tx, pc, params)
	if err != nil {
		tx.Failure()
		_ = tx.Close()
		return nil, err
	}
	tx.Success()
	if err := tx.Close(); err != nil {
		return nil, err
	}
	return result, nil
}

// parse returns the cached statement for query, parsing it on a miss.
// Statements are never mutated after parsing, so they are shared.
func (k *Kernel) parse(query string) (Statement, error) {
	if stmt, ok := k.statements.Get(query); ok {
		return stmt, nil
	}
	stmt, err := Parse(query)
	if err != nil {
		return nil, err
	}
	k.statements.Put(query, stmt)
	return stmt, nil
}

// StatementCacheStats reports the parsed statement cache.
func (k *Kernel) StatementCacheStats() cache.Stats { return k.statements.Stats() }

func (k *Kernel) runPeriodic(ctx context.Context, tx *Transaction, pc *PeriodicCommitStatement, params map[string]any) (*Result, error) {
	if err := tx.checkUsable(); err != nil {
		return nil, err
	}
	if err := tx.container.Split(); err != nil {
		return nil, err
	}
	return k.run(ctx, tx, pc.Inner, params, pc.BatchSize)
}

func (k *Kernel) run(ctx context.Context, tx *Transaction, stmt Statement, params map[string]any, batchSize int64) (*Result, error) {
	if err := authorize(tx, stmt); err != nil {
		return nil, err
	}
	schema := stmt.Kind() == "s"
	writes := stmt.Kind() != "r"
	if writes && ((schema && tx.dataWrites) || (!schema && tx.schemaWrites)) {
		return nil, ErrSchemaAndDataMix
	}

	start := time.Now()
	e := &executor{k: k, tx: tx, ctx: ctx, params: params, batchSize: batchSize}
	result, err := e.run(stmt)
	if err != nil {
		return nil, err
	}
	if e.stats.ContainsUpdates() {
		if schema {
			tx.schemaWrites = true
		} else {
			tx.dataWrites = true
		}
	}
	result.kind = stmt.Kind()
	result.stats = e.stats
	result.availableAfter = time.Since(start)
	return result, nil
}

func authorize(tx *Transaction, stmt Statement) error {
	perm := auth.PermRead
	switch stmt.Kind() {
	case "s":
		perm = auth.PermSchema
	case "w", "rw":
		perm = auth.PermWrite
	}
	if !tx.login.Allows(perm) {
		return errors.Wrapf(auth.ErrForbidden, "user %q lacks %s permission", tx.login.Username, perm)
	}
	return nil
}

// executor runs one statement against the transaction state of tx.
type executor struct {
	k      *Kernel
	tx     *Transaction
	ctx    context.Context
	params map[string]any
	stats  QueryStats

	// batchSize > 0 folds the current layer every batchSize creations
	batchSize int64
	created   int64
}

func (e *executor) state() txstate.State { return e.tx.state() }

func (e *executor) store() storage.Store { return e.k.store }

func (e *executor) run(stmt Statement) (*Result, error) {
	switch s := stmt.(type) {
	case *ReturnStatement:
		fields := make([]string, len(s.Items))
		row := make([]values.Value, len(s.Items))
		for i, item := range s.Items {
			v, err := item.Expr.Eval(e.params)
			if err != nil {
				return nil, err
			}
			fields[i] = item.Name()
			row[i] = v
		}
		return NewResult(fields, [][]values.Value{row}, ""), nil

	case *CreateNodeStatement:
		id, err := e.createNode(s.Labels, s.Set)
		if err != nil {
			return nil, err
		}
		return e.nodeResult(id)

	case *CreateNodesStatement:
		n, err := e.int(s.Count)
		if err != nil {
			return nil, err
		}
		for i := int64(0); i < n; i++ {
			if err := e.ctx.Err(); err != nil {
				return nil, err
			}
			if _, err := e.createNode(s.Labels, nil); err != nil {
				return nil, err
			}
		}
		return NewResult([]string{"created"}, [][]values.Value{{n}}, ""), nil

	case *DeleteNodeStatement:
		id, err := e.int(s.ID)
		if err != nil {
			return nil, err
		}
		return NewResult(nil, nil, ""), e.deleteNode(id)

	case *SetNodeStatement:
		id, err := e.int(s.ID)
		if err != nil {
			return nil, err
		}
		v, err := s.Item.Value.Eval(e.params)
		if err != nil {
			return nil, err
		}
		if err := e.requireNode(id); err != nil {
			return nil, err
		}
		if err := e.setNodeProperty(id, s.Item.Key, v); err != nil {
			return nil, err
		}
		return e.nodeResult(id)

	case *RemoveNodeStatement:
		id, err := e.int(s.ID)
		if err != nil {
			return nil, err
		}
		if err := e.requireNode(id); err != nil {
			return nil, err
		}
		if err := e.removeNodeProperty(id, s.Key); err != nil {
			return nil, err
		}
		return e.nodeResult(id)

	case *LabelNodeStatement:
		id, err := e.int(s.ID)
		if err != nil {
			return nil, err
		}
		if err := e.requireNode(id); err != nil {
			return nil, err
		}
		if s.Remove {
			err = e.removeLabel(id, s.Label)
		} else {
			err = e.addLabel(id, s.Label)
		}
		if err != nil {
			return nil, err
		}
		return e.nodeResult(id)

	case *CreateRelStatement:
		id, err := e.createRel(s)
		if err != nil {
			return nil, err
		}
		return e.relResult(id)

	case *DeleteRelStatement:
		id, err := e.int(s.ID)
		if err != nil {
			return nil, err
		}
		return NewResult(nil, nil, ""), e.deleteRel(id)

	case *MatchNodeStatement:
		id, err := e.int(s.ID)
		if err != nil {
			return nil, err
		}
		ok, err := e.nodeExists(id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return NewResult([]string{"node"}, nil, ""), nil
		}
		return e.nodeResult(id)

	case *MatchRelStatement:
		id, err := e.int(s.ID)
		if err != nil {
			return nil, err
		}
		if _, err := e.readRel(id); errors.Is(err, ErrEntityNotFound) {
			return NewResult([]string{"rel"}, nil, ""), nil
		}
		return e.relResult(id)

	case *MatchNodesStatement:
		return e.matchNodes(s)

	case *DegreeStatement:
		id, err := e.int(s.ID)
		if err != nil {
			return nil, err
		}
		d, err := e.degree(id, s.Direction, s.Type)
		if err != nil {
			return nil, err
		}
		return NewResult([]string{"degree"}, [][]values.Value{{int64(d)}}, ""), nil

	case *SchemaStatement:
		return NewResult(nil, nil, ""), e.schema(s)

	case *PeriodicCommitStatement:
		return nil, errors.Wrap(ErrSyntax, "nested periodic commit")
	}
	return nil, errors.Errorf("unhandled statement %T", stmt)
}

func (e *executor) int(x Expr) (int64, error) {
	v, err := x.Eval(e.params)
	if err != nil {
		return 0, err
	}
	n, ok := v.(int64)
	if !ok {
		return 0, errors.Wrapf(ErrTypeMismatch, "expected an integer, got %s", x.Text)
	}
	return n, nil
}

func checkPropertyValue(key string, v values.Value) error {
	switch val := v.(type) {
	case bool, int64, float64, string:
		return nil
	case []values.Value:
		for _, item := range val {
			if err := checkPropertyValue(key, item); err != nil {
				return err
			}
		}
		return nil
	}
	return errors.Wrapf(ErrTypeMismatch, "property %q cannot hold %T", key, v)
}

// --- Nodes ---

func (e *executor) nodeResult(id int64) (*Result, error) {
	n, err := e.readNode(id)
	if err != nil {
		return nil, err
	}
	return NewResult([]string{"node"}, [][]values.Value{{n}}, ""), nil
}

// committedNode returns the store record of id, or nil when the node is
// not in the store or was created in this transaction.
func (e *executor) committedNode(id int64) (*storage.NodeRecord, error) {
	if e.state().NodeIsAddedInThisTx(id) {
		return nil, nil
	}
	rec, err := e.store().Node(id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return rec, err
}

func (e *executor) nodeExists(id int64) (bool, error) {
	s := e.state()
	if s.NodeIsDeletedInThisTx(id) {
		return false, nil
	}
	if s.NodeIsAddedInThisTx(id) {
		return true, nil
	}
	rec, err := e.committedNode(id)
	return rec != nil, err
}

func (e *executor) requireNode(id int64) error {
	ok, err := e.nodeExists(id)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(ErrEntityNotFound, "node %d", id)
	}
	return nil
}

func (e *executor) readNode(id int64) (Node, error) {
	if err := e.requireNode(id); err != nil {
		return Node{}, err
	}
	rec, err := e.committedNode(id)
	if err != nil {
		return Node{}, err
	}
	var labels []string
	var props map[string]values.Value
	if rec != nil {
		labels, props = rec.Labels, rec.Properties
	}
	s := e.state()
	return Node{
		ID:         id,
		Labels:     s.AugmentNodeLabels(id, labels),
		Properties: s.AugmentNodeProperties(id, props),
	}, nil
}

func (e *executor) nodeProperty(id int64, key string) (values.Value, error) {
	rec, err := e.committedNode(id)
	if err != nil {
		return nil, err
	}
	var committed values.Value
	if rec != nil {
		committed = rec.Properties[key]
	}
	return e.state().AugmentNodeProperty(id, key, committed), nil
}

func (e *executor) hasLabel(id int64, label string) (bool, error) {
	rec, err := e.committedNode(id)
	if err != nil {
		return false, err
	}
	return e.state().NodeHasLabel(id, label, rec != nil && rec.HasLabel(label)), nil
}

func (e *executor) createNode(labels []string, set []SetItem) (int64, error) {
	id := e.store().NextNodeID()
	e.state().NodeDoCreate(id)
	e.stats.NodesCreated++
	for _, l := range labels {
		if err := e.addLabel(id, l); err != nil {
			return 0, err
		}
	}
	for _, item := range set {
		v, err := item.Value.Eval(e.params)
		if err != nil {
			return 0, err
		}
		if err := e.setNodeProperty(id, item.Key, v); err != nil {
			return 0, err
		}
	}
	return id, e.afterCreate()
}

// afterCreate folds the current layer into the stable layer once a batch
// of creations is complete.
func (e *executor) afterCreate() error {
	if e.batchSize <= 0 {
		return nil
	}
	e.created++
	if e.created%e.batchSize != 0 {
		return nil
	}
	c := e.tx.container
	if err := c.Combine(); err != nil {
		return err
	}
	e.k.log.Debug("periodic commit batch folded", zap.Int64("seq", e.tx.seq), zap.Int64("created", e.created))
	return c.Split()
}

func (e *executor) deleteNode(id int64) error {
	if err := e.requireNode(id); err != nil {
		return err
	}
	degree, err := e.degree(id, txstate.Both, "")
	if err != nil {
		return err
	}
	if degree > 0 {
		return errors.Wrapf(ErrNodeHasRelationships, "cannot delete node %d, it still has %d relationships", id, degree)
	}
	idx, err := e.indexes()
	if err != nil {
		return err
	}
	for _, d := range idx {
		if err := e.reindex(id, d, true, false); err != nil {
			return err
		}
	}
	e.state().NodeDoDelete(id)
	e.stats.NodesDeleted++
	return nil
}

func (e *executor) setNodeProperty(id int64, key string, v values.Value) error {
	if v == nil {
		return e.removeNodeProperty(id, key)
	}
	if err := checkPropertyValue(key, v); err != nil {
		return err
	}
	cur, err := e.nodeProperty(id, key)
	if err != nil {
		return err
	}
	s := e.state()
	if values.IsNoValue(cur) {
		s.NodeDoAddProperty(id, key, v)
	} else {
		s.NodeDoChangeProperty(id, key, cur, v)
	}
	e.stats.PropertiesSet++
	return e.updatePropertyIndexes(id, key, cur, v)
}

func (e *executor) removeNodeProperty(id int64, key string) error {
	cur, err := e.nodeProperty(id, key)
	if err != nil || values.IsNoValue(cur) {
		return err
	}
	e.state().NodeDoRemoveProperty(id, key, cur)
	e.stats.PropertiesSet++
	return e.updatePropertyIndexes(id, key, cur, values.NoValue)
}

func (e *executor) addLabel(id int64, label string) error {
	has, err := e.hasLabel(id, label)
	if err != nil || has {
		return err
	}
	e.state().NodeDoAddLabel(label, id)
	e.stats.LabelsAdded++
	return e.updateLabelIndexes(id, label, false, true)
}

func (e *executor) removeLabel(id int64, label string) error {
	has, err := e.hasLabel(id, label)
	if err != nil || !has {
		return err
	}
	if err := e.updateLabelIndexes(id, label, true, false); err != nil {
		return err
	}
	e.state().NodeDoRemoveLabel(label, id)
	e.stats.LabelsRemoved++
	return nil
}

// --- Index maintenance ---

// indexes returns the indexes visible to the transaction.
func (e *executor) indexes() ([]txstate.IndexDescriptor, error) {
	committed, err := e.store().Indexes()
	if err != nil {
		return nil, err
	}
	return e.state().AugmentIndexes(committed), nil
}

func tupleOf(v values.Value) values.Tuple {
	if values.IsNoValue(v) {
		return nil
	}
	return values.NewTuple(v)
}

func (e *executor) updatePropertyIndexes(id int64, key string, before, after values.Value) error {
	idx, err := e.indexes()
	if err != nil {
		return err
	}
	for _, d := range idx {
		if d.PropertyKey != key {
			continue
		}
		has, err := e.hasLabel(id, d.Label)
		if err != nil {
			return err
		}
		if has {
			e.state().IndexDoUpdateEntry(d, id, tupleOf(before), tupleOf(after))
		}
	}
	return nil
}

func (e *executor) updateLabelIndexes(id int64, label string, wasIndexed, isIndexed bool) error {
	idx, err := e.indexes()
	if err != nil {
		return err
	}
	for _, d := range idx {
		if d.Label != label {
			continue
		}
		if err := e.reindex(id, d, wasIndexed, isIndexed); err != nil {
			return err
		}
	}
	return nil
}

// reindex moves the entry of node id in d according to whether the node
// was and is covered by the index.
func (e *executor) reindex(id int64, d txstate.IndexDescriptor, was, is bool) error {
	has, err := e.hasLabel(id, d.Label)
	if err != nil {
		return err
	}
	if !has && was && !is {
		return nil
	}
	v, err := e.nodeProperty(id, d.PropertyKey)
	if err != nil || values.IsNoValue(v) {
		return err
	}
	var before, after values.Tuple
	if was {
		before = values.NewTuple(v)
	}
	if is {
		after = values.NewTuple(v)
	}
	e.state().IndexDoUpdateEntry(d, id, before, after)
	return nil
}

// --- Relationships ---

func (e *executor) relResult(id int64) (*Result, error) {
	r, err := e.readRel(id)
	if err != nil {
		return nil, err
	}
	return NewResult([]string{"rel"}, [][]values.Value{{r}}, ""), nil
}

func (e *executor) readRel(id int64) (Relationship, error) {
	s := e.state()
	if s.RelationshipIsDeletedInThisTx(id) {
		return Relationship{}, errors.Wrapf(ErrEntityNotFound, "relationship %d", id)
	}
	if s.RelationshipIsAddedInThisTx(id) {
		meta, _ := s.RelationshipMeta(id)
		return Relationship{
			ID: id, Type: meta.Type, Start: meta.Start, End: meta.End,
			Properties: s.AugmentRelationshipProperties(id, nil),
		}, nil
	}
	rec, err := e.store().Relationship(id)
	if errors.Is(err, storage.ErrNotFound) {
		return Relationship{}, errors.Wrapf(ErrEntityNotFound, "relationship %d", id)
	}
	if err != nil {
		return Relationship{}, err
	}
	return Relationship{
		ID: id, Type: rec.Type, Start: rec.Start, End: rec.End,
		Properties: s.AugmentRelationshipProperties(id, rec.Properties),
	}, nil
}

func (e *executor) createRel(stmt *CreateRelStatement) (int64, error) {
	start, err := e.int(stmt.Start)
	if err != nil {
		return 0, err
	}
	end, err := e.int(stmt.End)
	if err != nil {
		return 0, err
	}
	if err := e.requireNode(start); err != nil {
		return 0, err
	}
	if err := e.requireNode(end); err != nil {
		return 0, err
	}
	props := make(map[string]values.Value, len(stmt.Set))
	for _, item := range stmt.Set {
		v, err := item.Value.Eval(e.params)
		if err != nil {
			return 0, err
		}
		if v == nil {
			continue
		}
		if err := checkPropertyValue(item.Key, v); err != nil {
			return 0, err
		}
		props[item.Key] = v
	}

	id := e.store().NextRelationshipID()
	s := e.state()
	s.RelationshipDoCreate(id, stmt.Type, start, end)
	e.stats.RelationshipsCreated++
	for _, item := range stmt.Set {
		if v, ok := props[item.Key]; ok {
			s.RelationshipDoAddProperty(id, item.Key, v)
			e.stats.PropertiesSet++
			delete(props, item.Key)
		}
	}
	return id, e.afterCreate()
}

func (e *executor) deleteRel(id int64) error {
	r, err := e.readRel(id)
	if err != nil {
		return err
	}
	e.state().RelationshipDoDelete(id, r.Type, r.Start, r.End)
	e.stats.RelationshipsDeleted++
	return nil
}

func (e *executor) degree(id int64, dir txstate.Direction, relType string) (int, error) {
	if err := e.requireNode(id); err != nil {
		return 0, err
	}
	rec, err := e.committedNode(id)
	if err != nil {
		return 0, err
	}
	committed := 0
	if rec != nil {
		if committed, err = e.store().Degree(id, dir, relType); err != nil {
			return 0, err
		}
	}
	return e.state().AugmentDegree(id, dir, relType, committed), nil
}

// --- Scans ---

func (e *executor) matchNodes(stmt *MatchNodesStatement) (*Result, error) {
	var want values.Value
	if stmt.Where != nil {
		v, err := stmt.Where.Value.Eval(e.params)
		if err != nil {
			return nil, err
		}
		want = v
	}

	candidates, err := e.candidates(stmt, want)
	if err != nil {
		return nil, err
	}

	var rows [][]values.Value
	for _, id := range candidates {
		if ok, err := e.nodeExists(id); err != nil || !ok {
			if err != nil {
				return nil, err
			}
			continue
		}
		has, err := e.hasLabel(id, stmt.Label)
		if err != nil {
			return nil, err
		}
		if !has {
			continue
		}
		if stmt.Where != nil {
			v, err := e.nodeProperty(id, stmt.Where.Key)
			if err != nil {
				return nil, err
			}
			if values.IsNoValue(v) || !values.Equal(v, want) {
				continue
			}
		}
		n, err := e.readNode(id)
		if err != nil {
			return nil, err
		}
		rows = append(rows, []values.Value{n})
	}
	return NewResult([]string{"node"}, rows, ""), nil
}

// candidates returns a sorted superset of the matching node ids. A lookup
// on an index that exists in the store seeks the index; anything else
// scans the label.
func (e *executor) candidates(stmt *MatchNodesStatement, want values.Value) ([]int64, error) {
	s := e.state()
	if stmt.Where != nil && want != nil {
		d := txstate.IndexDescriptor{Label: stmt.Label, PropertyKey: stmt.Where.Key}
		indexed, err := e.committedIndex(d)
		if err != nil {
			return nil, err
		}
		if indexed {
			committed, err := e.store().IndexSeek(d, want)
			if err != nil {
				return nil, err
			}
			return sortedUnique(s.AugmentIndexSeek(d, values.NewTuple(want), slices.Values(committed))), nil
		}
	}
	committed, err := e.store().NodesWithLabel(stmt.Label)
	if err != nil {
		return nil, err
	}
	return sortedUnique(s.AugmentLabelScan(stmt.Label, slices.Values(committed))), nil
}

// committedIndex reports whether d exists in the store and is not dropped
// by the transaction.
func (e *executor) committedIndex(d txstate.IndexDescriptor) (bool, error) {
	committed, err := e.store().Indexes()
	if err != nil {
		return false, err
	}
	if !slices.Contains(committed, d) {
		return false, nil
	}
	return slices.Contains(e.state().AugmentIndexes(committed), d), nil
}

func sortedUnique(seq iter.Seq[int64]) []int64 {
	return slices.Compact(slices.Sorted(seq))
}

// --- Schema ---

func (e *executor) schema(stmt *SchemaStatement) error {
	s := e.state()
	if stmt.Constraint != nil {
		committed, err := e.store().Constraints()
		if err != nil {
			return err
		}
		exists := slices.Contains(s.AugmentConstraints(committed), *stmt.Constraint)
		switch {
		case stmt.Drop && !exists:
			return errors.Wrapf(ErrNoSuchConstraint, "%s", stmt.Constraint)
		case stmt.Drop:
			if err := s.ConstraintDoDrop(*stmt.Constraint); err != nil {
				return err
			}
			e.stats.ConstraintsRemoved++
		case !exists:
			if err := s.ConstraintDoAdd(*stmt.Constraint); err != nil {
				return err
			}
			e.stats.ConstraintsAdded++
		}
		return nil
	}

	idx, err := e.indexes()
	if err != nil {
		return err
	}
	exists := slices.Contains(idx, stmt.Index)
	switch {
	case stmt.Drop && !exists:
		return errors.Wrapf(ErrNoSuchIndex, "%s", stmt.Index)
	case stmt.Drop:
		if err := s.IndexDoDrop(stmt.Index); err != nil {
			return err
		}
		e.stats.IndexesRemoved++
	case !exists:
		if err := s.IndexRuleDoAdd(stmt.Index); err != nil {
			return err
		}
		e.stats.IndexesAdded++
	}
	return nil
}
