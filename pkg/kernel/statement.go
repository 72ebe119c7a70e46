package kernel

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/orneryd/nornicbolt/pkg/txstate"
	"github.com/orneryd/nornicbolt/pkg/values"
)

// Statement is a parsed statement of the kernel language.
//
//	RETURN expr [AS name], ...
//	CREATE NODE [:Label ...] [SET key = expr, ...]
//	CREATE NODES expr [:Label ...]
//	DELETE NODE expr
//	SET NODE expr key = expr
//	REMOVE NODE expr key
//	LABEL NODE expr :Label
//	UNLABEL NODE expr :Label
//	CREATE REL expr :TYPE expr [SET key = expr, ...]
//	DELETE REL expr
//	MATCH NODE expr
//	MATCH REL expr
//	MATCH NODES :Label [WHERE key = expr]
//	DEGREE expr [OUTGOING|INCOMING|BOTH] [:TYPE]
//	CREATE INDEX ON :Label(key)
//	DROP INDEX ON :Label(key)
//	CREATE CONSTRAINT ON :Label(key) IS UNIQUE|IS NOT NULL
//	DROP CONSTRAINT ON :Label(key) IS UNIQUE|IS NOT NULL
//	USING PERIODIC COMMIT [n] statement
//
// Keywords are case-insensitive. An expression is a literal (integer,
// float, 'string', "string", true, false, null) or a $parameter.
type Statement interface {
	// Kind is the Bolt query type: "r", "w", "rw" or "s".
	Kind() string
}

// Expr is a literal or a parameter reference.
type Expr struct {
	Text  string
	Value values.Value
	Param string
}

// Eval resolves the expression against params.
func (e Expr) Eval(params map[string]any) (values.Value, error) {
	if e.Param == "" {
		return e.Value, nil
	}
	v, ok := params[e.Param]
	if !ok {
		return nil, errors.Wrapf(ErrParameterMissing, "$%s", e.Param)
	}
	return values.Normalize(v), nil
}

// SetItem is one key = expr assignment or comparison.
type SetItem struct {
	Key   string
	Value Expr
}

// ReturnItem is one projected column.
type ReturnItem struct {
	Expr  Expr
	Alias string
}

// Name is the column name: the alias, or the expression text.
func (r ReturnItem) Name() string {
	if r.Alias != "" {
		return r.Alias
	}
	return r.Expr.Text
}

type ReturnStatement struct{ Items []ReturnItem }

type CreateNodeStatement struct {
	Labels []string
	Set    []SetItem
}

type CreateNodesStatement struct {
	Count  Expr
	Labels []string
}

type DeleteNodeStatement struct{ ID Expr }

type SetNodeStatement struct {
	ID   Expr
	Item SetItem
}

type RemoveNodeStatement struct {
	ID  Expr
	Key string
}

// LabelNodeStatement adds a label, or removes it when Remove is set.
type LabelNodeStatement struct {
	ID     Expr
	Label  string
	Remove bool
}

type CreateRelStatement struct {
	Start Expr
	Type  string
	End   Expr
	Set   []SetItem
}

type DeleteRelStatement struct{ ID Expr }

type MatchNodeStatement struct{ ID Expr }

type MatchRelStatement struct{ ID Expr }

type MatchNodesStatement struct {
	Label string
	Where *SetItem
}

type DegreeStatement struct {
	ID        Expr
	Direction txstate.Direction
	Type      string
}

// SchemaStatement creates or drops an index, or a constraint when
// Constraint is set.
type SchemaStatement struct {
	Drop       bool
	Index      txstate.IndexDescriptor
	Constraint *txstate.ConstraintDescriptor
}

// PeriodicCommitStatement runs Inner with its changes folded every
// BatchSize created entities.
type PeriodicCommitStatement struct {
	BatchSize int64
	Inner     Statement
}

// DefaultPeriodicCommitSize is the batch size of USING PERIODIC COMMIT
// without an explicit size.
const DefaultPeriodicCommitSize = 1000

func (*ReturnStatement) Kind() string           { return "r" }
func (*CreateNodeStatement) Kind() string       { return "rw" }
func (*CreateNodesStatement) Kind() string      { return "rw" }
func (*DeleteNodeStatement) Kind() string       { return "w" }
func (*SetNodeStatement) Kind() string          { return "rw" }
func (*RemoveNodeStatement) Kind() string       { return "rw" }
func (*LabelNodeStatement) Kind() string        { return "rw" }
func (*CreateRelStatement) Kind() string        { return "rw" }
func (*DeleteRelStatement) Kind() string        { return "w" }
func (*MatchNodeStatement) Kind() string        { return "r" }
func (*MatchRelStatement) Kind() string         { return "r" }
func (*MatchNodesStatement) Kind() string       { return "r" }
func (*DegreeStatement) Kind() string           { return "r" }
func (*SchemaStatement) Kind() string           { return "s" }
func (s *PeriodicCommitStatement) Kind() string { return s.Inner.Kind() }

// IsPeriodicCommit reports whether query starts with USING PERIODIC
// COMMIT. It does not validate the rest of the query.
func IsPeriodicCommit(query string) bool {
	toks, err := lex(query)
	if err != nil || len(toks) < 4 {
		return false
	}
	return toks[0].keyword("USING") && toks[1].keyword("PERIODIC") && toks[2].keyword("COMMIT")
}

// Parse parses one statement. A trailing semicolon is allowed.
func Parse(query string) (Statement, error) {
	toks, err := lex(query)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	stmt, err := p.statement()
	if err != nil {
		return nil, err
	}
	p.acceptSymbol(";")
	if p.peek().kind != tokEOF {
		return nil, p.errorf("unexpected %q", p.peek().text)
	}
	return stmt, nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) errorf(format string, args ...any) error {
	return errors.Wrapf(ErrSyntax, format+" at offset %d", append(args, p.peek().pos)...)
}

func (p *parser) acceptKeyword(kw string) bool {
	if p.peek().keyword(kw) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expectKeyword(kw string) error {
	if !p.acceptKeyword(kw) {
		return p.errorf("expected %s", kw)
	}
	return nil
}

func (p *parser) acceptSymbol(s string) bool {
	if p.peek().symbol(s) {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expectSymbol(s string) error {
	if !p.acceptSymbol(s) {
		return p.errorf("expected %q", s)
	}
	return nil
}

func (p *parser) ident() (string, error) {
	t := p.peek()
	if t.kind != tokIdent {
		return "", p.errorf("expected name")
	}
	p.pos++
	return t.value.(string), nil
}

// label parses ":Name".
func (p *parser) label() (string, error) {
	if err := p.expectSymbol(":"); err != nil {
		return "", err
	}
	return p.ident()
}

func (p *parser) labels() ([]string, error) {
	var out []string
	for p.peek().symbol(":") {
		l, err := p.label()
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

func (p *parser) expr() (Expr, error) {
	t := p.peek()
	switch t.kind {
	case tokInt, tokFloat, tokString:
		p.pos++
		return Expr{Text: t.text, Value: t.value}, nil
	case tokParam:
		p.pos++
		return Expr{Text: t.text, Param: t.value.(string)}, nil
	case tokIdent:
		switch strings.ToLower(t.value.(string)) {
		case "true":
			p.pos++
			return Expr{Text: t.text, Value: true}, nil
		case "false":
			p.pos++
			return Expr{Text: t.text, Value: false}, nil
		case "null":
			p.pos++
			return Expr{Text: t.text, Value: nil}, nil
		}
	}
	return Expr{}, p.errorf("expected literal or parameter")
}

func (p *parser) setItem() (SetItem, error) {
	key, err := p.ident()
	if err != nil {
		return SetItem{}, err
	}
	if err := p.expectSymbol("="); err != nil {
		return SetItem{}, err
	}
	e, err := p.expr()
	if err != nil {
		return SetItem{}, err
	}
	return SetItem{Key: key, Value: e}, nil
}

// setClause parses an optional "SET k = v, ...".
func (p *parser) setClause() ([]SetItem, error) {
	if !p.acceptKeyword("SET") {
		return nil, nil
	}
	var items []SetItem
	for {
		item, err := p.setItem()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
		if !p.acceptSymbol(",") {
			return items, nil
		}
	}
}

// schemaTarget parses "ON :Label(key)".
func (p *parser) schemaTarget() (txstate.IndexDescriptor, error) {
	var d txstate.IndexDescriptor
	if err := p.expectKeyword("ON"); err != nil {
		return d, err
	}
	label, err := p.label()
	if err != nil {
		return d, err
	}
	if err := p.expectSymbol("("); err != nil {
		return d, err
	}
	key, err := p.ident()
	if err != nil {
		return d, err
	}
	if err := p.expectSymbol(")"); err != nil {
		return d, err
	}
	return txstate.IndexDescriptor{Label: label, PropertyKey: key}, nil
}

func (p *parser) statement() (Statement, error) {
	t := p.next()
	if t.kind != tokIdent {
		return nil, errors.Wrapf(ErrSyntax, "statement expected at offset %d", t.pos)
	}
	switch strings.ToUpper(t.value.(string)) {
	case "RETURN":
		return p.returnStatement()
	case "CREATE":
		return p.createStatement()
	case "DELETE":
		return p.deleteStatement()
	case "SET":
		if err := p.expectKeyword("NODE"); err != nil {
			return nil, err
		}
		id, err := p.expr()
		if err != nil {
			return nil, err
		}
		item, err := p.setItem()
		if err != nil {
			return nil, err
		}
		return &SetNodeStatement{ID: id, Item: item}, nil
	case "REMOVE":
		if err := p.expectKeyword("NODE"); err != nil {
			return nil, err
		}
		id, err := p.expr()
		if err != nil {
			return nil, err
		}
		key, err := p.ident()
		if err != nil {
			return nil, err
		}
		return &RemoveNodeStatement{ID: id, Key: key}, nil
	case "LABEL", "UNLABEL":
		remove := strings.EqualFold(t.value.(string), "UNLABEL")
		if err := p.expectKeyword("NODE"); err != nil {
			return nil, err
		}
		id, err := p.expr()
		if err != nil {
			return nil, err
		}
		label, err := p.label()
		if err != nil {
			return nil, err
		}
		return &LabelNodeStatement{ID: id, Label: label, Remove: remove}, nil
	case "MATCH":
		return p.matchStatement()
	case "DEGREE":
		return p.degreeStatement()
	case "DROP":
		return p.schemaStatement(true)
	case "USING":
		return p.periodicCommit()
	}
	return nil, errors.Wrapf(ErrSyntax, "unknown statement %q at offset %d", t.text, t.pos)
}

func (p *parser) returnStatement() (Statement, error) {
	var items []ReturnItem
	for {
		e, err := p.expr()
		if err != nil {
			return nil, err
		}
		item := ReturnItem{Expr: e}
		if p.acceptKeyword("AS") {
			if item.Alias, err = p.ident(); err != nil {
				return nil, err
			}
		}
		items = append(items, item)
		if !p.acceptSymbol(",") {
			return &ReturnStatement{Items: items}, nil
		}
	}
}

func (p *parser) createStatement() (Statement, error) {
	switch {
	case p.acceptKeyword("NODE"):
		labels, err := p.labels()
		if err != nil {
			return nil, err
		}
		set, err := p.setClause()
		if err != nil {
			return nil, err
		}
		return &CreateNodeStatement{Labels: labels, Set: set}, nil

	case p.acceptKeyword("NODES"):
		count, err := p.expr()
		if err != nil {
			return nil, err
		}
		labels, err := p.labels()
		if err != nil {
			return nil, err
		}
		return &CreateNodesStatement{Count: count, Labels: labels}, nil

	case p.acceptKeyword("REL"):
		start, err := p.expr()
		if err != nil {
			return nil, err
		}
		relType, err := p.label()
		if err != nil {
			return nil, err
		}
		end, err := p.expr()
		if err != nil {
			return nil, err
		}
		set, err := p.setClause()
		if err != nil {
			return nil, err
		}
		return &CreateRelStatement{Start: start, Type: relType, End: end, Set: set}, nil

	case p.peek().keyword("INDEX"), p.peek().keyword("CONSTRAINT"):
		return p.schemaStatement(false)
	}
	return nil, p.errorf("expected NODE, NODES, REL, INDEX or CONSTRAINT")
}

func (p *parser) deleteStatement() (Statement, error) {
	var rel bool
	switch {
	case p.acceptKeyword("NODE"):
	case p.acceptKeyword("REL"):
		rel = true
	default:
		return nil, p.errorf("expected NODE or REL")
	}
	id, err := p.expr()
	if err != nil {
		return nil, err
	}
	if rel {
		return &DeleteRelStatement{ID: id}, nil
	}
	return &DeleteNodeStatement{ID: id}, nil
}

func (p *parser) matchStatement() (Statement, error) {
	switch {
	case p.acceptKeyword("NODE"):
		id, err := p.expr()
		if err != nil {
			return nil, err
		}
		return &MatchNodeStatement{ID: id}, nil

	case p.acceptKeyword("REL"):
		id, err := p.expr()
		if err != nil {
			return nil, err
		}
		return &MatchRelStatement{ID: id}, nil

	case p.acceptKeyword("NODES"):
		label, err := p.label()
		if err != nil {
			return nil, err
		}
		stmt := &MatchNodesStatement{Label: label}
		if p.acceptKeyword("WHERE") {
			item, err := p.setItem()
			if err != nil {
				return nil, err
			}
			stmt.Where = &item
		}
		return stmt, nil
	}
	return nil, p.errorf("expected NODE, REL or NODES")
}

func (p *parser) degreeStatement() (Statement, error) {
	id, err := p.expr()
	if err != nil {
		return nil, err
	}
	stmt := &DegreeStatement{ID: id, Direction: txstate.Both}
	if t := p.peek(); t.kind == tokIdent {
		dir, ok := txstate.ParseDirection(strings.ToUpper(t.value.(string)))
		if !ok {
			return nil, p.errorf("expected OUTGOING, INCOMING or BOTH")
		}
		p.pos++
		stmt.Direction = dir
	}
	if p.peek().symbol(":") {
		if stmt.Type, err = p.label(); err != nil {
			return nil, err
		}
	}
	return stmt, nil
}

func (p *parser) schemaStatement(drop bool) (Statement, error) {
	switch {
	case p.acceptKeyword("INDEX"):
		d, err := p.schemaTarget()
		if err != nil {
			return nil, err
		}
		return &SchemaStatement{Drop: drop, Index: d}, nil

	case p.acceptKeyword("CONSTRAINT"):
		d, err := p.schemaTarget()
		if err != nil {
			return nil, err
		}
		if err := p.expectKeyword("IS"); err != nil {
			return nil, err
		}
		kind := txstate.UniqueConstraint
		switch {
		case p.acceptKeyword("UNIQUE"):
		case p.acceptKeyword("NOT"):
			if err := p.expectKeyword("NULL"); err != nil {
				return nil, err
			}
			kind = txstate.ExistsConstraint
		default:
			return nil, p.errorf("expected UNIQUE or NOT NULL")
		}
		c := txstate.ConstraintDescriptor{Label: d.Label, PropertyKey: d.PropertyKey, Kind: kind}
		return &SchemaStatement{Drop: drop, Index: d, Constraint: &c}, nil
	}
	return nil, p.errorf("expected INDEX or CONSTRAINT")
}

func (p *parser) periodicCommit() (Statement, error) {
	if err := p.expectKeyword("PERIODIC"); err != nil {
		return nil, err
	}
	if err := p.expectKeyword("COMMIT"); err != nil {
		return nil, err
	}
	size := int64(DefaultPeriodicCommitSize)
	if t := p.peek(); t.kind == tokInt {
		p.pos++
		size = t.value.(int64)
		if size <= 0 {
			return nil, errors.Wrapf(ErrSyntax, "periodic commit size must be positive, got %d", size)
		}
	}
	if p.peek().keyword("USING") {
		return nil, p.errorf("nested periodic commit")
	}
	inner, err := p.statement()
	if err != nil {
		return nil, err
	}
	return &PeriodicCommitStatement{BatchSize: size, Inner: inner}, nil
}
