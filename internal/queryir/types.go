package queryir

import (
	"fmt"

	"github.com/roach88/shelf/internal/ir"
	"github.com/tiendc/go-deepcopy"
)

// Mode selects what executing a query returns.
type Mode string

const (
	// ModeGet returns at most one row, selected by an id equality predicate.
	ModeGet Mode = "get"
	// ModeList returns the matching rows and the unrestricted match count.
	ModeList Mode = "list"
	// ModeCount returns only the match count.
	ModeCount Mode = "count"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeGet, ModeList, ModeCount:
		return true
	}
	return false
}

// Direction is a sort direction.
type Direction string

const (
	Asc  Direction = "asc"
	Desc Direction = "desc"
)

// Sort orders list results by one field. Rows that tie are ordered by id
// ascending, so every sort is total.
type Sort struct {
	Field     Field     `json:"field"`
	Direction Direction `json:"direction"`
}

// Join embeds at most one row of another collection into each result row.
//
// The joined row is the row of Collection whose ForeignField equals the
// value of LocalField, stored under the key As (null when there is none).
// Joins never filter: a result row is present whether or not the lookup
// finds a match, which keeps in-memory matching independent of other
// collections.
type Join struct {
	Collection   string `json:"collection"`
	As           string `json:"as"`
	LocalField   Field  `json:"localField"`
	ForeignField string `json:"foreignField"`
}

// Query is an immutable read descriptor against one collection.
//
// Treat a *Query as read-only once it has been handed to another component.
// Use the With* and Where methods to derive a new query; they never modify
// the receiver.
type Query struct {
	Collection string      `json:"collection"`
	Mode       Mode        `json:"mode"`
	Predicates []Predicate `json:"-"`
	Joins      []Join      `json:"joins,omitempty"`
	Sort       *Sort       `json:"sort,omitempty"`
	Limit      *int        `json:"limit,omitempty"`
}

// New returns a list query over collection with no filters.
func New(collection string) *Query {
	return &Query{Collection: collection, Mode: ModeList}
}

// CreateFrom returns a deep copy of q that can be modified freely.
func (q *Query) CreateFrom() *Query {
	if q == nil {
		return nil
	}
	// Predicates are interfaces, which deepcopy leaves shared; they are
	// copied by clonePredicate instead.
	src := *q
	src.Predicates = nil
	var out Query
	// The remaining fields are strings, ints, pointers and slices of plain
	// structs. deepcopy only fails on func, chan and unsafe kinds or on
	// mismatched types, none of which a Query holds.
	if err := deepcopy.Copy(&out, &src); err != nil {
		panic(fmt.Sprintf("queryir: clone query: %v", err))
	}
	if len(q.Predicates) > 0 {
		out.Predicates = make([]Predicate, len(q.Predicates))
		for i, p := range q.Predicates {
			out.Predicates[i] = clonePredicate(p)
		}
	}
	return &out
}

// clonePredicate copies p including its field paths and literal values.
func clonePredicate(p Predicate) Predicate {
	switch p := p.(type) {
	case Compare:
		return Compare{Field: F(p.Field.Path...), Op: p.Op, Value: ir.CloneValue(p.Value)}
	case Like:
		return Like{Field: F(p.Field.Path...), Pattern: p.Pattern}
	case In:
		var values []any
		if p.Values != nil {
			values = make([]any, len(p.Values))
			for i, v := range p.Values {
				values[i] = ir.CloneValue(v)
			}
		}
		return In{Field: F(p.Field.Path...), Values: values, Negate: p.Negate}
	case IsNull:
		return IsNull{Field: F(p.Field.Path...), Negate: p.Negate}
	case And:
		var preds []Predicate
		if p.Predicates != nil {
			preds = make([]Predicate, len(p.Predicates))
			for i, c := range p.Predicates {
				preds[i] = clonePredicate(c)
			}
		}
		return And{Predicates: preds}
	case *Compare:
		if p == nil {
			return p
		}
		c := clonePredicate(*p).(Compare)
		return &c
	case *Like:
		if p == nil {
			return p
		}
		c := clonePredicate(*p).(Like)
		return &c
	case *In:
		if p == nil {
			return p
		}
		c := clonePredicate(*p).(In)
		return &c
	case *IsNull:
		if p == nil {
			return p
		}
		c := clonePredicate(*p).(IsNull)
		return &c
	default:
		return p
	}
}

// Where returns a copy of q with preds ANDed into its filter.
func (q *Query) Where(preds ...Predicate) *Query {
	out := q.CreateFrom()
	for _, p := range preds {
		if p != nil {
			out.Predicates = append(out.Predicates, p)
		}
	}
	return out
}

// WithMode returns a copy of q with the given result mode.
func (q *Query) WithMode(m Mode) *Query {
	out := q.CreateFrom()
	out.Mode = m
	return out
}

// WithLimit returns a copy of q limited to n rows.
func (q *Query) WithLimit(n int) *Query {
	out := q.CreateFrom()
	out.Limit = &n
	return out
}

// WithoutLimit returns a copy of q with no limit.
func (q *Query) WithoutLimit() *Query {
	out := q.CreateFrom()
	out.Limit = nil
	return out
}

// WithSort returns a copy of q sorted by field.
func (q *Query) WithSort(field Field, dir Direction) *Query {
	out := q.CreateFrom()
	out.Sort = &Sort{Field: F(field.Path...), Direction: dir}
	return out
}

// WithJoin returns a copy of q with j appended to its joins.
func (q *Query) WithJoin(j Join) *Query {
	out := q.CreateFrom()
	out.Joins = append(out.Joins, j)
	return out
}

// LimitValue returns the limit and whether one is set.
func (q *Query) LimitValue() (int, bool) {
	if q.Limit == nil {
		return 0, false
	}
	return *q.Limit, true
}

// Filter returns the conjunction of all predicates, or nil when unfiltered.
func (q *Query) Filter() Predicate {
	switch len(q.Predicates) {
	case 0:
		return nil
	case 1:
		return q.Predicates[0]
	default:
		return And{Predicates: q.Predicates}
	}
}

// Matches reports whether row satisfies every predicate of q.
func (q *Query) Matches(row ir.Row) bool {
	for _, p := range q.Predicates {
		if !Match(p, row) {
			return false
		}
	}
	return true
}

// Result is the outcome of executing a query.
// For count queries Rows is nil and only Total is set.
type Result struct {
	Rows  []ir.Row `json:"rows"`
	Total int      `json:"total"`
}

// Predicate is a filter condition evaluated against one row.
//
// This is a sealed interface; see the package documentation.
type Predicate interface {
	predicateNode()
}

// Op is a comparison operator.
type Op string

const (
	OpEq  Op = "=="
	OpNe  Op = "!="
	OpGt  Op = ">"
	OpGte Op = ">="
	OpLt  Op = "<"
	OpLte Op = "<="
)

// SQL returns the SQL spelling of the operator.
func (o Op) SQL() string {
	switch o {
	case OpEq:
		return "="
	case OpNe:
		return "<>"
	default:
		return string(o)
	}
}

// Compare tests a field against a literal with a comparison operator.
// Value must be a non-null scalar.
type Compare struct {
	Field Field
	Op    Op
	Value any
}

func (Compare) predicateNode() {}

// Like matches the text form of a field against a LIKE pattern.
type Like struct {
	Field   Field
	Pattern string
}

func (Like) predicateNode() {}

// In tests membership of a field in a literal list. Negate selects NOT IN.
type In struct {
	Field  Field
	Values []any
	Negate bool
}

func (In) predicateNode() {}

// IsNull tests whether a field is missing or null. Negate selects IS NOT NULL.
type IsNull struct {
	Field  Field
	Negate bool
}

func (IsNull) predicateNode() {}

// And is a conjunction. An empty And is always true.
type And struct {
	Predicates []Predicate
}

func (And) predicateNode() {}

// Eq is shorthand for a == comparison on a top-level field.
func Eq(field string, value any) Compare {
	return Compare{Field: F(field), Op: OpEq, Value: value}
}
