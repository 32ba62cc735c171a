package queryir

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/shelf/internal/ir"
)

// ValidationError reports a malformed query: an unknown collection or field,
// an unsupported operator or a structurally invalid clause. It is returned
// before anything executes.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid query: %s: %s", e.Field, e.Message)
	}
	return "invalid query: " + e.Message
}

// IsValidation reports whether err is or wraps a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Schema lists the known collections and their top-level fields.
// The id field is always known.
type Schema map[string]map[string]struct{}

// NewSchema returns an empty schema.
func NewSchema() Schema { return Schema{} }

// Add registers a collection and its fields. Adding to an existing
// collection extends its field set.
func (s Schema) Add(collection string, fields ...string) {
	set, ok := s[collection]
	if !ok {
		set = map[string]struct{}{ir.IDField: {}}
		s[collection] = set
	}
	for _, f := range fields {
		set[f] = struct{}{}
	}
}

// HasCollection reports whether collection is known.
func (s Schema) HasCollection(collection string) bool {
	_, ok := s[collection]
	return ok
}

// HasField reports whether name is a known top-level field of collection.
func (s Schema) HasField(collection, name string) bool {
	set, ok := s[collection]
	if !ok {
		return false
	}
	_, ok = set[name]
	return ok
}

// Fields returns the sorted field names of collection.
func (s Schema) Fields(collection string) []string {
	set := s[collection]
	out := make([]string, 0, len(set))
	for f := range set {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Collections returns the sorted collection names.
func (s Schema) Collections() []string {
	out := make([]string, 0, len(s))
	for c := range s {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Validate checks q for structural problems and, when schema is non-nil,
// checks every collection and top-level field name against it. It returns
// the first problem found as a *ValidationError.
//
// Validate is a pure function with no side effects.
func Validate(q *Query, schema Schema) error {
	if q == nil {
		return &ValidationError{Message: "nil query"}
	}
	v := &validator{query: q, schema: schema, aliases: map[string]struct{}{}}
	v.validate()
	return v.err
}

type validator struct {
	query   *Query
	schema  Schema
	aliases map[string]struct{}
	err     error
}

func (v *validator) fail(field, format string, args ...any) {
	if v.err == nil {
		v.err = &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
	}
}

func (v *validator) validate() {
	q := v.query
	if q.Collection == "" {
		v.fail("", "collection is required")
		return
	}
	if v.schema != nil && !v.schema.HasCollection(q.Collection) {
		v.fail("", "unknown collection %q", q.Collection)
		return
	}
	if !q.Mode.Valid() {
		v.fail("", "unknown mode %q", q.Mode)
	}

	for _, j := range q.Joins {
		v.validateJoin(j)
	}
	for _, p := range q.Predicates {
		v.validatePredicate(p)
	}
	if q.Sort != nil {
		v.validateField(q.Sort.Field, "sort")
		if q.Sort.Direction != Asc && q.Sort.Direction != Desc {
			v.fail(q.Sort.Field.String(), "unknown sort direction %q", q.Sort.Direction)
		}
	}
	if q.Limit != nil && *q.Limit <= 0 {
		v.fail("", "limit must be positive, got %d", *q.Limit)
	}
	if q.Mode == ModeGet && !hasIDEquality(q.Predicates) {
		v.fail(ir.IDField, "get requires an id == condition")
	}
}

func (v *validator) validateJoin(j Join) {
	q := v.query
	if !isIdentifier(j.As) {
		v.fail(j.As, "join alias must be an identifier")
		return
	}
	if _, dup := v.aliases[j.As]; dup {
		v.fail(j.As, "duplicate join alias")
		return
	}
	if v.schema != nil && v.schema.HasField(q.Collection, j.As) {
		v.fail(j.As, "join alias collides with a field of %q", q.Collection)
		return
	}
	v.aliases[j.As] = struct{}{}

	if v.schema != nil && !v.schema.HasCollection(j.Collection) {
		v.fail(j.As, "unknown join collection %q", j.Collection)
		return
	}
	v.validateField(j.LocalField, "join")
	if !isIdentifier(j.ForeignField) {
		v.fail(j.As, "invalid foreign field %q", j.ForeignField)
		return
	}
	if v.schema != nil && !v.schema.HasField(j.Collection, j.ForeignField) {
		v.fail(j.As, "unknown field %q in %q", j.ForeignField, j.Collection)
	}
}

func (v *validator) validatePredicate(p Predicate) {
	switch pred := p.(type) {
	case nil:
		v.fail("", "nil predicate")
	case Compare:
		v.validateField(pred.Field, "condition")
		switch pred.Op {
		case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte:
		default:
			v.fail(pred.Field.String(), "unsupported operator %q", pred.Op)
		}
		if pred.Value == nil {
			v.fail(pred.Field.String(), "comparison with null; use IsNull")
		}
	case *Compare:
		v.validatePredicate(*pred)
	case Like:
		v.validateField(pred.Field, "condition")
	case *Like:
		v.validatePredicate(*pred)
	case In:
		v.validateField(pred.Field, "condition")
	case *In:
		v.validatePredicate(*pred)
	case IsNull:
		v.validateField(pred.Field, "condition")
	case *IsNull:
		v.validatePredicate(*pred)
	case And:
		for _, sub := range pred.Predicates {
			v.validatePredicate(sub)
		}
	case *And:
		v.validatePredicate(*pred)
	default:
		v.fail("", "unknown predicate type %T", p)
	}
}

func (v *validator) validateField(f Field, context string) {
	if len(f.Path) == 0 {
		v.fail("", "empty field in %s", context)
		return
	}
	for _, seg := range f.Path {
		if !isIdentifier(seg) {
			v.fail(f.String(), "invalid path segment %q", seg)
			return
		}
	}
	name := f.Name()
	if _, isAlias := v.aliases[name]; isAlias {
		v.fail(f.String(), "%s may not reference join alias %q", context, name)
		return
	}
	if v.schema != nil && !v.schema.HasField(v.query.Collection, name) {
		v.fail(f.String(), "unknown field %q in %q (known: %s)", name, v.query.Collection,
			strings.Join(v.schema.Fields(v.query.Collection), ", "))
	}
}

func hasIDEquality(preds []Predicate) bool {
	for _, p := range preds {
		switch pred := p.(type) {
		case Compare:
			if pred.Op == OpEq && len(pred.Field.Path) == 1 && pred.Field.Name() == ir.IDField {
				return true
			}
		case And:
			if hasIDEquality(pred.Predicates) {
				return true
			}
		}
	}
	return false
}

// IDOf returns the id selected by a get query's id equality predicate.
func IDOf(q *Query) (string, bool) {
	return findID(q.Predicates)
}

func findID(preds []Predicate) (string, bool) {
	for _, p := range preds {
		switch pred := p.(type) {
		case Compare:
			if pred.Op == OpEq && len(pred.Field.Path) == 1 && pred.Field.Name() == ir.IDField {
				id, ok := pred.Value.(string)
				return id, ok
			}
		case And:
			if id, ok := findID(pred.Predicates); ok {
				return id, true
			}
		}
	}
	return "", false
}
