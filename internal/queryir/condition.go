package queryir

import (
	"fmt"
	"strings"
)

// Condition is the wire form of a single predicate: {field, operator, value}.
type Condition struct {
	Field    string `json:"field" yaml:"field"`
	Operator string `json:"operator" yaml:"operator"`
	Value    any    `json:"value" yaml:"value"`
}

// Supported condition operators.
const (
	OperatorLike  = "LIKE"
	OperatorIn    = "IN"
	OperatorNotIn = "NOT IN"
)

// ParseCondition converts a wire condition into a Predicate.
//
// `== null` becomes IsNull and `!= null` becomes IsNull{Negate: true}, since
// a SQL comparison with NULL never matches anything.
func ParseCondition(c Condition) (Predicate, error) {
	field, err := ParseField(c.Field)
	if err != nil {
		return nil, err
	}

	op := strings.ToUpper(strings.Join(strings.Fields(c.Operator), " "))
	switch op {
	case "==", "!=":
		if c.Value == nil {
			return IsNull{Field: field, Negate: op == "!="}, nil
		}
		if err := checkScalar(c.Field, op, c.Value); err != nil {
			return nil, err
		}
		return Compare{Field: field, Op: Op(op), Value: c.Value}, nil

	case ">", ">=", "<", "<=":
		if c.Value == nil {
			return nil, &ValidationError{Field: c.Field, Message: fmt.Sprintf("operator %s cannot compare with null", op)}
		}
		if err := checkScalar(c.Field, op, c.Value); err != nil {
			return nil, err
		}
		return Compare{Field: field, Op: Op(op), Value: c.Value}, nil

	case OperatorLike:
		pattern, ok := c.Value.(string)
		if !ok {
			return nil, &ValidationError{Field: c.Field, Message: "LIKE requires a string pattern"}
		}
		return Like{Field: field, Pattern: pattern}, nil

	case OperatorIn, OperatorNotIn:
		values, ok := c.Value.([]any)
		if !ok {
			return nil, &ValidationError{Field: c.Field, Message: fmt.Sprintf("%s requires a list value", op)}
		}
		for _, v := range values {
			if v == nil {
				continue
			}
			if err := checkScalar(c.Field, op, v); err != nil {
				return nil, err
			}
		}
		return In{Field: field, Values: values, Negate: op == OperatorNotIn}, nil

	default:
		return nil, &ValidationError{Field: c.Field, Message: fmt.Sprintf("unsupported operator %q", c.Operator)}
	}
}

func checkScalar(field, op string, v any) error {
	switch v.(type) {
	case map[string]any, []any:
		return &ValidationError{Field: field, Message: fmt.Sprintf("operator %s requires a scalar value", op)}
	}
	return nil
}

// ParseConditions converts a list of wire conditions.
func ParseConditions(conds []Condition) ([]Predicate, error) {
	preds := make([]Predicate, 0, len(conds))
	for _, c := range conds {
		p, err := ParseCondition(c)
		if err != nil {
			return nil, err
		}
		preds = append(preds, p)
	}
	return preds, nil
}

// Conditions renders a predicate back into wire conditions. Nested And
// predicates are flattened, since a query's predicates are always ANDed.
func Conditions(p Predicate) []Condition {
	switch pred := p.(type) {
	case nil:
		return nil
	case Compare:
		return []Condition{{Field: pred.Field.String(), Operator: string(pred.Op), Value: pred.Value}}
	case Like:
		return []Condition{{Field: pred.Field.String(), Operator: OperatorLike, Value: pred.Pattern}}
	case In:
		op := OperatorIn
		if pred.Negate {
			op = OperatorNotIn
		}
		values := pred.Values
		if values == nil {
			values = []any{}
		}
		return []Condition{{Field: pred.Field.String(), Operator: op, Value: values}}
	case IsNull:
		op := "=="
		if pred.Negate {
			op = "!="
		}
		return []Condition{{Field: pred.Field.String(), Operator: op, Value: nil}}
	case And:
		var out []Condition
		for _, sub := range pred.Predicates {
			out = append(out, Conditions(sub)...)
		}
		return out
	default:
		return nil
	}
}

// JoinSpec is the wire form of a Join. ForeignField defaults to "id".
type JoinSpec struct {
	Collection   string `json:"collection" yaml:"collection"`
	As           string `json:"as" yaml:"as"`
	LocalField   string `json:"localField" yaml:"localField"`
	ForeignField string `json:"foreignField,omitempty" yaml:"foreignField,omitempty"`
}

// SortSpec is the wire form of a Sort. Direction defaults to ascending.
type SortSpec struct {
	Field     string `json:"field" yaml:"field"`
	Direction string `json:"direction,omitempty" yaml:"direction,omitempty"`
}

// Request is the wire form of a query, as carried by subscribe messages and
// one-shot query requests.
type Request struct {
	Collection string      `json:"collection" yaml:"collection"`
	Mode       Mode        `json:"mode,omitempty" yaml:"mode,omitempty"`
	Conditions []Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Joins      []JoinSpec  `json:"joins,omitempty" yaml:"joins,omitempty"`
	Sort       *SortSpec   `json:"sort,omitempty" yaml:"sort,omitempty"`
	Limit      *int        `json:"limit,omitempty" yaml:"limit,omitempty"`
}

// Build parses the request into a Query. Mode defaults to list.
// Build checks syntax only; call Validate to check names against a Schema.
func (r Request) Build() (*Query, error) {
	if r.Collection == "" {
		return nil, &ValidationError{Message: "collection is required"}
	}
	q := &Query{Collection: r.Collection, Mode: r.Mode}
	if q.Mode == "" {
		q.Mode = ModeList
	}

	preds, err := ParseConditions(r.Conditions)
	if err != nil {
		return nil, err
	}
	q.Predicates = preds

	for _, js := range r.Joins {
		local, err := ParseField(js.LocalField)
		if err != nil {
			return nil, err
		}
		foreign := js.ForeignField
		if foreign == "" {
			foreign = "id"
		}
		q.Joins = append(q.Joins, Join{Collection: js.Collection, As: js.As, LocalField: local, ForeignField: foreign})
	}

	if r.Sort != nil {
		field, err := ParseField(r.Sort.Field)
		if err != nil {
			return nil, err
		}
		dir := Direction(strings.ToLower(r.Sort.Direction))
		if dir == "" {
			dir = Asc
		}
		q.Sort = &Sort{Field: field, Direction: dir}
	}

	if r.Limit != nil {
		n := *r.Limit
		q.Limit = &n
	}
	return q, nil
}

// Request renders q back into its wire form.
func (q *Query) Request() Request {
	r := Request{
		Collection: q.Collection,
		Mode:       q.Mode,
		Conditions: Conditions(q.Filter()),
	}
	for _, j := range q.Joins {
		r.Joins = append(r.Joins, JoinSpec{
			Collection:   j.Collection,
			As:           j.As,
			LocalField:   j.LocalField.String(),
			ForeignField: j.ForeignField,
		})
	}
	if q.Sort != nil {
		r.Sort = &SortSpec{Field: q.Sort.Field.String(), Direction: string(q.Sort.Direction)}
	}
	if q.Limit != nil {
		n := *q.Limit
		r.Limit = &n
	}
	return r
}
