package queryir

import (
	"sort"
	"strings"

	"github.com/roach88/shelf/internal/ir"
)

// Match evaluates p against row in memory.
//
// The result equals what SQLite returns for the compiled predicate over the
// stored JSON of row. A nil predicate matches every row.
//
// Match never touches storage and never blocks.
func Match(p Predicate, row ir.Row) bool {
	switch pred := p.(type) {
	case nil:
		return true
	case Compare:
		return matchCompare(pred, row)
	case *Compare:
		return matchCompare(*pred, row)
	case Like:
		return matchLike(pred, row)
	case *Like:
		return matchLike(*pred, row)
	case In:
		return matchIn(pred, row)
	case *In:
		return matchIn(*pred, row)
	case IsNull:
		return fieldValue(pred.Field, row).IsNull() != pred.Negate
	case *IsNull:
		return fieldValue(pred.Field, row).IsNull() != pred.Negate
	case And:
		return matchAll(pred.Predicates, row)
	case *And:
		return matchAll(pred.Predicates, row)
	default:
		return false
	}
}

func matchAll(preds []Predicate, row ir.Row) bool {
	for _, p := range preds {
		if !Match(p, row) {
			return false
		}
	}
	return true
}

func fieldValue(f Field, row ir.Row) ir.Value {
	return ir.SQLValue(ir.Lookup(row, f.Path))
}

func matchCompare(c Compare, row ir.Row) bool {
	cmp, ok := ir.Compare(fieldValue(c.Field, row), ir.SQLValue(c.Value))
	if !ok {
		return false
	}
	switch c.Op {
	case OpEq:
		return cmp == 0
	case OpNe:
		return cmp != 0
	case OpGt:
		return cmp > 0
	case OpGte:
		return cmp >= 0
	case OpLt:
		return cmp < 0
	case OpLte:
		return cmp <= 0
	default:
		return false
	}
}

func matchLike(l Like, row ir.Row) bool {
	text, ok := fieldValue(l.Field, row).AsText()
	if !ok {
		return false
	}
	return ir.Like(text, l.Pattern)
}

// matchIn follows SQL three-valued logic: x IN (...) is NULL when no element
// equals x and some element is NULL, and NULL rejects the row either way.
func matchIn(in In, row ir.Row) bool {
	if len(in.Values) == 0 {
		return in.Negate
	}
	x := fieldValue(in.Field, row)
	if x.IsNull() {
		return false
	}
	sawNull := false
	for _, v := range in.Values {
		cmp, ok := ir.Compare(x, ir.SQLValue(v))
		if !ok {
			sawNull = true
			continue
		}
		if cmp == 0 {
			return !in.Negate
		}
	}
	if sawNull {
		return false
	}
	return in.Negate
}

// CompareRows orders two rows the way the compiled ORDER BY does: by the
// sort field (NULLs first ascending, last descending) and then by id with
// binary collation. A nil sort orders by id only.
func CompareRows(s *Sort, a, b ir.Row) int {
	if s != nil {
		c := ir.Order(fieldValue(s.Field, a), fieldValue(s.Field, b))
		if s.Direction == Desc {
			c = -c
		}
		if c != 0 {
			return c
		}
	}
	return strings.Compare(a.ID(), b.ID())
}

// Less reports whether a sorts before b under q's sort.
func (q *Query) Less(a, b ir.Row) bool {
	return CompareRows(q.Sort, a, b) < 0
}

// SortRows sorts rows in place in q's result order.
func (q *Query) SortRows(rows []ir.Row) {
	sort.SliceStable(rows, func(i, j int) bool {
		return CompareRows(q.Sort, rows[i], rows[j]) < 0
	})
}

// Position returns the index at which row belongs in rows, which must already
// be in q's order. Rows with the same id as row are not skipped.
func (q *Query) Position(rows []ir.Row, row ir.Row) int {
	return sort.Search(len(rows), func(i int) bool {
		return CompareRows(q.Sort, row, rows[i]) < 0
	})
}
