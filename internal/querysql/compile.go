package querysql

import (
	"fmt"
	"strings"

	"github.com/roach88/shelf/internal/ir"
	"github.com/roach88/shelf/internal/queryir"
)

// RecordsTable is the table holding every collection's rows.
const RecordsTable = "records"

// Statement is a compiled query.
//
// SQL selects the row data (followed by one column per join) with the
// query's limit applied. CountSQL counts the same rows ignoring the limit.
type Statement struct {
	SQL       string
	Args      []any
	CountSQL  string
	CountArgs []any

	// Joins lists the aliases of the extra columns of SQL, in column order.
	Joins []string
}

// SQLCompiler compiles queries to parameterized SQL for SQLite.
//
// Field references compile to r.data ->> '$.path', whose NULL, comparison
// and ordering behavior queryir.Match reproduces in memory.
//
// CRITICAL: every row query ends in ORDER BY ..., r.id COLLATE BINARY ASC so
// results are deterministic.
// CRITICAL: values are always parameterized, never interpolated. Field paths
// are embedded, which is safe because queryir only admits identifier keys.
type SQLCompiler struct{}

// NewSQLCompiler creates a new SQLCompiler.
func NewSQLCompiler() *SQLCompiler {
	return &SQLCompiler{}
}

// Compile converts q into a Statement. q should already have passed
// queryir.Validate; Compile only rejects what it cannot express.
func (c *SQLCompiler) Compile(q *queryir.Query) (Statement, error) {
	if q == nil {
		return Statement{}, fmt.Errorf("cannot compile nil query")
	}
	if q.Collection == "" {
		return Statement{}, fmt.Errorf("cannot compile query without collection")
	}

	where, whereArgs, err := c.compileWhere(q)
	if err != nil {
		return Statement{}, err
	}

	stmt := Statement{
		CountSQL:  fmt.Sprintf("SELECT COUNT(*) FROM %s AS r WHERE %s", RecordsTable, where),
		CountArgs: whereArgs,
	}
	if q.Mode == queryir.ModeCount {
		return stmt, nil
	}

	columns := []string{"r.data"}
	var args []any
	for i, j := range q.Joins {
		col, colArgs, err := c.compileJoin(i, j)
		if err != nil {
			return Statement{}, err
		}
		columns = append(columns, col)
		args = append(args, colArgs...)
		stmt.Joins = append(stmt.Joins, j.As)
	}
	args = append(args, whereArgs...)

	sql := fmt.Sprintf("SELECT %s FROM %s AS r WHERE %s ORDER BY %s",
		strings.Join(columns, ", "),
		RecordsTable,
		where,
		c.orderBy(q.Sort))

	switch limit, ok := q.LimitValue(); {
	case q.Mode == queryir.ModeGet:
		sql += " LIMIT 1"
	case ok:
		sql += " LIMIT ?"
		args = append(args, int64(limit))
	}

	stmt.SQL = sql
	stmt.Args = args
	return stmt, nil
}

func (c *SQLCompiler) compileWhere(q *queryir.Query) (string, []any, error) {
	parts := []string{"r.collection = ?"}
	args := []any{q.Collection}
	for _, p := range q.Predicates {
		sql, pargs, err := c.compilePredicate(p)
		if err != nil {
			return "", nil, fmt.Errorf("compile filter: %w", err)
		}
		parts = append(parts, sql)
		args = append(args, pargs...)
	}
	return strings.Join(parts, " AND "), args, nil
}

// compileJoin compiles a lookup join to a correlated scalar subquery, which
// yields at most one row and never changes the outer row count.
func (c *SQLCompiler) compileJoin(i int, j queryir.Join) (string, []any, error) {
	if j.Collection == "" || j.As == "" {
		return "", nil, fmt.Errorf("join %d: collection and alias are required", i)
	}
	alias := fmt.Sprintf("j%d", i)
	foreign := fmt.Sprintf("%s.data ->> '$.%s'", alias, j.ForeignField)
	sql := fmt.Sprintf("(SELECT %s.data FROM %s AS %s WHERE %s.collection = ? AND %s = %s ORDER BY %s.id COLLATE BINARY ASC LIMIT 1)",
		alias, RecordsTable, alias, alias, foreign, fieldExpr(j.LocalField), alias)
	return sql, []any{j.Collection}, nil
}

// orderBy returns the ORDER BY list. SQLite sorts NULL first ascending and
// last descending, which is what queryir.CompareRows expects.
func (c *SQLCompiler) orderBy(s *queryir.Sort) string {
	tiebreak := "r.id COLLATE BINARY ASC"
	if s == nil {
		return tiebreak
	}
	dir := "ASC"
	if s.Direction == queryir.Desc {
		dir = "DESC"
	}
	return fmt.Sprintf("%s %s, %s", fieldExpr(s.Field), dir, tiebreak)
}

// compilePredicate compiles a predicate to a WHERE fragment.
// CRITICAL: Values NEVER interpolated - always use ? placeholders.
func (c *SQLCompiler) compilePredicate(p queryir.Predicate) (string, []any, error) {
	switch pred := p.(type) {
	case nil:
		return "1", nil, nil
	case queryir.Compare:
		return c.compileCompare(pred)
	case *queryir.Compare:
		return c.compileCompare(*pred)
	case queryir.Like:
		return fieldExpr(pred.Field) + " LIKE ?", []any{pred.Pattern}, nil
	case *queryir.Like:
		return c.compilePredicate(*pred)
	case queryir.In:
		return c.compileIn(pred)
	case *queryir.In:
		return c.compileIn(*pred)
	case queryir.IsNull:
		return c.compileIsNull(pred)
	case *queryir.IsNull:
		return c.compileIsNull(*pred)
	case queryir.And:
		return c.compileAnd(pred)
	case *queryir.And:
		return c.compileAnd(*pred)
	default:
		return "", nil, fmt.Errorf("unsupported predicate type: %T", p)
	}
}

func (c *SQLCompiler) compileCompare(cmp queryir.Compare) (string, []any, error) {
	switch cmp.Op {
	case queryir.OpEq, queryir.OpNe, queryir.OpGt, queryir.OpGte, queryir.OpLt, queryir.OpLte:
	default:
		return "", nil, fmt.Errorf("unsupported operator %q", cmp.Op)
	}
	return fmt.Sprintf("%s %s ?", fieldExpr(cmp.Field), cmp.Op.SQL()), []any{ir.BindValue(cmp.Value)}, nil
}

// compileIn renders empty lists as constants: x IN () is false and
// x NOT IN () is true even when x is NULL.
func (c *SQLCompiler) compileIn(in queryir.In) (string, []any, error) {
	if len(in.Values) == 0 {
		if in.Negate {
			return "1", nil, nil
		}
		return "0", nil, nil
	}
	marks := make([]string, len(in.Values))
	args := make([]any, len(in.Values))
	for i, v := range in.Values {
		marks[i] = "?"
		args[i] = ir.BindValue(v)
	}
	op := "IN"
	if in.Negate {
		op = "NOT IN"
	}
	return fmt.Sprintf("%s %s (%s)", fieldExpr(in.Field), op, strings.Join(marks, ", ")), args, nil
}

func (c *SQLCompiler) compileIsNull(n queryir.IsNull) (string, []any, error) {
	if n.Negate {
		return fieldExpr(n.Field) + " IS NOT NULL", nil, nil
	}
	return fieldExpr(n.Field) + " IS NULL", nil, nil
}

func (c *SQLCompiler) compileAnd(and queryir.And) (string, []any, error) {
	if len(and.Predicates) == 0 {
		return "1", nil, nil
	}
	parts := make([]string, 0, len(and.Predicates))
	var args []any
	for _, p := range and.Predicates {
		sql, pargs, err := c.compilePredicate(p)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, sql)
		args = append(args, pargs...)
	}
	return "(" + strings.Join(parts, " AND ") + ")", args, nil
}

// fieldExpr renders the scalar extraction of a field from the row document.
func fieldExpr(f queryir.Field) string {
	return fmt.Sprintf("r.data ->> '%s'", f.JSONPath())
}
