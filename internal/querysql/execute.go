package querysql

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/shelf/internal/ir"
	"github.com/roach88/shelf/internal/queryir"
)

// Executor runs compiled statements. *sql.DB, *sql.Conn and *sql.Tx all
// satisfy it, so a query can run inside a caller's read transaction.
type Executor interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Execute compiles and runs q.
//
// For list and get, Result.Rows holds at most limit rows in query order and
// Result.Total counts every matching row ignoring the limit. For count only
// Total is set.
func Execute(ctx context.Context, exec Executor, q *queryir.Query) (queryir.Result, error) {
	stmt, err := NewSQLCompiler().Compile(q)
	if err != nil {
		return queryir.Result{}, err
	}

	var res queryir.Result
	if err := exec.QueryRowContext(ctx, stmt.CountSQL, stmt.CountArgs...).Scan(&res.Total); err != nil {
		return queryir.Result{}, fmt.Errorf("count %s: %w", q.Collection, err)
	}
	if q.Mode == queryir.ModeCount {
		return res, nil
	}

	rows, err := queryRows(ctx, exec, stmt)
	if err != nil {
		return queryir.Result{}, fmt.Errorf("query %s: %w", q.Collection, err)
	}
	res.Rows = rows
	return res, nil
}

func queryRows(ctx context.Context, exec Executor, stmt Statement) ([]ir.Row, error) {
	rows, err := exec.QueryContext(ctx, stmt.SQL, stmt.Args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ir.Row{}
	for rows.Next() {
		var data string
		joined := make([]sql.NullString, len(stmt.Joins))
		dest := make([]any, 0, 1+len(joined))
		dest = append(dest, &data)
		for i := range joined {
			dest = append(dest, &joined[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		row, err := ir.DecodeRow([]byte(data))
		if err != nil {
			return nil, err
		}
		for i, alias := range stmt.Joins {
			if !joined[i].Valid {
				row[alias] = nil
				continue
			}
			embed, err := ir.DecodeRow([]byte(joined[i].String))
			if err != nil {
				return nil, fmt.Errorf("decode join %s: %w", alias, err)
			}
			row[alias] = map[string]any(embed)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}
