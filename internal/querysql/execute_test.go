package querysql_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/shelf/internal/ir"
	"github.com/roach88/shelf/internal/queryir"
	"github.com/roach88/shelf/internal/querysql"
	"github.com/roach88/shelf/internal/store"
)

var fixtureFiles = []ir.Row{
	{"id": "f1", "name": "alpha", "size": 10, "hidden": false, "ownerId": "u1", "meta": map[string]any{"mime": "image/png"}},
	{"id": "f2", "name": "Beta", "size": 250, "hidden": true, "ownerId": "u2", "meta": map[string]any{"mime": "text/plain"}},
	{"id": "f3", "name": "gamma", "size": 2.5, "ownerId": "u1"},
	{"id": "f4", "name": nil, "size": "big", "meta": map[string]any{"mime": "image/jpeg"}},
	{"id": "f5", "name": "alpha", "size": 100, "ownerId": "ghost"},
}

func openFixture(t *testing.T) (*store.Store, []ir.Row) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "query.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	var stored []ir.Row
	for _, row := range fixtureFiles {
		got, err := s.Insert(ctx, "file", row)
		require.NoError(t, err)
		stored = append(stored, got)
	}
	_, err = s.Insert(ctx, "user", ir.Row{"id": "u1", "name": "ann"})
	require.NoError(t, err)
	_, err = s.Insert(ctx, "user", ir.Row{"id": "u2", "name": "bob"})
	require.NoError(t, err)
	return s, stored
}

// evaluate runs q against rows in memory.
func evaluate(q *queryir.Query, rows []ir.Row) ([]string, int) {
	var matched []ir.Row
	for _, row := range rows {
		if q.Matches(row) {
			matched = append(matched, row)
		}
	}
	q.SortRows(matched)
	total := len(matched)
	if limit, ok := q.LimitValue(); ok && limit < len(matched) {
		matched = matched[:limit]
	}
	return ids(matched), total
}

func ids(rows []ir.Row) []string {
	out := []string{}
	for _, r := range rows {
		out = append(out, r.ID())
	}
	return out
}

// TestExecute_MatchesInMemory checks that SQLite and queryir.Match agree on
// every predicate form, including NULL and mixed-type operands.
func TestExecute_MatchesInMemory(t *testing.T) {
	s, rows := openFixture(t)
	ctx := context.Background()
	file := queryir.New("file")

	tests := []struct {
		name  string
		query *queryir.Query
		want  []string
	}{
		{"all", file, []string{"f1", "f2", "f3", "f4", "f5"}},
		{"eq", file.Where(queryir.Eq("name", "alpha")), []string{"f1", "f5"}},
		{"ne excludes null", file.Where(queryir.Compare{Field: queryir.F("name"), Op: queryir.OpNe, Value: "alpha"}), []string{"f2", "f3"}},
		{"gt numeric", file.Where(queryir.Compare{Field: queryir.F("size"), Op: queryir.OpGt, Value: 50}), []string{"f2", "f4", "f5"}},
		{"lte real", file.Where(queryir.Compare{Field: queryir.F("size"), Op: queryir.OpLte, Value: 10}), []string{"f1", "f3"}},
		{"bool", file.Where(queryir.Eq("hidden", true)), []string{"f2"}},
		{"like case insensitive", file.Where(queryir.Like{Field: queryir.F("name"), Pattern: "%A%"}), []string{"f1", "f2", "f3", "f5"}},
		{"like nested", file.Where(queryir.Like{Field: queryir.F("meta", "mime"), Pattern: "image/%"}), []string{"f1", "f4"}},
		{"like number", file.Where(queryir.Like{Field: queryir.F("size"), Pattern: "1%"}), []string{"f1", "f5"}},
		{"in", file.Where(queryir.In{Field: queryir.F("size"), Values: []any{10, 100}}), []string{"f1", "f5"}},
		{"in empty", file.Where(queryir.In{Field: queryir.F("size"), Values: []any{}}), []string{}},
		{"not in", file.Where(queryir.In{Field: queryir.F("name"), Values: []any{"alpha"}, Negate: true}), []string{"f2", "f3"}},
		{"not in with null", file.Where(queryir.In{Field: queryir.F("name"), Values: []any{"gamma", nil}, Negate: true}), []string{}},
		{"not in empty", file.Where(queryir.In{Field: queryir.F("name"), Values: []any{}, Negate: true}), []string{"f1", "f2", "f3", "f4", "f5"}},
		{"is null missing path", file.Where(queryir.IsNull{Field: queryir.F("meta", "mime")}), []string{"f3", "f5"}},
		{"is not null", file.Where(queryir.IsNull{Field: queryir.F("name"), Negate: true}), []string{"f1", "f2", "f3", "f5"}},
		{"and", file.Where(queryir.And{Predicates: []queryir.Predicate{
			queryir.Eq("ownerId", "u1"),
			queryir.Compare{Field: queryir.F("size"), Op: queryir.OpGte, Value: 2.5},
		}}), []string{"f1", "f3"}},
		{"sort asc nulls first", file.WithSort(queryir.F("name"), queryir.Asc), []string{"f4", "f2", "f1", "f5", "f3"}},
		{"sort desc nulls last", file.WithSort(queryir.F("name"), queryir.Desc), []string{"f3", "f1", "f5", "f2", "f4"}},
		{"sort mixed types", file.WithSort(queryir.F("size"), queryir.Asc), []string{"f3", "f1", "f5", "f2", "f4"}},
		{"limit", file.WithSort(queryir.F("size"), queryir.Desc).WithLimit(2), []string{"f4", "f2"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := s.Query(ctx, tt.query)
			require.NoError(t, err)

			memIDs, memTotal := evaluate(tt.query, rows)
			assert.Equal(t, tt.want, ids(res.Rows), "sqlite")
			assert.Equal(t, tt.want, memIDs, "in memory")
			assert.Equal(t, memTotal, res.Total)
		})
	}
}

func TestExecute_Count(t *testing.T) {
	s, _ := openFixture(t)

	res, err := s.Query(context.Background(), queryir.New("file").
		WithMode(queryir.ModeCount).
		Where(queryir.Eq("ownerId", "u1")))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	assert.Nil(t, res.Rows)
}

func TestExecute_Get(t *testing.T) {
	s, _ := openFixture(t)

	res, err := s.Query(context.Background(), queryir.New("file").
		WithMode(queryir.ModeGet).
		Where(queryir.Eq("id", "f2")))
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	assert.Equal(t, "Beta", res.Rows[0]["name"])
}

func TestExecute_JoinEmbedsWithoutFiltering(t *testing.T) {
	s, _ := openFixture(t)
	q := queryir.New("file").WithJoin(queryir.Join{
		Collection:   "user",
		As:           "owner",
		LocalField:   queryir.F("ownerId"),
		ForeignField: "id",
	})

	res, err := s.Query(context.Background(), q)
	require.NoError(t, err)
	require.Len(t, res.Rows, 5)
	assert.Equal(t, 5, res.Total)

	byID := map[string]ir.Row{}
	for _, r := range res.Rows {
		byID[r.ID()] = r
	}
	owner, ok := byID["f1"]["owner"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "ann", owner["name"])

	assert.Contains(t, byID["f4"], "owner")
	assert.Nil(t, byID["f4"]["owner"], "no local field")
	assert.Nil(t, byID["f5"]["owner"], "dangling reference")
}

func TestExecute_InsideTransaction(t *testing.T) {
	s, _ := openFixture(t)
	ctx := context.Background()

	tx, err := s.DB().BeginTx(ctx, nil)
	require.NoError(t, err)
	defer tx.Rollback()

	res, err := querysql.Execute(ctx, tx, queryir.New("user"))
	require.NoError(t, err)
	assert.Equal(t, []string{"u1", "u2"}, ids(res.Rows))
}
