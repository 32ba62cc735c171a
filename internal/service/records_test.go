package service

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/shelf/internal/ir"
	"github.com/roach88/shelf/internal/queryir"
	"github.com/roach88/shelf/internal/rules"
	"github.com/roach88/shelf/internal/store"
	"github.com/roach88/shelf/internal/testutil"
)

var (
	ann   = ir.User("ann", "member")
	bob   = ir.User("bob", "member")
	admin = ir.User("root", ir.RoleAdmin)
)

func fileSchema() queryir.Schema {
	s := queryir.NewSchema()
	s.Add("file", "name", "ownerId", "size", "meta")
	return s
}

func ownerRules() *rules.Engine {
	levels := map[rules.Operation]rules.Level{}
	for _, op := range rules.Operations {
		levels[op] = rules.LevelOwner
	}
	return rules.NewEngine(rules.Table{Database: map[string]rules.Rule{
		"file": &rules.Policy{
			Collection: "file",
			OwnerField: "ownerId",
			Levels:     levels,
			Immutable:  []string{"ownerId"},
			Broadcast:  rules.LevelOwner,
		},
	}})
}

func newRecords(t *testing.T) (*Records, *store.Store) {
	t.Helper()
	st := testutil.OpenStore(t)
	r := NewRecords(st, ownerRules(),
		WithSchema(fileSchema()),
		WithIDGenerator(ir.NewFixedGenerator("gen-1", "gen-2", "gen-3")))
	return r, st
}

func seed(t *testing.T, st *store.Store, rows ...ir.Row) {
	t.Helper()
	for _, row := range rows {
		_, err := st.Insert(context.Background(), "file", row)
		require.NoError(t, err)
	}
}

func ids(rows []ir.Row) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.ID()
	}
	return out
}

func TestRecords_ListIsOwnerScoped(t *testing.T) {
	ctx := context.Background()
	r, st := newRecords(t)
	seed(t, st,
		ir.Row{"id": "f1", "ownerId": "ann", "size": 10},
		ir.Row{"id": "f2", "ownerId": "bob", "size": 20},
		ir.Row{"id": "f3", "ownerId": "ann", "size": 30},
	)

	q := queryir.New("file").WithSort(queryir.F("size"), queryir.Desc)
	res, err := r.List(ctx, ann, q)
	require.NoError(t, err)
	assert.Equal(t, []string{"f3", "f1"}, ids(res.Rows))
	assert.Equal(t, 2, res.Total)

	res, err = r.List(ctx, admin, q)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)

	n, err := r.Count(ctx, bob, queryir.New("file"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = r.List(ctx, ir.Anonymous, q)
	assert.True(t, rules.IsDenied(err))
}

func TestRecords_Get(t *testing.T) {
	ctx := context.Background()
	r, st := newRecords(t)
	seed(t, st, ir.Row{"id": "f1", "ownerId": "ann", "size": 10})

	row, err := r.Get(ctx, ann, "file", "f1")
	require.NoError(t, err)
	assert.Equal(t, json.Number("10"), row["size"])

	// Someone else's row is invisible rather than forbidden.
	_, err = r.Get(ctx, bob, "file", "f1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = r.Get(ctx, ann, "file", "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRecords_QueryValidation(t *testing.T) {
	ctx := context.Background()
	r, _ := newRecords(t)

	_, err := r.List(ctx, ann, queryir.New("nope"))
	assert.True(t, queryir.IsValidation(err))

	_, err = r.List(ctx, ann, queryir.New("file").Where(queryir.Eq("colour", "red")))
	assert.True(t, queryir.IsValidation(err))
}

func TestRecords_Create(t *testing.T) {
	ctx := context.Background()
	r, st := newRecords(t)

	row, err := r.Create(ctx, ann, "file", ir.Row{"name": "a.txt", "ownerId": "ann"})
	require.NoError(t, err)
	assert.Equal(t, "gen-1", row.ID())

	stored, err := st.Get(ctx, "file", "gen-1")
	require.NoError(t, err)
	assert.Equal(t, "a.txt", stored["name"])

	_, err = r.Create(ctx, ann, "file", ir.Row{"name": "b.txt", "ownerId": "ann", "colour": "red"})
	assert.True(t, queryir.IsValidation(err))

	_, err = r.Create(ctx, ann, "file", ir.Row{"id": "", "ownerId": "ann"})
	assert.True(t, queryir.IsValidation(err))
}

func TestRecords_DeniedMutationNeverReachesStore(t *testing.T) {
	ctx := context.Background()
	r, st := newRecords(t)
	seed(t, st, ir.Row{"id": "f1", "ownerId": "ann", "size": 10})
	head, err := st.Head(ctx)
	require.NoError(t, err)

	_, err = r.Create(ctx, bob, "file", ir.Row{"id": "f2", "ownerId": "ann"})
	assert.True(t, rules.IsDenied(err), "create for another owner: %v", err)

	_, err = r.Update(ctx, bob, "file", "f1", ir.Row{"size": 99})
	assert.True(t, rules.IsDenied(err), "update of another owner's row: %v", err)

	_, err = r.Update(ctx, ann, "file", "f1", ir.Row{"ownerId": "bob"})
	assert.True(t, rules.IsDenied(err), "immutable owner: %v", err)

	_, err = r.Delete(ctx, bob, "file", "f1")
	assert.True(t, rules.IsDenied(err), "delete of another owner's row: %v", err)

	after, err := st.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, head, after, "no change was recorded")

	_, err = st.Get(ctx, "file", "f2")
	assert.ErrorIs(t, err, store.ErrNotFound)
	row, err := st.Get(ctx, "file", "f1")
	require.NoError(t, err)
	assert.Equal(t, json.Number("10"), row["size"])
	assert.Equal(t, "ann", row["ownerId"])
}

func TestRecords_UpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	r, st := newRecords(t)
	seed(t, st, ir.Row{"id": "f1", "ownerId": "ann", "size": 10, "name": "old"})

	next, err := r.Update(ctx, ann, "file", "f1", ir.Row{"size": 11, "name": nil})
	require.NoError(t, err)
	assert.Equal(t, 11, next["size"])
	_, hasName := next["name"]
	assert.False(t, hasName)

	_, err = r.Update(ctx, ann, "file", "f1", ir.Row{"id": "other"})
	assert.True(t, queryir.IsValidation(err))

	// Admins may change immutable fields.
	_, err = r.Update(ctx, admin, "file", "f1", ir.Row{"ownerId": "bob"})
	require.NoError(t, err)

	deleted, err := r.Delete(ctx, bob, "file", "f1")
	require.NoError(t, err)
	assert.Equal(t, "f1", deleted.ID())

	_, err = r.Delete(ctx, bob, "file", "f1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
