package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/shelf/internal/ir"
	"github.com/roach88/shelf/internal/reconcile"
	"github.com/roach88/shelf/internal/store"
)

// mapGetter serves rows from memory, keyed by "collection/id".
type mapGetter map[string]ir.Row

func (m mapGetter) Get(_ context.Context, collection, id string) (ir.Row, error) {
	row, ok := m[collection+"/"+id]
	if !ok {
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, store.ErrNotFound)
	}
	return row, nil
}

func intPtr(n int) *int { return &n }

func resultWithView(name string, total int, ids ...string) *Result {
	r := NewResult()
	rows := make([]ir.Row, len(ids))
	for i, id := range ids {
		rows[i] = ir.Row{"id": id}
	}
	r.Views[name] = reconcile.Snapshot{Rows: rows, Total: total}
	return r
}

func TestAssertView(t *testing.T) {
	result := resultWithView("feed", 5, "a3", "a2")

	assert.NoError(t, assertView(result, Assertion{Subscription: "feed", IDs: []string{"a3", "a2"}, Total: intPtr(5)}))
	assert.NoError(t, assertView(result, Assertion{Subscription: "feed", Total: intPtr(5)}))

	err := assertView(result, Assertion{Subscription: "feed", IDs: []string{"a2", "a3"}})
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, AssertView, ae.Type)
	assert.Equal(t, "[a3 a2]", ae.Actual)

	err = assertView(result, Assertion{Subscription: "feed", Total: intPtr(2)})
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "total 5", ae.Actual)

	err = assertView(result, Assertion{Subscription: "other", IDs: []string{}})
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "no view recorded", ae.Actual)
}

func TestAssertView_EmptyIDs(t *testing.T) {
	result := resultWithView("feed", 0)
	assert.NoError(t, assertView(result, Assertion{Subscription: "feed", IDs: []string{}}))
}

func TestAssertFinalState(t *testing.T) {
	st := mapGetter{
		"file/f1": {"id": "f1", "ownerId": "bob", "size": json.Number("10"), "meta": map[string]any{"kind": "text"}},
	}
	ctx := context.Background()

	assert.NoError(t, assertFinalState(ctx, st, Assertion{Collection: "file", ID: "f1",
		Expect: map[string]any{"ownerId": "bob", "size": 10}}))
	assert.NoError(t, assertFinalState(ctx, st, Assertion{Collection: "file", ID: "f1",
		Expect: map[string]any{"meta": map[string]any{"kind": "text"}}}))

	err := assertFinalState(ctx, st, Assertion{Collection: "file", ID: "f1",
		Expect: map[string]any{"size": 11, "name": "a.txt"}})
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "name: missing; size: got 10, want 11", ae.Actual)

	err = assertFinalState(ctx, st, Assertion{Collection: "file", ID: "f2", Expect: map[string]any{"size": 1}})
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "row not found", ae.Actual)
}

func TestAssertAbsent(t *testing.T) {
	st := mapGetter{"file/f1": {"id": "f1"}}
	ctx := context.Background()

	assert.NoError(t, assertAbsent(ctx, st, Assertion{Collection: "file", ID: "f2"}))

	err := assertAbsent(ctx, st, Assertion{Collection: "file", ID: "f1"})
	var ae *AssertionError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "row exists", ae.Actual)
}

func TestEvaluateAssertions(t *testing.T) {
	result := resultWithView("feed", 1, "a1")
	st := mapGetter{"activity/a1": {"id": "a1", "type": "CONNECT"}}

	failures := EvaluateAssertions(context.Background(), result, []Assertion{
		{Type: AssertView, Subscription: "feed", IDs: []string{"a1"}},
		{Type: AssertFinalState, Collection: "activity", ID: "a1", Expect: map[string]any{"type": "UPLOAD"}},
		{Type: AssertAbsent, Collection: "activity", ID: "a1"},
		{Type: "trace_order"},
	}, st)

	require.Len(t, failures, 3)
	assert.Contains(t, failures[0], "assertion 2")
	assert.Contains(t, failures[1], "assertion 3")
	assert.Contains(t, failures[2], `unknown assertion type "trace_order"`)
}

func TestAssertionError_Error(t *testing.T) {
	err := &AssertionError{Type: AssertAbsent, Expected: "no row file/f1", Actual: "row exists"}
	assert.Equal(t, "Assertion failed: absent\n  Expected: no row file/f1\n  Actual: row exists", err.Error())
}
