package ir

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRowCloneIsDeep(t *testing.T) {
	orig := Row{"id": "1", "meta": map[string]any{"role": "user"}, "tags": []any{"a"}}
	clone := orig.Clone()

	clone["meta"].(map[string]any)["role"] = "admin"
	clone["tags"].([]any)[0] = "b"

	assert.Equal(t, "user", orig["meta"].(map[string]any)["role"])
	assert.Equal(t, "a", orig["tags"].([]any)[0])
}

func TestRowMerge(t *testing.T) {
	row := Row{"id": "1", "name": "a", "size": 3}
	merged := row.Merge(Row{"name": "b", "size": nil, "extra": true})

	assert.Equal(t, Row{"id": "1", "name": "b", "extra": true}, merged)
	assert.Equal(t, "a", row["name"], "merge does not mutate the receiver")
}

func TestChangedFields(t *testing.T) {
	before := Row{"id": "1", "a": 1, "b": "x", "gone": true}
	after := Row{"id": "1", "a": json.Number("1"), "b": "y", "new": 2}

	assert.Equal(t, []string{"b", "gone", "new"}, ChangedFields(before, after))
	assert.Empty(t, ChangedFields(before, before))
}

func TestDecodeRowKeepsNumbers(t *testing.T) {
	row, err := DecodeRow([]byte(`{"id":"1","n":10,"r":1.5}`))
	require.NoError(t, err)
	assert.Equal(t, json.Number("10"), row["n"])
	assert.Equal(t, json.Number("1.5"), row["r"])
	assert.Equal(t, "1", row.ID())
}

func TestEncodeJSONNoHTMLEscape(t *testing.T) {
	b, err := EncodeJSON(map[string]any{"q": "<a&b>"})
	require.NoError(t, err)
	assert.Equal(t, `{"q":"<a&b>"}`, string(b))
}

func TestActor(t *testing.T) {
	assert.True(t, SystemActor.IsSystem())
	assert.False(t, SystemActor.IsAuthenticated())
	assert.False(t, Anonymous.IsAuthenticated())

	u := User("u1", "")
	assert.True(t, u.IsAuthenticated())
	assert.False(t, u.IsAdmin())
	assert.True(t, User("u2", RoleAdmin).IsAdmin())
	assert.False(t, User("", RoleAdmin).IsAdmin())

	assert.Equal(t, "user:u2(admin)", User("u2", RoleAdmin).String())
	assert.Equal(t, "anonymous", Actor{}.String())
}

func TestTaskRowRoundTrip(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 5, time.UTC)
	started := created.Add(time.Second)
	task := Task{
		ID:         "t1",
		Type:       "backup-database",
		Payload:    json.RawMessage(`{"dest":"x"}`),
		Status:     TaskProcessing,
		Priority:   2,
		CreatedAt:  created,
		StartedAt:  &started,
		ClaimToken: "c1",
	}

	row, err := task.Row()
	require.NoError(t, err)
	assert.Equal(t, "2026-03-01T12:00:00.000000005Z", row[TaskFieldCreatedAt])
	assert.NotContains(t, row, TaskFieldError)

	data, err := EncodeJSON(row)
	require.NoError(t, err)
	decoded, err := DecodeRow(data)
	require.NoError(t, err)

	got, err := TaskFromRow(decoded)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, task.Priority, got.Priority)
	assert.True(t, created.Equal(got.CreatedAt))
	require.NotNil(t, got.StartedAt)
	assert.True(t, started.Equal(*got.StartedAt))
	assert.Nil(t, got.CompletedAt)
	assert.JSONEq(t, `{"dest":"x"}`, string(got.Payload))
	assert.Equal(t, "c1", got.ClaimToken)
}

func TestTimeLayoutSortsChronologically(t *testing.T) {
	a := FormatTime(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	b := FormatTime(time.Date(2026, 1, 1, 0, 0, 0, 100, time.UTC))
	c := FormatTime(time.Date(2026, 1, 1, 0, 0, 1, 0, time.UTC))
	assert.Less(t, a, b)
	assert.Less(t, b, c)
}

func TestTaskFromRowRequiresID(t *testing.T) {
	_, err := TaskFromRow(Row{"type": "x"})
	assert.Error(t, err)
}

func TestFixedGenerator(t *testing.T) {
	gen := NewFixedGenerator("a", "b")
	assert.Equal(t, "a", gen.Generate())
	assert.Equal(t, "b", gen.Generate())
	assert.Panics(t, func() { gen.Generate() })
}

func TestUUIDv7GeneratorSortable(t *testing.T) {
	var gen UUIDv7Generator
	a := gen.Generate()
	time.Sleep(2 * time.Millisecond)
	b := gen.Generate()
	assert.Len(t, a, 36)
	assert.Less(t, a, b)
}
