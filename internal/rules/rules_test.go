package rules

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/shelf/internal/ir"
	"github.com/roach88/shelf/internal/queryir"
)

var (
	alice = ir.User("alice", "")
	bob   = ir.User("bob", "")
	root  = ir.User("root", ir.RoleAdmin)
)

func filePolicy() *Policy {
	return &Policy{
		Collection: "file",
		OwnerField: "ownerId",
		Levels: map[Operation]Level{
			OpGet: LevelOwner, OpList: LevelOwner, OpCreate: LevelOwner,
			OpUpdate: LevelOwner, OpDelete: LevelOwner,
		},
		Immutable: []string{"ownerId"},
		Broadcast: LevelOwner,
	}
}

func newFileEngine() *Engine {
	p := filePolicy()
	return NewEngine(Table{
		Database:  map[string]Rule{"file": p},
		Broadcast: map[string]BroadcastRule{"file": p},
	})
}

func TestAuthorize_DefaultRequiresAuthentication(t *testing.T) {
	e := NewEngine(Table{})

	d := e.Authorize(OpGet, "user", Context{Actor: ir.Anonymous})
	assert.False(t, d.Allowed)
	assert.Equal(t, "authentication required", d.Reason)

	assert.True(t, e.Authorize(OpGet, "user", Context{Actor: alice}).Allowed)
}

func TestAuthorize_SystemBypass(t *testing.T) {
	e := NewEngine(Table{
		Database: map[string]Rule{"file": RuleFunc(func(Context) (Decision, error) {
			return Deny("never"), nil
		})},
	})
	d := e.Authorize(OpDelete, "file", Context{Actor: ir.SystemActor})
	assert.True(t, d.Allowed)
	assert.Empty(t, d.ExtraFilters)
}

func TestAuthorize_FailuresDeny(t *testing.T) {
	e := NewEngine(Table{
		Database: map[string]Rule{
			"broken": RuleFunc(func(Context) (Decision, error) {
				return Allow(), errors.New("lookup failed")
			}),
			"panics": RuleFunc(func(Context) (Decision, error) {
				panic("boom")
			}),
			"silent": RuleFunc(func(Context) (Decision, error) {
				return Decision{ExtraFilters: []queryir.Predicate{queryir.Eq("x", 1)}}, nil
			}),
		},
	})

	d := e.Authorize(OpList, "broken", Context{Actor: alice})
	assert.False(t, d.Allowed)
	assert.Equal(t, "lookup failed", d.Reason)

	d = e.Authorize(OpList, "panics", Context{Actor: alice})
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "boom")

	d = e.Authorize(OpList, "silent", Context{Actor: alice})
	assert.False(t, d.Allowed)
	assert.Equal(t, "access denied", d.Reason)
	assert.Nil(t, d.ExtraFilters)
}

func TestAuthorizeQuery_AddsOwnerFilter(t *testing.T) {
	e := newFileEngine()
	q := queryir.New("file").Where(queryir.Eq("kind", "pdf"))

	scoped, err := e.AuthorizeQuery(q, alice)
	require.NoError(t, err)
	require.Len(t, scoped.Predicates, 2)
	assert.Equal(t, queryir.Eq("ownerId", "alice"), scoped.Predicates[1])
	assert.Len(t, q.Predicates, 1, "original query untouched")

	assert.True(t, scoped.Matches(ir.Row{"kind": "pdf", "ownerId": "alice"}))
	assert.False(t, scoped.Matches(ir.Row{"kind": "pdf", "ownerId": "bob"}))

	adminQ, err := e.AuthorizeQuery(q, root)
	require.NoError(t, err)
	assert.Len(t, adminQ.Predicates, 1)

	_, err = e.AuthorizeQuery(q, ir.Anonymous)
	require.Error(t, err)
	assert.True(t, IsDenied(err))
	var de *DeniedError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, OpList, de.Operation)
}

func TestAuthorizeQuery_CountUsesList(t *testing.T) {
	var seen []Operation
	e := NewEngine(Table{Database: map[string]Rule{"file": RuleFunc(func(c Context) (Decision, error) {
		seen = append(seen, c.Operation)
		return Allow(), nil
	})}})

	_, err := e.AuthorizeQuery(queryir.New("file").WithMode(queryir.ModeCount), alice)
	require.NoError(t, err)
	_, err = e.AuthorizeQuery(queryir.New("file").WithMode(queryir.ModeGet).Where(queryir.Eq("id", "f1")), alice)
	require.NoError(t, err)
	assert.Equal(t, []Operation{OpList, OpGet}, seen)
}

func TestPolicy_Mutations(t *testing.T) {
	e := newFileEngine()
	own := ir.Row{"id": "f1", "ownerId": "alice", "name": "a"}

	tests := []struct {
		name    string
		op      Operation
		ctx     Context
		allowed bool
		reason  string
	}{
		{"create own", OpCreate, Context{Actor: alice, Data: own}, true, ""},
		{"create for other", OpCreate, Context{Actor: bob, Data: own}, false, "ownerId must be the acting user"},
		{"create anonymous", OpCreate, Context{Actor: ir.Anonymous, Data: own}, false, "authentication required"},
		{"update own", OpUpdate, Context{Actor: alice, PreviousData: own, Data: own.Merge(ir.Row{"name": "b"})}, true, ""},
		{"update other's", OpUpdate, Context{Actor: bob, PreviousData: own, Data: own.Merge(ir.Row{"name": "b"})}, false, "ownerId must be the acting user"},
		{"update immutable", OpUpdate, Context{Actor: alice, PreviousData: own, Data: own.Merge(ir.Row{"ownerId": "bob"})}, false, "ownerId must be the acting user"},
		{"admin changes owner", OpUpdate, Context{Actor: root, PreviousData: own, Data: own.Merge(ir.Row{"ownerId": "bob"})}, true, ""},
		{"delete own", OpDelete, Context{Actor: alice, PreviousData: own}, true, ""},
		{"delete other's", OpDelete, Context{Actor: bob, PreviousData: own}, false, "ownerId must be the acting user"},
		{"get loaded row", OpGet, Context{Actor: bob, Data: own}, false, "ownerId must be the acting user"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := e.Authorize(tt.op, "file", tt.ctx)
			assert.Equal(t, tt.allowed, d.Allowed, d.Reason)
			if !tt.allowed {
				assert.Equal(t, tt.reason, d.Reason)
			}
		})
	}
}

func TestPolicy_ImmutableWithoutOwnership(t *testing.T) {
	p := &Policy{
		Collection: "user",
		Levels:     map[Operation]Level{OpUpdate: LevelAuthenticated},
		Immutable:  []string{"role"},
	}
	prev := ir.Row{"id": "u1", "role": "member", "name": "a"}

	d, err := p.Evaluate(Context{Operation: OpUpdate, Actor: alice, PreviousData: prev, Data: prev.Merge(ir.Row{"role": "admin"})})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, "field role cannot be changed", d.Reason)

	d, err = p.Evaluate(Context{Operation: OpUpdate, Actor: alice, PreviousData: prev, Data: prev.Merge(ir.Row{"name": "b"})})
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestPolicy_Levels(t *testing.T) {
	p := &Policy{
		Collection: "task",
		Levels:     map[Operation]Level{OpGet: LevelPublic, OpCreate: LevelAdmin, OpDelete: LevelDeny},
	}

	d, _ := p.Evaluate(Context{Operation: OpGet, Actor: ir.Anonymous})
	assert.True(t, d.Allowed)
	d, _ = p.Evaluate(Context{Operation: OpCreate, Actor: alice})
	assert.False(t, d.Allowed)
	d, _ = p.Evaluate(Context{Operation: OpCreate, Actor: root})
	assert.True(t, d.Allowed)
	d, _ = p.Evaluate(Context{Operation: OpDelete, Actor: root})
	assert.False(t, d.Allowed)
	d, _ = p.Evaluate(Context{Operation: OpList, Actor: alice})
	assert.True(t, d.Allowed, "unset level needs authentication")

	_, err := (&Policy{Collection: "x", Levels: map[Operation]Level{OpGet: "weird"}}).Evaluate(Context{Operation: OpGet, Actor: alice})
	assert.Error(t, err)
}

func TestCanSee(t *testing.T) {
	e := newFileEngine()
	row := ir.Row{"id": "f1", "ownerId": "alice"}

	assert.True(t, e.CanSee("file", alice, row))
	assert.False(t, e.CanSee("file", bob, row))
	assert.True(t, e.CanSee("file", root, row))
	assert.True(t, e.CanSee("file", ir.SystemActor, row))
	assert.False(t, e.CanSee("file", ir.Anonymous, row))

	assert.True(t, e.CanSee("activity", bob, row), "default broadcast")
	assert.False(t, e.CanSee("activity", ir.Anonymous, row))
}

func TestCanSee_FailuresHide(t *testing.T) {
	e := NewEngine(Table{Broadcast: map[string]BroadcastRule{
		"err": BroadcastFunc(func(ir.Actor, ir.Row) (bool, error) { return true, errors.New("x") }),
		"panic": BroadcastFunc(func(ir.Actor, ir.Row) (bool, error) {
			panic("boom")
		}),
	}})
	assert.False(t, e.CanSee("err", alice, ir.Row{}))
	assert.False(t, e.CanSee("panic", alice, ir.Row{}))
}

func TestCheck(t *testing.T) {
	e := newFileEngine()
	err := e.Check(OpDelete, "file", Context{Actor: bob, PreviousData: ir.Row{"ownerId": "alice"}})
	require.Error(t, err)
	assert.True(t, IsDenied(err))
	assert.Equal(t, "delete file denied: ownerId must be the acting user", err.Error())

	assert.NoError(t, e.Check(OpDelete, "file", Context{Actor: alice, PreviousData: ir.Row{"ownerId": "alice"}}))
}
