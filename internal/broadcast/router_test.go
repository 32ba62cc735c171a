package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/shelf/internal/ir"
	"github.com/roach88/shelf/internal/queryir"
	"github.com/roach88/shelf/internal/rules"
	"github.com/roach88/shelf/internal/store"
)

var member = ir.User("u1", "member")

// recorder is a Transport that records batches and can be made to fail.
type recorder struct {
	id string

	mu      sync.Mutex
	batches []Batch
	fail    error
}

func (r *recorder) ID() string { return r.id }

func (r *recorder) Send(_ context.Context, b Batch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.batches = append(r.batches, b)
	return nil
}

func (r *recorder) all() []Batch {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Batch(nil), r.batches...)
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = nil
}

// fixture drives a router synchronously: writes go to a real store and
// pump() routes the resulting change events in commit order.
type fixture struct {
	t      *testing.T
	st     *store.Store
	router *Router
	cursor int64
}

func allowAll() rules.Table {
	return rules.Table{
		Default: rules.RuleFunc(func(rules.Context) (rules.Decision, error) {
			return rules.Allow(), nil
		}),
		DefaultBroadcast: rules.BroadcastFunc(func(ir.Actor, ir.Row) (bool, error) {
			return true, nil
		}),
	}
}

func newFixture(t *testing.T, table rules.Table, opts ...Option) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "broadcast.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	opts = append([]Option{WithDebounce(time.Hour)}, opts...)
	r := NewRouter(st, rules.NewEngine(table), opts...)
	t.Cleanup(func() { r.Close(context.Background()) })
	return &fixture{t: t, st: st, router: r}
}

func (f *fixture) insert(collection string, row ir.Row) {
	f.t.Helper()
	_, err := f.st.Insert(context.Background(), collection, row)
	require.NoError(f.t, err)
}

func (f *fixture) update(collection, id string, patch ir.Row) {
	f.t.Helper()
	_, _, err := f.st.Update(context.Background(), collection, id, patch)
	require.NoError(f.t, err)
}

func (f *fixture) delete(collection, id string) {
	f.t.Helper()
	_, err := f.st.Delete(context.Background(), collection, id)
	require.NoError(f.t, err)
}

func (f *fixture) pump() {
	f.t.Helper()
	events, err := f.st.ReadChanges(context.Background(), f.cursor, 10000)
	require.NoError(f.t, err)
	for _, ev := range events {
		f.router.route(ev)
		f.cursor = ev.Seq
	}
}

func (f *fixture) flush() {
	f.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(f.t, f.router.Flush(ctx))
}

func (f *fixture) subscribe(actor ir.Actor, q *queryir.Query, t Transport) (string, queryir.Result) {
	f.t.Helper()
	id, res, err := f.router.Subscribe(context.Background(), actor, q, t)
	require.NoError(f.t, err)
	return id, res
}

func ids(rows []ir.Row) []string {
	out := make([]string, len(rows))
	for i, row := range rows {
		out[i] = row.ID()
	}
	return out
}

func TestRouter_ActivityScenario(t *testing.T) {
	f := newFixture(t, allowAll())
	f.insert("activity", ir.Row{"id": "a1", "type": "CONNECT", "at": 1})
	f.insert("activity", ir.Row{"id": "a2", "type": "UPLOAD", "at": 2})
	f.insert("activity", ir.Row{"id": "a3", "type": "DISCONNECT", "at": 3})
	f.pump()

	rec := &recorder{id: "conn-1"}
	q := queryir.New("activity").
		Where(queryir.In{Field: queryir.F("type"), Values: []any{"CONNECT", "DISCONNECT"}}).
		WithSort(queryir.F("at"), queryir.Desc).
		WithLimit(4)
	id, res := f.subscribe(member, q, rec)
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, []string{"a3", "a1"}, ids(res.Rows))

	// A non-matching insert produces no delivery.
	f.insert("activity", ir.Row{"id": "a4", "type": "UPLOAD", "at": 4})
	f.pump()
	f.flush()
	assert.Empty(t, rec.all())

	// An update that makes a row match is delivered as an insert.
	f.update("activity", "a2", ir.Row{"type": "CONNECT"})
	f.pump()
	f.flush()

	batches := rec.all()
	require.Len(t, batches, 1)
	b := batches[0]
	assert.Equal(t, id, b.SubscriptionID)
	assert.Equal(t, "activity", b.Collection)
	assert.Equal(t, 3, b.Total)
	require.Len(t, b.Changes, 1)
	assert.Equal(t, ir.EventInsert, b.Changes[0].Event)
	assert.Equal(t, "a2", b.Changes[0].Data.ID())
	assert.Equal(t, "CONNECT", b.Changes[0].Data["type"])
}

func TestRouter_UpdateAndLeave(t *testing.T) {
	f := newFixture(t, allowAll())
	f.insert("item", ir.Row{"id": "i1", "status": "open", "rank": 1})
	f.pump()

	rec := &recorder{id: "conn"}
	f.subscribe(member, queryir.New("item").Where(queryir.Eq("status", "open")), rec)

	f.update("item", "i1", ir.Row{"rank": 2})
	f.pump()
	f.flush()
	require.Len(t, rec.all(), 1)
	change := rec.all()[0].Changes[0]
	assert.Equal(t, ir.EventUpdate, change.Event)
	assert.Equal(t, json.Number("2"), change.Data["rank"])
	rec.reset()

	f.update("item", "i1", ir.Row{"status": "closed"})
	f.pump()
	f.flush()
	require.Len(t, rec.all(), 1)
	b := rec.all()[0]
	assert.Equal(t, 0, b.Total)
	require.Len(t, b.Changes, 1)
	assert.Equal(t, ir.EventDelete, b.Changes[0].Event)
	assert.False(t, b.Changes[0].Evicted)
}

func TestRouter_LimitEvictsAndCounts(t *testing.T) {
	f := newFixture(t, allowAll())
	f.insert("item", ir.Row{"id": "r1", "rank": 1})
	f.insert("item", ir.Row{"id": "r5", "rank": 5})
	f.pump()

	rec := &recorder{id: "conn"}
	q := queryir.New("item").WithSort(queryir.F("rank"), queryir.Asc).WithLimit(2)
	id, res := f.subscribe(member, q, rec)
	assert.Equal(t, []string{"r1", "r5"}, ids(res.Rows))

	// r3 sorts ahead of the last visible row and evicts it.
	f.insert("item", ir.Row{"id": "r3", "rank": 3})
	f.pump()
	f.flush()
	batches := rec.all()
	require.Len(t, batches, 1)
	assert.Equal(t, 3, batches[0].Total)
	require.Len(t, batches[0].Changes, 2)
	assert.Equal(t, Patch{Event: ir.EventInsert, Data: batches[0].Changes[0].Data}, batches[0].Changes[0])
	assert.Equal(t, "r3", batches[0].Changes[0].Data.ID())
	assert.Equal(t, ir.EventDelete, batches[0].Changes[1].Event)
	assert.Equal(t, "r5", batches[0].Changes[1].Data.ID())
	assert.True(t, batches[0].Changes[1].Evicted)
	rec.reset()

	// r9 sorts after the window: only the total changes.
	f.insert("item", ir.Row{"id": "r9", "rank": 9})
	f.pump()
	f.flush()
	batches = rec.all()
	require.Len(t, batches, 1)
	assert.Empty(t, batches[0].Changes)
	assert.Equal(t, 4, batches[0].Total)

	sub, ok := f.router.Registry().Get(id)
	require.True(t, ok)
	rows, total := sub.Window()
	assert.Equal(t, []string{"r1", "r3"}, ids(rows))
	assert.Equal(t, 4, total)
}

func TestRouter_RefillsWindowAfterDelete(t *testing.T) {
	f := newFixture(t, allowAll())
	for _, rank := range []int{1, 3, 5, 9} {
		f.insert("item", ir.Row{"id": fmt.Sprintf("r%d", rank), "rank": rank})
	}
	f.pump()

	rec := &recorder{id: "conn"}
	q := queryir.New("item").WithSort(queryir.F("rank"), queryir.Asc).WithLimit(2)
	id, _ := f.subscribe(member, q, rec)

	f.delete("item", "r1")
	f.pump()
	f.flush()

	batches := rec.all()
	require.Len(t, batches, 1)
	b := batches[0]
	assert.Equal(t, 3, b.Total)
	require.Len(t, b.Changes, 2)
	assert.Equal(t, ir.EventDelete, b.Changes[0].Event)
	assert.Equal(t, "r1", b.Changes[0].Data.ID())
	assert.Equal(t, ir.EventInsert, b.Changes[1].Event)
	assert.Equal(t, "r5", b.Changes[1].Data.ID())

	sub, _ := f.router.Registry().Get(id)
	rows, total := sub.Window()
	assert.Equal(t, []string{"r3", "r5"}, ids(rows))
	assert.Equal(t, 3, total)
}

func TestRouter_RefillsWhenLastRowMovesBack(t *testing.T) {
	f := newFixture(t, allowAll())
	for _, rank := range []int{1, 3, 5} {
		f.insert("item", ir.Row{"id": fmt.Sprintf("r%d", rank), "rank": rank})
	}
	f.pump()

	rec := &recorder{id: "conn"}
	q := queryir.New("item").WithSort(queryir.F("rank"), queryir.Asc).WithLimit(2)
	id, _ := f.subscribe(member, q, rec)

	// r1 moves behind r5, which was outside the window.
	f.update("item", "r1", ir.Row{"rank": 7})
	f.pump()
	f.flush()

	sub, _ := f.router.Registry().Get(id)
	rows, total := sub.Window()
	assert.Equal(t, []string{"r3", "r5"}, ids(rows))
	assert.Equal(t, 3, total)

	batches := rec.all()
	require.Len(t, batches, 1)
	events := map[string]ir.EventType{}
	for _, c := range batches[0].Changes {
		events[c.Data.ID()] = c.Event
	}
	assert.Equal(t, map[string]ir.EventType{"r1": ir.EventDelete, "r5": ir.EventInsert}, events)
}

func TestRouter_CoalescesBurst(t *testing.T) {
	f := newFixture(t, allowAll())
	rec := &recorder{id: "conn"}
	f.subscribe(member, queryir.New("item"), rec)

	f.insert("item", ir.Row{"id": "x", "v": 1})
	f.update("item", "x", ir.Row{"v": 2})
	f.update("item", "x", ir.Row{"v": 3})
	f.insert("item", ir.Row{"id": "y", "v": 1})
	f.delete("item", "y")
	f.pump()
	f.flush()

	batches := rec.all()
	require.Len(t, batches, 1, "a burst produces one batch")
	require.Len(t, batches[0].Changes, 1, "y was inserted and deleted within the window")
	assert.Equal(t, ir.EventInsert, batches[0].Changes[0].Event)
	assert.Equal(t, json.Number("3"), batches[0].Changes[0].Data["v"])
	assert.Equal(t, 1, batches[0].Total)
}

func TestRouter_BatchFollowsCommitOrder(t *testing.T) {
	f := newFixture(t, allowAll())
	rec := &recorder{id: "conn"}
	f.subscribe(member, queryir.New("item"), rec)

	f.insert("item", ir.Row{"id": "p"})
	f.insert("item", ir.Row{"id": "q"})
	f.update("item", "p", ir.Row{"v": 1})
	f.insert("item", ir.Row{"id": "a"})
	f.pump()
	f.flush()

	batches := rec.all()
	require.Len(t, batches, 1)
	var order []string
	for _, c := range batches[0].Changes {
		order = append(order, c.Data.ID())
	}
	assert.Equal(t, []string{"q", "p", "a"}, order)
}

func TestRouter_NoDeliveryAfterUnsubscribe(t *testing.T) {
	f := newFixture(t, allowAll())
	rec := &recorder{id: "conn"}
	id, _ := f.subscribe(member, queryir.New("item"), rec)

	// A pending change is dropped with the subscription.
	f.insert("item", ir.Row{"id": "i1"})
	f.pump()

	assert.True(t, f.router.Unsubscribe(id))
	assert.False(t, f.router.Unsubscribe(id), "unsubscribe is idempotent")

	f.insert("item", ir.Row{"id": "i2"})
	f.pump()
	f.flush()

	assert.Empty(t, rec.all())
	assert.Equal(t, 0, f.router.Registry().Len())
}

func TestRouter_UnsubscribeReleasesSendBlockedAtGate(t *testing.T) {
	f := newFixture(t, allowAll())
	rec := &recorder{id: "conn"}
	gate := NewGate(rec)
	id, _ := f.subscribe(member, queryir.New("item"), gate)

	f.insert("item", ir.Row{"id": "i1"})
	f.pump()
	sub, ok := f.router.Registry().Get(id)
	require.True(t, ok)

	// The gate is never opened, as when the snapshot could not be queued.
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.router.flush(context.Background(), sub)
	}()
	select {
	case <-done:
		t.Fatal("flush returned while the gate was closed")
	case <-time.After(20 * time.Millisecond):
	}

	require.True(t, f.router.Unsubscribe(id))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("flush still blocked after unsubscribe")
	}
	assert.Empty(t, rec.all())
}

func TestRouter_TransportFailureIsIsolated(t *testing.T) {
	f := newFixture(t, allowAll())
	bad := &recorder{id: "bad", fail: errors.New("broken pipe")}
	good := &recorder{id: "good"}
	badID, _ := f.subscribe(member, queryir.New("item"), bad)
	goodID, _ := f.subscribe(member, queryir.New("item"), good)

	f.insert("item", ir.Row{"id": "i1"})
	f.pump()
	f.flush()

	_, ok := f.router.Registry().Get(badID)
	assert.False(t, ok, "failed subscription is removed")
	_, ok = f.router.Registry().Get(goodID)
	assert.True(t, ok)
	require.Len(t, good.all(), 1)

	f.insert("item", ir.Row{"id": "i2"})
	f.pump()
	f.flush()
	assert.Len(t, good.all(), 2)
}

func TestRouter_UnsubscribeTransport(t *testing.T) {
	f := newFixture(t, allowAll())
	conn := &recorder{id: "conn"}
	other := &recorder{id: "other"}
	f.subscribe(member, queryir.New("item"), conn)
	f.subscribe(member, queryir.New("task"), conn)
	f.subscribe(member, queryir.New("item"), other)

	assert.Equal(t, 2, f.router.UnsubscribeTransport("conn"))
	assert.Equal(t, 0, f.router.UnsubscribeTransport("conn"))
	assert.Equal(t, 1, f.router.Registry().Len())
}

func TestRouter_AppliesRuleFilters(t *testing.T) {
	notes := &rules.Policy{
		Collection: "note",
		OwnerField: "ownerId",
		Levels: map[rules.Operation]rules.Level{
			rules.OpList: rules.LevelOwner,
			rules.OpGet:  rules.LevelOwner,
		},
		Broadcast: rules.LevelOwner,
	}
	f := newFixture(t, rules.Table{
		Database:  map[string]rules.Rule{"note": notes},
		Broadcast: map[string]rules.BroadcastRule{"note": notes},
	})
	f.insert("note", ir.Row{"id": "n1", "ownerId": "u1"})
	f.insert("note", ir.Row{"id": "n2", "ownerId": "u2"})
	f.pump()

	rec := &recorder{id: "conn"}
	_, res := f.subscribe(member, queryir.New("note"), rec)
	assert.Equal(t, []string{"n1"}, ids(res.Rows))
	assert.Equal(t, 1, res.Total)

	f.insert("note", ir.Row{"id": "n3", "ownerId": "u2"})
	f.pump()
	f.flush()
	assert.Empty(t, rec.all(), "rows of other owners are never delivered")

	f.insert("note", ir.Row{"id": "n4", "ownerId": "u1"})
	f.pump()
	f.flush()
	require.Len(t, rec.all(), 1)
	assert.Equal(t, 2, rec.all()[0].Total)
}

func TestRouter_BroadcastRuleHidesRows(t *testing.T) {
	table := allowAll()
	table.Broadcast = map[string]rules.BroadcastRule{
		"item": rules.BroadcastFunc(func(_ ir.Actor, row ir.Row) (bool, error) {
			if row["secret"] == true {
				return false, nil
			}
			if row["boom"] == true {
				return false, errors.New("rule failed")
			}
			return true, nil
		}),
	}
	f := newFixture(t, table)
	rec := &recorder{id: "conn"}
	f.subscribe(member, queryir.New("item"), rec)

	f.insert("item", ir.Row{"id": "s", "secret": true})
	f.insert("item", ir.Row{"id": "b", "boom": true})
	f.pump()
	f.flush()
	assert.Empty(t, rec.all())
}

func TestRouter_SubscribeErrors(t *testing.T) {
	f := newFixture(t, rules.Table{}, WithSchema(queryir.Schema{"item": {"id": {}, "rank": {}}}))
	rec := &recorder{id: "conn"}

	_, _, err := f.router.Subscribe(context.Background(), ir.Anonymous, queryir.New("item"), rec)
	assert.True(t, rules.IsDenied(err), "anonymous actors need authentication by default")

	_, _, err = f.router.Subscribe(context.Background(), member, queryir.New("item").Where(queryir.Eq("missing", 1)), rec)
	assert.True(t, queryir.IsValidation(err))

	_, _, err = f.router.Subscribe(context.Background(), member, queryir.New("item").WithLimit(0), rec)
	assert.True(t, queryir.IsValidation(err))

	assert.Equal(t, 0, f.router.Registry().Len())

	require.NoError(t, f.router.Close(context.Background()))
	_, _, err = f.router.Subscribe(context.Background(), member, queryir.New("item"), rec)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRouter_ResolvesJoinsOnFlush(t *testing.T) {
	f := newFixture(t, allowAll())
	f.insert("user", ir.Row{"id": "u1", "name": "ann"})
	f.pump()

	rec := &recorder{id: "conn"}
	q := queryir.New("file").WithJoin(queryir.Join{
		Collection:   "user",
		As:           "owner",
		LocalField:   queryir.F("ownerId"),
		ForeignField: "id",
	})
	id, _ := f.subscribe(member, q, rec)

	f.insert("file", ir.Row{"id": "f1", "ownerId": "u1"})
	f.insert("file", ir.Row{"id": "f2", "ownerId": "ghost"})
	f.pump()
	f.flush()

	batches := rec.all()
	require.Len(t, batches, 1)
	require.Len(t, batches[0].Changes, 2)
	assert.Equal(t, map[string]any{"id": "u1", "name": "ann"}, batches[0].Changes[0].Data["owner"])
	v, has := batches[0].Changes[1].Data["owner"]
	assert.True(t, has)
	assert.Nil(t, v)

	sub, _ := f.router.Registry().Get(id)
	rows, _ := sub.Window()
	require.Len(t, rows, 2)
	_, cached := rows[0]["owner"]
	assert.False(t, cached, "the window holds rows without embeds")
}

func TestRouter_CountSubscription(t *testing.T) {
	f := newFixture(t, allowAll())
	rec := &recorder{id: "conn"}
	_, res := f.subscribe(member, queryir.New("item").WithMode(queryir.ModeCount), rec)
	assert.Equal(t, 0, res.Total)

	f.insert("item", ir.Row{"id": "i1"})
	f.insert("item", ir.Row{"id": "i2"})
	f.pump()
	f.flush()

	batches := rec.all()
	require.Len(t, batches, 1)
	assert.Empty(t, batches[0].Changes)
	assert.Equal(t, 2, batches[0].Total)
}

func TestRouter_RunDeliversThroughGate(t *testing.T) {
	f := newFixture(t, allowAll(), WithDebounce(5*time.Millisecond))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.router.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)
	})

	rec := &recorder{id: "conn"}
	gate := NewGate(rec)
	_, _, err := f.router.Subscribe(context.Background(), member, queryir.New("item"), gate)
	require.NoError(t, err)

	f.insert("item", ir.Row{"id": "i1"})
	events, err := f.st.ReadChanges(context.Background(), 0, 10)
	require.NoError(t, err)
	for _, ev := range events {
		require.NoError(t, f.router.Deliver(context.Background(), ev))
	}

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.all(), "batches wait for the gate")

	gate.Open()
	gate.Open()
	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "i1", rec.all()[0].Changes[0].Data.ID())
}

// client applies batches the way a subscriber does, without any knowledge
// of the router's internals.
type client struct {
	q     *queryir.Query
	rows  map[string]ir.Row
	total int
}

func newClient(q *queryir.Query, res queryir.Result) *client {
	c := &client{q: q, rows: map[string]ir.Row{}, total: res.Total}
	for _, row := range res.Rows {
		c.rows[row.ID()] = row
	}
	return c
}

func (c *client) apply(b Batch) {
	for _, p := range b.Changes {
		switch p.Event {
		case ir.EventInsert, ir.EventUpdate:
			c.rows[p.Data.ID()] = p.Data
		case ir.EventDelete:
			delete(c.rows, p.Data.ID())
		}
	}
	c.total = b.Total
}

func (c *client) view() []ir.Row {
	out := make([]ir.Row, 0, len(c.rows))
	for _, row := range c.rows {
		out = append(out, row)
	}
	c.q.SortRows(out)
	return out
}

func TestRouter_ConvergesWithFreshQuery(t *testing.T) {
	f := newFixture(t, allowAll())
	ctx := context.Background()
	q := queryir.New("item").
		Where(queryir.Eq("status", "open")).
		WithSort(queryir.F("rank"), queryir.Asc).
		WithLimit(3)

	rng := rand.New(rand.NewSource(7))
	exists := map[string]bool{}
	for i := 0; i < 6; i++ {
		id := fmt.Sprintf("i%d", i)
		f.insert("item", ir.Row{"id": id, "status": "open", "rank": rng.Intn(20)})
		exists[id] = true
	}
	f.pump()

	rec := &recorder{id: "conn"}
	_, res := f.subscribe(member, q, rec)
	c := newClient(q, res)

	statuses := []string{"open", "open", "closed"}
	for step := 0; step < 300; step++ {
		id := fmt.Sprintf("i%d", rng.Intn(10))
		switch {
		case !exists[id]:
			f.insert("item", ir.Row{"id": id, "status": statuses[rng.Intn(3)], "rank": rng.Intn(20)})
			exists[id] = true
		case rng.Intn(4) == 0:
			f.delete("item", id)
			exists[id] = false
		default:
			f.update("item", id, ir.Row{"status": statuses[rng.Intn(3)], "rank": rng.Intn(20)})
		}
		f.pump()

		if step%5 != 4 {
			continue
		}
		f.flush()
		for _, b := range rec.all() {
			c.apply(b)
		}
		rec.reset()

		fresh, err := f.st.Query(ctx, q)
		require.NoError(t, err)
		require.Equal(t, ids(fresh.Rows), ids(c.view()), "step %d", step)
		require.Equal(t, fresh.Total, c.total, "step %d", step)
		require.LessOrEqual(t, len(c.view()), 3)
	}
}
