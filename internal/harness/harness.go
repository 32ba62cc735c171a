// Package harness runs live-query scenarios end to end.
//
// A scenario is a YAML file naming a rules source, seed rows, live
// subscriptions and a sequence of writes. The harness runs each scenario
// against a real SQLite store, change capture pump and broadcast router,
// with one reconciler per subscription. After every write it waits until
// each reconciled view equals a fresh read of the same query as the same
// actor; a view that never converges fails the scenario.
//
// # Scenario Format
//
//	name: activity_feed
//	description: "Feed of connection events"
//	rules: |
//	  collections: activity: {
//	    fields: ["id", "type", "at"]
//	  }
//	actors:
//	  u1: {id: u1, role: member}
//	seed:
//	  activity:
//	    - {id: a1, type: CONNECT, at: 1}
//	subscriptions:
//	  - name: feed
//	    actor: u1
//	    query:
//	      collection: activity
//	      conditions: [{field: type, operator: IN, value: [CONNECT, DISCONNECT]}]
//	      sort: {field: at, direction: desc}
//	      limit: 4
//	steps:
//	  - op: insert
//	    collection: activity
//	    data: {id: a2, type: UPLOAD, at: 2}
//	  - op: delete
//	    collection: activity
//	    id: a1
//	    actor: u2
//	    expect_error: denied
//	assertions:
//	  - type: view
//	    subscription: feed
//	    ids: [a1]
//	    total: 1
//	  - type: final_state
//	    collection: activity
//	    id: a1
//	    expect: {type: CONNECT}
//
// Steps without an actor write as the system actor. Timestamps come from a
// deterministic clock and generated ids are sequential, so the per-step
// trace can be compared against a golden file (see RunWithGolden).
package harness

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/shelf/internal/broadcast"
	"github.com/roach88/shelf/internal/capture"
	"github.com/roach88/shelf/internal/compiler"
	"github.com/roach88/shelf/internal/ir"
	"github.com/roach88/shelf/internal/queryir"
	"github.com/roach88/shelf/internal/reconcile"
	"github.com/roach88/shelf/internal/rules"
	"github.com/roach88/shelf/internal/service"
	"github.com/roach88/shelf/internal/store"
	"github.com/roach88/shelf/internal/testutil"
)

// Error codes for Step.ExpectError.
const (
	CodeDenied     = "denied"
	CodeValidation = "validation"
	CodeNotFound   = "not_found"
	CodeConflict   = "conflict"
)

const (
	DefaultTimeout  = 2 * time.Second
	DefaultDebounce = 2 * time.Millisecond
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// Option configures Run.
type Option func(*options)

type options struct {
	timeout  time.Duration
	debounce time.Duration
}

// WithTimeout bounds how long a step may take to converge.
func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithDebounce sets the router's patch coalescing window.
func WithDebounce(d time.Duration) Option {
	return func(o *options) { o.debounce = d }
}

// Harness holds the running components of one scenario.
type Harness struct {
	scenario *Scenario
	store    *store.Store
	router   *broadcast.Router
	records  *service.Records
	subs     []*liveSub
	timeout  time.Duration
}

type liveSub struct {
	name  string
	actor ir.Actor
	query *queryir.Query
	conn  *reconcile.LocalConn
	view  *reconcile.Reconciler
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh database for isolation. Run returns an
// error only when the scenario cannot be set up: its rules do not compile,
// a seed row is rejected or a subscription is refused. Failed steps and
// assertions are reported in the Result.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	o := options{timeout: DefaultTimeout, debounce: DefaultDebounce}
	for _, opt := range opts {
		opt(&o)
	}

	cfg, err := compiler.CompileRules(cuecontext.New().CompileString(scenario.Rules, cue.Filename(scenario.Name+".cue")))
	if err != nil {
		return nil, fmt.Errorf("compile rules: %w", err)
	}

	dir, err := os.MkdirTemp("", "shelf-harness-*")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	clock := testutil.NewClock(epoch, time.Millisecond)
	st, err := store.Open(filepath.Join(dir, "harness.db"),
		store.WithClock(clock.Now),
		store.WithIDGenerator(testutil.NewSequenceGenerator("seed")),
	)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if err := seed(ctx, st, scenario.Seed); err != nil {
		return nil, err
	}

	engine := rules.NewEngine(cfg.Table())
	router := broadcast.NewRouter(st, engine,
		broadcast.WithDebounce(o.debounce),
		broadcast.WithSchema(cfg.Schema),
	)
	head, err := st.Head(ctx)
	if err != nil {
		return nil, err
	}
	pump := capture.New(st, router, capture.WithStartAt(head), capture.WithPollInterval(5*time.Millisecond))
	st.OnCommit(func(int64) { pump.Notify() })

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return router.Run(gctx) })
	g.Go(func() error { return pump.Run(gctx) })
	defer func() {
		cancel()
		_ = g.Wait()
		_ = router.Close(context.Background())
	}()

	h := &Harness{
		scenario: scenario,
		store:    st,
		router:   router,
		records: service.NewRecords(st, engine,
			service.WithSchema(cfg.Schema),
			service.WithIDGenerator(testutil.NewSequenceGenerator("row")),
		),
		timeout: o.timeout,
	}
	defer h.close()

	if err := h.subscribe(ctx); err != nil {
		return nil, err
	}

	result := NewResult()
	h.execute(ctx, result)

	for _, sub := range h.subs {
		result.Views[sub.name] = sub.view.View()
	}
	for _, msg := range EvaluateAssertions(ctx, result, scenario.Assertions, st) {
		result.AddError(msg)
	}
	return result, nil
}

func seed(ctx context.Context, st *store.Store, rows map[string][]map[string]any) error {
	collections := make([]string, 0, len(rows))
	for c := range rows {
		collections = append(collections, c)
	}
	sort.Strings(collections)
	for _, c := range collections {
		for i, row := range rows[c] {
			if _, err := st.Insert(ctx, c, ir.Row(row)); err != nil {
				return fmt.Errorf("seed %s[%d]: %w", c, i, err)
			}
		}
	}
	return nil
}

func (h *Harness) actor(name string) ir.Actor {
	if name == "" {
		return ir.Anonymous
	}
	a := h.scenario.Actors[name]
	return ir.User(a.ID, a.Role)
}

func (h *Harness) subscribe(ctx context.Context) error {
	for _, spec := range h.scenario.Subscriptions {
		q, err := spec.Query.Build()
		if err != nil {
			return fmt.Errorf("subscription %s: %w", spec.Name, err)
		}
		actor := h.actor(spec.Actor)
		conn := reconcile.NewLocalConn(h.router, actor)
		view := reconcile.New(conn, q)
		if err := view.Start(ctx); err != nil {
			conn.Close()
			return fmt.Errorf("subscription %s: %w", spec.Name, err)
		}
		h.subs = append(h.subs, &liveSub{name: spec.Name, actor: actor, query: q, conn: conn, view: view})
	}
	return nil
}

func (h *Harness) close() {
	for _, sub := range h.subs {
		_ = sub.view.Close(context.Background())
		sub.conn.Close()
	}
}

// execute applies every step, recording converged views. It stops at the
// first step whose views do not converge.
func (h *Harness) execute(ctx context.Context, result *Result) {
	if !h.record(ctx, result, StepTrace{Step: 0, Label: "seed"}) {
		return
	}
	for i, step := range h.scenario.Steps {
		n := i + 1
		trace := StepTrace{Step: n, Label: step.Label()}

		err := h.apply(ctx, step)
		code := errorCode(err)
		switch {
		case step.ExpectError != "" && err == nil:
			result.AddError(fmt.Sprintf("step %d (%s): expected %s error, write succeeded", n, trace.Label, step.ExpectError))
		case step.ExpectError != "" && code != step.ExpectError:
			result.AddError(fmt.Sprintf("step %d (%s): expected %s error, got %v", n, trace.Label, step.ExpectError, err))
		case step.ExpectError == "" && err != nil:
			result.AddError(fmt.Sprintf("step %d (%s): %v", n, trace.Label, err))
		}
		if err != nil {
			trace.Error = code
		}

		if !h.record(ctx, result, trace) {
			return
		}
	}
}

func (h *Harness) apply(ctx context.Context, step Step) error {
	actor := ir.SystemActor
	if step.Actor != "" {
		actor = h.actor(step.Actor)
	}
	var err error
	switch step.Op {
	case OpInsert:
		_, err = h.records.Create(ctx, actor, step.Collection, ir.Row(step.Data).Clone())
	case OpUpdate:
		_, err = h.records.Update(ctx, actor, step.Collection, step.ID, ir.Row(step.Data).Clone())
	case OpDelete:
		_, err = h.records.Delete(ctx, actor, step.Collection, step.ID)
	default:
		err = fmt.Errorf("unknown op %q", step.Op)
	}
	return err
}

// record waits for every subscription to converge and appends the views to
// the trace. It reports false when a view did not converge in time.
func (h *Harness) record(ctx context.Context, result *Result, trace StepTrace) bool {
	for _, sub := range h.subs {
		state, err := h.converge(ctx, sub)
		if err != nil {
			result.AddError(fmt.Sprintf("step %d (%s): %v", trace.Step, trace.Label, err))
			return false
		}
		trace.Views = append(trace.Views, state)
	}
	result.Trace = append(result.Trace, trace)
	return true
}

// converge polls until sub's reconciled view equals a fresh read.
func (h *Harness) converge(ctx context.Context, sub *liveSub) (ViewState, error) {
	deadline := time.Now().Add(h.timeout)
	for {
		want, err := h.records.Query(ctx, sub.actor, sub.query)
		if err != nil {
			return ViewState{}, fmt.Errorf("read %s: %w", sub.name, err)
		}
		got := sub.view.View()
		if got.Total == want.Total && rowsEqual(got.Rows, want.Rows) {
			return ViewState{Subscription: sub.name, IDs: rowIDs(got.Rows), Total: got.Total}, nil
		}
		if time.Now().After(deadline) {
			return ViewState{}, fmt.Errorf("subscription %s did not converge: view total=%d %s, store total=%d %s",
				sub.name, got.Total, formatIDs(rowIDs(got.Rows)), want.Total, formatIDs(rowIDs(want.Rows)))
		}
		select {
		case <-ctx.Done():
			return ViewState{}, ctx.Err()
		case <-sub.view.Updates():
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func rowsEqual(a, b []ir.Row) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !ir.ValuesEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

func rowIDs(rows []ir.Row) []string {
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID()
	}
	return ids
}

func formatIDs(ids []string) string {
	return "[" + strings.Join(ids, " ") + "]"
}

// errorCode classifies a write error for expect_error.
func errorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case rules.IsDenied(err):
		return CodeDenied
	case queryir.IsValidation(err), errors.Is(err, store.ErrInvalidRecord):
		return CodeValidation
	case errors.Is(err, store.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, store.ErrConflict):
		return CodeConflict
	default:
		return "error"
	}
}
