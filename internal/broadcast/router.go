package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/roach88/shelf/internal/ir"
	"github.com/roach88/shelf/internal/metrics"
	"github.com/roach88/shelf/internal/queryir"
)

// DefaultDebounce is how long a subscription collects changes before a
// batch is sent.
const DefaultDebounce = 25 * time.Millisecond

// Reasons a subscription is removed, as reported in metrics.
const (
	ReasonUnsubscribe = "unsubscribe"
	ReasonTransport   = "transport"
	ReasonClosed      = "closed"
	ReasonResync      = "resync"
)

// Store is the read side of the record store the router needs.
// *store.Store implements it.
type Store interface {
	Snapshot(ctx context.Context, q *queryir.Query) (queryir.Result, int64, error)
	Query(ctx context.Context, q *queryir.Query) (queryir.Result, error)
}

// Authorizer decides what a subscriber may read. *rules.Engine implements
// it.
type Authorizer interface {
	AuthorizeQuery(q *queryir.Query, actor ir.Actor) (*queryir.Query, error)
	CanSee(collection string, actor ir.Actor, row ir.Row) bool
}

// Router fans change events out to live subscriptions.
//
// Thread-safety model:
//   - Deliver(), Subscribe(), Unsubscribe(), Flush(): safe from any goroutine
//   - Run(): must be called from exactly one goroutine
//
// Events are classified in the Run goroutine, one at a time in commit order.
// Classification is in-memory only; store reads (snapshots, join embeds) and
// transport sends happen on per-subscription goroutines, so a slow
// subscriber never stalls the others.
type Router struct {
	store    Store
	auth     Authorizer
	schema   queryir.Schema
	debounce time.Duration
	backOff  func() backoff.BackOff

	registry *Registry
	queue    *eventQueue

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// Option configures a Router.
type Option func(*Router)

// WithDebounce sets the coalescing window.
func WithDebounce(d time.Duration) Option {
	return func(r *Router) { r.debounce = d }
}

// WithSchema validates subscription queries against schema.
func WithSchema(schema queryir.Schema) Option {
	return func(r *Router) { r.schema = schema }
}

// WithResyncBackOff sets the retry policy for re-reading a window from the
// store. When it gives up the subscription is dropped.
func WithResyncBackOff(fn func() backoff.BackOff) Option {
	return func(r *Router) { r.backOff = fn }
}

// NewRouter creates a router reading from st and authorizing with auth.
func NewRouter(st Store, auth Authorizer, opts ...Option) *Router {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Router{
		store:    st,
		auth:     auth,
		debounce: DefaultDebounce,
		backOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 20 * time.Millisecond
			b.MaxElapsedTime = 30 * time.Second
			return b
		},
		registry: NewRegistry(),
		queue:    newEventQueue(),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Registry returns the subscription table.
func (r *Router) Registry() *Registry {
	return r.registry
}

// Deliver queues ev for routing. It implements capture.Sink and never
// blocks on subscribers.
func (r *Router) Deliver(_ context.Context, ev ir.ChangeEvent) error {
	if !r.queue.Enqueue(ev) {
		return ErrClosed
	}
	return nil
}

// Run routes queued events until ctx is cancelled or the router is closed.
//
// A failure while routing one event is logged and the loop continues.
func (r *Router) Run(ctx context.Context) error {
	slog.Info("broadcast router starting")

	for {
		ev, ok := r.queue.TryDequeue()
		if ok {
			r.route(ev)
			continue
		}

		select {
		case <-ctx.Done():
			slog.Info("broadcast router stopping: context cancelled")
			return ctx.Err()

		case <-r.queue.Wait():
			// The signal channel closes when the queue is closed.
			if r.queue.Len() == 0 && r.isClosed() {
				slog.Info("broadcast router stopping: queue closed")
				return nil
			}
		}
	}
}

// route classifies ev against every subscription on its collection.
func (r *Router) route(ev ir.ChangeEvent) {
	start := time.Now()
	defer func() {
		if rec := recover(); rec != nil {
			metrics.IncErrorCount(metrics.ComponentBroadcast)
			slog.Error("routing change event panicked",
				"seq", ev.Seq,
				"collection", ev.Collection,
				"panic", fmt.Sprint(rec),
			)
		}
		metrics.ObserveEvent(time.Since(start))
	}()

	for _, sub := range r.registry.ForCollection(ev.Collection) {
		dirty, resync := sub.handle(ev)
		if resync {
			r.resync(sub)
		} else if dirty {
			r.schedule(sub)
		}
	}
}

// Subscribe registers a live query for actor and returns its id and the
// initial result.
//
// The query is validated and authorized as a read; the rule's extra filters
// become part of the subscription. Events committed while the initial
// snapshot is read are buffered and replayed, so no change between the
// snapshot and the first patch is lost.
//
// Patches may be sent to t as soon as Subscribe returns. Use a Gate when the
// caller must deliver the initial result first.
func (r *Router) Subscribe(ctx context.Context, actor ir.Actor, q *queryir.Query, t Transport) (string, queryir.Result, error) {
	if err := queryir.Validate(q, r.schema); err != nil {
		return "", queryir.Result{}, err
	}
	authorized, err := r.auth.AuthorizeQuery(q, actor)
	if err != nil {
		return "", queryir.Result{}, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", queryir.Result{}, ErrClosed
	}
	collection := authorized.Collection
	sub := newSubscription(NewID(), actor, authorized, t, func(row ir.Row) bool {
		return r.auth.CanSee(collection, actor, row)
	})
	r.registry.Add(sub)
	r.mu.Unlock()
	metrics.SubscriptionAdded()

	res, seq, err := r.store.Snapshot(ctx, authorized)
	if err != nil {
		r.remove(sub.ID, ReasonResync)
		return "", queryir.Result{}, fmt.Errorf("subscribe %s: %w", collection, err)
	}

	dirty, resync := sub.prime(res, seq, true)
	if resync {
		r.resync(sub)
	} else if dirty {
		r.schedule(sub)
	}

	slog.Debug("subscription added",
		"subscription", sub.ID,
		"collection", collection,
		"actor", actor.String(),
		"total", res.Total,
	)
	return sub.ID, res, nil
}

// Unsubscribe removes the subscription. Future events produce no delivery;
// a batch still waiting on its transport is abandoned. Unknown ids are
// ignored, so calling it twice is safe.
func (r *Router) Unsubscribe(id string) bool {
	return r.remove(id, ReasonUnsubscribe)
}

// UnsubscribeTransport removes every subscription delivering to the
// transport with transportID and returns how many were removed.
func (r *Router) UnsubscribeTransport(transportID string) int {
	n := 0
	for _, sub := range r.registry.ByTransport(transportID) {
		if r.remove(sub.ID, ReasonClosed) {
			n++
		}
	}
	return n
}

func (r *Router) remove(id, reason string) bool {
	sub := r.registry.Remove(id)
	if sub == nil {
		return false
	}
	if !sub.close() {
		return false
	}
	metrics.SubscriptionRemoved(reason)
	slog.Debug("subscription removed", "subscription", id, "reason", reason)
	return true
}

// schedule arms the subscription's debounce timer.
func (r *Router) schedule(sub *Subscription) {
	sub.schedule(r.debounce, func() { r.flush(r.ctx, sub) })
}

// flush sends the subscription's pending changes, if any.
func (r *Router) flush(ctx context.Context, sub *Subscription) {
	sub.sendMu.Lock()
	defer sub.sendMu.Unlock()

	b, ok := sub.diff()
	if !ok {
		return
	}
	r.embed(ctx, sub, b.Changes)

	sendCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(sub.done, cancel)
	defer stop()

	if err := sub.transport.Send(sendCtx, b); err != nil {
		if sendCtx.Err() != nil {
			return
		}
		terr := &TransportError{SubscriptionID: sub.ID, Err: err}
		metrics.IncErrorCount(metrics.ComponentBroadcast)
		slog.Warn("dropping subscription", "subscription", sub.ID, "collection", sub.Collection, "error", terr)
		r.remove(sub.ID, ReasonTransport)
		return
	}
	metrics.PatchSent(sub.Collection)
}

// embed resolves the query's joins for inserted and updated rows, matching
// the lookup the SQL compiler performs: the first row by id whose foreign
// field equals the local value, or null.
func (r *Router) embed(ctx context.Context, sub *Subscription, patches []Patch) {
	joins := sub.Query.Joins
	if len(joins) == 0 {
		return
	}
	for _, p := range patches {
		if p.Event == ir.EventDelete {
			continue
		}
		for _, j := range joins {
			p.Data[j.As] = nil
			local := ir.Lookup(p.Data, j.LocalField.Path)
			if local == nil {
				continue
			}
			q := queryir.New(j.Collection).
				Where(queryir.Eq(j.ForeignField, local)).
				WithLimit(1)
			res, err := r.store.Query(ctx, q)
			if err != nil {
				slog.Warn("resolve join failed",
					"subscription", sub.ID,
					"join", j.As,
					"error", err,
				)
				continue
			}
			if len(res.Rows) > 0 {
				p.Data[j.As] = map[string]any(res.Rows[0])
			}
		}
	}
}

// resync re-reads the subscription's window from the store in the
// background. Events are buffered meanwhile and replayed afterwards.
func (r *Router) resync(sub *Subscription) {
	if !sub.beginResync() {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		var (
			res queryir.Result
			seq int64
		)
		op := func() (err error) {
			res, seq, err = r.store.Snapshot(r.ctx, sub.Query)
			return err
		}
		if err := backoff.Retry(op, backoff.WithContext(r.backOff(), r.ctx)); err != nil {
			if r.ctx.Err() == nil {
				metrics.IncErrorCount(metrics.ComponentBroadcast)
				slog.Warn("resync failed, dropping subscription", "subscription", sub.ID, "error", err)
			}
			r.remove(sub.ID, ReasonResync)
			return
		}

		dirty, again := sub.prime(res, seq, false)
		if again {
			r.resync(sub)
		} else if dirty {
			r.schedule(sub)
		}
	}()
}

// Flush sends every subscription's pending changes now, waiting for any
// window re-read in progress. It is used on shutdown and in tests.
func (r *Router) Flush(ctx context.Context) error {
	for _, sub := range r.registry.All() {
		select {
		case <-sub.waitPrimed():
		case <-ctx.Done():
			return ctx.Err()
		}
		r.flush(ctx, sub)
	}
	return ctx.Err()
}

// Close flushes pending changes, stops background work and removes every
// subscription. Run returns once queued events are drained.
func (r *Router) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.queue.Close()
	err := r.Flush(ctx)
	r.cancel()
	r.wg.Wait()
	for _, sub := range r.registry.All() {
		r.remove(sub.ID, ReasonClosed)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Router) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}
