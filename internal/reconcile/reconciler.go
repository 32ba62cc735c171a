// Package reconcile keeps a client-side copy of a live query in sync with
// the patch batches a subscription delivers.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/shelf/internal/broadcast"
	"github.com/roach88/shelf/internal/ir"
	"github.com/roach88/shelf/internal/queryir"
)

// Sink receives the batches of one subscription.
type Sink func(b broadcast.Batch)

// Conn is a connection that can open live subscriptions. LocalConn serves
// in-process callers; transport.Client speaks the websocket protocol.
type Conn interface {
	Subscribe(ctx context.Context, q *queryir.Query, sink Sink) (string, queryir.Result, error)
	Unsubscribe(ctx context.Context, id string) error
}

// ErrClosed is returned by operations on a closed Reconciler.
var ErrClosed = errors.New("reconcile: closed")

// Snapshot is the reconciled state of a live query.
type Snapshot struct {
	Rows  []ir.Row `json:"rows"`
	Total int      `json:"total"`
	// Limit is the window size currently requested, zero when unlimited.
	Limit int `json:"limit,omitempty"`
}

// Reconciler holds the ordered rows and total of one live query.
//
// The server's total and sort order are authoritative: batches replace
// whole rows and carry the total, and LoadMore re-asks for a larger window
// instead of paging.
type Reconciler struct {
	conn  Conn
	query *queryir.Query

	mu          sync.Mutex
	subID       string
	rows        []ir.Row
	total       int
	limit       int
	started     bool
	closed      bool
	subscribing bool
	pending     []broadcast.Batch

	updates chan struct{}
}

// New returns a reconciler for q over conn. Call Start to subscribe.
func New(conn Conn, q *queryir.Query) *Reconciler {
	limit, _ := q.LimitValue()
	return &Reconciler{
		conn:    conn,
		query:   q,
		limit:   limit,
		updates: make(chan struct{}, 1),
	}
}

// Start subscribes and installs the initial result.
func (r *Reconciler) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = true
	r.mu.Unlock()

	return r.subscribe(ctx, r.query)
}

// subscribe opens a subscription for q and swaps it in, releasing the
// previous one. Batches that arrive before Subscribe returns are held and
// replayed once the initial result is in place.
func (r *Reconciler) subscribe(ctx context.Context, q *queryir.Query) error {
	r.mu.Lock()
	r.subscribing = true
	r.mu.Unlock()

	id, res, err := r.conn.Subscribe(ctx, q, r.Apply)

	r.mu.Lock()
	r.subscribing = false
	pending := r.pending
	r.pending = nil
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", q.Collection, err)
	}
	if r.closed {
		r.mu.Unlock()
		return r.conn.Unsubscribe(ctx, id)
	}

	old := r.subID
	r.subID = id
	r.rows = append([]ir.Row(nil), res.Rows...)
	r.total = res.Total
	r.limit, _ = q.LimitValue()
	for _, b := range pending {
		if b.SubscriptionID == id {
			r.applyLocked(b)
		}
	}
	r.mu.Unlock()
	r.notify()

	if old != "" {
		if err := r.conn.Unsubscribe(ctx, old); err != nil {
			slog.Warn("release previous subscription failed", "subscription", old, "error", err)
		}
	}
	return nil
}

// Apply merges a batch into the local state. Batches for a subscription
// other than the current one are ignored.
func (r *Reconciler) Apply(b broadcast.Batch) {
	r.mu.Lock()
	switch {
	case r.closed:
		r.mu.Unlock()
		return
	case b.SubscriptionID == r.subID:
		r.applyLocked(b)
	case r.subscribing:
		r.pending = append(r.pending, b)
		r.mu.Unlock()
		return
	default:
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	r.notify()
}

func (r *Reconciler) applyLocked(b broadcast.Batch) {
	for _, p := range b.Changes {
		id := p.Data.ID()
		idx := r.indexOf(id)
		switch p.Event {
		case ir.EventInsert, ir.EventUpdate:
			row := p.Data.Clone()
			if idx >= 0 {
				r.keepEmbeds(row, r.rows[idx])
				r.rows = append(r.rows[:idx], r.rows[idx+1:]...)
			}
			pos := r.query.Position(r.rows, row)
			r.rows = append(r.rows, nil)
			copy(r.rows[pos+1:], r.rows[pos:])
			r.rows[pos] = row
		case ir.EventDelete:
			if idx >= 0 {
				r.rows = append(r.rows[:idx], r.rows[idx+1:]...)
			}
		}
	}
	if r.limit > 0 && len(r.rows) > r.limit {
		r.rows = r.rows[:r.limit]
	}
	r.total = b.Total
}

// keepEmbeds copies join embeds the patch did not carry from the previous
// version of the row.
func (r *Reconciler) keepEmbeds(row, prev ir.Row) {
	for _, j := range r.query.Joins {
		if _, ok := row[j.As]; !ok {
			if v, had := prev[j.As]; had {
				row[j.As] = v
			}
		}
	}
}

func (r *Reconciler) indexOf(id string) int {
	for i, row := range r.rows {
		if row.ID() == id {
			return i
		}
	}
	return -1
}

func (r *Reconciler) notify() {
	select {
	case r.updates <- struct{}{}:
	default:
	}
}

// View returns a copy of the current state.
func (r *Reconciler) View() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	rows := make([]ir.Row, len(r.rows))
	for i, row := range r.rows {
		rows[i] = row.Clone()
	}
	return Snapshot{Rows: rows, Total: r.total, Limit: r.limit}
}

// Updates signals after every change to the state. Signals coalesce.
func (r *Reconciler) Updates() <-chan struct{} {
	return r.updates
}

// LoadMore grows the window by n rows. It issues the same query with the
// larger limit as a new subscription and releases the old one. An
// unlimited query is left as is.
func (r *Reconciler) LoadMore(ctx context.Context, n int) error {
	if n <= 0 {
		return fmt.Errorf("load more: n must be positive, got %d", n)
	}
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	limit := r.limit
	r.mu.Unlock()

	if limit == 0 {
		return nil
	}
	return r.subscribe(ctx, r.query.WithLimit(limit+n))
}

// Close releases the subscription. Calling it again is a no-op.
func (r *Reconciler) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	id := r.subID
	r.subID = ""
	r.pending = nil
	r.mu.Unlock()

	if id == "" {
		return nil
	}
	return r.conn.Unsubscribe(ctx, id)
}
