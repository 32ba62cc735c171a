package broadcast

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/roach88/shelf/internal/ir"
	"github.com/roach88/shelf/internal/queryir"
)

// Subscription is one live query registered with the Router.
//
// It keeps two views of the result: rows/total is the authoritative window
// maintained from change events, and sent/sentTotal is what the subscriber
// has been told. A flush sends the difference between the two, so any
// number of events between flushes coalesce into at most one patch per row.
type Subscription struct {
	ID         string
	Actor      ir.Actor
	Collection string
	Query      *queryir.Query

	transport Transport
	canSee    func(ir.Row) bool
	limit     int
	limited   bool

	// sendMu serializes flushes so batches reach the transport in order.
	sendMu sync.Mutex
	// done is cancelled when the subscription closes, releasing a send
	// that is still waiting on its transport.
	done       context.Context
	cancelDone context.CancelFunc

	mu          sync.Mutex
	closed      bool
	priming     bool
	primed      chan struct{}
	buffered    []ir.ChangeEvent
	snapshotSeq int64
	rows        []ir.Row
	total       int
	sent        map[string]ir.Row
	sentTotal   int
	touched     map[string]int64
	evicted     map[string]bool
	stale       bool
	timer       *time.Timer
}

func newSubscription(id string, actor ir.Actor, q *queryir.Query, t Transport, canSee func(ir.Row) bool) *Subscription {
	s := &Subscription{
		ID:         id,
		Actor:      actor,
		Collection: q.Collection,
		Query:      q,
		transport:  t,
		canSee:     canSee,
		priming:    true,
		primed:     make(chan struct{}),
		sent:       map[string]ir.Row{},
		touched:    map[string]int64{},
		evicted:    map[string]bool{},
	}
	s.done, s.cancelDone = context.WithCancel(context.Background())
	switch q.Mode {
	case queryir.ModeCount:
		s.limited, s.limit = true, 0
	case queryir.ModeGet:
		s.limited, s.limit = true, 1
	default:
		s.limit, s.limited = q.LimitValue()
	}
	return s
}

// TransportID returns the ID of the transport the subscription sends to.
func (s *Subscription) TransportID() string {
	return s.transport.ID()
}

// visible reports whether row passes both the broadcast rule and the query.
func (s *Subscription) visible(row ir.Row) bool {
	return row != nil && s.canSee(row) && s.Query.Matches(row)
}

// handle applies ev. It reports whether the subscription now has unsent
// changes and whether its window must be re-read from the store.
//
// Events that arrive while the subscription is priming are buffered and
// replayed once the snapshot is in place. Events already reflected in the
// snapshot are ignored.
func (s *Subscription) handle(ev ir.ChangeEvent) (dirty, resync bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, false
	}
	if s.priming {
		s.buffered = append(s.buffered, ev)
		return false, false
	}
	if ev.Seq <= s.snapshotSeq {
		return false, false
	}
	return s.apply(ev), s.deficit()
}

// apply classifies ev against the window. Must be called with mu held.
func (s *Subscription) apply(ev ir.ChangeEvent) bool {
	id := ev.ID()
	idx := s.indexOf(id)
	was := idx >= 0

	before := was
	if !before {
		switch ev.Event {
		case ir.EventUpdate:
			before = s.visible(ev.Previous)
		case ir.EventDelete:
			before = s.visible(ev.Entity)
		}
	}
	now := ev.Event != ir.EventDelete && s.visible(ev.Entity)

	switch {
	case !before && !now:
		return false

	case !before && now:
		s.total++
		s.place(ev.Entity.Clone(), ev.Seq)

	case before && now:
		row := ev.Entity.Clone()
		if was {
			old := s.rows[idx]
			s.rows = append(s.rows[:idx], s.rows[idx+1:]...)
			pos := s.insertAt(row)
			s.touched[id] = ev.Seq
			// A row that moved back into the last slot of a full window may
			// now sort after rows outside it.
			if s.limited && pos == s.limit-1 && s.total > s.limit && queryir.CompareRows(s.Query.Sort, row, old) > 0 {
				s.stale = true
			}
		} else {
			s.place(row, ev.Seq)
		}

	case before && !now:
		s.total--
		if was {
			s.rows = append(s.rows[:idx], s.rows[idx+1:]...)
			s.touched[id] = ev.Seq
		}
	}
	if s.limited && len(s.rows) < s.limit && s.total > len(s.rows) {
		s.stale = true
	}
	return s.dirty()
}

// place puts a row that is not in the window into it if the window has room
// or the row sorts ahead of the last visible row, evicting that row.
func (s *Subscription) place(row ir.Row, seq int64) {
	if s.limited && len(s.rows) >= s.limit {
		if s.limit == 0 || !s.Query.Less(row, s.rows[len(s.rows)-1]) {
			return
		}
		last := s.rows[len(s.rows)-1]
		s.rows = s.rows[:len(s.rows)-1]
		s.evicted[last.ID()] = true
		s.touched[last.ID()] = seq
	}
	s.insertAt(row)
	delete(s.evicted, row.ID())
	s.touched[row.ID()] = seq
}

func (s *Subscription) insertAt(row ir.Row) int {
	pos := s.Query.Position(s.rows, row)
	s.rows = append(s.rows, nil)
	copy(s.rows[pos+1:], s.rows[pos:])
	s.rows[pos] = row
	return pos
}

// deficit reports whether the window can no longer be maintained from
// events alone: a limited window fell short while more matches exist
// outside it, or an updated row became uncertain in the last slot. The flag
// stays set until the next snapshot, so replayed events cannot hide it.
func (s *Subscription) deficit() bool {
	return s.stale
}

func (s *Subscription) dirty() bool {
	return len(s.touched) > 0 || s.total != s.sentTotal
}

func (s *Subscription) indexOf(id string) int {
	for i, row := range s.rows {
		if row.ID() == id {
			return i
		}
	}
	return -1
}

// prime installs a snapshot taken at seq and replays the events buffered
// while it was taken. Rows that differ from what the subscriber was last
// sent are marked for the next flush.
func (s *Subscription) prime(res queryir.Result, seq int64, initial bool) (dirty, resync bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, false
	}

	rows := make([]ir.Row, 0, len(res.Rows))
	for _, row := range res.Rows {
		rows = append(rows, s.strip(row))
	}

	if initial {
		for _, row := range rows {
			s.sent[row.ID()] = row.Clone()
		}
		s.sentTotal = res.Total
	} else {
		for id := range s.sent {
			s.markTouched(id, seq)
		}
		for _, row := range rows {
			s.markTouched(row.ID(), seq)
		}
	}
	s.rows = rows
	s.total = res.Total
	s.snapshotSeq = seq
	s.priming = false
	s.stale = false

	buffered := s.buffered
	s.buffered = nil
	for _, ev := range buffered {
		if ev.Seq > seq {
			s.apply(ev)
		}
	}
	close(s.primed)
	return s.dirty(), s.deficit()
}

func (s *Subscription) markTouched(id string, seq int64) {
	if _, ok := s.touched[id]; !ok {
		s.touched[id] = seq
	}
}

// beginResync switches the subscription back to buffering. It returns false
// when a resync is already running or the subscription is closed.
func (s *Subscription) beginResync() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.priming {
		return false
	}
	s.priming = true
	s.primed = make(chan struct{})
	return true
}

// strip removes join embeds; cached rows hold only the row's own fields.
func (s *Subscription) strip(row ir.Row) ir.Row {
	out := row.Clone()
	for _, j := range s.Query.Joins {
		delete(out, j.As)
	}
	return out
}

// diff computes the patches that bring the subscriber from sent to the
// current window and records the window as sent. Patches are ordered by the
// sequence number of the last event that touched each row.
func (s *Subscription) diff() (Batch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.closed || s.priming || !s.dirty() {
		return Batch{}, false
	}

	ids := make([]string, 0, len(s.touched))
	for id := range s.touched {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := s.touched[ids[i]], s.touched[ids[j]]
		if a != b {
			return a < b
		}
		return ids[i] < ids[j]
	})

	current := make(map[string]ir.Row, len(s.rows))
	for _, row := range s.rows {
		current[row.ID()] = row
	}

	b := Batch{SubscriptionID: s.ID, Collection: s.Collection, Changes: []Patch{}, Total: s.total}
	for _, id := range ids {
		cur, inWindow := current[id]
		old, wasSent := s.sent[id]
		switch {
		case inWindow && !wasSent:
			b.Changes = append(b.Changes, Patch{Event: ir.EventInsert, Data: cur.Clone()})
			s.sent[id] = cur.Clone()
		case inWindow && wasSent && !ir.ValuesEqual(old, cur):
			b.Changes = append(b.Changes, Patch{Event: ir.EventUpdate, Data: cur.Clone()})
			s.sent[id] = cur.Clone()
		case !inWindow && wasSent:
			b.Changes = append(b.Changes, Patch{Event: ir.EventDelete, Data: old, Evicted: s.evicted[id]})
			delete(s.sent, id)
		}
	}

	changedTotal := s.total != s.sentTotal
	s.sentTotal = s.total
	s.touched = map[string]int64{}
	s.evicted = map[string]bool{}

	if len(b.Changes) == 0 && !changedTotal {
		return Batch{}, false
	}
	return b, true
}

// close marks the subscription dead and releases its state. It returns
// false if it was already closed.
func (s *Subscription) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	s.cancelDone()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.rows, s.sent, s.buffered = nil, nil, nil
	s.touched, s.evicted = nil, nil
	if s.priming {
		close(s.primed)
	}
	return true
}

// schedule arms the debounce timer unless one is pending.
func (s *Subscription) schedule(d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.timer != nil {
		return
	}
	s.timer = time.AfterFunc(d, fn)
}

// waitPrimed returns a channel closed once no snapshot is being taken.
func (s *Subscription) waitPrimed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.priming {
		done := make(chan struct{})
		close(done)
		return done
	}
	return s.primed
}

// Window returns a copy of the subscription's current rows and total.
func (s *Subscription) Window() ([]ir.Row, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := make([]ir.Row, len(s.rows))
	for i, row := range s.rows {
		rows[i] = row.Clone()
	}
	return rows, s.total
}
