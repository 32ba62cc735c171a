// Package capture moves committed changes from the store's change log to the
// broadcast router.
//
// The store writes one change row per affected record in the same
// transaction as the write itself, so a committed write always has its
// event on disk. The Pump reads that log in sequence order and hands each
// event to a Sink. A failing sink is retried with exponential backoff; the
// pump never skips an undelivered event and never rolls back a write.
package capture

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/roach88/shelf/internal/ir"
	"github.com/roach88/shelf/internal/metrics"
)

// Sink receives change events in commit order.
type Sink interface {
	Deliver(ctx context.Context, ev ir.ChangeEvent) error
}

// Source is the change log. *store.Store implements it.
type Source interface {
	ReadChanges(ctx context.Context, after int64, limit int) ([]ir.ChangeEvent, error)
	Head(ctx context.Context) (int64, error)
	PruneChanges(ctx context.Context, upto int64, olderThan time.Time) (int64, error)
	OnCommit(fn func(head int64))
}

const (
	DefaultPollInterval = time.Second
	DefaultRetention    = time.Hour
	DefaultBatchSize    = 256
)

// Pump delivers change log rows to a Sink.
//
// Thread-safety model:
//   - Run(): must be called from exactly one goroutine
//   - Notify() and Cursor(): safe from any goroutine
type Pump struct {
	src  Source
	sink Sink

	poll       time.Duration
	retention  time.Duration
	pruneEvery time.Duration
	batch      int
	now        func() time.Time
	newBackOff func() backoff.BackOff

	startSet bool
	cursor   atomic.Int64
	signal   chan struct{}
}

// Option configures a Pump.
type Option func(*Pump)

// WithPollInterval sets how often the log is read without a commit signal.
func WithPollInterval(d time.Duration) Option {
	return func(p *Pump) { p.poll = d }
}

// WithRetention sets how long delivered rows are kept before pruning.
// Zero disables pruning.
func WithRetention(d time.Duration) Option {
	return func(p *Pump) { p.retention = d }
}

// WithBatchSize sets how many rows are read per query.
func WithBatchSize(n int) Option {
	return func(p *Pump) { p.batch = n }
}

// WithClock sets the clock used for retention.
func WithClock(now func() time.Time) Option {
	return func(p *Pump) { p.now = now }
}

// WithBackOff sets the retry policy factory. The default retries forever
// with exponential backoff capped at 5 seconds.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(p *Pump) { p.newBackOff = fn }
}

// WithStartAt makes the pump deliver events after seq instead of starting at
// the log head.
func WithStartAt(seq int64) Option {
	return func(p *Pump) {
		p.startSet = true
		p.cursor.Store(seq)
	}
}

// New creates a pump from src to sink and subscribes it to src's commit
// notifications.
func New(src Source, sink Sink, opts ...Option) *Pump {
	p := &Pump{
		src:       src,
		sink:      sink,
		poll:      DefaultPollInterval,
		retention: DefaultRetention,
		batch:     DefaultBatchSize,
		now:       time.Now,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 50 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
		signal: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.pruneEvery = p.retention / 4
	if p.pruneEvery <= 0 || p.pruneEvery > time.Minute {
		p.pruneEvery = time.Minute
	}
	src.OnCommit(func(int64) { p.Notify() })
	return p
}

// Notify wakes the pump. Signals coalesce; never blocks.
func (p *Pump) Notify() {
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

// Cursor returns the sequence number of the last delivered event.
func (p *Pump) Cursor() int64 {
	return p.cursor.Load()
}

// Run delivers events until ctx is cancelled. Delivery failures are logged
// and retried; with the default policy Run only returns ctx's error.
func (p *Pump) Run(ctx context.Context) error {
	if !p.startSet {
		var head int64
		err := p.retry(ctx, func() (err error) {
			head, err = p.src.Head(ctx)
			return err
		}, "read change log head")
		if err != nil {
			return err
		}
		p.cursor.Store(head)
	}
	slog.Info("change capture starting", "cursor", p.Cursor())

	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()
	pruneTicker := time.NewTicker(p.pruneEvery)
	defer pruneTicker.Stop()

	for {
		if err := p.drain(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			slog.Info("change capture stopping", "cursor", p.Cursor())
			return ctx.Err()
		case <-p.signal:
		case <-ticker.C:
		case <-pruneTicker.C:
			p.prune(ctx)
		}
	}
}

// drain delivers every event after the cursor.
func (p *Pump) drain(ctx context.Context) error {
	for {
		var events []ir.ChangeEvent
		err := p.retry(ctx, func() (err error) {
			events, err = p.src.ReadChanges(ctx, p.Cursor(), p.batch)
			return err
		}, "read change log")
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}
		for _, ev := range events {
			ev := ev
			err := p.retry(ctx, func() error {
				return p.sink.Deliver(ctx, ev)
			}, "deliver change", "seq", ev.Seq, "collection", ev.Collection)
			if err != nil {
				return err
			}
			p.cursor.Store(ev.Seq)
			metrics.ChangeDelivered(ev.Seq)
		}
		if len(events) < p.batch {
			return nil
		}
	}
}

// retry runs op until it succeeds or ctx is done.
func (p *Pump) retry(ctx context.Context, op func() error, what string, attrs ...any) error {
	notify := func(err error, wait time.Duration) {
		metrics.DeliveryRetried()
		metrics.IncErrorCount(metrics.ComponentCapture)
		slog.Warn(what+" failed, retrying",
			append(attrs, "error", err, "retry_in", wait)...)
	}
	err := backoff.RetryNotify(op, backoff.WithContext(p.newBackOff(), ctx), notify)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// prune removes delivered rows older than the retention window.
func (p *Pump) prune(ctx context.Context) {
	if p.retention <= 0 {
		return
	}
	n, err := p.src.PruneChanges(ctx, p.Cursor(), p.now().Add(-p.retention))
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			slog.Warn("prune change log failed", "error", err)
		}
		return
	}
	if n > 0 {
		metrics.ChangesPruned(n)
		slog.Debug("pruned change log", "rows", n, "upto", p.Cursor())
	}
}
