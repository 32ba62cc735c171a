package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/shelf/internal/ir"
	"github.com/roach88/shelf/internal/metrics"
	"github.com/roach88/shelf/internal/store"
)

// Handler runs the business logic of one task type. A returned error or a
// panic fails the task with the error's message.
type Handler interface {
	Handle(ctx context.Context, task ir.Task) error
}

// HandlerFunc adapts a function to a Handler.
type HandlerFunc func(ctx context.Context, task ir.Task) error

// Handle calls f(ctx, task).
func (f HandlerFunc) Handle(ctx context.Context, task ir.Task) error { return f(ctx, task) }

// Registry maps task types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register sets the handler for taskType, replacing any previous one.
func (r *Registry) Register(taskType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[taskType] = h
}

// Lookup returns the handler for taskType.
func (r *Registry) Lookup(taskType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	return h, ok
}

// Types returns the registered task types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

const (
	DefaultWorkers      = 2
	DefaultPollInterval = time.Second
)

// Pool runs workers that claim and execute tasks.
type Pool struct {
	queue    *Queue
	registry *Registry
	workers  int
	poll     time.Duration
	backOff  func() backoff.BackOff
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithWorkers sets the number of concurrent workers.
func WithWorkers(n int) PoolOption {
	return func(p *Pool) { p.workers = n }
}

// WithPollInterval sets how often idle workers look for tasks without a
// ready signal.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.poll = d }
}

// WithBackOff sets the retry policy for transient claim failures.
func WithBackOff(fn func() backoff.BackOff) PoolOption {
	return func(p *Pool) { p.backOff = fn }
}

// NewPool returns a pool executing tasks from q with the handlers in reg.
func NewPool(q *Queue, reg *Registry, opts ...PoolOption) *Pool {
	p := &Pool{
		queue:    q,
		registry: reg,
		workers:  DefaultWorkers,
		poll:     DefaultPollInterval,
		backOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.workers < 1 {
		p.workers = 1
	}
	return p
}

// Run starts the workers and blocks until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	slog.Info("task workers starting", "workers", p.workers, "types", p.registry.Types())

	g, gctx := errgroup.WithContext(ctx)
	for i := range p.workers {
		g.Go(func() error { return p.work(gctx, i) })
	}
	err := g.Wait()
	slog.Info("task workers stopped")
	return err
}

func (p *Pool) work(ctx context.Context, worker int) error {
	slog.Debug("task worker started", "worker", worker)
	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()

	for {
		ran, err := p.RunOnce(ctx)
		if err != nil {
			return err
		}
		if ran {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.queue.Ready():
		case <-ticker.C:
		}
	}
}

// RunOnce claims and executes one task. It reports false when no task was
// pending. Transient store failures while claiming are retried; the only
// errors returned are ctx's and non-transient claim failures.
func (p *Pool) RunOnce(ctx context.Context) (bool, error) {
	var task ir.Task
	op := func() error {
		var err error
		task, err = p.queue.Claim(ctx)
		if err != nil && !store.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		metrics.IncErrorCount(metrics.ComponentTasks)
		slog.Warn("claim task failed, retrying", "error", err, "retry_in", wait)
	}
	err := backoff.RetryNotify(op, backoff.WithContext(p.backOff(), ctx), notify)
	if errors.Is(err, ErrNoTask) {
		return false, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, fmt.Errorf("claim task: %w", err)
	}

	p.execute(ctx, task)
	return true, nil
}

// execute runs the handler for task and records the outcome.
func (p *Pool) execute(ctx context.Context, task ir.Task) {
	start := time.Now()
	log := slog.With("task", task.ID, "type", task.Type)

	status := ir.TaskCompleted
	err := p.invoke(ctx, task)
	if err != nil {
		status = ir.TaskFailed
		log.Warn("task failed", "error", err, "duration", time.Since(start))
		err = p.queue.Fail(context.WithoutCancel(ctx), task, err.Error())
	} else {
		log.Info("task completed", "duration", time.Since(start))
		err = p.queue.Complete(context.WithoutCancel(ctx), task)
	}
	metrics.TaskFinished(task.Type, string(status), time.Since(start))

	if errors.Is(err, store.ErrConflict) {
		log.Info("task claim was reset while running; outcome discarded", "status", status)
		return
	}
	if err != nil {
		metrics.IncErrorCount(metrics.ComponentTasks)
		log.Error("record task outcome failed", "status", status, "error", err)
	}
}

func (p *Pool) invoke(ctx context.Context, task ir.Task) (err error) {
	h, ok := p.registry.Lookup(task.Type)
	if !ok {
		return fmt.Errorf("no handler registered for type %s", task.Type)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return h.Handle(ctx, task)
}
