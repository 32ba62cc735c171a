// Package taskqueue is shelf's durable background job queue.
//
// Tasks are rows of the task collection. A worker claims the most urgent
// pending task with a single conditional update in the store, so two workers
// never process the same task. Completion and failure are compare-and-swap
// transitions guarded by the claim token; a task whose claim was reset by an
// operator cannot be completed by the stale worker.
//
// Retries are operator-initiated: resetting a failed task to pending clears
// its error and counts the retry. Nothing retries a failed task on its own.
package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/shelf/internal/ir"
	"github.com/roach88/shelf/internal/rules"
	"github.com/roach88/shelf/internal/store"
)

var (
	// ErrNoTask is returned by Claim when no task is pending.
	ErrNoTask = errors.New("no pending task")
	// ErrInvalidTransition is returned by UpdateStatus for a target status
	// operators may not set.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// CancelledMessage is the error recorded on a task cancelled by an operator.
const CancelledMessage = "cancelled"

// Store is the part of the record store the queue writes through.
// *store.Store implements it.
type Store interface {
	Insert(ctx context.Context, collection string, row ir.Row) (ir.Row, error)
	Get(ctx context.Context, collection, id string) (ir.Row, error)
	Delete(ctx context.Context, collection, id string) (ir.Row, error)
	ClaimTask(ctx context.Context, token string) (ir.Row, error)
	TransitionTask(ctx context.Context, id string, t store.Transition) (prev, next ir.Row, err error)
}

// Authorizer checks management operations. *rules.Engine implements it.
type Authorizer interface {
	Check(op rules.Operation, collection string, c rules.Context) error
}

// Queue manages task rows.
type Queue struct {
	store Store
	auth  Authorizer
	ids   ir.IDGenerator
	now   func() time.Time

	ready chan struct{}
}

// Option configures a Queue.
type Option func(*Queue)

// WithIDGenerator sets the generator for task ids.
func WithIDGenerator(g ir.IDGenerator) Option {
	return func(q *Queue) { q.ids = g }
}

// WithClock sets the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// New returns a queue over st, authorizing management calls with auth.
func New(st Store, auth Authorizer, opts ...Option) *Queue {
	q := &Queue{
		store: st,
		auth:  auth,
		ids:   ir.UUIDv7Generator{},
		now:   time.Now,
		ready: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Ready signals when a task may have become claimable. Signals coalesce.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Enqueue creates a pending task.
func (q *Queue) Enqueue(ctx context.Context, actor ir.Actor, taskType string, payload json.RawMessage, priority int) (ir.Task, error) {
	if taskType == "" {
		return ir.Task{}, fmt.Errorf("enqueue: %w: task type is required", store.ErrInvalidRecord)
	}
	task := ir.Task{
		Type:      taskType,
		Payload:   payload,
		Status:    ir.TaskPending,
		Priority:  priority,
		CreatedAt: q.now().UTC(),
	}
	row, err := task.Row()
	if err != nil {
		return ir.Task{}, fmt.Errorf("enqueue: %w: %v", store.ErrInvalidRecord, err)
	}
	// The id is assigned after the check so denied calls do not consume one.
	delete(row, ir.IDField)
	if err := q.auth.Check(rules.OpCreate, ir.TaskCollection, rules.Context{Actor: actor, Data: row}); err != nil {
		return ir.Task{}, err
	}
	task.ID = q.ids.Generate()
	row[ir.IDField] = task.ID
	if _, err := q.store.Insert(ctx, ir.TaskCollection, row); err != nil {
		return ir.Task{}, fmt.Errorf("enqueue %s: %w", taskType, err)
	}

	slog.Debug("task enqueued", "task", task.ID, "type", taskType, "priority", priority)
	q.signal()
	return task, nil
}

// Claim moves the highest-priority, oldest pending task to processing and
// returns it. Returns ErrNoTask when nothing is pending.
func (q *Queue) Claim(ctx context.Context) (ir.Task, error) {
	row, err := q.store.ClaimTask(ctx, uuid.NewString())
	if errors.Is(err, store.ErrNotFound) {
		return ir.Task{}, ErrNoTask
	}
	if err != nil {
		return ir.Task{}, err
	}
	return ir.TaskFromRow(row)
}

// Complete marks a claimed task completed. Returns store.ErrConflict when
// the claim is no longer current.
func (q *Queue) Complete(ctx context.Context, task ir.Task) error {
	_, _, err := q.store.TransitionTask(ctx, task.ID, store.Transition{
		From:       []ir.TaskStatus{ir.TaskProcessing},
		ClaimToken: task.ClaimToken,
		Patch: ir.Row{
			ir.TaskFieldStatus:      string(ir.TaskCompleted),
			ir.TaskFieldCompletedAt: ir.FormatTime(q.now()),
			ir.TaskFieldClaimToken:  nil,
		},
	})
	return err
}

// Fail marks a claimed task failed with message.
func (q *Queue) Fail(ctx context.Context, task ir.Task, message string) error {
	_, _, err := q.store.TransitionTask(ctx, task.ID, store.Transition{
		From:       []ir.TaskStatus{ir.TaskProcessing},
		ClaimToken: task.ClaimToken,
		Patch: ir.Row{
			ir.TaskFieldStatus:      string(ir.TaskFailed),
			ir.TaskFieldError:       message,
			ir.TaskFieldCompletedAt: ir.FormatTime(q.now()),
			ir.TaskFieldClaimToken:  nil,
		},
	})
	return err
}

// Get returns the task with id.
func (q *Queue) Get(ctx context.Context, actor ir.Actor, id string) (ir.Task, error) {
	row, err := q.store.Get(ctx, ir.TaskCollection, id)
	if err != nil {
		return ir.Task{}, err
	}
	if err := q.auth.Check(rules.OpGet, ir.TaskCollection, rules.Context{Actor: actor, Data: row}); err != nil {
		return ir.Task{}, err
	}
	return ir.TaskFromRow(row)
}

// UpdateStatus applies an operator status change.
//
// Setting pending retries a task that is failed, completed or stuck in
// processing: the error and timestamps are cleared and retryCount grows by
// one. Setting failed cancels a pending or processing task. Other targets
// return ErrInvalidTransition; a task not in an allowed source status
// returns store.ErrConflict.
func (q *Queue) UpdateStatus(ctx context.Context, actor ir.Actor, id string, status ir.TaskStatus) (ir.Task, error) {
	var t store.Transition
	switch status {
	case ir.TaskPending:
		t = store.Transition{
			From: []ir.TaskStatus{ir.TaskFailed, ir.TaskCompleted, ir.TaskProcessing},
			Patch: ir.Row{
				ir.TaskFieldStatus:      string(ir.TaskPending),
				ir.TaskFieldError:       nil,
				ir.TaskFieldStartedAt:   nil,
				ir.TaskFieldCompletedAt: nil,
				ir.TaskFieldClaimToken:  nil,
			},
			Increment: []string{ir.TaskFieldRetryCount},
		}
	case ir.TaskFailed:
		t = store.Transition{
			From: []ir.TaskStatus{ir.TaskPending, ir.TaskProcessing},
			Patch: ir.Row{
				ir.TaskFieldStatus:      string(ir.TaskFailed),
				ir.TaskFieldError:       CancelledMessage,
				ir.TaskFieldCompletedAt: ir.FormatTime(q.now()),
				ir.TaskFieldClaimToken:  nil,
			},
		}
	default:
		return ir.Task{}, fmt.Errorf("set task %s to %q: %w", id, status, ErrInvalidTransition)
	}

	if err := q.authorizeUpdate(ctx, actor, id, t.Patch); err != nil {
		return ir.Task{}, err
	}
	_, next, err := q.store.TransitionTask(ctx, id, t)
	if err != nil {
		return ir.Task{}, err
	}
	if status == ir.TaskPending {
		q.signal()
	}
	slog.Info("task status changed", "task", id, "status", status, "actor", actor.String())
	return ir.TaskFromRow(next)
}

// BulkRetry resets each task to pending independently and returns how many
// were reset. Missing tasks and tasks in another status are skipped.
func (q *Queue) BulkRetry(ctx context.Context, actor ir.Actor, ids []string) (int, error) {
	return q.bulk(ctx, "retry", ids, func(id string) error {
		_, err := q.UpdateStatus(ctx, actor, id, ir.TaskPending)
		return err
	})
}

// Delete removes a task.
func (q *Queue) Delete(ctx context.Context, actor ir.Actor, id string) error {
	row, err := q.store.Get(ctx, ir.TaskCollection, id)
	if err != nil {
		return err
	}
	if err := q.auth.Check(rules.OpDelete, ir.TaskCollection, rules.Context{Actor: actor, PreviousData: row}); err != nil {
		return err
	}
	if _, err := q.store.Delete(ctx, ir.TaskCollection, id); err != nil {
		return err
	}
	return nil
}

// BulkDelete deletes each task independently and returns how many were
// deleted. Tasks that no longer exist are skipped.
func (q *Queue) BulkDelete(ctx context.Context, actor ir.Actor, ids []string) (int, error) {
	return q.bulk(ctx, "delete", ids, func(id string) error {
		return q.Delete(ctx, actor, id)
	})
}

// bulk applies op to every id. Failures are per item; only when every item
// was denied does the denial surface.
func (q *Queue) bulk(ctx context.Context, name string, ids []string, op func(id string) error) (int, error) {
	affected := 0
	var denied error
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return affected, err
		}
		err := op(id)
		switch {
		case err == nil:
			affected++
		case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrConflict):
			slog.Debug("bulk "+name+" skipped task", "task", id, "reason", err)
		case rules.IsDenied(err):
			if denied == nil {
				denied = err
			}
		default:
			slog.Warn("bulk "+name+" failed for task", "task", id, "error", err)
		}
	}
	if affected == 0 && denied != nil {
		return 0, denied
	}
	return affected, nil
}

func (q *Queue) authorizeUpdate(ctx context.Context, actor ir.Actor, id string, patch ir.Row) error {
	cur, err := q.store.Get(ctx, ir.TaskCollection, id)
	if err != nil {
		return err
	}
	return q.auth.Check(rules.OpUpdate, ir.TaskCollection, rules.Context{
		Actor:        actor,
		Data:         cur.Merge(patch),
		PreviousData: cur,
	})
}
