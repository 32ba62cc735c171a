package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/shelf/internal/ir"
)

// claimSQL moves the most urgent pending task to processing in a single
// statement. The outer status guard makes the update a compare-and-swap: a
// row claimed by another connection between the subquery and the write is
// not matched again.
const claimSQL = `
	UPDATE records
	SET data = json_set(data, '$.status', 'processing', '$.startedAt', ?, '$.claimToken', ?),
	    updated_at = ?
	WHERE rowid = (
		SELECT rowid FROM records
		WHERE collection = ? AND data ->> '$.status' = 'pending'
		ORDER BY data ->> '$.priority' DESC, data ->> '$.createdAt' ASC, id COLLATE BINARY ASC
		LIMIT 1
	)
	AND collection = ? AND data ->> '$.status' = 'pending'
	RETURNING data
`

// ClaimTask atomically claims the highest-priority, oldest pending task,
// setting status=processing, startedAt and the claim token. Returns
// ErrNotFound when no task is pending.
func (s *Store) ClaimTask(ctx context.Context, token string) (ir.Row, error) {
	var claimed ir.Row
	err := s.withTx(ctx, "claim task", func(tx *sql.Tx) ([]pendingChange, error) {
		now := ir.FormatTime(s.now())
		var data string
		err := tx.QueryRowContext(ctx, claimSQL,
			now, token, now, ir.TaskCollection, ir.TaskCollection,
		).Scan(&data)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("claim task: %w", ErrNotFound)
		}
		if err != nil {
			return nil, classify("claim task", err)
		}

		claimed, err = ir.DecodeRow([]byte(data))
		if err != nil {
			return nil, err
		}

		// The statement only touched these three fields of a pending row.
		prev := claimed.Clone()
		prev[ir.TaskFieldStatus] = string(ir.TaskPending)
		delete(prev, ir.TaskFieldStartedAt)
		delete(prev, ir.TaskFieldClaimToken)

		return []pendingChange{{
			event:      ir.EventUpdate,
			collection: ir.TaskCollection,
			entity:     claimed,
			previous:   prev,
			changed:    ir.ChangedFields(prev, claimed),
		}}, nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Transition describes a guarded task state change.
type Transition struct {
	// From lists the statuses the task must currently have.
	From []ir.TaskStatus
	// ClaimToken, when set, must equal the task's current claim token.
	ClaimToken string
	// Patch is merged into the row; nil values remove fields.
	Patch ir.Row
	// Increment lists integer fields to increase by one.
	Increment []string
}

// TransitionTask applies t to task id as a compare-and-swap on its status
// (and claim token). Returns ErrNotFound when the task does not exist and
// ErrConflict when the guard does not hold.
func (s *Store) TransitionTask(ctx context.Context, id string, t Transition) (prev, next ir.Row, err error) {
	err = s.withTx(ctx, "transition task", func(tx *sql.Tx) ([]pendingChange, error) {
		cur, err := getRow(ctx, tx, ir.TaskCollection, id)
		if err != nil {
			return nil, err
		}
		status, _ := cur[ir.TaskFieldStatus].(string)
		if !statusIn(ir.TaskStatus(status), t.From) {
			return nil, fmt.Errorf("task %s is %s: %w", id, status, ErrConflict)
		}
		token, _ := cur[ir.TaskFieldClaimToken].(string)
		if t.ClaimToken != "" && token != t.ClaimToken {
			return nil, fmt.Errorf("task %s claim token mismatch: %w", id, ErrConflict)
		}

		updated := cur.Merge(t.Patch)
		for _, field := range t.Increment {
			n := ir.SQLValue(cur[field])
			updated[field] = n.Int + 1
		}
		changed := ir.ChangedFields(cur, updated)
		if len(changed) == 0 {
			prev, next = cur, updated
			return nil, nil
		}

		data, err := ir.EncodeJSON(updated)
		if err != nil {
			return nil, fmt.Errorf("transition task: encode row: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE records SET data = ?, updated_at = ?
			WHERE collection = ? AND id = ? AND data ->> '$.status' = ?
			AND COALESCE(data ->> '$.claimToken', '') = ?
		`, string(data), ir.FormatTime(s.now()), ir.TaskCollection, id, status, token)
		if err != nil {
			return nil, classify("transition task", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return nil, fmt.Errorf("task %s: %w", id, ErrConflict)
		}

		prev, next = cur, updated
		return []pendingChange{{
			event:      ir.EventUpdate,
			collection: ir.TaskCollection,
			entity:     updated,
			previous:   cur,
			changed:    changed,
		}}, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return prev, next, nil
}

func statusIn(s ir.TaskStatus, set []ir.TaskStatus) bool {
	for _, v := range set {
		if s == v {
			return true
		}
	}
	return false
}
