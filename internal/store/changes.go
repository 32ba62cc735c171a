package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/shelf/internal/ir"
)

// pendingChange is a change-log entry produced inside a write transaction.
type pendingChange struct {
	event      ir.EventType
	collection string
	entity     ir.Row
	previous   ir.Row
	changed    []string
}

// appendChange writes one change-log row and returns its sequence number.
func (s *Store) appendChange(ctx context.Context, tx *sql.Tx, c pendingChange) (int64, error) {
	data, err := ir.EncodeJSON(c.entity)
	if err != nil {
		return 0, fmt.Errorf("encode entity: %w", err)
	}

	var previous, changed sql.NullString
	if c.previous != nil {
		b, err := ir.EncodeJSON(c.previous)
		if err != nil {
			return 0, fmt.Errorf("encode previous: %w", err)
		}
		previous = sql.NullString{String: string(b), Valid: true}
	}
	if len(c.changed) > 0 {
		b, err := json.Marshal(c.changed)
		if err != nil {
			return 0, fmt.Errorf("encode changed fields: %w", err)
		}
		changed = sql.NullString{String: string(b), Valid: true}
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO changes (collection, record_id, event, data, previous, changed_fields, committed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		c.collection,
		c.entity.ID(),
		string(c.event),
		string(data),
		previous,
		changed,
		ir.FormatTime(s.now()),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ReadChanges returns up to limit change events with seq > after, in
// commit order.
func (s *Store) ReadChanges(ctx context.Context, after int64, limit int) ([]ir.ChangeEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, collection, event, data, previous, changed_fields, committed_at
		FROM changes
		WHERE seq > ?
		ORDER BY seq ASC
		LIMIT ?
	`, after, limit)
	if err != nil {
		return nil, classify("read changes", err)
	}
	defer rows.Close()

	events := []ir.ChangeEvent{}
	for rows.Next() {
		ev, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate changes", err)
	}
	return events, nil
}

func scanChange(rows *sql.Rows) (ir.ChangeEvent, error) {
	var (
		ev                ir.ChangeEvent
		event, data, ts   string
		previous, changed sql.NullString
	)
	if err := rows.Scan(&ev.Seq, &ev.Collection, &event, &data, &previous, &changed, &ts); err != nil {
		return ir.ChangeEvent{}, fmt.Errorf("scan change: %w", err)
	}
	ev.Event = ir.EventType(event)

	entity, err := ir.DecodeRow([]byte(data))
	if err != nil {
		return ir.ChangeEvent{}, fmt.Errorf("change %d: %w", ev.Seq, err)
	}
	ev.Entity = entity

	if previous.Valid {
		prev, err := ir.DecodeRow([]byte(previous.String))
		if err != nil {
			return ir.ChangeEvent{}, fmt.Errorf("change %d previous: %w", ev.Seq, err)
		}
		ev.Previous = prev
	}
	if changed.Valid {
		if err := json.Unmarshal([]byte(changed.String), &ev.ChangedFields); err != nil {
			return ir.ChangeEvent{}, fmt.Errorf("change %d changed fields: %w", ev.Seq, err)
		}
	}
	if ev.Timestamp, err = ir.ParseTime(ts); err != nil {
		return ir.ChangeEvent{}, fmt.Errorf("change %d timestamp: %w", ev.Seq, err)
	}
	return ev, nil
}

// Head returns the highest change sequence ever assigned, or 0.
// Pruning never lowers it.
func (s *Store) Head(ctx context.Context) (int64, error) {
	return head(ctx, s.db)
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func head(ctx context.Context, q rowQuerier) (int64, error) {
	var seq int64
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE((SELECT seq FROM sqlite_sequence WHERE name = 'changes'), 0)`,
	).Scan(&seq)
	if err != nil {
		return 0, classify("read change head", err)
	}
	return seq, nil
}

// PruneChanges deletes change-log rows with seq <= upto that committed
// before olderThan, returning how many were removed.
func (s *Store) PruneChanges(ctx context.Context, upto int64, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM changes WHERE seq <= ? AND committed_at < ?`,
		upto, ir.FormatTime(olderThan))
	if err != nil {
		return 0, classify("prune changes", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
