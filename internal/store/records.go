package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/shelf/internal/ir"
	"github.com/roach88/shelf/internal/queryir"
	"github.com/roach88/shelf/internal/querysql"
)

// Get returns the row with id in collection, or ErrNotFound.
func (s *Store) Get(ctx context.Context, collection, id string) (ir.Row, error) {
	return getRow(ctx, s.db, collection, id)
}

func getRow(ctx context.Context, q rowQuerier, collection, id string) (ir.Row, error) {
	var data string
	err := q.QueryRowContext(ctx,
		`SELECT data FROM records WHERE collection = ? AND id = ?`,
		collection, id,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	if err != nil {
		return nil, classify("get record", err)
	}
	return ir.DecodeRow([]byte(data))
}

// Insert stores a new row and records an INSERT change. A row without an id
// gets one from the store's generator. Returns the stored row.
func (s *Store) Insert(ctx context.Context, collection string, row ir.Row) (ir.Row, error) {
	if collection == "" {
		return nil, fmt.Errorf("insert: %w: empty collection", ErrInvalidRecord)
	}
	stored := row.Clone()
	if stored == nil {
		stored = ir.Row{}
	}
	if _, has := stored[ir.IDField]; !has {
		stored[ir.IDField] = s.ids.Generate()
	}
	if stored.ID() == "" {
		return nil, fmt.Errorf("insert: %w: id must be a non-empty string", ErrInvalidRecord)
	}

	err := s.withTx(ctx, "insert record", func(tx *sql.Tx) ([]pendingChange, error) {
		if err := s.insertTx(ctx, tx, collection, stored); err != nil {
			return nil, err
		}
		return []pendingChange{{event: ir.EventInsert, collection: collection, entity: stored}}, nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (s *Store) insertTx(ctx context.Context, tx *sql.Tx, collection string, row ir.Row) error {
	data, err := ir.EncodeJSON(row)
	if err != nil {
		return fmt.Errorf("insert: encode row: %w", err)
	}
	now := ir.FormatTime(s.now())
	_, err = tx.ExecContext(ctx, `
		INSERT INTO records (collection, id, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, collection, row.ID(), string(data), now, now)
	if err != nil {
		return classify("insert record", err)
	}
	return nil
}

// Update merges patch into the stored row (a nil value removes a field) and
// records an UPDATE change. An update that changes nothing writes nothing.
// Returns the previous and the new row.
func (s *Store) Update(ctx context.Context, collection, id string, patch ir.Row) (prev, next ir.Row, err error) {
	if pid, has := patch[ir.IDField]; has && pid != id {
		return nil, nil, fmt.Errorf("update: %w: id is immutable", ErrInvalidRecord)
	}

	err = s.withTx(ctx, "update record", func(tx *sql.Tx) ([]pendingChange, error) {
		prev, err = getRow(ctx, tx, collection, id)
		if err != nil {
			return nil, err
		}
		next = prev.Merge(patch)
		return s.replaceTx(ctx, tx, collection, prev, next)
	})
	if err != nil {
		return nil, nil, err
	}
	return prev, next, nil
}

// Upsert stores row as the complete new content of its id, inserting it when
// absent. Records an INSERT or UPDATE change accordingly.
func (s *Store) Upsert(ctx context.Context, collection string, row ir.Row) (ir.Row, error) {
	if row.ID() == "" {
		return nil, fmt.Errorf("upsert: %w: id must be a non-empty string", ErrInvalidRecord)
	}
	stored := row.Clone()

	err := s.withTx(ctx, "upsert record", func(tx *sql.Tx) ([]pendingChange, error) {
		prev, err := getRow(ctx, tx, collection, stored.ID())
		if errors.Is(err, ErrNotFound) {
			if err := s.insertTx(ctx, tx, collection, stored); err != nil {
				return nil, err
			}
			return []pendingChange{{event: ir.EventInsert, collection: collection, entity: stored}}, nil
		}
		if err != nil {
			return nil, err
		}
		return s.replaceTx(ctx, tx, collection, prev, stored)
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// replaceTx overwrites prev with next when they differ. The caller read prev
// in the same transaction, so SQLite rejects the write with SQLITE_BUSY if
// another process committed in between.
func (s *Store) replaceTx(ctx context.Context, tx *sql.Tx, collection string, prev, next ir.Row) ([]pendingChange, error) {
	changed := ir.ChangedFields(prev, next)
	if len(changed) == 0 {
		return nil, nil
	}
	data, err := ir.EncodeJSON(next)
	if err != nil {
		return nil, fmt.Errorf("update: encode row: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE records SET data = ?, updated_at = ?
		WHERE collection = ? AND id = ?
	`, string(data), ir.FormatTime(s.now()), collection, prev.ID())
	if err != nil {
		return nil, classify("update record", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, fmt.Errorf("update %s/%s: %w", collection, prev.ID(), ErrConflict)
	}
	return []pendingChange{{
		event:      ir.EventUpdate,
		collection: collection,
		entity:     next,
		previous:   prev,
		changed:    changed,
	}}, nil
}

// Delete removes a row and records a DELETE change carrying its last
// content. Returns ErrNotFound when the row does not exist.
func (s *Store) Delete(ctx context.Context, collection, id string) (ir.Row, error) {
	var prev ir.Row
	err := s.withTx(ctx, "delete record", func(tx *sql.Tx) ([]pendingChange, error) {
		var err error
		prev, err = getRow(ctx, tx, collection, id)
		if err != nil {
			return nil, err
		}
		res, err := tx.ExecContext(ctx,
			`DELETE FROM records WHERE collection = ? AND id = ?`, collection, id)
		if err != nil {
			return nil, classify("delete record", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
		}
		return []pendingChange{{event: ir.EventDelete, collection: collection, entity: prev}}, nil
	})
	if err != nil {
		return nil, err
	}
	return prev, nil
}

// Query executes q against the store.
func (s *Store) Query(ctx context.Context, q *queryir.Query) (queryir.Result, error) {
	res, err := querysql.Execute(ctx, s.db, q)
	if err != nil {
		return queryir.Result{}, classify("query", err)
	}
	return res, nil
}

// Snapshot executes q and reads the change-log head in one read
// transaction. Every change with seq <= head is reflected in the result and
// every later change is not.
func (s *Store) Snapshot(ctx context.Context, q *queryir.Query) (queryir.Result, int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return queryir.Result{}, 0, classify("snapshot", err)
	}
	defer tx.Rollback()

	res, err := querysql.Execute(ctx, tx, q)
	if err != nil {
		return queryir.Result{}, 0, classify("snapshot", err)
	}
	seq, err := head(ctx, tx)
	if err != nil {
		return queryir.Result{}, 0, err
	}
	if err := tx.Commit(); err != nil {
		return queryir.Result{}, 0, classify("snapshot", err)
	}
	return res, seq, nil
}
