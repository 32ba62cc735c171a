// Package store provides the SQLite document store that backs every shelf
// collection.
//
// The store holds:
//   - Records: one table for all collections, rows stored as JSON documents
//   - Changes: a durable change log written in the same transaction as the
//     record write it describes (transactional outbox)
//
// # Critical Patterns
//
// Exactly one change per committed write per affected row:
//   - Insert, Update, Upsert, Delete, ClaimTask and TransitionTask append
//     their change rows before committing; a rolled-back write leaves no change
//   - A write that changes nothing appends nothing
//
// Logical ordering:
//   - changes.seq is AUTOINCREMENT, so it follows commit order and is never
//     reused after pruning
//   - consumers order by seq, never by committed_at
//
// Atomic task claims:
//   - ClaimTask is a single UPDATE ... WHERE rowid = (SELECT ... LIMIT 1)
//     AND status = 'pending' RETURNING statement, never a read-then-write
//   - TransitionTask is a compare-and-swap on status and claim token
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Busy and locked errors are returned as *TransientError so callers can back
// off and retry.
package store
