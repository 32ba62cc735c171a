// Package ir provides the foundational types shared by every shelf package.
//
// This package contains type definitions and pure helpers only. All other
// internal packages import ir; ir imports nothing internal. This keeps ir the
// foundational layer with no circular dependencies.
//
// Key design constraints:
//   - Rows are JSON objects (map[string]any) decoded with UseNumber so that
//     integer and real numbers keep the distinction SQLite makes.
//   - Ordering and comparison of field values follow SQLite semantics
//     (see value.go). The in-memory evaluator and the SQL compiler must agree.
//   - Change events carry the change-log sequence (Seq); ordering always uses
//     Seq, never the wall-clock Timestamp.
package ir
