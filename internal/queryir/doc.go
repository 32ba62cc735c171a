// Package queryir provides the query model for shelf's live-query engine.
//
// A Query is an immutable descriptor of a read against one named collection:
// filter predicates, one-to-one lookup joins, an optional sort, an optional
// limit and a result mode (get, list, count). The package performs no I/O.
//
// ARCHITECTURE:
//
//	[transport conditions] → ParseCondition → [Query] → querysql → SQLite
//	                                              ↘ Match / Compare (in memory)
//
// The same Query is evaluated in two places. The request path compiles it to
// SQL (package querysql). The broadcast path re-evaluates its predicates
// against changed rows in memory with Match and orders rows with CompareRows.
// The two evaluations MUST agree for every row; see ir/value.go for the value
// semantics both sides follow.
//
// SEALED INTERFACES:
//
// Predicate is a sealed interface using the marker method pattern. Only types
// in this package implement it, so compilers and evaluators can switch over
// it exhaustively:
//
//	switch p := pred.(type) {
//	case Compare:
//	case Like:
//	case In:
//	case IsNull:
//	case And:
//	}
//
// IMMUTABILITY:
//
// Every derivation (CreateFrom, Where, WithLimit, WithSort, WithJoin,
// WithMode) deep-clones the receiver first. Two subscriptions derived from
// the same base query never share predicate slices, literal values or limits.
//
// NULL SEMANTICS:
//
// A missing JSON path, a JSON null and SQL NULL are the same thing. Any
// comparison involving NULL is false; use IsNull (produced by `== null` and
// `!= null` conditions) to test for it.
package queryir
