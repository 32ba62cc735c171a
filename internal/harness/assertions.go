package harness

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/shelf/internal/ir"
	"github.com/roach88/shelf/internal/store"
)

// Getter reads one stored row. *store.Store implements it.
type Getter interface {
	Get(ctx context.Context, collection, id string) (ir.Row, error)
}

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string // Assertion type for categorization
	Expected string // Human-readable expected outcome
	Actual   string // Human-readable actual outcome
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s", e.Actual)
	return buf.String()
}

// EvaluateAssertions checks every assertion against the final views in
// result and the rows in st, returning one message per failure.
func EvaluateAssertions(ctx context.Context, result *Result, assertions []Assertion, st Getter) []string {
	var failures []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertView:
			err = assertView(result, a)
		case AssertFinalState:
			err = assertFinalState(ctx, st, a)
		case AssertAbsent:
			err = assertAbsent(ctx, st, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			failures = append(failures, fmt.Sprintf("assertion %d: %v", i+1, err))
		}
	}
	return failures
}

// assertView checks a subscription's final row order and total.
func assertView(result *Result, a Assertion) error {
	view, ok := result.Views[a.Subscription]
	if !ok {
		return &AssertionError{
			Type:     AssertView,
			Expected: fmt.Sprintf("subscription %s", a.Subscription),
			Actual:   "no view recorded",
		}
	}
	got := rowIDs(view.Rows)
	if a.IDs != nil && !equalStrings(got, a.IDs) {
		return &AssertionError{
			Type:     AssertView,
			Expected: fmt.Sprintf("%s rows %s", a.Subscription, formatIDs(a.IDs)),
			Actual:   formatIDs(got),
		}
	}
	if a.Total != nil && view.Total != *a.Total {
		return &AssertionError{
			Type:     AssertView,
			Expected: fmt.Sprintf("%s total %d", a.Subscription, *a.Total),
			Actual:   fmt.Sprintf("total %d", view.Total),
		}
	}
	return nil
}

// assertFinalState checks that a stored row has the expected values.
// Only the fields named in Expect are compared.
func assertFinalState(ctx context.Context, st Getter, a Assertion) error {
	row, err := st.Get(ctx, a.Collection, a.ID)
	if errors.Is(err, store.ErrNotFound) {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("row %s/%s", a.Collection, a.ID),
			Actual:   "row not found",
		}
	}
	if err != nil {
		return fmt.Errorf("read %s/%s: %w", a.Collection, a.ID, err)
	}

	fields := make([]string, 0, len(a.Expect))
	for f := range a.Expect {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	var mismatches []string
	for _, f := range fields {
		want := a.Expect[f]
		got, ok := row[f]
		if !ok {
			mismatches = append(mismatches, fmt.Sprintf("%s: missing", f))
			continue
		}
		if !ir.ValuesEqual(got, want) {
			mismatches = append(mismatches, fmt.Sprintf("%s: got %v, want %v", f, got, want))
		}
	}
	if len(mismatches) > 0 {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("row %s/%s matching %v", a.Collection, a.ID, a.Expect),
			Actual:   strings.Join(mismatches, "; "),
		}
	}
	return nil
}

// assertAbsent checks that a row does not exist.
func assertAbsent(ctx context.Context, st Getter, a Assertion) error {
	_, err := st.Get(ctx, a.Collection, a.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("read %s/%s: %w", a.Collection, a.ID, err)
	}
	return &AssertionError{
		Type:     AssertAbsent,
		Expected: fmt.Sprintf("no row %s/%s", a.Collection, a.ID),
		Actual:   "row exists",
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
