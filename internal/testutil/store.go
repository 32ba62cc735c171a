package testutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/shelf/internal/ir"
	"github.com/roach88/shelf/internal/rules"
	"github.com/roach88/shelf/internal/store"
)

// OpenStore opens a store in a fresh temp directory and closes it when the
// test ends.
func OpenStore(t testing.TB, opts ...store.Option) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "shelf.db"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// AllowAll is a rule table that permits every operation and every broadcast,
// anonymous actors included.
var AllowAll = rules.Table{
	Default: rules.RuleFunc(func(rules.Context) (rules.Decision, error) {
		return rules.Allow(), nil
	}),
	DefaultBroadcast: rules.BroadcastFunc(func(ir.Actor, ir.Row) (bool, error) {
		return true, nil
	}),
}

// AllowAllEngine returns a rules engine over AllowAll.
func AllowAllEngine() *rules.Engine {
	return rules.NewEngine(AllowAll)
}
