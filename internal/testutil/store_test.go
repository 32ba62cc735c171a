package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/shelf/internal/ir"
	"github.com/roach88/shelf/internal/rules"
)

func TestOpenStore(t *testing.T) {
	st := OpenStore(t)
	_, err := st.Insert(context.Background(), "note", ir.Row{"id": "n1", "text": "hi"})
	require.NoError(t, err)

	row, err := st.Get(context.Background(), "note", "n1")
	require.NoError(t, err)
	assert.Equal(t, "hi", row["text"])
}

func TestAllowAllEngine(t *testing.T) {
	e := AllowAllEngine()
	assert.NoError(t, e.Check(rules.OpDelete, "anything", rules.Context{Actor: ir.Anonymous}))
	assert.True(t, e.CanSee("anything", ir.Anonymous, ir.Row{"id": "x"}))
}
