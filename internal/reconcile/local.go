package reconcile

import (
	"context"

	"github.com/roach88/shelf/internal/broadcast"
	"github.com/roach88/shelf/internal/ir"
	"github.com/roach88/shelf/internal/queryir"
)

// LocalConn opens subscriptions on an in-process router as one actor.
type LocalConn struct {
	router *broadcast.Router
	actor  ir.Actor
	id     string
}

// NewLocalConn returns a connection to router acting as actor.
func NewLocalConn(router *broadcast.Router, actor ir.Actor) *LocalConn {
	return &LocalConn{router: router, actor: actor, id: "local-" + broadcast.NewID()}
}

// Subscribe implements Conn.
func (c *LocalConn) Subscribe(ctx context.Context, q *queryir.Query, sink Sink) (string, queryir.Result, error) {
	return c.router.Subscribe(ctx, c.actor, q, sinkTransport{id: c.id, sink: sink})
}

// Unsubscribe implements Conn.
func (c *LocalConn) Unsubscribe(_ context.Context, id string) error {
	c.router.Unsubscribe(id)
	return nil
}

// Close releases every subscription opened through c.
func (c *LocalConn) Close() {
	c.router.UnsubscribeTransport(c.id)
}

type sinkTransport struct {
	id   string
	sink Sink
}

func (t sinkTransport) ID() string { return t.id }

func (t sinkTransport) Send(_ context.Context, b broadcast.Batch) error {
	t.sink(b)
	return nil
}
