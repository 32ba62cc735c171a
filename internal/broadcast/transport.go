package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/shelf/internal/ir"
)

// Patch is one row change in a batch.
type Patch struct {
	Event ir.EventType `json:"event"`
	Data  ir.Row       `json:"data"`
	// Evicted marks a DELETE of a row that still matches but was pushed out
	// of a limited window by a row that sorts ahead of it.
	Evicted bool `json:"evicted,omitempty"`
}

// Batch is the coalesced set of changes delivered to one subscription.
// Total is the authoritative match count after the batch is applied.
type Batch struct {
	SubscriptionID string  `json:"subscriptionId"`
	Collection     string  `json:"collection"`
	Changes        []Patch `json:"changes"`
	Total          int     `json:"total"`
}

// Transport delivers batches to one client connection.
//
// Send is called from a single goroutine per subscription at a time, never
// from the router's event loop. An error from Send removes the subscription.
type Transport interface {
	// ID identifies the connection for UnsubscribeTransport.
	ID() string
	Send(ctx context.Context, b Batch) error
}

// TransportError reports a failed delivery to a subscription.
type TransportError struct {
	SubscriptionID string
	Err            error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failure for subscription %s: %v", e.SubscriptionID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransportError reports whether err is or wraps a *TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// ErrClosed is returned by Subscribe after the router has been closed.
var ErrClosed = errors.New("broadcast: router closed")

// Gate holds batches for a transport until Open is called. Subscribers wrap
// their transport in a Gate so the initial result returned by Subscribe is
// delivered before any patch.
type Gate struct {
	Transport
	open chan struct{}
	once sync.Once
}

// NewGate returns a closed gate in front of t.
func NewGate(t Transport) *Gate {
	return &Gate{Transport: t, open: make(chan struct{})}
}

// Open releases held and future batches. Safe to call more than once.
func (g *Gate) Open() {
	g.once.Do(func() { close(g.open) })
}

// Send waits for the gate to open, then forwards b.
func (g *Gate) Send(ctx context.Context, b Batch) error {
	select {
	case <-g.open:
	case <-ctx.Done():
		return ctx.Err()
	}
	return g.Transport.Send(ctx, b)
}
