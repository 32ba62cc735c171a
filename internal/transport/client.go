package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roach88/shelf/internal/broadcast"
	"github.com/roach88/shelf/internal/queryir"
	"github.com/roach88/shelf/internal/reconcile"
)

// RemoteError is an error reported by the server for a live request.
type RemoteError struct {
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Client is a live-protocol websocket client. It implements reconcile.Conn.
type Client struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex

	mu      sync.Mutex
	nextReq int
	pending map[string]chan ServerMessage
	waiting map[string]reconcile.Sink
	sinks   map[string]reconcile.Sink
	err     error

	done chan struct{}
}

// Dial connects to a live endpoint such as ws://host:port/v1/live. A
// non-empty token is sent as a bearer Authorization header.
func Dial(ctx context.Context, url, token string) (*Client, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := &Client{
		ws:           ws,
		writeTimeout: DefaultWriteTimeout,
		pending:      make(map[string]chan ServerMessage),
		waiting:      make(map[string]reconcile.Sink),
		sinks:        make(map[string]reconcile.Sink),
		done:         make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Subscribe implements reconcile.Conn.
func (c *Client) Subscribe(ctx context.Context, q *queryir.Query, sink reconcile.Sink) (string, queryir.Result, error) {
	req := q.Request()
	reqID, reply, err := c.register(sink)
	if err != nil {
		return "", queryir.Result{}, err
	}
	defer c.forget(reqID)

	if err := c.write(ClientMessage{Type: MsgSubscribe, RequestID: reqID, Query: &req}); err != nil {
		return "", queryir.Result{}, err
	}

	select {
	case msg := <-reply:
		if msg.Type == MsgError {
			return "", queryir.Result{}, &RemoteError{Code: msg.Code, Message: msg.Message}
		}
		return msg.SubscriptionID, queryir.Result{Rows: msg.Rows, Total: msg.Total}, nil
	case <-ctx.Done():
		return "", queryir.Result{}, ctx.Err()
	case <-c.done:
		return "", queryir.Result{}, c.Err()
	}
}

// Unsubscribe implements reconcile.Conn. Batches for id stop being
// delivered immediately.
func (c *Client) Unsubscribe(_ context.Context, id string) error {
	c.mu.Lock()
	delete(c.sinks, id)
	c.mu.Unlock()
	return c.write(ClientMessage{Type: MsgUnsubscribe, SubscriptionID: id})
}

// Close closes the connection. The server drops every subscription.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.ws.Close()
	<-c.done
	return err
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) register(sink reconcile.Sink) (string, chan ServerMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return "", nil, c.err
	}
	c.nextReq++
	id := strconv.Itoa(c.nextReq)
	reply := make(chan ServerMessage, 1)
	c.pending[id] = reply
	c.waiting[id] = sink
	return id, reply, nil
}

func (c *Client) forget(reqID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, reqID)
	delete(c.waiting, reqID)
}

func (c *Client) write(msg ClientMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.ws.WriteJSON(msg); err != nil {
		return fmt.Errorf("write %s: %w", msg.Type, err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		var msg ServerMessage
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&msg); err != nil {
			slog.Warn("live client: malformed message", "error", err)
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg ServerMessage) {
	switch msg.Type {
	case MsgSnapshot, MsgError:
		c.mu.Lock()
		reply, ok := c.pending[msg.RequestID]
		if ok && msg.Type == MsgSnapshot {
			// Registered before the reply is handed over so no patch read
			// after the snapshot can miss its sink.
			c.sinks[msg.SubscriptionID] = c.waiting[msg.RequestID]
		}
		delete(c.pending, msg.RequestID)
		delete(c.waiting, msg.RequestID)
		c.mu.Unlock()
		if ok {
			reply <- msg
		} else if msg.Type == MsgError {
			slog.Warn("live client: server error", "code", msg.Code, "message", msg.Message)
		}
	case MsgPatch:
		c.mu.Lock()
		sink := c.sinks[msg.SubscriptionID]
		c.mu.Unlock()
		if sink != nil {
			sink(broadcast.Batch{
				SubscriptionID: msg.SubscriptionID,
				Collection:     msg.Collection,
				Changes:        msg.Changes,
				Total:          msg.Total,
			})
		}
	case MsgUnsubscribed:
		c.mu.Lock()
		delete(c.sinks, msg.SubscriptionID)
		c.mu.Unlock()
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		c.err = fmt.Errorf("live connection closed: %w", err)
	} else {
		c.err = fmt.Errorf("live connection failed: %w", err)
	}
	c.sinks = map[string]reconcile.Sink{}
}
