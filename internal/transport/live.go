package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/roach88/shelf/internal/broadcast"
	"github.com/roach88/shelf/internal/ir"
	"github.com/roach88/shelf/internal/metrics"
	"github.com/roach88/shelf/internal/queryir"
)

// Live protocol message types.
const (
	MsgSubscribe    = "subscribe"
	MsgUnsubscribe  = "unsubscribe"
	MsgSnapshot     = "snapshot"
	MsgPatch        = "patch"
	MsgError        = "error"
	MsgUnsubscribed = "unsubscribed"
)

var (
	errSendBufferFull = errors.New("send buffer full")
	errConnClosed     = errors.New("connection closed")
)

// ClientMessage is a message from a live client.
type ClientMessage struct {
	Type           string           `json:"type"`
	RequestID      string           `json:"requestId,omitempty"`
	Query          *queryir.Request `json:"query,omitempty"`
	SubscriptionID string           `json:"subscriptionId,omitempty"`
}

// ServerMessage is a message to a live client.
type ServerMessage struct {
	Type           string            `json:"type"`
	RequestID      string            `json:"requestId,omitempty"`
	SubscriptionID string            `json:"subscriptionId,omitempty"`
	Collection     string            `json:"collection,omitempty"`
	Rows           []ir.Row          `json:"rows,omitempty"`
	Changes        []broadcast.Patch `json:"changes,omitempty"`
	Total          int               `json:"total"`
	Code           string            `json:"code,omitempty"`
	Message        string            `json:"message,omitempty"`
}

// liveConn is one websocket client. It is the broadcast.Transport of every
// subscription the client opens.
type liveConn struct {
	id     string
	ws     *websocket.Conn
	actor  ir.Actor
	server *Server
	send   chan []byte

	ctx    context.Context
	cancel context.CancelFunc
}

func (s *Server) serveLive(c *gin.Context) {
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		slog.Debug("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	conn := &liveConn{
		id:     "ws-" + broadcast.NewID(),
		ws:     ws,
		actor:  actorOf(c),
		server: s,
		send:   make(chan []byte, s.sendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
	s.track(conn)
	log := slog.With("conn", conn.id, "actor", conn.actor.String())
	log.Info("live connection opened")

	go conn.writeLoop()
	conn.readLoop()

	conn.close()
	n := s.router.UnsubscribeTransport(conn.id)
	s.untrack(conn)
	log.Info("live connection closed", "subscriptions", n)
}

func (s *Server) track(c *liveConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c] = struct{}{}
}

func (s *Server) untrack(c *liveConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

func (s *Server) closeLive() {
	s.mu.Lock()
	conns := make([]*liveConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

// ID implements broadcast.Transport.
func (c *liveConn) ID() string { return c.id }

// Send implements broadcast.Transport. It never blocks: a client that lets
// its buffer fill is disconnected, and its subscriptions go with it.
func (c *liveConn) Send(_ context.Context, b broadcast.Batch) error {
	err := c.enqueue(ServerMessage{
		Type:           MsgPatch,
		SubscriptionID: b.SubscriptionID,
		Collection:     b.Collection,
		Changes:        b.Changes,
		Total:          b.Total,
	})
	if errors.Is(err, errSendBufferFull) {
		slog.Warn("live client too slow, disconnecting", "conn", c.id, "subscription", b.SubscriptionID)
		c.close()
	}
	return err
}

func (c *liveConn) enqueue(msg ServerMessage) error {
	data, err := ir.EncodeJSON(msg)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", msg.Type, err)
	}
	select {
	case <-c.ctx.Done():
		return errConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	case <-c.ctx.Done():
		return errConnClosed
	default:
		return errSendBufferFull
	}
}

func (c *liveConn) close() {
	c.cancel()
	_ = c.ws.Close()
}

func (c *liveConn) writeLoop() {
	defer c.close()
	ping := time.NewTicker(c.server.pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-c.ctx.Done():
			deadline := time.Now().Add(time.Second)
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), deadline)
			return
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.server.writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				slog.Debug("live write failed", "conn", c.id, "error", err)
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(c.server.writeTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				slog.Debug("live ping failed", "conn", c.id, "error", err)
				return
			}
		}
	}
}

func (c *liveConn) readLoop() {
	pongWait := 2 * c.server.pingInterval
	c.ws.SetReadLimit(c.server.maxMessage)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("live read failed", "conn", c.id, "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))

		var msg ClientMessage
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.UseNumber()
		if err := dec.Decode(&msg); err != nil {
			c.replyError("", &queryir.ValidationError{Message: fmt.Sprintf("malformed message: %v", err)})
			continue
		}
		c.handle(msg)
	}
}

func (c *liveConn) handle(msg ClientMessage) {
	switch msg.Type {
	case MsgSubscribe:
		c.subscribe(msg)
	case MsgUnsubscribe:
		c.unsubscribe(msg)
	default:
		c.replyError(msg.RequestID, &queryir.ValidationError{Message: fmt.Sprintf("unknown message type %q", msg.Type)})
	}
}

func (c *liveConn) subscribe(msg ClientMessage) {
	if msg.Query == nil {
		c.replyError(msg.RequestID, &queryir.ValidationError{Message: "subscribe requires a query"})
		return
	}
	q, err := msg.Query.Build()
	if err != nil {
		c.replyError(msg.RequestID, err)
		return
	}

	// Patches wait behind the gate until the snapshot is queued.
	gate := broadcast.NewGate(c)
	id, res, err := c.server.router.Subscribe(c.ctx, c.actor, q, gate)
	if err != nil {
		c.replyError(msg.RequestID, err)
		return
	}
	err = c.enqueue(ServerMessage{
		Type:           MsgSnapshot,
		RequestID:      msg.RequestID,
		SubscriptionID: id,
		Collection:     q.Collection,
		Rows:           res.Rows,
		Total:          res.Total,
	})
	if err != nil {
		c.server.router.Unsubscribe(id)
		// A flush already waiting at the gate now fails on the closed
		// connection instead of waiting for the router to stop.
		gate.Open()
		c.close()
		return
	}
	gate.Open()
}

func (c *liveConn) unsubscribe(msg ClientMessage) {
	if sub, ok := c.server.router.Registry().Get(msg.SubscriptionID); ok && sub.TransportID() == c.id {
		c.server.router.Unsubscribe(msg.SubscriptionID)
	}
	_ = c.enqueue(ServerMessage{
		Type:           MsgUnsubscribed,
		RequestID:      msg.RequestID,
		SubscriptionID: msg.SubscriptionID,
	})
}

func (c *liveConn) replyError(requestID string, err error) {
	status, body := errorBody(err)
	if status >= 500 {
		metrics.IncErrorCount(metrics.ComponentTransport)
		slog.Error("live request failed", "conn", c.id, "error", err)
	}
	_ = c.enqueue(ServerMessage{
		Type:      MsgError,
		RequestID: requestID,
		Code:      body.Code,
		Message:   body.Message,
	})
}
