// Package transport exposes shelf over HTTP and websockets.
//
// The HTTP API (gin) serves one-shot queries, record CRUD and task
// management. The live endpoint upgrades to a websocket on which a client
// opens subscriptions; each subscription receives its initial snapshot and
// then coalesced patch batches from the broadcast router. Client is the
// matching websocket client and implements reconcile.Conn.
package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/roach88/shelf/internal/broadcast"
	"github.com/roach88/shelf/internal/ir"
	"github.com/roach88/shelf/internal/metrics"
	"github.com/roach88/shelf/internal/service"
	"github.com/roach88/shelf/internal/taskqueue"
)

const (
	DefaultSendBuffer   = 256
	DefaultWriteTimeout = 10 * time.Second
	DefaultPingInterval = 30 * time.Second
	DefaultMaxMessage   = 1 << 20

	shutdownTimeout = 5 * time.Second
	actorKey        = "shelf.actor"
)

// Server is shelf's HTTP and websocket front end.
type Server struct {
	records *service.Records
	tasks   *taskqueue.Queue
	router  *broadcast.Router
	auth    *Authenticator

	engine   *gin.Engine
	upgrader websocket.Upgrader

	sendBuffer   int
	writeTimeout time.Duration
	pingInterval time.Duration
	maxMessage   int64

	mu    sync.Mutex
	conns map[*liveConn]struct{}
}

// Option configures a Server.
type Option func(*Server)

// WithSendBuffer sets how many outbound messages a live connection may have
// queued before it is considered too slow and dropped.
func WithSendBuffer(n int) Option {
	return func(s *Server) { s.sendBuffer = n }
}

// WithWriteTimeout sets the deadline for each websocket write.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) { s.writeTimeout = d }
}

// WithPingInterval sets how often live connections are pinged. A peer that
// does not answer within two intervals is disconnected.
func WithPingInterval(d time.Duration) Option {
	return func(s *Server) { s.pingInterval = d }
}

// NewServer wires the HTTP routes.
func NewServer(records *service.Records, tasks *taskqueue.Queue, router *broadcast.Router, auth *Authenticator, opts ...Option) *Server {
	s := &Server{
		records:      records,
		tasks:        tasks,
		router:       router,
		auth:         auth,
		sendBuffer:   DefaultSendBuffer,
		writeTimeout: DefaultWriteTimeout,
		pingInterval: DefaultPingInterval,
		maxMessage:   DefaultMaxMessage,
		conns:        make(map[*liveConn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		// Browser clients authenticate with a token, not cookies.
		CheckOrigin: func(*http.Request) bool { return true },
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(requestLogger(), recovery())
	s.routes(engine)
	s.engine = engine
	return s
}

func (s *Server) routes(r *gin.Engine) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := r.Group("/v1", s.authenticate())
	v1.GET("/live", s.serveLive)
	v1.POST("/query", s.query)

	records := v1.Group("/records/:collection")
	records.GET("", s.listRecords)
	records.POST("", s.createRecord)
	records.GET("/:id", s.getRecord)
	records.PATCH("/:id", s.updateRecord)
	records.DELETE("/:id", s.deleteRecord)

	tasks := v1.Group("/tasks")
	tasks.POST("", s.enqueueTask)
	tasks.POST("/bulk-delete", s.bulkDeleteTasks)
	tasks.POST("/bulk-retry", s.bulkRetryTasks)
	tasks.GET("/:id", s.getTask)
	tasks.PUT("/:id/status", s.updateTaskStatus)
	tasks.DELETE("/:id", s.deleteTask)
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts down gracefully and
// closes every live connection.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	slog.Info("http server listening", "addr", ln.Addr().String())

	select {
	case err := <-errc:
		s.closeLive()
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	// Hijacked websocket connections are not tracked by Shutdown.
	s.closeLive()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http server shutdown", "error", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	slog.Info("http server stopped")
	return ctx.Err()
}

// authenticate resolves the actor from the Authorization header, or from the
// token query parameter for websocket clients that cannot set headers.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		var (
			actor ir.Actor
			err   error
		)
		if token := c.Query("token"); token != "" && c.GetHeader("Authorization") == "" {
			actor, err = s.auth.ActorFromToken(token)
		} else {
			actor, err = s.auth.Actor(c.GetHeader("Authorization"))
		}
		if err != nil {
			abort(c, err)
			return
		}
		c.Set(actorKey, actor)
		c.Next()
	}
}

func actorOf(c *gin.Context) ir.Actor {
	if v, ok := c.Get(actorKey); ok {
		return v.(ir.Actor)
	}
	return ir.Anonymous
}

func abort(c *gin.Context, err error) {
	status, body := errorBody(err)
	if status == http.StatusInternalServerError {
		metrics.IncErrorCount(metrics.ComponentTransport)
		slog.Error("request failed", "method", c.Request.Method, "path", c.Request.URL.Path, "error", err)
	}
	c.AbortWithStatusJSON(status, body)
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		metrics.HTTPRequest(c.Request.Method, route, status)
		slog.Debug("http request",
			"method", c.Request.Method,
			"route", route,
			"status", status,
			"duration", time.Since(start))
	}
}

func recovery() gin.HandlerFunc {
	return gin.CustomRecoveryWithWriter(nil, func(c *gin.Context, recovered any) {
		metrics.IncErrorCount(metrics.ComponentTransport)
		slog.Error("handler panicked", "method", c.Request.Method, "path", c.Request.URL.Path, "panic", recovered)
		c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorBody{Code: CodeInternal, Message: "internal error"})
	})
}
