// Package server exposes the orchestrator's public surface: the JSON-RPC
// task endpoint, the SSE and websocket event channels, the agent card, and
// the health probes. The Supervisor in this package owns process bring-up
// and graceful drain.
package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"

	"maestro/internal/checkpoint"
	maestroerrors "maestro/internal/errors"
	"maestro/internal/events"
	"maestro/internal/logging"
	"maestro/internal/observability"
	"maestro/internal/protocol"
	"maestro/internal/registry"
)

const (
	// Version is reported on the health endpoint and the agent card.
	Version = "0.1.0"

	// Stream responses outlive any fixed read or write budget, so only the
	// header read and keep-alive idling are bounded.
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 120 * time.Second
)

// TaskProcessor is the slice of the engine manager the transport drives.
type TaskProcessor interface {
	ProcessTask(ctx context.Context, req *protocol.TaskRequest) (*protocol.TaskResponse, error)
	Resume(ctx context.Context, threadID string, cmd protocol.ResumeCommand) (*protocol.TaskResponse, error)
	Interrupt(threadID, reason string) error
}

// Deps are the wired subsystems the handlers talk to. Manager and Bus are
// required; the rest degrade gracefully when absent (readiness reports them).
type Deps struct {
	Manager     TaskProcessor
	Bus         *events.Bus
	Registry    *registry.Registry
	Checkpoints checkpoint.Store
	Breakers    *maestroerrors.CircuitBreakerManager
	Card        protocol.AgentCard
	Logger      logging.Logger
	Tracer      *observability.TracerProvider
}

// Server is the public HTTP surface. One instance per process.
type Server struct {
	manager     TaskProcessor
	bus         *events.Bus
	registry    *registry.Registry
	checkpoints checkpoint.Store
	breakers    *maestroerrors.CircuitBreakerManager
	card        protocol.AgentCard
	logger      logging.Logger
	tracer      *observability.TracerProvider

	engine   *gin.Engine
	http     *http.Server
	upgrader websocket.Upgrader
	started  time.Time

	// ctx is canceled on Shutdown so long-lived connections unwind even
	// when their clients stay silent.
	ctx    context.Context
	cancel context.CancelFunc

	wsMu       sync.Mutex
	wsSessions map[*wsSession]struct{}
}

// New builds the server and mounts its routes. It does not listen yet.
func New(addr string, deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "Accept"}
	corsConfig.AllowWebSockets = true
	engine.Use(cors.New(corsConfig))

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		manager:     deps.Manager,
		bus:         deps.Bus,
		registry:    deps.Registry,
		checkpoints: deps.Checkpoints,
		breakers:    deps.Breakers,
		card:        deps.Card,
		logger:      logging.WithComponent(logging.OrNop(deps.Logger), "server"),
		tracer:      deps.Tracer,
		engine:      engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		started:    time.Now(),
		ctx:        ctx,
		cancel:     cancel,
		wsSessions: make(map[*wsSession]struct{}),
	}

	engine.Use(s.requestLog())

	engine.POST("/a2a", s.handleRPC)
	engine.GET("/a2a/stream", s.handleStream)
	engine.GET("/a2a/agent-card", s.handleAgentCard)
	engine.GET("/ws", s.handleWebSocket)
	engine.GET("/health", s.handleHealth)
	engine.GET("/ready", s.handleReady)
	engine.GET("/stats", s.handleStats)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}
	return s
}

// Handler exposes the mounted routes; tests serve them via httptest.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens and serves until Shutdown. A closed server returns nil.
func (s *Server) Start() error {
	s.logger.Info("listening on %s", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown closes long-lived connections and stops the listener. Hijacked
// websocket connections do not fall under http.Server.Shutdown, so they are
// closed explicitly first.
func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	s.closeWebsockets()
	return s.http.Shutdown(ctx)
}

// requestLog traces each request at debug level, with latency and status.
// With a tracer configured it also opens a server span whose context flows
// into the handler, so engine spans nest under the request.
func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		if s.tracer != nil {
			ctx, span := s.tracer.StartSpan(c.Request.Context(), observability.SpanHTTPServer,
				attribute.String("http.route", c.FullPath()),
				attribute.String("http.method", c.Request.Method),
			)
			c.Request = c.Request.WithContext(ctx)
			defer func() {
				span.SetAttributes(attribute.Int("http.status_code", c.Writer.Status()))
				span.End()
			}()
		}
		c.Next()
		s.logger.Debug("%s %s -> %d (%s)", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}

func (s *Server) addSession(sess *wsSession) {
	s.wsMu.Lock()
	s.wsSessions[sess] = struct{}{}
	s.wsMu.Unlock()
}

func (s *Server) removeSession(sess *wsSession) {
	s.wsMu.Lock()
	delete(s.wsSessions, sess)
	s.wsMu.Unlock()
}

func (s *Server) closeWebsockets() {
	s.wsMu.Lock()
	sessions := make([]*wsSession, 0, len(s.wsSessions))
	for sess := range s.wsSessions {
		sessions = append(sessions, sess)
	}
	s.wsSessions = make(map[*wsSession]struct{})
	s.wsMu.Unlock()

	for _, sess := range sessions {
		sess.close()
	}
}
