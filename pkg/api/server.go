// Package api is the HTTP edge: a REST surface for session lifecycle and a
// WebSocket upgrade endpoint that hands connections to the transport layer.
// Handlers stay thin; domain decisions live in pkg/services.
package api

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/studyhall/tutord/pkg/config"
	"github.com/studyhall/tutord/pkg/services"
	"github.com/studyhall/tutord/pkg/store"
	"github.com/studyhall/tutord/pkg/transport"
)

// Server wires the echo router to the session service and owns the
// listener's lifecycle.
type Server struct {
	cfg      *config.Config
	sessions *services.SessionService
	// dbClient is nil when persistence is disabled; the health endpoint
	// then skips the database check.
	dbClient    *store.Client
	connManager *transport.ConnectionManager

	echo *echo.Echo

	mu         sync.Mutex
	httpServer *http.Server
}

// NewServer creates the API server and registers all routes.
func NewServer(cfg *config.Config, sessions *services.SessionService, dbClient *store.Client, connManager *transport.ConnectionManager) *Server {
	if cfg == nil {
		panic("api.NewServer: cfg must not be nil")
	}
	if sessions == nil {
		panic("api.NewServer: session service must not be nil")
	}

	s := &Server{
		cfg:         cfg,
		sessions:    sessions,
		dbClient:    dbClient,
		connManager: connManager,
	}

	e := echo.New()
	e.Use(securityHeaders())

	e.POST("/api/v1/sessions", s.startSessionHandler)
	e.GET("/api/v1/sessions", s.listSessionsHandler)
	e.GET("/api/v1/sessions/:id", s.getSessionHandler)
	e.POST("/api/v1/sessions/:id/messages", s.postMessageHandler)
	e.DELETE("/api/v1/sessions/:id", s.stopSessionHandler)
	e.GET("/api/v1/health", s.healthHandler)
	e.GET("/ws", s.wsHandler)

	s.echo = e
	return s
}

// Handler exposes the router, for tests that serve it in-process.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves HTTP on addr. Blocks until the listener fails or Shutdown is
// called; a clean shutdown returns http.ErrServerClosed.
func (s *Server) Start(addr string) error {
	return s.buildServer(addr).ListenAndServe()
}

// StartWithListener serves HTTP on an existing listener. Used by tests that
// bind port 0 to get a free port before starting the server.
func (s *Server) StartWithListener(ln net.Listener) error {
	return s.buildServer(ln.Addr().String()).Serve(ln)
}

func (s *Server) buildServer(addr string) *http.Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer
}

// Shutdown stops accepting connections and waits for in-flight requests up
// to the context deadline. WebSocket connections are long-lived and not
// waited for; the transport layer closes them separately.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
