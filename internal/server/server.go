// Package server exposes the REST + WebSocket surface: thin handlers
// over the orchestrator, the rate limiter and the auth service. All
// request parsing happens here; the subsystems never see HTTP.
package server

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"graze/internal/auth"
	"graze/internal/limiter"
	"graze/internal/logging"
	"graze/internal/orchestrator"
	"graze/internal/ws"
)

// DefaultRoutePoints is the stock route-cost table, used when the
// limiter configuration does not override it.
var DefaultRoutePoints = map[string]int64{
	"/ping":        1,
	"/info":        1,
	"/limits":      1,
	"/schema":      1,
	"/schema/**":   1,
	"/last":        1,
	"/last/**":     1,
	"/history":     5,
	"/history/**":  5,
	"/convert/**":  1,
	"/pegcheck/**": 1,
	"/analysis":    15,
	"/analysis/**": 15,
	"/admin/**":    1,
}

// Config tunes the server.
type Config struct {
	// Engine and Version are reported by /info.
	Engine  string
	Version string
}

// Server is the HTTP front of one instance.
type Server struct {
	orch   *orchestrator.Orchestrator
	auth   *auth.Service
	lim    *limiter.Limiter
	hub    *ws.Hub
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server
	inFlight sync.WaitGroup
	draining atomic.Bool
}

func New(orch *orchestrator.Orchestrator, authSvc *auth.Service, lim *limiter.Limiter, hub *ws.Hub, cfg Config, logger *slog.Logger) *Server {
	if cfg.Engine == "" {
		cfg.Engine = "graze"
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	return &Server{
		orch:   orch,
		auth:   authSvc,
		lim:    lim,
		hub:    hub,
		cfg:    cfg,
		logger: logging.Default(logger).With("component", "server"),
		now:    time.Now,
	}
}

func (s *Server) buildMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /ping", s.api(s.handlePing))
	mux.HandleFunc("GET /info", s.api(s.handleInfo))
	mux.HandleFunc("GET /schema", s.api(s.handleSchema))
	mux.HandleFunc("GET /schema/{resources}", s.api(s.handleSchema))
	mux.HandleFunc("GET /last", s.api(s.handleLast))
	mux.HandleFunc("GET /last/{resources}", s.api(s.handleLast))
	mux.HandleFunc("GET /history", s.api(s.handleHistory))
	mux.HandleFunc("GET /history/{resources}", s.api(s.handleHistory))
	mux.HandleFunc("GET /convert/{pair}", s.api(s.handleConvert))
	mux.HandleFunc("GET /pegcheck/{pair}", s.api(s.handlePegcheck))
	mux.HandleFunc("GET /analysis", s.api(s.handleAnalysis))
	mux.HandleFunc("GET /analysis/{resources}", s.api(s.handleAnalysis))
	mux.HandleFunc("GET /limits", s.api(s.handleLimits))

	mux.HandleFunc("POST /auth/login", s.open(s.handleAuthLogin))
	mux.HandleFunc("POST /auth/challenge", s.open(s.handleAuthChallenge))
	mux.HandleFunc("POST /auth/verify", s.open(s.handleAuthVerify))
	mux.HandleFunc("POST /auth/logout", s.open(s.handleAuthLogout))

	mux.HandleFunc("GET /admin/instances", s.api(s.adminOnly(s.handleAdminInstances)))
	mux.HandleFunc("GET /admin/resources", s.api(s.adminOnly(s.handleAdminResources)))
	mux.HandleFunc("GET /admin/users/{uid}", s.api(s.adminOnly(s.handleAdminGetUser)))
	mux.HandleFunc("POST /admin/users/{uid}", s.api(s.adminOnly(s.handleAdminUpdateUser)))

	mux.HandleFunc("GET /ws", s.handleWS)

	return mux
}

// trackingMiddleware counts in-flight requests so Stop can drain.
func (s *Server) trackingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.draining.Load() {
			http.Error(w, "server is draining", http.StatusServiceUnavailable)
			return
		}
		s.inFlight.Add(1)
		defer s.inFlight.Done()
		next.ServeHTTP(w, r)
	})
}

// Handler returns the full middleware stack; useful for tests and for
// embedding.
func (s *Server) Handler() http.Handler {
	return s.trackingMiddleware(s.buildMux())
}

// Serve blocks until the server stops or fails.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	s.listener = listener
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	s.logger.Info("server starting", "addr", listener.Addr().String())
	err := srv.Serve(listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// ServeTCP listens on addr and serves.
func (s *Server) ServeTCP(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.draining.Store(true)
	s.inFlight.Wait()

	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	s.logger.Info("server stopping")
	return srv.Shutdown(ctx)
}

// handleWS resolves the principal and hands the connection to the hub.
// Message costs are charged inside the hub's subscribe throttle.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	user := s.auth.Principal(r.Context(), bearerToken(r), clientIP(r))
	s.hub.Handle(w, r, user)
}
