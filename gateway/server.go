// Package gateway exposes the engine over a WebSocket caller surface.
// One connection carries at most one in-flight request; a second execute
// while busy is rejected and cancel aborts the current one.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pawelserkowski-lang/hydra"
)

// Engine is the request surface the gateway drives. *hydra.Engine satisfies
// it; tests substitute a stub.
type Engine interface {
	Execute(ctx context.Context, req hydra.ExecuteRequest, events chan<- hydra.ServerEvent) (string, error)
	Orchestrate(ctx context.Context, req hydra.OrchestrateRequest, events chan<- hydra.ServerEvent) (string, error)
}

// Option configures a Server.
type Option func(*Server)

// WithToken requires the given bearer token on every connection, either as
// an Authorization header or a token query parameter.
func WithToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// WithAllowedOrigins restricts browser connections to the listed origins.
// Empty means all origins are allowed; requests without an Origin header
// (CLI and SDK clients) always pass.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) { s.origins = origins }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// Server handles WebSocket connections and drives the engine.
type Server struct {
	engine   Engine
	token    string
	origins  []string
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// NewServer creates a gateway server around the engine.
func NewServer(engine Engine, opts ...Option) *Server {
	s := &Server{engine: engine, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Handler returns the HTTP mux with the /ws and /health routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// ListenAndServe runs the gateway until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	s.logger.Info("gateway starting", "addr", addr)
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// checkOrigin validates browser connections against the allowed origins.
func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.origins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range s.origins {
		if origin == a || a == "*" {
			return true
		}
	}
	s.logger.Warn("origin rejected", "origin", origin)
	return false
}

// authorized checks the bearer token when one is configured. Browsers cannot
// set headers on WebSocket upgrades, so the query parameter form is accepted
// too.
func (s *Server) authorized(r *http.Request) bool {
	if s.token == "" {
		return true
	}
	if auth := r.Header.Get("Authorization"); auth == "Bearer "+s.token {
		return true
	}
	return r.URL.Query().Get("token") == s.token
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	c := newConn(ws, s.engine, s.logger)
	s.logger.Info("client connected", "remote", ws.RemoteAddr().String())
	c.run(r.Context())
	s.logger.Info("client disconnected", "remote", ws.RemoteAddr().String())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"ok"}`)
}

// normalizeFormat folds the requested output format to a known value.
func normalizeFormat(f string) string {
	if strings.EqualFold(f, "html") {
		return "html"
	}
	return ""
}
