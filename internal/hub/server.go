package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/user/sdbus/internal/types"
	"github.com/user/sdbus/pkg/logger"
)

const (
	defaultAPILimit = 200
	shutdownTimeout = 5 * time.Second
)

// Server exposes a Hub over HTTP: the websocket endpoint plus a small
// read-only API over the session registry and event logs.
type Server struct {
	hub      *Hub
	events   types.EventLog
	sessions types.SessionRegistry
	log      *logger.Logger
	conn     ConnConfig
	upgrader websocket.Upgrader
	router   chi.Router
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithRegistry enables GET /api/sessions and GET /api/sessions/{id}.
func WithRegistry(sessions types.SessionRegistry) ServerOption {
	return func(s *Server) { s.sessions = sessions }
}

// WithConnConfig overrides the per-connection limits.
func WithConnConfig(cfg ConnConfig) ServerOption {
	return func(s *Server) { s.conn = cfg }
}

// NewServer creates a Server for hub, reading history from events.
func NewServer(hub *Hub, events types.EventLog, log *logger.Logger, opts ...ServerOption) *Server {
	s := &Server{
		hub:    hub,
		events: events,
		log:    logger.OrGlobal(log),
		conn:   DefaultConnConfig(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Local tool traffic only; browsers on other origins are allowed.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Get("/ws", s.handleWebSocket)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/api/sessions", func(r chi.Router) {
		r.Get("/", s.handleAPISessions)
		r.Get("/{id}", s.handleAPISession)
		r.Get("/{id}/events", s.handleAPISessionEvents)
	})
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	// The request context ends when the handler returns, not when the
	// server shuts down, so shutdown is driven by hub.Close.
	s.hub.ServeConn(context.WithoutCancel(r.Context()), ws, s.conn)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"active_sessions": s.hub.ActiveSessions(),
	})
}

func (s *Server) handleAPISessions(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "session registry not configured")
		return
	}
	sessions, err := s.sessions.List(r.Context(), queryLimit(r))
	if err != nil {
		s.log.Error("list sessions failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if sessions == nil {
		sessions = []*types.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleAPISession(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "session registry not configured")
		return
	}
	sessionID := types.SessionID(chi.URLParam(r, "id"))
	if err := sessionID.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	session, err := s.sessions.Get(r.Context(), sessionID)
	if errors.Is(err, types.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		s.log.WithSession(string(sessionID)).Error("get session failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleAPISessionEvents(w http.ResponseWriter, r *http.Request) {
	sessionID := types.SessionID(chi.URLParam(r, "id"))
	if err := sessionID.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	events, err := s.events.Tail(r.Context(), sessionID, queryLimit(r))
	if err != nil {
		s.log.WithSession(string(sessionID)).Error("read events failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if events == nil {
		events = []*types.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func queryLimit(r *http.Request) int {
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			return n
		}
	}
	return defaultAPILimit
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Serve accepts connections on ln until ctx is done, then shuts down the
// HTTP server and closes every hub connection.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("hub listening", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err := srv.Shutdown(shutdownCtx)
		// Hijacked websocket connections are not tracked by Shutdown.
		s.hub.Close()
		if err != nil {
			s.log.Warn("hub forced to shut down", zap.Error(err))
			return srv.Close()
		}
		return nil
	})

	err := g.Wait()
	s.log.Info("hub stopped")
	return err
}

// Run listens on addr and serves until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}
