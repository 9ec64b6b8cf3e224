// Package web exposes a session over HTTP: a JSON API, a server-sent event
// stream of session changes and an embedded single-page chat client.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/haricheung/agrimind/internal/bus"
	"github.com/haricheung/agrimind/internal/metrics"
	"github.com/haricheung/agrimind/internal/orchestrator"
	"github.com/haricheung/agrimind/internal/session"
)

const defaultHeartbeat = 15 * time.Second

// Server serves one orchestrator and its session.
type Server struct {
	router    chi.Router
	orch      *orchestrator.Orchestrator
	bus       *bus.Bus
	metrics   *metrics.Metrics
	logger    *slog.Logger
	heartbeat time.Duration
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics mounts the Prometheus registry at /metrics.
func WithMetrics(m *metrics.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithHeartbeat sets the SSE keep-alive interval.
func WithHeartbeat(d time.Duration) ServerOption {
	return func(s *Server) { s.heartbeat = d }
}

// NewServer creates a Server. b must be the bus the orchestrator's session publishes to.
func NewServer(orch *orchestrator.Orchestrator, b *bus.Bus, opts ...ServerOption) *Server {
	s := &Server{
		orch:      orch,
		bus:       b,
		logger:    slog.Default(),
		heartbeat: defaultHeartbeat,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.setupRouter()
	return s
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.loggingMiddleware)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Requested-With"},
		AllowCredentials: false,
		MaxAge:           300,
	})
	r.Use(corsHandler.Handler)

	// The event stream is long-lived and stays outside the request timeout.
	r.Get("/api/v1/events", s.handleSSE)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Get("/", s.handleIndex)
		r.Get("/health", s.handleHealth)
		r.Handle("/metrics", s.metrics.Handler())

		r.Route("/api/v1", func(r chi.Router) {
			r.Get("/agents", s.handleAgents)
			r.Get("/state", s.handleState)
			r.Get("/history", s.handleHistory)
			r.Post("/messages", s.handleSendMessage)
			r.Post("/approval", s.handleApproval)
		})
	})

	return r
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"bytes", ww.BytesWritten(),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("failed to encode response", "error", err)
		}
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// httpStatusFor maps orchestrator and session sentinels to status codes.
//
// Expectations:
//   - session.ErrBusy and orchestrator.ErrNoPendingApproval map to 409
//   - orchestrator.ErrEmptyQuery maps to 400
//   - anything else maps to 500
func httpStatusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrBusy), errors.Is(err, orchestrator.ErrNoPendingApproval):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrEmptyQuery):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// ListenAndServe starts the HTTP server and shuts it down when ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("starting web server", "addr", addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
