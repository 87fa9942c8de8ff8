// Package http serves the observer websocket, the health and metrics endpoints
// and a thin JSON surface over margin status and scheduler controls.
package http

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/marginwatch/internal/broadcast"
	"github.com/sawpanic/marginwatch/internal/margin"
	"github.com/sawpanic/marginwatch/internal/metrics"
	"github.com/sawpanic/marginwatch/internal/models"
	"github.com/sawpanic/marginwatch/internal/persistence"
	"github.com/sawpanic/marginwatch/internal/scheduler"
)

// ServerConfig holds server configuration
type ServerConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:           "0.0.0.0",
		Port:           3001,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   60 * time.Second,
		IdleTimeout:    60 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

// MarginService evaluates margin status on demand
type MarginService interface {
	EvaluateClient(ctx context.Context, clientID string) (*models.MarginStatus, error)
	EvaluateAll(ctx context.Context) (*margin.BatchResult, error)
}

// SchedulerControl is the scheduler surface exposed over HTTP
type SchedulerControl interface {
	Status() []scheduler.JobStatus
	Trigger(ctx context.Context, name string) (*scheduler.JobResult, error)
	Start(name string) bool
	Stop(name string) bool
}

// Deps are the components the server routes to. Database and Breakers may be nil.
type Deps struct {
	Margin      MarginService
	Scheduler   SchedulerControl
	Connections *broadcast.Manager
	Metrics     *metrics.Collector
	Database    persistence.RepositoryHealth
	Breakers    BreakerStates
	Version     string
}

// Server is the HTTP and websocket front of the monitor
type Server struct {
	router *mux.Router
	server *http.Server
	config ServerConfig
	deps   Deps
	logger zerolog.Logger
}

// NewServer creates a new HTTP server instance
func NewServer(config ServerConfig, deps Deps) *Server {
	s := &Server{
		router: mux.NewRouter(),
		config: config,
		deps:   deps,
		logger: log.With().Str("component", "http").Logger(),
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         s.Address(),
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

// WithLogger replaces the server logger
func (s *Server) WithLogger(l zerolog.Logger) *Server {
	s.logger = l
	return s
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler { return s.router }

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.requestLoggingMiddleware)
	s.router.Use(s.corsMiddleware)

	health := NewHealthHandler(s.deps.Database, s.deps.Breakers, s.connectionCounter(), s.deps.Version)
	s.router.Handle("/health", health).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.deps.Metrics.Handler()).Methods(http.MethodGet)
	if s.deps.Connections != nil {
		s.router.Handle("/ws", newWSHandler(s.deps.Connections, s.config, s.logger)).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.jsonContentTypeMiddleware)
	api.Use(s.timeoutMiddleware)

	api.HandleFunc("/margin", s.handleMarginAll).Methods(http.MethodGet)
	api.HandleFunc("/margin/{clientId}", s.handleMarginClient).Methods(http.MethodGet)
	api.HandleFunc("/scheduler/status", s.handleSchedulerStatus).Methods(http.MethodGet)
	api.HandleFunc("/scheduler/{job}/trigger", s.handleTrigger).Methods(http.MethodPost)
	api.HandleFunc("/scheduler/{job}/start", s.handleToggle(true)).Methods(http.MethodPost)
	api.HandleFunc("/scheduler/{job}/stop", s.handleToggle(false)).Methods(http.MethodPost)
	api.HandleFunc("/connections", s.handleConnections).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(s.handleNotFound)
}

func (s *Server) connectionCounter() ConnectionCounter {
	if s.deps.Connections == nil {
		return nil
	}
	return s.deps.Connections.Registry()
}

type contextKey string

const requestIDKey contextKey = "request_id"

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// requestIDMiddleware adds unique request ID to each request
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()[:8]
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// requestLoggingMiddleware logs all requests with structured format
func (s *Server) requestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		s.logger.Debug().
			Str("request_id", requestID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("HTTP request")
	})
}

// timeoutMiddleware enforces request timeouts
func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.RequestTimeout <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// corsMiddleware echoes allowed origins. An empty list allows any origin.
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && originAllowed(s.config.AllowedOrigins, origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func originAllowed(allowed []string, origin string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

// jsonContentTypeMiddleware sets JSON content type for API responses
func (s *Server) jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// Start listens and serves until Shutdown. A busy port is reported right away.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("port %d is busy or unavailable: %w", s.config.Port, err)
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")

	if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server. Hijacked websocket connections are
// not tracked here; close them through the connection manager.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Address returns the listen address
func (s *Server) Address() string {
	return fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
}

// responseWrapper captures HTTP status codes for logging
type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the websocket upgrader take over the connection
func (rw *responseWrapper) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}
