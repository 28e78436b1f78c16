// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package api serves the HTTP admin API: filter listing and removal,
// per-filter statistics, the live notification stream and /metrics.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/bricks/internal/errors"
	"grimm.is/bricks/internal/logging"
	"grimm.is/bricks/internal/metrics"
	"grimm.is/bricks/internal/table"
)

// ServerConfig holds HTTP server timeouts.
type ServerConfig struct {
	ReadHeaderTimeout time.Duration // Slowloris prevention
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
}

// DefaultServerConfig returns the daemon defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 16,
	}
}

// Options configures a Server.
type Options struct {
	Table     *table.Table
	Collector *metrics.Collector
	Events    *Hub
	// Gatherer backs /metrics; nil disables the endpoint.
	Gatherer prometheus.Gatherer
	// Status adds daemon fields to GET /api/v1/status.
	Status func() map[string]any
	// Token, when set, is required as a bearer token on every route
	// except /healthz.
	Token  string
	Config ServerConfig
	Logger *logging.Logger
}

// Server is the admin API.
type Server struct {
	opts    Options
	logger  *logging.Logger
	router  *mux.Router
	started time.Time
	http    *http.Server
}

// NewServer builds the router.
func NewServer(opts Options) *Server {
	if opts.Config == (ServerConfig{}) {
		opts.Config = DefaultServerConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.WithComponent("api")
	}
	s := &Server{opts: opts, logger: logger, started: time.Now()}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")

	protected := r.NewRoute().Subrouter()
	protected.Use(s.authMiddleware)

	if s.opts.Gatherer != nil {
		protected.Handle("/metrics", promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}

	v1 := protected.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/status", s.handleStatus).Methods("GET")
	v1.HandleFunc("/filters", s.handleListFilters).Methods("GET")
	v1.HandleFunc("/filters/{id:[0-9]+}", s.handleGetFilter).Methods("GET")
	v1.HandleFunc("/filters/{id:[0-9]+}", s.handleDeleteFilter).Methods("DELETE")
	v1.HandleFunc("/filters/{id:[0-9]+}/stats", s.handleFilterStats).Methods("GET")
	if s.opts.Events != nil {
		v1.HandleFunc("/events", s.opts.Events.ServeHTTP).Methods("GET")
	}
	return r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves on addr in the background.
func (s *Server) Start(addr string) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindUnavailable, "failed to listen on %s", addr)
	}
	cfg := s.opts.Config
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
	}
	s.logger.Info("API server listening", "addr", ln.Addr().String())
	go func() {
		if err := s.http.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server error", "error", err)
		}
	}()
	return ln.Addr(), nil
}

// Shutdown stops the server and closes event streams.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.opts.Events != nil {
		s.opts.Events.Close()
	}
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Token == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			// Browsers cannot set headers on websocket upgrades.
			token = r.URL.Query().Get("token")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.Token)) != 1 {
			respondWithError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func respondWithJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondWithError(w http.ResponseWriter, status int, message string) {
	respondWithJSON(w, status, map[string]string{"error": message})
}

// statusFor maps an error kind to an HTTP status.
func statusFor(err error) int {
	switch errors.GetKind(err) {
	case errors.KindNotFound:
		return http.StatusNotFound
	case errors.KindValidation, errors.KindMalformed, errors.KindInvalidType:
		return http.StatusBadRequest
	case errors.KindConflict:
		return http.StatusConflict
	case errors.KindCapacity:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
