// Package api provides the HTTP endpoints of the data-find server: the
// query surface under the API prefix plus health, info and metrics.
package api

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/gwdatafind/datafind-server/internal/auth"
	"github.com/gwdatafind/datafind-server/internal/metrics"
	"github.com/gwdatafind/datafind-server/internal/urls"
	"github.com/gwdatafind/datafind-server/pkg/health"
	"github.com/gwdatafind/datafind-server/pkg/segments"
)

// Querier is the query surface served under the API prefix.
type Querier interface {
	Extensions(ctx context.Context) ([]string, error)
	Sites(ctx context.Context, ext string) ([]string, error)
	Tags(ctx context.Context, ext, site string) ([]string, error)
	Segments(ctx context.Context, ext, site, tag string) (segments.List, error)
	SegmentsIn(ctx context.Context, ext, site, tag string, window segments.Segment) (segments.List, error)
	URLs(ctx context.Context, ext, site, tag string, window segments.Segment, f urls.Filter) ([]string, error)
	Latest(ctx context.Context, ext, site, tag string, f urls.Filter) ([]string, error)
	FileURLs(ctx context.Context, filename string, f urls.Filter) ([]string, error)
	Authorize(r *http.Request) auth.Decision
	Ready() bool
}

// Server provides the data-find HTTP API
type Server struct {
	httpServer    *http.Server
	querier       Querier
	healthTracker *health.Tracker
	metrics       *metrics.Collector
	logger        zerolog.Logger
	info          Info
	config        ServerConfig
}

// ServerConfig configures the API server
type ServerConfig struct {
	// Address to bind the server to (e.g., ":8080")
	Address string `yaml:"address" json:"address"`

	// APIPrefix is the path under which the query surface is served
	APIPrefix string `yaml:"api_prefix" json:"api_prefix"`

	// ReadTimeout is the maximum duration for reading the entire request
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`

	// WriteTimeout is the maximum duration for writing the response
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`

	// IdleTimeout is the maximum duration to wait for the next request
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`

	// EnableCORS enables Cross-Origin Resource Sharing
	EnableCORS bool `yaml:"enable_cors" json:"enable_cors"`

	// EnableMetrics serves the Prometheus registry at MetricsPath
	EnableMetrics bool   `yaml:"enable_metrics" json:"enable_metrics"`
	MetricsPath   string `yaml:"metrics_path" json:"metrics_path"`
}

// Info describes the running server on /info.
type Info struct {
	Service string    `json:"service"`
	Version string    `json:"version"`
	Started time.Time `json:"started"`
	Schemes []string  `json:"schemes,omitempty"`
}

// DefaultServerConfig returns default server configuration
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:       ":8080",
		APIPrefix:     "/api/v1",
		ReadTimeout:   30 * time.Second,
		WriteTimeout:  60 * time.Second,
		IdleTimeout:   120 * time.Second,
		EnableMetrics: true,
		MetricsPath:   "/metrics",
	}
}

// Option configures a Server.
type Option func(*Server)

// WithHealthTracker reports component health on the /health endpoints.
func WithHealthTracker(tracker *health.Tracker) Option {
	return func(s *Server) { s.healthTracker = tracker }
}

// WithMetrics serves collector on the metrics path.
func WithMetrics(collector *metrics.Collector) Option {
	return func(s *Server) { s.metrics = collector }
}

// WithLogger sets the request logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithInfo sets the /info payload.
func WithInfo(info Info) Option {
	return func(s *Server) { s.info = info }
}

// NewServer creates a new API server
func NewServer(config ServerConfig, querier Querier, opts ...Option) *Server {
	config.APIPrefix = strings.TrimSuffix(config.APIPrefix, "/")
	if config.MetricsPath == "" {
		config.MetricsPath = "/metrics"
	}

	s := &Server{
		querier: querier,
		config:  config,
		logger:  zerolog.Nop(),
		info:    Info{Service: "datafind-server"},
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	s.registerQueryRoutes(mux)

	// Health endpoints
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/components", s.handleHealthComponents)
	mux.HandleFunc("GET /health/components/{name}", s.handleHealthComponent)
	mux.HandleFunc("GET /health/live", s.handleLiveness)
	mux.HandleFunc("GET /health/ready", s.handleReadiness)

	// Metrics endpoints (if enabled)
	if config.EnableMetrics && s.metrics.Enabled() {
		mux.Handle("GET "+config.MetricsPath, s.metrics.Handler())
		mux.Handle("GET /debug/queries", s.metrics.DebugHandler())
	}

	// Info endpoint
	mux.HandleFunc("GET /info", s.handleInfo)

	// Apply middleware
	handler := s.loggingMiddleware(mux)
	handler = requestIDMiddleware(handler)
	if config.EnableCORS {
		handler = s.corsMiddleware(handler)
	}

	s.httpServer = &http.Server{
		Addr:         config.Address,
		Handler:      handler,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	return s
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server and blocks until it stops. A graceful
// Shutdown returns nil.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info().Str("address", ln.Addr().String()).Str("api_prefix", s.config.APIPrefix).Msg("starting API server")
	if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// StartBackground starts the server in a background goroutine
func (s *Server) StartBackground() {
	go func() {
		if err := s.Start(); err != nil {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// Health endpoint handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.healthTracker == nil {
		s.respondJSON(w, http.StatusOK, map[string]interface{}{
			"status": "healthy",
			"note":   "Health tracking not configured",
		})
		return
	}

	overallHealth := s.healthTracker.GetOverallHealth()
	components := s.healthTracker.Components()

	unhealthy := []string{}
	for _, name := range components {
		if !s.healthTracker.IsHealthy(name) {
			unhealthy = append(unhealthy, name)
		}
	}

	response := map[string]interface{}{
		"status":     overallHealth.String(),
		"timestamp":  time.Now(),
		"components": len(components),
		"unhealthy":  unhealthy,
	}

	statusCode := http.StatusOK
	switch overallHealth {
	case health.StateUnavailable, health.StateStarting:
		statusCode = http.StatusServiceUnavailable
	case health.StateDegraded:
		statusCode = http.StatusPartialContent
	}

	s.respondJSON(w, statusCode, response)
}

func (s *Server) handleHealthComponents(w http.ResponseWriter, r *http.Request) {
	if s.healthTracker == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Health tracking not configured")
		return
	}

	components := s.healthTracker.GetAllComponents()
	s.respondJSON(w, http.StatusOK, components)
}

func (s *Server) handleHealthComponent(w http.ResponseWriter, r *http.Request) {
	if s.healthTracker == nil {
		s.respondError(w, http.StatusServiceUnavailable, "Health tracking not configured")
		return
	}

	component, err := s.healthTracker.GetComponentHealth(r.PathValue("name"))
	if err != nil {
		s.respondError(w, http.StatusNotFound, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, component)
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"alive":     true,
		"timestamp": time.Now(),
	})
}

// handleReadiness is ready once every store has published a snapshot.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ready := s.querier.Ready()

	response := map[string]interface{}{
		"ready":     ready,
		"timestamp": time.Now(),
	}
	if s.healthTracker != nil {
		response["status"] = s.healthTracker.GetOverallHealth().String()
		serving := make(map[string]bool)
		for _, name := range s.healthTracker.Components() {
			serving[name] = s.healthTracker.CanServe(name)
		}
		response["serving"] = serving
	}

	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}
	s.respondJSON(w, statusCode, response)
}

// Info endpoint

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	p := s.config.APIPrefix
	endpoints := []string{
		p + "/",
		p + "/{ext}",
		p + "/{ext}/{site}",
		p + "/{ext}/{site}/{tag}/segments",
		p + "/{ext}/{site}/{tag}/segments/{start},{end}",
		p + "/{ext}/{site}/{tag}/urls/{start},{end}",
		p + "/{ext}/{site}/{tag}/latest",
		p + "/file/{filename}",
		"/health",
		"/health/components",
		"/health/components/{name}",
		"/health/live",
		"/health/ready",
		"/info",
	}
	if s.config.EnableMetrics && s.metrics.Enabled() {
		endpoints = append(endpoints, s.config.MetricsPath, "/debug/queries")
	}

	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"service":   s.info.Service,
		"version":   s.info.Version,
		"started":   s.info.Started,
		"schemes":   s.info.Schemes,
		"ready":     s.querier.Ready(),
		"timestamp": time.Now(),
		"endpoints": endpoints,
	})
}

// Middleware

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}

		ev := s.logger.Info()
		if rec.status >= http.StatusInternalServerError {
			ev = s.logger.Error()
		}
		ev.Str("request_id", RequestID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote", r.RemoteAddr).
			Int("status", rec.status).
			Int("bytes", rec.bytes).
			Dur("took", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+RequestIDHeader)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Helper methods

func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error().Err(err).Msg("error encoding JSON response")
	}
}

func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, map[string]interface{}{
		"error":     message,
		"timestamp": time.Now(),
	})
}
