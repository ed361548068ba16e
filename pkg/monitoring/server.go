package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/visitorhub/dbcore/pkg/database"
	"github.com/visitorhub/dbcore/pkg/pool"
)

// Reporter is the part of the database facade the ops server reads.
type Reporter interface {
	HealthCheck(ctx context.Context) database.HealthStatus
	GetPerformanceMetrics() database.PerformanceMetrics
}

// ServerConfig configures the ops HTTP server
type ServerConfig struct {
	Address       string
	Port          int
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	HealthTimeout time.Duration
}

// Server exposes health, performance and Prometheus endpoints
type Server struct {
	config     ServerConfig
	reporter   Reporter
	collector  *Collector
	tracing    *TracingManager
	logger     zerolog.Logger
	router     *mux.Router
	httpServer *http.Server
	wg         sync.WaitGroup
}

// NewServer builds the router. collector and tracing may be nil.
func NewServer(config ServerConfig, reporter Reporter, collector *Collector, tracing *TracingManager, logger zerolog.Logger) *Server {
	if config.HealthTimeout <= 0 {
		config.HealthTimeout = 5 * time.Second
	}
	s := &Server{
		config:    config,
		reporter:  reporter,
		collector: collector,
		tracing:   tracing,
		logger:    logger.With().Str("component", "ops_server").Logger(),
		router:    mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)
	if s.tracing != nil {
		s.router.Use(s.tracing.Middleware)
	}

	s.router.HandleFunc("/livez", s.handleLiveness).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/debug/performance", s.handlePerformance).Methods(http.MethodGet)
	if s.collector != nil {
		s.router.Handle("/metrics", s.collector.Handler()).Methods(http.MethodGet)
	}
}

// Router returns the configured router
func (s *Server) Router() *mux.Router {
	return s.router
}

// Start listens in the background until Stop is called
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Address, s.config.Port)
	s.httpServer = &http.Server{
		Addr:           addr,
		Handler:        s.router,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		MaxHeaderBytes: 1 << 20,
	}

	s.logger.Info().Str("address", addr).Msg("Starting ops server")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Ops server listen error")
		}
	}()
	return nil
}

// Stop shuts the server down gracefully
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Ops server shutdown error")
		return err
	}
	s.wg.Wait()
	s.logger.Info().Msg("Ops server stopped")
	return nil
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.config.HealthTimeout)
	defer cancel()

	health := s.reporter.HealthCheck(ctx)
	status := http.StatusOK
	if health.Status == pool.HealthStatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func (s *Server) handlePerformance(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reporter.GetPerformanceMetrics())
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &wrappedResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.statusCode).
			Dur("duration", time.Since(start)).
			Msg("Ops request")
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
