// Package api serves run history and starts resizes over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/openfroyo/rightsize/pkg/engine"
	"github.com/openfroyo/rightsize/pkg/resize"
	"github.com/openfroyo/rightsize/pkg/stores"
	"github.com/openfroyo/rightsize/pkg/telemetry"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
)

// Config configures the HTTP server.
type Config struct {
	// Address is the listen address, e.g. ":8080".
	Address string

	// AllowedOrigins are the CORS origins. Empty allows any origin.
	AllowedOrigins []string

	// MaxConcurrentRuns bounds runs executing at once. Further runs queue.
	MaxConcurrentRuns int

	// Defaults are merged under every resize request.
	Defaults resize.Parameters
}

// Server wraps the chi router and the run machinery behind it.
type Server struct {
	router   *chi.Mux
	engine   *engine.WorkflowEngine
	store    stores.Store
	registry *prometheus.Registry
	logger   zerolog.Logger
	config   Config

	// sem holds one token per executing run.
	sem chan struct{}

	// runCtx is the parent of every background run; cancelRuns stops them.
	runCtx     context.Context
	cancelRuns context.CancelFunc
	wg         sync.WaitGroup

	mu     sync.Mutex
	active map[string]*activeRun
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics registers HTTP metrics with the run metrics and serves them
// on /metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(s *Server) {
		if m != nil && m.Registry() != nil {
			s.registry = m.Registry()
		}
	}
}

// NewServer creates and configures a new HTTP server. The engine should
// record runs into store so finished runs become visible.
func NewServer(cfg Config, eng *engine.WorkflowEngine, store stores.Store, opts ...Option) *Server {
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = 1
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv := &Server{
		router:     chi.NewRouter(),
		engine:     eng,
		store:      store,
		logger:     zerolog.Nop(),
		config:     cfg,
		sem:        make(chan struct{}, cfg.MaxConcurrentRuns),
		runCtx:     ctx,
		cancelRuns: cancel,
		active:     make(map[string]*activeRun),
	}
	for _, opt := range opts {
		opt(srv)
	}
	if srv.registry == nil {
		srv.registry = prometheus.NewRegistry()
	}
	srv.logger = srv.logger.With().Str("component", "api").Logger()
	httpMetrics := newHTTPMetrics(srv.registry)

	srv.router.Use(middleware.RequestID)
	srv.router.Use(middleware.Recoverer)
	srv.router.Use(srv.loggingMiddleware)
	srv.router.Use(httpMetrics.middleware)
	srv.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	srv.routes()

	return srv
}

// routes registers all HTTP routes on the router.
func (s *Server) routes() {
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Handle("/metrics", metricsHandler(s.registry))

	s.router.Route("/runs", func(r chi.Router) {
		r.Post("/", s.handleCreateRun)
		r.Get("/", s.handleListRuns)
		r.Get("/{id}", s.handleGetRun)
		r.Get("/{id}/events", s.handleGetRunEvents)
		r.Delete("/{id}", s.handleDeleteRun)
	})
}

// Router returns the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Run serves HTTP until ctx is done, then stops accepting requests and
// drains in-flight runs.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              s.config.Address,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.config.Address).Msg("Server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info().Msg("Shutting down")
	case err := <-errCh:
		if err != nil {
			s.Shutdown(shutdownTimeout)
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	s.Shutdown(shutdownTimeout)
	s.logger.Info().Msg("Server stopped")
	return nil
}

// Shutdown waits up to grace for in-flight runs, then cancels the rest and
// waits for their cleanup to finish.
func (s *Server) Shutdown(grace time.Duration) {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		s.logger.Warn().Int("runs", s.activeCount()).Msg("Cancelling in-flight runs")
		s.cancelRuns()
		<-done
	}
	s.cancelRuns()
}

// Wait blocks until every started run has finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

// loggingMiddleware logs each request using the structured logger.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("Request")
	})
}

func newRunID() string {
	return uuid.New().String()
}
