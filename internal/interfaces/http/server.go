// Package http exposes the resilience core over HTTP: a read surface for
// dashboards, an operator command surface, and a push surface for health
// samples and portfolio snapshots.
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/tradeguard/resilience/internal/ingest"
	"github.com/tradeguard/resilience/internal/provider"
	"github.com/tradeguard/resilience/internal/resilience"
	"github.com/tradeguard/resilience/internal/risk"
	"github.com/tradeguard/resilience/internal/telemetry"
)

type ctxKey string

const requestIDKey ctxKey = "request_id"

// Server wires the core components behind a gorilla router.
type Server struct {
	router *mux.Router
	server *http.Server

	registry   *provider.Registry
	machine    *resilience.StateMachine
	killswitch *risk.Killswitch
	samples    *ingest.SampleSink
	portfolio  *ingest.PortfolioSink
	metrics    *telemetry.Metrics

	requestTimeout time.Duration
}

// Config holds the listener settings.
type Config struct {
	Addr           string
	RequestTimeout time.Duration
}

func NewServer(cfg Config, registry *provider.Registry, machine *resilience.StateMachine, killswitch *risk.Killswitch, samples *ingest.SampleSink, portfolio *ingest.PortfolioSink, metrics *telemetry.Metrics) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}

	s := &Server{
		router:         mux.NewRouter(),
		registry:       registry,
		machine:        machine,
		killswitch:     killswitch,
		samples:        samples,
		portfolio:      portfolio,
		metrics:        metrics,
		requestTimeout: cfg.RequestTimeout,
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.RequestTimeout,
		WriteTimeout: cfg.RequestTimeout,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)

	if s.metrics != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})).Methods("GET")
	}
	// The websocket upgrade owns its connection lifetime; it skips the
	// JSON and timeout middleware.
	s.router.HandleFunc("/ws/samples", s.handleSampleStream).Methods("GET")

	api := s.router.PathPrefix("/").Subrouter()
	api.Use(s.timeoutMiddleware)
	api.Use(jsonContentTypeMiddleware)

	api.HandleFunc("/health", s.handleHealth).Methods("GET")

	v1 := api.PathPrefix("/api/v1").Subrouter()

	// Read surface.
	v1.HandleFunc("/providers", s.handleListProviders).Methods("GET")
	v1.HandleFunc("/providers/stats", s.handleProviderStats).Methods("GET")
	v1.HandleFunc("/providers/{name}", s.handleGetProvider).Methods("GET")
	v1.HandleFunc("/resilience", s.handleResilienceState).Methods("GET")
	v1.HandleFunc("/resilience/stats", s.handleResilienceStats).Methods("GET")
	v1.HandleFunc("/resilience/uptime", s.handleUptime).Methods("GET")
	v1.HandleFunc("/risk", s.handleRiskState).Methods("GET")
	v1.HandleFunc("/events/resilience", s.handleResilienceEvents).Methods("GET")
	v1.HandleFunc("/events/risk", s.handleRiskEvents).Methods("GET")

	// Operator surface.
	v1.HandleFunc("/providers/{name}", s.handleRegisterProvider).Methods("POST")
	v1.HandleFunc("/providers/{name}/enabled", s.handleSetEnabled).Methods("POST")
	v1.HandleFunc("/providers/{name}/priority", s.handleSetPriority).Methods("POST")
	v1.HandleFunc("/providers/{name}/breaker/open", s.handleOpenBreaker).Methods("POST")
	v1.HandleFunc("/providers/{name}/breaker/close", s.handleCloseBreaker).Methods("POST")
	v1.HandleFunc("/resilience/override", s.handleOverride).Methods("POST")
	v1.HandleFunc("/resilience/override/clear", s.handleClearOverride).Methods("POST")
	v1.HandleFunc("/resilience/auto-recovery", s.handleAutoRecovery).Methods("POST")
	v1.HandleFunc("/risk/killswitch/activate", s.handleActivate).Methods("POST")
	v1.HandleFunc("/risk/killswitch/deactivate", s.handleDeactivate).Methods("POST")
	v1.HandleFunc("/risk/config", s.handleRiskConfig).Methods("PUT")
	v1.HandleFunc("/risk/events/{id}/resolve", s.handleResolveEvent).Methods("POST")

	// Push surface.
	v1.HandleFunc("/samples", s.handleSampleBatch).Methods("POST")
	v1.HandleFunc("/portfolio", s.handlePortfolio).Methods("POST")

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		writeError(w, http.StatusNotFound, "route not found")
	})
}

// Router exposes the handler tree for httptest-driven tests.
func (s *Server) Router() http.Handler { return s.router }

// Start blocks serving requests until Shutdown.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("http server listening")
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("http server shutting down")
	return s.server.Shutdown(ctx)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()[:8]
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)

		requestID, _ := r.Context().Value(requestIDKey).(string)
		log.Debug().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).
			Dur("duration", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("http request")
	})
}

func (s *Server) timeoutMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), s.requestTimeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
