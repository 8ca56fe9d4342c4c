package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/hodei-pipelines/hodei/pkg/coordinator"
	"github.com/hodei-pipelines/hodei/pkg/log"
	"github.com/hodei-pipelines/hodei/pkg/metrics"
	"github.com/hodei-pipelines/hodei/pkg/storage"
)

// Server is the admin HTTP surface. It owns the router, not the listener
// lifecycle beyond Start/Shutdown.
type Server struct {
	coord  *coordinator.Coordinator
	store  storage.Store
	router *mux.Router
	http   *http.Server
}

// NewServer wires all routes.
func NewServer(coord *coordinator.Coordinator, store storage.Store) *Server {
	s := &Server{
		coord:  coord,
		store:  store,
		router: mux.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(s.traceMiddleware, s.metricsMiddleware)

	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/jobs", s.handleSubmitJob).Methods(http.MethodPost)
	v1.HandleFunc("/jobs", s.handleListJobs).Methods(http.MethodGet)
	v1.HandleFunc("/jobs/{id}", s.handleGetJob).Methods(http.MethodGet)
	v1.HandleFunc("/jobs/{id}", s.handleDeleteJob).Methods(http.MethodDelete)
	v1.HandleFunc("/jobs/{id}/cancel", s.handleCancelJob).Methods(http.MethodPost)
	v1.HandleFunc("/jobs/{id}/retry", s.handleRetryJob).Methods(http.MethodPost)
	v1.HandleFunc("/jobs/{id}/logs", s.handleJobLogs).Methods(http.MethodGet)
	v1.HandleFunc("/jobs/{id}/executions", s.handleJobExecutions).Methods(http.MethodGet)

	v1.HandleFunc("/pools", s.handleListPools).Methods(http.MethodGet)
	v1.HandleFunc("/pools", s.handleCreatePool).Methods(http.MethodPost)
	v1.HandleFunc("/pools/{id}", s.handleUpdatePool).Methods(http.MethodPut)
	v1.HandleFunc("/pools/{id}", s.handleDeletePool).Methods(http.MethodDelete)

	v1.HandleFunc("/queue/stats", s.handleQueueStats).Methods(http.MethodGet)
	v1.HandleFunc("/workers", s.handleListWorkers).Methods(http.MethodGet)
	v1.HandleFunc("/workers/connect", s.coord.Hub().ServeWS).Methods(http.MethodGet)

	// Authentication is a deployment-level gate; these routes exist so
	// clients get a stable answer instead of a 404.
	v1.PathPrefix("/auth/").HandlerFunc(s.handleNotImplemented)
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	log.WithComponent("api").Info().Str("addr", addr).Msg("Admin API listening")
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) handleNotImplemented(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotImplemented, ErrorEnvelope{
		Code:      "NOT_IMPLEMENTED",
		Message:   "authentication is handled at the ingress gateway",
		Timestamp: time.Now(),
		TraceID:   traceID(r),
	})
}

type ctxKey int

const traceKey ctxKey = 0

func traceID(r *http.Request) string {
	if id, ok := r.Context().Value(traceKey).(string); ok {
		return id
	}
	return ""
}

// traceMiddleware assigns (or propagates) a trace id per request.
func (s *Server) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Trace-Id")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Trace-Id", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), traceKey, id)))
	})
}

// statusRecorder captures the response status for metrics and logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.status = code
	rec.ResponseWriter.WriteHeader(code)
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The websocket upgrade hijacks the connection; wrapping the
		// ResponseWriter would break it.
		if r.URL.Path == "/v1/workers/connect" {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		timer := metrics.NewTimer()
		next.ServeHTTP(rec, r)

		metrics.APIRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(rec.status)).Inc()
		metrics.APIRequestDuration.WithLabelValues(r.Method).Observe(timer.Duration().Seconds())
		log.WithComponent("api").Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Str("trace_id", traceID(r)).
			Msg("Request served")
	})
}
