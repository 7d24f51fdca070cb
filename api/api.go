//go:build linux

// Package api serves the admin HTTP surface: health, Prometheus metrics and
// dead-letter queue inspection.
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"eventd/ingest"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// EndpointStatus is the endpoint view reported by /health
type EndpointStatus interface {
	ID() string
	Path() string
	State() ingest.State
	Stats() ingest.Stats
}

// QueueStatus reports the event buffer fill level
type QueueStatus interface {
	Len() int
	Cap() int
}

// DLQStore is the dead-letter storage used by the /api/v1/dlq routes
type DLQStore interface {
	Get(id int64) (*ingest.DLQEvent, error)
	List(filter ingest.DLQFilter, page, limit int) ([]*ingest.DLQEvent, error)
	Count(filter ingest.DLQFilter) (int, error)
	UpdateStatus(id int64, status string) error
	UpdateStatusFrom(id int64, from, to string) error
}

// API is the admin HTTP server
type API struct {
	router   *mux.Router
	mu       sync.Mutex
	server   *http.Server
	stopped  bool
	endpoint EndpointStatus
	queue    QueueStatus
	dlq      DLQStore
	replay   ingest.Output
	logger   *zap.SugaredLogger
}

// NewAPI creates the admin API. dlq and replay may be nil when the
// dead-letter queue is disabled.
func NewAPI(endpoint EndpointStatus, queue QueueStatus, dlq DLQStore, replay ingest.Output, logger *zap.SugaredLogger) *API {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	a := &API{
		router:   mux.NewRouter(),
		endpoint: endpoint,
		queue:    queue,
		dlq:      dlq,
		replay:   replay,
		logger:   logger,
	}
	a.setupRoutes()
	return a
}

func (a *API) setupRoutes() {
	a.router.Use(a.loggingMiddleware, a.securityHeadersMiddleware)

	a.router.HandleFunc("/health", a.healthCheck).Methods("GET")
	a.router.Handle("/metrics", promhttp.Handler())

	v1 := a.router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/dlq", a.listDLQEvents).Methods("GET")
	v1.HandleFunc("/dlq/{id:[0-9]+}", a.getDLQEvent).Methods("GET")
	v1.HandleFunc("/dlq/{id:[0-9]+}/replay", a.replayDLQEvent).Methods("POST")
	v1.HandleFunc("/dlq/{id:[0-9]+}", a.discardDLQEvent).Methods("DELETE")
}

// Handler returns the router, for tests and embedding
func (a *API) Handler() http.Handler {
	return a.router
}

// Start serves on addr until Stop; it returns http.ErrServerClosed after a clean stop
func (a *API) Start(addr string) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return http.ErrServerClosed
	}
	a.server = &http.Server{
		Addr:              addr,
		Handler:           a.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	server := a.server
	a.mu.Unlock()

	a.logger.Infow("Admin API listening", "addr", addr)
	return server.ListenAndServe()
}

// Stop stops the API server; a later Start returns immediately
func (a *API) Stop(ctx context.Context) error {
	a.mu.Lock()
	a.stopped = true
	server := a.server
	a.mu.Unlock()

	if server != nil {
		return server.Shutdown(ctx)
	}
	return nil
}
