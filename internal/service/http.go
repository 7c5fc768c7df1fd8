package service

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/phxrealty/ingest/internal/supervisor"
)

// componentStatus is one entry in the /health/llm component map.
type componentStatus string

const (
	statusHealthy   componentStatus = "healthy"
	statusDegraded  componentStatus = "degraded"
	statusUnhealthy componentStatus = "unhealthy"
)

// HealthChecker probes the repository's reachability for the
// readiness endpoint without pulling the repository package's full
// query surface into this file's imports.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Handlers exposes the ProcessingService's HTTP surface and owns the
// prometheus collectors registered against it.
type Handlers struct {
	service  *Service
	breakers *supervisor.BreakerRegistry
	repo     HealthChecker
	registry *prometheus.Registry

	enqueued prometheus.Counter
}

// NewHandlers wires a Handlers around svc. breakers and repo may be
// nil; the readiness endpoint reports "healthy" for any unconfigured
// dependency rather than failing the whole probe.
func NewHandlers(svc *Service, breakers *supervisor.BreakerRegistry, repo HealthChecker, registry *prometheus.Registry) *Handlers {
	factory := promauto.With(registry)
	h := &Handlers{
		service:  svc,
		breakers: breakers,
		repo:     repo,
		registry: registry,
		enqueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "ingest_service_enqueued_total",
			Help: "Total records accepted onto the processing queue.",
		}),
	}
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "ingest_service_queue_depth",
		Help: "Current number of items waiting in the processing queue.",
	}, func() float64 { return float64(svc.Snapshot().QueueDepth) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "ingest_service_processed_total",
		Help: "Total records drained from the queue and processed.",
	}, func() float64 { return float64(svc.Snapshot().Processed) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "ingest_service_succeeded_total",
		Help: "Total records that passed validation and were upserted.",
	}, func() float64 { return float64(svc.Snapshot().Succeeded) })
	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "ingest_service_failed_total",
		Help: "Total records that failed validation or upsert.",
	}, func() float64 { return float64(svc.Snapshot().Failed) })
	return h
}

// Router builds the chi.Router exposing the service's HTTP surface.
func (h *Handlers) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Post("/process", h.handleProcess)
	r.Get("/health", h.handleHealth)
	r.Get("/health/llm", h.handleReadiness)
	r.Get("/metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}).ServeHTTP)
	return r
}

type processRequest struct {
	Source string                     `json:"source"`
	Data   map[string]json.RawMessage `json:"data"`
}

type processResponse struct {
	Status        string `json:"status"`
	QueuePosition int    `json:"queue_position,omitempty"`
}

func (h *Handlers) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, processResponse{Status: "invalid_body"})
		return
	}
	if req.Source == "" || req.Data == nil {
		writeJSON(w, http.StatusBadRequest, processResponse{Status: "invalid_body"})
		return
	}

	result, err := h.service.Enqueue(req.Source, req.Data)
	if err != nil {
		writeJSON(w, http.StatusTooManyRequests, processResponse{Status: "queue_full"})
		return
	}
	h.enqueued.Inc()
	writeJSON(w, http.StatusOK, processResponse{Status: "queued", QueuePosition: result.QueuePosition})
}

type healthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

func (h *Handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "healthy", Service: "llm_processor"})
}

type readinessResponse struct {
	Status     string                     `json:"status"`
	Components map[string]componentStatus `json:"components"`
}

func (h *Handlers) handleReadiness(w http.ResponseWriter, r *http.Request) {
	components := map[string]componentStatus{
		"database": h.databaseStatus(r.Context()),
		"llm":      h.llmStatus(),
		"queue":    h.queueStatus(),
		"memory":   statusHealthy,
	}

	overall := statusHealthy
	for _, s := range components {
		if s == statusUnhealthy {
			overall = statusUnhealthy
			break
		}
		if s == statusDegraded {
			overall = statusDegraded
		}
	}

	status := http.StatusOK
	if overall == statusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, readinessResponse{Status: string(overall), Components: components})
}

func (h *Handlers) databaseStatus(ctx context.Context) componentStatus {
	if h.repo == nil {
		return statusHealthy
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.repo.Ping(pingCtx); err != nil {
		return statusUnhealthy
	}
	return statusHealthy
}

func (h *Handlers) llmStatus() componentStatus {
	if h.breakers == nil {
		return statusHealthy
	}
	switch h.breakers.State("llm") {
	case "open":
		return statusUnhealthy
	case "half-open":
		return statusDegraded
	default:
		return statusHealthy
	}
}

func (h *Handlers) queueStatus() componentStatus {
	snapshot := h.service.Snapshot()
	if snapshot.QueueCapacity == 0 {
		return statusHealthy
	}
	occupancy := float64(snapshot.QueueDepth) / float64(snapshot.QueueCapacity)
	switch {
	case occupancy >= 1.0:
		return statusUnhealthy
	case occupancy >= 0.8:
		return statusDegraded
	default:
		return statusHealthy
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
