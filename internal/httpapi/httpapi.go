// Package httpapi exposes the thin, optional operator HTTP surface over the
// ModelRouter facade: health checks, the model catalog, a debug route
// endpoint, a per-provider key audit listing, and Prometheus metrics when a
// registry is supplied. The executor/transport itself is out of scope (spec.md
// Non-goals); this mirrors the teacher's chi-based internal/httpapi router
// wiring (middleware stack, JSON error responses) without the OpenAI-compat
// proxy handlers the teacher built on top of it.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/kestrelai/routingcore/internal/metrics"
	"github.com/kestrelai/routingcore/internal/modelrouter"
	"github.com/kestrelai/routingcore/internal/routingerr"
	"github.com/kestrelai/routingcore/internal/tracing"
)

// Server bundles the router facade and its metrics registry behind an
// http.Handler.
type Server struct {
	router  *modelrouter.Router
	metrics *metrics.Registry
	log     *slog.Logger
	mux     chi.Router
}

// New builds the chi router: request logging/recovery middleware, CORS for
// browser-based operator dashboards, tracing middleware, and the routes
// this surface exposes: /healthz, /v1/models, /v1/route,
// /v1/providers/{provider}/keys, and /metrics when reg is non-nil.
func New(router *modelrouter.Router, reg *metrics.Registry, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{router: router, metrics: reg, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(tracing.Middleware())
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/v1/models", s.handleListModels)
	r.Post("/v1/route", s.handleRoute)
	r.Get("/v1/providers/{provider}/keys", s.handleProviderKeys)
	if reg != nil {
		r.Handle("/metrics", reg.Handler())
	}

	s.mux = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	s.mux.ServeHTTP(w, req)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models := s.router.ListModels()
	out := make([]modelSummary, 0, len(models))
	for _, m := range models {
		out = append(out, modelSummary{
			ID:                 m.ID,
			Provider:           m.Provider,
			Tools:              m.Tools,
			Strengths:          m.Strengths,
			TaskTypes:          m.TaskTypes,
			DefaultSuccessRate: m.DefaultSuccessRate,
			DefaultLatencyMs:   m.DefaultLatencyMs,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type modelSummary struct {
	ID                 string   `json:"id"`
	Provider           string   `json:"provider"`
	Tools              []string `json:"tools"`
	Strengths          []string `json:"strengths"`
	TaskTypes          []string `json:"task_types"`
	DefaultSuccessRate float64  `json:"default_success_rate"`
	DefaultLatencyMs   int      `json:"default_latency_ms"`
}

// routeRequest is the debug /v1/route request body: a subset of
// modelrouter.TaskContext an operator can exercise from curl without
// wiring up an actual executor.
type routeRequest struct {
	SessionID         string   `json:"session_id"`
	Intent            string   `json:"intent"`
	TaskType          string   `json:"task_type"`
	RequiredTools     []string `json:"required_tools"`
	RequiredStrengths []string `json:"required_strengths"`
	MaxLatencyMs      int      `json:"max_latency_ms"`
	MaxBudgetUSD      float64  `json:"max_budget_usd"`
	OverrideModelID   string   `json:"override_model_id"`
}

type routeResponse struct {
	ModelID         string  `json:"model_id"`
	ProviderID      string  `json:"provider_id"`
	Reason          string  `json:"reason"`
	Score           float64 `json:"score"`
	FallbackApplied bool    `json:"fallback_applied"`
	FallbackReason  string  `json:"fallback_reason,omitempty"`
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	var req routeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	d, err := s.router.Route(r.Context(), modelrouter.TaskContext{
		SessionID:         req.SessionID,
		Intent:            req.Intent,
		TaskType:          req.TaskType,
		RequiredTools:     req.RequiredTools,
		RequiredStrengths: req.RequiredStrengths,
		MaxLatencyMs:      req.MaxLatencyMs,
		MaxBudgetUSD:      req.MaxBudgetUSD,
		OverrideModelID:   req.OverrideModelID,
	})
	if err != nil {
		status := http.StatusInternalServerError
		if re, ok := err.(*routingerr.RoutingError); ok && re.Kind == routingerr.KindNoAvailableProvider {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]string{"error": err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, routeResponse{
		ModelID:         d.ModelID,
		ProviderID:      d.ProviderID,
		Reason:          d.Reason,
		Score:           d.Score,
		FallbackApplied: d.FallbackApplied,
		FallbackReason:  d.FallbackReason,
	})
}

// keyAudit is the operator-facing audit view of one rotator key: health
// state and a persisted-grade fingerprint, never the secret itself.
type keyAudit struct {
	ID              string `json:"id"`
	Status          string `json:"status"`
	FailureCount    int    `json:"failure_count"`
	FingerprintHash string `json:"fingerprint_hash"`
}

func (s *Server) handleProviderKeys(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	keys, ok := s.router.ProviderKeys(provider)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown provider"})
		return
	}
	out := make([]keyAudit, 0, len(keys))
	for _, k := range keys {
		out = append(out, keyAudit{
			ID:              k.ID,
			Status:          string(k.Status),
			FailureCount:    k.FailureCount,
			FingerprintHash: k.FingerprintHash,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
