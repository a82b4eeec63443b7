// Package api exposes the Hive over HTTP and websocket: the agent
// control channel, query-result streaming, and the operator REST
// surface for events, queries, hunts, intel, rules, risk, and
// playbooks.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lvonguyen/osiris-hive/internal/agent"
	"github.com/lvonguyen/osiris-hive/internal/anomaly"
	"github.com/lvonguyen/osiris-hive/internal/detect"
	"github.com/lvonguyen/osiris-hive/internal/federation"
	"github.com/lvonguyen/osiris-hive/internal/ingest"
	"github.com/lvonguyen/osiris-hive/internal/intel"
	"github.com/lvonguyen/osiris-hive/internal/notify"
	"github.com/lvonguyen/osiris-hive/internal/observability"
	"github.com/lvonguyen/osiris-hive/internal/pipeline"
	"github.com/lvonguyen/osiris-hive/internal/playbook"
	"github.com/lvonguyen/osiris-hive/internal/risk"
	"github.com/lvonguyen/osiris-hive/internal/store"
)

// Version is injected at build time via ldflags.
var Version = "dev"

// Deps are the wired Hive components the API serves. Optional entries
// (Federation, Cases, Limiter, Metrics, MetricsHandler) may be nil;
// their routes respond 503 or are skipped.
type Deps struct {
	KV             store.Store
	Registry       *agent.Registry
	Channel        *agent.Channel
	Pipeline       *pipeline.Pipeline
	Ingestor       *ingest.Ingestor
	Hub            *ingest.Hub
	Intel          *intel.Store
	Detector       *detect.Engine
	Scorer         *anomaly.Scorer
	Risk           *risk.Accumulator
	Playbooks      *playbook.Engine
	Federation     *federation.Engine
	Cases          *notify.StoreCaseManager
	Limiter        *RateLimiter
	Metrics        *observability.Metrics
	MetricsHandler http.Handler
	RulesPath      string
	PlaybooksPath  string
}

// Server is the Hive HTTP surface.
type Server struct {
	deps   Deps
	logger *zap.Logger
}

// NewServer creates the API server over wired components.
func NewServer(deps Deps, logger *zap.Logger) *Server {
	return &Server{deps: deps, logger: logger}
}

// Router builds the chi router: websocket endpoints outside the rate
// limiter, the REST surface inside it.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	if s.deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.MetricsHandler)
	}

	// Long-lived streams are exempt from the request timeout and the
	// rate limiter.
	r.Route("/ws", func(r chi.Router) {
		r.Handle("/agents", s.deps.Channel)
		r.Get("/results/{queryID}", s.handleResultsStream)
		r.Get("/queries/{queryID}", s.handleQuerySubscribe)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		if s.deps.Limiter != nil {
			r.Use(s.deps.Limiter.Middleware)
		}

		r.Post("/events", s.handleEvent)
		r.Post("/events/batch", s.handleEventBatch)

		r.Route("/agents", func(r chi.Router) {
			r.Get("/", s.handleListAgents)
			r.Get("/{agentID}", s.handleGetAgent)
			r.Post("/{agentID}/actions/{action}", s.handleAgentAction)
		})

		r.Route("/query", func(r chi.Router) {
			r.Post("/", s.handleFederatedQuery)
			r.Get("/", s.handleListQueries)
			r.Get("/{queryID}", s.handleQueryResults)
		})
		r.Post("/hunt", s.handleGlobalHunt)

		r.Route("/intel", func(r chi.Router) {
			r.Get("/check", s.handleIntelCheck)
			r.Post("/indicators", s.handleIntelAdd)
			r.Get("/stats", s.handleIntelStats)
			r.Post("/update", s.handleIntelUpdate)
		})

		r.Route("/rules", func(r chi.Router) {
			r.Get("/", s.handleListRules)
			r.Get("/{ruleID}", s.handleGetRule)
			r.Post("/reload", s.handleReloadRules)
		})

		r.Route("/risk", func(r chi.Router) {
			r.Get("/users", s.handleHighRiskUsers)
			r.Get("/users/{user}", s.handleUserRisk)
			r.Delete("/users/{user}", s.handleResetRisk)
			r.Get("/alerts", s.handleRiskAlerts)
			r.Get("/stats", s.handleRiskStats)
			r.Put("/thresholds", s.handleRiskThresholds)
		})

		r.Route("/playbooks", func(r chi.Router) {
			r.Get("/", s.handleListPlaybooks)
			r.Get("/executions", s.handlePlaybookExecutions)
			r.Get("/{name}", s.handlePlaybookStatus)
			r.Post("/reload", s.handleReloadPlaybooks)
			r.Post("/rehearse", s.handlePlaybookRehearse)
			r.Put("/dry-run", s.handlePlaybookDryRun)
		})

		r.Route("/cases", func(r chi.Router) {
			r.Get("/", s.handleListCases)
			r.Get("/{caseID}", s.handleGetCase)
		})

		r.Get("/stats", s.handleStats)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": Version,
	})
}

// handleReady verifies the backing store before reporting ready.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.KV.Ping(r.Context()); err != nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"error":  err.Error(),
		})
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleStats aggregates component statistics for operators.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]any{
		"agents_connected": s.deps.Registry.Count(),
		"rules_loaded":     s.deps.Detector.Count(),
		"ingestion":        s.deps.Ingestor.Statistics(),
	}
	if s.deps.Intel != nil {
		intelStats, err := s.deps.Intel.Statistics(r.Context())
		if err == nil {
			stats["threat_intel"] = intelStats
		}
	}
	if s.deps.Federation != nil {
		stats["federated_queries"] = len(s.deps.Federation.Queries())
	}
	respondJSON(w, http.StatusOK, stats)
}

func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
