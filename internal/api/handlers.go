package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lvonguyen/osiris-hive/internal/agent"
	"github.com/lvonguyen/osiris-hive/internal/event"
)

// ==================== Events ====================

// handleEvent runs one telemetry event through the pipeline and
// returns the processed event plus any rule matches.
func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	var ev event.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		respondError(w, http.StatusBadRequest, "invalid event body")
		return
	}
	if ev.Type == "" {
		respondError(w, http.StatusBadRequest, "event type is required")
		return
	}

	matches := s.deps.Pipeline.Process(r.Context(), &ev)
	respondJSON(w, http.StatusOK, map[string]any{
		"event":   ev,
		"matches": matches,
	})
}

// handleEventBatch processes a batch of events, isolating per-event
// outcomes.
func (s *Server) handleEventBatch(w http.ResponseWriter, r *http.Request) {
	var events []event.Event
	if err := json.NewDecoder(r.Body).Decode(&events); err != nil {
		respondError(w, http.StatusBadRequest, "invalid batch body")
		return
	}

	processed := 0
	totalMatches := 0
	for i := range events {
		if events[i].Type == "" {
			continue
		}
		matches := s.deps.Pipeline.Process(r.Context(), &events[i])
		processed++
		totalMatches += len(matches)
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"received":  len(events),
		"processed": processed,
		"matches":   totalMatches,
	})
}

// ==================== Agents ====================

func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	agents := s.deps.Registry.Snapshot()
	respondJSON(w, http.StatusOK, map[string]any{
		"agents": agents,
		"count":  len(agents),
	})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	info, ok := s.deps.Registry.Get(chi.URLParam(r, "agentID"))
	if !ok {
		respondError(w, http.StatusNotFound, "agent not connected")
		return
	}
	respondJSON(w, http.StatusOK, info)
}

// handleAgentAction queues one instruction for a connected agent. The
// action name is validated against the closed instruction set and its
// parameters against the per-kind requirements before anything is
// queued.
func (s *Server) handleAgentAction(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")

	kind, err := agent.ParseInstructionKind(chi.URLParam(r, "action"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	var params map[string]any
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
			respondError(w, http.StatusBadRequest, "invalid parameters body")
			return
		}
	}

	instr, err := agent.NewInstruction(kind, params)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.deps.Registry.Enqueue(agentID, instr); err != nil {
		respondError(w, http.StatusConflict, err.Error())
		return
	}

	s.logger.Info("operator action queued",
		zap.String("agent_id", agentID),
		zap.String("action", string(kind)),
		zap.String("instruction_id", instr.ID),
	)
	respondJSON(w, http.StatusAccepted, map[string]string{
		"instruction_id": instr.ID,
		"status":         "queued",
	})
}

// ==================== Federation ====================

type federatedQueryRequest struct {
	Query          string   `json:"query"`
	TimeoutSeconds int      `json:"timeout_seconds"`
	TargetNodes    []string `json:"target_nodes,omitempty"`
}

func (s *Server) handleFederatedQuery(w http.ResponseWriter, r *http.Request) {
	if s.deps.Federation == nil {
		respondError(w, http.StatusServiceUnavailable, "federation not configured")
		return
	}

	var req federatedQueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid query body")
		return
	}
	if req.Query == "" {
		respondError(w, http.StatusBadRequest, "query is required")
		return
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	result := s.deps.Federation.QueryAllNodes(r.Context(), req.Query, timeout, req.TargetNodes)
	status := http.StatusOK
	if !result.Success {
		status = http.StatusBadGateway
	}
	respondJSON(w, status, result)
}

func (s *Server) handleListQueries(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Federation == nil {
		respondError(w, http.StatusServiceUnavailable, "federation not configured")
		return
	}
	queries := s.deps.Federation.Queries()
	respondJSON(w, http.StatusOK, map[string]any{
		"queries": queries,
		"count":   len(queries),
	})
}

// handleQueryResults serves the lifecycle record plus cached merged
// results for one query id.
func (s *Server) handleQueryResults(w http.ResponseWriter, r *http.Request) {
	if s.deps.Federation == nil {
		respondError(w, http.StatusServiceUnavailable, "federation not configured")
		return
	}
	queryID := chi.URLParam(r, "queryID")

	info, tracked := s.deps.Federation.Status(queryID)
	cached, err := s.deps.Federation.CachedResults(r.Context(), queryID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !tracked && cached == nil {
		respondError(w, http.StatusNotFound, "unknown query id")
		return
	}

	body := map[string]any{"query_id": queryID}
	if tracked {
		body["status"] = info
	}
	if cached != nil {
		body["results"] = cached
	}
	respondJSON(w, http.StatusOK, body)
}

type huntRequest struct {
	HuntType    string         `json:"hunt_type"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	TargetNodes []string       `json:"target_nodes,omitempty"`
}

func (s *Server) handleGlobalHunt(w http.ResponseWriter, r *http.Request) {
	if s.deps.Federation == nil {
		respondError(w, http.StatusServiceUnavailable, "federation not configured")
		return
	}

	var req huntRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid hunt body")
		return
	}
	if req.HuntType == "" {
		respondError(w, http.StatusBadRequest, "hunt_type is required")
		return
	}

	result := s.deps.Federation.ExecuteGlobalHunt(r.Context(), req.HuntType, req.Parameters, req.TargetNodes)
	respondJSON(w, http.StatusOK, result)
}

// ==================== Threat intel ====================

func (s *Server) handleIntelCheck(w http.ResponseWriter, r *http.Request) {
	indicatorType := r.URL.Query().Get("type")
	value := r.URL.Query().Get("value")
	if indicatorType == "" || value == "" {
		respondError(w, http.StatusBadRequest, "type and value are required")
		return
	}

	ind, err := s.deps.Intel.CheckIndicator(r.Context(), indicatorType, value)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if ind == nil {
		respondJSON(w, http.StatusOK, map[string]any{"found": false})
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"found":     true,
		"indicator": ind,
	})
}

type addIndicatorRequest struct {
	Type   string `json:"type"`
	Value  string `json:"value"`
	Source string `json:"source"`
}

func (s *Server) handleIntelAdd(w http.ResponseWriter, r *http.Request) {
	var req addIndicatorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid indicator body")
		return
	}
	if err := s.deps.Intel.AddCustomIndicator(r.Context(), req.Type, req.Value, req.Source); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"status": "added"})
}

func (s *Server) handleIntelStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Intel.Statistics(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// handleIntelUpdate triggers a synchronous feed refresh and reports
// per-feed indicator counts.
func (s *Server) handleIntelUpdate(w http.ResponseWriter, r *http.Request) {
	results := s.deps.Intel.UpdateFeeds(r.Context())
	respondJSON(w, http.StatusOK, map[string]any{"feeds": results})
}

// ==================== Detection rules ====================

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	var rules any
	switch {
	case r.URL.Query().Get("level") != "":
		rules = s.deps.Detector.RulesByLevel(r.URL.Query().Get("level"))
	case r.URL.Query().Get("tag") != "":
		rules = s.deps.Detector.RulesByTag(r.URL.Query().Get("tag"))
	default:
		rules = s.deps.Detector.Rules()
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"rules": rules,
		"count": s.deps.Detector.Count(),
	})
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule := s.deps.Detector.Rule(chi.URLParam(r, "ruleID"))
	if rule == nil {
		respondError(w, http.StatusNotFound, "unknown rule id")
		return
	}
	respondJSON(w, http.StatusOK, rule)
}

func (s *Server) handleReloadRules(w http.ResponseWriter, _ *http.Request) {
	count, err := s.deps.Detector.LoadRules(s.deps.RulesPath)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "reloaded",
		"count":  count,
	})
}

// ==================== Risk ====================

func (s *Server) handleHighRiskUsers(w http.ResponseWriter, r *http.Request) {
	limit := intQuery(r, "limit", 10)
	users, err := s.deps.Risk.HighRiskUsers(r.Context(), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"users": users,
		"count": len(users),
	})
}

func (s *Server) handleUserRisk(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	score, err := s.deps.Risk.Score(r.Context(), user)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"user":       user,
		"risk_score": score,
		"risk_level": s.deps.Risk.Level(score),
	})
}

func (s *Server) handleResetRisk(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	if err := s.deps.Risk.Reset(r.Context(), user); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("risk score reset", zap.String("user", user))
	respondJSON(w, http.StatusOK, map[string]string{"status": "reset", "user": user})
}

func (s *Server) handleRiskAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := s.deps.Risk.CriticalAlerts(r.Context(), intQuery(r, "limit", 20))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

func (s *Server) handleRiskStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Risk.Statistics(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

type riskThresholdsRequest struct {
	Thresholds  map[string]int `json:"thresholds,omitempty"`
	DecayFactor *float64       `json:"decay_factor,omitempty"`
}

// handleRiskThresholds adjusts risk thresholds and the decay factor at
// runtime.
func (s *Server) handleRiskThresholds(w http.ResponseWriter, r *http.Request) {
	var req riskThresholdsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid thresholds body")
		return
	}

	if len(req.Thresholds) > 0 {
		s.deps.Risk.UpdateThresholds(req.Thresholds)
	}
	if req.DecayFactor != nil {
		if err := s.deps.Risk.SetDecayFactor(*req.DecayFactor); err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"thresholds":   s.deps.Risk.Thresholds(),
		"decay_factor": s.deps.Risk.DecayFactor(),
	})
}

// ==================== Playbooks ====================

func (s *Server) handleListPlaybooks(w http.ResponseWriter, _ *http.Request) {
	playbooks := s.deps.Playbooks.List()
	respondJSON(w, http.StatusOK, map[string]any{
		"playbooks": playbooks,
		"count":     len(playbooks),
	})
}

func (s *Server) handlePlaybookStatus(w http.ResponseWriter, r *http.Request) {
	status := s.deps.Playbooks.Status(chi.URLParam(r, "name"))
	if status == nil {
		respondError(w, http.StatusNotFound, "unknown playbook")
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handlePlaybookExecutions(w http.ResponseWriter, r *http.Request) {
	executions, err := s.deps.Playbooks.RecentExecutions(r.Context(), intQuery(r, "limit", 20))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"executions": executions,
		"count":      len(executions),
	})
}

func (s *Server) handleReloadPlaybooks(w http.ResponseWriter, _ *http.Request) {
	count, err := s.deps.Playbooks.LoadPlaybooks(s.deps.PlaybooksPath)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status": "reloaded",
		"count":  count,
	})
}

type dryRunRequest struct {
	DryRun bool `json:"dry_run"`
}

func (s *Server) handlePlaybookDryRun(w http.ResponseWriter, r *http.Request) {
	var req dryRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid dry-run body")
		return
	}
	s.deps.Playbooks.SetDryRun(req.DryRun)
	respondJSON(w, http.StatusOK, map[string]bool{"dry_run": req.DryRun})
}

// handlePlaybookRehearse runs the playbook matching the submitted alert
// in dry-run mode regardless of the engine default, so operators can
// inspect resolved steps without touching endpoints.
func (s *Server) handlePlaybookRehearse(w http.ResponseWriter, r *http.Request) {
	var alert event.Alert
	if err := json.NewDecoder(r.Body).Decode(&alert); err != nil {
		respondError(w, http.StatusBadRequest, "invalid alert body")
		return
	}
	if alert.RuleTitle == "" {
		respondError(w, http.StatusBadRequest, "rule_title is required")
		return
	}
	result := s.deps.Playbooks.Execute(r.Context(), alert, true)
	respondJSON(w, http.StatusOK, result)
}

// ==================== Cases ====================

func (s *Server) handleListCases(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cases == nil {
		respondError(w, http.StatusServiceUnavailable, "case management not configured")
		return
	}
	cases, err := s.deps.Cases.Recent(r.Context(), int64(intQuery(r, "limit", 20)))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"cases": cases,
		"count": len(cases),
	})
}

func (s *Server) handleGetCase(w http.ResponseWriter, r *http.Request) {
	if s.deps.Cases == nil {
		respondError(w, http.StatusServiceUnavailable, "case management not configured")
		return
	}
	c, err := s.deps.Cases.Get(r.Context(), chi.URLParam(r, "caseID"))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if c == nil {
		respondError(w, http.StatusNotFound, "unknown case id")
		return
	}
	respondJSON(w, http.StatusOK, c)
}

func intQuery(r *http.Request, key string, fallback int) int {
	if raw := r.URL.Query().Get(key); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			return v
		}
	}
	return fallback
}
