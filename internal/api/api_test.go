package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lvonguyen/osiris-hive/internal/agent"
	"github.com/lvonguyen/osiris-hive/internal/anomaly"
	"github.com/lvonguyen/osiris-hive/internal/config"
	"github.com/lvonguyen/osiris-hive/internal/detect"
	"github.com/lvonguyen/osiris-hive/internal/enrich"
	"github.com/lvonguyen/osiris-hive/internal/ingest"
	"github.com/lvonguyen/osiris-hive/internal/intel"
	"github.com/lvonguyen/osiris-hive/internal/pipeline"
	"github.com/lvonguyen/osiris-hive/internal/playbook"
	"github.com/lvonguyen/osiris-hive/internal/risk"
	"github.com/lvonguyen/osiris-hive/internal/store"
)

const mshtaRule = `id: osiris-001
title: Suspicious mshta execution
level: high
logsource:
  product: osiris
  category: process_launch
detection:
  selection:
    process_name: mshta.exe
  condition: selection
`

const mshtaContainment = `name: contain-mshta
trigger:
  sigma_rule_title: Suspicious mshta execution
sequence:
  - name: kill
    action: kill_process
    parameters:
      agent_id: "{{ alert.agent_id }}"
      process_name: "{{ alert.data.process_name }}"
`

func newTestServer(t *testing.T) (*Server, *agent.Registry) {
	t.Helper()
	logger := zap.NewNop()
	kv := store.NewMemoryStore()

	rulesDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(rulesDir, "mshta.yml"), []byte(mshtaRule), 0o644); err != nil {
		t.Fatal(err)
	}
	playbooksDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(playbooksDir, "mshta.yml"), []byte(mshtaContainment), 0o644); err != nil {
		t.Fatal(err)
	}

	registry := agent.NewRegistry(10, logger)
	channel := agent.NewChannel(registry, 20*time.Millisecond, time.Second, nil, logger)

	detector := detect.NewEngine("osiris", nil, logger)
	if _, err := detector.LoadRules(rulesDir); err != nil {
		t.Fatal(err)
	}

	intelStore := intel.NewStore(kv, config.IntelConfig{}, nil, logger)
	scorer := anomaly.NewScorer(nil, logger)
	accumulator := risk.NewAccumulator(kv, risk.Config{}, nil, logger)
	enricher := enrich.New(intelStore, nil, logger)
	pipe := pipeline.New(enricher, detector, scorer, accumulator, nil, logger)

	playbooks := playbook.NewEngine(nil, kv, true, logger)
	if _, err := playbooks.LoadPlaybooks(playbooksDir); err != nil {
		t.Fatal(err)
	}
	hub := ingest.NewHub(logger)
	ingestor := ingest.NewIngestor(hub, intelStore, nil, nil, logger)

	srv := NewServer(Deps{
		KV:            kv,
		Registry:      registry,
		Channel:       channel,
		Pipeline:      pipe,
		Ingestor:      ingestor,
		Hub:           hub,
		Intel:         intelStore,
		Detector:      detector,
		Scorer:        scorer,
		Risk:          accumulator,
		Playbooks:     playbooks,
		RulesPath:     rulesDir,
		PlaybooksPath: playbooksDir,
	}, logger)
	return srv, registry
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	return body
}

// ==================== Health ====================

// TestHealthAndReady reports healthy and store-backed readiness.
func TestHealthAndReady(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("health = %d", rec.Code)
	}
	rec = doJSON(t, router, http.MethodGet, "/ready", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("ready = %d", rec.Code)
	}
}

// ==================== Events ====================

// TestEventEndpoint runs an event through the pipeline and returns the
// matches.
func TestEventEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/api/v1/events", map[string]any{
		"type":     "process_launch",
		"user":     "jdoe",
		"agent_id": "agent-1",
		"data":     map[string]any{"process_name": "mshta.exe"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	body := decodeBody(t, rec)
	matches, _ := body["matches"].([]any)
	if len(matches) != 1 {
		t.Errorf("matches = %v", body["matches"])
	}

	rec = doJSON(t, router, http.MethodPost, "/api/v1/events", map[string]any{"user": "x"})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("typeless event status = %d", rec.Code)
	}
}

// TestEventBatchEndpoint processes a batch and skips typeless entries.
func TestEventBatchEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/api/v1/events/batch", []map[string]any{
		{"type": "process_launch", "data": map[string]any{"process_name": "ls"}},
		{"data": map[string]any{"process_name": "bad"}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["received"] != float64(2) || body["processed"] != float64(1) {
		t.Errorf("body = %v", body)
	}
}

// ==================== Agent actions ====================

// TestAgentActionEndpoint validates and queues operator instructions.
func TestAgentActionEndpoint(t *testing.T) {
	srv, registry := newTestServer(t)
	router := srv.Router()
	registry.Register("agent-1", "web-1", "linux")

	rec := doJSON(t, router, http.MethodPost, "/api/v1/agents/agent-1/actions/isolate", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if instr := registry.Dequeue("agent-1"); instr.Kind != agent.InstructionIsolate {
		t.Errorf("queued = %s", instr.Kind)
	}

	// Unknown action name.
	rec = doJSON(t, router, http.MethodPost, "/api/v1/agents/agent-1/actions/reboot", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("unknown action status = %d", rec.Code)
	}

	// Missing required parameters.
	rec = doJSON(t, router, http.MethodPost, "/api/v1/agents/agent-1/actions/kill_process", map[string]any{})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid params status = %d", rec.Code)
	}

	// Agent not connected.
	rec = doJSON(t, router, http.MethodPost, "/api/v1/agents/ghost/actions/isolate", nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("unknown agent status = %d", rec.Code)
	}
}

// TestAgentListing serves the registry snapshot.
func TestAgentListing(t *testing.T) {
	srv, registry := newTestServer(t)
	router := srv.Router()
	registry.Register("agent-1", "web-1", "linux")

	rec := doJSON(t, router, http.MethodGet, "/api/v1/agents/", nil)
	body := decodeBody(t, rec)
	if body["count"] != float64(1) {
		t.Errorf("count = %v", body["count"])
	}

	rec = doJSON(t, router, http.MethodGet, "/api/v1/agents/ghost", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown agent status = %d", rec.Code)
	}
}

// ==================== Threat intel ====================

// TestIntelEndpoints adds a custom indicator and looks it up.
func TestIntelEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/api/v1/intel/indicators", map[string]any{
		"type":   "ip",
		"value":  "203.0.113.7",
		"source": "analyst",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("add status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, router, http.MethodGet, "/api/v1/intel/check?type=ip&value=203.0.113.7", nil)
	body := decodeBody(t, rec)
	if body["found"] != true {
		t.Errorf("body = %v", body)
	}

	rec = doJSON(t, router, http.MethodGet, "/api/v1/intel/check?type=ip&value=203.0.113.8", nil)
	body = decodeBody(t, rec)
	if body["found"] != false {
		t.Errorf("body = %v", body)
	}

	rec = doJSON(t, router, http.MethodPost, "/api/v1/intel/indicators", map[string]any{
		"type":  "ip",
		"value": "not-an-ip",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid indicator status = %d", rec.Code)
	}
}

// ==================== Rules ====================

// TestRulesEndpoints lists, fetches, and filters loaded rules.
func TestRulesEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodGet, "/api/v1/rules/", nil)
	body := decodeBody(t, rec)
	if body["count"] != float64(1) {
		t.Errorf("count = %v", body["count"])
	}

	rec = doJSON(t, router, http.MethodGet, "/api/v1/rules/osiris-001", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("get rule status = %d", rec.Code)
	}
	rec = doJSON(t, router, http.MethodGet, "/api/v1/rules/nope", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing rule status = %d", rec.Code)
	}

	rec = doJSON(t, router, http.MethodPost, "/api/v1/rules/reload", nil)
	body = decodeBody(t, rec)
	if body["count"] != float64(1) {
		t.Errorf("reload count = %v", body["count"])
	}
}

// ==================== Playbooks ====================

// TestPlaybookRehearseEndpoint dry-runs the matching playbook for a
// submitted alert and reports the resolved steps.
func TestPlaybookRehearseEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/api/v1/playbooks/rehearse", map[string]any{
		"rule_title": "Suspicious mshta execution",
		"severity":   "high",
		"agent_id":   "agent-1",
		"event": map[string]any{
			"type": "process_launch",
			"data": map[string]any{"process_name": "mshta.exe"},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["executed"] != true || body["dry_run"] != true {
		t.Errorf("body = %v", body)
	}
	steps, _ := body["steps"].([]any)
	if len(steps) != 1 {
		t.Fatalf("steps = %v", body["steps"])
	}
	if step, _ := steps[0].(map[string]any); step["success"] != true {
		t.Errorf("step = %v", steps[0])
	}

	rec = doJSON(t, router, http.MethodPost, "/api/v1/playbooks/rehearse", map[string]any{
		"severity": "high",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing rule_title status = %d", rec.Code)
	}
}

// ==================== Risk ====================

// TestRiskThresholdEndpoint updates thresholds and the decay factor.
func TestRiskThresholdEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPut, "/api/v1/risk/thresholds", map[string]any{
		"thresholds":   map[string]int{"critical": 200},
		"decay_factor": 0.9,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["decay_factor"] != 0.9 {
		t.Errorf("decay = %v", body["decay_factor"])
	}

	rec = doJSON(t, router, http.MethodPut, "/api/v1/risk/thresholds", map[string]any{
		"decay_factor": 1.5,
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid decay status = %d", rec.Code)
	}
}

// ==================== Federation fallback ====================

// TestFederationUnconfigured responds 503 when no engine is wired.
func TestFederationUnconfigured(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Router()

	rec := doJSON(t, router, http.MethodPost, "/api/v1/query/", map[string]any{"query": "FROM all_agents:*"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d", rec.Code)
	}
}

// ==================== Rate limiting ====================

// TestRateLimiterLocalFallback enforces the per-minute budget without
// Redis.
func TestRateLimiterLocalFallback(t *testing.T) {
	rl := NewRateLimiter(nil, 60, zap.NewNop())
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	var last int
	for i := 0; i < 100; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
		req.RemoteAddr = "198.51.100.1:4242"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		last = rec.Code
	}
	if last != http.StatusTooManyRequests {
		t.Errorf("burst past budget should be limited, last = %d", last)
	}

	// Another client has its own bucket.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil)
	req.RemoteAddr = "198.51.100.2:4242"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("fresh client status = %d", rec.Code)
	}
}

// ==================== Result streaming ====================

// TestResultStreamRoundTrip connects a subscriber and an agent stream
// to the same query and checks rows plus the terminal summary land on
// both ends.
func TestResultStreamRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()
	wsBase := "ws" + strings.TrimPrefix(ts.URL, "http")

	subConn, _, err := websocket.DefaultDialer.Dial(wsBase+"/ws/queries/q1", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer subConn.Close()

	// Give the subscriber a beat to register with the hub.
	deadline := time.Now().Add(2 * time.Second)
	for srv.deps.Hub.SubscriberCount("q1") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	agentConn, _, err := websocket.DefaultDialer.Dial(wsBase+"/ws/results/q1", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer agentConn.Close()

	if err := agentConn.WriteJSON(streamFrame{Type: "hello", AgentID: "agent-1"}); err != nil {
		t.Fatal(err)
	}
	if err := agentConn.WriteJSON(streamFrame{Type: "row", Row: map[string]any{"pid": 42}}); err != nil {
		t.Fatal(err)
	}
	if err := agentConn.WriteJSON(streamFrame{Type: "end", Success: true}); err != nil {
		t.Fatal(err)
	}

	// Agent gets the summary echo.
	agentConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var echo streamFrame
	if err := agentConn.ReadJSON(&echo); err != nil {
		t.Fatal(err)
	}
	if echo.Type != "summary" || echo.Summary == nil || echo.Summary.RowCount != 1 {
		t.Errorf("echo = %+v", echo)
	}

	// Subscriber sees the row then the summary.
	subConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var rowFrame streamFrame
	if err := subConn.ReadJSON(&rowFrame); err != nil {
		t.Fatal(err)
	}
	if rowFrame.Type != "row" || rowFrame.Row["pid"] != float64(42) {
		t.Errorf("row frame = %+v", rowFrame)
	}
	var summaryFrame streamFrame
	if err := subConn.ReadJSON(&summaryFrame); err != nil {
		t.Fatal(err)
	}
	if summaryFrame.Type != "summary" || !summaryFrame.Summary.Success {
		t.Errorf("summary frame = %+v", summaryFrame)
	}
}
