package federation

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/osiris-hive/internal/config"
	"github.com/lvonguyen/osiris-hive/internal/store"
)

type fakeNode struct {
	id      string
	results []NodeResult
	err     error
	delay   time.Duration
}

func (f *fakeNode) ID() string { return f.id }

func (f *fakeNode) ExecuteOQL(ctx context.Context, _ string) ([]NodeResult, error) {
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}

func testConfig() config.FederationConfig {
	return config.FederationConfig{
		QueryTimeout: time.Second,
		ResultTTL:    time.Hour,
		MaxQueryAge:  24 * time.Hour,
	}
}

func row(nodeID, agentID string, ts time.Time, data map[string]any) NodeResult {
	return NodeResult{NodeID: nodeID, AgentID: agentID, Timestamp: ts, Data: data}
}

// ==================== Fan-out ====================

// TestQueryAllNodesMergesResults gathers rows from every node and
// orders them newest first.
func TestQueryAllNodesMergesResults(t *testing.T) {
	base := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	nodes := []NodeClient{
		&fakeNode{id: "node-a", results: []NodeResult{
			row("node-a", "agent-1", base, map[string]any{"pid": 1}),
		}},
		&fakeNode{id: "node-b", results: []NodeResult{
			row("node-b", "agent-2", base.Add(time.Minute), map[string]any{"pid": 2}),
		}},
	}
	e := NewEngine(nodes, nil, testConfig(), nil, zap.NewNop())

	result := e.QueryAllNodes(context.Background(), "FROM all_agents:process_launch", 0, nil)
	if !result.Success {
		t.Fatalf("result = %+v", result)
	}
	if result.TotalResults != 2 || result.NodesContacted != 2 || result.SuccessfulNodes != 2 {
		t.Errorf("counts = %d/%d/%d", result.TotalResults, result.NodesContacted, result.SuccessfulNodes)
	}
	if result.Results[0].AgentID != "agent-2" {
		t.Errorf("results not sorted newest first: %+v", result.Results)
	}
}

// TestQueryAllNodesPartialFailure records a failing node without
// aborting the healthy ones.
func TestQueryAllNodesPartialFailure(t *testing.T) {
	base := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	nodes := []NodeClient{
		&fakeNode{id: "node-a", err: errors.New("connection refused")},
		&fakeNode{id: "node-b", results: []NodeResult{
			row("node-b", "agent-2", base, map[string]any{"pid": 2}),
		}},
	}
	e := NewEngine(nodes, nil, testConfig(), nil, zap.NewNop())

	result := e.QueryAllNodes(context.Background(), "FROM all_agents:process_launch", 0, nil)
	if !result.Success {
		t.Fatal("partial success must still succeed at the federation level")
	}
	if result.SuccessfulNodes != 1 || len(result.FailedNodes) != 1 {
		t.Fatalf("nodes = %d ok, %d failed", result.SuccessfulNodes, len(result.FailedNodes))
	}
	if result.FailedNodes[0].NodeID != "node-a" {
		t.Errorf("failed node = %s", result.FailedNodes[0].NodeID)
	}
	if result.TotalResults != 1 {
		t.Errorf("results = %d", result.TotalResults)
	}
}

// TestQueryAllNodesTimeout converts a slow node into a per-node
// failure.
func TestQueryAllNodesTimeout(t *testing.T) {
	nodes := []NodeClient{
		&fakeNode{id: "node-slow", delay: 500 * time.Millisecond},
	}
	e := NewEngine(nodes, nil, testConfig(), nil, zap.NewNop())

	result := e.QueryAllNodes(context.Background(), "FROM all_agents:*", 20*time.Millisecond, nil)
	if !result.Success {
		t.Fatalf("result = %+v", result)
	}
	if len(result.FailedNodes) != 1 {
		t.Fatalf("failed nodes = %+v", result.FailedNodes)
	}
}

// TestQueryAllNodesNoTargets fails fast when no node matches the
// target set.
func TestQueryAllNodesNoTargets(t *testing.T) {
	e := NewEngine(nil, nil, testConfig(), nil, zap.NewNop())

	result := e.QueryAllNodes(context.Background(), "FROM all_agents:*", 0, nil)
	if result.Success || result.Error == "" {
		t.Errorf("result = %+v", result)
	}
	if result.NodesContacted != 0 {
		t.Errorf("contacted = %d", result.NodesContacted)
	}
}

// TestQueryAllNodesTargetFilter queries only the named nodes.
func TestQueryAllNodesTargetFilter(t *testing.T) {
	base := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	nodes := []NodeClient{
		&fakeNode{id: "node-a", results: []NodeResult{row("node-a", "agent-1", base, nil)}},
		&fakeNode{id: "node-b", results: []NodeResult{row("node-b", "agent-2", base, nil)}},
	}
	e := NewEngine(nodes, nil, testConfig(), nil, zap.NewNop())

	result := e.QueryAllNodes(context.Background(), "FROM all_agents:*", 0, []string{"node-b"})
	if result.NodesContacted != 1 || result.TotalResults != 1 {
		t.Fatalf("result = %+v", result)
	}
	if result.Results[0].NodeID != "node-b" {
		t.Errorf("wrong node answered: %s", result.Results[0].NodeID)
	}
}

// ==================== Merge and dedup ====================

// TestMergeDeduplicatesKeepingLater keeps the later-timestamped entry
// on a key collision.
func TestMergeDeduplicatesKeepingLater(t *testing.T) {
	base := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	later := base.Add(time.Minute)
	data := map[string]any{"pid": 1}

	// Same node/agent/payload, different timestamps: distinct keys, so
	// both survive. Identical timestamps collapse to one.
	merged := mergeResults([]NodeResult{
		row("node-a", "agent-1", base, data),
		row("node-a", "agent-1", base, data),
		row("node-a", "agent-1", later, data),
	})
	if len(merged) != 2 {
		t.Fatalf("merged = %d entries, want 2", len(merged))
	}
	if !merged[0].Timestamp.Equal(later) {
		t.Errorf("first entry ts = %v, want %v", merged[0].Timestamp, later)
	}
}

// TestMergeDistinctAgentsSurvive never collapses rows from different
// agents.
func TestMergeDistinctAgentsSurvive(t *testing.T) {
	base := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	data := map[string]any{"pid": 1}
	merged := mergeResults([]NodeResult{
		row("node-a", "agent-1", base, data),
		row("node-a", "agent-2", base, data),
		row("node-b", "agent-1", base, data),
	})
	if len(merged) != 3 {
		t.Errorf("merged = %d entries, want 3", len(merged))
	}
}

// ==================== Result cache ====================

// TestResultCaching persists merged results under the query id and
// serves them back.
func TestResultCaching(t *testing.T) {
	base := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	nodes := []NodeClient{
		&fakeNode{id: "node-a", results: []NodeResult{
			row("node-a", "agent-1", base, map[string]any{"pid": 1}),
		}},
	}
	kv := store.NewMemoryStore()
	e := NewEngine(nodes, kv, testConfig(), nil, zap.NewNop())

	ctx := context.Background()
	result := e.QueryAllNodes(ctx, "FROM all_agents:process_launch", 0, nil)

	cached, err := e.CachedResults(ctx, result.QueryID)
	if err != nil {
		t.Fatal(err)
	}
	if cached == nil || cached.ResultCount != 1 {
		t.Fatalf("cached = %+v", cached)
	}
	if cached.Query != "FROM all_agents:process_launch" {
		t.Errorf("cached query = %q", cached.Query)
	}

	missing, err := e.CachedResults(ctx, "no-such-query")
	if err != nil || missing != nil {
		t.Errorf("miss = %+v, err = %v", missing, err)
	}
}

// ==================== Lifecycle ====================

// TestQueryLifecycle tracks running queries to completion and cleans
// them up by age.
func TestQueryLifecycle(t *testing.T) {
	nodes := []NodeClient{&fakeNode{id: "node-a"}}
	e := NewEngine(nodes, nil, testConfig(), nil, zap.NewNop())

	result := e.QueryAllNodes(context.Background(), "FROM all_agents:file_access", 0, nil)

	info, ok := e.Status(result.QueryID)
	if !ok {
		t.Fatal("query not tracked")
	}
	if info.Status != StatusCompleted || info.EndedAt.IsZero() {
		t.Errorf("info = %+v", info)
	}
	if info.Source != "all_agents:file_access" {
		t.Errorf("source = %q", info.Source)
	}

	if removed := e.CleanupOlderThan(time.Hour); removed != 0 {
		t.Errorf("fresh query removed: %d", removed)
	}

	e.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	if removed := e.CleanupOlderThan(0); removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, ok := e.Status(result.QueryID); ok {
		t.Error("query should be gone after cleanup")
	}
}

// ==================== Hunts ====================

// TestGlobalHuntMalware flags rows whose payload mentions a suspicious
// process.
func TestGlobalHuntMalware(t *testing.T) {
	base := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	nodes := []NodeClient{
		&fakeNode{id: "node-a", results: []NodeResult{
			row("node-a", "agent-1", base, map[string]any{"process_name": "powershell.exe"}),
			row("node-a", "agent-2", base, map[string]any{"process_name": "sshd"}),
		}},
	}
	e := NewEngine(nodes, nil, testConfig(), nil, zap.NewNop())

	hunt := e.ExecuteGlobalHunt(context.Background(), HuntMalware, nil, nil)
	if !hunt.Success {
		t.Fatalf("hunt = %+v", hunt)
	}
	if hunt.ThreatsFound != 1 {
		t.Fatalf("threats = %+v", hunt.Threats)
	}
	threat := hunt.Threats[0]
	if threat.Type != HuntMalware || threat.Severity != "high" || threat.AgentID != "agent-1" {
		t.Errorf("threat = %+v", threat)
	}
}

// TestGlobalHuntLateralMovement uses the network heuristic at medium
// severity.
func TestGlobalHuntLateralMovement(t *testing.T) {
	base := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	nodes := []NodeClient{
		&fakeNode{id: "node-a", results: []NodeResult{
			row("node-a", "agent-1", base, map[string]any{"source": "network_connections"}),
		}},
	}
	e := NewEngine(nodes, nil, testConfig(), nil, zap.NewNop())

	hunt := e.ExecuteGlobalHunt(context.Background(), HuntLateralMovement, nil, nil)
	if hunt.ThreatsFound != 1 || hunt.Threats[0].Severity != "medium" {
		t.Errorf("hunt = %+v", hunt)
	}
}

// TestHuntQueries maps each hunt type to its canned OQL source.
func TestHuntQueries(t *testing.T) {
	cases := map[string]string{
		HuntMalware:          "all_agents:process_launch",
		HuntLateralMovement:  "all_agents:network_connections",
		HuntDataExfiltration: "all_agents:file_access",
		HuntPersistence:      "all_agents:registry_access",
		"anything_else":      "all_agents:*",
	}
	for huntType, wantSource := range cases {
		if got := ExtractSource(buildHuntQuery(huntType, nil)); got != wantSource {
			t.Errorf("%s: source = %q, want %q", huntType, got, wantSource)
		}
	}
}

// ==================== OQL ====================

// TestExtractSource pulls the source clause out of an OQL query.
func TestExtractSource(t *testing.T) {
	cases := []struct {
		query string
		want  string
	}{
		{"FROM all_agents:process_launch WHERE x = 1", "all_agents:process_launch"},
		{"from host-1:shell_history", "host-1:shell_history"},
		{"SELECT pid FROM all_agents:* WHERE severity = 'high'", "all_agents:*"},
		{"no source here", ""},
		{"FROM", ""},
	}
	for _, tc := range cases {
		if got := ExtractSource(tc.query); got != tc.want {
			t.Errorf("ExtractSource(%q) = %q, want %q", tc.query, got, tc.want)
		}
	}
}
