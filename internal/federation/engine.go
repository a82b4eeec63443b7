// Package federation scatter-gathers OQL queries across the configured
// Hive nodes, merges and deduplicates the results, and tracks query
// lifecycle. Hunts layer canned queries plus result heuristics on top.
package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lvonguyen/osiris-hive/internal/config"
	"github.com/lvonguyen/osiris-hive/internal/observability"
	"github.com/lvonguyen/osiris-hive/internal/store"
)

const cacheKeyPrefix = "federated_query:"

// Query lifecycle states.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// NodeFailure records one node that could not serve a federated query.
type NodeFailure struct {
	NodeID string `json:"node_id"`
	Error  string `json:"error"`
}

// Result is the outcome of one federated query. Partial success is
// success: failed nodes are listed but do not fail the federation.
type Result struct {
	Success         bool          `json:"success"`
	QueryID         string        `json:"query_id"`
	Results         []NodeResult  `json:"results"`
	TotalResults    int           `json:"total_results"`
	NodesContacted  int           `json:"nodes_contacted"`
	SuccessfulNodes int           `json:"successful_nodes"`
	FailedNodes     []NodeFailure `json:"failed_nodes"`
	Duration        time.Duration `json:"duration"`
	ExecutedAt      time.Time     `json:"executed_at"`
	Error           string        `json:"error,omitempty"`
}

// QueryInfo tracks the lifecycle of one federated query.
type QueryInfo struct {
	QueryID      string    `json:"query_id"`
	Query        string    `json:"query"`
	Source       string    `json:"source"`
	Nodes        []string  `json:"nodes"`
	Status       string    `json:"status"`
	StartedAt    time.Time `json:"started_at"`
	EndedAt      time.Time `json:"ended_at,omitempty"`
	TotalResults int       `json:"total_results"`
	Error        string    `json:"error,omitempty"`
}

// Engine fans OQL queries out to node clients and merges the results.
type Engine struct {
	nodes   []NodeClient
	kv      store.Store
	cfg     config.FederationConfig
	metrics *observability.Metrics
	logger  *zap.Logger

	now func() time.Time

	mu      sync.Mutex
	queries map[string]*QueryInfo
}

// NewEngine creates a federated query engine. kv and metrics may each
// be nil; without kv, results are not cached for later retrieval.
func NewEngine(nodes []NodeClient, kv store.Store, cfg config.FederationConfig, metrics *observability.Metrics, logger *zap.Logger) *Engine {
	return &Engine{
		nodes:   nodes,
		kv:      kv,
		cfg:     cfg,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
		queries: make(map[string]*QueryInfo),
	}
}

// QueryAllNodes issues query to every target node concurrently, each
// bounded by timeout (the configured default when zero), and returns
// the merged, deduplicated results. A per-node failure is recorded in
// FailedNodes without aborting the others; only an empty target set
// fails the federation outright.
func (e *Engine) QueryAllNodes(ctx context.Context, query string, timeout time.Duration, targetNodes []string) *Result {
	queryID := uuid.NewString()
	if timeout <= 0 {
		timeout = e.cfg.QueryTimeout
	}

	targets := e.resolveTargets(targetNodes)
	if len(targets) == 0 {
		e.countQuery(StatusFailed)
		return &Result{
			Success:    false,
			QueryID:    queryID,
			Error:      "no target nodes available",
			ExecutedAt: e.now(),
		}
	}

	e.logger.Info("executing federated query",
		zap.String("query_id", queryID),
		zap.String("query", query),
		zap.Int("nodes", len(targets)),
	)
	e.trackQuery(queryID, query, targets)

	start := e.now()
	perNode := make([][]NodeResult, len(targets))
	failures := make([]*NodeFailure, len(targets))

	var g errgroup.Group
	for i, node := range targets {
		i, node := i, node
		g.Go(func() error {
			nodeCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			rows, err := node.ExecuteOQL(nodeCtx, query)
			if err != nil {
				failures[i] = &NodeFailure{NodeID: node.ID(), Error: err.Error()}
				e.logger.Error("federated query failed on node",
					zap.String("query_id", queryID),
					zap.String("node_id", node.ID()),
					zap.Error(err),
				)
				if e.metrics != nil {
					e.metrics.NodeFailures.WithLabelValues(node.ID()).Inc()
				}
				return nil
			}
			perNode[i] = rows
			return nil
		})
	}
	_ = g.Wait()

	var flat []NodeResult
	failed := make([]NodeFailure, 0)
	for i := range targets {
		if failures[i] != nil {
			failed = append(failed, *failures[i])
			continue
		}
		flat = append(flat, perNode[i]...)
	}
	merged := mergeResults(flat)

	result := &Result{
		Success:         true,
		QueryID:         queryID,
		Results:         merged,
		TotalResults:    len(merged),
		NodesContacted:  len(targets),
		SuccessfulNodes: len(targets) - len(failed),
		FailedNodes:     failed,
		Duration:        e.now().Sub(start),
		ExecutedAt:      e.now(),
	}

	e.completeQuery(queryID, len(merged))
	e.countQuery(StatusCompleted)

	if e.kv != nil && len(merged) > 0 {
		if err := e.cacheResults(ctx, queryID, query, merged); err != nil {
			e.logger.Error("failed to cache query results",
				zap.String("query_id", queryID),
				zap.Error(err),
			)
		}
	}

	return result
}

// resolveTargets returns the configured nodes, or their intersection
// with ids when ids is non-empty.
func (e *Engine) resolveTargets(ids []string) []NodeClient {
	if len(ids) == 0 {
		return e.nodes
	}
	wanted := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		wanted[id] = struct{}{}
	}
	targets := make([]NodeClient, 0, len(ids))
	for _, node := range e.nodes {
		if _, ok := wanted[node.ID()]; ok {
			targets = append(targets, node)
		}
	}
	return targets
}

// mergeResults flattens, deduplicates, and orders node results. The
// dedup key combines node id, agent id, timestamp, and the serialized
// payload; collisions keep the entry with the later timestamp. Output
// is sorted by timestamp descending.
func mergeResults(results []NodeResult) []NodeResult {
	if len(results) == 0 {
		return nil
	}

	unique := make(map[string]NodeResult, len(results))
	for _, r := range results {
		key := resultKey(r)
		existing, ok := unique[key]
		if !ok || r.Timestamp.After(existing.Timestamp) {
			unique[key] = r
		}
	}

	merged := make([]NodeResult, 0, len(unique))
	for _, r := range unique {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Timestamp.After(merged[j].Timestamp)
	})
	return merged
}

func resultKey(r NodeResult) string {
	payload, _ := json.Marshal(r.Data)
	return strings.Join([]string{
		r.NodeID,
		r.AgentID,
		r.Timestamp.UTC().Format(time.RFC3339Nano),
		string(payload),
	}, "|")
}

// CachedQuery is a persisted merged result set, retrievable by query
// id until its TTL lapses.
type CachedQuery struct {
	Query       string       `json:"query"`
	Results     []NodeResult `json:"results"`
	CachedAt    time.Time    `json:"cached_at"`
	ResultCount int          `json:"result_count"`
}

func (e *Engine) cacheResults(ctx context.Context, queryID, query string, results []NodeResult) error {
	data, err := json.Marshal(CachedQuery{
		Query:       query,
		Results:     results,
		CachedAt:    e.now(),
		ResultCount: len(results),
	})
	if err != nil {
		return fmt.Errorf("failed to encode cached query: %w", err)
	}
	return e.kv.Set(ctx, cacheKeyPrefix+queryID, string(data), e.cfg.ResultTTL)
}

// CachedResults retrieves previously merged results for a query id.
// Returns (nil, nil) when nothing is cached.
func (e *Engine) CachedResults(ctx context.Context, queryID string) (*CachedQuery, error) {
	if e.kv == nil {
		return nil, nil
	}
	raw, err := e.kv.Get(ctx, cacheKeyPrefix+queryID)
	if err != nil {
		return nil, fmt.Errorf("failed to read cached query: %w", err)
	}
	if raw == "" {
		return nil, nil
	}
	var cached CachedQuery
	if err := json.Unmarshal([]byte(raw), &cached); err != nil {
		return nil, fmt.Errorf("failed to decode cached query: %w", err)
	}
	return &cached, nil
}

// ==================== Lifecycle ====================

func (e *Engine) trackQuery(queryID, query string, targets []NodeClient) {
	nodeIDs := make([]string, len(targets))
	for i, node := range targets {
		nodeIDs[i] = node.ID()
	}
	e.mu.Lock()
	e.queries[queryID] = &QueryInfo{
		QueryID:   queryID,
		Query:     query,
		Source:    ExtractSource(query),
		Nodes:     nodeIDs,
		Status:    StatusRunning,
		StartedAt: e.now(),
	}
	e.mu.Unlock()
}

func (e *Engine) completeQuery(queryID string, totalResults int) {
	e.mu.Lock()
	if info, ok := e.queries[queryID]; ok {
		info.Status = StatusCompleted
		info.EndedAt = e.now()
		info.TotalResults = totalResults
	}
	e.mu.Unlock()
}

// FailQuery marks a tracked query failed with the given reason.
func (e *Engine) FailQuery(queryID, reason string) {
	e.mu.Lock()
	if info, ok := e.queries[queryID]; ok {
		info.Status = StatusFailed
		info.EndedAt = e.now()
		info.Error = reason
	}
	e.mu.Unlock()
}

// Status returns lifecycle information for one query.
func (e *Engine) Status(queryID string) (QueryInfo, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	info, ok := e.queries[queryID]
	if !ok {
		return QueryInfo{}, false
	}
	return *info, true
}

// Queries lists all tracked queries, newest first.
func (e *Engine) Queries() []QueryInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]QueryInfo, 0, len(e.queries))
	for _, info := range e.queries {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// CleanupOlderThan drops tracked queries started before now-maxAge and
// returns how many were removed. The configured default applies when
// maxAge is zero.
func (e *Engine) CleanupOlderThan(maxAge time.Duration) int {
	if maxAge <= 0 {
		maxAge = e.cfg.MaxQueryAge
	}
	cutoff := e.now().Add(-maxAge)

	e.mu.Lock()
	removed := 0
	for id, info := range e.queries {
		if info.StartedAt.Before(cutoff) {
			delete(e.queries, id)
			removed++
		}
	}
	e.mu.Unlock()

	if removed > 0 {
		e.logger.Info("cleaned up old federated queries", zap.Int("removed", removed))
	}
	return removed
}

// RunPeriodicCleanup drops stale query records on a fixed interval
// until ctx is cancelled.
func (e *Engine) RunPeriodicCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.CleanupOlderThan(0)
		}
	}
}

func (e *Engine) countQuery(status string) {
	if e.metrics != nil {
		e.metrics.FederatedQueries.WithLabelValues(status).Inc()
	}
}
