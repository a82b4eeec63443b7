package ingest

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/lvonguyen/osiris-hive/internal/intel"
	"github.com/lvonguyen/osiris-hive/internal/observability"
)

// Row field names consulted for content hashes, in lookup order.
var hashFields = []string{"sha256", "sha1", "md5", "hash"}

// HashChecker answers file-hash reputation lookups.
type HashChecker interface {
	CheckHash(ctx context.Context, hash string) (*intel.HashReputation, error)
}

// IndicatorChecker answers threat intel point lookups.
type IndicatorChecker interface {
	CheckIndicator(ctx context.Context, indicatorType, value string) (*intel.Indicator, error)
}

// Ingestor processes query-result streams from agents. Hash enrichment
// is best effort: lookup failures are logged and never stall the
// stream.
type Ingestor struct {
	hub     *Hub
	intel   IndicatorChecker
	hashes  HashChecker
	metrics *observability.Metrics
	logger  *zap.Logger

	rowsTotal    atomic.Int64
	streamsTotal atomic.Int64

	mu     sync.Mutex
	active map[string]*Stream
}

// NewIngestor creates an ingestor. intel, hashes, and metrics may each
// be nil.
func NewIngestor(hub *Hub, checker IndicatorChecker, hashes HashChecker, metrics *observability.Metrics, logger *zap.Logger) *Ingestor {
	return &Ingestor{
		hub:     hub,
		intel:   checker,
		hashes:  hashes,
		metrics: metrics,
		logger:  logger,
		active:  make(map[string]*Stream),
	}
}

// Stream is one agent's in-flight result stream for a query.
type Stream struct {
	queryID string
	agentID string
	ing     *Ingestor
	rows    int
	closed  bool
}

// NewStream opens an ingestion stream for (queryID, agentID).
func (i *Ingestor) NewStream(queryID, agentID string) *Stream {
	s := &Stream{queryID: queryID, agentID: agentID, ing: i}
	i.mu.Lock()
	i.active[queryID] = s
	i.mu.Unlock()
	i.streamsTotal.Add(1)
	i.logger.Info("ingestion stream opened",
		zap.String("query_id", queryID),
		zap.String("agent_id", agentID),
	)
	return s
}

// Ingest enriches one row and republishes it to subscribers.
func (s *Stream) Ingest(ctx context.Context, row map[string]any) {
	if s.closed {
		return
	}
	s.ing.checkHashes(ctx, s.agentID, row)
	s.ing.hub.PublishRow(s.queryID, row)
	s.rows++
	s.ing.rowsTotal.Add(1)
	if s.ing.metrics != nil {
		s.ing.metrics.RowsIngested.WithLabelValues(s.agentID).Inc()
	}
}

// Close ends the stream, broadcasts the terminal summary, and returns
// it to the caller for the agent's response.
func (s *Stream) Close(success bool) Summary {
	if s.closed {
		return Summary{QueryID: s.queryID, RowCount: s.rows, Success: success}
	}
	s.closed = true

	s.ing.mu.Lock()
	delete(s.ing.active, s.queryID)
	s.ing.mu.Unlock()

	summary := Summary{QueryID: s.queryID, RowCount: s.rows, Success: success}
	s.ing.hub.PublishSummary(s.queryID, summary)
	s.ing.logger.Info("ingestion stream closed",
		zap.String("query_id", s.queryID),
		zap.String("agent_id", s.agentID),
		zap.Int("rows", s.rows),
		zap.Bool("success", success),
	)
	return summary
}

// checkHashes looks up any content hash the row carries. Positive
// detections are logged at warning level; they never halt ingestion.
func (i *Ingestor) checkHashes(ctx context.Context, agentID string, row map[string]any) {
	hash := ""
	for _, field := range hashFields {
		if v, ok := row[field].(string); ok && v != "" {
			hash = v
			break
		}
	}
	if hash == "" || !intel.Validate(intel.TypeHash, hash) {
		return
	}

	if i.intel != nil {
		ind, err := i.intel.CheckIndicator(ctx, intel.TypeHash, hash)
		if err != nil {
			i.logger.Debug("hash intel lookup failed", zap.Error(err))
		} else if ind != nil {
			row["threat_intel_match"] = true
			row["threat_intel_feed"] = ind.Feed
			i.logger.Warn("malware hash in query results",
				zap.String("agent_id", agentID),
				zap.String("hash", hash),
				zap.String("feed", ind.Feed),
			)
			return
		}
	}

	if i.hashes != nil {
		rep, err := i.hashes.CheckHash(ctx, hash)
		if err != nil {
			i.logger.Debug("hash reputation lookup failed", zap.Error(err))
			return
		}
		if rep.Malicious() {
			row["vt_positives"] = rep.Positives
			row["vt_total"] = rep.Total
			i.logger.Warn("malware hash in query results",
				zap.String("agent_id", agentID),
				zap.String("hash", hash),
				zap.Int("positives", rep.Positives),
			)
		}
	}
}

// Statistics reports lifetime and in-flight counters.
func (i *Ingestor) Statistics() map[string]any {
	i.mu.Lock()
	activeCount := len(i.active)
	i.mu.Unlock()
	return map[string]any{
		"rows_ingested_total": i.rowsTotal.Load(),
		"streams_total":       i.streamsTotal.Load(),
		"active_streams":      activeCount,
	}
}
