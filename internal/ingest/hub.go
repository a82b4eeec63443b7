// Package ingest consumes streamed query-result rows from agents,
// applies best-effort hash enrichment, and fans rows out to live
// subscribers per query.
package ingest

import (
	"sync"

	"go.uber.org/zap"
)

// Summary is the terminal message of one ingestion stream.
type Summary struct {
	QueryID  string `json:"query_id"`
	RowCount int    `json:"row_count"`
	Success  bool   `json:"success"`
}

// Subscriber receives the rows of one query as they are ingested. A
// send error marks the subscriber dead; it is removed from the hub
// without affecting others.
type Subscriber interface {
	SendRow(row map[string]any) error
	SendSummary(summary Summary) error
}

// Hub fans ingested rows out to subscribers keyed by query id.
// Subscribers come and go independently of the ingestion stream.
type Hub struct {
	logger *zap.Logger

	mu   sync.RWMutex
	subs map[string]map[Subscriber]struct{}
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger: logger,
		subs:   make(map[string]map[Subscriber]struct{}),
	}
}

// Subscribe registers sub for rows of queryID.
func (h *Hub) Subscribe(queryID string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[queryID] == nil {
		h.subs[queryID] = make(map[Subscriber]struct{})
	}
	h.subs[queryID][sub] = struct{}{}
	h.logger.Debug("subscriber added",
		zap.String("query_id", queryID),
		zap.Int("subscribers", len(h.subs[queryID])),
	)
}

// Unsubscribe removes sub from queryID's fan-out.
func (h *Hub) Unsubscribe(queryID string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[queryID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, queryID)
		}
	}
}

// PublishRow sends a row to every live subscriber of queryID, dropping
// subscribers whose send fails.
func (h *Hub) PublishRow(queryID string, row map[string]any) {
	h.publish(queryID, func(sub Subscriber) error { return sub.SendRow(row) })
}

// PublishSummary sends the terminal summary to every subscriber of
// queryID.
func (h *Hub) PublishSummary(queryID string, summary Summary) {
	h.publish(queryID, func(sub Subscriber) error { return sub.SendSummary(summary) })
}

func (h *Hub) publish(queryID string, send func(Subscriber) error) {
	h.mu.RLock()
	set := h.subs[queryID]
	subs := make([]Subscriber, 0, len(set))
	for sub := range set {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		if err := send(sub); err != nil {
			h.logger.Debug("dropping dead subscriber",
				zap.String("query_id", queryID),
				zap.Error(err),
			)
			h.Unsubscribe(queryID, sub)
		}
	}
}

// SubscriberCount returns the live subscriber count for queryID.
func (h *Hub) SubscriberCount(queryID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[queryID])
}
