package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lvonguyen/osiris-hive/internal/ingest"
)

var streamUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

const streamWriteTimeout = 10 * time.Second

// streamFrame is one message on a result stream, in either direction.
type streamFrame struct {
	Type    string          `json:"type"` // hello, row, end, summary
	AgentID string          `json:"agent_id,omitempty"`
	Row     map[string]any  `json:"row,omitempty"`
	Success bool            `json:"success,omitempty"`
	Summary *ingest.Summary `json:"summary,omitempty"`
}

// handleResultsStream is the agent-side ingestion socket: the agent
// identifies itself, streams result rows for the query, and ends the
// stream with an end frame. The terminal summary is echoed back before
// the socket closes; a dropped connection closes the stream as failed.
func (s *Server) handleResultsStream(w http.ResponseWriter, r *http.Request) {
	queryID := chi.URLParam(r, "queryID")

	conn, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("results stream upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	var hello streamFrame
	conn.SetReadDeadline(time.Now().Add(streamWriteTimeout))
	if err := conn.ReadJSON(&hello); err != nil || hello.AgentID == "" {
		s.logger.Warn("results stream without agent identity",
			zap.String("query_id", queryID),
		)
		return
	}
	conn.SetReadDeadline(time.Time{})

	stream := s.deps.Ingestor.NewStream(queryID, hello.AgentID)
	for {
		var frame streamFrame
		if err := conn.ReadJSON(&frame); err != nil {
			stream.Close(false)
			return
		}

		switch frame.Type {
		case "row":
			if frame.Row != nil {
				stream.Ingest(r.Context(), frame.Row)
			}
		case "end":
			summary := stream.Close(frame.Success)
			conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(streamFrame{Type: "summary", Summary: &summary}); err != nil {
				s.logger.Debug("failed to echo stream summary", zap.Error(err))
			}
			return
		}
	}
}

// wsSubscriber adapts one operator websocket to the ingestion hub's
// subscriber contract. Writes are serialized; a write failure marks
// the subscriber dead and the hub drops it.
type wsSubscriber struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (ws *wsSubscriber) send(frame streamFrame) error {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	ws.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	return ws.conn.WriteJSON(frame)
}

func (ws *wsSubscriber) SendRow(row map[string]any) error {
	return ws.send(streamFrame{Type: "row", Row: row})
}

func (ws *wsSubscriber) SendSummary(summary ingest.Summary) error {
	return ws.send(streamFrame{Type: "summary", Summary: &summary})
}

// handleQuerySubscribe is the operator-side socket: it subscribes the
// connection to a query's row fan-out until the client disconnects.
func (s *Server) handleQuerySubscribe(w http.ResponseWriter, r *http.Request) {
	queryID := chi.URLParam(r, "queryID")

	conn, err := streamUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("query subscribe upgrade failed", zap.Error(err))
		return
	}

	sub := &wsSubscriber{conn: conn}
	s.deps.Hub.Subscribe(queryID, sub)
	if s.deps.Metrics != nil {
		s.deps.Metrics.SubscribersLive.Inc()
	}
	s.logger.Info("query subscriber connected", zap.String("query_id", queryID))

	defer func() {
		s.deps.Hub.Unsubscribe(queryID, sub)
		if s.deps.Metrics != nil {
			s.deps.Metrics.SubscribersLive.Dec()
		}
		conn.Close()
	}()

	// Read pump: nothing meaningful arrives from subscribers, but the
	// read surfaces the disconnect.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
