package agent

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lvonguyen/osiris-hive/internal/observability"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Channel serves the agent heartbeat websocket. Each tick it delivers
// the next pending instruction for the connected agent, or a NOOP when
// the queue is empty.
type Channel struct {
	registry          *Registry
	heartbeatInterval time.Duration
	writeTimeout      time.Duration
	metrics           *observability.Metrics
	logger            *zap.Logger
}

// NewChannel creates the control channel handler. metrics may be nil.
func NewChannel(registry *Registry, heartbeat, writeTimeout time.Duration, metrics *observability.Metrics, logger *zap.Logger) *Channel {
	if heartbeat <= 0 {
		heartbeat = 5 * time.Second
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &Channel{
		registry:          registry,
		heartbeatInterval: heartbeat,
		writeTimeout:      writeTimeout,
		metrics:           metrics,
		logger:            logger,
	}
}

// hello is the first frame an agent sends after connecting.
type hello struct {
	AgentID  string `json:"agent_id"`
	Hostname string `json:"hostname,omitempty"`
	Platform string `json:"platform,omitempty"`
}

// ServeHTTP upgrades the connection and runs the heartbeat loop until
// the agent disconnects.
func (c *Channel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(3 * c.heartbeatInterval))
	var h hello
	if err := conn.ReadJSON(&h); err != nil || h.AgentID == "" {
		c.logger.Warn("agent hello failed", zap.Error(err))
		return
	}

	c.registry.Register(h.AgentID, h.Hostname, h.Platform)
	defer c.registry.Remove(h.AgentID)
	if c.metrics != nil {
		c.metrics.AgentsConnected.Inc()
		defer c.metrics.AgentsConnected.Dec()
	}

	// Read pump: the agent is not expected to send further frames, but
	// reads surface disconnects and reset the liveness deadline.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			conn.SetReadDeadline(time.Now().Add(3 * c.heartbeatInterval))
			c.registry.Touch(h.AgentID)
		}
	}()

	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			instr := c.registry.Dequeue(h.AgentID)
			conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := conn.WriteJSON(instr); err != nil {
				c.logger.Warn("heartbeat write failed",
					zap.String("agent_id", h.AgentID),
					zap.Error(err),
				)
				return
			}
			c.registry.Touch(h.AgentID)
			if c.metrics != nil {
				c.metrics.HeartbeatTicks.Inc()
				if instr.Kind != InstructionNoop {
					c.metrics.InstructionsEnqueued.WithLabelValues(string(instr.Kind)).Inc()
				}
			}
			if instr.Kind != InstructionNoop {
				c.logger.Info("instruction delivered",
					zap.String("agent_id", h.AgentID),
					zap.String("instruction", string(instr.Kind)),
					zap.String("instruction_id", instr.ID),
				)
			}
		}
	}
}
