package agent

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Info is a point-in-time view of one registered agent.
type Info struct {
	ID           string    `json:"id"`
	Hostname     string    `json:"hostname,omitempty"`
	Platform     string    `json:"platform,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
	LastSeen     time.Time `json:"last_seen"`
	QueueDepth   int       `json:"queue_depth"`
}

type agentState struct {
	info  Info
	queue []Instruction
}

// Registry owns all agent state. Every mutation of agent records and
// instruction queues goes through it; the control channel and the API
// only hold agent IDs.
type Registry struct {
	logger        *zap.Logger
	maxQueueDepth int

	mu     sync.RWMutex
	agents map[string]*agentState
}

// NewRegistry creates an empty registry.
func NewRegistry(maxQueueDepth int, logger *zap.Logger) *Registry {
	if maxQueueDepth <= 0 {
		maxQueueDepth = 256
	}
	return &Registry{
		logger:        logger,
		maxQueueDepth: maxQueueDepth,
		agents:        make(map[string]*agentState),
	}
}

// Register creates or overwrites the agent entry. A reconnecting agent
// starts with a fresh, empty instruction queue; delivery is at most
// once with no persistence across streams.
func (r *Registry) Register(id, hostname, platform string) Info {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	st := &agentState{info: Info{
		ID:           id,
		Hostname:     hostname,
		Platform:     platform,
		RegisteredAt: now,
		LastSeen:     now,
	}}
	r.agents[id] = st
	r.logger.Info("agent registered",
		zap.String("agent_id", id),
		zap.String("hostname", hostname),
		zap.String("platform", platform),
	)
	return st.info
}

// Touch refreshes an agent's last-seen timestamp.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.agents[id]; ok {
		st.info.LastSeen = time.Now()
	}
}

// Remove drops an agent and discards its undelivered instructions.
// Called when the control stream terminates.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.agents[id]; ok {
		delete(r.agents, id)
		r.logger.Info("agent removed",
			zap.String("agent_id", id),
			zap.Int("discarded", len(st.queue)),
		)
	}
}

// Enqueue appends an instruction to an agent's FIFO queue.
func (r *Registry) Enqueue(id string, instr Instruction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("unknown agent %q", id)
	}
	if len(st.queue) >= r.maxQueueDepth {
		return fmt.Errorf("instruction queue full for agent %q (%d)", id, r.maxQueueDepth)
	}
	st.queue = append(st.queue, instr)
	st.info.QueueDepth = len(st.queue)

	r.logger.Info("instruction enqueued",
		zap.String("agent_id", id),
		zap.String("instruction", string(instr.Kind)),
		zap.String("instruction_id", instr.ID),
	)
	return nil
}

// Dequeue pops the oldest pending instruction, or a NOOP when the queue
// is empty or the agent is unknown.
func (r *Registry) Dequeue(id string) Instruction {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.agents[id]
	if !ok || len(st.queue) == 0 {
		return Noop()
	}
	instr := st.queue[0]
	st.queue = st.queue[1:]
	st.info.QueueDepth = len(st.queue)
	return instr
}

// Get returns one agent's info.
func (r *Registry) Get(id string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.agents[id]
	if !ok {
		return Info{}, false
	}
	return st.info, true
}

// Snapshot lists all known agents, sorted by ID.
func (r *Registry) Snapshot() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Info, 0, len(r.agents))
	for _, st := range r.agents {
		out = append(out, st.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of connected agents. Entries exist only
// while a control stream is live.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}
