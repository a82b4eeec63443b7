package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/lvonguyen/osiris-hive/internal/config"
)

// NodeResult is one telemetry row returned by a node for a federated
// query.
type NodeResult struct {
	NodeID    string         `json:"node_id"`
	AgentID   string         `json:"agent_id"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NodeClient executes OQL queries against a single remote node.
type NodeClient interface {
	ID() string
	ExecuteOQL(ctx context.Context, query string) ([]NodeResult, error)
}

// HTTPNodeClient queries a peer Hive node over its HTTP API.
type HTTPNodeClient struct {
	nodeID  string
	baseURL string
	client  *http.Client
}

// NewHTTPNodeClient creates a client for one configured node. client
// may be nil, in which case http.DefaultClient is used.
func NewHTTPNodeClient(cfg config.NodeConfig, client *http.Client) *HTTPNodeClient {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPNodeClient{
		nodeID:  cfg.ID,
		baseURL: cfg.BaseURL,
		client:  client,
	}
}

// ID returns the configured node identifier.
func (c *HTTPNodeClient) ID() string {
	return c.nodeID
}

type nodeQueryRequest struct {
	Query string `json:"query"`
}

type nodeQueryResponse struct {
	Results []NodeResult `json:"results"`
	Error   string       `json:"error,omitempty"`
}

// ExecuteOQL runs one OQL query on the remote node and returns its
// rows. Rows missing a node id are stamped with this client's.
func (c *HTTPNodeClient) ExecuteOQL(ctx context.Context, query string) ([]NodeResult, error) {
	body, err := json.Marshal(nodeQueryRequest{Query: query})
	if err != nil {
		return nil, fmt.Errorf("failed to encode query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/query", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("node %s unreachable: %w", c.nodeID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("node %s returned status %d", c.nodeID, resp.StatusCode)
	}

	var decoded nodeQueryResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("failed to decode node %s response: %w", c.nodeID, err)
	}
	if decoded.Error != "" {
		return nil, fmt.Errorf("node %s query failed: %s", c.nodeID, decoded.Error)
	}

	for i := range decoded.Results {
		if decoded.Results[i].NodeID == "" {
			decoded.Results[i].NodeID = c.nodeID
		}
	}
	return decoded.Results, nil
}
