package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Hunt types with dedicated canned queries. Anything else falls back
// to a generic high-severity sweep.
const (
	HuntMalware          = "malware"
	HuntLateralMovement  = "lateral_movement"
	HuntDataExfiltration = "data_exfiltration"
	HuntPersistence      = "persistence"
)

// Threat is one suspicious finding extracted from hunt results.
type Threat struct {
	Type        string    `json:"type"`
	Severity    string    `json:"severity"`
	Description string    `json:"description"`
	NodeID      string    `json:"node_id"`
	AgentID     string    `json:"agent_id"`
	Timestamp   time.Time `json:"timestamp"`
}

// HuntResult is the outcome of one global threat hunt.
type HuntResult struct {
	HuntID       string    `json:"hunt_id"`
	HuntType     string    `json:"hunt_type"`
	Success      bool      `json:"success"`
	ThreatsFound int       `json:"threats_found"`
	Threats      []Threat  `json:"threats"`
	Query        *Result   `json:"query_results"`
	LaunchedAt   time.Time `json:"launched_at"`
	Error        string    `json:"error,omitempty"`
}

var huntProcessIndicators = []string{"cmd", "powershell", "wscript", "suspicious"}

// ExecuteGlobalHunt runs a canned OQL query for huntType across the
// target nodes and post-processes the merged results into a threat
// list. parameters is reserved for hunt templating.
func (e *Engine) ExecuteGlobalHunt(ctx context.Context, huntType string, parameters map[string]any, targetNodes []string) *HuntResult {
	huntID := uuid.NewString()
	e.logger.Info("launching global hunt",
		zap.String("hunt_id", huntID),
		zap.String("hunt_type", huntType),
	)

	query := buildHuntQuery(huntType, parameters)
	result := e.QueryAllNodes(ctx, query, 2*e.cfg.QueryTimeout, targetNodes)
	threats := analyzeHuntResults(result.Results, huntType)

	return &HuntResult{
		HuntID:       huntID,
		HuntType:     huntType,
		Success:      result.Success,
		ThreatsFound: len(threats),
		Threats:      threats,
		Query:        result,
		LaunchedAt:   e.now(),
		Error:        result.Error,
	}
}

func buildHuntQuery(huntType string, _ map[string]any) string {
	switch huntType {
	case HuntMalware:
		return "FROM all_agents:process_launch WHERE process_name IN ('cmd.exe', 'powershell.exe', 'wscript.exe')"
	case HuntLateralMovement:
		return "FROM all_agents:network_connections WHERE state = 'ESTABLISHED' AND process_name = 'svchost.exe'"
	case HuntDataExfiltration:
		return "FROM all_agents:file_access WHERE file_path LIKE '%.exe' OR file_path LIKE '%.dll'"
	case HuntPersistence:
		return "FROM all_agents:registry_access WHERE key_path LIKE '%Run%' OR key_path LIKE '%Startup%'"
	default:
		return "FROM all_agents:* WHERE severity = 'high'"
	}
}

// analyzeHuntResults applies per-hunt-type substring heuristics to the
// merged results.
func analyzeHuntResults(results []NodeResult, huntType string) []Threat {
	threats := make([]Threat, 0)
	for _, r := range results {
		switch huntType {
		case HuntMalware:
			if isSuspiciousProcess(r) {
				threats = append(threats, Threat{
					Type:        HuntMalware,
					Severity:    "high",
					Description: fmt.Sprintf("Suspicious process detected: %s", summarize(r)),
					NodeID:      r.NodeID,
					AgentID:     r.AgentID,
					Timestamp:   r.Timestamp,
				})
			}
		case HuntLateralMovement:
			if isLateralMovement(r) {
				threats = append(threats, Threat{
					Type:        HuntLateralMovement,
					Severity:    "medium",
					Description: "Potential lateral movement detected",
					NodeID:      r.NodeID,
					AgentID:     r.AgentID,
					Timestamp:   r.Timestamp,
				})
			}
		}
	}
	return threats
}

func isSuspiciousProcess(r NodeResult) bool {
	data := strings.ToLower(summarize(r))
	for _, indicator := range huntProcessIndicators {
		if strings.Contains(data, indicator) {
			return true
		}
	}
	return false
}

func isLateralMovement(r NodeResult) bool {
	return strings.Contains(strings.ToLower(summarize(r)), "network")
}

func summarize(r NodeResult) string {
	data, _ := json.Marshal(r.Data)
	return string(data)
}
