// Package event defines the telemetry event and alert types that flow
// through the detection pipeline.
package event

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Event types produced by agent collectors.
const (
	TypeProcessLaunch     = "process_launch"
	TypeNetworkConnection = "network_connection"
	TypeFileAccess        = "file_access"
	TypeShellHistory      = "shell_history"
)

// Criticality levels, ordered from least to most severe.
const (
	CriticalityInfo     = "info"
	CriticalityLow      = "low"
	CriticalityMedium   = "medium"
	CriticalityHigh     = "high"
	CriticalityCritical = "critical"
)

var criticalityRank = map[string]int{
	"":                  -1,
	CriticalityInfo:     0,
	CriticalityLow:      1,
	CriticalityMedium:   2,
	CriticalityHigh:     3,
	CriticalityCritical: 4,
}

// CriticalityRank returns the ordinal rank of a criticality level.
// Unknown levels rank below info.
func CriticalityRank(level string) int {
	if r, ok := criticalityRank[level]; ok {
		return r
	}
	return -1
}

// Event is one telemetry record streamed by an agent. It is mutated in
// place by the enrichment service, detection engine, and anomaly scorer
// as it moves through the pipeline; the core never persists it.
type Event struct {
	Type      string         `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	User      string         `json:"user,omitempty"`
	Host      string         `json:"host,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
	Data      map[string]any `json:"data,omitempty"`

	Tags           []string       `json:"tags,omitempty"`
	Criticality    string         `json:"criticality,omitempty"`
	AnomalyScore   int            `json:"anomaly_score"`
	AnomalyReasons []string       `json:"anomaly_reasons,omitempty"`
	ThreatIntel    map[string]any `json:"threat_intel,omitempty"`
}

// AddTag appends a tag unless the event already carries it.
func (e *Event) AddTag(tag string) {
	for _, t := range e.Tags {
		if t == tag {
			return
		}
	}
	e.Tags = append(e.Tags, tag)
}

// HasTag reports whether the event carries the given tag.
func (e *Event) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Escalate raises the event criticality to level if it is currently
// lower. It never lowers an already-set criticality.
func (e *Event) Escalate(level string) {
	if CriticalityRank(level) > CriticalityRank(e.Criticality) {
		e.Criticality = level
	}
}

// DataString returns the string value stored under key in the event
// payload, or "" when absent or of another type.
func (e *Event) DataString(key string) string {
	if e.Data == nil {
		return ""
	}
	if s, ok := e.Data[key].(string); ok {
		return s
	}
	return ""
}

// DataInt returns the integer value stored under key in the event
// payload. JSON decoding yields float64; both are accepted.
func (e *Event) DataInt(key string) (int, bool) {
	if e.Data == nil {
		return 0, false
	}
	switch v := e.Data[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

// Field resolves a selection key against the event: well-known
// top-level fields first, then the data payload.
func (e *Event) Field(key string) (any, bool) {
	switch key {
	case "type", "event_type":
		return e.Type, true
	case "user":
		return e.User, true
	case "host":
		return e.Host, true
	case "agent_id":
		return e.AgentID, true
	case "criticality":
		return e.Criticality, true
	}
	if e.Data != nil {
		if v, ok := e.Data[key]; ok {
			return v, true
		}
	}
	return nil, false
}

// Render flattens the event into a single lowercase string for keyword
// matching. Data keys are sorted so the rendering is deterministic.
func (e *Event) Render() string {
	var b strings.Builder
	b.WriteString(strings.ToLower(e.Type))
	b.WriteByte(' ')
	b.WriteString(strings.ToLower(e.User))
	b.WriteByte(' ')
	b.WriteString(strings.ToLower(e.Host))
	keys := make([]string, 0, len(e.Data))
	for k := range e.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", strings.ToLower(k), e.Data[k])
	}
	return strings.ToLower(b.String())
}

// Snapshot returns a deep-enough copy for handing to alert consumers:
// the data map and slices are copied so later pipeline mutation does
// not leak into dispatched alerts.
func (e *Event) Snapshot() Event {
	cp := *e
	if e.Data != nil {
		cp.Data = make(map[string]any, len(e.Data))
		for k, v := range e.Data {
			cp.Data[k] = v
		}
	}
	cp.Tags = append([]string(nil), e.Tags...)
	cp.AnomalyReasons = append([]string(nil), e.AnomalyReasons...)
	return cp
}

// Alert is produced when a detection rule matches or a risk threshold
// is crossed, and handed to the playbook engine and the external
// notification/case collaborators.
type Alert struct {
	RuleID     string    `json:"rule_id,omitempty"`
	RuleTitle  string    `json:"rule_title"`
	Severity   string    `json:"severity"`
	AgentID    string    `json:"agent_id,omitempty"`
	Event      Event     `json:"event"`
	DetectedAt time.Time `json:"detected_at"`
}

// Context builds the structured lookup tree used by playbook condition
// evaluation and template resolution. Paths are rooted at "alert".
func (a *Alert) Context() map[string]any {
	data := make(map[string]any, len(a.Event.Data))
	for k, v := range a.Event.Data {
		data[k] = v
	}
	return map[string]any{
		"alert": map[string]any{
			"rule_id":       a.RuleID,
			"title":         a.RuleTitle,
			"severity":      a.Severity,
			"agent_id":      a.AgentID,
			"user":          a.Event.User,
			"host":          a.Event.Host,
			"type":          a.Event.Type,
			"criticality":   a.Event.Criticality,
			"anomaly_score": a.Event.AnomalyScore,
			"tags":          append([]string(nil), a.Event.Tags...),
			"data":          data,
		},
	}
}

// CriticalRiskAlert is synthesized by the risk accumulator when an
// entity crosses the critical threshold.
type CriticalRiskAlert struct {
	Type               string         `json:"type"`
	User               string         `json:"user"`
	RiskScore          int            `json:"risk_score"`
	Timestamp          time.Time      `json:"timestamp"`
	EventDetails       map[string]any `json:"event_details"`
	RecommendedActions []string       `json:"recommended_actions"`
}
