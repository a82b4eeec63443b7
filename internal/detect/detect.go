// Package detect implements the Sigma-style detection engine: YAML
// rules loaded from disk and evaluated against enriched events.
package detect

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/osiris-hive/internal/event"
)

// Rule is one detection rule in the supported Sigma subset.
type Rule struct {
	ID          string    `yaml:"id" json:"id"`
	Title       string    `yaml:"title" json:"title"`
	Description string    `yaml:"description" json:"description,omitempty"`
	Level       string    `yaml:"level" json:"level"`
	Status      string    `yaml:"status" json:"status,omitempty"`
	Author      string    `yaml:"author" json:"author,omitempty"`
	Tags        []string  `yaml:"tags" json:"tags,omitempty"`
	References  []string  `yaml:"references" json:"references,omitempty"`
	Logsource   Logsource `yaml:"logsource" json:"logsource"`
	Detection   Detection `yaml:"detection" json:"detection"`
}

// Logsource scopes a rule to a product and event category.
type Logsource struct {
	Product  string `yaml:"product" json:"product"`
	Category string `yaml:"category" json:"category,omitempty"`
}

// Detection holds the rule's matching logic. Selection entries are
// ANDed; keywords match anywhere in the rendered event.
type Detection struct {
	Selection map[string]any `yaml:"selection" json:"selection,omitempty"`
	Keywords  []string       `yaml:"keywords" json:"keywords,omitempty"`
	Condition string         `yaml:"condition" json:"condition"`
}

// MatchedRule records one rule firing against an event.
type MatchedRule struct {
	RuleID     string    `json:"rule_id"`
	Title      string    `json:"title"`
	Level      string    `json:"level"`
	Tags       []string  `json:"tags,omitempty"`
	DetectedAt time.Time `json:"detected_at"`
}

// AlertSink receives alerts for rule matches at high or critical level.
type AlertSink interface {
	OnAlert(alert event.Alert)
}

// Engine loads rules and checks events against them.
type Engine struct {
	product string
	sink    AlertSink
	logger  *zap.Logger

	mu    sync.RWMutex
	rules []Rule
	byID  map[string]*Rule
}

// NewEngine creates a detection engine scoped to the given logsource
// product. sink may be nil to suppress alert dispatch.
func NewEngine(product string, sink AlertSink, logger *zap.Logger) *Engine {
	return &Engine{
		product: product,
		sink:    sink,
		logger:  logger,
		byID:    make(map[string]*Rule),
	}
}

// LoadRules reads every .yml/.yaml file under dir. Invalid files are
// logged and skipped; the count of loaded rules is returned.
func (e *Engine) LoadRules(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("reading rules directory: %w", err)
	}

	var rules []Rule
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yml" && ext != ".yaml" {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		rule, err := loadRuleFile(path)
		if err != nil {
			e.logger.Error("skipping invalid rule",
				zap.String("file", entry.Name()),
				zap.Error(err),
			)
			continue
		}
		rules = append(rules, *rule)
		e.logger.Info("rule loaded",
			zap.String("id", rule.ID),
			zap.String("title", rule.Title),
			zap.String("level", rule.Level),
		)
	}

	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })

	e.mu.Lock()
	e.rules = rules
	e.byID = make(map[string]*Rule, len(rules))
	for i := range rules {
		e.byID[rules[i].ID] = &rules[i]
	}
	e.mu.Unlock()

	return len(rules), nil
}

func loadRuleFile(path string) (*Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rule file: %w", err)
	}

	var rule Rule
	if err := yaml.Unmarshal(data, &rule); err != nil {
		return nil, fmt.Errorf("parsing rule YAML: %w", err)
	}

	if rule.ID == "" || rule.Title == "" {
		return nil, fmt.Errorf("rule missing id or title")
	}
	if rule.Logsource.Product == "" {
		return nil, fmt.Errorf("rule %s missing logsource product", rule.ID)
	}
	if len(rule.Detection.Selection) == 0 && len(rule.Detection.Keywords) == 0 {
		return nil, fmt.Errorf("rule %s has empty detection", rule.ID)
	}
	if rule.Detection.Condition == "" {
		rule.Detection.Condition = "selection"
	}
	switch rule.Detection.Condition {
	case "selection", "selection and keywords", "selection or keywords":
	default:
		return nil, fmt.Errorf("rule %s has unsupported condition %q", rule.ID, rule.Detection.Condition)
	}

	return &rule, nil
}

// Check evaluates every loaded rule against the event. A rule that
// panics or mismatches is simply skipped; high and critical matches are
// also dispatched to the alert sink.
func (e *Engine) Check(ev *event.Event) []MatchedRule {
	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()

	var matches []MatchedRule
	for i := range rules {
		rule := &rules[i]
		if !e.matches(rule, ev) {
			continue
		}

		matches = append(matches, MatchedRule{
			RuleID:     rule.ID,
			Title:      rule.Title,
			Level:      rule.Level,
			Tags:       rule.Tags,
			DetectedAt: time.Now(),
		})

		if e.sink != nil && (rule.Level == "high" || rule.Level == "critical") {
			e.sink.OnAlert(event.Alert{
				RuleID:     rule.ID,
				RuleTitle:  rule.Title,
				Severity:   rule.Level,
				AgentID:    ev.AgentID,
				Event:      ev.Snapshot(),
				DetectedAt: time.Now(),
			})
		}
	}
	return matches
}

func (e *Engine) matches(rule *Rule, ev *event.Event) bool {
	if rule.Logsource.Product != e.product {
		return false
	}
	if rule.Logsource.Category != "" && rule.Logsource.Category != ev.Type {
		return false
	}

	selectionMatch := true
	for key, want := range rule.Detection.Selection {
		got, ok := ev.Field(key)
		if !ok || fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			selectionMatch = false
			break
		}
	}

	keywordsMatch := false
	if len(rule.Detection.Keywords) > 0 {
		rendered := ev.Render()
		for _, kw := range rule.Detection.Keywords {
			if kw == "" {
				continue
			}
			if strings.Contains(rendered, strings.ToLower(kw)) {
				keywordsMatch = true
				break
			}
		}
	}

	switch rule.Detection.Condition {
	case "selection":
		return selectionMatch
	case "selection and keywords":
		return selectionMatch && keywordsMatch
	case "selection or keywords":
		return selectionMatch || keywordsMatch
	}
	return false
}

// Rules returns all loaded rules, sorted by ID.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Rule returns a rule by ID, or nil when unknown.
func (e *Engine) Rule(id string) *Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if r, ok := e.byID[id]; ok {
		cp := *r
		return &cp
	}
	return nil
}

// RulesByLevel filters loaded rules to one severity level.
func (e *Engine) RulesByLevel(level string) []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []Rule
	for _, r := range e.rules {
		if r.Level == level {
			out = append(out, r)
		}
	}
	return out
}

// RulesByTag filters loaded rules to those carrying tag.
func (e *Engine) RulesByTag(tag string) []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []Rule
	for _, r := range e.rules {
		for _, t := range r.Tags {
			if t == tag {
				out = append(out, r)
				break
			}
		}
	}
	return out
}

// Count returns the number of loaded rules.
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}
