// Package playbook implements the automated response engine: YAML
// playbooks triggered by detection alerts, with guarded conditions and
// sequenced response actions.
package playbook

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ActionKind is a closed enum of response actions. Unknown actions are
// rejected when the playbook loads, not when it fires.
type ActionKind string

const (
	ActionKillProcess      ActionKind = "kill_process"
	ActionIsolate          ActionKind = "isolate"
	ActionCreateCase       ActionKind = "create_case"
	ActionSendNotification ActionKind = "send_notification"
	ActionCollectEvidence  ActionKind = "collect_evidence"
)

// ParseActionKind validates an action name from a playbook file.
func ParseActionKind(s string) (ActionKind, error) {
	switch ActionKind(s) {
	case ActionKillProcess, ActionIsolate, ActionCreateCase,
		ActionSendNotification, ActionCollectEvidence:
		return ActionKind(s), nil
	}
	return "", fmt.Errorf("unknown playbook action %q", s)
}

// Playbook is one loaded response playbook.
type Playbook struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	Trigger     Trigger     `yaml:"trigger"`
	Conditions  []Condition `yaml:"conditions"`
	Sequence    []Step      `yaml:"sequence"`
	Settings    Settings    `yaml:"settings"`
}

// Trigger binds a playbook to the detection rule title that fires it.
type Trigger struct {
	SigmaRuleTitle string `yaml:"sigma_rule_title"`
}

// Condition is one guard evaluated against the alert context before the
// sequence runs. All conditions must hold.
type Condition struct {
	Field    string `yaml:"field"`
	Operator string `yaml:"operator"`
	Value    any    `yaml:"value"`
}

// Step is one action in the response sequence.
type Step struct {
	Name       string         `yaml:"name"`
	Action     ActionKind     `yaml:"action"`
	Parameters map[string]any `yaml:"parameters"`
	TimeoutSec int            `yaml:"timeout"`
}

// Settings tunes playbook behavior.
type Settings struct {
	Enabled           *bool `yaml:"enabled"`
	ContinueOnFailure bool  `yaml:"continue_on_failure"`
}

// IsEnabled treats a missing enabled flag as true.
func (s Settings) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

var validOperators = map[string]bool{
	"eq": true, "ne": true, "gt": true, "gte": true,
	"lt": true, "lte": true, "in": true, "contains": true,
}

// loadPlaybookFile parses and fully validates one playbook file.
func loadPlaybookFile(path string) (*Playbook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading playbook: %w", err)
	}

	var pb Playbook
	if err := yaml.Unmarshal(data, &pb); err != nil {
		return nil, fmt.Errorf("parsing playbook YAML: %w", err)
	}

	if pb.Name == "" {
		return nil, fmt.Errorf("playbook missing name")
	}
	if pb.Trigger.SigmaRuleTitle == "" {
		return nil, fmt.Errorf("playbook %s has no trigger rule title", pb.Name)
	}
	if len(pb.Sequence) == 0 {
		return nil, fmt.Errorf("playbook %s has an empty sequence", pb.Name)
	}
	for i, step := range pb.Sequence {
		if _, err := ParseActionKind(string(step.Action)); err != nil {
			return nil, fmt.Errorf("playbook %s step %d: %w", pb.Name, i, err)
		}
	}
	for i, cond := range pb.Conditions {
		if cond.Field == "" || cond.Operator == "" {
			return nil, fmt.Errorf("playbook %s condition %d incomplete", pb.Name, i)
		}
		if !validOperators[cond.Operator] {
			return nil, fmt.Errorf("playbook %s condition %d: unknown operator %q", pb.Name, i, cond.Operator)
		}
	}

	return &pb, nil
}

// loadPlaybookDir reads every .yml/.yaml playbook under dir. Invalid
// files are returned as errors alongside the playbooks that did load;
// the final error is fatal (unreadable directory).
func loadPlaybookDir(dir string) ([]*Playbook, []error, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("reading playbooks directory: %w", err)
	}

	var playbooks []*Playbook
	var errs []error
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yml" && ext != ".yaml" {
			continue
		}
		pb, err := loadPlaybookFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", entry.Name(), err))
			continue
		}
		playbooks = append(playbooks, pb)
	}
	return playbooks, errs, nil
}
