package playbook

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/osiris-hive/internal/event"
	"github.com/lvonguyen/osiris-hive/internal/store"
)

const (
	auditListKey = "playbook_executions"
	auditListMax = 100
	auditTTL     = 7 * 24 * time.Hour
)

// ActionExecutor performs one resolved playbook action. Implementations
// fan out to the agent control channel, case management, notifications,
// and evidence collection.
type ActionExecutor interface {
	Execute(ctx context.Context, action ActionKind, params map[string]any) (string, error)
}

// StepResult records one executed step.
type StepResult struct {
	StepName string        `json:"step_name"`
	Action   ActionKind    `json:"action"`
	Success  bool          `json:"success"`
	Message  string        `json:"message"`
	Duration time.Duration `json:"duration"`
}

// ExecutionResult is the outcome of handing an alert to the engine.
type ExecutionResult struct {
	Executed     bool          `json:"executed"`
	Reason       string        `json:"reason,omitempty"`
	PlaybookName string        `json:"playbook_name,omitempty"`
	DryRun       bool          `json:"dry_run"`
	Duration     time.Duration `json:"duration"`
	Steps        []StepResult  `json:"steps,omitempty"`
}

// Engine matches alerts to playbooks and runs their sequences.
type Engine struct {
	executor ActionExecutor
	kv       store.Store
	logger   *zap.Logger
	dryRun   bool

	mu        sync.RWMutex
	byTrigger map[string]*Playbook
}

// NewEngine creates a playbook engine. kv may be nil to skip audit
// persistence.
func NewEngine(executor ActionExecutor, kv store.Store, dryRun bool, logger *zap.Logger) *Engine {
	return &Engine{
		executor:  executor,
		kv:        kv,
		logger:    logger,
		dryRun:    dryRun,
		byTrigger: make(map[string]*Playbook),
	}
}

// LoadPlaybooks reads dir and indexes playbooks by trigger rule title.
// Invalid files are logged and skipped.
func (e *Engine) LoadPlaybooks(dir string) (int, error) {
	playbooks, errs, err := loadPlaybookDir(dir)
	if err != nil {
		return 0, err
	}
	for _, loadErr := range errs {
		e.logger.Error("skipping invalid playbook", zap.Error(loadErr))
	}

	byTrigger := make(map[string]*Playbook, len(playbooks))
	for _, pb := range playbooks {
		byTrigger[pb.Trigger.SigmaRuleTitle] = pb
		e.logger.Info("playbook loaded",
			zap.String("playbook", pb.Name),
			zap.String("trigger", pb.Trigger.SigmaRuleTitle),
		)
	}

	e.mu.Lock()
	e.byTrigger = byTrigger
	e.mu.Unlock()
	return len(playbooks), nil
}

// OnAlert runs the playbook triggered by the alert's rule title, if
// any, using the engine's dry-run setting.
func (e *Engine) OnAlert(ctx context.Context, alert event.Alert) ExecutionResult {
	e.mu.RLock()
	dryRun := e.dryRun
	e.mu.RUnlock()
	return e.Execute(ctx, alert, dryRun)
}

// Execute runs the playbook triggered by the alert's rule title with an
// explicit dry-run choice, overriding the engine default. Operators use
// this to rehearse a live engine's response without touching endpoints.
func (e *Engine) Execute(ctx context.Context, alert event.Alert, dryRun bool) ExecutionResult {
	e.mu.RLock()
	pb := e.byTrigger[alert.RuleTitle]
	e.mu.RUnlock()

	if pb == nil {
		return ExecutionResult{Executed: false, Reason: "No matching playbook"}
	}
	if !pb.Settings.IsEnabled() {
		e.logger.Debug("playbook disabled", zap.String("playbook", pb.Name))
		return ExecutionResult{Executed: false, Reason: "Playbook disabled"}
	}

	e.logger.Info("playbook triggered",
		zap.String("playbook", pb.Name),
		zap.String("alert", alert.RuleTitle),
		zap.Bool("dry_run", dryRun),
	)

	alertCtx := alert.Context()
	if !checkConditions(pb.Conditions, alertCtx) {
		e.logger.Info("playbook conditions not met", zap.String("playbook", pb.Name))
		return ExecutionResult{Executed: false, Reason: "Conditions not met"}
	}

	start := time.Now()
	var steps []StepResult
	for _, step := range pb.Sequence {
		result := e.executeStep(ctx, step, alertCtx, dryRun)
		steps = append(steps, result)

		if !result.Success && !pb.Settings.ContinueOnFailure {
			e.logger.Warn("playbook sequence aborted",
				zap.String("playbook", pb.Name),
				zap.String("step", step.Name),
				zap.String("message", result.Message),
			)
			break
		}
	}

	result := ExecutionResult{
		Executed:     true,
		PlaybookName: pb.Name,
		DryRun:       dryRun,
		Duration:     time.Since(start),
		Steps:        steps,
	}
	e.audit(ctx, pb, alert, result)
	return result
}

func (e *Engine) executeStep(ctx context.Context, step Step, alertCtx map[string]any, dryRun bool) StepResult {
	params, _ := resolveValue(step.Parameters, alertCtx).(map[string]any)

	if dryRun {
		e.logger.Info("dry run: skipping action",
			zap.String("step", step.Name),
			zap.String("action", string(step.Action)),
			zap.Any("parameters", params),
		)
		return StepResult{
			StepName: step.Name,
			Action:   step.Action,
			Success:  true,
			Message:  "Dry run successful",
		}
	}

	stepCtx := ctx
	if step.TimeoutSec > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, time.Duration(step.TimeoutSec)*time.Second)
		defer cancel()
	}

	start := time.Now()
	message, err := e.executor.Execute(stepCtx, step.Action, params)
	elapsed := time.Since(start)

	if err != nil {
		e.logger.Error("playbook step failed",
			zap.String("step", step.Name),
			zap.String("action", string(step.Action)),
			zap.Error(err),
		)
		return StepResult{
			StepName: step.Name,
			Action:   step.Action,
			Success:  false,
			Message:  err.Error(),
			Duration: elapsed,
		}
	}

	return StepResult{
		StepName: step.Name,
		Action:   step.Action,
		Success:  true,
		Message:  message,
		Duration: elapsed,
	}
}

// audit persists an execution record to the capped audit list.
func (e *Engine) audit(ctx context.Context, pb *Playbook, alert event.Alert, result ExecutionResult) {
	if e.kv == nil {
		return
	}

	successful := 0
	for _, s := range result.Steps {
		if s.Success {
			successful++
		}
	}
	record := map[string]any{
		"playbook_name":    pb.Name,
		"alert_title":      alert.RuleTitle,
		"agent_id":         alert.AgentID,
		"duration_ms":      result.Duration.Milliseconds(),
		"steps_executed":   len(result.Steps),
		"successful_steps": successful,
		"dry_run":          result.DryRun,
		"executed_at":      time.Now().Format(time.RFC3339),
	}
	data, err := json.Marshal(record)
	if err != nil {
		return
	}

	key := fmt.Sprintf("playbook_execution:%s:%d", pb.Name, time.Now().UnixNano())
	if err := e.kv.Set(ctx, key, string(data), auditTTL); err != nil {
		e.logger.Error("storing playbook audit record", zap.Error(err))
		return
	}
	if err := e.kv.PushCapped(ctx, auditListKey, key, auditListMax); err != nil {
		e.logger.Error("indexing playbook audit record", zap.Error(err))
	}
}

// Summary describes one loaded playbook.
type Summary struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Trigger     Trigger `json:"trigger"`
	Enabled     bool    `json:"enabled"`
	StepCount   int     `json:"steps_count"`
	Conditions  int     `json:"conditions_count"`
}

// List returns summaries of all loaded playbooks.
func (e *Engine) List() []Summary {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Summary, 0, len(e.byTrigger))
	for _, pb := range e.byTrigger {
		out = append(out, Summary{
			Name:        pb.Name,
			Description: pb.Description,
			Trigger:     pb.Trigger,
			Enabled:     pb.Settings.IsEnabled(),
			StepCount:   len(pb.Sequence),
			Conditions:  len(pb.Conditions),
		})
	}
	return out
}

// Status returns the summary for one playbook by name, or nil.
func (e *Engine) Status(name string) *Summary {
	for _, s := range e.List() {
		if s.Name == name {
			cp := s
			return &cp
		}
	}
	return nil
}

// RecentExecutions returns the latest audit records.
func (e *Engine) RecentExecutions(ctx context.Context, limit int) ([]map[string]any, error) {
	if e.kv == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}
	keys, err := e.kv.Range(ctx, auditListKey, 0, int64(limit-1))
	if err != nil {
		return nil, fmt.Errorf("listing playbook executions: %w", err)
	}

	var records []map[string]any
	for _, key := range keys {
		raw, err := e.kv.Get(ctx, key)
		if err != nil || raw == "" {
			continue
		}
		var record map[string]any
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// SetDryRun toggles dry-run mode at runtime.
func (e *Engine) SetDryRun(dryRun bool) {
	e.mu.Lock()
	e.dryRun = dryRun
	e.mu.Unlock()
}
