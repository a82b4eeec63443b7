package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/osiris-hive/internal/agent"
	"github.com/lvonguyen/osiris-hive/internal/playbook"
	"github.com/lvonguyen/osiris-hive/internal/store"
)

const (
	evidenceListKey = "evidence_requests"
	evidenceListMax = 200
)

// Executor carries out playbook actions: containment actions become
// queued agent instructions, the rest go to the case and notification
// collaborators.
type Executor struct {
	agents     *agent.Registry
	cases      CaseManager
	dispatcher *Dispatcher
	kv         store.Store
	logger     *zap.Logger
}

// NewExecutor creates an action executor. Any collaborator may be nil;
// actions requiring a missing one fail with an explicit error.
func NewExecutor(agents *agent.Registry, cases CaseManager, dispatcher *Dispatcher, kv store.Store, logger *zap.Logger) *Executor {
	return &Executor{
		agents:     agents,
		cases:      cases,
		dispatcher: dispatcher,
		kv:         kv,
		logger:     logger,
	}
}

// Execute runs one resolved playbook action and returns a result
// message for the step record.
func (e *Executor) Execute(ctx context.Context, action playbook.ActionKind, params map[string]any) (string, error) {
	switch action {
	case playbook.ActionKillProcess:
		return e.killProcess(params)
	case playbook.ActionIsolate:
		return e.isolate(params)
	case playbook.ActionCreateCase:
		return e.createCase(ctx, params)
	case playbook.ActionSendNotification:
		return e.sendNotification(ctx, params)
	case playbook.ActionCollectEvidence:
		return e.collectEvidence(ctx, params)
	default:
		return "", fmt.Errorf("unknown action %q", action)
	}
}

func (e *Executor) killProcess(params map[string]any) (string, error) {
	agentID := stringParam(params, "agent_id")
	if agentID == "" {
		return "", fmt.Errorf("kill_process requires agent_id")
	}
	if e.agents == nil {
		return "", fmt.Errorf("no agent registry configured")
	}

	instrParams := map[string]any{}
	if name := stringParam(params, "process_name"); name != "" {
		instrParams["process_name"] = name
	}
	if pid, ok := params["process_id"]; ok {
		instrParams["process_id"] = pid
	}

	instr, err := agent.NewInstruction(agent.InstructionKillProcess, instrParams)
	if err != nil {
		return "", err
	}
	if err := e.agents.Enqueue(agentID, instr); err != nil {
		return "", fmt.Errorf("failed to queue kill_process for %s: %w", agentID, err)
	}
	return fmt.Sprintf("Process termination queued for agent %s", agentID), nil
}

func (e *Executor) isolate(params map[string]any) (string, error) {
	agentID := stringParam(params, "agent_id")
	if agentID == "" {
		return "", fmt.Errorf("isolate requires agent_id")
	}
	if e.agents == nil {
		return "", fmt.Errorf("no agent registry configured")
	}

	instr, err := agent.NewInstruction(agent.InstructionIsolate, nil)
	if err != nil {
		return "", err
	}
	if err := e.agents.Enqueue(agentID, instr); err != nil {
		return "", fmt.Errorf("failed to queue isolate for %s: %w", agentID, err)
	}
	return fmt.Sprintf("Host isolation queued for agent %s", agentID), nil
}

func (e *Executor) createCase(ctx context.Context, params map[string]any) (string, error) {
	if e.cases == nil {
		return "", fmt.Errorf("no case manager configured")
	}

	title := stringParam(params, "title")
	if title == "" {
		title = "Automated Case"
	}
	c := Case{
		Title:    title,
		Priority: stringParam(params, "priority"),
		AgentID:  stringParam(params, "agent_id"),
	}
	id, err := e.cases.CreateCase(ctx, c)
	if err != nil {
		return "", fmt.Errorf("failed to create case: %w", err)
	}
	return fmt.Sprintf("Case %q created (%s)", title, id), nil
}

func (e *Executor) sendNotification(ctx context.Context, params map[string]any) (string, error) {
	if e.dispatcher == nil {
		return "", fmt.Errorf("no notification dispatcher configured")
	}

	message := stringParam(params, "message")
	if message == "" {
		message = "Automated notification"
	}
	n := Notification{
		Channel:  stringParam(params, "channel"),
		Title:    stringParam(params, "title"),
		Message:  message,
		Severity: stringParam(params, "severity"),
		AgentID:  stringParam(params, "agent_id"),
	}
	if err := e.dispatcher.Dispatch(ctx, n); err != nil {
		return "", err
	}
	if n.Channel == "" {
		return "Notification dispatched to all channels", nil
	}
	return fmt.Sprintf("Notification dispatched to %s", n.Channel), nil
}

// collectEvidence records the collection request for an out-of-band
// forensics worker to pick up.
func (e *Executor) collectEvidence(ctx context.Context, params map[string]any) (string, error) {
	if e.kv == nil {
		return "", fmt.Errorf("no store configured for evidence requests")
	}

	evidenceType := stringParam(params, "type")
	if evidenceType == "" {
		evidenceType = "unknown"
	}
	target := stringParam(params, "target")
	if target == "" {
		target = stringParam(params, "agent_id")
	}

	request := map[string]any{
		"type":         evidenceType,
		"target":       target,
		"requested_at": time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(request)
	if err != nil {
		return "", fmt.Errorf("failed to encode evidence request: %w", err)
	}
	if err := e.kv.PushCapped(ctx, evidenceListKey, string(data), evidenceListMax); err != nil {
		return "", fmt.Errorf("failed to record evidence request: %w", err)
	}

	e.logger.Info("evidence collection requested",
		zap.String("type", evidenceType),
		zap.String("target", target),
	)
	return fmt.Sprintf("Evidence collection of type %s requested", evidenceType), nil
}

func stringParam(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}
