// Package agent manages connected endpoint agents: the registry of
// live agents, their pending instruction queues, and the websocket
// control channel that delivers instructions on each heartbeat.
package agent

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InstructionKind is the closed set of instructions an agent accepts.
type InstructionKind string

const (
	InstructionNoop        InstructionKind = "NOOP"
	InstructionIsolate     InstructionKind = "isolate"
	InstructionDeisolate   InstructionKind = "deisolate"
	InstructionKillProcess InstructionKind = "kill_process"
	InstructionDeleteFile  InstructionKind = "delete_file"
)

// ParseInstructionKind validates an instruction name from the API or a
// playbook action.
func ParseInstructionKind(s string) (InstructionKind, error) {
	switch InstructionKind(s) {
	case InstructionNoop, InstructionIsolate, InstructionDeisolate,
		InstructionKillProcess, InstructionDeleteFile:
		return InstructionKind(s), nil
	}
	return "", fmt.Errorf("unknown instruction %q", s)
}

// Instruction is one queued command for an agent.
type Instruction struct {
	ID         string          `json:"id"`
	Kind       InstructionKind `json:"instruction"`
	Parameters map[string]any  `json:"parameters,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Noop is the instruction delivered on an empty queue; agents treat it
// as a keepalive.
func Noop() Instruction {
	return Instruction{
		ID:        uuid.NewString(),
		Kind:      InstructionNoop,
		CreatedAt: time.Now(),
	}
}

// NewInstruction builds and validates an instruction. Parameter
// requirements depend on the kind: kill_process needs a process name or
// id, delete_file needs a file path.
func NewInstruction(kind InstructionKind, params map[string]any) (Instruction, error) {
	if _, err := ParseInstructionKind(string(kind)); err != nil {
		return Instruction{}, err
	}
	if err := validateParameters(kind, params); err != nil {
		return Instruction{}, err
	}
	return Instruction{
		ID:         uuid.NewString(),
		Kind:       kind,
		Parameters: params,
		CreatedAt:  time.Now(),
	}, nil
}

func validateParameters(kind InstructionKind, params map[string]any) error {
	switch kind {
	case InstructionKillProcess:
		if !hasParam(params, "process_name") && !hasParam(params, "process_id") {
			return fmt.Errorf("kill_process requires process_name or process_id")
		}
	case InstructionDeleteFile:
		if !hasParam(params, "file_path") {
			return fmt.Errorf("delete_file requires file_path")
		}
	}
	return nil
}

func hasParam(params map[string]any, key string) bool {
	if params == nil {
		return false
	}
	v, ok := params[key]
	if !ok || v == nil {
		return false
	}
	if s, isStr := v.(string); isStr && s == "" {
		return false
	}
	return true
}
