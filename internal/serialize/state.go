// Package serialize defines the wire and checkpoint encodings for workflow
// state: conversation messages, plans, step executions, and the full
// per-thread WorkflowState. Everything here round-trips through JSON with
// stable snake_case field names and canonical UTC millisecond timestamps so
// checkpoints stay portable and readable.
package serialize

import (
	"encoding/json"
	"fmt"
)

// Message roles. Tool messages carry the ToolCallID of the call they answer.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall records an assistant-initiated tool invocation inside the
// conversation window.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
}

// Message is one conversation turn in the rolling window.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	CreatedAt  Time       `json:"created_at,omitempty"`
}

// Step is one imperative unit of a plan, optionally hinting which agent or
// tool should carry it out.
type Step struct {
	Description string `json:"description"`
	HintedAgent string `json:"hinted_agent,omitempty"`
	HintedTool  string `json:"hinted_tool,omitempty"`
}

// Plan is an ordered sequence of steps. Plans are immutable once created;
// replanning produces a fresh Plan value plus an advanced plan offset.
type Plan struct {
	Steps     []Step `json:"steps"`
	CreatedAt Time   `json:"created_at"`
}

// Descriptions flattens the plan into its step texts.
func (p Plan) Descriptions() []string {
	out := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		out[i] = s.Description
	}
	return out
}

// Len returns the number of steps.
func (p Plan) Len() int { return len(p.Steps) }

// Step execution outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
)

// StepExecution is the append-only record of one executed step.
type StepExecution struct {
	SeqNo             int      `json:"seq_no"`
	Description       string   `json:"description"`
	StartedAt         Time     `json:"started_at"`
	EndedAt           Time     `json:"ended_at"`
	Outcome           string   `json:"outcome"`
	Summary           string   `json:"summary,omitempty"`
	ProducedEntityIDs []string `json:"produced_entity_ids,omitempty"`
	Error             string   `json:"error,omitempty"`
}

// Interrupt types. A user escape always outranks a cooperative question.
const (
	InterruptUserEscape = "user_escape"
	InterruptHumanInput = "human_input"
)

// Interrupt describes a suspended workflow: why it stopped and, for
// human_input, the question awaiting an answer.
type Interrupt struct {
	Type     string `json:"type"`
	Reason   string `json:"reason,omitempty"`
	Question string `json:"question,omitempty"`
}

// Thread statuses.
const (
	StatusIdle        = "idle"
	StatusPlanning    = "planning"
	StatusExecuting   = "executing"
	StatusInterrupted = "interrupted"
	StatusCompleted   = "completed"
	StatusFailed      = "failed"
)

// WorkflowState is the complete engine state for one thread. The engine is
// its sole writer; everyone else sees checkpointed copies.
type WorkflowState struct {
	ThreadID            string          `json:"thread_id"`
	TaskID              string          `json:"task_id"`
	UserID              string          `json:"user_id"`
	Input               string          `json:"input"`
	Plan                Plan            `json:"plan"`
	PlanOffset          int             `json:"plan_offset"`
	PastSteps           []StepExecution `json:"past_steps,omitempty"`
	Messages            []Message       `json:"messages,omitempty"`
	Response            string          `json:"response,omitempty"`
	Interrupt           *Interrupt      `json:"interrupt,omitempty"`
	ForceReplan         bool            `json:"force_replan,omitempty"`
	ModificationRequest string          `json:"modification_request,omitempty"`
	// LastActionID is the memory node of the newest CompletedAction, the
	// tail of the per-thread LedTo chain.
	LastActionID string `json:"last_action_id,omitempty"`
	Status       string `json:"status"`
	CreatedAt    Time   `json:"created_at"`
	UpdatedAt    Time   `json:"updated_at"`
}

// CurrentStepIndex is the absolute index of the next step to execute. Step
// indices are global across replans: PlanOffset records how many steps had
// completed when the current plan was adopted, and PastSteps is append-only,
// so the next step is simply the count of executed steps.
func (s *WorkflowState) CurrentStepIndex() int {
	return len(s.PastSteps)
}

// CurrentStep returns the plan step the engine should execute next, or false
// when the current plan is exhausted.
func (s *WorkflowState) CurrentStep() (Step, bool) {
	idx := len(s.PastSteps) - s.PlanOffset
	if idx < 0 || idx >= len(s.Plan.Steps) {
		return Step{}, false
	}
	return s.Plan.Steps[idx], true
}

// RemainingSteps returns the plan steps not yet executed. Steps executed
// since the plan was adopted occupy its leading positions.
func (s *WorkflowState) RemainingSteps() []Step {
	done := len(s.PastSteps) - s.PlanOffset
	if done < 0 {
		done = 0
	}
	if done >= len(s.Plan.Steps) {
		return nil
	}
	return s.Plan.Steps[done:]
}

// PlanExhausted reports whether every step of the current plan has executed.
func (s *WorkflowState) PlanExhausted() bool {
	return len(s.PastSteps)-s.PlanOffset >= len(s.Plan.Steps)
}

// AdoptPlan installs a freshly planned step sequence and advances the offset
// so absolute step indices remain stable relative to PastSteps. Completed
// steps are never edited; a new plan only ever describes future work.
func (s *WorkflowState) AdoptPlan(p Plan) {
	s.Plan = p
	s.PlanOffset = len(s.PastSteps)
}

// MarshalState encodes a WorkflowState for checkpointing. Indented so that
// file-backed checkpoints stay inspectable with standard tools.
func MarshalState(state *WorkflowState) ([]byte, error) {
	if state == nil {
		return nil, fmt.Errorf("cannot marshal nil workflow state")
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal workflow state: %w", err)
	}
	return data, nil
}

// UnmarshalState decodes a checkpointed WorkflowState.
func UnmarshalState(data []byte) (*WorkflowState, error) {
	var state WorkflowState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow state: %w", err)
	}
	return &state, nil
}

// MarshalMessages encodes a conversation window on its own, used when a
// caller snapshots only the dialogue.
func MarshalMessages(messages []Message) ([]byte, error) {
	data, err := json.Marshal(messages)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal messages: %w", err)
	}
	return data, nil
}

// UnmarshalMessages decodes a conversation window.
func UnmarshalMessages(data []byte) ([]Message, error) {
	var messages []Message
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal messages: %w", err)
	}
	return messages, nil
}
