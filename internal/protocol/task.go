package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"maestro/internal/serialize"
)

// Task request sources.
const (
	SourceCLIClient = "cli_client"
	SourcePeerAgent = "peer_agent"
)

// Task response statuses.
const (
	StatusCompleted   = "completed"
	StatusInterrupted = "interrupted"
	StatusFailed      = "failed"
)

// TaskContext identifies the thread a task belongs to and who asked for it.
type TaskContext struct {
	ThreadID      string          `json:"threadID"`
	UserID        string          `json:"userID"`
	Source        string          `json:"source"`
	SessionID     string          `json:"sessionID,omitempty"`
	StateSnapshot json.RawMessage `json:"stateSnapshot,omitempty"`
}

// TaskRequest is the params shape of the process_task method.
type TaskRequest struct {
	TaskID      string      `json:"taskID"`
	Instruction string      `json:"instruction"`
	Context     TaskContext `json:"context"`

	// Resume continues an interrupted workflow instead of starting a new
	// one. The transport also accepts resume over the websocket channel;
	// both funnel into the same engine command.
	Resume *ResumeCommand `json:"resume,omitempty"`
}

// Validate checks the minimal shape contract before the request reaches the
// engine. Violations surface as JSON-RPC -32600.
func (r *TaskRequest) Validate() error {
	if r.Resume == nil && strings.TrimSpace(r.Instruction) == "" {
		return fmt.Errorf("instruction is required")
	}
	if r.Context.UserID == "" {
		return fmt.Errorf("context.userID is required")
	}
	switch r.Context.Source {
	case SourceCLIClient, SourcePeerAgent, "":
	default:
		return fmt.Errorf("context.source %q is not recognized", r.Context.Source)
	}
	return nil
}

// ResumeCommand re-enters an interrupted workflow. ForceReplan routes the
// input to the replanner as a modification request; otherwise the input
// answers the pending question and execution continues.
type ResumeCommand struct {
	Input       string `json:"input"`
	ForceReplan bool   `json:"forceReplan,omitempty"`
}

// PlanSummary is the caller-facing view of plan progress. Indices are
// absolute across replans: steps executed under earlier plans keep their
// positions, and Steps concatenates that history with the current plan.
type PlanSummary struct {
	Steps     []string `json:"steps"`
	Completed []int    `json:"completed"`
	Failed    []int    `json:"failed"`
	Current   *int     `json:"current"`
}

// TaskResponse is the result shape of the process_task method. Exactly one
// of Response or Interrupt is meaningful depending on Status; Plan reports
// progress in both cases.
type TaskResponse struct {
	TaskID    string               `json:"taskID"`
	ThreadID  string               `json:"threadID"`
	Status    string               `json:"status"`
	Response  string               `json:"response,omitempty"`
	Interrupt *serialize.Interrupt `json:"interrupt,omitempty"`
	Plan      *PlanSummary         `json:"plan,omitempty"`
}

// SummarizePlan builds the absolute-indexed progress view from workflow
// state. Skipped steps count as completed for coverage purposes. Current is
// nil once the workflow has produced a terminal response.
func SummarizePlan(state *serialize.WorkflowState) *PlanSummary {
	if state == nil {
		return nil
	}
	summary := &PlanSummary{
		Steps:     make([]string, 0, len(state.PastSteps)+len(state.Plan.Steps)),
		Completed: []int{},
		Failed:    []int{},
	}
	for i, exec := range state.PastSteps {
		summary.Steps = append(summary.Steps, exec.Description)
		if exec.Outcome == serialize.OutcomeFailed {
			summary.Failed = append(summary.Failed, i)
		} else {
			summary.Completed = append(summary.Completed, i)
		}
	}
	// Steps of the current plan not yet executed.
	doneInPlan := len(state.PastSteps) - state.PlanOffset
	if doneInPlan < 0 {
		doneInPlan = 0
	}
	for _, step := range state.Plan.Steps[min(doneInPlan, len(state.Plan.Steps)):] {
		summary.Steps = append(summary.Steps, step.Description)
	}
	if state.Response == "" && len(state.PastSteps) < len(summary.Steps) {
		current := len(state.PastSteps)
		summary.Current = &current
	}
	return summary
}
