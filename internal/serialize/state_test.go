package serialize

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestTimeRoundTrip(t *testing.T) {
	in := At(time.Date(2025, 3, 14, 9, 26, 53, 589_000_000, time.UTC))

	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(data) != `"2025-03-14T09:26:53.589Z"` {
		t.Fatalf("unexpected encoding: %s", data)
	}

	var out Time
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if !out.Equal(in.Time) {
		t.Fatalf("round trip drifted: %v != %v", out, in)
	}
}

func TestTimeZeroIsNull(t *testing.T) {
	var zero Time
	data, err := json.Marshal(zero)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(data) != "null" {
		t.Fatalf("zero time should encode as null, got %s", data)
	}

	var out Time
	if err := json.Unmarshal([]byte("null"), &out); err != nil {
		t.Fatalf("unmarshal null failed: %v", err)
	}
	if !out.IsZero() {
		t.Fatalf("null should decode to zero time, got %v", out)
	}
}

func TestTimeAcceptsRFC3339(t *testing.T) {
	var out Time
	if err := json.Unmarshal([]byte(`"2025-03-14T09:26:53.589123456Z"`), &out); err != nil {
		t.Fatalf("unmarshal RFC3339 failed: %v", err)
	}
	if out.Year() != 2025 || out.Nanosecond() != 589123456 {
		t.Fatalf("unexpected decode: %v", out)
	}
}

func TestTimeNormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("UTC+8", 8*60*60)
	in := At(time.Date(2025, 3, 14, 17, 0, 0, 0, loc))
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if string(data) != `"2025-03-14T09:00:00.000Z"` {
		t.Fatalf("expected UTC normalization, got %s", data)
	}
}

func TestTimeRejectsGarbage(t *testing.T) {
	var out Time
	if err := json.Unmarshal([]byte(`"yesterday"`), &out); err == nil {
		t.Fatal("expected error for unparseable timestamp")
	}
	if err := json.Unmarshal([]byte(`42`), &out); err == nil {
		t.Fatal("expected error for non-string timestamp")
	}
}

func TestWorkflowStateRoundTrip(t *testing.T) {
	state := &WorkflowState{
		ThreadID: "thread-abc",
		TaskID:   "task-xyz",
		UserID:   "user-1",
		Input:    "get the GenePoint account",
		Plan: Plan{
			Steps:     []Step{{Description: "Look up the account 'GenePoint' on the CRM", HintedAgent: "crm"}},
			CreatedAt: Now(),
		},
		PastSteps: []StepExecution{{
			SeqNo:             0,
			Description:       "Look up the account 'GenePoint' on the CRM",
			StartedAt:         Now(),
			EndedAt:           Now(),
			Outcome:           OutcomeCompleted,
			Summary:           "found GenePoint",
			ProducedEntityIDs: []string{"node-1"},
		}},
		Messages: []Message{
			{Role: RoleUser, Content: "get the GenePoint account"},
			{Role: RoleAssistant, Content: "", ToolCalls: []ToolCall{{ID: "tc-1", Name: "crm_lookup"}}},
			{Role: RoleTool, Content: `{"Name":"GenePoint"}`, ToolCallID: "tc-1"},
		},
		Status:    StatusExecuting,
		CreatedAt: Now(),
		UpdatedAt: Now(),
	}

	data, err := MarshalState(state)
	if err != nil {
		t.Fatalf("MarshalState failed: %v", err)
	}
	if !strings.Contains(string(data), `"thread_id": "thread-abc"`) {
		t.Fatalf("expected snake_case indented output, got: %s", data)
	}

	back, err := UnmarshalState(data)
	if err != nil {
		t.Fatalf("UnmarshalState failed: %v", err)
	}
	if back.ThreadID != state.ThreadID || back.TaskID != state.TaskID {
		t.Fatalf("identity fields drifted: %+v", back)
	}
	if len(back.PastSteps) != 1 || back.PastSteps[0].Outcome != OutcomeCompleted {
		t.Fatalf("past steps drifted: %+v", back.PastSteps)
	}
	if len(back.Messages) != 3 || back.Messages[2].ToolCallID != "tc-1" {
		t.Fatalf("messages drifted: %+v", back.Messages)
	}
}

func TestMarshalStateNil(t *testing.T) {
	if _, err := MarshalState(nil); err == nil {
		t.Fatal("expected error for nil state")
	}
}

func TestPlanOffsetArithmetic(t *testing.T) {
	state := &WorkflowState{}
	state.AdoptPlan(Plan{Steps: []Step{
		{Description: "find express logistics"},
		{Description: "create a Jira bug"},
	}})

	if state.PlanOffset != 0 {
		t.Fatalf("initial plan offset = %d, want 0", state.PlanOffset)
	}
	step, ok := state.CurrentStep()
	if !ok || step.Description != "find express logistics" {
		t.Fatalf("unexpected first step: %+v ok=%v", step, ok)
	}
	if state.CurrentStepIndex() != 0 {
		t.Fatalf("first step index = %d, want 0", state.CurrentStepIndex())
	}

	// Step 0 executes.
	state.PastSteps = append(state.PastSteps, StepExecution{SeqNo: 0, Outcome: OutcomeCompleted})

	step, ok = state.CurrentStep()
	if !ok || step.Description != "create a Jira bug" {
		t.Fatalf("unexpected second step: %+v ok=%v", step, ok)
	}
	if state.CurrentStepIndex() != 1 {
		t.Fatalf("second step index = %d, want 1", state.CurrentStepIndex())
	}

	// Replanner inserts a clarification before the Jira step. The new plan
	// describes only future work and the offset keeps indices stable.
	state.AdoptPlan(Plan{Steps: []Step{
		{Description: "clarify which account"},
		{Description: "create a Jira bug"},
	}})

	if state.PlanOffset != 1 {
		t.Fatalf("plan offset after replan = %d, want 1", state.PlanOffset)
	}
	step, ok = state.CurrentStep()
	if !ok || step.Description != "clarify which account" {
		t.Fatalf("unexpected post-replan step: %+v ok=%v", step, ok)
	}
	if state.CurrentStepIndex() != 1 {
		t.Fatalf("post-replan index = %d, want 1 (absolute)", state.CurrentStepIndex())
	}
	if got := len(state.RemainingSteps()); got != 2 {
		t.Fatalf("remaining steps = %d, want 2", got)
	}
	if state.PlanExhausted() {
		t.Fatal("plan should not be exhausted")
	}

	// Execute both remaining steps.
	state.PastSteps = append(state.PastSteps,
		StepExecution{SeqNo: 1, Outcome: OutcomeCompleted},
		StepExecution{SeqNo: 2, Outcome: OutcomeCompleted},
	)
	if !state.PlanExhausted() {
		t.Fatal("plan should be exhausted after all steps execute")
	}
	if _, ok := state.CurrentStep(); ok {
		t.Fatal("no current step expected on an exhausted plan")
	}
}
