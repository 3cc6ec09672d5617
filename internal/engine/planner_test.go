package engine

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	maestroerrors "maestro/internal/errors"
	"maestro/internal/prompts"
	"maestro/internal/serialize"
)

func TestDecodeDecision(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		raw       string
		wantSteps []string
		wantResp  string
		wantErr   bool
	}{
		{
			name:      "plan object",
			raw:       `{"plan": ["fetch the ticket", "summarize it"]}`,
			wantSteps: []string{"fetch the ticket", "summarize it"},
		},
		{
			name:     "response object",
			raw:      `{"response": "All done."}`,
			wantResp: "All done.",
		},
		{
			name:      "string-wrapped object",
			raw:       `"{\"plan\": [\"fetch the ticket\"]}"`,
			wantSteps: []string{"fetch the ticket"},
		},
		{
			name:      "near-JSON gets repaired",
			raw:       `{"plan": ["fetch the ticket", "summarize it",],}`,
			wantSteps: []string{"fetch the ticket", "summarize it"},
		},
		{
			name:      "blank steps are skipped",
			raw:       `{"plan": ["fetch the ticket", "   ", "summarize it"]}`,
			wantSteps: []string{"fetch the ticket", "summarize it"},
		},
		{
			name: "explicitly empty plan is legal",
			raw:  `{"plan": []}`,
		},
		{
			name:    "both arms set",
			raw:     `{"plan": ["a"], "response": "done"}`,
			wantErr: true,
		},
		{
			name:    "neither arm set",
			raw:     `{"note": "hello"}`,
			wantErr: true,
		},
		{
			name:    "empty payload",
			raw:     ``,
			wantErr: true,
		},
		{
			name:    "null payload",
			raw:     `null`,
			wantErr: true,
		},
		{
			name:    "unsalvageable text",
			raw:     `"I could not decide"`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := DecodeDecision(json.RawMessage(tt.raw))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("DecodeDecision(%q) = %+v, want error", tt.raw, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeDecision(%q): %v", tt.raw, err)
			}
			if got.Response != tt.wantResp {
				t.Errorf("response = %q, want %q", got.Response, tt.wantResp)
			}
			if len(got.Steps) != len(tt.wantSteps) {
				t.Fatalf("steps = %d, want %d", len(got.Steps), len(tt.wantSteps))
			}
			for i, want := range tt.wantSteps {
				if got.Steps[i].Description != want {
					t.Errorf("step[%d] = %q, want %q", i, got.Steps[i].Description, want)
				}
			}
		})
	}
}

// scriptedCaller returns canned raw results per method, failing a set number
// of times first.
type scriptedCaller struct {
	results  map[string]string
	failures int
	calls    int
	prompts  []string
	methods  []string
}

func (c *scriptedCaller) Call(_ context.Context, _ string, method string, params, result any) error {
	c.calls++
	c.methods = append(c.methods, method)
	if p, ok := params.(plannerParams); ok {
		c.prompts = append(c.prompts, p.Prompt)
	}
	if c.failures > 0 {
		c.failures--
		return maestroerrors.NewTransientError(errors.New("gateway hiccup"), "")
	}
	raw, ok := c.results[method]
	if !ok {
		return errors.New("unexpected method " + method)
	}
	*(result.(*json.RawMessage)) = json.RawMessage(raw)
	return nil
}

func fastRetry() maestroerrors.RetryConfig {
	return maestroerrors.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestRPCPlannerPlan(t *testing.T) {
	t.Parallel()

	caller := &scriptedCaller{results: map[string]string{
		MethodPlan: `{"plan": ["look up account ACC-42"]}`,
	}}
	p := NewRPCPlanner(caller, "http://planner:9100", nil, nil)
	p.retry = fastRetry()

	decision, err := p.Plan(context.Background(), prompts.PlanInput{Objective: "check on ACC-42"})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if !decision.IsPlan() || len(decision.Steps) != 1 {
		t.Fatalf("decision = %+v, want one step", decision)
	}
	if caller.methods[0] != MethodPlan {
		t.Errorf("method = %q, want %q", caller.methods[0], MethodPlan)
	}
	if !strings.Contains(caller.prompts[0], "check on ACC-42") {
		t.Errorf("prompt should carry the objective, got %q", caller.prompts[0])
	}
}

func TestRPCPlannerRetriesTransient(t *testing.T) {
	t.Parallel()

	caller := &scriptedCaller{
		failures: 2,
		results:  map[string]string{MethodReplan: `{"response": "done"}`},
	}
	p := NewRPCPlanner(caller, "http://planner:9100", nil, nil)
	p.retry = fastRetry()

	decision, err := p.Replan(context.Background(), prompts.ReplanInput{Objective: "x"})
	if err != nil {
		t.Fatalf("replan: %v", err)
	}
	if decision.Response != "done" {
		t.Errorf("response = %q", decision.Response)
	}
	if caller.calls != 3 {
		t.Errorf("calls = %d, want 3", caller.calls)
	}
}

func TestRPCPlannerUnusablePayload(t *testing.T) {
	t.Parallel()

	caller := &scriptedCaller{results: map[string]string{
		MethodPlan: `{"note": "no arms here"}`,
	}}
	p := NewRPCPlanner(caller, "http://planner:9100", nil, nil)
	p.retry = fastRetry()

	_, err := p.Plan(context.Background(), prompts.PlanInput{Objective: "x"})
	if err == nil {
		t.Fatal("want error for armless payload")
	}
	if caller.calls != 1 {
		t.Errorf("decode failures must not be retried, calls = %d", caller.calls)
	}
}

func TestFallbackPlannerPlan(t *testing.T) {
	t.Parallel()

	decision, err := FallbackPlanner{}.Plan(context.Background(), prompts.PlanInput{Objective: "  find the invoice  "})
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	if len(decision.Steps) != 1 || decision.Steps[0].Description != "find the invoice" {
		t.Fatalf("decision = %+v", decision)
	}

	if _, err := (FallbackPlanner{}).Plan(context.Background(), prompts.PlanInput{Objective: "   "}); err == nil {
		t.Fatal("empty objective must fail")
	}
}

func TestFallbackPlannerReplan(t *testing.T) {
	t.Parallel()

	plan := serialize.Plan{Steps: []serialize.Step{
		{Description: "first"},
		{Description: "second"},
	}}

	t.Run("modification wins", func(t *testing.T) {
		t.Parallel()
		decision, err := FallbackPlanner{}.Replan(context.Background(), prompts.ReplanInput{
			Plan:                plan,
			ModificationRequest: "do something else",
		})
		if err != nil {
			t.Fatalf("replan: %v", err)
		}
		if len(decision.Steps) != 1 || decision.Steps[0].Description != "do something else" {
			t.Fatalf("decision = %+v", decision)
		}
	})

	t.Run("continues remaining steps", func(t *testing.T) {
		t.Parallel()
		decision, err := FallbackPlanner{}.Replan(context.Background(), prompts.ReplanInput{
			Plan:      plan,
			PastSteps: []serialize.StepExecution{{SeqNo: 0, Outcome: serialize.OutcomeCompleted}},
		})
		if err != nil {
			t.Fatalf("replan: %v", err)
		}
		if len(decision.Steps) != 1 || decision.Steps[0].Description != "second" {
			t.Fatalf("decision = %+v", decision)
		}
	})

	t.Run("finishes with last summary", func(t *testing.T) {
		t.Parallel()
		decision, err := FallbackPlanner{}.Replan(context.Background(), prompts.ReplanInput{
			Plan: plan,
			PastSteps: []serialize.StepExecution{
				{SeqNo: 0, Outcome: serialize.OutcomeCompleted, Summary: "found it"},
				{SeqNo: 1, Outcome: serialize.OutcomeCompleted, Summary: "sent it"},
			},
		})
		if err != nil {
			t.Fatalf("replan: %v", err)
		}
		if decision.Response != "sent it" {
			t.Errorf("response = %q, want last summary", decision.Response)
		}
	})

	t.Run("reports trailing failure", func(t *testing.T) {
		t.Parallel()
		decision, err := FallbackPlanner{}.Replan(context.Background(), prompts.ReplanInput{
			Plan: serialize.Plan{Steps: plan.Steps[:1]},
			PastSteps: []serialize.StepExecution{
				{SeqNo: 0, Outcome: serialize.OutcomeFailed, Error: "agent declined"},
			},
		})
		if err != nil {
			t.Fatalf("replan: %v", err)
		}
		if !strings.Contains(decision.Response, "agent declined") {
			t.Errorf("response = %q, want the failure surfaced", decision.Response)
		}
	})

	t.Run("nothing executed", func(t *testing.T) {
		t.Parallel()
		decision, err := FallbackPlanner{}.Replan(context.Background(), prompts.ReplanInput{})
		if err != nil {
			t.Fatalf("replan: %v", err)
		}
		if decision.Response == "" {
			t.Error("want a response for an empty workflow")
		}
	})
}
