package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	maestroerrors "maestro/internal/errors"
	"maestro/internal/logging"
	"maestro/internal/prompts"
	"maestro/internal/serialize"
)

// JSON-RPC methods the remote planner serves.
const (
	MethodPlan   = "plan"
	MethodReplan = "replan"
)

// Decision is the planner's tagged output: either the steps to execute next
// or a final textual response. At most one arm is set; an empty plan arm is
// legal and sends the engine to the replanner.
type Decision struct {
	Steps    []serialize.Step
	Response string
}

// IsPlan reports whether the decision carries steps.
func (d Decision) IsPlan() bool { return len(d.Steps) > 0 }

// Planner produces and revises plans. Implementations render their own
// prompts from the structured inputs, so the deterministic fallback can
// ignore prompt text entirely.
type Planner interface {
	// Plan produces the initial step list for an objective.
	Plan(ctx context.Context, in prompts.PlanInput) (Decision, error)
	// Replan revises or finishes a workflow mid-flight.
	Replan(ctx context.Context, in prompts.ReplanInput) (Decision, error)
}

// Caller is the JSON-RPC slice the remote planner is reached over.
// *rpc.Client implements it.
type Caller interface {
	Call(ctx context.Context, endpoint, method string, params, result any) error
}

// RPCPlanner reaches a remote planner over JSON-RPC. The planner wraps a
// language model, so its result is treated as near-JSON: decoded strictly
// first, repaired and decoded again when that fails.
type RPCPlanner struct {
	caller   Caller
	endpoint string
	builder  *prompts.Builder
	logger   logging.Logger
	retry    maestroerrors.RetryConfig
}

// NewRPCPlanner builds the adapter for the planner at endpoint.
func NewRPCPlanner(caller Caller, endpoint string, builder *prompts.Builder, logger logging.Logger) *RPCPlanner {
	if builder == nil {
		builder = prompts.NewBuilder(0)
	}
	return &RPCPlanner{
		caller:   caller,
		endpoint: endpoint,
		builder:  builder,
		logger:   logging.OrNop(logger),
		retry:    maestroerrors.DefaultRetryConfig(),
	}
}

// plannerParams is the params shape of the plan and replan methods.
type plannerParams struct {
	Prompt string `json:"prompt"`
}

func (p *RPCPlanner) Plan(ctx context.Context, in prompts.PlanInput) (Decision, error) {
	return p.call(ctx, MethodPlan, p.builder.PlanPrompt(in))
}

func (p *RPCPlanner) Replan(ctx context.Context, in prompts.ReplanInput) (Decision, error) {
	return p.call(ctx, MethodReplan, p.builder.ReplanPrompt(in))
}

func (p *RPCPlanner) call(ctx context.Context, method, prompt string) (Decision, error) {
	var raw json.RawMessage
	err := maestroerrors.RetryWithLog(ctx, p.retry, func(ctx context.Context) error {
		raw = nil
		return p.caller.Call(ctx, p.endpoint, method, plannerParams{Prompt: prompt}, &raw)
	}, p.logger)
	if err != nil {
		return Decision{}, fmt.Errorf("%s call failed: %w", method, err)
	}
	decision, err := DecodeDecision(raw)
	if err != nil {
		p.logger.Warn("planner %s payload rejected: %v", method, err)
		return Decision{}, fmt.Errorf("%s returned an unusable payload: %w", method, err)
	}
	return decision, nil
}

// plannerWire is the decoded plan-or-response union. Plan is a pointer so an
// explicitly empty plan stays distinguishable from an absent one.
type plannerWire struct {
	Plan     *[]string `json:"plan"`
	Response string    `json:"response"`
}

// DecodeDecision parses a planner payload into the plan-or-response union.
// The payload may arrive as a JSON object or as a string carrying near-JSON
// model output; strings are unquoted and repaired before decoding.
func DecodeDecision(raw json.RawMessage) (Decision, error) {
	text := strings.TrimSpace(string(raw))
	if text == "" || text == "null" {
		return Decision{}, fmt.Errorf("empty payload")
	}
	if text[0] == '"' {
		var inner string
		if err := json.Unmarshal([]byte(text), &inner); err != nil {
			return Decision{}, fmt.Errorf("malformed string payload: %w", err)
		}
		text = strings.TrimSpace(inner)
	}

	var wire plannerWire
	if err := json.Unmarshal([]byte(text), &wire); err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(text)
		if repairErr != nil {
			return Decision{}, fmt.Errorf("payload is not JSON: %w", err)
		}
		if err := json.Unmarshal([]byte(repaired), &wire); err != nil {
			return Decision{}, fmt.Errorf("repaired payload still does not decode: %w", err)
		}
	}

	decision := Decision{Response: strings.TrimSpace(wire.Response)}
	if wire.Plan == nil && decision.Response == "" {
		return Decision{}, fmt.Errorf("payload carries neither plan nor response")
	}
	if wire.Plan != nil {
		if decision.Response != "" {
			return Decision{}, fmt.Errorf("payload carries both plan and response")
		}
		for _, step := range *wire.Plan {
			step = strings.TrimSpace(step)
			if step == "" {
				continue
			}
			decision.Steps = append(decision.Steps, serialize.Step{Description: step})
		}
	}
	return decision, nil
}

// FallbackPlanner is the deterministic in-process planner used when no
// planner endpoint is configured (and in tests). It turns the objective into
// a single step, honors plan modifications verbatim, and finishes with the
// last step summary, so the orchestrator stays operable end-to-end without a
// language model.
type FallbackPlanner struct{}

func (FallbackPlanner) Plan(_ context.Context, in prompts.PlanInput) (Decision, error) {
	objective := strings.TrimSpace(in.Objective)
	if objective == "" {
		return Decision{}, fmt.Errorf("nothing to plan")
	}
	return Decision{Steps: []serialize.Step{{Description: objective}}}, nil
}

func (FallbackPlanner) Replan(_ context.Context, in prompts.ReplanInput) (Decision, error) {
	if mod := strings.TrimSpace(in.ModificationRequest); mod != "" {
		return Decision{Steps: []serialize.Step{{Description: mod}}}, nil
	}
	if remaining := remainingAfter(in.Plan, in.PlanOffset, len(in.PastSteps)); len(remaining) > 0 {
		return Decision{Steps: remaining}, nil
	}
	if len(in.PastSteps) == 0 {
		return Decision{Response: "There is nothing to execute for this request."}, nil
	}
	last := in.PastSteps[len(in.PastSteps)-1]
	if last.Outcome == serialize.OutcomeFailed {
		return Decision{Response: fmt.Sprintf("Stopped after a failed step: %s", last.Error)}, nil
	}
	for i := len(in.PastSteps) - 1; i >= 0; i-- {
		if in.PastSteps[i].Outcome == serialize.OutcomeCompleted && in.PastSteps[i].Summary != "" {
			return Decision{Response: in.PastSteps[i].Summary}, nil
		}
	}
	return Decision{Response: fmt.Sprintf("Executed %d steps.", len(in.PastSteps))}, nil
}

// remainingAfter returns the plan steps not yet executed, by the same
// arithmetic WorkflowState uses.
func remainingAfter(plan serialize.Plan, planOffset, executed int) []serialize.Step {
	done := executed - planOffset
	if done < 0 {
		done = 0
	}
	if done >= len(plan.Steps) {
		return nil
	}
	return append([]serialize.Step(nil), plan.Steps[done:]...)
}
