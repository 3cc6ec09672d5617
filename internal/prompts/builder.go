// Package prompts assembles the planner, executor, and replanner prompts
// from workflow state, registry cards, and memory retrievals. Templates are
// deterministic: the same inputs render the same string, so prompt changes
// show up in test diffs instead of production surprises.
package prompts

import (
	"fmt"
	"strings"

	"maestro/internal/config"
	"maestro/internal/memory"
	"maestro/internal/protocol"
	"maestro/internal/serialize"
)

// Rendering caps. Memories beyond these ranks are summarized or omitted.
const (
	plannerMemoryLimit = 8
	executeMemoryLimit = 6
	fullContentTopN    = 2
	clusterLimit       = 3
	clusterHeadlineLen = 3
)

// Builder renders prompts under a conversation token budget.
type Builder struct {
	budget int
}

// NewBuilder returns a builder trimming conversation windows to tokenBudget.
func NewBuilder(tokenBudget int) *Builder {
	if tokenBudget <= 0 {
		tokenBudget = config.DefaultTokenBudget
	}
	return &Builder{budget: tokenBudget}
}

// PlanInput feeds the initial planning prompt.
type PlanInput struct {
	// Objective is the user's original instruction.
	Objective string
	// Agents are the online cards from the registry, in registry order.
	Agents []protocol.AgentCard
	// Memories are the highest-ranked retrievals for the objective.
	Memories []memory.ScoredNode
	// Clusters are resolved topic clusters, largest first.
	Clusters [][]memory.Node
}

// PlanPrompt renders the planner instruction.
func (b *Builder) PlanPrompt(in PlanInput) string {
	var sb strings.Builder
	sb.WriteString("You plan work for a multi-agent orchestrator. ")
	sb.WriteString("Produce the shortest ordered list of imperative steps that fulfils the objective. ")
	sb.WriteString("Each step must be one action a single agent can carry out.\n\n")

	sb.WriteString("Objective:\n")
	sb.WriteString(in.Objective)
	sb.WriteString("\n\n")

	sb.WriteString("Available agents:\n")
	if len(in.Agents) == 0 {
		sb.WriteString("- none registered; plan only steps answerable from memory\n")
	}
	for _, card := range in.Agents {
		sb.WriteString(renderCard(card))
	}

	if len(in.Memories) > 0 {
		sb.WriteString("\nKnown context:\n")
		for i, hit := range in.Memories {
			if i >= plannerMemoryLimit {
				break
			}
			sb.WriteString(renderMemoryLine(hit.Node))
		}
	}
	if headlines := clusterHeadlines(in.Clusters); len(headlines) > 0 {
		sb.WriteString("\nRelated topics:\n")
		for _, h := range headlines {
			sb.WriteString("- " + h + "\n")
		}
	}

	sb.WriteString("\nRespond with JSON only: {\"plan\": [\"first step\", \"second step\"]}\n")
	return sb.String()
}

// ExecuteInput feeds the per-step agent task prompt.
type ExecuteInput struct {
	Objective  string
	Step       serialize.Step
	StepIndex  int
	TotalSteps int
	// Previous is the last executed step, if any.
	Previous *serialize.StepExecution
	// Memories are the retrievals for this step, ranked. The top entries
	// carry full content; the rest summaries.
	Memories []memory.ScoredNode
	// Messages is the conversation window; it is trimmed to the budget.
	Messages []serialize.Message
}

// ExecutePrompt renders the task instruction handed to a domain agent.
func (b *Builder) ExecutePrompt(in ExecuteInput) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Objective: %s\n\n", in.Objective)
	fmt.Fprintf(&sb, "Current step (%d of %d):\n%s\n", in.StepIndex+1, in.TotalSteps, in.Step.Description)
	if in.Step.HintedAgent != "" {
		fmt.Fprintf(&sb, "Suggested agent: %s\n", in.Step.HintedAgent)
	}
	if in.Step.HintedTool != "" {
		fmt.Fprintf(&sb, "Suggested tool: %s\n", in.Step.HintedTool)
	}

	if in.Previous != nil {
		fmt.Fprintf(&sb, "\nPrevious step (%d) %s: %s\n", in.Previous.SeqNo+1, in.Previous.Outcome, previousSummary(in.Previous))
	}

	if len(in.Memories) > 0 {
		sb.WriteString("\nRelevant context:\n")
		for i, hit := range in.Memories {
			if i >= executeMemoryLimit {
				break
			}
			sb.WriteString(renderMemoryLine(hit.Node))
			if i < fullContentTopN {
				sb.WriteString("  " + string(hit.Node.ContentJSON()) + "\n")
			}
		}
	}

	if window := TrimMessages(in.Messages, b.budget); len(window) > 0 {
		sb.WriteString("\nConversation:\n")
		for _, msg := range window {
			sb.WriteString(renderMessage(msg))
		}
	}

	sb.WriteString("\nCarry out the current step and report the outcome.\n")
	return sb.String()
}

// ReplanInput feeds the continue-or-finish decision prompt.
type ReplanInput struct {
	Objective  string
	Plan       serialize.Plan
	PlanOffset int
	PastSteps  []serialize.StepExecution
	// ModificationRequest carries the user's mid-flight change, if any.
	ModificationRequest string
}

// ReplanPrompt renders the replanner instruction.
func (b *Builder) ReplanPrompt(in ReplanInput) string {
	var sb strings.Builder
	sb.WriteString("You review the progress of a multi-agent workflow. ")
	sb.WriteString("Decide whether the objective is fulfilled.\n\n")

	fmt.Fprintf(&sb, "Objective:\n%s\n", in.Objective)

	if len(in.PastSteps) > 0 {
		sb.WriteString("\nCompleted steps:\n")
		for _, step := range in.PastSteps {
			fmt.Fprintf(&sb, "%d. [%s] %s", step.SeqNo+1, step.Outcome, step.Description)
			if step.Summary != "" {
				fmt.Fprintf(&sb, " -> %s", step.Summary)
			}
			if step.Error != "" {
				fmt.Fprintf(&sb, " (error: %s)", step.Error)
			}
			sb.WriteString("\n")
		}
	}

	done := len(in.PastSteps) - in.PlanOffset
	if done < 0 {
		done = 0
	}
	if done < len(in.Plan.Steps) {
		sb.WriteString("\nRemaining steps:\n")
		for i, step := range in.Plan.Steps[done:] {
			fmt.Fprintf(&sb, "%d. %s\n", in.PlanOffset+done+i+1, step.Description)
		}
	}

	if in.ModificationRequest != "" {
		fmt.Fprintf(&sb, "\nThe user asked to change course:\n%s\n", in.ModificationRequest)
	}

	sb.WriteString("\nRespond with JSON only. Either {\"plan\": [\"remaining steps\"]} to continue")
	sb.WriteString(" or {\"response\": \"final answer for the user\"} to finish.\n")
	return sb.String()
}

func renderCard(card protocol.AgentCard) string {
	line := "- " + card.Name
	if card.Description != "" {
		line += ": " + card.Description
	}
	if len(card.Capabilities) > 0 {
		line += " (capabilities: " + strings.Join(card.Capabilities, ", ") + ")"
	}
	return line + "\n"
}

func renderMemoryLine(n memory.Node) string {
	line := fmt.Sprintf("- [%s] %s", n.Kind, n.Summary)
	if n.Summary == "" {
		line = fmt.Sprintf("- [%s] %s", n.Kind, string(n.ContentJSON()))
	}
	if len(n.Tags) > 0 {
		line += " (tags: " + strings.Join(n.Tags, ", ") + ")"
	}
	return line + "\n"
}

func renderMessage(msg serialize.Message) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %s\n", msg.Role, msg.Content)
	for _, call := range msg.ToolCalls {
		fmt.Fprintf(&sb, "%s called %s(%s)\n", msg.Role, call.Name, call.Arguments)
	}
	return sb.String()
}

func previousSummary(step *serialize.StepExecution) string {
	if step.Summary != "" {
		return step.Summary
	}
	if step.Error != "" {
		return step.Error
	}
	return step.Description
}

// clusterHeadlines renders one line per topic cluster from its first few
// node summaries.
func clusterHeadlines(clusters [][]memory.Node) []string {
	var headlines []string
	for i, cluster := range clusters {
		if i >= clusterLimit {
			break
		}
		var parts []string
		for _, n := range cluster {
			if len(parts) >= clusterHeadlineLen {
				break
			}
			if n.Summary == "" {
				continue
			}
			parts = append(parts, n.Summary)
		}
		if len(parts) > 0 {
			headlines = append(headlines, strings.Join(parts, "; "))
		}
	}
	return headlines
}
