package prompts

import (
	"maestro/internal/serialize"
	"maestro/internal/token"
)

// messageOverhead approximates the per-message framing cost.
const messageOverhead = 4

// TrimMessages keeps the leading system messages plus the newest suffix of
// the conversation that fits the token budget. A tool result only survives
// together with the assistant message that issued the call: when the window
// boundary would split a pair, the orphaned results are dropped too.
func TrimMessages(messages []serialize.Message, budget int) []serialize.Message {
	if budget <= 0 || len(messages) == 0 {
		return messages
	}

	system := 0
	for system < len(messages) && messages[system].Role == serialize.RoleSystem {
		system++
	}
	head := messages[:system]
	tail := messages[system:]

	spent := 0
	for i := range head {
		spent += messageCost(&head[i])
	}
	if len(tail) == 0 {
		return messages
	}

	// Widest suffix of the tail that fits, always keeping the newest turn.
	start := len(tail)
	for start > 0 {
		cost := messageCost(&tail[start-1])
		if start < len(tail) && spent+cost > budget {
			break
		}
		spent += cost
		start--
	}

	// The window must not open on a tool result whose call fell outside.
	for start < len(tail) && tail[start].Role == serialize.RoleTool {
		start++
	}
	if start == len(tail) {
		// Nothing but orphaned results fit; fall back to the newest turn.
		start = len(tail) - 1
	}

	if system == 0 && start == 0 {
		return messages
	}
	out := make([]serialize.Message, 0, system+len(tail)-start)
	out = append(out, head...)
	out = append(out, tail[start:]...)
	return out
}

// messageCost estimates the tokens a message contributes to the window.
func messageCost(msg *serialize.Message) int {
	cost := messageOverhead + token.Count(msg.Content)
	for _, call := range msg.ToolCalls {
		cost += token.Count(call.Name) + token.Count(call.Arguments)
	}
	return cost
}
