package protocol

// Communication modes an agent can advertise.
const (
	ModeSync      = "sync"
	ModeStreaming = "streaming"
)

// AgentCard is the immutable description of a remote agent. Cards are
// registered at boot or on first contact and refreshed by health polling;
// a refresh replaces the whole card rather than mutating it.
type AgentCard struct {
	Name               string   `json:"name"`
	Description        string   `json:"description,omitempty"`
	Version            string   `json:"version"`
	Endpoint           string   `json:"endpoint"`
	Capabilities       []string `json:"capabilities"`
	CommunicationModes []string `json:"communication_modes,omitempty"`
}

// HasCapability reports whether the card advertises the given capability.
func (c *AgentCard) HasCapability(capability string) bool {
	for _, have := range c.Capabilities {
		if have == capability {
			return true
		}
	}
	return false
}

// SupportsStreaming reports whether the agent accepts SSE task streams.
func (c *AgentCard) SupportsStreaming() bool {
	for _, mode := range c.CommunicationModes {
		if mode == ModeStreaming {
			return true
		}
	}
	return false
}
