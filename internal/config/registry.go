package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// AgentSeed declares an agent the registry should contact at boot. The card
// fetched from the endpoint is authoritative; Capabilities here are only a
// fallback used until the first successful fetch.
type AgentSeed struct {
	Name         string   `yaml:"name"`
	Endpoint     string   `yaml:"endpoint"`
	Capabilities []string `yaml:"capabilities,omitempty"`
}

// ExtractionRule binds a regular expression to an entity type and system.
// Rules are data: the extractor loads them from here, never from code.
type ExtractionRule struct {
	// Pattern matches candidate identifiers inside string leaves of agent
	// payloads. The first capture group, if any, is the entity ID;
	// otherwise the whole match is.
	Pattern string `yaml:"pattern"`
	// EntityType labels the resulting node, e.g. "account".
	EntityType string `yaml:"entity_type"`
	// EntitySystem identifies the system of record, e.g. "sf" or "jira".
	EntitySystem string `yaml:"entity_system"`
	// Confidence in [0,1] becomes the node's base relevance. Zero means
	// use the default.
	Confidence float64 `yaml:"confidence,omitempty"`
}

// PlannerConfig locates the remote planner. An empty endpoint selects the
// deterministic in-process fallback.
type PlannerConfig struct {
	Endpoint string `yaml:"endpoint,omitempty"`
}

// EmbeddingsConfig locates an OpenAI-compatible embeddings endpoint for the
// memory vectorizer. An empty endpoint disables the embedding retrieval term.
type EmbeddingsConfig struct {
	Endpoint  string `yaml:"endpoint,omitempty"`
	Model     string `yaml:"model,omitempty"`
	APIKeyEnv string `yaml:"api_key_env,omitempty"`
}

// Registry is the parsed registry file: agent seeds, extraction rules, the
// planner location, and the optional embeddings endpoint. The same file
// carries the observability block, which the observability package parses on
// its own.
type Registry struct {
	Agents     []AgentSeed      `yaml:"agents"`
	Extraction []ExtractionRule `yaml:"extraction_rules"`
	Planner    PlannerConfig    `yaml:"planner"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
}

// LoadRegistry parses the registry file. An empty path yields an empty
// registry so the orchestrator can run without remote agents (the fallback
// planner keeps it operable).
func LoadRegistry(path string) (*Registry, error) {
	if path == "" {
		return &Registry{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read registry file %s: %w", path, err)
	}

	var reg Registry
	if err := yaml.Unmarshal(data, &reg); err != nil {
		return nil, fmt.Errorf("failed to parse registry file %s: %w", path, err)
	}

	if err := reg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid registry file %s: %w", path, err)
	}
	return &reg, nil
}

// Validate checks seeds and rules for the mistakes that would otherwise
// surface deep inside the extractor or the health poller.
func (r *Registry) Validate() error {
	seen := map[string]bool{}
	for i, agent := range r.Agents {
		if agent.Name == "" {
			return fmt.Errorf("agent %d has no name", i)
		}
		if agent.Endpoint == "" {
			return fmt.Errorf("agent %q has no endpoint", agent.Name)
		}
		if seen[agent.Name] {
			return fmt.Errorf("agent %q declared twice", agent.Name)
		}
		seen[agent.Name] = true
	}
	for i, rule := range r.Extraction {
		if rule.Pattern == "" {
			return fmt.Errorf("extraction rule %d has no pattern", i)
		}
		if _, err := regexp.Compile(rule.Pattern); err != nil {
			return fmt.Errorf("extraction rule %d pattern does not compile: %w", i, err)
		}
		if rule.EntityType == "" || rule.EntitySystem == "" {
			return fmt.Errorf("extraction rule %d needs entity_type and entity_system", i)
		}
		if rule.Confidence < 0 || rule.Confidence > 1 {
			return fmt.Errorf("extraction rule %d confidence %f out of [0,1]", i, rule.Confidence)
		}
	}
	return nil
}
