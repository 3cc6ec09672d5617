// Package extract turns agent response payloads into DomainEntity
// candidates using data-driven regex rules.
package extract

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"maestro/internal/config"
	"maestro/internal/logging"
	"maestro/internal/memory"
)

// Extractor produces DomainEntity candidates from an agent payload.
// Implementations must be safe for concurrent use.
type Extractor interface {
	Extract(userID string, payload json.RawMessage) []memory.Node
}

// maxLeafExcerpt bounds the matched-leaf excerpt kept in node content.
const maxLeafExcerpt = 256

type rule struct {
	re           *regexp.Regexp
	entityType   string
	entitySystem string
	confidence   float64
}

// RuleExtractor applies configured regex rules to every string leaf of a
// JSON payload. Rules come from the registry file, never from code.
type RuleExtractor struct {
	logger logging.Logger
	rules  []rule
}

// NewRuleExtractor compiles the configured rules. Invalid patterns fail here
// rather than silently matching nothing at runtime.
func NewRuleExtractor(rules []config.ExtractionRule, logger logging.Logger) (*RuleExtractor, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	compiled := make([]rule, 0, len(rules))
	for i, rc := range rules {
		if rc.EntitySystem == "" {
			return nil, fmt.Errorf("extraction rule %d: entity_system is required", i)
		}
		if rc.Confidence < 0 || rc.Confidence > 1 {
			return nil, fmt.Errorf("extraction rule %d (%s): confidence %v out of [0,1]", i, rc.EntitySystem, rc.Confidence)
		}
		re, err := regexp.Compile(rc.Pattern)
		if err != nil {
			return nil, fmt.Errorf("extraction rule %d (%s): %w", i, rc.EntitySystem, err)
		}
		compiled = append(compiled, rule{
			re:           re,
			entityType:   rc.EntityType,
			entitySystem: rc.EntitySystem,
			confidence:   rc.Confidence,
		})
	}
	return &RuleExtractor{logger: logger, rules: compiled}, nil
}

type identity struct {
	id     string
	system string
}

// Extract walks the payload's string leaves, applies every rule, and returns
// candidates deduplicated by (entityID, entitySystem). A payload that is not
// valid JSON is treated as a single text leaf.
func (e *RuleExtractor) Extract(userID string, payload json.RawMessage) []memory.Node {
	if len(e.rules) == 0 || len(payload) == 0 {
		return nil
	}

	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		doc = string(payload)
	}

	seen := make(map[identity]bool)
	var nodes []memory.Node
	walkLeaves(doc, "$", func(path, leaf string) {
		for _, r := range e.rules {
			for _, m := range r.re.FindAllStringSubmatch(leaf, -1) {
				id := m[0]
				if len(m) > 1 && m[1] != "" {
					id = m[1]
				}
				key := identity{id: id, system: r.entitySystem}
				if seen[key] {
					continue
				}
				seen[key] = true
				nodes = append(nodes, r.candidate(userID, id, path, leaf))
			}
		}
	})
	if len(nodes) > 0 {
		e.logger.Debug("extracted %d entity candidates for user %s", len(nodes), userID)
	}
	return nodes
}

func (r rule) candidate(userID, id, path, leaf string) memory.Node {
	if len(leaf) > maxLeafExcerpt {
		leaf = leaf[:maxLeafExcerpt]
	}
	tags := []string{r.entitySystem}
	if r.entityType != "" {
		tags = append(tags, r.entityType)
	}
	return memory.Node{
		UserID:       userID,
		Kind:         memory.KindDomainEntity,
		EntityID:     id,
		EntitySystem: r.entitySystem,
		Summary:      strings.TrimSpace(r.entityType + " " + id),
		Tags:         tags,
		Content: map[string]any{
			"entity_type": r.entityType,
			"source_path": path,
			"matched_in":  leaf,
		},
		BaseRelevance: r.confidence,
	}
}

// walkLeaves visits every string leaf with its JSON path. Object keys are
// visited in sorted order so candidate order is deterministic.
func walkLeaves(doc any, path string, visit func(path, leaf string)) {
	switch v := doc.(type) {
	case string:
		visit(path, v)
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			walkLeaves(v[k], path+"."+k, visit)
		}
	case []any:
		for i, item := range v {
			walkLeaves(item, fmt.Sprintf("%s[%d]", path, i), visit)
		}
	}
}
