// Package memory implements the per-user typed memory graph: ingest with
// entity deduplication, typed edges, decay-aware retrieval scoring, graph
// analytics (PageRank, modularity clusters, bridges), and persistence of
// domain entities across threads.
package memory

import (
	"encoding/json"
	"fmt"
	"time"

	"maestro/internal/utils/id"
)

// NodeKind classifies a memory node. DomainEntity nodes persist across
// threads for the same user; every other kind is scoped to the thread that
// produced it.
type NodeKind string

const (
	KindSearchResult     NodeKind = "SearchResult"
	KindUserSelection    NodeKind = "UserSelection"
	KindToolOutput       NodeKind = "ToolOutput"
	KindDomainEntity     NodeKind = "DomainEntity"
	KindCompletedAction  NodeKind = "CompletedAction"
	KindConversationFact NodeKind = "ConversationFact"
	KindTemporaryState   NodeKind = "TemporaryState"
)

// ValidKind reports whether k is one of the defined node kinds.
func ValidKind(k NodeKind) bool {
	switch k {
	case KindSearchResult, KindUserSelection, KindToolOutput, KindDomainEntity,
		KindCompletedAction, KindConversationFact, KindTemporaryState:
		return true
	}
	return false
}

// EdgeType classifies a directed edge.
type EdgeType string

const (
	EdgeLedTo       EdgeType = "LedTo"
	EdgeRelatesTo   EdgeType = "RelatesTo"
	EdgeDependsOn   EdgeType = "DependsOn"
	EdgeContradicts EdgeType = "Contradicts"
	EdgeRefines     EdgeType = "Refines"
	EdgeAnswers     EdgeType = "Answers"
)

// ValidEdgeType reports whether t is one of the defined edge types.
func ValidEdgeType(t EdgeType) bool {
	switch t {
	case EdgeLedTo, EdgeRelatesTo, EdgeDependsOn, EdgeContradicts, EdgeRefines, EdgeAnswers:
		return true
	}
	return false
}

// Node is one vertex of the memory graph. Content is structured JSON so
// repeated stores of the same entity can union-merge fields.
type Node struct {
	ID             string         `json:"id"`
	UserID         string         `json:"user_id"`
	ThreadID       string         `json:"thread_id,omitempty"`
	Kind           NodeKind       `json:"kind"`
	Content        map[string]any `json:"content,omitempty"`
	Summary        string         `json:"summary,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
	EntityID       string         `json:"entity_id,omitempty"`
	EntitySystem   string         `json:"entity_system,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	LastAccessedAt time.Time      `json:"last_accessed_at"`
	AccessCount    int            `json:"access_count"`
	BaseRelevance  float64        `json:"base_relevance"`
}

// Validate checks the fields the graph depends on.
func (n *Node) Validate() error {
	if n.UserID == "" {
		return fmt.Errorf("node user_id is required")
	}
	if !ValidKind(n.Kind) {
		return fmt.Errorf("unknown node kind %q", n.Kind)
	}
	if n.BaseRelevance < 0 || n.BaseRelevance > 1 {
		return fmt.Errorf("base_relevance %f out of [0,1]", n.BaseRelevance)
	}
	if (n.EntityID == "") != (n.EntitySystem == "") {
		return fmt.Errorf("entity_id and entity_system must be set together")
	}
	return nil
}

// HasDedupKey reports whether the node carries an entity identity.
func (n *Node) HasDedupKey() bool {
	return n.EntityID != "" && n.EntitySystem != ""
}

// ContentJSON marshals the node content for wire payloads.
func (n *Node) ContentJSON() json.RawMessage {
	if n.Content == nil {
		return json.RawMessage("{}")
	}
	raw, err := json.Marshal(n.Content)
	if err != nil {
		return json.RawMessage("{}")
	}
	return raw
}

// Edge is a directed typed edge with a strength in [0,1]. Edges die with
// their endpoints.
type Edge struct {
	From     string    `json:"from"`
	To       string    `json:"to"`
	Type     EdgeType  `json:"type"`
	Strength float64   `json:"strength"`
	AddedAt  time.Time `json:"added_at"`
}

// UnknownNodeError reports a relate call against a missing endpoint.
type UnknownNodeError struct {
	NodeID string
}

func (e *UnknownNodeError) Error() string {
	return fmt.Sprintf("unknown memory node %s", e.NodeID)
}

// newNodeID mints a UUIDv7 so node IDs order by creation time.
func newNodeID() string {
	return id.NewUUIDv7()
}
