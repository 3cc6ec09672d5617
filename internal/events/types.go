// Package events defines the typed observer events the engine and memory
// graph emit, and the in-process bus that fans them out to SSE and websocket
// subscribers with per-thread ordering and catch-up replay.
package events

import (
	"encoding/json"
	"time"

	"maestro/internal/serialize"
)

// Event kinds. These strings are the SSE `event:` field and are part of the
// public surface; renaming one breaks downstream UIs.
const (
	KindPlanCreated         = "plan.created"
	KindTaskStarted         = "task.started"
	KindTaskCompleted       = "task.completed"
	KindPlanUpdated         = "plan.updated"
	KindPlanReplanned       = "plan.replanned"
	KindMemoryNodeAdded     = "memory.node.added"
	KindMemoryEdgeAdded     = "memory.edge.added"
	KindMemoryGraphSnapshot = "memory.graph.snapshot"
	KindInterruptRaised     = "interrupt.raised"
	KindInterruptResumed    = "interrupt.resumed"
)

// Payload is one arm of the event union.
type Payload interface {
	Kind() string
}

// Envelope is the frame delivered to subscribers: server-side timestamp,
// per-thread monotonic sequence number, identity, and the typed payload.
// The kind travels out of band (SSE event field, websocket wrapper).
type Envelope struct {
	Kind     string  `json:"-"`
	TS       string  `json:"ts"`
	Seq      uint64  `json:"seq"`
	ThreadID string  `json:"threadID"`
	TaskID   string  `json:"taskID,omitempty"`
	Payload  Payload `json:"payload"`
}

// Data renders the SSE data line.
func (e Envelope) Data() ([]byte, error) {
	return json.Marshal(e)
}

// PlanCreated announces a freshly planned workflow.
type PlanCreated struct {
	TaskID string   `json:"taskID"`
	Steps  []string `json:"steps"`
}

func (PlanCreated) Kind() string { return KindPlanCreated }

// TaskStarted marks the beginning of one step. StepIndex is absolute across
// replans.
type TaskStarted struct {
	TaskID      string `json:"taskID"`
	StepIndex   int    `json:"stepIndex"`
	Description string `json:"description"`
}

func (TaskStarted) Kind() string { return KindTaskStarted }

// TaskCompleted marks the end of one step, whatever its outcome.
type TaskCompleted struct {
	TaskID    string `json:"taskID"`
	StepIndex int    `json:"stepIndex"`
	Summary   string `json:"summary,omitempty"`
	Outcome   string `json:"outcome"`
}

func (TaskCompleted) Kind() string { return KindTaskCompleted }

// PlanUpdated carries the full absolute-indexed progress view.
type PlanUpdated struct {
	Steps     []string `json:"steps"`
	Completed []int    `json:"completed"`
	Failed    []int    `json:"failed"`
	Current   *int     `json:"current"`
}

func (PlanUpdated) Kind() string { return KindPlanUpdated }

// PlanReplanned announces a plan change with a line diff against the
// previous remaining steps.
type PlanReplanned struct {
	NewPlan []string `json:"newPlan"`
	Diff    string   `json:"diff,omitempty"`
}

func (PlanReplanned) Kind() string { return KindPlanReplanned }

// NodeSnapshot is the full memory node as stored. Content must always be the
// complete payload; UIs render it directly and a summary-only snapshot is a
// regression.
type NodeSnapshot struct {
	ID             string          `json:"id"`
	UserID         string          `json:"userID"`
	NodeKind       string          `json:"kind"`
	Summary        string          `json:"summary,omitempty"`
	Tags           []string        `json:"tags,omitempty"`
	Content        json.RawMessage `json:"content"`
	EntityID       string          `json:"entityID,omitempty"`
	EntitySystem   string          `json:"entitySystem,omitempty"`
	CreatedAt      serialize.Time  `json:"createdAt"`
	LastAccessedAt serialize.Time  `json:"lastAccessedAt"`
	AccessCount    int             `json:"accessCount"`
	BaseRelevance  float64         `json:"baseRelevance"`
}

// MemoryNodeAdded announces an inserted or merged node.
type MemoryNodeAdded struct {
	Node   NodeSnapshot `json:"node"`
	Merged bool         `json:"merged"`
}

func (MemoryNodeAdded) Kind() string { return KindMemoryNodeAdded }

// MemoryEdgeAdded announces a new or strengthened edge.
type MemoryEdgeAdded struct {
	From     string  `json:"from"`
	To       string  `json:"to"`
	EdgeType string  `json:"type"`
	Strength float64 `json:"strength"`
}

func (MemoryEdgeAdded) Kind() string { return KindMemoryEdgeAdded }

// NodeSummary is the compact node view used in graph snapshots.
type NodeSummary struct {
	ID      string   `json:"id"`
	Kind    string   `json:"kind"`
	Summary string   `json:"summary,omitempty"`
	Tags    []string `json:"tags,omitempty"`
}

// EdgeSummary is the compact edge view used in graph snapshots.
type EdgeSummary struct {
	From     string  `json:"from"`
	To       string  `json:"to"`
	EdgeType string  `json:"type"`
	Strength float64 `json:"strength"`
}

// MemoryGraphSnapshot is a compact whole-graph view for UI bootstrap.
type MemoryGraphSnapshot struct {
	Nodes []NodeSummary `json:"nodes"`
	Edges []EdgeSummary `json:"edges"`
}

func (MemoryGraphSnapshot) Kind() string { return KindMemoryGraphSnapshot }

// InterruptRaised announces a suspended workflow.
type InterruptRaised struct {
	Type     string `json:"type"`
	Reason   string `json:"reason,omitempty"`
	Question string `json:"question,omitempty"`
}

func (InterruptRaised) Kind() string { return KindInterruptRaised }

// InterruptResumed echoes the resume command back to observers.
type InterruptResumed struct {
	Input       string `json:"input"`
	ForceReplan bool   `json:"forceReplan,omitempty"`
}

func (InterruptResumed) Kind() string { return KindInterruptResumed }

// Raw is a pre-encoded payload relayed from a streaming agent. The local bus
// re-stamps it with this thread's sequence and timestamp.
type Raw struct {
	K    string
	Data json.RawMessage
}

func (r Raw) Kind() string { return r.K }

// MarshalJSON emits the relayed bytes untouched.
func (r Raw) MarshalJSON() ([]byte, error) {
	if len(r.Data) == 0 {
		return []byte("null"), nil
	}
	return r.Data, nil
}

// KnownKind reports whether kind is one of the published event kinds.
func KnownKind(kind string) bool {
	switch kind {
	case KindPlanCreated, KindTaskStarted, KindTaskCompleted,
		KindPlanUpdated, KindPlanReplanned,
		KindMemoryNodeAdded, KindMemoryEdgeAdded, KindMemoryGraphSnapshot,
		KindInterruptRaised, KindInterruptResumed:
		return true
	}
	return false
}

// stamp renders the canonical server-side timestamp.
func stamp(t time.Time) string {
	return serialize.FormatTime(t)
}
