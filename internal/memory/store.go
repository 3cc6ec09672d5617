package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"maestro/internal/checkpoint"
	"maestro/internal/events"
	"maestro/internal/logging"
	"maestro/internal/observability"
	"maestro/internal/serialize"
)

// gcEvery is how many stores pass between opportunistic decay sweeps.
const gcEvery = 25

// EventPublisher receives memory events. *events.Bus satisfies it.
type EventPublisher interface {
	Publish(threadID, taskID string, payload events.Payload) events.Envelope
}

// StoreOption configures the Store.
type StoreOption func(*Store)

// WithBus publishes node/edge events to the observer bus.
func WithBus(bus EventPublisher) StoreOption {
	return func(s *Store) { s.bus = bus }
}

// WithVectorizer enables the embedding retrieval term.
func WithVectorizer(v Vectorizer) StoreOption {
	return func(s *Store) { s.vectorizer = v }
}

// WithEntityPersistence keeps DomainEntity nodes durable across threads.
func WithEntityPersistence(p EntityPersistence) StoreOption {
	return func(s *Store) { s.entities = p }
}

// WithCheckpoints enables per-thread graph snapshots.
func WithCheckpoints(cp checkpoint.Store) StoreOption {
	return func(s *Store) { s.checkpoints = cp }
}

// WithStoreLogger sets the logger.
func WithStoreLogger(logger logging.Logger) StoreOption {
	return func(s *Store) { s.logger = logger }
}

// WithMetrics records node ingest counters.
func WithMetrics(m *observability.MetricsCollector) StoreOption {
	return func(s *Store) { s.metrics = m }
}

// Store owns every user's memory graph and wires mutations to events,
// vector indexing, entity persistence, and the opportunistic decay sweep.
// Writes are serialized per user by each graph's lock.
type Store struct {
	logger      logging.Logger
	bus         EventPublisher
	vectorizer  Vectorizer
	entities    EntityPersistence
	checkpoints checkpoint.Store
	metrics     *observability.MetricsCollector

	mu            sync.Mutex
	graphs        map[string]*Graph
	storesSinceGC map[string]int
	hydrated      map[string]bool
}

// NewStore builds an empty memory store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		logger:        logging.Nop(),
		graphs:        make(map[string]*Graph),
		storesSinceGC: make(map[string]int),
		hydrated:      make(map[string]bool),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// graph returns the user's graph, bootstrapping persisted entities into a
// fresh one.
func (s *Store) graph(ctx context.Context, userID string) *Graph {
	s.mu.Lock()
	if g, ok := s.graphs[userID]; ok {
		s.mu.Unlock()
		return g
	}
	g := NewGraph(userID)
	s.graphs[userID] = g
	s.mu.Unlock()

	if s.entities != nil {
		nodes, err := s.entities.LoadEntities(ctx, userID)
		if err != nil {
			s.logger.Warn("loading persisted entities for %s: %v", userID, err)
			return g
		}
		for _, node := range nodes {
			if _, _, err := g.Ingest(node); err != nil {
				s.logger.Warn("restoring entity %s: %v", node.ID, err)
			}
		}
		edges, err := s.entities.LoadRelations(ctx, userID)
		if err != nil {
			s.logger.Warn("loading persisted relations for %s: %v", userID, err)
		}
		for _, edge := range edges {
			if g.HasEdge(edge.From, edge.To, edge.Type) {
				continue
			}
			if _, _, err := g.Relate(edge.From, edge.To, edge.Type, edge.Strength); err != nil {
				s.logger.Warn("restoring relation %s->%s: %v", edge.From, edge.To, err)
			}
		}
		if len(nodes) > 0 {
			s.logger.Info("restored %d entities and %d relations for user %s", len(nodes), len(edges), userID)
		}
	}
	return g
}

// Ingest stores a node into the user's graph, publishes MemoryNodeAdded with
// the full content, indexes the vector document, persists DomainEntity
// nodes, and occasionally runs the decay sweep.
func (s *Store) Ingest(ctx context.Context, threadID, taskID string, node Node) (Node, bool, error) {
	if node.ThreadID == "" && node.Kind != KindDomainEntity {
		node.ThreadID = threadID
	}
	g := s.graph(ctx, node.UserID)
	stored, merged, err := g.Ingest(node)
	if err != nil {
		return Node{}, false, err
	}

	if s.bus != nil {
		s.bus.Publish(threadID, taskID, events.MemoryNodeAdded{
			Node:   snapshotNode(stored),
			Merged: merged,
		})
	}
	if s.metrics != nil {
		s.metrics.RecordMemoryNode(ctx, string(stored.Kind), merged)
	}
	if s.vectorizer != nil {
		if err := s.vectorizer.Index(ctx, stored); err != nil {
			s.logger.Warn("vector index for node %s: %v", stored.ID, err)
		}
	}
	if stored.Kind == KindDomainEntity && s.entities != nil {
		if err := s.entities.UpsertEntity(ctx, stored); err != nil {
			s.logger.Warn("persisting entity %s: %v", stored.ID, err)
		}
	}

	s.maybeGC(ctx, stored.UserID, g)
	return stored, merged, nil
}

// Relate adds or strengthens an edge and publishes MemoryEdgeAdded. Edges
// between two persistent entities are the only ones that can outlive their
// thread, so those also land in the durable relation store.
func (s *Store) Relate(ctx context.Context, threadID, taskID, userID, from, to string, edgeType EdgeType, strength float64) (Edge, error) {
	g := s.graph(ctx, userID)
	edge, _, err := g.Relate(from, to, edgeType, strength)
	if err != nil {
		return Edge{}, err
	}
	if s.bus != nil {
		s.bus.Publish(threadID, taskID, events.MemoryEdgeAdded{
			From:     edge.From,
			To:       edge.To,
			EdgeType: string(edge.Type),
			Strength: edge.Strength,
		})
	}
	if s.entities != nil && s.isDurableEdge(g, edge) {
		if err := s.entities.UpsertRelation(ctx, userID, edge); err != nil {
			s.logger.Warn("persisting relation %s->%s: %v", edge.From, edge.To, err)
		}
	}
	return edge, nil
}

func (s *Store) isDurableEdge(g *Graph, edge Edge) bool {
	from, ok := g.Get(edge.From)
	if !ok || from.Kind != KindDomainEntity {
		return false
	}
	to, ok := g.Get(edge.To)
	return ok && to.Kind == KindDomainEntity
}

// Retrieve ranks the user's visible nodes for a query. Vectorizer failures
// degrade to tag-weighted scoring instead of failing the retrieval.
func (s *Store) Retrieve(ctx context.Context, userID string, q Query) []ScoredNode {
	g := s.graph(ctx, userID)

	var vecScores map[string]float64
	if s.vectorizer != nil && q.Text != "" {
		limit := q.Limit
		if limit <= 0 {
			limit = DefaultRetrieveLimit
		}
		scores, err := s.vectorizer.Scores(ctx, userID, q.Text, limit*4)
		if err != nil {
			s.logger.Warn("vector scores for %s: %v", userID, err)
		} else {
			vecScores = scores
		}
	}
	return g.Retrieve(q, vecScores)
}

// Node returns one node by ID.
func (s *Store) Node(ctx context.Context, userID, nodeID string) (Node, bool) {
	return s.graph(ctx, userID).Get(nodeID)
}

// NodeByEntity returns the node holding an entity identity.
func (s *Store) NodeByEntity(ctx context.Context, userID, entityID, entitySystem string) (Node, bool) {
	return s.graph(ctx, userID).GetByEntity(entityID, entitySystem)
}

// TopicClusters returns Louvain clusters of node IDs, largest first.
func (s *Store) TopicClusters(ctx context.Context, userID string) [][]string {
	return s.graph(ctx, userID).TopicClusters()
}

// Bridges returns the highest-betweenness node IDs.
func (s *Store) Bridges(ctx context.Context, userID string, limit int) []string {
	return s.graph(ctx, userID).Bridges(limit)
}

// GraphSnapshot builds the compact whole-graph event payload for UI
// bootstrap.
func (s *Store) GraphSnapshot(ctx context.Context, userID string) events.MemoryGraphSnapshot {
	g := s.graph(ctx, userID)
	nodes := g.Nodes()
	edges := g.Edges()

	snap := events.MemoryGraphSnapshot{
		Nodes: make([]events.NodeSummary, 0, len(nodes)),
		Edges: make([]events.EdgeSummary, 0, len(edges)),
	}
	for _, n := range nodes {
		snap.Nodes = append(snap.Nodes, events.NodeSummary{
			ID:      n.ID,
			Kind:    string(n.Kind),
			Summary: n.Summary,
			Tags:    n.Tags,
		})
	}
	for _, e := range edges {
		snap.Edges = append(snap.Edges, events.EdgeSummary{
			From:     e.From,
			To:       e.To,
			EdgeType: string(e.Type),
			Strength: e.Strength,
		})
	}
	return snap
}

// PublishSnapshot emits the compact graph snapshot on the bus.
func (s *Store) PublishSnapshot(ctx context.Context, threadID, taskID, userID string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(threadID, taskID, s.GraphSnapshot(ctx, userID))
}

// graphState is the serialized form of a graph for checkpoints.
type graphState struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// SaveGraph checkpoints the user's whole graph under the memory namespace.
func (s *Store) SaveGraph(ctx context.Context, userID string) error {
	if s.checkpoints == nil {
		return nil
	}
	g := s.graph(ctx, userID)
	state := graphState{Nodes: g.Nodes(), Edges: g.Edges()}
	blob, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal memory state: %w", err)
	}
	return s.checkpoints.Put(ctx, checkpoint.MemoryNamespace(userID), checkpoint.GraphKey(), blob)
}

// LoadGraph restores the user's checkpointed graph, once. Live nodes win on
// ID collision and existing edges keep their strength, so re-running a load
// never skews a graph that already has newer state. A missing snapshot is
// not an error.
func (s *Store) LoadGraph(ctx context.Context, userID string) error {
	if s.checkpoints == nil {
		return nil
	}
	s.mu.Lock()
	done := s.hydrated[userID]
	s.mu.Unlock()
	if done {
		return nil
	}

	blob, err := s.checkpoints.Get(ctx, checkpoint.MemoryNamespace(userID), checkpoint.GraphKey())
	if errors.Is(err, checkpoint.ErrNotFound) {
		s.markHydrated(userID)
		return nil
	}
	if err != nil {
		return err
	}
	var state graphState
	if err := json.Unmarshal(blob, &state); err != nil {
		return fmt.Errorf("parse memory state: %w", err)
	}

	g := s.graph(ctx, userID)
	for _, node := range state.Nodes {
		if _, ok := g.Get(node.ID); ok {
			continue
		}
		if _, _, err := g.Ingest(node); err != nil {
			s.logger.Warn("restoring node %s: %v", node.ID, err)
		}
	}
	for _, edge := range state.Edges {
		if g.HasEdge(edge.From, edge.To, edge.Type) {
			continue
		}
		if _, _, err := g.Relate(edge.From, edge.To, edge.Type, edge.Strength); err != nil {
			s.logger.Warn("restoring edge %s->%s: %v", edge.From, edge.To, err)
		}
	}
	s.markHydrated(userID)
	return nil
}

func (s *Store) markHydrated(userID string) {
	s.mu.Lock()
	s.hydrated[userID] = true
	s.mu.Unlock()
}

// maybeGC runs the decay sweep every gcEvery stores for a user.
func (s *Store) maybeGC(ctx context.Context, userID string, g *Graph) {
	s.mu.Lock()
	s.storesSinceGC[userID]++
	due := s.storesSinceGC[userID] >= gcEvery
	if due {
		s.storesSinceGC[userID] = 0
	}
	s.mu.Unlock()
	if !due {
		return
	}

	removed := g.GC()
	if len(removed) == 0 {
		return
	}
	s.logger.Info("memory sweep removed %d nodes for user %s", len(removed), userID)
	if s.vectorizer != nil {
		if err := s.vectorizer.Remove(ctx, userID, removed); err != nil {
			s.logger.Warn("vector cleanup for %s: %v", userID, err)
		}
	}
}

// snapshotNode converts a node into the full-content event payload.
func snapshotNode(n Node) events.NodeSnapshot {
	return events.NodeSnapshot{
		ID:             n.ID,
		UserID:         n.UserID,
		NodeKind:       string(n.Kind),
		Summary:        n.Summary,
		Tags:           n.Tags,
		Content:        n.ContentJSON(),
		EntityID:       n.EntityID,
		EntitySystem:   n.EntitySystem,
		CreatedAt:      serialize.At(n.CreatedAt),
		LastAccessedAt: serialize.At(n.LastAccessedAt),
		AccessCount:    n.AccessCount,
		BaseRelevance:  n.BaseRelevance,
	}
}
