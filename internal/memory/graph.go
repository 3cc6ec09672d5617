package memory

import (
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"
)

// Decay and scoring constants.
const (
	// DecayPerHour is subtracted from base relevance per hour of node age.
	DecayPerHour = 0.01
	// MinRelevance floors the decayed relevance term and is the GC threshold.
	MinRelevance = 0.05
	// recencyBoostWeight scales the last-access recency boost.
	recencyBoostWeight = 0.1
	// recencyHalfLifeHours controls how fast the recency boost fades.
	recencyHalfLifeHours = 24.0

	// defaultBaseRelevance is assigned when a stored node carries none.
	defaultBaseRelevance = 0.5
)

type dedupKey struct {
	entityID     string
	entitySystem string
}

// Graph is one user's memory graph. Writes are serialized by the mutex;
// retrieval takes the read lock only.
type Graph struct {
	userID string
	now    func() time.Time

	mu    sync.RWMutex
	nodes map[string]*Node
	dedup map[dedupKey]string
	out   map[string]map[string]map[EdgeType]*Edge
	in    map[string]map[string]map[EdgeType]*Edge

	analytics analyticsCache
}

// NewGraph builds an empty graph for one user.
func NewGraph(userID string) *Graph {
	return &Graph{
		userID: userID,
		now:    time.Now,
		nodes:  make(map[string]*Node),
		dedup:  make(map[dedupKey]string),
		out:    make(map[string]map[string]map[EdgeType]*Edge),
		in:     make(map[string]map[string]map[EdgeType]*Edge),
	}
}

// withClock pins the graph clock for tests.
func (g *Graph) withClock(now func() time.Time) *Graph {
	g.now = now
	return g
}

// Ingest stores a node. When the node carries an entity identity that
// already exists for this user, the contents merge: dictionaries deep-merge,
// arrays union, accessCount and lastAccessedAt advance. The stored node is
// returned along with whether it was a merge.
func (g *Graph) Ingest(node Node) (Node, bool, error) {
	if node.UserID == "" {
		node.UserID = g.userID
	}
	if node.UserID != g.userID {
		return Node{}, false, fmt.Errorf("node user %q does not belong to graph user %q", node.UserID, g.userID)
	}
	if err := node.Validate(); err != nil {
		return Node{}, false, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if node.HasDedupKey() {
		key := dedupKey{node.EntityID, node.EntitySystem}
		if existingID, ok := g.dedup[key]; ok {
			existing := g.nodes[existingID]
			existing.Content = mergeContent(existing.Content, node.Content)
			existing.Tags = unionStrings(existing.Tags, node.Tags)
			if node.Summary != "" {
				existing.Summary = node.Summary
			}
			if node.BaseRelevance > existing.BaseRelevance {
				existing.BaseRelevance = node.BaseRelevance
			}
			existing.AccessCount++
			existing.LastAccessedAt = now
			g.analytics.invalidate()
			return *existing, true, nil
		}
	}

	if node.ID == "" {
		node.ID = newNodeID()
	}
	if _, exists := g.nodes[node.ID]; exists {
		return Node{}, false, fmt.Errorf("node %s already exists", node.ID)
	}
	if node.CreatedAt.IsZero() {
		node.CreatedAt = now
	}
	if node.LastAccessedAt.IsZero() {
		node.LastAccessedAt = node.CreatedAt
	}
	if node.AccessCount == 0 {
		node.AccessCount = 1
	}
	if node.BaseRelevance == 0 {
		node.BaseRelevance = defaultBaseRelevance
	}

	stored := node
	g.nodes[stored.ID] = &stored
	if stored.HasDedupKey() {
		g.dedup[dedupKey{stored.EntityID, stored.EntitySystem}] = stored.ID
	}
	g.analytics.invalidate()
	return stored, false, nil
}

// Relate adds a directed typed edge. A second call for the same
// (from, to, type) strengthens the edge by half the remaining headroom
// instead of duplicating it.
func (g *Graph) Relate(from, to string, edgeType EdgeType, strength float64) (Edge, bool, error) {
	if from == to {
		return Edge{}, false, fmt.Errorf("self loops are forbidden: %s", from)
	}
	if !ValidEdgeType(edgeType) {
		return Edge{}, false, fmt.Errorf("unknown edge type %q", edgeType)
	}
	strength = clamp01(strength)

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.nodes[from]; !ok {
		return Edge{}, false, &UnknownNodeError{NodeID: from}
	}
	if _, ok := g.nodes[to]; !ok {
		return Edge{}, false, &UnknownNodeError{NodeID: to}
	}

	if existing, ok := g.edge(from, to, edgeType); ok {
		existing.Strength = existing.Strength + (1-existing.Strength)/2
		g.analytics.invalidate()
		return *existing, false, nil
	}

	edge := &Edge{From: from, To: to, Type: edgeType, Strength: strength, AddedAt: g.now()}
	if g.out[from] == nil {
		g.out[from] = make(map[string]map[EdgeType]*Edge)
	}
	if g.out[from][to] == nil {
		g.out[from][to] = make(map[EdgeType]*Edge)
	}
	g.out[from][to][edgeType] = edge
	if g.in[to] == nil {
		g.in[to] = make(map[string]map[EdgeType]*Edge)
	}
	if g.in[to][from] == nil {
		g.in[to][from] = make(map[EdgeType]*Edge)
	}
	g.in[to][from][edgeType] = edge
	g.analytics.invalidate()
	return *edge, true, nil
}

// HasEdge reports whether from already links to to with this type.
func (g *Graph) HasEdge(from, to string, edgeType EdgeType) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.edge(from, to, edgeType)
	return ok
}

// edge looks up an edge under the graph lock.
func (g *Graph) edge(from, to string, edgeType EdgeType) (*Edge, bool) {
	if byTo, ok := g.out[from]; ok {
		if byType, ok := byTo[to]; ok {
			if e, ok := byType[edgeType]; ok {
				return e, true
			}
		}
	}
	return nil, false
}

// Get returns a copy of the node.
func (g *Graph) Get(nodeID string) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	node, ok := g.nodes[nodeID]
	if !ok {
		return Node{}, false
	}
	return *node, true
}

// GetByEntity returns the node holding an entity identity.
func (g *Graph) GetByEntity(entityID, entitySystem string) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	nodeID, ok := g.dedup[dedupKey{entityID, entitySystem}]
	if !ok {
		return Node{}, false
	}
	return *g.nodes[nodeID], true
}

// Nodes returns copies of all nodes, unordered.
func (g *Graph) Nodes() []Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	nodes := make([]Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		nodes = append(nodes, *n)
	}
	return nodes
}

// Edges returns copies of all edges, unordered.
func (g *Graph) Edges() []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.edgesLocked()
}

func (g *Graph) edgesLocked() []Edge {
	var edges []Edge
	for _, byTo := range g.out {
		for _, byType := range byTo {
			for _, e := range byType {
				edges = append(edges, *e)
			}
		}
	}
	return edges
}

// Len reports the node count.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// DecayedRelevance computes the floored decay term used for scoring.
func DecayedRelevance(n *Node, at time.Time) float64 {
	ageHours := at.Sub(n.CreatedAt).Hours()
	decayed := math.Max(MinRelevance, n.BaseRelevance-ageHours*DecayPerHour)
	return math.Min(1, decayed+recencyBoost(n.LastAccessedAt, at))
}

// rawRelevance is the unfloored decay value the GC sweep tests against
// MinRelevance. Flooring it first would make the sweep a no-op.
func rawRelevance(n *Node, at time.Time) float64 {
	ageHours := at.Sub(n.CreatedAt).Hours()
	return n.BaseRelevance - ageHours*DecayPerHour + recencyBoost(n.LastAccessedAt, at)
}

func recencyBoost(lastAccess, at time.Time) float64 {
	if lastAccess.IsZero() {
		return 0
	}
	hours := at.Sub(lastAccess).Hours()
	if hours < 0 {
		hours = 0
	}
	return recencyBoostWeight * math.Exp(-hours/recencyHalfLifeHours)
}

// GC removes nodes whose unfloored decayed relevance fell below MinRelevance.
// DomainEntity nodes never expire. Edges die with their endpoints. It returns
// the removed node IDs.
func (g *Graph) GC() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	at := g.now()
	var removed []string
	for nodeID, node := range g.nodes {
		if node.Kind == KindDomainEntity {
			continue
		}
		if rawRelevance(node, at) >= MinRelevance {
			continue
		}
		removed = append(removed, nodeID)
	}
	for _, nodeID := range removed {
		g.removeNodeLocked(nodeID)
	}
	if len(removed) > 0 {
		g.analytics.invalidate()
	}
	return removed
}

func (g *Graph) removeNodeLocked(nodeID string) {
	node, ok := g.nodes[nodeID]
	if !ok {
		return
	}
	if node.HasDedupKey() {
		delete(g.dedup, dedupKey{node.EntityID, node.EntitySystem})
	}
	for to := range g.out[nodeID] {
		delete(g.in[to], nodeID)
		if len(g.in[to]) == 0 {
			delete(g.in, to)
		}
	}
	delete(g.out, nodeID)
	for from := range g.in[nodeID] {
		delete(g.out[from], nodeID)
		if len(g.out[from]) == 0 {
			delete(g.out, from)
		}
	}
	delete(g.in, nodeID)
	delete(g.nodes, nodeID)
}

// Query selects and ranks nodes for retrieval.
type Query struct {
	// ThreadID scopes per-thread kinds; DomainEntity nodes are visible from
	// every thread.
	ThreadID string
	// Text feeds the vectorizer when one is configured.
	Text string
	// Tags drive the Jaccard term.
	Tags []string
	// Kinds filters candidates; empty means all kinds.
	Kinds []NodeKind
	// MaxAgeHours drops nodes older than this. Zero means no age bound.
	MaxAgeHours float64
	// MinRelevance drops nodes whose decayed relevance is lower.
	MinRelevance float64
	// Limit caps the result count. Zero means DefaultRetrieveLimit.
	Limit int
}

// DefaultRetrieveLimit bounds retrieval when the caller does not.
const DefaultRetrieveLimit = 10

// ScoredNode is one retrieval hit.
type ScoredNode struct {
	Node  Node
	Score float64
}

// Retrieve ranks visible nodes by the blended relevance score. vecScores
// holds cosine similarities per node ID from the vectorizer; a nil map means
// no vectorizer is configured and its weight moves to the tag term.
func (g *Graph) Retrieve(q Query, vecScores map[string]float64) []ScoredNode {
	g.mu.RLock()
	defer g.mu.RUnlock()

	at := g.now()
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultRetrieveLimit
	}

	wTag, wVec, wDecay, wCentral := 0.35, 0.35, 0.20, 0.10
	if vecScores == nil {
		wTag += wVec
		wVec = 0
	}

	kindSet := make(map[NodeKind]bool, len(q.Kinds))
	for _, k := range q.Kinds {
		kindSet[k] = true
	}

	centrality := g.analytics.pagerank(g)

	var hits []ScoredNode
	for _, node := range g.nodes {
		if !visibleTo(node, q.ThreadID) {
			continue
		}
		if len(kindSet) > 0 && !kindSet[node.Kind] {
			continue
		}
		if q.MaxAgeHours > 0 && at.Sub(node.CreatedAt).Hours() > q.MaxAgeHours {
			continue
		}
		decayed := DecayedRelevance(node, at)
		if decayed < q.MinRelevance {
			continue
		}

		score := wTag*tagJaccard(q.Tags, node.Tags) +
			wDecay*decayed +
			wCentral*centrality[node.ID]
		if wVec > 0 {
			score += wVec * clamp01(vecScores[node.ID])
		}
		hits = append(hits, ScoredNode{Node: *node, Score: score})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Node.CreatedAt.After(hits[j].Node.CreatedAt)
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits
}

func visibleTo(node *Node, threadID string) bool {
	if node.Kind == KindDomainEntity {
		return true
	}
	if node.ThreadID == "" || threadID == "" {
		return true
	}
	return node.ThreadID == threadID
}

// tagJaccard is |a∩b| / |a∪b| over lowercased tag sets.
func tagJaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := make(map[string]bool, len(a))
	for _, t := range a {
		setA[normTag(t)] = true
	}
	setB := make(map[string]bool, len(b))
	for _, t := range b {
		setB[normTag(t)] = true
	}
	intersection := 0
	for t := range setA {
		if setB[t] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// mergeContent deep-merges src into dst: nested objects merge recursively,
// arrays union (by deep equality), scalars overwrite.
func mergeContent(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for key, sv := range src {
		dv, exists := dst[key]
		if !exists {
			dst[key] = sv
			continue
		}
		dMap, dIsMap := dv.(map[string]any)
		sMap, sIsMap := sv.(map[string]any)
		if dIsMap && sIsMap {
			dst[key] = mergeContent(dMap, sMap)
			continue
		}
		dArr, dIsArr := dv.([]any)
		sArr, sIsArr := sv.([]any)
		if dIsArr && sIsArr {
			dst[key] = unionValues(dArr, sArr)
			continue
		}
		dst[key] = sv
	}
	return dst
}

func unionValues(base, additions []any) []any {
	merged := make([]any, len(base))
	copy(merged, base)
	for _, item := range additions {
		found := false
		for _, existing := range merged {
			if reflect.DeepEqual(existing, item) {
				found = true
				break
			}
		}
		if !found {
			merged = append(merged, item)
		}
	}
	return merged
}

func normTag(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func unionStrings(base, additions []string) []string {
	seen := make(map[string]bool, len(base))
	for _, s := range base {
		seen[normTag(s)] = true
	}
	merged := make([]string, len(base))
	copy(merged, base)
	for _, s := range additions {
		if !seen[normTag(s)] {
			seen[normTag(s)] = true
			merged = append(merged, s)
		}
	}
	return merged
}
