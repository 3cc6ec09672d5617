package memory

import (
	"math"
	"sort"
	"sync"
)

// Analytics constants.
const (
	pagerankDamping    = 0.85
	pagerankIterations = 50
	pagerankEpsilon    = 1e-9
	louvainMaxPasses   = 10
	// DefaultBridgeCount is how many high-betweenness nodes Bridges returns.
	DefaultBridgeCount = 5
)

// analyticsCache memoizes graph analytics until the next mutation. Callers
// hold at least the graph read lock, which excludes mutation (and therefore
// invalidation) while a computation runs.
type analyticsCache struct {
	mu  sync.Mutex
	gen uint64

	prGen uint64
	pr    map[string]float64

	clGen    uint64
	clusters [][]string

	brGen   uint64
	bridges []string
}

func (c *analyticsCache) invalidate() {
	c.mu.Lock()
	c.gen++
	c.mu.Unlock()
}

// pagerank returns max-normalized PageRank per node, computing it lazily.
func (c *analyticsCache) pagerank(g *Graph) map[string]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pr != nil && c.prGen == c.gen {
		return c.pr
	}
	c.pr = computePageRank(g)
	c.prGen = c.gen
	return c.pr
}

func (c *analyticsCache) topicClusters(g *Graph) [][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.clusters != nil && c.clGen == c.gen {
		return c.clusters
	}
	c.clusters = computeLouvain(g)
	c.clGen = c.gen
	return c.clusters
}

func (c *analyticsCache) bridgeNodes(g *Graph, limit int) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.bridges == nil || c.brGen != c.gen {
		c.bridges = computeBridges(g)
		c.brGen = c.gen
	}
	if limit > 0 && len(c.bridges) > limit {
		return c.bridges[:limit]
	}
	return c.bridges
}

// computePageRank runs weighted PageRank over the directed edges and
// normalizes scores by the maximum so the centrality term stays in [0,1].
func computePageRank(g *Graph) map[string]float64 {
	n := len(g.nodes)
	ranks := make(map[string]float64, n)
	if n == 0 {
		return ranks
	}

	outWeight := make(map[string]float64, n)
	for from, byTo := range g.out {
		for _, byType := range byTo {
			for _, e := range byType {
				outWeight[from] += e.Strength
			}
		}
	}

	initial := 1.0 / float64(n)
	for nodeID := range g.nodes {
		ranks[nodeID] = initial
	}

	for iter := 0; iter < pagerankIterations; iter++ {
		next := make(map[string]float64, n)
		dangling := 0.0
		for nodeID, rank := range ranks {
			if outWeight[nodeID] == 0 {
				dangling += rank
			}
		}
		base := (1-pagerankDamping)/float64(n) + pagerankDamping*dangling/float64(n)
		for nodeID := range g.nodes {
			next[nodeID] = base
		}
		for from, byTo := range g.out {
			total := outWeight[from]
			if total == 0 {
				continue
			}
			share := pagerankDamping * ranks[from]
			for to, byType := range byTo {
				for _, e := range byType {
					next[to] += share * (e.Strength / total)
				}
			}
		}

		delta := 0.0
		for nodeID := range ranks {
			delta += math.Abs(next[nodeID] - ranks[nodeID])
		}
		ranks = next
		if delta < pagerankEpsilon {
			break
		}
	}

	maxRank := 0.0
	for _, r := range ranks {
		if r > maxRank {
			maxRank = r
		}
	}
	if maxRank > 0 {
		for nodeID := range ranks {
			ranks[nodeID] /= maxRank
		}
	}
	return ranks
}

// undirected builds the symmetric weighted adjacency used by clustering and
// betweenness. Parallel edges of different types sum their strengths.
func undirected(g *Graph) map[string]map[string]float64 {
	adj := make(map[string]map[string]float64, len(g.nodes))
	for nodeID := range g.nodes {
		adj[nodeID] = make(map[string]float64)
	}
	for from, byTo := range g.out {
		for to, byType := range byTo {
			for _, e := range byType {
				adj[from][to] += e.Strength
				adj[to][from] += e.Strength
			}
		}
	}
	return adj
}

// computeLouvain runs modularity-based clustering over the undirected
// projection: local moving until no gain, then community aggregation,
// repeated until stable. Returns clusters sorted by size descending, node
// IDs sorted within each.
func computeLouvain(g *Graph) [][]string {
	adj := undirected(g)
	if len(adj) == 0 {
		return nil
	}

	// community of each original node, evolving across passes
	community := make(map[string]string, len(adj))
	for nodeID := range adj {
		community[nodeID] = nodeID
	}

	current := adj
	// members maps a super-node to the original nodes it contains.
	members := make(map[string][]string, len(adj))
	for nodeID := range adj {
		members[nodeID] = []string{nodeID}
	}

	for pass := 0; pass < louvainMaxPasses; pass++ {
		moved := louvainLocalMove(current)
		if !movedAny(moved) {
			break
		}
		// Fold communities into super-nodes.
		next := make(map[string]map[string]float64)
		nextMembers := make(map[string][]string)
		for nodeID, comm := range moved {
			nextMembers[comm] = append(nextMembers[comm], members[nodeID]...)
		}
		for from, neighbors := range current {
			cf := moved[from]
			if next[cf] == nil {
				next[cf] = make(map[string]float64)
			}
			for to, w := range neighbors {
				ct := moved[to]
				if cf == ct {
					continue
				}
				next[cf][ct] += w
			}
		}
		for comm := range nextMembers {
			if next[comm] == nil {
				next[comm] = make(map[string]float64)
			}
		}
		current = next
		members = nextMembers
		for comm, nodeIDs := range members {
			for _, nodeID := range nodeIDs {
				community[nodeID] = comm
			}
		}
	}

	byComm := make(map[string][]string)
	for nodeID, comm := range community {
		byComm[comm] = append(byComm[comm], nodeID)
	}
	clusters := make([][]string, 0, len(byComm))
	for _, nodeIDs := range byComm {
		sort.Strings(nodeIDs)
		clusters = append(clusters, nodeIDs)
	}
	sort.Slice(clusters, func(i, j int) bool {
		if len(clusters[i]) != len(clusters[j]) {
			return len(clusters[i]) > len(clusters[j])
		}
		return clusters[i][0] < clusters[j][0]
	})
	return clusters
}

// louvainLocalMove assigns each node the neighbor community with the best
// modularity gain. Returns the community per node.
func louvainLocalMove(adj map[string]map[string]float64) map[string]string {
	community := make(map[string]string, len(adj))
	degree := make(map[string]float64, len(adj))
	total := 0.0
	for nodeID, neighbors := range adj {
		community[nodeID] = nodeID
		for _, w := range neighbors {
			degree[nodeID] += w
			total += w
		}
	}
	if total == 0 {
		return community
	}

	commDegree := make(map[string]float64, len(adj))
	for nodeID, d := range degree {
		commDegree[community[nodeID]] += d
	}

	order := make([]string, 0, len(adj))
	for nodeID := range adj {
		order = append(order, nodeID)
	}
	sort.Strings(order)

	improved := true
	for rounds := 0; improved && rounds < louvainMaxPasses; rounds++ {
		improved = false
		for _, nodeID := range order {
			current := community[nodeID]
			// Weight from node into each neighboring community.
			links := make(map[string]float64)
			for to, w := range adj[nodeID] {
				links[community[to]] += w
			}

			commDegree[current] -= degree[nodeID]
			bestComm, bestGain := current, 0.0
			for comm, w := range links {
				gain := w - degree[nodeID]*commDegree[comm]/total
				if gain > bestGain {
					bestGain = gain
					bestComm = comm
				}
			}
			commDegree[bestComm] += degree[nodeID]
			if bestComm != current {
				community[nodeID] = bestComm
				improved = true
			}
		}
	}
	return community
}

func movedAny(community map[string]string) bool {
	for nodeID, comm := range community {
		if nodeID != comm {
			return true
		}
	}
	return false
}

// computeBridges runs Brandes betweenness centrality over the undirected
// projection and returns node IDs with nonzero betweenness, highest first.
func computeBridges(g *Graph) []string {
	adj := undirected(g)
	betweenness := make(map[string]float64, len(adj))

	nodeIDs := make([]string, 0, len(adj))
	for nodeID := range adj {
		nodeIDs = append(nodeIDs, nodeID)
	}
	sort.Strings(nodeIDs)

	for _, source := range nodeIDs {
		// BFS from source, counting shortest paths.
		var stack []string
		preds := make(map[string][]string)
		sigma := map[string]float64{source: 1}
		dist := map[string]int{source: 0}
		queue := []string{source}
		for len(queue) > 0 {
			v := queue[0]
			queue = queue[1:]
			stack = append(stack, v)
			for w := range adj[v] {
				if _, seen := dist[w]; !seen {
					dist[w] = dist[v] + 1
					queue = append(queue, w)
				}
				if dist[w] == dist[v]+1 {
					sigma[w] += sigma[v]
					preds[w] = append(preds[w], v)
				}
			}
		}
		// Back-propagate dependencies.
		delta := make(map[string]float64)
		for i := len(stack) - 1; i >= 0; i-- {
			w := stack[i]
			for _, v := range preds[w] {
				delta[v] += sigma[v] / sigma[w] * (1 + delta[w])
			}
			if w != source {
				betweenness[w] += delta[w]
			}
		}
	}

	var bridges []string
	for nodeID, b := range betweenness {
		if b > 0 {
			bridges = append(bridges, nodeID)
		}
	}
	sort.Slice(bridges, func(i, j int) bool {
		if betweenness[bridges[i]] != betweenness[bridges[j]] {
			return betweenness[bridges[i]] > betweenness[bridges[j]]
		}
		return bridges[i] < bridges[j]
	})
	return bridges
}

// TopicClusters exposes the cached Louvain clusters.
func (g *Graph) TopicClusters() [][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.analytics.topicClusters(g)
}

// Bridges exposes the cached high-betweenness nodes, at most limit of them.
func (g *Graph) Bridges(limit int) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if limit <= 0 {
		limit = DefaultBridgeCount
	}
	return g.analytics.bridgeNodes(g, limit)
}

// Importance exposes the cached normalized PageRank for one node.
func (g *Graph) Importance(nodeID string) float64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.analytics.pagerank(g)[nodeID]
}
