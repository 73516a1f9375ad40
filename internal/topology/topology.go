// Package topology implements the PRFC graph engine (C1): topology loading,
// Dijkstra shortest path, k node-disjoint shortest paths, path scoring, tier
// validation and the link fault-injection knobs. Grounded on the
// container/heap Dijkstra pattern used across the retrieval pack's routing
// and flow-solver code.
package topology

import (
	"container/heap"
	"math"
	"strconv"

	"github.com/relaygrid/prfc/internal/errorsx"
	"github.com/relaygrid/prfc/internal/model"
)

// Descriptor is the on-disk topology shape (spec §6).
type Descriptor struct {
	Nodes []NodeDescriptor `json:"nodes" yaml:"nodes"`
	Links []LinkDescriptor `json:"links" yaml:"links"`
}

// NodeDescriptor is one entry of Descriptor.Nodes.
type NodeDescriptor struct {
	ID          int     `json:"id" yaml:"id"`
	Tier        string  `json:"tier" yaml:"tier"`
	Quality     string  `json:"quality" yaml:"quality"`
	PhysicalMap string  `json:"physical_map" yaml:"physical_map"`
	CPUEvSec    float64 `json:"cpu_ev_sec" yaml:"cpu_ev_sec"`
	BufferSize  int     `json:"buffer_size" yaml:"buffer_size"`
}

// LinkDescriptor is one entry of Descriptor.Links.
type LinkDescriptor struct {
	U            int     `json:"u" yaml:"u"`
	V            int     `json:"v" yaml:"v"`
	BandwidthMbps float64 `json:"bw_mbps" yaml:"bw_mbps"`
	DelayMs      float64 `json:"delay_ms" yaml:"delay_ms"`
	JitterMs     float64 `json:"jitter_ms" yaml:"jitter_ms"`
	LossRate     float64 `json:"loss_rate" yaml:"loss_rate"`
}

// Graph holds nodes, links, and adjacency (spec §4.1). Read-only after
// Build except for Utilisation fields and fault knobs, which callers must
// guard with the controller's lock discipline (spec §5).
type Graph struct {
	Nodes map[int]*model.Node
	links map[int]map[int]*model.Link // links[u][v] == links[v][u], same record
}

// Build parses a Descriptor into a Graph and verifies edge→cloud connectivity.
func Build(d Descriptor) (*Graph, error) {
	g := &Graph{
		Nodes: make(map[int]*model.Node, len(d.Nodes)),
		links: make(map[int]map[int]*model.Link, len(d.Nodes)),
	}
	for _, nd := range d.Nodes {
		tier := model.Tier(nd.Tier)
		if model.TierRank(tier) < 0 {
			return nil, errorsx.New(errorsx.KindTopologyLoadError, "unknown tier for node "+strconv.Itoa(nd.ID))
		}
		if _, dup := g.Nodes[nd.ID]; dup {
			return nil, errorsx.New(errorsx.KindTopologyLoadError, "duplicate node id "+strconv.Itoa(nd.ID))
		}
		g.Nodes[nd.ID] = &model.Node{
			ID:          nd.ID,
			Tier:        tier,
			Quality:     nd.Quality,
			PhysicalMap: nd.PhysicalMap,
			CPUEvSec:    nd.CPUEvSec,
			BufferSize:  nd.BufferSize,
		}
	}
	for _, ld := range d.Links {
		if _, ok := g.Nodes[ld.U]; !ok {
			return nil, errorsx.New(errorsx.KindTopologyLoadError, "link references unknown node "+strconv.Itoa(ld.U))
		}
		if _, ok := g.Nodes[ld.V]; !ok {
			return nil, errorsx.New(errorsx.KindTopologyLoadError, "link references unknown node "+strconv.Itoa(ld.V))
		}
		link := &model.Link{
			U: ld.U, V: ld.V,
			BandwidthMbps:  ld.BandwidthMbps,
			BaseDelayMs:    ld.DelayMs,
			CurrentDelayMs: ld.DelayMs,
			JitterMs:       ld.JitterMs,
			LossRate:       ld.LossRate,
		}
		g.addLink(ld.U, ld.V, link)
	}
	if !g.hasEdgeToCloudPath() {
		return nil, errorsx.New(errorsx.KindTopologyLoadError, "no path exists from any edge node to any cloud node")
	}
	return g, nil
}

func (g *Graph) addLink(u, v int, l *model.Link) {
	if g.links[u] == nil {
		g.links[u] = make(map[int]*model.Link)
	}
	if g.links[v] == nil {
		g.links[v] = make(map[int]*model.Link)
	}
	g.links[u][v] = l
	g.links[v][u] = l
}

// Link returns the shared record for (u,v), or nil if no such link exists.
func (g *Graph) Link(u, v int) *model.Link {
	if m, ok := g.links[u]; ok {
		return m[v]
	}
	return nil
}

// Neighbours returns the ids of nodes directly linked to n.
func (g *Graph) Neighbours(n int) []int {
	m := g.links[n]
	out := make([]int, 0, len(m))
	for v := range m {
		out = append(out, v)
	}
	return out
}

func (g *Graph) hasEdgeToCloudPath() bool {
	for _, src := range g.Nodes {
		if src.Tier != model.TierEdge {
			continue
		}
		for _, dst := range g.Nodes {
			if dst.Tier != model.TierCloud {
				continue
			}
			if path, ok := g.ShortestPath(src.ID, dst.ID, nil); ok && len(path) > 0 {
				return true
			}
		}
	}
	return false
}

// pqItem is one entry of the Dijkstra priority queue.
type pqItem struct {
	node int
	dist float64
}

type priorityQueue []pqItem

func (pq priorityQueue) Len() int            { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool  { return pq[i].dist < pq[j].dist }
func (pq priorityQueue) Swap(i, j int)       { pq[i], pq[j] = pq[j], pq[i] }
func (pq *priorityQueue) Push(x interface{}) { *pq = append(*pq, x.(pqItem)) }
func (pq *priorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	item := old[n-1]
	*pq = old[:n-1]
	return item
}

// ShortestPath runs Dijkstra from src to dst with edge weight = link delay.
// excluded is honoured for intermediate hops only — src and dst are never
// excluded even if present in the set (spec §4.1).
func (g *Graph) ShortestPath(src, dst int, excluded map[int]bool) ([]int, bool) {
	if _, ok := g.Nodes[src]; !ok {
		return nil, false
	}
	if _, ok := g.Nodes[dst]; !ok {
		return nil, false
	}
	dist := map[int]float64{src: 0}
	prev := map[int]int{}
	visited := map[int]bool{}

	pq := &priorityQueue{{node: src, dist: 0}}
	heap.Init(pq)

	for pq.Len() > 0 {
		cur := heap.Pop(pq).(pqItem)
		if visited[cur.node] {
			continue
		}
		visited[cur.node] = true
		if cur.node == dst {
			break
		}
		for v, link := range g.links[cur.node] {
			if v != src && v != dst && excluded[v] {
				continue
			}
			nd := cur.dist + link.CurrentDelayMs
			if existing, ok := dist[v]; !ok || nd < existing {
				dist[v] = nd
				prev[v] = cur.node
				heap.Push(pq, pqItem{node: v, dist: nd})
			}
		}
	}

	if _, ok := dist[dst]; !ok {
		return nil, false
	}
	path := []int{dst}
	for n := dst; n != src; {
		p, ok := prev[n]
		if !ok {
			return nil, false
		}
		path = append(path, p)
		n = p
	}
	reverse(path)
	return path, true
}

func reverse(s []int) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

// KDisjointShortestPaths computes up to k paths from src to dst whose
// intermediate nodes are pairwise disjoint. Each iteration excludes
// initialExclude plus every intermediate node already used by a found path;
// stops early when no further path is found. This trades Yen's-algorithm
// optimality for a simpler, robust implementation (spec §4.1).
func (g *Graph) KDisjointShortestPaths(src, dst int, k int, initialExclude map[int]bool) [][]int {
	excluded := map[int]bool{}
	for n := range initialExclude {
		excluded[n] = true
	}
	var paths [][]int
	for i := 0; i < k; i++ {
		path, ok := g.ShortestPath(src, dst, excluded)
		if !ok {
			break
		}
		paths = append(paths, path)
		for _, n := range path {
			if n != src && n != dst {
				excluded[n] = true
			}
		}
	}
	return paths
}

// PathLatencyMs sums CurrentDelayMs along the path.
func (g *Graph) PathLatencyMs(path []int) float64 {
	var total float64
	for i := 0; i+1 < len(path); i++ {
		if l := g.Link(path[i], path[i+1]); l != nil {
			total += l.CurrentDelayMs
		}
	}
	return total
}

// PathCapacityMbps returns min(bandwidth*(1-utilisation)) across path links.
func (g *Graph) PathCapacityMbps(path []int) float64 {
	capMbps := math.Inf(1)
	for i := 0; i+1 < len(path); i++ {
		l := g.Link(path[i], path[i+1])
		if l == nil {
			continue
		}
		avail := l.BandwidthMbps * (1 - l.Utilisation)
		if avail < capMbps {
			capMbps = avail
		}
	}
	if math.IsInf(capMbps, 1) {
		return 0
	}
	return capMbps
}

// PathScore computes 1000/latency + 10*capacity + 100/hops + 100*(1-avgUtil)
// (spec §4.1 — constants are part of the contract, higher is better).
func (g *Graph) PathScore(path []int) float64 {
	latency := g.PathLatencyMs(path)
	capacity := g.PathCapacityMbps(path)
	hops := len(path) - 1
	if hops < 1 {
		hops = 1
	}
	var sumUtil float64
	var n int
	for i := 0; i+1 < len(path); i++ {
		if l := g.Link(path[i], path[i+1]); l != nil {
			sumUtil += l.Utilisation
			n++
		}
	}
	avgUtil := 0.0
	if n > 0 {
		avgUtil = sumUtil / float64(n)
	}
	score := 100 * (1 - avgUtil)
	if latency > 0 {
		score += 1000 / latency
	}
	score += 10 * capacity
	score += 100 / float64(hops)
	return score
}

// IsValidPath reports whether p's tiers are non-decreasing, first node is
// edge-tier, and last node is cloud-tier (spec §4.1, P5).
func (g *Graph) IsValidPath(p []int) bool {
	if len(p) == 0 {
		return false
	}
	first, ok := g.Nodes[p[0]]
	if !ok || first.Tier != model.TierEdge {
		return false
	}
	last, ok := g.Nodes[p[len(p)-1]]
	if !ok || last.Tier != model.TierCloud {
		return false
	}
	prevRank := -1
	for _, id := range p {
		n, ok := g.Nodes[id]
		if !ok {
			return false
		}
		rank := model.TierRank(n.Tier)
		if rank < prevRank {
			return false
		}
		prevRank = rank
	}
	return true
}

// InjectNodeLatencyFault adds deltaMs to CurrentDelayMs on every link
// incident to nodeId (spec §4.1).
func (g *Graph) InjectNodeLatencyFault(nodeID int, deltaMs float64) {
	for _, l := range g.links[nodeID] {
		l.InjectFault(deltaMs)
	}
}

// RemoveNodeLatencyFault restores CurrentDelayMs to BaseDelayMs on every
// link incident to nodeId (spec §4.1, P7).
func (g *Graph) RemoveNodeLatencyFault(nodeID int) {
	for _, l := range g.links[nodeID] {
		l.ClearFault()
	}
}

// EdgeNodeIDs returns the ids of all edge-tier nodes.
func (g *Graph) EdgeNodeIDs() []int {
	return g.nodeIDsByTier(model.TierEdge)
}

// CloudNodeIDs returns the ids of all cloud-tier nodes.
func (g *Graph) CloudNodeIDs() []int {
	return g.nodeIDsByTier(model.TierCloud)
}

func (g *Graph) nodeIDsByTier(t model.Tier) []int {
	var out []int
	for id, n := range g.Nodes {
		if n.Tier == t {
			out = append(out, id)
		}
	}
	return out
}

