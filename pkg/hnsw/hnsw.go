// Package hnsw implements a Hierarchical Navigable Small World graph index
// for high-dimensional approximate nearest-neighbour search.
package hnsw

import (
	"container/heap"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/ahnlich/ahnlich-go/pkg/kernel"
	"github.com/ahnlich/ahnlich-go/pkg/vectorid"
)

// Config holds the tunable parameters of a graph.
type Config struct {
	// M is the target neighbour count per node per layer above 0.
	M int
	// M0 is the target neighbour count at layer 0, typically 2*M.
	M0 int
	// EfConstruction is the candidate-list width used during insertion.
	EfConstruction int
	// EfSearch is the default candidate-list width used during KNN search.
	EfSearch int
	// ExtendCandidates pre-seeds the select-neighbours candidate set with
	// the candidates' own neighbours (Algorithm 4).
	ExtendCandidates bool
	// KeepPrunedConnections pads a pruned neighbour selection back to M
	// using the next-best discarded candidates (Algorithm 4).
	KeepPrunedConnections bool
	// Metric is the similarity/distance function the graph is built over.
	Metric kernel.Metric
	// Seed fixes the per-graph level-sampling random source so that, for
	// the same inserts in the same order, the resulting graph shape is
	// deterministic across runs. Node ids are supplied by the caller.
	Seed int64
}

// DefaultConfig returns the parameters the documented recall target is
// measured against: ef_construction=100, M=40, M0=80, ef_search=16.
func DefaultConfig(seed int64) Config {
	return Config{
		M:              40,
		M0:             80,
		EfConstruction: 100,
		EfSearch:       16,
		Metric:         kernel.MetricCosine,
		Seed:           seed,
	}
}

type node struct {
	id        vectorid.ID
	vector    []float32
	level     int
	neighbors [][]vectorid.ID     // neighbors[layer] for layer in [0, level]
	backLinks map[vectorid.ID]int // nodeID -> count of layers linking back to us
}

// Graph is a concurrency-safe HNSW index over vectors of a fixed dimension.
type Graph struct {
	mu         sync.RWMutex
	cfg        Config
	ml         float64 // 1 / ln(M), used in level sampling
	rng        *rand.Rand
	dimension  int
	nodes      map[vectorid.ID]*node
	entryPoint vectorid.ID
	hasEntry   bool
	topLayer   int
}

// New returns an empty graph over vectors of the given dimension.
func New(dimension int, cfg Config) *Graph {
	if cfg.M < 1 {
		cfg.M = 1
	}
	if cfg.M0 < 1 {
		cfg.M0 = cfg.M * 2
	}
	return &Graph{
		cfg:       cfg,
		ml:        1.0 / math.Log(float64(cfg.M)),
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		dimension: dimension,
		nodes:     make(map[vectorid.ID]*node),
	}
}

// sampleLevel draws an exponential level l = floor(-ln(U) * mL), so higher
// layers are exponentially sparser.
func (g *Graph) sampleLevel() int {
	u := g.rng.Float64()
	for u == 0 {
		u = g.rng.Float64()
	}
	return int(math.Floor(-math.Log(u) * g.ml))
}

// Len reports how many vectors are currently indexed.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Insert adds a vector to the graph (Algorithm 1 of the HNSW paper).
func (g *Graph) Insert(id vectorid.ID, vector []float32) error {
	if len(vector) != g.dimension {
		return fmt.Errorf("hnsw: dimension mismatch: expected %d, got %d", g.dimension, len(vector))
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.nodes[id]; exists {
		return fmt.Errorf("hnsw: node %v already exists", id)
	}

	level := g.sampleLevel()
	n := &node{
		id:        id,
		vector:    vector,
		level:     level,
		neighbors: make([][]vectorid.ID, level+1),
		backLinks: make(map[vectorid.ID]int),
	}
	g.nodes[id] = n

	if !g.hasEntry {
		g.entryPoint = id
		g.hasEntry = true
		g.topLayer = level
		return nil
	}

	entry := g.entryPoint
	entryLevel := g.nodes[entry].level
	curr := []vectorid.ID{entry}

	for lc := entryLevel; lc > level; lc-- {
		curr = g.nearestOnLayer(vector, curr, 1, lc)
	}

	top := level
	if entryLevel < top {
		top = entryLevel
	}
	for lc := top; lc >= 0; lc-- {
		m := g.cfg.M
		if lc == 0 {
			m = g.cfg.M0
		}

		candidates := g.searchLayer(vector, curr, g.cfg.EfConstruction, lc, nil)
		neighbors := g.selectNeighbors(vector, candidates, m, lc)

		for _, nb := range neighbors {
			g.connect(id, nb, lc)
			g.connect(nb, id, lc)
			g.pruneIfOverfull(nb, lc)
		}
		curr = neighbors
	}

	if level > g.topLayer {
		g.entryPoint = id
		g.topLayer = level
	}
	return nil
}

func (g *Graph) connect(from, to vectorid.ID, layer int) {
	fn := g.nodes[from]
	if layer >= len(fn.neighbors) {
		return
	}
	for _, existing := range fn.neighbors[layer] {
		if existing == to {
			return
		}
	}
	fn.neighbors[layer] = append(fn.neighbors[layer], to)
	g.nodes[to].backLinks[from]++
}

func (g *Graph) disconnect(from, to vectorid.ID, layer int) {
	fn, ok := g.nodes[from]
	if !ok || layer >= len(fn.neighbors) {
		return
	}
	kept := fn.neighbors[layer][:0]
	removed := false
	for _, id := range fn.neighbors[layer] {
		if id == to && !removed {
			removed = true
			continue
		}
		kept = append(kept, id)
	}
	fn.neighbors[layer] = kept
	if removed {
		if tn, ok := g.nodes[to]; ok {
			tn.backLinks[from]--
			if tn.backLinks[from] <= 0 {
				delete(tn.backLinks, from)
			}
		}
	}
}

// pruneIfOverfull re-runs neighbour selection on nb's own neighbour set at
// layer when it exceeds the layer's connection cap.
func (g *Graph) pruneIfOverfull(nb vectorid.ID, layer int) {
	n := g.nodes[nb]
	if layer >= len(n.neighbors) {
		return
	}
	cap := g.cfg.M
	if layer == 0 {
		cap = g.cfg.M0
	}
	if len(n.neighbors[layer]) <= cap {
		return
	}

	pruned := g.selectNeighbors(n.vector, n.neighbors[layer], cap, layer)
	keep := make(map[vectorid.ID]bool, len(pruned))
	for _, id := range pruned {
		keep[id] = true
	}
	for _, id := range n.neighbors[layer] {
		if !keep[id] {
			if tn, ok := g.nodes[id]; ok {
				tn.backLinks[nb]--
				if tn.backLinks[nb] <= 0 {
					delete(tn.backLinks, nb)
				}
			}
		}
	}
	n.neighbors[layer] = pruned
}

func (g *Graph) score(query []float32, to []float32) float64 {
	s, err := kernel.Score(g.cfg.Metric, query, to)
	if err != nil {
		// dimension mismatches cannot occur once every node is validated on
		// insert, so treat as worst-possible rather than propagating.
		if g.cfg.Metric.HigherIsMoreSimilar() {
			return math.Inf(-1)
		}
		return math.Inf(1)
	}
	return s
}

func (g *Graph) better(a, b float64) bool {
	if g.cfg.Metric.HigherIsMoreSimilar() {
		return a > b
	}
	return a < b
}

// nearestOnLayer returns up to num closest points to query on layer,
// best-first, starting the greedy walk from entryPoints.
func (g *Graph) nearestOnLayer(query []float32, entryPoints []vectorid.ID, num, layer int) []vectorid.ID {
	result := g.searchLayer(query, entryPoints, num, layer, nil)
	if len(result) > num {
		result = result[:num]
	}
	return result
}

// searchLayer runs Algorithm 2: a greedy best-first expansion bounded to ef
// results, returning ids ordered closest/best-first. accept, when non-nil,
// restricts which nodes may enter the result set (but traversal still
// visits every node's neighbours so the graph's connectivity is preserved).
func (g *Graph) searchLayer(query []float32, entryPoints []vectorid.ID, ef, layer int, accept func(vectorid.ID) bool) []vectorid.ID {
	visited := make(map[vectorid.ID]bool, ef*2)
	candidates := &priorityQueue{better: g.better}
	results := &priorityQueue{better: func(a, b float64) bool { return !g.better(a, b) }} // worst-first root

	for _, id := range entryPoints {
		if visited[id] {
			continue
		}
		visited[id] = true
		s := g.score(query, g.nodes[id].vector)
		heap.Push(candidates, pqItem{id: id, score: s})
		if accept == nil || accept(id) {
			heap.Push(results, pqItem{id: id, score: s})
		}
	}

	for candidates.Len() > 0 {
		current := heap.Pop(candidates).(pqItem)

		if results.Len() >= ef {
			worst := results.at(0)
			if g.better(worst.score, current.score) {
				break
			}
		}

		cn, ok := g.nodes[current.id]
		if !ok || layer >= len(cn.neighbors) {
			continue
		}
		for _, nbID := range cn.neighbors[layer] {
			if visited[nbID] {
				continue
			}
			visited[nbID] = true
			nb, ok := g.nodes[nbID]
			if !ok {
				continue
			}
			s := g.score(query, nb.vector)

			admit := results.Len() < ef
			if !admit && results.Len() > 0 {
				admit = g.better(s, results.at(0).score)
			}
			if admit {
				heap.Push(candidates, pqItem{id: nbID, score: s})
				if accept == nil || accept(nbID) {
					heap.Push(results, pqItem{id: nbID, score: s})
					if results.Len() > ef {
						heap.Pop(results)
					}
				}
			}
		}
	}

	out := make([]vectorid.ID, results.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(results).(pqItem).id
	}
	return out
}

// selectNeighbors runs Algorithm 4: iterate candidates best-first, keep one
// only if it is closer to query than to any already-accepted neighbour.
func (g *Graph) selectNeighbors(query []float32, candidates []vectorid.ID, m, layer int) []vectorid.ID {
	working := make([]vectorid.ID, len(candidates))
	copy(working, candidates)

	if g.cfg.ExtendCandidates {
		seen := make(map[vectorid.ID]bool, len(working))
		for _, id := range working {
			seen[id] = true
		}
		extra := make([]vectorid.ID, 0)
		for _, id := range candidates {
			n, ok := g.nodes[id]
			if !ok || layer >= len(n.neighbors) {
				continue
			}
			for _, nb := range n.neighbors[layer] {
				if !seen[nb] {
					seen[nb] = true
					extra = append(extra, nb)
				}
			}
		}
		working = append(working, extra...)
	}

	pool := make([]scored, 0, len(working))
	for _, id := range working {
		n, ok := g.nodes[id]
		if !ok {
			continue
		}
		pool = append(pool, scored{id: id, score: g.score(query, n.vector)})
	}
	sortScored(pool, g.better)

	selected := make([]vectorid.ID, 0, m)
	var discarded []vectorid.ID
	for _, cand := range pool {
		if len(selected) >= m {
			break
		}
		cn, ok := g.nodes[cand.id]
		if !ok {
			continue
		}
		closerToQuery := true
		for _, sel := range selected {
			sn := g.nodes[sel]
			if g.better(g.score(sn.vector, cn.vector), cand.score) {
				closerToQuery = false
				break
			}
		}
		if closerToQuery {
			selected = append(selected, cand.id)
		} else {
			discarded = append(discarded, cand.id)
		}
	}

	if g.cfg.KeepPrunedConnections {
		for _, id := range discarded {
			if len(selected) >= m {
				break
			}
			selected = append(selected, id)
		}
	}
	return selected
}

// scored pairs a node id with its distance/similarity to the current query.
type scored struct {
	id    vectorid.ID
	score float64
}

func sortScored(pool []scored, better func(a, b float64) bool) {
	for i := 1; i < len(pool); i++ {
		for j := i; j > 0 && better(pool[j].score, pool[j-1].score); j-- {
			pool[j], pool[j-1] = pool[j-1], pool[j]
		}
	}
}

// Accept narrows a Search to ids for which it returns true.
type Accept func(vectorid.ID) bool

// Search runs Algorithm 5 (K-NN search): descend layers L..1 greedily, then
// run searchLayer at layer 0 with ef = max(ef_search, k).
func (g *Graph) Search(query []float32, k int, accept Accept) ([]vectorid.ID, []float64, error) {
	if len(query) != g.dimension {
		return nil, nil, fmt.Errorf("hnsw: dimension mismatch: expected %d, got %d", g.dimension, len(query))
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	if !g.hasEntry {
		return nil, nil, nil
	}

	curr := []vectorid.ID{g.entryPoint}
	entryLevel := g.nodes[g.entryPoint].level
	for layer := entryLevel; layer > 0; layer-- {
		curr = g.nearestOnLayer(query, curr, 1, layer)
	}

	ef := g.cfg.EfSearch
	if k > ef {
		ef = k
	}
	results := g.searchLayer(query, curr, ef, 0, accept)

	if len(results) > k {
		results = results[:k]
	}
	scores := make([]float64, len(results))
	for i, id := range results {
		scores[i] = g.score(query, g.nodes[id].vector)
	}
	return results, scores, nil
}

// Delete removes a node from every layer it participates in, repairing
// back-links on every former neighbour in O(degree).
func (g *Graph) Delete(id vectorid.ID) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, ok := g.nodes[id]
	if !ok {
		return fmt.Errorf("hnsw: node %v not found", id)
	}

	for layer, neighbors := range n.neighbors {
		// disconnect compacts n.neighbors[layer] in place, so walk a copy.
		forward := append([]vectorid.ID(nil), neighbors...)
		for _, nbID := range forward {
			g.disconnect(id, nbID, layer)
		}
	}
	for backID := range n.backLinks {
		bn, ok := g.nodes[backID]
		if !ok {
			continue
		}
		for layer := range bn.neighbors {
			g.disconnect(backID, id, layer)
		}
	}

	delete(g.nodes, id)

	if g.entryPoint == id {
		g.promoteEntryPoint()
	}
	return nil
}

// promoteEntryPoint finds any remaining node at the highest occupied layer
// and installs it as the new entry point.
func (g *Graph) promoteEntryPoint() {
	g.hasEntry = false
	g.topLayer = 0
	for id, n := range g.nodes {
		if !g.hasEntry || n.level > g.topLayer {
			g.entryPoint = id
			g.topLayer = n.level
			g.hasEntry = true
		}
	}
}

// pqItem is one scored candidate in a priorityQueue.
type pqItem struct {
	id    vectorid.ID
	score float64
}

// priorityQueue is a container/heap-backed priority queue whose root is
// determined by better: Len()>0 implies items[0] is the most-preferred
// element under better (so Pop removes it first).
type priorityQueue struct {
	items  []pqItem
	better func(a, b float64) bool
}

func (p *priorityQueue) Len() int { return len(p.items) }
func (p *priorityQueue) Less(i, j int) bool {
	return p.better(p.items[i].score, p.items[j].score)
}
func (p *priorityQueue) Swap(i, j int) { p.items[i], p.items[j] = p.items[j], p.items[i] }
func (p *priorityQueue) Push(x any)    { p.items = append(p.items, x.(pqItem)) }
func (p *priorityQueue) Pop() any {
	old := p.items
	n := len(old)
	it := old[n-1]
	p.items = old[:n-1]
	return it
}

// indexing helper so callers can read the current root without popping.
func (p *priorityQueue) at(i int) pqItem { return p.items[i] }
