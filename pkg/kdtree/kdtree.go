// Package kdtree implements a k-dimensional binary space-partitioning index
// for low-dimensional approximate nearest-neighbour search.
package kdtree

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ahnlich/ahnlich-go/pkg/heap"
	"github.com/ahnlich/ahnlich-go/pkg/kernel"
	"github.com/ahnlich/ahnlich-go/pkg/vectorid"
)

// Point is one indexed vector: its id and its coordinates.
type Point struct {
	ID     vectorid.ID
	Vector []float32
}

type node struct {
	id         vectorid.ID
	point      []float32
	axis       int
	left       *node
	right      *node
	tombstoned bool
}

// RebalanceThreshold is the tombstone-to-live-node ratio that triggers a
// full rebuild on the next mutation: once tombstoned nodes exceed
// half the number of live nodes, the tree physically rebuilds.
const RebalanceThreshold = 0.5

// Tree is a KD-tree over D-dimensional points. It supports incremental
// insertion, tombstone-based deletion with automatic rebalancing, and
// pruned recursive-descent nearest-neighbour search.
type Tree struct {
	mu         sync.RWMutex
	dimension  int
	root       *node
	count      int // live (non-tombstoned) nodes
	tombstones int
}

// New returns an empty tree over D-dimensional points.
func New(dimension int) *Tree {
	return &Tree{dimension: dimension}
}

// Build replaces the tree's contents with a balanced tree over points,
// splitting round-robin by depth and choosing the median point along the
// split axis at every level.
func (t *Tree) Build(points []Point) error {
	for _, p := range points {
		if len(p.Vector) != t.dimension {
			return fmt.Errorf("kdtree: dimension mismatch: expected %d, got %d", t.dimension, len(p.Vector))
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cp := make([]Point, len(points))
	copy(cp, points)
	t.root = buildRecursive(cp, 0, t.dimension)
	t.count = len(points)
	t.tombstones = 0
	return nil
}

func buildRecursive(points []Point, depth, dimension int) *node {
	if len(points) == 0 {
		return nil
	}
	axis := depth % dimension
	sort.Slice(points, func(i, j int) bool {
		return points[i].Vector[axis] < points[j].Vector[axis]
	})
	mid := len(points) / 2

	n := &node{id: points[mid].ID, point: points[mid].Vector, axis: axis}
	n.left = buildRecursive(points[:mid], depth+1, dimension)
	n.right = buildRecursive(points[mid+1:], depth+1, dimension)
	return n
}

// Insert adds a single point, descending from the root comparing against
// each visited node's split axis until it finds an empty slot.
func (t *Tree) Insert(id vectorid.ID, vector []float32) error {
	if len(vector) != t.dimension {
		return fmt.Errorf("kdtree: dimension mismatch: expected %d, got %d", t.dimension, len(vector))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.root = insertRecursive(t.root, id, vector, 0, t.dimension)
	t.count++
	return nil
}

func insertRecursive(n *node, id vectorid.ID, vector []float32, depth, dimension int) *node {
	if n == nil {
		return &node{id: id, point: vector, axis: depth % dimension}
	}
	if vector[n.axis] < n.point[n.axis] {
		n.left = insertRecursive(n.left, id, vector, depth+1, dimension)
	} else {
		n.right = insertRecursive(n.right, id, vector, depth+1, dimension)
	}
	return n
}

// Delete tombstones the node holding (id, vector); the caller must supply
// the vector used to insert it so descent can locate the node. Returns
// whether a matching, not-already-tombstoned node was found. Once the
// tombstoned fraction crosses RebalanceThreshold, the tree is physically
// rebuilt on this call, dropping all tombstoned nodes.
func (t *Tree) Delete(id vectorid.ID, vector []float32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	found := deleteRecursive(t.root, id, vector)
	if !found {
		return false
	}
	t.count--
	t.tombstones++

	if t.count > 0 && float64(t.tombstones) > RebalanceThreshold*float64(t.count) {
		t.rebuildLocked()
	}
	return true
}

func deleteRecursive(n *node, id vectorid.ID, vector []float32) bool {
	if n == nil {
		return false
	}
	if n.id == id && !n.tombstoned && sameCoords(n.point, vector) {
		n.tombstoned = true
		return true
	}
	if vector[n.axis] < n.point[n.axis] {
		return deleteRecursive(n.left, id, vector)
	}
	return deleteRecursive(n.right, id, vector)
}

func sameCoords(a, b []float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// rebuildLocked collects every live point and reconstructs a balanced tree.
// Callers must hold t.mu.
func (t *Tree) rebuildLocked() {
	live := make([]Point, 0, t.count)
	collectLive(t.root, &live)
	t.root = buildRecursive(live, 0, t.dimension)
	t.tombstones = 0
}

func collectLive(n *node, out *[]Point) {
	if n == nil {
		return
	}
	if !n.tombstoned {
		*out = append(*out, Point{ID: n.id, Vector: n.point})
	}
	collectLive(n.left, out)
	collectLive(n.right, out)
}

// Len reports the number of live (non-tombstoned) points.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.count
}

// Accept, when non-nil, narrows a Search to ids for which it returns true
// (the predicate-narrowed candidate set). A nil Accept means search
// runs unconstrained.
type Accept func(vectorid.ID) bool

// Search returns the k nearest points to query, ordered closest-first,
// using recursive descent with squared-Euclidean branch pruning.
func (t *Tree) Search(query []float32, k int, accept Accept) ([]heap.Item, error) {
	if len(query) != t.dimension {
		return nil, fmt.Errorf("kdtree: dimension mismatch: expected %d, got %d", t.dimension, len(query))
	}
	if k < 1 {
		return nil, nil
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	h := heap.NewMin(k)
	ar := kernel.Get()
	var walkErr error
	searchRecursive(t.root, query, accept, h, ar, &walkErr)
	if walkErr != nil {
		return nil, walkErr
	}
	return h.IntoSorted(), nil
}

func searchRecursive(n *node, query []float32, accept Accept, h *heap.Bounded, ar *kernel.Arch, walkErr *error) {
	if n == nil || *walkErr != nil {
		return
	}

	if !n.tombstoned && (accept == nil || accept(n.id)) {
		d, err := ar.SquaredEuclidean(query, n.point)
		if err != nil {
			*walkErr = err
			return
		}
		h.Push(heap.Item{ID: n.id, Score: d})
	}

	diff := float64(query[n.axis]) - float64(n.point[n.axis])
	near, far := n.left, n.right
	if diff > 0 {
		near, far = n.right, n.left
	}

	searchRecursive(near, query, accept, h, ar, walkErr)

	if worst, full := h.Worst(); !full || diff*diff < worst.Score {
		searchRecursive(far, query, accept, h, ar, walkErr)
	}
}
