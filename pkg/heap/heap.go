// Package heap implements the bounded top-K selection heap every search
// path accumulates results into: insertion never exceeds O(log K),
// and the heap never grows past its configured capacity.
package heap

import (
	"container/heap"
	"sort"

	"github.com/ahnlich/ahnlich-go/pkg/vectorid"
)

// Item is one scored candidate: a vector id paired with its similarity or
// distance score against the query.
type Item struct {
	ID    vectorid.ID
	Score float64
}

// Bounded keeps the K best-scoring items seen so far, discarding the worst
// one on overflow. "Best" is defined by worseThan: worseThan(a, b) reports
// whether a should be evicted before b.
type Bounded struct {
	cap       int
	items     []Item
	worseThan func(a, b Item) bool
}

// NewMax returns a Bounded heap that keeps the K items with the highest
// score (cosine, dot product: higher is better).
func NewMax(k int) *Bounded {
	return newBounded(k, func(a, b Item) bool { return a.Score < b.Score })
}

// NewMin returns a Bounded heap that keeps the K items with the lowest
// score (Euclidean distance: lower is better).
func NewMin(k int) *Bounded {
	return newBounded(k, func(a, b Item) bool { return a.Score > b.Score })
}

func newBounded(k int, worseThan func(a, b Item) bool) *Bounded {
	if k < 1 {
		k = 1
	}
	b := &Bounded{cap: k, worseThan: worseThan}
	b.items = make([]Item, 0, k)
	return b
}

// Len reports how many items are currently held (never more than capacity).
func (b *Bounded) Len() int { return len(b.items) }

// Cap reports the heap's configured capacity.
func (b *Bounded) Cap() int { return b.cap }

// Worst returns the current worst-kept item and whether the heap is full;
// callers use this to short-circuit candidates that cannot make the cut.
func (b *Bounded) Worst() (Item, bool) {
	if len(b.items) < b.cap {
		return Item{}, false
	}
	return b.items[0], true
}

// Push offers a candidate to the heap. If the heap has spare capacity the
// item is always kept; otherwise it is kept only if it beats the current
// worst-kept item, which is then evicted. Returns whether it was kept.
func (b *Bounded) Push(it Item) bool {
	if len(b.items) < b.cap {
		heap.Push((*innerHeap)(b), it)
		return true
	}
	if b.worseThan(b.items[0], it) {
		heap.Pop((*innerHeap)(b))
		heap.Push((*innerHeap)(b), it)
		return true
	}
	return false
}

// IntoSorted drains the heap into a slice ordered best-first, consuming it.
func (b *Bounded) IntoSorted() []Item {
	out := make([]Item, len(b.items))
	copy(out, b.items)
	b.items = b.items[:0]

	sort.Slice(out, func(i, j int) bool {
		return b.worseThan(out[j], out[i])
	})
	return out
}

// innerHeap adapts Bounded to container/heap.Interface. The root (index 0)
// is always the current worst-kept item, so eviction is a single Pop.
type innerHeap Bounded

func (h *innerHeap) Len() int { return len(h.items) }
func (h *innerHeap) Less(i, j int) bool {
	return h.worseThan(h.items[i], h.items[j])
}
func (h *innerHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *innerHeap) Push(x any) {
	h.items = append(h.items, x.(Item))
}

func (h *innerHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}
