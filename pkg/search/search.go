// Package search implements exact linear (brute-force) top-K search over a
// store's vectors, parallelized across disjoint candidate chunks and
// merged under the active metric's polarity.
package search

import (
	"context"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/ahnlich/ahnlich-go/pkg/heap"
	"github.com/ahnlich/ahnlich-go/pkg/kernel"
	"github.com/ahnlich/ahnlich-go/pkg/vectorid"
)

// Candidate is one vector eligible for scoring: its id and its value.
type Candidate struct {
	ID     vectorid.ID
	Vector []float32
}

// minChunkSize is the smallest slice of candidates worth handing to its own
// goroutine; below this, splitting further only adds overhead.
const minChunkSize = 256

// Linear scores every candidate against query under metric and returns the
// k best, ordered best-first. Work is split into disjoint chunks searched
// concurrently under a worker pool capped at GOMAXPROCS, each chunk
// accumulating into a private bounded heap, merged at the end under the
// metric's polarity.
func Linear(ctx context.Context, query []float32, candidates []Candidate, metric kernel.Metric, k int) ([]heap.Item, error) {
	if k < 1 {
		return nil, nil
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	workers := (len(candidates) + minChunkSize - 1) / minChunkSize
	if workers < 1 {
		workers = 1
	}
	chunkSize := (len(candidates) + workers - 1) / workers

	partials := make([][]heap.Item, workers)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))

	for w := 0; w < workers; w++ {
		w := w
		start := w * chunkSize
		if start >= len(candidates) {
			continue
		}
		end := start + chunkSize
		if end > len(candidates) {
			end = len(candidates)
		}

		g.Go(func() error {
			h := newBounded(metric, k)
			for i := start; i < end; i++ {
				if i%4096 == 0 {
					select {
					case <-gctx.Done():
						return gctx.Err()
					default:
					}
				}
				score, err := kernel.Score(metric, query, candidates[i].Vector)
				if err != nil {
					return err
				}
				h.Push(heap.Item{ID: candidates[i].ID, Score: score})
			}
			partials[w] = h.IntoSorted()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	return mergePartials(partials, metric, k), nil
}

func newBounded(metric kernel.Metric, k int) *heap.Bounded {
	if metric.HigherIsMoreSimilar() {
		return heap.NewMax(k)
	}
	return heap.NewMin(k)
}

// mergePartials merges each worker's sorted partial result list into a
// single top-k list, preserving the metric's polarity.
func mergePartials(partials [][]heap.Item, metric kernel.Metric, k int) []heap.Item {
	merged := newBounded(metric, k)
	for _, partial := range partials {
		for _, item := range partial {
			merged.Push(item)
		}
	}
	return merged.IntoSorted()
}
