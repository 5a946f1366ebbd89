// Package store implements the per-store concurrent vector/metadata map
// and the Engine of named stores that coordinates the predicate, KD-tree,
// and HNSW indices over it.
package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/ahnlich/ahnlich-go/internal/memquota"
	"github.com/ahnlich/ahnlich-go/pkg/ahnerr"
	"github.com/ahnlich/ahnlich-go/pkg/heap"
	"github.com/ahnlich/ahnlich-go/pkg/hnsw"
	"github.com/ahnlich/ahnlich-go/pkg/kdtree"
	"github.com/ahnlich/ahnlich-go/pkg/kernel"
	"github.com/ahnlich/ahnlich-go/pkg/metadata"
	"github.com/ahnlich/ahnlich-go/pkg/predicate"
	"github.com/ahnlich/ahnlich-go/pkg/search"
	"github.com/ahnlich/ahnlich-go/pkg/vectorid"
)

// NonLinearKind names a sub-linear index a store may maintain alongside
// exhaustive linear search.
type NonLinearKind int

const (
	KindKDTree NonLinearKind = iota
	KindHNSW
)

// Algorithm names the similarity function or index get_sim_n dispatches on.
type Algorithm int

const (
	AlgoEuclidean Algorithm = iota
	AlgoCosine
	AlgoDotProduct
	AlgoKDTree
	AlgoHNSW
)

func (a Algorithm) metric() kernel.Metric {
	switch a {
	case AlgoCosine:
		return kernel.MetricCosine
	case AlgoDotProduct:
		return kernel.MetricDotProduct
	default:
		return kernel.MetricEuclidean
	}
}

// Config configures a single store at creation time.
type Config struct {
	Dimension         int
	AllowedPredicates []string
	NonLinearKinds    []NonLinearKind
	HNSWConfig        hnsw.Config
}

// DefaultConfig returns a Config for dimension D with no predicate or
// non-linear indices configured.
func DefaultConfig(dimension int) Config {
	return Config{Dimension: dimension}
}

// Entry is one indexed vector's stored value.
type Entry struct {
	Vector   []float32
	Metadata metadata.Map
}

// Hit is one get_sim_n result row.
type Hit struct {
	ID       vectorid.ID
	Vector   []float32
	Metadata metadata.Map
	Score    float64
}

// Store is a single named collection of vectors.
type Store struct {
	name      string
	dimension int
	cfg       Config

	data *xsync.MapOf[vectorid.ID, Entry]
	pred *predicate.Index

	mu       sync.RWMutex // guards kdIndex/hnswIndex structural changes
	kdIndex  *kdtree.Tree
	hnswSeed int64
	hnswIdx  *hnsw.Graph

	quota *memquota.Quota
	dirty *atomic.Bool
}

func newStore(name string, cfg Config, quota *memquota.Quota, dirty *atomic.Bool) *Store {
	s := &Store{
		name:      name,
		dimension: cfg.Dimension,
		cfg:       cfg,
		data:      xsync.NewMapOf[vectorid.ID, Entry](),
		pred:      predicate.New(cfg.AllowedPredicates),
		quota:     quota,
		dirty:     dirty,
		hnswSeed:  int64(vectorid.Of([]float32{float32(len(name))})) ^ hashString(name),
	}
	for _, k := range cfg.NonLinearKinds {
		switch k {
		case KindKDTree:
			s.kdIndex = kdtree.New(cfg.Dimension)
		case KindHNSW:
			hc := cfg.HNSWConfig
			if hc.M == 0 {
				hc = hnsw.DefaultConfig(s.hnswSeed)
			} else {
				hc.Seed = s.hnswSeed
			}
			s.hnswIdx = hnsw.New(cfg.Dimension, hc)
		}
	}
	return s
}

func hashString(s string) int64 {
	var h int64 = 1469598103934665603
	for i := 0; i < len(s); i++ {
		h ^= int64(s[i])
		h *= 1099511628211
	}
	return h
}

// Name returns the store's name.
func (s *Store) Name() string { return s.name }

// Dimension returns the store's fixed vector dimension.
func (s *Store) Dimension() int { return s.dimension }

// Len returns the number of entries currently stored.
func (s *Store) Len() int { return s.data.Size() }

func (s *Store) markDirty() { s.dirty.Store(true) }

// Set upserts each (vector, metadata) pair, returning (inserted, updated)
// counts. IDs are derived deterministically from each vector. A
// VectorId that already exists has its metadata replaced atomically.
func (s *Store) Set(entries []Entry) (inserted, updated int, err error) {
	for _, e := range entries {
		if len(e.Vector) != s.dimension {
			return 0, 0, ahnerr.Wrap("set", ahnerr.KindValidation,
				fmt.Errorf("%w: store %q expects dimension %d, got %d", ahnerr.ErrDimensionMismatch, s.name, s.dimension, len(e.Vector)))
		}
		if err := metadata.ValidateUserWrite(e.Metadata); err != nil {
			return 0, 0, ahnerr.Wrap("set", ahnerr.KindValidation, err)
		}
	}

	release, err := s.quota.Reserve(int64(len(entries)) * int64(s.dimension) * 4)
	if err != nil {
		return 0, 0, ahnerr.Wrap("set", ahnerr.KindCapacity, err)
	}
	defer release()

	for _, e := range entries {
		id := vectorid.Of(e.Vector)
		if old, existed := s.data.Load(id); existed {
			s.pred.Unindex(id, old.Metadata)
			updated++
		} else {
			inserted++
			s.insertIntoIndices(id, e.Vector)
		}
		s.data.Store(id, Entry{Vector: e.Vector, Metadata: e.Metadata.Clone()})
		s.pred.Index(id, e.Metadata)
	}
	s.markDirty()
	return inserted, updated, nil
}

func (s *Store) insertIntoIndices(id vectorid.ID, vector []float32) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.kdIndex != nil {
		_ = s.kdIndex.Insert(id, vector)
	}
	if s.hnswIdx != nil {
		_ = s.hnswIdx.Insert(id, vector)
	}
}

func (s *Store) removeFromIndices(id vectorid.ID, vector []float32) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.kdIndex != nil {
		s.kdIndex.Delete(id, vector)
	}
	if s.hnswIdx != nil {
		_ = s.hnswIdx.Delete(id)
	}
}

// DelKey removes the entries for the given vectors, returning the count
// actually removed.
func (s *Store) DelKey(vectors [][]float32) int {
	count := 0
	for _, v := range vectors {
		id := vectorid.Of(v)
		if e, ok := s.data.LoadAndDelete(id); ok {
			s.pred.Unindex(id, e.Metadata)
			s.removeFromIndices(id, e.Vector)
			count++
		}
	}
	if count > 0 {
		s.markDirty()
	}
	return count
}

// DelPred removes every entry matching cond, returning the count removed.
func (s *Store) DelPred(cond *predicate.Condition) int {
	matched := s.pred.Match(cond)
	count := 0
	for id := range matched {
		if e, ok := s.data.LoadAndDelete(id); ok {
			s.pred.Unindex(id, e.Metadata)
			s.removeFromIndices(id, e.Vector)
			count++
		}
	}
	if count > 0 {
		s.markDirty()
	}
	return count
}

// GetKey returns the stored entries for the given vectors (missing ones
// are silently omitted, matching a keyed lookup over a map).
func (s *Store) GetKey(vectors [][]float32) []Hit {
	out := make([]Hit, 0, len(vectors))
	for _, v := range vectors {
		id := vectorid.Of(v)
		if e, ok := s.data.Load(id); ok {
			out = append(out, Hit{ID: id, Vector: e.Vector, Metadata: e.Metadata})
		}
	}
	return out
}

// GetPred returns every entry matching cond.
func (s *Store) GetPred(cond *predicate.Condition) []Hit {
	matched := s.pred.Match(cond)
	out := make([]Hit, 0, len(matched))
	for id := range matched {
		if e, ok := s.data.Load(id); ok {
			out = append(out, Hit{ID: id, Vector: e.Vector, Metadata: e.Metadata})
		}
	}
	return out
}

// GetSimN runs the get_sim_n algorithm: resolve the candidate set
// (narrowed by cond if present, otherwise the whole store), then dispatch
// on algo to either linear search or a non-linear index.
func (s *Store) GetSimN(ctx context.Context, query []float32, k int, algo Algorithm, cond *predicate.Condition) ([]Hit, error) {
	if len(query) != s.dimension {
		return nil, ahnerr.Wrap("get_sim_n", ahnerr.KindValidation,
			fmt.Errorf("%w: store %q expects dimension %d, got %d", ahnerr.ErrDimensionMismatch, s.name, s.dimension, len(query)))
	}

	var accept map[vectorid.ID]struct{}
	narrowed := cond != nil
	if narrowed {
		accept = s.pred.Match(cond)
	}

	switch algo {
	case AlgoKDTree:
		return s.searchKDTree(query, k, narrowed, accept)
	case AlgoHNSW:
		return s.searchHNSW(query, k, narrowed, accept)
	default:
		return s.searchLinear(ctx, query, k, algo.metric(), narrowed, accept)
	}
}

func (s *Store) searchLinear(ctx context.Context, query []float32, k int, metric kernel.Metric, narrowed bool, accept map[vectorid.ID]struct{}) ([]Hit, error) {
	var candidates []search.Candidate
	if narrowed {
		candidates = make([]search.Candidate, 0, len(accept))
		for id := range accept {
			if e, ok := s.data.Load(id); ok {
				candidates = append(candidates, search.Candidate{ID: id, Vector: e.Vector})
			}
		}
	} else {
		candidates = make([]search.Candidate, 0, s.data.Size())
		s.data.Range(func(id vectorid.ID, e Entry) bool {
			candidates = append(candidates, search.Candidate{ID: id, Vector: e.Vector})
			return true
		})
	}

	items, err := search.Linear(ctx, query, candidates, metric, k)
	if err != nil {
		return nil, ahnerr.Wrap("get_sim_n", ahnerr.KindTransient, err)
	}
	return s.hitsFromItems(items), nil
}

func (s *Store) searchKDTree(query []float32, k int, narrowed bool, accept map[vectorid.ID]struct{}) ([]Hit, error) {
	s.mu.RLock()
	tree := s.kdIndex
	s.mu.RUnlock()
	if tree == nil {
		return nil, ahnerr.Wrap("get_sim_n", ahnerr.KindValidation, fmt.Errorf("store %q has no kd-tree index configured", s.name))
	}

	var filter kdtree.Accept
	if narrowed {
		filter = func(id vectorid.ID) bool { _, ok := accept[id]; return ok }
	}
	items, err := tree.Search(query, k, filter)
	if err != nil {
		return nil, ahnerr.Wrap("get_sim_n", ahnerr.KindTransient, err)
	}
	return s.hitsFromItems(items), nil
}

func (s *Store) searchHNSW(query []float32, k int, narrowed bool, accept map[vectorid.ID]struct{}) ([]Hit, error) {
	s.mu.RLock()
	graph := s.hnswIdx
	s.mu.RUnlock()
	if graph == nil {
		return nil, ahnerr.Wrap("get_sim_n", ahnerr.KindValidation, fmt.Errorf("store %q has no hnsw index configured", s.name))
	}

	var filter hnsw.Accept
	if narrowed {
		filter = func(id vectorid.ID) bool { _, ok := accept[id]; return ok }
	}
	ids, scores, err := graph.Search(query, k, filter)
	if err != nil {
		return nil, ahnerr.Wrap("get_sim_n", ahnerr.KindTransient, err)
	}
	out := make([]Hit, 0, len(ids))
	for i, id := range ids {
		if e, ok := s.data.Load(id); ok {
			out = append(out, Hit{ID: id, Vector: e.Vector, Metadata: e.Metadata, Score: scores[i]})
		}
	}
	return out, nil
}

func (s *Store) hitsFromItems(items []heap.Item) []Hit {
	out := make([]Hit, 0, len(items))
	for _, it := range items {
		if e, ok := s.data.Load(it.ID); ok {
			out = append(out, Hit{ID: it.ID, Vector: e.Vector, Metadata: e.Metadata, Score: it.Score})
		}
	}
	return out
}

// approxBytes estimates the store's resident byte size for list_stores: the
// raw vector floats plus a fixed per-entry overhead for metadata and index
// bookkeeping the engine does not track precisely.
func (s *Store) approxBytes() int64 {
	const perEntryOverhead = 64
	n := int64(s.data.Size())
	return n * (int64(s.dimension)*4 + perEntryOverhead)
}

// AddPredicateKeys adds keys to the allowed predicate set. When backfill is
// true every currently-stored entry is scanned so the new keys are
// immediately queryable. Returns the count of keys newly added (keys
// already allowed are not recounted).
func (s *Store) AddPredicateKeys(keys []string, backfill bool) int {
	var scan map[vectorid.ID]metadata.Map
	if backfill {
		scan = make(map[vectorid.ID]metadata.Map, s.data.Size())
		s.data.Range(func(id vectorid.ID, e Entry) bool {
			scan[id] = e.Metadata
			return true
		})
	}

	added := 0
	for _, k := range keys {
		if s.pred.IsAllowed(k) {
			continue
		}
		added++
		if backfill {
			s.pred.AllowKey(k, scan)
		} else {
			s.pred.AllowKey(k, nil)
		}
	}
	if added > 0 {
		s.markDirty()
	}
	return added
}

// DropPredicateKeys removes keys from the allowed predicate set, returning
// the count actually removed.
func (s *Store) DropPredicateKeys(keys []string) int {
	removed := 0
	for _, k := range keys {
		if !s.pred.IsAllowed(k) {
			continue
		}
		s.pred.DropKey(k)
		removed++
	}
	if removed > 0 {
		s.markDirty()
	}
	return removed
}

func (s *Store) hasNonLinearIndex(kind NonLinearKind) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch kind {
	case KindKDTree:
		return s.kdIndex != nil
	case KindHNSW:
		return s.hnswIdx != nil
	default:
		return false
	}
}

// AddNonLinearIndices builds the given index kinds (if not already present)
// and backfills them from every currently-stored vector, returning the
// count of kinds newly added.
func (s *Store) AddNonLinearIndices(kinds []NonLinearKind) int {
	added := 0
	for _, k := range kinds {
		if s.hasNonLinearIndex(k) {
			continue
		}
		added++

		s.mu.Lock()
		switch k {
		case KindKDTree:
			s.kdIndex = kdtree.New(s.dimension)
		case KindHNSW:
			hc := s.cfg.HNSWConfig
			if hc.M == 0 {
				hc = hnsw.DefaultConfig(s.hnswSeed)
			} else {
				hc.Seed = s.hnswSeed
			}
			s.hnswIdx = hnsw.New(s.dimension, hc)
		}
		s.mu.Unlock()

		s.data.Range(func(id vectorid.ID, e Entry) bool {
			switch k {
			case KindKDTree:
				_ = s.kdIndex.Insert(id, e.Vector)
			case KindHNSW:
				_ = s.hnswIdx.Insert(id, e.Vector)
			}
			return true
		})
	}
	if added > 0 {
		s.markDirty()
	}
	return added
}

// DropNonLinearIndices discards the given index kinds, returning the count
// actually present and removed.
func (s *Store) DropNonLinearIndices(kinds []NonLinearKind) int {
	removed := 0
	s.mu.Lock()
	for _, k := range kinds {
		switch k {
		case KindKDTree:
			if s.kdIndex != nil {
				s.kdIndex = nil
				removed++
			}
		case KindHNSW:
			if s.hnswIdx != nil {
				s.hnswIdx = nil
				removed++
			}
		}
	}
	s.mu.Unlock()
	if removed > 0 {
		s.markDirty()
	}
	return removed
}

// snapshot renders the store's live state for persistence.
func (s *Store) snapshot(name string) Snapshot {
	s.mu.RLock()
	hc := s.cfg.HNSWConfig
	var kinds []NonLinearKind
	if s.kdIndex != nil {
		kinds = append(kinds, KindKDTree)
	}
	if s.hnswIdx != nil {
		kinds = append(kinds, KindHNSW)
	}
	s.mu.RUnlock()

	entries := make([]EntrySnapshot, 0, s.data.Size())
	s.data.Range(func(id vectorid.ID, e Entry) bool {
		entries = append(entries, EntrySnapshot{ID: id, Vector: e.Vector, Metadata: e.Metadata})
		return true
	})

	return Snapshot{
		Name:              name,
		Dimension:         s.dimension,
		AllowedPredicates: s.pred.AllowedKeys(),
		NonLinearKinds:    kinds,
		HNSWConfig: hnswConfigSnapshot{
			M: hc.M, M0: hc.M0, EfConstruction: hc.EfConstruction, EfSearch: hc.EfSearch,
			ExtendCandidates: hc.ExtendCandidates, KeepPrunedConnections: hc.KeepPrunedConnections,
			Metric: int(hc.Metric),
		},
		Entries: entries,
	}
}

// restoreEntry re-inserts a previously-snapshotted (id, vector, metadata)
// triple without re-deriving the id, so a restored store's ids are
// byte-identical to the ones it was snapshotted with.
func (s *Store) restoreEntry(id vectorid.ID, vector []float32, meta metadata.Map) {
	s.data.Store(id, Entry{Vector: vector, Metadata: meta})
	s.pred.Index(id, meta)
	s.insertIntoIndices(id, vector)
}
