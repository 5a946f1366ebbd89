package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ahnlich/ahnlich-go/internal/memquota"
	"github.com/ahnlich/ahnlich-go/pkg/ahnerr"
	"github.com/ahnlich/ahnlich-go/pkg/hnsw"
	"github.com/ahnlich/ahnlich-go/pkg/kernel"
	"github.com/ahnlich/ahnlich-go/pkg/metadata"
	"github.com/ahnlich/ahnlich-go/pkg/predicate"
	"github.com/ahnlich/ahnlich-go/pkg/vectorid"
)

// Info is one row of list_stores: a store's name, live entry count, and an
// approximate resident byte size.
type Info struct {
	Name  string
	Size  int
	Bytes int64
}

// Engine is the replica-wide collection of named stores; store names are
// unique within a replica. It is the thing a replication adapter and a
// persistence loop hold a reference to.
type Engine struct {
	mu     sync.RWMutex
	stores map[string]*Store
	quota  *memquota.Quota
	dirty  atomic.Bool
}

// NewEngine returns an empty Engine gated by the given memory quota (a nil
// quota disables the allocation ceiling check, matching memquota.New(0)).
func NewEngine(quota *memquota.Quota) *Engine {
	if quota == nil {
		quota = memquota.New(0)
	}
	return &Engine{stores: make(map[string]*Store), quota: quota}
}

// Dirty reports whether any store operation has mutated state since the
// last ClearDirty, using acquire-ordering semantics via atomic.Bool.
func (e *Engine) Dirty() bool { return e.dirty.Load() }

// ClearDirty clears the dirty flag; the persistence loop calls this
// immediately before serialising a snapshot.
func (e *Engine) ClearDirty() { e.dirty.Store(false) }

func (e *Engine) markDirty() { e.dirty.Store(true) }

// MarkDirty re-sets the dirty flag. The persistence loop calls this
// when a snapshot write fails, so the next tick retries rather than
// silently losing the pending write.
func (e *Engine) MarkDirty() { e.markDirty() }

// CreateStore registers a new named store. Re-creating an existing store is
// a no-op; CreateStoreStrict returns an AlreadyExists error instead.
func (e *Engine) CreateStore(name string, cfg Config) error {
	return e.createStore(name, cfg, false)
}

// CreateStoreStrict is CreateStore with error_if_exists=true.
func (e *Engine) CreateStoreStrict(name string, cfg Config) error {
	return e.createStore(name, cfg, true)
}

func (e *Engine) createStore(name string, cfg Config, errorIfExists bool) error {
	if cfg.Dimension <= 0 {
		return ahnerr.Wrap("create_store", ahnerr.KindValidation, fmt.Errorf("store %q: dimension must be non-zero", name))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.stores[name]; exists {
		if errorIfExists {
			return ahnerr.Wrap("create_store", ahnerr.KindAlreadyExists,
				fmt.Errorf("%w: store %q", ahnerr.ErrAlreadyExists, name))
		}
		return nil
	}

	e.stores[name] = newStore(name, cfg, e.quota, &e.dirty)
	e.markDirty()
	return nil
}

// DropStore removes a store, returning the number removed (0 or 1). If
// errorIfNotExists is set and name is absent, returns NotFound.
func (e *Engine) DropStore(name string, errorIfNotExists bool) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.stores[name]; !ok {
		if errorIfNotExists {
			return 0, ahnerr.Wrap("drop_store", ahnerr.KindNotFound,
				fmt.Errorf("%w: store %q", ahnerr.ErrNotFound, name))
		}
		return 0, nil
	}
	delete(e.stores, name)
	e.markDirty()
	return 1, nil
}

// ListStores returns one Info per live store.
func (e *Engine) ListStores() []Info {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Info, 0, len(e.stores))
	for name, s := range e.stores {
		out = append(out, Info{Name: name, Size: s.Len(), Bytes: s.approxBytes()})
	}
	return out
}

// PurgeStores drops every store, returning the count removed.
func (e *Engine) PurgeStores() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := len(e.stores)
	e.stores = make(map[string]*Store)
	if n > 0 {
		e.markDirty()
	}
	return n
}

func (e *Engine) get(name string) (*Store, error) {
	e.mu.RLock()
	s, ok := e.stores[name]
	e.mu.RUnlock()
	if !ok {
		return nil, ahnerr.Wrap("", ahnerr.KindNotFound, fmt.Errorf("%w: store %q", ahnerr.ErrNotFound, name))
	}
	return s, nil
}

// Set upserts entries into the named store.
func (e *Engine) Set(name string, entries []Entry) (inserted, updated int, err error) {
	s, err := e.get(name)
	if err != nil {
		return 0, 0, err
	}
	return s.Set(entries)
}

// DelKey removes entries by vector from the named store.
func (e *Engine) DelKey(name string, vectors [][]float32) (int, error) {
	s, err := e.get(name)
	if err != nil {
		return 0, err
	}
	return s.DelKey(vectors), nil
}

// DelPred removes entries matching cond from the named store.
func (e *Engine) DelPred(name string, cond *predicate.Condition) (int, error) {
	s, err := e.get(name)
	if err != nil {
		return 0, err
	}
	return s.DelPred(cond), nil
}

// GetKey looks up entries by vector in the named store.
func (e *Engine) GetKey(name string, vectors [][]float32) ([]Hit, error) {
	s, err := e.get(name)
	if err != nil {
		return nil, err
	}
	return s.GetKey(vectors), nil
}

// GetPred looks up entries matching cond in the named store.
func (e *Engine) GetPred(name string, cond *predicate.Condition) ([]Hit, error) {
	s, err := e.get(name)
	if err != nil {
		return nil, err
	}
	return s.GetPred(cond), nil
}

// GetSimN runs a similarity query against the named store.
func (e *Engine) GetSimN(ctx context.Context, name string, query []float32, k int, algo Algorithm, cond *predicate.Condition) ([]Hit, error) {
	s, err := e.get(name)
	if err != nil {
		return nil, err
	}
	return s.GetSimN(ctx, query, k, algo, cond)
}

// CreatePredIndex adds keys to the named store's predicate index. When
// backfill is true, existing entries are scanned and indexed immediately
// for the newly-allowed keys; the caller opts into backfill explicitly.
// Returns the number of keys actually newly added.
func (e *Engine) CreatePredIndex(name string, keys []string, backfill bool) (int, error) {
	s, err := e.get(name)
	if err != nil {
		return 0, err
	}
	return s.AddPredicateKeys(keys, backfill), nil
}

// DropPredIndex removes keys from the named store's predicate index. If
// errorIfNotExists is set, any key not currently indexed makes the whole
// call fail with IndexNotFound (no partial removal happens in that case).
func (e *Engine) DropPredIndex(name string, keys []string, errorIfNotExists bool) (int, error) {
	s, err := e.get(name)
	if err != nil {
		return 0, err
	}
	if errorIfNotExists {
		for _, k := range keys {
			if !s.pred.IsAllowed(k) {
				return 0, ahnerr.Wrap("drop_pred_index", ahnerr.KindNotFound,
					fmt.Errorf("%w: predicate index %q", ahnerr.ErrNotFound, k))
			}
		}
	}
	return s.DropPredicateKeys(keys), nil
}

// CreateNonlinearIndex adds the given index kinds to the named store,
// backfilling from every currently-stored vector.
func (e *Engine) CreateNonlinearIndex(name string, kinds []NonLinearKind) (int, error) {
	s, err := e.get(name)
	if err != nil {
		return 0, err
	}
	return s.AddNonLinearIndices(kinds), nil
}

// DropNonlinearIndex removes the given index kinds from the named store.
func (e *Engine) DropNonlinearIndex(name string, kinds []NonLinearKind, errorIfNotExists bool) (int, error) {
	s, err := e.get(name)
	if err != nil {
		return 0, err
	}
	if errorIfNotExists {
		for _, k := range kinds {
			if !s.hasNonLinearIndex(k) {
				return 0, ahnerr.Wrap("drop_nonlinear_index", ahnerr.KindNotFound,
					fmt.Errorf("%w: nonlinear index", ahnerr.ErrNotFound))
			}
		}
	}
	return s.DropNonLinearIndices(kinds), nil
}

// Snapshot is the serialisable shape of one store, used by pkg/persistence
// to write and restore the engine's full state.
type Snapshot struct {
	Name              string
	Dimension         int
	AllowedPredicates []string
	NonLinearKinds    []NonLinearKind
	HNSWConfig        hnswConfigSnapshot
	Entries           []EntrySnapshot
}

// EntrySnapshot is one (id, vector, metadata) row within a store snapshot.
type EntrySnapshot struct {
	ID       vectorid.ID
	Vector   []float32
	Metadata metadata.Map
}

type hnswConfigSnapshot struct {
	M                     int
	M0                    int
	EfConstruction        int
	EfSearch              int
	ExtendCandidates      bool
	KeepPrunedConnections bool
	Metric                int
}

// Snapshots renders every store's live state for serialisation.
func (e *Engine) Snapshots() []Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Snapshot, 0, len(e.stores))
	for name, s := range e.stores {
		out = append(out, s.snapshot(name))
	}
	return out
}

// Restore replaces the engine's entire store set with the given snapshots,
// rebuilding every configured index from the snapshotted entries.
func (e *Engine) Restore(snapshots []Snapshot) {
	e.mu.Lock()
	defer e.mu.Unlock()

	stores := make(map[string]*Store, len(snapshots))
	for _, snap := range snapshots {
		cfg := Config{
			Dimension:         snap.Dimension,
			AllowedPredicates: snap.AllowedPredicates,
			NonLinearKinds:    snap.NonLinearKinds,
			HNSWConfig: hnsw.Config{
				M:                     snap.HNSWConfig.M,
				M0:                    snap.HNSWConfig.M0,
				EfConstruction:        snap.HNSWConfig.EfConstruction,
				EfSearch:              snap.HNSWConfig.EfSearch,
				ExtendCandidates:      snap.HNSWConfig.ExtendCandidates,
				KeepPrunedConnections: snap.HNSWConfig.KeepPrunedConnections,
				Metric:                kernel.Metric(snap.HNSWConfig.Metric),
			},
		}
		s := newStore(snap.Name, cfg, e.quota, &e.dirty)
		for _, ent := range snap.Entries {
			s.restoreEntry(ent.ID, ent.Vector, ent.Metadata)
		}
		stores[snap.Name] = s
	}
	e.stores = stores
}
