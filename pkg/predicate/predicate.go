// Package predicate implements the per-store inverted index from
// (metadata key, metadata value) to the set of vector ids carrying that
// pair, and the PredicateCondition tree matcher over it.
package predicate

import (
	"sort"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/ahnlich/ahnlich-go/pkg/metadata"
	"github.com/ahnlich/ahnlich-go/pkg/vectorid"
)

// Op names a PredicateCondition leaf or connective.
type Op int

const (
	OpEquals Op = iota
	OpNotEquals
	OpIn
	OpNotIn
	OpAnd
	OpOr
)

// Condition is a node in a PredicateCondition tree: a leaf names a key and
// one or more values; an internal node combines two subtrees. There is
// no negation node — NotIn/NotEquals carry their own negation.
type Condition struct {
	Op       Op
	Key      string
	Values   []metadata.Value
	Children []*Condition // len 2 for And/Or
}

// Equals builds an Equals(k, v) leaf.
func Equals(key string, v metadata.Value) *Condition {
	return &Condition{Op: OpEquals, Key: key, Values: []metadata.Value{v}}
}

// NotEquals builds a NotEquals(k, v) leaf.
func NotEquals(key string, v metadata.Value) *Condition {
	return &Condition{Op: OpNotEquals, Key: key, Values: []metadata.Value{v}}
}

// In builds an In(k, V) leaf.
func In(key string, values []metadata.Value) *Condition {
	return &Condition{Op: OpIn, Key: key, Values: values}
}

// NotIn builds a NotIn(k, V) leaf.
func NotIn(key string, values []metadata.Value) *Condition {
	return &Condition{Op: OpNotIn, Key: key, Values: values}
}

// And combines two subtrees by intersection.
func And(a, b *Condition) *Condition {
	return &Condition{Op: OpAnd, Children: []*Condition{a, b}}
}

// Or combines two subtrees by union.
func Or(a, b *Condition) *Condition {
	return &Condition{Op: OpOr, Children: []*Condition{a, b}}
}

// valueSet is the set of vector ids carrying one (key, value) pair.
type valueSet = *xsync.MapOf[vectorid.ID, struct{}]

// Index is the two-level concurrent predicate index for a single store:
// MetadataKey -> MetadataValue (encoded) -> Set<VectorId>.
type Index struct {
	allowed *xsync.MapOf[string, struct{}]
	keys    *xsync.MapOf[string, *xsync.MapOf[string, valueSet]]
}

// New returns an empty index over the given allowed predicate keys; only
// allowed keys are ever indexed.
func New(allowedKeys []string) *Index {
	allowed := xsync.NewMapOf[string, struct{}]()
	for _, k := range allowedKeys {
		allowed.Store(k, struct{}{})
	}
	return &Index{
		allowed: allowed,
		keys:    xsync.NewMapOf[string, *xsync.MapOf[string, valueSet]](),
	}
}

// AllowKey adds key to the allowed set. When backfill is non-nil, every
// (id, meta) pair in it is indexed for key immediately so the predicate is
// queryable against entries that already existed.
func (idx *Index) AllowKey(key string, backfill map[vectorid.ID]metadata.Map) {
	idx.allowed.Store(key, struct{}{})
	for id, meta := range backfill {
		if v, ok := meta[key]; ok {
			idx.add(key, v, id)
		}
	}
}

// DropKey removes key from the allowed set and discards its index entries.
func (idx *Index) DropKey(key string) {
	idx.allowed.Delete(key)
	idx.keys.Delete(key)
}

// IsAllowed reports whether key is currently indexed.
func (idx *Index) IsAllowed(key string) bool {
	_, ok := idx.allowed.Load(key)
	return ok
}

// AllowedKeys returns the currently allowed predicate keys, sorted. This is
// the authoritative set (creation-time keys plus any added later), which
// store snapshots persist.
func (idx *Index) AllowedKeys() []string {
	var out []string
	idx.allowed.Range(func(k string, _ struct{}) bool {
		out = append(out, k)
		return true
	})
	sort.Strings(out)
	return out
}

// Index records that id carries meta, for every allowed key present in it.
func (idx *Index) Index(id vectorid.ID, meta metadata.Map) {
	for k, v := range meta {
		if idx.IsAllowed(k) {
			idx.add(k, v, id)
		}
	}
}

// Unindex removes id's entries for every allowed key present in meta (used
// on delete and on upsert-replace, before re-indexing the new metadata).
func (idx *Index) Unindex(id vectorid.ID, meta metadata.Map) {
	for k, v := range meta {
		idx.remove(k, v, id)
	}
}

func (idx *Index) add(key string, v metadata.Value, id vectorid.ID) {
	values, _ := idx.keys.LoadOrCompute(key, func() *xsync.MapOf[string, valueSet] {
		return xsync.NewMapOf[string, valueSet]()
	})
	set, _ := values.LoadOrCompute(metadata.Encode(v), func() valueSet {
		return xsync.NewMapOf[vectorid.ID, struct{}]()
	})
	set.Store(id, struct{}{})
}

func (idx *Index) remove(key string, v metadata.Value, id vectorid.ID) {
	values, ok := idx.keys.Load(key)
	if !ok {
		return
	}
	set, ok := values.Load(metadata.Encode(v))
	if !ok {
		return
	}
	set.Delete(id)
}

// Match evaluates cond and returns the matching set of vector ids.
func (idx *Index) Match(cond *Condition) map[vectorid.ID]struct{} {
	if cond == nil {
		return map[vectorid.ID]struct{}{}
	}
	switch cond.Op {
	case OpEquals:
		return idx.lookup(cond.Key, cond.Values[0])
	case OpIn:
		out := map[vectorid.ID]struct{}{}
		for _, v := range cond.Values {
			unionInto(out, idx.lookup(cond.Key, v))
		}
		return out
	case OpNotEquals:
		return idx.lookupExcept(cond.Key, cond.Values)
	case OpNotIn:
		return idx.lookupExcept(cond.Key, cond.Values)
	case OpAnd:
		left := idx.Match(cond.Children[0])
		right := idx.Match(cond.Children[1])
		return intersect(left, right)
	case OpOr:
		left := idx.Match(cond.Children[0])
		right := idx.Match(cond.Children[1])
		unionInto(left, right)
		return left
	default:
		return map[vectorid.ID]struct{}{}
	}
}

// lookup returns index[key][value], or empty if either level is missing.
func (idx *Index) lookup(key string, v metadata.Value) map[vectorid.ID]struct{} {
	out := map[vectorid.ID]struct{}{}
	values, ok := idx.keys.Load(key)
	if !ok {
		return out
	}
	set, ok := values.Load(metadata.Encode(v))
	if !ok {
		return out
	}
	set.Range(func(id vectorid.ID, _ struct{}) bool {
		out[id] = struct{}{}
		return true
	})
	return out
}

// lookupExcept returns the union of index[key][v'] for every v' not in
// exclude. It returns empty, not the full store, if key is missing — this
// literally preserves the source engine's missing-key quirk rather than
// the set-theoretic reading of NotEquals/NotIn.
func (idx *Index) lookupExcept(key string, exclude []metadata.Value) map[vectorid.ID]struct{} {
	out := map[vectorid.ID]struct{}{}
	values, ok := idx.keys.Load(key)
	if !ok {
		return out
	}
	excluded := make(map[string]struct{}, len(exclude))
	for _, v := range exclude {
		excluded[metadata.Encode(v)] = struct{}{}
	}
	values.Range(func(encoded string, set valueSet) bool {
		if _, skip := excluded[encoded]; skip {
			return true
		}
		set.Range(func(id vectorid.ID, _ struct{}) bool {
			out[id] = struct{}{}
			return true
		})
		return true
	})
	return out
}

func unionInto(dst, src map[vectorid.ID]struct{}) {
	for id := range src {
		dst[id] = struct{}{}
	}
}

func intersect(a, b map[vectorid.ID]struct{}) map[vectorid.ID]struct{} {
	out := map[vectorid.ID]struct{}{}
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	for id := range small {
		if _, ok := large[id]; ok {
			out[id] = struct{}{}
		}
	}
	return out
}
