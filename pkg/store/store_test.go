package store

import (
	"context"
	"testing"

	"github.com/ahnlich/ahnlich-go/pkg/metadata"
	"github.com/ahnlich/ahnlich-go/pkg/predicate"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return NewEngine(nil)
}

// TestCreateSetGetPredicate creates a store, sets three entries, and
// retrieves by predicate.
func TestCreateSetGetPredicate(t *testing.T) {
	e := newTestEngine(t)
	cfg := Config{Dimension: 4, AllowedPredicates: []string{"author"}}
	if err := e.CreateStoreStrict("books", cfg); err != nil {
		t.Fatal(err)
	}

	dickens := metadata.Map{"author": metadata.String("dickens")}
	orwell := metadata.Map{"author": metadata.String("orwell")}
	entries := []Entry{
		{Vector: []float32{1, 0, 0, 0}, Metadata: dickens},
		{Vector: []float32{0, 1, 0, 0}, Metadata: dickens},
		{Vector: []float32{0, 0, 1, 0}, Metadata: orwell},
	}
	inserted, updated, err := e.Set("books", entries)
	if err != nil {
		t.Fatal(err)
	}
	if inserted != 3 || updated != 0 {
		t.Fatalf("inserted=%d updated=%d, want 3,0", inserted, updated)
	}

	hits, err := e.GetPred("books", predicate.Equals("author", metadata.String("dickens")))
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 {
		t.Fatalf("len(hits) = %d, want 2", len(hits))
	}
}

func TestSimilarityWithPredicateFilter(t *testing.T) {
	e := newTestEngine(t)
	cfg := Config{Dimension: 4, AllowedPredicates: []string{"author"}}
	if err := e.CreateStoreStrict("books", cfg); err != nil {
		t.Fatal(err)
	}
	dickens := metadata.Map{"author": metadata.String("dickens")}
	orwell := metadata.Map{"author": metadata.String("orwell")}
	_, _, err := e.Set("books", []Entry{
		{Vector: []float32{1, 0, 0, 0}, Metadata: dickens},
		{Vector: []float32{0, 1, 0, 0}, Metadata: dickens},
		{Vector: []float32{0, 0, 1, 0}, Metadata: orwell},
	})
	if err != nil {
		t.Fatal(err)
	}

	hits, err := e.GetSimN(context.Background(), "books", []float32{1, 0, 0, 0}, 1, AlgoCosine,
		predicate.Equals("author", metadata.String("orwell")))
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 {
		t.Fatalf("len(hits) = %d, want 1", len(hits))
	}
	if hits[0].Score != 0 {
		t.Fatalf("score = %v, want 0", hits[0].Score)
	}
}

// TestDimensionMismatchRejected checks a wrong-length vector fails the
// whole Set call and leaves the store size unchanged.
func TestDimensionMismatchRejected(t *testing.T) {
	e := newTestEngine(t)
	if err := e.CreateStoreStrict("books", Config{Dimension: 4}); err != nil {
		t.Fatal(err)
	}
	_, _, err := e.Set("books", []Entry{{Vector: []float32{1, 0, 0}}})
	if err == nil {
		t.Fatal("expected DimensionMismatch error")
	}

	infos := e.ListStores()
	if len(infos) != 1 || infos[0].Size != 0 {
		t.Fatalf("store state changed after failed set: %+v", infos)
	}
}

func TestCreateStoreIdempotentUnlessStrict(t *testing.T) {
	e := newTestEngine(t)
	cfg := Config{Dimension: 4}
	if err := e.CreateStore("s1", cfg); err != nil {
		t.Fatal(err)
	}
	if err := e.CreateStore("s1", cfg); err != nil {
		t.Fatalf("idempotent create_store should not error: %v", err)
	}
	if err := e.CreateStoreStrict("s1", cfg); err == nil {
		t.Fatal("expected AlreadyExists with error_if_exists")
	}
}

func TestSetUpsertReportsInsertedVsUpdated(t *testing.T) {
	e := newTestEngine(t)
	if err := e.CreateStoreStrict("s1", Config{Dimension: 2}); err != nil {
		t.Fatal(err)
	}
	v := []float32{1, 2}
	if _, _, err := e.Set("s1", []Entry{{Vector: v, Metadata: metadata.Map{"a": metadata.String("1")}}}); err != nil {
		t.Fatal(err)
	}
	ins, upd, err := e.Set("s1", []Entry{{Vector: v, Metadata: metadata.Map{"a": metadata.String("2")}}})
	if err != nil {
		t.Fatal(err)
	}
	if ins != 0 || upd != 1 {
		t.Fatalf("inserted=%d updated=%d, want 0,1", ins, upd)
	}

	hits, _ := e.GetKey("s1", [][]float32{v})
	if len(hits) != 1 || hits[0].Metadata["a"].Str != "2" {
		t.Fatalf("upsert did not replace metadata: %+v", hits)
	}
}

func TestReservedMetadataKeyRejected(t *testing.T) {
	e := newTestEngine(t)
	if err := e.CreateStoreStrict("s1", Config{Dimension: 2}); err != nil {
		t.Fatal(err)
	}
	_, _, err := e.Set("s1", []Entry{{
		Vector:   []float32{1, 2},
		Metadata: metadata.Map{metadata.ReservedKey: metadata.String("x")},
	}})
	if err == nil {
		t.Fatal("expected reserved-key write to be rejected")
	}
}

func TestDropStoreAndPurge(t *testing.T) {
	e := newTestEngine(t)
	_ = e.CreateStore("a", Config{Dimension: 2})
	_ = e.CreateStore("b", Config{Dimension: 2})

	n, err := e.DropStore("a", true)
	if err != nil || n != 1 {
		t.Fatalf("DropStore: n=%d err=%v", n, err)
	}
	if _, err := e.DropStore("a", true); err == nil {
		t.Fatal("expected NotFound dropping an already-dropped store")
	}

	purged := e.PurgeStores()
	if purged != 1 {
		t.Fatalf("purged = %d, want 1", purged)
	}
	if len(e.ListStores()) != 0 {
		t.Fatal("expected no stores after purge")
	}
}

func TestCreatePredIndexBackfill(t *testing.T) {
	e := newTestEngine(t)
	if err := e.CreateStoreStrict("s1", Config{Dimension: 2}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := e.Set("s1", []Entry{
		{Vector: []float32{1, 0}, Metadata: metadata.Map{"genre": metadata.String("scifi")}},
	}); err != nil {
		t.Fatal(err)
	}

	added, err := e.CreatePredIndex("s1", []string{"genre"}, true)
	if err != nil {
		t.Fatal(err)
	}
	if added != 1 {
		t.Fatalf("added = %d, want 1", added)
	}

	hits, err := e.GetPred("s1", predicate.Equals("genre", metadata.String("scifi")))
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 {
		t.Fatalf("backfilled predicate index found %d hits, want 1", len(hits))
	}
}

func TestCreateAndDropNonlinearIndex(t *testing.T) {
	e := newTestEngine(t)
	if err := e.CreateStoreStrict("s1", Config{Dimension: 2}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 20; i++ {
		if _, _, err := e.Set("s1", []Entry{{Vector: []float32{float32(i), float32(i)}}}); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := e.CreateNonlinearIndex("s1", []NonLinearKind{KindKDTree}); err != nil {
		t.Fatal(err)
	}
	hits, err := e.GetSimN(context.Background(), "s1", []float32{19, 19}, 1, AlgoKDTree, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 {
		t.Fatalf("kd-tree search len = %d, want 1", len(hits))
	}

	n, err := e.DropNonlinearIndex("s1", []NonLinearKind{KindKDTree}, true)
	if err != nil || n != 1 {
		t.Fatalf("DropNonlinearIndex: n=%d err=%v", n, err)
	}
	if _, err := e.GetSimN(context.Background(), "s1", []float32{0, 0}, 1, AlgoKDTree, nil); err == nil {
		t.Fatal("expected error searching a dropped kd-tree index")
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	if err := e.CreateStoreStrict("s1", Config{Dimension: 3, AllowedPredicates: []string{"k"}}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if _, _, err := e.Set("s1", []Entry{{
			Vector:   []float32{float32(i), float32(i + 1), float32(i + 2)},
			Metadata: metadata.Map{"k": metadata.String("v")},
		}}); err != nil {
			t.Fatal(err)
		}
	}

	snaps := e.Snapshots()
	restored := NewEngine(nil)
	restored.Restore(snaps)

	infos := restored.ListStores()
	if len(infos) != 1 || infos[0].Size != 5 {
		t.Fatalf("restored store state: %+v", infos)
	}
	hits, err := restored.GetPred("s1", predicate.Equals("k", metadata.String("v")))
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 5 {
		t.Fatalf("restored predicate index found %d, want 5", len(hits))
	}
}

// TestSnapshotCarriesPredIndexAddedAfterCreate pins that a predicate index
// added after store creation survives a snapshot round trip, not just the
// creation-time allowed set.
func TestSnapshotCarriesPredIndexAddedAfterCreate(t *testing.T) {
	e := newTestEngine(t)
	if err := e.CreateStoreStrict("s1", Config{Dimension: 2}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := e.Set("s1", []Entry{
		{Vector: []float32{1, 0}, Metadata: metadata.Map{"genre": metadata.String("scifi")}},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.CreatePredIndex("s1", []string{"genre"}, true); err != nil {
		t.Fatal(err)
	}

	restored := NewEngine(nil)
	restored.Restore(e.Snapshots())

	hits, err := restored.GetPred("s1", predicate.Equals("genre", metadata.String("scifi")))
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 {
		t.Fatalf("restored late-added predicate index found %d hits, want 1", len(hits))
	}
}

func TestDelKeyAndDelPred(t *testing.T) {
	e := newTestEngine(t)
	if err := e.CreateStoreStrict("s1", Config{Dimension: 2, AllowedPredicates: []string{"tag"}}); err != nil {
		t.Fatal(err)
	}
	v1 := []float32{1, 1}
	v2 := []float32{2, 2}
	_, _, err := e.Set("s1", []Entry{
		{Vector: v1, Metadata: metadata.Map{"tag": metadata.String("keep")}},
		{Vector: v2, Metadata: metadata.Map{"tag": metadata.String("drop")}},
	})
	if err != nil {
		t.Fatal(err)
	}

	n, err := e.DelPred("s1", predicate.Equals("tag", metadata.String("drop")))
	if err != nil || n != 1 {
		t.Fatalf("DelPred: n=%d err=%v", n, err)
	}
	infos := e.ListStores()
	if infos[0].Size != 1 {
		t.Fatalf("size = %d, want 1", infos[0].Size)
	}

	n, err = e.DelKey("s1", [][]float32{v1})
	if err != nil || n != 1 {
		t.Fatalf("DelKey: n=%d err=%v", n, err)
	}
	if e.ListStores()[0].Size != 0 {
		t.Fatal("expected empty store after deleting remaining key")
	}
}
