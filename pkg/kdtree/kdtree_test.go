package kdtree

import (
	"testing"

	"github.com/ahnlich/ahnlich-go/pkg/vectorid"
)

func gridPoints(n int) []Point {
	out := make([]Point, n)
	for i := 0; i < n; i++ {
		out[i] = Point{ID: vectorid.ID(i), Vector: []float32{float32(i), float32(i) * 0.5}}
	}
	return out
}

func TestBuildAndSearchFindsNearest(t *testing.T) {
	tree := New(2)
	if err := tree.Build(gridPoints(200)); err != nil {
		t.Fatal(err)
	}

	results, err := tree.Search([]float32{100, 50}, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("len = %d, want 1", len(results))
	}
	if results[0].ID != vectorid.ID(100) {
		t.Fatalf("nearest id = %v, want 100", results[0].ID)
	}
}

func TestInsertThenSearch(t *testing.T) {
	tree := New(2)
	if err := tree.Build(gridPoints(50)); err != nil {
		t.Fatal(err)
	}
	if err := tree.Insert(vectorid.ID(999), []float32{25.01, 12.5}); err != nil {
		t.Fatal(err)
	}

	results, err := tree.Search([]float32{25.01, 12.5}, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if results[0].ID != vectorid.ID(999) {
		t.Fatalf("expected inserted point to win, got %v", results[0].ID)
	}
}

func TestDeleteExcludesTombstonedNode(t *testing.T) {
	tree := New(2)
	points := gridPoints(10)
	if err := tree.Build(points); err != nil {
		t.Fatal(err)
	}

	target := points[5]
	if ok := tree.Delete(target.ID, target.Vector); !ok {
		t.Fatal("expected delete to find the node")
	}

	results, err := tree.Search(target.Vector, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) == 1 && results[0].ID == target.ID {
		t.Fatalf("deleted node still returned by search: %+v", results)
	}
	if tree.Len() != 9 {
		t.Fatalf("len = %d, want 9", tree.Len())
	}
}

func TestDeleteTriggersRebalance(t *testing.T) {
	tree := New(2)
	points := gridPoints(20)
	if err := tree.Build(points); err != nil {
		t.Fatal(err)
	}

	// Delete enough points that tombstones exceed half the live count: after
	// the 7th deletion 7 > 0.5*13, so the tree rebuilds and drops tombstones.
	for i := 0; i < 7; i++ {
		if !tree.Delete(points[i].ID, points[i].Vector) {
			t.Fatalf("delete %d failed", i)
		}
	}
	if tree.Len() != 13 {
		t.Fatalf("len = %d, want 13", tree.Len())
	}

	// After rebuild, a fresh search over remaining points should still work.
	results, err := tree.Search(points[15].Vector, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if results[0].ID != points[15].ID {
		t.Fatalf("got %v, want %v", results[0].ID, points[15].ID)
	}
}

func TestSearchHonoursAcceptList(t *testing.T) {
	tree := New(2)
	if err := tree.Build(gridPoints(100)); err != nil {
		t.Fatal(err)
	}

	accept := func(id vectorid.ID) bool { return id == vectorid.ID(42) }
	results, err := tree.Search([]float32{100, 50}, 5, accept)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].ID != vectorid.ID(42) {
		t.Fatalf("expected only accepted id 42, got %+v", results)
	}
}

func TestDimensionMismatchRejected(t *testing.T) {
	tree := New(3)
	if err := tree.Insert(vectorid.ID(1), []float32{1, 2}); err == nil {
		t.Fatal("expected dimension mismatch error")
	}
	if _, err := tree.Search([]float32{1, 2}, 1, nil); err == nil {
		t.Fatal("expected dimension mismatch error")
	}
}
