package predicate

import (
	"testing"

	"github.com/ahnlich/ahnlich-go/pkg/metadata"
	"github.com/ahnlich/ahnlich-go/pkg/vectorid"
)

func booksIndex() *Index {
	idx := New([]string{"author"})
	idx.Index(1, metadata.Map{"author": metadata.String("dickens")})
	idx.Index(2, metadata.Map{"author": metadata.String("dickens")})
	idx.Index(3, metadata.Map{"author": metadata.String("orwell")})
	return idx
}

func ids(m map[vectorid.ID]struct{}) map[vectorid.ID]bool {
	out := make(map[vectorid.ID]bool, len(m))
	for id := range m {
		out[id] = true
	}
	return out
}

func TestEqualsReturnsMatchingSet(t *testing.T) {
	idx := booksIndex()
	got := ids(idx.Match(Equals("author", metadata.String("dickens"))))
	want := map[vectorid.ID]bool{1: true, 2: true}
	if len(got) != len(want) || !got[1] || !got[2] {
		t.Fatalf("got %+v, want %+v", got, want)
	}
}

func TestEqualsMissingKeyOrValueIsEmpty(t *testing.T) {
	idx := booksIndex()
	if got := idx.Match(Equals("nonexistent_key", metadata.String("x"))); len(got) != 0 {
		t.Fatalf("expected empty, got %+v", got)
	}
	if got := idx.Match(Equals("author", metadata.String("melville"))); len(got) != 0 {
		t.Fatalf("expected empty, got %+v", got)
	}
}

func TestNotEqualsReturnsComplementWithinIndexedKey(t *testing.T) {
	idx := booksIndex()
	got := ids(idx.Match(NotEquals("author", metadata.String("dickens"))))
	if len(got) != 1 || !got[3] {
		t.Fatalf("got %+v, want {3}", got)
	}
}

func TestNotEqualsOnMissingKeyIsEmptyNotFullStore(t *testing.T) {
	idx := booksIndex()
	got := idx.Match(NotEquals("genre", metadata.String("fiction")))
	if len(got) != 0 {
		t.Fatalf("expected empty set on missing key, got %+v", got)
	}
}

func TestInUnionsEquals(t *testing.T) {
	idx := booksIndex()
	got := ids(idx.Match(In("author", []metadata.Value{metadata.String("dickens"), metadata.String("orwell")})))
	if len(got) != 3 {
		t.Fatalf("got %+v, want all 3", got)
	}
}

func TestAndIntersects(t *testing.T) {
	idx := New([]string{"author", "year"})
	idx.Index(1, metadata.Map{"author": metadata.String("dickens"), "year": metadata.String("1850")})
	idx.Index(2, metadata.Map{"author": metadata.String("dickens"), "year": metadata.String("1861")})

	got := ids(idx.Match(And(
		Equals("author", metadata.String("dickens")),
		Equals("year", metadata.String("1861")),
	)))
	if len(got) != 1 || !got[2] {
		t.Fatalf("got %+v, want {2}", got)
	}
}

func TestOrUnionsDeduplicated(t *testing.T) {
	idx := booksIndex()
	got := ids(idx.Match(Or(
		Equals("author", metadata.String("dickens")),
		Equals("author", metadata.String("orwell")),
	)))
	if len(got) != 3 {
		t.Fatalf("got %+v, want 3 entries", got)
	}
}

func TestAllowKeyBackfillsExistingEntries(t *testing.T) {
	idx := New(nil)
	existing := map[vectorid.ID]metadata.Map{
		1: {"genre": metadata.String("fiction")},
		2: {"genre": metadata.String("nonfiction")},
	}
	idx.AllowKey("genre", existing)

	got := ids(idx.Match(Equals("genre", metadata.String("fiction"))))
	if len(got) != 1 || !got[1] {
		t.Fatalf("got %+v, want {1}", got)
	}
}

func TestUnindexRemovesEntry(t *testing.T) {
	idx := booksIndex()
	idx.Unindex(1, metadata.Map{"author": metadata.String("dickens")})

	got := ids(idx.Match(Equals("author", metadata.String("dickens"))))
	if len(got) != 1 || !got[2] {
		t.Fatalf("got %+v, want {2}", got)
	}
}
