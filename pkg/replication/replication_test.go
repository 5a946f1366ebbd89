package replication

import (
	"testing"

	"github.com/ahnlich/ahnlich-go/pkg/store"
)

// TestIdempotentReplicatedApply checks that a duplicate (client_id,
// request_id) returns the cached response without mutating state.
func TestIdempotentReplicatedApply(t *testing.T) {
	engine := store.NewEngine(nil)
	adapter := New(engine, nil)

	cmd := Command{
		ClientID:      "c",
		RequestID:     5,
		Op:            OpCreateStore,
		StoreName:     "s1",
		ErrorIfExists: true,
		StoreConfig:   store.Config{Dimension: 4},
	}

	if _, err := adapter.Apply(cmd); err != nil {
		t.Fatalf("first apply: %v", err)
	}

	resp, err := adapter.Apply(cmd)
	if err != nil {
		t.Fatalf("replayed apply returned an error instead of the cached success: %v", err)
	}
	if resp.Err != "" {
		t.Fatalf("replayed response carries an error: %s", resp.Err)
	}

	infos := engine.ListStores()
	if len(infos) != 1 {
		t.Fatalf("store count = %d, want 1 (replay must not double-create)", len(infos))
	}
}

func TestNonReplayedDuplicateStoreCreationFails(t *testing.T) {
	engine := store.NewEngine(nil)
	adapter := New(engine, nil)

	cfg := store.Config{Dimension: 4}
	if _, err := adapter.Apply(Command{ClientID: "c", RequestID: 1, Op: OpCreateStore, StoreName: "s1", ErrorIfExists: true, StoreConfig: cfg}); err != nil {
		t.Fatal(err)
	}

	resp, err := adapter.Apply(Command{ClientID: "c", RequestID: 2, Op: OpCreateStore, StoreName: "s1", ErrorIfExists: true, StoreConfig: cfg})
	if err == nil {
		t.Fatal("expected AlreadyExists error for a genuinely new request colliding on name")
	}
	if resp.Err == "" {
		t.Fatal("expected cached response to carry the error text")
	}
}

func TestApplyDataCommandsAndSnapshotRoundTrip(t *testing.T) {
	engine := store.NewEngine(nil)
	adapter := New(engine, nil)

	cfg := store.Config{Dimension: 2}
	if _, err := adapter.Apply(Command{ClientID: "c", RequestID: 1, Op: OpCreateStore, StoreName: "s1", StoreConfig: cfg}); err != nil {
		t.Fatal(err)
	}
	resp, err := adapter.Apply(Command{
		ClientID:  "c",
		RequestID: 2,
		Op:        OpSet,
		StoreName: "s1",
		Entries:   []store.Entry{{Vector: []float32{1, 2}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Inserted != 1 {
		t.Fatalf("inserted = %d, want 1", resp.Inserted)
	}

	raw, err := adapter.SnapshotJSON()
	if err != nil {
		t.Fatal(err)
	}

	restored := New(store.NewEngine(nil), nil)
	if err := restored.RestoreJSON(raw); err != nil {
		t.Fatal(err)
	}

	cached, ok := restored.clients.Load("c")
	if !ok {
		t.Fatal("expected client c to survive the snapshot round trip")
	}
	if cached.requestID != 2 || cached.response.Inserted != 1 {
		t.Fatalf("restored dedup entry = %+v, want requestID=2 inserted=1", cached)
	}
}
