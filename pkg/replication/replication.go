// Package replication implements the adapter that applies an ordered
// external command stream to the store engine with idempotent per-client
// sequence dedup. The Raft log itself — ordering, consensus,
// durability of the log — is an external collaborator; this package
// only owns what happens once a command has already been ordered and
// handed to it.
package replication

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/ahnlich/ahnlich-go/pkg/ahlog"
	"github.com/ahnlich/ahnlich-go/pkg/ahnerr"
	"github.com/ahnlich/ahnlich-go/pkg/predicate"
	"github.com/ahnlich/ahnlich-go/pkg/store"
)

// Op names the store.Engine operation a Command dispatches to.
type Op int

const (
	OpCreateStore Op = iota
	OpDropStore
	OpPurgeStores
	OpSet
	OpDelKey
	OpDelPred
	OpCreatePredIndex
	OpDropPredIndex
	OpCreateNonlinearIndex
	OpDropNonlinearIndex
)

// IsAdmin reports whether op is a store/index-management command as
// opposed to a data-mutation command. Both classes share one dedup
// keyspace.
func (op Op) IsAdmin() bool {
	switch op {
	case OpCreateStore, OpDropStore, OpPurgeStores, OpCreatePredIndex, OpDropPredIndex, OpCreateNonlinearIndex, OpDropNonlinearIndex:
		return true
	default:
		return false
	}
}

// Command is one ordered entry in the external write stream, tagged with
// the (client_id, request_id) pair the dedup map keys on.
type Command struct {
	ClientID  string
	RequestID uint64

	Op        Op
	StoreName string

	ErrorIfExists    bool
	ErrorIfNotExists bool

	StoreConfig    store.Config
	Entries        []store.Entry
	Vectors        [][]float32
	Condition      *predicate.Condition
	PredicateKeys  []string
	Backfill       bool
	NonLinearKinds []store.NonLinearKind
}

// Response is the well-typed result of applying one Command: exactly one
// outcome kind is populated depending on Op. Err holds the replication-layer
// storage error message when the underlying store operation failed,
// preserving the original message so a cached replay is byte-identical
// to the first application.
type Response struct {
	Err string

	Count    int
	Inserted int
	Updated  int
}

// Error wraps a store.Engine error as a replication-layer storage error for
// Raft apply, preserving the original message.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("replication: storage error applying %s: %v", e.Op, e.Err)
}
func (e *Error) Unwrap() error { return e.Err }

type clientRecord struct {
	mu        sync.Mutex
	seen      bool
	requestID uint64
	response  Response
}

// Adapter applies an ordered command stream to an Engine, deduplicating
// retried (client_id, request_id) pairs.
type Adapter struct {
	engine  *store.Engine
	clients *xsync.MapOf[string, *clientRecord]
	log     ahlog.Logger
}

// New returns an Adapter applying commands to engine.
func New(engine *store.Engine, log ahlog.Logger) *Adapter {
	if log == nil {
		log = ahlog.Nop()
	}
	return &Adapter{
		engine:  engine,
		clients: xsync.NewMapOf[string, *clientRecord](),
		log:     log,
	}
}

// Apply applies cmd, or returns the cached response for a replayed
// (client_id, request_id) without mutating state. The pre-write dedup
// check and the post-write response cache happen under the same
// per-client lock, so duplicate client requests always see cached
// responses.
func (a *Adapter) Apply(cmd Command) (Response, error) {
	rec, _ := a.clients.LoadOrCompute(cmd.ClientID, func() *clientRecord { return &clientRecord{} })

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if rec.seen && rec.requestID >= cmd.RequestID {
		return rec.response, errFromResponse(cmd.Op, rec.response)
	}

	resp := a.dispatch(cmd)
	rec.requestID = cmd.RequestID
	rec.response = resp
	rec.seen = true
	return resp, errFromResponse(cmd.Op, resp)
}

func errFromResponse(op Op, resp Response) error {
	if resp.Err == "" {
		return nil
	}
	return &Error{Op: opName(op), Err: fmt.Errorf("%s", resp.Err)}
}

func opName(op Op) string {
	switch op {
	case OpCreateStore:
		return "create_store"
	case OpDropStore:
		return "drop_store"
	case OpPurgeStores:
		return "purge_stores"
	case OpSet:
		return "set"
	case OpDelKey:
		return "del_key"
	case OpDelPred:
		return "del_pred"
	case OpCreatePredIndex:
		return "create_pred_index"
	case OpDropPredIndex:
		return "drop_pred_index"
	case OpCreateNonlinearIndex:
		return "create_nonlinear_index"
	case OpDropNonlinearIndex:
		return "drop_nonlinear_index"
	default:
		return "unknown"
	}
}

func (a *Adapter) dispatch(cmd Command) Response {
	switch cmd.Op {
	case OpCreateStore:
		var err error
		if cmd.ErrorIfExists {
			err = a.engine.CreateStoreStrict(cmd.StoreName, cmd.StoreConfig)
		} else {
			err = a.engine.CreateStore(cmd.StoreName, cmd.StoreConfig)
		}
		return responseOf(err)

	case OpDropStore:
		n, err := a.engine.DropStore(cmd.StoreName, cmd.ErrorIfNotExists)
		return responseOf(err, withCount(n))

	case OpPurgeStores:
		n := a.engine.PurgeStores()
		return Response{Count: n}

	case OpSet:
		ins, upd, err := a.engine.Set(cmd.StoreName, cmd.Entries)
		r := responseOf(err)
		r.Inserted, r.Updated = ins, upd
		return r

	case OpDelKey:
		n, err := a.engine.DelKey(cmd.StoreName, cmd.Vectors)
		return responseOf(err, withCount(n))

	case OpDelPred:
		n, err := a.engine.DelPred(cmd.StoreName, cmd.Condition)
		return responseOf(err, withCount(n))

	case OpCreatePredIndex:
		n, err := a.engine.CreatePredIndex(cmd.StoreName, cmd.PredicateKeys, cmd.Backfill)
		return responseOf(err, withCount(n))

	case OpDropPredIndex:
		n, err := a.engine.DropPredIndex(cmd.StoreName, cmd.PredicateKeys, cmd.ErrorIfNotExists)
		return responseOf(err, withCount(n))

	case OpCreateNonlinearIndex:
		n, err := a.engine.CreateNonlinearIndex(cmd.StoreName, cmd.NonLinearKinds)
		return responseOf(err, withCount(n))

	case OpDropNonlinearIndex:
		n, err := a.engine.DropNonlinearIndex(cmd.StoreName, cmd.NonLinearKinds, cmd.ErrorIfNotExists)
		return responseOf(err, withCount(n))

	default:
		return responseOf(ahnerr.Wrap("apply", ahnerr.KindValidation, fmt.Errorf("replication: unsupported command op %d", cmd.Op)))
	}
}

func withCount(n int) func(*Response) { return func(r *Response) { r.Count = n } }

func responseOf(err error, opts ...func(*Response)) Response {
	var r Response
	if err != nil {
		r.Err = err.Error()
	}
	for _, opt := range opts {
		opt(&r)
	}
	return r
}

// dedupEntry is one row of the serialised client dedup map.
type dedupEntry struct {
	ClientID  string   `json:"client_id"`
	RequestID uint64   `json:"request_id"`
	Response  Response `json:"response"`
}

// SnapshotJSON renders the client dedup map for persistence. It
// implements persistence.ReplicationSnapshotter.
func (a *Adapter) SnapshotJSON() (json.RawMessage, error) {
	var entries []dedupEntry
	a.clients.Range(func(id string, rec *clientRecord) bool {
		rec.mu.Lock()
		if rec.seen {
			entries = append(entries, dedupEntry{ClientID: id, RequestID: rec.requestID, Response: rec.response})
		}
		rec.mu.Unlock()
		return true
	})
	return json.Marshal(entries)
}

// RestoreJSON replaces the client dedup map from a snapshot written by
// SnapshotJSON, atomically (the whole map is swapped in one assignment, so
// concurrent Apply calls never observe a half-restored map).
func (a *Adapter) RestoreJSON(raw json.RawMessage) error {
	var entries []dedupEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("replication: malformed dedup snapshot: %w", err)
	}
	clients := xsync.NewMapOf[string, *clientRecord]()
	for _, e := range entries {
		clients.Store(e.ClientID, &clientRecord{requestID: e.RequestID, response: e.Response, seen: true})
	}
	a.clients = clients
	return nil
}
