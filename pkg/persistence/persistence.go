// Package persistence implements the background snapshot loop:
// it periodically serialises every store's live state to a file via an
// atomic write-then-rename, and reloads that file on startup.
package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/renameio/v2"

	"github.com/ahnlich/ahnlich-go/pkg/ahlog"
	"github.com/ahnlich/ahnlich-go/pkg/ahnerr"
	"github.com/ahnlich/ahnlich-go/pkg/store"
)

// FormatVersion is written ahead of the JSON body so a loader can refuse an
// incompatible snapshot outright rather than attempt a partial deserialise.
const FormatVersion = 1

// Document is the on-disk snapshot shape: a version tag, the store map,
// and an opaque slot for a companion document (the replication dedup
// map) this package does not itself understand.
type Document struct {
	Version          int              `json:"version"`
	Stores           []store.Snapshot `json:"stores"`
	ReplicationState json.RawMessage  `json:"replication_state,omitempty"`
}

// Config configures one persistence loop: the snapshot path, the write
// interval, and whether a malformed existing snapshot fails startup.
type Config struct {
	Path            string
	Interval        time.Duration
	FailOnLoadError bool
}

// DefaultConfig returns a Config writing to path every 5 minutes, tolerant
// of a malformed existing snapshot (starts empty rather than refusing to
// boot).
func DefaultConfig(path string) Config {
	return Config{Path: path, Interval: 5 * time.Minute}
}

// ReplicationSnapshotter lets the persistence loop capture and restore an
// opaque companion document (the replication client-dedup map) alongside
// the store state, without this package importing pkg/replication.
type ReplicationSnapshotter interface {
	SnapshotJSON() (json.RawMessage, error)
	RestoreJSON(json.RawMessage) error
}

// Loop is the background snapshot loop.
type Loop struct {
	cfg    Config
	engine *store.Engine
	repl   ReplicationSnapshotter
	log    ahlog.Logger
}

// New returns a Loop that snapshots engine's state (and repl's, if repl is
// non-nil) to cfg.Path.
func New(cfg Config, engine *store.Engine, repl ReplicationSnapshotter, log ahlog.Logger) *Loop {
	if log == nil {
		log = ahlog.Nop()
	}
	return &Loop{cfg: cfg, engine: engine, repl: repl, log: log}
}

// Load reads cfg.Path if it exists and restores it into the engine. A
// missing file is not an error — the engine simply starts empty. A parse
// failure fails Load only when cfg.FailOnLoadError is set; otherwise it is
// logged and Load returns nil with the engine left empty.
func (l *Loop) Load() error {
	data, err := os.ReadFile(l.cfg.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return ahnerr.Wrap("persistence.load", ahnerr.KindFatal, err)
	}

	doc, err := decode(data)
	if err != nil {
		if l.cfg.FailOnLoadError {
			return ahnerr.Wrap("persistence.load", ahnerr.KindFatal, err)
		}
		l.log.Error("snapshot load failed, starting empty", "path", l.cfg.Path, "err", err)
		return nil
	}

	l.engine.Restore(doc.Stores)
	if l.repl != nil && len(doc.ReplicationState) > 0 {
		if err := l.repl.RestoreJSON(doc.ReplicationState); err != nil {
			if l.cfg.FailOnLoadError {
				return ahnerr.Wrap("persistence.load", ahnerr.KindFatal, err)
			}
			l.log.Error("replication state restore failed, starting with empty dedup map", "err", err)
		}
	}
	return nil
}

func decode(data []byte) (Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("persistence: malformed snapshot: %w", err)
	}
	if doc.Version != FormatVersion {
		return Document{}, fmt.Errorf("persistence: snapshot version %d incompatible with %d", doc.Version, FormatVersion)
	}
	return doc, nil
}

// WriteNow serialises the current state and atomically replaces cfg.Path
// via a temp-file-then-rename in the same directory, so readers never
// observe a half-written file, regardless of the dirty flag. Run
// calls this on its own schedule; WriteNow lets a caller force one (tests,
// graceful shutdown).
func (l *Loop) WriteNow() error {
	doc := Document{Version: FormatVersion, Stores: l.engine.Snapshots()}
	if l.repl != nil {
		raw, err := l.repl.SnapshotJSON()
		if err != nil {
			return ahnerr.Wrap("persistence.write", ahnerr.KindFatal, err)
		}
		doc.ReplicationState = raw
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return ahnerr.Wrap("persistence.write", ahnerr.KindFatal, err)
	}
	if err := renameio.WriteFile(l.cfg.Path, data, 0o644); err != nil {
		return ahnerr.Wrap("persistence.write", ahnerr.KindFatal, err)
	}
	return nil
}

// Run sleeps cfg.Interval, checks the dirty flag, and if set clears it and
// writes a snapshot. It blocks until ctx is cancelled, at which
// point any write already in flight finishes and Run returns cleanly.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !l.engine.Dirty() {
				continue
			}
			l.engine.ClearDirty()
			if err := l.WriteNow(); err != nil {
				l.log.Error("snapshot write failed, will retry next tick", "path", l.cfg.Path, "err", err)
				l.engine.MarkDirty()
			}
		}
	}
}
