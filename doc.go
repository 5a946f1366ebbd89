// Package ahnlich provides the core engine behind a two-tier vector
// similarity search system: an in-memory, concurrent vector store (the
// database tier) and an AI-embedding proxy that turns raw images, text,
// and audio into vectors the store can index (the AI tier).
//
// # Database tier
//
// pkg/store.Engine holds a replica's named stores, each a concurrent map
// of vector entries with optional predicate and non-linear (KD-tree or
// HNSW) indices:
//
//	engine := store.NewEngine(memquota.New(0))
//	_ = engine.CreateStoreStrict("images", store.Config{Dimension: 512})
//	_, _, _ = engine.Set("images", []store.Entry{{Vector: embedding}})
//	hits, _ := engine.GetSimN(ctx, "images", query, 10, store.AlgoCosine, nil)
//
// pkg/persistence periodically snapshots every store to disk and reloads
// it at startup; pkg/replication applies an externally ordered command
// stream (e.g. a Raft log) with idempotent per-client dedup.
//
// # AI proxy tier
//
// pkg/onnxcache materialises ONNX inference sessions per (model,
// execution-provider) pair on first use. pkg/preprocess turns raw images,
// text, and audio into tensors; pkg/inference.Orchestrator chunks a
// preprocessed batch through a cached session and pools/normalises the
// output; pkg/face runs the two-stage detect-then-recognise pipeline for
// face-recognition models.
//
// cmd/ahnlich-db and cmd/ahnlich-ai are thin CLI entry points wiring these
// packages together; the wire transport (gRPC), the Raft log, and the DSL
// query parser are external collaborators this module does not implement.
package ahnlich
