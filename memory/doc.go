// Package memory is the Prizm memory engine.
//
// The engine turns raw conversational or document units (core.MemCell)
// into durable, addressable memory records and retrieves them later by
// keyword, vector similarity, or fused hybrid/agentic search.
//
// Architecture:
//   - Manager: ingestion with scene-conditional routing, dual-write,
//     retrieval strategies, listing/deletion, vector backfill
//   - RelationalStore: row store and record of truth (SQLite impl)
//   - VectorStore: per-type embedding index (chromem-go impl)
//   - Extractor: pluggable per-type memory extraction
//   - Embedder: text-to-vector conversion (ONNX local, mock for tests)
//   - Deduper: near-duplicate suppression with a reversible log
//
// Addressing: every record belongs to one of three layers encoded in
// its group id. The user layer (empty group id) holds profile records,
// the scope layer ("<scope>" or "<scope>:docs") holds episodic and
// foresight records, and the session layer ("<scope>:session:<id>")
// holds event-log records when a session id is known.
package memory
