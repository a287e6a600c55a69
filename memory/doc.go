// Package memory implements the layered memory engine: an append-only
// resource layer, an extracted item layer, and a derived category layer,
// all namespaced by UserID.
//
// Architecture:
//   - Store: Layered record storage with per-user similarity search
//     (in-memory for tests, chromem-go embedded vector database for
//     persistent local use)
//   - Pipeline: Memorization state machine (raw input -> Resource ->
//     Items -> Categories), with detached category synthesis
//   - Retriever: RAG and LLM-synthesized retrieval over both derived
//     layers
//
// Items are append-only: corrections supersede earlier items instead of
// rewriting them, and stale items stay readable for audit but are never
// served by similarity search. Categories are mutable summaries rebuilt
// from their contributing items; the category layer is eventually
// consistent with the item layer.
package memory
