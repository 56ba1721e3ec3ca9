// Package engine implements graph-based execution of image-processing pipelines.
//
// Architecture:
//
// validator.go - Structural checks on pipeline definitions (base and strict rules)
// graph.go     - Arena layout of a validated definition (indices, adjacency)
// resolver.go  - Parameter resolution from pipeline inputs, node outputs and literals
// executor.go  - Worklist traversal, node dispatch, telemetry (Executor, RunResult)
// merge.go     - Join semantics of merge nodes
// outputs.go   - End-node output mapping and the final presence check
// execlog.go   - Per-run execution log mirrored to slog
// config.go    - Pipeline registry holding compiled definitions
//
// Each Apply call owns its arena, result vector and log, so concurrent runs of the same
// definition share no mutable state.
package engine
