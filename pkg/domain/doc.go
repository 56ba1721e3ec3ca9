// Package domain defines the core types of the vision pipeline engine.
//
// This package contains pure domain logic with ZERO external dependencies outside the
// Go standard library. It holds:
//
// - The Value tagged union shared by every engine component
// - Pipeline and operation definitions (nodes, edges, parameter schemas)
// - Typed parameter sources parsed once at load time
// - Per-run node results and execution log entries
// - The structured error taxonomy surfaced to callers
//
// Other packages (engine, storage, config, operations) depend on these types. The
// dependency direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain
