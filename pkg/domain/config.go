package domain

import "time"

// Snapshot represents a point-in-time set of loaded definitions.
type Snapshot struct {
	Generation int64
	Pipelines  []PipelineDef
	Operations []OperationDef
	Timestamp  time.Time
}

// DefinitionService defines the interface for definition sources that can change at runtime.
type DefinitionService interface {
	// CurrentSnapshot returns the current definitions.
	CurrentSnapshot() Snapshot

	// Subscribe to definition changes.
	Subscribe() <-chan Snapshot
}
