// Package storage holds the definition stores that resolve operations and pipelines by id.
package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/polisai/polis-vision/pkg/domain"
	"github.com/polisai/polis-vision/pkg/engine"
)

// MemoryOperationStore is an in-memory implementation of domain.OperationStore.
type MemoryOperationStore struct {
	mu         sync.RWMutex
	operations map[string]*domain.OperationDef
}

// NewMemoryOperationStore creates a store seeded with ops.
func NewMemoryOperationStore(ops ...domain.OperationDef) *MemoryOperationStore {
	s := &MemoryOperationStore{
		operations: make(map[string]*domain.OperationDef, len(ops)),
	}
	for i := range ops {
		op := ops[i]
		s.operations[op.ID] = &op
	}
	return s
}

// Get retrieves an operation definition from memory.
func (s *MemoryOperationStore) Get(_ context.Context, id string) (*domain.OperationDef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	op, ok := s.operations[id]
	if !ok {
		return nil, fmt.Errorf("operation %q: %w", id, domain.ErrOperationNotFound)
	}
	return op, nil
}

// List returns every operation ordered by id.
func (s *MemoryOperationStore) List(_ context.Context) ([]domain.OperationDef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.OperationDef, 0, len(s.operations))
	for _, op := range s.operations {
		out = append(out, *op)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Save stores op, replacing any operation with the same id. Operations need a source.
func (s *MemoryOperationStore) Save(_ context.Context, op domain.OperationDef) error {
	if op.ID == "" {
		return fmt.Errorf("operation: ID is required: %w", domain.ErrDefinitionInvalid)
	}
	if op.Source == "" {
		return fmt.Errorf("operation %q: source is required: %w", op.ID, domain.ErrDefinitionInvalid)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.operations[op.ID] = &op
	return nil
}

// Delete removes an operation. Deleting an unknown id is not an error.
func (s *MemoryOperationStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.operations, id)
	return nil
}

// MemoryPipelineStore is an in-memory implementation of domain.PipelineStore. Pipelines
// are validated before they are stored.
type MemoryPipelineStore struct {
	mu         sync.RWMutex
	pipelines  map[string]*domain.PipelineDef
	validation engine.ValidateOptions
}

// NewMemoryPipelineStore creates an empty pipeline store.
func NewMemoryPipelineStore(opts engine.ValidateOptions) *MemoryPipelineStore {
	return &MemoryPipelineStore{
		pipelines:  make(map[string]*domain.PipelineDef),
		validation: opts,
	}
}

// Get retrieves a pipeline definition from memory.
func (s *MemoryPipelineStore) Get(_ context.Context, id string) (*domain.PipelineDef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, ok := s.pipelines[id]
	if !ok {
		return nil, fmt.Errorf("pipeline %q: %w", id, domain.ErrPipelineNotFound)
	}
	return def, nil
}

// List returns every pipeline ordered by id.
func (s *MemoryPipelineStore) List(_ context.Context) ([]domain.PipelineDef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.PipelineDef, 0, len(s.pipelines))
	for _, def := range s.pipelines {
		out = append(out, *def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Save validates def and stores it. A pipeline without an id is given a fresh one,
// which is returned.
func (s *MemoryPipelineStore) Save(_ context.Context, def domain.PipelineDef) (string, error) {
	if def.ID == "" {
		def.ID = uuid.New().String()
	}
	if err := engine.ValidateWith(&def, s.validation); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pipelines[def.ID] = &def
	return def.ID, nil
}

// Delete removes a pipeline. Deleting an unknown id is not an error.
func (s *MemoryPipelineStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pipelines, id)
	return nil
}
