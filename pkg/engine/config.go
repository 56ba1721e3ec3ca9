package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/polisai/polis-vision/pkg/domain"
)

// PipelineRegistry - Compiled Pipeline Management
// ================================

// PipelineRegistry maintains the active set of compiled pipelines. Updates swap the whole
// set atomically, so runs already in flight keep the graph they started with.
//
//nolint:revive // Name PipelineRegistry is intentional for clarity
type PipelineRegistry struct {
	mu                sync.RWMutex
	graphs            map[string]*graph // pipelineID → compiled graph
	currentGeneration int64             // increments on each UpdatePipelines call
	validation        ValidateOptions
	logger            *slog.Logger
}

// NewPipelineRegistry creates a new pipeline registry.
func NewPipelineRegistry(opts ValidateOptions, logger *slog.Logger) *PipelineRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &PipelineRegistry{
		graphs:     make(map[string]*graph),
		validation: opts,
		logger:     logger,
	}
}

// UpdatePipelines validates and compiles every definition, then replaces the registry
// contents. Nothing changes when any definition is rejected.
func (pr *PipelineRegistry) UpdatePipelines(ctx context.Context, pipelines []domain.PipelineDef) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	next := make(map[string]*graph, len(pipelines))
	for i := range pipelines {
		def := pipelines[i]
		if def.ID == "" {
			return fmt.Errorf("pipeline[%d]: ID is required: %w", i, domain.ErrDefinitionInvalid)
		}
		if _, dup := next[def.ID]; dup {
			return fmt.Errorf("pipeline[%d]: duplicate ID %q: %w", i, def.ID, domain.ErrDefinitionInvalid)
		}
		if err := ValidateWith(&def, pr.validation); err != nil {
			return fmt.Errorf("pipeline validation failed: %w", err)
		}
		g, err := compileGraph(&def)
		if err != nil {
			return fmt.Errorf("pipeline validation failed: %w", err)
		}
		next[def.ID] = g
	}

	pr.mu.Lock()
	pr.graphs = next
	pr.currentGeneration++
	generation := pr.currentGeneration
	pr.mu.Unlock()

	pr.logger.Info("pipeline registry updated",
		slog.Int64("generation", generation),
		slog.Int("pipeline_count", len(next)))

	return nil
}

// ListPipelines returns a copy of all registered pipelines ordered by id.
func (pr *PipelineRegistry) ListPipelines() []domain.PipelineDef {
	pr.mu.RLock()
	defer pr.mu.RUnlock()

	result := make([]domain.PipelineDef, 0, len(pr.graphs))
	for _, g := range pr.graphs {
		result = append(result, *g.def)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// GetPipeline returns a specific pipeline by ID.
func (pr *PipelineRegistry) GetPipeline(pipelineID string) (*domain.PipelineDef, bool) {
	g, err := pr.graph(pipelineID)
	if err != nil {
		return nil, false
	}
	return g.def, true
}

// Generation reports how many updates have been applied.
func (pr *PipelineRegistry) Generation() int64 {
	pr.mu.RLock()
	defer pr.mu.RUnlock()
	return pr.currentGeneration
}

func (pr *PipelineRegistry) graph(pipelineID string) (*graph, error) {
	pr.mu.RLock()
	defer pr.mu.RUnlock()

	g, ok := pr.graphs[pipelineID]
	if !ok {
		return nil, fmt.Errorf("pipeline %q: %w", pipelineID, domain.ErrPipelineNotFound)
	}
	return g, nil
}
