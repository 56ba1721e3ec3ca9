package config

import (
	"fmt"
	"strings"
)

// DefinitionFinalizationError wraps errors encountered while finalising definitions.
type DefinitionFinalizationError struct {
	Reason error
}

func (e DefinitionFinalizationError) Error() string {
	return fmt.Sprintf("definition finalisation failed: %v", e.Reason)
}

func (e DefinitionFinalizationError) Unwrap() error {
	return e.Reason
}

// Finalize normalises identifiers and rejects duplicates and nameless parameters.
func (f *DefinitionFile) Finalize() error {
	if f == nil {
		return nil
	}

	opIndex := make(map[string]struct{}, len(f.Operations))
	for i := range f.Operations {
		op := &f.Operations[i]
		op.ID = strings.TrimSpace(op.ID)
		if op.ID == "" {
			return DefinitionFinalizationError{Reason: fmt.Errorf("operation[%d]: id is required", i)}
		}
		if _, exists := opIndex[op.ID]; exists {
			return DefinitionFinalizationError{Reason: fmt.Errorf("duplicate operation %s", op.ID)}
		}
		opIndex[op.ID] = struct{}{}
		if strings.TrimSpace(op.Source) == "" {
			return DefinitionFinalizationError{Reason: fmt.Errorf("operation %s: source is required", op.ID)}
		}
		if err := checkParams(op.Inputs); err != nil {
			return DefinitionFinalizationError{Reason: fmt.Errorf("operation %s inputs: %w", op.ID, err)}
		}
		if err := checkParams(op.Outputs); err != nil {
			return DefinitionFinalizationError{Reason: fmt.Errorf("operation %s outputs: %w", op.ID, err)}
		}
	}

	pipelineIndex := make(map[string]struct{}, len(f.Pipelines))
	for i := range f.Pipelines {
		p := &f.Pipelines[i]
		p.ID = strings.TrimSpace(p.ID)
		if p.ID == "" {
			return DefinitionFinalizationError{Reason: fmt.Errorf("pipeline[%d]: id is required", i)}
		}
		if _, exists := pipelineIndex[p.ID]; exists {
			return DefinitionFinalizationError{Reason: fmt.Errorf("duplicate pipeline %s", p.ID)}
		}
		pipelineIndex[p.ID] = struct{}{}
		if err := checkParams(p.Inputs); err != nil {
			return DefinitionFinalizationError{Reason: fmt.Errorf("pipeline %s inputs: %w", p.ID, err)}
		}
		if err := checkParams(p.Outputs); err != nil {
			return DefinitionFinalizationError{Reason: fmt.Errorf("pipeline %s outputs: %w", p.ID, err)}
		}
	}

	return nil
}

func checkParams(params []ParamSpec) error {
	seen := make(map[string]struct{}, len(params))
	for i, p := range params {
		name := strings.TrimSpace(p.Name)
		if name == "" {
			return fmt.Errorf("param[%d]: name is required", i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("duplicate param %s", name)
		}
		seen[name] = struct{}{}
	}
	return nil
}
