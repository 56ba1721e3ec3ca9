package config

import (
	"context"
	"fmt"
	"strings"

	"github.com/polisai/polis-vision/pkg/domain"
	"github.com/polisai/polis-vision/pkg/engine/expr"
)

// ToDomain finalises the file and converts it to domain definitions. Parameter sources
// are parsed and condition expressions are syntax-checked here, once per load.
func (f DefinitionFile) ToDomain() ([]domain.OperationDef, []domain.PipelineDef, error) {
	if err := f.Finalize(); err != nil {
		return nil, nil, err
	}

	operations := make([]domain.OperationDef, 0, len(f.Operations))
	for _, spec := range f.Operations {
		op, err := spec.ToDomain()
		if err != nil {
			return nil, nil, err
		}
		operations = append(operations, op)
	}

	pipelines := make([]domain.PipelineDef, 0, len(f.Pipelines))
	for _, spec := range f.Pipelines {
		def, err := spec.ToDomain()
		if err != nil {
			return nil, nil, err
		}
		pipelines = append(pipelines, def)
	}
	return operations, pipelines, nil
}

// ToDomain converts OperationSpec to domain.OperationDef. Inputs must declare a type
// because every input is coerced before the step runs.
func (s OperationSpec) ToDomain() (domain.OperationDef, error) {
	inputs, err := paramsToDomain(s.Inputs, true)
	if err != nil {
		return domain.OperationDef{}, fmt.Errorf("operation %s inputs: %w", s.ID, err)
	}
	outputs, err := paramsToDomain(s.Outputs, false)
	if err != nil {
		return domain.OperationDef{}, fmt.Errorf("operation %s outputs: %w", s.ID, err)
	}

	name := s.Name
	if name == "" {
		name = s.ID
	}
	return domain.OperationDef{
		ID:          s.ID,
		Name:        name,
		Description: s.Description,
		Source:      s.Source,
		Inputs:      inputs,
		Outputs:     outputs,
	}, nil
}

// ToDomain converts PipelineSpec to domain.PipelineDef.
func (s PipelineSpec) ToDomain() (domain.PipelineDef, error) {
	inputs, err := paramsToDomain(s.Inputs, false)
	if err != nil {
		return domain.PipelineDef{}, fmt.Errorf("pipeline %s inputs: %w", s.ID, err)
	}
	outputs, err := paramsToDomain(s.Outputs, false)
	if err != nil {
		return domain.PipelineDef{}, fmt.Errorf("pipeline %s outputs: %w", s.ID, err)
	}

	nodes := make([]domain.Node, len(s.Nodes))
	for i, n := range s.Nodes {
		node, err := n.ToDomain()
		if err != nil {
			return domain.PipelineDef{}, fmt.Errorf("pipeline %s: %w", s.ID, err)
		}
		nodes[i] = node
	}

	edges := make([]domain.Edge, len(s.Edges))
	for i, e := range s.Edges {
		id := e.ID
		if id == "" {
			id = fmt.Sprintf("%s->%s", e.Source, e.Target)
		}
		edges[i] = domain.Edge{
			ID:     id,
			Source: e.Source,
			Target: e.Target,
			Type:   domain.EdgeType(strings.ToLower(e.Type)),
		}
	}

	name := s.Name
	if name == "" {
		name = s.ID
	}
	return domain.PipelineDef{
		ID:          s.ID,
		Name:        name,
		Description: s.Description,
		Nodes:       nodes,
		Edges:       edges,
		Inputs:      inputs,
		Outputs:     outputs,
	}, nil
}

// ToDomain converts NodeSpec to domain.Node.
func (s NodeSpec) ToDomain() (domain.Node, error) {
	node := domain.Node{
		ID:          s.ID,
		Type:        domain.NodeType(strings.ToLower(s.Type)),
		Name:        s.Name,
		OperationID: s.OperationID,
		Config:      domain.NodeConfig{Expression: strings.TrimSpace(s.Config.Expression)},
	}

	if len(s.Config.Params) > 0 {
		node.Config.Params = make(map[string]domain.ParamBinding, len(s.Config.Params))
		for _, name := range sortedKeys(s.Config.Params) {
			b := s.Config.Params[name]
			src, err := domain.ParseParamSource(b.Source)
			if err != nil {
				return domain.Node{}, fmt.Errorf("node %s param %s: %w", s.ID, name, err)
			}
			value, err := domain.FromNative(b.Value)
			if err != nil {
				return domain.Node{}, fmt.Errorf("node %s param %s: %w", s.ID, name, err)
			}
			node.Config.Params[name] = domain.ParamBinding{Source: src, Value: value}
		}
	}

	if len(s.Config.OutputMappings) > 0 {
		node.Config.OutputMappings = make(map[string]domain.ParamSource, len(s.Config.OutputMappings))
		for _, name := range sortedKeys(s.Config.OutputMappings) {
			raw := s.Config.OutputMappings[name]
			src, err := domain.ParseParamSource(raw)
			if err != nil {
				return domain.Node{}, fmt.Errorf("node %s output mapping %s: %w", s.ID, name, err)
			}
			if src.Kind == domain.SourceLiteral {
				return domain.Node{}, fmt.Errorf("node %s output mapping %s: must reference an input or a node output", s.ID, name)
			}
			node.Config.OutputMappings[name] = src
		}
	}

	if node.Type == domain.NodeCondition {
		if node.Config.Expression == "" {
			return domain.Node{}, fmt.Errorf("condition node %s has no expression", s.ID)
		}
		if _, err := expr.Parse(context.Background(), node.Config.Expression); err != nil {
			return domain.Node{}, fmt.Errorf("condition node %s: %w", s.ID, err)
		}
	}
	return node, nil
}

// ToDomain converts ParamSpec to domain.ParamSchema.
func (s ParamSpec) ToDomain(typeRequired bool) (domain.ParamSchema, error) {
	typ := domain.ParamType(strings.ToLower(strings.TrimSpace(s.Type)))
	if typ != "" || typeRequired {
		if !typ.Valid() {
			return domain.ParamSchema{}, fmt.Errorf("param %s: unknown type %q", s.Name, s.Type)
		}
	}
	def, err := domain.FromNative(s.Default)
	if err != nil {
		return domain.ParamSchema{}, fmt.Errorf("param %s default: %w", s.Name, err)
	}
	return domain.ParamSchema{
		Name:        s.Name,
		Type:        typ,
		Description: s.Description,
		Default:     def,
		Required:    s.Required,
	}, nil
}

func paramsToDomain(specs []ParamSpec, typeRequired bool) ([]domain.ParamSchema, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	out := make([]domain.ParamSchema, len(specs))
	for i, spec := range specs {
		p, err := spec.ToDomain(typeRequired)
		if err != nil {
			return nil, err
		}
		out[i] = p
	}
	return out, nil
}
