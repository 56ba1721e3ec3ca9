package config

import (
	"fmt"
	"math/big"
	"os"
	"sort"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
)

// hclDefinitionFile is the top-level structure of an HCL definitions file.
//
//	operation "blur" {
//	  source = "builtin.resize"
//	  input "image" { type = "image" }
//	}
//
//	pipeline "thumbs" {
//	  node "start" { type = "start" }
//	  edge { from = "start", to = "end" }
//	}
type hclDefinitionFile struct {
	Operations []*hclOperation `hcl:"operation,block"`
	Pipelines  []*hclPipeline  `hcl:"pipeline,block"`
}

type hclParam struct {
	Name        string    `hcl:"name,label"`
	Type        string    `hcl:"type,optional"`
	Description string    `hcl:"description,optional"`
	Required    bool      `hcl:"required,optional"`
	Default     cty.Value `hcl:"default,optional"`
}

type hclOperation struct {
	ID          string      `hcl:"id,label"`
	Name        string      `hcl:"name,optional"`
	Description string      `hcl:"description,optional"`
	Source      string      `hcl:"source"`
	Inputs      []*hclParam `hcl:"input,block"`
	Outputs     []*hclParam `hcl:"output,block"`
}

type hclBinding struct {
	Name   string    `hcl:"name,label"`
	Source string    `hcl:"source,optional"`
	Value  cty.Value `hcl:"value,optional"`
}

type hclNode struct {
	ID         string            `hcl:"id,label"`
	Type       string            `hcl:"type"`
	Name       string            `hcl:"name,optional"`
	Operation  string            `hcl:"operation,optional"`
	Expression string            `hcl:"expression,optional"`
	Params     []*hclBinding     `hcl:"param,block"`
	Outputs    map[string]string `hcl:"outputs,optional"`
}

type hclEdge struct {
	ID   string `hcl:"id,optional"`
	From string `hcl:"from"`
	To   string `hcl:"to"`
	Type string `hcl:"type,optional"`
}

type hclPipeline struct {
	ID          string      `hcl:"id,label"`
	Name        string      `hcl:"name,optional"`
	Description string      `hcl:"description,optional"`
	Inputs      []*hclParam `hcl:"input,block"`
	Outputs     []*hclParam `hcl:"output,block"`
	Nodes       []*hclNode  `hcl:"node,block"`
	Edges       []*hclEdge  `hcl:"edge,block"`
}

// LoadHCLDefinitions parses a single HCL definitions file.
func LoadHCLDefinitions(path string) (DefinitionFile, error) {
	// #nosec G304 -- Definition paths are configured at startup
	src, err := os.ReadFile(path)
	if err != nil {
		return DefinitionFile{}, fmt.Errorf("failed to read definitions file %s: %w", path, err)
	}
	return ParseHCLDefinitions(src, path)
}

// ParseHCLDefinitions decodes HCL source. filename is only used in diagnostics.
func ParseHCLDefinitions(src []byte, filename string) (DefinitionFile, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(src, filename)
	if diags.HasErrors() {
		return DefinitionFile{}, fmt.Errorf("failed to parse HCL file %s: %w", filename, diags)
	}

	var root hclDefinitionFile
	if diags := gohcl.DecodeBody(file.Body, nil, &root); diags.HasErrors() {
		return DefinitionFile{}, fmt.Errorf("failed to decode HCL file %s: %w", filename, diags)
	}

	var out DefinitionFile
	for _, op := range root.Operations {
		spec := OperationSpec{
			ID:          op.ID,
			Name:        op.Name,
			Description: op.Description,
			Source:      op.Source,
		}
		var err error
		if spec.Inputs, err = hclParams(op.Inputs); err != nil {
			return DefinitionFile{}, fmt.Errorf("%s: operation %s: %w", filename, op.ID, err)
		}
		if spec.Outputs, err = hclParams(op.Outputs); err != nil {
			return DefinitionFile{}, fmt.Errorf("%s: operation %s: %w", filename, op.ID, err)
		}
		out.Operations = append(out.Operations, spec)
	}

	for _, p := range root.Pipelines {
		spec, err := p.toSpec()
		if err != nil {
			return DefinitionFile{}, fmt.Errorf("%s: pipeline %s: %w", filename, p.ID, err)
		}
		out.Pipelines = append(out.Pipelines, spec)
	}
	return out, nil
}

func (p *hclPipeline) toSpec() (PipelineSpec, error) {
	spec := PipelineSpec{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
	}
	var err error
	if spec.Inputs, err = hclParams(p.Inputs); err != nil {
		return PipelineSpec{}, err
	}
	if spec.Outputs, err = hclParams(p.Outputs); err != nil {
		return PipelineSpec{}, err
	}

	for _, n := range p.Nodes {
		node := NodeSpec{
			ID:          n.ID,
			Type:        n.Type,
			Name:        n.Name,
			OperationID: n.Operation,
			Config: NodeConfigSpec{
				Expression:     n.Expression,
				OutputMappings: n.Outputs,
			},
		}
		if len(n.Params) > 0 {
			node.Config.Params = make(map[string]BindingSpec, len(n.Params))
			for _, b := range n.Params {
				if _, dup := node.Config.Params[b.Name]; dup {
					return PipelineSpec{}, fmt.Errorf("node %s: duplicate param %s", n.ID, b.Name)
				}
				value, err := ctyValueToInterface(b.Value)
				if err != nil {
					return PipelineSpec{}, fmt.Errorf("node %s param %s: %w", n.ID, b.Name, err)
				}
				node.Config.Params[b.Name] = BindingSpec{Source: b.Source, Value: value}
			}
		}
		spec.Nodes = append(spec.Nodes, node)
	}

	for _, e := range p.Edges {
		spec.Edges = append(spec.Edges, EdgeSpec{ID: e.ID, Source: e.From, Target: e.To, Type: e.Type})
	}
	return spec, nil
}

func hclParams(blocks []*hclParam) ([]ParamSpec, error) {
	if len(blocks) == 0 {
		return nil, nil
	}
	out := make([]ParamSpec, 0, len(blocks))
	for _, b := range blocks {
		def, err := ctyValueToInterface(b.Default)
		if err != nil {
			return nil, fmt.Errorf("param %s default: %w", b.Name, err)
		}
		out = append(out, ParamSpec{
			Name:        b.Name,
			Type:        b.Type,
			Description: b.Description,
			Default:     def,
			Required:    b.Required,
		})
	}
	return out, nil
}

// ctyValueToInterface converts a cty.Value to a plain Go value. Whole numbers are
// returned as int64.
func ctyValueToInterface(val cty.Value) (any, error) {
	if val.IsNull() || !val.IsKnown() {
		return nil, nil
	}
	ty := val.Type()
	if ty.IsPrimitiveType() {
		switch ty {
		case cty.String:
			return val.AsString(), nil
		case cty.Number:
			bf := val.AsBigFloat()
			if bf.IsInt() {
				if i, acc := bf.Int64(); acc == big.Exact {
					return i, nil
				}
			}
			f, _ := bf.Float64()
			return f, nil
		case cty.Bool:
			return val.True(), nil
		default:
			return nil, fmt.Errorf("unsupported primitive type: %s", ty.FriendlyName())
		}
	}
	if ty.IsObjectType() || ty.IsMapType() {
		out := make(map[string]any)
		for it := val.ElementIterator(); it.Next(); {
			k, v := it.Element()
			converted, err := ctyValueToInterface(v)
			if err != nil {
				return nil, err
			}
			out[k.AsString()] = converted
		}
		return out, nil
	}
	if ty.IsTupleType() || ty.IsListType() || ty.IsSetType() {
		out := make([]any, 0, val.LengthInt())
		for it := val.ElementIterator(); it.Next(); {
			_, v := it.Element()
			converted, err := ctyValueToInterface(v)
			if err != nil {
				return nil, err
			}
			out = append(out, converted)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported type: %s", ty.FriendlyName())
}

// sortedKeys returns the keys of m in order.
func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
