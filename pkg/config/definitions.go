package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefinitionFile is the document form of a definitions file (DTO). YAML, JSON and HCL
// files all decode into it.
type DefinitionFile struct {
	Operations []OperationSpec `json:"operations" yaml:"operations"`
	Pipelines  []PipelineSpec  `json:"pipelines" yaml:"pipelines"`
}

// ParamSpec declares one operation or pipeline parameter.
type ParamSpec struct {
	Name        string `json:"name" yaml:"name"`
	Type        string `json:"type" yaml:"type"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Default     any    `json:"default,omitempty" yaml:"default,omitempty"`
	Required    bool   `json:"required,omitempty" yaml:"required,omitempty"`
}

// OperationSpec describes a reusable step.
type OperationSpec struct {
	ID          string      `json:"id" yaml:"id"`
	Name        string      `json:"name" yaml:"name"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Source      string      `json:"source" yaml:"source"`
	Inputs      []ParamSpec `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs     []ParamSpec `json:"outputs,omitempty" yaml:"outputs,omitempty"`
}

// BindingSpec wires a node parameter. Source is "input:<name>", "node:<id>:<output>",
// "custom" or empty; Value is the literal.
type BindingSpec struct {
	Source string `json:"source,omitempty" yaml:"source,omitempty"`
	Value  any    `json:"value,omitempty" yaml:"value,omitempty"`
}

// NodeConfigSpec is the free-form node configuration.
type NodeConfigSpec struct {
	Params         map[string]BindingSpec `json:"params,omitempty" yaml:"params,omitempty"`
	Expression     string                 `json:"expression,omitempty" yaml:"expression,omitempty"`
	OutputMappings map[string]string      `json:"outputMappings,omitempty" yaml:"outputMappings,omitempty"`
}

// NodeSpec is one vertex of a pipeline.
type NodeSpec struct {
	ID          string         `json:"id" yaml:"id"`
	Type        string         `json:"type" yaml:"type"`
	Name        string         `json:"name,omitempty" yaml:"name,omitempty"`
	OperationID string         `json:"operationId,omitempty" yaml:"operationId,omitempty"`
	Config      NodeConfigSpec `json:"config,omitempty" yaml:"config,omitempty"`
}

// EdgeSpec is a directed connection between two nodes.
type EdgeSpec struct {
	ID     string `json:"id,omitempty" yaml:"id,omitempty"`
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
	Type   string `json:"type,omitempty" yaml:"type,omitempty"`
}

// PipelineSpec describes a complete pipeline.
type PipelineSpec struct {
	ID          string      `json:"id" yaml:"id"`
	Name        string      `json:"name" yaml:"name"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
	Nodes       []NodeSpec  `json:"nodes" yaml:"nodes"`
	Edges       []EdgeSpec  `json:"edges" yaml:"edges"`
	Inputs      []ParamSpec `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs     []ParamSpec `json:"outputs,omitempty" yaml:"outputs,omitempty"`
}

// ParseDefinitions decodes a YAML or JSON document.
func ParseDefinitions(data []byte) (DefinitionFile, error) {
	var file DefinitionFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		if jsonErr := json.Unmarshal(data, &file); jsonErr != nil {
			return DefinitionFile{}, fmt.Errorf("failed to parse definitions: %v", err)
		}
	}
	return file, nil
}

// LoadDefinitionFile reads one definitions file, choosing the decoder by extension.
func LoadDefinitionFile(path string) (DefinitionFile, error) {
	if strings.EqualFold(filepath.Ext(path), ".hcl") {
		return LoadHCLDefinitions(path)
	}

	// #nosec G304 -- Definition paths are configured at startup
	data, err := os.ReadFile(path)
	if err != nil {
		return DefinitionFile{}, fmt.Errorf("failed to read definitions file %s: %w", path, err)
	}
	file, err := ParseDefinitions(data)
	if err != nil {
		return DefinitionFile{}, fmt.Errorf("%s: %w", path, err)
	}
	return file, nil
}

// IsDefinitionFile reports whether path has a supported definitions extension.
func IsDefinitionFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json", ".hcl":
		return true
	default:
		return false
	}
}

// DefinitionFiles expands paths into the sorted list of definitions files they name.
// Directories are scanned recursively.
func DefinitionFiles(paths []string) ([]string, error) {
	seen := make(map[string]struct{})
	var files []string
	add := func(p string) {
		if _, dup := seen[p]; !dup {
			seen[p] = struct{}{}
			files = append(files, p)
		}
	}

	for _, root := range paths {
		info, err := os.Stat(root)
		if err != nil {
			return nil, fmt.Errorf("definitions path %s: %w", root, err)
		}
		if !info.IsDir() {
			add(filepath.Clean(root))
			continue
		}
		err = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && IsDefinitionFile(path) {
				add(filepath.Clean(path))
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scan definitions directory %s: %w", root, err)
		}
	}
	sort.Strings(files)
	return files, nil
}

// LoadDefinitions reads every definitions file under paths and merges them in file order.
func LoadDefinitions(paths []string) (DefinitionFile, error) {
	files, err := DefinitionFiles(paths)
	if err != nil {
		return DefinitionFile{}, err
	}

	var merged DefinitionFile
	for _, path := range files {
		file, err := LoadDefinitionFile(path)
		if err != nil {
			return DefinitionFile{}, err
		}
		merged.Operations = append(merged.Operations, file.Operations...)
		merged.Pipelines = append(merged.Pipelines, file.Pipelines...)
	}
	return merged, nil
}
