package domain

import (
	"context"
	"time"
)

// NodeType classifies a vertex of a pipeline graph.
type NodeType string

const (
	NodeStart     NodeType = "start"
	NodeEnd       NodeType = "end"
	NodeOperation NodeType = "operation"
	NodeCondition NodeType = "condition"
	NodeMerge     NodeType = "merge"
)

// Valid reports whether t is a known node type.
func (t NodeType) Valid() bool {
	switch t {
	case NodeStart, NodeEnd, NodeOperation, NodeCondition, NodeMerge:
		return true
	default:
		return false
	}
}

// EdgeType selects which outcome of a condition node an edge follows.
type EdgeType string

const (
	EdgeNormal EdgeType = "normal"
	EdgeTrue   EdgeType = "true"
	EdgeFalse  EdgeType = "false"
)

// Normalize maps the empty edge type to EdgeNormal.
func (t EdgeType) Normalize() EdgeType {
	if t == "" {
		return EdgeNormal
	}
	return t
}

// ParamSchema declares one named input or output of an operation or pipeline.
type ParamSchema struct {
	Name        string
	Type        ParamType
	Description string
	Default     Value // Null means no default is configured
	Required    bool
}

// OperationDef describes a reusable processing step. Source names the entry point the
// step sandbox resolves; the engine never interprets it.
type OperationDef struct {
	ID          string
	Name        string
	Description string
	Source      string
	Inputs      []ParamSchema
	Outputs     []ParamSchema
}

// ParamBinding wires one node parameter to its source. Value is the literal used when
// the source is a literal or cannot be resolved.
type ParamBinding struct {
	Source ParamSource
	Value  Value
}

// NodeConfig is the typed form of a node's free-form configuration.
type NodeConfig struct {
	Params         map[string]ParamBinding // operation, condition
	Expression     string                  // condition
	OutputMappings map[string]ParamSource  // end
}

// Node is one vertex of a pipeline graph.
type Node struct {
	ID          string
	Type        NodeType
	Name        string
	OperationID string
	Config      NodeConfig
}

// Edge is a directed connection between two nodes.
type Edge struct {
	ID     string
	Source string
	Target string
	Type   EdgeType
}

// PipelineDef is a complete, read-only pipeline definition.
type PipelineDef struct {
	ID          string
	Name        string
	Description string
	Nodes       []Node
	Edges       []Edge
	Inputs      []ParamSchema
	Outputs     []ParamSchema
}

// Node returns the node with the given id.
func (p *PipelineDef) Node(id string) (*Node, bool) {
	for i := range p.Nodes {
		if p.Nodes[i].ID == id {
			return &p.Nodes[i], true
		}
	}
	return nil, false
}

// NodeResult is the outcome of one node within one run.
type NodeResult struct {
	NodeID        string
	Type          NodeType
	Success       bool
	Outputs       map[string]Value // set when the result is a mapping
	Value         Value            // set when the result is a single value
	Err           error
	OperationID   string
	OperationName string
	Duration      time.Duration
}

// IsMapping reports whether the result is a named-output mapping.
func (r NodeResult) IsMapping() bool { return r.Outputs != nil }

// Error returns the failure message, or "" for successful results.
func (r NodeResult) Error() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}

// LogLevel is the severity of an execution log entry.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// LogEntry is one line of an execution trace.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   LogLevel  `json:"level"`
	NodeID  string    `json:"nodeId,omitempty"`
	Message string    `json:"message"`
}

// OperationStore resolves operation definitions by id.
type OperationStore interface {
	Get(ctx context.Context, id string) (*OperationDef, error)
}

// PipelineStore resolves pipeline definitions by id.
type PipelineStore interface {
	Get(ctx context.Context, id string) (*PipelineDef, error)
	List(ctx context.Context) ([]PipelineDef, error)
}
