package domain

import (
	"fmt"
	"strings"
)

// SourceKind tags the variant of a ParamSource.
type SourceKind uint8

const (
	// SourceLiteral uses the binding's literal value.
	SourceLiteral SourceKind = iota
	// SourceInput reads a pipeline input by name.
	SourceInput
	// SourceNode reads a named output of another node.
	SourceNode
)

// ParamSource says where a parameter value comes from. It is parsed once when a
// definition is loaded.
type ParamSource struct {
	Kind   SourceKind
	Input  string // SourceInput
	NodeID string // SourceNode
	Output string // SourceNode
}

// LiteralSource returns the literal variant.
func LiteralSource() ParamSource { return ParamSource{Kind: SourceLiteral} }

// InputSource returns a reference to the named pipeline input.
func InputSource(name string) ParamSource { return ParamSource{Kind: SourceInput, Input: name} }

// NodeSource returns a reference to output of nodeID.
func NodeSource(nodeID, output string) ParamSource {
	return ParamSource{Kind: SourceNode, NodeID: nodeID, Output: output}
}

// ParseParamSource parses the textual forms "input:<name>", "node:<nodeId>:<output>",
// "custom" and "" (both literal).
func ParseParamSource(raw string) (ParamSource, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "custom" {
		return LiteralSource(), nil
	}

	prefix, rest, ok := strings.Cut(raw, ":")
	if !ok {
		return ParamSource{}, fmt.Errorf("invalid parameter source %q", raw)
	}

	switch prefix {
	case "input":
		if rest == "" {
			return ParamSource{}, fmt.Errorf("invalid parameter source %q: missing input name", raw)
		}
		return InputSource(rest), nil
	case "node":
		nodeID, output, ok := strings.Cut(rest, ":")
		if !ok || nodeID == "" || output == "" {
			return ParamSource{}, fmt.Errorf("invalid parameter source %q: expected node:<id>:<output>", raw)
		}
		return NodeSource(nodeID, output), nil
	default:
		return ParamSource{}, fmt.Errorf("invalid parameter source %q: unknown prefix %q", raw, prefix)
	}
}

// String renders the textual form accepted by ParseParamSource.
func (s ParamSource) String() string {
	switch s.Kind {
	case SourceInput:
		return "input:" + s.Input
	case SourceNode:
		return "node:" + s.NodeID + ":" + s.Output
	default:
		return "custom"
	}
}
