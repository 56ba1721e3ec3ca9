package engine

import (
	"fmt"

	"github.com/polisai/polis-vision/pkg/domain"
)

// ValidateOptions tunes structural validation.
type ValidateOptions struct {
	// Strict adds degree, edge-type and acyclicity checks on top of the base rules.
	Strict bool
}

// Validate applies the base structural rules to def.
func Validate(def *domain.PipelineDef) error {
	return ValidateWith(def, ValidateOptions{})
}

// ValidateWith checks def and returns a *domain.ValidationError naming the first defect.
// The base rules run in a fixed order: node identity and type, id uniqueness, a single
// start and end, operation references, edge endpoints, then reachability from start.
func ValidateWith(def *domain.PipelineDef, opts ValidateOptions) error {
	if def == nil {
		return &domain.ValidationError{Reason: "pipeline definition is nil"}
	}

	invalid := func(nodeID, edgeID, format string, args ...any) error {
		return &domain.ValidationError{
			PipelineID: def.ID,
			NodeID:     nodeID,
			EdgeID:     edgeID,
			Reason:     fmt.Sprintf(format, args...),
		}
	}

	for i, node := range def.Nodes {
		if node.ID == "" {
			return invalid("", "", "node at position %d has no id", i)
		}
		if !node.Type.Valid() {
			return invalid(node.ID, "", "unknown node type %q", node.Type)
		}
	}

	seen := make(map[string]int, len(def.Nodes))
	for i, node := range def.Nodes {
		if _, dup := seen[node.ID]; dup {
			return invalid(node.ID, "", "duplicate node id")
		}
		seen[node.ID] = i
	}

	var starts, ends []string
	for _, node := range def.Nodes {
		switch node.Type {
		case domain.NodeStart:
			starts = append(starts, node.ID)
		case domain.NodeEnd:
			ends = append(ends, node.ID)
		}
	}
	if len(starts) != 1 {
		return invalid("", "", "expected exactly one start node, found %d", len(starts))
	}
	if len(ends) != 1 {
		return invalid("", "", "expected exactly one end node, found %d", len(ends))
	}

	for _, node := range def.Nodes {
		if node.Type == domain.NodeOperation && node.OperationID == "" {
			return invalid(node.ID, "", "operation node has no operation id")
		}
	}

	adjacency := make(map[string][]string, len(def.Nodes))
	for i, edge := range def.Edges {
		edgeID := edge.ID
		if edgeID == "" {
			edgeID = fmt.Sprintf("#%d", i)
		}
		if _, ok := seen[edge.Source]; !ok {
			return invalid("", edgeID, "source %q does not exist", edge.Source)
		}
		if _, ok := seen[edge.Target]; !ok {
			return invalid("", edgeID, "target %q does not exist", edge.Target)
		}
		switch edge.Type.Normalize() {
		case domain.EdgeNormal, domain.EdgeTrue, domain.EdgeFalse:
		default:
			return invalid("", edgeID, "unknown edge type %q", edge.Type)
		}
		adjacency[edge.Source] = append(adjacency[edge.Source], edge.Target)
	}

	visited := make(map[string]bool, len(def.Nodes))
	stack := []string{starts[0]}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[id] {
			continue
		}
		visited[id] = true
		next := adjacency[id]
		for i := len(next) - 1; i >= 0; i-- {
			if !visited[next[i]] {
				stack = append(stack, next[i])
			}
		}
	}
	for _, node := range def.Nodes {
		if !visited[node.ID] {
			return invalid(node.ID, "", "node is not reachable from start")
		}
	}

	if opts.Strict {
		return validateStrict(def, invalid)
	}
	return nil
}

func validateStrict(def *domain.PipelineDef, invalid func(nodeID, edgeID, format string, args ...any) error) error {
	incoming := make(map[string][]domain.Edge, len(def.Nodes))
	outgoing := make(map[string][]domain.Edge, len(def.Nodes))
	for _, edge := range def.Edges {
		incoming[edge.Target] = append(incoming[edge.Target], edge)
		outgoing[edge.Source] = append(outgoing[edge.Source], edge)
	}

	for _, node := range def.Nodes {
		in, out := incoming[node.ID], outgoing[node.ID]
		switch node.Type {
		case domain.NodeStart:
			if len(in) > 0 {
				return invalid(node.ID, "", "start node must not have incoming edges")
			}
		case domain.NodeEnd:
			if len(out) > 0 {
				return invalid(node.ID, "", "end node must not have outgoing edges")
			}
		case domain.NodeMerge:
			if len(in) < 2 {
				return invalid(node.ID, "", "merge node needs at least two incoming edges, found %d", len(in))
			}
		case domain.NodeCondition:
			var trueEdges, falseEdges int
			for _, edge := range out {
				switch edge.Type.Normalize() {
				case domain.EdgeTrue:
					trueEdges++
				case domain.EdgeFalse:
					falseEdges++
				default:
					return invalid(node.ID, edge.ID, "condition edges must be typed true or false")
				}
			}
			if trueEdges != 1 || falseEdges != 1 {
				return invalid(node.ID, "", "condition node needs exactly one true and one false edge")
			}
		}
		if node.Type != domain.NodeEnd && len(out) == 0 {
			return invalid(node.ID, "", "node has no outgoing edges")
		}
	}

	if cycle := findCycle(def, outgoing); cycle != "" {
		return invalid(cycle, "", "pipeline contains a cycle")
	}
	return nil
}

// findCycle returns a node on a cycle, or "" when the graph is acyclic.
func findCycle(def *domain.PipelineDef, outgoing map[string][]domain.Edge) string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(def.Nodes))

	type frame struct {
		id   string
		next int
	}
	for _, root := range def.Nodes {
		if color[root.ID] != white {
			continue
		}
		stack := []frame{{id: root.ID}}
		color[root.ID] = grey
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			edges := outgoing[top.id]
			if top.next >= len(edges) {
				color[top.id] = black
				stack = stack[:len(stack)-1]
				continue
			}
			target := edges[top.next].Target
			top.next++
			switch color[target] {
			case grey:
				return target
			case white:
				color[target] = grey
				stack = append(stack, frame{id: target})
			}
		}
	}
	return ""
}
