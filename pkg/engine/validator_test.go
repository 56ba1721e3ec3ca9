package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/polisai/polis-vision/pkg/domain"
)

func linear() *domain.PipelineDef {
	return &domain.PipelineDef{
		ID:    "linear",
		Nodes: []domain.Node{startNode(), opNode("op", "grayscale", nil), endNode(nil)},
		Edges: []domain.Edge{edge("start", "op"), edge("op", "end")},
	}
}

func TestValidate_Base(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(def *domain.PipelineDef)
		wantNode string
		wantEdge string
		reason   string
	}{
		{name: "valid", mutate: func(*domain.PipelineDef) {}},
		{
			name:   "missing node id",
			mutate: func(def *domain.PipelineDef) { def.Nodes[1].ID = "" },
			reason: "has no id",
		},
		{
			name:     "unknown node type",
			mutate:   func(def *domain.PipelineDef) { def.Nodes[1].Type = "loop" },
			wantNode: "op",
			reason:   "unknown node type",
		},
		{
			name: "duplicate id",
			mutate: func(def *domain.PipelineDef) {
				def.Nodes = append(def.Nodes, opNode("op", "invert", nil))
			},
			wantNode: "op",
			reason:   "duplicate node id",
		},
		{
			name:   "two starts",
			mutate: func(def *domain.PipelineDef) { def.Nodes = append(def.Nodes, domain.Node{ID: "s2", Type: domain.NodeStart}) },
			reason: "exactly one start",
		},
		{
			name:   "no end",
			mutate: func(def *domain.PipelineDef) { def.Nodes[2].Type = domain.NodeMerge },
			reason: "exactly one end",
		},
		{
			name:     "operation without id",
			mutate:   func(def *domain.PipelineDef) { def.Nodes[1].OperationID = "" },
			wantNode: "op",
			reason:   "no operation id",
		},
		{
			name:     "dangling edge target",
			mutate:   func(def *domain.PipelineDef) { def.Edges = append(def.Edges, edge("op", "ghost")) },
			wantEdge: "op->ghost",
			reason:   "does not exist",
		},
		{
			name: "unknown edge type",
			mutate: func(def *domain.PipelineDef) {
				def.Edges[0].Type = "maybe"
			},
			wantEdge: "start->op",
			reason:   "unknown edge type",
		},
		{
			name: "unreachable node",
			mutate: func(def *domain.PipelineDef) {
				def.Nodes = append(def.Nodes, opNode("orphan", "invert", nil))
				def.Edges = append(def.Edges, edge("orphan", "end"))
			},
			wantNode: "orphan",
			reason:   "not reachable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			def := linear()
			tt.mutate(def)
			err := Validate(def)
			if tt.reason == "" {
				require.NoError(t, err)
				return
			}

			var vErr *domain.ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.ErrorIs(t, err, domain.ErrDefinitionInvalid)
			assert.Equal(t, "linear", vErr.PipelineID)
			assert.Equal(t, tt.wantNode, vErr.NodeID)
			assert.Equal(t, tt.wantEdge, vErr.EdgeID)
			assert.Contains(t, vErr.Reason, tt.reason)
		})
	}
}

func TestValidate_Nil(t *testing.T) {
	assert.ErrorIs(t, Validate(nil), domain.ErrDefinitionInvalid)
}

func TestValidate_Strict(t *testing.T) {
	tests := []struct {
		name   string
		def    *domain.PipelineDef
		reason string
	}{
		{name: "valid linear", def: linear()},
		{name: "valid branch", def: branchPipeline()},
		{
			name: "edge into start",
			def: func() *domain.PipelineDef {
				def := linear()
				def.Edges = append(def.Edges, edge("op", "start"))
				return def
			}(),
			reason: "start node must not have incoming edges",
		},
		{
			name: "edge out of end",
			def: func() *domain.PipelineDef {
				def := linear()
				def.Edges = append(def.Edges, edge("end", "op"))
				return def
			}(),
			reason: "end node must not have outgoing edges",
		},
		{
			name: "merge with one input",
			def: &domain.PipelineDef{
				ID:    "merge",
				Nodes: []domain.Node{startNode(), {ID: "m", Type: domain.NodeMerge}, endNode(nil)},
				Edges: []domain.Edge{edge("start", "m"), edge("m", "end")},
			},
			reason: "at least two incoming edges",
		},
		{
			name: "condition with untyped edge",
			def: &domain.PipelineDef{
				ID:    "cond",
				Nodes: []domain.Node{startNode(), conditionNode("c", "true", nil), endNode(nil)},
				Edges: []domain.Edge{edge("start", "c"), edge("c", "end")},
			},
			reason: "typed true or false",
		},
		{
			name: "condition with two true edges",
			def: &domain.PipelineDef{
				ID:    "cond",
				Nodes: []domain.Node{startNode(), conditionNode("c", "true", nil), endNode(nil)},
				Edges: []domain.Edge{
					edge("start", "c"),
					typedEdge("c", "end", domain.EdgeTrue),
					{ID: "dup", Source: "c", Target: "end", Type: domain.EdgeTrue},
				},
			},
			reason: "exactly one true and one false",
		},
		{
			name: "dead end",
			def: &domain.PipelineDef{
				ID:    "dead",
				Nodes: []domain.Node{startNode(), opNode("a", "x", nil), opNode("b", "x", nil), endNode(nil)},
				Edges: []domain.Edge{edge("start", "a"), edge("start", "b"), edge("a", "end")},
			},
			reason: "no outgoing edges",
		},
		{
			name: "cycle",
			def: &domain.PipelineDef{
				ID:    "cycle",
				Nodes: []domain.Node{startNode(), opNode("a", "x", nil), opNode("b", "x", nil), endNode(nil)},
				Edges: []domain.Edge{edge("start", "a"), edge("a", "b"), edge("b", "a"), edge("b", "end")},
			},
			reason: "cycle",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, Validate(tt.def), "base rules must accept the fixture")
			err := ValidateWith(tt.def, ValidateOptions{Strict: true})
			if tt.reason == "" {
				assert.NoError(t, err)
				return
			}
			var vErr *domain.ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Contains(t, vErr.Reason, tt.reason)
		})
	}
}

var nodeTypes = []domain.NodeType{
	domain.NodeStart, domain.NodeEnd, domain.NodeOperation, domain.NodeCondition, domain.NodeMerge, "bogus",
}

// arbitraryPipeline draws definitions that are frequently, but not always, invalid.
func arbitraryPipeline(t *rapid.T) *domain.PipelineDef {
	n := rapid.IntRange(0, 8).Draw(t, "nodes")
	def := &domain.PipelineDef{ID: "random"}
	for i := 0; i < n; i++ {
		typ := rapid.SampledFrom(nodeTypes).Draw(t, fmt.Sprintf("type%d", i))
		node := domain.Node{ID: fmt.Sprintf("n%d", i), Type: typ}
		if typ == domain.NodeOperation && rapid.Bool().Draw(t, fmt.Sprintf("op%d", i)) {
			node.OperationID = "op"
		}
		def.Nodes = append(def.Nodes, node)
	}
	if n == 0 {
		return def
	}
	m := rapid.IntRange(0, 12).Draw(t, "edges")
	for i := 0; i < m; i++ {
		from := rapid.IntRange(0, n).Draw(t, fmt.Sprintf("from%d", i))
		to := rapid.IntRange(0, n-1).Draw(t, fmt.Sprintf("to%d", i))
		typ := rapid.SampledFrom([]domain.EdgeType{"", domain.EdgeTrue, domain.EdgeFalse}).Draw(t, fmt.Sprintf("etype%d", i))
		def.Edges = append(def.Edges, domain.Edge{
			ID:     fmt.Sprintf("e%d", i),
			Source: fmt.Sprintf("n%d", from),
			Target: fmt.Sprintf("n%d", to),
			Type:   typ,
		})
	}
	return def
}

func TestValidate_DeterministicProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		def := arbitraryPipeline(t)
		strict := rapid.Bool().Draw(t, "strict")
		opts := ValidateOptions{Strict: strict}

		first := ValidateWith(def, opts)
		for i := 0; i < 3; i++ {
			again := ValidateWith(def, opts)
			if (first == nil) != (again == nil) {
				t.Fatalf("verdict changed between runs: %v vs %v", first, again)
			}
			if first != nil && first.Error() != again.Error() {
				t.Fatalf("error changed between runs: %q vs %q", first, again)
			}
		}
	})
}

func TestValidate_UnreachableNodeProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		chain := rapid.IntRange(0, 6).Draw(t, "chain")
		def := &domain.PipelineDef{ID: "chain", Nodes: []domain.Node{startNode()}}
		prev := "start"
		for i := 0; i < chain; i++ {
			id := fmt.Sprintf("op%d", i)
			def.Nodes = append(def.Nodes, opNode(id, "op", nil))
			def.Edges = append(def.Edges, edge(prev, id))
			prev = id
		}
		def.Nodes = append(def.Nodes, endNode(nil))
		def.Edges = append(def.Edges, edge(prev, "end"))

		orphanType := rapid.SampledFrom([]domain.NodeType{domain.NodeOperation, domain.NodeCondition, domain.NodeMerge}).Draw(t, "orphanType")
		orphan := domain.Node{ID: "orphan", Type: orphanType, OperationID: "op"}
		pos := rapid.IntRange(0, len(def.Nodes)).Draw(t, "pos")
		def.Nodes = append(def.Nodes[:pos], append([]domain.Node{orphan}, def.Nodes[pos:]...)...)

		// Edges out of the orphan never make it reachable.
		if rapid.Bool().Draw(t, "orphanOut") {
			def.Edges = append(def.Edges, edge("orphan", "end"))
		}

		err := Validate(def)
		var vErr *domain.ValidationError
		if !errors.As(err, &vErr) {
			t.Fatalf("expected validation error, got %v", err)
		}
		if vErr.NodeID != "orphan" {
			t.Fatalf("expected orphan to be reported, got %q (%s)", vErr.NodeID, vErr.Reason)
		}
	})
}

func TestRegistry_UpdateIsAtomic(t *testing.T) {
	registry := NewPipelineRegistry(ValidateOptions{}, discardLogger())
	ctx := context.Background()

	require.NoError(t, registry.UpdatePipelines(ctx, []domain.PipelineDef{*linear(), *branchPipeline()}))
	assert.Equal(t, int64(1), registry.Generation())

	list := registry.ListPipelines()
	require.Len(t, list, 2)
	assert.Equal(t, "branch", list[0].ID)
	assert.Equal(t, "linear", list[1].ID)

	broken := *linear()
	broken.ID = "broken"
	broken.Edges = nil
	err := registry.UpdatePipelines(ctx, []domain.PipelineDef{*linear(), broken})
	assert.ErrorIs(t, err, domain.ErrDefinitionInvalid)
	assert.Equal(t, int64(1), registry.Generation())
	_, ok := registry.GetPipeline("branch")
	assert.True(t, ok, "failed update must leave the previous set in place")

	err = registry.UpdatePipelines(ctx, []domain.PipelineDef{*linear(), *linear()})
	assert.ErrorIs(t, err, domain.ErrDefinitionInvalid)

	err = registry.UpdatePipelines(ctx, []domain.PipelineDef{{}})
	assert.ErrorIs(t, err, domain.ErrDefinitionInvalid)

	require.NoError(t, registry.UpdatePipelines(ctx, nil))
	assert.Empty(t, registry.ListPipelines())
	_, ok = registry.GetPipeline("linear")
	assert.False(t, ok)
	assert.Equal(t, int64(2), registry.Generation())
}

func TestRegistry_StrictRejectsCycles(t *testing.T) {
	registry := NewPipelineRegistry(ValidateOptions{Strict: true}, discardLogger())
	def := linear()
	def.Edges = append(def.Edges, edge("op", "op"))
	err := registry.UpdatePipelines(context.Background(), []domain.PipelineDef{*def})
	var vErr *domain.ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Contains(t, vErr.Reason, "cycle")
}
