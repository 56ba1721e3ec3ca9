package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-vision/pkg/domain"
)

func TestSimulator_RunsWithoutSideEffects(t *testing.T) {
	f := newFixture()
	for _, id := range []string{"high", "low", "low2"} {
		f.counting(id)
		f.ops[id].Outputs = []domain.ParamSchema{{Name: "value", Type: domain.ParamNumber, Default: domain.Number(42)}}
	}
	def := branchPipeline()
	def.Nodes[len(def.Nodes)-1].Config.OutputMappings = map[string]domain.ParamSource{
		"value": domain.NodeSource("high", "value"),
	}
	def.Outputs = []domain.ParamSchema{{Name: "value"}}

	sim := NewSimulator(f.ops, discardLogger())
	result, err := sim.Simulate(context.Background(), def, map[string]domain.Value{"x": domain.Number(9)})
	require.NoError(t, err)

	assert.Zero(t, f.count("high"), "simulation must not invoke step bodies")
	assert.Equal(t, domain.Number(42), result.Outputs["value"])
	assert.NotEmpty(t, result.Log, "simulation is always verbose")

	var order []string
	for _, entry := range result.Trace {
		order = append(order, entry.NodeID+":"+entry.Outcome)
	}
	assert.Equal(t, []string{"start:success", "check:success", "high:success", "low:skipped", "low2:skipped", "end:success"}, order)
}

func TestSimulator_Errors(t *testing.T) {
	sim := NewSimulator(nil, discardLogger())

	_, err := sim.Simulate(context.Background(), nil, nil)
	assert.ErrorIs(t, err, domain.ErrPipelineNotFound)

	def := linear()
	def.Outputs = []domain.ParamSchema{{Name: "out", Default: domain.Text("d")}}
	result, err := sim.Simulate(context.Background(), def, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, result.Nodes["op"].Err, domain.ErrOperationNotFound)
}

func TestSimulator_TypedOutputsFeedConditions(t *testing.T) {
	f := newFixture()
	for _, id := range []string{"measure", "bright", "dark"} {
		f.counting(id)
	}
	f.ops["measure"].Outputs = []domain.ParamSchema{
		{Name: "mean", Type: domain.ParamNumber},
		{Name: "preview", Type: domain.ParamImage},
	}

	def := &domain.PipelineDef{
		ID: "gate",
		Nodes: []domain.Node{
			startNode(),
			opNode("measure", "measure", nil),
			conditionNode("check", "input.mean > 100", map[string]domain.ParamBinding{"mean": fromNode("measure", "mean")}),
			opNode("bright", "bright", nil),
			opNode("dark", "dark", nil),
			endNode(map[string]domain.ParamSource{"preview": domain.NodeSource("measure", "preview")}),
		},
		Edges: []domain.Edge{
			edge("start", "measure"), edge("measure", "check"),
			typedEdge("check", "bright", domain.EdgeTrue), typedEdge("check", "dark", domain.EdgeFalse),
			edge("bright", "end"), edge("dark", "end"),
		},
		Outputs: []domain.ParamSchema{{Name: "preview"}},
	}

	result, err := NewSimulator(f.ops, discardLogger()).Simulate(context.Background(), def, nil)
	require.NoError(t, err)

	assert.Equal(t, domain.Bool(false), result.Nodes["check"].Value)
	assert.True(t, result.Nodes["dark"].Success)
	assert.NotContains(t, result.Nodes, "bright")
	assert.Equal(t, domain.KindImage, result.Outputs["preview"].Kind())
	assert.Zero(t, f.count("measure"))
}
