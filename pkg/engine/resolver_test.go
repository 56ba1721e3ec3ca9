package engine

import (
	"image"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-vision/pkg/domain"
)

func TestResolver_Resolve(t *testing.T) {
	results := ResultMap{
		"ok": {
			NodeID:  "ok",
			Success: true,
			Outputs: map[string]domain.Value{"width": domain.Number(640)},
		},
		"cond": {NodeID: "cond", Success: true, Value: domain.Bool(true)},
		"bad":  {NodeID: "bad", Success: false},
	}
	inputs := map[string]domain.Value{"label": domain.Text("cat")}

	node := &domain.Node{ID: "n", Type: domain.NodeOperation, Config: domain.NodeConfig{Params: map[string]domain.ParamBinding{
		"literal":   {Source: domain.LiteralSource(), Value: domain.Number(1)},
		"input":     fromInput("label"),
		"output":    fromNode("ok", "width"),
		"single":    fromNode("cond", "anything"),
		"noInput":   {Source: domain.InputSource("ghost"), Value: domain.Text("fallback")},
		"noOutput":  {Source: domain.NodeSource("ok", "height"), Value: domain.Number(480)},
		"failed":    {Source: domain.NodeSource("bad", "x"), Value: domain.Text("safe")},
		"notRunYet": {Source: domain.NodeSource("later", "x")},
	}}}

	log := NewExecutionLog(discardLogger(), true)
	params := NewResolver(log).Resolve(node, results, inputs)

	assert.Equal(t, map[string]domain.Value{
		"literal":   domain.Number(1),
		"input":     domain.Text("cat"),
		"output":    domain.Number(640),
		"single":    domain.Bool(true),
		"noInput":   domain.Text("fallback"),
		"noOutput":  domain.Number(480),
		"failed":    domain.Text("safe"),
		"notRunYet": domain.Null(),
	}, params)

	var warnings []string
	for _, entry := range log.Entries() {
		if entry.Level == domain.LogWarn {
			warnings = append(warnings, entry.Message)
		}
	}
	require.Len(t, warnings, 4)
	for _, w := range warnings {
		assert.True(t, strings.HasSuffix(w, "using literal"), w)
	}
}

func TestResolver_ImageSafetyNet(t *testing.T) {
	tests := []struct {
		name  string
		value domain.Value
		blank bool
	}{
		{name: "null", value: domain.Null(), blank: true},
		{name: "zero area", value: domain.Image(image.NewRGBA(image.Rect(0, 0, 0, 0))), blank: true},
		{name: "real image", value: domain.Image(whiteRGB(2, 2))},
		{name: "not an image", value: domain.Text("x")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			node := &domain.Node{ID: "n", Config: domain.NodeConfig{Params: map[string]domain.ParamBinding{
				ImageParam: {Source: domain.LiteralSource(), Value: tt.value},
			}}}
			params := NewResolver(nil).Resolve(node, ResultMap{}, nil)

			if !tt.blank {
				assert.Equal(t, tt.value, params[ImageParam])
				return
			}
			img, ok := params[ImageParam].AsImage()
			require.True(t, ok)
			assert.Equal(t, image.Rect(0, 0, 1, 1), img.Bounds())
		})
	}
}

func TestResolver_NoImageParamLeftAlone(t *testing.T) {
	node := &domain.Node{ID: "n"}
	params := NewResolver(nil).Resolve(node, ResultMap{}, nil)
	assert.Empty(t, params)
}

type panickingTable struct{}

func (panickingTable) Result(string) (domain.NodeResult, bool) { panic("table exploded") }

func TestResolver_RecoversFromPanics(t *testing.T) {
	node := &domain.Node{ID: "n", Config: domain.NodeConfig{Params: map[string]domain.ParamBinding{
		"x": {Source: domain.NodeSource("a", "b"), Value: domain.Number(9)},
	}}}
	log := NewExecutionLog(discardLogger(), true)
	params := NewResolver(log).Resolve(node, panickingTable{}, nil)

	assert.Equal(t, domain.Number(9), params["x"])
	entries := log.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, domain.LogError, entries[0].Level)
	assert.Contains(t, entries[0].Message, "table exploded")
}

func TestExecutionLog(t *testing.T) {
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	log := NewExecutionLog(discardLogger(), true)
	log.now = func() time.Time { return fixed }
	log.Debug("a", "plain message")
	log.Info("", "formatted %d/%s", 1, "x")
	log.Warn("b", "100%% literal")
	log.Error("c", "failed: %v", "boom")

	entries := log.Entries()
	require.Len(t, entries, 4)
	assert.Equal(t, domain.LogEntry{Time: fixed, Level: domain.LogDebug, NodeID: "a", Message: "plain message"}, entries[0])
	assert.Equal(t, "formatted 1/x", entries[1].Message)
	assert.Equal(t, "100%% literal", entries[2].Message, "messages without args are not formatted")
	assert.Equal(t, domain.LogError, entries[3].Level)

	entries[0].Message = "mutated"
	assert.Equal(t, "plain message", log.Entries()[0].Message, "Entries returns a copy")

	disabled := NewExecutionLog(nil, false)
	disabled.Info("a", "dropped")
	assert.Empty(t, disabled.Entries())
}
