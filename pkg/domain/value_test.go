package domain

import (
	"errors"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestFromNative(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 3, 2))

	tests := []struct {
		name string
		raw  any
		kind ValueKind
		str  string
	}{
		{"nil", nil, KindNull, "null"},
		{"int", 7, KindNumber, "7"},
		{"int64", int64(-3), KindNumber, "-3"},
		{"uint8", uint8(200), KindNumber, "200"},
		{"float", 0.25, KindNumber, "0.25"},
		{"text", "cat", KindText, `"cat"`},
		{"bool", true, KindBoolean, "true"},
		{"bytes", []byte{1, 2, 3}, KindBytes, "bytes(len=3)"},
		{"list", []any{1, "a"}, KindArray, "array(len=2)"},
		{"object", map[string]any{"b": 1, "a": 2}, KindObject, "object[a b]"},
		{"yaml map", map[any]any{1: "x"}, KindObject, "object[1]"},
		{"image", img, KindImage, "image(3x2)"},
		{"value", Number(4), KindNumber, "4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := FromNative(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, v.Kind())
			assert.Equal(t, tt.str, v.String())
		})
	}

	_, err := FromNative(struct{}{})
	assert.ErrorContains(t, err, "unsupported literal type")
}

func TestEmptyRaster(t *testing.T) {
	assert.True(t, Null().EmptyRaster())
	assert.True(t, Image(image.NewGray(image.Rectangle{})).EmptyRaster())
	assert.False(t, Image(image.NewGray(image.Rect(0, 0, 1, 1))).EmptyRaster())
	assert.False(t, Number(0).EmptyRaster())
}

func TestParamTypeValid(t *testing.T) {
	for _, pt := range []ParamType{ParamImage, ParamNumber, ParamText, ParamBoolean, ParamArray, ParamObject} {
		assert.True(t, pt.Valid(), pt)
	}
	assert.False(t, ParamType("matrix").Valid())
}

func TestParseParamSource(t *testing.T) {
	tests := []struct {
		raw  string
		want ParamSource
	}{
		{"", LiteralSource()},
		{"custom", LiteralSource()},
		{" input:photo ", InputSource("photo")},
		{"node:gray:output", NodeSource("gray", "output")},
	}
	for _, tt := range tests {
		got, err := ParseParamSource(tt.raw)
		require.NoError(t, err, tt.raw)
		assert.Equal(t, tt.want, got, tt.raw)
	}

	for _, raw := range []string{"photo", "input:", "node:gray", "node::output", "env:HOME"} {
		_, err := ParseParamSource(raw)
		assert.Error(t, err, raw)
	}
}

func TestParamSourceRoundTrip(t *testing.T) {
	name := rapid.StringMatching(`[a-z][a-z0-9_]{0,8}`)
	rapid.Check(t, func(t *rapid.T) {
		var src ParamSource
		switch rapid.IntRange(0, 2).Draw(t, "kind") {
		case 0:
			src = LiteralSource()
		case 1:
			src = InputSource(name.Draw(t, "input"))
		default:
			src = NodeSource(name.Draw(t, "node"), name.Draw(t, "output"))
		}

		got, err := ParseParamSource(src.String())
		if err != nil {
			t.Fatalf("parse %q: %v", src.String(), err)
		}
		if got != src {
			t.Fatalf("round trip of %q gave %+v", src.String(), got)
		}
	})
}

func TestErrorUnwrapping(t *testing.T) {
	err := &ValidationError{PipelineID: "p", NodeID: "n", Reason: "orphan"}
	assert.ErrorIs(t, err, ErrDefinitionInvalid)
	assert.Equal(t, `pipeline "p" invalid at node "n": orphan`, err.Error())

	cause := errors.New("boom")
	assert.ErrorIs(t, &OperationExecutionError{Err: cause}, cause)
	assert.ErrorIs(t, &ParameterCoercionError{Param: "x", Type: ParamNumber, Err: cause}, cause)

	missing := &MissingInputError{PipelineID: "p", Names: []string{"a", "b"}}
	assert.Equal(t, `pipeline "p": missing required inputs: a, b`, missing.Error())
}
