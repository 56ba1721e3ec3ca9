package runtime

import (
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-vision/pkg/domain"
)

func echoOperation() *domain.OperationDef {
	return &domain.OperationDef{
		ID:     "op-echo",
		Name:   "echo",
		Source: "echo",
		Inputs: []domain.ParamSchema{
			{Name: "factor", Type: domain.ParamNumber, Default: domain.Number(2)},
			{Name: "label", Type: domain.ParamText},
		},
		Outputs: []domain.ParamSchema{
			{Name: "factor", Type: domain.ParamNumber},
			{Name: "label", Type: domain.ParamText},
		},
	}
}

func echoSandbox(t *testing.T) (*PluginSandbox, *map[string]domain.Value) {
	t.Helper()
	var seen map[string]domain.Value
	sb := NewPluginSandbox()
	sb.RegisterFunc("echo", func(_ context.Context, in map[string]domain.Value) (map[string]domain.Value, error) {
		seen = in
		return map[string]domain.Value{"factor": in["factor"], "label": in["label"]}, nil
	})
	return sb, &seen
}

func TestInvoke_FillsDefaultsAndCoerces(t *testing.T) {
	sb, seen := echoSandbox(t)

	out, err := Invoke(context.Background(), sb, echoOperation(), map[string]domain.Value{
		"label": domain.Number(3),
	})
	require.NoError(t, err)

	factor, ok := out["factor"].AsNumber()
	require.True(t, ok)
	assert.Equal(t, 2.0, factor)

	label, ok := out["label"].AsText()
	require.True(t, ok)
	assert.Equal(t, "3", label)

	assert.Contains(t, *seen, "factor")
}

func TestInvoke_NullPassesThrough(t *testing.T) {
	sb, seen := echoSandbox(t)
	op := echoOperation()
	op.Inputs[0].Default = domain.Null()

	_, err := Invoke(context.Background(), sb, op, map[string]domain.Value{"label": domain.Null()})
	require.NoError(t, err)
	assert.True(t, (*seen)["factor"].IsNull())
	assert.True(t, (*seen)["label"].IsNull())
}

func TestInvoke_NullInputTakesDefault(t *testing.T) {
	sb, seen := echoSandbox(t)

	_, err := Invoke(context.Background(), sb, echoOperation(), map[string]domain.Value{
		"factor": domain.Null(),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.Number(2), (*seen)["factor"])
}

func TestInvoke_CoercionFailureNamesParameter(t *testing.T) {
	sb, _ := echoSandbox(t)

	_, err := Invoke(context.Background(), sb, echoOperation(), map[string]domain.Value{
		"factor": domain.Text("abc"),
	})
	var coercion *domain.ParameterCoercionError
	require.ErrorAs(t, err, &coercion)
	assert.Equal(t, "factor", coercion.Param)
	assert.Equal(t, domain.ParamNumber, coercion.Type)
}

func TestInvoke_StepErrorAndPanic(t *testing.T) {
	boom := errors.New("boom")
	sb := NewPluginSandbox()
	sb.RegisterFunc("fail", func(context.Context, map[string]domain.Value) (map[string]domain.Value, error) {
		return nil, boom
	})
	sb.RegisterFunc("panic", func(context.Context, map[string]domain.Value) (map[string]domain.Value, error) {
		panic("kaboom")
	})

	_, err := Invoke(context.Background(), sb, &domain.OperationDef{ID: "f", Name: "fail", Source: "fail"}, nil)
	var opErr *domain.OperationExecutionError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "fail", opErr.Operation)
	assert.ErrorIs(t, err, boom)

	_, err = Invoke(context.Background(), sb, &domain.OperationDef{ID: "p", Name: "panic", Source: "panic"}, nil)
	require.ErrorAs(t, err, &opErr)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestInvoke_UnknownSource(t *testing.T) {
	_, err := Invoke(context.Background(), NewPluginSandbox(), &domain.OperationDef{Name: "x", Source: "import os"}, nil)
	var opErr *domain.OperationExecutionError
	require.ErrorAs(t, err, &opErr)
	assert.ErrorIs(t, err, ErrUnknownSource)
}

func TestInvoke_MissingOutputs(t *testing.T) {
	sb := NewPluginSandbox()
	sb.RegisterFunc("partial", func(context.Context, map[string]domain.Value) (map[string]domain.Value, error) {
		return map[string]domain.Value{"a": domain.Number(1)}, nil
	})
	sb.RegisterFunc("nothing", func(context.Context, map[string]domain.Value) (map[string]domain.Value, error) {
		return nil, nil
	})
	outputs := []domain.ParamSchema{{Name: "a"}, {Name: "b"}, {Name: "c"}}

	_, err := Invoke(context.Background(), sb, &domain.OperationDef{Name: "partial", Source: "partial", Outputs: outputs}, nil)
	var missing *domain.MissingOutputError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, []string{"b", "c"}, missing.Names)

	_, err = Invoke(context.Background(), sb, &domain.OperationDef{Name: "nothing", Source: "nothing"}, nil)
	require.ErrorAs(t, err, &missing)
}

func TestInvoke_StepTimeout(t *testing.T) {
	sb := NewPluginSandbox()
	sb.RegisterFunc("slow", func(context.Context, map[string]domain.Value) (map[string]domain.Value, error) {
		time.Sleep(200 * time.Millisecond)
		return map[string]domain.Value{}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := Invoke(ctx, sb, &domain.OperationDef{Name: "slow", Source: "slow"}, nil)
	var opErr *domain.OperationExecutionError
	require.ErrorAs(t, err, &opErr)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPluginSandbox_Sources(t *testing.T) {
	sb := NewPluginSandbox()
	sb.RegisterFunc("b", func(context.Context, map[string]domain.Value) (map[string]domain.Value, error) { return nil, nil })
	sb.RegisterFunc("a", func(context.Context, map[string]domain.Value) (map[string]domain.Value, error) { return nil, nil })
	sb.Register("", nil)
	assert.Equal(t, []string{"a", "b"}, sb.Sources())
}

func TestCoerce(t *testing.T) {
	tests := []struct {
		name  string
		typ   domain.ParamType
		in    domain.Value
		check func(t *testing.T, v domain.Value)
	}{
		{
			name: "numeric text to number",
			typ:  domain.ParamNumber,
			in:   domain.Text(" 4.5 "),
			check: func(t *testing.T, v domain.Value) {
				f, ok := v.AsNumber()
				require.True(t, ok)
				assert.Equal(t, 4.5, f)
			},
		},
		{
			name: "bool to number",
			typ:  domain.ParamNumber,
			in:   domain.Bool(true),
			check: func(t *testing.T, v domain.Value) {
				f, _ := v.AsNumber()
				assert.Equal(t, 1.0, f)
			},
		},
		{
			name: "text TRUE to boolean",
			typ:  domain.ParamBoolean,
			in:   domain.Text("TRUE"),
			check: func(t *testing.T, v domain.Value) {
				b, _ := v.AsBool()
				assert.True(t, b)
			},
		},
		{
			name: "text yes is false",
			typ:  domain.ParamBoolean,
			in:   domain.Text("yes"),
			check: func(t *testing.T, v domain.Value) {
				b, ok := v.AsBool()
				require.True(t, ok)
				assert.False(t, b)
			},
		},
		{
			name: "zero is false",
			typ:  domain.ParamBoolean,
			in:   domain.Number(0),
			check: func(t *testing.T, v domain.Value) {
				b, _ := v.AsBool()
				assert.False(t, b)
			},
		},
		{
			name: "number to text",
			typ:  domain.ParamText,
			in:   domain.Number(0.25),
			check: func(t *testing.T, v domain.Value) {
				s, _ := v.AsText()
				assert.Equal(t, "0.25", s)
			},
		},
		{
			name: "object to text",
			typ:  domain.ParamText,
			in:   domain.Object(map[string]any{"a": 1.0}),
			check: func(t *testing.T, v domain.Value) {
				s, _ := v.AsText()
				assert.JSONEq(t, `{"a":1}`, s)
			},
		},
		{
			name: "json text to array",
			typ:  domain.ParamArray,
			in:   domain.Text(`[1, "two"]`),
			check: func(t *testing.T, v domain.Value) {
				list, ok := v.AsArray()
				require.True(t, ok)
				assert.Equal(t, []any{1.0, "two"}, list)
			},
		},
		{
			name: "json text to object",
			typ:  domain.ParamObject,
			in:   domain.Text(`{"k": true}`),
			check: func(t *testing.T, v domain.Value) {
				obj, ok := v.AsObject()
				require.True(t, ok)
				assert.Equal(t, map[string]any{"k": true}, obj)
			},
		},
		{
			name: "native array passes",
			typ:  domain.ParamArray,
			in:   domain.Array([]any{"x"}),
			check: func(t *testing.T, v domain.Value) {
				list, _ := v.AsArray()
				assert.Equal(t, []any{"x"}, list)
			},
		},
		{
			name: "null passes",
			typ:  domain.ParamImage,
			in:   domain.Null(),
			check: func(t *testing.T, v domain.Value) {
				assert.True(t, v.IsNull())
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := Coerce("p", tt.typ, tt.in)
			require.NoError(t, err)
			tt.check(t, out)
		})
	}
}

func TestCoerce_Failures(t *testing.T) {
	cases := []struct {
		typ domain.ParamType
		in  domain.Value
	}{
		{domain.ParamNumber, domain.Array(nil)},
		{domain.ParamArray, domain.Text(`{"a":1}`)},
		{domain.ParamObject, domain.Text("[1]")},
		{domain.ParamImage, domain.Number(1)},
		{domain.ParamImage, domain.Bytes([]byte("not an image"))},
		{domain.ParamText, domain.Image(BlankImage())},
		{domain.ParamType("matrix"), domain.Number(1)},
	}
	for _, c := range cases {
		_, err := Coerce("p", c.typ, c.in)
		var coercion *domain.ParameterCoercionError
		assert.ErrorAs(t, err, &coercion, "%s <- %s", c.typ, c.in)
	}
}

func TestCoerce_ImageDecoding(t *testing.T) {
	src := image.NewGray(image.Rect(0, 0, 3, 2))
	src.SetGray(1, 1, color.Gray{Y: 200})
	encoded, err := EncodePNG(src)
	require.NoError(t, err)

	fromBytes, err := Coerce("image", domain.ParamImage, domain.Bytes(encoded))
	require.NoError(t, err)
	img, ok := fromBytes.AsImage()
	require.True(t, ok)
	assert.Equal(t, 3, img.Bounds().Dx())
	assert.Equal(t, 2, img.Bounds().Dy())

	b64 := base64.StdEncoding.EncodeToString(encoded)
	fromText, err := Coerce("image", domain.ParamImage, domain.Text(b64))
	require.NoError(t, err)
	_, ok = fromText.AsImage()
	assert.True(t, ok)

	fromURL, err := Coerce("image", domain.ParamImage, domain.Text("data:image/png;base64,"+b64))
	require.NoError(t, err)
	_, ok = fromURL.AsImage()
	assert.True(t, ok)
}

func TestBlankImage(t *testing.T) {
	img := BlankImage()
	assert.Equal(t, image.Rect(0, 0, 1, 1), img.Bounds())
	_, _, _, a := img.At(0, 0).RGBA()
	assert.Equal(t, uint32(0xffff), a)
}
