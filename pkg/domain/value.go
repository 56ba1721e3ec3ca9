package domain

import (
	"fmt"
	"image"
	"sort"
)

// ParamType is the declared type of an operation or pipeline parameter.
type ParamType string

const (
	// ParamImage carries a decoded raster.
	ParamImage ParamType = "image"
	// ParamNumber carries a 64-bit float.
	ParamNumber ParamType = "number"
	// ParamText carries a string.
	ParamText ParamType = "text"
	// ParamBoolean carries a bool.
	ParamBoolean ParamType = "boolean"
	// ParamArray carries an ordered list of native values.
	ParamArray ParamType = "array"
	// ParamObject carries a string-keyed map of native values.
	ParamObject ParamType = "object"
)

// Valid reports whether t is one of the closed set of parameter types.
func (t ParamType) Valid() bool {
	switch t {
	case ParamImage, ParamNumber, ParamText, ParamBoolean, ParamArray, ParamObject:
		return true
	default:
		return false
	}
}

// ValueKind tags the variant held by a Value. It is wider than ParamType: Null marks an
// absent value and Bytes holds an encoded image that has not crossed the step runtime yet.
type ValueKind uint8

const (
	KindNull ValueKind = iota
	KindImage
	KindNumber
	KindText
	KindBoolean
	KindArray
	KindObject
	KindBytes
)

func (k ValueKind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindImage:
		return "image"
	case KindNumber:
		return "number"
	case KindText:
		return "text"
	case KindBoolean:
		return "boolean"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	case KindBytes:
		return "bytes"
	default:
		return "unknown"
	}
}

// Value is the tagged union shared by every engine component. The zero Value is Null.
type Value struct {
	kind  ValueKind
	img   image.Image
	num   float64
	text  string
	flag  bool
	list  []any
	obj   map[string]any
	bytes []byte
}

// Null returns the absent value.
func Null() Value { return Value{} }

// Image wraps a decoded raster. A nil image yields Null.
func Image(img image.Image) Value {
	if img == nil {
		return Value{}
	}
	return Value{kind: KindImage, img: img}
}

// Number wraps a float64.
func Number(f float64) Value { return Value{kind: KindNumber, num: f} }

// Text wraps a string.
func Text(s string) Value { return Value{kind: KindText, text: s} }

// Bool wraps a bool.
func Bool(b bool) Value { return Value{kind: KindBoolean, flag: b} }

// Array wraps a list of native values.
func Array(items []any) Value {
	if items == nil {
		items = []any{}
	}
	return Value{kind: KindArray, list: items}
}

// Object wraps a map of native values.
func Object(fields map[string]any) Value {
	if fields == nil {
		fields = map[string]any{}
	}
	return Value{kind: KindObject, obj: fields}
}

// Bytes wraps an encoded image payload (png, jpeg, ...).
func Bytes(b []byte) Value { return Value{kind: KindBytes, bytes: b} }

// Kind returns the variant tag.
func (v Value) Kind() ValueKind { return v.kind }

// IsNull reports whether v holds no value.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsImage returns the raster when v is an image.
func (v Value) AsImage() (image.Image, bool) { return v.img, v.kind == KindImage }

// AsNumber returns the float when v is a number.
func (v Value) AsNumber() (float64, bool) { return v.num, v.kind == KindNumber }

// AsText returns the string when v is text.
func (v Value) AsText() (string, bool) { return v.text, v.kind == KindText }

// AsBool returns the flag when v is a boolean.
func (v Value) AsBool() (bool, bool) { return v.flag, v.kind == KindBoolean }

// AsArray returns the list when v is an array.
func (v Value) AsArray() ([]any, bool) { return v.list, v.kind == KindArray }

// AsObject returns the map when v is an object.
func (v Value) AsObject() (map[string]any, bool) { return v.obj, v.kind == KindObject }

// AsBytes returns the encoded payload when v holds bytes.
func (v Value) AsBytes() ([]byte, bool) { return v.bytes, v.kind == KindBytes }

// EmptyRaster reports whether v is Null or an image with no pixels.
func (v Value) EmptyRaster() bool {
	if v.kind == KindNull {
		return true
	}
	if v.kind != KindImage {
		return false
	}
	return v.img.Bounds().Empty()
}

// Native returns the plain Go representation: nil, image.Image, float64, string, bool,
// []any, map[string]any or []byte.
func (v Value) Native() any {
	switch v.kind {
	case KindImage:
		return v.img
	case KindNumber:
		return v.num
	case KindText:
		return v.text
	case KindBoolean:
		return v.flag
	case KindArray:
		return v.list
	case KindObject:
		return v.obj
	case KindBytes:
		return v.bytes
	default:
		return nil
	}
}

// String renders a short human-readable form used in logs.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindImage:
		b := v.img.Bounds()
		return fmt.Sprintf("image(%dx%d)", b.Dx(), b.Dy())
	case KindNumber:
		return fmt.Sprintf("%g", v.num)
	case KindText:
		return fmt.Sprintf("%q", v.text)
	case KindBoolean:
		return fmt.Sprintf("%t", v.flag)
	case KindArray:
		return fmt.Sprintf("array(len=%d)", len(v.list))
	case KindObject:
		keys := make([]string, 0, len(v.obj))
		for k := range v.obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return fmt.Sprintf("object%v", keys)
	case KindBytes:
		return fmt.Sprintf("bytes(len=%d)", len(v.bytes))
	default:
		return "unknown"
	}
}

// FromNative converts a decoded YAML/JSON/HCL literal (or a value an operation produced)
// into a Value. Integers widen to float64; unknown types are rejected.
func FromNative(raw any) (Value, error) {
	switch v := raw.(type) {
	case nil:
		return Null(), nil
	case Value:
		return v, nil
	case image.Image:
		return Image(v), nil
	case float64:
		return Number(v), nil
	case float32:
		return Number(float64(v)), nil
	case int:
		return Number(float64(v)), nil
	case int8:
		return Number(float64(v)), nil
	case int16:
		return Number(float64(v)), nil
	case int32:
		return Number(float64(v)), nil
	case int64:
		return Number(float64(v)), nil
	case uint:
		return Number(float64(v)), nil
	case uint8:
		return Number(float64(v)), nil
	case uint16:
		return Number(float64(v)), nil
	case uint32:
		return Number(float64(v)), nil
	case uint64:
		return Number(float64(v)), nil
	case string:
		return Text(v), nil
	case bool:
		return Bool(v), nil
	case []byte:
		return Bytes(v), nil
	case []any:
		return Array(v), nil
	case map[string]any:
		return Object(v), nil
	case map[any]any:
		fields := make(map[string]any, len(v))
		for key, val := range v {
			fields[fmt.Sprint(key)] = val
		}
		return Object(fields), nil
	default:
		return Null(), fmt.Errorf("unsupported literal type %T", raw)
	}
}

// MustNative is FromNative for literals known to be valid, such as test fixtures.
func MustNative(raw any) Value {
	v, err := FromNative(raw)
	if err != nil {
		panic(err)
	}
	return v
}
