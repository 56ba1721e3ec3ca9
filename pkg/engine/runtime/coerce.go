package runtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/polisai/polis-vision/pkg/domain"
)

var errUnsupported = errors.New("unsupported value")

// Coerce converts value to the declared type. Null passes through for every type.
func Coerce(param string, typ domain.ParamType, value domain.Value) (domain.Value, error) {
	if value.IsNull() {
		return value, nil
	}

	var (
		out domain.Value
		err error
	)
	switch typ {
	case domain.ParamImage:
		out, err = coerceImage(value)
	case domain.ParamNumber:
		out, err = coerceNumber(value)
	case domain.ParamText:
		out, err = coerceText(value)
	case domain.ParamBoolean:
		out = coerceBoolean(value)
	case domain.ParamArray:
		out, err = coerceArray(value)
	case domain.ParamObject:
		out, err = coerceObject(value)
	default:
		err = fmt.Errorf("unknown parameter type %q", typ)
	}
	if err != nil {
		return domain.Null(), &domain.ParameterCoercionError{Param: param, Type: typ, Err: err}
	}
	return out, nil
}

func coerceImage(value domain.Value) (domain.Value, error) {
	switch value.Kind() {
	case domain.KindImage:
		return value, nil
	case domain.KindBytes:
		raw, _ := value.AsBytes()
		img, err := DecodeImage(raw)
		if err != nil {
			return domain.Null(), err
		}
		return domain.Image(img), nil
	case domain.KindText:
		text, _ := value.AsText()
		img, err := DecodeImageText(text)
		if err != nil {
			return domain.Null(), err
		}
		return domain.Image(img), nil
	default:
		return domain.Null(), fmt.Errorf("%w: %s is not an image", errUnsupported, value.Kind())
	}
}

func coerceNumber(value domain.Value) (domain.Value, error) {
	switch value.Kind() {
	case domain.KindNumber:
		return value, nil
	case domain.KindText:
		text, _ := value.AsText()
		f, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
		if err != nil {
			return domain.Null(), fmt.Errorf("%q is not a number", text)
		}
		return domain.Number(f), nil
	case domain.KindBoolean:
		if b, _ := value.AsBool(); b {
			return domain.Number(1), nil
		}
		return domain.Number(0), nil
	default:
		return domain.Null(), fmt.Errorf("%w: %s is not a number", errUnsupported, value.Kind())
	}
}

func coerceText(value domain.Value) (domain.Value, error) {
	switch value.Kind() {
	case domain.KindText:
		return value, nil
	case domain.KindNumber:
		f, _ := value.AsNumber()
		return domain.Text(strconv.FormatFloat(f, 'f', -1, 64)), nil
	case domain.KindBoolean:
		b, _ := value.AsBool()
		return domain.Text(strconv.FormatBool(b)), nil
	case domain.KindArray, domain.KindObject:
		raw, err := json.Marshal(value.Native())
		if err != nil {
			return domain.Null(), err
		}
		return domain.Text(string(raw)), nil
	default:
		return domain.Null(), fmt.Errorf("%w: %s cannot be rendered as text", errUnsupported, value.Kind())
	}
}

// coerceBoolean never fails: text is true only when it reads "true".
func coerceBoolean(value domain.Value) domain.Value {
	switch value.Kind() {
	case domain.KindBoolean:
		return value
	case domain.KindText:
		text, _ := value.AsText()
		return domain.Bool(strings.EqualFold(strings.TrimSpace(text), "true"))
	case domain.KindNumber:
		f, _ := value.AsNumber()
		return domain.Bool(f != 0)
	case domain.KindArray:
		list, _ := value.AsArray()
		return domain.Bool(len(list) > 0)
	case domain.KindObject:
		obj, _ := value.AsObject()
		return domain.Bool(len(obj) > 0)
	case domain.KindBytes:
		raw, _ := value.AsBytes()
		return domain.Bool(len(raw) > 0)
	default:
		return domain.Bool(!value.EmptyRaster())
	}
}

func coerceArray(value domain.Value) (domain.Value, error) {
	switch value.Kind() {
	case domain.KindArray:
		return value, nil
	case domain.KindText:
		text, _ := value.AsText()
		var list []any
		if err := json.Unmarshal([]byte(text), &list); err != nil {
			return domain.Null(), fmt.Errorf("parse array: %w", err)
		}
		return domain.Array(list), nil
	default:
		return domain.Null(), fmt.Errorf("%w: %s is not an array", errUnsupported, value.Kind())
	}
}

func coerceObject(value domain.Value) (domain.Value, error) {
	switch value.Kind() {
	case domain.KindObject:
		return value, nil
	case domain.KindText:
		text, _ := value.AsText()
		var obj map[string]any
		if err := json.Unmarshal([]byte(text), &obj); err != nil {
			return domain.Null(), fmt.Errorf("parse object: %w", err)
		}
		return domain.Object(obj), nil
	default:
		return domain.Null(), fmt.Errorf("%w: %s is not an object", errUnsupported, value.Kind())
	}
}
