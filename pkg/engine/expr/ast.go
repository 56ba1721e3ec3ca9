package expr

import (
	"context"
	"fmt"
	"image"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// Node is a parsed expression.
type Node interface {
	Eval(ctx context.Context, lookup LookupFunc) (any, error)
}

type binaryExpr struct {
	op    tokenType
	left  Node
	right Node
}

type unaryExpr struct {
	op      tokenType
	operand Node
}

type identifierExpr struct {
	name string
}

type literalExpr struct {
	value any
}

type memberExpr struct {
	target Node
	key    Node
}

func (n *binaryExpr) Eval(ctx context.Context, lookup LookupFunc) (any, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	leftVal, err := n.left.Eval(ctx, lookup)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case tokenAnd:
		if !truthy(leftVal) {
			return false, nil
		}
		rightVal, err := n.right.Eval(ctx, lookup)
		if err != nil {
			return nil, err
		}
		return truthy(rightVal), nil
	case tokenOr:
		if truthy(leftVal) {
			return true, nil
		}
		rightVal, err := n.right.Eval(ctx, lookup)
		if err != nil {
			return nil, err
		}
		return truthy(rightVal), nil
	}

	rightVal, err := n.right.Eval(ctx, lookup)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case tokenEq:
		return equals(leftVal, rightVal), nil
	case tokenNeq:
		return !equals(leftVal, rightVal), nil
	case tokenGt, tokenGte, tokenLt, tokenLte:
		return compare(leftVal, rightVal, n.op)
	case tokenIn:
		return contains(rightVal, leftVal)
	case tokenPlus, tokenMinus, tokenStar, tokenSlash, tokenPercent:
		return arithmetic(leftVal, rightVal, n.op)
	default:
		return nil, fmt.Errorf("%w: unsupported binary operator", ErrSyntax)
	}
}

func (n *unaryExpr) Eval(ctx context.Context, lookup LookupFunc) (any, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	value, err := n.operand.Eval(ctx, lookup)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case tokenNot:
		return !truthy(value), nil
	case tokenMinus:
		number, ok := toNumber(value)
		if !ok {
			return nil, fmt.Errorf("%w: unary - expects numeric operand", ErrTypeMismatch)
		}
		return -number, nil
	case tokenPlus:
		number, ok := toNumber(value)
		if !ok {
			return nil, fmt.Errorf("%w: unary + expects numeric operand", ErrTypeMismatch)
		}
		return number, nil
	default:
		return nil, fmt.Errorf("%w: unsupported unary operator", ErrSyntax)
	}
}

func (n *identifierExpr) Eval(ctx context.Context, lookup LookupFunc) (any, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if value, ok := lookup(n.name); ok {
		return value, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownIdentifier, n.name)
}

func (n *literalExpr) Eval(ctx context.Context, _ LookupFunc) (any, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	return n.value, nil
}

func (n *memberExpr) Eval(ctx context.Context, lookup LookupFunc) (any, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	target, err := n.target.Eval(ctx, lookup)
	if err != nil {
		return nil, err
	}
	key, err := n.key.Eval(ctx, lookup)
	if err != nil {
		return nil, err
	}
	return member(target, key)
}

// --- Helpers ---

func checkContext(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// member resolves target.key or target[key]. Images expose width, height and channels.
func member(target, key any) (any, error) {
	switch t := target.(type) {
	case map[string]any:
		name, ok := key.(string)
		if !ok {
			return nil, fmt.Errorf("%w: object key must be text, got %T", ErrTypeMismatch, key)
		}
		value, ok := t[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingField, name)
		}
		return value, nil
	case []any:
		idx, err := index(key, len(t))
		if err != nil {
			return nil, err
		}
		return t[idx], nil
	case string:
		idx, err := index(key, len(t))
		if err != nil {
			return nil, err
		}
		return string(t[idx]), nil
	case image.Image:
		name, _ := key.(string)
		bounds := t.Bounds()
		switch name {
		case "width":
			return float64(bounds.Dx()), nil
		case "height":
			return float64(bounds.Dy()), nil
		case "channels":
			return float64(imageChannels(t)), nil
		}
		return nil, fmt.Errorf("%w: image has no attribute %v", ErrMissingField, key)
	case nil:
		return nil, fmt.Errorf("%w: cannot access %v of null", ErrMissingField, key)
	default:
		return nil, fmt.Errorf("%w: cannot access %v of %T", ErrTypeMismatch, key, target)
	}
}

func index(key any, length int) (int, error) {
	f, ok := key.(float64)
	if !ok || f != math.Trunc(f) {
		return 0, fmt.Errorf("%w: index must be an integer, got %v", ErrTypeMismatch, key)
	}
	idx := int(f)
	if idx < 0 {
		idx += length
	}
	if idx < 0 || idx >= length {
		return 0, fmt.Errorf("%w: index %d out of range", ErrMissingField, int(f))
	}
	return idx, nil
}

func imageChannels(img image.Image) int {
	switch img.(type) {
	case *image.Gray, *image.Gray16:
		return 1
	case *image.RGBA, *image.NRGBA, *image.RGBA64, *image.NRGBA64:
		return 4
	default:
		return 3
	}
}

// truthy mirrors the usual scripting-language rules: zero, empty and null are false.
func truthy(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return v != ""
	case []any:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	case image.Image:
		return !v.Bounds().Empty()
	}
	if f, ok := toNumber(value); ok {
		return f != 0
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() > 0
	}
	return true
}

// toNumber converts numeric Go values. Strings are not numbers.
func toNumber(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	default:
		return 0, false
	}
}

// toFloat is toNumber plus numeric strings, used by comparisons.
func toFloat(value any) (float64, bool) {
	if f, ok := toNumber(value); ok {
		return f, true
	}
	if s, ok := value.(string); ok {
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return parsed, true
		}
	}
	return 0, false
}

func equals(left, right any) bool {
	if left == nil || right == nil {
		return left == nil && right == nil
	}

	if lf, ok := toNumber(left); ok {
		if rf, ok := toFloat(right); ok {
			return lf == rf
		}
	}
	if rf, ok := toNumber(right); ok {
		if lf, ok := toFloat(left); ok {
			return lf == rf
		}
	}

	switch l := left.(type) {
	case string:
		r, ok := right.(string)
		return ok && l == r
	case bool:
		r, ok := right.(bool)
		return ok && l == r
	}

	return reflect.DeepEqual(left, right)
}

func compare(left, right any, op tokenType) (bool, error) {
	if lf, ok := toFloat(left); ok {
		if rf, ok := toFloat(right); ok {
			switch op {
			case tokenGt:
				return lf > rf, nil
			case tokenGte:
				return lf >= rf, nil
			case tokenLt:
				return lf < rf, nil
			case tokenLte:
				return lf <= rf, nil
			}
		}
	}

	ls, leftIsString := left.(string)
	rs, rightIsString := right.(string)
	if leftIsString && rightIsString {
		switch op {
		case tokenGt:
			return ls > rs, nil
		case tokenGte:
			return ls >= rs, nil
		case tokenLt:
			return ls < rs, nil
		case tokenLte:
			return ls <= rs, nil
		}
	}

	return false, fmt.Errorf("%w: cannot apply comparator to %T and %T", ErrTypeMismatch, left, right)
}

func contains(container, item any) (bool, error) {
	switch c := container.(type) {
	case []any:
		for _, candidate := range c {
			if equals(candidate, item) {
				return true, nil
			}
		}
		return false, nil
	case map[string]any:
		key, ok := item.(string)
		if !ok {
			return false, nil
		}
		_, found := c[key]
		return found, nil
	case string:
		sub, ok := item.(string)
		if !ok {
			return false, fmt.Errorf("%w: 'in <text>' requires text operand, got %T", ErrTypeMismatch, item)
		}
		return strings.Contains(c, sub), nil
	default:
		return false, fmt.Errorf("%w: %T is not a container", ErrTypeMismatch, container)
	}
}

func arithmetic(left, right any, op tokenType) (any, error) {
	if op == tokenPlus {
		if ls, ok := left.(string); ok {
			if rs, ok := right.(string); ok {
				return ls + rs, nil
			}
		}
	}

	lf, lok := toNumber(left)
	rf, rok := toNumber(right)
	if !lok || !rok {
		return nil, fmt.Errorf("%w: operator %s expects numbers, got %T and %T", ErrTypeMismatch, op.String(), left, right)
	}

	switch op {
	case tokenPlus:
		return lf + rf, nil
	case tokenMinus:
		return lf - rf, nil
	case tokenStar:
		return lf * rf, nil
	case tokenSlash:
		if rf == 0 {
			return nil, fmt.Errorf("%w: division by zero", ErrTypeMismatch)
		}
		return lf / rf, nil
	case tokenPercent:
		if rf == 0 {
			return nil, fmt.Errorf("%w: modulo by zero", ErrTypeMismatch)
		}
		// floored modulo, so the sign follows the divisor
		m := math.Mod(lf, rf)
		if m != 0 && (m < 0) != (rf < 0) {
			m += rf
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: unsupported arithmetic operator", ErrSyntax)
	}
}
