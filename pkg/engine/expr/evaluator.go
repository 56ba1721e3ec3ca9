// Package expr implements a lightweight boolean expression evaluator for pipeline conditionals.
package expr

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// LookupFunc resolves root identifiers encountered in expressions.
type LookupFunc func(name string) (any, bool)

// ScopeLookup exposes the top-level keys of scope as identifiers.
func ScopeLookup(scope map[string]any) LookupFunc {
	return func(name string) (any, bool) {
		v, ok := scope[name]
		return v, ok
	}
}

var (
	// ErrSyntax indicates the expression could not be parsed.
	ErrSyntax = errors.New("condition syntax error")
	// ErrUnknownIdentifier indicates a referenced variable is not available in scope.
	ErrUnknownIdentifier = errors.New("unknown identifier")
	// ErrTypeMismatch indicates the expression attempted an unsupported type coercion.
	ErrTypeMismatch = errors.New("type mismatch")
	// ErrMissingField indicates a member or index lookup found nothing.
	ErrMissingField = errors.New("missing field")
)

// Options control evaluator behaviour.
type Options struct {
	Timeout time.Duration
}

// Evaluator evaluates boolean expressions against a lookup scope.
type Evaluator struct {
	timeout time.Duration
}

// NewEvaluator constructs an Evaluator applying sane defaults.
func NewEvaluator(opts Options) *Evaluator {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Millisecond
	}
	return &Evaluator{timeout: timeout}
}

// Evaluate determines whether the supplied expression is truthy using the provided lookup.
func (e *Evaluator) Evaluate(ctx context.Context, expression string, lookup LookupFunc) (bool, error) {
	value, err := e.EvaluateValue(ctx, expression, lookup)
	if err != nil {
		return false, err
	}
	return truthy(value), nil
}

// EvaluateValue evaluates the expression and returns its raw value.
func (e *Evaluator) EvaluateValue(ctx context.Context, expression string, lookup LookupFunc) (any, error) {
	if lookup == nil {
		return nil, fmt.Errorf("%w: lookup function is required", ErrSyntax)
	}

	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrSyntax)
	}

	if ctx == nil {
		ctx = context.Background()
	}

	var cancel context.CancelFunc
	if e.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	root, err := Parse(ctx, expression)
	if err != nil {
		return nil, err
	}
	return root.Eval(ctx, lookup)
}

// Parse compiles an expression into its AST without evaluating it. Definition loaders use
// it to reject malformed conditions early.
func Parse(ctx context.Context, expression string) (Node, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	p := newParser(ctx, newLexer(expression))
	root, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	if err := p.expect(tokenEOF); err != nil {
		return nil, err
	}
	return root, nil
}

// --- Lexer ---

type tokenType int

type token struct {
	typ     tokenType
	literal string
}

const (
	tokenIllegal tokenType = iota
	tokenEOF
	tokenIdentifier
	tokenNumber
	tokenString
	tokenBool
	tokenNull
	tokenAnd
	tokenOr
	tokenNot
	tokenIn
	tokenEq
	tokenNeq
	tokenGt
	tokenGte
	tokenLt
	tokenLte
	tokenLParen
	tokenRParen
	tokenLBracket
	tokenRBracket
	tokenDot
	tokenMinus
	tokenPlus
	tokenStar
	tokenSlash
	tokenPercent
)

func (t tokenType) String() string {
	switch t {
	case tokenIllegal:
		return "illegal"
	case tokenEOF:
		return "eof"
	case tokenIdentifier:
		return "identifier"
	case tokenNumber:
		return "number"
	case tokenString:
		return "string"
	case tokenBool:
		return "bool"
	case tokenNull:
		return "null"
	case tokenAnd:
		return "&&"
	case tokenOr:
		return "||"
	case tokenNot:
		return "!"
	case tokenIn:
		return "in"
	case tokenEq:
		return "=="
	case tokenNeq:
		return "!="
	case tokenGt:
		return ">"
	case tokenGte:
		return ">="
	case tokenLt:
		return "<"
	case tokenLte:
		return "<="
	case tokenLParen:
		return "("
	case tokenRParen:
		return ")"
	case tokenLBracket:
		return "["
	case tokenRBracket:
		return "]"
	case tokenDot:
		return "."
	case tokenMinus:
		return "-"
	case tokenPlus:
		return "+"
	case tokenStar:
		return "*"
	case tokenSlash:
		return "/"
	case tokenPercent:
		return "%"
	default:
		return "unknown"
	}
}

type lexer struct {
	input  string
	length int
	pos    int
}

func newLexer(input string) *lexer {
	return &lexer{input: input, length: len(input)}
}

func (l *lexer) nextToken() token {
	l.skipWhitespace()
	if l.pos >= l.length {
		return token{typ: tokenEOF}
	}

	ch := l.input[l.pos]

	switch ch {
	case '(':
		l.pos++
		return token{typ: tokenLParen, literal: "("}
	case ')':
		l.pos++
		return token{typ: tokenRParen, literal: ")"}
	case '[':
		l.pos++
		return token{typ: tokenLBracket, literal: "["}
	case ']':
		l.pos++
		return token{typ: tokenRBracket, literal: "]"}
	case '.':
		if !isDigit(l.peek()) {
			l.pos++
			return token{typ: tokenDot, literal: "."}
		}
		return l.scanNumber()
	case '!':
		if l.peek() == '=' {
			l.pos += 2
			return token{typ: tokenNeq, literal: "!="}
		}
		l.pos++
		return token{typ: tokenNot, literal: "!"}
	case '=':
		if l.peek() == '=' {
			l.pos += 2
			return token{typ: tokenEq, literal: "=="}
		}
	case '>':
		if l.peek() == '=' {
			l.pos += 2
			return token{typ: tokenGte, literal: ">="}
		}
		l.pos++
		return token{typ: tokenGt, literal: ">"}
	case '<':
		if l.peek() == '=' {
			l.pos += 2
			return token{typ: tokenLte, literal: "<="}
		}
		l.pos++
		return token{typ: tokenLt, literal: "<"}
	case '&':
		if l.peek() == '&' {
			l.pos += 2
			return token{typ: tokenAnd, literal: "&&"}
		}
	case '|':
		if l.peek() == '|' {
			l.pos += 2
			return token{typ: tokenOr, literal: "||"}
		}
	case '-':
		l.pos++
		return token{typ: tokenMinus, literal: "-"}
	case '+':
		l.pos++
		return token{typ: tokenPlus, literal: "+"}
	case '*':
		l.pos++
		return token{typ: tokenStar, literal: "*"}
	case '/':
		l.pos++
		return token{typ: tokenSlash, literal: "/"}
	case '%':
		l.pos++
		return token{typ: tokenPercent, literal: "%"}
	case '\'', '"':
		return l.scanString()
	}

	if isDigit(ch) {
		return l.scanNumber()
	}

	if isIdentifierStart(ch) {
		return l.scanIdentifier()
	}

	return token{typ: tokenIllegal, literal: string(ch)}
}

func (l *lexer) skipWhitespace() {
	for l.pos < l.length {
		switch l.input[l.pos] {
		case ' ', '\t', '\n', '\r':
			l.pos++
		default:
			return
		}
	}
}

func (l *lexer) peek() byte {
	if l.pos+1 >= l.length {
		return 0
	}
	return l.input[l.pos+1]
}

func (l *lexer) advance() byte {
	if l.pos >= l.length {
		return 0
	}
	ch := l.input[l.pos]
	l.pos++
	return ch
}

func (l *lexer) scanNumber() token {
	start := l.pos
	hasDot := false

	for l.pos < l.length {
		ch := l.input[l.pos]
		if ch == '.' {
			if hasDot || !isDigit(l.peek()) {
				break
			}
			hasDot = true
			l.pos++
			continue
		}
		if !isDigit(ch) {
			break
		}
		l.pos++
	}

	return token{typ: tokenNumber, literal: l.input[start:l.pos]}
}

func (l *lexer) scanIdentifier() token {
	start := l.pos
	for l.pos < l.length && isIdentifierPart(l.input[l.pos]) {
		l.pos++
	}
	literal := l.input[start:l.pos]
	switch literal {
	case "true", "false", "True", "False":
		return token{typ: tokenBool, literal: literal}
	case "null", "None", "nil":
		return token{typ: tokenNull, literal: literal}
	case "and":
		return token{typ: tokenAnd, literal: literal}
	case "or":
		return token{typ: tokenOr, literal: literal}
	case "not":
		return token{typ: tokenNot, literal: literal}
	case "in":
		return token{typ: tokenIn, literal: literal}
	}
	return token{typ: tokenIdentifier, literal: literal}
}

func (l *lexer) scanString() token {
	quote := l.advance()
	var builder strings.Builder
	escaped := false

	for l.pos < l.length {
		ch := l.advance()
		if escaped {
			switch ch {
			case 'n':
				builder.WriteByte('\n')
			case 't':
				builder.WriteByte('\t')
			case 'r':
				builder.WriteByte('\r')
			default:
				builder.WriteByte(ch)
			}
			escaped = false
			continue
		}
		if ch == '\\' {
			escaped = true
			continue
		}
		if ch == quote {
			return token{typ: tokenString, literal: builder.String()}
		}
		builder.WriteByte(ch)
	}

	return token{typ: tokenIllegal, literal: "unterminated string"}
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}

func isIdentifierStart(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || ch == '_'
}

func isIdentifierPart(ch byte) bool {
	return isIdentifierStart(ch) || isDigit(ch)
}

// --- Parser ---

type parser struct {
	ctx  context.Context
	lex  *lexer
	cur  token
	peek token
}

func newParser(ctx context.Context, lex *lexer) *parser {
	p := &parser{ctx: ctx, lex: lex}
	p.nextToken()
	p.nextToken()
	return p
}

func (p *parser) nextToken() {
	p.cur = p.peek
	p.peek = p.lex.nextToken()
}

func (p *parser) parseExpression() (Node, error) {
	return p.parseOr()
}

func (p *parser) parseOr() (Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}

	for p.cur.typ == tokenOr {
		op := p.cur.typ
		p.nextToken()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &binaryExpr{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}

	for p.cur.typ == tokenAnd {
		op := p.cur.typ
		p.nextToken()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &binaryExpr{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (Node, error) {
	if p.cur.typ == tokenNot {
		p.nextToken()
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &unaryExpr{op: tokenNot, operand: operand}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (Node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}

	for {
		switch p.cur.typ {
		case tokenEq, tokenNeq, tokenGt, tokenGte, tokenLt, tokenLte, tokenIn:
			op := p.cur.typ
			p.nextToken()
			right, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}
			left = &binaryExpr{op: op, left: left, right: right}
		case tokenNot:
			// "not in"
			if p.peek.typ != tokenIn {
				return left, nil
			}
			p.nextToken()
			p.nextToken()
			right, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}
			left = &unaryExpr{op: tokenNot, operand: &binaryExpr{op: tokenIn, left: left, right: right}}
		default:
			return left, nil
		}
	}
}

func (p *parser) parseAdditive() (Node, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for p.cur.typ == tokenPlus || p.cur.typ == tokenMinus {
		op := p.cur.typ
		p.nextToken()
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &binaryExpr{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseMultiplicative() (Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.cur.typ == tokenStar || p.cur.typ == tokenSlash || p.cur.typ == tokenPercent {
		op := p.cur.typ
		p.nextToken()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &binaryExpr{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (Node, error) {
	switch p.cur.typ {
	case tokenNot, tokenMinus, tokenPlus:
		op := p.cur.typ
		p.nextToken()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryExpr{op: op, operand: operand}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (Node, error) {
	target, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch p.cur.typ {
		case tokenDot:
			p.nextToken()
			if p.cur.typ != tokenIdentifier {
				return nil, fmt.Errorf("%w: expected field name after '.', got %s", ErrSyntax, p.cur.typ.String())
			}
			target = &memberExpr{target: target, key: &literalExpr{value: p.cur.literal}}
			p.nextToken()
		case tokenLBracket:
			p.nextToken()
			key, err := p.parseExpression()
			if err != nil {
				return nil, err
			}
			if err := p.expect(tokenRBracket); err != nil {
				return nil, err
			}
			p.nextToken()
			target = &memberExpr{target: target, key: key}
		default:
			return target, nil
		}
	}
}

func (p *parser) parsePrimary() (Node, error) {
	if err := checkContext(p.ctx); err != nil {
		return nil, err
	}

	tok := p.cur
	switch tok.typ {
	case tokenIdentifier:
		p.nextToken()
		return &identifierExpr{name: tok.literal}, nil
	case tokenNumber:
		p.nextToken()
		value, err := strconv.ParseFloat(tok.literal, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid number %q", ErrSyntax, tok.literal)
		}
		return &literalExpr{value: value}, nil
	case tokenString:
		p.nextToken()
		return &literalExpr{value: tok.literal}, nil
	case tokenBool:
		p.nextToken()
		return &literalExpr{value: strings.EqualFold(tok.literal, "true")}, nil
	case tokenNull:
		p.nextToken()
		return &literalExpr{value: nil}, nil
	case tokenLParen:
		p.nextToken()
		exprNode, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		if err := p.expect(tokenRParen); err != nil {
			return nil, err
		}
		p.nextToken()
		return exprNode, nil
	case tokenIllegal:
		return nil, fmt.Errorf("%w: %s", ErrSyntax, tok.literal)
	default:
		return nil, fmt.Errorf("%w: unexpected token %q", ErrSyntax, tok.typ.String())
	}
}

func (p *parser) expect(expected tokenType) error {
	if p.cur.typ == tokenIllegal {
		return fmt.Errorf("%w: %s", ErrSyntax, p.cur.literal)
	}
	if p.cur.typ != expected {
		return fmt.Errorf("%w: expected %s, got %s", ErrSyntax, expected.String(), p.cur.typ.String())
	}
	return nil
}
