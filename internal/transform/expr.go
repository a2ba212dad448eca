package transform

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/kranthikarthan/payment-engine/internal/payerr"
)

// The derived-value expression language:
//
//	expr    ::= literal | ref | binop | ternary | call
//	ref     ::= ${source.FIELD}
//	binop   ::= expr (==|!=|<|<=|>|>=|+|-|*|/|startsWith|endsWith|contains) expr
//	ternary ::= expr ? expr : expr
//	call    ::= ident(expr,...)
//
// Evaluation is strict (both ternary branches evaluate), NaN
// propagates through arithmetic, division by zero fails.

// ExprFunc is a callable registered with the evaluator.
type ExprFunc func(args []interface{}) (interface{}, error)

// EvalEnv supplies field lookups and callables to an evaluation.
type EvalEnv struct {
	Source map[string]interface{}
	Funcs  map[string]ExprFunc
}

type exprNode interface {
	eval(env *EvalEnv) (interface{}, error)
}

// --- lexer ---

type tokenKind int

const (
	tEOF tokenKind = iota
	tNumber
	tString
	tIdent
	tRef
	tOp
	tLParen
	tRParen
	tComma
	tQuestion
	tColon
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

type lexer struct {
	input  string
	pos    int
	tokens []token
}

func lex(input string) ([]token, error) {
	l := &lexer{input: input}
	for l.pos < len(l.input) {
		c := l.input[l.pos]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			l.pos++
		case c == '$' && l.peekAt(1) == '{':
			if err := l.lexRef(); err != nil {
				return nil, err
			}
		case c >= '0' && c <= '9':
			l.lexNumber()
		case c == '\'' || c == '"':
			if err := l.lexString(c); err != nil {
				return nil, err
			}
		case unicode.IsLetter(rune(c)) || c == '_':
			l.lexIdent()
		case c == '(':
			l.emit(tLParen, "(")
		case c == ')':
			l.emit(tRParen, ")")
		case c == ',':
			l.emit(tComma, ",")
		case c == '?':
			l.emit(tQuestion, "?")
		case c == ':':
			l.emit(tColon, ":")
		case c == '=' && l.peekAt(1) == '=':
			l.emit2(tOp, "==")
		case c == '!' && l.peekAt(1) == '=':
			l.emit2(tOp, "!=")
		case c == '<' && l.peekAt(1) == '=':
			l.emit2(tOp, "<=")
		case c == '>' && l.peekAt(1) == '=':
			l.emit2(tOp, ">=")
		case c == '<':
			l.emit(tOp, "<")
		case c == '>':
			l.emit(tOp, ">")
		case c == '+':
			l.emit(tOp, "+")
		case c == '-':
			l.emit(tOp, "-")
		case c == '*':
			l.emit(tOp, "*")
		case c == '/':
			l.emit(tOp, "/")
		default:
			return nil, payerr.Wrapf(payerr.ErrExpressionEval, nil, "unexpected character %q at %d", c, l.pos)
		}
	}
	l.tokens = append(l.tokens, token{kind: tEOF, pos: l.pos})
	return l.tokens, nil
}

func (l *lexer) peekAt(offset int) byte {
	if l.pos+offset >= len(l.input) {
		return 0
	}
	return l.input[l.pos+offset]
}

func (l *lexer) emit(kind tokenKind, text string) {
	l.tokens = append(l.tokens, token{kind: kind, text: text, pos: l.pos})
	l.pos++
}

func (l *lexer) emit2(kind tokenKind, text string) {
	l.tokens = append(l.tokens, token{kind: kind, text: text, pos: l.pos})
	l.pos += 2
}

func (l *lexer) lexRef() error {
	start := l.pos
	end := strings.IndexByte(l.input[l.pos:], '}')
	if end < 0 {
		return payerr.Wrapf(payerr.ErrExpressionEval, nil, "unterminated reference at %d", start)
	}
	inner := l.input[l.pos+2 : l.pos+end]
	if !strings.HasPrefix(inner, "source.") {
		return payerr.Wrapf(payerr.ErrExpressionEval, nil, "reference %q must start with source.", inner)
	}
	l.tokens = append(l.tokens, token{kind: tRef, text: strings.TrimPrefix(inner, "source."), pos: start})
	l.pos += end + 1
	return nil
}

func (l *lexer) lexNumber() {
	start := l.pos
	for l.pos < len(l.input) && (l.input[l.pos] >= '0' && l.input[l.pos] <= '9' || l.input[l.pos] == '.') {
		l.pos++
	}
	l.tokens = append(l.tokens, token{kind: tNumber, text: l.input[start:l.pos], pos: start})
}

func (l *lexer) lexString(quote byte) error {
	start := l.pos
	l.pos++
	for l.pos < len(l.input) && l.input[l.pos] != quote {
		l.pos++
	}
	if l.pos >= len(l.input) {
		return payerr.Wrapf(payerr.ErrExpressionEval, nil, "unterminated string at %d", start)
	}
	l.tokens = append(l.tokens, token{kind: tString, text: l.input[start+1 : l.pos], pos: start})
	l.pos++
	return nil
}

func (l *lexer) lexIdent() {
	start := l.pos
	for l.pos < len(l.input) {
		c := rune(l.input[l.pos])
		if !unicode.IsLetter(c) && !unicode.IsDigit(c) && c != '_' {
			break
		}
		l.pos++
	}
	l.tokens = append(l.tokens, token{kind: tIdent, text: l.input[start:l.pos], pos: start})
}

// --- parser ---

type parser struct {
	tokens []token
	pos    int
}

// ParseExpression compiles an expression string to an evaluatable tree.
func ParseExpression(input string) (*Expression, error) {
	tokens, err := lex(input)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}
	node, err := p.parseTernary()
	if err != nil {
		return nil, err
	}
	if p.cur().kind != tEOF {
		return nil, payerr.Wrapf(payerr.ErrExpressionEval, nil, "unexpected token %q at %d", p.cur().text, p.cur().pos)
	}
	return &Expression{src: input, root: node}, nil
}

// Expression is a compiled derived-value expression.
type Expression struct {
	src  string
	root exprNode
}

// Eval evaluates the expression against the environment.
func (e *Expression) Eval(env *EvalEnv) (interface{}, error) {
	return e.root.eval(env)
}

func (e *Expression) String() string { return e.src }

func (p *parser) cur() token { return p.tokens[p.pos] }

func (p *parser) advance() token {
	t := p.tokens[p.pos]
	if p.pos < len(p.tokens)-1 {
		p.pos++
	}
	return t
}

func (p *parser) parseTernary() (exprNode, error) {
	cond, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	if p.cur().kind != tQuestion {
		return cond, nil
	}
	p.advance()
	thenNode, err := p.parseTernary()
	if err != nil {
		return nil, err
	}
	if p.cur().kind != tColon {
		return nil, payerr.Wrapf(payerr.ErrExpressionEval, nil, "expected ':' at %d", p.cur().pos)
	}
	p.advance()
	elseNode, err := p.parseTernary()
	if err != nil {
		return nil, err
	}
	return &ternaryNode{cond: cond, thenN: thenNode, elseN: elseNode}, nil
}

var wordOps = map[string]bool{"startsWith": true, "endsWith": true, "contains": true}

func (p *parser) parseComparison() (exprNode, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	for {
		t := p.cur()
		isCmp := t.kind == tOp && (t.text == "==" || t.text == "!=" || t.text == "<" || t.text == "<=" || t.text == ">" || t.text == ">=")
		isWord := t.kind == tIdent && wordOps[t.text]
		if !isCmp && !isWord {
			return left, nil
		}
		p.advance()
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		left = &binopNode{op: t.text, left: left, right: right}
	}
}

func (p *parser) parseAdditive() (exprNode, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for p.cur().kind == tOp && (p.cur().text == "+" || p.cur().text == "-") {
		op := p.advance().text
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &binopNode{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseMultiplicative() (exprNode, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for p.cur().kind == tOp && (p.cur().text == "*" || p.cur().text == "/") {
		op := p.advance().text
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		left = &binopNode{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parsePrimary() (exprNode, error) {
	t := p.cur()
	switch t.kind {
	case tNumber:
		p.advance()
		n, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, payerr.Wrapf(payerr.ErrExpressionEval, err, "bad number %q", t.text)
		}
		return &literalNode{value: n}, nil
	case tString:
		p.advance()
		return &literalNode{value: t.text}, nil
	case tRef:
		p.advance()
		return &refNode{field: t.text}, nil
	case tOp:
		if t.text == "-" {
			p.advance()
			inner, err := p.parsePrimary()
			if err != nil {
				return nil, err
			}
			return &binopNode{op: "-", left: &literalNode{value: 0.0}, right: inner}, nil
		}
	case tIdent:
		switch t.text {
		case "true":
			p.advance()
			return &literalNode{value: true}, nil
		case "false":
			p.advance()
			return &literalNode{value: false}, nil
		case "null":
			p.advance()
			return &literalNode{value: nil}, nil
		}
		if wordOps[t.text] {
			break
		}
		p.advance()
		if p.cur().kind != tLParen {
			return nil, payerr.Wrapf(payerr.ErrExpressionEval, nil, "bare identifier %q at %d", t.text, t.pos)
		}
		p.advance()
		var args []exprNode
		if p.cur().kind != tRParen {
			for {
				arg, err := p.parseTernary()
				if err != nil {
					return nil, err
				}
				args = append(args, arg)
				if p.cur().kind == tComma {
					p.advance()
					continue
				}
				break
			}
		}
		if p.cur().kind != tRParen {
			return nil, payerr.Wrapf(payerr.ErrExpressionEval, nil, "expected ')' at %d", p.cur().pos)
		}
		p.advance()
		return &callNode{name: t.text, args: args}, nil
	case tLParen:
		p.advance()
		inner, err := p.parseTernary()
		if err != nil {
			return nil, err
		}
		if p.cur().kind != tRParen {
			return nil, payerr.Wrapf(payerr.ErrExpressionEval, nil, "expected ')' at %d", p.cur().pos)
		}
		p.advance()
		return inner, nil
	}
	return nil, payerr.Wrapf(payerr.ErrExpressionEval, nil, "unexpected token %q at %d", t.text, t.pos)
}

// --- nodes ---

type literalNode struct{ value interface{} }

func (n *literalNode) eval(env *EvalEnv) (interface{}, error) { return n.value, nil }

type refNode struct{ field string }

func (n *refNode) eval(env *EvalEnv) (interface{}, error) {
	v, ok := lookupPath(env.Source, n.field)
	if !ok {
		return nil, payerr.Wrapf(payerr.ErrMissingRequiredField, nil, "source field %q not present", n.field)
	}
	return normalize(v), nil
}

type ternaryNode struct {
	cond, thenN, elseN exprNode
}

func (n *ternaryNode) eval(env *EvalEnv) (interface{}, error) {
	// Strict evaluation: both branches evaluate before selection.
	condV, err := n.cond.eval(env)
	if err != nil {
		return nil, err
	}
	thenV, err := n.thenN.eval(env)
	if err != nil {
		return nil, err
	}
	elseV, err := n.elseN.eval(env)
	if err != nil {
		return nil, err
	}
	b, err := toBool(condV)
	if err != nil {
		return nil, err
	}
	if b {
		return thenV, nil
	}
	return elseV, nil
}

type callNode struct {
	name string
	args []exprNode
}

func (n *callNode) eval(env *EvalEnv) (interface{}, error) {
	fn, ok := env.Funcs[n.name]
	if !ok {
		return nil, payerr.Wrapf(payerr.ErrExpressionEval, nil, "unknown function %q", n.name)
	}
	args := make([]interface{}, len(n.args))
	for i, a := range n.args {
		v, err := a.eval(env)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return fn(args)
}

type binopNode struct {
	op          string
	left, right exprNode
}

func (n *binopNode) eval(env *EvalEnv) (interface{}, error) {
	lv, err := n.left.eval(env)
	if err != nil {
		return nil, err
	}
	rv, err := n.right.eval(env)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "+":
		if ln, lok := lv.(float64); lok {
			if rn, rok := rv.(float64); rok {
				return ln + rn, nil
			}
		}
		return toString(lv) + toString(rv), nil
	case "-", "*", "/":
		ln, err := toNumber(lv)
		if err != nil {
			return nil, err
		}
		rn, err := toNumber(rv)
		if err != nil {
			return nil, err
		}
		switch n.op {
		case "-":
			return ln - rn, nil
		case "*":
			return ln * rn, nil
		default:
			if rn == 0 {
				return nil, payerr.Wrapf(payerr.ErrExpressionEval, nil, "division by zero")
			}
			return ln / rn, nil
		}
	case "==":
		return valuesEqual(lv, rv), nil
	case "!=":
		return !valuesEqual(lv, rv), nil
	case "<", "<=", ">", ">=":
		return compareOrdered(n.op, lv, rv)
	case "startsWith":
		return strings.HasPrefix(toString(lv), toString(rv)), nil
	case "endsWith":
		return strings.HasSuffix(toString(lv), toString(rv)), nil
	case "contains":
		return strings.Contains(toString(lv), toString(rv)), nil
	}
	return nil, payerr.Wrapf(payerr.ErrExpressionEval, nil, "unknown operator %q", n.op)
}

// --- coercion ---

func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case int:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	case interface{ Float64() (float64, error) }:
		// encoding/json.Number when the source was decoded with UseNumber.
		f, _ := t.Float64()
		return f
	default:
		return v
	}
}

func toNumber(v interface{}) (float64, error) {
	switch t := normalize(v).(type) {
	case float64:
		return t, nil
	case string:
		n, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, payerr.Wrapf(payerr.ErrTypeCoercion, err, "%q is not numeric", t)
		}
		return n, nil
	case bool:
		if t {
			return 1, nil
		}
		return 0, nil
	case nil:
		return 0, payerr.Wrapf(payerr.ErrTypeCoercion, nil, "null is not numeric")
	default:
		return 0, payerr.Wrapf(payerr.ErrTypeCoercion, nil, "%T is not numeric", v)
	}
}

func toString(v interface{}) string {
	switch t := normalize(v).(type) {
	case string:
		return t
	case float64:
		if t == math.Trunc(t) && !math.IsInf(t, 0) && !math.IsNaN(t) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

func toBool(v interface{}) (bool, error) {
	switch t := normalize(v).(type) {
	case bool:
		return t, nil
	default:
		return false, payerr.Wrapf(payerr.ErrTypeCoercion, nil, "%T is not boolean", t)
	}
}

func valuesEqual(a, b interface{}) bool {
	an, aok := normalize(a).(float64)
	bn, bok := normalize(b).(float64)
	if aok && bok {
		return an == bn
	}
	return toString(a) == toString(b)
}

func compareOrdered(op string, a, b interface{}) (interface{}, error) {
	an, aErr := toNumber(a)
	bn, bErr := toNumber(b)
	if aErr == nil && bErr == nil {
		switch op {
		case "<":
			return an < bn, nil
		case "<=":
			return an <= bn, nil
		case ">":
			return an > bn, nil
		default:
			return an >= bn, nil
		}
	}
	as, bs := toString(a), toString(b)
	switch op {
	case "<":
		return as < bs, nil
	case "<=":
		return as <= bs, nil
	case ">":
		return as > bs, nil
	default:
		return as >= bs, nil
	}
}

// lookupPath resolves a dotted field path into nested maps.
func lookupPath(source map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var cur interface{} = source
	for _, part := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
