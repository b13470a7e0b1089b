// Package expr implements the condition language used on workflow
// connections. The language is deliberately closed: arithmetic, comparison,
// boolean operators, literals, and state field access. There are no function
// calls and no reflection, so a condition can never reach outside the
// execution state handed to Eval.
//
// Grammar (precedence low to high):
//
//	or     := and ("||" and)*
//	and    := cmp ("&&" cmp)*
//	cmp    := sum (("=="|"!="|"<"|"<="|">"|">=") sum)?
//	sum    := term (("+"|"-") term)*
//	term   := unary (("*"|"/"|"%") unary)*
//	unary  := ("!"|"-") unary | primary
//	primary:= number | string | "true" | "false" | "null" | field | "(" or ")"
//	field  := ident ("." ident)*
//
// A leading "state." segment is an alias for the root, so `state.score > 5`
// and `score > 5` are equivalent.
package expr

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"unicode"
)

// Expr is a parsed condition ready for repeated evaluation. Parsing happens
// once at compile time; Eval is safe for concurrent use.
type Expr struct {
	src  string
	root node
}

// Parse compiles the expression source. An empty source is rejected; callers
// treat unconditional edges as nil *Expr.
func Parse(src string) (*Expr, error) {
	trimmed := strings.TrimSpace(src)
	if trimmed == "" {
		return nil, fmt.Errorf("empty expression")
	}
	toks, err := lex(trimmed)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.eof() {
		return nil, fmt.Errorf("unexpected %q at position %d", p.peek().text, p.peek().pos)
	}
	return &Expr{src: trimmed, root: root}, nil
}

// String returns the original source text.
func (e *Expr) String() string { return e.src }

// Eval evaluates the expression against the given state and coerces the
// result to a boolean. Missing fields evaluate to null; null is falsy and
// compares equal only to null.
func (e *Expr) Eval(state map[string]any) (bool, error) {
	v, err := e.root.eval(state)
	if err != nil {
		return false, fmt.Errorf("eval %q: %w", e.src, err)
	}
	return truthy(v), nil
}

// EvalValue evaluates the expression and returns the raw result without
// boolean coercion. Router agents use this to write routing decisions into
// state.
func (e *Expr) EvalValue(state map[string]any) (any, error) {
	v, err := e.root.eval(state)
	if err != nil {
		return nil, fmt.Errorf("eval %q: %w", e.src, err)
	}
	return v, nil
}

// Fields returns every state field path the expression reads, in first-use
// order. The compiler uses this for the state-schema closure check.
func (e *Expr) Fields() []string {
	var out []string
	seen := make(map[string]bool)
	collectFields(e.root, seen, &out)
	return out
}

func collectFields(n node, seen map[string]bool, out *[]string) {
	switch t := n.(type) {
	case *fieldNode:
		if !seen[t.path[0]] {
			seen[t.path[0]] = true
			*out = append(*out, t.path[0])
		}
	case *unaryNode:
		collectFields(t.operand, seen, out)
	case *binaryNode:
		collectFields(t.left, seen, out)
		collectFields(t.right, seen, out)
	}
}

// --- lexer ---

type tokenKind int

const (
	tokNumber tokenKind = iota
	tokString
	tokIdent
	tokOp
	tokLParen
	tokRParen
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		c := rune(src[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "(", i})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")", i})
			i++
		case c == '\'' || c == '"':
			quote := src[i]
			j := i + 1
			for j < len(src) && src[j] != quote {
				j++
			}
			if j >= len(src) {
				return nil, fmt.Errorf("unterminated string at position %d", i)
			}
			toks = append(toks, token{tokString, src[i+1 : j], i})
			i = j + 1
		case unicode.IsDigit(c):
			j := i
			for j < len(src) && (unicode.IsDigit(rune(src[j])) || src[j] == '.') {
				j++
			}
			toks = append(toks, token{tokNumber, src[i:j], i})
			i = j
		case unicode.IsLetter(c) || c == '_':
			j := i
			for j < len(src) && (unicode.IsLetter(rune(src[j])) || unicode.IsDigit(rune(src[j])) || src[j] == '_' || src[j] == '.') {
				j++
			}
			toks = append(toks, token{tokIdent, src[i:j], i})
			i = j
		default:
			matched := false
			for _, op := range [...]string{"==", "!=", "<=", ">=", "&&", "||", "<", ">", "+", "-", "*", "/", "%", "!"} {
				if strings.HasPrefix(src[i:], op) {
					toks = append(toks, token{tokOp, op, i})
					i += len(op)
					matched = true
					break
				}
			}
			if !matched {
				return nil, fmt.Errorf("unexpected character %q at position %d", c, i)
			}
		}
	}
	return toks, nil
}

// --- parser ---

type parser struct {
	toks []token
	i    int
}

func (p *parser) eof() bool     { return p.i >= len(p.toks) }
func (p *parser) peek() token   { return p.toks[p.i] }
func (p *parser) advance() token { t := p.toks[p.i]; p.i++; return t }

func (p *parser) acceptOp(ops ...string) (string, bool) {
	if p.eof() || p.peek().kind != tokOp {
		return "", false
	}
	for _, op := range ops {
		if p.peek().text == op {
			p.advance()
			return op, true
		}
	}
	return "", false
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.acceptOp("||"); !ok {
			return left, nil
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: "||", left: left, right: right}
	}
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseCmp()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.acceptOp("&&"); !ok {
			return left, nil
		}
		right, err := p.parseCmp()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: "&&", left: left, right: right}
	}
}

func (p *parser) parseCmp() (node, error) {
	left, err := p.parseSum()
	if err != nil {
		return nil, err
	}
	op, ok := p.acceptOp("==", "!=", "<=", ">=", "<", ">")
	if !ok {
		return left, nil
	}
	right, err := p.parseSum()
	if err != nil {
		return nil, err
	}
	return &binaryNode{op: op, left: left, right: right}, nil
}

func (p *parser) parseSum() (node, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.acceptOp("+", "-")
		if !ok {
			return left, nil
		}
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right}
	}
}

func (p *parser) parseTerm() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.acceptOp("*", "/", "%")
		if !ok {
			return left, nil
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right}
	}
}

func (p *parser) parseUnary() (node, error) {
	if op, ok := p.acceptOp("!", "-"); ok {
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: op, operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	if p.eof() {
		return nil, fmt.Errorf("unexpected end of expression")
	}
	t := p.advance()
	switch t.kind {
	case tokNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q at position %d", t.text, t.pos)
		}
		return &literalNode{value: f}, nil
	case tokString:
		return &literalNode{value: t.text}, nil
	case tokIdent:
		switch t.text {
		case "true":
			return &literalNode{value: true}, nil
		case "false":
			return &literalNode{value: false}, nil
		case "null":
			return &literalNode{value: nil}, nil
		}
		path := strings.Split(t.text, ".")
		if path[0] == "state" && len(path) > 1 {
			path = path[1:]
		}
		for _, seg := range path {
			if seg == "" {
				return nil, fmt.Errorf("invalid field path %q at position %d", t.text, t.pos)
			}
		}
		return &fieldNode{path: path}, nil
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.eof() || p.peek().kind != tokRParen {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.advance()
		return inner, nil
	default:
		return nil, fmt.Errorf("unexpected %q at position %d", t.text, t.pos)
	}
}

// --- evaluation ---

type node interface {
	eval(state map[string]any) (any, error)
}

type literalNode struct{ value any }

func (n *literalNode) eval(map[string]any) (any, error) { return n.value, nil }

type fieldNode struct{ path []string }

func (n *fieldNode) eval(state map[string]any) (any, error) {
	var cur any = state
	for _, seg := range n.path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, nil
		}
		cur, ok = m[seg]
		if !ok {
			return nil, nil
		}
	}
	return cur, nil
}

type unaryNode struct {
	op      string
	operand node
}

func (n *unaryNode) eval(state map[string]any) (any, error) {
	v, err := n.operand.eval(state)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case "!":
		return !truthy(v), nil
	case "-":
		f, ok := toNumber(v)
		if !ok {
			return nil, fmt.Errorf("cannot negate %T", v)
		}
		return -f, nil
	}
	return nil, fmt.Errorf("unknown unary operator %q", n.op)
}

type binaryNode struct {
	op          string
	left, right node
}

func (n *binaryNode) eval(state map[string]any) (any, error) {
	// Short-circuit boolean operators.
	if n.op == "&&" || n.op == "||" {
		lv, err := n.left.eval(state)
		if err != nil {
			return nil, err
		}
		if n.op == "&&" && !truthy(lv) {
			return false, nil
		}
		if n.op == "||" && truthy(lv) {
			return true, nil
		}
		rv, err := n.right.eval(state)
		if err != nil {
			return nil, err
		}
		return truthy(rv), nil
	}

	lv, err := n.left.eval(state)
	if err != nil {
		return nil, err
	}
	rv, err := n.right.eval(state)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "==":
		return equal(lv, rv), nil
	case "!=":
		return !equal(lv, rv), nil
	}

	lf, lok := toNumber(lv)
	rf, rok := toNumber(rv)
	if n.op == "+" && !lok && !rok {
		ls, lsok := lv.(string)
		rs, rsok := rv.(string)
		if lsok && rsok {
			return ls + rs, nil
		}
	}
	if !lok || !rok {
		// String ordering comparisons are allowed; anything else is a type error.
		ls, lsok := lv.(string)
		rs, rsok := rv.(string)
		if lsok && rsok {
			switch n.op {
			case "<":
				return ls < rs, nil
			case "<=":
				return ls <= rs, nil
			case ">":
				return ls > rs, nil
			case ">=":
				return ls >= rs, nil
			}
		}
		return nil, fmt.Errorf("operator %q requires numeric operands, got %T and %T", n.op, lv, rv)
	}
	switch n.op {
	case "<":
		return lf < rf, nil
	case "<=":
		return lf <= rf, nil
	case ">":
		return lf > rf, nil
	case ">=":
		return lf >= rf, nil
	case "+":
		return lf + rf, nil
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return lf / rf, nil
	case "%":
		if rf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return float64(int64(lf) % int64(rf)), nil
	}
	return nil, fmt.Errorf("unknown operator %q", n.op)
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	default:
		f, ok := toNumber(v)
		if ok {
			return f != 0
		}
		return true
	}
}

func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	af, aok := toNumber(a)
	bf, bok := toNumber(b)
	if aok && bok {
		return af == bf
	}
	// Agents write maps and slices into state; Go == panics on those.
	if !reflect.TypeOf(a).Comparable() || !reflect.TypeOf(b).Comparable() {
		return reflect.DeepEqual(a, b)
	}
	return a == b
}

func toNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	}
	return 0, false
}
