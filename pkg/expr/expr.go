// Package expr evaluates branch conditions against step outputs. The
// language is a small whitelisted expression grammar: literals, identifier
// paths, comparisons, boolean operators, membership, arithmetic, and a
// fixed set of functions. Nothing else parses, so conditions can never
// reach the host environment.
package expr

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"unicode"
)

// Evaluate parses and evaluates the expression against env. Identifier
// paths resolve through nested maps and slices ("steps.fetch.output.count",
// "items[0].name").
func Evaluate(expression string, env map[string]any) (any, error) {
	tokens, err := lex(expression)
	if err != nil {
		return nil, err
	}
	p := &parser{tokens: tokens}

	node, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if !p.atEOF() {
		return nil, fmt.Errorf("unexpected %q at position %d", p.peek().text, p.peek().pos)
	}
	return eval(node, env)
}

// EvaluateBool evaluates the expression and coerces the result to a
// boolean: nil, false, zero, empty string, and empty collections are
// false; everything else is true.
func EvaluateBool(expression string, env map[string]any) (bool, error) {
	v, err := Evaluate(expression, env)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

// Truthy reports the boolean coercion of a value.
func Truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	default:
		f, ok := toFloat(v)
		if ok {
			return f != 0
		}
		return true
	}
}

// --- lexer ---

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokIdent
	tokOp
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokComma
	tokDot
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func lex(src string) ([]token, error) {
	var out []token
	i := 0
	for i < len(src) {
		c := rune(src[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '(':
			out = append(out, token{tokLParen, "(", i})
			i++
		case c == ')':
			out = append(out, token{tokRParen, ")", i})
			i++
		case c == '[':
			out = append(out, token{tokLBracket, "[", i})
			i++
		case c == ']':
			out = append(out, token{tokRBracket, "]", i})
			i++
		case c == ',':
			out = append(out, token{tokComma, ",", i})
			i++
		case c == '.':
			// A dot starting a number would be unusual in conditions;
			// treat it as an access operator.
			out = append(out, token{tokDot, ".", i})
			i++
		case c == '\'' || c == '"':
			j := i + 1
			var sb strings.Builder
			closed := false
			for j < len(src) {
				if src[j] == '\\' && j+1 < len(src) {
					sb.WriteByte(src[j+1])
					j += 2
					continue
				}
				if rune(src[j]) == c {
					closed = true
					j++
					break
				}
				sb.WriteByte(src[j])
				j++
			}
			if !closed {
				return nil, fmt.Errorf("unterminated string at position %d", i)
			}
			out = append(out, token{tokString, sb.String(), i})
			i = j
		case unicode.IsDigit(c):
			j := i
			for j < len(src) && (unicode.IsDigit(rune(src[j])) || src[j] == '.') {
				j++
			}
			out = append(out, token{tokNumber, src[i:j], i})
			i = j
		case unicode.IsLetter(c) || c == '_':
			j := i
			for j < len(src) && (unicode.IsLetter(rune(src[j])) || unicode.IsDigit(rune(src[j])) || src[j] == '_') {
				j++
			}
			word := src[i:j]
			if strings.Contains(word, "__") {
				return nil, fmt.Errorf("identifier %q is not allowed", word)
			}
			out = append(out, token{tokIdent, word, i})
			i = j
		default:
			matched := false
			for _, op := range []string{"==", "!=", "<=", ">=", "<", ">", "+", "-", "*", "/", "%", "!"} {
				if strings.HasPrefix(src[i:], op) {
					out = append(out, token{tokOp, op, i})
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
	out = append(out, token{tokEOF, "", len(src)})
	return out, nil
}

// --- parser ---

type node interface{}

type literalNode struct{ value any }
type identNode struct{ name string }
type attrNode struct {
	target node
	name   string
}
type indexNode struct {
	target node
	index  node
}
type unaryNode struct {
	op      string
	operand node
}
type binaryNode struct {
	op          string
	left, right node
}
type callNode struct {
	fn   string
	args []node
}

type parser struct {
	tokens []token
	pos    int
}

func (p *parser) peek() token { return p.tokens[p.pos] }
func (p *parser) next() token { t := p.tokens[p.pos]; p.pos++; return t }
func (p *parser) atEOF() bool { return p.peek().kind == tokEOF }

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	t := p.peek()
	if t.kind != kind {
		return t, fmt.Errorf("expected %s at position %d, got %q", what, t.pos, t.text)
	}
	return p.next(), nil
}

func (p *parser) parseExpr() (node, error) { return p.parseOr() }

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokIdent && p.peek().text == "or" {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: "or", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokIdent && p.peek().text == "and" {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: "and", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (node, error) {
	if (p.peek().kind == tokIdent && p.peek().text == "not") ||
		(p.peek().kind == tokOp && p.peek().text == "!") {
		p.next()
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: "not", operand: operand}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseSum()
	if err != nil {
		return nil, err
	}

	t := p.peek()
	switch {
	case t.kind == tokOp && (t.text == "==" || t.text == "!=" || t.text == "<" ||
		t.text == "<=" || t.text == ">" || t.text == ">="):
		p.next()
		right, err := p.parseSum()
		if err != nil {
			return nil, err
		}
		return &binaryNode{op: t.text, left: left, right: right}, nil
	case t.kind == tokIdent && t.text == "in":
		p.next()
		right, err := p.parseSum()
		if err != nil {
			return nil, err
		}
		return &binaryNode{op: "in", left: left, right: right}, nil
	case t.kind == tokIdent && t.text == "not" && p.tokens[p.pos+1].kind == tokIdent && p.tokens[p.pos+1].text == "in":
		p.next()
		p.next()
		right, err := p.parseSum()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: "not", operand: &binaryNode{op: "in", left: left, right: right}}, nil
	}
	return left, nil
}

func (p *parser) parseSum() (node, error) {
	left, err := p.parseProduct()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOp && (p.peek().text == "+" || p.peek().text == "-") {
		op := p.next().text
		right, err := p.parseProduct()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseProduct() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOp && (p.peek().text == "*" || p.peek().text == "/" || p.peek().text == "%") {
		op := p.next().text
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.peek().kind == tokOp && p.peek().text == "-" {
		p.next()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: "-", operand: operand}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (node, error) {
	base, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		switch t.kind {
		case tokDot:
			p.next()
			name, err := p.expect(tokIdent, "attribute name")
			if err != nil {
				return nil, err
			}
			base = &attrNode{target: base, name: name.text}
		case tokLBracket:
			p.next()
			idx, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tokRBracket, "]"); err != nil {
				return nil, err
			}
			base = &indexNode{target: base, index: idx}
		default:
			return base, nil
		}
	}
}

// functions is the complete callable surface of the language.
var functions = map[string]struct{}{
	"len": {}, "str": {}, "int": {}, "abs": {}, "min": {}, "max": {},
}

func (p *parser) parsePrimary() (node, error) {
	t := p.peek()
	switch t.kind {
	case tokNumber:
		p.next()
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed number %q at position %d", t.text, t.pos)
		}
		return &literalNode{value: f}, nil
	case tokString:
		p.next()
		return &literalNode{value: t.text}, nil
	case tokIdent:
		switch t.text {
		case "true":
			p.next()
			return &literalNode{value: true}, nil
		case "false":
			p.next()
			return &literalNode{value: false}, nil
		case "null", "none":
			p.next()
			return &literalNode{value: nil}, nil
		}
		if _, ok := functions[t.text]; ok && p.tokens[p.pos+1].kind == tokLParen {
			p.next()
			p.next()
			var args []node
			for p.peek().kind != tokRParen {
				arg, err := p.parseExpr()
				if err != nil {
					return nil, err
				}
				args = append(args, arg)
				if p.peek().kind == tokComma {
					p.next()
				}
			}
			p.next()
			return &callNode{fn: t.text, args: args}, nil
		}
		p.next()
		if p.peek().kind == tokLParen {
			return nil, fmt.Errorf("function %q is not allowed", t.text)
		}
		return &identNode{name: t.text}, nil
	case tokLParen:
		p.next()
		inner, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, ")"); err != nil {
			return nil, err
		}
		return inner, nil
	}
	return nil, fmt.Errorf("unexpected %q at position %d", t.text, t.pos)
}

// --- evaluator ---

func eval(n node, env map[string]any) (any, error) {
	switch x := n.(type) {
	case *literalNode:
		return x.value, nil
	case *identNode:
		v, ok := env[x.name]
		if !ok {
			return nil, fmt.Errorf("unknown name %q", x.name)
		}
		return v, nil
	case *attrNode:
		target, err := eval(x.target, env)
		if err != nil {
			return nil, err
		}
		m, ok := target.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("cannot access %q on %T", x.name, target)
		}
		return m[x.name], nil
	case *indexNode:
		target, err := eval(x.target, env)
		if err != nil {
			return nil, err
		}
		idx, err := eval(x.index, env)
		if err != nil {
			return nil, err
		}
		switch tv := target.(type) {
		case []any:
			f, ok := toFloat(idx)
			if !ok {
				return nil, fmt.Errorf("list index must be a number, got %T", idx)
			}
			i := int(f)
			if i < 0 || i >= len(tv) {
				return nil, fmt.Errorf("list index %d out of range (len %d)", i, len(tv))
			}
			return tv[i], nil
		case map[string]any:
			key, ok := idx.(string)
			if !ok {
				return nil, fmt.Errorf("map key must be a string, got %T", idx)
			}
			return tv[key], nil
		default:
			return nil, fmt.Errorf("cannot index %T", target)
		}
	case *unaryNode:
		operand, err := eval(x.operand, env)
		if err != nil {
			return nil, err
		}
		switch x.op {
		case "not":
			return !Truthy(operand), nil
		case "-":
			f, ok := toFloat(operand)
			if !ok {
				return nil, fmt.Errorf("cannot negate %T", operand)
			}
			return -f, nil
		}
		return nil, fmt.Errorf("unknown unary operator %q", x.op)
	case *binaryNode:
		return evalBinary(x, env)
	case *callNode:
		return evalCall(x, env)
	}
	return nil, fmt.Errorf("unknown node %T", n)
}

func evalBinary(x *binaryNode, env map[string]any) (any, error) {
	// Boolean operators short-circuit.
	switch x.op {
	case "and":
		left, err := eval(x.left, env)
		if err != nil {
			return nil, err
		}
		if !Truthy(left) {
			return false, nil
		}
		right, err := eval(x.right, env)
		if err != nil {
			return nil, err
		}
		return Truthy(right), nil
	case "or":
		left, err := eval(x.left, env)
		if err != nil {
			return nil, err
		}
		if Truthy(left) {
			return true, nil
		}
		right, err := eval(x.right, env)
		if err != nil {
			return nil, err
		}
		return Truthy(right), nil
	}

	left, err := eval(x.left, env)
	if err != nil {
		return nil, err
	}
	right, err := eval(x.right, env)
	if err != nil {
		return nil, err
	}

	switch x.op {
	case "==":
		return equal(left, right), nil
	case "!=":
		return !equal(left, right), nil
	case "<", "<=", ">", ">=":
		return compare(x.op, left, right)
	case "in":
		return contains(right, left)
	case "+":
		if ls, ok := left.(string); ok {
			rs, ok := right.(string)
			if !ok {
				return nil, fmt.Errorf("cannot concatenate string and %T", right)
			}
			return ls + rs, nil
		}
		return arith(x.op, left, right)
	case "-", "*", "/", "%":
		return arith(x.op, left, right)
	}
	return nil, fmt.Errorf("unknown operator %q", x.op)
}

func evalCall(x *callNode, env map[string]any) (any, error) {
	args := make([]any, len(x.args))
	for i, a := range x.args {
		v, err := eval(a, env)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}

	argc := func(n int) error {
		if len(args) != n {
			return fmt.Errorf("%s expects %d argument(s), got %d", x.fn, n, len(args))
		}
		return nil
	}

	switch x.fn {
	case "len":
		if err := argc(1); err != nil {
			return nil, err
		}
		switch v := args[0].(type) {
		case string:
			return float64(len(v)), nil
		case []any:
			return float64(len(v)), nil
		case map[string]any:
			return float64(len(v)), nil
		default:
			return nil, fmt.Errorf("len does not apply to %T", args[0])
		}
	case "str":
		if err := argc(1); err != nil {
			return nil, err
		}
		return stringify(args[0]), nil
	case "int":
		if err := argc(1); err != nil {
			return nil, err
		}
		switch v := args[0].(type) {
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, fmt.Errorf("int cannot parse %q", v)
			}
			return math.Trunc(f), nil
		default:
			f, ok := toFloat(args[0])
			if !ok {
				return nil, fmt.Errorf("int does not apply to %T", args[0])
			}
			return math.Trunc(f), nil
		}
	case "abs":
		if err := argc(1); err != nil {
			return nil, err
		}
		f, ok := toFloat(args[0])
		if !ok {
			return nil, fmt.Errorf("abs does not apply to %T", args[0])
		}
		return math.Abs(f), nil
	case "min", "max":
		if len(args) < 1 {
			return nil, fmt.Errorf("%s expects at least one argument", x.fn)
		}
		vals := args
		if len(args) == 1 {
			list, ok := args[0].([]any)
			if !ok {
				return nil, fmt.Errorf("%s with one argument expects a list", x.fn)
			}
			if len(list) == 0 {
				return nil, fmt.Errorf("%s of empty list", x.fn)
			}
			vals = list
		}
		best, ok := toFloat(vals[0])
		if !ok {
			return nil, fmt.Errorf("%s does not apply to %T", x.fn, vals[0])
		}
		for _, v := range vals[1:] {
			f, ok := toFloat(v)
			if !ok {
				return nil, fmt.Errorf("%s does not apply to %T", x.fn, v)
			}
			if (x.fn == "min" && f < best) || (x.fn == "max" && f > best) {
				best = f
			}
		}
		return best, nil
	}
	return nil, fmt.Errorf("function %q is not allowed", x.fn)
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint64:
		return float64(x), true
	}
	return 0, false
}

func equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		return ok && as == bs
	}
	if ab, ok := a.(bool); ok {
		bb, ok := b.(bool)
		return ok && ab == bb
	}
	return reflect.DeepEqual(a, b)
}

func compare(op string, a, b any) (any, error) {
	if as, ok := a.(string); ok {
		bs, ok := b.(string)
		if !ok {
			return nil, fmt.Errorf("cannot compare string with %T", b)
		}
		switch op {
		case "<":
			return as < bs, nil
		case "<=":
			return as <= bs, nil
		case ">":
			return as > bs, nil
		case ">=":
			return as >= bs, nil
		}
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		return nil, fmt.Errorf("cannot compare %T with %T", a, b)
	}
	switch op {
	case "<":
		return af < bf, nil
	case "<=":
		return af <= bf, nil
	case ">":
		return af > bf, nil
	case ">=":
		return af >= bf, nil
	}
	return nil, fmt.Errorf("unknown comparison %q", op)
}

func contains(container, item any) (any, error) {
	switch c := container.(type) {
	case string:
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("substring check requires a string, got %T", item)
		}
		return strings.Contains(c, s), nil
	case []any:
		for _, v := range c {
			if equal(v, item) {
				return true, nil
			}
		}
		return false, nil
	case map[string]any:
		key, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("map membership requires a string key, got %T", item)
		}
		_, present := c[key]
		return present, nil
	}
	return nil, fmt.Errorf("cannot test membership in %T", container)
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		if x == math.Trunc(x) && math.Abs(x) < 1e15 {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}
