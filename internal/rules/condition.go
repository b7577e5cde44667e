package rules

import (
	"fmt"
	"path"
	"strings"
	"unicode"
)

// node is a parsed condition expression. eval returns whether the
// expression holds and the field names that made it hold.
type node interface {
	eval(ec *evalContext) (bool, []string)
}

type refNode struct {
	name string
}

type andNode struct {
	children []node
}

type orNode struct {
	children []node
}

type notNode struct {
	child node
}

// quantNode is "1 of <pattern>" or "all of <pattern>"; pattern "them" covers every selection
type quantNode struct {
	all     bool
	pattern string
}

func (n refNode) eval(ec *evalContext) (bool, []string) {
	return ec.selection(n.name)
}

func (n andNode) eval(ec *evalContext) (bool, []string) {
	var fields []string
	for _, c := range n.children {
		ok, f := c.eval(ec)
		if !ok {
			return false, nil
		}
		fields = append(fields, f...)
	}
	return true, fields
}

func (n orNode) eval(ec *evalContext) (bool, []string) {
	for _, c := range n.children {
		if ok, f := c.eval(ec); ok {
			return true, f
		}
	}
	return false, nil
}

func (n notNode) eval(ec *evalContext) (bool, []string) {
	ok, _ := n.child.eval(ec)
	return !ok, nil
}

func (n quantNode) eval(ec *evalContext) (bool, []string) {
	names := ec.rule.selectionsMatching(n.pattern)
	if len(names) == 0 {
		return false, nil
	}

	var fields []string
	for _, name := range names {
		ok, f := ec.selection(name)
		if n.all && !ok {
			return false, nil
		}
		if !n.all && ok {
			return true, f
		}
		fields = append(fields, f...)
	}
	return n.all, fields
}

func (r *Rule) selectionsMatching(pattern string) []string {
	var names []string
	for _, name := range r.SelectionOrder {
		if pattern == "them" {
			names = append(names, name)
			continue
		}
		if ok, _ := path.Match(pattern, name); ok {
			names = append(names, name)
		}
	}
	return names
}

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokAnd
	tokOr
	tokNot
	tokOf
	tokLParen
	tokRParen
)

type token struct {
	kind  tokenKind
	value string
}

func tokenize(expr string) ([]token, error) {
	var tokens []token
	runes := []rune(expr)

	for i := 0; i < len(runes); {
		r := runes[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			tokens = append(tokens, token{kind: tokLParen, value: "("})
			i++
		case r == ')':
			tokens = append(tokens, token{kind: tokRParen, value: ")"})
			i++
		case isIdentRune(r):
			start := i
			for i < len(runes) && isIdentRune(runes[i]) {
				i++
			}
			word := string(runes[start:i])
			switch strings.ToLower(word) {
			case "and":
				tokens = append(tokens, token{kind: tokAnd, value: word})
			case "or":
				tokens = append(tokens, token{kind: tokOr, value: word})
			case "not":
				tokens = append(tokens, token{kind: tokNot, value: word})
			case "of":
				tokens = append(tokens, token{kind: tokOf, value: word})
			default:
				tokens = append(tokens, token{kind: tokIdent, value: word})
			}
		default:
			return nil, fmt.Errorf("unexpected character %q at offset %d", r, i)
		}
	}
	return tokens, nil
}

func isIdentRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-' || r == '.' || r == '*'
}

// conditionParser is a recursive-descent parser with precedence NOT > AND > OR
type conditionParser struct {
	tokens []token
	pos    int
}

func parseCondition(expr string) (node, error) {
	tokens, err := tokenize(expr)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty condition")
	}

	p := &conditionParser{tokens: tokens}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.tokens) {
		return nil, fmt.Errorf("unexpected %q at token %d", p.tokens[p.pos].value, p.pos)
	}
	return n, nil
}

func (p *conditionParser) peek() (token, bool) {
	if p.pos >= len(p.tokens) {
		return token{}, false
	}
	return p.tokens[p.pos], true
}

func (p *conditionParser) parseOr() (node, error) {
	first, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	children := []node{first}
	for {
		t, ok := p.peek()
		if !ok || t.kind != tokOr {
			break
		}
		p.pos++
		next, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		children = append(children, next)
	}
	if len(children) == 1 {
		return first, nil
	}
	return orNode{children: children}, nil
}

func (p *conditionParser) parseAnd() (node, error) {
	first, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	children := []node{first}
	for {
		t, ok := p.peek()
		if !ok || t.kind != tokAnd {
			break
		}
		p.pos++
		next, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		children = append(children, next)
	}
	if len(children) == 1 {
		return first, nil
	}
	return andNode{children: children}, nil
}

func (p *conditionParser) parseNot() (node, error) {
	t, ok := p.peek()
	if ok && t.kind == tokNot {
		p.pos++
		child, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return notNode{child: child}, nil
	}
	return p.parsePrimary()
}

func (p *conditionParser) parsePrimary() (node, error) {
	t, ok := p.peek()
	if !ok {
		return nil, fmt.Errorf("unexpected end of condition")
	}

	switch t.kind {
	case tokLParen:
		p.pos++
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		closing, ok := p.peek()
		if !ok || closing.kind != tokRParen {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return inner, nil
	case tokIdent:
		p.pos++
		if next, ok := p.peek(); ok && next.kind == tokOf {
			return p.parseQuantifier(t.value)
		}
		if strings.Contains(t.value, "*") {
			return nil, fmt.Errorf("wildcard %q is only valid after 'of'", t.value)
		}
		return refNode{name: t.value}, nil
	default:
		return nil, fmt.Errorf("unexpected %q", t.value)
	}
}

func (p *conditionParser) parseQuantifier(quant string) (node, error) {
	p.pos++ // of
	var all bool
	switch strings.ToLower(quant) {
	case "1", "any":
	case "all":
		all = true
	default:
		return nil, fmt.Errorf("unsupported quantifier %q", quant)
	}

	target, ok := p.peek()
	if !ok || target.kind != tokIdent {
		return nil, fmt.Errorf("expected selection pattern after '%s of'", quant)
	}
	p.pos++

	pattern := target.value
	if strings.EqualFold(pattern, "them") {
		pattern = "them"
	}
	return quantNode{all: all, pattern: pattern}, nil
}

// unresolvedRefs lists condition references that name no selection
func unresolvedRefs(n node, rule *Rule) []string {
	var missing []string
	seen := make(map[string]bool)

	var walk func(n node)
	walk = func(n node) {
		switch v := n.(type) {
		case refNode:
			if _, ok := rule.Selections[v.name]; !ok && !seen[v.name] {
				seen[v.name] = true
				missing = append(missing, v.name)
			}
		case quantNode:
			if len(rule.selectionsMatching(v.pattern)) == 0 && !seen[v.pattern] {
				seen[v.pattern] = true
				missing = append(missing, v.pattern)
			}
		case andNode:
			for _, c := range v.children {
				walk(c)
			}
		case orNode:
			for _, c := range v.children {
				walk(c)
			}
		case notNode:
			walk(v.child)
		}
	}
	walk(n)
	return missing
}
