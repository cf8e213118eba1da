package policy

import (
	"fmt"
	"strings"
)

// Attribute names a value a condition can test.
type Attribute int

const (
	AttrRcptDomain Attribute = iota
	AttrSenderDomain
	AttrSender
)

var attributeNames = map[string]Attribute{
	"rcpt_domain":   AttrRcptDomain,
	"sender_domain": AttrSenderDomain,
	"sender":        AttrSender,
}

func (a Attribute) String() string {
	for name, attr := range attributeNames {
		if attr == a {
			return name
		}
	}
	return fmt.Sprintf("attribute(%d)", int(a))
}

// Attributes is the input a Condition is evaluated against.
type Attributes struct {
	RcptDomain   string
	SenderDomain string
	Sender       string
}

func (a Attributes) get(attr Attribute) string {
	switch attr {
	case AttrRcptDomain:
		return a.RcptDomain
	case AttrSenderDomain:
		return a.SenderDomain
	case AttrSender:
		return a.Sender
	}
	return ""
}

// Condition is a predicate over Attributes.
type Condition interface {
	Match(Attributes) bool
	String() string
}

type operator int

const (
	opEqual operator = iota
	opNotEqual
	opEndsWith
	opStartsWith
	opIn
)

var operatorNames = [...]string{"=", "!=", "ends-with", "starts-with", "in"}

type comparison struct {
	attr   Attribute
	op     operator
	values []string
}

func (c comparison) Match(a Attributes) bool {
	v := strings.ToLower(a.get(c.attr))
	switch c.op {
	case opEqual:
		return v == c.values[0]
	case opNotEqual:
		return v != c.values[0]
	case opEndsWith:
		return strings.HasSuffix(v, c.values[0])
	case opStartsWith:
		return strings.HasPrefix(v, c.values[0])
	case opIn:
		for _, candidate := range c.values {
			if v == candidate {
				return true
			}
		}
	}
	return false
}

func (c comparison) String() string {
	quoted := make([]string, len(c.values))
	for i, v := range c.values {
		quoted[i] = "'" + v + "'"
	}
	if c.op == opIn {
		return fmt.Sprintf("%s in (%s)", c.attr, strings.Join(quoted, ", "))
	}
	return fmt.Sprintf("%s %s %s", c.attr, operatorNames[c.op], quoted[0])
}

type allOf []Condition

func (all allOf) Match(a Attributes) bool {
	for _, c := range all {
		if !c.Match(a) {
			return false
		}
	}
	return true
}

func (all allOf) String() string { return join(all, " and ") }

type anyOf []Condition

func (or anyOf) Match(a Attributes) bool {
	for _, c := range or {
		if c.Match(a) {
			return true
		}
	}
	return false
}

func (or anyOf) String() string { return join(or, " or ") }

func join(conds []Condition, sep string) string {
	parts := make([]string, len(conds))
	for i, c := range conds {
		parts[i] = c.String()
	}
	return strings.Join(parts, sep)
}

// ParseCondition parses expressions such as
//
//	rcpt_domain = 'example.org'
//	rcpt_domain ends-with '.example.org' and sender_domain != 'example.net'
//	rcpt_domain in ('a.example', 'b.example') or sender = ''
//
// "and" binds tighter than "or". Values are compared case-insensitively.
func ParseCondition(expr string) (Condition, error) {
	toks, err := lex(expr)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	cond, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.done() {
		return nil, fmt.Errorf("unexpected %q at end of condition %q", p.peek().text, expr)
	}
	return cond, nil
}

type tokenKind int

const (
	tokWord tokenKind = iota
	tokString
	tokOp
	tokLParen
	tokRParen
	tokComma
)

type token struct {
	kind tokenKind
	text string
}

func lex(s string) ([]token, error) {
	var toks []token
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == ' ' || c == '\t':
			i++
		case c == '(':
			toks = append(toks, token{tokLParen, "("})
			i++
		case c == ')':
			toks = append(toks, token{tokRParen, ")"})
			i++
		case c == ',':
			toks = append(toks, token{tokComma, ","})
			i++
		case c == '\'' || c == '"':
			end := strings.IndexByte(s[i+1:], c)
			if end < 0 {
				return nil, fmt.Errorf("unterminated string in condition %q", s)
			}
			toks = append(toks, token{tokString, s[i+1 : i+1+end]})
			i += end + 2
		case c == '=':
			if strings.HasPrefix(s[i:], "==") {
				i += 2
			} else {
				i++
			}
			toks = append(toks, token{tokOp, "="})
		case c == '!':
			if !strings.HasPrefix(s[i:], "!=") {
				return nil, fmt.Errorf("unexpected '!' in condition %q", s)
			}
			toks = append(toks, token{tokOp, "!="})
			i += 2
		case isWordByte(c):
			start := i
			for i < len(s) && isWordByte(s[i]) {
				i++
			}
			toks = append(toks, token{tokWord, strings.ToLower(s[start:i])})
		default:
			return nil, fmt.Errorf("unexpected character %q in condition %q", c, s)
		}
	}
	return toks, nil
}

func isWordByte(c byte) bool {
	return c == '_' || c == '-' || c == '.' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) done() bool { return p.pos >= len(p.toks) }

func (p *parser) peek() token {
	if p.done() {
		return token{kind: -1, text: "end of input"}
	}
	return p.toks[p.pos]
}

func (p *parser) next() token {
	t := p.peek()
	p.pos++
	return t
}

func (p *parser) keyword(word string) bool {
	if t := p.peek(); t.kind == tokWord && t.text == word {
		p.pos++
		return true
	}
	return false
}

func (p *parser) parseOr() (Condition, error) {
	var terms anyOf
	for {
		c, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		terms = append(terms, c)
		if !p.keyword("or") {
			break
		}
	}
	if len(terms) == 1 {
		return terms[0], nil
	}
	return terms, nil
}

func (p *parser) parseAnd() (Condition, error) {
	var terms allOf
	for {
		c, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		terms = append(terms, c)
		if !p.keyword("and") {
			break
		}
	}
	if len(terms) == 1 {
		return terms[0], nil
	}
	return terms, nil
}

func (p *parser) parseComparison() (Condition, error) {
	t := p.next()
	attr, ok := attributeNames[t.text]
	if t.kind != tokWord || !ok {
		return nil, fmt.Errorf("unknown attribute %q", t.text)
	}

	op := p.next()
	var cmp comparison
	cmp.attr = attr
	switch {
	case op.kind == tokOp && op.text == "=":
		cmp.op = opEqual
	case op.kind == tokOp && op.text == "!=":
		cmp.op = opNotEqual
	case op.kind == tokWord && op.text == "ends-with":
		cmp.op = opEndsWith
	case op.kind == tokWord && op.text == "starts-with":
		cmp.op = opStartsWith
	case op.kind == tokWord && op.text == "in":
		values, err := p.parseList()
		if err != nil {
			return nil, err
		}
		cmp.op = opIn
		cmp.values = values
		return cmp, nil
	default:
		return nil, fmt.Errorf("unknown operator %q after %s", op.text, attr)
	}

	v := p.next()
	if v.kind != tokString {
		return nil, fmt.Errorf("expected quoted value after %s %s, got %q", attr, operatorNames[cmp.op], v.text)
	}
	cmp.values = []string{strings.ToLower(v.text)}
	return cmp, nil
}

func (p *parser) parseList() ([]string, error) {
	if p.next().kind != tokLParen {
		return nil, fmt.Errorf("expected '(' after in")
	}
	var values []string
	for {
		v := p.next()
		if v.kind != tokString {
			return nil, fmt.Errorf("expected quoted value in list, got %q", v.text)
		}
		values = append(values, strings.ToLower(v.text))
		switch sep := p.next(); sep.kind {
		case tokComma:
			continue
		case tokRParen:
			return values, nil
		default:
			return nil, fmt.Errorf("expected ',' or ')' in list, got %q", sep.text)
		}
	}
}
