package xjms

import (
	"fmt"
	"regexp"
	"strings"
)

// Selector is a compiled message selector.
//
// The supported grammar is the subset of JMS selectors needed for request/reply
// correlation: comparisons joined by AND.
//
//	JMSCorrelationID = 'abc'
//	JMSCorrelationID LIKE 'conduit-1%'
//	kind <> 'fault' AND JMSType = 'soap'
//
// Identifiers JMSCorrelationID, JMSMessageID and JMSType address message headers;
// any other identifier addresses a string property.
type Selector struct {
	expr  string
	terms []term
}

type op int

const (
	opEq op = iota
	opNe
	opLike
)

type term struct {
	ident string
	op    op
	lit   string
	re    *regexp.Regexp
}

// CorrelationSelector returns the selector matching one correlation id exactly.
func CorrelationSelector(id string) string {
	return "JMSCorrelationID = '" + escapeLiteral(id) + "'"
}

// CorrelationPrefixSelector returns the selector matching every correlation id with prefix.
func CorrelationPrefixSelector(prefix string) string {
	return "JMSCorrelationID LIKE '" + escapeLiteral(escapeLike(prefix)) + "%'"
}

func escapeLiteral(s string) string { return strings.ReplaceAll(s, "'", "''") }

// escapeLike neutralizes wildcards; the compiled pattern treats '\' as the escape character.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// ParseSelector compiles a selector expression. The empty expression matches everything.
func ParseSelector(expr string) (*Selector, error) {
	s := &Selector{expr: expr}
	lx := &lexer{src: expr}
	for {
		tok := lx.next()
		if tok == "" {
			if len(s.terms) == 0 {
				return s, nil
			}
			return nil, fmt.Errorf("%w: %q: trailing AND", ErrInvalidSelector, expr)
		}
		t := term{ident: tok}
		opTok := lx.next()
		switch strings.ToUpper(opTok) {
		case "=":
			t.op = opEq
		case "<>":
			t.op = opNe
		case "LIKE":
			t.op = opLike
		default:
			return nil, fmt.Errorf("%w: %q: unexpected operator %q", ErrInvalidSelector, expr, opTok)
		}
		lit, ok := lx.literal()
		if !ok {
			return nil, fmt.Errorf("%w: %q: expected quoted literal", ErrInvalidSelector, expr)
		}
		t.lit = lit
		if t.op == opLike {
			t.re = likePattern(lit)
		}
		s.terms = append(s.terms, t)

		next := lx.next()
		if next == "" {
			return s, nil
		}
		if !strings.EqualFold(next, "AND") {
			return nil, fmt.Errorf("%w: %q: expected AND, got %q", ErrInvalidSelector, expr, next)
		}
	}
}

// MustParseSelector is ParseSelector that panics on error. Intended for constants.
func MustParseSelector(expr string) *Selector {
	s, err := ParseSelector(expr)
	if err != nil {
		panic(err)
	}
	return s
}

// String returns the source expression.
func (s *Selector) String() string {
	if s == nil {
		return ""
	}
	return s.expr
}

// Matches evaluates the selector against msg. A nil selector matches everything.
func (s *Selector) Matches(msg *Message) bool {
	if s == nil {
		return true
	}
	for _, t := range s.terms {
		v, ok := lookup(msg, t.ident)
		switch t.op {
		case opEq:
			if !ok || v != t.lit {
				return false
			}
		case opNe:
			if !ok || v == t.lit {
				return false
			}
		case opLike:
			if !ok || !t.re.MatchString(v) {
				return false
			}
		}
	}
	return true
}

func lookup(msg *Message, ident string) (string, bool) {
	switch ident {
	case "JMSCorrelationID":
		return msg.CorrelationID, msg.CorrelationID != ""
	case "JMSMessageID":
		return msg.MessageID, msg.MessageID != ""
	case "JMSType":
		return msg.Type, msg.Type != ""
	}
	return msg.Property(ident)
}

func likePattern(p string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString("^")
	escaped := false
	for _, r := range p {
		switch {
		case escaped:
			b.WriteString(regexp.QuoteMeta(string(r)))
			escaped = false
		case r == '\\':
			escaped = true
		case r == '%':
			b.WriteString(".*")
		case r == '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.MustCompile(b.String())
}

type lexer struct {
	src string
	pos int
}

func (l *lexer) skipSpace() {
	for l.pos < len(l.src) && (l.src[l.pos] == ' ' || l.src[l.pos] == '\t' || l.src[l.pos] == '\n') {
		l.pos++
	}
}

// next returns the next bare token: an identifier, keyword or operator.
func (l *lexer) next() string {
	l.skipSpace()
	if l.pos >= len(l.src) {
		return ""
	}
	start := l.pos
	switch c := l.src[l.pos]; {
	case c == '=':
		l.pos++
	case c == '<':
		l.pos++
		if l.pos < len(l.src) && l.src[l.pos] == '>' {
			l.pos++
		}
	case c == '\'':
		// literal where a bare token was expected; let the caller fail on it
		l.pos = len(l.src)
	default:
		for l.pos < len(l.src) {
			c := l.src[l.pos]
			if c == ' ' || c == '\t' || c == '\n' || c == '=' || c == '<' || c == '\'' {
				break
			}
			l.pos++
		}
	}
	return l.src[start:l.pos]
}

// literal reads a single-quoted string; a doubled quote stands for one quote.
func (l *lexer) literal() (string, bool) {
	l.skipSpace()
	if l.pos >= len(l.src) || l.src[l.pos] != '\'' {
		return "", false
	}
	l.pos++
	var b strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == '\'' {
			if l.pos+1 < len(l.src) && l.src[l.pos+1] == '\'' {
				b.WriteByte('\'')
				l.pos += 2
				continue
			}
			l.pos++
			return b.String(), true
		}
		b.WriteByte(c)
		l.pos++
	}
	return "", false
}
