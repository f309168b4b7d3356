package config

import (
	"fmt"
	"strings"

	"github.com/openfroyo/simlaunch/pkg/engine"
)

// ParseExpression parses a launch-file string into a substitution.
//
// Supported forms, which may be nested and mixed with plain text:
//
//	$(var name)
//	$(env NAME)
//	$(env NAME default)
//	$(command tool arg...)
//
// "$$" produces a literal "$".
func ParseExpression(s string) (engine.Substitution, error) {
	p := &exprParser{src: s}
	parts, err := p.parseText(false)
	if err != nil {
		return engine.Substitution{}, err
	}
	return collapse(parts), nil
}

// MustParseExpression is like ParseExpression but panics on error.
func MustParseExpression(s string) engine.Substitution {
	sub, err := ParseExpression(s)
	if err != nil {
		panic(err)
	}
	return sub
}

type exprParser struct {
	src string
	pos int
}

func (p *exprParser) errorf(format string, args ...interface{}) error {
	return fmt.Errorf("expression %q at offset %d: %s", p.src, p.pos, fmt.Sprintf(format, args...))
}

// parseText reads literal text and substitutions. Inside a substitution
// (word=true) it stops at whitespace or a closing parenthesis.
func (p *exprParser) parseText(word bool) ([]engine.Substitution, error) {
	var parts []engine.Substitution
	var lit strings.Builder

	flush := func() {
		if lit.Len() > 0 {
			parts = append(parts, engine.Literal(lit.String()))
			lit.Reset()
		}
	}

	for p.pos < len(p.src) {
		c := p.src[p.pos]
		switch {
		case word && (c == ')' || isSpace(c)):
			flush()
			return parts, nil
		case c == '$' && strings.HasPrefix(p.src[p.pos:], "$$"):
			lit.WriteByte('$')
			p.pos += 2
		case c == '$' && strings.HasPrefix(p.src[p.pos:], "$("):
			flush()
			sub, err := p.parseSubstitution()
			if err != nil {
				return nil, err
			}
			parts = append(parts, sub)
		default:
			lit.WriteByte(c)
			p.pos++
		}
	}
	flush()
	return parts, nil
}

func (p *exprParser) parseSubstitution() (engine.Substitution, error) {
	start := p.pos
	p.pos += 2

	var words []engine.Substitution
	for {
		p.skipSpace()
		if p.pos >= len(p.src) {
			p.pos = start
			return engine.Substitution{}, p.errorf("unterminated substitution")
		}
		if p.src[p.pos] == ')' {
			p.pos++
			break
		}
		parts, err := p.parseText(true)
		if err != nil {
			return engine.Substitution{}, err
		}
		words = append(words, collapse(parts))
	}

	if len(words) == 0 {
		p.pos = start
		return engine.Substitution{}, p.errorf("empty substitution")
	}

	kind, ok := literalWord(words[0])
	if !ok {
		p.pos = start
		return engine.Substitution{}, p.errorf("substitution kind must be a plain word")
	}
	args := words[1:]

	switch kind {
	case "var":
		name, ok := singleLiteral(args)
		if !ok {
			p.pos = start
			return engine.Substitution{}, p.errorf("var takes exactly one plain argument name")
		}
		return engine.Arg(name), nil

	case "env":
		if len(args) == 0 || len(args) > 2 {
			p.pos = start
			return engine.Substitution{}, p.errorf("env takes a variable name and an optional default")
		}
		name, ok := literalWord(args[0])
		if !ok {
			p.pos = start
			return engine.Substitution{}, p.errorf("env variable name must be a plain word")
		}
		var def *string
		if len(args) == 2 {
			d, ok := literalWord(args[1])
			if !ok {
				p.pos = start
				return engine.Substitution{}, p.errorf("env default must be plain text")
			}
			def = &d
		}
		return engine.Env(name, def), nil

	case "command":
		if len(args) == 0 {
			p.pos = start
			return engine.Substitution{}, p.errorf("command requires a tool")
		}
		return engine.Command(args[0], args[1:]...), nil

	default:
		p.pos = start
		return engine.Substitution{}, p.errorf("unknown substitution %q", kind)
	}
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.src) && isSpace(p.src[p.pos]) {
		p.pos++
	}
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

func collapse(parts []engine.Substitution) engine.Substitution {
	switch len(parts) {
	case 0:
		return engine.Literal("")
	case 1:
		return parts[0]
	default:
		return engine.Join(parts...)
	}
}

func literalWord(s engine.Substitution) (string, bool) {
	if s.Kind != engine.SubstitutionLiteral {
		return "", false
	}
	return s.Text, true
}

func singleLiteral(args []engine.Substitution) (string, bool) {
	if len(args) != 1 {
		return "", false
	}
	return literalWord(args[0])
}

// parseExpressions parses a list of strings.
func parseExpressions(values []string) ([]engine.Substitution, error) {
	if len(values) == 0 {
		return nil, nil
	}
	subs := make([]engine.Substitution, 0, len(values))
	for _, v := range values {
		sub, err := ParseExpression(v)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}
