package filter

import (
	"fmt"
	"strings"
)

// Parse parses a filter in wire form.
func Parse(s string) (Filter, error) {
	p := &parser{s: s}

	f, err := p.filter()
	if err != nil {
		return nil, err
	}

	if p.pos != len(p.s) {
		return nil, fmt.Errorf("trailing data after filter at offset %d", p.pos)
	}

	return f, nil
}

type parser struct {
	s   string
	pos int
}

func (p *parser) expect(c byte) error {
	if p.pos >= len(p.s) {
		return fmt.Errorf("expected %q at offset %d, got end of input", c, p.pos)
	}
	if p.s[p.pos] != c {
		return fmt.Errorf("expected %q at offset %d, got %q", c, p.pos, p.s[p.pos])
	}
	p.pos++
	return nil
}

func (p *parser) filter() (Filter, error) {
	if err := p.expect('('); err != nil {
		return nil, err
	}

	if p.pos < len(p.s) && p.s[p.pos] == '&' {
		p.pos++

		and := And{}
		for p.pos < len(p.s) && p.s[p.pos] == '(' {
			f, err := p.filter()
			if err != nil {
				return nil, err
			}
			and = append(and, f)
		}

		if err := p.expect(')'); err != nil {
			return nil, err
		}

		return and, nil
	}

	return p.item()
}

// item parses the inside of a simple comparison, plus the closing paren.
func (p *parser) item() (Filter, error) {
	end := strings.IndexByte(p.s[p.pos:], ')')
	if end < 0 {
		return nil, fmt.Errorf("unterminated filter at offset %d", p.pos)
	}

	body := p.s[p.pos : p.pos+end]
	start := p.pos
	p.pos += end + 1

	eq := strings.IndexByte(body, '=')
	if eq < 1 {
		return nil, fmt.Errorf("missing comparison at offset %d: %q", start, body)
	}

	attr := body[:eq]
	op := "="

	switch attr[len(attr)-1] {
	case '>', '<':
		op = attr[len(attr)-1:] + "="
		attr = attr[:len(attr)-1]
	}

	if attr == "" {
		return nil, fmt.Errorf("missing attribute at offset %d: %q", start, body)
	}

	val, err := Unescape(body[eq+1:])
	if err != nil {
		return nil, err
	}

	switch op {
	case ">=":
		return GreaterOrEqual{Attribute: attr, Value: val}, nil
	case "<=":
		return LessOrEqual{Attribute: attr, Value: val}, nil
	default:
		return Equal{Attribute: attr, Value: val}, nil
	}
}
