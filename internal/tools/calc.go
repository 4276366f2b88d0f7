package tools

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// evalExpression evaluates an arithmetic expression. Supported: numbers,
// + - * / %, ** and ^ for powers, unary signs, parentheses, the
// constants pi and e, and the functions listed in calcFuncs.
func evalExpression(expr string) (float64, error) {
	if len(expr) > maxExpressionLen {
		return 0, fmt.Errorf("expression longer than %d bytes", maxExpressionLen)
	}
	toks, err := lex(expr)
	if err != nil {
		return 0, err
	}
	p := &calcParser{toks: toks}
	v, err := p.expr()
	if err != nil {
		return 0, err
	}
	if p.pos < len(p.toks) {
		return 0, fmt.Errorf("unexpected %q at position %d", p.toks[p.pos].text, p.toks[p.pos].at)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errors.New("result is not a finite number")
	}
	return v, nil
}

func formatNumber(v float64) string {
	if math.Abs(v) >= 1e21 {
		return strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

const (
	maxExpressionLen = 4096
	maxNesting       = 256
)

var errTooDeep = fmt.Errorf("expression nested deeper than %d levels", maxNesting)

var calcConsts = map[string]float64{
	"pi": math.Pi,
	"e":  math.E,
}

var calcFuncs = map[string]struct {
	arity int
	fn    func(args []float64) float64
}{
	"sqrt":  {1, func(a []float64) float64 { return math.Sqrt(a[0]) }},
	"abs":   {1, func(a []float64) float64 { return math.Abs(a[0]) }},
	"sin":   {1, func(a []float64) float64 { return math.Sin(a[0]) }},
	"cos":   {1, func(a []float64) float64 { return math.Cos(a[0]) }},
	"tan":   {1, func(a []float64) float64 { return math.Tan(a[0]) }},
	"log":   {1, func(a []float64) float64 { return math.Log(a[0]) }},
	"round": {1, func(a []float64) float64 { return math.Round(a[0]) }},
	"pow":   {2, func(a []float64) float64 { return math.Pow(a[0], a[1]) }},
}

type token struct {
	kind byte // 'n' number, 'i' identifier, otherwise the operator itself
	text string
	num  float64
	at   int
}

func lex(s string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n':
			i++
		case c >= '0' && c <= '9' || c == '.':
			start := i
			for i < len(s) && (s[i] >= '0' && s[i] <= '9' || s[i] == '.' || s[i] == '_') {
				i++
			}
			// Exponent only when followed by a digit, so "2e" stays 2 * e.
			if i+1 < len(s) && (s[i] == 'e' || s[i] == 'E') {
				j := i + 1
				if s[j] == '+' || s[j] == '-' {
					j++
				}
				if j < len(s) && s[j] >= '0' && s[j] <= '9' {
					i = j
					for i < len(s) && s[i] >= '0' && s[i] <= '9' {
						i++
					}
				}
			}
			text := s[start:i]
			v, err := strconv.ParseFloat(strings.ReplaceAll(text, "_", ""), 64)
			if err != nil {
				return nil, fmt.Errorf("bad number %q", text)
			}
			toks = append(toks, token{kind: 'n', text: text, num: v, at: start})
		case unicode.IsLetter(rune(c)) || c == '_':
			start := i
			for i < len(s) && (unicode.IsLetter(rune(s[i])) || unicode.IsDigit(rune(s[i])) || s[i] == '_') {
				i++
			}
			toks = append(toks, token{kind: 'i', text: strings.ToLower(s[start:i]), at: start})
		case c == '*' && i+1 < len(s) && s[i+1] == '*':
			toks = append(toks, token{kind: '^', text: "**", at: i})
			i += 2
		case strings.IndexByte("+-*/%^(),", c) >= 0:
			toks = append(toks, token{kind: c, text: string(c), at: i})
			i++
		default:
			return nil, fmt.Errorf("unexpected character %q at position %d", c, i)
		}
	}
	if len(toks) == 0 {
		return nil, errors.New("empty expression")
	}
	return toks, nil
}

type calcParser struct {
	toks  []token
	pos   int
	depth int
}

// enter counts one level of parentheses, signs or powers; callers defer leave.
func (p *calcParser) enter() error {
	p.depth++
	if p.depth > maxNesting {
		return errTooDeep
	}
	return nil
}

func (p *calcParser) leave() { p.depth-- }

func (p *calcParser) peek() byte {
	if p.pos < len(p.toks) {
		return p.toks[p.pos].kind
	}
	return 0
}

func (p *calcParser) expr() (float64, error) {
	v, err := p.term()
	if err != nil {
		return 0, err
	}
	for op := p.peek(); op == '+' || op == '-'; op = p.peek() {
		p.pos++
		r, err := p.term()
		if err != nil {
			return 0, err
		}
		if op == '+' {
			v += r
		} else {
			v -= r
		}
	}
	return v, nil
}

func (p *calcParser) term() (float64, error) {
	v, err := p.unary()
	if err != nil {
		return 0, err
	}
	for op := p.peek(); op == '*' || op == '/' || op == '%'; op = p.peek() {
		p.pos++
		r, err := p.unary()
		if err != nil {
			return 0, err
		}
		switch op {
		case '*':
			v *= r
		case '/':
			if r == 0 {
				return 0, errors.New("division by zero")
			}
			v /= r
		case '%':
			if r == 0 {
				return 0, errors.New("modulo by zero")
			}
			v = math.Mod(v, r)
		}
	}
	return v, nil
}

// unary binds looser than power: -2**2 is -4.
func (p *calcParser) unary() (float64, error) {
	op := p.peek()
	if op != '-' && op != '+' {
		return p.power()
	}
	if err := p.enter(); err != nil {
		return 0, err
	}
	defer p.leave()
	p.pos++
	v, err := p.unary()
	if op == '-' {
		v = -v
	}
	return v, err
}

func (p *calcParser) power() (float64, error) {
	base, err := p.primary()
	if err != nil {
		return 0, err
	}
	if p.peek() == '^' {
		if err := p.enter(); err != nil {
			return 0, err
		}
		defer p.leave()
		p.pos++
		exp, err := p.unary()
		if err != nil {
			return 0, err
		}
		return math.Pow(base, exp), nil
	}
	return base, nil
}

func (p *calcParser) primary() (float64, error) {
	if p.pos >= len(p.toks) {
		return 0, errors.New("unexpected end of expression")
	}
	t := p.toks[p.pos]
	p.pos++
	switch t.kind {
	case 'n':
		return t.num, nil
	case '(':
		if err := p.enter(); err != nil {
			return 0, err
		}
		defer p.leave()
		v, err := p.expr()
		if err != nil {
			return 0, err
		}
		if p.peek() != ')' {
			return 0, fmt.Errorf("missing ) for ( at position %d", t.at)
		}
		p.pos++
		return v, nil
	case 'i':
		if p.peek() == '(' {
			return p.call(t)
		}
		if v, ok := calcConsts[t.text]; ok {
			return v, nil
		}
		return 0, fmt.Errorf("unknown name %q", t.text)
	}
	return 0, fmt.Errorf("unexpected %q at position %d", t.text, t.at)
}

func (p *calcParser) call(name token) (float64, error) {
	f, ok := calcFuncs[name.text]
	if !ok {
		return 0, fmt.Errorf("unknown function %q", name.text)
	}
	if err := p.enter(); err != nil {
		return 0, err
	}
	defer p.leave()
	p.pos++ // (
	var args []float64
	if p.peek() != ')' {
		for {
			v, err := p.expr()
			if err != nil {
				return 0, err
			}
			args = append(args, v)
			if p.peek() != ',' {
				break
			}
			p.pos++
		}
	}
	if p.peek() != ')' {
		return 0, fmt.Errorf("missing ) after %s arguments", name.text)
	}
	p.pos++
	if len(args) != f.arity {
		return 0, fmt.Errorf("%s takes %d argument(s), got %d", name.text, f.arity, len(args))
	}
	return f.fn(args), nil
}
