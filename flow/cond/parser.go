package cond

import "fmt"

// Expression is a parsed condition, reusable across evaluations.
type Expression interface {
	eval(vars map[string]any) (value, error)
}

// Binding powers for the Pratt parser. Comparison binds tighter than the
// boolean connectives so "a == 1 && b == 2" parses as expected.
const (
	bpOr      = 10
	bpAnd     = 20
	bpCompare = 30
)

type identExpr struct{ name string }

type literalExpr struct{ val value }

type notExpr struct{ operand Expression }

type binaryExpr struct {
	op       tokenKind
	lhs, rhs Expression
}

// parser is a Pratt (top-down operator precedence) parser over the lexer's
// token stream. One token of lookahead is enough for this grammar.
type parser struct {
	lex *lexer
	cur token
}

// Parse compiles a condition string into a reusable Expression.
//
// Callers that evaluate the same condition repeatedly (the executor does,
// for gateway edges) should parse once and evaluate many times.
func Parse(input string) (Expression, error) {
	p := &parser{lex: newLexer(input)}
	if err := p.advance(); err != nil {
		return nil, err
	}
	expr, err := p.parseExpr(0)
	if err != nil {
		return nil, err
	}
	if p.cur.kind != tokenEOF {
		return nil, fmt.Errorf("unexpected %q at %d", p.cur.text, p.cur.pos)
	}
	return expr, nil
}

func (p *parser) advance() error {
	tok, err := p.lex.next()
	if err != nil {
		return err
	}
	p.cur = tok
	return nil
}

func (p *parser) parseExpr(minBP int) (Expression, error) {
	lhs, err := p.parseOperand()
	if err != nil {
		return nil, err
	}

	for {
		bp := bindingPower(p.cur.kind)
		if bp == 0 || bp < minBP {
			return lhs, nil
		}
		op := p.cur.kind
		if err := p.advance(); err != nil {
			return nil, err
		}
		// Left-associative: the right side binds one notch tighter.
		rhs, err := p.parseExpr(bp + 1)
		if err != nil {
			return nil, err
		}
		lhs = &binaryExpr{op: op, lhs: lhs, rhs: rhs}
	}
}

func bindingPower(kind tokenKind) int {
	switch kind {
	case tokenOr:
		return bpOr
	case tokenAnd:
		return bpAnd
	case tokenEq, tokenNe, tokenGt, tokenLt, tokenGe, tokenLe:
		return bpCompare
	}
	return 0
}

func (p *parser) parseOperand() (Expression, error) {
	tok := p.cur
	switch tok.kind {
	case tokenNot:
		if err := p.advance(); err != nil {
			return nil, err
		}
		operand, err := p.parseOperand()
		if err != nil {
			return nil, err
		}
		return &notExpr{operand: operand}, nil

	case tokenLParen:
		if err := p.advance(); err != nil {
			return nil, err
		}
		inner, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		if p.cur.kind != tokenRParen {
			return nil, fmt.Errorf("missing ) at %d", p.cur.pos)
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		return inner, nil

	case tokenIdent:
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &identExpr{name: tok.text}, nil

	case tokenTrue:
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &literalExpr{val: boolValue(true)}, nil

	case tokenFalse:
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &literalExpr{val: boolValue(false)}, nil

	case tokenNull:
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &literalExpr{val: nullValue()}, nil

	case tokenNumber:
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &literalExpr{val: numberLiteral(tok.text)}, nil

	case tokenString:
		if err := p.advance(); err != nil {
			return nil, err
		}
		return &literalExpr{val: stringValue(tok.text)}, nil
	}

	return nil, fmt.Errorf("unexpected %q at %d", tok.text, tok.pos)
}
