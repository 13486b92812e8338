package eval

import "fmt"

// Binding powers, loosest to tightest. The conditional expression sits
// below "or" and is handled explicitly in Parse.
const (
	bpOr      = 10
	bpAnd     = 20
	bpNot     = 25
	bpCompare = 30
	bpAdd     = 40
	bpMul     = 50
	bpUnary   = 60
	bpPow     = 70
	bpPostfix = 80
)

var infixBP = map[string]int{
	"or": bpOr, "||": bpOr,
	"and": bpAnd, "&&": bpAnd,
	"==": bpCompare, "!=": bpCompare,
	"<": bpCompare, "<=": bpCompare, ">": bpCompare, ">=": bpCompare,
	"in": bpCompare,
	"+":  bpAdd, "-": bpAdd,
	"*": bpMul, "/": bpMul, "//": bpMul, "%": bpMul,
	"**": bpPow,
}

type parser struct {
	toks []token
	pos  int
}

// Parse parses a single expression and verifies all input is consumed.
func Parse(src string) (Node, error) {
	toks, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	n, err := p.parseTernary()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("unexpected %q at offset %d", p.peek().text, p.peek().pos)
	}
	return n, nil
}

func (p *parser) peek() token  { return p.toks[p.pos] }
func (p *parser) next() token  { t := p.toks[p.pos]; p.pos++; return t }
func (p *parser) isOp(s string) bool { t := p.peek(); return t.kind == tokOp && t.text == s }

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	t := p.next()
	if t.kind != kind {
		return t, fmt.Errorf("expected %s at offset %d, got %q", what, t.pos, t.text)
	}
	return t, nil
}

// parseTernary handles both "x if c else y" and "c ? x : y".
func (p *parser) parseTernary() (Node, error) {
	first, err := p.parseExpr(0)
	if err != nil {
		return nil, err
	}

	if p.isOp("if") {
		p.next()
		cond, err := p.parseExpr(0)
		if err != nil {
			return nil, err
		}
		if !p.isOp("else") {
			return nil, fmt.Errorf("conditional missing else at offset %d", p.peek().pos)
		}
		p.next()
		alt, err := p.parseTernary()
		if err != nil {
			return nil, err
		}
		return Cond{If: cond, Then: first, Else: alt}, nil
	}

	if p.isOp("?") {
		p.next()
		then, err := p.parseTernary()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokColon, "':'"); err != nil {
			return nil, err
		}
		alt, err := p.parseTernary()
		if err != nil {
			return nil, err
		}
		return Cond{If: first, Then: then, Else: alt}, nil
	}

	return first, nil
}

func (p *parser) parseExpr(minBP int) (Node, error) {
	left, err := p.parsePrefix()
	if err != nil {
		return nil, err
	}

	for {
		left, err = p.parsePostfix(left)
		if err != nil {
			return nil, err
		}

		t := p.peek()
		if t.kind != tokOp {
			return left, nil
		}
		bp, ok := infixBP[t.text]
		if !ok || bp < minBP {
			return left, nil
		}
		// "if" / "else" / "?" belong to the ternary level.
		if t.text == "if" || t.text == "else" {
			return left, nil
		}
		p.next()

		// ** is right-associative; everything else is left-associative.
		nextBP := bp + 1
		if t.text == "**" {
			nextBP = bp
		}
		right, err := p.parseExpr(nextBP)
		if err != nil {
			return nil, err
		}
		left = Binary{Op: t.text, L: left, R: right}
	}
}

func (p *parser) parsePrefix() (Node, error) {
	t := p.peek()
	switch {
	case t.kind == tokNumber:
		p.next()
		v, err := parseFloat(t.text)
		if err != nil {
			return nil, fmt.Errorf("bad number %q at offset %d", t.text, t.pos)
		}
		return Number{Value: v}, nil

	case t.kind == tokString:
		p.next()
		return String{Value: t.text}, nil

	case t.kind == tokIdent:
		p.next()
		switch t.text {
		case "true", "True":
			return Bool{Value: true}, nil
		case "false", "False":
			return Bool{Value: false}, nil
		case "None", "null", "nil":
			return Null{}, nil
		}
		return Ident{Name: t.text}, nil

	case t.kind == tokOp && (t.text == "-" || t.text == "+"):
		p.next()
		x, err := p.parseExpr(bpUnary)
		if err != nil {
			return nil, err
		}
		return Unary{Op: t.text, X: x}, nil

	case t.kind == tokOp && (t.text == "not" || t.text == "!"):
		p.next()
		x, err := p.parseExpr(bpNot)
		if err != nil {
			return nil, err
		}
		return Unary{Op: "not", X: x}, nil

	case t.kind == tokLParen:
		return p.parseParenOrTuple()

	case t.kind == tokLBracket:
		return p.parseList()

	case t.kind == tokLBrace:
		return p.parseDictOrSet()
	}
	return nil, fmt.Errorf("unexpected %q at offset %d", t.text, t.pos)
}

// parsePostfix applies call and subscript suffixes. Calls are only legal
// on bare identifiers: the callable set is exactly the namespace.
func (p *parser) parsePostfix(left Node) (Node, error) {
	for {
		switch {
		case p.peek().kind == tokLParen:
			id, ok := left.(Ident)
			if !ok {
				return nil, fmt.Errorf("only named functions are callable (offset %d)", p.peek().pos)
			}
			p.next()
			var args []Node
			for p.peek().kind != tokRParen {
				arg, err := p.parseTernary()
				if err != nil {
					return nil, err
				}
				args = append(args, arg)
				if p.peek().kind == tokComma {
					p.next()
				}
			}
			p.next() // ')'
			left = Call{Fn: id.Name, Args: args}

		case p.peek().kind == tokLBracket:
			p.next()
			idx, err := p.parseTernary()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tokRBracket, "']'"); err != nil {
				return nil, err
			}
			left = Subscript{X: left, Index: idx}

		default:
			return left, nil
		}
	}
}

// parseParenOrTuple parses "(expr)" or a tuple "(a, b)". Tuples evaluate
// to lists.
func (p *parser) parseParenOrTuple() (Node, error) {
	p.next() // '('
	if p.peek().kind == tokRParen {
		p.next()
		return List{}, nil
	}
	first, err := p.parseTernary()
	if err != nil {
		return nil, err
	}
	if p.peek().kind == tokRParen {
		p.next()
		return first, nil
	}

	items := []Node{first}
	for p.peek().kind == tokComma {
		p.next()
		if p.peek().kind == tokRParen {
			break
		}
		item, err := p.parseTernary()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if _, err := p.expect(tokRParen, "')'"); err != nil {
		return nil, err
	}
	return List{Items: items}, nil
}

func (p *parser) parseList() (Node, error) {
	p.next() // '['
	var items []Node
	for p.peek().kind != tokRBracket {
		item, err := p.parseTernary()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
		if p.peek().kind == tokComma {
			p.next()
		}
	}
	p.next() // ']'
	return List{Items: items}, nil
}

// parseDictOrSet parses "{k: v, ...}" as a dict and "{a, b}" as a set,
// which evaluates to a list.
func (p *parser) parseDictOrSet() (Node, error) {
	p.next() // '{'
	if p.peek().kind == tokRBrace {
		p.next()
		return Dict{}, nil
	}

	first, err := p.parseTernary()
	if err != nil {
		return nil, err
	}

	if p.peek().kind == tokColon {
		d := Dict{}
		p.next()
		v, err := p.parseTernary()
		if err != nil {
			return nil, err
		}
		d.Keys = append(d.Keys, first)
		d.Values = append(d.Values, v)
		for p.peek().kind == tokComma {
			p.next()
			if p.peek().kind == tokRBrace {
				break
			}
			k, err := p.parseTernary()
			if err != nil {
				return nil, err
			}
			if _, err := p.expect(tokColon, "':'"); err != nil {
				return nil, err
			}
			v, err := p.parseTernary()
			if err != nil {
				return nil, err
			}
			d.Keys = append(d.Keys, k)
			d.Values = append(d.Values, v)
		}
		if _, err := p.expect(tokRBrace, "'}'"); err != nil {
			return nil, err
		}
		return d, nil
	}

	items := []Node{first}
	for p.peek().kind == tokComma {
		p.next()
		if p.peek().kind == tokRBrace {
			break
		}
		item, err := p.parseTernary()
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if _, err := p.expect(tokRBrace, "'}'"); err != nil {
		return nil, err
	}
	return List{Items: items}, nil
}
