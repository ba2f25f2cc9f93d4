package parser

import (
	"strconv"

	"midori/internal/ast"
	"midori/internal/lexer"
	"midori/internal/types"
)

func (p *Parser) parseExpr() ast.Expr {
	return p.parseAssignment()
}

// parseAssignment is the lowest-precedence level: `name = expr`,
// `expr.field = expr`, or `expr[i]... = expr`. Right-associative, and
// only legal when the left-hand side is one of those three shapes —
// anything else falls through as a plain expression, which lets the
// caller still use parseAssignment as the universal expression entry
// point.
func (p *Parser) parseAssignment() ast.Expr {
	expr := p.parseLogicalOr()
	if !p.match(lexer.TokenEqual) {
		return expr
	}
	line := p.previous().Line
	value := p.parseAssignment()

	switch e := expr.(type) {
	case *ast.Var:
		a := &ast.Assign{Ref: e.Ref, Value: value}
		a.Line = line
		return a
	case *ast.Get:
		s := &ast.Set{Operand: e.Operand, Name: e.Name, Value: value}
		s.Line = line
		return s
	case *ast.Index:
		s := &ast.SetIndex{Array: e.Array, Indices: e.Indices, Value: value}
		s.Line = line
		return s
	default:
		p.errorf(line, "invalid assignment target")
		return expr
	}
}

func (p *Parser) parseLogicalOr() ast.Expr {
	expr := p.parseLogicalAnd()
	for p.match(lexer.TokenOrOr) {
		line := p.previous().Line
		right := p.parseLogicalAnd()
		expr = binOp(expr, "||", right, line)
	}
	return expr
}

func (p *Parser) parseLogicalAnd() ast.Expr {
	expr := p.parseEquality()
	for p.match(lexer.TokenAndAnd) {
		line := p.previous().Line
		right := p.parseEquality()
		expr = binOp(expr, "&&", right, line)
	}
	return expr
}

func (p *Parser) parseEquality() ast.Expr {
	expr := p.parseComparison()
	for p.match(lexer.TokenEqualEqual, lexer.TokenNotEqual) {
		op := p.previous()
		right := p.parseComparison()
		expr = binOp(expr, string(op.Type), right, op.Line)
	}
	return expr
}

func (p *Parser) parseComparison() ast.Expr {
	expr := p.parseBitwiseOr()
	for p.match(lexer.TokenLT, lexer.TokenLE, lexer.TokenGT, lexer.TokenGE) {
		op := p.previous()
		right := p.parseBitwiseOr()
		expr = binOp(expr, string(op.Type), right, op.Line)
	}
	return expr
}

func (p *Parser) parseBitwiseOr() ast.Expr {
	expr := p.parseBitwiseXor()
	for p.match(lexer.TokenPipe) {
		line := p.previous().Line
		right := p.parseBitwiseXor()
		expr = binOp(expr, "|", right, line)
	}
	return expr
}

func (p *Parser) parseBitwiseXor() ast.Expr {
	expr := p.parseBitwiseAnd()
	for p.match(lexer.TokenCaret) {
		line := p.previous().Line
		right := p.parseBitwiseAnd()
		expr = binOp(expr, "^", right, line)
	}
	return expr
}

func (p *Parser) parseBitwiseAnd() ast.Expr {
	expr := p.parseShift()
	for p.match(lexer.TokenAmp) {
		line := p.previous().Line
		right := p.parseShift()
		expr = binOp(expr, "&", right, line)
	}
	return expr
}

func (p *Parser) parseShift() ast.Expr {
	expr := p.parseTerm()
	for p.match(lexer.TokenShl, lexer.TokenShr) {
		op := p.previous()
		right := p.parseTerm()
		expr = binOp(expr, string(op.Type), right, op.Line)
	}
	return expr
}

// parseTerm handles `+ - ++ +: :+`, all left-associative at the same
// level. `++` (Concat) and `+:`/`: +` (ArrayPrepend/ArrayAppend) are
// distinct tokens from `+`, so unlike `*` they're disambiguated at
// parse time, not left to the checker.
func (p *Parser) parseTerm() ast.Expr {
	expr := p.parseFactor()
	for {
		switch {
		case p.match(lexer.TokenPlus, lexer.TokenMinus):
			op := p.previous()
			right := p.parseFactor()
			expr = binOp(expr, string(op.Type), right, op.Line)
		case p.match(lexer.TokenConcat):
			line := p.previous().Line
			right := p.parseFactor()
			c := &ast.Concat{Left: expr, Right: right}
			c.Line = line
			expr = c
		case p.match(lexer.TokenPrepend):
			line := p.previous().Line
			right := p.parseFactor()
			pr := &ast.ArrayPrepend{Value: expr, Array: right}
			pr.Line = line
			expr = pr
		case p.match(lexer.TokenAppend):
			line := p.previous().Line
			right := p.parseFactor()
			ap := &ast.ArrayAppend{Array: expr, Value: right}
			ap.Line = line
			expr = ap
		default:
			return expr
		}
	}
}

// parseFactor handles `* / %`. An Array<T> * Int (array-repeat) looks
// identical to numeric multiply at this point — the checker tells
// them apart once operand types are known — so both stay a plain
// BinaryOp here.
func (p *Parser) parseFactor() ast.Expr {
	expr := p.parseCast()
	for p.match(lexer.TokenStar, lexer.TokenSlash, lexer.TokenPercent) {
		op := p.previous()
		right := p.parseCast()
		expr = binOp(expr, string(op.Type), right, op.Line)
	}
	return expr
}

// parseCast handles the postfix, repeatable `expr as Type`.
func (p *Parser) parseCast() ast.Expr {
	expr := p.parseUnary()
	for p.match(lexer.TokenAs) {
		line := p.previous().Line
		target := p.parseType()
		c := &ast.Cast{Operand: expr, Target: target}
		c.Line = line
		expr = c
	}
	return expr
}

func (p *Parser) parseUnary() ast.Expr {
	if p.match(lexer.TokenBang, lexer.TokenMinus) {
		op := p.previous()
		operand := p.parseUnary()
		u := &ast.UnaryOp{Op: string(op.Type), Operand: operand}
		u.Line = op.Line
		return u
	}
	return p.parsePostfix()
}

// parsePostfix handles chains of call/index/member-access suffixes:
// `f(a)(b)`, `a[i][j]`, `s.x.y`, and mixtures thereof. Consecutive
// `[...]` brackets collapse into one Index/SetIndex node covering all
// of them, matching the multi-index GET_ARRAY/SET_ARRAY opcodes.
func (p *Parser) parsePostfix() ast.Expr {
	expr := p.parsePrimary()
	for {
		switch {
		case p.check(lexer.TokenLParen):
			expr = p.finishCall(expr)
		case p.check(lexer.TokenLBracket):
			expr = p.finishIndex(expr)
		case p.match(lexer.TokenDot):
			name := p.consume(lexer.TokenIdent, "expected field name after '.'")
			g := &ast.Get{Operand: expr, Name: name.Lexeme}
			g.Line = name.Line
			expr = g
		default:
			return expr
		}
	}
}

func (p *Parser) finishCall(callee ast.Expr) ast.Expr {
	line := p.peek().Line
	p.consume(lexer.TokenLParen, "expected '('")
	var args []ast.Expr
	if !p.check(lexer.TokenRParen) {
		for {
			args = append(args, p.parseExpr())
			if !p.match(lexer.TokenComma) {
				break
			}
		}
	}
	p.consume(lexer.TokenRParen, "expected ')' after call arguments")
	call := &ast.Call{Callee: callee, Args: args}
	call.Line = line
	return call
}

func (p *Parser) finishIndex(arr ast.Expr) ast.Expr {
	line := p.peek().Line
	var indices []ast.Expr
	for p.match(lexer.TokenLBracket) {
		indices = append(indices, p.parseExpr())
		p.consume(lexer.TokenRBracket, "expected ']' after array index")
	}
	idx := &ast.Index{Array: arr, Indices: indices}
	idx.Line = line
	return idx
}

func (p *Parser) parsePrimary() ast.Expr {
	tok := p.peek()
	switch {
	case p.match(lexer.TokenInt):
		lit := &ast.IntLit{Value: parseIntLiteral(tok.Lexeme)}
		lit.Line = tok.Line
		return lit
	case p.match(lexer.TokenFrac):
		lit := &ast.FracLit{Value: parseFracLiteral(tok.Lexeme)}
		lit.Line = tok.Line
		return lit
	case p.match(lexer.TokenString):
		lit := &ast.TextLit{Value: tok.Lexeme}
		lit.Line = tok.Line
		return lit
	case p.match(lexer.TokenTrue):
		lit := &ast.BoolLit{Value: true}
		lit.Line = tok.Line
		return lit
	case p.match(lexer.TokenFalse):
		lit := &ast.BoolLit{Value: false}
		lit.Line = tok.Line
		return lit
	case p.match(lexer.TokenLBracket):
		return p.finishArrayLit(tok.Line)
	case p.match(lexer.TokenLParen):
		e := p.parseExpr()
		p.consume(lexer.TokenRParen, "expected ')' after expression")
		return e
	case p.match(lexer.TokenBackslash):
		return p.parseLambda(tok.Line)
	case p.match(lexer.TokenNew):
		return p.parseNew(tok.Line)
	case p.match(lexer.TokenIdent):
		ref := p.resolveVar(tok.Lexeme, tok.Line)
		v := &ast.Var{Ref: ref}
		v.Line = tok.Line
		return v
	}

	p.errorf(tok.Line, "unexpected token %q", tok.Lexeme)
	p.advance()
	u := &ast.UnitLit{}
	u.Line = tok.Line
	return u
}

func (p *Parser) finishArrayLit(line int) ast.Expr {
	var elems []ast.Expr
	if !p.check(lexer.TokenRBracket) {
		for {
			elems = append(elems, p.parseExpr())
			if !p.match(lexer.TokenComma) {
				break
			}
		}
	}
	p.consume(lexer.TokenRBracket, "expected ']' after array literal")
	lit := &ast.ArrayLit{Elements: elems}
	lit.Line = line
	return lit
}

// parseNew covers `new TypeName(args...)`. Whether TypeName is a
// struct or a union variant (and, if a variant, its tag) is resolved
// later by the checker, which owns the struct/union declaration
// tables; the parser only needs to record the name and argument list.
func (p *Parser) parseNew(line int) ast.Expr {
	name := p.consume(lexer.TokenIdent, "expected type name after 'new'")
	p.consume(lexer.TokenLParen, "expected '(' after type name")
	var args []ast.Expr
	if !p.check(lexer.TokenRParen) {
		for {
			args = append(args, p.parseExpr())
			if !p.match(lexer.TokenComma) {
				break
			}
		}
	}
	p.consume(lexer.TokenRParen, "expected ')' after constructor arguments")
	n := &ast.New{TypeName: name.Lexeme, Args: args}
	n.Line = line
	return n
}

// parseLambda covers `\(var a: Int, ...): RetType { body }`. Each
// parameter pushes onto a fresh frame before the body is parsed, so
// free-variable references inside resolve as captures from the
// enclosing frame (see resolveInFrame in scope.go) rather than
// escaping to the global table by mistake.
func (p *Parser) parseLambda(line int) ast.Expr {
	p.consume(lexer.TokenLParen, "expected '(' after '\\'")
	var paramNames []string
	var paramTypes []*types.Type
	if !p.check(lexer.TokenRParen) {
		for {
			if !p.match(lexer.TokenVar, lexer.TokenFixed) {
				p.errorf(p.peek().Line, "expected 'var' or 'fixed' before parameter name")
			}
			nameTok := p.consume(lexer.TokenIdent, "expected parameter name")
			p.consume(lexer.TokenColon, "expected ':' after parameter name")
			pt := p.parseType()
			paramNames = append(paramNames, nameTok.Lexeme)
			paramTypes = append(paramTypes, pt)
			if !p.match(lexer.TokenComma) {
				break
			}
		}
	}
	p.consume(lexer.TokenRParen, "expected ')' after parameter list")

	var retType *types.Type
	if p.match(lexer.TokenColon) {
		retType = p.parseType()
	}

	f := newFrame()
	p.frames = append(p.frames, f)
	for _, name := range paramNames {
		f.declareLocal(name)
	}

	p.consume(lexer.TokenLBrace, "expected '{' to start function body")
	var body []ast.Stmt
	for !p.check(lexer.TokenRBrace) && !p.isAtEnd() {
		body = append(body, p.parseStmt(false))
	}
	p.consume(lexer.TokenRBrace, "expected '}' to close function body")
	localCount := f.popScope()
	captures := f.captures
	p.frames = p.frames[:len(p.frames)-1]

	lam := &ast.Lambda{
		Params:        paramNames,
		ParamTypes:    paramTypes,
		ReturnType:    retType,
		Body:          body,
		Captures:      captures,
		LocalCount:    localCount,
		AlwaysReturns: stmtsAlwaysReturn(body),
	}
	lam.Line = line
	return lam
}

func binOp(left ast.Expr, op string, right ast.Expr, line int) ast.Expr {
	b := &ast.BinaryOp{Op: op, Left: left, Right: right}
	b.Line = line
	return b
}

// parseIntLiteral/parseFracLiteral trust the lexer's classification:
// a TokenInt/TokenFrac lexeme is always well-formed digits (optionally
// with one '.'), so a parse failure here would mean the scanner itself
// is broken, not bad input.
func parseIntLiteral(lexeme string) int64 {
	v, _ := strconv.ParseInt(lexeme, 10, 64)
	return v
}

func parseFracLiteral(lexeme string) float64 {
	v, _ := strconv.ParseFloat(lexeme, 64)
	return v
}
