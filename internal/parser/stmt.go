package parser

import (
	"midori/internal/ast"
	"midori/internal/lexer"
	"midori/internal/types"
)

// topLevelDecl parses one direct statement of the program. It exists
// only to give Parse's loop a named entry point distinct from the
// ordinary (possibly nested) parseStmt.
func (p *Parser) topLevelDecl() ast.Stmt {
	return p.parseStmt(true)
}

// parseStmt parses one statement. topLevel is true only for a
// statement reached directly from Parse's loop: a Define/Foreign
// there binds a global (already slotted by scanTopLevelNames), while
// every nested occurrence — inside a block, if/while/for body, switch
// case, or lambda — binds a frame-local stack slot instead.
func (p *Parser) parseStmt(topLevel bool) ast.Stmt {
	errsBefore := len(p.errs)
	s := p.parseStmtInner(topLevel)
	if len(p.errs) > errsBefore {
		p.synchronize()
	}
	return s
}

func (p *Parser) parseStmtInner(topLevel bool) ast.Stmt {
	switch {
	case p.check(lexer.TokenFixed), p.check(lexer.TokenVar):
		return p.parseDefine(topLevel)
	case p.check(lexer.TokenIf):
		return p.parseIf()
	case p.check(lexer.TokenWhile):
		return p.parseWhile()
	case p.check(lexer.TokenFor):
		return p.parseFor()
	case p.check(lexer.TokenReturn):
		return p.parseReturn()
	case p.check(lexer.TokenBreak):
		return p.parseBreak()
	case p.check(lexer.TokenContinue):
		return p.parseContinue()
	case p.check(lexer.TokenStruct):
		return p.parseStructDecl()
	case p.check(lexer.TokenUnion):
		return p.parseUnionDecl()
	case p.check(lexer.TokenForeign):
		return p.parseForeign(topLevel)
	case p.check(lexer.TokenSwitch):
		return p.parseSwitch()
	case p.check(lexer.TokenLBrace):
		return p.parseBlockStmt()
	default:
		return p.parseExprStmt()
	}
}

func (p *Parser) parseExprStmt() ast.Stmt {
	e := p.parseExpr()
	line := e.Pos()
	p.consume(lexer.TokenSemicolon, "expected ';' after expression")
	s := &ast.ExprStmt{Expr: e}
	s.Line = line
	return s
}

// parseDefine covers `(fixed|var) name [: Type] = expr;`. The bound
// name is declared — as a global (topLevel) or a frame-local slot
// (nested) — before the initializer is parsed, so a lambda initializer
// can call itself recursively (spec.md §4.1); the checker independently
// enforces that only a lambda initializer may actually reference its
// own name, so a non-recursive, non-lambda self-reference still fails
// to type-check even though the parser resolves it.
func (p *Parser) parseDefine(topLevel bool) ast.Stmt {
	kw := p.advance() // 'fixed' or 'var'
	nameTok := p.consume(lexer.TokenIdent, "expected a name after "+string(kw.Type))
	name := nameTok.Lexeme

	var annotation *types.Type
	if p.match(lexer.TokenColon) {
		annotation = p.parseType()
	}

	localSlot := 0
	if topLevel {
		// Already reserved by scanTopLevelNames; nothing to declare.
	} else {
		localSlot = p.topFrame().declareLocal(name)
	}

	p.consume(lexer.TokenEqual, "expected '=' in definition of "+name)
	init := p.parseExpr()
	p.consume(lexer.TokenSemicolon, "expected ';' after definition")

	d := &ast.Define{Name: name, Annotation: annotation, Init: init, LocalSlot: localSlot}
	d.Line = kw.Line
	return d
}

func (p *Parser) parseIf() ast.Stmt {
	line := p.advance().Line // 'if'
	p.consume(lexer.TokenLParen, "expected '(' after 'if'")
	cond := p.parseExpr()
	p.consume(lexer.TokenRParen, "expected ')' after if condition")

	then, thenLocals := p.parseBlockBody()

	var elseBody []ast.Stmt
	elseLocals := 0
	if p.match(lexer.TokenElse) {
		if p.check(lexer.TokenIf) {
			elseBody = []ast.Stmt{p.parseIf()}
		} else {
			elseBody, elseLocals = p.parseBlockBody()
		}
	}

	st := &ast.If{Cond: cond, Then: then, Else: elseBody, ThenLocals: thenLocals, ElseLocals: elseLocals}
	st.Line = line
	return st
}

func (p *Parser) parseWhile() ast.Stmt {
	line := p.advance().Line // 'while'
	p.consume(lexer.TokenLParen, "expected '(' after 'while'")
	cond := p.parseExpr()
	p.consume(lexer.TokenRParen, "expected ')' after while condition")

	body, bodyLocals := p.parseBlockBody()

	st := &ast.While{Cond: cond, Body: body, BodyLocals: bodyLocals}
	st.Line = line
	return st
}

// parseFor covers `for (init; cond; post) { body }`, where init and
// post are each an optional Define or expression-statement and cond
// an optional expression. The whole header shares one outer scope
// (OuterLocals) enclosing the body's own scope (BodyLocals), matching
// the teacher's block-scope-per-iteration-header shape.
func (p *Parser) parseFor() ast.Stmt {
	line := p.advance().Line // 'for'
	p.consume(lexer.TokenLParen, "expected '(' after 'for'")

	p.topFrame().pushScope()

	var initStmt ast.Stmt
	if p.match(lexer.TokenSemicolon) {
		// empty init
	} else if p.check(lexer.TokenFixed) || p.check(lexer.TokenVar) {
		initStmt = p.parseDefine(false)
	} else {
		e := p.parseExpr()
		p.consume(lexer.TokenSemicolon, "expected ';' after for-loop initializer")
		es := &ast.ExprStmt{Expr: e}
		es.Line = e.Pos()
		initStmt = es
	}

	var cond ast.Expr
	if !p.check(lexer.TokenSemicolon) {
		cond = p.parseExpr()
	}
	p.consume(lexer.TokenSemicolon, "expected ';' after for-loop condition")

	var postStmt ast.Stmt
	if !p.check(lexer.TokenRParen) {
		e := p.parseExpr()
		es := &ast.ExprStmt{Expr: e}
		es.Line = e.Pos()
		postStmt = es
	}
	p.consume(lexer.TokenRParen, "expected ')' after for-loop post-statement")

	body, bodyLocals := p.parseBlockBody()

	outerLocals := p.topFrame().popScope()

	st := &ast.For{
		Init: initStmt, Cond: cond, Post: postStmt,
		Body: body, BodyLocals: bodyLocals, OuterLocals: outerLocals,
	}
	st.Line = line
	return st
}

func (p *Parser) parseReturn() ast.Stmt {
	line := p.advance().Line // 'return'
	var value ast.Expr
	if !p.check(lexer.TokenSemicolon) {
		value = p.parseExpr()
	}
	p.consume(lexer.TokenSemicolon, "expected ';' after return")
	st := &ast.Return{Value: value}
	st.Line = line
	return st
}

func (p *Parser) parseBreak() ast.Stmt {
	line := p.advance().Line
	p.consume(lexer.TokenSemicolon, "expected ';' after 'break'")
	st := &ast.Break{}
	st.Line = line
	return st
}

func (p *Parser) parseContinue() ast.Stmt {
	line := p.advance().Line
	p.consume(lexer.TokenSemicolon, "expected ';' after 'continue'")
	st := &ast.Continue{}
	st.Line = line
	return st
}

// parseStructDecl covers `struct Name { field: Type, ... }`. The
// struct type is interned in p.table and registered in p.typesByName
// (so later type annotations can reference it) the moment its fields
// finish parsing — not before,
// which is what makes a field referring to its own not-yet-registered
// name fail to resolve (spec.md §9 Open Question 3).
func (p *Parser) parseStructDecl() ast.Stmt {
	line := p.advance().Line // 'struct'
	nameTok := p.consume(lexer.TokenIdent, "expected struct name")
	p.consume(lexer.TokenLBrace, "expected '{' after struct name")

	var fields []types.Field
	if !p.check(lexer.TokenRBrace) {
		for {
			fname := p.consume(lexer.TokenIdent, "expected field name")
			p.consume(lexer.TokenColon, "expected ':' after field name")
			ft := p.parseType()
			fields = append(fields, types.Field{Name: fname.Lexeme, Type: ft})
			if !p.match(lexer.TokenComma) {
				break
			}
			if p.check(lexer.TokenRBrace) {
				break
			}
		}
	}
	p.consume(lexer.TokenRBrace, "expected '}' to close struct body")

	st := p.table.Struct(nameTok.Lexeme, fields)
	p.typesByName[nameTok.Lexeme] = st

	decl := &ast.StructDecl{Name: nameTok.Lexeme, Fields: fields}
	decl.Line = line
	return decl
}

// parseUnionDecl covers `union Name { Variant1, Variant2(T1,T2), ... }`.
func (p *Parser) parseUnionDecl() ast.Stmt {
	line := p.advance().Line // 'union'
	nameTok := p.consume(lexer.TokenIdent, "expected union name")
	p.consume(lexer.TokenLBrace, "expected '{' after union name")

	var variants []types.Variant
	if !p.check(lexer.TokenRBrace) {
		tag := 0
		for {
			vname := p.consume(lexer.TokenIdent, "expected variant name")
			var fieldTypes []*types.Type
			if p.match(lexer.TokenLParen) {
				if !p.check(lexer.TokenRParen) {
					for {
						fieldTypes = append(fieldTypes, p.parseType())
						if !p.match(lexer.TokenComma) {
							break
						}
					}
				}
				p.consume(lexer.TokenRParen, "expected ')' after variant fields")
			}
			variants = append(variants, types.Variant{Tag: tag, Name: vname.Lexeme, Fields: fieldTypes})
			tag++
			if !p.match(lexer.TokenComma) {
				break
			}
			if p.check(lexer.TokenRBrace) {
				break
			}
		}
	}
	p.consume(lexer.TokenRBrace, "expected '}' to close union body")

	ut := p.table.Union(nameTok.Lexeme, variants)
	p.typesByName[nameTok.Lexeme] = ut

	decl := &ast.UnionDecl{Name: nameTok.Lexeme, Variants: variants}
	decl.Line = line
	return decl
}

// parseForeign covers `foreign name(T1, T2): R;`, binding name to a
// function type flagged foreign. Only meaningful at top level, where
// scanTopLevelNames gives the name a global slot; a nested foreign
// declaration is reported here as a parse error.
func (p *Parser) parseForeign(topLevel bool) ast.Stmt {
	line := p.advance().Line // 'foreign'
	nameTok := p.consume(lexer.TokenIdent, "expected a name after 'foreign'")
	p.consume(lexer.TokenLParen, "expected '(' after foreign name")

	var paramTypes []*types.Type
	if !p.check(lexer.TokenRParen) {
		for {
			paramTypes = append(paramTypes, p.parseType())
			if !p.match(lexer.TokenComma) {
				break
			}
		}
	}
	p.consume(lexer.TokenRParen, "expected ')' after foreign parameter types")
	p.consume(lexer.TokenColon, "expected ':' before foreign return type")
	retType := p.parseType()
	p.consume(lexer.TokenSemicolon, "expected ';' after foreign declaration")

	if !topLevel {
		p.errorf(line, "foreign declarations are only allowed at the top level")
	}

	st := &ast.Foreign{Name: nameTok.Lexeme, ParamTypes: paramTypes, ReturnType: retType}
	st.Line = line
	return st
}

// parseSwitch covers `switch (scrutinee) { case V(var a, ...): ...;
// case W: ...; default: ...; }`. Tag resolution is the checker's job
// (it owns the variant table); the parser only records the variant
// name, binding names, and the statements up to the next case/
// default/closing brace.
func (p *Parser) parseSwitch() ast.Stmt {
	line := p.advance().Line // 'switch'
	p.consume(lexer.TokenLParen, "expected '(' after 'switch'")
	scrutinee := p.parseExpr()
	p.consume(lexer.TokenRParen, "expected ')' after switch scrutinee")
	p.consume(lexer.TokenLBrace, "expected '{' to start switch body")

	var cases []ast.SwitchCase
	var defaultBody []ast.Stmt
	defaultLocals := 0
	hasDefault := false

	for p.check(lexer.TokenCase) {
		p.advance()
		vname := p.consume(lexer.TokenIdent, "expected variant name after 'case'")

		var bindings []string
		if p.match(lexer.TokenLParen) {
			if !p.check(lexer.TokenRParen) {
				for {
					p.match(lexer.TokenVar, lexer.TokenFixed)
					bname := p.consume(lexer.TokenIdent, "expected binding name")
					bindings = append(bindings, bname.Lexeme)
					if !p.match(lexer.TokenComma) {
						break
					}
				}
			}
			p.consume(lexer.TokenRParen, "expected ')' after case bindings")
		}
		p.consume(lexer.TokenColon, "expected ':' after case pattern")

		p.topFrame().pushScope()
		var bindingSlots []int
		for _, b := range bindings {
			bindingSlots = append(bindingSlots, p.topFrame().declareLocal(b))
		}
		var body []ast.Stmt
		for !p.check(lexer.TokenCase) && !p.check(lexer.TokenDefault) && !p.check(lexer.TokenRBrace) && !p.isAtEnd() {
			body = append(body, p.parseStmt(false))
		}
		bodyLocals := p.topFrame().popScope()

		cases = append(cases, ast.SwitchCase{
			VariantName:  vname.Lexeme,
			Bindings:     bindings,
			BindingSlots: bindingSlots,
			Body:         body,
			BodyLocals:   bodyLocals,
		})
	}

	if p.match(lexer.TokenDefault) {
		hasDefault = true
		p.consume(lexer.TokenColon, "expected ':' after 'default'")
		p.topFrame().pushScope()
		for !p.check(lexer.TokenRBrace) && !p.isAtEnd() {
			defaultBody = append(defaultBody, p.parseStmt(false))
		}
		defaultLocals = p.topFrame().popScope()
	}

	p.consume(lexer.TokenRBrace, "expected '}' to close switch body")

	st := &ast.Switch{
		Scrutinee: scrutinee, Cases: cases, Default: defaultBody,
		DefaultLocals: defaultLocals, HasDefault: hasDefault,
	}
	st.Line = line
	return st
}

func (p *Parser) parseBlockStmt() ast.Stmt {
	line := p.peek().Line
	body, localCount := p.parseBlockBody()
	st := &ast.Block{Body: body, LocalCount: localCount}
	st.Line = line
	return st
}

// parseBlockBody parses a brace-delimited statement list as one new
// block scope of the current frame, returning the statements and how
// many locals the block declared directly (for ThenLocals/BodyLocals/
// LocalCount/etc).
func (p *Parser) parseBlockBody() ([]ast.Stmt, int) {
	p.consume(lexer.TokenLBrace, "expected '{'")
	p.topFrame().pushScope()
	var stmts []ast.Stmt
	for !p.check(lexer.TokenRBrace) && !p.isAtEnd() {
		stmts = append(stmts, p.parseStmt(false))
	}
	p.consume(lexer.TokenRBrace, "expected '}'")
	n := p.topFrame().popScope()
	return stmts, n
}

// stmtsAlwaysReturn reports whether executing stmts in order is
// guaranteed to hit a return statement, used to satisfy spec.md
// §4.1's "every path returns a value" rule for a non-Unit function.
func stmtsAlwaysReturn(stmts []ast.Stmt) bool {
	for _, s := range stmts {
		if stmtAlwaysReturns(s) {
			return true
		}
	}
	return false
}

func stmtAlwaysReturns(s ast.Stmt) bool {
	switch st := s.(type) {
	case *ast.Return:
		return true
	case *ast.If:
		if len(st.Else) == 0 {
			return false
		}
		return stmtsAlwaysReturn(st.Then) && stmtsAlwaysReturn(st.Else)
	case *ast.Switch:
		if !st.HasDefault {
			return false
		}
		for i := range st.Cases {
			if !stmtsAlwaysReturn(st.Cases[i].Body) {
				return false
			}
		}
		return stmtsAlwaysReturn(st.Default)
	case *ast.Block:
		return stmtsAlwaysReturn(st.Body)
	default:
		return false
	}
}
