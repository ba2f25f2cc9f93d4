package parser

import (
	"midori/internal/lexer"
	"midori/internal/types"
)

// builtinTypeNames are not lexer keywords — they lex as plain
// TokenIdent like any other identifier — so they're recognized here
// by comparing Lexeme, not by a dedicated token kind.
var builtinTypeNames = map[string]func(*types.Table) *types.Type{
	"Int":  func(t *types.Table) *types.Type { return t.Int },
	"Frac": func(t *types.Table) *types.Type { return t.Frac },
	"Text": func(t *types.Table) *types.Type { return t.Text },
	"Bool": func(t *types.Table) *types.Type { return t.Bool },
	"Unit": func(t *types.Table) *types.Type { return t.Unit },
}

// parseType parses a type annotation: an atomic name, `Array<T>`, a
// function type `(T1,T2)->R`, or a previously-declared struct/union
// name. Struct and union names must already be registered in
// p.typesByName — declare-before-use, so a struct field or parameter
// referencing its own not-yet-finished type simply fails to resolve,
// which is how recursive struct definitions end up rejected (spec.md
// §9 Open Question 3) without any special-case check.
func (p *Parser) parseType() *types.Type {
	line := p.peek().Line

	if p.check(lexer.TokenLParen) {
		return p.parseFunctionType()
	}

	if p.check(lexer.TokenIdent) {
		name := p.peek().Lexeme

		if name == "Array" {
			p.advance()
			p.consume(lexer.TokenLT, "expected '<' after Array")
			elem := p.parseType()
			if p.check(lexer.TokenShr) {
				// `>>` closes two nested Array<...> at once: take one
				// `>` and leave the other for the enclosing Array.
				p.tokens[p.current].Type = lexer.TokenGT
				p.tokens[p.current].Lexeme = ">"
			} else {
				p.consume(lexer.TokenGT, "expected '>' to close Array<...>")
			}
			return p.table.Array(elem)
		}

		if ctor, ok := builtinTypeNames[name]; ok {
			p.advance()
			return ctor(p.table)
		}

		p.advance()
		if t, ok := p.typesByName[name]; ok {
			return t
		}
		p.errorf(line, "undefined type %q", name)
		return p.table.Unit
	}

	p.errorf(line, "expected a type")
	return p.table.Unit
}

// parseFunctionType parses `(T1,T2)->R`, the annotation form of a
// non-foreign Function type; foreign-ness is only ever attached by a
// `foreign` declaration itself, never by an inline annotation.
func (p *Parser) parseFunctionType() *types.Type {
	p.consume(lexer.TokenLParen, "expected '(' in function type")
	var params []*types.Type
	if !p.check(lexer.TokenRParen) {
		for {
			params = append(params, p.parseType())
			if !p.match(lexer.TokenComma) {
				break
			}
		}
	}
	p.consume(lexer.TokenRParen, "expected ')' in function type")
	p.consume(lexer.TokenArrow, "expected '->' in function type")
	result := p.parseType()
	return p.table.Function(params, result, false)
}
