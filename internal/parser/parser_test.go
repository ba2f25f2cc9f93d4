package parser

import (
	"testing"

	"midori/internal/ast"
	"midori/internal/lexer"
	"midori/internal/types"
)

func parseString(src string) (*ast.Program, error) {
	scanner := lexer.NewScanner(src)
	tokens, lexErrs := scanner.ScanTokens()
	if len(lexErrs) > 0 {
		return nil, &lexParseErr{lexErrs}
	}
	p := New(tokens, types.NewTable())
	return p.Parse()
}

type lexParseErr struct{ errs []string }

func (e *lexParseErr) Error() string {
	s := ""
	for i, m := range e.errs {
		if i > 0 {
			s += "; "
		}
		s += m
	}
	return s
}

func assertParseOK(t *testing.T, src string) *ast.Program {
	t.Helper()
	prog, err := parseString(src)
	if err != nil {
		t.Fatalf("unexpected parse error: %v", err)
	}
	return prog
}

func assertParseErr(t *testing.T, src string) {
	t.Helper()
	_, err := parseString(src)
	if err == nil {
		t.Fatalf("expected a parse error, got none")
	}
}

func TestTopLevelDefine(t *testing.T) {
	prog := assertParseOK(t, `fixed x: Int = 5;`)
	if len(prog.Statements) != 1 {
		t.Fatalf("expected 1 statement, got %d", len(prog.Statements))
	}
	def, ok := prog.Statements[0].(*ast.Define)
	if !ok {
		t.Fatalf("expected *ast.Define, got %T", prog.Statements[0])
	}
	if def.Name != "x" {
		t.Errorf("expected name x, got %s", def.Name)
	}
	if lit, ok := def.Init.(*ast.IntLit); !ok || lit.Value != 5 {
		t.Errorf("expected IntLit(5) init, got %#v", def.Init)
	}
}

func TestForwardGlobalReference(t *testing.T) {
	// helper references later before later's Define is parsed.
	src := `
	fixed helper: ()->Int = \(): Int { return later(); };
	fixed later: ()->Int = \(): Int { return 1; };
	`
	prog := assertParseOK(t, src)
	if len(prog.Statements) != 2 {
		t.Fatalf("expected 2 statements, got %d", len(prog.Statements))
	}
}

func TestSelfRecursiveLambda(t *testing.T) {
	src := `fixed fact: (Int)->Int = \(var n: Int): Int {
		if (n <= 1) { return 1; }
		return n * fact(n - 1);
	};`
	assertParseOK(t, src)
}

func TestArrayLiteralAndIndex(t *testing.T) {
	prog := assertParseOK(t, `fixed xs: Array<Int> = [1, 2, 3];`)
	def := prog.Statements[0].(*ast.Define)
	lit, ok := def.Init.(*ast.ArrayLit)
	if !ok {
		t.Fatalf("expected ArrayLit, got %T", def.Init)
	}
	if len(lit.Elements) != 3 {
		t.Errorf("expected 3 elements, got %d", len(lit.Elements))
	}
}

func TestMultiIndexCollapsesToOneNode(t *testing.T) {
	src := `
	fixed grid: Array<Array<Int>> = [[1,2],[3,4]];
	var y: Int = grid[0][1];
	`
	prog := assertParseOK(t, src)
	def := prog.Statements[1].(*ast.Define)
	idx, ok := def.Init.(*ast.Index)
	if !ok {
		t.Fatalf("expected Index, got %T", def.Init)
	}
	if len(idx.Indices) != 2 {
		t.Errorf("expected 2 collapsed indices, got %d", len(idx.Indices))
	}
}

func TestLambdaCapturesOuterLocal(t *testing.T) {
	src := `
	fixed makeAdder: (Int)->(Int)->Int = \(var base: Int): (Int)->Int {
		return \(var x: Int): Int { return x + base; };
	};
	`
	assertParseOK(t, src)
}

func TestIfElseIfChain(t *testing.T) {
	src := `
	fixed classify: (Int)->Int = \(var n: Int): Int {
		if (n < 0) {
			return 0;
		} else if (n == 0) {
			return 1;
		} else {
			return 2;
		}
	};
	`
	assertParseOK(t, src)
}

func TestForLoop(t *testing.T) {
	src := `
	fixed sum: ()->Int = \(): Int {
		var total: Int = 0;
		for (var i: Int = 0; i < 10; i = i + 1) {
			total = total + i;
		}
		return total;
	};
	`
	assertParseOK(t, src)
}

func TestStructDeclAndNew(t *testing.T) {
	src := `
	struct Point { x: Int, y: Int }
	fixed origin: Point = new Point(0, 0);
	`
	assertParseOK(t, src)
}

func TestRecursiveStructRejected(t *testing.T) {
	// Node referencing itself before its own declaration finishes
	// can't resolve: declare-before-use rejects the recursive field.
	src := `struct Node { next: Node }`
	assertParseErr(t, src)
}

func TestUnionAndSwitch(t *testing.T) {
	src := `
	union Option { None, Some(Int) }
	fixed unwrap: (Option)->Int = \(var o: Option): Int {
		switch (o) {
		case Some(var n):
			return n;
		default:
			return 0;
		}
	};
	`
	assertParseOK(t, src)
}

func TestForeignDeclaration(t *testing.T) {
	prog := assertParseOK(t, `foreign print_line(Text): Unit;`)
	_, ok := prog.Statements[0].(*ast.Foreign)
	if !ok {
		t.Fatalf("expected *ast.Foreign, got %T", prog.Statements[0])
	}
}

func TestArrayStarAmbiguityParsesAsBinaryOp(t *testing.T) {
	// Array<T> * Int and Int * Int look identical to the parser; only
	// the checker can tell them apart once operand types are known.
	prog := assertParseOK(t, `fixed doubled: Array<Int> = [1,2] * 2;`)
	def := prog.Statements[0].(*ast.Define)
	bin, ok := def.Init.(*ast.BinaryOp)
	if !ok || bin.Op != "*" {
		t.Fatalf("expected BinaryOp(*), got %#v", def.Init)
	}
}

func TestAssignmentTargets(t *testing.T) {
	src := `
	struct Box { v: Int }
	fixed mutate: (Box, Array<Int>)->Unit = \(var b: Box, var xs: Array<Int>): Unit {
		b.v = 1;
		xs[0] = 2;
	};
	`
	assertParseOK(t, src)
}

func TestMissingSemicolonIsError(t *testing.T) {
	assertParseErr(t, `fixed x: Int = 5`)
}
