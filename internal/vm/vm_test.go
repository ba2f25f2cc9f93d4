package vm

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"

	"midori/internal/bytecode"
	"midori/internal/checker"
	"midori/internal/compiler"
	"midori/internal/lexer"
	"midori/internal/parser"
	"midori/internal/types"
)

// run compiles and executes src end to end, returning whatever the
// program printed through the Print prelude function.
func run(t *testing.T, src string) string {
	t.Helper()
	scanner := lexer.NewScanner(src)
	tokens, lexErrs := scanner.ScanTokens()
	if len(lexErrs) > 0 {
		t.Fatalf("lex error: %v", lexErrs)
	}
	table := types.NewTable()
	prog, err := parser.New(tokens, table).Parse()
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if err := checker.New(table).Check(prog); err != nil {
		t.Fatalf("check error: %v", err)
	}
	exe, err := compiler.New(table).Compile(prog)
	if err != nil {
		t.Fatalf("compile error: %v", err)
	}
	var out bytes.Buffer
	v := New(exe, WithOutput(&out))
	defer v.Shutdown()
	if err := v.Run(); err != nil {
		t.Fatalf("runtime error: %v", err)
	}
	return out.String()
}

func TestEndToEndArithmeticAndPrint(t *testing.T) {
	src := `
	foreign Print(Text): Unit;
	fixed x: Int = 2 + 3 * 4;
	Print("ok");
	`
	out := run(t, src)
	assert.Equal(t, "ok", out)
}

func TestEndToEndRecursiveLambda(t *testing.T) {
	src := `
	foreign Print(Text): Unit;
	fixed fact: (Int)->Int = \(var n: Int): Int {
		if (n <= 1) { return 1; }
		return n * fact(n - 1);
	};
	if (fact(5) == 120) { Print("match"); }
	`
	out := run(t, src)
	assert.Equal(t, "match", out)
}

func TestEndToEndStructAndArray(t *testing.T) {
	src := `
	foreign Print(Text): Unit;
	struct Point { x: Int, y: Int }
	fixed pts: Array<Int> = [1, 2, 3];
	fixed p: Point = new Point(pts[0], pts[2]);
	if (p.x + p.y == 4) { Print("sum4"); }
	`
	out := run(t, src)
	assert.Equal(t, "sum4", out)
}

func TestDivisionByZeroIsFatal(t *testing.T) {
	src := `
	fixed z: Int = 0;
	fixed x: Int = 1 / z;
	`
	tokens, lexErrs := lexer.NewScanner(src).ScanTokens()
	assert.Empty(t, lexErrs)

	table := types.NewTable()
	prog, err := parser.New(tokens, table).Parse()
	assert.NoError(t, err)
	assert.NoError(t, checker.New(table).Check(prog))
	exe, err := compiler.New(table).Compile(prog)
	assert.NoError(t, err)

	v := New(exe)
	defer v.Shutdown()
	err = v.Run()
	assert.Error(t, err)
}

// TestGlobalHandoff exercises the cross-line global-by-name transfer
// internal/repl relies on: compile and run one line, snapshot its
// globals, seed them into a second VM over a second compiled line.
func TestGlobalHandoff(t *testing.T) {
	table := types.NewTable()

	tokens1, _ := lexer.NewScanner(`fixed a: Int = 41;`).ScanTokens()
	prog1, err := parser.New(tokens1, table).Parse()
	assert.NoError(t, err)
	assert.NoError(t, checker.New(table).Check(prog1))
	exe1, err := compiler.New(table).Compile(prog1)
	assert.NoError(t, err)
	v1 := New(exe1)
	assert.NoError(t, v1.Run())
	a, ok := v1.Global("a")
	assert.True(t, ok)
	v1.Shutdown()

	src2 := `foreign Print(Text): Unit; fixed a: Int = 41; if (a + 1 == 42) { Print("yes"); }`
	tokens2, _ := lexer.NewScanner(src2).ScanTokens()
	var out bytes.Buffer
	table2 := types.NewTable()
	prog2, err := parser.New(tokens2, table2).Parse()
	assert.NoError(t, err)
	assert.NoError(t, checker.New(table2).Check(prog2))
	exe2, err := compiler.New(table2).Compile(prog2)
	assert.NoError(t, err)
	v2 := New(exe2, WithOutput(&out))
	defer v2.Shutdown()
	ok = v2.SetGlobal("a", a)
	assert.True(t, ok)
	assert.NoError(t, v2.Run())
	assert.Equal(t, "yes", out.String())
}

func TestOpNameCoversEveryWrittenOpcode(t *testing.T) {
	// A disasm sanity check that belongs next to the VM it
	// instruments: every opcode the compiler can emit must have a
	// mnemonic, or --disasm prints UNKNOWN mid-listing.
	for op := bytecode.OpCode(0); op < bytecode.OpHalt; op++ {
		if name := bytecode.Name(op); name == "UNKNOWN" {
			t.Errorf("opcode %d has no mnemonic", op)
		}
	}
}
