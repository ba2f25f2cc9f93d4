// Package repl implements Midori's interactive loop: read a
// statement, compile it against a table that persists across lines,
// run it on a fresh VM seeded with the previous line's global values,
// print diagnostics.
//
// Adapted from the teacher's internal/repl/repl.go: same
// bufio.Scanner-over-stdin read loop and `>>>` prompt shape. The
// teacher recompiled nothing between lines (one long-lived VM fed by
// one long-lived compiler, because its values were dynamically
// typed); Midori's Parser/Checker/Compiler are single-use, so each
// line gets its own Parser/Checker/Compiler sharing one types.Table,
// and its own VM seeded from the previous VM's globals by name
// (vm.SetGlobal/vm.Global) rather than one VM instance surviving
// recompilation. Each line's parser and checker resolve only the
// names that line itself declares, so a line cannot refer to a
// global, struct or union declared on an earlier line.
package repl

import (
	"bufio"
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"

	"midori/internal/checker"
	"midori/internal/compiler"
	"midori/internal/disasm"
	"midori/internal/lexer"
	"midori/internal/parser"
	"midori/internal/types"
	"midori/internal/vm"
)

const banner = "Midori REPL | type 'exit' to quit, ':disasm' to toggle listings"

// REPL is one interactive session: a persistent type table and a
// running snapshot of every global's last known value, carried
// forward across otherwise-independent per-line compiles.
type REPL struct {
	in     *bufio.Scanner
	out    io.Writer
	color  bool
	table  *types.Table
	values map[string]vm.Value
	disasm bool
}

// New returns a REPL reading from in and writing to out. color
// gates ANSI prompt/error coloring, normally isatty.IsTerminal(fd).
func New(in io.Reader, out io.Writer, color bool) *REPL {
	return &REPL{
		in:     bufio.NewScanner(in),
		out:    out,
		color:  color,
		table:  types.NewTable(),
		values: make(map[string]vm.Value),
	}
}

// Start runs the session against os.Stdin/os.Stdout, gating color on
// whether stdout is a terminal, matching the teacher's CLI convention
// of checking isatty before emitting escape codes.
func Start() {
	r := New(os.Stdin, os.Stdout, isatty.IsTerminal(os.Stdout.Fd()))
	r.Run()
}

func (r *REPL) prompt(s string) {
	if r.color {
		fmt.Fprintf(r.out, "\033[36m%s\033[0m", s)
		return
	}
	fmt.Fprint(r.out, s)
}

func (r *REPL) errorLine(format string, args ...interface{}) {
	if r.color {
		fmt.Fprintf(r.out, "\033[31m"+format+"\033[0m\n", args...)
		return
	}
	fmt.Fprintf(r.out, format+"\n", args...)
}

// Run drives the read-compile-run loop until EOF or `exit`.
func (r *REPL) Run() {
	fmt.Fprintln(r.out, banner)
	for {
		r.prompt(">>> ")
		if !r.in.Scan() {
			return
		}
		line := r.in.Text()
		switch line {
		case "":
			continue
		case "exit":
			return
		case ":disasm":
			r.disasm = !r.disasm
			fmt.Fprintf(r.out, "disassembly %s\n", onOff(r.disasm))
			continue
		}
		r.evalLine(line)
	}
}

func (r *REPL) evalLine(line string) {
	scanner := lexer.NewScanner(line)
	tokens, lexErrs := scanner.ScanTokens()
	if len(lexErrs) > 0 {
		for _, e := range lexErrs {
			r.errorLine("%s", e)
		}
		return
	}

	prog, err := parser.New(tokens, r.table).Parse()
	if err != nil {
		r.errorLine("%v", err)
		return
	}

	if err := checker.New(r.table).Check(prog); err != nil {
		r.errorLine("%v", err)
		return
	}

	exe, err := compiler.New(r.table).Compile(prog)
	if err != nil {
		r.errorLine("%v", err)
		return
	}

	if r.disasm {
		fmt.Fprint(r.out, disasm.New().Format(exe))
	}

	machine := vm.New(exe, vm.WithOutput(r.out))
	defer machine.Shutdown()
	for name, val := range r.values {
		machine.SetGlobal(name, val)
	}

	if err := machine.Run(); err != nil {
		r.errorLine("%v", err)
		return
	}

	for _, name := range machine.GlobalNames() {
		if val, ok := machine.Global(name); ok {
			r.values[name] = val
		}
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
