// Package disasm prints a human-readable listing of a compiled
// Executable: one line per instruction, offset/opcode/operand/source
// line. It is a debugging aid (SPEC_FULL.md §12), not part of the
// four core subsystems — it carries no type-checking or codegen
// responsibility and the VM never imports it.
//
// Adapted from the teacher's internal/formatter.Formatter: same
// "struct wrapping a strings.Builder, one Format entry point" shape,
// retargeted from pretty-printing parsed source back to printing
// compiled bytecode.
package disasm

import (
	"fmt"
	"strings"

	"midori/internal/bytecode"
)

// Disassembler renders one Executable's procedures to text.
type Disassembler struct {
	out strings.Builder
}

// New returns a ready Disassembler.
func New() *Disassembler {
	return &Disassembler{}
}

// Format renders every procedure in exe, in index order.
func (d *Disassembler) Format(exe *bytecode.Executable) string {
	d.out.Reset()
	if exe.BuildID != "" {
		fmt.Fprintf(&d.out, "; build %s\n", exe.BuildID)
	}
	for i, proc := range exe.Procedures {
		d.formatProcedure(i, proc)
	}
	return d.out.String()
}

func (d *Disassembler) formatProcedure(index int, proc *bytecode.Procedure) {
	fmt.Fprintf(&d.out, "== %02d: %s (arity %d) ==\n", index, proc.Name, proc.ParamCount)
	offset := 0
	for offset < len(proc.Code) {
		offset = d.formatInstruction(proc, offset)
	}
}

// formatInstruction renders the instruction at offset and returns the
// offset of the next one.
func (d *Disassembler) formatInstruction(proc *bytecode.Procedure, offset int) int {
	op := bytecode.OpCode(proc.Code[offset])
	width := bytecode.OperandWidth(op)
	line := proc.LineFor(offset)

	fmt.Fprintf(&d.out, "%04d  L%-4d  %-18s", offset, line, bytecode.Name(op))
	operand := proc.Code[offset+1 : offset+1+width]
	switch width {
	case 0:
		// no operand
	case 8:
		var u uint64
		for _, b := range operand {
			u = u<<8 | uint64(b)
		}
		fmt.Fprintf(&d.out, " %d", int64(u))
	default:
		var u int
		for _, b := range operand {
			u = u<<8 | int(b)
		}
		fmt.Fprintf(&d.out, " %d", u)
	}
	d.out.WriteByte('\n')
	next := offset + 1 + width
	if op == bytecode.OpConstructClosure {
		// The capture count is followed by a (source, index)
		// descriptor byte pair per capture.
		next += 2 * int(operand[0])
	}
	return next
}

// FormatConstants renders exe's constant pool. Format does not include
// it, and neither `--disasm` nor the REPL's `:disasm` calls it.
func (d *Disassembler) FormatConstants(exe *bytecode.Executable) string {
	var b strings.Builder
	b.WriteString("; constants\n")
	for i, c := range exe.Constants {
		fmt.Fprintf(&b, "%04d  %#v\n", i, c)
	}
	return b.String()
}
