package compiler

import (
	"midori/internal/ast"
	"midori/internal/bytecode"
)

// emitTopLevel compiles one of Program's direct statements. It exists
// separately from emitStmt because top-level `Define`s are globals,
// not stack locals: every other Procedure a later `new`/call/closure
// capture runs in needs to reach them by name through OpGetGlobal
// rather than through a frame-relative stack slot that only exists
// while procedure 0 is on the call stack.
//
// Adapted from the teacher's two-pass HoistingCompiler
// (internal/compiler/hoisting_compiler.go), which pre-compiled every
// top-level function into a global before the main pass so forward
// references and mutual recursion resolved. Midori needs no such
// pre-pass: the parser assigns every global's dense slot up front (so
// a forward VarGlobal reference already has a valid index to read),
// and a top-level function value is only ever invoked after the
// script has run past its own Define — by the time any call reaches
// into a closure body, every global the body's free variables depend
// on has already been assigned. One compilation pass over
// Program.Statements in source order is enough.
func (c *Compiler) emitTopLevel(s ast.Stmt) {
	switch st := s.(type) {
	case *ast.Define:
		line := st.Pos()
		c.emitExpr(st.Init)
		// The parser assigns every VarGlobal reference's Index by
		// walking Program.Statements in the same left-to-right order
		// used here, so re-deriving the slot through AddGlobal
		// (rather than trusting st.LocalSlot, which is only
		// meaningful for a function-local Define) always agrees with
		// those already-resolved references.
		slot := c.exe.AddGlobal(st.Name)
		c.emit(bytecode.OpDefineGlobal, line)
		c.emitByte(byte(slot), line)

	case *ast.Foreign:
		// A foreign decl has no initializer to compile: there's no
		// expression that produces a ForeignFunction handle, only a
		// symbol name to bind. So its global slot carries no DEFINE_GLOBAL
		// bytecode at all; the VM pre-populates it at startup (see
		// vm.New) from exe.ForeignGlobals, the same way exe.Globals
		// records every slot's name.
		slot := c.exe.AddGlobal(st.Name)
		c.exe.ForeignGlobals = append(c.exe.ForeignGlobals, slot)

	default:
		c.emitStmt(s)
	}
}
