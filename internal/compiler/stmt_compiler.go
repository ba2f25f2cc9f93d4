package compiler

import (
	"midori/internal/ast"
	"midori/internal/bytecode"
)

// loopCtx tracks the patch lists and scope-depth boundary for one
// enclosing loop, so Break/Continue can emit a correctly-sized
// POP_SCOPE before jumping out of however many nested block scopes
// lie between the break/continue site and the loop itself.
type loopCtx struct {
	scopeMark       int // len(c.scopeSizes) at loop entry
	breakPatches    []int
	continuePatches []int
}

func (c *Compiler) pushLoop() *loopCtx {
	lc := &loopCtx{scopeMark: len(c.scopeSizes)}
	c.loops = append(c.loops, lc)
	return lc
}

func (c *Compiler) popLoop() {
	c.loops = c.loops[:len(c.loops)-1]
}

func (c *Compiler) currentLoop() *loopCtx {
	if len(c.loops) == 0 {
		return nil
	}
	return c.loops[len(c.loops)-1]
}

// pendingLocalsSince sums the scope sizes opened since mark, the
// count Break/Continue must POP_SCOPE before jumping.
func (c *Compiler) pendingLocalsSince(mark int) int {
	total := 0
	for _, n := range c.scopeSizes[mark:] {
		total += n
	}
	return total
}

func (c *Compiler) openScope(size int) {
	c.scopeSizes = append(c.scopeSizes, size)
}

// closeScope emits POP_SCOPE for the innermost open scope, if it
// declared any locals.
func (c *Compiler) closeScope(line int) {
	n := c.scopeSizes[len(c.scopeSizes)-1]
	c.scopeSizes = c.scopeSizes[:len(c.scopeSizes)-1]
	if n > 0 {
		c.emit(bytecode.OpPopScope, line)
		c.emitByte(byte(n), line)
	}
}

func (c *Compiler) emitStmt(s ast.Stmt) {
	line := s.Pos()
	switch st := s.(type) {
	case *ast.ExprStmt:
		c.emitExpr(st.Expr)
		c.emit(bytecode.OpPop, line)

	case *ast.Define:
		c.emitExpr(st.Init)

	case *ast.If:
		c.emitIf(st)

	case *ast.While:
		c.emitWhile(st)

	case *ast.For:
		c.emitFor(st)

	case *ast.Return:
		if st.Value != nil {
			c.emitExpr(st.Value)
		} else {
			c.emit(bytecode.OpUnit, line)
		}
		c.emit(bytecode.OpReturn, line)

	case *ast.StructDecl, *ast.UnionDecl:
		// Purely a checker-time declaration; nothing to emit. Struct
		// and union construction is emitted at each `new` call site.

	case *ast.Foreign:
		// Only ever reached as a top-level statement; emitTopLevel
		// intercepts it before falling through here to bind the
		// global slot. Nothing to do inside a Procedure body.

	case *ast.Switch:
		c.emitSwitch(st)

	case *ast.Block:
		c.openScope(st.LocalCount)
		for _, b := range st.Body {
			c.emitStmt(b)
		}
		c.closeScope(line)

	case *ast.Break:
		lc := c.currentLoop()
		if lc == nil {
			c.fail(line, "break outside of a loop")
			return
		}
		if n := c.pendingLocalsSince(lc.scopeMark); n > 0 {
			c.emit(bytecode.OpPopScope, line)
			c.emitByte(byte(n), line)
		}
		lc.breakPatches = append(lc.breakPatches, c.emitJump(bytecode.OpJump, line))

	case *ast.Continue:
		lc := c.currentLoop()
		if lc == nil {
			c.fail(line, "continue outside of a loop")
			return
		}
		if n := c.pendingLocalsSince(lc.scopeMark); n > 0 {
			c.emit(bytecode.OpPopScope, line)
			c.emitByte(byte(n), line)
		}
		lc.continuePatches = append(lc.continuePatches, c.emitJump(bytecode.OpJump, line))

	default:
		c.fail(line, "codegen: unhandled statement %T", s)
	}
}

// condEmission records how a boolean condition's branch-on-false was
// emitted, so the caller knows whether a Bool value is still sitting
// on the stack to be popped (the generic path, which peeks per
// spec.md §4.2) or whether a fused compare-and-branch instruction
// already consumed both operands directly.
type condEmission struct {
	offset int
	fused  bool
}

// fusedOpFor returns the IF_* opcode whose "falls through if the
// predicate holds" contract matches bo directly, skipping Bool
// materialization entirely.
func fusedOpFor(bo *ast.BinaryOp) (bytecode.OpCode, bool) {
	if bo.OperandKind == ast.OperandOther {
		return 0, false
	}
	isFrac := bo.OperandKind == ast.OperandFrac
	switch bo.Op {
	case "<":
		return pick(isFrac, bytecode.OpIfLtFraction, bytecode.OpIfLtInteger), true
	case "<=":
		return pick(isFrac, bytecode.OpIfLeFraction, bytecode.OpIfLeInteger), true
	case ">":
		return pick(isFrac, bytecode.OpIfGtFraction, bytecode.OpIfGtInteger), true
	case ">=":
		return pick(isFrac, bytecode.OpIfGeFraction, bytecode.OpIfGeInteger), true
	case "==":
		return pick(isFrac, bytecode.OpIfEqFraction, bytecode.OpIfEqInteger), true
	case "!=":
		return pick(isFrac, bytecode.OpIfNeFraction, bytecode.OpIfNeInteger), true
	default:
		return 0, false
	}
}

func (c *Compiler) emitBranchOnFalse(cond ast.Expr) condEmission {
	line := cond.Pos()
	if bo, ok := cond.(*ast.BinaryOp); ok {
		if op, ok2 := fusedOpFor(bo); ok2 {
			c.emitExpr(bo.Left)
			c.emitExpr(bo.Right)
			c.emit(op, line)
			off := len(c.top().proc.Code)
			c.emitU16(0, line)
			return condEmission{offset: off, fused: true}
		}
	}
	c.emitExpr(cond)
	return condEmission{offset: c.emitJump(bytecode.OpJumpIfFalse, line), fused: false}
}

func (c *Compiler) patchCond(ce condEmission) {
	c.top().proc.PatchJump(ce.offset, len(c.top().proc.Code))
}

func (c *Compiler) emitIf(st *ast.If) {
	line := st.Pos()
	ce := c.emitBranchOnFalse(st.Cond)
	if !ce.fused {
		c.emit(bytecode.OpPop, line) // discard the peeked `true`
	}

	c.openScope(st.ThenLocals)
	for _, s := range st.Then {
		c.emitStmt(s)
	}
	c.closeScope(line)

	if len(st.Else) > 0 {
		endJump := c.emitJump(bytecode.OpJump, line)
		c.patchCond(ce)
		if !ce.fused {
			c.emit(bytecode.OpPop, line) // discard the peeked `false`
		}
		c.openScope(st.ElseLocals)
		for _, s := range st.Else {
			c.emitStmt(s)
		}
		c.closeScope(line)
		c.patchJump(endJump)
	} else {
		c.patchCond(ce)
		if !ce.fused {
			c.emit(bytecode.OpPop, line)
		}
	}
}

func (c *Compiler) emitWhile(st *ast.While) {
	line := st.Pos()
	lc := c.pushLoop()
	loopStart := len(c.top().proc.Code)

	ce := c.emitBranchOnFalse(st.Cond)
	if !ce.fused {
		c.emit(bytecode.OpPop, line)
	}

	c.openScope(st.BodyLocals)
	for _, s := range st.Body {
		c.emitStmt(s)
	}
	c.closeScope(line)

	c.patchTo(lc.continuePatches, len(c.top().proc.Code))
	c.emitLoopBack(loopStart, line)

	c.patchCond(ce)
	if !ce.fused {
		c.emit(bytecode.OpPop, line)
	}
	c.patchTo(lc.breakPatches, len(c.top().proc.Code))
	c.popLoop()
}

func (c *Compiler) emitFor(st *ast.For) {
	line := st.Pos()
	c.openScope(st.OuterLocals)
	if st.Init != nil {
		c.emitStmt(st.Init)
	}

	lc := c.pushLoop()
	loopStart := len(c.top().proc.Code)

	var ce condEmission
	hasCond := st.Cond != nil
	if hasCond {
		ce = c.emitBranchOnFalse(st.Cond)
		if !ce.fused {
			c.emit(bytecode.OpPop, line)
		}
	}

	c.openScope(st.BodyLocals)
	for _, s := range st.Body {
		c.emitStmt(s)
	}
	c.closeScope(line)

	c.patchTo(lc.continuePatches, len(c.top().proc.Code))
	if st.Post != nil {
		c.emitStmt(st.Post)
	}
	c.emitLoopBack(loopStart, line)

	if hasCond {
		c.patchCond(ce)
		if !ce.fused {
			c.emit(bytecode.OpPop, line)
		}
	}
	c.patchTo(lc.breakPatches, len(c.top().proc.Code))
	c.popLoop()

	c.closeScope(line) // OuterLocals (the Init binding)
}

func (c *Compiler) patchTo(offsets []int, target int) {
	for _, off := range offsets {
		c.top().proc.PatchJump(off, target)
	}
}

func (c *Compiler) emitLoopBack(target int, line int) {
	c.emit(bytecode.OpJumpBack, line)
	off := (len(c.top().proc.Code) + 2) - target
	c.emitU16(off, line)
}

// emitSwitch lowers a Switch into a chain of DUP+LOAD_TAG+compare
// checks: the scrutinee union value is duplicated for each tag check,
// and the original is consumed exactly once on whichever path is
// finally taken. On a match the scrutinee sits in the first binding's
// slot (cs.BindingSlots[0]); it is widened to one slot per binding and
// each slot is overwritten with its payload field, the scrutinee's own
// slot last. A case without bindings pops it instead.
func (c *Compiler) emitSwitch(st *ast.Switch) {
	line := st.Pos()
	c.emitExpr(st.Scrutinee)

	var endJumps []int
	for i := range st.Cases {
		cs := &st.Cases[i]
		c.emit(bytecode.OpDup, line)
		c.emit(bytecode.OpLoadTag, line)
		c.emit(bytecode.OpIntConst, line)
		c.top().proc.WriteInt64(int64(cs.Tag), line)
		mismatch := c.emitJump(bytecode.OpIfEqInteger, line)
		// IF_EQ_INTEGER falls through when tag == expected; jumps
		// past this case (to the next check) otherwise.

		c.openScope(cs.BodyLocals)
		if len(cs.Bindings) == 0 {
			c.emit(bytecode.OpPop, line) // discard the scrutinee
		}
		for j := 1; j < len(cs.Bindings); j++ {
			c.emit(bytecode.OpDup, line)
		}
		for j := len(cs.Bindings) - 1; j >= 0; j-- {
			c.emit(bytecode.OpGetLocal, line)
			c.emitByte(byte(cs.BindingSlots[0]), line)
			c.emit(bytecode.OpGetMember, line)
			c.emitByte(byte(j), line)
			c.emit(bytecode.OpSetLocal, line)
			c.emitByte(byte(cs.BindingSlots[j]), line)
			c.emit(bytecode.OpPop, line)
		}
		for _, b := range cs.Body {
			c.emitStmt(b)
		}
		c.closeScope(line)
		endJumps = append(endJumps, c.emitJump(bytecode.OpJump, line))

		c.patchJump(mismatch)
	}

	c.openScope(st.DefaultLocals)
	if st.HasDefault {
		c.emit(bytecode.OpPop, line) // discard the scrutinee
		for _, b := range st.Default {
			c.emitStmt(b)
		}
	} else {
		c.emit(bytecode.OpPop, line)
	}
	c.closeScope(line)

	c.patchTo(endJumps, len(c.top().proc.Code))
}

// emitLambda compiles a closure literal's body into its own Procedure
// and leaves a fully-constructed Closure value on the current
// procedure's stack, per spec.md §4.2's ALLOCATE_CLOSURE/
// CONSTRUCT_CLOSURE pair. Each ex.Captures entry already names, via
// its VarKind, whether it sources from a local slot of the
// immediately enclosing frame (VarLocal) or from that frame's own
// active closure environment (VarCell) — the resolver in
// internal/parser assigns this one scope level at a time, so it
// never needs an enclosing lambda's final capture count in advance.
func (c *Compiler) emitLambda(ex *ast.Lambda, line int) {
	if len(ex.Captures) > bytecode.MaxCapturedCells {
		c.fail(line, "closure captures exceed %d cells", bytecode.MaxCapturedCells)
	}
	procIdx := c.exe.AddProcedure("<lambda>")
	if procIdx > 0xff {
		c.fail(line, "too many closures in one program (limit 255)")
	}
	proc := c.exe.Procedures[procIdx]
	proc.ParamCount = len(ex.Params)

	c.stack = append(c.stack, &target{proc: proc, procIndex: procIdx})
	savedScopeSizes := c.scopeSizes
	savedLoops := c.loops
	c.scopeSizes = nil
	c.loops = nil

	for _, s := range ex.Body {
		c.emitStmt(s)
	}
	c.emit(bytecode.OpUnit, line)
	c.emit(bytecode.OpReturn, line)

	c.scopeSizes = savedScopeSizes
	c.loops = savedLoops
	c.stack = c.stack[:len(c.stack)-1]

	c.emit(bytecode.OpAllocateClosure, line)
	c.emitByte(byte(procIdx), line)
	c.emit(bytecode.OpConstructClosure, line)
	c.emitByte(byte(len(ex.Captures)), line)
	for _, cp := range ex.Captures {
		// 0 = box a local of the enclosing frame, 1 = forward that
		// frame's own Captured[index]; VarCell already means exactly
		// "this source is a cell in the enclosing frame's env".
		if cp.Kind == ast.VarCell {
			c.emitByte(1, line)
		} else {
			c.emitByte(0, line)
		}
		c.emitByte(byte(cp.Index), line)
	}
}
