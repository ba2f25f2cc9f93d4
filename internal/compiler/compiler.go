// Package compiler is Midori's code generator: it walks the checked
// AST (internal/ast, post internal/checker) and emits the typed
// bytecode instruction set (internal/bytecode) into an Executable,
// one Procedure per closure body.
//
// Adapted from the teacher's internal/compiler package: the teacher
// compiled a generic expression-only Pratt-parsed AST through a
// visitor (VisitBinaryExpr/VisitLiteralExpr/...) into one untyped
// Chunk. Midori's AST is a closed sum (no visitor indirection, per
// spec.md §9) and every closure body is its own Procedure, so the
// compiler instead type-switches over ast.Expr/ast.Stmt and tracks a
// stack of in-progress Procedures — the teacher's single `chunk`
// field becomes a stack frame here.
package compiler

import (
	"math"

	"github.com/google/uuid"

	"midori/internal/ast"
	"midori/internal/bytecode"
	"midori/internal/errors"
	"midori/internal/types"
)

// target is one in-progress Procedure plus the bookkeeping the
// compiler needs while emitting into it: how large the current
// operand stack is expected to be (for locals slot math) isn't
// tracked here since the parser already assigned LocalSlot/VarRef
// indices — target only needs the raw Procedure and its line cursor.
type target struct {
	proc      *bytecode.Procedure
	procIndex int
}

// Compiler is single-use: construct with New, call Compile once.
type Compiler struct {
	exe   *bytecode.Executable
	table *types.Table
	stack []*target
	errs  errors.ErrorList

	// scopeSizes and loops are per-Procedure bookkeeping for
	// POP_SCOPE sizing and break/continue jump patching; emitLambda
	// saves and resets both around a nested Procedure's body.
	scopeSizes []int
	loops      []*loopCtx
}

// New returns a Compiler sharing table with the Checker that produced
// the checked Program (struct/union field-type identity must match).
func New(table *types.Table) *Compiler {
	exe := bytecode.NewExecutable()
	c := &Compiler{exe: exe, table: table}
	c.stack = []*target{{proc: exe.Procedures[0], procIndex: 0}}
	return c
}

func (c *Compiler) top() *target { return c.stack[len(c.stack)-1] }

// Compile emits prog's top-level statements into procedure 0 and
// returns the finished Executable. Panics become a CodegenError
// return per spec.md §4.2 ("the generator... rejects a program
// exceeding [a limit] with a codegen-phase diagnostic") — limit
// violations are raised as errors.MidoriError via c.fail, recovered
// here.
func (c *Compiler) Compile(prog *ast.Program) (exe *bytecode.Executable, err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
				return
			}
			panic(r)
		}
	}()
	for _, s := range prog.Statements {
		c.emitTopLevel(s)
	}
	c.emit(bytecode.OpUnit, 0)
	c.emit(bytecode.OpReturn, 0)
	c.exe.BuildID = uuid.NewString()
	return c.exe, nil
}

func (c *Compiler) fail(line int, format string, args ...interface{}) {
	panic(errors.NewCodegenError(line, format, args...))
}

func (c *Compiler) emit(op bytecode.OpCode, line int) int {
	return c.top().proc.WriteOp(op, line)
}

func (c *Compiler) emitByte(b byte, line int) {
	c.top().proc.WriteByte(b, line)
}

func (c *Compiler) emitU16(v int, line int) {
	if v > bytecode.MaxJumpDistance {
		c.fail(line, "jump distance %d exceeds the %d-byte limit", v, bytecode.MaxJumpDistance)
	}
	c.top().proc.WriteUint16(v, line)
}

func (c *Compiler) emitU24(v int, line int) {
	c.top().proc.WriteUint24(v, line)
}

func (c *Compiler) emitConstIndex(idx int, line int) {
	switch {
	case idx <= 0xff:
		c.emit(bytecode.OpLoadConst, line)
		c.emitByte(byte(idx), line)
	case idx <= 0xffff:
		c.emit(bytecode.OpLoadConstLong, line)
		c.emitU16(idx, line)
	default:
		if idx > bytecode.MaxConstants {
			c.fail(line, "constant pool exceeds %d entries", bytecode.MaxConstants)
		}
		c.emit(bytecode.OpLoadConstLongLong, line)
		c.emitU24(idx, line)
	}
}

func (c *Compiler) emitExpr(e ast.Expr) {
	line := e.Pos()
	switch ex := e.(type) {
	case *ast.IntLit:
		c.emit(bytecode.OpIntConst, line)
		c.top().proc.WriteInt64(ex.Value, line)
	case *ast.FracLit:
		c.emit(bytecode.OpFracConst, line)
		c.top().proc.WriteInt64(int64(floatBits(ex.Value)), line)
	case *ast.TextLit:
		idx := c.exe.AddConstant(ex.Value)
		c.emitConstIndex(idx, line)
	case *ast.BoolLit:
		if ex.Value {
			c.emit(bytecode.OpTrue, line)
		} else {
			c.emit(bytecode.OpFalse, line)
		}
	case *ast.UnitLit:
		c.emit(bytecode.OpUnit, line)

	case *ast.ArrayLit:
		if len(ex.Elements) > bytecode.MaxArrayLiteral {
			c.fail(line, "array literal exceeds %d elements", bytecode.MaxArrayLiteral)
		}
		for _, el := range ex.Elements {
			c.emitExpr(el)
		}
		c.emit(bytecode.OpCreateArray, line)
		c.emitU24(len(ex.Elements), line)

	case *ast.Var:
		c.emitVarRead(ex.Ref, line)

	case *ast.Assign:
		c.emitExpr(ex.Value)
		c.emitVarWrite(ex.Ref, line)

	case *ast.BinaryOp:
		c.emitBinaryOp(ex)

	case *ast.UnaryOp:
		c.emitExpr(ex.Operand)
		switch ex.Op {
		case "-":
			if ex.Operand.Type() == c.table.Frac {
				c.emit(bytecode.OpNegateFraction, line)
			} else {
				c.emit(bytecode.OpNegateInteger, line)
			}
		case "!":
			c.emit(bytecode.OpNot, line)
		}

	case *ast.Concat:
		c.emitExpr(ex.Left)
		c.emitExpr(ex.Right)
		if ex.Left.Type() != nil && ex.Left.Type().Kind == types.KindArray {
			c.emit(bytecode.OpConcatArray, line)
		} else {
			c.emit(bytecode.OpConcatText, line)
		}

	case *ast.ArrayPrepend:
		c.emitExpr(ex.Value)
		c.emitExpr(ex.Array)
		c.emit(bytecode.OpAddFrontArray, line)

	case *ast.ArrayAppend:
		c.emitExpr(ex.Array)
		c.emitExpr(ex.Value)
		c.emit(bytecode.OpAddBackArray, line)

	case *ast.Index:
		c.emitExpr(ex.Array)
		for _, idx := range ex.Indices {
			c.emitExpr(idx)
		}
		if len(ex.Indices) > 255 {
			c.fail(line, "index chain exceeds 255 levels")
		}
		c.emit(bytecode.OpGetArray, line)
		c.emitByte(byte(len(ex.Indices)), line)

	case *ast.SetIndex:
		c.emitExpr(ex.Array)
		for _, idx := range ex.Indices {
			c.emitExpr(idx)
		}
		c.emitExpr(ex.Value)
		c.emit(bytecode.OpSetArray, line)
		c.emitByte(byte(len(ex.Indices)), line)

	case *ast.Cast:
		c.emitExpr(ex.Operand)
		c.emitCast(ex, line)

	case *ast.Call:
		// Args first, callee last: CALL_DEFINED/CALL_FOREIGN pop the
		// callee off the top of the stack and then find bp sitting
		// exactly below the arity args already pushed.
		for _, a := range ex.Args {
			c.emitExpr(a)
		}
		c.emitExpr(ex.Callee)
		if len(ex.Args) > bytecode.MaxArity {
			c.fail(line, "call exceeds %d arguments", bytecode.MaxArity)
		}
		if ex.IsForeign {
			c.emit(bytecode.OpCallForeign, line)
		} else {
			c.emit(bytecode.OpCallDefined, line)
		}
		c.emitByte(byte(len(ex.Args)), line)

	case *ast.Get:
		c.emitExpr(ex.Operand)
		c.emit(bytecode.OpGetMember, line)
		c.emitByte(byte(ex.Index), line)

	case *ast.Set:
		c.emitExpr(ex.Operand)
		c.emitExpr(ex.Value)
		c.emit(bytecode.OpSetMember, line)
		c.emitByte(byte(ex.Index), line)

	case *ast.New:
		c.emitNew(ex, line)

	case *ast.Lambda:
		c.emitLambda(ex, line)

	default:
		c.fail(line, "codegen: unhandled expression %T", e)
	}
}

func (c *Compiler) emitVarRead(ref ast.VarRef, line int) {
	switch ref.Kind {
	case ast.VarLocal:
		c.emit(bytecode.OpGetLocal, line)
		c.emitByte(byte(ref.Index), line)
	case ast.VarCell:
		c.emit(bytecode.OpGetCell, line)
		c.emitByte(byte(ref.Index), line)
	case ast.VarGlobal:
		c.emit(bytecode.OpGetGlobal, line)
		c.emitByte(byte(ref.Index), line)
	}
}

func (c *Compiler) emitVarWrite(ref ast.VarRef, line int) {
	switch ref.Kind {
	case ast.VarLocal:
		c.emit(bytecode.OpSetLocal, line)
		c.emitByte(byte(ref.Index), line)
	case ast.VarCell:
		c.emit(bytecode.OpSetCell, line)
		c.emitByte(byte(ref.Index), line)
	case ast.VarGlobal:
		c.emit(bytecode.OpSetGlobal, line)
		c.emitByte(byte(ref.Index), line)
	}
}

func (c *Compiler) emitCast(ex *ast.Cast, line int) {
	target := ex.Target
	switch target.Kind {
	case types.KindFrac:
		c.emit(bytecode.OpCastToFraction, line)
	case types.KindInt:
		c.emit(bytecode.OpCastToInteger, line)
	case types.KindText:
		c.emit(bytecode.OpCastToText, line)
	case types.KindBool:
		c.emit(bytecode.OpCastToBool, line)
	case types.KindUnit:
		c.emit(bytecode.OpCastToUnit, line)
	case types.KindStruct:
		idx := c.exe.AddConstant(target.StructName)
		c.emit(bytecode.OpCastStruct, line)
		c.emitU24(idx, line)
	default:
		c.fail(line, "cannot cast to %s", target)
	}
}

func (c *Compiler) emitNew(ex *ast.New, line int) {
	for _, a := range ex.Args {
		c.emitExpr(a)
	}
	nameIdx := c.exe.AddConstant(ex.TypeName)
	if ex.IsUnion {
		c.emitConstIndex(nameIdx, line)
		c.emit(bytecode.OpConstructUnion, line)
		c.emitByte(byte(len(ex.Args)), line)
		c.emit(bytecode.OpSetTag, line)
		c.emitByte(byte(ex.Tag), line)
	} else {
		c.emitConstIndex(nameIdx, line)
		c.emit(bytecode.OpConstructStruct, line)
		c.emitByte(byte(len(ex.Args)), line)
	}
}

func (c *Compiler) emitBinaryOp(ex *ast.BinaryOp) {
	line := ex.Pos()
	switch ex.Op {
	case "&&":
		c.emitExpr(ex.Left)
		jumpFalse := c.emitJump(bytecode.OpJumpIfFalse, line)
		c.emit(bytecode.OpPop, line)
		c.emitExpr(ex.Right)
		c.patchJump(jumpFalse)
		return
	case "||":
		c.emitExpr(ex.Left)
		jumpTrue := c.emitJump(bytecode.OpJumpIfTrue, line)
		c.emit(bytecode.OpPop, line)
		c.emitExpr(ex.Right)
		c.patchJump(jumpTrue)
		return
	}

	c.emitExpr(ex.Left)
	c.emitExpr(ex.Right)
	isFrac := ex.OperandKind == ast.OperandFrac

	switch ex.Op {
	case "+":
		c.emit(pick(isFrac, bytecode.OpAddFraction, bytecode.OpAddInteger), line)
	case "-":
		c.emit(pick(isFrac, bytecode.OpSubFraction, bytecode.OpSubInteger), line)
	case "*":
		if ex.Left.Type() != nil && ex.Left.Type().Kind == types.KindArray {
			// Array<T> * Int: repeat, not multiply. Stack already holds
			// (array, count) in that order, matching DUP_ARRAY's operands.
			c.emit(bytecode.OpDupArray, line)
		} else {
			c.emit(pick(isFrac, bytecode.OpMulFraction, bytecode.OpMulInteger), line)
		}
	case "/":
		c.emit(pick(isFrac, bytecode.OpDivFraction, bytecode.OpDivInteger), line)
	case "%":
		c.emit(pick(isFrac, bytecode.OpModFraction, bytecode.OpModInteger), line)
	case "&":
		c.emit(bytecode.OpBitwiseAnd, line)
	case "|":
		c.emit(bytecode.OpBitwiseOr, line)
	case "^":
		c.emit(bytecode.OpBitwiseXor, line)
	case "<<":
		c.emit(bytecode.OpLeftShift, line)
	case ">>":
		c.emit(bytecode.OpRightShift, line)
	case "<":
		c.emit(pick(isFrac, bytecode.OpLtFraction, bytecode.OpLtInteger), line)
	case "<=":
		c.emit(pick(isFrac, bytecode.OpLeFraction, bytecode.OpLeInteger), line)
	case ">":
		c.emit(pick(isFrac, bytecode.OpGtFraction, bytecode.OpGtInteger), line)
	case ">=":
		c.emit(pick(isFrac, bytecode.OpGeFraction, bytecode.OpGeInteger), line)
	case "==":
		if ex.OperandKind == ast.OperandInt {
			c.emit(bytecode.OpEqInteger, line)
		} else if ex.OperandKind == ast.OperandFrac {
			c.emit(bytecode.OpEqFraction, line)
		} else {
			c.emit(bytecode.OpEqText, line)
		}
	case "!=":
		if ex.OperandKind == ast.OperandInt {
			c.emit(bytecode.OpNeInteger, line)
		} else if ex.OperandKind == ast.OperandFrac {
			c.emit(bytecode.OpNeFraction, line)
		} else {
			c.emit(bytecode.OpEqText, line)
			c.emit(bytecode.OpNot, line)
			// EqText followed by Not implements Text !=, since
			// there is no dedicated NE_TEXT opcode (spec.md §4.2's
			// table lists only EQ_TEXT); cheaper than a fused branch
			// for a value-producing context.
		}
	}
}

func pick(useFrac bool, frac, integer bytecode.OpCode) bytecode.OpCode {
	if useFrac {
		return frac
	}
	return integer
}

func floatBits(f float64) uint64 { return math.Float64bits(f) }

func (c *Compiler) emitJump(op bytecode.OpCode, line int) int {
	c.emit(op, line)
	off := len(c.top().proc.Code)
	c.emitU16(0, line)
	return off
}

func (c *Compiler) patchJump(operandOffset int) {
	c.top().proc.PatchJump(operandOffset, len(c.top().proc.Code))
}
