// Package checker implements Midori's static type checker: the single
// pass that assigns an interned *types.Type to every expression,
// resolves Get/Set member indices and New's struct-vs-union dispatch,
// and enforces the operator/Call/Switch-exhaustiveness rules from
// spec.md §4.1. Adapted from the teacher's analysis passes
// (internal/compiler/hoisting_compiler.go did light pre-pass scope
// bookkeeping); Midori needed a real nominal/structural type checker
// the teacher never had, built in the same "one big switch over the
// closed AST, accumulate errors and keep going" style as its parser.
package checker

import (
	"fmt"

	"midori/internal/ast"
	"midori/internal/errors"
	"midori/internal/types"
)

type variantInfo struct {
	Union  *types.Type
	Tag    int
	Fields []*types.Type
}

// Checker is single-use: construct with New, call Check once.
type Checker struct {
	table    *types.Table
	structs  map[string]*types.Type
	unions   map[string]*types.Type
	variants map[string]variantInfo
	foreigns map[string]*types.Type

	scopes      []map[string]*types.Type
	returnStack []*types.Type

	errs errors.ErrorList
}

// New returns a Checker sharing table with whatever parser produced
// the Program (struct/union field types must be the same interned
// pointers on both sides).
func New(table *types.Table) *Checker {
	return &Checker{
		table:    table,
		structs:  make(map[string]*types.Type),
		unions:   make(map[string]*types.Type),
		variants: make(map[string]variantInfo),
		foreigns: make(map[string]*types.Type),
		scopes:   []map[string]*types.Type{make(map[string]*types.Type)},
	}
}

func (c *Checker) pushScope() { c.scopes = append(c.scopes, make(map[string]*types.Type)) }
func (c *Checker) popScope()  { c.scopes = c.scopes[:len(c.scopes)-1] }

func (c *Checker) declare(name string, t *types.Type) {
	c.scopes[len(c.scopes)-1][name] = t
}

func (c *Checker) lookup(name string) (*types.Type, bool) {
	for i := len(c.scopes) - 1; i >= 0; i-- {
		if t, ok := c.scopes[i][name]; ok {
			return t, true
		}
	}
	return nil, false
}

func (c *Checker) errorf(line int, format string, args ...interface{}) {
	c.errs = append(c.errs, errors.NewTypeError(line, format, args...))
}

// Check type-checks prog in place (mutating expression node types via
// ast.SetType and filling in resolved indices/tags), returning an
// ErrorList error if any diagnostic was raised.
func (c *Checker) Check(prog *ast.Program) error {
	for _, s := range prog.Statements {
		c.checkStmt(s)
	}
	if c.errs.HasErrors() {
		return c.errs
	}
	return nil
}

func (c *Checker) checkStmt(s ast.Stmt) {
	switch st := s.(type) {
	case *ast.ExprStmt:
		c.checkExpr(st.Expr)

	case *ast.Define:
		if lam, ok := st.Init.(*ast.Lambda); ok {
			// Pre-declare under the lambda's own signature so a
			// recursive call inside its body resolves, per spec.md
			// §4.1 ("the function's own name is visible in its
			// body"); checked again below once initType is known.
			retType := lam.ReturnType
			if retType == nil {
				retType = c.table.Unit
			}
			params := make([]*types.Type, len(lam.ParamTypes))
			copy(params, lam.ParamTypes)
			c.declare(st.Name, c.table.Function(params, retType, false))
		}
		initType := c.checkExpr(st.Init)
		if st.Annotation != nil {
			if al, ok := st.Init.(*ast.ArrayLit); ok && len(al.Elements) == 0 {
				al.Annotation = st.Annotation
				initType = st.Annotation
				ast.SetType(al, st.Annotation)
			} else if initType != nil && initType != st.Annotation {
				c.errorf(st.Line, "cannot define %q: initializer has type %s, annotation says %s", st.Name, initType, st.Annotation)
			}
		}
		c.declare(st.Name, initType)

	case *ast.If:
		condType := c.checkExpr(st.Cond)
		if condType != nil && condType != c.table.Bool {
			c.errorf(st.Line, "if condition must be Bool, got %s", condType)
		}
		st.CondKind = operandKindOf(st.Cond.Type())
		c.pushScope()
		for _, b := range st.Then {
			c.checkStmt(b)
		}
		c.popScope()
		c.pushScope()
		for _, b := range st.Else {
			c.checkStmt(b)
		}
		c.popScope()

	case *ast.While:
		condType := c.checkExpr(st.Cond)
		if condType != nil && condType != c.table.Bool {
			c.errorf(st.Line, "while condition must be Bool, got %s", condType)
		}
		st.CondKind = operandKindOf(st.Cond.Type())
		c.pushScope()
		for _, b := range st.Body {
			c.checkStmt(b)
		}
		c.popScope()

	case *ast.For:
		c.pushScope()
		if st.Init != nil {
			c.checkStmt(st.Init)
		}
		if st.Cond != nil {
			condType := c.checkExpr(st.Cond)
			if condType != nil && condType != c.table.Bool {
				c.errorf(st.Line, "for condition must be Bool, got %s", condType)
			}
			st.CondKind = operandKindOf(st.Cond.Type())
		}
		c.pushScope()
		for _, b := range st.Body {
			c.checkStmt(b)
		}
		if st.Post != nil {
			c.checkStmt(st.Post)
		}
		c.popScope()
		c.popScope()

	case *ast.Return:
		var retType *types.Type = c.table.Unit
		if st.Value != nil {
			retType = c.checkExpr(st.Value)
		}
		if len(c.returnStack) == 0 {
			c.errorf(st.Line, "return outside of a function body")
			return
		}
		expected := c.returnStack[len(c.returnStack)-1]
		if retType != nil && expected != nil && retType != expected {
			c.errorf(st.Line, "return type %s does not match function return type %s", retType, expected)
		}

	case *ast.StructDecl:
		c.structs[st.Name] = c.table.Struct(st.Name, st.Fields)

	case *ast.UnionDecl:
		fieldLists := make([][]*types.Type, len(st.Variants))
		for i, v := range st.Variants {
			fieldLists[i] = v.Fields
		}
		unionType := c.table.Union(st.Name, st.Variants)
		c.unions[st.Name] = unionType
		for _, v := range st.Variants {
			c.variants[v.Name] = variantInfo{Union: unionType, Tag: v.Tag, Fields: v.Fields}
		}

	case *ast.Foreign:
		fnType := c.table.Function(st.ParamTypes, st.ReturnType, true)
		c.foreigns[st.Name] = fnType
		c.declare(st.Name, fnType)

	case *ast.Switch:
		c.checkSwitch(st)

	case *ast.Block:
		c.pushScope()
		for _, b := range st.Body {
			c.checkStmt(b)
		}
		c.popScope()

	case *ast.Break, *ast.Continue:
		// nothing to check

	default:
		panic(fmt.Sprintf("checker: unhandled statement %T", s))
	}
}

func (c *Checker) checkSwitch(st *ast.Switch) {
	scrutType := c.checkExpr(st.Scrutinee)
	if scrutType == nil {
		return
	}
	if scrutType.Kind != types.KindUnion {
		c.errorf(st.Line, "switch scrutinee must be a union type, got %s", scrutType)
		return
	}
	seen := make(map[int]bool)
	for i := range st.Cases {
		cs := &st.Cases[i]
		vi, ok := c.variants[cs.VariantName]
		if !ok {
			c.errorf(st.Line, "unknown variant %q in switch", cs.VariantName)
			continue
		}
		if vi.Union != scrutType {
			c.errorf(st.Line, "variant %q does not belong to the scrutinee's union type %s", cs.VariantName, scrutType)
			continue
		}
		cs.Tag = vi.Tag
		seen[vi.Tag] = true
		if len(cs.Bindings) != len(vi.Fields) {
			c.errorf(st.Line, "variant %q expects %d bindings, got %d", cs.VariantName, len(vi.Fields), len(cs.Bindings))
		}
		c.pushScope()
		for j, name := range cs.Bindings {
			var ft *types.Type
			if j < len(vi.Fields) {
				ft = vi.Fields[j]
			}
			c.declare(name, ft)
		}
		for _, b := range cs.Body {
			c.checkStmt(b)
		}
		c.popScope()
	}
	if st.HasDefault {
		c.pushScope()
		for _, b := range st.Default {
			c.checkStmt(b)
		}
		c.popScope()
	} else {
		unionType := scrutType
		if len(seen) != len(unionType.Variants) {
			c.errorf(st.Line, "switch on %s is not exhaustive and has no default case", unionType.UnionName)
		}
	}
}

func operandKindOf(t *types.Type) ast.OperandKind {
	if t == nil {
		return ast.OperandOther
	}
	switch t.Kind {
	case types.KindInt:
		return ast.OperandInt
	case types.KindFrac:
		return ast.OperandFrac
	default:
		return ast.OperandOther
	}
}

func (c *Checker) checkExpr(e ast.Expr) *types.Type {
	if e == nil {
		return nil
	}
	var result *types.Type
	switch ex := e.(type) {
	case *ast.IntLit:
		result = c.table.Int
	case *ast.FracLit:
		result = c.table.Frac
	case *ast.TextLit:
		result = c.table.Text
	case *ast.BoolLit:
		result = c.table.Bool
	case *ast.UnitLit:
		result = c.table.Unit

	case *ast.ArrayLit:
		if len(ex.Elements) == 0 {
			result = ex.Annotation // may still be nil; Define fills it in afterward
			break
		}
		elemType := c.checkExpr(ex.Elements[0])
		for _, el := range ex.Elements[1:] {
			t := c.checkExpr(el)
			if t != nil && elemType != nil && t != elemType {
				c.errorf(ex.Line, "array elements must share one type: %s vs %s", elemType, t)
			}
		}
		if elemType != nil {
			result = c.table.Array(elemType)
		}

	case *ast.Var:
		if t, ok := c.lookup(ex.Ref.Name); ok {
			result = t
		} else {
			c.errorf(ex.Line, "undefined variable %q", ex.Ref.Name)
		}

	case *ast.Assign:
		valType := c.checkExpr(ex.Value)
		declType, ok := c.lookup(ex.Ref.Name)
		if !ok {
			c.errorf(ex.Line, "undefined variable %q", ex.Ref.Name)
		} else if valType != nil && valType != declType {
			c.errorf(ex.Line, "cannot assign %s to %q of type %s", valType, ex.Ref.Name, declType)
		}
		result = valType

	case *ast.BinaryOp:
		result = c.checkBinaryOp(ex)

	case *ast.UnaryOp:
		operandType := c.checkExpr(ex.Operand)
		switch ex.Op {
		case "-":
			if operandType != nil && !types.IsNumeric(operandType) {
				c.errorf(ex.Line, "unary - requires Int or Frac, got %s", operandType)
			}
			result = operandType
		case "!":
			if operandType != nil && operandType != c.table.Bool {
				c.errorf(ex.Line, "unary ! requires Bool, got %s", operandType)
			}
			result = c.table.Bool
		}

	case *ast.Concat:
		leftType := c.checkExpr(ex.Left)
		rightType := c.checkExpr(ex.Right)
		if leftType != nil && rightType != nil && leftType != rightType {
			c.errorf(ex.Line, "++ requires matching types, got %s and %s", leftType, rightType)
		} else if leftType != nil && leftType.Kind != types.KindText && leftType.Kind != types.KindArray {
			c.errorf(ex.Line, "++ requires Text or Array operands, got %s", leftType)
		}
		result = leftType

	case *ast.ArrayPrepend:
		valType := c.checkExpr(ex.Value)
		arrType := c.checkExpr(ex.Array)
		if arrType != nil && arrType.Kind == types.KindArray && valType != nil && valType != arrType.Elem {
			c.errorf(ex.Line, "+: element type %s does not match array element type %s", valType, arrType.Elem)
		}
		result = arrType

	case *ast.ArrayAppend:
		arrType := c.checkExpr(ex.Array)
		valType := c.checkExpr(ex.Value)
		if arrType != nil && arrType.Kind == types.KindArray && valType != nil && valType != arrType.Elem {
			c.errorf(ex.Line, ":+ element type %s does not match array element type %s", valType, arrType.Elem)
		}
		result = arrType

	case *ast.Index:
		cur := c.checkExpr(ex.Array)
		for _, idx := range ex.Indices {
			idxType := c.checkExpr(idx)
			if idxType != nil && idxType != c.table.Int {
				c.errorf(ex.Line, "array index must be Int, got %s", idxType)
			}
			if cur == nil {
				continue
			}
			if cur.Kind != types.KindArray {
				c.errorf(ex.Line, "cannot index non-array type %s", cur)
				cur = nil
				continue
			}
			cur = cur.Elem
		}
		result = cur

	case *ast.SetIndex:
		cur := c.checkExpr(ex.Array)
		for _, idx := range ex.Indices {
			idxType := c.checkExpr(idx)
			if idxType != nil && idxType != c.table.Int {
				c.errorf(ex.Line, "array index must be Int, got %s", idxType)
			}
			if cur == nil {
				continue
			}
			if cur.Kind != types.KindArray {
				c.errorf(ex.Line, "cannot index non-array type %s", cur)
				cur = nil
				continue
			}
			cur = cur.Elem
		}
		valType := c.checkExpr(ex.Value)
		if cur != nil && valType != nil && cur != valType {
			c.errorf(ex.Line, "cannot assign %s into array slot of type %s", valType, cur)
		}
		result = valType

	case *ast.Cast:
		operandType := c.checkExpr(ex.Operand)
		if operandType != nil && !castAllowed(operandType, ex.Target) {
			c.errorf(ex.Line, "cannot cast %s as %s", operandType, ex.Target)
		}
		result = ex.Target

	case *ast.Call:
		calleeType := c.checkExpr(ex.Callee)
		argTypes := make([]*types.Type, len(ex.Args))
		for i, a := range ex.Args {
			argTypes[i] = c.checkExpr(a)
		}
		if calleeType == nil {
			break
		}
		if calleeType.Kind != types.KindFunction {
			c.errorf(ex.Line, "call target is not a function (%s)", calleeType)
			break
		}
		ex.IsForeign = calleeType.IsForeign
		if len(argTypes) != len(calleeType.Params) {
			c.errorf(ex.Line, "call expects %d arguments, got %d", len(calleeType.Params), len(argTypes))
		} else {
			for i, at := range argTypes {
				if at != nil && at != calleeType.Params[i] {
					c.errorf(ex.Line, "argument %d has type %s, expected %s", i+1, at, calleeType.Params[i])
				}
			}
		}
		result = calleeType.Result

	case *ast.Get:
		operandType := c.checkExpr(ex.Operand)
		if operandType == nil {
			break
		}
		if operandType.Kind != types.KindStruct {
			c.errorf(ex.Line, "cannot access field %q on non-struct type %s", ex.Name, operandType)
			break
		}
		idx, ft, ok := fieldOf(operandType, ex.Name)
		if !ok {
			c.errorf(ex.Line, "struct %s has no field %q", operandType, ex.Name)
			break
		}
		ex.Index = idx
		result = ft

	case *ast.Set:
		operandType := c.checkExpr(ex.Operand)
		valType := c.checkExpr(ex.Value)
		if operandType == nil {
			break
		}
		if operandType.Kind != types.KindStruct {
			c.errorf(ex.Line, "cannot assign field %q on non-struct type %s", ex.Name, operandType)
			break
		}
		idx, ft, ok := fieldOf(operandType, ex.Name)
		if !ok {
			c.errorf(ex.Line, "struct %s has no field %q", operandType, ex.Name)
			break
		}
		ex.Index = idx
		if valType != nil && ft != valType {
			c.errorf(ex.Line, "cannot assign %s to field %q of type %s", valType, ex.Name, ft)
		}
		result = valType

	case *ast.New:
		result = c.checkNew(ex)

	case *ast.Lambda:
		result = c.checkLambda(ex)

	default:
		panic(fmt.Sprintf("checker: unhandled expression %T", e))
	}
	ast.SetType(e, result)
	return result
}

func fieldOf(structType *types.Type, name string) (int, *types.Type, bool) {
	for i, f := range structType.Fields {
		if f.Name == name {
			return i, f.Type, true
		}
	}
	return 0, nil, false
}

func castAllowed(from, to *types.Type) bool {
	if from == to {
		return true
	}
	if types.IsAtomic(from) && types.IsAtomic(to) {
		// Every atomic pair is nameable via `as`; the VM's CAST_*
		// opcodes define the actual conversion (spec.md §4.2).
		return true
	}
	return types.StructsStructurallyEqual(from, to)
}

func (c *Checker) checkNew(ex *ast.New) *types.Type {
	argTypes := make([]*types.Type, len(ex.Args))
	for i, a := range ex.Args {
		argTypes[i] = c.checkExpr(a)
	}
	if st, ok := c.structs[ex.TypeName]; ok {
		ex.IsUnion = false
		if len(argTypes) != len(st.Fields) {
			c.errorf(ex.Line, "new %s expects %d fields, got %d", ex.TypeName, len(st.Fields), len(argTypes))
			return st
		}
		for i, at := range argTypes {
			if at != nil && at != st.Fields[i].Type {
				c.errorf(ex.Line, "new %s field %d has type %s, expected %s", ex.TypeName, i+1, at, st.Fields[i].Type)
			}
		}
		return st
	}
	if vi, ok := c.variants[ex.TypeName]; ok {
		ex.IsUnion = true
		ex.Tag = vi.Tag
		if len(argTypes) != len(vi.Fields) {
			c.errorf(ex.Line, "new %s expects %d fields, got %d", ex.TypeName, len(vi.Fields), len(argTypes))
			return vi.Union
		}
		for i, at := range argTypes {
			if at != nil && at != vi.Fields[i] {
				c.errorf(ex.Line, "new %s field %d has type %s, expected %s", ex.TypeName, i+1, at, vi.Fields[i])
			}
		}
		return vi.Union
	}
	c.errorf(ex.Line, "unknown struct or union variant %q", ex.TypeName)
	return nil
}

func (c *Checker) checkLambda(ex *ast.Lambda) *types.Type {
	c.pushScope()
	for i, p := range ex.Params {
		var pt *types.Type
		if i < len(ex.ParamTypes) {
			pt = ex.ParamTypes[i]
		}
		c.declare(p, pt)
	}
	returnType := ex.ReturnType
	if returnType == nil {
		returnType = c.table.Unit
	}
	c.returnStack = append(c.returnStack, returnType)
	for _, s := range ex.Body {
		c.checkStmt(s)
	}
	c.returnStack = c.returnStack[:len(c.returnStack)-1]
	c.popScope()

	if returnType != c.table.Unit && !ex.AlwaysReturns {
		c.errorf(ex.Line, "function does not return a value on all paths")
	}

	params := make([]*types.Type, len(ex.ParamTypes))
	copy(params, ex.ParamTypes)
	return c.table.Function(params, returnType, false)
}

func (c *Checker) checkBinaryOp(ex *ast.BinaryOp) *types.Type {
	leftType := c.checkExpr(ex.Left)
	rightType := c.checkExpr(ex.Right)

	switch ex.Op {
	case "&&", "||":
		if leftType != nil && leftType != c.table.Bool {
			c.errorf(ex.Line, "%s requires Bool operands, got %s", ex.Op, leftType)
		}
		if rightType != nil && rightType != c.table.Bool {
			c.errorf(ex.Line, "%s requires Bool operands, got %s", ex.Op, rightType)
		}
		return c.table.Bool

	case "+", "-", "*", "/", "%":
		if ex.Op == "*" && leftType != nil && leftType.Kind == types.KindArray {
			// Array<T> * Int: repeat, not multiply.
			if rightType != nil && rightType != c.table.Int {
				c.errorf(ex.Line, "array repeat count must be Int, got %s", rightType)
			}
			return leftType
		}
		if !sameNumeric(leftType, rightType) {
			c.errorf(ex.Line, "%s requires matching Int or Frac operands, got %s and %s", ex.Op, leftType, rightType)
			return leftType
		}
		ex.OperandKind = operandKindOf(leftType)
		return leftType

	case "&", "|", "^", "<<", ">>":
		if leftType != nil && leftType != c.table.Int {
			c.errorf(ex.Line, "%s requires Int operands, got %s", ex.Op, leftType)
		}
		if rightType != nil && rightType != c.table.Int {
			c.errorf(ex.Line, "%s requires Int operands, got %s", ex.Op, rightType)
		}
		return c.table.Int

	case "<", "<=", ">", ">=":
		if !sameNumeric(leftType, rightType) {
			c.errorf(ex.Line, "%s requires matching Int or Frac operands, got %s and %s", ex.Op, leftType, rightType)
		}
		ex.OperandKind = operandKindOf(leftType)
		return c.table.Bool

	case "==", "!=":
		if leftType != nil && rightType != nil && leftType != rightType {
			c.errorf(ex.Line, "%s requires matching operand types, got %s and %s", ex.Op, leftType, rightType)
		}
		if leftType != nil && !types.IsNumeric(leftType) && leftType != c.table.Text {
			c.errorf(ex.Line, "%s requires Int, Frac or Text operands, got %s", ex.Op, leftType)
		}
		ex.OperandKind = operandKindOf(leftType)
		return c.table.Bool

	default:
		panic(fmt.Sprintf("checker: unknown binary operator %q", ex.Op))
	}
}

func sameNumeric(a, b *types.Type) bool {
	return a != nil && b != nil && types.IsNumeric(a) && a == b
}
