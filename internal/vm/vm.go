package vm

import (
	"fmt"
	"io"
	"math"
	"os"

	"midori/internal/bytecode"
	"midori/internal/errors"
	"midori/internal/ffi"
	"midori/internal/gc"
)

const (
	// DefaultStackSize is the fixed value-stack slot count, per
	// spec.md §4.3 "a fixed value stack (default 512 slots)".
	DefaultStackSize = 512
	// DefaultMaxFrames bounds the call stack; overflow is fatal.
	DefaultMaxFrames = 256
)

type pendingCell struct {
	cell *gc.Cell
	idx  int // absolute stack index the cell currently aliases
}

// VM is Midori's stack-based interpreter. Adapted from the teacher's
// EnhancedVM (internal/vm/vm.go): same array-based globals and
// pre-allocated fixed stack, replaced dynamic generic opcodes with
// the typed dispatch table from internal/bytecode, and added the
// closure/cell/GC machinery the teacher never implemented (its
// OpClosure/OpGetUpvalue/OpSetUpvalue opcodes were declared but dead
// code).
type VM struct {
	exe       *bytecode.Executable
	collector *gc.Collector

	constants []Value
	globals   []Value

	stack []Value
	sp    int
	bp    int

	frames     []Frame
	frameCount int

	proc      *bytecode.Procedure
	procIndex int
	ip        int
	env       *gc.Closure

	toPromote []pendingCell
	// cellsBySlot remembers, per active frame (indexed by frame
	// depth), which local stack slots already have a Cell so two
	// sibling closures capturing the same outer local share one Cell.
	cellsBySlot []map[int]*gc.Cell

	foreign *ffi.Loader
	out     io.Writer

	gcThreshold *uint64

	Trace bool
}

// Option configures a VM at construction time.
type Option func(*VM)

// WithForeignLoader overrides the default `./MidoriStdLib.so` loader.
func WithForeignLoader(l *ffi.Loader) Option {
	return func(v *VM) { v.foreign = l }
}

// WithOutput overrides the writer Print/PrintLine target (default
// os.Stdout).
func WithOutput(w io.Writer) Option {
	return func(v *VM) { v.out = w }
}

// WithGCThreshold overrides the collector's byte threshold; 0 makes
// every allocation attempt a collection, the "aggressive collection"
// mode spec.md §8 tests against.
func WithGCThreshold(threshold uint64) Option {
	return func(v *VM) { v.gcThreshold = &threshold }
}

// New constructs a VM over a compiled Executable, materializing
// constant-pool Text literals as static heap traceables (mirrors the
// teacher's VM.precacheConstants, internal/vm/vm.go).
func New(exe *bytecode.Executable, opts ...Option) *VM {
	v := &VM{
		exe:     exe,
		stack:   make([]Value, DefaultStackSize),
		frames:  make([]Frame, DefaultMaxFrames),
		globals: make([]Value, len(exe.Globals)),
		out:     os.Stdout,
		foreign: ffi.NewLoader("./MidoriStdLib.so"),
	}
	for _, o := range opts {
		o(v)
	}
	threshold := uint64(gc.DefaultThreshold)
	if v.gcThreshold != nil {
		threshold = *v.gcThreshold
	}
	v.collector = gc.NewCollector(threshold, v)
	v.foreign.Collector = v.collector
	v.foreign.Output = v.out
	v.precacheConstants()
	for _, slot := range exe.ForeignGlobals {
		v.globals[slot] = v.collector.NewForeignFunction(exe.Globals[slot])
	}

	v.proc = exe.Procedures[0]
	v.procIndex = 0
	v.frames[0] = Frame{}
	v.frameCount = 1
	v.cellsBySlot = []map[int]*gc.Cell{nil}
	return v
}

func (v *VM) precacheConstants() {
	v.constants = make([]Value, len(v.exe.Constants))
	isRoot := make(map[int]bool, len(v.exe.ConstantRoots))
	for _, idx := range v.exe.ConstantRoots {
		isRoot[idx] = true
	}
	for i, c := range v.exe.Constants {
		if s, ok := c.(string); ok && isRoot[i] {
			v.constants[i] = v.collector.NewStaticText(s)
			continue
		}
		if c == nil {
			v.constants[i] = gc.UnitValue
			continue
		}
		v.constants[i] = c
	}
}

// EachRoot implements gc.RootSource.
func (v *VM) EachRoot(visit func(gc.Value)) {
	for i := 0; i < v.sp; i++ {
		visit(v.stack[i])
	}
	for i := 0; i < v.frameCount; i++ {
		if v.frames[i].Closure != nil {
			visit(v.frames[i].Closure)
		}
	}
	if v.env != nil {
		visit(v.env)
	}
	for _, g := range v.globals {
		visit(g)
	}
}

// Collector exposes the heap for --gc-stats reporting.
func (v *VM) Collector() *gc.Collector { return v.collector }

// SetGlobal seeds a named global slot before Run, by Globals name
// lookup rather than index — used by internal/repl to carry a
// variable's value forward into the next line's freshly compiled
// Executable, which assigns its own slot numbering. Reports whether
// exe declared a global by that name.
func (v *VM) SetGlobal(name string, val Value) bool {
	for i, g := range v.exe.Globals {
		if g == name {
			v.globals[i] = val
			return true
		}
	}
	return false
}

// Global reads a named global slot after Run, the read side of
// SetGlobal.
func (v *VM) Global(name string) (Value, bool) {
	for i, g := range v.exe.Globals {
		if g == name {
			return v.globals[i], true
		}
	}
	return nil, false
}

// GlobalNames lists exe's declared global names, in slot order, so
// the REPL can snapshot every live binding without tracking names
// itself.
func (v *VM) GlobalNames() []string { return v.exe.Globals }

// Shutdown tears down the GC arena and closes the foreign library
// handle, per spec.md §5 and §7.
func (v *VM) Shutdown() {
	v.collector.Shutdown()
	if v.foreign != nil {
		_ = v.foreign.Close()
	}
}

func (v *VM) push(val Value) {
	if v.sp >= len(v.stack) {
		panic(errors.NewRuntimeError(errors.RuntimeStackOverflow, "value stack overflow (limit %d)", len(v.stack)))
	}
	v.stack[v.sp] = val
	v.sp++
}

func (v *VM) pop() Value {
	v.sp--
	val := v.stack[v.sp]
	v.stack[v.sp] = nil
	return val
}

func (v *VM) peek() Value { return v.stack[v.sp-1] }

func (v *VM) readByte() byte {
	b := v.proc.Code[v.ip]
	v.ip++
	return b
}

func (v *VM) readUint16() int {
	hi := int(v.readByte())
	lo := int(v.readByte())
	return hi<<8 | lo
}

func (v *VM) readUint24() int {
	a := int(v.readByte())
	b := int(v.readByte())
	c := int(v.readByte())
	return a<<16 | b<<8 | c
}

func (v *VM) readInt64() int64 {
	var u uint64
	for i := 0; i < 8; i++ {
		u = u<<8 | uint64(v.readByte())
	}
	return int64(u)
}

func (v *VM) currentLine() int { return v.proc.LineFor(v.ip - 1) }

func runtimeErrorf(kind errors.RuntimeKind, format string, args ...interface{}) error {
	return errors.NewRuntimeError(kind, format, args...)
}

// Run executes from the top-level procedure until HALT/RETURN at
// frame 0, or a fatal runtime error. Fatal errors are recovered here
// (as panics raised by push/pop/index helpers) and returned as a Go
// error, matching spec.md §7: "The VM prints the message, tears down
// the GC heap, and exits with a failure code."
func (v *VM) Run() (err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
				return
			}
			err = fmt.Errorf("%v", r)
		}
	}()
	v.dispatch()
	return nil
}

func (v *VM) dispatch() {
	for {
		op := bytecode.OpCode(v.readByte())
		if v.Trace {
			fmt.Fprintf(os.Stderr, "[trace] ip=%04d sp=%d %s\n", v.ip-1, v.sp, bytecode.Name(op))
		}
		switch op {

		case bytecode.OpLoadConst:
			v.push(v.constants[v.readByte()])
		case bytecode.OpLoadConstLong:
			v.push(v.constants[v.readUint16()])
		case bytecode.OpLoadConstLongLong:
			v.push(v.constants[v.readUint24()])
		case bytecode.OpIntConst:
			v.push(v.readInt64())
		case bytecode.OpFracConst:
			bits := uint64(v.readInt64())
			v.push(math.Float64frombits(bits))
		case bytecode.OpUnit:
			v.push(gc.UnitValue)
		case bytecode.OpTrue:
			v.push(true)
		case bytecode.OpFalse:
			v.push(false)

		case bytecode.OpCreateArray:
			n := v.readUint24()
			elems := make([]Value, n)
			for i := n - 1; i >= 0; i-- {
				elems[i] = v.pop()
			}
			v.push(v.collector.NewArray(elems))
		case bytecode.OpGetArray:
			v.execGetArray(int(v.readByte()))
		case bytecode.OpSetArray:
			v.execSetArray(int(v.readByte()))
		case bytecode.OpDupArray:
			n := v.pop().(int64)
			arr := v.mustArray(v.pop())
			out := make([]Value, int(n)*len(arr.Elems))
			if len(arr.Elems) > 0 {
				for i := range out {
					out[i] = arr.Elems[i%len(arr.Elems)]
				}
			}
			v.push(v.collector.NewArray(out))
		case bytecode.OpConcatArray:
			right := v.mustArray(v.pop())
			left := v.mustArray(v.pop())
			out := make([]Value, 0, len(left.Elems)+len(right.Elems))
			out = append(out, left.Elems...)
			out = append(out, right.Elems...)
			v.push(v.collector.NewArray(out))
		case bytecode.OpAddFrontArray:
			arr := v.mustArray(v.pop())
			val := v.pop()
			out := append([]Value{val}, arr.Elems...)
			v.push(v.collector.NewArray(out))
		case bytecode.OpAddBackArray:
			val := v.pop()
			arr := v.mustArray(v.pop())
			out := append(append([]Value{}, arr.Elems...), val)
			v.push(v.collector.NewArray(out))

		case bytecode.OpCastToFraction:
			v.push(toFraction(v.pop()))
		case bytecode.OpCastToInteger:
			v.push(toInteger(v.pop()))
		case bytecode.OpCastToText:
			v.push(v.collector.NewText(gc.ValueString(v.pop())))
		case bytecode.OpCastToBool:
			v.push(v.pop().(bool))
		case bytecode.OpCastToUnit:
			v.pop()
			v.push(gc.UnitValue)
		case bytecode.OpCastStruct:
			nameIdx := v.readUint24()
			st := v.mustStruct(v.pop())
			newName := v.mustText(v.constants[nameIdx])
			v.push(v.collector.NewStruct(newName.String(), st.Fields))

		case bytecode.OpAddInteger:
			r, l := v.pop().(int64), v.pop().(int64)
			v.push(l + r)
		case bytecode.OpSubInteger:
			r, l := v.pop().(int64), v.pop().(int64)
			v.push(l - r)
		case bytecode.OpMulInteger:
			r, l := v.pop().(int64), v.pop().(int64)
			v.push(l * r)
		case bytecode.OpDivInteger:
			r, l := v.pop().(int64), v.pop().(int64)
			if r == 0 {
				panic(runtimeErrorf(errors.RuntimeDivisionByZero, "integer division by zero [line %d]", v.currentLine()))
			}
			v.push(l / r)
		case bytecode.OpModInteger:
			r, l := v.pop().(int64), v.pop().(int64)
			if r == 0 {
				panic(runtimeErrorf(errors.RuntimeDivisionByZero, "integer modulo by zero [line %d]", v.currentLine()))
			}
			v.push(l % r)
		case bytecode.OpNegateInteger:
			v.push(-v.pop().(int64))

		case bytecode.OpAddFraction:
			r, l := v.pop().(float64), v.pop().(float64)
			v.push(l + r)
		case bytecode.OpSubFraction:
			r, l := v.pop().(float64), v.pop().(float64)
			v.push(l - r)
		case bytecode.OpMulFraction:
			r, l := v.pop().(float64), v.pop().(float64)
			v.push(l * r)
		case bytecode.OpDivFraction:
			r, l := v.pop().(float64), v.pop().(float64)
			v.push(l / r) // IEEE-754: division by zero yields ±Inf/NaN, never an error.
		case bytecode.OpModFraction:
			r, l := v.pop().(float64), v.pop().(float64)
			v.push(math.Mod(l, r))
		case bytecode.OpNegateFraction:
			v.push(-v.pop().(float64))

		case bytecode.OpLeftShift:
			r, l := v.pop().(int64), v.pop().(int64)
			v.push(l << uint64(r))
		case bytecode.OpRightShift:
			r, l := v.pop().(int64), v.pop().(int64)
			v.push(l >> uint64(r))
		case bytecode.OpBitwiseAnd:
			r, l := v.pop().(int64), v.pop().(int64)
			v.push(l & r)
		case bytecode.OpBitwiseOr:
			r, l := v.pop().(int64), v.pop().(int64)
			v.push(l | r)
		case bytecode.OpBitwiseXor:
			r, l := v.pop().(int64), v.pop().(int64)
			v.push(l ^ r)
		case bytecode.OpBitwiseNot:
			v.push(^v.pop().(int64))

		case bytecode.OpEqInteger:
			r, l := v.pop().(int64), v.pop().(int64)
			v.push(l == r)
		case bytecode.OpNeInteger:
			r, l := v.pop().(int64), v.pop().(int64)
			v.push(l != r)
		case bytecode.OpLtInteger:
			r, l := v.pop().(int64), v.pop().(int64)
			v.push(l < r)
		case bytecode.OpLeInteger:
			r, l := v.pop().(int64), v.pop().(int64)
			v.push(l <= r)
		case bytecode.OpGtInteger:
			r, l := v.pop().(int64), v.pop().(int64)
			v.push(l > r)
		case bytecode.OpGeInteger:
			r, l := v.pop().(int64), v.pop().(int64)
			v.push(l >= r)
		case bytecode.OpEqFraction:
			r, l := v.pop().(float64), v.pop().(float64)
			v.push(l == r)
		case bytecode.OpNeFraction:
			r, l := v.pop().(float64), v.pop().(float64)
			v.push(l != r)
		case bytecode.OpLtFraction:
			r, l := v.pop().(float64), v.pop().(float64)
			v.push(l < r)
		case bytecode.OpLeFraction:
			r, l := v.pop().(float64), v.pop().(float64)
			v.push(l <= r)
		case bytecode.OpGtFraction:
			r, l := v.pop().(float64), v.pop().(float64)
			v.push(l > r)
		case bytecode.OpGeFraction:
			r, l := v.pop().(float64), v.pop().(float64)
			v.push(l >= r)
		case bytecode.OpEqText:
			r, l := v.pop(), v.pop()
			v.push(ValuesEqual(l, r))
		case bytecode.OpNot:
			v.push(!v.pop().(bool))

		case bytecode.OpIfLtInteger:
			v.fusedBranchInt(func(l, r int64) bool { return l < r })
		case bytecode.OpIfLeInteger:
			v.fusedBranchInt(func(l, r int64) bool { return l <= r })
		case bytecode.OpIfGtInteger:
			v.fusedBranchInt(func(l, r int64) bool { return l > r })
		case bytecode.OpIfGeInteger:
			v.fusedBranchInt(func(l, r int64) bool { return l >= r })
		case bytecode.OpIfEqInteger:
			v.fusedBranchInt(func(l, r int64) bool { return l == r })
		case bytecode.OpIfNeInteger:
			v.fusedBranchInt(func(l, r int64) bool { return l != r })
		case bytecode.OpIfLtFraction:
			v.fusedBranchFrac(func(l, r float64) bool { return l < r })
		case bytecode.OpIfLeFraction:
			v.fusedBranchFrac(func(l, r float64) bool { return l <= r })
		case bytecode.OpIfGtFraction:
			v.fusedBranchFrac(func(l, r float64) bool { return l > r })
		case bytecode.OpIfGeFraction:
			v.fusedBranchFrac(func(l, r float64) bool { return l >= r })
		case bytecode.OpIfEqFraction:
			v.fusedBranchFrac(func(l, r float64) bool { return l == r })
		case bytecode.OpIfNeFraction:
			v.fusedBranchFrac(func(l, r float64) bool { return l != r })

		case bytecode.OpJump:
			off := v.readUint16()
			v.ip += off
		case bytecode.OpJumpBack:
			off := v.readUint16()
			v.ip -= off
		case bytecode.OpJumpIfFalse:
			off := v.readUint16()
			if !Truthy(v.peek()) {
				v.ip += off
			}
		case bytecode.OpJumpIfTrue:
			off := v.readUint16()
			if Truthy(v.peek()) {
				v.ip += off
			}

		case bytecode.OpCallDefined:
			v.execCallDefined(int(v.readByte()))
		case bytecode.OpCallForeign:
			v.execCallForeign(int(v.readByte()))
		case bytecode.OpConstructStruct:
			v.execConstructStruct(int(v.readByte()))
		case bytecode.OpConstructUnion:
			v.execConstructUnion(int(v.readByte()))
		case bytecode.OpSetTag:
			tag := v.readByte()
			u := v.mustUnion(v.peek())
			u.Tag = tag

		case bytecode.OpAllocateClosure:
			procIdx := int(v.readByte())
			v.push(v.collector.NewClosure(procIdx, nil))
		case bytecode.OpConstructClosure:
			v.execConstructClosure(int(v.readByte()))
		case bytecode.OpDefineGlobal:
			idx := int(v.readByte())
			v.globals[idx] = v.pop()
		case bytecode.OpGetGlobal:
			v.push(v.globals[int(v.readByte())])
		case bytecode.OpSetGlobal:
			idx := int(v.readByte())
			v.globals[idx] = v.peek()
		case bytecode.OpGetLocal:
			off := int(v.readByte())
			v.push(v.stack[v.bp+off])
		case bytecode.OpSetLocal:
			off := int(v.readByte())
			v.stack[v.bp+off] = v.peek()
		case bytecode.OpGetCell:
			off := int(v.readByte())
			v.push(v.env.Captured[off].Get())
		case bytecode.OpSetCell:
			off := int(v.readByte())
			v.env.Captured[off].Set(v.peek())

		case bytecode.OpConcatText:
			right := v.mustText(v.pop())
			left := v.mustText(v.pop())
			v.push(v.collector.NewText(left.String() + right.String()))
		case bytecode.OpGetMember:
			idx := int(v.readByte())
			v.execGetMember(idx)
		case bytecode.OpSetMember:
			idx := int(v.readByte())
			v.execSetMember(idx)
		case bytecode.OpLoadTag:
			u := v.mustUnion(v.pop())
			v.push(int64(u.Tag))

		case bytecode.OpPop:
			v.pop()
		case bytecode.OpDup:
			v.push(v.peek())
		case bytecode.OpPopMultiple:
			n := int(v.readByte())
			v.sp -= n
		case bytecode.OpPopScope:
			n := int(v.readByte())
			v.promoteFrom(v.sp - n)
			v.sp -= n

		case bytecode.OpReturn:
			if v.execReturn() {
				return
			}
		case bytecode.OpHalt:
			return

		default:
			panic(fmt.Sprintf("unreachable opcode %d", op))
		}
	}
}

func (v *VM) fusedBranchInt(pred func(l, r int64) bool) {
	off := v.readUint16()
	r, l := v.pop().(int64), v.pop().(int64)
	if !pred(l, r) {
		v.ip += off
	}
}

func (v *VM) fusedBranchFrac(pred func(l, r float64) bool) {
	off := v.readUint16()
	r, l := v.pop().(float64), v.pop().(float64)
	if !pred(l, r) {
		v.ip += off
	}
}

func toFraction(val Value) Value {
	switch x := val.(type) {
	case int64:
		return float64(x)
	case float64:
		return x
	}
	panic(runtimeErrorf(errors.RuntimeBadCast, "value is not castable to Frac"))
}

func toInteger(val Value) Value {
	switch x := val.(type) {
	case int64:
		return x
	case float64:
		return int64(x)
	}
	panic(runtimeErrorf(errors.RuntimeBadCast, "value is not castable to Int"))
}

func (v *VM) mustArray(val Value) *gc.Array {
	a, ok := val.(*gc.Array)
	if !ok {
		panic(runtimeErrorf(errors.RuntimeBadCast, "expected Array value"))
	}
	return a
}

func (v *VM) mustText(val Value) *gc.Text {
	t, ok := val.(*gc.Text)
	if !ok {
		panic(runtimeErrorf(errors.RuntimeBadCast, "expected Text value"))
	}
	return t
}

func (v *VM) mustStruct(val Value) *gc.Struct {
	s, ok := val.(*gc.Struct)
	if !ok {
		panic(runtimeErrorf(errors.RuntimeBadCast, "expected Struct value"))
	}
	return s
}

func (v *VM) mustUnion(val Value) *gc.Union {
	u, ok := val.(*gc.Union)
	if !ok {
		panic(runtimeErrorf(errors.RuntimeBadCast, "expected Union value"))
	}
	return u
}

func (v *VM) execGetArray(k int) {
	indices := make([]int64, k)
	for i := k - 1; i >= 0; i-- {
		indices[i] = v.pop().(int64)
	}
	cur := v.mustArray(v.pop())
	var result Value
	for i, idx := range indices {
		if idx < 0 || int(idx) >= len(cur.Elems) {
			panic(runtimeErrorf(errors.RuntimeIndexOutOfBounds, "index %d out of bounds (length %d) [line %d]", idx, len(cur.Elems), v.currentLine()))
		}
		if i == len(indices)-1 {
			result = cur.Elems[idx]
		} else {
			cur = v.mustArray(cur.Elems[idx])
		}
	}
	v.push(result)
}

func (v *VM) execSetArray(k int) {
	val := v.pop()
	indices := make([]int64, k)
	for i := k - 1; i >= 0; i-- {
		indices[i] = v.pop().(int64)
	}
	cur := v.mustArray(v.pop())
	for i, idx := range indices {
		if idx < 0 || int(idx) >= len(cur.Elems) {
			panic(runtimeErrorf(errors.RuntimeIndexOutOfBounds, "index %d out of bounds (length %d) [line %d]", idx, len(cur.Elems), v.currentLine()))
		}
		if i == len(indices)-1 {
			cur.Elems[idx] = val
		} else {
			cur = v.mustArray(cur.Elems[idx])
		}
	}
	v.push(val)
}

func (v *VM) execGetMember(idx int) {
	switch agg := v.pop().(type) {
	case *gc.Struct:
		v.push(agg.Fields[idx])
	case *gc.Union:
		v.push(agg.Values[idx])
	default:
		panic(runtimeErrorf(errors.RuntimeBadCast, "GET_MEMBER on non-aggregate value"))
	}
}

func (v *VM) execSetMember(idx int) {
	val := v.pop()
	st := v.mustStruct(v.pop())
	st.Fields[idx] = val
	v.push(val)
}

func (v *VM) execConstructStruct(n int) {
	name := v.mustText(v.pop()).String()
	fields := make([]Value, n)
	for i := n - 1; i >= 0; i-- {
		fields[i] = v.pop()
	}
	v.push(v.collector.NewStruct(name, fields))
}

func (v *VM) execConstructUnion(n int) {
	name := v.mustText(v.pop()).String()
	fields := make([]Value, n)
	for i := n - 1; i >= 0; i-- {
		fields[i] = v.pop()
	}
	v.push(v.collector.NewUnion(name, 0, fields))
}

// execConstructClosure implements CONSTRUCT_CLOSURE
// captured_count(1B) [source(1B) index(1B)]*captured_count, per
// DESIGN.md's documented encoding choice: each captured cell carries
// its own explicit descriptor rather than the VM forwarding an
// entire parent environment — source 0 means "box local slot `index`
// of the current frame" (a brand-new capture), source 1 means
// "forward Captured[index] of the currently active closure" (an
// upvalue the enclosing closure already holds). This mirrors how a
// single-pass resolver discovers captures one level at a time: a
// deeply-nested reference walks up one enclosing scope per capture
// entry instead of depending on any outer scope's final, only-known-
// after-the-fact capture count.
func (v *VM) execConstructClosure(n int) {
	type capDesc struct {
		local bool
		index int
	}
	descs := make([]capDesc, n)
	for i := 0; i < n; i++ {
		source := v.readByte()
		descs[i] = capDesc{local: source == 0, index: int(v.readByte())}
	}
	skeleton, ok := v.pop().(*gc.Closure)
	if !ok {
		panic(runtimeErrorf(errors.RuntimeBadCast, "CONSTRUCT_CLOSURE without a preceding ALLOCATE_CLOSURE"))
	}

	frameCells := v.cellsBySlot[v.frameCount-1]
	if frameCells == nil {
		frameCells = make(map[int]*gc.Cell)
		v.cellsBySlot[v.frameCount-1] = frameCells
	}
	captured := make([]*gc.Cell, n)
	for i, d := range descs {
		if !d.local {
			captured[i] = v.env.Captured[d.index]
			continue
		}
		cell, ok := frameCells[d.index]
		if !ok {
			absolute := v.bp + d.index
			cell = v.collector.NewCell(&v.stack[absolute])
			frameCells[d.index] = cell
			v.toPromote = append(v.toPromote, pendingCell{cell: cell, idx: absolute})
		}
		captured[i] = cell
	}
	v.push(v.collector.NewClosure(skeleton.ProcIndex, captured))
}

// promoteFrom walks the pending-promotion list and promotes every
// cell whose aliased stack index is at or above threshold (spec.md
// §4.3 "Cell promotion"), pruning them from the list.
func (v *VM) promoteFrom(threshold int) {
	kept := v.toPromote[:0]
	for _, p := range v.toPromote {
		if p.idx >= threshold {
			p.cell.Promote()
		} else {
			kept = append(kept, p)
		}
	}
	v.toPromote = kept
}

func (v *VM) execCallDefined(arity int) {
	calleeVal := v.pop()
	closure, ok := calleeVal.(*gc.Closure)
	if !ok {
		panic(runtimeErrorf(errors.RuntimeBadCast, "call target is not a closure"))
	}
	if v.frameCount >= len(v.frames) {
		panic(runtimeErrorf(errors.RuntimeCallStackOverflow, "call stack overflow (limit %d)", len(v.frames)))
	}
	v.frames[v.frameCount] = Frame{
		ReturnBP:   v.bp,
		ReturnSP:   v.sp - arity,
		ReturnIP:   v.ip,
		ReturnProc: v.proc,
		Closure:    closure,
	}
	v.frameCount++
	v.cellsBySlot = append(v.cellsBySlot, nil)

	v.env = closure
	v.proc = v.exe.Procedures[closure.ProcIndex]
	v.procIndex = closure.ProcIndex
	v.ip = 0
	v.bp = v.sp - arity
}

// execReturn implements RETURN; returns true when the frame popped
// was frame 0 (the top-level procedure finishing execution).
func (v *VM) execReturn() bool {
	retVal := v.pop()
	frameIdx := v.frameCount - 1
	v.promoteFrom(v.bp)
	v.cellsBySlot = v.cellsBySlot[:frameIdx]

	if frameIdx == 0 {
		return true
	}

	frame := v.frames[frameIdx]
	v.frameCount--
	v.sp = frame.ReturnSP
	v.bp = frame.ReturnBP
	v.ip = frame.ReturnIP
	v.proc = frame.ReturnProc
	if v.frameCount > 0 {
		v.env = v.frames[v.frameCount-1].Closure
	} else {
		v.env = nil
	}
	v.push(retVal)
	return false
}

func (v *VM) execCallForeign(arity int) {
	calleeVal := v.pop()
	fn, ok := calleeVal.(*gc.ForeignFunction)
	if !ok {
		panic(runtimeErrorf(errors.RuntimeForeignSymbol, "foreign call target is not a foreign function handle"))
	}
	args := make([]interface{}, arity)
	for i := arity - 1; i >= 0; i-- {
		args[i] = v.pop()
	}
	resolved, err := v.foreign.Resolve(fn.Name)
	if err != nil {
		panic(err)
	}
	ret := resolved(args)
	if ret == nil {
		ret = gc.UnitValue
	}
	v.push(ret)
}

// Print writes s to the VM's configured output, the same writer the
// foreign Print/PrintLine prelude (internal/ffi/prelude.go) writes to
// through the loader's Output.
func (v *VM) Print(s string) { fmt.Fprint(v.out, s) }
