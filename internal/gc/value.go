// Package gc implements Midori's heap: the value representation, the
// tagged Traceable heap-object shapes, and the tracing mark-and-sweep
// collector described in spec.md §3 and §4.4. The VM and the
// collector are intentionally in separate packages with the heap
// model living here, because (per spec.md §1) "the GC must understand
// every heap shape the VM produces" — putting the shapes where the GC
// lives keeps that coupling a compile-time dependency in one
// direction (vm -> gc) rather than a cyclic one.
package gc

// Value is a Midori runtime value. Integer, Fraction, Bool and Unit
// are represented directly by their natural Go type (int64, float64,
// bool, Unit{}) boxed in the interface, matching the teacher's own
// `type Value interface{}` (internal/vm/value.go) — word-sized
// payloads need no wrapper struct. A HeapRef is represented by the
// concrete *Text/*Array/*Closure/*Cell/*Struct/*Union/*ForeignFunction
// pointer itself; IsHeapRef/AsTraceable recover the Traceable view.
type Value interface{}

// Unit is the single-inhabitant type's only value.
type Unit struct{}

// UnitValue is the canonical Unit value.
var UnitValue = Unit{}

// Header is embedded in every heap-allocated object. It carries the
// collector's bookkeeping: the mark bit, the object's accounted byte
// size, whether it is constant-pool-owned ("static"), and the
// intrusive next-pointer the collector uses to walk every traceable
// ever allocated during sweep — the single-owner-arena approach
// spec.md §9 recommends over a parallel bookkeeping table.
type Header struct {
	marked bool
	size   int
	static bool
	next   Traceable
}

// Traceable is any heap object subject to garbage collection:
// text, array, closure, cell, struct, union, foreign function.
type Traceable interface {
	header() *Header
	// trace invokes mark for every Value this object directly
	// references, so the collector can recurse into them.
	trace(mark func(Value))
	// String renders the traceable's runtime textual form (used by
	// text concatenation, casts to Text, and CLI `print`).
	String() string
}

// AsTraceable recovers the Traceable view of a heap-ref Value, or
// (nil, false) if v is not a heap reference.
func AsTraceable(v Value) (Traceable, bool) {
	t, ok := v.(Traceable)
	return t, ok
}

// IsHeapRef reports whether v is a HeapRef-kind value.
func IsHeapRef(v Value) bool {
	_, ok := v.(Traceable)
	return ok
}

// Text is a byte sequence with a known length (spec.md §3).
type Text struct {
	Header
	Bytes []byte
}

func (t *Text) header() *Header         { return &t.Header }
func (t *Text) trace(func(Value))       {}
func (t *Text) String() string          { return string(t.Bytes) }
func (t *Text) Len() int                { return len(t.Bytes) }

// Array is a contiguous, length-known sequence of Value. The type
// checker statically guarantees homogeneity; the VM does not
// re-check element types (spec.md §3 invariants).
type Array struct {
	Header
	Elems []Value
}

func (a *Array) header() *Header { return &a.Header }
func (a *Array) trace(mark func(Value)) {
	for _, v := range a.Elems {
		mark(v)
	}
}
func (a *Array) String() string { return arrayString(a.Elems) }

// Cell is the interior-mutable slot representing a variable captured
// by one or more closures (spec.md §3, §4.3 "Cell promotion"). Before
// promotion it aliases a still-live value-stack slot; after
// promotion it owns its value directly.
type Cell struct {
	Header
	IsOnHeap  bool
	StackSlot *Value
	Owned     Value
}

func (c *Cell) header() *Header { return &c.Header }
func (c *Cell) trace(mark func(Value)) {
	// A cell not yet promoted is still reachable because the frame
	// that owns its stack slot is itself a GC root (spec.md §4.4
	// "Mark"); tracing the live slot here as well is harmless and
	// keeps a cell self-contained once promoted.
	if c.IsOnHeap {
		mark(c.Owned)
	} else if c.StackSlot != nil {
		mark(*c.StackSlot)
	}
}
func (c *Cell) String() string { return "<cell>" }

// Get reads the cell's current value, regardless of promotion state.
func (c *Cell) Get() Value {
	if c.IsOnHeap {
		return c.Owned
	}
	return *c.StackSlot
}

// Set writes through the cell, regardless of promotion state.
func (c *Cell) Set(v Value) {
	if c.IsOnHeap {
		c.Owned = v
	} else {
		*c.StackSlot = v
	}
}

// Promote copies the cell's still-live stack value into its own heap
// storage and flips IsOnHeap, per spec.md §4.3. Idempotent.
func (c *Cell) Promote() {
	if c.IsOnHeap {
		return
	}
	c.Owned = *c.StackSlot
	c.IsOnHeap = true
	c.StackSlot = nil
}

// Closure pairs a procedure index with its ordered captured cells
// (spec.md §3).
type Closure struct {
	Header
	ProcIndex int
	Captured  []*Cell
}

func (c *Closure) header() *Header { return &c.Header }
func (c *Closure) trace(mark func(Value)) {
	for _, cell := range c.Captured {
		mark(cell)
	}
}
func (c *Closure) String() string { return "<closure>" }

// Struct is an ordered, fixed-length sequence of Value, one per
// declared field.
type Struct struct {
	Header
	TypeName string
	Fields   []Value
}

func (s *Struct) header() *Header { return &s.Header }
func (s *Struct) trace(mark func(Value)) {
	for _, v := range s.Fields {
		mark(v)
	}
}
func (s *Struct) String() string { return structString(s) }

// Union is a tagged variant payload; Tag is always in range of the
// declared variant list (spec.md §3 invariants).
type Union struct {
	Header
	TypeName string
	Tag      byte
	Values   []Value
}

func (u *Union) header() *Header { return &u.Header }
func (u *Union) trace(mark func(Value)) {
	for _, v := range u.Values {
		mark(v)
	}
}
func (u *Union) String() string { return unionString(u) }

// ForeignFunction is an opaque handle plus a name, resolved against
// the loaded shared library at call time (spec.md §3, §6).
type ForeignFunction struct {
	Header
	Name string
}

func (f *ForeignFunction) header() *Header    { return &f.Header }
func (f *ForeignFunction) trace(func(Value))  {}
func (f *ForeignFunction) String() string     { return "<foreign " + f.Name + ">" }
