package gc

import "github.com/dustin/go-humanize"

// DefaultThreshold is the byte budget at which collection actually
// runs, "typically on the order of tens of kilobytes" (spec.md
// §4.4). The VM passes it to NewCollector unless vm.WithGCThreshold
// (set by a nonzero --gc-threshold flag) supplies another budget,
// including 0 for the aggressive-collection test mode (spec.md §8).
const DefaultThreshold = 64 * 1024

// RootSource is implemented by the VM: it knows the live value-stack
// window, the active call stack's closures, the globals table, and
// hands the collector everything it needs to find roots without the
// gc package depending on vm's frame/stack types (spec.md §4.4
// "Roots").
type RootSource interface {
	// EachRoot calls visit once for every root Value: the current
	// value-stack window, every closure on the call stack (plus the
	// frame-0 sentinel), and every heap-ref in the globals table.
	EachRoot(visit func(Value))
}

// Collector is Midori's tracing mark-and-sweep heap. One Collector
// instance owns every Traceable a VM run allocates.
type Collector struct {
	threshold   uint64
	totalBytes  uint64
	staticBytes uint64
	head        Traceable // intrusive singly-linked list of every live traceable
	roots       RootSource

	// ConstantRoots additionally roots every traceable owned by the
	// executable's constant pool (spec.md §4.4 root set item 4),
	// independent of whatever the VM's stack/globals/call-stack
	// currently reference.
	ConstantRoots []Traceable

	Collections uint64 // number of sweeps actually performed, for telemetry
}

// NewCollector returns a Collector with the given threshold. A
// threshold of 0 collects on every allocation (spec.md §8's
// "aggressive collection" testable property).
func NewCollector(threshold uint64, roots RootSource) *Collector {
	return &Collector{threshold: threshold, roots: roots}
}

func (c *Collector) link(t Traceable, size int, static bool) {
	h := t.header()
	h.size = size
	h.static = static
	h.next = c.head
	c.head = t
	c.totalBytes += uint64(size)
	if static {
		c.staticBytes += uint64(size)
	}
}

// track registers a newly-allocated traceable and runs a collection
// attempt, per spec.md §4.4: "Collection is attempted at every
// allocation point but runs only when total - static >= THRESHOLD."
func (c *Collector) track(t Traceable, size int) Value {
	c.link(t, size, false)
	c.maybeCollect()
	return t
}

func (c *Collector) maybeCollect() {
	if c.totalBytes-c.staticBytes >= c.threshold {
		c.Collect()
	}
}

// Collect runs one full mark-and-sweep pass unconditionally.
func (c *Collector) Collect() {
	c.Collections++
	marked := make(map[Traceable]bool)
	var mark func(v Value)
	mark = func(v Value) {
		t, ok := AsTraceable(v)
		if !ok || t == nil {
			return
		}
		if marked[t] {
			return
		}
		marked[t] = true
		t.header().marked = true
		t.trace(mark)
	}

	if c.roots != nil {
		c.roots.EachRoot(mark)
	}
	for _, root := range c.ConstantRoots {
		mark(root)
	}

	c.sweep()
}

func (c *Collector) sweep() {
	var newHead Traceable
	var tail Traceable
	var kept uint64
	var keptStatic uint64

	for cur := c.head; cur != nil; {
		h := cur.header()
		next := h.next
		if h.marked {
			h.marked = false
			h.next = nil
			if tail == nil {
				newHead = cur
			} else {
				tail.header().next = cur
			}
			tail = cur
			kept += uint64(h.size)
			if h.static {
				keptStatic += uint64(h.size)
			}
		}
		cur = next
	}

	c.head = newHead
	c.totalBytes = kept
	c.staticBytes = keptStatic
}

// Shutdown deletes every remaining traceable regardless of marks
// (spec.md §4.4 "Cleanup at VM shutdown"). Go's own GC reclaims the
// memory once the Collector itself is dropped; Shutdown's job is to
// make the observable contract explicit and to zero the accounting.
func (c *Collector) Shutdown() {
	c.head = nil
	c.totalBytes = 0
	c.staticBytes = 0
	c.ConstantRoots = nil
}

// Stats is a point-in-time snapshot of heap accounting, rendered by
// `cmd/midori --gc-stats` via humanize.Bytes.
type Stats struct {
	TotalBytes  uint64
	StaticBytes uint64
	Threshold   uint64
	Collections uint64
}

func (c *Collector) Stats() Stats {
	return Stats{TotalBytes: c.totalBytes, StaticBytes: c.staticBytes, Threshold: c.threshold, Collections: c.Collections}
}

func (s Stats) String() string {
	return "heap " + humanize.Bytes(s.TotalBytes) +
		" (static " + humanize.Bytes(s.StaticBytes) +
		", threshold " + humanize.Bytes(s.Threshold) +
		"), " + humanize.Comma(int64(s.Collections)) + " collections"
}

// --- allocation entry points ---

// NewText allocates a Text traceable of the given byte length.
func (c *Collector) NewText(s string) *Text {
	t := &Text{Bytes: []byte(s)}
	c.track(t, 16+len(s))
	return t
}

// NewArray allocates an Array traceable holding elems (copied).
func (c *Collector) NewArray(elems []Value) *Array {
	cp := make([]Value, len(elems))
	copy(cp, elems)
	a := &Array{Elems: cp}
	c.track(a, 16+len(cp)*16)
	return a
}

// NewCell allocates a Cell backed by a still-live stack slot.
func (c *Collector) NewCell(slot *Value) *Cell {
	cell := &Cell{StackSlot: slot}
	c.track(cell, 32)
	return cell
}

// NewClosure allocates a Closure over the given captured cells.
func (c *Collector) NewClosure(procIndex int, captured []*Cell) *Closure {
	cp := make([]*Cell, len(captured))
	copy(cp, captured)
	cl := &Closure{ProcIndex: procIndex, Captured: cp}
	c.track(cl, 16+len(cp)*8)
	return cl
}

// NewStruct allocates a Struct instance.
func (c *Collector) NewStruct(typeName string, fields []Value) *Struct {
	cp := make([]Value, len(fields))
	copy(cp, fields)
	s := &Struct{TypeName: typeName, Fields: cp}
	c.track(s, 16+len(cp)*16)
	return s
}

// NewUnion allocates a Union instance.
func (c *Collector) NewUnion(typeName string, tag byte, values []Value) *Union {
	cp := make([]Value, len(values))
	copy(cp, values)
	u := &Union{TypeName: typeName, Tag: tag, Values: cp}
	c.track(u, 24+len(cp)*16)
	return u
}

// NewForeignFunction allocates a ForeignFunction handle.
func (c *Collector) NewForeignFunction(name string) *ForeignFunction {
	f := &ForeignFunction{Name: name}
	c.track(f, 16+len(name))
	return f
}

// NewStaticText allocates a Text traceable owned by the constant
// pool: it is linked like any other traceable (so sweep sees it) but
// its bytes are excluded from the collection-threshold accounting and
// it is appended to ConstantRoots so it is never actually reclaimed.
func (c *Collector) NewStaticText(s string) *Text {
	t := &Text{Bytes: []byte(s)}
	c.link(t, 16+len(s), true)
	c.ConstantRoots = append(c.ConstantRoots, t)
	return t
}
