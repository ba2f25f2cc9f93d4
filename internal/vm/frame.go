package vm

import (
	"midori/internal/bytecode"
	"midori/internal/gc"
)

// Frame is a call frame, pushed on CALL_DEFINED and popped on RETURN,
// per spec.md §4.3 "Frame layout on entry to a defined call". Adapted
// from the teacher's EnhancedCallFrame, trimmed to exactly the fields
// spec.md's frame-layout contract lists — the teacher's frame also
// carries a `locals []Value` slice and a `restoreGlobals` closure for
// its module system, neither of which Midori's single flat value
// stack needs: locals live directly on the shared value stack between
// bp and sp.
type Frame struct {
	ReturnBP int
	ReturnSP int
	ReturnIP int
	ReturnProc *bytecode.Procedure
	Closure    *gc.Closure // callee's closure; nil only for the frame-0 sentinel
}
