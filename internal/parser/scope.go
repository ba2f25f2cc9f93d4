package parser

import "midori/internal/ast"

// blockScope is one push/pop'd lexical block within a frame: the set
// of names it declares directly, plus the stack-depth mark to restore
// on close so a later sibling block reuses the same slot numbers (the
// block's own locals are already popped off the real value stack by
// the time the sibling starts, so the next name claims the same
// frame-relative offset).
type blockScope struct {
	vars map[string]int
	mark int
}

// frame is one procedure's worth of local-slot and capture bookkeeping:
// the root (script) frame, or one per nested Lambda. Adapted from the
// teacher's Scope/closure-depth tracking (internal/parser/parser.go's
// now-removed Scope machinery) but reworked around explicit capture
// descriptors rather than a flat closure-depth counter, since Midori's
// CONSTRUCT_CLOSURE encodes "local of the immediate parent" vs "cell
// the immediate parent already holds" as two distinct sources (see
// internal/compiler/stmt_compiler.go's emitLambda).
type frame struct {
	blocks   []*blockScope
	nextSlot int

	captures       []ast.VarRef
	captureIndexOf map[string]int
}

func newFrame() *frame {
	f := &frame{captureIndexOf: make(map[string]int)}
	f.pushScope()
	return f
}

func (f *frame) pushScope() {
	f.blocks = append(f.blocks, &blockScope{vars: make(map[string]int), mark: f.nextSlot})
}

// popScope closes the innermost scope and returns how many locals it
// declared directly (the count a Block/If-arm/While/For body reports
// as ThenLocals/BodyLocals/etc. for the code generator's POP_SCOPE).
func (f *frame) popScope() int {
	bs := f.blocks[len(f.blocks)-1]
	f.blocks = f.blocks[:len(f.blocks)-1]
	f.nextSlot = bs.mark
	return len(bs.vars)
}

func (f *frame) declareLocal(name string) int {
	slot := f.nextSlot
	f.nextSlot++
	f.blocks[len(f.blocks)-1].vars[name] = slot
	return slot
}

func (f *frame) findLocal(name string) (int, bool) {
	for i := len(f.blocks) - 1; i >= 0; i-- {
		if slot, ok := f.blocks[i].vars[name]; ok {
			return slot, true
		}
	}
	return 0, false
}

func (p *Parser) topFrame() *frame { return p.frames[len(p.frames)-1] }

// resolveInFrame looks up name as frame[idx]'s own local, or as a cell
// it already captures, or — failing both — recurses into the
// enclosing frame and, on success, installs a brand-new capture entry
// in frame[idx] sourced from whatever the enclosing frame returned.
// This is the standard one-level-at-a-time upvalue resolver (clox's
// resolveUpvalue): frame[idx]'s capture list only ever grows by
// entries whose source is already fully resolved, so a deeply nested
// lambda never needs an enclosing scope's eventual, only-known-later
// capture count.
func (p *Parser) resolveInFrame(idx int, name string) (ast.VarRef, bool) {
	f := p.frames[idx]
	if slot, ok := f.findLocal(name); ok {
		return ast.VarRef{Kind: ast.VarLocal, Index: slot, Name: name}, true
	}
	if ci, ok := f.captureIndexOf[name]; ok {
		return ast.VarRef{Kind: ast.VarCell, Index: ci, Name: name}, true
	}
	if idx == 0 {
		return ast.VarRef{}, false
	}
	outer, ok := p.resolveInFrame(idx-1, name)
	if !ok {
		return ast.VarRef{}, false
	}
	srcKind := ast.VarLocal
	if outer.Kind == ast.VarCell {
		srcKind = ast.VarCell
	}
	newIdx := len(f.captures)
	f.captures = append(f.captures, ast.VarRef{Kind: srcKind, Index: outer.Index, Name: name})
	f.captureIndexOf[name] = newIdx
	return ast.VarRef{Kind: ast.VarCell, Index: newIdx, Name: name}, true
}

// resolveVar resolves name against the active frame's locals/captures
// and, failing that, the global table assigned during the top-level
// declaration scan.
func (p *Parser) resolveVar(name string, line int) ast.VarRef {
	if ref, ok := p.resolveInFrame(len(p.frames)-1, name); ok {
		return ref
	}
	if slot, ok := p.globals[name]; ok {
		return ast.VarRef{Kind: ast.VarGlobal, Index: slot, Name: name}
	}
	p.errorf(line, "undefined variable %q", name)
	return ast.VarRef{Kind: ast.VarGlobal, Name: name}
}
