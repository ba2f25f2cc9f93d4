// Package ffi resolves and calls Midori foreign functions: C-linkage
// symbols in a shared library (`./MidoriStdLib.{dll,so}`) with
// signature `void fn(Value* args, Value* ret)`, per spec.md §6.
//
// No example repo in the retrieval pack talks to a native shared
// library at runtime (the teacher's module loader, adapted from in
// internal/vm/module_loader.go's caching/mutex shape, only loads
// Midori source files). The standard library's `plugin` package is
// the only mechanism the Go ecosystem offers for dlopen-style symbol
// resolution against a `.so`; this is a stdlib exception rather than
// a library this corpus demonstrates.
package ffi

import (
	"io"
	"os"
	"plugin"
	"sync"

	pkgerrors "github.com/pkg/errors"

	"midori/internal/errors"
	"midori/internal/gc"
)

// Func is the Go-side shape a resolved Midori foreign symbol must
// have: it reads args left-to-right and writes exactly one result.
type Func func(args []interface{}) interface{}

// Loader resolves foreign symbols from one shared library, caching
// resolved symbols by name the way the teacher's ModuleLoader caches
// parsed modules by path. Symbols named in preludeFuncs (prelude.go) are
// resolved in-process and never touch the shared library at all —
// this is what lets a Midori program calling PrintLine/GetTime run
// without a compiled MidoriStdLib.so on disk.
type Loader struct {
	mu     sync.RWMutex
	path   string
	lib    *plugin.Plugin
	opened bool
	cache  map[string]Func
	Output io.Writer
	// Collector lets prelude functions (prelude.go) allocate heap
	// values (e.g. ReadLine's Text result). The VM assigns this right
	// after constructing its Collector, before the first CALL_FOREIGN.
	Collector *gc.Collector
}

// NewLoader returns a Loader bound to path. The library is opened
// lazily on the first symbol resolution that misses both the cache
// and the Prelude, matching spec.md §5's "the foreign library handle
// is opened once at VM start" — VM start being the first such
// CALL_FOREIGN, since a program that only calls prelude functions
// should not fail merely because MidoriStdLib.so is absent.
func NewLoader(path string) *Loader {
	return &Loader{path: path, cache: make(map[string]Func), Output: os.Stdout}
}

func (l *Loader) open() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.opened {
		return nil
	}
	lib, err := plugin.Open(l.path)
	if err != nil {
		return pkgerrors.Wrapf(errors.NewRuntimeError(errors.RuntimeForeignSymbol,
			"failed to load foreign library %q: %v", l.path, err), "ffi.Loader.open")
	}
	l.lib = lib
	l.opened = true
	return nil
}

// Resolve looks up name, the same Func every time it is asked for the
// same name. Missing symbol or load failure is a fatal runtime error
// per spec.md §7.
func (l *Loader) Resolve(name string) (Func, error) {
	l.mu.RLock()
	if fn, ok := l.cache[name]; ok {
		l.mu.RUnlock()
		return fn, nil
	}
	l.mu.RUnlock()

	if fn, ok := preludeFuncs[name]; ok {
		bound := fn(l)
		l.mu.Lock()
		l.cache[name] = bound
		l.mu.Unlock()
		return bound, nil
	}

	if err := l.open(); err != nil {
		return nil, err
	}

	sym, err := l.lib.Lookup(name)
	if err != nil {
		return nil, errors.NewRuntimeError(errors.RuntimeForeignSymbol,
			"unresolved foreign symbol %q in %q", name, l.path)
	}
	fn, ok := sym.(func([]interface{}) interface{})
	if !ok {
		return nil, errors.NewRuntimeError(errors.RuntimeForeignSymbol,
			"foreign symbol %q has the wrong signature", name)
	}

	l.mu.Lock()
	l.cache[name] = Func(fn)
	l.mu.Unlock()
	return Func(fn), nil
}

// Close releases the library handle. plugin.Plugin has no Close in
// the standard library (loaded plugins are never unloaded by the Go
// runtime); Close exists so the VM teardown sequence in spec.md §5
// ("the foreign library handle is ... closed at VM teardown") has a
// call site to make, and so a future platform-specific loader has
// somewhere to put real unload logic.
func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lib = nil
	l.opened = false
	return nil
}
