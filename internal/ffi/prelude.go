package ffi

import (
	"fmt"
	"time"

	"midori/internal/gc"
)

// preludeFuncs lists the foreign symbols Midori resolves in-process
// rather than through a loaded shared library, grounded on
// original_source/src/Library/MidoriPrelude.cpp: the original
// implementation statically links a small set of foreign functions
// (print, get_time, ...) directly into the VM binary rather than
// requiring every Midori program to carry its own copy. Each entry
// is a constructor so the bound closure can read Loader.Output
// (so tests can capture Print/PrintLine output per-VM rather than
// through the real os.Stdout).
var preludeFuncs = map[string]func(*Loader) Func{
	"Print": func(l *Loader) Func {
		return func(args []interface{}) interface{} {
			text := args[0].(*gc.Text)
			fmt.Fprint(l.Output, text.String())
			return gc.UnitValue
		}
	},
	"PrintLine": func(l *Loader) Func {
		return func(args []interface{}) interface{} {
			fmt.Fprintln(l.Output, gc.ValueString(args[0]))
			return gc.UnitValue
		}
	},
	"GetTime": func(l *Loader) Func {
		return func(args []interface{}) interface{} {
			return time.Now().UnixNano() / int64(time.Millisecond)
		}
	},
	"ReadLine": func(l *Loader) Func {
		return func(args []interface{}) interface{} {
			var line string
			fmt.Scanln(&line)
			return l.Collector.NewText(line)
		}
	},
}
