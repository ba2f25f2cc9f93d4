// Package errors implements Midori's phase-tagged diagnostics,
// adapted from the teacher's SentraError: a typed error carrying a
// source location, plus a distinct fatal runtime error kind.
// Compile-phase errors accumulate into a list (spec.md §7); runtime
// errors are singular and fatal.
package errors

import (
	"fmt"
	"strings"

	pkgerrors "github.com/pkg/errors"
)

// Phase identifies which stage of the pipeline raised a diagnostic.
type Phase string

const (
	PhaseLex      Phase = "LexError"
	PhaseParse    Phase = "ParseError"
	PhaseType     Phase = "TypeError"
	PhaseCodegen  Phase = "CodegenError"
	PhaseRuntime  Phase = "RuntimeError"
)

// RuntimeKind further classifies a fatal runtime error; Error()
// includes it in the rendered message.
type RuntimeKind string

const (
	RuntimeIndexOutOfBounds  RuntimeKind = "IndexOutOfBounds"
	RuntimeStackOverflow     RuntimeKind = "StackOverflow"
	RuntimeCallStackOverflow RuntimeKind = "CallStackOverflow"
	RuntimeDivisionByZero    RuntimeKind = "DivisionByZero"
	RuntimeForeignSymbol     RuntimeKind = "ForeignSymbolError"
	RuntimeBadCast           RuntimeKind = "UncastableValue"
	RuntimeOversizedArray    RuntimeKind = "OversizedArray"
)

// MidoriError is one diagnostic, carrying the phase, a human message,
// and the source line (and lexeme, when one is implicated).
type MidoriError struct {
	Phase   Phase
	Message string
	Line    int
	Lexeme  string

	// Runtime-only.
	RuntimeKind RuntimeKind
}

func (e *MidoriError) Error() string {
	var sb strings.Builder
	sb.WriteString(string(e.Phase))
	if e.RuntimeKind != "" {
		sb.WriteString(" (")
		sb.WriteString(string(e.RuntimeKind))
		sb.WriteByte(')')
	}
	sb.WriteString(": ")
	sb.WriteString(e.Message)
	if e.Line > 0 {
		fmt.Fprintf(&sb, " [line %d]", e.Line)
	}
	if e.Lexeme != "" {
		fmt.Fprintf(&sb, " near %q", e.Lexeme)
	}
	return sb.String()
}

// NewLexError constructs a lexer-phase diagnostic.
func NewLexError(line int, lexeme, format string, args ...interface{}) *MidoriError {
	return &MidoriError{Phase: PhaseLex, Line: line, Lexeme: lexeme, Message: fmt.Sprintf(format, args...)}
}

// NewParseError constructs a parser-phase diagnostic.
func NewParseError(line int, lexeme, format string, args ...interface{}) *MidoriError {
	return &MidoriError{Phase: PhaseParse, Line: line, Lexeme: lexeme, Message: fmt.Sprintf(format, args...)}
}

// NewTypeError constructs a type-checker diagnostic.
func NewTypeError(line int, format string, args ...interface{}) *MidoriError {
	return &MidoriError{Phase: PhaseType, Line: line, Message: fmt.Sprintf(format, args...)}
}

// NewCodegenError constructs a code-generator diagnostic (limit
// violations per spec.md §4.2).
func NewCodegenError(line int, format string, args ...interface{}) *MidoriError {
	return &MidoriError{Phase: PhaseCodegen, Line: line, Message: fmt.Sprintf(format, args...)}
}

// NewRuntimeError constructs a fatal runtime error, wrapped with
// github.com/pkg/errors so a %+v format carries a stack trace during
// development.
func NewRuntimeError(kind RuntimeKind, format string, args ...interface{}) error {
	base := &MidoriError{Phase: PhaseRuntime, RuntimeKind: kind, Message: fmt.Sprintf(format, args...)}
	return pkgerrors.WithStack(base)
}

// ErrorList is the accumulated result of a phase that continues past
// its first error (parser, type checker), per spec.md §7.
type ErrorList []*MidoriError

func (l ErrorList) Error() string {
	var sb strings.Builder
	for i, e := range l {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(e.Error())
	}
	return sb.String()
}

// HasErrors reports whether the list is non-empty.
func (l ErrorList) HasErrors() bool { return len(l) > 0 }
