// Package types implements Midori's type system: a closed set of type
// kinds and an intern table that hands out stable, pointer-comparable
// handles keyed by canonical textual form.
package types

import (
	"strings"
)

// Kind enumerates the closed set of type shapes Midori supports.
type Kind int

const (
	KindInt Kind = iota
	KindFrac
	KindText
	KindBool
	KindUnit
	KindArray
	KindFunction
	KindStruct
	KindUnion
)

// Field describes one struct field or union variant field.
type Field struct {
	Name string
	Type *Type
}

// Variant describes one tagged-union alternative.
type Variant struct {
	Tag    int
	Name   string
	Fields []*Type
}

// Type is an interned, structurally-named type handle. Two Type
// pointers are equal (Go `==`) iff the types they denote are
// structurally equal; callers never compare types structurally, only
// by pointer.
type Type struct {
	Kind Kind

	// KindArray
	Elem *Type

	// KindFunction
	Params   []*Type
	Result   *Type
	IsForeign bool

	// KindStruct
	StructName string
	Fields     []Field

	// KindUnion
	UnionName string
	Variants  []Variant

	canonical string
}

// String returns the canonical textual form used as the intern key.
func (t *Type) String() string {
	return t.canonical
}

// Table is an arena of interned types, keyed by canonical name.
type Table struct {
	byName map[string]*Type

	Int  *Type
	Frac *Type
	Text *Type
	Bool *Type
	Unit *Type
}

// NewTable constructs a Table with the built-in atomic types already
// interned.
func NewTable() *Table {
	t := &Table{byName: make(map[string]*Type)}
	t.Int = t.intern(&Type{Kind: KindInt, canonical: "Int"})
	t.Frac = t.intern(&Type{Kind: KindFrac, canonical: "Frac"})
	t.Text = t.intern(&Type{Kind: KindText, canonical: "Text"})
	t.Bool = t.intern(&Type{Kind: KindBool, canonical: "Bool"})
	t.Unit = t.intern(&Type{Kind: KindUnit, canonical: "Unit"})
	return t
}

func (t *Table) intern(ty *Type) *Type {
	if existing, ok := t.byName[ty.canonical]; ok {
		return existing
	}
	t.byName[ty.canonical] = ty
	return ty
}

// Array returns the interned Array<elem> type.
func (t *Table) Array(elem *Type) *Type {
	name := "Array<" + elem.canonical + ">"
	if existing, ok := t.byName[name]; ok {
		return existing
	}
	return t.intern(&Type{Kind: KindArray, Elem: elem, canonical: name})
}

// Function returns the interned Function(params...)->result type.
// foreign types and non-foreign types with the same signature are
// distinct interned types, since the foreign flag is part of identity.
func (t *Table) Function(params []*Type, result *Type, foreign bool) *Type {
	var sb strings.Builder
	if foreign {
		sb.WriteString("foreign ")
	}
	sb.WriteByte('(')
	for i, p := range params {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(p.canonical)
	}
	sb.WriteString(")->")
	sb.WriteString(result.canonical)
	name := sb.String()
	if existing, ok := t.byName[name]; ok {
		return existing
	}
	paramsCopy := append([]*Type(nil), params...)
	return t.intern(&Type{Kind: KindFunction, Params: paramsCopy, Result: result, IsForeign: foreign, canonical: name})
}

// Struct returns the interned struct type for the given name and
// fields. A second call with the same name and identical field types
// returns the same handle; a call with the same name and different
// fields is a caller error (the checker never does this — struct
// names are declared once).
func (t *Table) Struct(name string, fields []Field) *Type {
	var sb strings.Builder
	sb.WriteString("struct ")
	sb.WriteString(name)
	sb.WriteByte('{')
	for i, f := range fields {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(f.Name)
		sb.WriteByte(':')
		sb.WriteString(f.Type.canonical)
	}
	sb.WriteByte('}')
	canonical := sb.String()
	if existing, ok := t.byName[canonical]; ok {
		return existing
	}
	fieldsCopy := append([]Field(nil), fields...)
	return t.intern(&Type{Kind: KindStruct, StructName: name, Fields: fieldsCopy, canonical: canonical})
}

// StructsStructurallyEqual reports whether two struct types have
// identical field-type sequences, used by `as` cast checking.
func StructsStructurallyEqual(a, b *Type) bool {
	if a.Kind != KindStruct || b.Kind != KindStruct {
		return false
	}
	if len(a.Fields) != len(b.Fields) {
		return false
	}
	for i := range a.Fields {
		if a.Fields[i].Type != b.Fields[i].Type {
			return false
		}
	}
	return true
}

// Union returns the interned union type for the given name and
// variants, each enumerated with its declaration-order tag.
func (t *Table) Union(name string, variants []Variant) *Type {
	var sb strings.Builder
	sb.WriteString("union ")
	sb.WriteString(name)
	sb.WriteByte('{')
	for i, v := range variants {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(v.Name)
		sb.WriteByte('(')
		for j, ft := range v.Fields {
			if j > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(ft.canonical)
		}
		sb.WriteByte(')')
	}
	sb.WriteByte('}')
	canonical := sb.String()
	if existing, ok := t.byName[canonical]; ok {
		return existing
	}
	variantsCopy := append([]Variant(nil), variants...)
	return t.intern(&Type{Kind: KindUnion, UnionName: name, Variants: variantsCopy, canonical: canonical})
}

// IsNumeric reports whether t is Int or Frac.
func IsNumeric(t *Type) bool {
	return t != nil && (t.Kind == KindInt || t.Kind == KindFrac)
}

// IsAtomic reports whether t is one of the built-in scalar kinds,
// i.e. valid on either side of an `as` cast between atomics.
func IsAtomic(t *Type) bool {
	switch t.Kind {
	case KindInt, KindFrac, KindText, KindBool, KindUnit:
		return true
	default:
		return false
	}
}
