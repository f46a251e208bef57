package asm

import (
	"fmt"
)

// Variable names a machine register. Each architecture package defines its
// own numbering.
type Variable int

// Context receives the bytes of a program as its fragments are emitted.
type Context interface {
	EmitBytes(data []byte)
	Offset() int

	GetLabel(label Label) (int, bool)
	SetLabel(label Label)
}

type Fragment interface {
	Emit(ctx Context) error
}

type Group []Fragment

var (
	_ Fragment = Group{}
)

func (g Group) Emit(ctx Context) error {
	for _, frag := range g {
		if err := frag.Emit(ctx); err != nil {
			return err
		}
	}
	return nil
}

type Label string

type labelDef struct {
	label Label
}

func MarkLabel(label Label) Fragment {
	return &labelDef{label: label}
}

func (l *labelDef) Emit(ctx Context) error {
	if _, exists := ctx.GetLabel(l.label); exists {
		return fmt.Errorf("label %q already defined", l.label)
	}
	ctx.SetLabel(l.label)
	return nil
}

// Marker records the offset at which it is emitted. Code generators use it to
// map source positions to native offsets.
type Marker struct {
	Offset int
	set    bool
}

func (m *Marker) Emit(ctx Context) error {
	m.Offset = ctx.Offset()
	m.set = true
	return nil
}

// Emitted reports whether the marker was reached during emission.
func (m *Marker) Emitted() bool { return m.set }

// Program is position-independent machine code: it contains no absolute
// addresses and may be copied to any suitably aligned executable location.
type Program struct {
	code []byte
}

func (p Program) Bytes() []byte {
	return append([]byte(nil), p.code...)
}

func (p Program) Len() int {
	return len(p.code)
}

func (p Program) Clone() Program {
	return Program{code: append([]byte(nil), p.code...)}
}

func NewProgram(code []byte) Program {
	return Program{code: append([]byte(nil), code...)}
}
