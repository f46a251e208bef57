package amd64

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/jitseam/internal/asm"
)

type branchPatch struct {
	label asm.Label
	pos   int // offset of the rel32 field
}

// Context assembles fragments into a flat byte buffer, resolving rel32
// branches once every label is known.
type Context struct {
	text    []byte
	labels  map[asm.Label]int
	patches []branchPatch
}

var _ asm.Context = &Context{}

func newContext() *Context {
	return &Context{labels: make(map[asm.Label]int)}
}

func (c *Context) EmitBytes(data []byte) {
	c.text = append(c.text, data...)
}

func (c *Context) Offset() int { return len(c.text) }

func (c *Context) GetLabel(label asm.Label) (int, bool) {
	pos, ok := c.labels[label]
	return pos, ok
}

func (c *Context) SetLabel(label asm.Label) {
	c.labels[label] = len(c.text)
}

func (c *Context) addBranch(label asm.Label) {
	c.patches = append(c.patches, branchPatch{label: label, pos: len(c.text)})
	c.text = append(c.text, 0, 0, 0, 0)
}

func (c *Context) finalize() ([]byte, error) {
	for _, p := range c.patches {
		target, ok := c.labels[p.label]
		if !ok {
			return nil, fmt.Errorf("amd64: undefined label %q", p.label)
		}
		rel := target - (p.pos + 4)
		binary.LittleEndian.PutUint32(c.text[p.pos:], uint32(int32(rel)))
	}
	return c.text, nil
}

// EmitProgram assembles frag into a position-independent program.
func EmitProgram(frag asm.Fragment) (asm.Program, error) {
	ctx := newContext()
	if err := frag.Emit(ctx); err != nil {
		return asm.Program{}, err
	}
	code, err := ctx.finalize()
	if err != nil {
		return asm.Program{}, err
	}
	return asm.NewProgram(code), nil
}

func asContext(ctx asm.Context) (*Context, error) {
	c, ok := ctx.(*Context)
	if !ok {
		return nil, fmt.Errorf("amd64: fragment emitted into %T", ctx)
	}
	return c, nil
}
