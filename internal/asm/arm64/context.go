package arm64

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/jitseam/internal/asm"
)

type branchKind uint8

const (
	branchUncond branchKind = iota
	branchCond
	branchCompare
)

type branchPatch struct {
	label asm.Label
	pos   int
	kind  branchKind
}

// Context assembles fragments into a flat buffer of 32-bit words.
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

func (c *Context) emit32(word uint32) {
	c.text = binary.LittleEndian.AppendUint32(c.text, word)
}

func (c *Context) addBranch(label asm.Label, kind branchKind, word uint32) {
	c.patches = append(c.patches, branchPatch{label: label, pos: len(c.text), kind: kind})
	c.emit32(word)
}

func (c *Context) patchBranch(p branchPatch) error {
	target, ok := c.labels[p.label]
	if !ok {
		return fmt.Errorf("arm64: undefined label %q", p.label)
	}
	delta := target - p.pos
	if delta%4 != 0 {
		return fmt.Errorf("arm64: misaligned branch to %q", p.label)
	}
	imm := int64(delta / 4)
	word := binary.LittleEndian.Uint32(c.text[p.pos:])
	switch p.kind {
	case branchUncond:
		if imm < -(1<<25) || imm >= 1<<25 {
			return fmt.Errorf("arm64: branch to %q out of range", p.label)
		}
		word |= uint32(imm) & 0x03ffffff
	case branchCond, branchCompare:
		if imm < -(1<<18) || imm >= 1<<18 {
			return fmt.Errorf("arm64: branch to %q out of range", p.label)
		}
		word |= (uint32(imm) & 0x7ffff) << 5
	default:
		return fmt.Errorf("arm64: unknown branch kind %d", p.kind)
	}
	binary.LittleEndian.PutUint32(c.text[p.pos:], word)
	return nil
}

func (c *Context) finalize() ([]byte, error) {
	for _, p := range c.patches {
		if err := c.patchBranch(p); err != nil {
			return nil, err
		}
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
		return nil, fmt.Errorf("arm64: fragment emitted into %T", ctx)
	}
	return c, nil
}
