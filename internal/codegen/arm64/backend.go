// Package arm64 selects AArch64 instructions for the shared IL lowering,
// following AAPCS64.
package arm64

import (
	"fmt"

	"github.com/tinyrange/jitseam/internal/arch"
	"github.com/tinyrange/jitseam/internal/asm"
	arm64 "github.com/tinyrange/jitseam/internal/asm/arm64"
	"github.com/tinyrange/jitseam/internal/codegen"
	"github.com/tinyrange/jitseam/internal/il"
)

type backend struct{}

func init() {
	codegen.RegisterBackend(arch.ARM64, backend{})
}

func (backend) MaxArgs() int  { return len(arm64.ArgumentRegisters) }
func (backend) MaxSlots() int { return arm64.MaxFrame / 8 }

func (backend) NewTarget(slots int) (codegen.Target, error) {
	size := (slots*8 + 15) &^ 15
	if size > arm64.MaxFrame {
		return nil, fmt.Errorf("codegen/arm64: frame of %d bytes too large", size)
	}
	return &target{frameSize: size}, nil
}

type target struct {
	frameSize int
}

func reg(r codegen.Reg) asm.Variable {
	if r == codegen.RegB {
		return arm64.X1
	}
	return arm64.X0
}

// Slot n lives at sp+8n, below the saved frame record.
func slotOffset(slot int) int {
	return slot * 8
}

func (t *target) Prologue() asm.Fragment {
	return arm64.Prologue(t.frameSize)
}

func (t *target) SpillArg(index, slot int, typ il.Type) asm.Fragment {
	r := arm64.ArgumentRegisters[index]
	var frags asm.Group
	switch typ {
	case il.TypeI32:
		frags = append(frags, arm64.Sxtw(r, r))
	case il.TypeBool:
		frags = append(frags,
			arm64.AndLowBits(r, r, 8),
			arm64.Cmp(r, arm64.XZR),
			arm64.Cset(r, arm64.CondNE),
		)
	}
	return append(frags, arm64.Store(r, arm64.SP, slotOffset(slot)))
}

func (t *target) Load(r codegen.Reg, slot int) asm.Fragment {
	return arm64.Load(reg(r), arm64.SP, slotOffset(slot))
}

func (t *target) Store(slot int, r codegen.Reg) asm.Fragment {
	return arm64.Store(reg(r), arm64.SP, slotOffset(slot))
}

func (t *target) Const(r codegen.Reg, value int64) asm.Fragment {
	return arm64.MovImm(reg(r), value)
}

var aluOps = map[il.Opcode]arm64.ALUOp{
	il.OpAdd:   arm64.OpAdd,
	il.OpSub:   arm64.OpSub,
	il.OpMul:   arm64.OpMul,
	il.OpAnd:   arm64.OpAnd,
	il.OpOr:    arm64.OpOrr,
	il.OpXor:   arm64.OpEor,
	il.OpShl:   arm64.OpLsl,
	il.OpShr:   arm64.OpAsr,
	il.OpShrUn: arm64.OpLsr,
}

func (t *target) Binary(op il.Opcode, k il.Kind) asm.Fragment {
	a, b := arm64.X0, arm64.X1
	var frags asm.Group
	wraps := k == il.KindI32
	switch op {
	case il.OpAnd, il.OpOr, il.OpXor, il.OpShr:
		wraps = false
	}
	if op.IsShift() && k == il.KindI32 {
		frags = append(frags, arm64.AndLowBits(b, b, 5))
		if op == il.OpShrUn {
			frags = append(frags, arm64.Uxtw(a, a))
		}
	}
	frags = append(frags, arm64.ALU(aluOps[op], a, a, b))
	if wraps {
		frags = append(frags, arm64.Sxtw(a, a))
	}
	return frags
}

func (t *target) Unary(op il.Opcode, k il.Kind) asm.Fragment {
	if op == il.OpNot {
		return arm64.Mvn(arm64.X0, arm64.X0)
	}
	frags := asm.Group{arm64.Neg(arm64.X0, arm64.X0)}
	if k == il.KindI32 {
		frags = append(frags, arm64.Sxtw(arm64.X0, arm64.X0))
	}
	return frags
}

var conditions = map[il.Opcode]arm64.Condition{
	il.OpCeq:   arm64.CondEQ,
	il.OpCgt:   arm64.CondGT,
	il.OpClt:   arm64.CondLT,
	il.OpCgtUn: arm64.CondHI,
	il.OpCltUn: arm64.CondLO,
	il.OpBeq:   arm64.CondEQ,
	il.OpBne:   arm64.CondNE,
	il.OpBlt:   arm64.CondLT,
	il.OpBge:   arm64.CondGE,
	il.OpBgt:   arm64.CondGT,
	il.OpBle:   arm64.CondLE,
}

func (t *target) Compare(op il.Opcode) asm.Fragment {
	return asm.Group{
		arm64.Cmp(arm64.X0, arm64.X1),
		arm64.Cset(arm64.X0, conditions[op]),
	}
}

func (t *target) SignExtend32() asm.Fragment {
	return arm64.Sxtw(arm64.X0, arm64.X0)
}

func (t *target) Jump(label asm.Label) asm.Fragment {
	return arm64.B(label)
}

func (t *target) JumpIf(op il.Opcode, label asm.Label) asm.Fragment {
	switch op {
	case il.OpBrtrue:
		return arm64.Cbnz(arm64.X0, label)
	case il.OpBrfalse:
		return arm64.Cbz(arm64.X0, label)
	}
	return asm.Group{
		arm64.Cmp(arm64.X0, arm64.X1),
		arm64.BCond(conditions[op], label),
	}
}

func (t *target) Return() asm.Fragment {
	return arm64.Epilogue()
}

func (t *target) Assemble(frag asm.Fragment) (asm.Program, error) {
	return arm64.EmitProgram(frag)
}
