// Package amd64 selects x86-64 instructions for the shared IL lowering,
// following the System V calling convention.
package amd64

import (
	"github.com/tinyrange/jitseam/internal/arch"
	"github.com/tinyrange/jitseam/internal/asm"
	amd64 "github.com/tinyrange/jitseam/internal/asm/amd64"
	"github.com/tinyrange/jitseam/internal/codegen"
	"github.com/tinyrange/jitseam/internal/il"
)

const stackAlignment = 16

type backend struct{}

func init() {
	codegen.RegisterBackend(arch.X86_64, backend{})
}

func (backend) MaxArgs() int  { return len(amd64.ArgumentRegisters) }
func (backend) MaxSlots() int { return 1 << 16 }

func (backend) NewTarget(slots int) (codegen.Target, error) {
	size := int32(slots * 8)
	if rem := size % stackAlignment; rem != 0 {
		size += stackAlignment - rem
	}
	return &target{frameSize: size}, nil
}

type target struct {
	frameSize int32
}

func reg(r codegen.Reg) asm.Variable {
	if r == codegen.RegB {
		return amd64.RCX
	}
	return amd64.RAX
}

// Slot n lives at rbp-8(n+1).
func slotOffset(slot int) int32 {
	return -int32(slot+1) * 8
}

func (t *target) Prologue() asm.Fragment {
	return amd64.Prologue(t.frameSize)
}

func (t *target) SpillArg(index, slot int, typ il.Type) asm.Fragment {
	r := amd64.ArgumentRegisters[index]
	var frags asm.Group
	switch typ {
	case il.TypeI32:
		frags = append(frags, amd64.SignExtend32(r, r))
	case il.TypeBool:
		frags = append(frags, amd64.ZeroExtend8(r, r), amd64.Test(r, r), amd64.SetCC(amd64.CondNotEqual, r))
	}
	return append(frags, amd64.Store(amd64.RBP, slotOffset(slot), r))
}

func (t *target) Load(r codegen.Reg, slot int) asm.Fragment {
	return amd64.Load(reg(r), amd64.RBP, slotOffset(slot))
}

func (t *target) Store(slot int, r codegen.Reg) asm.Fragment {
	return amd64.Store(amd64.RBP, slotOffset(slot), reg(r))
}

func (t *target) Const(r codegen.Reg, value int64) asm.Fragment {
	return amd64.MovImm(reg(r), value)
}

var aluOps = map[il.Opcode]amd64.ALUOp{
	il.OpAdd: amd64.OpAdd,
	il.OpSub: amd64.OpSub,
	il.OpAnd: amd64.OpAnd,
	il.OpOr:  amd64.OpOr,
	il.OpXor: amd64.OpXor,
}

func (t *target) Binary(op il.Opcode, k il.Kind) asm.Fragment {
	a, b := amd64.RAX, amd64.RCX
	var frags asm.Group
	wraps := k == il.KindI32
	switch op {
	case il.OpAnd, il.OpOr, il.OpXor:
		frags = append(frags, amd64.ALU(aluOps[op], a, b))
		wraps = false
	case il.OpAdd, il.OpSub:
		frags = append(frags, amd64.ALU(aluOps[op], a, b))
	case il.OpMul:
		frags = append(frags, amd64.IMul(a, b))
	case il.OpShl, il.OpShr, il.OpShrUn:
		if k == il.KindI32 {
			frags = append(frags, amd64.AndImm8(b, 31))
		}
		switch op {
		case il.OpShl:
			frags = append(frags, amd64.ShiftCL(amd64.ShiftLeft, a))
		case il.OpShr:
			frags = append(frags, amd64.ShiftCL(amd64.ShiftRightArith, a))
			wraps = false
		default:
			if k == il.KindI32 {
				frags = append(frags, amd64.ZeroExtend32(a, a))
			}
			frags = append(frags, amd64.ShiftCL(amd64.ShiftRightLogical, a))
		}
	}
	if wraps {
		frags = append(frags, amd64.SignExtend32(a, a))
	}
	return frags
}

func (t *target) Unary(op il.Opcode, k il.Kind) asm.Fragment {
	if op == il.OpNot {
		return amd64.Not(amd64.RAX)
	}
	frags := asm.Group{amd64.Neg(amd64.RAX)}
	if k == il.KindI32 {
		frags = append(frags, amd64.SignExtend32(amd64.RAX, amd64.RAX))
	}
	return frags
}

var conditions = map[il.Opcode]amd64.Condition{
	il.OpCeq:   amd64.CondEqual,
	il.OpCgt:   amd64.CondGreater,
	il.OpClt:   amd64.CondLess,
	il.OpCgtUn: amd64.CondAbove,
	il.OpCltUn: amd64.CondBelow,
	il.OpBeq:   amd64.CondEqual,
	il.OpBne:   amd64.CondNotEqual,
	il.OpBlt:   amd64.CondLess,
	il.OpBge:   amd64.CondGreaterEqual,
	il.OpBgt:   amd64.CondGreater,
	il.OpBle:   amd64.CondLessEqual,
}

func (t *target) Compare(op il.Opcode) asm.Fragment {
	return asm.Group{
		amd64.ALU(amd64.OpCmp, amd64.RAX, amd64.RCX),
		amd64.SetCC(conditions[op], amd64.RAX),
	}
}

func (t *target) SignExtend32() asm.Fragment {
	return amd64.SignExtend32(amd64.RAX, amd64.RAX)
}

func (t *target) Jump(label asm.Label) asm.Fragment {
	return amd64.Jmp(label)
}

func (t *target) JumpIf(op il.Opcode, label asm.Label) asm.Fragment {
	switch op {
	case il.OpBrtrue:
		return asm.Group{amd64.Test(amd64.RAX, amd64.RAX), amd64.Jcc(amd64.CondNotEqual, label)}
	case il.OpBrfalse:
		return asm.Group{amd64.Test(amd64.RAX, amd64.RAX), amd64.Jcc(amd64.CondEqual, label)}
	}
	return asm.Group{
		amd64.ALU(amd64.OpCmp, amd64.RAX, amd64.RCX),
		amd64.Jcc(conditions[op], label),
	}
}

func (t *target) Return() asm.Fragment {
	return amd64.Epilogue()
}

func (t *target) Assemble(frag asm.Fragment) (asm.Program, error) {
	return amd64.EmitProgram(frag)
}
