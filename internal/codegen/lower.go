package codegen

import (
	"fmt"

	"github.com/tinyrange/jitseam/internal/asm"
	"github.com/tinyrange/jitseam/internal/il"
)

func instructionLabel(idx int) asm.Label {
	return asm.Label(fmt.Sprintf("il_%d", idx))
}

type layout struct {
	args   int
	locals int
	stack  int
}

func (l layout) arg(n int64) int   { return int(n) }
func (l layout) local(n int64) int { return l.args + int(n) }
func (l layout) entry(depth int) int {
	return l.args + l.locals + depth
}
func (l layout) slots() int { return l.args + l.locals + l.stack }

func lower(backend Backend, frame il.Frame, body *il.Body, an *il.Analysis, opts Options) (Output, error) {
	if len(frame.Params) > backend.MaxArgs() {
		return Output{}, fmt.Errorf("codegen: %d arguments exceed the %d register arguments supported", len(frame.Params), backend.MaxArgs())
	}
	lay := layout{args: len(frame.Params), locals: len(frame.Locals), stack: an.MaxStack}
	if lay.slots() > backend.MaxSlots() {
		return Output{}, fmt.Errorf("codegen: frame needs %d slots, limit is %d", lay.slots(), backend.MaxSlots())
	}
	t, err := backend.NewTarget(lay.slots())
	if err != nil {
		return Output{}, err
	}

	targets := make(map[int]bool)
	for _, ins := range body.Code {
		if ins.Op.IsBranch() {
			targets[int(ins.Arg)] = true
		}
	}

	frags := asm.Group{t.Prologue()}
	for i, p := range frame.Params {
		frags = append(frags, t.SpillArg(i, lay.arg(int64(i)), p))
	}
	if opts.ZeroLocals && lay.locals > 0 {
		frags = append(frags, t.Const(RegA, 0))
		for i := range frame.Locals {
			frags = append(frags, t.Store(lay.local(int64(i)), RegA))
		}
	}

	markers := make([]*asm.Marker, len(body.Code))
	for idx, ins := range body.Code {
		depth := an.Depth[idx]
		if depth < 0 {
			continue
		}
		if targets[idx] {
			frags = append(frags, asm.MarkLabel(instructionLabel(idx)))
		}
		if opts.DebugInfo {
			markers[idx] = &asm.Marker{}
			frags = append(frags, markers[idx])
		}
		code, err := lowerInstruction(t, lay, frame, an, idx, ins, depth)
		if err != nil {
			return Output{}, err
		}
		frags = append(frags, code...)
	}

	prog, err := t.Assemble(frags)
	if err != nil {
		return Output{}, err
	}
	out := Output{Program: prog, Analysis: an}
	if opts.DebugInfo {
		for idx, m := range markers {
			if m != nil && m.Emitted() {
				out.DebugMap = append(out.DebugMap, il.OffsetMapping{Index: idx, Native: m.Offset})
			}
		}
	}
	return out, nil
}

func lowerInstruction(t Target, lay layout, frame il.Frame, an *il.Analysis, idx int, ins il.Instruction, depth int) ([]asm.Fragment, error) {
	top := lay.entry(depth - 1)
	next := lay.entry(depth)
	k := an.Operand[idx]

	switch {
	case ins.Op == il.OpNop:
		return nil, nil
	case ins.Op == il.OpLdarg:
		return []asm.Fragment{t.Load(RegA, lay.arg(ins.Arg)), t.Store(next, RegA)}, nil
	case ins.Op == il.OpStarg:
		return []asm.Fragment{t.Load(RegA, top), t.Store(lay.arg(ins.Arg), RegA)}, nil
	case ins.Op == il.OpLdloc:
		return []asm.Fragment{t.Load(RegA, lay.local(ins.Arg)), t.Store(next, RegA)}, nil
	case ins.Op == il.OpStloc:
		return []asm.Fragment{t.Load(RegA, top), t.Store(lay.local(ins.Arg), RegA)}, nil
	case ins.Op == il.OpLdcI4:
		return []asm.Fragment{t.Const(RegA, int64(int32(ins.Arg))), t.Store(next, RegA)}, nil
	case ins.Op == il.OpLdcI8:
		return []asm.Fragment{t.Const(RegA, ins.Arg), t.Store(next, RegA)}, nil
	case ins.Op == il.OpDup:
		return []asm.Fragment{t.Load(RegA, top), t.Store(next, RegA)}, nil
	case ins.Op == il.OpPop:
		return nil, nil
	case ins.Op.IsCompare():
		lhs := lay.entry(depth - 2)
		return []asm.Fragment{t.Load(RegA, lhs), t.Load(RegB, top), t.Compare(ins.Op), t.Store(lhs, RegA)}, nil
	case ins.Op.IsBinary():
		lhs := lay.entry(depth - 2)
		return []asm.Fragment{t.Load(RegA, lhs), t.Load(RegB, top), t.Binary(ins.Op, k), t.Store(lhs, RegA)}, nil
	case ins.Op == il.OpNeg || ins.Op == il.OpNot:
		return []asm.Fragment{t.Load(RegA, top), t.Unary(ins.Op, k), t.Store(top, RegA)}, nil
	case ins.Op == il.OpConvI4:
		return []asm.Fragment{t.Load(RegA, top), t.SignExtend32(), t.Store(top, RegA)}, nil
	case ins.Op == il.OpConvI8:
		// i32 values are kept sign-extended in their slots.
		return nil, nil
	case ins.Op == il.OpBr:
		return []asm.Fragment{t.Jump(instructionLabel(int(ins.Arg)))}, nil
	case ins.Op == il.OpBrtrue || ins.Op == il.OpBrfalse:
		return []asm.Fragment{t.Load(RegA, top), t.JumpIf(ins.Op, instructionLabel(int(ins.Arg)))}, nil
	case ins.Op.IsConditionalBranch():
		return []asm.Fragment{
			t.Load(RegA, lay.entry(depth-2)),
			t.Load(RegB, top),
			t.JumpIf(ins.Op, instructionLabel(int(ins.Arg))),
		}, nil
	case ins.Op == il.OpRet:
		if frame.Return == il.TypeVoid {
			return []asm.Fragment{t.Const(RegA, 0), t.Return()}, nil
		}
		return []asm.Fragment{t.Load(RegA, top), t.Return()}, nil
	default:
		return nil, fmt.Errorf("codegen: instruction %d: unsupported opcode %s", idx, ins.Op)
	}
}
