package il

import (
	"errors"
	"fmt"
)

// ErrStepLimit is returned by Eval when the body does not return within the
// requested number of steps.
var ErrStepLimit = errors.New("il: step limit exceeded")

// NormalizeArg converts a raw register word into the value a parameter of type
// t holds on the evaluation stack: i32 is sign-extended from the low 32 bits
// and bool collapses to 0 or 1.
func NormalizeArg(t Type, raw int64) int64 {
	switch t {
	case TypeI32:
		return int64(int32(raw))
	case TypeBool:
		if uint8(raw) != 0 {
			return 1
		}
		return 0
	default:
		return raw
	}
}

func wrap(k Kind, v int64) int64 {
	if k == KindI32 {
		return int64(int32(v))
	}
	return v
}

// Eval interprets a verified body. It is the reference semantics the code
// generators are tested against, and the fallback the command line uses when
// no native strategy can prepare a method.
func Eval(frame Frame, b *Body, an *Analysis, args []int64, maxSteps int) (int64, error) {
	if len(args) != len(frame.Params) {
		return 0, fmt.Errorf("il: eval: got %d arguments, want %d", len(args), len(frame.Params))
	}
	params := make([]int64, len(args))
	for i, a := range args {
		params[i] = NormalizeArg(frame.Params[i], a)
	}
	locals := make([]int64, len(frame.Locals))
	stack := make([]int64, 0, an.MaxStack)

	pop := func() int64 {
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v
	}

	pc := 0
	for steps := 0; ; steps++ {
		if maxSteps > 0 && steps >= maxSteps {
			return 0, ErrStepLimit
		}
		if pc < 0 || pc >= len(b.Code) {
			return 0, fmt.Errorf("il: eval: pc %d out of range", pc)
		}
		ins := b.Code[pc]
		k := an.Operand[pc]
		next := pc + 1

		switch ins.Op {
		case OpNop:
		case OpLdarg:
			stack = append(stack, params[ins.Arg])
		case OpStarg:
			params[ins.Arg] = pop()
		case OpLdloc:
			stack = append(stack, locals[ins.Arg])
		case OpStloc:
			locals[ins.Arg] = pop()
		case OpLdcI4:
			stack = append(stack, int64(int32(ins.Arg)))
		case OpLdcI8:
			stack = append(stack, ins.Arg)
		case OpDup:
			stack = append(stack, stack[len(stack)-1])
		case OpPop:
			pop()
		case OpAdd, OpSub, OpMul, OpAnd, OpOr, OpXor:
			r, l := pop(), pop()
			var v int64
			switch ins.Op {
			case OpAdd:
				v = l + r
			case OpSub:
				v = l - r
			case OpMul:
				v = l * r
			case OpAnd:
				v = l & r
			case OpOr:
				v = l | r
			case OpXor:
				v = l ^ r
			}
			stack = append(stack, wrap(k, v))
		case OpShl, OpShr, OpShrUn:
			amount, l := pop(), pop()
			mask := int64(63)
			if k == KindI32 {
				mask = 31
			}
			s := uint(amount & mask)
			var v int64
			switch ins.Op {
			case OpShl:
				v = l << s
			case OpShr:
				v = l >> s
			default:
				if k == KindI32 {
					v = int64(uint32(l) >> s)
				} else {
					v = int64(uint64(l) >> s)
				}
			}
			stack = append(stack, wrap(k, v))
		case OpNeg:
			stack = append(stack, wrap(k, -pop()))
		case OpNot:
			stack = append(stack, wrap(k, ^pop()))
		case OpCeq, OpCgt, OpClt, OpCgtUn, OpCltUn:
			r, l := pop(), pop()
			var v bool
			switch ins.Op {
			case OpCeq:
				v = l == r
			case OpCgt:
				v = l > r
			case OpClt:
				v = l < r
			case OpCgtUn:
				v = uint64(l) > uint64(r)
			case OpCltUn:
				v = uint64(l) < uint64(r)
			}
			if v {
				stack = append(stack, 1)
			} else {
				stack = append(stack, 0)
			}
		case OpBr:
			next = int(ins.Arg)
		case OpBrtrue, OpBrfalse:
			v := pop()
			if (v != 0) == (ins.Op == OpBrtrue) {
				next = int(ins.Arg)
			}
		case OpBeq, OpBne, OpBlt, OpBge, OpBgt, OpBle:
			r, l := pop(), pop()
			var taken bool
			switch ins.Op {
			case OpBeq:
				taken = l == r
			case OpBne:
				taken = l != r
			case OpBlt:
				taken = l < r
			case OpBge:
				taken = l >= r
			case OpBgt:
				taken = l > r
			case OpBle:
				taken = l <= r
			}
			if taken {
				next = int(ins.Arg)
			}
		case OpConvI4:
			stack = append(stack, int64(int32(pop())))
		case OpConvI8:
		case OpRet:
			if frame.Return == TypeVoid {
				return 0, nil
			}
			return pop(), nil
		default:
			return 0, fmt.Errorf("il: eval: unhandled opcode %s", ins.Op)
		}
		pc = next
	}
}
