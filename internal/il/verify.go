package il

import (
	"errors"
	"fmt"
)

// ErrVerify is wrapped by every verification failure.
var ErrVerify = errors.New("il: verification failed")

// Analysis is the result of verifying a body against its frame. Code
// generators rely on it to assign evaluation stack slots.
type Analysis struct {
	// Depth is the evaluation stack depth on entry to each instruction, or
	// -1 when the instruction is unreachable.
	Depth []int
	// Operand is the kind of the left (or only) operand each instruction
	// consumes.
	Operand []Kind
	// Result is the kind each instruction pushes, KindNone when it pushes
	// nothing.
	Result []Kind
	// MaxStack is the largest evaluation stack depth reached.
	MaxStack int
}

func verifyErr(idx int, ins Instruction, format string, args ...any) error {
	return fmt.Errorf("%w: instruction %d (%s): %s", ErrVerify, idx, ins, fmt.Sprintf(format, args...))
}

func sameStack(a, b []Kind) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Verify checks that the body is well formed for frame: every instruction is
// valid, argument and local indexes are in range, the evaluation stack has a
// consistent shape wherever control flow merges, and every return matches the
// frame's return type.
func Verify(frame Frame, b *Body) (*Analysis, error) {
	if b.Len() == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrVerify)
	}
	for idx, p := range frame.Params {
		if p.StackKind() == KindNone {
			return nil, fmt.Errorf("%w: parameter %d has type %s", ErrVerify, idx, p)
		}
	}
	for idx, l := range frame.Locals {
		if l.StackKind() == KindNone {
			return nil, fmt.Errorf("%w: local %d has type %s", ErrVerify, idx, l)
		}
	}

	n := len(b.Code)
	states := make([][]Kind, n)
	an := &Analysis{
		Depth:   make([]int, n),
		Operand: make([]Kind, n),
		Result:  make([]Kind, n),
	}
	for i := range an.Depth {
		an.Depth[i] = -1
	}

	work := []int{0}
	states[0] = []Kind{}

	propagate := func(from, to int, stack []Kind) error {
		if to < 0 || to >= n {
			return verifyErr(from, b.Code[from], "target %d out of range", to)
		}
		if states[to] == nil {
			states[to] = append([]Kind{}, stack...)
			work = append(work, to)
			return nil
		}
		if !sameStack(states[to], stack) {
			return verifyErr(from, b.Code[from], "stack shape %v does not match %v at instruction %d", stack, states[to], to)
		}
		return nil
	}

	visited := make([]bool, n)
	for len(work) > 0 {
		idx := work[len(work)-1]
		work = work[:len(work)-1]
		if visited[idx] {
			continue
		}
		visited[idx] = true

		ins := b.Code[idx]
		stack := append([]Kind{}, states[idx]...)
		an.Depth[idx] = len(stack)

		pop := func() (Kind, error) {
			if len(stack) == 0 {
				return KindNone, verifyErr(idx, ins, "stack underflow")
			}
			k := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			return k, nil
		}
		push := func(k Kind) {
			stack = append(stack, k)
			an.Result[idx] = k
		}

		if !ins.Op.Valid() {
			return nil, verifyErr(idx, ins, "invalid opcode")
		}

		switch {
		case ins.Op == OpNop:
		case ins.Op == OpLdarg || ins.Op == OpStarg:
			if ins.Arg < 0 || int(ins.Arg) >= len(frame.Params) {
				return nil, verifyErr(idx, ins, "argument %d out of range (%d parameters)", ins.Arg, len(frame.Params))
			}
			want := frame.Params[ins.Arg].StackKind()
			if ins.Op == OpLdarg {
				push(want)
				break
			}
			k, err := pop()
			if err != nil {
				return nil, err
			}
			if k != want {
				return nil, verifyErr(idx, ins, "storing %s into %s argument", k, want)
			}
			an.Operand[idx] = k
		case ins.Op == OpLdloc || ins.Op == OpStloc:
			if ins.Arg < 0 || int(ins.Arg) >= len(frame.Locals) {
				return nil, verifyErr(idx, ins, "local %d out of range (%d locals)", ins.Arg, len(frame.Locals))
			}
			want := frame.Locals[ins.Arg].StackKind()
			if ins.Op == OpLdloc {
				push(want)
				break
			}
			k, err := pop()
			if err != nil {
				return nil, err
			}
			if k != want {
				return nil, verifyErr(idx, ins, "storing %s into %s local", k, want)
			}
			an.Operand[idx] = k
		case ins.Op == OpLdcI4:
			push(KindI32)
		case ins.Op == OpLdcI8:
			push(KindI64)
		case ins.Op == OpDup:
			k, err := pop()
			if err != nil {
				return nil, err
			}
			an.Operand[idx] = k
			stack = append(stack, k)
			push(k)
		case ins.Op == OpPop:
			k, err := pop()
			if err != nil {
				return nil, err
			}
			an.Operand[idx] = k
		case ins.Op.IsShift():
			if _, err := pop(); err != nil {
				return nil, err
			}
			a, err := pop()
			if err != nil {
				return nil, err
			}
			an.Operand[idx] = a
			push(a)
		case ins.Op.IsBinary():
			r, err := pop()
			if err != nil {
				return nil, err
			}
			l, err := pop()
			if err != nil {
				return nil, err
			}
			if l != r {
				return nil, verifyErr(idx, ins, "operand kinds differ (%s, %s)", l, r)
			}
			an.Operand[idx] = l
			if ins.Op.IsCompare() {
				push(KindI32)
			} else {
				push(l)
			}
		case ins.Op == OpNeg || ins.Op == OpNot:
			k, err := pop()
			if err != nil {
				return nil, err
			}
			an.Operand[idx] = k
			push(k)
		case ins.Op == OpConvI4 || ins.Op == OpConvI8:
			k, err := pop()
			if err != nil {
				return nil, err
			}
			an.Operand[idx] = k
			if ins.Op == OpConvI4 {
				push(KindI32)
			} else {
				push(KindI64)
			}
		case ins.Op == OpBr:
		case ins.Op == OpBrtrue || ins.Op == OpBrfalse:
			k, err := pop()
			if err != nil {
				return nil, err
			}
			an.Operand[idx] = k
		case ins.Op.IsConditionalBranch():
			r, err := pop()
			if err != nil {
				return nil, err
			}
			l, err := pop()
			if err != nil {
				return nil, err
			}
			if l != r {
				return nil, verifyErr(idx, ins, "operand kinds differ (%s, %s)", l, r)
			}
			an.Operand[idx] = l
		case ins.Op == OpRet:
			want := frame.Return.StackKind()
			if want == KindNone {
				if len(stack) != 0 {
					return nil, verifyErr(idx, ins, "void return with %d values on the stack", len(stack))
				}
				break
			}
			if len(stack) != 1 {
				return nil, verifyErr(idx, ins, "return expects exactly one value, stack has %d", len(stack))
			}
			if stack[0] != want {
				return nil, verifyErr(idx, ins, "returning %s from %s method", stack[0], frame.Return)
			}
			an.Operand[idx] = stack[0]
		default:
			return nil, verifyErr(idx, ins, "unhandled opcode")
		}

		if len(stack) > an.MaxStack {
			an.MaxStack = len(stack)
		}

		if ins.Op.IsBranch() {
			if err := propagate(idx, int(ins.Arg), stack); err != nil {
				return nil, err
			}
		}
		if !ins.Op.Terminates() {
			if idx+1 >= n {
				return nil, verifyErr(idx, ins, "control falls off the end of the body")
			}
			if err := propagate(idx, idx+1, stack); err != nil {
				return nil, err
			}
		}
	}
	return an, nil
}
