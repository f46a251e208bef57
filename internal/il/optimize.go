package il

// Optimize returns a copy of a verified body with constants folded and
// no-op sequences removed. Branch targets are remapped; instructions that are
// branch targets are never folded away from under their label.
func Optimize(b *Body) *Body {
	cur := b.Clone()
	for round := 0; round < 8; round++ {
		next, changed := optimizeOnce(cur)
		cur = next
		if !changed {
			break
		}
	}
	return cur
}

func optimizeOnce(b *Body) (*Body, bool) {
	n := len(b.Code)
	targets := make([]bool, n+1)
	for _, ins := range b.Code {
		if ins.Op.IsBranch() && ins.Arg >= 0 && int(ins.Arg) <= n {
			targets[ins.Arg] = true
		}
	}

	// newIndex[i] is the index in out of instruction i, or of the first kept
	// instruction after it when i was removed.
	newIndex := make([]int, n+1)
	removed := make([]bool, n)
	out := make([]Instruction, 0, n)
	changed := false

	for i := 0; i < n; {
		ins := b.Code[i]

		if ins.Op == OpNop && !targets[i] {
			removed[i] = true
			changed = true
			i++
			continue
		}

		if ins.Op.IsLoadConstant() && i+2 < n && !targets[i+1] && !targets[i+2] {
			rhs, op := b.Code[i+1], b.Code[i+2].Op
			if rhs.Op.IsLoadConstant() && op.IsBinary() {
				if folded, ok := foldBinary(ins, rhs, op); ok {
					newIndex[i] = len(out)
					out = append(out, folded)
					removed[i+1], removed[i+2] = true, true
					changed = true
					i += 3
					continue
				}
			}
		}

		if ins.Op.IsLoadConstant() && i+1 < n && !targets[i+1] {
			switch next := b.Code[i+1].Op; next {
			case OpPop:
				if !targets[i] {
					removed[i], removed[i+1] = true, true
					changed = true
					i += 2
					continue
				}
			case OpNeg, OpNot, OpConvI4, OpConvI8:
				newIndex[i] = len(out)
				out = append(out, foldUnary(ins, next))
				removed[i+1] = true
				changed = true
				i += 2
				continue
			}
		}

		newIndex[i] = len(out)
		out = append(out, ins)
		i++
	}

	if !changed {
		return b, false
	}

	newIndex[n] = len(out)
	for i := n - 1; i >= 0; i-- {
		if removed[i] {
			newIndex[i] = newIndex[i+1]
		}
	}
	for idx := range out {
		if out[idx].Op.IsBranch() {
			out[idx].Arg = int64(newIndex[out[idx].Arg])
		}
	}
	return &Body{Code: out}, true
}

func constKind(ins Instruction) Kind {
	if ins.Op == OpLdcI4 {
		return KindI32
	}
	return KindI64
}

func makeConst(k Kind, v int64) Instruction {
	if k == KindI32 {
		return Instruction{Op: OpLdcI4, Arg: int64(int32(v))}
	}
	return Instruction{Op: OpLdcI8, Arg: v}
}

func boolConst(v bool) Instruction {
	if v {
		return Instruction{Op: OpLdcI4, Arg: 1}
	}
	return Instruction{Op: OpLdcI4, Arg: 0}
}

func foldBinary(lhs, rhs Instruction, op Opcode) (Instruction, bool) {
	lk, rk := constKind(lhs), constKind(rhs)
	a, c := lhs.Arg, rhs.Arg

	if op.IsShift() {
		mask := int64(63)
		if lk == KindI32 {
			mask = 31
		}
		amount := uint(c & mask)
		switch op {
		case OpShl:
			return makeConst(lk, a<<amount), true
		case OpShr:
			return makeConst(lk, a>>amount), true
		default:
			if lk == KindI32 {
				return makeConst(lk, int64(uint32(a)>>amount)), true
			}
			return makeConst(lk, int64(uint64(a)>>amount)), true
		}
	}

	if lk != rk {
		return Instruction{}, false
	}

	switch op {
	case OpAdd:
		return makeConst(lk, a+c), true
	case OpSub:
		return makeConst(lk, a-c), true
	case OpMul:
		return makeConst(lk, a*c), true
	case OpAnd:
		return makeConst(lk, a&c), true
	case OpOr:
		return makeConst(lk, a|c), true
	case OpXor:
		return makeConst(lk, a^c), true
	case OpCeq:
		return boolConst(a == c), true
	case OpCgt:
		return boolConst(a > c), true
	case OpClt:
		return boolConst(a < c), true
	case OpCgtUn:
		return boolConst(uint64(a) > uint64(c)), true
	case OpCltUn:
		return boolConst(uint64(a) < uint64(c)), true
	}
	return Instruction{}, false
}

func foldUnary(ins Instruction, op Opcode) Instruction {
	k := constKind(ins)
	switch op {
	case OpNeg:
		return makeConst(k, -ins.Arg)
	case OpNot:
		return makeConst(k, ^ins.Arg)
	case OpConvI4:
		return makeConst(KindI32, ins.Arg)
	default:
		return makeConst(KindI64, ins.Arg)
	}
}
