package arm64

import (
	"fmt"

	"github.com/tinyrange/jitseam/internal/asm"
)

type instruction func(c *Context) error

func (i instruction) Emit(ctx asm.Context) error {
	c, err := asContext(ctx)
	if err != nil {
		return err
	}
	return i(c)
}

func word(w uint32) asm.Fragment {
	return instruction(func(c *Context) error {
		c.emit32(w)
		return nil
	})
}

func reg(r asm.Variable) uint32 { return uint32(r) & 31 }

func checkRegs(regs ...asm.Variable) error {
	for _, r := range regs {
		if r < X0 || r > SP {
			return fmt.Errorf("arm64: invalid register %d", r)
		}
	}
	return nil
}

func checked(w uint32, regs ...asm.Variable) asm.Fragment {
	return instruction(func(c *Context) error {
		if err := checkRegs(regs...); err != nil {
			return err
		}
		c.emit32(w)
		return nil
	})
}

func scaledOffset(offset int) (uint32, error) {
	if offset < 0 || offset%8 != 0 || offset/8 > 0xfff {
		return 0, fmt.Errorf("arm64: offset %d not encodable as scaled imm12", offset)
	}
	return uint32(offset/8) << 10, nil
}

// Load emits ldr rt, [rn, #offset].
func Load(rt, rn asm.Variable, offset int) asm.Fragment {
	return instruction(func(c *Context) error {
		if err := checkRegs(rt, rn); err != nil {
			return err
		}
		imm, err := scaledOffset(offset)
		if err != nil {
			return err
		}
		c.emit32(0xf9400000 | imm | reg(rn)<<5 | reg(rt))
		return nil
	})
}

// Store emits str rt, [rn, #offset].
func Store(rt, rn asm.Variable, offset int) asm.Fragment {
	return instruction(func(c *Context) error {
		if err := checkRegs(rt, rn); err != nil {
			return err
		}
		imm, err := scaledOffset(offset)
		if err != nil {
			return err
		}
		c.emit32(0xf9000000 | imm | reg(rn)<<5 | reg(rt))
		return nil
	})
}

// MovImm materializes a 64-bit constant with movz/movn followed by movk.
func MovImm(rd asm.Variable, value int64) asm.Fragment {
	return instruction(func(c *Context) error {
		if err := checkRegs(rd); err != nil {
			return err
		}
		v := uint64(value)
		if value < 0 && v>>16 == 0xffffffffffff {
			// movn covers every value whose upper 48 bits are all ones.
			c.emit32(0x92800000 | uint32(^v&0xffff)<<5 | reg(rd))
			return nil
		}
		c.emit32(0xd2800000 | uint32(v&0xffff)<<5 | reg(rd))
		for hw := uint32(1); hw < 4; hw++ {
			chunk := uint32(v>>(16*hw)) & 0xffff
			if chunk == 0 {
				continue
			}
			c.emit32(0xf2800000 | hw<<21 | chunk<<5 | reg(rd))
		}
		return nil
	})
}

// ALU emits a three-register data processing instruction.
func ALU(op ALUOp, rd, rn, rm asm.Variable) asm.Fragment {
	return checked(uint32(op)|reg(rm)<<16|reg(rn)<<5|reg(rd), rd, rn, rm)
}

func Neg(rd, rm asm.Variable) asm.Fragment {
	return checked(uint32(OpSub)|reg(rm)<<16|31<<5|reg(rd), rd, rm)
}

// Mvn emits orn rd, xzr, rm.
func Mvn(rd, rm asm.Variable) asm.Fragment {
	return checked(0xaa2003e0|reg(rm)<<16|reg(rd), rd, rm)
}

// Cmp emits subs xzr, rn, rm.
func Cmp(rn, rm asm.Variable) asm.Fragment {
	return checked(0xeb00001f|reg(rm)<<16|reg(rn)<<5, rn, rm)
}

// Cset sets rd to 1 when cond holds and 0 otherwise.
func Cset(rd asm.Variable, cond Condition) asm.Fragment {
	return checked(0x9a9f07e0|uint32(cond.Invert())<<12|reg(rd), rd)
}

// Sxtw sign-extends the low 32 bits of rn into rd.
func Sxtw(rd, rn asm.Variable) asm.Fragment {
	return checked(0x93407c00|reg(rn)<<5|reg(rd), rd, rn)
}

// Uxtw zero-extends the low 32 bits of rn into rd.
func Uxtw(rd, rn asm.Variable) asm.Fragment {
	return checked(0x2a0003e0|reg(rn)<<16|reg(rd), rd, rn)
}

// AndLowBits keeps the low n bits of rn.
func AndLowBits(rd, rn asm.Variable, n int) asm.Fragment {
	return instruction(func(c *Context) error {
		if err := checkRegs(rd, rn); err != nil {
			return err
		}
		if n < 1 || n > 63 {
			return fmt.Errorf("arm64: cannot encode mask of %d bits", n)
		}
		c.emit32(0x92400000 | uint32(n-1)<<10 | reg(rn)<<5 | reg(rd))
		return nil
	})
}

func B(label asm.Label) asm.Fragment {
	return instruction(func(c *Context) error {
		c.addBranch(label, branchUncond, 0x14000000)
		return nil
	})
}

func BCond(cond Condition, label asm.Label) asm.Fragment {
	return instruction(func(c *Context) error {
		c.addBranch(label, branchCond, 0x54000000|uint32(cond))
		return nil
	})
}

func Cbz(rt asm.Variable, label asm.Label) asm.Fragment {
	return instruction(func(c *Context) error {
		if err := checkRegs(rt); err != nil {
			return err
		}
		c.addBranch(label, branchCompare, 0xb4000000|reg(rt))
		return nil
	})
}

func Cbnz(rt asm.Variable, label asm.Label) asm.Fragment {
	return instruction(func(c *Context) error {
		if err := checkRegs(rt); err != nil {
			return err
		}
		c.addBranch(label, branchCompare, 0xb5000000|reg(rt))
		return nil
	})
}

// MaxFrame is the largest frame Prologue can reserve with a single sub.
const MaxFrame = 0xff0

// Prologue saves the frame record and reserves frameSize bytes below it.
// frameSize must be 16-byte aligned.
func Prologue(frameSize int) asm.Fragment {
	return instruction(func(c *Context) error {
		if frameSize < 0 || frameSize > MaxFrame || frameSize%16 != 0 {
			return fmt.Errorf("arm64: unsupported frame size %d", frameSize)
		}
		c.emit32(0xa9bf7bfd) // stp x29, x30, [sp, #-16]!
		c.emit32(0x910003fd) // mov x29, sp
		if frameSize > 0 {
			c.emit32(0xd10003ff | uint32(frameSize)<<10)
		}
		return nil
	})
}

// Epilogue restores the frame record and returns.
func Epilogue() asm.Fragment {
	return asm.Group{
		word(0x910003bf), // mov sp, x29
		word(0xa8c17bfd), // ldp x29, x30, [sp], #16
		word(0xd65f03c0),
	}
}

func Nop() asm.Fragment {
	return word(0xd503201f)
}
