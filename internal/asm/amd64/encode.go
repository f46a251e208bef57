package amd64

import (
	"encoding/binary"
	"fmt"
	"math"

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

func raw(bytes ...byte) asm.Fragment {
	return instruction(func(c *Context) error {
		c.EmitBytes(bytes)
		return nil
	})
}

func checkReg(r asm.Variable) error {
	if r < RAX || r > R15 {
		return fmt.Errorf("amd64: invalid register %d", r)
	}
	return nil
}

func rex(w bool, reg, rm asm.Variable) byte {
	b := byte(0x40)
	if w {
		b |= 0x08
	}
	if reg&8 != 0 {
		b |= 0x04
	}
	if rm&8 != 0 {
		b |= 0x01
	}
	return b
}

func modrm(mod byte, reg, rm asm.Variable) byte {
	return mod<<6 | byte(reg&7)<<3 | byte(rm&7)
}

// memOperand encodes [base+disp32] for reg.
func memOperand(reg, base asm.Variable, disp int32) []byte {
	out := []byte{modrm(0b10, reg, base)}
	if base&7 == RSP {
		out = append(out, 0x24)
	}
	return binary.LittleEndian.AppendUint32(out, uint32(disp))
}

func regOp(w bool, opcode []byte, reg, rm asm.Variable) asm.Fragment {
	return instruction(func(c *Context) error {
		if err := checkReg(reg); err != nil {
			return err
		}
		if err := checkReg(rm); err != nil {
			return err
		}
		r := rex(w, reg, rm)
		if r != 0x40 {
			c.EmitBytes([]byte{r})
		}
		c.EmitBytes(opcode)
		c.EmitBytes([]byte{modrm(0b11, reg, rm)})
		return nil
	})
}

// Load emits mov dst, qword [base+disp].
func Load(dst, base asm.Variable, disp int32) asm.Fragment {
	return instruction(func(c *Context) error {
		if err := checkReg(dst); err != nil {
			return err
		}
		c.EmitBytes([]byte{rex(true, dst, base), 0x8b})
		c.EmitBytes(memOperand(dst, base, disp))
		return nil
	})
}

// Store emits mov qword [base+disp], src.
func Store(base asm.Variable, disp int32, src asm.Variable) asm.Fragment {
	return instruction(func(c *Context) error {
		if err := checkReg(src); err != nil {
			return err
		}
		c.EmitBytes([]byte{rex(true, src, base), 0x89})
		c.EmitBytes(memOperand(src, base, disp))
		return nil
	})
}

// MovImm loads a 64-bit constant, using the sign-extended imm32 form when
// the value fits.
func MovImm(dst asm.Variable, value int64) asm.Fragment {
	return instruction(func(c *Context) error {
		if err := checkReg(dst); err != nil {
			return err
		}
		if value >= math.MinInt32 && value <= math.MaxInt32 {
			c.EmitBytes([]byte{rex(true, 0, dst), 0xc7, modrm(0b11, 0, dst)})
			c.EmitBytes(binary.LittleEndian.AppendUint32(nil, uint32(int32(value))))
			return nil
		}
		c.EmitBytes([]byte{rex(true, 0, dst), 0xb8 + byte(dst&7)})
		c.EmitBytes(binary.LittleEndian.AppendUint64(nil, uint64(value)))
		return nil
	})
}

// MovReg emits mov dst, src.
func MovReg(dst, src asm.Variable) asm.Fragment {
	return regOp(true, []byte{0x89}, src, dst)
}

// ALU emits "op dst, src" on 64-bit registers.
func ALU(op ALUOp, dst, src asm.Variable) asm.Fragment {
	return regOp(true, []byte{byte(op)}, src, dst)
}

// IMul emits imul dst, src.
func IMul(dst, src asm.Variable) asm.Fragment {
	return regOp(true, []byte{0x0f, 0xaf}, dst, src)
}

// Test emits test a, b.
func Test(a, b asm.Variable) asm.Fragment {
	return regOp(true, []byte{0x85}, b, a)
}

// ShiftCL shifts dst by cl.
func ShiftCL(op ShiftOp, dst asm.Variable) asm.Fragment {
	return regOp(true, []byte{0xd3}, asm.Variable(op), dst)
}

func Neg(dst asm.Variable) asm.Fragment {
	return regOp(true, []byte{0xf7}, 3, dst)
}

func Not(dst asm.Variable) asm.Fragment {
	return regOp(true, []byte{0xf7}, 2, dst)
}

// AndImm8 emits a 32-bit and with a sign-extended 8-bit immediate, which
// also clears the upper half of dst.
func AndImm8(dst asm.Variable, imm int8) asm.Fragment {
	return instruction(func(c *Context) error {
		if err := checkReg(dst); err != nil {
			return err
		}
		if r := rex(false, 0, dst); r != 0x40 {
			c.EmitBytes([]byte{r})
		}
		c.EmitBytes([]byte{0x83, modrm(0b11, 4, dst), byte(imm)})
		return nil
	})
}

// SignExtend32 emits movsxd dst, src32.
func SignExtend32(dst, src asm.Variable) asm.Fragment {
	return regOp(true, []byte{0x63}, dst, src)
}

// ZeroExtend32 emits mov dst32, src32.
func ZeroExtend32(dst, src asm.Variable) asm.Fragment {
	return regOp(false, []byte{0x89}, src, dst)
}

// ZeroExtend8 emits movzx dst32, src8.
func ZeroExtend8(dst, src asm.Variable) asm.Fragment {
	return instruction(func(c *Context) error {
		if err := checkReg(dst); err != nil {
			return err
		}
		if err := checkReg(src); err != nil {
			return err
		}
		if dst >= RSP || src >= RSP {
			c.EmitBytes([]byte{rex(false, dst, src)})
		}
		c.EmitBytes([]byte{0x0f, 0xb6, modrm(0b11, dst, src)})
		return nil
	})
}

// SetCC sets dst to 0 or 1 from cond: setcc dst8 followed by movzx.
func SetCC(cond Condition, dst asm.Variable) asm.Fragment {
	return instruction(func(c *Context) error {
		if err := checkReg(dst); err != nil {
			return err
		}
		if dst >= RSP {
			c.EmitBytes([]byte{rex(false, 0, dst)})
		}
		c.EmitBytes([]byte{0x0f, 0x90 + byte(cond), modrm(0b11, 0, dst)})
		return ZeroExtend8(dst, dst).Emit(c)
	})
}

// Jmp emits jmp rel32 to label.
func Jmp(label asm.Label) asm.Fragment {
	return instruction(func(c *Context) error {
		c.EmitBytes([]byte{0xe9})
		c.addBranch(label)
		return nil
	})
}

// Jcc emits a conditional rel32 jump to label.
func Jcc(cond Condition, label asm.Label) asm.Fragment {
	return instruction(func(c *Context) error {
		c.EmitBytes([]byte{0x0f, 0x80 + byte(cond)})
		c.addBranch(label)
		return nil
	})
}

// Prologue establishes an rbp frame and reserves frameSize bytes.
func Prologue(frameSize int32) asm.Fragment {
	if frameSize == 0 {
		return asm.Group{raw(0x55), MovReg(RBP, RSP)}
	}
	sub := binary.LittleEndian.AppendUint32([]byte{0x48, 0x81, 0xec}, uint32(frameSize))
	return asm.Group{raw(0x55), MovReg(RBP, RSP), raw(sub...)}
}

// Epilogue tears down the frame built by Prologue and returns.
func Epilogue() asm.Fragment {
	return raw(0xc9, 0xc3)
}

func Nop() asm.Fragment {
	return raw(0x90)
}
