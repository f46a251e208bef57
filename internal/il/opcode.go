package il

import "fmt"

// Opcode is a single intermediate-language operation. The numeric values are
// part of the binary body encoding and of every AOT image built from it, so
// they must never be renumbered.
type Opcode uint8

const (
	OpNop   Opcode = 0x00
	OpLdarg Opcode = 0x01
	OpStarg Opcode = 0x02
	OpLdloc Opcode = 0x03
	OpStloc Opcode = 0x04
	OpLdcI4 Opcode = 0x05
	OpLdcI8 Opcode = 0x06
	OpDup   Opcode = 0x07
	OpPop   Opcode = 0x08

	OpAdd   Opcode = 0x10
	OpSub   Opcode = 0x11
	OpMul   Opcode = 0x12
	OpAnd   Opcode = 0x13
	OpOr    Opcode = 0x14
	OpXor   Opcode = 0x15
	OpShl   Opcode = 0x16
	OpShr   Opcode = 0x17
	OpShrUn Opcode = 0x18
	OpNeg   Opcode = 0x19
	OpNot   Opcode = 0x1a

	OpCeq   Opcode = 0x20
	OpCgt   Opcode = 0x21
	OpClt   Opcode = 0x22
	OpCgtUn Opcode = 0x23
	OpCltUn Opcode = 0x24

	OpBr      Opcode = 0x30
	OpBrtrue  Opcode = 0x31
	OpBrfalse Opcode = 0x32
	OpBeq     Opcode = 0x33
	OpBne     Opcode = 0x34
	OpBlt     Opcode = 0x35
	OpBge     Opcode = 0x36
	OpBgt     Opcode = 0x37
	OpBle     Opcode = 0x38

	OpConvI4 Opcode = 0x40
	OpConvI8 Opcode = 0x41

	OpRet Opcode = 0x50
)

type operandKind int

const (
	operandNone operandKind = iota
	operandIndex
	operandI4
	operandI8
	operandTarget
)

type opcodeInfo struct {
	name    string
	operand operandKind
}

var opcodes = map[Opcode]opcodeInfo{
	OpNop:     {"nop", operandNone},
	OpLdarg:   {"ldarg", operandIndex},
	OpStarg:   {"starg", operandIndex},
	OpLdloc:   {"ldloc", operandIndex},
	OpStloc:   {"stloc", operandIndex},
	OpLdcI4:   {"ldc.i4", operandI4},
	OpLdcI8:   {"ldc.i8", operandI8},
	OpDup:     {"dup", operandNone},
	OpPop:     {"pop", operandNone},
	OpAdd:     {"add", operandNone},
	OpSub:     {"sub", operandNone},
	OpMul:     {"mul", operandNone},
	OpAnd:     {"and", operandNone},
	OpOr:      {"or", operandNone},
	OpXor:     {"xor", operandNone},
	OpShl:     {"shl", operandNone},
	OpShr:     {"shr", operandNone},
	OpShrUn:   {"shr.un", operandNone},
	OpNeg:     {"neg", operandNone},
	OpNot:     {"not", operandNone},
	OpCeq:     {"ceq", operandNone},
	OpCgt:     {"cgt", operandNone},
	OpClt:     {"clt", operandNone},
	OpCgtUn:   {"cgt.un", operandNone},
	OpCltUn:   {"clt.un", operandNone},
	OpBr:      {"br", operandTarget},
	OpBrtrue:  {"brtrue", operandTarget},
	OpBrfalse: {"brfalse", operandTarget},
	OpBeq:     {"beq", operandTarget},
	OpBne:     {"bne", operandTarget},
	OpBlt:     {"blt", operandTarget},
	OpBge:     {"bge", operandTarget},
	OpBgt:     {"bgt", operandTarget},
	OpBle:     {"ble", operandTarget},
	OpConvI4:  {"conv.i4", operandNone},
	OpConvI8:  {"conv.i8", operandNone},
	OpRet:     {"ret", operandNone},
}

var opcodesByName = func() map[string]Opcode {
	out := make(map[string]Opcode, len(opcodes))
	for op, info := range opcodes {
		out[info.name] = op
	}
	return out
}()

func (op Opcode) String() string {
	if info, ok := opcodes[op]; ok {
		return info.name
	}
	return fmt.Sprintf("op(0x%02x)", uint8(op))
}

// Valid reports whether op is a defined opcode.
func (op Opcode) Valid() bool {
	_, ok := opcodes[op]
	return ok
}

func (op Opcode) operand() operandKind {
	return opcodes[op].operand
}

// IsBranch reports whether op transfers control to its target operand.
func (op Opcode) IsBranch() bool {
	return op.operand() == operandTarget
}

// IsConditionalBranch reports whether op may fall through.
func (op Opcode) IsConditionalBranch() bool {
	return op.IsBranch() && op != OpBr
}

// IsBinary reports whether op pops two values and pushes one.
func (op Opcode) IsBinary() bool {
	switch op {
	case OpAdd, OpSub, OpMul, OpAnd, OpOr, OpXor, OpShl, OpShr, OpShrUn,
		OpCeq, OpCgt, OpClt, OpCgtUn, OpCltUn:
		return true
	}
	return false
}

// IsShift reports whether op is one of the shift operations, whose right
// operand is a shift amount rather than a value of the left operand's kind.
func (op Opcode) IsShift() bool {
	return op == OpShl || op == OpShr || op == OpShrUn
}

// IsCompare reports whether op produces a 0/1 comparison result.
func (op Opcode) IsCompare() bool {
	switch op {
	case OpCeq, OpCgt, OpClt, OpCgtUn, OpCltUn:
		return true
	}
	return false
}

// IsLoadConstant reports whether op pushes an immediate.
func (op Opcode) IsLoadConstant() bool {
	return op == OpLdcI4 || op == OpLdcI8
}

// Terminates reports whether control never falls through op.
func (op Opcode) Terminates() bool {
	return op == OpRet || op == OpBr
}
