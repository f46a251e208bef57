package amd64

import "github.com/tinyrange/jitseam/internal/asm"

// Registers use their hardware encoding.
const (
	RAX asm.Variable = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

// ArgumentRegisters lists the System V integer argument registers in order.
var ArgumentRegisters = []asm.Variable{RDI, RSI, RDX, RCX, R8, R9}

// Condition is the low nibble of a Jcc/SETcc opcode.
type Condition byte

const (
	CondBelow        Condition = 0x2
	CondAboveEqual   Condition = 0x3
	CondEqual        Condition = 0x4
	CondNotEqual     Condition = 0x5
	CondBelowEqual   Condition = 0x6
	CondAbove        Condition = 0x7
	CondLess         Condition = 0xc
	CondGreaterEqual Condition = 0xd
	CondLessEqual    Condition = 0xe
	CondGreater      Condition = 0xf
)

// ALUOp selects a two-register arithmetic instruction ("op r/m64, r64").
type ALUOp byte

const (
	OpAdd ALUOp = 0x01
	OpOr  ALUOp = 0x09
	OpAnd ALUOp = 0x21
	OpSub ALUOp = 0x29
	OpXor ALUOp = 0x31
	OpCmp ALUOp = 0x39
)

// ShiftOp is the /digit of the D3 shift group.
type ShiftOp byte

const (
	ShiftLeft         ShiftOp = 4
	ShiftRightLogical ShiftOp = 5
	ShiftRightArith   ShiftOp = 7
)
