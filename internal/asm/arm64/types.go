package arm64

import "github.com/tinyrange/jitseam/internal/asm"

const (
	X0 asm.Variable = iota
	X1
	X2
	X3
	X4
	X5
	X6
	X7
	X8
	X9
	X10
	X11
	X12
	X13
	X14
	X15
	X16
	X17
	X18
	X19
	X20
	X21
	X22
	X23
	X24
	X25
	X26
	X27
	X28
	X29
	X30
	// SP and XZR share encoding 31; which one an instruction means depends
	// on the instruction.
	SP
)

const XZR = SP

// ArgumentRegisters lists the AAPCS64 integer argument registers in order.
var ArgumentRegisters = []asm.Variable{X0, X1, X2, X3, X4, X5, X6, X7}

type Condition uint8

const (
	CondEQ Condition = iota
	CondNE
	CondHS
	CondLO
	CondMI
	CondPL
	CondVS
	CondVC
	CondHI
	CondLS
	CondGE
	CondLT
	CondGT
	CondLE
)

func (c Condition) Invert() Condition { return c ^ 1 }

// ALUOp is the base word of a shifted-register data processing instruction.
type ALUOp uint32

const (
	OpAdd ALUOp = 0x8b000000
	OpSub ALUOp = 0xcb000000
	OpAnd ALUOp = 0x8a000000
	OpOrr ALUOp = 0xaa000000
	OpEor ALUOp = 0xca000000
	OpMul ALUOp = 0x9b007c00
	OpLsl ALUOp = 0x9ac02000
	OpLsr ALUOp = 0x9ac02400
	OpAsr ALUOp = 0x9ac02800
)
