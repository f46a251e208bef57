package codegen

import (
	"github.com/tinyrange/jitseam/internal/asm"
	"github.com/tinyrange/jitseam/internal/il"
)

// Reg names one of the two scratch registers the lowering uses. The
// evaluation stack lives in frame slots; A and B only hold operands between
// a load and a store.
type Reg uint8

const (
	RegA Reg = iota
	RegB
)

// Target emits instructions for one method. Every method returns a fragment
// and leaves register allocation to the implementation.
type Target interface {
	// Prologue sets up the frame.
	Prologue() asm.Fragment
	// SpillArg normalizes incoming argument index for type t and stores it
	// into slot.
	SpillArg(index, slot int, t il.Type) asm.Fragment

	Load(r Reg, slot int) asm.Fragment
	Store(slot int, r Reg) asm.Fragment
	Const(r Reg, value int64) asm.Fragment

	// Binary computes A = A op B for arithmetic, bitwise and shift opcodes.
	Binary(op il.Opcode, k il.Kind) asm.Fragment
	// Unary computes A = op A.
	Unary(op il.Opcode, k il.Kind) asm.Fragment
	// Compare computes A = (A op B) as 0 or 1.
	Compare(op il.Opcode) asm.Fragment
	// SignExtend32 truncates A to 32 bits and sign-extends it.
	SignExtend32() asm.Fragment

	Jump(label asm.Label) asm.Fragment
	// JumpIf branches on A for brtrue and brfalse, and on A op B for the
	// comparing branches.
	JumpIf(op il.Opcode, label asm.Label) asm.Fragment
	// Return moves A to the return register and tears down the frame.
	Return() asm.Fragment

	Assemble(frag asm.Fragment) (asm.Program, error)
}
