package il

import (
	"fmt"
	"strings"
)

// Type is the declared type of a parameter, local or return value.
type Type uint8

const (
	TypeVoid Type = iota
	TypeBool
	TypeI32
	TypeI64
	TypePtr
)

var typeNames = map[Type]string{
	TypeVoid: "void",
	TypeBool: "bool",
	TypeI32:  "i32",
	TypeI64:  "i64",
	TypePtr:  "ptr",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// ParseType parses the names produced by Type.String. A handful of aliases
// familiar from other runtimes are accepted too.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "void":
		return TypeVoid, nil
	case "bool", "boolean":
		return TypeBool, nil
	case "i32", "int", "int32":
		return TypeI32, nil
	case "i64", "long", "int64":
		return TypeI64, nil
	case "ptr", "object", "native int", "nint":
		return TypePtr, nil
	}
	return TypeVoid, fmt.Errorf("il: unknown type %q", s)
}

// Kind is the representation of a value on the evaluation stack.
type Kind uint8

const (
	KindNone Kind = iota
	KindI32
	KindI64
)

func (k Kind) String() string {
	switch k {
	case KindI32:
		return "i32"
	case KindI64:
		return "i64"
	default:
		return "none"
	}
}

// StackKind returns the evaluation stack kind a value of type t occupies.
func (t Type) StackKind() Kind {
	switch t {
	case TypeBool, TypeI32:
		return KindI32
	case TypeI64, TypePtr:
		return KindI64
	default:
		return KindNone
	}
}

// Instruction is one decoded operation. Arg holds the argument or local index,
// the immediate, or the target instruction index depending on Op.
type Instruction struct {
	Op  Opcode
	Arg int64
}

func (ins Instruction) String() string {
	switch ins.Op.operand() {
	case operandNone:
		return ins.Op.String()
	case operandTarget:
		return fmt.Sprintf("%s @%d", ins.Op, ins.Arg)
	default:
		return fmt.Sprintf("%s %d", ins.Op, ins.Arg)
	}
}

// Body is the instruction stream of one method.
type Body struct {
	Code []Instruction
}

// Clone returns a deep copy of the body.
func (b *Body) Clone() *Body {
	if b == nil {
		return nil
	}
	return &Body{Code: append([]Instruction(nil), b.Code...)}
}

// Len returns the number of instructions in the body.
func (b *Body) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Code)
}

// Frame describes the slots a body may address: its parameters (including an
// implicit receiver), its locals, and its return type.
type Frame struct {
	Params []Type
	Locals []Type
	Return Type
}

// OffsetMapping relates an instruction index to the offset of the first native
// instruction generated for it.
type OffsetMapping struct {
	Index  int
	Native int
}
