package il

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
)

// ErrMalformed is returned when a binary body cannot be decoded.
var ErrMalformed = errors.New("il: malformed body")

// Encode serializes the body. Index operands take one byte, ldc.i4 four,
// ldc.i8 eight and branch targets four, all little-endian.
func Encode(b *Body) ([]byte, error) {
	if b == nil {
		return nil, nil
	}
	out := make([]byte, 0, len(b.Code)*2)
	for idx, ins := range b.Code {
		if !ins.Op.Valid() {
			return nil, fmt.Errorf("il: encode instruction %d: invalid opcode 0x%02x", idx, uint8(ins.Op))
		}
		out = append(out, byte(ins.Op))
		switch ins.Op.operand() {
		case operandIndex:
			if ins.Arg < 0 || ins.Arg > math.MaxUint8 {
				return nil, fmt.Errorf("il: encode instruction %d: index %d out of range", idx, ins.Arg)
			}
			out = append(out, byte(ins.Arg))
		case operandI4:
			if ins.Arg < math.MinInt32 || ins.Arg > math.MaxInt32 {
				return nil, fmt.Errorf("il: encode instruction %d: ldc.i4 immediate %d out of range", idx, ins.Arg)
			}
			out = binary.LittleEndian.AppendUint32(out, uint32(int32(ins.Arg)))
		case operandI8:
			out = binary.LittleEndian.AppendUint64(out, uint64(ins.Arg))
		case operandTarget:
			if ins.Arg < 0 || ins.Arg > math.MaxUint32 {
				return nil, fmt.Errorf("il: encode instruction %d: target %d out of range", idx, ins.Arg)
			}
			out = binary.LittleEndian.AppendUint32(out, uint32(ins.Arg))
		}
	}
	return out, nil
}

// Decode parses a body produced by Encode.
func Decode(data []byte) (*Body, error) {
	b := &Body{}
	for pos := 0; pos < len(data); {
		op := Opcode(data[pos])
		if !op.Valid() {
			return nil, fmt.Errorf("%w: invalid opcode 0x%02x at offset %d", ErrMalformed, data[pos], pos)
		}
		pos++
		var (
			arg  int64
			need int
		)
		switch op.operand() {
		case operandIndex:
			need = 1
		case operandI4, operandTarget:
			need = 4
		case operandI8:
			need = 8
		}
		if pos+need > len(data) {
			return nil, fmt.Errorf("%w: truncated %s operand at offset %d", ErrMalformed, op, pos)
		}
		switch op.operand() {
		case operandIndex:
			arg = int64(data[pos])
		case operandI4:
			arg = int64(int32(binary.LittleEndian.Uint32(data[pos:])))
		case operandTarget:
			arg = int64(binary.LittleEndian.Uint32(data[pos:]))
		case operandI8:
			arg = int64(binary.LittleEndian.Uint64(data[pos:]))
		}
		pos += need
		b.Code = append(b.Code, Instruction{Op: op, Arg: arg})
	}
	return b, nil
}

// Hash returns a stable 32-bit digest of the encoded body. AOT images record
// it per method so a rebuilt assembly invalidates stale code.
func Hash(b *Body) uint32 {
	h := fnv.New32a()
	data, err := Encode(b)
	if err != nil {
		// An unencodable body never matches an image entry.
		return 0
	}
	_, _ = h.Write(data)
	return h.Sum32()
}
