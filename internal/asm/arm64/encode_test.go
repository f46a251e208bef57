package arm64

import (
	"encoding/binary"
	"testing"

	"github.com/tinyrange/jitseam/internal/asm"
)

func words(t *testing.T, frag asm.Fragment) []uint32 {
	t.Helper()
	prog, err := EmitProgram(frag)
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	code := prog.Bytes()
	if len(code)%4 != 0 {
		t.Fatalf("program length %d not a multiple of 4", len(code))
	}
	out := make([]uint32, len(code)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(code[i*4:])
	}
	return out
}

func TestEncodings(t *testing.T) {
	tests := []struct {
		name string
		frag asm.Fragment
		want []uint32
	}{
		{"nop", Nop(), []uint32{0xd503201f}},
		{"ldr", Load(X0, SP, 16), []uint32{0xf9400be0}},
		{"str", Store(X1, SP, 8), []uint32{0xf90007e1}},
		{"add", ALU(OpAdd, X0, X0, X1), []uint32{0x8b010000}},
		{"mul", ALU(OpMul, X0, X0, X1), []uint32{0x9b017c00}},
		{"neg", Neg(X0, X0), []uint32{0xcb0003e0}},
		{"mvn", Mvn(X0, X0), []uint32{0xaa2003e0}},
		{"cmp", Cmp(X0, X1), []uint32{0xeb01001f}},
		{"cset eq", Cset(X0, CondEQ), []uint32{0x9a9f17e0}},
		{"sxtw", Sxtw(X0, X0), []uint32{0x93407c00}},
		{"uxtw", Uxtw(X0, X0), []uint32{0x2a0003e0}},
		{"and 31", AndLowBits(X1, X1, 5), []uint32{0x92401021}},
		{"movz", MovImm(X0, 7), []uint32{0xd28000e0}},
		{"movn", MovImm(X0, -1), []uint32{0x92800000}},
		{"movz movk", MovImm(X0, 0x12345), []uint32{0xd28468a0, 0xf2a00020}},
		{"prologue", Prologue(32), []uint32{0xa9bf7bfd, 0x910003fd, 0xd10083ff}},
		{"epilogue", Epilogue(), []uint32{0x910003bf, 0xa8c17bfd, 0xd65f03c0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := words(t, tt.frag)
			if len(got) != len(tt.want) {
				t.Fatalf("got %08x, want %08x", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("word %d: got %08x, want %08x", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestBranchPatching(t *testing.T) {
	got := words(t, asm.Group{
		asm.MarkLabel("top"),
		Cbz(X0, "end"),
		BCond(CondLT, "top"),
		B("top"),
		asm.MarkLabel("end"),
	})
	want := []uint32{
		0xb4000000 | 3<<5,
		0x54000000 | (0x7ffff&uint32(0xffffffff))<<5 | uint32(CondLT),
		0x14000000 | 0x03fffffe,
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("word %d: got %08x, want %08x", i, got[i], want[i])
		}
	}
}

func TestRejectsBadOperands(t *testing.T) {
	if _, err := EmitProgram(Load(X0, SP, 12)); err == nil {
		t.Fatalf("expected error for unscaled offset")
	}
	if _, err := EmitProgram(Prologue(MaxFrame + 16)); err == nil {
		t.Fatalf("expected error for oversized frame")
	}
	if _, err := EmitProgram(B("missing")); err == nil {
		t.Fatalf("expected error for undefined label")
	}
}
