package native

import (
	"errors"
	"testing"

	"github.com/tinyrange/jitseam/internal/arch"
	"github.com/tinyrange/jitseam/internal/compiler"
	"github.com/tinyrange/jitseam/internal/il"
	"github.com/tinyrange/jitseam/internal/metadata"
)

func TestNormalizeResult(t *testing.T) {
	tests := []struct {
		typ  il.Type
		raw  uint64
		want int64
	}{
		{il.TypeVoid, 0xdead, 0},
		{il.TypeI32, 0xffffffff, -1},
		{il.TypeI32, 0x1_0000_0007, 7},
		{il.TypeBool, 0x100, 0},
		{il.TypeBool, 0x2, 1},
		{il.TypeI64, 0xffffffffffffffff, -1},
	}
	for _, tt := range tests {
		if got := NormalizeResult(tt.typ, tt.raw); got != tt.want {
			t.Fatalf("NormalizeResult(%s, %#x) = %d, want %d", tt.typ, tt.raw, got, tt.want)
		}
	}
}

func TestArgumentWord(t *testing.T) {
	if got := argumentWord(il.TypeI32, -1); got != 0xffffffff {
		t.Fatalf("i32 -1 = %#x", got)
	}
	if got := argumentWord(il.TypeBool, 42); got != 1 {
		t.Fatalf("bool 42 = %#x", got)
	}
	if got := argumentWord(il.TypeI64, -1); got != 0xffffffffffffffff {
		t.Fatalf("i64 -1 = %#x", got)
	}
}

func TestCallRejects(t *testing.T) {
	sig := metadata.Static(il.TypeI32, il.TypeI32)
	if _, err := Call(compiler.NativeCode{}, sig, 1); !errors.Is(err, ErrInvalidCode) {
		t.Fatalf("zero handle: %v", err)
	}
	code := compiler.NativeCode{Entry: 1, Size: 1, Arch: arch.Native}
	if _, err := Call(code, sig); !errors.Is(err, ErrArgumentCount) {
		t.Fatalf("argument count: %v", err)
	}
	foreign := arch.X86_64
	if arch.Native == arch.X86_64 {
		foreign = arch.ARM64
	}
	code.Arch = foreign
	if _, err := Call(code, sig, 1); !errors.Is(err, ErrForeignArch) {
		t.Fatalf("foreign arch: %v", err)
	}
}
