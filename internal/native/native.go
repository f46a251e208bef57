// Package native calls compiled methods through the platform C calling
// convention.
package native

import (
	"errors"
	"fmt"

	"github.com/tinyrange/jitseam/internal/arch"
	"github.com/tinyrange/jitseam/internal/compiler"
	"github.com/tinyrange/jitseam/internal/il"
	"github.com/tinyrange/jitseam/internal/metadata"
)

var (
	ErrUnsupported   = errors.New("native: calling generated code is not supported on this platform")
	ErrInvalidCode   = errors.New("native: invalid code handle")
	ErrArgumentCount = errors.New("native: wrong number of arguments")
	ErrForeignArch   = errors.New("native: code was generated for another architecture")
)

// Call invokes code with args converted according to sig and returns the
// result normalized for the return type.
func Call(code compiler.NativeCode, sig metadata.Signature, args ...int64) (int64, error) {
	if !code.Valid() {
		return 0, ErrInvalidCode
	}
	if code.Arch != arch.Native {
		return 0, fmt.Errorf("%w: %s, running on %s", ErrForeignArch, code.Arch, arch.Native)
	}
	params := sig.Args()
	if len(args) != len(params) {
		return 0, fmt.Errorf("%w: got %d, want %d", ErrArgumentCount, len(args), len(params))
	}
	words := make([]uintptr, len(args))
	for i, a := range args {
		words[i] = uintptr(argumentWord(params[i], a))
	}
	ret, err := call(code.Entry, words)
	if err != nil {
		return 0, err
	}
	return NormalizeResult(sig.Return, uint64(ret)), nil
}

// argumentWord is the register value for an argument of type t. Booleans
// follow the same low-byte rule the callee applies.
func argumentWord(t il.Type, v int64) uint64 {
	switch t {
	case il.TypeI32:
		return uint64(uint32(v))
	case il.TypeBool:
		return uint64(il.NormalizeArg(t, v))
	default:
		return uint64(v)
	}
}

// NormalizeResult converts a raw return register into the value of type t.
func NormalizeResult(t il.Type, raw uint64) int64 {
	if t == il.TypeVoid {
		return 0
	}
	return il.NormalizeArg(t, int64(raw))
}
