package codegen

import (
	"fmt"
	"sync"

	"github.com/tinyrange/jitseam/internal/arch"
	"github.com/tinyrange/jitseam/internal/asm"
	"github.com/tinyrange/jitseam/internal/il"
)

// Backend supplies the instruction selection for one architecture. The
// lowering itself is shared; see Lower.
type Backend interface {
	// MaxArgs is the number of integer arguments passed in registers.
	MaxArgs() int
	// MaxSlots bounds the number of 8-byte frame slots a method may use.
	MaxSlots() int
	// NewTarget returns a target for a method with the given number of
	// frame slots.
	NewTarget(slots int) (Target, error)
}

var (
	backendsMu sync.RWMutex
	backends   = make(map[arch.Arch]Backend)
)

// RegisterBackend makes a backend available to Lower. It panics when the
// same architecture is registered twice so mistakes are caught during init.
func RegisterBackend(a arch.Arch, backend Backend) {
	if a == arch.Invalid {
		panic("codegen: cannot register backend for invalid architecture")
	}
	if backend == nil {
		panic("codegen: backend must be non-nil")
	}

	backendsMu.Lock()
	defer backendsMu.Unlock()

	if _, exists := backends[a]; exists {
		panic(fmt.Sprintf("codegen: backend for %s already registered", a))
	}
	backends[a] = backend
}

// Lookup returns the backend registered for a.
func Lookup(a arch.Arch) (Backend, error) {
	backendsMu.RLock()
	defer backendsMu.RUnlock()

	if backend, ok := backends[a]; ok {
		return backend, nil
	}
	if a == arch.Invalid {
		return nil, fmt.Errorf("codegen: architecture must be specified")
	}
	return nil, fmt.Errorf("codegen: no backend registered for %q", a)
}

// Registered lists the architectures with a backend.
func Registered() []arch.Arch {
	backendsMu.RLock()
	defer backendsMu.RUnlock()

	var out []arch.Arch
	for _, a := range []arch.Arch{arch.X86_64, arch.ARM64} {
		if _, ok := backends[a]; ok {
			out = append(out, a)
		}
	}
	return out
}

type Options struct {
	// DebugInfo records the native offset of every reachable instruction.
	DebugInfo bool
	// ZeroLocals clears every local slot in the prologue.
	ZeroLocals bool
}

type Output struct {
	Program  asm.Program
	DebugMap []il.OffsetMapping
	// Analysis is the verifier's view of the body that was lowered.
	Analysis *il.Analysis
}

// Lower verifies body against frame and generates machine code for a.
func Lower(a arch.Arch, frame il.Frame, body *il.Body, opts Options) (Output, error) {
	if body == nil {
		return Output{}, fmt.Errorf("codegen: body must be non-nil")
	}
	backend, err := Lookup(a)
	if err != nil {
		return Output{}, err
	}
	an, err := il.Verify(frame, body)
	if err != nil {
		return Output{}, err
	}
	return lower(backend, frame, body, an, opts)
}
