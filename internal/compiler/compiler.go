// Package compiler defines the boundary between a managed runtime and the
// strategies that turn method definitions into native code.
//
// A strategy is any implementation of Compiler. It receives the runtime's
// view of the calling domain, the method to compile and a set of flags, and
// reports one of three outcomes: the code was produced, the strategy
// declined, or it tried and failed.
package compiler

import (
	"github.com/tinyrange/jitseam/internal/arch"
	"github.com/tinyrange/jitseam/internal/codeheap"
	"github.com/tinyrange/jitseam/internal/il"
	"github.com/tinyrange/jitseam/internal/metadata"
)

// Result is the outcome of one CompileMethod call.
type Result uint8

const (
	// Ok means the strategy produced native code for the method.
	Ok Result = iota
	// InternalError means the strategy attempted the compile and failed.
	InternalError
	// Skipped means the strategy declined. It is not an error; the caller
	// should try another strategy.
	Skipped
)

func (r Result) String() string {
	switch r {
	case Ok:
		return "ok"
	case InternalError:
		return "internal-error"
	case Skipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// DomainID identifies an isolation domain.
type DomainID uint32

// SharedDomain owns code that is neutral with respect to domains.
const SharedDomain DomainID = 0

// CodeHeap receives freshly generated machine code. key is the method key
// the block is recorded under for address lookups.
type CodeHeap interface {
	Install(code []byte, key uint64) (codeheap.Block, error)
}

// Runtime is the information a strategy may query about the runtime state
// of the calling domain.
type Runtime interface {
	// Domain is the domain the compiled code will run in.
	Domain() DomainID
	// Arch is the architecture code must be generated for.
	Arch() arch.Arch
	// CodeHeap is where just-in-time code for this domain is installed.
	CodeHeap() CodeHeap
	// ResolveBody returns the IL body of m.
	ResolveBody(m *metadata.Method) (*il.Body, error)
	// AssemblyOwner reports the domain that owns code generated for a, and
	// whether that code is domain neutral.
	AssemblyOwner(a *metadata.Assembly) (owner DomainID, neutral bool)
	// SharingAllowed reports whether domain-specific code may be shared
	// with other domains.
	SharingAllowed() bool
	// Unloaded reports whether the domain is gone. Code compiled for an
	// unloaded domain has been unmapped.
	Unloaded() bool
}

// Compiler is a code generation strategy.
//
// CompileMethod blocks until it has an outcome. It never panics for an
// ordinary failure. When the result is Ok the returned NativeCode is valid;
// for any other result it is the zero value. Strategies keep no per-method
// state, so concurrent calls for the same method are safe and each produce
// independently valid code.
type Compiler interface {
	Name() string
	CompileMethod(rt Runtime, m *metadata.Method, flags Flags) (Result, NativeCode)
}

// Fail reports that a compile was attempted and failed.
func Fail() (Result, NativeCode) { return InternalError, NativeCode{} }

// Skip reports that a strategy declined.
func Skip() (Result, NativeCode) { return Skipped, NativeCode{} }

// Success reports a compiled method. A handle that is not valid is reported
// as a failure.
func Success(code NativeCode) (Result, NativeCode) {
	if !code.Valid() {
		return Fail()
	}
	return Ok, code
}

// Describe renders the method identity used in logs.
func Describe(m *metadata.Method) string {
	if m == nil {
		return "<nil>"
	}
	if a := m.Assembly(); a != nil {
		return a.Name + "!" + m.FullName()
	}
	return m.FullName()
}
