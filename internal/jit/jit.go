// Package jit compiles methods on demand by lowering their IL through the
// registered code generators into the calling domain's code heap.
package jit

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/tinyrange/jitseam/internal/codegen"
	_ "github.com/tinyrange/jitseam/internal/codegen/amd64"
	_ "github.com/tinyrange/jitseam/internal/codegen/arm64"
	"github.com/tinyrange/jitseam/internal/compiler"
	"github.com/tinyrange/jitseam/internal/il"
	"github.com/tinyrange/jitseam/internal/metadata"
)

// Name identifies code produced by this strategy.
const Name = "jit"

// Internal flag bits understood by the native entry point.
const (
	nativeOptimize uint32 = 1 << iota
	nativeDebugInfo
	nativeZeroLocals
)

// EntryPoint is the code generator behind the strategy. It reports success
// with a bool and must not let a panic escape.
type EntryPoint func(rt compiler.Runtime, m *metadata.Method, nativeFlags uint32) (compiler.NativeCode, bool)

type Option func(*Compiler)

func WithLogger(l *slog.Logger) Option {
	return func(c *Compiler) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithEntryPoint replaces the native entry point.
func WithEntryPoint(ep EntryPoint) Option {
	return func(c *Compiler) {
		if ep != nil {
			c.entry = ep
		}
	}
}

// Compiler is the just-in-time strategy. It keeps no state between calls:
// compiling the same method twice produces two independent copies.
type Compiler struct {
	logger *slog.Logger
	entry  EntryPoint
}

var _ compiler.Compiler = (*Compiler)(nil)

func New(opts ...Option) *Compiler {
	c := &Compiler{logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	if c.entry == nil {
		c.entry = c.compileNative
	}
	return c
}

func (c *Compiler) Name() string { return Name }

func translateFlags(flags compiler.Flags) uint32 {
	flags = flags.Known()
	nf := nativeZeroLocals
	if !flags.Has(compiler.FlagDebug) && !flags.Has(compiler.FlagNoOptimize) {
		nf |= nativeOptimize
	}
	if flags.Has(compiler.FlagDebug) {
		nf |= nativeDebugInfo
	}
	return nf
}

// CompileMethod never declines: a method either compiles or the result is
// InternalError.
func (c *Compiler) CompileMethod(rt compiler.Runtime, m *metadata.Method, flags compiler.Flags) (compiler.Result, compiler.NativeCode) {
	if rt == nil || m == nil {
		return compiler.Fail()
	}
	code, ok := c.entry(rt, m, translateFlags(flags))
	if !ok {
		return compiler.Fail()
	}
	return compiler.Success(code)
}

func (c *Compiler) compileNative(rt compiler.Runtime, m *metadata.Method, nf uint32) (code compiler.NativeCode, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("jit panic", "method", compiler.Describe(m), "panic", r, "stack", string(debug.Stack()))
			code, ok = compiler.NativeCode{}, false
		}
	}()

	code, err := Compile(rt, m, nf)
	if err != nil {
		c.logger.Warn("jit compile failed", "method", compiler.Describe(m), "arch", rt.Arch(), "error", err)
		return compiler.NativeCode{}, false
	}
	c.logger.Debug("jit compiled method",
		"method", compiler.Describe(m),
		"domain", rt.Domain(),
		"arch", code.Arch,
		"size", code.Size,
	)
	return code, true
}

var errNoBody = errors.New("jit: method has no IL body")

// Compile runs the full pipeline for m and installs the result into the
// runtime's code heap.
func Compile(rt compiler.Runtime, m *metadata.Method, nf uint32) (compiler.NativeCode, error) {
	if !m.HasBody() {
		return compiler.NativeCode{}, errNoBody
	}
	body, err := rt.ResolveBody(m)
	if err != nil {
		return compiler.NativeCode{}, fmt.Errorf("jit: resolve body: %w", err)
	}
	if _, err := il.Verify(m.Frame(), body); err != nil {
		return compiler.NativeCode{}, fmt.Errorf("jit: %s: %w", m.FullName(), err)
	}
	if nf&nativeOptimize != 0 {
		body = il.Optimize(body)
	}

	out, err := codegen.Lower(rt.Arch(), m.Frame(), body, codegen.Options{
		DebugInfo:  nf&nativeDebugInfo != 0,
		ZeroLocals: nf&nativeZeroLocals != 0,
	})
	if err != nil {
		return compiler.NativeCode{}, fmt.Errorf("jit: lower %s: %w", m.FullName(), err)
	}

	heap := rt.CodeHeap()
	if heap == nil {
		return compiler.NativeCode{}, fmt.Errorf("jit: domain %d has no code heap", rt.Domain())
	}
	blk, err := heap.Install(out.Program.Bytes(), m.Key())
	if err != nil {
		return compiler.NativeCode{}, fmt.Errorf("jit: install: %w", err)
	}
	return compiler.NativeCode{
		Entry:    blk.Addr,
		Size:     blk.Size,
		Arch:     rt.Arch(),
		Strategy: Name,
		DebugMap: out.DebugMap,
	}, nil
}
