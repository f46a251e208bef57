package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/tinyrange/jitseam/internal/arch"
	"github.com/tinyrange/jitseam/internal/compiler"
	"github.com/tinyrange/jitseam/internal/il"
	"github.com/tinyrange/jitseam/internal/metadata"
	"github.com/tinyrange/jitseam/internal/native"
)

// interpreterSteps bounds interpreted calls.
const interpreterSteps = 1 << 24

func runInvoke(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	common := addCommonFlags(fs)
	debug := fs.Bool("debug", false, "request debuggable code")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `jitseam run - prepare a method and call it

USAGE:
  jitseam run [flags] <assembly.yaml> <Type::Method> [args...]

FLAGS:
  -config F    Configuration file
  -jit-only    Never consult AOT images
  -aot-only    Never compile just in time
  -debug       Request debuggable code

Integer arguments accept Go literal syntax (0x10, -3). bool arguments accept
true/false or 1/0. On hosts that cannot run native code the method is
interpreted instead.
`)
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() < 2 {
		fs.Usage()
		os.Exit(2)
	}

	cfg, logger, err := common.load()
	if err != nil {
		return err
	}
	s, err := newStack(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer s.Close()

	a, err := s.load(fs.Arg(0))
	if err != nil {
		return err
	}
	m, err := a.FindMethod(fs.Arg(1))
	if err != nil {
		return err
	}
	values, err := parseArgs(m.Signature, fs.Args()[2:])
	if err != nil {
		return err
	}

	var flags compiler.Flags
	if *debug {
		flags |= compiler.FlagDebug
	}
	result, strategy, err := s.invoke(context.Background(), m, flags, values)
	if err != nil {
		return err
	}
	logger.Debug("method invoked", "method", compiler.Describe(m), "strategy", strategy)
	fmt.Println(formatResult(m.Signature.Return, result))
	return nil
}

// invoke runs m in the root domain and reports which strategy produced the
// code, or "interpreter".
func (s *stack) invoke(ctx context.Context, m *metadata.Method, flags compiler.Flags, args []int64) (int64, string, error) {
	d := s.mgr.Root()
	if native.Supported && d.Arch() == arch.Native {
		code, err := s.table.Prepare(ctx, d, m, flags)
		if err != nil {
			return 0, "", err
		}
		v, err := native.Call(code, m.Signature, args...)
		if err == nil || !errors.Is(err, native.ErrUnsupported) {
			return v, code.Strategy, err
		}
	}

	body, err := d.ResolveBody(m)
	if err != nil {
		return 0, "", err
	}
	an, err := il.Verify(m.Frame(), body)
	if err != nil {
		return 0, "", err
	}
	v, err := il.Eval(m.Frame(), body, an, args, interpreterSteps)
	return v, "interpreter", err
}

func parseArgs(sig metadata.Signature, raw []string) ([]int64, error) {
	types := sig.Args()
	if len(raw) != len(types) {
		return nil, fmt.Errorf("method takes %d arguments, got %d", len(types), len(raw))
	}
	out := make([]int64, len(raw))
	for i, s := range raw {
		v, err := parseValue(types[i], s)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}

func parseValue(t il.Type, s string) (int64, error) {
	s = strings.TrimSpace(s)
	switch t {
	case il.TypeBool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return 0, err
		}
		if b {
			return 1, nil
		}
		return 0, nil
	case il.TypeI32:
		return strconv.ParseInt(s, 0, 32)
	case il.TypeI64, il.TypePtr:
		return strconv.ParseInt(s, 0, 64)
	default:
		return 0, fmt.Errorf("cannot pass a value of type %s", t)
	}
}

func formatResult(t il.Type, v int64) string {
	switch t {
	case il.TypeVoid:
		return "(void)"
	case il.TypeBool:
		return strconv.FormatBool(v != 0)
	case il.TypePtr:
		return fmt.Sprintf("%#x", uint64(v))
	default:
		return strconv.FormatInt(v, 10)
	}
}
