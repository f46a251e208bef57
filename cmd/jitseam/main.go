package main

import (
	"flag"
	"fmt"
	"os"
)

type command struct {
	name    string
	summary string
	run     func(args []string) error
}

func commands() []command {
	return []command{
		{"aot", "compile an assembly into a native image", runAOT},
		{"run", "invoke a method through the dispatch table", runInvoke},
		{"inspect", "print the header and method table of an image", runInspect},
		{"serve", "serve /metrics and /invoke over HTTP", runServe},
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `jitseam - prepare IL methods with ahead-of-time images or the JIT

USAGE:
  jitseam <command> [flags] <args>

COMMANDS:
`)
	for _, c := range commands() {
		fmt.Fprintf(os.Stderr, "  %-9s %s\n", c.name, c.summary)
	}
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT:
  JITSEAM_ARCH, JITSEAM_LOG_LEVEL, JITSEAM_LOG_FORMAT, JITSEAM_AOT_ENABLED,
  JITSEAM_AOT_CACHE_DIR, JITSEAM_AOT_STALE_POLICY, JITSEAM_AOT_SHARING,
  JITSEAM_JIT_ENABLED, JITSEAM_HEAP_CHUNK_SIZE, JITSEAM_DISPATCH_CACHE_SIZE,
  JITSEAM_METRICS_ADDR override the config file. A .env file in the working
  directory is read first.

EXAMPLES:
  jitseam aot demo.yaml                       Write demo.<arch>.aot next to demo.yaml
  jitseam inspect demo.x86_64.aot demo.yaml   List the methods in the image
  jitseam run demo.yaml Calc::Add 3 4         Prints 7
  jitseam run -jit-only demo.yaml Calc::Add 3 4
  jitseam serve -addr :9464 demo.yaml

Run 'jitseam <command> -h' for the flags of a command.
`)
}

func run() error {
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}
	name := flag.Arg(0)
	for _, c := range commands() {
		if c.name == name {
			return c.run(flag.Args()[1:])
		}
	}
	usage()
	return fmt.Errorf("unknown command %q", name)
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "jitseam: %v\n", err)
		os.Exit(1)
	}
}
