package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"github.com/tinyrange/jitseam/internal/aot"
	"github.com/tinyrange/jitseam/internal/arch"
	"github.com/tinyrange/jitseam/internal/compiler"
	"github.com/tinyrange/jitseam/internal/config"
	"github.com/tinyrange/jitseam/internal/metadata"
)

func runAOT(args []string) error {
	fs := flag.NewFlagSet("aot", flag.ExitOnError)
	out := fs.String("o", "", "output path (default: <assembly>.<arch>.aot next to the assembly)")
	archName := fs.String("arch", "native", "target architecture (x86_64, arm64, native)")
	debug := fs.Bool("debug", false, "build unoptimized code and mark the image debuggable")
	shared := fs.Bool("shared", false, "mark the image domain neutral")
	owner := fs.Uint("domain", 1, "domain that owns the image when it is not shared")
	cache := fs.Bool("cache", false, "write into the configured AOT cache directory")
	configPath := fs.String("config", "", "YAML configuration file")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `jitseam aot - compile every method of an assembly into an image

USAGE:
  jitseam aot [flags] <assembly.yaml>

FLAGS:
  -o PATH      Output path
  -arch ARCH   Target architecture (default: native)
  -debug       Unoptimized code, image usable by debug requests
  -shared      Domain neutral image
  -domain N    Owning domain of a non-shared image (default: 1, the root domain)
  -cache       Write to <cacheDir>/<arch>/<assembly>.aot instead of next to the assembly
  -config F    Configuration file
`)
	}
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath, ".env")
	if err != nil {
		return err
	}
	logger, err := cfg.Logger(os.Stderr)
	if err != nil {
		return err
	}

	target, err := arch.Parse(*archName)
	if err != nil {
		return err
	}
	a, err := metadata.LoadFile(fs.Arg(0))
	if err != nil {
		return err
	}

	opts := aot.BuildOptions{
		Arch:   target,
		Debug:  *debug,
		Shared: *shared,
		Owner:  compiler.DomainID(*owner),
	}
	var bar *progressbar.ProgressBar
	if term.IsTerminal(int(os.Stderr.Fd())) {
		bar = progressbar.NewOptions(len(a.Methods()),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("compiling "+a.Name),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		)
		opts.Progress = func(done, total int) { _ = bar.Set(done) }
	}

	w, err := aot.NewWriter(a, opts)
	if err != nil {
		return err
	}
	if err := w.AddAll(); err != nil {
		return err
	}
	if bar != nil {
		_ = bar.Finish()
	}
	for _, s := range w.Skipped() {
		logger.Warn("method left to the jit", "method", compiler.Describe(s.Method), "reason", s.Reason)
	}

	path := *out
	switch {
	case path != "":
	case *cache:
		if cfg.AOT.CacheDir == "" {
			return fmt.Errorf("-cache requires aot.cacheDir in the configuration")
		}
		path = aot.CachePath(cfg.AOT.CacheDir, a, target)
	default:
		path = aot.ImagePath(a, target)
	}
	if err := w.WriteFile(path); err != nil {
		return err
	}
	fmt.Printf("%s: %d methods, %d skipped\n", path, w.Len(), len(w.Skipped()))
	return nil
}
