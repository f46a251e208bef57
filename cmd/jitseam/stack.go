package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/tinyrange/jitseam/internal/aot"
	"github.com/tinyrange/jitseam/internal/codeheap"
	"github.com/tinyrange/jitseam/internal/compiler"
	"github.com/tinyrange/jitseam/internal/config"
	"github.com/tinyrange/jitseam/internal/dispatch"
	"github.com/tinyrange/jitseam/internal/domain"
	"github.com/tinyrange/jitseam/internal/jit"
	"github.com/tinyrange/jitseam/internal/metadata"
	"github.com/tinyrange/jitseam/internal/metrics"
)

// commonFlags are accepted by every command that builds a runtime.
type commonFlags struct {
	config  *string
	jitOnly *bool
	aotOnly *bool
}

func addCommonFlags(fs *flag.FlagSet) commonFlags {
	return commonFlags{
		config:  fs.String("config", "", "YAML configuration file"),
		jitOnly: fs.Bool("jit-only", false, "never consult AOT images"),
		aotOnly: fs.Bool("aot-only", false, "never compile just in time"),
	}
}

func (f commonFlags) load() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(*f.config, ".env")
	if err != nil {
		return config.Config{}, nil, err
	}
	if *f.jitOnly && *f.aotOnly {
		return config.Config{}, nil, fmt.Errorf("-jit-only and -aot-only are mutually exclusive")
	}
	off := false
	if *f.jitOnly {
		cfg.AOT.Enabled = &off
	}
	if *f.aotOnly {
		cfg.JIT.Enabled = &off
	}
	logger, err := cfg.Logger(os.Stderr)
	if err != nil {
		return config.Config{}, nil, err
	}
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// stack is one runtime: a domain manager, the strategies and the dispatch
// table over them.
type stack struct {
	mgr     *domain.Manager
	ahead   *aot.Compiler
	table   *dispatch.Table
	metrics *metrics.Metrics
}

func newStack(cfg config.Config, logger *slog.Logger, mt *metrics.Metrics) (*stack, error) {
	target, err := cfg.TargetArch()
	if err != nil {
		return nil, err
	}
	stale, err := cfg.Stale()
	if err != nil {
		return nil, err
	}

	s := &stack{metrics: mt}
	s.mgr = domain.NewManager(
		domain.WithArch(target),
		domain.WithSharing(cfg.AOT.Sharing),
		domain.WithHeapOptions(codeheap.WithChunkSize(cfg.Heap.ChunkSize)),
		domain.WithLogger(logger),
		domain.WithMetrics(mt),
	)

	var strategies []compiler.Compiler
	if cfg.AOTEnabled() {
		s.ahead = aot.New(
			aot.WithCacheDir(cfg.AOT.CacheDir),
			aot.WithStalePolicy(stale),
			aot.WithLogger(logger),
			aot.WithMetrics(mt),
		)
		strategies = append(strategies, s.ahead)
	}
	if cfg.JITEnabled() {
		strategies = append(strategies, jit.New(jit.WithLogger(logger)))
	}

	s.table, err = dispatch.New(strategies,
		dispatch.WithCacheSize(cfg.Dispatch.CacheSize),
		dispatch.WithLogger(logger),
		dispatch.WithMetrics(mt),
	)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// load reads an assembly and loads it into the root domain.
func (s *stack) load(path string) (*metadata.Assembly, error) {
	a, err := metadata.LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := s.mgr.Root().Load(a, false); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *stack) Close() error {
	if s.table != nil {
		s.table.Close()
	}
	var err error
	if s.ahead != nil {
		err = s.ahead.Close()
	}
	if cerr := s.mgr.Close(); err == nil {
		err = cerr
	}
	return err
}
