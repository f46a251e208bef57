// Package config loads runtime settings from a YAML file, optional .env
// files and JITSEAM_* environment variables, in increasing precedence.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/jitseam/internal/aot"
	"github.com/tinyrange/jitseam/internal/arch"
	"github.com/tinyrange/jitseam/internal/codeheap"
	"github.com/tinyrange/jitseam/internal/dispatch"
)

const EnvPrefix = "JITSEAM_"

type Config struct {
	Arch     string         `yaml:"arch"`
	Log      LogConfig      `yaml:"log"`
	Heap     HeapConfig     `yaml:"heap"`
	AOT      AOTConfig      `yaml:"aot"`
	JIT      JITConfig      `yaml:"jit"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type HeapConfig struct {
	ChunkSize int `yaml:"chunkSize,omitempty"`
}

type AOTConfig struct {
	Enabled     *bool  `yaml:"enabled,omitempty"`
	CacheDir    string `yaml:"cacheDir,omitempty"`
	StalePolicy string `yaml:"stalePolicy,omitempty"`
	// Sharing lets a domain use images built for another domain.
	Sharing bool `yaml:"sharing,omitempty"`
}

type JITConfig struct {
	Enabled *bool `yaml:"enabled,omitempty"`
}

type DispatchConfig struct {
	CacheSize int `yaml:"cacheSize,omitempty"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr,omitempty"`
}

func enabled() *bool {
	v := true
	return &v
}

func (c *Config) normalize() {
	if c.Arch == "" {
		c.Arch = "native"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Heap.ChunkSize <= 0 {
		c.Heap.ChunkSize = codeheap.DefaultChunkSize
	}
	if c.AOT.Enabled == nil {
		c.AOT.Enabled = enabled()
	}
	if c.AOT.StalePolicy == "" {
		c.AOT.StalePolicy = "skip"
	}
	if c.JIT.Enabled == nil {
		c.JIT.Enabled = enabled()
	}
	if c.Dispatch.CacheSize <= 0 {
		c.Dispatch.CacheSize = dispatch.DefaultCacheSize
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9464"
	}
}

// Default returns the configuration used when no file is given.
func Default() Config {
	var c Config
	c.normalize()
	return c
}

// Load reads path (when non-empty), then the env files, then the process
// environment. Missing env files are ignored.
func Load(path string, envFiles ...string) (Config, error) {
	var c Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &c); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	for _, f := range envFiles {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return Config{}, fmt.Errorf("load env file %s: %w", f, err)
		}
	}
	if err := c.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}

	c.normalize()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(name string, dst *int) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: %s%s: %w", EnvPrefix, name, err)
		}
		*dst = n
		return nil
	}
	flag := func(name string, dst **bool) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return nil
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("config: %s%s: %w", EnvPrefix, name, err)
		}
		*dst = &b
		return nil
	}

	str("ARCH", &c.Arch)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("AOT_CACHE_DIR", &c.AOT.CacheDir)
	str("AOT_STALE_POLICY", &c.AOT.StalePolicy)
	str("METRICS_ADDR", &c.Metrics.Addr)
	if err := num("HEAP_CHUNK_SIZE", &c.Heap.ChunkSize); err != nil {
		return err
	}
	if err := num("DISPATCH_CACHE_SIZE", &c.Dispatch.CacheSize); err != nil {
		return err
	}
	if err := flag("AOT_ENABLED", &c.AOT.Enabled); err != nil {
		return err
	}
	if err := flag("JIT_ENABLED", &c.JIT.Enabled); err != nil {
		return err
	}
	var sharing *bool
	if err := flag("AOT_SHARING", &sharing); err != nil {
		return err
	}
	if sharing != nil {
		c.AOT.Sharing = *sharing
	}
	return nil
}

// Validate checks the values that are parsed later.
func (c Config) Validate() error {
	if _, err := arch.Parse(c.Arch); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	if _, err := aot.ParseStalePolicy(c.AOT.StalePolicy); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if !c.AOTEnabled() && !c.JITEnabled() {
		return fmt.Errorf("config: at least one of aot and jit must be enabled")
	}
	return nil
}

func (c Config) AOTEnabled() bool { return c.AOT.Enabled == nil || *c.AOT.Enabled }
func (c Config) JITEnabled() bool { return c.JIT.Enabled == nil || *c.JIT.Enabled }

func (c Config) TargetArch() (arch.Arch, error) { return arch.Parse(c.Arch) }

func (c Config) Stale() (aot.StalePolicy, error) { return aot.ParseStalePolicy(c.AOT.StalePolicy) }

func (c Config) LogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("config: log level: %w", err)
	}
	return l, nil
}

// Logger builds a handler of the configured format writing to w.
func (c Config) Logger(w io.Writer) (*slog.Logger, error) {
	level, err := c.LogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// Write stores c as YAML.
func (c Config) Write(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}
