// Package aot implements the ahead-of-time strategy: methods are looked up
// in precompiled images that sit next to their assembly or in a cache
// directory.
package aot

import (
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/tinyrange/jitseam/internal/codegen/amd64"
	_ "github.com/tinyrange/jitseam/internal/codegen/arm64"
	"github.com/tinyrange/jitseam/internal/compiler"
	"github.com/tinyrange/jitseam/internal/il"
	"github.com/tinyrange/jitseam/internal/metadata"
	"github.com/tinyrange/jitseam/internal/metrics"
)

// Name identifies code produced by this strategy.
const Name = "aot"

// StalePolicy decides what happens when an image does not match the
// assembly it is loaded for.
type StalePolicy string

const (
	// StaleSkip declines, letting another strategy compile the method.
	StaleSkip StalePolicy = "skip"
	// StaleError reports an internal error.
	StaleError StalePolicy = "error"
)

func ParseStalePolicy(s string) (StalePolicy, error) {
	switch StalePolicy(s) {
	case "", StaleSkip:
		return StaleSkip, nil
	case StaleError:
		return StaleError, nil
	}
	return "", fmt.Errorf("aot: unknown stale policy %q", s)
}

// Eligible reports whether code owned by owner may run in domain current.
// It depends on nothing but its arguments.
func Eligible(current, owner compiler.DomainID, neutral, sharingAllowed bool) bool {
	if neutral || owner == compiler.SharedDomain {
		return true
	}
	if owner == current {
		return true
	}
	return sharingAllowed
}

type Option func(*Compiler)

// WithCacheDir sets the directory searched after the assembly's own
// directory. Images there live under <dir>/<arch>/.
func WithCacheDir(dir string) Option {
	return func(c *Compiler) { c.cacheDir = dir }
}

func WithStalePolicy(p StalePolicy) Option {
	return func(c *Compiler) { c.stale = p }
}

// WithImageCache shares an image cache between strategies.
func WithImageCache(cache *ImageCache) Option {
	return func(c *Compiler) {
		if cache != nil {
			c.images = cache
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Compiler) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Compiler) { c.metrics = m }
}

// Compiler is the ahead-of-time strategy.
type Compiler struct {
	cacheDir string
	stale    StalePolicy
	images   *ImageCache
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

var _ compiler.Compiler = (*Compiler)(nil)

func New(opts ...Option) *Compiler {
	c := &Compiler{stale: StaleSkip, logger: slog.Default()}
	for _, opt := range opts {
		opt(c)
	}
	if c.images == nil {
		c.images = NewImageCache(c.logger)
	}
	return c
}

func (c *Compiler) Name() string { return Name }

func (c *Compiler) Images() *ImageCache { return c.images }

// Close releases the image cache.
func (c *Compiler) Close() error { return c.images.Close() }

func (c *Compiler) CompileMethod(rt compiler.Runtime, m *metadata.Method, flags compiler.Flags) (compiler.Result, compiler.NativeCode) {
	if rt == nil || m == nil {
		return compiler.Fail()
	}
	flags = flags.Known()
	if flags.Has(compiler.FlagNoAOT) || m.Attributes&metadata.NoBody != 0 {
		return compiler.Skip()
	}
	a := m.Assembly()
	if a == nil {
		return compiler.Skip()
	}

	owner, neutral := rt.AssemblyOwner(a)
	if !Eligible(rt.Domain(), owner, neutral, rt.SharingAllowed()) {
		c.logger.Debug("aot declined: code owned by another domain",
			"method", compiler.Describe(m), "domain", rt.Domain(), "owner", owner)
		return compiler.Skip()
	}

	img, err := c.resolve(rt, a)
	if err != nil {
		c.metrics.ImageEvent(metrics.ImageCorrupt)
		c.logger.Error("aot image unreadable", "assembly", a.Name, "error", err)
		return compiler.Fail()
	}
	if img == nil {
		c.metrics.ImageEvent(metrics.ImageMissing)
		return compiler.Skip()
	}

	// img carries a reference from the cache. It becomes the handle's
	// reference on success and is dropped on every other path.
	r, code := c.lookup(img, rt, m, flags)
	if r != compiler.Ok {
		img.Release()
	}
	return r, code
}

func (c *Compiler) lookup(img *Image, rt compiler.Runtime, m *metadata.Method, flags compiler.Flags) (compiler.Result, compiler.NativeCode) {
	if err := c.usable(img, rt, m.Assembly(), flags); err != nil {
		return c.reject(img, m, err)
	}

	e, ok := img.Find(m.Key())
	if !ok || e.Token != m.Token || e.SigHash != m.Signature.Hash() {
		c.metrics.ImageEvent(metrics.ImageEntryMissing)
		return compiler.Skip()
	}
	body, err := rt.ResolveBody(m)
	if err != nil {
		c.logger.Debug("aot declined: body not resolvable", "method", compiler.Describe(m), "error", err)
		return compiler.Skip()
	}
	if e.BodyHash != il.Hash(body) {
		return c.reject(img, m, fmt.Errorf("%w: body of %s changed since the image was built", ErrStaleImage, m.FullName()))
	}
	if !img.Executable() {
		c.logger.Debug("aot image not executable on this platform", "path", img.Path())
		return compiler.Skip()
	}
	code := compiler.NativeCode{
		Entry:    img.Address(e),
		Size:     int(e.CodeSize),
		Arch:     img.Header().Arch,
		Strategy: Name,
	}.WithOwner(img)
	c.metrics.ImageEvent(metrics.ImageHit)
	return compiler.Success(code)
}

// resolve searches the assembly's directory and then the cache directory.
func (c *Compiler) resolve(rt compiler.Runtime, a *metadata.Assembly) (*Image, error) {
	for _, path := range []string{ImagePath(a, rt.Arch()), CachePath(c.cacheDir, a, rt.Arch())} {
		if path == "" {
			continue
		}
		img, err := c.images.Get(path)
		if err != nil {
			return nil, err
		}
		if img != nil {
			return img, nil
		}
	}
	return nil, nil
}

var errUnusable = errors.New("aot: image unusable")

// usable mirrors the checks a runtime performs before trusting an image:
// the format, target, assembly identity, owning domain and debug support
// must all match the request.
func (c *Compiler) usable(img *Image, rt compiler.Runtime, a *metadata.Assembly, flags compiler.Flags) error {
	h := img.Header()
	if err := checkVersion(h.Version); err != nil {
		return fmt.Errorf("%w: %w", errUnusable, err)
	}
	if h.Arch != rt.Arch() {
		return fmt.Errorf("%w: built for %s, runtime is %s", errUnusable, h.Arch, rt.Arch())
	}
	if h.AssemblyName != a.Name {
		return fmt.Errorf("%w: built for assembly %s", errUnusable, h.AssemblyName)
	}
	if h.AssemblyVersion != a.Version || h.MVID != a.MVID {
		return fmt.Errorf("%w: built for %s %s (%x)", ErrStaleImage, h.AssemblyName, h.AssemblyVersion, h.MVID[:4])
	}
	if !h.Shared() && compiler.DomainID(h.Owner) != rt.Domain() && !rt.SharingAllowed() {
		return fmt.Errorf("%w: built for domain %d", errUnusable, h.Owner)
	}
	if flags.Has(compiler.FlagDebug) && !h.Debug() {
		return fmt.Errorf("%w: not compiled for debugging", errUnusable)
	}
	return nil
}

func (c *Compiler) reject(img *Image, m *metadata.Method, err error) (compiler.Result, compiler.NativeCode) {
	if errors.Is(err, ErrStaleImage) {
		c.metrics.ImageEvent(metrics.ImageStale)
		if c.stale == StaleError {
			c.logger.Error("aot image stale", "path", img.Path(), "method", compiler.Describe(m), "error", err)
			return compiler.Fail()
		}
		c.logger.Info("aot image stale", "path", img.Path(), "method", compiler.Describe(m), "error", err)
		return compiler.Skip()
	}
	c.metrics.ImageEvent(metrics.ImageUnusable)
	c.logger.Debug("aot image unusable", "path", img.Path(), "method", compiler.Describe(m), "error", err)
	return compiler.Skip()
}
