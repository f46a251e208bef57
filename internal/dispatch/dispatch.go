// Package dispatch sits above the compile strategies. It tries them in a
// fixed order, makes sure concurrent first calls compile a method once, and
// caches the resulting entry points.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/tinyrange/jitseam/internal/compiler"
	"github.com/tinyrange/jitseam/internal/metadata"
	"github.com/tinyrange/jitseam/internal/metrics"
	"github.com/tinyrange/jitseam/internal/native"
)

// DefaultCacheSize is the number of entry points kept by default.
const DefaultCacheSize = 4096

var ErrNotPrepared = errors.New("dispatch: method could not be prepared")

// ErrDomainUnloaded is returned for a runtime whose domain has been unloaded.
var ErrDomainUnloaded = fmt.Errorf("%w: domain is unloaded", ErrNotPrepared)

// keyFlags are the flag bits that change the code a strategy produces.
const keyFlags = compiler.FlagDebug | compiler.FlagNoOptimize | compiler.FlagNoAOT

// Attempt records what one strategy answered.
type Attempt struct {
	Strategy string
	Result   compiler.Result
}

// NotPreparedError lists every strategy's answer for a method no strategy
// could compile.
type NotPreparedError struct {
	Method   string
	Attempts []Attempt
}

func (e *NotPreparedError) Error() string {
	parts := make([]string, len(e.Attempts))
	for i, a := range e.Attempts {
		parts[i] = a.Strategy + "=" + a.Result.String()
	}
	return fmt.Sprintf("%s: %s (%s)", ErrNotPrepared, e.Method, strings.Join(parts, ", "))
}

func (e *NotPreparedError) Unwrap() error { return ErrNotPrepared }

type cacheKey struct {
	domain compiler.DomainID
	mvid   [16]byte
	method uint64
	flags  compiler.Flags
}

func (k cacheKey) String() string {
	return fmt.Sprintf("%d/%x/%016x/%d", k.domain, k.mvid, k.method, k.flags)
}

// CodeInfo describes the prepared method that owns a code address.
type CodeInfo struct {
	Domain   compiler.DomainID
	Method   *metadata.Method
	Strategy string
	Entry    uintptr
	// Offset is the distance of the address from Entry.
	Offset uintptr
}

type codeRange struct {
	key        cacheKey
	start, end uintptr
	method     *metadata.Method
	strategy   string
}

type Option func(*Table)

func WithCacheSize(n int) Option {
	return func(t *Table) {
		if n > 0 {
			t.cacheSize = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(t *Table) {
		if l != nil {
			t.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Table) { t.metrics = m }
}

// Table prepares methods for execution. It is safe for concurrent use.
type Table struct {
	strategies []compiler.Compiler
	cacheSize  int
	cache      *lru.Cache[cacheKey, compiler.NativeCode]
	group      singleflight.Group
	logger     *slog.Logger
	metrics    *metrics.Metrics

	rangesMu sync.RWMutex
	ranges   []codeRange // sorted by start
}

// New builds a table that consults strategies in order.
func New(strategies []compiler.Compiler, opts ...Option) (*Table, error) {
	if len(strategies) == 0 {
		return nil, fmt.Errorf("dispatch: at least one strategy is required")
	}
	t := &Table{
		strategies: append([]compiler.Compiler(nil), strategies...),
		cacheSize:  DefaultCacheSize,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	cache, err := lru.NewWithEvict[cacheKey, compiler.NativeCode](t.cacheSize, func(k cacheKey, _ compiler.NativeCode) {
		t.removeRange(k)
	})
	if err != nil {
		return nil, fmt.Errorf("dispatch: create cache: %w", err)
	}
	t.cache = cache
	return t, nil
}

// Strategies returns the strategy names in priority order.
func (t *Table) Strategies() []string {
	out := make([]string, len(t.strategies))
	for i, s := range t.strategies {
		out[i] = s.Name()
	}
	return out
}

func keyFor(rt compiler.Runtime, m *metadata.Method, flags compiler.Flags) cacheKey {
	k := cacheKey{domain: rt.Domain(), method: m.Key(), flags: flags & keyFlags}
	if a := m.Assembly(); a != nil {
		k.mvid = a.MVID
	}
	return k
}

// Prepare returns native code for m in rt's domain. Only the first caller
// compiles; concurrent callers wait for its result or for ctx. Entries of an
// unloaded domain are dropped instead of returned.
func (t *Table) Prepare(ctx context.Context, rt compiler.Runtime, m *metadata.Method, flags compiler.Flags) (compiler.NativeCode, error) {
	if rt == nil || m == nil {
		return compiler.NativeCode{}, fmt.Errorf("dispatch: runtime and method must be non-nil")
	}
	if rt.Unloaded() {
		t.Forget(rt.Domain())
		return compiler.NativeCode{}, fmt.Errorf("%w: domain %d", ErrDomainUnloaded, rt.Domain())
	}
	key := keyFor(rt, m, flags)
	if code, ok := t.cache.Get(key); ok {
		t.metrics.CacheHit()
		return code, nil
	}
	t.metrics.CacheMiss()

	ch := t.group.DoChan(key.String(), func() (any, error) {
		if code, ok := t.cache.Get(key); ok {
			return code, nil
		}
		code, err := t.compile(rt, m, flags)
		if err != nil {
			return nil, err
		}
		if rt.Unloaded() {
			code.Release()
			return nil, fmt.Errorf("%w: domain %d", ErrDomainUnloaded, rt.Domain())
		}
		t.cache.Add(key, code)
		t.addRange(key, m, code)
		return code, nil
	})

	select {
	case <-ctx.Done():
		return compiler.NativeCode{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return compiler.NativeCode{}, res.Err
		}
		return res.Val.(compiler.NativeCode), nil
	}
}

func (t *Table) compile(rt compiler.Runtime, m *metadata.Method, flags compiler.Flags) (compiler.NativeCode, error) {
	name := compiler.Describe(m)
	attempts := make([]Attempt, 0, len(t.strategies))
	for _, s := range t.strategies {
		start := time.Now()
		r, code := s.CompileMethod(rt, m, flags)
		t.metrics.ObserveCompile(s.Name(), r, time.Since(start))
		attempts = append(attempts, Attempt{Strategy: s.Name(), Result: r})

		switch r {
		case compiler.Ok:
			t.logger.Debug("method prepared",
				"method", name,
				"domain", rt.Domain(),
				"strategy", s.Name(),
				"entry", fmt.Sprintf("%#x", code.Entry),
			)
			return code, nil
		case compiler.InternalError:
			t.logger.Warn("strategy failed", "method", name, "strategy", s.Name())
		}
	}
	return compiler.NativeCode{}, &NotPreparedError{Method: name, Attempts: attempts}
}

// Invoke prepares m and calls it with args. The domain must not be unloaded
// while the call runs.
func (t *Table) Invoke(ctx context.Context, rt compiler.Runtime, m *metadata.Method, args ...int64) (int64, error) {
	code, err := t.Prepare(ctx, rt, m, 0)
	if err != nil {
		return 0, err
	}
	return native.Call(code, m.Signature, args...)
}

func (t *Table) addRange(key cacheKey, m *metadata.Method, code compiler.NativeCode) {
	t.removeRange(key)
	r := codeRange{key: key, start: code.Entry, end: code.Entry + uintptr(code.Size), method: m, strategy: code.Strategy}

	t.rangesMu.Lock()
	defer t.rangesMu.Unlock()
	i := sort.Search(len(t.ranges), func(i int) bool { return t.ranges[i].start > r.start })
	t.ranges = append(t.ranges, codeRange{})
	copy(t.ranges[i+1:], t.ranges[i:])
	t.ranges[i] = r
}

func (t *Table) removeRange(key cacheKey) {
	t.rangesMu.Lock()
	defer t.rangesMu.Unlock()
	for i, r := range t.ranges {
		if r.key == key {
			t.ranges = append(t.ranges[:i], t.ranges[i+1:]...)
			return
		}
	}
}

// MethodAt maps an address inside prepared code back to its method, the way
// a stack walker resolves a return address. Code shared by several domains
// reports one of them.
func (t *Table) MethodAt(addr uintptr) (CodeInfo, bool) {
	t.rangesMu.RLock()
	defer t.rangesMu.RUnlock()

	i := sort.Search(len(t.ranges), func(i int) bool { return t.ranges[i].start > addr })
	if i == 0 {
		return CodeInfo{}, false
	}
	r := t.ranges[i-1]
	if addr >= r.end {
		return CodeInfo{}, false
	}
	return CodeInfo{
		Domain:   r.key.domain,
		Method:   r.method,
		Strategy: r.strategy,
		Entry:    r.start,
		Offset:   addr - r.start,
	}, true
}

// Len is the number of cached entry points.
func (t *Table) Len() int { return t.cache.Len() }

// Forget drops every cached entry point of domain, typically before the
// domain is unloaded.
func (t *Table) Forget(domain compiler.DomainID) int {
	n := 0
	for _, k := range t.cache.Keys() {
		if k.domain != domain {
			continue
		}
		if code, ok := t.cache.Peek(k); ok {
			t.cache.Remove(k)
			code.Release()
			n++
		}
	}
	return n
}

// Close releases every cached handle. Code heaps are untouched; evicting an
// entry never frees code.
func (t *Table) Close() {
	for _, code := range t.cache.Values() {
		code.Release()
	}
	t.cache.Purge()
}
