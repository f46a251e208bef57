package aot

import (
	"encoding/binary"
	"hash/crc32"
	"os"
	"path/filepath"
	"strings"
	"testing"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/jitseam/internal/arch"
	"github.com/tinyrange/jitseam/internal/compiler"
	"github.com/tinyrange/jitseam/internal/il"
	"github.com/tinyrange/jitseam/internal/metadata"
	"github.com/tinyrange/jitseam/internal/metrics"
)

type testRuntime struct {
	domain  compiler.DomainID
	arch    arch.Arch
	owner   compiler.DomainID
	neutral bool
	sharing bool
	// bodies overrides the IL the runtime resolves for a method.
	bodies map[*metadata.Method]*il.Body
}

func (r *testRuntime) Domain() compiler.DomainID   { return r.domain }
func (r *testRuntime) Arch() arch.Arch             { return r.arch }
func (r *testRuntime) CodeHeap() compiler.CodeHeap { return nil }
func (r *testRuntime) SharingAllowed() bool        { return r.sharing }
func (r *testRuntime) Unloaded() bool              { return false }

func (r *testRuntime) ResolveBody(m *metadata.Method) (*il.Body, error) {
	if b, ok := r.bodies[m]; ok {
		return b, nil
	}
	return m.Body, nil
}

func (r *testRuntime) AssemblyOwner(*metadata.Assembly) (compiler.DomainID, bool) {
	return r.owner, r.neutral
}

func newRuntime(domain compiler.DomainID) *testRuntime {
	return &testRuntime{domain: domain, arch: arch.X86_64, owner: domain}
}

type fixture struct {
	asm     *metadata.Assembly
	add     *metadata.Method
	scale   *metadata.Method
	missing *metadata.Method
	native  *metadata.Method
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	a := metadata.NewAssembly("Demo", "1.0.0")
	a.Path = filepath.Join(dir, "Demo.yaml")
	calc := a.DefineType("Calc")
	f := &fixture{asm: a}
	f.add = calc.DefineMethod("Add", metadata.Static(il.TypeI32, il.TypeI32, il.TypeI32), nil,
		il.MustParse("ldarg 0\nldarg 1\nadd\nret\n"))
	f.scale = calc.DefineMethod("Scale", metadata.Static(il.TypeI64, il.TypeI64), nil,
		il.MustParse("ldarg 0\nldc.i8 3\nmul\nret\n"))
	f.missing = calc.DefineMethod("Late", metadata.Static(il.TypeI32), nil,
		il.MustParse("ldc.i4 1\nret\n"))
	f.native = calc.DefineMethod("Extern", metadata.Static(il.TypeI32), nil, nil)
	f.native.Attributes = metadata.AttrPInvoke
	return f
}

// build writes an image containing add and scale next to the assembly.
func (f *fixture) build(t *testing.T, opts BuildOptions) string {
	t.Helper()
	if opts.Arch == arch.Invalid {
		opts.Arch = arch.X86_64
	}
	w, err := NewWriter(f.asm, opts)
	require.NoError(t, err)
	require.NoError(t, w.Add(f.add))
	require.NoError(t, w.Add(f.scale))
	path := ImagePath(f.asm, opts.Arch)
	require.NoError(t, w.WriteFile(path))
	return path
}

func newCompiler(t *testing.T, opts ...Option) *Compiler {
	t.Helper()
	c := New(opts...)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestEligible(t *testing.T) {
	tests := []struct {
		current, owner   compiler.DomainID
		neutral, sharing bool
		want             bool
	}{
		{1, 1, false, false, true},
		{2, 1, false, false, false},
		{2, 1, false, true, true},
		{2, 1, true, false, true},
		{2, compiler.SharedDomain, false, false, true},
	}
	for _, tt := range tests {
		if got := Eligible(tt.current, tt.owner, tt.neutral, tt.sharing); got != tt.want {
			t.Fatalf("Eligible(%d, %d, %t, %t) = %t, want %t", tt.current, tt.owner, tt.neutral, tt.sharing, got, tt.want)
		}
	}
}

func TestParseStalePolicy(t *testing.T) {
	p, err := ParseStalePolicy("")
	require.NoError(t, err)
	assert.Equal(t, StaleSkip, p)
	p, err = ParseStalePolicy("error")
	require.NoError(t, err)
	assert.Equal(t, StaleError, p)
	_, err = ParseStalePolicy("retry")
	assert.Error(t, err)
}

func TestWriterRoundTrip(t *testing.T) {
	f := newFixture(t)
	path := f.build(t, BuildOptions{Owner: 7})

	img, err := Open(path)
	require.NoError(t, err)
	defer img.Close()

	h := img.Header()
	assert.Equal(t, FormatVersion, h.Version)
	assert.Equal(t, arch.X86_64, h.Arch)
	assert.Equal(t, "Demo", h.AssemblyName)
	assert.Equal(t, "1.0.0", h.AssemblyVersion)
	assert.Equal(t, f.asm.MVID, h.MVID)
	assert.Equal(t, uint32(7), h.Owner)
	assert.False(t, h.Shared())
	assert.Equal(t, ImageOptimized, h.Flags)
	assert.Equal(t, 2, img.MethodCount())
	assert.Less(t, img.EntryAt(0).Key, img.EntryAt(1).Key)

	e, ok := img.Find(f.add.Key())
	require.True(t, ok)
	assert.Equal(t, f.add.Token, e.Token)
	assert.Equal(t, f.add.Signature.Hash(), e.SigHash)
	assert.Equal(t, il.Hash(f.add.Body), e.BodyHash)
	assert.NotEmpty(t, img.Code(e))

	_, ok = img.Find(f.missing.Key())
	assert.False(t, ok)
	_, ok = img.Find(f.missing.Key())
	assert.False(t, ok, "memoized misses stay misses")
}

func TestSkipsMethodWithoutEntry(t *testing.T) {
	f := newFixture(t)
	f.build(t, BuildOptions{})
	c := newCompiler(t)
	rt := newRuntime(1)

	for i := 0; i < 3; i++ {
		r, code := c.CompileMethod(rt, f.missing, 0)
		assert.Equal(t, compiler.Skipped, r)
		assert.False(t, code.Valid())
	}
}

func TestSkipsWithoutImage(t *testing.T) {
	f := newFixture(t)
	c := newCompiler(t)
	r, code := c.CompileMethod(newRuntime(1), f.add, 0)
	assert.Equal(t, compiler.Skipped, r)
	assert.False(t, code.Valid())
}

func TestCompileFromImage(t *testing.T) {
	f := newFixture(t)
	f.build(t, BuildOptions{Owner: 1})
	c := newCompiler(t)

	r, code := c.CompileMethod(newRuntime(1), f.add, compiler.FlagSynchronous)
	require.Equal(t, compiler.Ok, r)
	defer code.Release()
	assert.True(t, code.Valid())
	assert.Equal(t, Name, code.Strategy)
	assert.Equal(t, arch.X86_64, code.Arch)
}

func TestDomainIsolation(t *testing.T) {
	f := newFixture(t)
	f.build(t, BuildOptions{Owner: 1})
	c := newCompiler(t)

	other := newRuntime(2)
	other.owner = 1
	r, code := c.CompileMethod(other, f.add, 0)
	assert.Equal(t, compiler.Skipped, r)
	assert.False(t, code.Valid())

	r, code = c.CompileMethod(newRuntime(1), f.add, 0)
	require.Equal(t, compiler.Ok, r)
	assert.True(t, code.Valid())
	code.Release()
}

func TestImageOwnedByAnotherDomain(t *testing.T) {
	f := newFixture(t)
	path := f.build(t, BuildOptions{Owner: 5})
	c := newCompiler(t)

	r, _ := c.CompileMethod(newRuntime(1), f.add, 0)
	assert.Equal(t, compiler.Skipped, r)

	img, err := c.Images().Get(path)
	require.NoError(t, err)
	assert.Equal(t, 2, img.Refs(), "declined after mapping keeps only the cache reference")
	img.Release()

	rt := newRuntime(1)
	rt.sharing = true
	r, code := c.CompileMethod(rt, f.add, 0)
	require.Equal(t, compiler.Ok, r)
	code.Release()
}

func TestSharedImageServesEveryDomain(t *testing.T) {
	f := newFixture(t)
	f.build(t, BuildOptions{Shared: true})
	c := newCompiler(t)

	for _, d := range []compiler.DomainID{1, 2, 9} {
		rt := newRuntime(d)
		rt.owner, rt.neutral = compiler.SharedDomain, true
		r, code := c.CompileMethod(rt, f.add, 0)
		require.Equal(t, compiler.Ok, r, "domain %d", d)
		code.Release()
	}
}

func TestDeclines(t *testing.T) {
	f := newFixture(t)
	f.build(t, BuildOptions{Owner: 1})
	c := newCompiler(t)
	rt := newRuntime(1)

	r, _ := c.CompileMethod(rt, f.add, compiler.FlagNoAOT)
	assert.Equal(t, compiler.Skipped, r)

	r, _ = c.CompileMethod(rt, f.native, 0)
	assert.Equal(t, compiler.Skipped, r)

	r, _ = c.CompileMethod(rt, f.add, compiler.FlagDebug)
	assert.Equal(t, compiler.Skipped, r, "optimized image cannot serve a debug request")

	other := newRuntime(1)
	other.arch = arch.ARM64
	r, _ = c.CompileMethod(other, f.add, 0)
	assert.Equal(t, compiler.Skipped, r)
}

func TestDebugImage(t *testing.T) {
	f := newFixture(t)
	f.build(t, BuildOptions{Owner: 1, Debug: true})
	c := newCompiler(t)

	r, code := c.CompileMethod(newRuntime(1), f.add, compiler.FlagDebug)
	require.Equal(t, compiler.Ok, r)
	code.Release()
}

func TestUnknownFlagsIgnored(t *testing.T) {
	f := newFixture(t)
	f.build(t, BuildOptions{Owner: 1})
	c := newCompiler(t)

	for _, bit := range []compiler.Flags{1 << 8, 1 << 20, 1 << 31} {
		r, code := c.CompileMethod(newRuntime(1), f.add, bit)
		assert.Equal(t, compiler.Ok, r)
		code.Release()
		r, _ = c.CompileMethod(newRuntime(1), f.missing, bit)
		assert.Equal(t, compiler.Skipped, r)
	}
}

func rewriteChecksum(data []byte) {
	binary.LittleEndian.PutUint32(data[104:], crc32.Checksum(data[headerSize:], castagnoli))
}

func TestCorruptImage(t *testing.T) {
	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"bad magic", func(b []byte) []byte { b[0] = 'X'; return b }},
		{"checksum", func(b []byte) []byte { b[len(b)-1] ^= 0xff; return b }},
		{"truncated", func(b []byte) []byte { return b[:len(b)/2] }},
		{"header only", func(b []byte) []byte { return b[:40] }},
		{"table out of range", func(b []byte) []byte {
			binary.LittleEndian.PutUint64(b[72:], uint64(len(b)))
			return b
		}},
		{"code out of range", func(b []byte) []byte {
			tableOff := binary.LittleEndian.Uint64(b[72:])
			binary.LittleEndian.PutUint64(b[tableOff+32:], 1<<40)
			rewriteChecksum(b)
			return b
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			path := f.build(t, BuildOptions{Owner: 1})
			data, err := os.ReadFile(path)
			require.NoError(t, err)
			require.NoError(t, os.WriteFile(path, tt.mutate(data), 0o644))

			c := newCompiler(t)
			r, code := c.CompileMethod(newRuntime(1), f.add, 0)
			assert.Equal(t, compiler.InternalError, r)
			assert.False(t, code.Valid())
		})
	}
}

func TestNewerFormatIsUnusable(t *testing.T) {
	f := newFixture(t)
	path := f.build(t, BuildOptions{Owner: 1})
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	strOff := binary.LittleEndian.Uint64(data[56:])
	verRef := binary.LittleEndian.Uint32(data[12:])
	ver := data[strOff+uint64(verRef)+2:]
	require.Equal(t, "v1.0.0", string(ver[:6]))
	ver[1] = '2'
	rewriteChecksum(data)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	r, _ := newCompiler(t).CompileMethod(newRuntime(1), f.add, 0)
	assert.Equal(t, compiler.Skipped, r)
}

func TestStaleImage(t *testing.T) {
	for _, tt := range []struct {
		policy StalePolicy
		want   compiler.Result
	}{
		{StaleSkip, compiler.Skipped},
		{StaleError, compiler.InternalError},
	} {
		t.Run(string(tt.policy), func(t *testing.T) {
			f := newFixture(t)
			f.build(t, BuildOptions{Owner: 1})
			c := newCompiler(t, WithStalePolicy(tt.policy))

			f.asm.SetBuild("rebuilt")
			r, code := c.CompileMethod(newRuntime(1), f.add, 0)
			assert.Equal(t, tt.want, r)
			assert.False(t, code.Valid())
		})
	}
}

func TestStaleMethodBody(t *testing.T) {
	f := newFixture(t)
	f.build(t, BuildOptions{Owner: 1})
	c := newCompiler(t, WithStalePolicy(StaleError))

	f.add.Body = il.MustParse("ldarg 0\nldarg 1\nsub\nret\n")
	r, _ := c.CompileMethod(newRuntime(1), f.add, 0)
	assert.Equal(t, compiler.InternalError, r)

	r, code := c.CompileMethod(newRuntime(1), f.scale, 0)
	assert.Equal(t, compiler.Ok, r, "unchanged methods still load")
	code.Release()
}

func TestCacheDirectory(t *testing.T) {
	f := newFixture(t)
	cacheDir := t.TempDir()
	w, err := NewWriter(f.asm, BuildOptions{Arch: arch.X86_64, Owner: 1})
	require.NoError(t, err)
	require.NoError(t, w.AddAll())
	require.NoError(t, w.WriteFile(CachePath(cacheDir, f.asm, arch.X86_64)))

	assert.Equal(t, 3, w.Len(), "Extern has no body")
	require.Len(t, w.Skipped(), 1)
	assert.Same(t, f.native, w.Skipped()[0].Method)

	r, _ := newCompiler(t).CompileMethod(newRuntime(1), f.add, 0)
	assert.Equal(t, compiler.Skipped, r, "cache directory not configured")

	r, code := newCompiler(t, WithCacheDir(cacheDir)).CompileMethod(newRuntime(1), f.add, 0)
	require.Equal(t, compiler.Ok, r)
	code.Release()
}

func TestHandlesKeepImageMapped(t *testing.T) {
	f := newFixture(t)
	path := f.build(t, BuildOptions{Owner: 1})
	c := New()

	r, code := c.CompileMethod(newRuntime(1), f.add, 0)
	require.Equal(t, compiler.Ok, r)
	img, err := c.Images().Get(path)
	require.NoError(t, err)
	assert.Equal(t, 3, img.Refs(), "cache, handle and this caller")
	img.Release()
	assert.Equal(t, 2, img.Refs())

	require.NoError(t, c.Close())
	assert.Equal(t, 1, img.Refs())
	code.Release()
	code.Release()
	assert.Equal(t, 0, img.Refs())
}

func TestWriterRejects(t *testing.T) {
	f := newFixture(t)
	_, err := NewWriter(nil, BuildOptions{})
	assert.Error(t, err)

	w, err := NewWriter(f.asm, BuildOptions{Arch: arch.X86_64})
	require.NoError(t, err)
	require.NoError(t, w.Add(f.add))
	assert.Error(t, w.Add(f.add), "duplicate")
	assert.Error(t, w.Add(f.native), "no body")

	other := metadata.NewAssembly("Other", "1.0.0")
	m := other.DefineType("T").DefineMethod("M", metadata.Static(il.TypeI32), nil, il.MustParse("ldc.i4 0\nret\n"))
	assert.Error(t, w.Add(m), "foreign method")
}

func TestDeclinesDoNotLeakImageReferences(t *testing.T) {
	f := newFixture(t)
	path := f.build(t, BuildOptions{Owner: 1})
	c := New()

	debug := compiler.FlagDebug
	for i := 0; i < 3; i++ {
		r, _ := c.CompileMethod(newRuntime(1), f.missing, 0)
		assert.Equal(t, compiler.Skipped, r)
		r, _ = c.CompileMethod(newRuntime(1), f.add, debug)
		assert.Equal(t, compiler.Skipped, r)
	}
	r, code := c.CompileMethod(newRuntime(1), f.add, 0)
	require.Equal(t, compiler.Ok, r)

	img, err := c.Images().Get(path)
	require.NoError(t, err)
	img.Release()
	assert.Equal(t, 2, img.Refs(), "only the cache and the issued handle")

	require.NoError(t, c.Close())
	code.Release()
	assert.Equal(t, 0, img.Refs())

	_, err = c.Images().Get(path)
	assert.Error(t, err, "closed cache hands out nothing")
}

func TestBodyHashUsesResolvedBody(t *testing.T) {
	f := newFixture(t)
	f.build(t, BuildOptions{Owner: 1})
	c := newCompiler(t)

	rt := newRuntime(1)
	rt.bodies = map[*metadata.Method]*il.Body{
		f.add: il.MustParse("ldarg 0\nldarg 1\nsub\nret\n"),
	}
	r, code := c.CompileMethod(rt, f.add, 0)
	assert.Equal(t, compiler.Skipped, r, "resolved body differs from the one compiled into the image")
	assert.False(t, code.Valid())

	r, code = c.CompileMethod(newRuntime(1), f.add, 0)
	require.Equal(t, compiler.Ok, r)
	code.Release()
}

func TestMethodAt(t *testing.T) {
	f := newFixture(t)
	path := f.build(t, BuildOptions{Owner: 1})
	img, err := Open(path)
	require.NoError(t, err)
	defer img.Close()

	for _, m := range []*metadata.Method{f.add, f.scale} {
		e, ok := img.Find(m.Key())
		require.True(t, ok)
		start := img.Address(e)
		for _, addr := range []uintptr{start, start + uintptr(e.CodeSize) - 1} {
			got, ok := img.MethodAt(addr)
			require.True(t, ok, "%s at %#x", m.Name, addr)
			assert.Equal(t, m.Key(), got.Key)
		}
	}

	_, ok := img.MethodAt(uintptr(0x10))
	assert.False(t, ok)
	for i := 0; i < img.MethodCount(); i++ {
		if e := img.EntryAt(i); e.CodeOff == 0 {
			_, ok = img.MethodAt(img.Address(e) - 1)
			assert.False(t, ok, "bytes before the code section belong to no method")
		}
	}
}

func TestImageCacheMethodAt(t *testing.T) {
	f := newFixture(t)
	f.build(t, BuildOptions{Owner: 1})
	c := newCompiler(t)

	r, code := c.CompileMethod(newRuntime(1), f.scale, 0)
	require.Equal(t, compiler.Ok, r)
	defer code.Release()

	img, e, ok := c.Images().MethodAt(code.Entry + 4)
	require.True(t, ok)
	assert.Equal(t, f.scale.Key(), e.Key)
	assert.Equal(t, ImagePath(f.asm, arch.X86_64), img.Path())

	_, _, ok = c.Images().MethodAt(0x1000)
	assert.False(t, ok)
}

func TestImageOutcomeMetrics(t *testing.T) {
	f := newFixture(t)
	f.build(t, BuildOptions{Owner: 1})
	reg := prom.NewRegistry()
	mt := metrics.New()
	require.NoError(t, mt.Register(reg))
	c := newCompiler(t, WithMetrics(mt))

	for i := 0; i < 2; i++ {
		r, code := c.CompileMethod(newRuntime(1), f.add, 0)
		require.Equal(t, compiler.Ok, r)
		code.Release()
	}
	r, _ := c.CompileMethod(newRuntime(1), f.missing, 0)
	require.Equal(t, compiler.Skipped, r)

	expected := `
# HELP jitseam_aot_image_total AOT image resolutions by outcome
# TYPE jitseam_aot_image_total counter
jitseam_aot_image_total{outcome="entry_missing"} 1
jitseam_aot_image_total{outcome="hit"} 2
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "jitseam_aot_image_total"))
}

func TestWriterDefaultsToNativeArch(t *testing.T) {
	if arch.Native == arch.Invalid {
		t.Skip("no code generator for this host")
	}
	f := newFixture(t)
	w, err := NewWriter(f.asm, BuildOptions{})
	require.NoError(t, err)
	require.NoError(t, w.Add(f.add))
	path := ImagePath(f.asm, arch.Native)
	require.NoError(t, w.WriteFile(path))

	img, err := Open(path)
	require.NoError(t, err)
	defer img.Close()
	assert.Equal(t, arch.Native, img.Header().Arch)
}
