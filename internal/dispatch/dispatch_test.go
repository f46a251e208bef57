package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinyrange/jitseam/internal/arch"
	"github.com/tinyrange/jitseam/internal/compiler"
	"github.com/tinyrange/jitseam/internal/il"
	"github.com/tinyrange/jitseam/internal/metadata"
)

type fakeRuntime struct{ id compiler.DomainID }

func (r fakeRuntime) Domain() compiler.DomainID                        { return r.id }
func (r fakeRuntime) Arch() arch.Arch                                  { return arch.Native }
func (r fakeRuntime) CodeHeap() compiler.CodeHeap                      { return nil }
func (r fakeRuntime) SharingAllowed() bool                             { return false }
func (r fakeRuntime) Unloaded() bool                                   { return false }
func (r fakeRuntime) ResolveBody(m *metadata.Method) (*il.Body, error) { return m.Body, nil }
func (r fakeRuntime) AssemblyOwner(*metadata.Assembly) (compiler.DomainID, bool) {
	return r.id, false
}

type unloadingRuntime struct {
	fakeRuntime
	gone *atomic.Bool
}

func (r unloadingRuntime) Unloaded() bool { return r.gone.Load() }

type fakeStrategy struct {
	name   string
	result compiler.Result
	gate   chan struct{}
	calls  atomic.Int32
	issued atomic.Uintptr
}

func (s *fakeStrategy) Name() string { return s.name }

func (s *fakeStrategy) CompileMethod(rt compiler.Runtime, m *metadata.Method, flags compiler.Flags) (compiler.Result, compiler.NativeCode) {
	s.calls.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	if s.result != compiler.Ok {
		return s.result, compiler.NativeCode{}
	}
	entry := 0x1000 + s.issued.Add(0x10)
	return compiler.Success(compiler.NativeCode{Entry: entry, Size: 8, Arch: rt.Arch(), Strategy: s.name})
}

func method(name string) *metadata.Method {
	a := metadata.NewAssembly("Demo", "1.0.0")
	return a.DefineType("Calc").DefineMethod(name, metadata.Static(il.TypeI32), nil, il.MustParse("ldc.i4 7\nret\n"))
}

func TestNewRequiresStrategy(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}

func TestFallsBackInOrder(t *testing.T) {
	aot := &fakeStrategy{name: "aot", result: compiler.Skipped}
	jit := &fakeStrategy{name: "jit", result: compiler.Ok}
	table, err := New([]compiler.Compiler{aot, jit})
	require.NoError(t, err)
	assert.Equal(t, []string{"aot", "jit"}, table.Strategies())

	code, err := table.Prepare(context.Background(), fakeRuntime{1}, method("Seven"), 0)
	require.NoError(t, err)
	assert.Equal(t, "jit", code.Strategy)
	assert.EqualValues(t, 1, aot.calls.Load())
	assert.EqualValues(t, 1, jit.calls.Load())
}

func TestFirstOkWins(t *testing.T) {
	aot := &fakeStrategy{name: "aot", result: compiler.Ok}
	jit := &fakeStrategy{name: "jit", result: compiler.Ok}
	table, err := New([]compiler.Compiler{aot, jit})
	require.NoError(t, err)

	code, err := table.Prepare(context.Background(), fakeRuntime{1}, method("Seven"), 0)
	require.NoError(t, err)
	assert.Equal(t, "aot", code.Strategy)
	assert.EqualValues(t, 0, jit.calls.Load())
}

func TestInternalErrorTriesNextStrategy(t *testing.T) {
	broken := &fakeStrategy{name: "aot", result: compiler.InternalError}
	jit := &fakeStrategy{name: "jit", result: compiler.Ok}
	table, err := New([]compiler.Compiler{broken, jit})
	require.NoError(t, err)

	code, err := table.Prepare(context.Background(), fakeRuntime{1}, method("Seven"), 0)
	require.NoError(t, err)
	assert.Equal(t, "jit", code.Strategy)
}

func TestNotPrepared(t *testing.T) {
	table, err := New([]compiler.Compiler{
		&fakeStrategy{name: "aot", result: compiler.Skipped},
		&fakeStrategy{name: "jit", result: compiler.InternalError},
	})
	require.NoError(t, err)

	_, err = table.Prepare(context.Background(), fakeRuntime{1}, method("Seven"), 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotPrepared))

	var np *NotPreparedError
	require.True(t, errors.As(err, &np))
	assert.Equal(t, []Attempt{{"aot", compiler.Skipped}, {"jit", compiler.InternalError}}, np.Attempts)
	assert.Contains(t, err.Error(), "aot=skipped, jit=internal-error")
	assert.Equal(t, 0, table.Len(), "failures are not cached")
}

func TestCachePerDomainAndFlags(t *testing.T) {
	jit := &fakeStrategy{name: "jit", result: compiler.Ok}
	table, err := New([]compiler.Compiler{jit})
	require.NoError(t, err)
	m := method("Seven")
	ctx := context.Background()

	first, err := table.Prepare(ctx, fakeRuntime{1}, m, 0)
	require.NoError(t, err)
	again, err := table.Prepare(ctx, fakeRuntime{1}, m, 1<<30)
	require.NoError(t, err)
	assert.Equal(t, first.Entry, again.Entry, "unknown flag bits share a cache entry")
	synced, err := table.Prepare(ctx, fakeRuntime{1}, m, compiler.FlagSynchronous)
	require.NoError(t, err)
	assert.Equal(t, first.Entry, synced.Entry, "synchronous requests share a cache entry")
	assert.EqualValues(t, 1, jit.calls.Load())

	other, err := table.Prepare(ctx, fakeRuntime{2}, m, 0)
	require.NoError(t, err)
	assert.NotEqual(t, first.Entry, other.Entry)

	debug, err := table.Prepare(ctx, fakeRuntime{1}, m, compiler.FlagDebug)
	require.NoError(t, err)
	assert.NotEqual(t, first.Entry, debug.Entry)
	assert.EqualValues(t, 3, jit.calls.Load())
	assert.Equal(t, 3, table.Len())

	assert.Equal(t, 2, table.Forget(1))
	assert.Equal(t, 1, table.Len())
	table.Close()
	assert.Equal(t, 0, table.Len())
}

func TestCacheEviction(t *testing.T) {
	jit := &fakeStrategy{name: "jit", result: compiler.Ok}
	table, err := New([]compiler.Compiler{jit}, WithCacheSize(1))
	require.NoError(t, err)
	ctx := context.Background()

	a, b := method("A"), method("B")
	_, err = table.Prepare(ctx, fakeRuntime{1}, a, 0)
	require.NoError(t, err)
	_, err = table.Prepare(ctx, fakeRuntime{1}, b, 0)
	require.NoError(t, err)
	_, err = table.Prepare(ctx, fakeRuntime{1}, a, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 3, jit.calls.Load())
}

func TestConcurrentPrepareCompilesOnce(t *testing.T) {
	jit := &fakeStrategy{name: "jit", result: compiler.Ok, gate: make(chan struct{})}
	table, err := New([]compiler.Compiler{jit})
	require.NoError(t, err)
	m := method("Seven")

	const callers = 16
	var wg sync.WaitGroup
	entries := make([]uintptr, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			code, err := table.Prepare(context.Background(), fakeRuntime{1}, m, 0)
			if err == nil {
				entries[i] = code.Entry
			}
		}(i)
	}
	require.Eventually(t, func() bool { return jit.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	close(jit.gate)
	wg.Wait()

	assert.EqualValues(t, 1, jit.calls.Load())
	for i := 1; i < callers; i++ {
		assert.Equal(t, entries[0], entries[i])
	}
	assert.NotZero(t, entries[0])
}

func TestWaitingCallerHonoursContext(t *testing.T) {
	jit := &fakeStrategy{name: "jit", result: compiler.Ok, gate: make(chan struct{})}
	table, err := New([]compiler.Compiler{jit})
	require.NoError(t, err)
	defer close(jit.gate)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = table.Prepare(ctx, fakeRuntime{1}, method("Seven"), 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUnloadedDomainIsNotServedFromCache(t *testing.T) {
	jit := &fakeStrategy{name: "jit", result: compiler.Ok}
	table, err := New([]compiler.Compiler{jit})
	require.NoError(t, err)
	ctx := context.Background()
	m := method("Seven")

	rt := unloadingRuntime{fakeRuntime{1}, new(atomic.Bool)}
	code, err := table.Prepare(ctx, rt, m, 0)
	require.NoError(t, err)
	_, err = table.Prepare(ctx, fakeRuntime{2}, m, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, table.Len())

	rt.gone.Store(true)
	_, err = table.Prepare(ctx, rt, m, 0)
	assert.ErrorIs(t, err, ErrDomainUnloaded)
	assert.ErrorIs(t, err, ErrNotPrepared)
	assert.Equal(t, 1, table.Len(), "entries of the unloaded domain are dropped")
	assert.EqualValues(t, 2, jit.calls.Load())

	_, ok := table.MethodAt(code.Entry)
	assert.False(t, ok)
}

func TestDomainUnloadedDuringCompile(t *testing.T) {
	jit := &fakeStrategy{name: "jit", result: compiler.Ok, gate: make(chan struct{})}
	table, err := New([]compiler.Compiler{jit})
	require.NoError(t, err)

	rt := unloadingRuntime{fakeRuntime{1}, new(atomic.Bool)}
	done := make(chan error, 1)
	go func() {
		_, err := table.Prepare(context.Background(), rt, method("Seven"), 0)
		done <- err
	}()
	require.Eventually(t, func() bool { return jit.calls.Load() == 1 }, time.Second, time.Millisecond)
	rt.gone.Store(true)
	close(jit.gate)

	assert.ErrorIs(t, <-done, ErrDomainUnloaded)
	assert.Equal(t, 0, table.Len())
}

func TestMethodAt(t *testing.T) {
	jit := &fakeStrategy{name: "jit", result: compiler.Ok}
	table, err := New([]compiler.Compiler{jit}, WithCacheSize(2))
	require.NoError(t, err)
	ctx := context.Background()

	a, b, c := method("A"), method("B"), method("C")
	codeA, err := table.Prepare(ctx, fakeRuntime{1}, a, 0)
	require.NoError(t, err)
	codeB, err := table.Prepare(ctx, fakeRuntime{2}, b, 0)
	require.NoError(t, err)

	info, ok := table.MethodAt(codeB.Entry + 3)
	require.True(t, ok)
	assert.Same(t, b, info.Method)
	assert.Equal(t, compiler.DomainID(2), info.Domain)
	assert.Equal(t, "jit", info.Strategy)
	assert.Equal(t, codeB.Entry, info.Entry)
	assert.EqualValues(t, 3, info.Offset)

	info, ok = table.MethodAt(codeA.Entry)
	require.True(t, ok)
	assert.Same(t, a, info.Method)

	_, ok = table.MethodAt(codeA.Entry + uintptr(codeA.Size))
	assert.False(t, ok, "gap between blocks")
	_, ok = table.MethodAt(codeA.Entry - 1)
	assert.False(t, ok)

	// Evicting A drops its range.
	_, err = table.Prepare(ctx, fakeRuntime{1}, c, 0)
	require.NoError(t, err)
	_, ok = table.MethodAt(codeA.Entry)
	assert.False(t, ok)

	assert.Equal(t, 1, table.Forget(2))
	_, ok = table.MethodAt(codeB.Entry)
	assert.False(t, ok)

	table.Close()
	assert.Empty(t, table.ranges)
}
