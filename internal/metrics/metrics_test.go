package metrics

import (
	"strings"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/tinyrange/jitseam/internal/codeheap"
	"github.com/tinyrange/jitseam/internal/compiler"
)

func TestCompileCounters(t *testing.T) {
	m := New()
	m.ObserveCompile("jit", compiler.Ok, time.Millisecond)
	m.ObserveCompile("jit", compiler.Ok, time.Millisecond)
	m.ObserveCompile("aot", compiler.Skipped, time.Microsecond)

	if got := testutil.ToFloat64(m.compiles.WithLabelValues("jit", "ok")); got != 2 {
		t.Fatalf("jit ok = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.compiles.WithLabelValues("aot", "skipped")); got != 1 {
		t.Fatalf("aot skipped = %v, want 1", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveCompile("jit", compiler.Ok, time.Second)
	m.CacheHit()
	m.CacheMiss()
	m.ImageEvent(ImageHit)
	m.TrackHeap(codeheap.New("x"))
}

func TestRegisterAndHeapCollector(t *testing.T) {
	reg := prom.NewRegistry()
	m := New()
	if err := m.Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	m.CacheHit()
	m.ImageEvent(ImageStale)

	h := codeheap.New("domain-1")
	m.TrackHeap(h)

	expected := `
# HELP jitseam_code_heap_installs_total Blocks installed into a code heap
# TYPE jitseam_code_heap_installs_total counter
jitseam_code_heap_installs_total{heap="domain-1"} 0
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "jitseam_code_heap_installs_total"); err != nil {
		t.Fatalf("gather: %v", err)
	}

	m.UntrackHeap(h)
	if n, err := testutil.GatherAndCount(reg, "jitseam_code_heap_installs_total"); err != nil || n != 0 {
		t.Fatalf("after untrack: n=%d err=%v", n, err)
	}
	if err := m.Register(reg); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
}
