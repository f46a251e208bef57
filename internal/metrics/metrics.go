// Package metrics holds the prometheus collectors shared by the compile
// pipeline. Every method is safe to call on a nil *Metrics.
package metrics

import (
	"sync"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/tinyrange/jitseam/internal/codeheap"
	"github.com/tinyrange/jitseam/internal/compiler"
)

const namespace = "jitseam"

// Image lookup outcomes.
const (
	ImageHit          = "hit"
	ImageEntryMissing = "entry_missing"
	ImageMissing      = "missing"
	ImageUnusable     = "unusable"
	ImageStale        = "stale"
	ImageCorrupt      = "corrupt"
)

type Metrics struct {
	compiles        *prom.CounterVec
	compileDuration *prom.HistogramVec
	cacheLookups    *prom.CounterVec
	images          *prom.CounterVec
	heaps           *heapCollector
}

func New() *Metrics {
	return &Metrics{
		compiles: prom.NewCounterVec(
			prom.CounterOpts{
				Namespace: namespace,
				Name:      "compile_total",
				Help:      "Compile attempts by strategy and result",
			},
			[]string{"strategy", "result"}),
		compileDuration: prom.NewHistogramVec(
			prom.HistogramOpts{
				Namespace: namespace,
				Name:      "compile_duration_seconds",
				Help:      "Time spent in CompileMethod",
				Buckets:   prom.ExponentialBuckets(1e-6, 4, 10),
			},
			[]string{"strategy"}),
		cacheLookups: prom.NewCounterVec(
			prom.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_cache_total",
				Help:      "Dispatch cache lookups by outcome",
			},
			[]string{"outcome"}),
		images: prom.NewCounterVec(
			prom.CounterOpts{
				Namespace: namespace,
				Name:      "aot_image_total",
				Help:      "AOT image resolutions by outcome",
			},
			[]string{"outcome"}),
		heaps: newHeapCollector(),
	}
}

// Register adds every collector to reg.
func (m *Metrics) Register(reg prom.Registerer) error {
	for _, c := range []prom.Collector{m.compiles, m.compileDuration, m.cacheLookups, m.images, m.heaps} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) ObserveCompile(strategy string, r compiler.Result, d time.Duration) {
	if m == nil {
		return
	}
	m.compiles.WithLabelValues(strategy, r.String()).Inc()
	m.compileDuration.WithLabelValues(strategy).Observe(d.Seconds())
}

func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues("hit").Inc()
}

func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues("miss").Inc()
}

func (m *Metrics) ImageEvent(outcome string) {
	if m == nil {
		return
	}
	m.images.WithLabelValues(outcome).Inc()
}

// TrackHeap reports h's size until UntrackHeap is called.
func (m *Metrics) TrackHeap(h *codeheap.Heap) {
	if m == nil || h == nil {
		return
	}
	m.heaps.add(h)
}

func (m *Metrics) UntrackHeap(h *codeheap.Heap) {
	if m == nil || h == nil {
		return
	}
	m.heaps.remove(h)
}

type heapCollector struct {
	mapped   *prom.Desc
	used     *prom.Desc
	installs *prom.Desc

	mu    sync.Mutex
	heaps map[*codeheap.Heap]struct{}
}

func newHeapCollector() *heapCollector {
	labels := []string{"heap"}
	return &heapCollector{
		mapped:   prom.NewDesc(namespace+"_code_heap_mapped_bytes", "Bytes mapped by a code heap", labels, nil),
		used:     prom.NewDesc(namespace+"_code_heap_used_bytes", "Bytes handed out by a code heap", labels, nil),
		installs: prom.NewDesc(namespace+"_code_heap_installs_total", "Blocks installed into a code heap", labels, nil),
		heaps:    make(map[*codeheap.Heap]struct{}),
	}
}

func (c *heapCollector) add(h *codeheap.Heap) {
	c.mu.Lock()
	c.heaps[h] = struct{}{}
	c.mu.Unlock()
}

func (c *heapCollector) remove(h *codeheap.Heap) {
	c.mu.Lock()
	delete(c.heaps, h)
	c.mu.Unlock()
}

func (c *heapCollector) Describe(ch chan<- *prom.Desc) {
	ch <- c.mapped
	ch <- c.used
	ch <- c.installs
}

func (c *heapCollector) Collect(ch chan<- prom.Metric) {
	c.mu.Lock()
	heaps := make([]*codeheap.Heap, 0, len(c.heaps))
	for h := range c.heaps {
		heaps = append(heaps, h)
	}
	c.mu.Unlock()

	for _, h := range heaps {
		s := h.Stats()
		ch <- prom.MustNewConstMetric(c.mapped, prom.GaugeValue, float64(s.Mapped), h.Name())
		ch <- prom.MustNewConstMetric(c.used, prom.GaugeValue, float64(s.Used), h.Name())
		ch <- prom.MustNewConstMetric(c.installs, prom.CounterValue, float64(s.Installs), h.Name())
	}
}
