package metrics

import (
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RegisterRuntimeMetrics adds process gauges sampled on scrape: goroutines, heap, GC cycles and uptime
func (c *Collector) RegisterRuntimeMetrics() {
	start := time.Now()
	memStat := func(f func(*runtime.MemStats) uint64) func() float64 {
		return func() float64 {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			return float64(f(&m))
		}
	}

	c.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "runtime",
			Name:      "goroutines",
			Help:      "Number of goroutines that currently exist",
		}, func() float64 { return float64(runtime.NumGoroutine()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "runtime",
			Name:      "heap_alloc_bytes",
			Help:      "Bytes of allocated heap objects",
		}, memStat(func(m *runtime.MemStats) uint64 { return m.HeapAlloc })),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runtime",
			Name:      "gc_total",
			Help:      "Number of completed GC cycles",
		}, memStat(func(m *runtime.MemStats) uint64 { return uint64(m.NumGC) })),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "process",
			Name:      "uptime_seconds",
			Help:      "Time in seconds since the collector was created",
		}, func() float64 { return time.Since(start).Seconds() }),
	)
}
