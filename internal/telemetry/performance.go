package telemetry

import (
	"context"
	"runtime"
	"time"
)

// RuntimeSampler records process runtime gauges into a collector.
type RuntimeSampler struct {
	collector *Collector
	startTime time.Time
	interval  time.Duration
}

func NewRuntimeSampler(collector *Collector, interval time.Duration) *RuntimeSampler {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &RuntimeSampler{collector: collector, startTime: time.Now(), interval: interval}
}

// Run samples until ctx is cancelled.
func (rs *RuntimeSampler) Run(ctx context.Context) error {
	ticker := time.NewTicker(rs.interval)
	defer ticker.Stop()

	rs.Sample()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			rs.Sample()
		}
	}
}

// Sample records current runtime metrics
func (rs *RuntimeSampler) Sample() {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	rs.collector.Gauge("voicepool_memory_heap_bytes", float64(m.HeapAlloc), nil)
	rs.collector.Gauge("voicepool_goroutines", float64(runtime.NumGoroutine()), nil)
	rs.collector.Gauge("voicepool_uptime_seconds", time.Since(rs.startTime).Seconds(), nil)
}
