package telemetry

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MetricType represents the type of metric
type MetricType string

const (
	Counter MetricType = "counter"
	Gauge   MetricType = "gauge"
	Timer   MetricType = "timer"
)

// Metric represents a telemetry metric
type Metric struct {
	Name      string            `json:"name"`
	Type      MetricType        `json:"type"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels"`
	Timestamp time.Time         `json:"timestamp"`
	Unit      string            `json:"unit,omitempty"`
}

// Collector keeps the latest value of every metric series. Counters
// accumulate, gauges and timers keep the last observation.
type Collector struct {
	mu      sync.RWMutex
	series  map[string]Metric
	enabled bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewCollector creates a new telemetry collector. When flushInterval is
// positive the current series are logged at that interval.
func NewCollector(enabled bool, flushInterval time.Duration) *Collector {
	ctx, cancel := context.WithCancel(context.Background())

	c := &Collector{
		series:  make(map[string]Metric),
		enabled: enabled,
		ctx:     ctx,
		cancel:  cancel,
	}

	if enabled && flushInterval > 0 {
		go c.periodicFlush(flushInterval)
	}

	return c
}

// Counter increments a counter metric
func (c *Collector) Counter(name string, value float64, labels map[string]string) {
	c.record(name, Counter, labels, "", func(prev float64) float64 { return prev + value })
}

// Gauge sets a gauge metric value
func (c *Collector) Gauge(name string, value float64, labels map[string]string) {
	c.record(name, Gauge, labels, "", func(float64) float64 { return value })
}

// Timer records a duration measurement
func (c *Collector) Timer(name string, duration time.Duration, labels map[string]string) {
	ms := float64(duration.Milliseconds())
	c.record(name, Timer, labels, "ms", func(float64) float64 { return ms })
}

func (c *Collector) record(name string, typ MetricType, labels map[string]string, unit string, update func(float64) float64) {
	if c == nil || !c.enabled {
		return
	}

	key := seriesKey(name, labels)

	c.mu.Lock()
	defer c.mu.Unlock()

	m, ok := c.series[key]
	if !ok {
		m = Metric{Name: name, Type: typ, Labels: copyLabels(labels), Unit: unit}
	}
	m.Value = update(m.Value)
	m.Timestamp = time.Now()
	c.series[key] = m
}

// Value returns the current value of a series.
func (c *Collector) Value(name string, labels map[string]string) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.series[seriesKey(name, labels)]
	return m.Value, ok
}

// GetMetrics returns a copy of current metrics sorted by name and labels
func (c *Collector) GetMetrics() []Metric {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.series))
	for k := range c.series {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	result := make([]Metric, 0, len(keys))
	for _, k := range keys {
		result = append(result, c.series[k])
	}
	return result
}

// FlushMetrics logs the current series.
func (c *Collector) FlushMetrics() {
	metrics := c.GetMetrics()
	if len(metrics) == 0 {
		return
	}

	log.Debug().Int("count", len(metrics)).Msg("Flushing telemetry metrics")
	for _, metric := range metrics {
		log.Debug().
			Str("name", metric.Name).
			Str("type", string(metric.Type)).
			Float64("value", metric.Value).
			Interface("labels", metric.Labels).
			Time("timestamp", metric.Timestamp).
			Msg("telemetry_metric")
	}
}

func (c *Collector) periodicFlush(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.FlushMetrics()
		}
	}
}

// Shutdown stops the collector
func (c *Collector) Shutdown() {
	if c.cancel != nil {
		c.cancel()
	}
	c.FlushMetrics()
}

func seriesKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	pairs := make([]string, 0, len(labels))
	for k, v := range labels {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return name + "{" + strings.Join(pairs, ",") + "}"
}

func copyLabels(labels map[string]string) map[string]string {
	if len(labels) == 0 {
		return nil
	}
	out := make(map[string]string, len(labels))
	for k, v := range labels {
		out[k] = v
	}
	return out
}

// Global collector instance
var (
	globalMu        sync.Mutex
	globalCollector *Collector
)

// InitGlobal initializes the global telemetry collector
func InitGlobal(enabled bool, flushInterval time.Duration) *Collector {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalCollector != nil {
		globalCollector.Shutdown()
	}
	globalCollector = NewCollector(enabled, flushInterval)
	return globalCollector
}

// GetGlobal returns the global collector
func GetGlobal() *Collector {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalCollector == nil {
		globalCollector = NewCollector(false, 0)
	}
	return globalCollector
}

// Shutdown shuts down the global collector
func Shutdown() {
	globalMu.Lock()
	defer globalMu.Unlock()
	if globalCollector != nil {
		globalCollector.Shutdown()
	}
}
