// Package observe provides the OpenTelemetry side of the runtime: the SDK
// provider setup with a Prometheus exporter bridge, and the metrics sink
// that turns pipeline metric names into OTel instruments.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/llmrtc/llmrtc/internal/hooks"
)

// meterName is the instrumentation scope name used for all runtime metrics.
const meterName = "github.com/llmrtc/llmrtc"

// latencyBucketsMs defines histogram bucket boundaries in milliseconds,
// sized for voice-pipeline latencies.
var latencyBucketsMs = []float64{
	10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000,
}

// Sink implements [hooks.MetricsSink] on OpenTelemetry instruments.
// Instruments are created lazily per metric name and cached; the stable
// names from the hooks package map onto histograms, counters, and gauges by
// the operation used.
type Sink struct {
	meter metric.Meter

	mu         sync.Mutex
	histograms map[string]metric.Float64Histogram
	counters   map[string]metric.Int64Counter
	gauges     map[string]metric.Float64Gauge
}

// NewSink creates a sink on mp. A nil provider uses the global one.
func NewSink(mp metric.MeterProvider) *Sink {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	return &Sink{
		meter:      mp.Meter(meterName),
		histograms: make(map[string]metric.Float64Histogram),
		counters:   make(map[string]metric.Int64Counter),
		gauges:     make(map[string]metric.Float64Gauge),
	}
}

// Timing records a duration in milliseconds under name.
func (s *Sink) Timing(name string, ms float64, tags map[string]string) {
	s.mu.Lock()
	h, ok := s.histograms[name]
	if !ok {
		var err error
		h, err = s.meter.Float64Histogram(name,
			metric.WithUnit("ms"),
			metric.WithExplicitBucketBoundaries(latencyBucketsMs...),
		)
		if err != nil {
			s.mu.Unlock()
			return
		}
		s.histograms[name] = h
	}
	s.mu.Unlock()

	h.Record(context.Background(), ms, metric.WithAttributes(attrs(tags)...))
}

// Increment adds n to the counter name.
func (s *Sink) Increment(name string, n int64, tags map[string]string) {
	s.mu.Lock()
	c, ok := s.counters[name]
	if !ok {
		var err error
		c, err = s.meter.Int64Counter(name)
		if err != nil {
			s.mu.Unlock()
			return
		}
		s.counters[name] = c
	}
	s.mu.Unlock()

	c.Add(context.Background(), n, metric.WithAttributes(attrs(tags)...))
}

// Gauge sets the gauge name to v.
func (s *Sink) Gauge(name string, v float64, tags map[string]string) {
	s.mu.Lock()
	g, ok := s.gauges[name]
	if !ok {
		var err error
		g, err = s.meter.Float64Gauge(name)
		if err != nil {
			s.mu.Unlock()
			return
		}
		s.gauges[name] = g
	}
	s.mu.Unlock()

	g.Record(context.Background(), v, metric.WithAttributes(attrs(tags)...))
}

func attrs(tags map[string]string) []attribute.KeyValue {
	if len(tags) == 0 {
		return nil
	}
	out := make([]attribute.KeyValue, 0, len(tags))
	for k, v := range tags {
		out = append(out, attribute.String(k, v))
	}
	return out
}

var _ hooks.MetricsSink = (*Sink)(nil)
