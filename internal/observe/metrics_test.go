package observe

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/llmrtc/llmrtc/internal/hooks"
)

// newTestSink returns a Sink backed by a ManualReader for programmatic
// metric inspection.
func newTestSink(t *testing.T) (*Sink, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	return NewSink(mp), reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestTimingRecordsHistogram(t *testing.T) {
	sink, reader := newTestSink(t)

	for _, name := range []string{
		hooks.MetricSTTDuration,
		hooks.MetricLLMDuration,
		hooks.MetricTTSDuration,
		hooks.MetricTurnDuration,
	} {
		sink.Timing(name, 12.5, nil)
		sink.Timing(name, 480, nil)
	}

	rm := collect(t, reader)
	for _, name := range []string{
		hooks.MetricSTTDuration,
		hooks.MetricLLMDuration,
		hooks.MetricTTSDuration,
		hooks.MetricTurnDuration,
	} {
		t.Run(name, func(t *testing.T) {
			met := findMetric(rm, name)
			if met == nil {
				t.Fatalf("metric %q not found", name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", name)
			}
			if len(hist.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", name)
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("sample count = %d, want 2", got)
			}
		})
	}
}

func TestIncrementAggregatesByTags(t *testing.T) {
	sink, reader := newTestSink(t)

	sink.Increment(hooks.MetricErrors, 1, map[string]string{"component": "llm"})
	sink.Increment(hooks.MetricErrors, 1, map[string]string{"component": "llm"})
	sink.Increment(hooks.MetricErrors, 1, map[string]string{"component": "tts"})

	rm := collect(t, reader)
	met := findMetric(rm, hooks.MetricErrors)
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}

	// Find the data point tagged component=llm.
	for _, dp := range sum.DataPoints {
		for _, kv := range dp.Attributes.ToSlice() {
			if string(kv.Key) == "component" && kv.Value.AsString() == "llm" {
				if dp.Value != 2 {
					t.Errorf("counter value = %d, want 2", dp.Value)
				}
				return
			}
		}
	}
	t.Error("data point with component=llm not found")
}

func TestGaugeKeepsLastValue(t *testing.T) {
	sink, reader := newTestSink(t)

	sink.Gauge(hooks.MetricConnectionsAlive, 3, nil)
	sink.Gauge(hooks.MetricConnectionsAlive, 5, nil)

	rm := collect(t, reader)
	met := findMetric(rm, hooks.MetricConnectionsAlive)
	if met == nil {
		t.Fatal("metric not found")
	}
	g, ok := met.Data.(metricdata.Gauge[float64])
	if !ok {
		t.Fatal("metric is not a gauge")
	}
	if len(g.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := g.DataPoints[0].Value; got != 5 {
		t.Errorf("gauge value = %v, want 5", got)
	}
}

func TestSinkSatisfiesContract(t *testing.T) {
	var _ hooks.MetricsSink = NewSink(nil)
}
