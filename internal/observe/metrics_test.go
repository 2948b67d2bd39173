package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
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

// sumWhere returns the int64 sum data point whose attributes contain key=value.
func sumWhere(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) (int64, bool) {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not an int64 sum", name)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value, true
		}
	}
	return 0, false
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
	if m.HTTPRequestDuration == nil || m.ActiveSockets == nil {
		t.Fatal("instruments left nil")
	}
}

func TestHistogramObservation(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.AvatarConnectDuration.Record(ctx, 0.8)
	m.AvatarConnectDuration.Record(ctx, 1.2)
	m.SynthesisDuration.Record(ctx, 0.3)
	m.SynthesisDuration.Record(ctx, 0.4)

	rm := collect(t, reader)
	for _, name := range []string{"avatarcast.avatar.connect.duration", "avatarcast.avatar.speak.duration"} {
		t.Run(name, func(t *testing.T) {
			met := findMetric(rm, name)
			if met == nil {
				t.Fatalf("metric %q not found", name)
			}
			hist, ok := met.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("metric %q is not a histogram", name)
			}
			if len(hist.DataPoints) == 0 || hist.DataPoints[0].Count != 2 {
				t.Fatalf("metric %q data points = %+v, want one point with 2 samples", name, hist.DataPoints)
			}
		})
	}
}

func TestRecordProviderRequest(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordProviderRequest(ctx, "azure", "avatar", "ok")
	m.RecordProviderRequest(ctx, "azure", "avatar", "ok")
	m.RecordProviderRequest(ctx, "azure", "avatar", "error")

	rm := collect(t, reader)
	if got, ok := sumWhere(t, rm, "avatarcast.provider.requests", "status", "ok"); !ok || got != 2 {
		t.Errorf("ok requests = %d (found %v), want 2", got, ok)
	}
}

func TestRecordTokenRefresh(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTokenRefresh(ctx, "speech", "ok", 0.1)
	m.RecordTokenRefresh(ctx, "relay", "error", 0.2)
	m.RecordTokenRefresh(ctx, "relay", "error", 0.2)

	rm := collect(t, reader)
	if got, ok := sumWhere(t, rm, "avatarcast.token.refreshes", "status", "error"); !ok || got != 2 {
		t.Errorf("failed refreshes = %d (found %v), want 2", got, ok)
	}
	if findMetric(rm, "avatarcast.token.fetch.duration") == nil {
		t.Error("fetch duration histogram not recorded")
	}
}

func TestRecordFanoutAndRejection(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordFanout(ctx, "ok")
	m.RecordFanout(ctx, "error")
	m.RecordFanout(ctx, "error")
	m.RecordRejection(ctx, "avatar")
	m.RecordProviderError(ctx, "azure", "translation")

	rm := collect(t, reader)
	if got, _ := sumWhere(t, rm, "avatarcast.fanout.attempts", "status", "error"); got != 2 {
		t.Errorf("fanout errors = %d, want 2", got)
	}
	if got, _ := sumWhere(t, rm, "avatarcast.admission.rejections", "resource", "avatar"); got != 1 {
		t.Errorf("avatar rejections = %d, want 1", got)
	}
	if got, _ := sumWhere(t, rm, "avatarcast.provider.errors", "kind", "translation"); got != 1 {
		t.Errorf("provider errors = %d, want 1", got)
	}
}

func TestGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 3)
	m.ActiveSessions.Add(ctx, -1)
	m.ActiveListeners.Add(ctx, 5)

	rm := collect(t, reader)
	met := findMetric(rm, "avatarcast.active_sessions")
	if met == nil {
		t.Fatal("active_sessions not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("active_sessions is not a sum")
	}
	if sum.IsMonotonic {
		t.Error("active_sessions should be non-monotonic")
	}
	if len(sum.DataPoints) != 1 || sum.DataPoints[0].Value != 2 {
		t.Errorf("active_sessions = %+v, want 2", sum.DataPoints)
	}
}

func TestDefaultMetrics_Singleton(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics returned different instances")
	}
}
