// Package observe provides application-wide observability primitives for
// avatarcast: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all avatarcast metrics.
const meterName = "github.com/MrWong99/avatarcast"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Latency histograms ---

	// AvatarConnectDuration tracks avatar negotiation latency.
	AvatarConnectDuration metric.Float64Histogram

	// SynthesisDuration tracks a single speak request on an avatar connection.
	SynthesisDuration metric.Float64Histogram

	// TokenFetchDuration tracks one credential fetch. Use with attribute:
	//   attribute.String("kind", ...)
	TokenFetchDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// TokenRefreshes counts refresh attempts. Use with attributes:
	//   attribute.String("kind", ...), attribute.String("status", ...)
	TokenRefreshes metric.Int64Counter

	// Translations counts finalised utterances handled by the pipeline.
	Translations metric.Int64Counter

	// FanoutAttempts counts per-listener synthesis attempts. Use with
	// attribute: attribute.String("status", ...)
	FanoutAttempts metric.Int64Counter

	// BroadcastDrops counts socket messages dropped for a slow member.
	BroadcastDrops metric.Int64Counter

	// Rejections counts admission rejections. Use with attribute:
	//   attribute.String("resource", ...)
	Rejections metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live translation sessions.
	ActiveSessions metric.Int64UpDownCounter

	// ActiveListeners tracks socket connections in a session listener set.
	ActiveListeners metric.Int64UpDownCounter

	// ActiveClients tracks registered client contexts.
	ActiveClients metric.Int64UpDownCounter

	// ActiveAvatars tracks open avatar synthesis connections.
	ActiveAvatars metric.Int64UpDownCounter

	// ActiveRecognitions tracks running recognition streams.
	ActiveRecognitions metric.Int64UpDownCounter

	// ActiveSockets tracks connections on the broadcast hub.
	ActiveSockets metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// cloud negotiation and synthesis round trips.
var latencyBuckets = []float64{
	0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 16,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	hist := func(dst *metric.Float64Histogram, name, desc string) {
		if err != nil {
			return
		}
		*dst, err = m.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(latencyBuckets...),
		)
	}
	counter := func(dst *metric.Int64Counter, name, desc string) {
		if err != nil {
			return
		}
		*dst, err = m.Int64Counter(name, metric.WithDescription(desc))
	}
	gauge := func(dst *metric.Int64UpDownCounter, name, desc string) {
		if err != nil {
			return
		}
		*dst, err = m.Int64UpDownCounter(name, metric.WithDescription(desc))
	}

	hist(&met.AvatarConnectDuration, "avatarcast.avatar.connect.duration", "Latency of avatar connection negotiation.")
	hist(&met.SynthesisDuration, "avatarcast.avatar.speak.duration", "Latency of a single avatar speak request.")
	hist(&met.TokenFetchDuration, "avatarcast.token.fetch.duration", "Latency of one credential fetch.")

	counter(&met.ProviderRequests, "avatarcast.provider.requests", "Total provider requests by provider, kind, and status.")
	counter(&met.TokenRefreshes, "avatarcast.token.refreshes", "Total token refresh attempts by kind and status.")
	counter(&met.Translations, "avatarcast.translations", "Total finalised utterances translated.")
	counter(&met.FanoutAttempts, "avatarcast.fanout.attempts", "Total per-listener synthesis attempts by status.")
	counter(&met.BroadcastDrops, "avatarcast.broadcast.drops", "Total socket messages dropped for slow members.")
	counter(&met.Rejections, "avatarcast.admission.rejections", "Total requests rejected by admission limits.")
	counter(&met.ProviderErrors, "avatarcast.provider.errors", "Total provider errors by provider and kind.")

	gauge(&met.ActiveSessions, "avatarcast.active_sessions", "Number of live translation sessions.")
	gauge(&met.ActiveListeners, "avatarcast.active_listeners", "Number of connections joined to a session listener set.")
	gauge(&met.ActiveClients, "avatarcast.active_clients", "Number of registered client contexts.")
	gauge(&met.ActiveAvatars, "avatarcast.active_avatars", "Number of open avatar synthesis connections.")
	gauge(&met.ActiveRecognitions, "avatarcast.active_recognitions", "Number of running recognition streams.")
	gauge(&met.ActiveSockets, "avatarcast.active_sockets", "Number of live socket connections.")

	if err == nil {
		met.HTTPRequestDuration, err = m.Float64Histogram("avatarcast.http.request.duration",
			metric.WithDescription("HTTP request latency by method and route."),
			metric.WithUnit("s"),
		)
	}
	if err != nil {
		return nil, err
	}
	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest records a provider request counter increment with
// the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordTokenRefresh records one refresh attempt and its latency.
func (m *Metrics) RecordTokenRefresh(ctx context.Context, kind, status string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("kind", kind))
	m.TokenFetchDuration.Record(ctx, seconds, attrs)
	m.TokenRefreshes.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordFanout records one per-listener synthesis attempt.
func (m *Metrics) RecordFanout(ctx context.Context, status string) {
	m.FanoutAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// RecordRejection records an admission rejection for resource.
func (m *Metrics) RecordRejection(ctx context.Context, resource string) {
	m.Rejections.Add(ctx, 1, metric.WithAttributes(attribute.String("resource", resource)))
}
