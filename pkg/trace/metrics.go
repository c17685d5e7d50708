package trace

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the OpenTelemetry instruments of the call engine. The
// instruments come from the global MeterProvider, which is a no-op until the
// host application installs one.
type Metrics struct {
	// ChunksSent counts PCM chunks written to the transport.
	ChunksSent metric.Int64Counter

	// ChunksDropped counts captured chunks discarded before sending.
	ChunksDropped metric.Int64Counter

	// PlaybackItems counts inbound audio items that finished playing.
	PlaybackItems metric.Int64Counter

	// PlaybackFailures counts items skipped because they failed to play.
	PlaybackFailures metric.Int64Counter

	// ProtocolErrors counts inbound text frames that were dropped.
	ProtocolErrors metric.Int64Counter

	// ActiveCalls tracks calls between connect and teardown.
	ActiveCalls metric.Int64UpDownCounter
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the lazily created process-wide Metrics.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		defaultMetrics = NewMetrics(otel.GetMeterProvider())
	})
	return defaultMetrics
}

// NewMetrics creates all instruments from mp. Instrument creation errors fall
// back to no-op instruments so recording never fails.
func NewMetrics(mp metric.MeterProvider) *Metrics {
	m := mp.Meter(TracerName)

	return &Metrics{
		ChunksSent: mustCounter(m, "voicecall.capture.chunks_sent",
			"PCM chunks sent to the transport"),
		ChunksDropped: mustCounter(m, "voicecall.capture.chunks_dropped",
			"Captured chunks dropped before sending"),
		PlaybackItems: mustCounter(m, "voicecall.playback.items",
			"Inbound audio items played to completion"),
		PlaybackFailures: mustCounter(m, "voicecall.playback.failures",
			"Inbound audio items skipped after a playback error"),
		ProtocolErrors: mustCounter(m, "voicecall.signaling.protocol_errors",
			"Inbound signaling frames that were ignored"),
		ActiveCalls: mustUpDown(m, "voicecall.calls.active",
			"Calls currently connecting or active"),
	}
}

func mustCounter(m metric.Meter, name, desc string) metric.Int64Counter {
	c, err := m.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		c, _ = noopMeter().Int64Counter(name)
	}
	return c
}

func mustUpDown(m metric.Meter, name, desc string) metric.Int64UpDownCounter {
	c, err := m.Int64UpDownCounter(name, metric.WithDescription(desc))
	if err != nil {
		c, _ = noopMeter().Int64UpDownCounter(name)
	}
	return c
}

func noopMeter() metric.Meter {
	return noop.NewMeterProvider().Meter(TracerName)
}
