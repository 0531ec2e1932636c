// Package observe provides the echo canceller's OpenTelemetry metrics.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// installs a Prometheus exporter bridge so they can be scraped at /metrics.
// Tests should build a [Metrics] with [NewMetrics] over their own
// [metric.MeterProvider]. A nil *Metrics is valid and records nothing.
package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all metrics.
const meterName = "aecd"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// Frames counts frames leaving the processing loop. Attribute: mode.
	Frames metric.Int64Counter

	// Degradations counts non-fatal pipeline events. Attribute: kind.
	Degradations metric.Int64Counter

	// FrameDuration tracks the time spent aligning and filtering one frame.
	FrameDuration metric.Float64Histogram

	// ERLE is the most recent smoothed echo return loss enhancement.
	ERLE metric.Float64Gauge

	// VizClients tracks connected visualization websocket clients.
	VizClients metric.Int64UpDownCounter

	// Recordings counts finished recording files.
	Recordings metric.Int64Counter

	// HTTPRequestDuration tracks HTTP request time. Attributes: method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// frameBuckets are histogram boundaries (seconds) around typical per-frame
// filter cost; a 1024-sample frame lasts about 21 ms at 48 kHz.
var frameBuckets = []float64{
	0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.02, 0.05,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.Frames, err = m.Int64Counter("aecd.frames",
		metric.WithDescription("Frames emitted by the processing loop, by mode."),
	); err != nil {
		return nil, err
	}
	if met.Degradations, err = m.Int64Counter("aecd.degradations",
		metric.WithDescription("Non-fatal pipeline degradation events, by kind."),
	); err != nil {
		return nil, err
	}
	if met.FrameDuration, err = m.Float64Histogram("aecd.frame.duration",
		metric.WithDescription("Time to align and filter one frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(frameBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ERLE, err = m.Float64Gauge("aecd.erle",
		metric.WithDescription("Smoothed echo return loss enhancement."),
		metric.WithUnit("dB"),
	); err != nil {
		return nil, err
	}
	if met.VizClients, err = m.Int64UpDownCounter("aecd.viz.clients",
		metric.WithDescription("Connected visualization clients."),
	); err != nil {
		return nil, err
	}
	if met.Recordings, err = m.Int64Counter("aecd.recordings",
		metric.WithDescription("Finished recording files."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("aecd.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	return met, nil
}

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordFrame counts one processed frame and its processing time.
func (m *Metrics) RecordFrame(ctx context.Context, mode string, d time.Duration) {
	if m == nil {
		return
	}
	m.Frames.Add(ctx, 1, metric.WithAttributes(Attr("mode", mode)))
	m.FrameDuration.Record(ctx, d.Seconds())
}

// RecordDegradation counts one degradation event of the given kind.
func (m *Metrics) RecordDegradation(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.Degradations.Add(ctx, 1, metric.WithAttributes(Attr("kind", kind)))
}

// SetERLE records the current ERLE estimate in dB.
func (m *Metrics) SetERLE(ctx context.Context, db float64) {
	if m == nil {
		return
	}
	m.ERLE.Record(ctx, db)
}

// VizClientDelta adjusts the connected visualization client count.
func (m *Metrics) VizClientDelta(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.VizClients.Add(ctx, delta)
}

// RecordRecording counts one finished recording file.
func (m *Metrics) RecordRecording(ctx context.Context) {
	if m == nil {
		return
	}
	m.Recordings.Add(ctx, 1)
}

// RecordHTTPRequest records the duration of one HTTP request.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(Attr("method", method), Attr("path", path)),
	)
}
