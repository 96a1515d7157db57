// Package observe provides the OpenTelemetry metrics and tracing used by the
// voice-call service.
//
// Instruments are created through the OpenTelemetry Metrics API. [InitProvider]
// builds them on an SDK provider whose Prometheus exporter feeds the registry
// served on /metrics. Components that are not handed a [Metrics] instance
// fall back to [DefaultMetrics]; tests should build their own with
// [NewMetrics] and a manual reader.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for all voicecall metrics.
const meterName = "github.com/silviot/voicecall"

// Metrics holds the metric instruments for the call subsystem.
type Metrics struct {
	// CallsStarted counts new calls. Attribute: direction (outgoing|incoming).
	CallsStarted metric.Int64Counter

	// CallsEnded counts finished calls. Attribute: reason.
	CallsEnded metric.Int64Counter

	// CallFailures counts calls that failed. Attribute: stage.
	CallFailures metric.Int64Counter

	// ICERestarts counts one-shot ICE restart attempts. Attribute: role.
	ICERestarts metric.Int64Counter

	// Candidates counts remote ICE candidates. Attribute: outcome
	// (queued|applied|failed|duplicate|expired).
	Candidates metric.Int64Counter

	// SilenceFrames counts microphone frames synthesized after a read timeout.
	SilenceFrames metric.Int64Counter

	// CaptureDropped counts capture buffers dropped because the hand-off queue
	// was full.
	CaptureDropped metric.Int64Counter

	// OutputOpens counts playback stream opens. Attributes: format, fallback.
	OutputOpens metric.Int64Counter

	// ActiveCalls tracks calls currently present in the call table.
	ActiveCalls metric.Int64UpDownCounter

	// NegotiationDuration tracks time from call creation to connected.
	// Attribute: direction.
	NegotiationDuration metric.Float64Histogram
}

// negotiationBuckets are histogram bounds in seconds for offer/answer plus ICE.
var negotiationBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2, 3, 5, 10, 20, 30,
}

// NewMetrics creates all instruments on the given provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.CallsStarted, err = m.Int64Counter("voicecall.calls.started",
		metric.WithDescription("Total calls started by direction."),
	); err != nil {
		return nil, err
	}
	if met.CallsEnded, err = m.Int64Counter("voicecall.calls.ended",
		metric.WithDescription("Total calls ended by reason."),
	); err != nil {
		return nil, err
	}
	if met.CallFailures, err = m.Int64Counter("voicecall.calls.failures",
		metric.WithDescription("Total call failures by stage."),
	); err != nil {
		return nil, err
	}
	if met.ICERestarts, err = m.Int64Counter("voicecall.ice.restarts",
		metric.WithDescription("Total ICE restart attempts by role."),
	); err != nil {
		return nil, err
	}
	if met.Candidates, err = m.Int64Counter("voicecall.ice.candidates",
		metric.WithDescription("Remote ICE candidates by outcome."),
	); err != nil {
		return nil, err
	}
	if met.SilenceFrames, err = m.Int64Counter("voicecall.mic.silence_frames",
		metric.WithDescription("Microphone frames replaced by silence after a read timeout."),
	); err != nil {
		return nil, err
	}
	if met.CaptureDropped, err = m.Int64Counter("voicecall.capture.dropped",
		metric.WithDescription("Capture buffers dropped because the hand-off queue was full."),
	); err != nil {
		return nil, err
	}
	if met.OutputOpens, err = m.Int64Counter("voicecall.output.opens",
		metric.WithDescription("Playback stream opens by sample format and fallback use."),
	); err != nil {
		return nil, err
	}
	if met.ActiveCalls, err = m.Int64UpDownCounter("voicecall.calls.active",
		metric.WithDescription("Number of calls in the call table."),
	); err != nil {
		return nil, err
	}
	if met.NegotiationDuration, err = m.Float64Histogram("voicecall.negotiation.duration",
		metric.WithDescription("Time from call creation until the peer connection is connected."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(negotiationBuckets...),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] built on the global
// meter provider. It panics if instrument creation fails.
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

// RecordCallStarted increments CallsStarted and ActiveCalls.
func (m *Metrics) RecordCallStarted(ctx context.Context, direction string) {
	m.CallsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", direction)))
	m.ActiveCalls.Add(ctx, 1)
}

// RecordCallEnded increments CallsEnded and decrements ActiveCalls.
func (m *Metrics) RecordCallEnded(ctx context.Context, reason string) {
	m.CallsEnded.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
	m.ActiveCalls.Add(ctx, -1)
}

// RecordCallFailure increments CallFailures for the given stage.
func (m *Metrics) RecordCallFailure(ctx context.Context, stage string) {
	m.CallFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordICERestart increments ICERestarts.
func (m *Metrics) RecordICERestart(ctx context.Context, role string) {
	m.ICERestarts.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
}

// RecordCandidate increments Candidates for the given outcome.
func (m *Metrics) RecordCandidate(ctx context.Context, outcome string) {
	m.Candidates.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordSilenceFrame increments SilenceFrames.
func (m *Metrics) RecordSilenceFrame(ctx context.Context) {
	m.SilenceFrames.Add(ctx, 1)
}

// RecordCaptureDropped adds n to CaptureDropped.
func (m *Metrics) RecordCaptureDropped(ctx context.Context, n int64) {
	m.CaptureDropped.Add(ctx, n)
}

// RecordOutputOpen increments OutputOpens.
func (m *Metrics) RecordOutputOpen(ctx context.Context, format string, fallback bool) {
	m.OutputOpens.Add(ctx, 1, metric.WithAttributes(
		attribute.String("format", format),
		attribute.Bool("fallback", fallback),
	))
}

// RecordNegotiation observes the time a call took to connect.
func (m *Metrics) RecordNegotiation(ctx context.Context, direction string, d time.Duration) {
	m.NegotiationDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("direction", direction)))
}
