package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/silviot/voicecall"

// Span attribute keys shared by call spans and log lines.
const (
	AttrPeerID = attribute.Key("peer.id")
	AttrCallID = attribute.Key("call.id")
	AttrStage  = attribute.Key("call.stage")
)

// StartCallSpan starts a span for one call operation such as "call.place"
// or "call.answer", tagged with the peer and, when known, the call id. The
// caller must End it.
func StartCallSpan(ctx context.Context, op, peerID, callID string) (context.Context, trace.Span) {
	attrs := []attribute.KeyValue{AttrPeerID.String(peerID)}
	if callID != "" {
		attrs = append(attrs, AttrCallID.String(callID))
	}
	return otel.Tracer(tracerName).Start(ctx, op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

// FailSpan marks span as failed at stage. A nil span is ignored.
func FailSpan(span trace.Span, stage string, err error) {
	if span == nil {
		return
	}
	span.RecordError(err)
	span.SetAttributes(AttrStage.String(stage))
	span.SetStatus(codes.Error, stage)
}

// Logger returns base tagged with the trace and span ids of ctx, so call
// log lines can be joined with their spans. A nil base means slog.Default().
func Logger(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return base
	}
	return base.With(
		slog.Group("trace",
			slog.String("id", sc.TraceID().String()),
			slog.String("span", sc.SpanID().String()),
		),
	)
}
