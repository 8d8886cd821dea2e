package observability

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/gezibash/arc-sync"

// Span attribute keys for sync and storage work.
const (
	AttrCoValue  = attribute.Key("arcsync.covalue")
	AttrPeer     = attribute.Key("arcsync.peer")
	AttrPeerRole = attribute.Key("arcsync.peer.role")
	AttrAction   = attribute.Key("arcsync.action")
	AttrBackend  = attribute.Key("arcsync.storage.backend")
)

// StartSpan starts a span named name under the arcsync tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan ends span. A cancelled context is recorded as an event, any
// other error marks the span failed.
func EndSpan(span trace.Span, err error) {
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		span.AddEvent("canceled")
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
