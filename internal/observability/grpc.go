package observability

import (
	"context"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// StreamServerInterceptor wraps each sync stream in a server span and
// records its duration and message counts. m may be nil.
func StreamServerInterceptor(m *Metrics) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := extractTraceContext(ss.Context())
		ctx, span := otel.Tracer("grpc").Start(ctx, info.FullMethod, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		start := time.Now()
		wrapped := &wrappedStream{ServerStream: ss, ctx: ctx}
		err := handler(srv, wrapped)
		duration := time.Since(start).Seconds()

		st, _ := status.FromError(err)
		code := st.Code().String()

		span.SetAttributes(
			attribute.String("rpc.grpc.status_code", code),
			attribute.Int64("rpc.messages_sent", wrapped.sent.Load()),
			attribute.Int64("rpc.messages_received", wrapped.recv.Load()),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}

		if m != nil {
			m.OperationDuration.WithLabelValues(info.FullMethod, code).Observe(duration)
			m.OperationTotal.WithLabelValues(info.FullMethod, code).Inc()
		}
		return err
	}
}

// StreamClientInterceptor starts a client span for each outgoing stream
// and propagates it to the server in metadata.
func StreamClientInterceptor() grpc.StreamClientInterceptor {
	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		ctx, span := otel.Tracer("grpc").Start(ctx, method, trace.WithSpanKind(trace.SpanKindClient))
		ctx = injectTraceContext(ctx)
		cs, err := streamer(ctx, desc, cc, method, opts...)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
			return nil, err
		}
		go func() {
			<-cs.Context().Done()
			span.End()
		}()
		return cs, nil
	}
}

func propagator() propagation.TextMapPropagator {
	if prop := otel.GetTextMapPropagator(); prop != nil {
		return prop
	}
	return propagation.TraceContext{}
}

func injectTraceContext(ctx context.Context) context.Context {
	md, ok := metadata.FromOutgoingContext(ctx)
	if ok {
		md = md.Copy()
	} else {
		md = metadata.MD{}
	}
	propagator().Inject(ctx, metadataCarrier(md))
	return metadata.NewOutgoingContext(ctx, md)
}

func extractTraceContext(ctx context.Context) context.Context {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ctx
	}
	return propagator().Extract(ctx, metadataCarrier(md))
}

// metadataCarrier adapts gRPC metadata, whose keys are lower case, to
// the otel propagators.
type metadataCarrier metadata.MD

func (c metadataCarrier) Get(key string) string {
	if v := metadata.MD(c).Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}

func (c metadataCarrier) Set(key, value string) { metadata.MD(c).Set(key, value) }

func (c metadataCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

type wrappedStream struct {
	grpc.ServerStream
	ctx  context.Context
	sent atomic.Int64
	recv atomic.Int64
}

func (w *wrappedStream) Context() context.Context { return w.ctx }

func (w *wrappedStream) SendMsg(m any) error {
	err := w.ServerStream.SendMsg(m)
	if err == nil {
		w.sent.Add(1)
	}
	return err
}

func (w *wrappedStream) RecvMsg(m any) error {
	err := w.ServerStream.RecvMsg(m)
	if err == nil {
		w.recv.Add(1)
	}
	return err
}
