package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/metadata"

	"github.com/configcat/proxyload/internal/outcome"
)

// Span attribute keys.
const (
	AttrProtocol       = attribute.Key("proxyload.protocol")
	AttrEndpoint       = attribute.Key("proxyload.endpoint")
	AttrOutcome        = attribute.Key("proxyload.outcome")
	AttrHTTPStatusCode = attribute.Key("http.response.status_code")
	AttrGRPCStatusCode = attribute.Key("rpc.grpc.status_code")
	AttrSSEEvents      = attribute.Key("proxyload.sse.events")
)

// StartRequestSpan starts a client span named "<protocol> <endpoint>".
func StartRequestSpan(ctx context.Context, tracer trace.Tracer, protocol outcome.Protocol, endpoint string) (context.Context, trace.Span) {
	name := string(protocol) + " request"
	if endpoint != "" {
		name = string(protocol) + " " + endpoint
	}
	attrs := []attribute.KeyValue{AttrProtocol.String(string(protocol))}
	if endpoint != "" {
		attrs = append(attrs, AttrEndpoint.String(endpoint))
	}
	if protocol == outcome.ProtocolGRPC {
		attrs = append(attrs, attribute.String("rpc.system", "grpc"))
	}
	return tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)
}

// EndSpan records the outcome kind of err and ends the span. Only failures
// mark the span as an error; a request cancelled by the run leaves the status
// unset.
func EndSpan(span trace.Span, err error, attrs ...attribute.KeyValue) {
	kind := outcome.Classify(err)
	span.SetAttributes(AttrOutcome.String(string(kind)))
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	switch {
	case kind == outcome.KindOK:
		span.SetStatus(codes.Ok, "")
	case kind.Failed():
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	default:
		span.AddEvent(string(kind))
	}
	span.End()
}

// InjectHTTPHeaders writes the W3C trace context of ctx into headers.
func InjectHTTPHeaders(ctx context.Context, headers http.Header) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(headers))
}

// InjectGRPCMetadata writes the W3C trace context of ctx into md.
func InjectGRPCMetadata(ctx context.Context, md metadata.MD) {
	otel.GetTextMapPropagator().Inject(ctx, mdCarrier{md})
}

type mdCarrier struct{ md metadata.MD }

func (c mdCarrier) Get(key string) string {
	if v := c.md.Get(key); len(v) > 0 {
		return v[0]
	}
	return ""
}

func (c mdCarrier) Set(key, value string) { c.md.Set(key, value) }

func (c mdCarrier) Keys() []string {
	keys := make([]string, 0, c.md.Len())
	for k := range c.md {
		keys = append(keys, k)
	}
	return keys
}
