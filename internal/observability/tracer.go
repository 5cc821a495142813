package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan creates a new span with the given name and attributes
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// SetSpanError marks the span as errored
func SetSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// Common attribute keys for cache-layer spans
var (
	AttrCacheKey      = attribute.Key("agora.cache.key")
	AttrCacheRegion   = attribute.Key("agora.cache.region")
	AttrCacheHit      = attribute.Key("agora.cache.hit")
	AttrQueuePosition = attribute.Key("agora.queue.position")
	AttrQueueWaitMs   = attribute.Key("agora.queue.wait_ms")
	AttrEntityID      = attribute.Key("agora.entity.id")
	AttrWarmCount     = attribute.Key("agora.edge.warm_count")
)
