package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan creates a new span for a service operation.
//
//	ctx, span := telemetry.StartSpan(ctx, "gitgridd/registry", "registry.Rename",
//	    attribute.String(telemetry.AttrRepository, name),
//	)
//	defer span.End()
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	return tracer.Start(ctx, spanName, trace.WithAttributes(attrs...))
}

// RecordError records an error on the span and sets the span status to error.
func RecordError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// AddEvent adds a named event to the span with optional attributes.
func AddEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// Common attribute keys
const (
	AttrRepository    = "repository.name"
	AttrRepositoryNew = "repository.new_name"
	AttrPrincipal     = "principal.username"
	AttrAuthMethod    = "auth.method"
	AttrAuthStep      = "auth.step"
	AttrPermission    = "permission.level"
	AttrPermissionSrc = "permission.type"
)
