package tracing

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "deskrelay"

// TracerProvider wraps the OpenTelemetry tracer provider
type TracerProvider struct {
	tp *tracesdk.TracerProvider
}

type Config struct {
	Enabled     bool
	ServiceName string
	JaegerURL   string
	Environment string
	SampleRate  float64
}

func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		ServiceName: "deskrelay",
		JaegerURL:   "http://localhost:14268/api/traces",
		Environment: "development",
		SampleRate:  1.0,
	}
}

// Init installs a global Jaeger-backed tracer provider. When tracing is
// disabled the returned provider is a no-op and spans are never recorded.
func Init(cfg Config) (*TracerProvider, error) {
	if !cfg.Enabled {
		return &TracerProvider{}, nil
	}

	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerURL)))
	if err != nil {
		return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			attribute.String("environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(tracesdk.TraceIDRatioBased(cfg.SampleRate)),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return &TracerProvider{tp: tp}, nil
}

func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.tp != nil {
		return tp.tp.Shutdown(ctx)
	}
	return nil
}

func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanAttributes adds attributes to the current span
func AddSpanAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.SetAttributes(attrs...)
	}
}

// RecordError records an error in the current span
func RecordError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

var (
	EndpointIDKey   = attribute.Key("endpoint.id")
	HostIDKey       = attribute.Key("pairing.host_id")
	ControllerIDKey = attribute.Key("pairing.controller_id")
	PairingIDKey    = attribute.Key("pairing.id")
	MessageTypeKey  = attribute.Key("message.type")
	DeliveryKey     = attribute.Key("message.delivery")
	DurationKey     = attribute.Key("duration")
)

// TraceHTTPRequest traces an HTTP request
func TraceHTTPRequest(ctx context.Context, method, path string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("http.%s", method),
		trace.WithAttributes(
			semconv.HTTPMethodKey.String(method),
			semconv.HTTPRouteKey.String(path),
		),
	)
}

// TraceWebSocketMessage traces one inbound websocket message
func TraceWebSocketMessage(ctx context.Context, messageType string, endpointID string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("websocket.%s", messageType),
		trace.WithAttributes(
			MessageTypeKey.String(messageType),
			EndpointIDKey.String(endpointID),
		),
	)
}

// TracePairing traces a pairing coordinator operation
func TracePairing(ctx context.Context, operation, controllerID, hostID string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("pairing.%s", operation),
		trace.WithAttributes(
			ControllerIDKey.String(controllerID),
			HostIDKey.String(hostID),
		),
	)
}

// TraceRelay traces a relayed message between two endpoints
func TraceRelay(ctx context.Context, messageType, delivery, from, to string) (context.Context, trace.Span) {
	return StartSpan(ctx, fmt.Sprintf("relay.%s", messageType),
		trace.WithAttributes(
			MessageTypeKey.String(messageType),
			DeliveryKey.String(delivery),
			attribute.String("relay.from", from),
			attribute.String("relay.to", to),
		),
	)
}

// MeasureDuration records the elapsed time since start on the current span
func MeasureDuration(ctx context.Context, start time.Time, operation string) {
	AddSpanAttributes(ctx,
		attribute.String("operation", operation),
		DurationKey.Int64(time.Since(start).Milliseconds()),
	)
}
