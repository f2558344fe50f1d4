package audit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Compile-time interface check.
var _ Hook = (*OTelHook)(nil)

// OTelHook exports one span per executed command to an OpenTelemetry
// collector. Spans are created retroactively from CommandResultEvent using
// the recorded duration, so no per-command state is held between events.
// Security decisions are attached as span events via the correlation id.
type OTelHook struct {
	opts           OTelOptions
	tracerProvider *sdktrace.TracerProvider
	tracer         trace.Tracer

	mu     sync.Mutex
	closed bool
}

// OTelOptions configures the OpenTelemetry hook behaviour.
type OTelOptions struct {
	// Endpoint is the OTLP/gRPC endpoint (e.g., "localhost:4317").
	Endpoint string

	// ServiceName for traces (default: "msf-mcp").
	ServiceName string

	// ServiceVersion stamps the resource.
	ServiceVersion string

	// Insecure uses a plaintext connection (no TLS).
	Insecure bool

	// Headers contains additional headers for the OTLP exporter.
	Headers map[string]string

	// ShutdownTimeout bounds graceful shutdown (default: 5s).
	ShutdownTimeout time.Duration

	// ConnectionTimeout bounds exporter setup (default: 10s).
	ConnectionTimeout time.Duration
}

// NewOTelHook creates the hook and connects the exporter. Connection
// failures afterwards are absorbed by the batch processor and never stall
// command execution.
func NewOTelHook(opts OTelOptions) (*OTelHook, error) {
	if opts.ServiceName == "" {
		opts.ServiceName = "msf-mcp"
	}
	if opts.Endpoint == "" {
		opts.Endpoint = "localhost:4317"
	}
	if opts.ShutdownTimeout == 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	if opts.ConnectionTimeout == 0 {
		opts.ConnectionTimeout = 10 * time.Second
	}

	grpcOpts := []grpc.DialOption{}
	if opts.Insecure {
		grpcOpts = append(grpcOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	exporterOpts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(opts.Endpoint),
		otlptracegrpc.WithDialOption(grpcOpts...),
	}
	if opts.Insecure {
		exporterOpts = append(exporterOpts, otlptracegrpc.WithInsecure())
	}
	if len(opts.Headers) > 0 {
		exporterOpts = append(exporterOpts, otlptracegrpc.WithHeaders(opts.Headers))
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.ConnectionTimeout)
	defer cancel()

	exporter, err := otlptracegrpc.New(ctx, exporterOpts...)
	if err != nil {
		return nil, err
	}

	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(opts.ServiceName),
		semconv.ServiceVersion(opts.ServiceVersion),
		attribute.String("service.component", "msf-bridge"),
	)

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tracerProvider)

	return &OTelHook{
		opts:           opts,
		tracerProvider: tracerProvider,
		tracer:         tracerProvider.Tracer("msfmcp/audit"),
	}, nil
}

// OnEvent exports telemetry for command results and security decisions.
func (h *OTelHook) OnEvent(ctx context.Context, event Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}

	switch e := event.(type) {
	case *CommandResultEvent:
		h.recordCommand(ctx, e)
	case *SecurityEvent:
		h.recordSecurity(ctx, e)
	}
	return nil
}

func (h *OTelHook) recordCommand(ctx context.Context, e *CommandResultEvent) {
	start := e.Time.Add(-e.Duration)
	_, span := h.tracer.Start(ctx, "msf.command",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithTimestamp(start),
		trace.WithAttributes(
			attribute.String("correlation_id", e.Correlation),
			attribute.String("command", e.Command),
			attribute.String("mode", e.Mode),
			attribute.String("status", e.Status),
			attribute.Int("output_bytes", e.OutputBytes),
		),
	)
	if e.Status == "success" {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, e.Error)
	}
	span.End(trace.WithTimestamp(e.Time))
}

func (h *OTelHook) recordSecurity(ctx context.Context, e *SecurityEvent) {
	_, span := h.tracer.Start(ctx, "msf.security",
		trace.WithTimestamp(e.Time),
		trace.WithAttributes(
			attribute.String("correlation_id", e.Correlation),
			attribute.String("action", e.Action),
			attribute.String("threat_level", e.ThreatLevel),
			attribute.Int("risk_score", e.RiskScore),
			attribute.Bool("blocked", e.Blocked),
			attribute.StringSlice("reasons", e.Reasons),
		),
	)
	if e.Blocked {
		span.SetStatus(codes.Error, "command blocked")
	}
	span.End(trace.WithTimestamp(e.Time))
}

// EventTypes returns the event types this hook handles.
func (h *OTelHook) EventTypes() []EventType {
	return []EventType{EventTypeCommandResult, EventTypeSecurity}
}

// Close flushes pending telemetry and shuts the tracer provider down.
func (h *OTelHook) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true

	ctx, cancel := context.WithTimeout(context.Background(), h.opts.ShutdownTimeout)
	defer cancel()
	if err := h.tracerProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("otel: shutdown tracer provider: %w", err)
	}
	return nil
}
