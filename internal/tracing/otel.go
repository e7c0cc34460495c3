package tracing

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys copied from the tracing context.
const (
	AttrTurnID     = attribute.Key("careline.turn_id")
	AttrSessionKey = attribute.Key("careline.session_key")
	AttrAgentID    = attribute.Key("careline.agent_id")
)

// Options configures the process tracer provider.
type Options struct {
	ServiceName string
	// SampleRatio is the fraction of root turns traced, clamped to [0,1].
	SampleRatio float64
}

var (
	providerOnce sync.Once
	providerMu   sync.RWMutex
	provider     *sdktrace.TracerProvider
	providerErr  error
)

// InitOpenTelemetry installs the process-wide tracer provider. Only the
// first call has any effect.
func InitOpenTelemetry(opts Options) error {
	providerOnce.Do(func() {
		name := opts.ServiceName
		if name == "" {
			name = "careline"
		}
		res, err := resource.New(context.Background(),
			resource.WithAttributes(attribute.String("service.name", name)),
		)
		if err != nil {
			providerErr = err
			return
		}

		tp := sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(clampRatio(opts.SampleRatio)))),
			sdktrace.WithResource(res),
		)

		providerMu.Lock()
		provider = tp
		providerMu.Unlock()
		otel.SetTracerProvider(tp)
	})
	return providerErr
}

func clampRatio(r float64) float64 {
	switch {
	case r < 0:
		return 0
	case r > 1:
		return 1
	}
	return r
}

// ShutdownOpenTelemetry flushes and shuts down the tracer provider.
func ShutdownOpenTelemetry(ctx context.Context) error {
	providerMu.RLock()
	tp := provider
	providerMu.RUnlock()
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// StartSpan starts a span tagged with the turn, session and agent ids in
// ctx. When ctx has no trace id yet the span's trace id is stored in it.
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}

	attrs = append(contextAttributes(ctx), attrs...)
	ctx, span := otel.Tracer(tracerName).Start(ctx, spanName, trace.WithAttributes(attrs...))

	if GetTraceID(ctx) == "" {
		if sc := span.SpanContext(); sc.IsValid() {
			ctx = WithTraceID(ctx, sc.TraceID().String())
		}
	}
	return ctx, span
}

func contextAttributes(ctx context.Context) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if id := GetTurnID(ctx); id != "" {
		attrs = append(attrs, AttrTurnID.String(id))
	}
	if key := GetSessionKey(ctx); key != "" {
		attrs = append(attrs, AttrSessionKey.String(key))
	}
	if id := GetAgentID(ctx); id != "" {
		attrs = append(attrs, AttrAgentID.String(id))
	}
	return attrs
}

// RecordSpanError marks the span as failed.
func RecordSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
