package telemetry

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/trace"

	"moltmarket/internal/domain"
)

const instrumentationName = "moltmarket"

// Metrics holds the escrow engine instruments. A nil *Metrics records nothing.
type Metrics struct {
	Operations      metric.Int64Counter
	CreditsLocked   metric.Int64Counter
	CreditsPaid     metric.Int64Counter
	CreditsRefunded metric.Int64Counter
	OpDuration      metric.Float64Histogram
}

// NewMetrics creates the instruments on mp, or on the global provider when mp is nil.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)
	m := &Metrics{}
	var err error

	m.Operations, err = meter.Int64Counter("molt.engine.operations",
		metric.WithDescription("Escrow engine operations by name and outcome"))
	if err != nil {
		return nil, err
	}
	m.CreditsLocked, err = meter.Int64Counter("molt.credits.locked",
		metric.WithDescription("Credits moved into escrow at publish"))
	if err != nil {
		return nil, err
	}
	m.CreditsPaid, err = meter.Int64Counter("molt.credits.paid",
		metric.WithDescription("Credits paid to workers at settlement"))
	if err != nil {
		return nil, err
	}
	m.CreditsRefunded, err = meter.Int64Counter("molt.credits.refunded",
		metric.WithDescription("Credits returned to publishers"))
	if err != nil {
		return nil, err
	}
	m.OpDuration, err = meter.Float64Histogram("molt.engine.duration_seconds",
		metric.WithDescription("Escrow engine operation latency"), metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Outcome labels an error by its domain kind; infrastructure errors are "error".
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if kind := domain.KindOf(err); kind != "" {
		return string(kind)
	}
	return "error"
}

func (m *Metrics) RecordOperation(ctx context.Context, op string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("op", op), attribute.String("outcome", Outcome(err)))
	m.Operations.Add(ctx, 1, attrs)
	m.OpDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.String("op", op)))
}

func (m *Metrics) Locked(ctx context.Context, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.CreditsLocked.Add(ctx, n)
}

func (m *Metrics) Paid(ctx context.Context, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.CreditsPaid.Add(ctx, n)
}

func (m *Metrics) Refunded(ctx context.Context, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.CreditsRefunded.Add(ctx, n)
}

// StartSpan opens an engine operation span.
func StartSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, "engine."+op, trace.WithAttributes(attrs...))
}

// EndSpan marks unexpected failures on the span and ends it. Typed domain errors are not span errors.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.SetAttributes(attribute.String("outcome", Outcome(err)))
		if domain.KindOf(err) == "" {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}
	span.End()
}

// HTTPMiddleware wraps handlers with server spans.
func HTTPMiddleware(serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, serviceName)
	}
}

// NewProvider returns an SDK meter provider backed by a manual reader. Callers pull
// totals with Sums and shut the provider down on exit.
func NewProvider() (*sdkmetric.MeterProvider, *sdkmetric.ManualReader) {
	reader := sdkmetric.NewManualReader()
	return sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)), reader
}

// Sums collects every int64 counter from reader, summed across attribute sets.
func Sums(ctx context.Context, reader sdkmetric.Reader) (map[string]int64, error) {
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		return nil, err
	}
	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if data, ok := met.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range data.DataPoints {
					sums[met.Name] += dp.Value
				}
			}
		}
	}
	return sums, nil
}
