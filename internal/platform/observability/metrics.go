package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/bazaarline/api/internal/platform/auth"
	"github.com/bazaarline/api/internal/services"
)

const meterName = "github.com/bazaarline/api/internal/platform/observability"

// DefaultMeter returns the meter registered with the global provider.
func DefaultMeter() metric.Meter {
	return otel.GetMeterProvider().Meter(meterName)
}

// NewVerificationMetrics records signature and token verification outcomes.
func NewVerificationMetrics(meter metric.Meter) (auth.MetricsRecorder, error) {
	if meter == nil {
		meter = DefaultMeter()
	}
	counter, err := meter.Int64Counter("auth.verifications",
		metric.WithDescription("Request verification attempts by outcome"))
	if err != nil {
		return nil, err
	}
	latency, err := meter.Float64Histogram("auth.verification.duration",
		metric.WithDescription("Request verification latency"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return auth.MetricsRecorderFunc(func(ctx context.Context, kind string, success bool, reason string, duration time.Duration) {
		attrs := metric.WithAttributes(
			attribute.String("kind", kind),
			attribute.Bool("success", success),
			attribute.String("reason", reason),
		)
		counter.Add(ctx, 1, attrs)
		latency.Record(ctx, float64(duration)/float64(time.Millisecond), attrs)
	}), nil
}

// InstrumentedPublisher counts published order events by type and outcome.
type InstrumentedPublisher struct {
	next      services.OrderEventPublisher
	published metric.Int64Counter
}

var _ services.OrderEventPublisher = (*InstrumentedPublisher)(nil)

// InstrumentPublisher wraps next with an event counter.
func InstrumentPublisher(next services.OrderEventPublisher, meter metric.Meter) (*InstrumentedPublisher, error) {
	if meter == nil {
		meter = DefaultMeter()
	}
	counter, err := meter.Int64Counter("orders.events.published",
		metric.WithDescription("Order and settlement events handed to the publisher"))
	if err != nil {
		return nil, err
	}
	return &InstrumentedPublisher{next: next, published: counter}, nil
}

// PublishOrderEvent implements services.OrderEventPublisher.
func (p *InstrumentedPublisher) PublishOrderEvent(ctx context.Context, event services.OrderEvent) error {
	var err error
	if p.next != nil {
		err = p.next.PublishOrderEvent(ctx, event)
	}
	p.published.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", event.Type),
		attribute.Bool("success", err == nil),
	))
	return err
}
