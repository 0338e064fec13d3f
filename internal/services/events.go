package services

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/bazaarline/api/internal/repositories"
)

const (
	eventOrderCreated        = "order.created"
	eventOrderStatusChanged  = "order.status.changed"
	eventOrderPaymentChanged = "order.payment.changed"
	eventOrderCancelled      = "order.cancelled"
	eventSettlementPaid      = "settlement.paid"
	eventSettlementAdjusted  = "settlement.adjusted"
)

// OrderEventPublisher publishes order and settlement domain events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted domain events.
type OrderEvent struct {
	Type           string
	OrderID        string
	OrderNumber    string
	SupplierID     string
	SettlementID   string
	PreviousStatus string
	CurrentStatus  string
	ActorID        string
	OccurredAt     time.Time
	Metadata       map[string]any
}

type eventBufferKey struct{}

type eventBuffer struct {
	mu     sync.Mutex
	events []OrderEvent
}

func (b *eventBuffer) reset() {
	b.mu.Lock()
	b.events = nil
	b.mu.Unlock()
}

func (b *eventBuffer) drain() []OrderEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	events := b.events
	b.events = nil
	return events
}

// eventSink defers events raised inside a unit of work until the outermost operation commits.
type eventSink struct {
	publisher OrderEventPublisher
	logger    func(context.Context, string, map[string]any)
}

// runInTx runs fn inside uow with an event buffer on the context. Every attempt starts from an
// empty buffer, so a retried transaction only publishes the events of the attempt that
// committed. Operations nested in a caller's unit of work share the caller's buffer.
func (s eventSink) runInTx(ctx context.Context, uow repositories.UnitOfWork, fn func(context.Context) error) error {
	if _, ok := ctx.Value(eventBufferKey{}).(*eventBuffer); ok {
		return uow.RunInTx(ctx, fn)
	}
	buf := &eventBuffer{}
	err := uow.RunInTx(context.WithValue(ctx, eventBufferKey{}, buf), func(txCtx context.Context) error {
		buf.reset()
		return fn(txCtx)
	})
	if err != nil {
		return err
	}
	for _, event := range buf.drain() {
		s.publish(ctx, event)
	}
	return nil
}

func (s eventSink) emit(ctx context.Context, event OrderEvent) {
	if s.publisher == nil {
		return
	}
	if event.Metadata != nil {
		event.Metadata = maps.Clone(event.Metadata)
	}
	if buf, ok := ctx.Value(eventBufferKey{}).(*eventBuffer); ok {
		buf.mu.Lock()
		buf.events = append(buf.events, event)
		buf.mu.Unlock()
		return
	}
	s.publish(ctx, event)
}

func (s eventSink) publish(ctx context.Context, event OrderEvent) {
	if err := s.publisher.PublishOrderEvent(ctx, event); err != nil && s.logger != nil {
		s.logger(ctx, "order.event.publish.failed", map[string]any{
			"type":   event.Type,
			"order":  event.OrderID,
			"status": event.CurrentStatus,
			"error":  err.Error(),
		})
	}
}
