package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"

	domain "github.com/bazaarline/api/internal/domain"
	"github.com/bazaarline/api/internal/platform/textutil"
	"github.com/bazaarline/api/internal/repositories"
)

const (
	orderIDPrefix     = "ord_"
	orderItemIDPrefix = "itm_"
	historyIDPrefix   = "osh_"

	systemActor = "System"

	paymentConfirmedNote = "Payment confirmed"
	paymentRefundedNote  = "Payment refunded"
)

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	History     repositories.StatusHistoryRepository
	Inventory   InventoryService
	UnitOfWork  repositories.UnitOfWork
	Events      OrderEventPublisher
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders     repositories.OrderRepository
	history    repositories.StatusHistoryRepository
	inventory  InventoryService
	unitOfWork repositories.UnitOfWork
	events     eventSink
	clock      func() time.Time
	newID      func() string
	logger     func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.History == nil {
		return nil, errors.New("order service: status history repository is required")
	}
	if deps.Inventory == nil {
		return nil, errors.New("order service: inventory service is required")
	}

	unit := deps.UnitOfWork
	if unit == nil {
		unit = noopUnitOfWork{}
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:     deps.Orders,
		history:    deps.History,
		inventory:  deps.Inventory,
		unitOfWork: unit,
		events:     eventSink{publisher: deps.Events, logger: logger},
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// Transition moves the order along the allowed-next table. Requesting the current status is a
// no-op; an illegal target leaves the order and its history untouched.
func (s *orderService) Transition(ctx context.Context, cmd OrderTransitionCommand) (Order, error) {
	ctx, span := startSpan(ctx, "OrderService.Transition",
		attribute.String("order.id", cmd.OrderID),
		attribute.String("order.target", string(cmd.Target)))
	defer span.End()

	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, endSpan(span, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput))
	}
	if !cmd.Target.Valid() {
		return Order{}, endSpan(span, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, cmd.Target))
	}

	var result Order
	err := s.events.runInTx(ctx, s.unitOfWork, func(txCtx context.Context) error {
		order, err := s.load(txCtx, orderID, cmd.ExpectedVersion)
		if err != nil {
			return err
		}
		if order.Status == cmd.Target {
			result = order
			return nil
		}
		if !order.Status.CanTransitionTo(cmd.Target) {
			return fmt.Errorf("%w: %s → %s", ErrOrderInvalidState, order.Status, cmd.Target)
		}

		if err := s.applyStatus(txCtx, &order, cmd.Target, cmd.Note, cmd.Reason, actorOrSystem(cmd.ActorID)); err != nil {
			return err
		}
		result, err = s.save(txCtx, order)
		return err
	})
	if err != nil {
		return Order{}, endSpan(span, mapTxError(err, ErrOrderNotFound))
	}
	return result, nil
}

// UpdatePaymentStatus moves the payment axis. A payment reaching Paid on a Pending order
// confirms the order; a full refund moves a non-terminal order to Refunded.
func (s *orderService) UpdatePaymentStatus(ctx context.Context, cmd OrderPaymentStatusCommand) (Order, error) {
	ctx, span := startSpan(ctx, "OrderService.UpdatePaymentStatus",
		attribute.String("order.id", cmd.OrderID),
		attribute.String("payment.status", string(cmd.Status)))
	defer span.End()

	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, endSpan(span, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput))
	}
	if !cmd.Status.Valid() {
		return Order{}, endSpan(span, fmt.Errorf("%w: unknown payment status %q", ErrOrderInvalidInput, cmd.Status))
	}
	actor := actorOrSystem(cmd.ActorID)

	var result Order
	err := s.events.runInTx(ctx, s.unitOfWork, func(txCtx context.Context) error {
		order, err := s.load(txCtx, orderID, cmd.ExpectedVersion)
		if err != nil {
			return err
		}
		previous := order.PaymentStatus
		if previous == cmd.Status {
			result = order
			return nil
		}
		if !previous.CanTransitionTo(cmd.Status) {
			return fmt.Errorf("%w: payment %s → %s", ErrOrderInvalidState, previous, cmd.Status)
		}

		now := s.clock()
		order.PaymentStatus = cmd.Status
		order.UpdatedAt = now
		switch cmd.Status {
		case domain.PaymentStatusPaid:
			stampOnce(&order.Milestones.PaidAt, now)
		case domain.PaymentStatusRefunded:
			stampOnce(&order.Milestones.RefundedAt, now)
		}
		if err := s.appendHistory(txCtx, order, order.Status, order.Status, axisNote("Payment", string(previous), string(cmd.Status), cmd.Note), actor); err != nil {
			return err
		}
		s.events.emit(txCtx, OrderEvent{
			Type:           eventOrderPaymentChanged,
			OrderID:        order.ID,
			OrderNumber:    order.OrderNumber,
			PreviousStatus: string(previous),
			CurrentStatus:  string(cmd.Status),
			ActorID:        actor,
			OccurredAt:     now,
		})

		switch {
		case cmd.Status == domain.PaymentStatusPaid && order.Status == domain.OrderStatusPending:
			if err := s.applyStatus(txCtx, &order, domain.OrderStatusConfirmed, paymentConfirmedNote, "", systemActor); err != nil {
				return err
			}
		case cmd.Status == domain.PaymentStatusRefunded && !order.Status.IsTerminal():
			if err := s.applyStatus(txCtx, &order, domain.OrderStatusRefunded, paymentRefundedNote, "", systemActor); err != nil {
				return err
			}
		}

		result, err = s.save(txCtx, order)
		return err
	})
	if err != nil {
		return Order{}, endSpan(span, mapTxError(err, ErrOrderNotFound))
	}
	return result, nil
}

// UpdateShippingStatus moves the shipping axis, which is independent of the order status.
func (s *orderService) UpdateShippingStatus(ctx context.Context, cmd OrderShippingStatusCommand) (Order, error) {
	ctx, span := startSpan(ctx, "OrderService.UpdateShippingStatus",
		attribute.String("order.id", cmd.OrderID),
		attribute.String("shipping.status", string(cmd.Status)))
	defer span.End()

	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, endSpan(span, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput))
	}
	if !cmd.Status.Valid() {
		return Order{}, endSpan(span, fmt.Errorf("%w: unknown shipping status %q", ErrOrderInvalidInput, cmd.Status))
	}
	actor := actorOrSystem(cmd.ActorID)

	var result Order
	err := s.unitOfWork.RunInTx(ctx, func(txCtx context.Context) error {
		order, err := s.load(txCtx, orderID, cmd.ExpectedVersion)
		if err != nil {
			return err
		}
		if order.Type == domain.OrderTypeService {
			return fmt.Errorf("%w: service orders are not shipped", ErrOrderInvalidState)
		}
		previous := order.ShippingStatus
		if previous == cmd.Status {
			result = order
			return nil
		}
		if !previous.CanTransitionTo(cmd.Status) {
			return fmt.Errorf("%w: shipping %s → %s", ErrOrderInvalidState, previous, cmd.Status)
		}

		now := s.clock()
		order.ShippingStatus = cmd.Status
		order.UpdatedAt = now
		switch cmd.Status {
		case domain.ShippingStatusShipped:
			stampOnce(&order.Milestones.ShippedAt, now)
		case domain.ShippingStatusDelivered:
			stampOnce(&order.Milestones.DeliveredAt, now)
		}
		if err := s.appendHistory(txCtx, order, order.Status, order.Status, axisNote("Shipping", string(previous), string(cmd.Status), cmd.Note), actor); err != nil {
			return err
		}
		result, err = s.save(txCtx, order)
		return err
	})
	if err != nil {
		return Order{}, endSpan(span, mapTxError(err, ErrOrderNotFound))
	}
	return result, nil
}

func (s *orderService) GetOrder(ctx context.Context, orderID string) (Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, mapRepositoryError(err, ErrOrderNotFound)
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error) {
	for _, status := range filter.Status {
		if !status.Valid() {
			return domain.CursorPage[Order]{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, status)
		}
	}
	if from, to := filter.CreatedAt.From, filter.CreatedAt.To; from != nil && to != nil && from.After(*to) {
		return domain.CursorPage[Order]{}, fmt.Errorf("%w: created range is inverted", ErrOrderInvalidInput)
	}
	filter.CustomerID = strings.TrimSpace(filter.CustomerID)
	filter.SupplierID = strings.TrimSpace(filter.SupplierID)

	page, err := s.orders.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[Order]{}, mapRepositoryError(err, ErrOrderNotFound)
	}
	return page, nil
}

func (s *orderService) ListStatusHistory(ctx context.Context, orderID string) ([]OrderStatusHistory, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if _, err := s.orders.FindByID(ctx, orderID); err != nil {
		return nil, mapRepositoryError(err, ErrOrderNotFound)
	}
	entries, err := s.history.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, mapRepositoryError(err, ErrOrderNotFound)
	}
	return entries, nil
}

func (s *orderService) load(ctx context.Context, orderID string, expectedVersion *int64) (Order, error) {
	order, err := s.orders.FindForUpdate(ctx, orderID)
	if err != nil {
		return Order{}, mapRepositoryError(err, ErrOrderNotFound)
	}
	if err := checkExpectedVersion(order, expectedVersion); err != nil {
		return Order{}, err
	}
	return order, nil
}

func checkExpectedVersion(order Order, expected *int64) error {
	if expected != nil && *expected != order.Version {
		return fmt.Errorf("%w: order %s is at version %d, expected %d", ErrConcurrencyConflict, order.ID, order.Version, *expected)
	}
	return nil
}

func (s *orderService) save(ctx context.Context, order Order) (Order, error) {
	updated, err := s.orders.Update(ctx, order)
	if err != nil {
		return Order{}, mapRepositoryError(err, ErrOrderNotFound)
	}
	return updated, nil
}

// applyStatus performs the side effects of entering target and records the history entry.
// The caller persists the order.
func (s *orderService) applyStatus(ctx context.Context, order *Order, target domain.OrderStatus, note, reason, actor string) error {
	previous := order.Status
	now := s.clock()

	switch target {
	case domain.OrderStatusCancelled:
		if err := s.releaseItems(ctx, order, domain.OrderItemStatusCancelled, true, now); err != nil {
			return err
		}
		if reason = textutil.SanitizeNote(reason); reason != "" {
			order.CancelReason = reason
		}
	case domain.OrderStatusRefunded:
		// Either axis reporting the goods left the supplier keeps them out of stock.
		restock := order.ShippingStatus == domain.ShippingStatusNotShipped && !previous.HasShipped()
		if err := s.releaseItems(ctx, order, domain.OrderItemStatusRefunded, restock, now); err != nil {
			return err
		}
	}

	order.Status = target
	order.UpdatedAt = now
	stampMilestone(&order.Milestones, target, now)

	if err := s.appendHistory(ctx, *order, previous, target, transitionNote(previous, target, note), actor); err != nil {
		return err
	}
	s.events.emit(ctx, OrderEvent{
		Type:           eventOrderStatusChanged,
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		PreviousStatus: string(previous),
		CurrentStatus:  string(target),
		ActorID:        actor,
		OccurredAt:     now,
	})
	return nil
}

// releaseItems marks every active line with status and, for product orders, returns its stock.
func (s *orderService) releaseItems(ctx context.Context, order *Order, status domain.OrderItemStatus, restock bool, now time.Time) error {
	orderID := order.ID
	for i := range order.Items {
		item := &order.Items[i]
		if item.Status != domain.OrderItemStatusActive {
			continue
		}
		if restock && order.Type == domain.OrderTypeProduct {
			if _, err := s.inventory.ApplyMovement(ctx, InventoryMovementCommand{
				ProductID: item.ProductID,
				Delta:     item.Quantity,
				Type:      domain.MovementTypeReturn,
				OrderID:   &orderID,
				Note:      fmt.Sprintf("Order %s %s", order.OrderNumber, strings.ToLower(string(status))),
			}); err != nil {
				return err
			}
		}
		item.Status = status
		item.UpdatedAt = now
	}
	return nil
}

func (s *orderService) appendHistory(ctx context.Context, order Order, from, to domain.OrderStatus, note, actor string) error {
	entry := OrderStatusHistory{
		ID:         historyIDPrefix + s.newID(),
		OrderID:    order.ID,
		FromStatus: from,
		ToStatus:   to,
		Note:       note,
		Actor:      actor,
		CreatedAt:  s.clock(),
	}
	if err := s.history.Append(ctx, entry); err != nil {
		return mapRepositoryError(err, ErrOrderNotFound)
	}
	return nil
}

// transitionNote renders "<old> → <new>. <note>".
func transitionNote(from, to domain.OrderStatus, note string) string {
	return axisNote("", string(from), string(to), note)
}

func axisNote(axis, from, to, note string) string {
	text := fmt.Sprintf("%s → %s", from, to)
	if axis != "" {
		text = axis + " " + text
	}
	if note = textutil.SanitizeNote(note); note != "" {
		text += ". " + note
	}
	return text
}

func stampMilestone(m *domain.OrderMilestones, status domain.OrderStatus, now time.Time) {
	switch status {
	case domain.OrderStatusConfirmed:
		stampOnce(&m.ConfirmedAt, now)
	case domain.OrderStatusShipped:
		stampOnce(&m.ShippedAt, now)
	case domain.OrderStatusDelivered:
		stampOnce(&m.DeliveredAt, now)
	case domain.OrderStatusCancelled:
		stampOnce(&m.CancelledAt, now)
	case domain.OrderStatusRefunded:
		stampOnce(&m.RefundedAt, now)
	}
}

// stampOnce sets *field to now unless it is already set.
func stampOnce(field **time.Time, now time.Time) {
	if *field != nil {
		return
	}
	ts := now
	*field = &ts
}

func actorOrSystem(actor string) string {
	if actor = strings.TrimSpace(actor); actor != "" {
		return actor
	}
	return systemActor
}
