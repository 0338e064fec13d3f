package services

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel/attribute"

	domain "github.com/bazaarline/api/internal/domain"
	"github.com/bazaarline/api/internal/platform/textutil"
	"github.com/bazaarline/api/internal/repositories"
)

const orderPlacedNote = "Order placed"

// CheckoutServiceDeps bundles the collaborators the orchestrator coordinates.
type CheckoutServiceDeps struct {
	Products    repositories.ProductRepository
	Orders      repositories.OrderRepository
	History     repositories.StatusHistoryRepository
	Payments    repositories.PaymentRepository
	OrderFlow   OrderService
	Inventory   InventoryService
	Settlements SettlementService
	Counters    CounterService
	UnitOfWork  repositories.UnitOfWork
	Events      OrderEventPublisher
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type checkoutService struct {
	products    repositories.ProductRepository
	orders      repositories.OrderRepository
	history     repositories.StatusHistoryRepository
	payments    repositories.PaymentRepository
	orderFlow   OrderService
	inventory   InventoryService
	settlements SettlementService
	counters    CounterService
	unitOfWork  repositories.UnitOfWork
	events      eventSink
	clock       func() time.Time
	newID       func() string
	logger      func(context.Context, string, map[string]any)
}

// NewCheckoutService wires dependencies into a concrete CheckoutService implementation.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	switch {
	case deps.Products == nil:
		return nil, errors.New("checkout service: product repository is required")
	case deps.Orders == nil:
		return nil, errors.New("checkout service: order repository is required")
	case deps.History == nil:
		return nil, errors.New("checkout service: status history repository is required")
	case deps.Payments == nil:
		return nil, errors.New("checkout service: payment repository is required")
	case deps.OrderFlow == nil:
		return nil, errors.New("checkout service: order service is required")
	case deps.Inventory == nil:
		return nil, errors.New("checkout service: inventory service is required")
	case deps.Settlements == nil:
		return nil, errors.New("checkout service: settlement service is required")
	case deps.Counters == nil:
		return nil, errors.New("checkout service: counter service is required")
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

	return &checkoutService{
		products:    deps.Products,
		orders:      deps.Orders,
		history:     deps.History,
		payments:    deps.Payments,
		orderFlow:   deps.OrderFlow,
		inventory:   deps.Inventory,
		settlements: deps.Settlements,
		counters:    deps.Counters,
		unitOfWork:  unit,
		events:      eventSink{publisher: deps.Events, logger: logger},
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

// Checkout creates the order, its line snapshots, the Sale movements and the pending
// settlements in one unit of work. Any failure rolls all of it back.
func (s *checkoutService) Checkout(ctx context.Context, cmd CheckoutCommand) (Order, error) {
	ctx, span := startSpan(ctx, "CheckoutService.Checkout",
		attribute.String("customer.id", cmd.CustomerID),
		attribute.Int("cart.lines", len(cmd.Lines)))
	defer span.End()

	cmd, err := normalizeCheckout(cmd)
	if err != nil {
		return Order{}, endSpan(span, err)
	}

	number, err := s.counters.NextOrderNumber(ctx)
	if err != nil {
		return Order{}, endSpan(span, err)
	}

	var created Order
	err = s.events.runInTx(ctx, s.unitOfWork, func(txCtx context.Context) error {
		now := s.clock()
		orderID := orderIDPrefix + s.newID()

		items, err := s.snapshotItems(txCtx, orderID, cmd, now)
		if err != nil {
			return err
		}
		totals := domain.TotalsFromItems(items, cmd.ShippingTotal, cmd.DiscountTotal)
		if totals.OrderTotal.IsNegative() {
			return fmt.Errorf("%w: discount exceeds order value", ErrOrderInvalidInput)
		}

		order := Order{
			ID:              orderID,
			OrderNumber:     number,
			Type:            cmd.Type,
			CustomerID:      cmd.CustomerID,
			Contact:         cmd.Contact,
			BillingAddress:  cmd.BillingAddress,
			ShippingAddress: cmd.ShippingAddress,
			Currency:        cmd.Currency,
			Totals:          totals,
			Status:          domain.OrderStatusPending,
			PaymentStatus:   domain.PaymentStatusPending,
			ShippingStatus:  domain.ShippingStatusNotShipped,
			Items:           items,
			Notes:           cmd.Notes,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := s.orders.Insert(txCtx, order); err != nil {
			return mapRepositoryError(err, ErrOrderProductUnavailable)
		}
		order.Version = 1

		if err := s.appendHistory(txCtx, order, "", domain.OrderStatusPending, orderPlacedNote, actorOrSystem(cmd.ActorID)); err != nil {
			return err
		}

		if order.Type == domain.OrderTypeProduct {
			for _, item := range order.Items {
				if _, err := s.inventory.ApplyMovement(txCtx, InventoryMovementCommand{
					ProductID: item.ProductID,
					Delta:     -item.Quantity,
					Type:      domain.MovementTypeSale,
					OrderID:   &orderID,
					Note:      "Order " + number,
				}); err != nil {
					return err
				}
			}
		}

		if _, err := s.settlements.ComputeSettlements(txCtx, order); err != nil {
			return err
		}

		created = order
		s.events.emit(txCtx, OrderEvent{
			Type:          eventOrderCreated,
			OrderID:       order.ID,
			OrderNumber:   order.OrderNumber,
			CurrentStatus: string(order.Status),
			ActorID:       actorOrSystem(cmd.ActorID),
			OccurredAt:    now,
			Metadata: map[string]any{
				"orderTotal": order.Totals.OrderTotal.StringFixed(domain.MoneyPlaces),
				"currency":   order.Currency,
				"suppliers":  len(lo.Uniq(lo.Map(order.Items, func(item OrderItem, _ int) string { return item.SupplierID }))),
			},
		})
		return nil
	})
	if err != nil {
		s.logger(ctx, "checkout.failed", map[string]any{
			"customerId": cmd.CustomerID,
			"error":      err.Error(),
		})
		return Order{}, endSpan(span, mapTxError(err, ErrOrderNotFound))
	}

	s.logger(ctx, "checkout.completed", map[string]any{
		"orderId":     created.ID,
		"orderNumber": created.OrderNumber,
		"orderTotal":  created.Totals.OrderTotal.StringFixed(domain.MoneyPlaces),
	})
	return created, nil
}

func (s *checkoutService) snapshotItems(ctx context.Context, orderID string, cmd CheckoutCommand, now time.Time) ([]OrderItem, error) {
	demand := make(map[string]int)
	for _, line := range cmd.Lines {
		demand[line.ProductID] += line.Quantity
	}

	catalog := make(map[string]domain.Product, len(demand))
	items := make([]OrderItem, 0, len(cmd.Lines))
	for _, line := range cmd.Lines {
		product, seen := catalog[line.ProductID]
		if !seen {
			found, err := s.products.FindByID(ctx, line.ProductID)
			if err != nil {
				return nil, mapRepositoryError(err, ErrOrderProductUnavailable)
			}
			if err := checkPurchasable(found, demand[line.ProductID], cmd.Type); err != nil {
				return nil, err
			}
			catalog[line.ProductID] = found
			product = found
		}

		total := domain.LineTotal(product.Price, line.Quantity, line.DiscountAmount)
		if total.IsNegative() {
			return nil, fmt.Errorf("%w: discount exceeds line value for product %s", ErrOrderInvalidInput, product.ID)
		}
		items = append(items, OrderItem{
			ID:             orderItemIDPrefix + s.newID(),
			OrderID:        orderID,
			ProductID:      product.ID,
			SupplierID:     product.SupplierID,
			Name:           product.Name,
			ImageURL:       product.ImageURL,
			SKU:            product.SKU,
			Brand:          product.Brand,
			Weight:         product.Weight,
			Dimensions:     product.Dimensions,
			Quantity:       line.Quantity,
			UnitPrice:      product.Price,
			TaxAmount:      domain.RoundMoney(line.TaxAmount),
			DiscountAmount: domain.RoundMoney(line.DiscountAmount),
			TotalPrice:     total,
			CommissionRate: product.CommissionRate,
			Status:         domain.OrderItemStatusActive,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}
	return items, nil
}

func checkPurchasable(product domain.Product, quantity int, orderType domain.OrderType) error {
	if !product.Published {
		return fmt.Errorf("%w: product %s is not published", ErrOrderProductUnavailable, product.ID)
	}
	if orderType == domain.OrderTypeService {
		return nil
	}
	if !product.Purchasable(quantity) {
		return fmt.Errorf("%w: product %s has %d in stock, requested %d", ErrInventoryInsufficientStock, product.ID, product.Stock, quantity)
	}
	return nil
}

// Cancel cancels the whole order, returns its stock and reconciles the settlements.
func (s *checkoutService) Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	ctx, span := startSpan(ctx, "CheckoutService.Cancel", attribute.String("order.id", cmd.OrderID))
	defer span.End()

	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, endSpan(span, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput))
	}

	var result Order
	err := s.events.runInTx(ctx, s.unitOfWork, func(txCtx context.Context) error {
		order, err := s.orders.FindForUpdate(txCtx, orderID)
		if err != nil {
			return mapRepositoryError(err, ErrOrderNotFound)
		}
		if err := checkExpectedVersion(order, cmd.ExpectedVersion); err != nil {
			return err
		}
		result, err = s.cancelOrder(txCtx, order, cmd.Reason, cmd.Notes, cmd.ActorID)
		return err
	})
	if err != nil {
		return Order{}, endSpan(span, mapTxError(err, ErrOrderNotFound))
	}
	return result, nil
}

func (s *checkoutService) cancelOrder(ctx context.Context, order Order, reason, notes, actorID string) (Order, error) {
	if !order.Status.CanBeCancelled() {
		return Order{}, fmt.Errorf("%w: order %s is %s", ErrOrderInvalidState, order.ID, order.Status)
	}
	version := order.Version
	cancelled, err := s.orderFlow.Transition(ctx, OrderTransitionCommand{
		OrderID:         order.ID,
		Target:          domain.OrderStatusCancelled,
		Note:            notes,
		Reason:          reason,
		ActorID:         actorID,
		ExpectedVersion: &version,
	})
	if err != nil {
		return Order{}, err
	}

	reconciliation, err := s.settlements.ReconcileSettlements(ctx, SettlementReconcileCommand{
		Order:   cancelled,
		ActorID: actorID,
		Reason:  reason,
	})
	if err != nil {
		return Order{}, err
	}

	s.events.emit(ctx, OrderEvent{
		Type:           eventOrderCancelled,
		OrderID:        cancelled.ID,
		OrderNumber:    cancelled.OrderNumber,
		PreviousStatus: string(order.Status),
		CurrentStatus:  string(cancelled.Status),
		ActorID:        actorOrSystem(actorID),
		OccurredAt:     cancelled.UpdatedAt,
		Metadata: map[string]any{
			"reason":      cancelled.CancelReason,
			"adjustments": len(reconciliation.Adjustments),
			"refunds":     len(reconciliation.Refunds),
		},
	})
	return cancelled, nil
}

// CancelItem cancels a single active line. Cancelling the last active line cancels the order.
func (s *checkoutService) CancelItem(ctx context.Context, cmd CancelOrderItemCommand) (Order, error) {
	ctx, span := startSpan(ctx, "CheckoutService.CancelItem",
		attribute.String("order.id", cmd.OrderID),
		attribute.String("order.item.id", cmd.ItemID))
	defer span.End()

	orderID := strings.TrimSpace(cmd.OrderID)
	itemID := strings.TrimSpace(cmd.ItemID)
	if orderID == "" || itemID == "" {
		return Order{}, endSpan(span, fmt.Errorf("%w: order id and item id are required", ErrOrderInvalidInput))
	}
	actor := actorOrSystem(cmd.ActorID)

	var result Order
	err := s.events.runInTx(ctx, s.unitOfWork, func(txCtx context.Context) error {
		order, err := s.orders.FindForUpdate(txCtx, orderID)
		if err != nil {
			return mapRepositoryError(err, ErrOrderNotFound)
		}
		if err := checkExpectedVersion(order, cmd.ExpectedVersion); err != nil {
			return err
		}
		if !order.Status.CanBeCancelled() {
			return fmt.Errorf("%w: order %s is %s", ErrOrderInvalidState, order.ID, order.Status)
		}

		idx := lo.IndexOf(lo.Map(order.Items, func(item OrderItem, _ int) string { return item.ID }), itemID)
		if idx < 0 {
			return fmt.Errorf("%w: item %s is not part of order %s", ErrOrderInvalidInput, itemID, orderID)
		}
		if order.Items[idx].Status != domain.OrderItemStatusActive {
			return fmt.Errorf("%w: item %s is %s", ErrOrderInvalidState, itemID, order.Items[idx].Status)
		}
		if len(order.ActiveItems()) == 1 {
			result, err = s.cancelOrder(txCtx, order, cmd.Reason, "", cmd.ActorID)
			return err
		}

		now := s.clock()
		item := &order.Items[idx]
		if order.Type == domain.OrderTypeProduct {
			if _, err := s.inventory.ApplyMovement(txCtx, InventoryMovementCommand{
				ProductID: item.ProductID,
				Delta:     item.Quantity,
				Type:      domain.MovementTypeReturn,
				OrderID:   &order.ID,
				Note:      fmt.Sprintf("Order %s item %s cancelled", order.OrderNumber, item.SKU),
			}); err != nil {
				return err
			}
		}
		item.Status = domain.OrderItemStatusCancelled
		item.UpdatedAt = now
		order.Totals = recomputeTotals(order.Items, order.Totals)
		order.UpdatedAt = now

		note := fmt.Sprintf("Item %s × %d cancelled", item.SKU, item.Quantity)
		if reason := textutil.SanitizeNote(cmd.Reason); reason != "" {
			note += ". " + reason
		}
		if err := s.appendHistory(txCtx, order, order.Status, order.Status, note, actor); err != nil {
			return err
		}

		updated, err := s.orders.Update(txCtx, order)
		if err != nil {
			return mapRepositoryError(err, ErrOrderNotFound)
		}
		if _, err := s.settlements.ReconcileSettlements(txCtx, SettlementReconcileCommand{
			Order:   updated,
			ActorID: actor,
			Reason:  cmd.Reason,
		}); err != nil {
			return err
		}
		result = updated
		return nil
	})
	if err != nil {
		return Order{}, endSpan(span, mapTxError(err, ErrOrderNotFound))
	}
	return result, nil
}

// recomputeTotals derives totals from the active lines, keeping shipping and capping the
// discount so the order total never goes negative.
func recomputeTotals(items []OrderItem, previous domain.OrderTotals) domain.OrderTotals {
	totals := domain.TotalsFromItems(items, previous.ShippingTotal, previous.DiscountTotal)
	if totals.OrderTotal.IsNegative() {
		ceiling := totals.SubTotal.Add(totals.TaxTotal).Add(totals.ShippingTotal)
		totals = domain.TotalsFromItems(items, previous.ShippingTotal, ceiling)
	}
	return totals
}

// RecordPaymentOutcome records what the gateway reported and drives the payment axis. Replayed
// outcomes are absorbed by the gateway transaction id.
func (s *checkoutService) RecordPaymentOutcome(ctx context.Context, outcome PaymentOutcome) (Order, error) {
	ctx, span := startSpan(ctx, "CheckoutService.RecordPaymentOutcome",
		attribute.String("order.id", outcome.OrderID),
		attribute.String("payment.outcome", string(outcome.Kind)),
		attribute.String("payment.gateway", outcome.Gateway))
	defer span.End()

	outcome, err := normalizeOutcome(outcome)
	if err != nil {
		return Order{}, endSpan(span, err)
	}
	actor := "gateway:" + outcome.Gateway

	var result Order
	err = s.events.runInTx(ctx, s.unitOfWork, func(txCtx context.Context) error {
		order, err := s.orders.FindForUpdate(txCtx, outcome.OrderID)
		if err != nil {
			return mapRepositoryError(err, ErrOrderNotFound)
		}
		if outcome.Currency == "" {
			outcome.Currency = order.Currency
		}
		if outcome.Currency != order.Currency {
			return fmt.Errorf("%w: outcome currency %s does not match order currency %s", ErrPaymentInvalidInput, outcome.Currency, order.Currency)
		}

		var payment Payment
		if outcome.Kind.IsRefund() {
			payment, err = s.recordRefund(txCtx, order, outcome)
		} else {
			payment, err = s.recordSale(txCtx, order, outcome)
		}
		if err != nil {
			return err
		}

		target := outcome.Kind.PaymentStatus()
		if order.PaymentStatus != target {
			order, err = s.orderFlow.UpdatePaymentStatus(txCtx, OrderPaymentStatusCommand{
				OrderID: order.ID,
				Status:  target,
				Note:    paymentNote(outcome),
				ActorID: actor,
			})
			if err != nil {
				return err
			}

			switch target {
			case domain.PaymentStatusPaid:
				if err := s.settlePending(txCtx, order, outcome, payment, actor); err != nil {
					return err
				}
			case domain.PaymentStatusRefunded:
				if _, err := s.settlements.ReconcileSettlements(txCtx, SettlementReconcileCommand{
					Order:           order,
					ActorID:         actor,
					Reason:          paymentRefundedNote,
					RefundPaymentID: &payment.ID,
				}); err != nil {
					return err
				}
			}
		}
		result = order
		return nil
	})
	if err != nil {
		return Order{}, endSpan(span, mapTxError(err, ErrOrderNotFound))
	}
	return result, nil
}

func (s *checkoutService) recordSale(ctx context.Context, order Order, outcome PaymentOutcome) (Payment, error) {
	target := outcome.Kind.PaymentStatus()
	now := s.clock()

	existing, err := s.payments.FindByGatewayTransaction(ctx, outcome.Gateway, outcome.TransactionID)
	switch {
	case err == nil:
		if existing.OrderID != order.ID || existing.Type != domain.PaymentTypeSale {
			return Payment{}, fmt.Errorf("%w: transaction %s belongs to another payment", ErrPaymentInvalidInput, outcome.TransactionID)
		}
		if existing.Status == target {
			return existing, nil
		}
		if !existing.Status.CanTransitionTo(target) {
			return Payment{}, fmt.Errorf("%w: payment %s → %s", ErrOrderInvalidState, existing.Status, target)
		}
		existing.Status = target
		existing.Amount = outcome.Amount
		existing.FeeAmount = outcome.FeeAmount
		existing.NetAmount = outcome.Amount.Sub(outcome.FeeAmount)
		if outcome.Message != "" {
			existing.Notes = outcome.Message
		}
		existing.UpdatedAt = now
		if err := s.payments.Update(ctx, existing); err != nil {
			return Payment{}, mapRepositoryError(err, ErrOrderNotFound)
		}
		return existing, nil
	case !isRepositoryNotFound(err):
		return Payment{}, mapRepositoryError(err, ErrOrderNotFound)
	}

	payment := Payment{
		ID:                   paymentIDPrefix + s.newID(),
		OrderID:              order.ID,
		Type:                 domain.PaymentTypeSale,
		Amount:               outcome.Amount,
		FeeAmount:            outcome.FeeAmount,
		NetAmount:            outcome.Amount.Sub(outcome.FeeAmount),
		Currency:             outcome.Currency,
		Status:               target,
		Gateway:              outcome.Gateway,
		GatewayTransactionID: outcome.TransactionID,
		GatewayReference:     outcome.Reference,
		Notes:                outcome.Message,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.payments.Insert(ctx, payment); err != nil {
		return Payment{}, mapRepositoryError(err, ErrOrderNotFound)
	}
	return payment, nil
}

func (s *checkoutService) recordRefund(ctx context.Context, order Order, outcome PaymentOutcome) (Payment, error) {
	existing, err := s.payments.FindByGatewayTransaction(ctx, outcome.Gateway, outcome.TransactionID)
	if err == nil {
		if existing.OrderID != order.ID || existing.Type != domain.PaymentTypeRefund {
			return Payment{}, fmt.Errorf("%w: transaction %s belongs to another payment", ErrPaymentInvalidInput, outcome.TransactionID)
		}
		return existing, nil
	}
	if !isRepositoryNotFound(err) {
		return Payment{}, mapRepositoryError(err, ErrOrderNotFound)
	}

	now := s.clock()
	refund := Payment{
		ID:                   paymentIDPrefix + s.newID(),
		OrderID:              order.ID,
		Type:                 domain.PaymentTypeRefund,
		Amount:               outcome.Amount,
		FeeAmount:            outcome.FeeAmount,
		NetAmount:            outcome.Amount.Sub(outcome.FeeAmount),
		Currency:             outcome.Currency,
		Status:               domain.PaymentStatusRefunded,
		Gateway:              outcome.Gateway,
		GatewayTransactionID: outcome.TransactionID,
		GatewayReference:     outcome.Reference,
		Notes:                outcome.Message,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := s.payments.Insert(ctx, refund); err != nil {
		return Payment{}, mapRepositoryError(err, ErrOrderNotFound)
	}

	if outcome.Reference == "" {
		return refund, nil
	}
	sale, err := s.payments.FindByGatewayTransaction(ctx, outcome.Gateway, outcome.Reference)
	switch {
	case isRepositoryNotFound(err):
		return refund, nil
	case err != nil:
		return Payment{}, mapRepositoryError(err, ErrOrderNotFound)
	}
	target := outcome.Kind.PaymentStatus()
	if sale.Type == domain.PaymentTypeSale && sale.OrderID == order.ID && sale.Status != target && sale.Status.CanTransitionTo(target) {
		sale.Status = target
		sale.UpdatedAt = now
		if err := s.payments.Update(ctx, sale); err != nil {
			return Payment{}, mapRepositoryError(err, ErrOrderNotFound)
		}
	}
	return refund, nil
}

// settlePending marks the order's pending regular settlements paid against the captured payment.
func (s *checkoutService) settlePending(ctx context.Context, order Order, outcome PaymentOutcome, payment Payment, actor string) error {
	settlements, err := s.settlements.ListOrderSettlements(ctx, order.ID)
	if err != nil {
		return err
	}
	for _, settlement := range settlements {
		if settlement.Kind != domain.SettlementKindRegular ||
			settlement.Status != domain.SettlementStatusPending ||
			!settlement.GrossAmount.IsPositive() {
			continue
		}
		if _, err := s.settlements.MarkPaid(ctx, SettlementMarkPaidCommand{
			SettlementID:           settlement.ID,
			ReferenceTransactionID: outcome.TransactionID,
			PaymentID:              &payment.ID,
			ActorID:                actor,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (s *checkoutService) appendHistory(ctx context.Context, order Order, from, to domain.OrderStatus, note, actor string) error {
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

func paymentNote(outcome PaymentOutcome) string {
	note := fmt.Sprintf("%s %s %s", outcome.Gateway, outcome.Kind, outcome.TransactionID)
	if outcome.Message != "" {
		note += ": " + outcome.Message
	}
	return note
}

func isRepositoryNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func normalizeCheckout(cmd CheckoutCommand) (CheckoutCommand, error) {
	cmd.CustomerID = strings.TrimSpace(cmd.CustomerID)
	if cmd.CustomerID == "" {
		return cmd, fmt.Errorf("%w: customer id is required", ErrOrderInvalidInput)
	}
	if cmd.Type == "" {
		cmd.Type = domain.OrderTypeProduct
	}
	if !cmd.Type.Valid() {
		return cmd, fmt.Errorf("%w: unknown order type %q", ErrOrderInvalidInput, cmd.Type)
	}
	currency, err := domain.NormalizeCurrency(cmd.Currency)
	if err != nil {
		return cmd, fmt.Errorf("%w: %v", ErrOrderInvalidInput, err)
	}
	cmd.Currency = currency

	if len(cmd.Lines) == 0 {
		return cmd, fmt.Errorf("%w: cart is empty", ErrOrderInvalidInput)
	}
	lines := make([]CheckoutLine, len(cmd.Lines))
	for i, line := range cmd.Lines {
		line.ProductID = strings.TrimSpace(line.ProductID)
		switch {
		case line.ProductID == "":
			return cmd, fmt.Errorf("%w: line %d product id is required", ErrOrderInvalidInput, i)
		case line.Quantity <= 0:
			return cmd, fmt.Errorf("%w: line %d quantity must be positive", ErrOrderInvalidInput, i)
		case line.TaxAmount.IsNegative(), line.DiscountAmount.IsNegative():
			return cmd, fmt.Errorf("%w: line %d amounts must not be negative", ErrOrderInvalidInput, i)
		}
		lines[i] = line
	}
	cmd.Lines = lines

	if cmd.ShippingTotal.IsNegative() || cmd.DiscountTotal.IsNegative() {
		return cmd, fmt.Errorf("%w: shipping and discount must not be negative", ErrOrderInvalidInput)
	}

	cmd.Contact.Name = strings.TrimSpace(cmd.Contact.Name)
	cmd.Contact.Email = strings.TrimSpace(cmd.Contact.Email)
	cmd.Contact.Phone = strings.TrimSpace(cmd.Contact.Phone)
	if cmd.Contact.Name == "" {
		return cmd, fmt.Errorf("%w: contact name is required", ErrOrderInvalidInput)
	}
	if _, err := mail.ParseAddress(cmd.Contact.Email); err != nil {
		return cmd, fmt.Errorf("%w: contact email is invalid", ErrOrderInvalidInput)
	}

	cmd.BillingAddress = trimAddress(cmd.BillingAddress)
	if err := validateAddress("billing", cmd.BillingAddress); err != nil {
		return cmd, err
	}
	cmd.ShippingAddress = trimAddress(cmd.ShippingAddress)
	if cmd.Type == domain.OrderTypeProduct {
		if err := validateAddress("shipping", cmd.ShippingAddress); err != nil {
			return cmd, err
		}
	}

	cmd.Notes = textutil.SanitizeNote(cmd.Notes)
	cmd.ShippingTotal = domain.RoundMoney(cmd.ShippingTotal)
	cmd.DiscountTotal = domain.RoundMoney(cmd.DiscountTotal)
	return cmd, nil
}

func trimAddress(a domain.AddressSnapshot) domain.AddressSnapshot {
	return domain.AddressSnapshot{
		FirstName:  strings.TrimSpace(a.FirstName),
		LastName:   strings.TrimSpace(a.LastName),
		Company:    strings.TrimSpace(a.Company),
		Line1:      strings.TrimSpace(a.Line1),
		Line2:      strings.TrimSpace(a.Line2),
		City:       strings.TrimSpace(a.City),
		State:      strings.TrimSpace(a.State),
		PostalCode: strings.TrimSpace(a.PostalCode),
		Country:    strings.ToUpper(strings.TrimSpace(a.Country)),
		Phone:      strings.TrimSpace(a.Phone),
	}
}

func validateAddress(kind string, a domain.AddressSnapshot) error {
	missing := lo.Filter([]lo.Tuple2[string, string]{
		lo.T2("line1", a.Line1),
		lo.T2("city", a.City),
		lo.T2("postalCode", a.PostalCode),
		lo.T2("country", a.Country),
	}, func(field lo.Tuple2[string, string], _ int) bool { return field.B == "" })
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s address %s is required", ErrOrderInvalidInput, kind, missing[0].A)
	}
	return nil
}

func normalizeOutcome(outcome PaymentOutcome) (PaymentOutcome, error) {
	outcome.OrderID = strings.TrimSpace(outcome.OrderID)
	outcome.Gateway = strings.ToLower(strings.TrimSpace(outcome.Gateway))
	outcome.TransactionID = strings.TrimSpace(outcome.TransactionID)
	outcome.Reference = strings.TrimSpace(outcome.Reference)
	outcome.Message = textutil.SanitizeNote(outcome.Message)

	switch {
	case outcome.OrderID == "":
		return outcome, fmt.Errorf("%w: order id is required", ErrPaymentInvalidInput)
	case !outcome.Kind.Valid():
		return outcome, fmt.Errorf("%w: unknown outcome %q", ErrPaymentInvalidInput, outcome.Kind)
	case outcome.Gateway == "":
		return outcome, fmt.Errorf("%w: gateway is required", ErrPaymentInvalidInput)
	case outcome.TransactionID == "":
		return outcome, fmt.Errorf("%w: gateway transaction id is required", ErrPaymentInvalidInput)
	case outcome.Amount.IsNegative(), outcome.FeeAmount.IsNegative():
		return outcome, fmt.Errorf("%w: amounts must not be negative", ErrPaymentInvalidInput)
	case outcome.FeeAmount.GreaterThan(outcome.Amount):
		return outcome, fmt.Errorf("%w: fee exceeds amount", ErrPaymentInvalidInput)
	}
	outcome.Amount = domain.RoundMoney(outcome.Amount)
	outcome.FeeAmount = domain.RoundMoney(outcome.FeeAmount)
	if outcome.Currency != "" {
		currency, err := domain.NormalizeCurrency(outcome.Currency)
		if err != nil {
			return outcome, fmt.Errorf("%w: %v", ErrPaymentInvalidInput, err)
		}
		outcome.Currency = currency
	}
	return outcome, nil
}
