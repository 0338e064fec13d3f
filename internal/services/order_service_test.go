package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/bazaarline/api/internal/domain"
)

func TestOrderServiceTransitionWalksTheLifecycle(t *testing.T) {
	f := newFixture(t)
	f.seedProduct(productSeed{ID: "p1", SupplierID: "sup-a", Price: "20", Stock: 5})
	order := f.placeOrder(line("p1", 1))

	final := f.advance(order.ID,
		domain.OrderStatusConfirmed,
		domain.OrderStatusProcessing,
		domain.OrderStatusShipped,
		domain.OrderStatusDelivered,
	)
	assert.Equal(t, domain.OrderStatusDelivered, final.Status)
	assert.NotNil(t, final.Milestones.ConfirmedAt)
	assert.NotNil(t, final.Milestones.ShippedAt)
	assert.NotNil(t, final.Milestones.DeliveredAt)
	assert.Nil(t, final.Milestones.CancelledAt)
	assert.EqualValues(t, 5, final.Version)

	history := f.history(order.ID)
	require.Len(t, history, 5)
	assert.Equal(t, domain.OrderStatus(""), history[0].FromStatus)
	assert.Equal(t, orderPlacedNote, history[0].Note)
	assert.Equal(t, domain.OrderStatusShipped, history[4].FromStatus)
	assert.Equal(t, domain.OrderStatusDelivered, history[4].ToStatus)
	assert.Equal(t, "Shipped → Delivered", history[4].Note)
	assert.Equal(t, "admin-1", history[4].Actor)
}

func TestOrderServiceTransitionRejectsDisallowedTargets(t *testing.T) {
	tests := []struct {
		name   string
		path   []domain.OrderStatus
		target domain.OrderStatus
	}{
		{name: "pending to shipped", target: domain.OrderStatusShipped},
		{name: "pending to delivered", target: domain.OrderStatusDelivered},
		{name: "pending to refunded", target: domain.OrderStatusRefunded},
		{name: "confirmed back to pending", path: []domain.OrderStatus{domain.OrderStatusConfirmed}, target: domain.OrderStatusPending},
		{name: "shipped to cancelled", path: []domain.OrderStatus{domain.OrderStatusConfirmed, domain.OrderStatusProcessing, domain.OrderStatusShipped}, target: domain.OrderStatusCancelled},
		{name: "delivered is terminal", path: []domain.OrderStatus{domain.OrderStatusConfirmed, domain.OrderStatusProcessing, domain.OrderStatusShipped, domain.OrderStatusDelivered}, target: domain.OrderStatusProcessing},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			f.seedProduct(productSeed{ID: "p1", SupplierID: "sup-a", Price: "20", Stock: 5})
			order := f.placeOrder(line("p1", 1))
			f.advance(order.ID, tc.path...)
			before := f.order(order.ID)
			historyBefore := len(f.history(order.ID))

			_, err := f.orders.Transition(context.Background(), OrderTransitionCommand{OrderID: order.ID, Target: tc.target})
			require.ErrorIs(t, err, ErrOrderInvalidState)

			after := f.order(order.ID)
			assert.Equal(t, before.Status, after.Status)
			assert.Equal(t, before.Version, after.Version)
			assert.Len(t, f.history(order.ID), historyBefore)
		})
	}
}

func TestOrderServiceTransitionToCurrentStatusIsNoop(t *testing.T) {
	f := newFixture(t)
	f.seedProduct(productSeed{ID: "p1", SupplierID: "sup-a", Price: "20", Stock: 5})
	order := f.placeOrder(line("p1", 1))
	f.publisher.reset()

	same, err := f.orders.Transition(context.Background(), OrderTransitionCommand{OrderID: order.ID, Target: domain.OrderStatusPending})
	require.NoError(t, err)
	assert.Equal(t, order.Version, same.Version)
	assert.Len(t, f.history(order.ID), 1)
	assert.Empty(t, f.publisher.types())
}

func TestOrderServiceTransitionValidatesInput(t *testing.T) {
	f := newFixture(t)

	_, err := f.orders.Transition(context.Background(), OrderTransitionCommand{Target: domain.OrderStatusConfirmed})
	require.ErrorIs(t, err, ErrOrderInvalidInput)

	_, err = f.orders.Transition(context.Background(), OrderTransitionCommand{OrderID: "ord_1", Target: "Lost"})
	require.ErrorIs(t, err, ErrOrderInvalidInput)

	_, err = f.orders.Transition(context.Background(), OrderTransitionCommand{OrderID: "ord_missing", Target: domain.OrderStatusConfirmed})
	require.ErrorIs(t, err, ErrOrderNotFound)
}

func TestOrderServiceTransitionChecksExpectedVersion(t *testing.T) {
	f := newFixture(t)
	f.seedProduct(productSeed{ID: "p1", SupplierID: "sup-a", Price: "20", Stock: 5})
	order := f.placeOrder(line("p1", 1))

	stale := order.Version + 3
	_, err := f.orders.Transition(context.Background(), OrderTransitionCommand{
		OrderID:         order.ID,
		Target:          domain.OrderStatusConfirmed,
		ExpectedVersion: &stale,
	})
	require.ErrorIs(t, err, ErrConcurrencyConflict)
	assert.Equal(t, domain.OrderStatusPending, f.order(order.ID).Status)

	current := order.Version
	updated, err := f.orders.Transition(context.Background(), OrderTransitionCommand{
		OrderID:         order.ID,
		Target:          domain.OrderStatusConfirmed,
		ExpectedVersion: &current,
	})
	require.NoError(t, err)
	assert.Equal(t, current+1, updated.Version)
}

// Paying a Pending order confirms it and records both changes.
func TestOrderServicePaymentPaidConfirmsPendingOrder(t *testing.T) {
	f := newFixture(t)
	f.seedProduct(productSeed{ID: "p1", SupplierID: "sup-a", Price: "20", Stock: 5})
	order := f.placeOrder(line("p1", 1))
	f.publisher.reset()

	updated, err := f.orders.UpdatePaymentStatus(context.Background(), OrderPaymentStatusCommand{
		OrderID: order.ID,
		Status:  domain.PaymentStatusPaid,
		ActorID: "cashier-7",
	})
	require.NoError(t, err)

	assert.Equal(t, domain.OrderStatusConfirmed, updated.Status)
	assert.Equal(t, domain.PaymentStatusPaid, updated.PaymentStatus)
	require.NotNil(t, updated.Milestones.PaidAt)
	require.NotNil(t, updated.Milestones.ConfirmedAt)

	history := f.history(order.ID)
	require.Len(t, history, 3)
	payment, confirm := history[1], history[2]
	assert.Equal(t, domain.OrderStatusPending, payment.FromStatus)
	assert.Equal(t, domain.OrderStatusPending, payment.ToStatus)
	assert.Equal(t, "Payment Pending → Paid", payment.Note)
	assert.Equal(t, "cashier-7", payment.Actor)
	assert.Equal(t, domain.OrderStatusPending, confirm.FromStatus)
	assert.Equal(t, domain.OrderStatusConfirmed, confirm.ToStatus)
	assert.Equal(t, "Pending → Confirmed. Payment confirmed", confirm.Note)
	assert.Equal(t, systemActor, confirm.Actor)

	assert.Equal(t, []string{eventOrderPaymentChanged, eventOrderStatusChanged}, f.publisher.types())
}

func TestOrderServicePaymentPaidLeavesConfirmedOrderAlone(t *testing.T) {
	f := newFixture(t)
	f.seedProduct(productSeed{ID: "p1", SupplierID: "sup-a", Price: "20", Stock: 5})
	order := f.placeOrder(line("p1", 1))
	f.advance(order.ID, domain.OrderStatusConfirmed, domain.OrderStatusProcessing)

	updated, err := f.orders.UpdatePaymentStatus(context.Background(), OrderPaymentStatusCommand{OrderID: order.ID, Status: domain.PaymentStatusPaid})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusProcessing, updated.Status)
	assert.Len(t, f.history(order.ID), 4)
}

func TestOrderServicePaymentStatusRejectsIllegalChange(t *testing.T) {
	f := newFixture(t)
	f.seedProduct(productSeed{ID: "p1", SupplierID: "sup-a", Price: "20", Stock: 5})
	order := f.placeOrder(line("p1", 1))

	_, err := f.orders.UpdatePaymentStatus(context.Background(), OrderPaymentStatusCommand{OrderID: order.ID, Status: domain.PaymentStatusRefunded})
	require.ErrorIs(t, err, ErrOrderInvalidState)

	_, err = f.orders.UpdatePaymentStatus(context.Background(), OrderPaymentStatusCommand{OrderID: order.ID, Status: "Gifted"})
	require.ErrorIs(t, err, ErrOrderInvalidInput)

	same, err := f.orders.UpdatePaymentStatus(context.Background(), OrderPaymentStatusCommand{OrderID: order.ID, Status: domain.PaymentStatusPending})
	require.NoError(t, err)
	assert.Equal(t, order.Version, same.Version)
}

func TestOrderServiceRefundBeforeShipmentRestocks(t *testing.T) {
	f := newFixture(t)
	f.seedProduct(productSeed{ID: "p1", SupplierID: "sup-a", Price: "20", Stock: 5})
	order := f.placeOrder(line("p1", 2))
	_, err := f.orders.UpdatePaymentStatus(context.Background(), OrderPaymentStatusCommand{OrderID: order.ID, Status: domain.PaymentStatusPaid})
	require.NoError(t, err)
	assert.Equal(t, 3, f.stock("p1"))

	refunded, err := f.orders.UpdatePaymentStatus(context.Background(), OrderPaymentStatusCommand{OrderID: order.ID, Status: domain.PaymentStatusRefunded})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusRefunded, refunded.Status)
	assert.Equal(t, domain.OrderItemStatusRefunded, refunded.Items[0].Status)
	assert.NotNil(t, refunded.Milestones.RefundedAt)
	assert.Equal(t, 5, f.stock("p1"))
}

func TestOrderServiceRefundAfterShippedStatusKeepsStockOut(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedProduct(productSeed{ID: "p1", SupplierID: "sup-a", Price: "20", Stock: 5})
	order := f.placeOrder(line("p1", 2))
	_, err := f.orders.UpdatePaymentStatus(ctx, OrderPaymentStatusCommand{OrderID: order.ID, Status: domain.PaymentStatusPaid})
	require.NoError(t, err)
	shipped := f.advance(order.ID, domain.OrderStatusProcessing, domain.OrderStatusShipped)
	require.Equal(t, domain.ShippingStatusNotShipped, shipped.ShippingStatus)

	refunded, err := f.orders.UpdatePaymentStatus(ctx, OrderPaymentStatusCommand{OrderID: order.ID, Status: domain.PaymentStatusRefunded})
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusRefunded, refunded.Status)
	assert.Equal(t, domain.OrderItemStatusRefunded, refunded.Items[0].Status)
	assert.Equal(t, 3, f.stock("p1"))
}

func TestOrderServiceShippingAxis(t *testing.T) {
	f := newFixture(t)
	f.seedProduct(productSeed{ID: "p1", SupplierID: "sup-a", Price: "20", Stock: 5})
	order := f.placeOrder(line("p1", 1))

	shipped, err := f.orders.UpdateShippingStatus(context.Background(), OrderShippingStatusCommand{
		OrderID: order.ID,
		Status:  domain.ShippingStatusShipped,
		Note:    "tracking 1Z999",
		ActorID: "sup-a",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ShippingStatusShipped, shipped.ShippingStatus)
	assert.Equal(t, domain.OrderStatusPending, shipped.Status)
	assert.NotNil(t, shipped.Milestones.ShippedAt)

	history := f.history(order.ID)
	assert.Equal(t, "Shipping NotShipped → Shipped. tracking 1Z999", history[len(history)-1].Note)

	_, err = f.orders.UpdateShippingStatus(context.Background(), OrderShippingStatusCommand{OrderID: order.ID, Status: domain.ShippingStatusNotShipped})
	require.ErrorIs(t, err, ErrOrderInvalidState)
}

func TestOrderServiceServiceOrdersAreNotShipped(t *testing.T) {
	f := newFixture(t)
	f.seedProduct(productSeed{ID: "svc", SupplierID: "sup-a", Price: "80"})
	cmd := checkoutCommand(line("svc", 1))
	cmd.Type = domain.OrderTypeService
	order, err := f.checkout.Checkout(context.Background(), cmd)
	require.NoError(t, err)

	_, err = f.orders.UpdateShippingStatus(context.Background(), OrderShippingStatusCommand{OrderID: order.ID, Status: domain.ShippingStatusShipped})
	require.ErrorIs(t, err, ErrOrderInvalidState)
}

func TestOrderServiceListOrders(t *testing.T) {
	f := newFixture(t)
	f.seedProduct(productSeed{ID: "p1", SupplierID: "sup-a", Price: "20", Stock: 10})
	first := f.placeOrder(line("p1", 1))
	second := f.placeOrder(line("p1", 1))
	f.advance(second.ID, domain.OrderStatusConfirmed)

	page, err := f.orders.ListOrders(context.Background(), OrderListFilter{Status: []domain.OrderStatus{domain.OrderStatusPending}})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, first.ID, page.Items[0].ID)

	_, err = f.orders.ListOrders(context.Background(), OrderListFilter{Status: []domain.OrderStatus{"Lost"}})
	require.ErrorIs(t, err, ErrOrderInvalidInput)
}
