package services

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/bazaarline/api/internal/domain"
	"github.com/bazaarline/api/internal/repositories/memory"
)

var errSerializationFailure = errors.New("could not serialize access due to concurrent update")

// retryingUnitOfWork aborts the first attempts after fn succeeded and runs fn again on the same
// context, the way the postgres unit of work retries deadlocks.
type retryingUnitOfWork struct {
	store    *memory.Store
	failures atomic.Int32
	attempts atomic.Int32
}

func (u *retryingUnitOfWork) RunInTx(ctx context.Context, fn func(context.Context) error) error {
	for {
		u.attempts.Add(1)
		err := u.store.RunInTx(ctx, func(txCtx context.Context) error {
			if err := fn(txCtx); err != nil {
				return err
			}
			if u.failures.Add(-1) >= 0 {
				return errSerializationFailure
			}
			return nil
		})
		if !errors.Is(err, errSerializationFailure) {
			return err
		}
	}
}

func TestCheckoutServiceRetriedTransactionPublishesCommittedAttemptOnly(t *testing.T) {
	f := newFixture(t)
	f.seedProduct(productSeed{ID: "p1", SupplierID: "sup-a", Price: "25", Stock: 6})
	uow := &retryingUnitOfWork{store: f.store}
	uow.failures.Store(1)
	checkout := f.checkoutService(uow)

	order, err := checkout.Checkout(context.Background(), checkoutCommand(line("p1", 2)))
	require.NoError(t, err)
	assert.EqualValues(t, 2, uow.attempts.Load())
	assert.Equal(t, 4, f.stock("p1"))

	require.Equal(t, []string{eventOrderCreated}, f.publisher.types())
	assert.Equal(t, order.ID, f.publisher.events[0].OrderID)

	orders, err := f.orders.ListOrders(context.Background(), OrderListFilter{})
	require.NoError(t, err)
	require.Len(t, orders.Items, 1)
	assert.Equal(t, order.ID, orders.Items[0].ID)
}

func TestCheckoutServiceRetriedCancelKeepsNestedEventsOnce(t *testing.T) {
	f := newFixture(t)
	f.seedProduct(productSeed{ID: "p1", SupplierID: "sup-a", Price: "25", Stock: 6})
	order := f.placeOrder(line("p1", 2))
	f.publisher.reset()

	uow := &retryingUnitOfWork{store: f.store}
	uow.failures.Store(2)
	cancelled, err := f.checkoutService(uow).Cancel(context.Background(), CancelOrderCommand{OrderID: order.ID, ActorID: "admin-1"})
	require.NoError(t, err)
	assert.EqualValues(t, 3, uow.attempts.Load())
	assert.Equal(t, domain.OrderStatusCancelled, cancelled.Status)
	assert.Equal(t, 6, f.stock("p1"))
	assert.Equal(t, []string{eventOrderStatusChanged, eventOrderCancelled}, f.publisher.types())
}

func TestCheckoutServiceAbortedTransactionPublishesNothing(t *testing.T) {
	f := newFixture(t)
	f.seedProduct(productSeed{ID: "p1", SupplierID: "sup-a", Price: "25", Stock: 1})
	uow := &retryingUnitOfWork{store: f.store}

	_, err := f.checkoutService(uow).Checkout(context.Background(), checkoutCommand(line("p1", 2)))
	require.ErrorIs(t, err, ErrInventoryInsufficientStock)
	assert.Empty(t, f.publisher.types())
	assert.Equal(t, 1, f.stock("p1"))
}
