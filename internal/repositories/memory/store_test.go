package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/bazaarline/api/internal/domain"
	"github.com/bazaarline/api/internal/repositories"
)

func seedProduct(t *testing.T, store *Store, id string, backorder bool) domain.Product {
	t.Helper()
	product, err := store.Products().Upsert(context.Background(), domain.Product{
		ID:             id,
		SupplierID:     "sup-" + id,
		Name:           "Product " + id,
		Price:          decimal.NewFromInt(10),
		CommissionRate: decimal.NewFromInt(15),
		Published:      true,
		Stock:          99,
		AllowBackorder: backorder,
	})
	require.NoError(t, err)
	return product
}

func seedOrder(t *testing.T, store *Store, id, number string, created time.Time) domain.Order {
	t.Helper()
	order := domain.Order{
		ID:          id,
		OrderNumber: number,
		CustomerID:  "cust-1",
		Status:      domain.OrderStatusPending,
		CreatedAt:   created,
		Items: []domain.OrderItem{
			{ID: id + "-1", OrderID: id, ProductID: "p1", SupplierID: "sup-p1", Quantity: 1, Status: domain.OrderItemStatusActive},
		},
	}
	require.NoError(t, store.Orders().Insert(context.Background(), order))
	order.Version = 1
	return order
}

func isConflict(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

func isNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func TestUpsertNeverWritesStock(t *testing.T) {
	store := New()
	product := seedProduct(t, store, "p1", false)
	assert.Zero(t, product.Stock)
	assert.EqualValues(t, 1, product.Version)

	_, err := store.Products().UpdateStock(context.Background(), "p1", 5, product.Version)
	require.NoError(t, err)

	product.Stock = 1000
	product.Name = "Renamed"
	updated, err := store.Products().Upsert(context.Background(), product)
	require.NoError(t, err)
	assert.Equal(t, 5, updated.Stock)
	assert.Equal(t, "Renamed", updated.Name)
	assert.EqualValues(t, 3, updated.Version)
}

func TestUpdateStockRules(t *testing.T) {
	ctx := context.Background()
	store := New()
	product := seedProduct(t, store, "p1", false)

	_, err := store.Products().UpdateStock(ctx, "p1", -1, product.Version)
	code, ok := repositories.InventoryErrorCodeOf(err)
	require.True(t, ok)
	assert.Equal(t, repositories.InventoryErrorInsufficientStock, code)

	_, err = store.Products().UpdateStock(ctx, "p1", 3, product.Version+7)
	assert.True(t, isConflict(err))

	_, err = store.Products().UpdateStock(ctx, "missing", 3, 1)
	code, _ = repositories.InventoryErrorCodeOf(err)
	assert.Equal(t, repositories.InventoryErrorProductNotFound, code)

	backorder := seedProduct(t, store, "p2", true)
	version, err := store.Products().UpdateStock(ctx, "p2", -4, backorder.Version)
	require.NoError(t, err)
	assert.EqualValues(t, 2, version)
}

func TestRunInTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	store := New()
	product := seedProduct(t, store, "p1", false)
	boom := errors.New("boom")

	err := store.RunInTx(ctx, func(ctx context.Context) error {
		if _, err := store.Products().UpdateStock(ctx, "p1", 8, product.Version); err != nil {
			return err
		}
		if err := store.InventoryHistory().Append(ctx, domain.InventoryMovement{ID: "m1", ProductID: "p1", QuantityChange: 8, StockAfterChange: 8, Type: domain.MovementTypePurchase}); err != nil {
			return err
		}
		inside, err := store.Products().FindByID(ctx, "p1")
		require.NoError(t, err)
		assert.Equal(t, 8, inside.Stock)
		return boom
	})
	require.ErrorIs(t, err, boom)

	after, err := store.Products().FindByID(ctx, "p1")
	require.NoError(t, err)
	assert.Zero(t, after.Stock)
	movements, err := store.InventoryHistory().ListByProduct(ctx, "p1")
	require.NoError(t, err)
	assert.Empty(t, movements)
}

func TestRunInTxNestedJoinsOuter(t *testing.T) {
	ctx := context.Background()
	store := New()
	err := store.RunInTx(ctx, func(ctx context.Context) error {
		return store.RunInTx(ctx, func(ctx context.Context) error {
			_, err := store.Counters().Next(ctx, "orders:2025", 1)
			return err
		})
	})
	require.NoError(t, err)

	next, err := store.Counters().Next(ctx, "orders:2025", 1)
	require.NoError(t, err)
	assert.EqualValues(t, 2, next)
}

func TestOrderInsertAndVersionedUpdate(t *testing.T) {
	ctx := context.Background()
	store := New()
	seedProduct(t, store, "p1", false)
	order := seedOrder(t, store, "o1", "ORD-2025-000001", time.Now())

	err := store.Orders().Insert(ctx, domain.Order{ID: "o2", OrderNumber: "ORD-2025-000001"})
	assert.True(t, isConflict(err), "duplicate order number")

	order.Status = domain.OrderStatusConfirmed
	updated, err := store.Orders().Update(ctx, order)
	require.NoError(t, err)
	assert.EqualValues(t, 2, updated.Version)

	_, err = store.Orders().Update(ctx, order)
	assert.True(t, isConflict(err), "stale version")

	byNumber, err := store.Orders().FindByNumber(ctx, "ORD-2025-000001")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusConfirmed, byNumber.Status)

	_, err = store.Orders().FindByID(ctx, "nope")
	assert.True(t, isNotFound(err))
}

func TestOrderReadsAreIsolatedCopies(t *testing.T) {
	ctx := context.Background()
	store := New()
	seedProduct(t, store, "p1", false)
	seedOrder(t, store, "o1", "ORD-2025-000001", time.Now())

	order, err := store.Orders().FindByID(ctx, "o1")
	require.NoError(t, err)
	order.Items[0].Status = domain.OrderItemStatusCancelled

	again, err := store.Orders().FindByID(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderItemStatusActive, again.Items[0].Status)
}

func TestOrderListPaginates(t *testing.T) {
	ctx := context.Background()
	store := New()
	seedProduct(t, store, "p1", false)
	base := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"o1", "o2", "o3"} {
		seedOrder(t, store, id, "ORD-2025-00000"+id[1:], base.Add(time.Duration(i)*time.Minute))
	}

	first, err := store.Orders().List(ctx, repositories.OrderListFilter{Pagination: domain.Pagination{PageSize: 2}})
	require.NoError(t, err)
	require.Len(t, first.Items, 2)
	assert.Equal(t, "o1", first.Items[0].ID)
	require.NotEmpty(t, first.NextPageToken)

	second, err := store.Orders().List(ctx, repositories.OrderListFilter{Pagination: domain.Pagination{PageSize: 2, PageToken: first.NextPageToken}})
	require.NoError(t, err)
	require.Len(t, second.Items, 1)
	assert.Equal(t, "o3", second.Items[0].ID)
	assert.Empty(t, second.NextPageToken)

	bySupplier, err := store.Orders().List(ctx, repositories.OrderListFilter{SupplierID: "sup-other"})
	require.NoError(t, err)
	assert.Empty(t, bySupplier.Items)
}

func TestSettlementUniquenessAndVersion(t *testing.T) {
	ctx := context.Background()
	store := New()
	seedProduct(t, store, "p1", false)
	seedOrder(t, store, "o1", "ORD-2025-000001", time.Now())

	regular := domain.SupplierSettlement{ID: "s1", OrderID: "o1", SupplierID: "sup-p1", Kind: domain.SettlementKindRegular, Status: domain.SettlementStatusPending}
	require.NoError(t, store.Settlements().Insert(ctx, regular))

	dup := regular
	dup.ID = "s2"
	assert.True(t, isConflict(store.Settlements().Insert(ctx, dup)))

	adjustment := dup
	adjustment.Kind = domain.SettlementKindAdjustment
	require.NoError(t, store.Settlements().Insert(ctx, adjustment))

	stored, err := store.Settlements().FindByID(ctx, "s1")
	require.NoError(t, err)
	stored.Status = domain.SettlementStatusPaid
	bumped, err := store.Settlements().Update(ctx, stored)
	require.NoError(t, err)
	assert.EqualValues(t, 2, bumped.Version)

	_, err = store.Settlements().Update(ctx, stored)
	assert.True(t, isConflict(err))

	listed, err := store.Settlements().ListByOrder(ctx, "o1")
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, "s1", listed[0].ID)

	paid, err := store.Settlements().List(ctx, repositories.SettlementListFilter{Status: []domain.SettlementStatus{domain.SettlementStatusPaid}})
	require.NoError(t, err)
	require.Len(t, paid.Items, 1)
}

func TestPaymentGatewayTransactionIsUnique(t *testing.T) {
	ctx := context.Background()
	store := New()
	seedProduct(t, store, "p1", false)
	seedOrder(t, store, "o1", "ORD-2025-000001", time.Now())

	payment := domain.Payment{ID: "pay1", OrderID: "o1", Type: domain.PaymentTypeSale, Gateway: "stripe", GatewayTransactionID: "pi_1"}
	require.NoError(t, store.Payments().Insert(ctx, payment))

	payment.ID = "pay2"
	assert.True(t, isConflict(store.Payments().Insert(ctx, payment)))

	found, err := store.Payments().FindByGatewayTransaction(ctx, "stripe", "pi_1")
	require.NoError(t, err)
	assert.Equal(t, "pay1", found.ID)

	_, err = store.Payments().FindByGatewayTransaction(ctx, "stripe", "pi_2")
	assert.True(t, isNotFound(err))
}

func TestCounterRejectsInvalidInput(t *testing.T) {
	_, err := New().Counters().Next(context.Background(), "", 1)
	var counterErr *repositories.CounterError
	require.ErrorAs(t, err, &counterErr)
	assert.Equal(t, repositories.CounterErrorInvalidInput, counterErr.Code)
}
