//go:build integration

package postgres_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	domain "github.com/bazaarline/api/internal/domain"
	"github.com/bazaarline/api/internal/platform/config"
	pgplatform "github.com/bazaarline/api/internal/platform/postgres"
	"github.com/bazaarline/api/internal/repositories"
	pgrepo "github.com/bazaarline/api/internal/repositories/postgres"
)

type registrySuite struct {
	suite.Suite

	container testcontainers.Container
	registry  *pgrepo.Registry
}

func TestRegistrySuite(t *testing.T) {
	suite.Run(t, new(registrySuite))
}

func (s *registrySuite) SetupSuite() {
	ctx := s.T().Context()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("bazaar"),
		tcpostgres.WithUsername("bazaar"),
		tcpostgres.WithPassword("bazaar"),
		tcpostgres.BasicWaitStrategies(),
	)
	s.Require().NoError(err)
	s.container = container

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	s.Require().NoError(err)

	provider := pgplatform.NewProvider(config.DatabaseConfig{DSN: dsn, MaxConns: 4})
	pool, err := provider.Pool(ctx)
	s.Require().NoError(err)
	_, err = pgplatform.Migrate(ctx, pool)
	s.Require().NoError(err)

	s.registry, err = pgrepo.NewRegistry(ctx, provider)
	s.Require().NoError(err)
}

func (s *registrySuite) TearDownSuite() {
	if s.registry != nil {
		s.NoError(s.registry.Close(context.Background()))
	}
	if s.container != nil {
		s.NoError(testcontainers.TerminateContainer(s.container))
	}
}

func (s *registrySuite) seedProduct(backorder bool) domain.Product {
	t := s.T()
	product, err := s.registry.Products().Upsert(t.Context(), domain.Product{
		ID:             gofakeit.UUID(),
		SupplierID:     gofakeit.UUID(),
		Name:           gofakeit.ProductName(),
		SKU:            gofakeit.LetterN(8),
		Price:          decimal.RequireFromString("19.99"),
		CommissionRate: decimal.NewFromInt(15),
		Published:      true,
		AllowBackorder: backorder,
		UpdatedAt:      time.Now().UTC(),
	})
	require.NoError(t, err)
	return product
}

func (s *registrySuite) fakeOrder(product domain.Product) domain.Order {
	now := time.Now().UTC().Truncate(time.Microsecond)
	id := gofakeit.UUID()
	totals := domain.OrderTotals{
		SubTotal:      decimal.RequireFromString("39.98"),
		TaxTotal:      decimal.RequireFromString("3.20"),
		ShippingTotal: decimal.RequireFromString("5.00"),
		DiscountTotal: decimal.Zero,
	}
	totals.OrderTotal = domain.ComputeOrderTotal(totals)
	return domain.Order{
		ID:              id,
		OrderNumber:     "ORD-2025-" + gofakeit.DigitN(6),
		Type:            domain.OrderTypeProduct,
		CustomerID:      gofakeit.UUID(),
		Contact:         domain.ContactSnapshot{Name: gofakeit.Name(), Email: gofakeit.Email()},
		BillingAddress:  domain.AddressSnapshot{Line1: gofakeit.Street(), City: gofakeit.City(), PostalCode: gofakeit.Zip(), Country: "US"},
		ShippingAddress: domain.AddressSnapshot{Line1: gofakeit.Street(), City: gofakeit.City(), PostalCode: gofakeit.Zip(), Country: "US"},
		Currency:        "USD",
		Totals:          totals,
		Status:          domain.OrderStatusPending,
		PaymentStatus:   domain.PaymentStatusPending,
		ShippingStatus:  domain.ShippingStatusNotShipped,
		Items: []domain.OrderItem{{
			ID:             gofakeit.UUID(),
			OrderID:        id,
			ProductID:      product.ID,
			SupplierID:     product.SupplierID,
			Name:           product.Name,
			SKU:            product.SKU,
			Weight:         decimal.Zero,
			Quantity:       2,
			UnitPrice:      product.Price,
			TaxAmount:      decimal.RequireFromString("3.20"),
			DiscountAmount: decimal.Zero,
			TotalPrice:     decimal.RequireFromString("39.98"),
			CommissionRate: product.CommissionRate,
			Status:         domain.OrderItemStatusActive,
			CreatedAt:      now,
			UpdatedAt:      now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

var decimalComparer = cmp.Comparer(func(a, b decimal.Decimal) bool { return a.Equal(b) })

func (s *registrySuite) TestOrderRoundTrip() {
	t := s.T()
	ctx := t.Context()
	order := s.fakeOrder(s.seedProduct(false))

	require.NoError(t, s.registry.Orders().Insert(ctx, order))

	stored, err := s.registry.Orders().FindByID(ctx, order.ID)
	require.NoError(t, err)
	order.Version = 1
	if diff := cmp.Diff(order, stored, decimalComparer, cmpopts.EquateApproxTime(time.Millisecond)); diff != "" {
		t.Fatalf("order mismatch (-want +got):\n%s", diff)
	}

	byNumber, err := s.registry.Orders().FindByNumber(ctx, order.OrderNumber)
	require.NoError(t, err)
	require.Equal(t, order.ID, byNumber.ID)
}

func (s *registrySuite) TestOrderUpdateDetectsStaleVersion() {
	t := s.T()
	ctx := t.Context()
	order := s.fakeOrder(s.seedProduct(false))
	require.NoError(t, s.registry.Orders().Insert(ctx, order))
	order.Version = 1

	order.Status = domain.OrderStatusConfirmed
	updated, err := s.registry.Orders().Update(ctx, order)
	require.NoError(t, err)
	require.EqualValues(t, 2, updated.Version)

	_, err = s.registry.Orders().Update(ctx, order)
	var repoErr repositories.RepositoryError
	require.ErrorAs(t, err, &repoErr)
	require.True(t, repoErr.IsConflict())

	_, err = s.registry.Orders().Update(ctx, domain.Order{ID: "missing", Version: 1})
	require.ErrorAs(t, err, &repoErr)
	require.True(t, repoErr.IsNotFound())
}

func (s *registrySuite) TestStockConstraintAndRollback() {
	t := s.T()
	ctx := t.Context()
	product := s.seedProduct(false)

	boom := errors.New("boom")
	err := s.registry.RunInTx(ctx, func(ctx context.Context) error {
		locked, err := s.registry.Products().FindForUpdate(ctx, product.ID)
		if err != nil {
			return err
		}
		if _, err := s.registry.Products().UpdateStock(ctx, product.ID, 10, locked.Version); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	reloaded, err := s.registry.Products().FindByID(ctx, product.ID)
	require.NoError(t, err)
	require.Zero(t, reloaded.Stock)

	_, err = s.registry.Products().UpdateStock(ctx, product.ID, -1, reloaded.Version)
	code, ok := repositories.InventoryErrorCodeOf(err)
	require.True(t, ok)
	require.Equal(t, repositories.InventoryErrorInsufficientStock, code)
}

func (s *registrySuite) TestSettlementsAndPayments() {
	t := s.T()
	ctx := t.Context()
	order := s.fakeOrder(s.seedProduct(false))
	require.NoError(t, s.registry.Orders().Insert(ctx, order))

	now := time.Now().UTC()
	settlement := domain.SupplierSettlement{
		ID:               gofakeit.UUID(),
		OrderID:          order.ID,
		SupplierID:       order.Items[0].SupplierID,
		Kind:             domain.SettlementKindRegular,
		Currency:         "USD",
		GrossAmount:      decimal.RequireFromString("39.98"),
		CommissionRate:   decimal.NewFromInt(15),
		CommissionAmount: decimal.RequireFromString("6.00"),
		NetAmount:        decimal.RequireFromString("33.98"),
		Status:           domain.SettlementStatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, s.registry.Settlements().Insert(ctx, settlement))

	duplicate := settlement
	duplicate.ID = gofakeit.UUID()
	err := s.registry.Settlements().Insert(ctx, duplicate)
	var repoErr repositories.RepositoryError
	require.ErrorAs(t, err, &repoErr)
	require.True(t, repoErr.IsConflict())

	payment := domain.Payment{
		ID:                   gofakeit.UUID(),
		OrderID:              order.ID,
		Type:                 domain.PaymentTypeSale,
		Amount:               order.Totals.OrderTotal,
		FeeAmount:            decimal.Zero,
		NetAmount:            order.Totals.OrderTotal,
		Currency:             "USD",
		Status:               domain.PaymentStatusPaid,
		Gateway:              "stripe",
		GatewayTransactionID: "pi_" + gofakeit.LetterN(12),
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	require.NoError(t, s.registry.Payments().Insert(ctx, payment))
	found, err := s.registry.Payments().FindByGatewayTransaction(ctx, "stripe", payment.GatewayTransactionID)
	require.NoError(t, err)
	require.Equal(t, payment.ID, found.ID)

	settlement.Version = 1
	settlement.Status = domain.SettlementStatusPaid
	settlement.PaymentID = &payment.ID
	settlement.SettlementDate = &now
	updated, err := s.registry.Settlements().Update(ctx, settlement)
	require.NoError(t, err)
	require.EqualValues(t, 2, updated.Version)

	page, err := s.registry.Settlements().List(ctx, repositories.SettlementListFilter{
		OrderID: order.ID,
		Status:  []domain.SettlementStatus{domain.SettlementStatusPaid},
	})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.Equal(t, payment.ID, *page.Items[0].PaymentID)
}

func (s *registrySuite) TestCounterIsMonotonic() {
	t := s.T()
	ctx := t.Context()
	id := "orders:" + gofakeit.LetterN(6)

	first, err := s.registry.Counters().Next(ctx, id, 1)
	require.NoError(t, err)
	second, err := s.registry.Counters().Next(ctx, id, 1)
	require.NoError(t, err)
	require.EqualValues(t, 1, first)
	require.EqualValues(t, 2, second)
}
