package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	domain "github.com/bazaarline/api/internal/domain"
	"github.com/bazaarline/api/internal/repositories"
	"github.com/bazaarline/api/internal/repositories/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []OrderEvent
	err    error
}

func (p *recordingPublisher) PublishOrderEvent(_ context.Context, event OrderEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, event := range p.events {
		out[i] = event.Type
	}
	return out
}

func (p *recordingPublisher) reset() {
	p.mu.Lock()
	p.events = nil
	p.mu.Unlock()
}

type logEntry struct {
	event  string
	fields map[string]any
}

type recordingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *recordingLogger) log(_ context.Context, event string, fields map[string]any) {
	l.mu.Lock()
	l.entries = append(l.entries, logEntry{event: event, fields: fields})
	l.mu.Unlock()
}

func (l *recordingLogger) has(event string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, entry := range l.entries {
		if entry.event == event {
			return true
		}
	}
	return false
}

type fixture struct {
	t           *testing.T
	store       *memory.Store
	publisher   *recordingPublisher
	logger      *recordingLogger
	inventory   InventoryService
	orders      OrderService
	settlements SettlementService
	counters    CounterService
	checkout    CheckoutService
	clock       func() time.Time
	newID       func() string
}

var fixtureEpoch = time.Date(2025, time.March, 14, 9, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()

	var ticks, ids atomic.Int64
	clock := func() time.Time {
		return fixtureEpoch.Add(time.Duration(ticks.Add(1)) * time.Second)
	}
	newID := func() string {
		return fmt.Sprintf("%06d", ids.Add(1))
	}

	f := &fixture{
		t:         t,
		store:     memory.New(),
		publisher: &recordingPublisher{},
		logger:    &recordingLogger{},
		clock:     clock,
		newID:     newID,
	}

	inventory, err := NewInventoryService(InventoryServiceDeps{
		Products:    f.store.Products(),
		History:     f.store.InventoryHistory(),
		UnitOfWork:  f.store,
		Clock:       clock,
		IDGenerator: newID,
		Logger:      f.logger.log,
	})
	require.NoError(t, err)

	orders, err := NewOrderService(OrderServiceDeps{
		Orders:      f.store.Orders(),
		History:     f.store.StatusHistory(),
		Inventory:   inventory,
		UnitOfWork:  f.store,
		Events:      f.publisher,
		Clock:       clock,
		IDGenerator: newID,
		Logger:      f.logger.log,
	})
	require.NoError(t, err)

	settlements, err := NewSettlementService(SettlementServiceDeps{
		Settlements: f.store.Settlements(),
		Payments:    f.store.Payments(),
		UnitOfWork:  f.store,
		Events:      f.publisher,
		Clock:       clock,
		IDGenerator: newID,
		Logger:      f.logger.log,
	})
	require.NoError(t, err)

	counters, err := NewCounterService(CounterServiceDeps{Repository: f.store.Counters(), Clock: clock})
	require.NoError(t, err)

	f.inventory = inventory
	f.orders = orders
	f.settlements = settlements
	f.counters = counters
	f.checkout = f.checkoutService(f.store)
	return f
}

// checkoutService builds a checkout service over the fixture collaborators with its own unit of
// work; nested services keep joining the store transaction.
func (f *fixture) checkoutService(uow repositories.UnitOfWork) CheckoutService {
	f.t.Helper()
	checkout, err := NewCheckoutService(CheckoutServiceDeps{
		Products:    f.store.Products(),
		Orders:      f.store.Orders(),
		History:     f.store.StatusHistory(),
		Payments:    f.store.Payments(),
		OrderFlow:   f.orders,
		Inventory:   f.inventory,
		Settlements: f.settlements,
		Counters:    f.counters,
		UnitOfWork:  uow,
		Events:      f.publisher,
		Clock:       f.clock,
		IDGenerator: f.newID,
		Logger:      f.logger.log,
	})
	require.NoError(f.t, err)
	return checkout
}

type productSeed struct {
	ID         string
	SupplierID string
	Price      string
	Commission string
	Stock      int
	Backorder  bool
	Draft      bool
}

// seedProduct writes the catalog record and brings stock up through a Purchase movement.
func (f *fixture) seedProduct(seed productSeed) domain.Product {
	f.t.Helper()
	ctx := context.Background()
	if seed.Commission == "" {
		seed.Commission = "15"
	}
	_, err := f.store.Products().Upsert(ctx, domain.Product{
		ID:             seed.ID,
		SupplierID:     seed.SupplierID,
		Name:           gofakeit.ProductName(),
		SKU:            "SKU-" + seed.ID,
		Brand:          gofakeit.Company(),
		ImageURL:       gofakeit.URL(),
		Weight:         decimal.RequireFromString("1.25"),
		Dimensions:     "10x10x5",
		Price:          decimal.RequireFromString(seed.Price),
		CommissionRate: decimal.RequireFromString(seed.Commission),
		Published:      !seed.Draft,
		AllowBackorder: seed.Backorder,
	})
	require.NoError(f.t, err)

	if seed.Stock > 0 {
		_, err = f.inventory.ApplyMovement(ctx, InventoryMovementCommand{
			ProductID: seed.ID,
			Delta:     seed.Stock,
			Type:      domain.MovementTypePurchase,
			Note:      "initial stock",
		})
		require.NoError(f.t, err)
	}
	product, err := f.store.Products().FindByID(ctx, seed.ID)
	require.NoError(f.t, err)
	return product
}

func (f *fixture) stock(productID string) int {
	f.t.Helper()
	product, err := f.store.Products().FindByID(context.Background(), productID)
	require.NoError(f.t, err)
	return product.Stock
}

func (f *fixture) order(orderID string) Order {
	f.t.Helper()
	order, err := f.orders.GetOrder(context.Background(), orderID)
	require.NoError(f.t, err)
	return order
}

func (f *fixture) history(orderID string) []OrderStatusHistory {
	f.t.Helper()
	entries, err := f.orders.ListStatusHistory(context.Background(), orderID)
	require.NoError(f.t, err)
	return entries
}

func (f *fixture) orderSettlements(orderID string) []SupplierSettlement {
	f.t.Helper()
	settlements, err := f.settlements.ListOrderSettlements(context.Background(), orderID)
	require.NoError(f.t, err)
	return settlements
}

func (f *fixture) payments(orderID string) []Payment {
	f.t.Helper()
	payments, err := f.store.Payments().ListByOrder(context.Background(), orderID)
	require.NoError(f.t, err)
	return payments
}

func (f *fixture) placeOrder(lines ...CheckoutLine) Order {
	f.t.Helper()
	order, err := f.checkout.Checkout(context.Background(), checkoutCommand(lines...))
	require.NoError(f.t, err)
	return order
}

func (f *fixture) capture(order Order) Order {
	f.t.Helper()
	updated, err := f.checkout.RecordPaymentOutcome(context.Background(), PaymentOutcome{
		OrderID:       order.ID,
		Kind:          domain.PaymentOutcomeCaptured,
		Gateway:       "stripe",
		TransactionID: "pi_" + order.ID,
		Amount:        order.Totals.OrderTotal,
		FeeAmount:     decimal.RequireFromString("0.50"),
		Currency:      order.Currency,
	})
	require.NoError(f.t, err)
	return updated
}

func (f *fixture) advance(orderID string, targets ...domain.OrderStatus) Order {
	f.t.Helper()
	var order Order
	for _, target := range targets {
		var err error
		order, err = f.orders.Transition(context.Background(), OrderTransitionCommand{
			OrderID: orderID,
			Target:  target,
			ActorID: "admin-1",
		})
		require.NoError(f.t, err)
	}
	return order
}

func line(productID string, quantity int) CheckoutLine {
	return CheckoutLine{ProductID: productID, Quantity: quantity}
}

func checkoutCommand(lines ...CheckoutLine) CheckoutCommand {
	address := domain.AddressSnapshot{
		FirstName:  gofakeit.FirstName(),
		LastName:   gofakeit.LastName(),
		Line1:      gofakeit.Street(),
		City:       gofakeit.City(),
		PostalCode: gofakeit.Zip(),
		Country:    "us",
	}
	return CheckoutCommand{
		CustomerID: "cust_" + gofakeit.UUID(),
		Currency:   "usd",
		Lines:      lines,
		Contact: domain.ContactSnapshot{
			Name:  gofakeit.Name(),
			Email: gofakeit.Email(),
			Phone: gofakeit.Phone(),
		},
		BillingAddress:  address,
		ShippingAddress: address,
		ActorID:         "cust-session",
	}
}

func money(value string) decimal.Decimal {
	return decimal.RequireFromString(value)
}

func sumGross(settlements []SupplierSettlement, supplierID string) decimal.Decimal {
	total := decimal.Zero
	for _, settlement := range settlements {
		if settlement.SupplierID == supplierID {
			total = total.Add(settlement.GrossAmount)
		}
	}
	return total
}

func regularFor(t *testing.T, settlements []SupplierSettlement, supplierID string) SupplierSettlement {
	t.Helper()
	for _, settlement := range settlements {
		if settlement.SupplierID == supplierID && settlement.Kind == domain.SettlementKindRegular {
			return settlement
		}
	}
	t.Fatalf("no regular settlement for supplier %s", supplierID)
	return SupplierSettlement{}
}

type stubCounterRepository struct {
	nextFn func(context.Context, string, int64) (int64, error)
	calls  []string
}

func (s *stubCounterRepository) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	s.calls = append(s.calls, counterID)
	if s.nextFn != nil {
		return s.nextFn(ctx, counterID, step)
	}
	return 1, nil
}

var _ repositories.CounterRepository = (*stubCounterRepository)(nil)

var errPublish = errors.New("publish failed")
