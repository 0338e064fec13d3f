package repositories

import (
	"context"
	"time"

	domain "github.com/bazaarline/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	StatusHistory() StatusHistoryRepository
	Products() ProductRepository
	InventoryHistory() InventoryHistoryRepository
	Payments() PaymentRepository
	Settlements() SettlementRepository
	Counters() CounterRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary.
// Repositories called with the context handed to fn participate in the same transaction.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderRepository persists orders together with their line items.
type OrderRepository interface {
	// Insert stores a new order and its items. Duplicate ids or order numbers are conflicts.
	Insert(ctx context.Context, order domain.Order) error
	// Update writes the order and its items when order.Version matches the stored version,
	// then bumps the stored version. A stale version is a conflict.
	Update(ctx context.Context, order domain.Order) (domain.Order, error)
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	// FindForUpdate reads the order and locks it for the rest of the transaction when supported.
	FindForUpdate(ctx context.Context, orderID string) (domain.Order, error)
	FindByNumber(ctx context.Context, orderNumber string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
}

// OrderListFilter narrows order listings.
type OrderListFilter struct {
	CustomerID string
	SupplierID string
	Status     []domain.OrderStatus
	CreatedAt  RangeQuery[time.Time]
	Pagination domain.Pagination
}

// RangeQuery represents inclusive range filters.
type RangeQuery[T any] struct {
	From *T
	To   *T
}

// StatusHistoryRepository appends and reads the immutable status log.
type StatusHistoryRepository interface {
	Append(ctx context.Context, entry domain.OrderStatusHistory) error
	ListByOrder(ctx context.Context, orderID string) ([]domain.OrderStatusHistory, error)
}

// ProductRepository exposes the catalog snapshot and the cached stock projection.
type ProductRepository interface {
	FindByID(ctx context.Context, productID string) (domain.Product, error)
	// FindForUpdate reads the product and locks its row for the rest of the transaction when supported.
	FindForUpdate(ctx context.Context, productID string) (domain.Product, error)
	// UpdateStock writes the new stock when expectedVersion matches and returns the new version.
	UpdateStock(ctx context.Context, productID string, stock int, expectedVersion int64) (int64, error)
	Upsert(ctx context.Context, product domain.Product) (domain.Product, error)
}

// InventoryHistoryRepository stores the append-only stock ledger.
type InventoryHistoryRepository interface {
	Append(ctx context.Context, movement domain.InventoryMovement) error
	// ListByProduct returns movements in creation order.
	ListByProduct(ctx context.Context, productID string) ([]domain.InventoryMovement, error)
}

// PaymentRepository persists monetary transactions against orders.
type PaymentRepository interface {
	Insert(ctx context.Context, payment domain.Payment) error
	Update(ctx context.Context, payment domain.Payment) error
	FindByID(ctx context.Context, paymentID string) (domain.Payment, error)
	FindByGatewayTransaction(ctx context.Context, gateway, transactionID string) (domain.Payment, error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.Payment, error)
}

// SettlementRepository persists supplier settlements and their adjustments.
type SettlementRepository interface {
	// Insert stores a settlement. A second regular settlement for the same (order, supplier) is a conflict.
	Insert(ctx context.Context, settlement domain.SupplierSettlement) error
	// Update writes the settlement when settlement.Version matches and returns the bumped record.
	Update(ctx context.Context, settlement domain.SupplierSettlement) (domain.SupplierSettlement, error)
	FindByID(ctx context.Context, settlementID string) (domain.SupplierSettlement, error)
	// ListByOrder returns the order's settlements in creation order.
	ListByOrder(ctx context.Context, orderID string) ([]domain.SupplierSettlement, error)
	List(ctx context.Context, filter SettlementListFilter) (domain.CursorPage[domain.SupplierSettlement], error)
}

// SettlementListFilter narrows settlement listings.
type SettlementListFilter struct {
	SupplierID string
	OrderID    string
	Status     []domain.SettlementStatus
	Pagination domain.Pagination
}

// CounterRepository provides monotonic sequences.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
}

// HealthRepository gathers dependency probes for readiness checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
