package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/bazaarline/api/internal/domain"
	"github.com/bazaarline/api/internal/repositories"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Order              = domain.Order
	OrderItem          = domain.OrderItem
	Payment            = domain.Payment
	SupplierSettlement = domain.SupplierSettlement
	InventoryMovement  = domain.InventoryMovement
	OrderStatusHistory = domain.OrderStatusHistory
	PaymentOutcome     = domain.PaymentOutcome
	OrderListFilter    = repositories.OrderListFilter
	SettlementFilter   = repositories.SettlementListFilter
)

// InventoryService applies stock movements and keeps the ledger in step with the cached stock.
type InventoryService interface {
	ApplyMovement(ctx context.Context, cmd InventoryMovementCommand) (InventoryMovement, error)
	ListMovements(ctx context.Context, productID string) ([]InventoryMovement, error)
	VerifyLedger(ctx context.Context, productID string) (InventoryLedgerReport, error)
}

// InventoryMovementCommand describes one signed stock change.
type InventoryMovementCommand struct {
	ProductID string
	Delta     int
	Type      domain.MovementType
	OrderID   *string
	UserID    *string
	Note      string
}

// InventoryLedgerReport compares the cached stock with a replay of the ledger.
type InventoryLedgerReport struct {
	ProductID   string
	Stock       int
	Replayed    int
	Movements   int
	Consistent  bool
	GeneratedAt time.Time
}

// OrderService owns the three status axes of an order and the status history.
type OrderService interface {
	Transition(ctx context.Context, cmd OrderTransitionCommand) (Order, error)
	UpdatePaymentStatus(ctx context.Context, cmd OrderPaymentStatusCommand) (Order, error)
	UpdateShippingStatus(ctx context.Context, cmd OrderShippingStatusCommand) (Order, error)
	GetOrder(ctx context.Context, orderID string) (Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error)
	ListStatusHistory(ctx context.Context, orderID string) ([]OrderStatusHistory, error)
}

// OrderTransitionCommand requests a change of the order status.
type OrderTransitionCommand struct {
	OrderID string
	Target  domain.OrderStatus
	Note    string
	// Reason is stored as the cancel reason when Target is Cancelled.
	Reason  string
	ActorID string
	// ExpectedVersion, when set, must match the stored order version.
	ExpectedVersion *int64
}

// OrderPaymentStatusCommand requests a change of the payment status axis.
type OrderPaymentStatusCommand struct {
	OrderID         string
	Status          domain.PaymentStatus
	Note            string
	ActorID         string
	ExpectedVersion *int64
}

// OrderShippingStatusCommand requests a change of the shipping status axis.
type OrderShippingStatusCommand struct {
	OrderID         string
	Status          domain.ShippingStatus
	Note            string
	ActorID         string
	ExpectedVersion *int64
}

// SettlementService computes and tracks what each supplier is owed per order.
type SettlementService interface {
	ComputeSettlements(ctx context.Context, order Order) ([]SupplierSettlement, error)
	ReconcileSettlements(ctx context.Context, cmd SettlementReconcileCommand) (SettlementReconciliation, error)
	MarkPaid(ctx context.Context, cmd SettlementMarkPaidCommand) (SupplierSettlement, error)
	MarkFailed(ctx context.Context, cmd SettlementMarkFailedCommand) (SupplierSettlement, error)
	ListOrderSettlements(ctx context.Context, orderID string) ([]SupplierSettlement, error)
	ListSettlements(ctx context.Context, filter SettlementFilter) (domain.CursorPage[SupplierSettlement], error)
}

// SettlementReconcileCommand aligns settlements with the order's active items, compensating
// locked records instead of rewriting them.
type SettlementReconcileCommand struct {
	Order   Order
	ActorID string
	Reason  string
	// RefundPaymentID links adjustments to a gateway refund that already returned the money,
	// suppressing the compensating refund payments.
	RefundPaymentID *string
}

// SettlementReconciliation reports the records touched by a reconciliation.
type SettlementReconciliation struct {
	Settlements []SupplierSettlement
	Adjustments []SupplierSettlement
	Refunds     []Payment
}

// SettlementMarkPaidCommand records the payout of a pending settlement.
type SettlementMarkPaidCommand struct {
	SettlementID           string
	ReferenceTransactionID string
	PaymentID              *string
	ActorID                string
}

// SettlementMarkFailedCommand records a failed payout of a pending settlement.
type SettlementMarkFailedCommand struct {
	SettlementID string
	Reason       string
	ActorID      string
}

// CheckoutService is the orchestrator: the only component calling inventory, state machine
// and settlements together inside one unit of work.
type CheckoutService interface {
	Checkout(ctx context.Context, cmd CheckoutCommand) (Order, error)
	Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error)
	CancelItem(ctx context.Context, cmd CancelOrderItemCommand) (Order, error)
	RecordPaymentOutcome(ctx context.Context, outcome PaymentOutcome) (Order, error)
}

// CheckoutCommand carries the cart snapshot and the customer details captured at checkout.
type CheckoutCommand struct {
	CustomerID      string
	Type            domain.OrderType
	Currency        string
	Lines           []CheckoutLine
	Contact         domain.ContactSnapshot
	BillingAddress  domain.AddressSnapshot
	ShippingAddress domain.AddressSnapshot
	ShippingTotal   decimal.Decimal
	DiscountTotal   decimal.Decimal
	Notes           string
	ActorID         string
}

// CheckoutLine is one cart line.
type CheckoutLine struct {
	ProductID      string
	Quantity       int
	TaxAmount      decimal.Decimal
	DiscountAmount decimal.Decimal
}

// CancelOrderCommand cancels a whole order.
type CancelOrderCommand struct {
	OrderID string
	Reason  string
	Notes   string
	ActorID string
	// ExpectedVersion, when set, must match the stored order version.
	ExpectedVersion *int64
}

// CancelOrderItemCommand cancels a single line of an order.
type CancelOrderItemCommand struct {
	OrderID         string
	ItemID          string
	Reason          string
	ActorID         string
	ExpectedVersion *int64
}

// CounterService allocates human readable sequence numbers.
type CounterService interface {
	NextOrderNumber(ctx context.Context) (string, error)
}
