package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// CursorPage represents a paginated result set with an optional next page token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// OrderType distinguishes physical product orders from service bookings.
type OrderType string

const (
	// OrderTypeProduct orders ship goods and move stock.
	OrderTypeProduct OrderType = "product"
	// OrderTypeService orders book services and never touch stock.
	OrderTypeService OrderType = "service"
)

// Valid reports whether the order type is a known value.
func (t OrderType) Valid() bool {
	return t == OrderTypeProduct || t == OrderTypeService
}

// OrderItemStatus tracks the state of an individual order line.
type OrderItemStatus string

const (
	// OrderItemStatusActive marks a line that still counts towards totals and settlements.
	OrderItemStatusActive OrderItemStatus = "Active"
	// OrderItemStatusCancelled marks a line whose stock has been returned.
	OrderItemStatusCancelled OrderItemStatus = "Cancelled"
	// OrderItemStatusRefunded marks a line refunded after fulfilment.
	OrderItemStatusRefunded OrderItemStatus = "Refunded"
)

// PaymentType describes the direction of a monetary transaction.
type PaymentType string

const (
	PaymentTypeSale       PaymentType = "sale"
	PaymentTypeRefund     PaymentType = "refund"
	PaymentTypeCommission PaymentType = "commission"
)

// Valid reports whether the payment type is a known value.
func (t PaymentType) Valid() bool {
	switch t {
	case PaymentTypeSale, PaymentTypeRefund, PaymentTypeCommission:
		return true
	}
	return false
}

// SettlementStatus enumerates settlement payout states.
type SettlementStatus string

const (
	SettlementStatusPending SettlementStatus = "pending"
	SettlementStatusPaid    SettlementStatus = "paid"
	SettlementStatusFailed  SettlementStatus = "failed"
)

// Valid reports whether the settlement status is a known value.
func (s SettlementStatus) Valid() bool {
	switch s {
	case SettlementStatusPending, SettlementStatusPaid, SettlementStatusFailed:
		return true
	}
	return false
}

// SettlementKind separates the primary settlement of a supplier from compensating records.
type SettlementKind string

const (
	// SettlementKindRegular is the one settlement per (order, supplier) pair.
	SettlementKindRegular SettlementKind = "regular"
	// SettlementKindAdjustment is an append-only correction of a locked regular settlement.
	SettlementKindAdjustment SettlementKind = "adjustment"
)

// ContactSnapshot freezes the customer contact details at checkout.
type ContactSnapshot struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone,omitempty"`
}

// AddressSnapshot freezes a billing or shipping address at checkout.
type AddressSnapshot struct {
	FirstName  string `json:"firstName"`
	LastName   string `json:"lastName"`
	Company    string `json:"company,omitempty"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

// OrderTotals stores the monetary breakdown of an order.
type OrderTotals struct {
	SubTotal      decimal.Decimal
	TaxTotal      decimal.Decimal
	ShippingTotal decimal.Decimal
	DiscountTotal decimal.Decimal
	OrderTotal    decimal.Decimal
}

// OrderMilestones records the first time each lifecycle milestone was reached.
type OrderMilestones struct {
	ConfirmedAt *time.Time
	PaidAt      *time.Time
	ShippedAt   *time.Time
	DeliveredAt *time.Time
	CancelledAt *time.Time
	RefundedAt  *time.Time
}

// Order is a single purchase transaction spanning one or more suppliers.
type Order struct {
	ID              string
	OrderNumber     string
	Type            OrderType
	CustomerID      string
	Contact         ContactSnapshot
	BillingAddress  AddressSnapshot
	ShippingAddress AddressSnapshot
	Currency        string
	Totals          OrderTotals
	Status          OrderStatus
	PaymentStatus   PaymentStatus
	ShippingStatus  ShippingStatus
	Milestones      OrderMilestones
	Items           []OrderItem
	Notes           string
	CancelReason    string
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ActiveItems returns the lines still counting towards totals and settlements.
func (o Order) ActiveItems() []OrderItem {
	items := make([]OrderItem, 0, len(o.Items))
	for _, item := range o.Items {
		if item.Status == OrderItemStatusActive {
			items = append(items, item)
		}
	}
	return items
}

// OrderItem snapshots the purchased product at order time.
type OrderItem struct {
	ID             string
	OrderID        string
	ProductID      string
	SupplierID     string
	Name           string
	ImageURL       string
	SKU            string
	Brand          string
	Weight         decimal.Decimal
	Dimensions     string
	Quantity       int
	UnitPrice      decimal.Decimal
	TaxAmount      decimal.Decimal
	DiscountAmount decimal.Decimal
	TotalPrice     decimal.Decimal
	CommissionRate decimal.Decimal
	Status         OrderItemStatus
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Payment is a monetary transaction against an order. SupplierID is nil for platform-scoped payments.
type Payment struct {
	ID                   string
	OrderID              string
	SupplierID           *string
	Type                 PaymentType
	Amount               decimal.Decimal
	FeeAmount            decimal.Decimal
	NetAmount            decimal.Decimal
	Currency             string
	Status               PaymentStatus
	Gateway              string
	GatewayTransactionID string
	GatewayReference     string
	Notes                string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// SupplierSettlement records what a supplier is owed for its share of an order.
type SupplierSettlement struct {
	ID                     string
	OrderID                string
	SupplierID             string
	Kind                   SettlementKind
	AdjustsSettlementID    *string
	Currency               string
	GrossAmount            decimal.Decimal
	CommissionRate         decimal.Decimal
	CommissionAmount       decimal.Decimal
	NetAmount              decimal.Decimal
	Status                 SettlementStatus
	PaymentID              *string
	ReferenceTransactionID string
	SettlementDate         *time.Time
	Notes                  string
	Version                int64
	CreatedAt              time.Time
	UpdatedAt              time.Time
}

// Product carries the catalog snapshot fields used at checkout plus the cached stock projection.
type Product struct {
	ID             string
	SupplierID     string
	Name           string
	SKU            string
	Brand          string
	ImageURL       string
	Weight         decimal.Decimal
	Dimensions     string
	Price          decimal.Decimal
	CommissionRate decimal.Decimal
	Published      bool
	Stock          int
	AllowBackorder bool
	Version        int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Purchasable reports whether the product can be sold in the requested quantity.
func (p Product) Purchasable(quantity int) bool {
	if !p.Published || quantity <= 0 {
		return false
	}
	return p.AllowBackorder || p.Stock >= quantity
}

// InventoryMovement is an append-only stock ledger entry.
type InventoryMovement struct {
	ID               string
	ProductID        string
	QuantityChange   int
	StockAfterChange int
	Type             MovementType
	OrderID          *string
	UserID           *string
	Note             string
	CreatedAt        time.Time
}

// OrderStatusHistory is an append-only record of a status change.
type OrderStatusHistory struct {
	ID         string
	OrderID    string
	FromStatus OrderStatus
	ToStatus   OrderStatus
	Note       string
	Actor      string
	CreatedAt  time.Time
}

// HealthStatus represents the health of a dependency or the system.
type HealthStatus string

const (
	HealthStatusOK       HealthStatus = "ok"
	HealthStatusDegraded HealthStatus = "degraded"
	HealthStatusError    HealthStatus = "error"
)

// SystemHealthCheck captures the outcome of a single dependency probe.
type SystemHealthCheck struct {
	Status    HealthStatus
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency probes.
type SystemHealthReport struct {
	Status      HealthStatus
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}

// PaymentOutcomeKind is the result a payment gateway reported for an order.
type PaymentOutcomeKind string

const (
	PaymentOutcomeAuthorized      PaymentOutcomeKind = "authorized"
	PaymentOutcomeCaptured        PaymentOutcomeKind = "captured"
	PaymentOutcomeFailed          PaymentOutcomeKind = "failed"
	PaymentOutcomeRefunded        PaymentOutcomeKind = "refunded"
	PaymentOutcomePartialRefunded PaymentOutcomeKind = "partially_refunded"
)

// Valid reports whether the outcome kind is a known value.
func (k PaymentOutcomeKind) Valid() bool {
	switch k {
	case PaymentOutcomeAuthorized, PaymentOutcomeCaptured, PaymentOutcomeFailed,
		PaymentOutcomeRefunded, PaymentOutcomePartialRefunded:
		return true
	}
	return false
}

// PaymentStatus maps the outcome onto the payment status axis.
func (k PaymentOutcomeKind) PaymentStatus() PaymentStatus {
	switch k {
	case PaymentOutcomeAuthorized:
		return PaymentStatusAuthorized
	case PaymentOutcomeCaptured:
		return PaymentStatusPaid
	case PaymentOutcomeFailed:
		return PaymentStatusFailed
	case PaymentOutcomeRefunded:
		return PaymentStatusRefunded
	case PaymentOutcomePartialRefunded:
		return PaymentStatusPartiallyRefunded
	}
	return ""
}

// IsRefund reports whether the outcome moves money back to the customer.
func (k PaymentOutcomeKind) IsRefund() bool {
	return k == PaymentOutcomeRefunded || k == PaymentOutcomePartialRefunded
}

// PaymentOutcome is the gateway result the engine records. The gateway is never called from
// inside the engine; adapters translate webhook payloads into this shape.
type PaymentOutcome struct {
	OrderID string
	Kind    PaymentOutcomeKind
	Gateway string
	// TransactionID identifies the gateway object: the payment intent for sale outcomes and
	// the refund for refund outcomes.
	TransactionID string
	// Reference links a refund to the charge or intent it reverses.
	Reference  string
	Amount     decimal.Decimal
	FeeAmount  decimal.Decimal
	Currency   string
	Message    string
	OccurredAt time.Time
}
