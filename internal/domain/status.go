package domain

// OrderStatus enumerates the fulfilment lifecycle of an order.
type OrderStatus string

const (
	// OrderStatusPending is the initial state after checkout.
	OrderStatusPending OrderStatus = "Pending"
	// OrderStatusConfirmed indicates payment or manual review accepted the order.
	OrderStatusConfirmed OrderStatus = "Confirmed"
	// OrderStatusProcessing indicates suppliers are preparing the order.
	OrderStatusProcessing OrderStatus = "Processing"
	// OrderStatusShipped indicates the order left the supplier.
	OrderStatusShipped OrderStatus = "Shipped"
	// OrderStatusDelivered indicates the order reached the customer.
	OrderStatusDelivered OrderStatus = "Delivered"
	// OrderStatusCancelled indicates the order was cancelled and its stock returned.
	OrderStatusCancelled OrderStatus = "Cancelled"
	// OrderStatusRefunded indicates the order was refunded.
	OrderStatusRefunded OrderStatus = "Refunded"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:    {OrderStatusConfirmed, OrderStatusCancelled},
	OrderStatusConfirmed:  {OrderStatusProcessing, OrderStatusCancelled},
	OrderStatusProcessing: {OrderStatusShipped, OrderStatusCancelled},
	OrderStatusShipped:    {OrderStatusDelivered},
	OrderStatusDelivered:  nil,
	OrderStatusCancelled:  nil,
	OrderStatusRefunded:   nil,
}

// Valid reports whether the status is a known value.
func (s OrderStatus) Valid() bool {
	_, ok := orderTransitions[s]
	return ok
}

// AllowedNext returns the statuses reachable from s.
func (s OrderStatus) AllowedNext() []OrderStatus {
	next := orderTransitions[s]
	out := make([]OrderStatus, len(next))
	copy(out, next)
	return out
}

// CanTransitionTo reports whether target is in the allowed-next set of s.
func (s OrderStatus) CanTransitionTo(target OrderStatus) bool {
	return contains(orderTransitions[s], target)
}

// IsTerminal reports whether no further transitions are possible.
func (s OrderStatus) IsTerminal() bool {
	return s.Valid() && len(orderTransitions[s]) == 0
}

// CanBeCancelled reports whether an order in status s may still be cancelled.
func (s OrderStatus) CanBeCancelled() bool {
	switch s {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusProcessing:
		return true
	}
	return false
}

// HasShipped reports whether an order in status s has left the supplier.
func (s OrderStatus) HasShipped() bool {
	return s == OrderStatusShipped || s == OrderStatusDelivered
}

// PaymentStatus enumerates the payment lifecycle of an order or payment record.
type PaymentStatus string

const (
	PaymentStatusPending           PaymentStatus = "Pending"
	PaymentStatusAuthorized        PaymentStatus = "Authorized"
	PaymentStatusPaid              PaymentStatus = "Paid"
	PaymentStatusFailed            PaymentStatus = "Failed"
	PaymentStatusRefunded          PaymentStatus = "Refunded"
	PaymentStatusPartiallyRefunded PaymentStatus = "PartiallyRefunded"
)

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusPending:           {PaymentStatusAuthorized, PaymentStatusPaid, PaymentStatusFailed},
	PaymentStatusAuthorized:        {PaymentStatusPaid, PaymentStatusFailed},
	PaymentStatusPaid:              {PaymentStatusRefunded, PaymentStatusPartiallyRefunded, PaymentStatusFailed},
	PaymentStatusPartiallyRefunded: {PaymentStatusPartiallyRefunded, PaymentStatusRefunded},
	PaymentStatusFailed:            {PaymentStatusPending, PaymentStatusAuthorized, PaymentStatusPaid},
	PaymentStatusRefunded:          nil,
}

// Valid reports whether the status is a known value.
func (s PaymentStatus) Valid() bool {
	_, ok := paymentTransitions[s]
	return ok
}

// CanTransitionTo reports whether target may follow s.
func (s PaymentStatus) CanTransitionTo(target PaymentStatus) bool {
	return contains(paymentTransitions[s], target)
}

// ShippingStatus enumerates the delivery lifecycle of an order.
type ShippingStatus string

const (
	ShippingStatusNotShipped ShippingStatus = "NotShipped"
	ShippingStatusShipped    ShippingStatus = "Shipped"
	ShippingStatusDelivered  ShippingStatus = "Delivered"
	ShippingStatusReturned   ShippingStatus = "Returned"
)

var shippingTransitions = map[ShippingStatus][]ShippingStatus{
	ShippingStatusNotShipped: {ShippingStatusShipped},
	ShippingStatusShipped:    {ShippingStatusDelivered, ShippingStatusReturned},
	ShippingStatusDelivered:  {ShippingStatusReturned},
	ShippingStatusReturned:   nil,
}

// Valid reports whether the status is a known value.
func (s ShippingStatus) Valid() bool {
	_, ok := shippingTransitions[s]
	return ok
}

// CanTransitionTo reports whether target may follow s.
func (s ShippingStatus) CanTransitionTo(target ShippingStatus) bool {
	return contains(shippingTransitions[s], target)
}

// MovementType classifies an inventory movement.
type MovementType string

const (
	MovementTypeSale       MovementType = "Sale"
	MovementTypePurchase   MovementType = "Purchase"
	MovementTypeAdjustment MovementType = "Adjustment"
	MovementTypeReturn     MovementType = "Return"
	MovementTypeTransfer   MovementType = "Transfer"
	MovementTypeDamage     MovementType = "Damage"
	MovementTypeProduction MovementType = "Production"
)

// Valid reports whether the movement type is a known value.
func (t MovementType) Valid() bool {
	switch t {
	case MovementTypeSale, MovementTypePurchase, MovementTypeAdjustment, MovementTypeReturn,
		MovementTypeTransfer, MovementTypeDamage, MovementTypeProduction:
		return true
	}
	return false
}

func contains[T comparable](values []T, target T) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
