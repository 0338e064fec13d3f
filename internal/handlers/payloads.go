package handlers

import (
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/bazaarline/api/internal/domain"
	"github.com/bazaarline/api/internal/services"
)

type orderTotalsPayload struct {
	SubTotal      string `json:"subTotal"`
	TaxTotal      string `json:"taxTotal"`
	ShippingTotal string `json:"shippingTotal"`
	DiscountTotal string `json:"discountTotal"`
	OrderTotal    string `json:"orderTotal"`
}

type orderItemPayload struct {
	ID             string `json:"id"`
	ProductID      string `json:"productId"`
	SupplierID     string `json:"supplierId"`
	Name           string `json:"name"`
	SKU            string `json:"sku,omitempty"`
	Brand          string `json:"brand,omitempty"`
	ImageURL       string `json:"imageUrl,omitempty"`
	Quantity       int    `json:"quantity"`
	UnitPrice      string `json:"unitPrice"`
	TaxAmount      string `json:"taxAmount"`
	DiscountAmount string `json:"discountAmount"`
	TotalPrice     string `json:"totalPrice"`
	CommissionRate string `json:"commissionRate"`
	Status         string `json:"status"`
}

type orderMilestonesPayload struct {
	ConfirmedAt string `json:"confirmedAt,omitempty"`
	PaidAt      string `json:"paidAt,omitempty"`
	ShippedAt   string `json:"shippedAt,omitempty"`
	DeliveredAt string `json:"deliveredAt,omitempty"`
	CancelledAt string `json:"cancelledAt,omitempty"`
	RefundedAt  string `json:"refundedAt,omitempty"`
}

type orderPayload struct {
	ID              string                 `json:"id"`
	OrderNumber     string                 `json:"orderNumber"`
	Type            string                 `json:"type"`
	CustomerID      string                 `json:"customerId"`
	Currency        string                 `json:"currency"`
	Status          string                 `json:"status"`
	PaymentStatus   string                 `json:"paymentStatus"`
	ShippingStatus  string                 `json:"shippingStatus"`
	Totals          orderTotalsPayload     `json:"totals"`
	Items           []orderItemPayload     `json:"items"`
	Contact         domain.ContactSnapshot `json:"contact"`
	BillingAddress  domain.AddressSnapshot `json:"billingAddress"`
	ShippingAddress domain.AddressSnapshot `json:"shippingAddress"`
	Milestones      orderMilestonesPayload `json:"milestones"`
	Notes           string                 `json:"notes,omitempty"`
	CancelReason    string                 `json:"cancelReason,omitempty"`
	Version         int64                  `json:"version"`
	CreatedAt       string                 `json:"createdAt"`
	UpdatedAt       string                 `json:"updatedAt"`
}

type orderListResponse struct {
	Items         []orderPayload `json:"items"`
	NextPageToken string         `json:"nextPageToken,omitempty"`
}

type historyPayload struct {
	ID         string `json:"id"`
	FromStatus string `json:"fromStatus,omitempty"`
	ToStatus   string `json:"toStatus"`
	Note       string `json:"note,omitempty"`
	Actor      string `json:"actor,omitempty"`
	CreatedAt  string `json:"createdAt"`
}

type settlementPayload struct {
	ID                     string `json:"id"`
	OrderID                string `json:"orderId"`
	SupplierID             string `json:"supplierId"`
	Kind                   string `json:"kind"`
	AdjustsSettlementID    string `json:"adjustsSettlementId,omitempty"`
	Currency               string `json:"currency"`
	GrossAmount            string `json:"grossAmount"`
	CommissionRate         string `json:"commissionRate"`
	CommissionAmount       string `json:"commissionAmount"`
	NetAmount              string `json:"netAmount"`
	Status                 string `json:"status"`
	PaymentID              string `json:"paymentId,omitempty"`
	ReferenceTransactionID string `json:"referenceTransactionId,omitempty"`
	SettlementDate         string `json:"settlementDate,omitempty"`
	Notes                  string `json:"notes,omitempty"`
	Version                int64  `json:"version"`
	CreatedAt              string `json:"createdAt"`
}

type settlementListResponse struct {
	Items         []settlementPayload `json:"items"`
	NextPageToken string              `json:"nextPageToken,omitempty"`
}

type movementPayload struct {
	ID               string `json:"id"`
	ProductID        string `json:"productId"`
	QuantityChange   int    `json:"quantityChange"`
	StockAfterChange int    `json:"stockAfterChange"`
	Type             string `json:"type"`
	OrderID          string `json:"orderId,omitempty"`
	UserID           string `json:"userId,omitempty"`
	Note             string `json:"note,omitempty"`
	CreatedAt        string `json:"createdAt"`
}

// buildOrderPayload renders the order. Items are limited to supplierID when it is set.
func buildOrderPayload(order services.Order, supplierID string) orderPayload {
	items := make([]orderItemPayload, 0, len(order.Items))
	for _, item := range order.Items {
		if supplierID != "" && item.SupplierID != supplierID {
			continue
		}
		items = append(items, orderItemPayload{
			ID:             item.ID,
			ProductID:      item.ProductID,
			SupplierID:     item.SupplierID,
			Name:           item.Name,
			SKU:            item.SKU,
			Brand:          item.Brand,
			ImageURL:       item.ImageURL,
			Quantity:       item.Quantity,
			UnitPrice:      formatMoney(item.UnitPrice),
			TaxAmount:      formatMoney(item.TaxAmount),
			DiscountAmount: formatMoney(item.DiscountAmount),
			TotalPrice:     formatMoney(item.TotalPrice),
			CommissionRate: item.CommissionRate.String(),
			Status:         string(item.Status),
		})
	}

	return orderPayload{
		ID:             order.ID,
		OrderNumber:    order.OrderNumber,
		Type:           string(order.Type),
		CustomerID:     order.CustomerID,
		Currency:       order.Currency,
		Status:         string(order.Status),
		PaymentStatus:  string(order.PaymentStatus),
		ShippingStatus: string(order.ShippingStatus),
		Totals: orderTotalsPayload{
			SubTotal:      formatMoney(order.Totals.SubTotal),
			TaxTotal:      formatMoney(order.Totals.TaxTotal),
			ShippingTotal: formatMoney(order.Totals.ShippingTotal),
			DiscountTotal: formatMoney(order.Totals.DiscountTotal),
			OrderTotal:    formatMoney(order.Totals.OrderTotal),
		},
		Items:           items,
		Contact:         order.Contact,
		BillingAddress:  order.BillingAddress,
		ShippingAddress: order.ShippingAddress,
		Milestones: orderMilestonesPayload{
			ConfirmedAt: formatTimePtr(order.Milestones.ConfirmedAt),
			PaidAt:      formatTimePtr(order.Milestones.PaidAt),
			ShippedAt:   formatTimePtr(order.Milestones.ShippedAt),
			DeliveredAt: formatTimePtr(order.Milestones.DeliveredAt),
			CancelledAt: formatTimePtr(order.Milestones.CancelledAt),
			RefundedAt:  formatTimePtr(order.Milestones.RefundedAt),
		},
		Notes:        order.Notes,
		CancelReason: order.CancelReason,
		Version:      order.Version,
		CreatedAt:    formatTime(order.CreatedAt),
		UpdatedAt:    formatTime(order.UpdatedAt),
	}
}

func buildHistoryPayload(entries []services.OrderStatusHistory) []historyPayload {
	out := make([]historyPayload, 0, len(entries))
	for _, entry := range entries {
		out = append(out, historyPayload{
			ID:         entry.ID,
			FromStatus: string(entry.FromStatus),
			ToStatus:   string(entry.ToStatus),
			Note:       entry.Note,
			Actor:      entry.Actor,
			CreatedAt:  formatTime(entry.CreatedAt),
		})
	}
	return out
}

func buildSettlementPayload(s services.SupplierSettlement) settlementPayload {
	return settlementPayload{
		ID:                     s.ID,
		OrderID:                s.OrderID,
		SupplierID:             s.SupplierID,
		Kind:                   string(s.Kind),
		AdjustsSettlementID:    derefString(s.AdjustsSettlementID),
		Currency:               s.Currency,
		GrossAmount:            formatMoney(s.GrossAmount),
		CommissionRate:         s.CommissionRate.String(),
		CommissionAmount:       formatMoney(s.CommissionAmount),
		NetAmount:              formatMoney(s.NetAmount),
		Status:                 string(s.Status),
		PaymentID:              derefString(s.PaymentID),
		ReferenceTransactionID: s.ReferenceTransactionID,
		SettlementDate:         formatTimePtr(s.SettlementDate),
		Notes:                  s.Notes,
		Version:                s.Version,
		CreatedAt:              formatTime(s.CreatedAt),
	}
}

func buildSettlementPayloads(settlements []services.SupplierSettlement) []settlementPayload {
	out := make([]settlementPayload, 0, len(settlements))
	for _, s := range settlements {
		out = append(out, buildSettlementPayload(s))
	}
	return out
}

func buildMovementPayload(m services.InventoryMovement) movementPayload {
	return movementPayload{
		ID:               m.ID,
		ProductID:        m.ProductID,
		QuantityChange:   m.QuantityChange,
		StockAfterChange: m.StockAfterChange,
		Type:             string(m.Type),
		OrderID:          derefString(m.OrderID),
		UserID:           derefString(m.UserID),
		Note:             m.Note,
		CreatedAt:        formatTime(m.CreatedAt),
	}
}

func formatMoney(amount decimal.Decimal) string {
	return amount.StringFixed(domain.MoneyPlaces)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
