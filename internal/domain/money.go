package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"golang.org/x/text/currency"
)

// MoneyPlaces is the number of decimal places amounts are rounded to.
const MoneyPlaces = 2

var hundred = decimal.NewFromInt(100)

// ErrInvalidCurrency indicates a currency code that is not ISO 4217.
var ErrInvalidCurrency = errors.New("domain: invalid currency")

// RoundMoney rounds an amount to MoneyPlaces, half away from zero.
func RoundMoney(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(MoneyPlaces)
}

// NormalizeCurrency validates and upper-cases an ISO 4217 code.
func NormalizeCurrency(code string) (string, error) {
	unit, err := currency.ParseISO(strings.TrimSpace(code))
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, code)
	}
	return unit.String(), nil
}

// LineTotal returns unitPrice*quantity − discount.
func LineTotal(unitPrice decimal.Decimal, quantity int, discount decimal.Decimal) decimal.Decimal {
	return RoundMoney(unitPrice.Mul(decimal.NewFromInt(int64(quantity))).Sub(discount))
}

// Commission returns gross*rate/100.
func Commission(gross, ratePercent decimal.Decimal) decimal.Decimal {
	return RoundMoney(gross.Mul(ratePercent).Div(hundred))
}

// ComputeOrderTotal returns subTotal + taxTotal + shippingTotal − discountTotal.
func ComputeOrderTotal(t OrderTotals) decimal.Decimal {
	return RoundMoney(t.SubTotal.Add(t.TaxTotal).Add(t.ShippingTotal).Sub(t.DiscountTotal))
}

// Balanced reports whether OrderTotal matches its components.
func (t OrderTotals) Balanced() bool {
	return t.OrderTotal.Equal(ComputeOrderTotal(t))
}

// TotalsFromItems derives totals from the active lines plus order-level shipping and discount.
func TotalsFromItems(items []OrderItem, shipping, discount decimal.Decimal) OrderTotals {
	totals := OrderTotals{
		SubTotal:      decimal.Zero,
		TaxTotal:      decimal.Zero,
		ShippingTotal: RoundMoney(shipping),
		DiscountTotal: RoundMoney(discount),
	}
	for _, item := range items {
		if item.Status != OrderItemStatusActive {
			continue
		}
		totals.SubTotal = totals.SubTotal.Add(item.TotalPrice)
		totals.TaxTotal = totals.TaxTotal.Add(item.TaxAmount)
	}
	totals.SubTotal = RoundMoney(totals.SubTotal)
	totals.TaxTotal = RoundMoney(totals.TaxTotal)
	totals.OrderTotal = ComputeOrderTotal(totals)
	return totals
}

// ActiveGrossBySupplier sums active line totals per supplier.
func ActiveGrossBySupplier(items []OrderItem) map[string]decimal.Decimal {
	active := lo.Filter(items, func(item OrderItem, _ int) bool {
		return item.Status == OrderItemStatusActive
	})
	grouped := lo.GroupBy(active, func(item OrderItem) string { return item.SupplierID })
	return lo.MapValues(grouped, func(lines []OrderItem, _ string) decimal.Decimal {
		return lo.Reduce(lines, func(acc decimal.Decimal, item OrderItem, _ int) decimal.Decimal {
			return acc.Add(item.TotalPrice)
		}, decimal.Zero)
	})
}

// SettlementGrossBySupplier sums gross amounts of all settlement records per supplier, adjustments included.
func SettlementGrossBySupplier(settlements []SupplierSettlement) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, s := range settlements {
		out[s.SupplierID] = out[s.SupplierID].Add(s.GrossAmount)
	}
	return out
}

// ReplayStock applies movements in order starting from zero.
func ReplayStock(movements []InventoryMovement) int {
	stock := 0
	for _, m := range movements {
		stock += m.QuantityChange
	}
	return stock
}
