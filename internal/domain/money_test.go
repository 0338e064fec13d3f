package domain

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func TestCommissionRoundsToCents(t *testing.T) {
	assert.True(t, Commission(dec("50"), dec("15")).Equal(dec("7.50")))
	assert.True(t, Commission(dec("20"), dec("15")).Equal(dec("3")))
	assert.True(t, Commission(dec("10.01"), dec("12.5")).Equal(dec("1.25")))
}

func TestTotalsFromItemsSkipsInactiveLines(t *testing.T) {
	items := []OrderItem{
		{SupplierID: "s1", TotalPrice: dec("50"), TaxAmount: dec("5"), Status: OrderItemStatusActive},
		{SupplierID: "s2", TotalPrice: dec("20"), TaxAmount: dec("2"), Status: OrderItemStatusActive},
		{SupplierID: "s2", TotalPrice: dec("99"), TaxAmount: dec("9"), Status: OrderItemStatusCancelled},
	}

	totals := TotalsFromItems(items, dec("4.99"), dec("10"))

	assert.True(t, totals.SubTotal.Equal(dec("70")))
	assert.True(t, totals.TaxTotal.Equal(dec("7")))
	assert.True(t, totals.OrderTotal.Equal(dec("71.99")))
	assert.True(t, totals.Balanced())

	totals.OrderTotal = dec("72")
	assert.False(t, totals.Balanced())
}

func TestGrossBySupplierMatchesAcrossItemsAndSettlements(t *testing.T) {
	items := []OrderItem{
		{SupplierID: "s1", TotalPrice: dec("50"), Status: OrderItemStatusActive},
		{SupplierID: "s2", TotalPrice: dec("20"), Status: OrderItemStatusActive},
		{SupplierID: "s2", TotalPrice: dec("5"), Status: OrderItemStatusCancelled},
	}
	settlements := []SupplierSettlement{
		{SupplierID: "s1", Kind: SettlementKindRegular, GrossAmount: dec("50")},
		{SupplierID: "s2", Kind: SettlementKindRegular, GrossAmount: dec("25"), Status: SettlementStatusPaid},
		{SupplierID: "s2", Kind: SettlementKindAdjustment, GrossAmount: dec("-5")},
	}

	active := ActiveGrossBySupplier(items)
	settled := SettlementGrossBySupplier(settlements)
	require.Len(t, active, 2)
	for supplier, gross := range active {
		assert.Truef(t, gross.Equal(settled[supplier]), "supplier %s: %s != %s", supplier, gross, settled[supplier])
	}
}

func TestNormalizeCurrency(t *testing.T) {
	code, err := NormalizeCurrency(" usd ")
	require.NoError(t, err)
	assert.Equal(t, "USD", code)

	_, err = NormalizeCurrency("dollars")
	require.ErrorIs(t, err, ErrInvalidCurrency)
}

func TestReplayStockAndPurchasable(t *testing.T) {
	movements := []InventoryMovement{
		{QuantityChange: 10, Type: MovementTypePurchase},
		{QuantityChange: -3, Type: MovementTypeSale},
		{QuantityChange: 3, Type: MovementTypeReturn},
	}
	assert.Equal(t, 10, ReplayStock(movements))

	product := Product{Published: true, Stock: 2}
	assert.True(t, product.Purchasable(2))
	assert.False(t, product.Purchasable(3))
	product.AllowBackorder = true
	assert.True(t, product.Purchasable(3))
	product.Published = false
	assert.False(t, product.Purchasable(1))
}
