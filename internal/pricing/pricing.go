// Package pricing computes order totals from line items.
package pricing

import (
	"github.com/safar/storefront/internal/models"
	"github.com/shopspring/decimal"
)

var (
	// FreeShippingThreshold is exclusive: an items price equal to it still pays shipping.
	FreeShippingThreshold = decimal.NewFromInt(4000)
	FlatShippingFee       = decimal.NewFromInt(799)
	TaxRate               = decimal.RequireFromString("0.08")
)

type Totals struct {
	ItemsPrice    decimal.Decimal
	TaxPrice      decimal.Decimal
	ShippingPrice decimal.Decimal
	TotalPrice    decimal.Decimal
}

func ItemsPrice(items []models.OrderItem) decimal.Decimal {
	sum := decimal.Zero
	for _, item := range items {
		sum = sum.Add(item.Price.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	return sum
}

func Shipping(itemsPrice decimal.Decimal) decimal.Decimal {
	if itemsPrice.GreaterThan(FreeShippingThreshold) {
		return decimal.Zero
	}
	return FlatShippingFee
}

// Tax rounds half away from zero to a whole currency unit, which for the
// non-negative amounts handled here is round-half-up.
func Tax(itemsPrice decimal.Decimal) decimal.Decimal {
	return itemsPrice.Mul(TaxRate).Round(0)
}

func Compute(items []models.OrderItem) Totals {
	itemsPrice := ItemsPrice(items)
	tax := Tax(itemsPrice)
	shipping := Shipping(itemsPrice)

	return Totals{
		ItemsPrice:    itemsPrice,
		TaxPrice:      tax,
		ShippingPrice: shipping,
		TotalPrice:    itemsPrice.Add(tax).Add(shipping),
	}
}

// MinorUnits converts a whole-unit amount to the gateway's smallest currency
// unit (paise, cents).
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}
