package billing

import "github.com/shopspring/decimal"

// Totals aggregates the money figures of an invoice's line items.
type Totals struct {
	Subtotal       decimal.Decimal
	TaxAmount      decimal.Decimal
	DiscountAmount decimal.Decimal
	TotalAmount    decimal.Decimal
}

// CalculateTotals computes invoice totals from line items. Per item:
//
//	itemSubtotal  = quantity * unitPrice
//	afterDiscount = itemSubtotal - discount
//	itemTax       = afterDiscount * taxRate / 100
//	itemTotal     = afterDiscount + itemTax
//
// Intermediate products keep full precision; half-up rounding at the
// currency's minor-unit boundary happens exactly once, on the aggregates and
// on the stored per-item total. Items with a zero quantity are priced as
// quantity 1.
func CalculateTotals(items []*InvoiceItem, currency string) Totals {
	hundred := decimal.NewFromInt(100)

	var subtotal, tax, discount decimal.Decimal
	for _, item := range items {
		qty := item.Quantity
		if qty.IsZero() {
			qty = decimal.NewFromInt(1)
			item.Quantity = qty
		}
		itemSubtotal := qty.Mul(item.UnitPrice)
		afterDiscount := itemSubtotal.Sub(item.Discount)
		itemTax := afterDiscount.Mul(item.TaxRate).Div(hundred)

		item.TotalAmount = RoundMinor(afterDiscount.Add(itemTax), currency)

		subtotal = subtotal.Add(itemSubtotal)
		discount = discount.Add(item.Discount)
		tax = tax.Add(itemTax)
	}

	subtotal = RoundMinor(subtotal, currency)
	discount = RoundMinor(discount, currency)
	tax = RoundMinor(tax, currency)

	return Totals{
		Subtotal:       subtotal,
		TaxAmount:      tax,
		DiscountAmount: discount,
		TotalAmount:    subtotal.Sub(discount).Add(tax),
	}
}
