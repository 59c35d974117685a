package order

import (
	"context"

	"marketplace-settlement/pkg/config"
	"marketplace-settlement/pkg/money"

	"github.com/shopspring/decimal"
)

// RateProvider supplies tax and shipping for a vendor order. Both are
// computed inputs; they pass through the order and never reach the vendor
// balance.
type RateProvider interface {
	Shipping(ctx context.Context, vendorID string, subtotal decimal.Decimal) (decimal.Decimal, error)
	Tax(ctx context.Context, vendorID string, taxable decimal.Decimal) (decimal.Decimal, error)
}

// FlatRates charges one shipping fee per vendor order and a single tax
// percentage.
type FlatRates struct {
	ShippingFee decimal.Decimal
	TaxPercent  decimal.Decimal
}

func NewFlatRates(cfg *config.Config) RateProvider {
	return &FlatRates{
		ShippingFee: money.Round(decimal.NewFromFloat(cfg.Settlement.FlatShipping)),
		TaxPercent:  decimal.NewFromFloat(cfg.Settlement.TaxRate),
	}
}

func (r *FlatRates) Shipping(_ context.Context, _ string, _ decimal.Decimal) (decimal.Decimal, error) {
	return r.ShippingFee, nil
}

func (r *FlatRates) Tax(_ context.Context, _ string, taxable decimal.Decimal) (decimal.Decimal, error) {
	if !taxable.IsPositive() {
		return decimal.Zero, nil
	}
	return money.Percent(taxable, r.TaxPercent), nil
}
