// Package pricing turns a raw cart into a fully priced order: effective
// per-item prices, discount totals, weight-tiered shipping, and the
// free-shipping threshold rule.
package pricing

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// TaxMode selects how tax is accounted for in an order's totals.
type TaxMode string

const (
	// TaxInclusive means unit prices already include tax; no tax is added.
	TaxInclusive TaxMode = "inclusive"
	// TaxOnTop means tax is computed as rate * (subtotal + shipping) and
	// added as a separate amount.
	TaxOnTop TaxMode = "on_top"
)

// Shipping fee tiers by total cart weight. Upper bounds are inclusive,
// fees are in minor currency units.
var weightTiers = []struct {
	MaxGrams float64
	FeeCents int64
}{
	{20, 100},
	{50, 200},
	{500, 410},
	{2000, 695},
}

// feeCentsOverMax applies to carts heavier than the last tier bound.
const feeCentsOverMax = 995

// Sentinel errors for cart validation.
var (
	ErrInvalidTaxMode = fmt.Errorf("invalid tax mode")
)

// InvalidAmountError indicates a numeric cart field that is NaN or infinite.
type InvalidAmountError struct {
	Field string
	Index int
}

func (e *InvalidAmountError) Error() string {
	return fmt.Sprintf("item %d: %s is not a finite number", e.Index, e.Field)
}

// InvalidQuantityError indicates a line item with a quantity below 1.
type InvalidQuantityError struct {
	Index int
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("item %d: quantity must be at least 1", e.Index)
}

// CartItem is a single cart entry as submitted by the storefront. Prices are
// in major currency units and include tax.
type CartItem struct {
	Name                  string
	Image                 string
	Price                 float64
	SalePrice             float64
	Quantity              int
	WeightGrams           float64
	FreeShippingThreshold float64
	CouponID              string
}

// PricedItem is a cart item with its discount facts resolved.
type PricedItem struct {
	Name            string
	Image           string
	Quantity        int
	UnitPrice       decimal.Decimal
	OriginalPrice   decimal.Decimal
	HasDiscount     bool
	DiscountPercent int64
	Savings         decimal.Decimal
	WeightGrams     decimal.Decimal
}

// PricedOrder is the immutable result of pricing a cart. Monetary fields are
// in major currency units except ShippingFeeCents.
type PricedOrder struct {
	Items                 []PricedItem
	Subtotal              decimal.Decimal
	TotalWeightGrams      decimal.Decimal
	FreeShippingThreshold decimal.Decimal
	ShippingFeeCents      int64
	Tax                   decimal.Decimal
	Total                 decimal.Decimal
	TotalOriginalValue    decimal.Decimal
	TotalSaved            decimal.Decimal
	DiscountPercent       int64
	CouponID              string
	TaxMode               TaxMode
}

// Config declares the tax treatment applied by an Engine. The mode is an
// explicit configuration value, never inferred from the cart.
type Config struct {
	TaxMode TaxMode
	// TaxRate is the fraction (e.g. 0.21) used in TaxOnTop mode. Ignored in
	// TaxInclusive mode.
	TaxRate decimal.Decimal
}

// Engine prices carts. It is stateless and safe for concurrent use.
type Engine struct {
	cfg Config
}

// NewEngine validates the configuration and returns a pricing Engine.
func NewEngine(cfg Config) (*Engine, error) {
	switch cfg.TaxMode {
	case TaxInclusive, TaxOnTop:
	default:
		return nil, ErrInvalidTaxMode
	}
	return &Engine{cfg: cfg}, nil
}

// Price computes the PricedOrder for a cart. An empty cart yields a valid
// zero-total order. Any non-finite numeric field fails with
// InvalidAmountError.
func (e *Engine) Price(cart []CartItem) (*PricedOrder, error) {
	order := &PricedOrder{
		Items:              make([]PricedItem, 0, len(cart)),
		Subtotal:           decimal.Zero,
		TotalWeightGrams:   decimal.Zero,
		TotalOriginalValue: decimal.Zero,
		TotalSaved:         decimal.Zero,
		Tax:                decimal.Zero,
		TaxMode:            e.cfg.TaxMode,
	}
	threshold := decimal.Zero

	for i, item := range cart {
		if err := checkFinite(i, item); err != nil {
			return nil, err
		}
		if item.Quantity < 1 {
			return nil, &InvalidQuantityError{Index: i}
		}

		original := decimal.NewFromFloat(item.Price)
		sale := decimal.NewFromFloat(item.SalePrice)
		qty := decimal.NewFromInt(int64(item.Quantity))

		// Sale price only counts when strictly between zero and the
		// original price.
		effective := original
		hasDiscount := sale.IsPositive() && sale.LessThan(original)
		if hasDiscount {
			effective = sale
		}

		savings := decimal.Zero
		pct := int64(0)
		if hasDiscount {
			savings = original.Sub(effective).Mul(qty)
			pct = original.Sub(effective).
				Div(original).
				Mul(decimal.NewFromInt(100)).
				Round(0).
				IntPart()
		}

		weight := decimal.NewFromFloat(item.WeightGrams).Mul(qty)

		order.Items = append(order.Items, PricedItem{
			Name:            item.Name,
			Image:           item.Image,
			Quantity:        item.Quantity,
			UnitPrice:       effective,
			OriginalPrice:   original,
			HasDiscount:     hasDiscount,
			DiscountPercent: pct,
			Savings:         savings,
			WeightGrams:     weight,
		})

		order.Subtotal = order.Subtotal.Add(effective.Mul(qty))
		order.TotalOriginalValue = order.TotalOriginalValue.Add(original.Mul(qty))
		order.TotalSaved = order.TotalSaved.Add(savings)
		order.TotalWeightGrams = order.TotalWeightGrams.Add(weight)

		// The highest threshold declared by any single item wins.
		if t := decimal.NewFromFloat(item.FreeShippingThreshold); t.GreaterThan(threshold) {
			threshold = t
		}

		// First coupon in iteration order wins.
		if order.CouponID == "" && item.CouponID != "" {
			order.CouponID = item.CouponID
		}
	}

	order.FreeShippingThreshold = threshold
	if order.TotalOriginalValue.IsPositive() {
		order.DiscountPercent = order.TotalSaved.
			Div(order.TotalOriginalValue).
			Mul(decimal.NewFromInt(100)).
			Round(0).
			IntPart()
	}

	if len(cart) > 0 {
		order.ShippingFeeCents = shippingFee(order.Subtotal, threshold, order.TotalWeightGrams)
	}

	shipping := decimal.New(order.ShippingFeeCents, -2)
	order.Total = order.Subtotal.Add(shipping)
	if e.cfg.TaxMode == TaxOnTop {
		order.Tax = e.cfg.TaxRate.Mul(order.Total).Round(2)
		order.Total = order.Total.Add(order.Tax)
	}
	order.Total = order.Total.Round(2)

	return order, nil
}

// shippingFee returns the fee in minor units. A positive threshold that the
// subtotal meets waives the fee entirely; a zero threshold disables free
// shipping for the cart.
func shippingFee(subtotal, threshold, weightGrams decimal.Decimal) int64 {
	if threshold.IsPositive() && subtotal.GreaterThanOrEqual(threshold) {
		return 0
	}
	for _, tier := range weightTiers {
		if weightGrams.LessThanOrEqual(decimal.NewFromFloat(tier.MaxGrams)) {
			return tier.FeeCents
		}
	}
	return feeCentsOverMax
}

func checkFinite(i int, item CartItem) error {
	fields := []struct {
		name  string
		value float64
	}{
		{"price", item.Price},
		{"salePrice", item.SalePrice},
		{"weightGrams", item.WeightGrams},
		{"freeShippingThreshold", item.FreeShippingThreshold},
	}
	for _, f := range fields {
		if math.IsNaN(f.value) || math.IsInf(f.value, 0) {
			return &InvalidAmountError{Field: f.name, Index: i}
		}
	}
	return nil
}
