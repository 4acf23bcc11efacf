package reconcile

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/weightmasters/storefront-api/internal/domain/checkout"
)

// Legacy display-string markers. Sessions created before structured
// per-product metadata carried the discount facts inside the line's display
// name, e.g. "Kettlebell 8kg 🎉 -13% (was €79,95)".
var (
	badgeRe     = regexp.MustCompile(`\x{1F389}.*$`)
	legacyWasRe = regexp.MustCompile(`was €([0-9]+[.,][0-9]{2})`)
)

// decodeLine resolves one gateway line into a product line. Discount facts
// come from a priority-ordered chain: structured product metadata first,
// then the legacy display-string marker. The chain stops at the first
// successful decode; results from the two sources are never merged. When
// neither decodes, the line defaults to no discount and ok is false.
func (r *Reconciler) decodeLine(gl GatewayLine) (Line, bool) {
	unit := decimal.New(gl.UnitAmountCents, -2)

	line := Line{
		Name:          displayName(gl),
		Quantity:      gl.Quantity,
		UnitPrice:     unit,
		OriginalPrice: unit,
		Savings:       decimal.Zero,
	}
	if len(gl.Images) > 0 {
		line.Image = gl.Images[0]
	}

	if original, ok := structuredOriginalPrice(gl.ProductMetadata); ok {
		applyOriginal(&line, original)
		return line, true
	}
	if original, ok := legacyOriginalPrice(gl); ok {
		applyOriginal(&line, original)
		return line, true
	}
	// A plain line without any discount marker is the common case, not a
	// data-quality problem.
	if !hasDiscountMarker(gl) {
		return line, true
	}
	return line, false
}

// applyOriginal fills the discount facts given the decoded original unit
// price. An "original" at or below the paid price means no active discount.
func applyOriginal(line *Line, original decimal.Decimal) {
	if !original.GreaterThan(line.UnitPrice) {
		return
	}
	line.OriginalPrice = original
	line.HasDiscount = true
	line.DiscountPercent = original.Sub(line.UnitPrice).
		Div(original).
		Mul(decimal.NewFromInt(100)).
		Round(0).
		IntPart()
	line.Savings = original.Sub(line.UnitPrice).Mul(decimal.NewFromInt(line.Quantity))
}

// structuredOriginalPrice reads the per-product metadata written at checkout
// time. This is the preferred source.
func structuredOriginalPrice(md map[string]string) (decimal.Decimal, bool) {
	v, ok := md["originalPrice"]
	if !ok || v == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// legacyOriginalPrice parses the "was €X" marker out of the display string.
// Kept strictly behind this decoder so display-string parsing never leaks
// into pricing arithmetic.
func legacyOriginalPrice(gl GatewayLine) (decimal.Decimal, bool) {
	m := legacyWasRe.FindStringSubmatch(gl.Description)
	if m == nil {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(strings.ReplaceAll(m[1], ",", "."))
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

func hasDiscountMarker(gl GatewayLine) bool {
	return badgeRe.MatchString(gl.Description) || badgeRe.MatchString(gl.ProductName)
}

// displayName prefers the expanded product name and strips the discount
// badge suffix from either source.
func displayName(gl GatewayLine) string {
	name := gl.ProductName
	if name == "" {
		name = gl.Description
	}
	return strings.TrimSpace(badgeRe.ReplaceAllString(name, ""))
}

// isSyntheticLine reports whether a line is one of the bookkeeping lines the
// checkout builder appends (shipping, tax, savings note) rather than a
// product. The shipping and tax names are matched exactly so a product that
// merely starts with one of them is never dropped; only the savings line
// carries a variable amount suffix.
func isSyntheticLine(description string) bool {
	switch description {
	case checkout.ShippingLineName,
		checkout.FreeShippingLineName,
		checkout.TaxLineName:
		return true
	}
	if strings.HasPrefix(description, checkout.SavingsLinePrefix+" €") {
		return true
	}
	// Legacy sessions used Dutch shipping line names with a tax suffix,
	// e.g. "Verzendkosten (incl. BTW)".
	lower := strings.ToLower(description)
	return strings.HasPrefix(lower, "verzendkosten") || strings.HasPrefix(lower, "gratis verzending")
}
