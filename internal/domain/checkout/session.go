// Package checkout translates a priced order into a payment gateway session
// request, embedding the compact reconciliation metadata that the webhook
// pipeline later needs to rebuild the full order view.
package checkout

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/weightmasters/storefront-api/internal/domain/pricing"
)

// Display names for the synthetic (non-product) session lines. The
// reconciler filters these out of the product view, so they must stay in
// sync with reconcile's line classification.
const (
	ShippingLineName     = "Shipping"
	FreeShippingLineName = "Free shipping"
	SavingsLinePrefix    = "You saved"
	TaxLineName          = "VAT"
	discountBadge        = "\U0001F389" // party popper, kept for storefront display parity
)

// LineItem is one gateway price record.
type LineItem struct {
	Name            string
	Images          []string
	UnitAmountCents int64
	Quantity        int64
	// ProductMetadata carries the structured per-product discount facts read
	// back during reconciliation.
	ProductMetadata map[string]string
}

// SessionRequest is the gateway-neutral checkout session description.
type SessionRequest struct {
	OrderID          string
	Currency         string
	LineItems        []LineItem
	Metadata         map[string]string
	CustomerEmail    string
	SuccessURL       string
	CancelURL        string
	AllowedCountries []string
	CollectPhone     bool
	// AllowPromotionCodes enables the gateway's own promotion-code entry.
	// Never set together with CouponID: only one discount mechanism may be
	// active per order.
	AllowPromotionCodes bool
	// CouponID applies a pre-agreed gateway coupon to the whole session.
	CouponID string
}

// Session identifies a created gateway session.
type Session struct {
	ID          string
	RedirectURL string
}

// Gateway creates checkout sessions at the payment provider.
type Gateway interface {
	CreateSession(ctx context.Context, req *SessionRequest) (*Session, error)
}

// Config holds the static parts of every session this storefront creates.
type Config struct {
	OrderIDPrefix    string
	Currency         string
	SuccessURL       string
	CancelURL        string
	AllowedCountries []string
	// AllowPromotionCodes is honored only for orders without an
	// engine-applied coupon.
	AllowPromotionCodes bool
}

// Builder builds session requests from priced orders.
type Builder struct {
	cfg Config
}

// NewBuilder returns a Builder for the given static configuration.
func NewBuilder(cfg Config) *Builder {
	return &Builder{cfg: cfg}
}

// Build produces the gateway session request for a priced order. The
// shipping line is always present: a zero-amount "Free shipping" line when
// the fee is waived, so the customer always sees shipping spelled out.
func (b *Builder) Build(order *pricing.PricedOrder, email, slug string) *SessionRequest {
	lines := make([]LineItem, 0, len(order.Items)+3)

	for _, item := range order.Items {
		name := item.Name
		if item.HasDiscount {
			name = fmt.Sprintf("%s %s -%d%%", item.Name, discountBadge, item.DiscountPercent)
		}

		var images []string
		if item.Image != "" {
			images = []string{item.Image}
		}

		lines = append(lines, LineItem{
			Name:            name,
			Images:          images,
			UnitAmountCents: toCents(item.UnitPrice),
			Quantity:        int64(item.Quantity),
			ProductMetadata: productMetadata(item),
		})
	}

	if order.ShippingFeeCents > 0 {
		lines = append(lines, LineItem{Name: ShippingLineName, UnitAmountCents: order.ShippingFeeCents, Quantity: 1})
	} else {
		lines = append(lines, LineItem{Name: FreeShippingLineName, UnitAmountCents: 0, Quantity: 1})
	}

	if order.Tax.IsPositive() {
		lines = append(lines, LineItem{Name: TaxLineName, UnitAmountCents: toCents(order.Tax), Quantity: 1})
	}

	if order.TotalSaved.IsPositive() {
		lines = append(lines, LineItem{
			Name:            fmt.Sprintf("%s €%s", SavingsLinePrefix, order.TotalSaved.StringFixed(2)),
			UnitAmountCents: 0,
			Quantity:        1,
		})
	}

	orderID := GenerateOrderID(b.cfg.OrderIDPrefix)
	meta := MetadataFromOrder(orderID, slug, order)

	req := &SessionRequest{
		OrderID:          orderID,
		Currency:         b.cfg.Currency,
		LineItems:        lines,
		Metadata:         meta.Encode(),
		CustomerEmail:    email,
		SuccessURL:       b.cfg.SuccessURL,
		CancelURL:        b.cfg.CancelURL,
		AllowedCountries: b.cfg.AllowedCountries,
		CollectPhone:     true,
	}

	// Exactly one discount mechanism per order: an engine-applied coupon
	// disables the gateway's own promotion codes.
	if order.CouponID != "" {
		req.CouponID = order.CouponID
	} else {
		req.AllowPromotionCodes = b.cfg.AllowPromotionCodes
	}

	return req
}

// productMetadata writes the structured discount facts for one line. This is
// the preferred decode source during reconciliation.
func productMetadata(item pricing.PricedItem) map[string]string {
	md := map[string]string{
		"originalPrice":  item.OriginalPrice.StringFixed(2),
		"effectivePrice": item.UnitPrice.StringFixed(2),
		"hasDiscount":    fmt.Sprintf("%t", item.HasDiscount),
		"weightGrams":    item.WeightGrams.String(),
	}
	if item.HasDiscount {
		md["discountPercentage"] = fmt.Sprintf("%d", item.DiscountPercent)
		md["itemSavings"] = item.Savings.StringFixed(2)
	}
	return md
}

func toCents(d decimal.Decimal) int64 {
	return d.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}
