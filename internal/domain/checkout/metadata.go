package checkout

import (
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/weightmasters/storefront-api/internal/domain/pricing"
)

// metadataSchemaVersion is the current reconciliation metadata schema. Older
// sessions created by previous storefront iterations carry the legacy key
// set and are handled by the decoder chain.
const metadataSchemaVersion = "2"

// productSummaryLimit caps the product-name summary so the metadata record
// stays within the gateway's per-value size limit.
const productSummaryLimit = 400

// ErrNoMetadata is returned when a session carries neither the current nor
// the legacy reconciliation metadata key set.
var ErrNoMetadata = errors.New("session has no reconciliation metadata")

// Metadata is the compact reconciliation payload embedded in a gateway
// session: identifiers and aggregate numbers only, never per-item payloads.
type Metadata struct {
	OrderID            string
	CheckoutSlug       string
	Subtotal           decimal.Decimal
	ShippingFeeCents   int64
	TotalOriginalValue decimal.Decimal
	TotalSaved         decimal.Decimal
	DiscountPercent    int64
	CouponID           string
	ItemCount          int
	ProductSummary     string
}

// MetadataFromOrder extracts the reconciliation payload from a priced order.
func MetadataFromOrder(orderID, slug string, order *pricing.PricedOrder) Metadata {
	names := make([]string, 0, len(order.Items))
	for _, item := range order.Items {
		names = append(names, item.Name)
	}
	summary := strings.Join(names, ", ")
	if len(summary) > productSummaryLimit {
		// Trim back to a rune boundary so the value stays valid UTF-8.
		cut := productSummaryLimit
		for cut > 0 && !utf8.RuneStart(summary[cut]) {
			cut--
		}
		summary = summary[:cut]
	}

	return Metadata{
		OrderID:            orderID,
		CheckoutSlug:       slug,
		Subtotal:           order.Subtotal.Round(2),
		ShippingFeeCents:   order.ShippingFeeCents,
		TotalOriginalValue: order.TotalOriginalValue.Round(2),
		TotalSaved:         order.TotalSaved.Round(2),
		DiscountPercent:    order.DiscountPercent,
		CouponID:           order.CouponID,
		ItemCount:          len(order.Items),
		ProductSummary:     summary,
	}
}

// Encode renders the metadata as gateway key/value pairs in the current
// schema.
func (m Metadata) Encode() map[string]string {
	return map[string]string{
		"schema":        metadataSchemaVersion,
		"orderId":       m.OrderID,
		"checkoutSlug":  m.CheckoutSlug,
		"subtotal":      m.Subtotal.StringFixed(2),
		"shippingFee":   strconv.FormatInt(m.ShippingFeeCents, 10),
		"totalOriginal": m.TotalOriginalValue.StringFixed(2),
		"totalSaved":    m.TotalSaved.StringFixed(2),
		"discountPct":   strconv.FormatInt(m.DiscountPercent, 10),
		"couponId":      m.CouponID,
		"itemCount":     strconv.Itoa(m.ItemCount),
		"products":      m.ProductSummary,
	}
}

// DecodeMetadata decodes a session metadata map through the schema chain:
// the current schema first, then the legacy key set written by earlier
// storefront iterations. The first schema that matches wins; partial
// matches are never merged across schemas.
func DecodeMetadata(md map[string]string) (Metadata, error) {
	if md == nil {
		return Metadata{}, ErrNoMetadata
	}
	if md["schema"] == metadataSchemaVersion {
		return decodeCurrent(md)
	}
	if _, ok := md["totalSavedAmount"]; ok {
		return decodeLegacy(md)
	}
	if _, ok := md["orderId"]; ok {
		// Oldest sessions: orderId plus cent-denominated aggregates, no
		// discount keys at all.
		return decodeLegacy(md)
	}
	return Metadata{}, ErrNoMetadata
}

func decodeCurrent(md map[string]string) (Metadata, error) {
	m := Metadata{
		OrderID:      md["orderId"],
		CheckoutSlug: md["checkoutSlug"],
		CouponID:     md["couponId"],
	}

	var err error
	if m.Subtotal, err = decimal.NewFromString(md["subtotal"]); err != nil {
		return Metadata{}, errors.Wrap(err, "decode subtotal")
	}
	if m.ShippingFeeCents, err = strconv.ParseInt(md["shippingFee"], 10, 64); err != nil {
		return Metadata{}, errors.Wrap(err, "decode shippingFee")
	}
	if m.TotalOriginalValue, err = decimal.NewFromString(md["totalOriginal"]); err != nil {
		return Metadata{}, errors.Wrap(err, "decode totalOriginal")
	}
	if m.TotalSaved, err = decimal.NewFromString(md["totalSaved"]); err != nil {
		return Metadata{}, errors.Wrap(err, "decode totalSaved")
	}
	if m.DiscountPercent, err = strconv.ParseInt(md["discountPct"], 10, 64); err != nil {
		return Metadata{}, errors.Wrap(err, "decode discountPct")
	}
	if m.ItemCount, err = strconv.Atoi(md["itemCount"]); err != nil {
		return Metadata{}, errors.Wrap(err, "decode itemCount")
	}
	m.ProductSummary = md["products"]
	return m, nil
}

// decodeLegacy reads the loosely-typed key set of historical sessions, where
// every monetary aggregate was stored as an integer cent count.
func decodeLegacy(md map[string]string) (Metadata, error) {
	m := Metadata{
		OrderID:        md["orderId"],
		CheckoutSlug:   md["checkoutSlug"],
		CouponID:       md["stripeCouponId"],
		ProductSummary: md["productNames"],
	}

	var err error
	if m.Subtotal, err = centsField(md, "subtotal"); err != nil {
		return Metadata{}, err
	}
	if m.ShippingFeeCents, err = intField(md, "shippingFee"); err != nil {
		return Metadata{}, err
	}
	// Discount keys were introduced partway through the legacy era; absent
	// keys default to zero rather than failing the decode.
	m.TotalOriginalValue, _ = centsField(md, "totalOriginalValue")
	m.TotalSaved, _ = centsField(md, "totalSavedAmount")
	m.DiscountPercent, _ = intField(md, "totalDiscountPercentage")
	if n, err := intField(md, "itemCount"); err == nil {
		m.ItemCount = int(n)
	}
	return m, nil
}

func intField(md map[string]string, key string) (int64, error) {
	v, ok := md[key]
	if !ok || v == "" {
		return 0, errors.Errorf("metadata key %q missing", key)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "decode %s", key)
	}
	return n, nil
}

func centsField(md map[string]string, key string) (decimal.Decimal, error) {
	n, err := intField(md, key)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.New(n, -2), nil
}
