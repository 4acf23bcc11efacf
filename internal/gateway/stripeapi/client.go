// Package stripeapi adapts the Stripe API to the domain's gateway
// interfaces: session creation for checkout and session read-back for
// reconciliation, plus webhook signature verification.
package stripeapi

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/stripe/stripe-go/v80"
	"github.com/stripe/stripe-go/v80/client"

	"github.com/weightmasters/storefront-api/internal/domain/checkout"
	"github.com/weightmasters/storefront-api/internal/domain/reconcile"
)

// Compile-time checks against the domain interfaces.
var (
	_ checkout.Gateway = (*Client)(nil)
	_ reconcile.Reader = (*Client)(nil)
)

// Client wraps a Stripe API client. Constructed once at process start and
// injected; handlers never touch package-level Stripe state.
type Client struct {
	sc *client.API
}

// New returns a Client authenticated with the given secret key.
func New(apiKey string) *Client {
	sc := &client.API{}
	sc.Init(apiKey, nil)
	return &Client{sc: sc}
}

// CreateSession creates a Checkout Session from the gateway-neutral request.
func (c *Client) CreateSession(ctx context.Context, req *checkout.SessionRequest) (*checkout.Session, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
		// Tax treatment is decided by the pricing engine, never by the
		// gateway's automatic calculation.
		AutomaticTax:             &stripe.CheckoutSessionAutomaticTaxParams{Enabled: stripe.Bool(false)},
		BillingAddressCollection: stripe.String(string(stripe.CheckoutSessionBillingAddressCollectionAuto)),
	}
	params.Context = ctx

	for _, li := range req.LineItems {
		params.LineItems = append(params.LineItems, &stripe.CheckoutSessionLineItemParams{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(req.Currency),
				UnitAmount: stripe.Int64(li.UnitAmountCents),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name:     stripe.String(li.Name),
					Images:   stripe.StringSlice(li.Images),
					Metadata: li.ProductMetadata,
				},
			},
			Quantity: stripe.Int64(li.Quantity),
		})
	}

	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	if len(req.AllowedCountries) > 0 {
		params.ShippingAddressCollection = &stripe.CheckoutSessionShippingAddressCollectionParams{
			AllowedCountries: stripe.StringSlice(req.AllowedCountries),
		}
	}
	if req.CollectPhone {
		params.PhoneNumberCollection = &stripe.CheckoutSessionPhoneNumberCollectionParams{
			Enabled: stripe.Bool(true),
		}
	}
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}
	if req.CouponID != "" {
		params.Discounts = []*stripe.CheckoutSessionDiscountParams{
			{Coupon: stripe.String(req.CouponID)},
		}
	} else if req.AllowPromotionCodes {
		params.AllowPromotionCodes = stripe.Bool(true)
	}

	sess, err := c.sc.CheckoutSessions.New(params)
	if err != nil {
		return nil, errors.Wrap(err, "create checkout session")
	}

	return &checkout.Session{ID: sess.ID, RedirectURL: sess.URL}, nil
}

// ReadSession fetches the authoritative session state with line items
// expanded down to the product, converting both into the reconciler's
// neutral view.
func (c *Client) ReadSession(ctx context.Context, sessionID string) (*reconcile.GatewaySession, error) {
	getParams := &stripe.CheckoutSessionParams{}
	getParams.Context = ctx

	sess, err := c.sc.CheckoutSessions.Get(sessionID, getParams)
	if err != nil {
		return nil, errors.Wrapf(err, "get session %s", sessionID)
	}

	out := &reconcile.GatewaySession{
		ID:             sess.ID,
		PaymentStatus:  string(sess.PaymentStatus),
		PrefilledEmail: sess.CustomerEmail,
		Metadata:       sess.Metadata,
		SubtotalCents:  sess.AmountSubtotal,
		TotalCents:     sess.AmountTotal,
	}
	if sess.PaymentIntent != nil {
		out.PaymentID = sess.PaymentIntent.ID
	}
	if sess.TotalDetails != nil {
		out.ShippingCents = sess.TotalDetails.AmountShipping
	}
	if cd := sess.CustomerDetails; cd != nil {
		out.CustomerEmail = cd.Email
		out.CustomerName = cd.Name
		out.CustomerPhone = cd.Phone
		if cd.Address != nil {
			out.Addr = reconcile.Address{
				Line1:      cd.Address.Line1,
				Line2:      cd.Address.Line2,
				City:       cd.Address.City,
				PostalCode: cd.Address.PostalCode,
				Country:    cd.Address.Country,
			}
		}
	}

	listParams := &stripe.CheckoutSessionListLineItemsParams{
		Session: stripe.String(sessionID),
	}
	listParams.Context = ctx
	listParams.AddExpand("data.price.product")

	iter := c.sc.CheckoutSessions.ListLineItems(listParams)
	for iter.Next() {
		li := iter.LineItem()
		gl := reconcile.GatewayLine{
			Description: li.Description,
			Quantity:    li.Quantity,
		}
		if li.Price != nil {
			gl.UnitAmountCents = li.Price.UnitAmount
			if li.Price.Product != nil {
				gl.ProductName = li.Price.Product.Name
				gl.Images = li.Price.Product.Images
				gl.ProductMetadata = li.Price.Product.Metadata
			}
		}
		out.Lines = append(out.Lines, gl)
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Wrapf(err, "list line items for session %s", sessionID)
	}

	return out, nil
}
