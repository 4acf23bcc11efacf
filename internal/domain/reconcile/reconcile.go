// Package reconcile enriches a thin verified gateway event into a complete
// order view. The event payload carries almost nothing; the authoritative
// customer, address, and line item data come from a follow-up read against
// the gateway, and discount facts are decoded from metadata written at
// checkout time (with a legacy fallback for sessions that predate it).
package reconcile

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/weightmasters/storefront-api/internal/domain/checkout"
)

// EventCheckoutCompleted is the only event type that triggers reconciliation;
// every other type is acknowledged as a no-op.
const EventCheckoutCompleted = "checkout.session.completed"

// Event is a verified gateway notification. ID is the idempotency key: the
// gateway may redeliver the same event id any number of times.
type Event struct {
	ID        string
	Type      string
	SessionID string
	Raw       []byte
}

// ErrMissingContact is returned when no customer email can be found in any
// of the session's contact fields.
var ErrMissingContact = errors.New("no customer email in session")

// Address is a shipping/billing address as reported by the gateway.
type Address struct {
	Line1      string
	Line2      string
	City       string
	PostalCode string
	Country    string
}

// Line is one product line of a reconciled order with its discount facts.
type Line struct {
	Name            string
	Image           string
	Quantity        int64
	UnitPrice       decimal.Decimal
	OriginalPrice   decimal.Decimal
	HasDiscount     bool
	DiscountPercent int64
	// Savings is per line: (original - unit) * quantity.
	Savings decimal.Decimal
}

// Order is the complete reconciled order view handed to fulfillment.
type Order struct {
	// OrderID is the durable identifier: the gateway payment id when
	// available, otherwise the session id. Label is the short human-readable
	// code from checkout metadata.
	OrderID string
	Label   string

	Email string
	Name  string
	Phone string
	Addr  Address

	Lines    []Line
	Subtotal decimal.Decimal
	Shipping decimal.Decimal
	Total    decimal.Decimal

	PaymentStatus string
	Meta          checkout.Metadata
}

// TotalSaved sums the per-line savings.
func (o *Order) TotalSaved() decimal.Decimal {
	sum := decimal.Zero
	for _, l := range o.Lines {
		sum = sum.Add(l.Savings)
	}
	return sum
}

// GatewaySession is the neutral view of a gateway session read, with line
// items expanded to include product data.
type GatewaySession struct {
	ID             string
	PaymentID      string
	PaymentStatus  string
	CustomerEmail  string
	CustomerName   string
	CustomerPhone  string
	PrefilledEmail string
	Addr           Address
	Metadata       map[string]string
	SubtotalCents  int64
	ShippingCents  int64
	TotalCents     int64
	Lines          []GatewayLine
}

// GatewayLine is one expanded session line item.
type GatewayLine struct {
	Description     string
	Quantity        int64
	UnitAmountCents int64
	ProductName     string
	Images          []string
	ProductMetadata map[string]string
}

// Reader performs the follow-up gateway read for a session.
type Reader interface {
	ReadSession(ctx context.Context, sessionID string) (*GatewaySession, error)
}

// WarnFunc receives data-quality warnings encountered during reconciliation.
type WarnFunc func(msg string, sessionID string)

// Reconciler builds reconciled orders from verified events. It holds no
// per-event state: reconciling is a pure function of the event and the
// gateway's session state, so the same event id always yields the same
// order.
type Reconciler struct {
	gateway Reader
	warn    WarnFunc
}

// NewReconciler returns a Reconciler using the given gateway reader. warn
// may be nil.
func NewReconciler(gateway Reader, warn WarnFunc) *Reconciler {
	if warn == nil {
		warn = func(string, string) {}
	}
	return &Reconciler{gateway: gateway, warn: warn}
}

// Reconcile turns a verified event into an order view. Events other than
// checkout completion return (nil, nil): acknowledged, nothing to do.
// Gateway read failures are returned as errors so the delivery is reported
// failed and redelivered.
func (r *Reconciler) Reconcile(ctx context.Context, ev Event) (*Order, error) {
	if ev.Type != EventCheckoutCompleted {
		return nil, nil
	}

	sess, err := r.gateway.ReadSession(ctx, ev.SessionID)
	if err != nil {
		return nil, errors.Wrapf(err, "read session %s", ev.SessionID)
	}

	email := firstNonEmpty(sess.CustomerEmail, sess.PrefilledEmail)
	if email == "" {
		return nil, ErrMissingContact
	}

	meta, err := checkout.DecodeMetadata(sess.Metadata)
	if err != nil {
		// Sessions from before metadata existed still fulfill; the short
		// label is simply absent.
		r.warn("session metadata undecodable, using gateway amounts only", sess.ID)
		meta = checkout.Metadata{}
	}

	order := &Order{
		OrderID:       firstNonEmpty(sess.PaymentID, sess.ID),
		Label:         meta.OrderID,
		Email:         email,
		Name:          sess.CustomerName,
		Phone:         sess.CustomerPhone,
		Addr:          sess.Addr,
		Subtotal:      decimal.New(sess.SubtotalCents, -2),
		Shipping:      decimal.New(sess.ShippingCents, -2),
		Total:         decimal.New(sess.TotalCents, -2),
		PaymentStatus: sess.PaymentStatus,
		Meta:          meta,
	}

	for _, gl := range sess.Lines {
		if isSyntheticLine(gl.Description) {
			// Shipping, tax, and savings info lines are session bookkeeping,
			// not products. Their amounts are already in the session totals.
			if gl.Description == checkout.ShippingLineName && gl.UnitAmountCents > 0 {
				order.Shipping = decimal.New(gl.UnitAmountCents, -2)
			}
			continue
		}
		line, ok := r.decodeLine(gl)
		if !ok {
			r.warn("line discount facts undecodable, defaulting to no discount", sess.ID)
		}
		order.Lines = append(order.Lines, line)
	}

	return order, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
