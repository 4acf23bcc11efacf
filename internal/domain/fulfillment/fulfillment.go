// Package fulfillment fans a reconciled order out to its side-effect sinks
// (customer email, bookkeeping ledger) with per-sink isolation and
// at-least-once-safe idempotency via persisted fulfillment records.
package fulfillment

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"golang.org/x/sync/errgroup"

	"github.com/weightmasters/storefront-api/internal/domain/reconcile"
)

// ErrRecordNotFound is returned by RecordStore.Find when no record exists
// for the order.
var ErrRecordNotFound = errors.New("fulfillment record not found")

// Record tracks which sinks have already succeeded for an order. Created
// lazily on the first processing attempt, updated on every attempt, never
// deleted.
type Record struct {
	OrderID        string
	EmailSent      bool
	LedgerAppended bool
	Attempts       int
	UpdatedAt      time.Time
}

// Done reports whether every sink has succeeded.
func (r *Record) Done() bool {
	return r.EmailSent && r.LedgerAppended
}

// RecordStore persists fulfillment records keyed by order id.
type RecordStore interface {
	// Find returns the record for an order, or ErrRecordNotFound.
	Find(ctx context.Context, orderID string) (*Record, error)
	// Touch creates the record if absent and increments its attempt
	// counter, returning the current state.
	Touch(ctx context.Context, orderID string, o *reconcile.Order) (*Record, error)
	MarkEmailSent(ctx context.Context, orderID string) error
	MarkLedgerAppended(ctx context.Context, orderID string) error
}

// Notifier sends the customer-facing order confirmation.
type Notifier interface {
	SendConfirmation(ctx context.Context, o *reconcile.Order) error
}

// Ledger appends the bookkeeping entry for an order.
type Ledger interface {
	Append(ctx context.Context, o *reconcile.Order) error
}

// Outcome describes what each sink did for one dispatch attempt. A sink
// skipped because its record was already marked counts as succeeded.
type Outcome struct {
	EmailSent      bool
	LedgerAppended bool
	EmailErr       error
	LedgerErr      error
}

// Complete reports whether both sinks have now succeeded.
func (o Outcome) Complete() bool {
	return o.EmailSent && o.LedgerAppended
}

// Dispatcher coordinates the fan-out. Sinks run in parallel on contexts
// detached from the inbound request: an abandoned in-flight fulfillment is
// worse than a late HTTP response, so a client disconnect never cancels a
// started sink call.
type Dispatcher struct {
	records     RecordStore
	notifier    Notifier
	ledger      Ledger
	seen        *SeenFilter
	sinkTimeout time.Duration
}

// NewDispatcher wires the dispatcher. seen may be nil to disable the
// duplicate fast path.
func NewDispatcher(records RecordStore, notifier Notifier, ledger Ledger, seen *SeenFilter, sinkTimeout time.Duration) *Dispatcher {
	if sinkTimeout <= 0 {
		sinkTimeout = 20 * time.Second
	}
	return &Dispatcher{
		records:     records,
		notifier:    notifier,
		ledger:      ledger,
		seen:        seen,
		sinkTimeout: sinkTimeout,
	}
}

// Dispatch runs both sinks for the order, skipping any sink already marked
// succeeded. The returned error covers record-store failures only; per-sink
// failures are reported in the Outcome so the caller can pick the response
// code.
func (d *Dispatcher) Dispatch(ctx context.Context, o *reconcile.Order) (Outcome, error) {
	// Fast path for redeliveries: an order the filter has definitely never
	// seen cannot have a record, so the extra lookup is skipped.
	if d.seen != nil && d.seen.MightContain(o.OrderID) {
		rec, err := d.records.Find(ctx, o.OrderID)
		if err == nil && rec.Done() {
			return Outcome{EmailSent: true, LedgerAppended: true}, nil
		}
		if err != nil && !errors.Is(err, ErrRecordNotFound) {
			return Outcome{}, errors.Wrap(err, "find fulfillment record")
		}
	}

	rec, err := d.records.Touch(ctx, o.OrderID, o)
	if err != nil {
		return Outcome{}, errors.Wrap(err, "touch fulfillment record")
	}
	if d.seen != nil {
		d.seen.Add(o.OrderID)
	}

	var out Outcome
	out.EmailSent = rec.EmailSent
	out.LedgerAppended = rec.LedgerAppended

	// Each sink gets its own timeout on a context that survives the inbound
	// request's cancellation. No lock is held across either call, and a
	// stall in one sink cannot block the other.
	base := context.WithoutCancel(ctx)

	g := new(errgroup.Group)
	if !rec.EmailSent {
		g.Go(func() error {
			sinkCtx, cancel := context.WithTimeout(base, d.sinkTimeout)
			defer cancel()
			if err := d.notifier.SendConfirmation(sinkCtx, o); err != nil {
				out.EmailErr = err
				return nil
			}
			if err := d.records.MarkEmailSent(base, o.OrderID); err != nil {
				// The email went out but the mark failed; the next delivery
				// may resend. Reported so the delivery is retried.
				out.EmailErr = errors.Wrap(err, "mark email sent")
				return nil
			}
			out.EmailSent = true
			return nil
		})
	}
	if !rec.LedgerAppended {
		g.Go(func() error {
			sinkCtx, cancel := context.WithTimeout(base, d.sinkTimeout)
			defer cancel()
			if err := d.ledger.Append(sinkCtx, o); err != nil {
				out.LedgerErr = err
				return nil
			}
			if err := d.records.MarkLedgerAppended(base, o.OrderID); err != nil {
				out.LedgerErr = errors.Wrap(err, "mark ledger appended")
				return nil
			}
			out.LedgerAppended = true
			return nil
		})
	}
	_ = g.Wait()

	return out, nil
}
