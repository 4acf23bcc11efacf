package handler

import (
	"io"
	"net/http"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/weightmasters/storefront-api/internal/domain/reconcile"
	"github.com/weightmasters/storefront-api/internal/gateway/stripeapi"
)

const maxWebhookBody = 1 << 20

type webhookResponse struct {
	Received bool   `json:"received"`
	Message  string `json:"message,omitempty"`
}

// Webhook handles payment gateway event deliveries. The response code
// drives the gateway's redelivery: 2xx acknowledges, 4xx drops the event as
// unprocessable, 5xx asks for another delivery.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "cannot read body")
		h.countWebhook(r, "bad_request")
		return
	}

	ev, err := h.verifier.Verify(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		// Someone is posting unsigned or mis-signed payloads at the
		// endpoint. The security field lets log pipelines route these
		// separately from ordinary warnings.
		logger(r).Warn("Webhook signature rejected",
			zap.Bool("security", true),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Int("payload_bytes", len(payload)),
			zap.Error(err),
		)
		writeError(w, http.StatusBadRequest, "signature verification failed")
		h.countWebhook(r, "bad_signature")
		return
	}

	lg := logger(r).With(
		zap.String("event_id", ev.ID),
		zap.String("event_type", ev.Type),
	)

	// The archive is the audit trail for replay; losing an event is worse
	// than making the gateway redeliver it.
	if err := h.events.Insert(r.Context(), &ev); err != nil {
		lg.Error("Archiving webhook event", zap.Error(err))
		writeError(w, http.StatusBadGateway, "event archival failed")
		h.countWebhook(r, "archive_error")
		return
	}

	order, err := h.reconciler.Reconcile(r.Context(), ev)
	if err != nil {
		if errors.Is(err, reconcile.ErrMissingContact) {
			lg.Warn("Session has no customer contact, dropping")
			writeError(w, http.StatusBadRequest, "no customer contact")
			h.countWebhook(r, "no_contact")
			return
		}
		lg.Error("Reconciling session", zap.Error(err))
		writeError(w, http.StatusBadGateway, "reconciliation failed")
		h.countWebhook(r, "reconcile_error")
		return
	}
	if order == nil {
		writeJSON(w, http.StatusOK, webhookResponse{Received: true, Message: "event ignored"})
		h.countWebhook(r, "ignored")
		return
	}

	outcome, err := h.dispatcher.Dispatch(r.Context(), order)
	if err != nil {
		lg.Error("Dispatching fulfillment", zap.Error(err))
		writeError(w, http.StatusBadGateway, "fulfillment state unavailable")
		h.countWebhook(r, "dispatch_error")
		return
	}

	if !outcome.Complete() {
		lg.Warn("Fulfillment incomplete, requesting redelivery",
			zap.String("order_id", order.OrderID),
			zap.Bool("email_sent", outcome.EmailSent),
			zap.Bool("ledger_appended", outcome.LedgerAppended),
			zap.NamedError("email_err", outcome.EmailErr),
			zap.NamedError("ledger_err", outcome.LedgerErr),
		)
		writeError(w, http.StatusBadGateway, "fulfillment incomplete")
		h.countWebhook(r, "incomplete")
		return
	}

	lg.Info("Order fulfilled", zap.String("order_id", order.OrderID))
	h.countWebhook(r, "fulfilled")
	writeJSON(w, http.StatusOK, webhookResponse{Received: true})
}

func (h *Handler) countWebhook(r *http.Request, result string) {
	if h.metrics == nil {
		return
	}
	h.metrics.webhookEvents.Add(r.Context(), 1,
		metric.WithAttributes(attribute.String("result", result)))
}

var _ Verifier = (*stripeapi.Verifier)(nil)
