// Package handler implements the storefront HTTP endpoints: checkout session
// creation and the payment webhook.
package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/weightmasters/storefront-api/internal/domain/checkout"
	"github.com/weightmasters/storefront-api/internal/domain/fulfillment"
	"github.com/weightmasters/storefront-api/internal/domain/pricing"
	"github.com/weightmasters/storefront-api/internal/domain/reconcile"
)

// Verifier authenticates a raw webhook delivery.
type Verifier interface {
	Verify(payload []byte, sigHeader string) (reconcile.Event, error)
}

// EventArchive stores every verified webhook delivery before processing.
type EventArchive interface {
	Insert(ctx context.Context, ev *reconcile.Event) error
}

// Metrics holds the handler's instruments. Use NewMetrics to create them.
type Metrics struct {
	checkoutSessions metric.Int64Counter
	webhookEvents    metric.Int64Counter
}

// NewMetrics registers the handler counters on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	sessions, err := meter.Int64Counter("storefront.checkout.sessions",
		metric.WithDescription("Checkout sessions created, by result"))
	if err != nil {
		return nil, err
	}
	events, err := meter.Int64Counter("storefront.webhook.events",
		metric.WithDescription("Webhook deliveries processed, by result"))
	if err != nil {
		return nil, err
	}
	return &Metrics{checkoutSessions: sessions, webhookEvents: events}, nil
}

// Handler serves the storefront API. All dependencies are injected.
type Handler struct {
	engine     *pricing.Engine
	builder    *checkout.Builder
	gateway    checkout.Gateway
	verifier   Verifier
	events     EventArchive
	reconciler *reconcile.Reconciler
	dispatcher *fulfillment.Dispatcher
	metrics    *Metrics
}

// NewHandler constructs a Handler with the required dependencies. metrics
// may be nil to disable counters.
func NewHandler(
	engine *pricing.Engine,
	builder *checkout.Builder,
	gateway checkout.Gateway,
	verifier Verifier,
	events EventArchive,
	reconciler *reconcile.Reconciler,
	dispatcher *fulfillment.Dispatcher,
	metrics *Metrics,
) *Handler {
	return &Handler{
		engine:     engine,
		builder:    builder,
		gateway:    gateway,
		verifier:   verifier,
		events:     events,
		reconciler: reconciler,
		dispatcher: dispatcher,
		metrics:    metrics,
	}
}

// Register mounts the API routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/checkout", h.CreateCheckout)
	mux.HandleFunc("POST /api/webhook", h.Webhook)
}

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Code: status, Message: msg})
}

func logger(r *http.Request) *zap.Logger {
	return zctx.From(r.Context())
}
