package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/weightmasters/storefront-api/internal/domain/pricing"
)

// checkoutItem is one cart entry in the checkout request body.
type checkoutItem struct {
	Name                  string  `json:"name"`
	Image                 string  `json:"image"`
	Price                 float64 `json:"price"`
	SalePrice             float64 `json:"salePrice"`
	Quantity              int     `json:"quantity"`
	WeightGrams           float64 `json:"weightGrams"`
	FreeShippingThreshold float64 `json:"freeShippingThreshold"`
	CouponID              string  `json:"couponId"`
}

type checkoutRequest struct {
	Items        []checkoutItem `json:"items"`
	Email        string         `json:"email"`
	CheckoutSlug string         `json:"checkoutSlug"`
	// CouponID at the request level overrides any per-item coupon.
	CouponID string `json:"couponId"`
}

type checkoutResponse struct {
	SessionID   string `json:"sessionId"`
	RedirectURL string `json:"redirectUrl"`
}

const maxCheckoutBody = 256 << 10

// CreateCheckout prices the submitted cart and opens a checkout session at
// the payment gateway.
func (h *Handler) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	var req checkoutRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxCheckoutBody))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		h.countCheckout(r, "bad_request")
		return
	}

	if req.CheckoutSlug == "" {
		writeError(w, http.StatusBadRequest, "checkoutSlug is required")
		h.countCheckout(r, "bad_request")
		return
	}
	if len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, "items required")
		h.countCheckout(r, "bad_request")
		return
	}

	cart := make([]pricing.CartItem, len(req.Items))
	for i, item := range req.Items {
		cart[i] = pricing.CartItem{
			Name:                  item.Name,
			Image:                 item.Image,
			Price:                 item.Price,
			SalePrice:             item.SalePrice,
			Quantity:              item.Quantity,
			WeightGrams:           item.WeightGrams,
			FreeShippingThreshold: item.FreeShippingThreshold,
			CouponID:              item.CouponID,
		}
	}

	order, err := h.engine.Price(cart)
	if err != nil {
		var amountErr *pricing.InvalidAmountError
		var qtyErr *pricing.InvalidQuantityError
		if errors.As(err, &amountErr) || errors.As(err, &qtyErr) {
			writeError(w, http.StatusBadRequest, err.Error())
			h.countCheckout(r, "bad_request")
			return
		}
		logger(r).Error("Pricing cart", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		h.countCheckout(r, "error")
		return
	}
	if req.CouponID != "" {
		order.CouponID = req.CouponID
	}

	sessionReq := h.builder.Build(order, req.Email, req.CheckoutSlug)
	session, err := h.gateway.CreateSession(r.Context(), sessionReq)
	if err != nil {
		logger(r).Error("Creating checkout session",
			zap.String("order_id", sessionReq.OrderID),
			zap.Error(err),
		)
		writeError(w, http.StatusBadGateway, "payment provider unavailable")
		h.countCheckout(r, "gateway_error")
		return
	}

	logger(r).Info("Checkout session created",
		zap.String("order_id", sessionReq.OrderID),
		zap.String("session_id", session.ID),
		zap.String("slug", req.CheckoutSlug),
	)
	h.countCheckout(r, "ok")
	writeJSON(w, http.StatusOK, checkoutResponse{
		SessionID:   session.ID,
		RedirectURL: session.RedirectURL,
	})
}

func (h *Handler) countCheckout(r *http.Request, result string) {
	if h.metrics == nil {
		return
	}
	h.metrics.checkoutSessions.Add(r.Context(), 1,
		metric.WithAttributes(attribute.String("result", result)))
}
