package brevo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weightmasters/storefront-api/internal/domain/reconcile"
)

func testOrder() *reconcile.Order {
	return &reconcile.Order{
		OrderID: "pi_123",
		Label:   "WM-2026-4821",
		Email:   "jan@example.com",
		Name:    "Jan",
		Lines: []reconcile.Line{
			{
				Name:      "Olympic Plate 20kg",
				Quantity:  2,
				UnitPrice: decimal.RequireFromString("69.95"),
			},
			{
				Name:            "Dumbbell Set",
				Quantity:        1,
				UnitPrice:       decimal.RequireFromString("49.95"),
				OriginalPrice:   decimal.RequireFromString("59.95"),
				HasDiscount:     true,
				DiscountPercent: 17,
				Savings:         decimal.RequireFromString("10.00"),
			},
		},
		Subtotal: decimal.RequireFromString("189.85"),
		Shipping: decimal.Zero,
		Total:    decimal.RequireFromString("189.85"),
	}
}

func TestSendConfirmation(t *testing.T) {
	var got emailRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v3/smtp/email", r.URL.Path)
		assert.Equal(t, "key-123", r.Header.Get("api-key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := New(Config{
		APIKey:      "key-123",
		SenderName:  "Weight Masters",
		SenderEmail: "orders@example.com",
		TemplateID:  7,
		ShopName:    "Weight Masters",
		BaseURL:     srv.URL,
	}, srv.Client())

	err := c.SendConfirmation(context.Background(), testOrder())
	require.NoError(t, err)

	assert.Equal(t, int64(7), got.TemplateID)
	require.Len(t, got.To, 1)
	assert.Equal(t, "jan@example.com", got.To[0].Email)
	assert.Equal(t, "WM-2026-4821", got.Params.OrderID)
	assert.Equal(t, "189.85", got.Params.Total)
	assert.Equal(t, "0.00", got.Params.Shipping)
	require.Len(t, got.Params.Items, 2)
	assert.Equal(t, int64(2), got.Params.Items[0].Quantity)
	assert.Empty(t, got.Params.Items[0].OriginalPrice)
	assert.True(t, got.Params.HasDiscount)
	require.Len(t, got.Params.DiscountItems, 1)
	assert.Equal(t, "59.95", got.Params.DiscountItems[0].OriginalPrice)
	assert.Equal(t, "10.00", got.Params.DiscountItems[0].SavedAmount)
	assert.Equal(t, "10.00", got.Params.TotalSaved)
}

func TestSendConfirmationFallsBackToGatewayID(t *testing.T) {
	var got emailRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c := New(Config{APIKey: "k", BaseURL: srv.URL}, srv.Client())

	order := testOrder()
	order.Label = ""
	order.Name = ""
	require.NoError(t, c.SendConfirmation(context.Background(), order))

	assert.Equal(t, "pi_123", got.Params.OrderID)
	assert.Equal(t, "Customer", got.Params.Name)
}

func TestSendConfirmationProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"code":"invalid_parameter"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := New(Config{APIKey: "k", BaseURL: srv.URL}, srv.Client())

	err := c.SendConfirmation(context.Background(), testOrder())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
}
