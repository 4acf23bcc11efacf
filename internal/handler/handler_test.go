package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/weightmasters/storefront-api/internal/domain/checkout"
	"github.com/weightmasters/storefront-api/internal/domain/fulfillment"
	"github.com/weightmasters/storefront-api/internal/domain/pricing"
	"github.com/weightmasters/storefront-api/internal/domain/reconcile"
)

// --- Mock implementations ---

type mockGateway struct {
	lastReq *checkout.SessionRequest
	session *checkout.Session
	err     error
}

func (m *mockGateway) CreateSession(_ context.Context, req *checkout.SessionRequest) (*checkout.Session, error) {
	m.lastReq = req
	if m.err != nil {
		return nil, m.err
	}
	return m.session, nil
}

type mockVerifier struct {
	event reconcile.Event
	err   error
}

func (m *mockVerifier) Verify(_ []byte, _ string) (reconcile.Event, error) {
	return m.event, m.err
}

type mockArchive struct {
	inserted []string
	err      error
}

func (m *mockArchive) Insert(_ context.Context, ev *reconcile.Event) error {
	if m.err != nil {
		return m.err
	}
	m.inserted = append(m.inserted, ev.ID)
	return nil
}

type mockReader struct {
	session *reconcile.GatewaySession
	err     error
}

func (m *mockReader) ReadSession(_ context.Context, _ string) (*reconcile.GatewaySession, error) {
	return m.session, m.err
}

type memRecordStore struct {
	records map[string]*fulfillment.Record
}

func newMemRecordStore() *memRecordStore {
	return &memRecordStore{records: make(map[string]*fulfillment.Record)}
}

func (s *memRecordStore) Find(_ context.Context, orderID string) (*fulfillment.Record, error) {
	rec, ok := s.records[orderID]
	if !ok {
		return nil, fulfillment.ErrRecordNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *memRecordStore) Touch(_ context.Context, orderID string, _ *reconcile.Order) (*fulfillment.Record, error) {
	rec, ok := s.records[orderID]
	if !ok {
		rec = &fulfillment.Record{OrderID: orderID}
		s.records[orderID] = rec
	}
	rec.Attempts++
	rec.UpdatedAt = time.Now()
	cp := *rec
	return &cp, nil
}

func (s *memRecordStore) MarkEmailSent(_ context.Context, orderID string) error {
	s.records[orderID].EmailSent = true
	return nil
}

func (s *memRecordStore) MarkLedgerAppended(_ context.Context, orderID string) error {
	s.records[orderID].LedgerAppended = true
	return nil
}

type mockNotifier struct {
	calls int
	err   error
}

func (m *mockNotifier) SendConfirmation(_ context.Context, _ *reconcile.Order) error {
	m.calls++
	return m.err
}

type mockLedger struct {
	calls int
	err   error
}

func (m *mockLedger) Append(_ context.Context, _ *reconcile.Order) error {
	m.calls++
	return m.err
}

// --- Helpers ---

type testDeps struct {
	gateway  *mockGateway
	verifier *mockVerifier
	archive  *mockArchive
	reader   *mockReader
	notifier *mockNotifier
	ledger   *mockLedger
}

func newTestHandler(t *testing.T, deps *testDeps) *Handler {
	engine, err := pricing.NewEngine(pricing.Config{TaxMode: pricing.TaxInclusive})
	require.NoError(t, err)

	builder := checkout.NewBuilder(checkout.Config{
		OrderIDPrefix:    "WM",
		Currency:         "eur",
		SuccessURL:       "https://shop.example/success",
		CancelURL:        "https://shop.example/cancel",
		AllowedCountries: []string{"NL", "BE"},
	})

	dispatcher := fulfillment.NewDispatcher(
		newMemRecordStore(), deps.notifier, deps.ledger, nil, time.Second,
	)
	reconciler := reconcile.NewReconciler(deps.reader, nil)

	return NewHandler(engine, builder, deps.gateway, deps.verifier, deps.archive, reconciler, dispatcher, nil)
}

func defaultDeps() *testDeps {
	return &testDeps{
		gateway: &mockGateway{session: &checkout.Session{
			ID:          "cs_test_1",
			RedirectURL: "https://pay.example/cs_test_1",
		}},
		verifier: &mockVerifier{event: reconcile.Event{
			ID:        "evt_1",
			Type:      reconcile.EventCheckoutCompleted,
			SessionID: "cs_test_1",
			Raw:       []byte(`{}`),
		}},
		archive: &mockArchive{},
		reader: &mockReader{session: &reconcile.GatewaySession{
			ID:            "cs_test_1",
			PaymentID:     "pi_1",
			PaymentStatus: "paid",
			CustomerEmail: "jan@example.com",
			CustomerName:  "Jan",
			SubtotalCents: 6995,
			ShippingCents: 0,
			TotalCents:    6995,
			Lines: []reconcile.GatewayLine{
				{Description: "Olympic Plate 20kg", Quantity: 1, UnitAmountCents: 6995},
			},
		}},
		notifier: &mockNotifier{},
		ledger:   &mockLedger{},
	}
}

func postJSON(t *testing.T, h http.HandlerFunc, body any) *httptest.ResponseRecorder {
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(data))
	w := httptest.NewRecorder()
	h(w, req)
	return w
}

func validCheckoutRequest() checkoutRequest {
	return checkoutRequest{
		CheckoutSlug: "powerlifting-set",
		Email:        "jan@example.com",
		Items: []checkoutItem{
			{Name: "Olympic Plate 20kg", Price: 79.95, SalePrice: 69.95, Quantity: 1, WeightGrams: 20000},
		},
	}
}

// --- Checkout ---

func TestCreateCheckout(t *testing.T) {
	deps := defaultDeps()
	h := newTestHandler(t, deps)

	w := postJSON(t, h.CreateCheckout, validCheckoutRequest())

	require.Equal(t, http.StatusOK, w.Code)
	var resp checkoutResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "cs_test_1", resp.SessionID)
	assert.Equal(t, "https://pay.example/cs_test_1", resp.RedirectURL)

	require.NotNil(t, deps.gateway.lastReq)
	assert.Equal(t, "jan@example.com", deps.gateway.lastReq.CustomerEmail)
	assert.Regexp(t, `^WM-\d{4}-\d{4}$`, deps.gateway.lastReq.OrderID)
}

func TestCreateCheckoutRequiresSlug(t *testing.T) {
	h := newTestHandler(t, defaultDeps())

	req := validCheckoutRequest()
	req.CheckoutSlug = ""
	w := postJSON(t, h.CreateCheckout, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "checkoutSlug")
}

func TestCreateCheckoutRequiresItems(t *testing.T) {
	h := newTestHandler(t, defaultDeps())

	req := validCheckoutRequest()
	req.Items = nil
	w := postJSON(t, h.CreateCheckout, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateCheckoutRejectsInvalidCart(t *testing.T) {
	h := newTestHandler(t, defaultDeps())

	req := validCheckoutRequest()
	req.Items[0].Quantity = 0
	w := postJSON(t, h.CreateCheckout, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateCheckoutRejectsMalformedBody(t *testing.T) {
	h := newTestHandler(t, defaultDeps())

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	h.CreateCheckout(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCreateCheckoutRequestCouponOverridesItems(t *testing.T) {
	deps := defaultDeps()
	h := newTestHandler(t, deps)

	req := validCheckoutRequest()
	req.Items[0].CouponID = "ITEM10"
	req.CouponID = "SPRING25"
	w := postJSON(t, h.CreateCheckout, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, deps.gateway.lastReq)
	assert.Equal(t, "SPRING25", deps.gateway.lastReq.CouponID)
	assert.False(t, deps.gateway.lastReq.AllowPromotionCodes)
}

func TestCreateCheckoutGatewayDown(t *testing.T) {
	deps := defaultDeps()
	deps.gateway.err = errors.New("connection refused")
	h := newTestHandler(t, deps)

	w := postJSON(t, h.CreateCheckout, validCheckoutRequest())

	assert.Equal(t, http.StatusBadGateway, w.Code)
}

// --- Webhook ---

func postWebhook(h *Handler, payload string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(payload))
	req.Header.Set("Stripe-Signature", "t=1,v1=aa")
	w := httptest.NewRecorder()
	h.Webhook(w, req)
	return w
}

func TestWebhookFulfillsOrder(t *testing.T) {
	deps := defaultDeps()
	h := newTestHandler(t, deps)

	w := postWebhook(h, `{}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"evt_1"}, deps.archive.inserted)
	assert.Equal(t, 1, deps.notifier.calls)
	assert.Equal(t, 1, deps.ledger.calls)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	deps := defaultDeps()
	deps.verifier.err = errors.New("signature mismatch")
	h := newTestHandler(t, deps)

	w := postWebhook(h, `{}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, deps.archive.inserted)
	assert.Zero(t, deps.notifier.calls)
}

func TestWebhookSignatureRejectionLogsSecurityMarker(t *testing.T) {
	deps := defaultDeps()
	deps.verifier.err = errors.New("signature mismatch")
	h := newTestHandler(t, deps)

	core, logs := observer.New(zapcore.WarnLevel)
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=aa")
	req = req.WithContext(zctx.Base(req.Context(), zap.New(core)))
	w := httptest.NewRecorder()
	h.Webhook(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	entries := logs.FilterMessage("Webhook signature rejected").All()
	require.Len(t, entries, 1)
	assert.Equal(t, true, entries[0].ContextMap()["security"])
}

func TestWebhookArchiveFailureRequestsRedelivery(t *testing.T) {
	deps := defaultDeps()
	deps.archive.err = errors.New("db down")
	h := newTestHandler(t, deps)

	w := postWebhook(h, `{}`)

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Zero(t, deps.notifier.calls)
}

func TestWebhookIgnoresOtherEventTypes(t *testing.T) {
	deps := defaultDeps()
	deps.verifier.event.Type = "payment_intent.created"
	h := newTestHandler(t, deps)

	w := postWebhook(h, `{}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ignored")
	assert.Equal(t, []string{"evt_1"}, deps.archive.inserted, "ignored events are still archived")
	assert.Zero(t, deps.notifier.calls)
}

func TestWebhookMissingContactDropsEvent(t *testing.T) {
	deps := defaultDeps()
	deps.reader.session.CustomerEmail = ""
	h := newTestHandler(t, deps)

	w := postWebhook(h, `{}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Zero(t, deps.notifier.calls)
}

func TestWebhookGatewayReadFailureRequestsRedelivery(t *testing.T) {
	deps := defaultDeps()
	deps.reader.session = nil
	deps.reader.err = errors.New("stripe timeout")
	h := newTestHandler(t, deps)

	w := postWebhook(h, `{}`)

	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestWebhookSinkFailureRequestsRedelivery(t *testing.T) {
	deps := defaultDeps()
	deps.ledger.err = errors.New("sheet unavailable")
	h := newTestHandler(t, deps)

	w := postWebhook(h, `{}`)

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, 1, deps.notifier.calls, "email sink still ran")
}

func TestWebhookRedeliveryAfterPartialFailure(t *testing.T) {
	deps := defaultDeps()
	deps.ledger.err = errors.New("sheet unavailable")
	h := newTestHandler(t, deps)

	w := postWebhook(h, `{}`)
	require.Equal(t, http.StatusBadGateway, w.Code)

	deps.ledger.err = nil
	w = postWebhook(h, `{}`)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, 1, deps.notifier.calls, "email not resent on redelivery")
	assert.Equal(t, 2, deps.ledger.calls)
}

