package sheets

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	sheetsapi "google.golang.org/api/sheets/v4"

	"github.com/weightmasters/storefront-api/internal/domain/reconcile"
)

// fakeSheets records Sheets API calls and serves a configurable header row.
type fakeSheets struct {
	mu        sync.Mutex
	headerRow []any

	gets         int
	updates      int
	batchUpdates int
	appended     [][]any
}

func (f *fakeSheets) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		switch {
		case r.Method == http.MethodGet:
			f.gets++
			resp := sheetsapi.ValueRange{}
			if f.headerRow != nil {
				resp.Values = [][]any{f.headerRow}
			}
			require.NoError(t, json.NewEncoder(w).Encode(resp))
		case r.Method == http.MethodPut:
			f.updates++
			var vr sheetsapi.ValueRange
			require.NoError(t, json.NewDecoder(r.Body).Decode(&vr))
			require.Len(t, vr.Values, 1)
			row := vr.Values[0]
			f.headerRow = row
			require.NoError(t, json.NewEncoder(w).Encode(sheetsapi.UpdateValuesResponse{}))
		case strings.Contains(r.URL.Path, ":append"):
			var vr sheetsapi.ValueRange
			require.NoError(t, json.NewDecoder(r.Body).Decode(&vr))
			f.appended = append(f.appended, vr.Values...)
			require.NoError(t, json.NewEncoder(w).Encode(sheetsapi.AppendValuesResponse{}))
		case strings.Contains(r.URL.Path, ":batchUpdate"):
			f.batchUpdates++
			require.NoError(t, json.NewEncoder(w).Encode(sheetsapi.BatchUpdateSpreadsheetResponse{}))
		default:
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	})
}

func newTestLedger(t *testing.T, fake *fakeSheets) *Ledger {
	srv := httptest.NewServer(fake.handler(t))
	t.Cleanup(srv.Close)

	svc, err := sheetsapi.NewService(context.Background(),
		option.WithEndpoint(srv.URL),
		option.WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)

	l := NewWithService(Config{
		SpreadsheetID: "sheet-1",
		SheetName:     "Orders",
		TaxStatus:     "Incl. 21% VAT",
	}, svc)
	l.now = func() time.Time { return time.Date(2026, 3, 14, 15, 9, 0, 0, time.UTC) }
	return l
}

func existingHeaders() []any {
	row := make([]any, len(headers))
	for i, h := range headers {
		row[i] = h
	}
	return row
}

func ledgerOrder() *reconcile.Order {
	return &reconcile.Order{
		OrderID: "pi_789",
		Label:   "WM-2026-1234",
		Email:   "jan@example.com",
		Name:    "jan de vries",
		Phone:   "+31612345678",
		Addr: reconcile.Address{
			Line1:      "Kerkstraat 1",
			City:       "Amsterdam",
			PostalCode: "1011 AB",
			Country:    "NL",
		},
		Lines: []reconcile.Line{
			{
				Name:      "Olympic Plate 20kg",
				Quantity:  2,
				UnitPrice: decimal.RequireFromString("69.95"),
				OriginalPrice: decimal.RequireFromString("69.95"),
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
		Subtotal:      decimal.RequireFromString("189.85"),
		Shipping:      decimal.RequireFromString("4.10"),
		Total:         decimal.RequireFromString("193.95"),
		PaymentStatus: "paid",
	}
}

func TestAppendOneRowPerLine(t *testing.T) {
	fake := &fakeSheets{headerRow: existingHeaders()}
	l := newTestLedger(t, fake)

	require.NoError(t, l.Append(context.Background(), ledgerOrder()))

	assert.Zero(t, fake.updates, "matching headers must not be rewritten")
	assert.Zero(t, fake.batchUpdates)
	require.Len(t, fake.appended, 2)

	first := fake.appended[0]
	assert.Equal(t, "WM-2026-1234", first[1])
	assert.Equal(t, "Jan De Vries", first[2])
	assert.Equal(t, "jan@example.com", first[3])
	assert.Equal(t, "Kerkstraat 1", first[8])
	assert.Equal(t, "Olympic Plate 20kg", first[9])
	assert.Equal(t, "€69,95", first[12])
	assert.Equal(t, "", first[13], "no discount column for full-price line")
	assert.Equal(t, "€4,10", first[18])
	assert.Equal(t, "Incl. 21% VAT", first[19])
	assert.Equal(t, "€193,95", first[20])
	assert.Equal(t, "✅", first[21])

	second := fake.appended[1]
	assert.Equal(t, "Dumbbell Set", second[9])
	assert.Equal(t, "€59,95", second[11])
	assert.Equal(t, "€49,95", second[12])
	assert.Equal(t, "17%", second[13])
	assert.Equal(t, "€10,00", second[14])
	assert.Equal(t, "€10,00", second[17])
}

func TestAppendHealsMissingHeaders(t *testing.T) {
	fake := &fakeSheets{}
	l := newTestLedger(t, fake)

	require.NoError(t, l.Append(context.Background(), ledgerOrder()))

	assert.Equal(t, 1, fake.updates)
	assert.Equal(t, 1, fake.batchUpdates)
	require.NotNil(t, fake.headerRow)
	assert.Equal(t, "Date", fake.headerRow[0])
	assert.Len(t, fake.headerRow, len(headers))

	// Second append reuses the verified headers without another read.
	require.NoError(t, l.Append(context.Background(), ledgerOrder()))
	assert.Equal(t, 1, fake.gets)
	assert.Equal(t, 1, fake.updates)
}

func TestAppendHealsDivergedHeaders(t *testing.T) {
	fake := &fakeSheets{headerRow: []any{"Datum", "Order"}}
	l := newTestLedger(t, fake)

	require.NoError(t, l.Append(context.Background(), ledgerOrder()))

	assert.Equal(t, 1, fake.updates)
	assert.Equal(t, "Date", fake.headerRow[0])
}

func TestAppendFallsBackToGatewayID(t *testing.T) {
	fake := &fakeSheets{headerRow: existingHeaders()}
	l := newTestLedger(t, fake)

	order := ledgerOrder()
	order.Label = ""
	require.NoError(t, l.Append(context.Background(), order))

	require.NotEmpty(t, fake.appended)
	assert.Equal(t, "pi_789", fake.appended[0][1])
}

func TestAppendConcurrentOrders(t *testing.T) {
	fake := &fakeSheets{headerRow: existingHeaders()}
	l := newTestLedger(t, fake)

	// Distinct orders fan out in parallel onto the one process-wide Ledger.
	const orders = 8
	var wg sync.WaitGroup
	errs := make([]error, orders)
	for i := range orders {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = l.Append(context.Background(), ledgerOrder())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Len(t, fake.appended, orders*2)
	assert.Zero(t, fake.updates)
}

func TestAppendCapitalizesNonASCIINames(t *testing.T) {
	fake := &fakeSheets{headerRow: existingHeaders()}
	l := newTestLedger(t, fake)

	order := ledgerOrder()
	order.Name = "özkan émile"
	require.NoError(t, l.Append(context.Background(), order))

	require.NotEmpty(t, fake.appended)
	assert.Equal(t, "Özkan Émile", fake.appended[0][2])
}
