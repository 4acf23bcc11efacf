// Package sheets appends fulfilled orders to a Google spreadsheet, one row
// per product line.
package sheets

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"google.golang.org/api/option"
	sheetsapi "google.golang.org/api/sheets/v4"

	"github.com/weightmasters/storefront-api/internal/domain/fulfillment"
	"github.com/weightmasters/storefront-api/internal/domain/reconcile"
)

// headers is the canonical first row. Column order matters: Append writes
// positionally, so any change here needs a matching change in orderRows.
var headers = []string{
	"Date",
	"Order ID",
	"Name",
	"Email",
	"Phone",
	"Country",
	"City",
	"Postal code",
	"Address",
	"Product",
	"Quantity",
	"Original unit price",
	"Unit price",
	"Discount",
	"Savings per unit",
	"Line original total",
	"Line total",
	"Line savings",
	"Shipping",
	"Tax status",
	"Order total",
	"Payment status",
}

var _ fulfillment.Ledger = (*Ledger)(nil)

// Config identifies the target spreadsheet.
type Config struct {
	SpreadsheetID string
	SheetName     string
	TaxStatus     string
	// CredentialsJSON is the service account key. Ignored when Service is
	// injected directly through NewWithService.
	CredentialsJSON []byte
}

// Ledger writes order rows through the Sheets API. Header verification runs
// once per process and self-heals a sheet whose first row diverged.
type Ledger struct {
	cfg Config
	svc *sheetsapi.Service

	// headersOK is read and set from concurrent Append calls: the dispatcher
	// fans out distinct orders in parallel onto this one Ledger. Concurrent
	// first appends may each run the header check, which is harmless since
	// the heal writes are idempotent.
	headersOK atomic.Bool
	now       func() time.Time
}

// New builds a Ledger authenticated with the configured service account.
func New(ctx context.Context, cfg Config) (*Ledger, error) {
	svc, err := sheetsapi.NewService(ctx,
		option.WithCredentialsJSON(cfg.CredentialsJSON),
		option.WithScopes(sheetsapi.SpreadsheetsScope),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create sheets service")
	}
	return NewWithService(cfg, svc), nil
}

// NewWithService wires an existing Sheets service, for tests.
func NewWithService(cfg Config, svc *sheetsapi.Service) *Ledger {
	if cfg.SheetName == "" {
		cfg.SheetName = "Orders"
	}
	return &Ledger{cfg: cfg, svc: svc, now: time.Now}
}

// Append writes one row per product line. The whole call fails if any part
// does, so webhook redelivery retries it atomically from the ledger's view.
func (l *Ledger) Append(ctx context.Context, o *reconcile.Order) error {
	if err := l.ensureHeaders(ctx); err != nil {
		return err
	}

	rows := l.orderRows(o)
	_, err := l.svc.Spreadsheets.Values.
		Append(l.cfg.SpreadsheetID, l.dataRange(), &sheetsapi.ValueRange{Values: rows}).
		ValueInputOption("USER_ENTERED").
		Context(ctx).Do()
	if err != nil {
		return errors.Wrap(err, "append order rows")
	}
	return nil
}

func (l *Ledger) dataRange() string {
	return fmt.Sprintf("%s!A:V", l.cfg.SheetName)
}

func (l *Ledger) headerRange() string {
	return fmt.Sprintf("%s!A1:V1", l.cfg.SheetName)
}

func (l *Ledger) ensureHeaders(ctx context.Context) error {
	if l.headersOK.Load() {
		return nil
	}

	resp, err := l.svc.Spreadsheets.Values.Get(l.cfg.SpreadsheetID, l.headerRange()).Context(ctx).Do()
	if err != nil {
		return errors.Wrap(err, "read sheet headers")
	}

	var current []any
	if len(resp.Values) > 0 {
		current = resp.Values[0]
	}
	if headersMatch(current) {
		l.headersOK.Store(true)
		return nil
	}

	row := make([]any, len(headers))
	for i, h := range headers {
		row[i] = h
	}
	_, err = l.svc.Spreadsheets.Values.
		Update(l.cfg.SpreadsheetID, l.headerRange(), &sheetsapi.ValueRange{Values: [][]any{row}}).
		ValueInputOption("USER_ENTERED").
		Context(ctx).Do()
	if err != nil {
		return errors.Wrap(err, "write sheet headers")
	}

	// Freeze and style the header row so manual edits stay below it.
	_, err = l.svc.Spreadsheets.BatchUpdate(l.cfg.SpreadsheetID, &sheetsapi.BatchUpdateSpreadsheetRequest{
		Requests: []*sheetsapi.Request{
			{
				UpdateSheetProperties: &sheetsapi.UpdateSheetPropertiesRequest{
					Properties: &sheetsapi.SheetProperties{
						SheetId:        0,
						GridProperties: &sheetsapi.GridProperties{FrozenRowCount: 1},
					},
					Fields: "gridProperties.frozenRowCount",
				},
			},
			{
				RepeatCell: &sheetsapi.RepeatCellRequest{
					Range: &sheetsapi.GridRange{SheetId: 0, StartRowIndex: 0, EndRowIndex: 1},
					Cell: &sheetsapi.CellData{
						UserEnteredFormat: &sheetsapi.CellFormat{
							BackgroundColor:     &sheetsapi.Color{Red: 0.9, Green: 0.9, Blue: 0.9},
							TextFormat:          &sheetsapi.TextFormat{Bold: true},
							HorizontalAlignment: "CENTER",
						},
					},
					Fields: "userEnteredFormat(backgroundColor,textFormat,horizontalAlignment)",
				},
			},
		},
	}).Context(ctx).Do()
	if err != nil {
		return errors.Wrap(err, "format sheet headers")
	}

	l.headersOK.Store(true)
	return nil
}

func headersMatch(current []any) bool {
	if len(current) != len(headers) {
		return false
	}
	for i, v := range current {
		s, ok := v.(string)
		if !ok || s != headers[i] {
			return false
		}
	}
	return true
}

func (l *Ledger) orderRows(o *reconcile.Order) [][]any {
	date := l.now().Format("2-1-2006 15:04")
	name := capitalizeWords(o.Name)
	address := strings.TrimSpace(o.Addr.Line1 + " " + o.Addr.Line2)
	paid := "❌"
	if o.PaymentStatus == "paid" {
		paid = "✅"
	}

	rows := make([][]any, 0, len(o.Lines))
	for _, line := range o.Lines {
		qty := decimal.NewFromInt(line.Quantity)
		discount := ""
		savingsUnit := ""
		lineSavings := ""
		if line.HasDiscount {
			discount = fmt.Sprintf("%d%%", line.DiscountPercent)
			savingsUnit = money(line.OriginalPrice.Sub(line.UnitPrice))
			lineSavings = money(line.Savings)
		}
		rows = append(rows, []any{
			date,
			orderLabel(o),
			name,
			o.Email,
			o.Phone,
			o.Addr.Country,
			o.Addr.City,
			o.Addr.PostalCode,
			address,
			line.Name,
			line.Quantity,
			money(line.OriginalPrice),
			money(line.UnitPrice),
			discount,
			savingsUnit,
			money(line.OriginalPrice.Mul(qty)),
			money(line.UnitPrice.Mul(qty)),
			lineSavings,
			money(o.Shipping),
			l.cfg.TaxStatus,
			money(o.Total),
			paid,
		})
	}
	return rows
}

func orderLabel(o *reconcile.Order) string {
	if o.Label != "" {
		return o.Label
	}
	return o.OrderID
}

// money renders a euro amount with a comma decimal separator, matching the
// locale the spreadsheet readers use.
func money(d decimal.Decimal) string {
	return "€" + strings.ReplaceAll(d.StringFixed(2), ".", ",")
}

func capitalizeWords(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToUpper(r)) + strings.ToLower(w[size:])
	}
	return strings.Join(words, " ")
}
