// Package brevo sends the customer order confirmation through the Brevo
// transactional email API.
package brevo

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-faster/errors"

	"github.com/weightmasters/storefront-api/internal/domain/fulfillment"
	"github.com/weightmasters/storefront-api/internal/domain/reconcile"
)

const defaultBaseURL = "https://api.brevo.com"

var _ fulfillment.Notifier = (*Client)(nil)

// Config holds the sender identity and template used for confirmations.
type Config struct {
	APIKey      string
	SenderName  string
	SenderEmail string
	TemplateID  int64
	ShopName    string
	// BaseURL overrides the API endpoint, for tests.
	BaseURL string
}

// Client calls the Brevo SMTP API. Failures are reported, never retried
// here: webhook redelivery is the retry mechanism.
type Client struct {
	cfg  Config
	http *http.Client
}

// New returns a Client. httpClient may be nil to use http.DefaultClient.
func New(cfg Config, httpClient *http.Client) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{cfg: cfg, http: httpClient}
}

type party struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email"`
}

type itemParams struct {
	ProductName     string `json:"productName"`
	ProductImage    string `json:"productImage,omitempty"`
	ProductPrice    string `json:"productPrice"`
	Quantity        int64  `json:"quantity"`
	OriginalPrice   string `json:"originalPrice,omitempty"`
	DiscountPercent int64  `json:"discountPercentage,omitempty"`
}

type discountParams struct {
	ProductName     string `json:"productName"`
	OriginalPrice   string `json:"originalPrice"`
	NewPrice        string `json:"newPrice"`
	SavedAmount     string `json:"savedAmount"`
	DiscountPercent int64  `json:"discountPercentage"`
}

type templateParams struct {
	Name          string           `json:"name"`
	OrderID       string           `json:"orderId"`
	Subtotal      string           `json:"subtotal"`
	Shipping      string           `json:"shipping"`
	Total         string           `json:"total"`
	ShopName      string           `json:"shopName"`
	Items         []itemParams     `json:"items"`
	HasDiscount   bool             `json:"hasDiscount"`
	DiscountItems []discountParams `json:"discountItems"`
	TotalSaved    string           `json:"totalSaved"`
}

type emailRequest struct {
	Sender     party          `json:"sender"`
	To         []party        `json:"to"`
	TemplateID int64          `json:"templateId"`
	Params     templateParams `json:"params"`
}

// SendConfirmation renders the order summary into template parameters and
// submits one transactional email.
func (c *Client) SendConfirmation(ctx context.Context, o *reconcile.Order) error {
	params := templateParams{
		Name:       fallbackName(o.Name),
		OrderID:    orderLabel(o),
		Subtotal:   o.Subtotal.StringFixed(2),
		Shipping:   o.Shipping.StringFixed(2),
		Total:      o.Total.StringFixed(2),
		ShopName:   c.cfg.ShopName,
		TotalSaved: o.TotalSaved().StringFixed(2),
	}

	for _, line := range o.Lines {
		item := itemParams{
			ProductName:  line.Name,
			ProductImage: line.Image,
			ProductPrice: line.UnitPrice.StringFixed(2),
			Quantity:     line.Quantity,
		}
		if line.HasDiscount {
			item.OriginalPrice = line.OriginalPrice.StringFixed(2)
			item.DiscountPercent = line.DiscountPercent
			params.HasDiscount = true
			params.DiscountItems = append(params.DiscountItems, discountParams{
				ProductName:     line.Name,
				OriginalPrice:   line.OriginalPrice.StringFixed(2),
				NewPrice:        line.UnitPrice.StringFixed(2),
				SavedAmount:     line.Savings.StringFixed(2),
				DiscountPercent: line.DiscountPercent,
			})
		}
		params.Items = append(params.Items, item)
	}

	body, err := json.Marshal(emailRequest{
		Sender:     party{Name: c.cfg.SenderName, Email: c.cfg.SenderEmail},
		To:         []party{{Name: fallbackName(o.Name), Email: o.Email}},
		TemplateID: c.cfg.TemplateID,
		Params:     params,
	})
	if err != nil {
		return errors.Wrap(err, "marshal email request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v3/smtp/email", bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build email request")
	}
	req.Header.Set("api-key", c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrap(err, "send email")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return errors.Errorf("email provider returned %d: %s", resp.StatusCode, detail)
	}
	return nil
}

// orderLabel prefers the short human-readable code when checkout metadata
// survived, else the durable gateway id.
func orderLabel(o *reconcile.Order) string {
	if o.Label != "" {
		return o.Label
	}
	return o.OrderID
}

func fallbackName(name string) string {
	if name == "" {
		return "Customer"
	}
	return name
}
