package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Config holds the complete application configuration, loadable from
// environment variables (SHOP_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL string `usage:"PostgreSQL connection URL (SHOP_DATABASE_URL or DATABASE_URL)" flag:"database-url"`

	Stripe      StripeConfig
	Checkout    CheckoutConfig
	Pricing     PricingConfig
	Email       EmailConfig
	Ledger      LedgerConfig
	Fulfillment FulfillmentConfig
	RateLimit   RateLimitConfig
	CORS        CORSConfig
	Graceful    GracefulConfig
}

// StripeConfig holds payment gateway credentials.
type StripeConfig struct {
	APIKey string `usage:"Stripe secret API key" flag:"stripe-api-key"`
	// WebhookSecrets lists every accepted signing secret. More than one is
	// valid during secret rotation.
	WebhookSecrets []string `usage:"Stripe webhook signing secrets" flag:"stripe-webhook-secrets"`
}

// CheckoutConfig controls session creation.
type CheckoutConfig struct {
	OrderIDPrefix       string   `default:"WM" usage:"Prefix for generated order ids"`
	Currency            string   `default:"eur" usage:"ISO currency code for sessions"`
	SuccessURL          string   `usage:"Redirect URL after successful payment" flag:"success-url"`
	CancelURL           string   `usage:"Redirect URL after cancelled payment" flag:"cancel-url"`
	AllowedCountries    []string `default:"NL,BE,DE" usage:"Shipping countries offered at checkout"`
	AllowPromotionCodes bool     `default:"true" usage:"Let customers enter promotion codes at the gateway"`
}

// PricingConfig controls tax treatment of cart prices.
type PricingConfig struct {
	// TaxMode is "inclusive" (prices already carry tax) or "on_top".
	TaxMode string  `default:"inclusive" usage:"Tax mode: inclusive or on_top" flag:"tax-mode"`
	TaxRate float64 `default:"0.21" usage:"Tax rate used in on_top mode" flag:"tax-rate"`
}

// EmailConfig holds the transactional email provider settings.
type EmailConfig struct {
	APIKey      string `usage:"Brevo API key" flag:"email-api-key"`
	SenderName  string `default:"Weight Masters" usage:"Confirmation sender name"`
	SenderEmail string `usage:"Confirmation sender address" flag:"sender-email"`
	TemplateID  int64  `usage:"Brevo template id for order confirmations" flag:"email-template-id"`
	ShopName    string `default:"Weight Masters" usage:"Shop name shown in confirmations"`
}

// LedgerConfig holds the bookkeeping spreadsheet settings.
type LedgerConfig struct {
	SpreadsheetID string `usage:"Google spreadsheet id for the order ledger" flag:"sheet-id"`
	SheetName     string `default:"Orders" usage:"Sheet tab holding order rows"`
	TaxStatus     string `default:"Incl. 21% VAT" usage:"Tax status column value"`
	// CredentialsJSON is the service account key itself; CredentialsFile
	// points at a mounted key file and wins when both are set.
	CredentialsJSON string `usage:"Google service account key JSON" flag:"ledger-credentials-json"`
	CredentialsFile string `usage:"Path to a Google service account key file" flag:"ledger-credentials-file"`
}

// FulfillmentConfig tunes the webhook fan-out.
type FulfillmentConfig struct {
	SinkTimeout time.Duration `default:"20s" usage:"Per-sink timeout for email and ledger calls"`
	// SeenCapacity sizes the duplicate-delivery filter.
	SeenCapacity      uint    `default:"100000" usage:"Expected order count for the duplicate filter"`
	SeenFalsePositive float64 `default:"0.01" usage:"Duplicate filter false positive rate"`
	SeenWarmLimit     int     `default:"10000" usage:"Recent orders loaded into the filter at startup"`
}

// RateLimitConfig controls the per-client sliding window rate limiter.
type RateLimitConfig struct {
	Max    int           `default:"100" usage:"Max requests per window"`
	Window time.Duration `default:"1m"  usage:"Rate limit window duration"`
}

// CORSConfig controls Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	Origins          []string `default:"*" usage:"Allowed CORS origins"`
	AllowCredentials bool     `default:"false" usage:"Allow credentials (cookies, auth headers)" flag:"cors-credentials"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config
// files, and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "SHOP",
		Files:     []string{"config.yaml", "/etc/storefront/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if cfg.DatabaseURL == "" {
		return nil, errors.New("database URL is required: set SHOP_DATABASE_URL or DATABASE_URL")
	}
	if cfg.Stripe.APIKey == "" {
		return nil, errors.New("Stripe API key is required: set SHOP_STRIPE_APIKEY")
	}
	if len(cfg.Stripe.WebhookSecrets) == 0 {
		return nil, errors.New("at least one webhook secret is required: set SHOP_STRIPE_WEBHOOKSECRETS")
	}

	return &cfg, nil
}

// applyPlatformDefaults maps platform-provided environment variables
// (Railway, Render, etc.) that use standard names like DATABASE_URL and PORT
// to the application's SHOP_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
